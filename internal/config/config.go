// Package config implements the persisted process-wide configuration store.
// The document lives at <data>/cortex.yaml, is human-editable, and is cached
// in memory behind a mutex. Writes re-serialize the whole document.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/janhq/cortex/pkg/cortexerr"
)

const (
	DefaultHost      = "127.0.0.1"
	DefaultPort      = 39281
	DefaultMaxLines  = 100000
	dataFolderName   = "cortexcpp"
	configFileName   = "cortex.yaml"
	defaultUserTurn  = "<|user|>"
	defaultPrePrompt = "You are a helpful assistant."
)

// utf8BOM is prepended on every write so the file round-trips through
// editors that expect it.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Document is the serialized configuration. Field names mirror the on-disk
// YAML keys.
type Document struct {
	APIServerHost       string   `yaml:"apiServerHost"`
	APIServerPort       int      `yaml:"apiServerPort"`
	DataFolderPath      string   `yaml:"dataFolderPath"`
	LogFolderPath       string   `yaml:"logFolderPath"`
	MaxLogLines         int      `yaml:"maxLogLines"`
	CheckedForUpdateAt  int64    `yaml:"checkedForUpdateAt"`
	LatestRelease       string   `yaml:"latestRelease"`
	CORSEnabled         bool     `yaml:"corsEnabled"`
	AllowedOrigins      []string `yaml:"allowedOrigins"`
	LlamacppVariant     string   `yaml:"llamacppVariant"`
	LlamacppVersion     string   `yaml:"llamacppVersion"`
	HuggingFaceToken    string   `yaml:"huggingFaceToken"`
	APIKeys             []string `yaml:"apiKeys"`
	CleanCacheThreshold int      `yaml:"cleanCacheThreshold"`
	UserTurnMarker      string   `yaml:"userTurnMarker"`
	PrePrompt           string   `yaml:"prePrompt"`
}

// Overrides are command-line values that take precedence over the document.
type Overrides struct {
	Host    string
	Port    int
	DataDir string
}

// Store is the mutex-guarded configuration cache plus its on-disk document.
type Store struct {
	mu        sync.Mutex
	path      string
	doc       Document
	overrides Overrides
}

// Defaults returns the document written when no file exists.
func Defaults() Document {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	data := filepath.Join(home, dataFolderName)
	return Document{
		APIServerHost:       DefaultHost,
		APIServerPort:       DefaultPort,
		DataFolderPath:      data,
		LogFolderPath:       filepath.Join(data, "logs"),
		MaxLogLines:         DefaultMaxLines,
		LatestRelease:       "default_version",
		CORSEnabled:         true,
		AllowedOrigins:      []string{"*"},
		APIKeys:             []string{},
		CleanCacheThreshold: 5,
		UserTurnMarker:      defaultUserTurn,
		PrePrompt:           defaultPrePrompt,
	}
}

// New creates a store rooted at dir (the executable directory by default)
// without touching disk. Call Load before first use.
func New(dir string, ov Overrides) *Store {
	if dir == "" {
		if exe, err := os.Executable(); err == nil {
			dir = filepath.Dir(exe)
		} else {
			dir = "."
		}
	}
	if ov.DataDir != "" {
		dir = ov.DataDir
	}
	return &Store{path: filepath.Join(dir, configFileName), overrides: ov}
}

// Path returns the config file location.
func (s *Store) Path() string { return s.path }

// Load reads the document, creating it with defaults when missing and
// merging in defaults for absent keys (rewriting once when it does).
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.doc = Defaults()
		if s.overrides.DataDir != "" {
			s.doc.DataFolderPath = s.overrides.DataDir
			s.doc.LogFolderPath = filepath.Join(s.overrides.DataDir, "logs")
		}
		log.Info().Str("path", s.path).Msg("Config file not found, writing defaults")
		return s.writeLocked()
	}
	if err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "read config %s", s.path)
	}

	raw = bytes.TrimPrefix(raw, utf8BOM)
	var node map[string]any
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "parse config %s", s.path)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "parse config %s", s.path)
	}

	// Merge defaults for keys the file predates, then rewrite once.
	if mergeDefaults(&doc, node) {
		s.doc = doc
		log.Info().Str("path", s.path).Msg("Config file missing keys, merged defaults")
		return s.writeLocked()
	}
	s.doc = doc
	return nil
}

// mergeDefaults fills zero values for keys absent from the raw document.
// Returns true when anything changed.
func mergeDefaults(doc *Document, node map[string]any) bool {
	def := Defaults()
	changed := false
	has := func(key string) bool { _, ok := node[key]; return ok }

	if !has("apiServerHost") {
		doc.APIServerHost = def.APIServerHost
		changed = true
	}
	if !has("apiServerPort") {
		doc.APIServerPort = def.APIServerPort
		changed = true
	}
	if !has("dataFolderPath") {
		doc.DataFolderPath = def.DataFolderPath
		changed = true
	}
	if !has("logFolderPath") {
		doc.LogFolderPath = filepath.Join(doc.DataFolderPath, "logs")
		changed = true
	}
	if !has("maxLogLines") {
		doc.MaxLogLines = def.MaxLogLines
		changed = true
	}
	if !has("corsEnabled") {
		doc.CORSEnabled = def.CORSEnabled
		changed = true
	}
	if !has("allowedOrigins") {
		doc.AllowedOrigins = def.AllowedOrigins
		changed = true
	}
	if !has("cleanCacheThreshold") {
		doc.CleanCacheThreshold = def.CleanCacheThreshold
		changed = true
	}
	if !has("userTurnMarker") {
		doc.UserTurnMarker = def.UserTurnMarker
		changed = true
	}
	if !has("prePrompt") {
		doc.PrePrompt = def.PrePrompt
		changed = true
	}
	if !has("latestRelease") {
		doc.LatestRelease = def.LatestRelease
		changed = true
	}
	return changed
}

// Get returns a snapshot of the document with overrides applied.
func (s *Store) Get() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.doc
	if s.overrides.Host != "" {
		doc.APIServerHost = s.overrides.Host
	}
	if s.overrides.Port != 0 {
		doc.APIServerPort = s.overrides.Port
	}
	if s.overrides.DataDir != "" {
		doc.DataFolderPath = s.overrides.DataDir
	}
	return doc
}

// Update applies mutate under the exclusive lock, writes the file, then
// replaces the cache. The cache is untouched when the write fails.
func (s *Store) Update(mutate func(*Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.doc
	mutate(&next)
	prev := s.doc
	s.doc = next
	if err := s.writeLocked(); err != nil {
		s.doc = prev
		return err
	}
	return nil
}

// writeLocked serializes the document with a BOM and atomically replaces
// the file. Caller holds s.mu.
func (s *Store) writeLocked() error {
	out, err := yaml.Marshal(&s.doc)
	if err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "marshal config")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "create config dir")
	}
	tmp := s.path + ".tmp"
	buf := append(append([]byte{}, utf8BOM...), out...)
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "write config %s", tmp)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "replace config %s", s.path)
	}
	return nil
}

// Addr renders the host:port pair the API server binds.
func (s *Store) Addr() string {
	doc := s.Get()
	return doc.APIServerHost + ":" + strconv.Itoa(doc.APIServerPort)
}

// EnginesDir returns <data>/engines.
func (d Document) EnginesDir() string { return filepath.Join(d.DataFolderPath, "engines") }

// ModelsDir returns <data>/models.
func (d Document) ModelsDir() string { return filepath.Join(d.DataFolderPath, "models") }

// ThreadsDir returns <data>/threads.
func (d Document) ThreadsDir() string { return filepath.Join(d.DataFolderPath, "threads") }

// DatabasePath returns <data>/cortex.db.
func (d Document) DatabasePath() string { return filepath.Join(d.DataFolderPath, "cortex.db") }

// CudaDir returns the per-family CUDA dependency directory.
func (d Document) CudaDir(family string) string {
	return filepath.Join(d.DataFolderPath, "engines", family, "deps")
}

func (d Document) String() string {
	return fmt.Sprintf("%s:%d data=%s", d.APIServerHost, d.APIServerPort, d.DataFolderPath)
}
