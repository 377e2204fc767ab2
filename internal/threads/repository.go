// Package threads persists conversation threads as per-thread directories
// under <data>/threads: a thread.json document plus an append-only
// messages.jsonl file. Access is disciplined by a per-thread
// reader/writer lock held in a map guarded by its own meta lock.
package threads

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/janhq/cortex/pkg/cortexerr"
	"github.com/janhq/cortex/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	threadFileName   = "thread.json"
	messagesFileName = "messages.jsonl"
)

// Repository implements the thread store.
type Repository struct {
	root string

	metaMu sync.RWMutex
	locks  map[string]*sync.RWMutex
}

// NewRepository roots the store at dir, creating it when absent.
func NewRepository(dir string) (*Repository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cortexerr.Wrap(cortexerr.KindInternal, err, "create threads dir %s", dir)
	}
	return &Repository{root: dir, locks: make(map[string]*sync.RWMutex)}, nil
}

// lock returns the per-thread mutex, creating it on first use.
func (r *Repository) lock(threadID string) *sync.RWMutex {
	r.metaMu.RLock()
	mu, ok := r.locks[threadID]
	r.metaMu.RUnlock()
	if ok {
		return mu
	}
	r.metaMu.Lock()
	defer r.metaMu.Unlock()
	if mu, ok = r.locks[threadID]; ok {
		return mu
	}
	mu = &sync.RWMutex{}
	r.locks[threadID] = mu
	return mu
}

func (r *Repository) threadDir(threadID string) string {
	return filepath.Join(r.root, threadID)
}

// List enumerates threads under shared locks, ordered by creation time and
// cursored by id.
func (r *Repository) List(limit int, order, after, before string) ([]models.Thread, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.KindInternal, err, "list threads")
	}

	var threads []models.Thread
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		if _, err := os.Stat(filepath.Join(r.threadDir(id), threadFileName)); err != nil {
			continue
		}
		mu := r.lock(id)
		mu.RLock()
		t, err := r.loadThread(id)
		mu.RUnlock()
		if err != nil {
			log.Warn().Str("thread", id).Err(err).Msg("Skipping unreadable thread")
			continue
		}
		threads = append(threads, t)
	}

	desc := order != "asc"
	sort.Slice(threads, func(i, j int) bool {
		if desc {
			return threads[i].CreatedAt > threads[j].CreatedAt
		}
		return threads[i].CreatedAt < threads[j].CreatedAt
	})

	threads = cursorWindow(threads, after, before, func(t models.Thread) string { return t.ID })
	if limit > 0 && len(threads) > limit {
		threads = threads[:limit]
	}
	return threads, nil
}

// cursorWindow trims the ordered slice to the window between the after and
// before ids, exclusive.
func cursorWindow[T any](in []T, after, before string, id func(T) string) []T {
	out := in
	if after != "" {
		for i := range out {
			if id(out[i]) == after {
				out = out[i+1:]
				break
			}
		}
	}
	if before != "" {
		for i := range out {
			if id(out[i]) == before {
				out = out[:i]
				break
			}
		}
	}
	return out
}

// Create rejects existing ids and writes the initial thread.json and an
// empty messages file.
func (r *Repository) Create(t *models.Thread) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.Object = "thread"
	now := time.Now().Unix()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}

	mu := r.lock(t.ID)
	mu.Lock()
	defer mu.Unlock()

	dir := r.threadDir(t.ID)
	if _, err := os.Stat(dir); err == nil {
		return cortexerr.New(cortexerr.KindAlreadyExists, "thread exists: %s", t.ID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "create thread dir")
	}
	if err := os.WriteFile(filepath.Join(dir, messagesFileName), nil, 0o644); err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "create messages file")
	}
	return r.saveThread(t)
}

// Retrieve loads one thread under the shared lock.
func (r *Repository) Retrieve(threadID string) (models.Thread, error) {
	mu := r.lock(threadID)
	mu.RLock()
	defer mu.RUnlock()
	return r.loadThread(threadID)
}

// Modify applies the patch under the exclusive lock. A patch without
// metadata is rejected.
func (r *Repository) Modify(threadID string, patch models.ThreadPatch) (models.Thread, error) {
	if patch.Metadata == nil {
		return models.Thread{}, cortexerr.New(cortexerr.KindBadRequest, "metadata is required")
	}
	mu := r.lock(threadID)
	mu.Lock()
	defer mu.Unlock()

	t, err := r.loadThread(threadID)
	if err != nil {
		return models.Thread{}, err
	}
	t.Metadata = patch.Metadata
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	t.UpdatedAt = time.Now().Unix()
	if err := r.saveThread(&t); err != nil {
		return models.Thread{}, err
	}
	return t, nil
}

// Delete removes the directory, then evicts the lock entry under the meta
// write lock.
func (r *Repository) Delete(threadID string) error {
	mu := r.lock(threadID)
	mu.Lock()
	dir := r.threadDir(threadID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		mu.Unlock()
		return cortexerr.New(cortexerr.KindNotFound, "thread %s not found", threadID)
	}
	err := os.RemoveAll(dir)
	mu.Unlock()
	if err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "delete thread %s", threadID)
	}

	r.metaMu.Lock()
	delete(r.locks, threadID)
	r.metaMu.Unlock()
	return nil
}

// loadThread reads thread.json. Callers hold the per-thread lock.
func (r *Repository) loadThread(threadID string) (models.Thread, error) {
	raw, err := os.ReadFile(filepath.Join(r.threadDir(threadID), threadFileName))
	if os.IsNotExist(err) {
		return models.Thread{}, cortexerr.New(cortexerr.KindNotFound, "thread %s not found", threadID)
	}
	if err != nil {
		return models.Thread{}, cortexerr.Wrap(cortexerr.KindInternal, err, "read thread %s", threadID)
	}
	var t models.Thread
	if err := json.Unmarshal(raw, &t); err != nil {
		return models.Thread{}, cortexerr.Wrap(cortexerr.KindInternal, err, "parse thread %s", threadID)
	}
	return t, nil
}

// saveThread writes thread.json via temp+rename so concurrent readers
// never observe a partial document. Callers hold the exclusive lock.
func (r *Repository) saveThread(t *models.Thread) error {
	raw, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "marshal thread %s", t.ID)
	}
	path := filepath.Join(r.threadDir(t.ID), threadFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "write thread %s", t.ID)
	}
	if err := os.Rename(tmp, path); err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "replace thread %s", t.ID)
	}
	return nil
}

// ── Messages ────────────────────────────────────────────────

// CreateMessage appends one record to the thread's messages file.
func (r *Repository) CreateMessage(threadID string, m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.Object = "thread.message"
	m.ThreadID = threadID
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().Unix()
	}

	mu := r.lock(threadID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := os.Stat(r.threadDir(threadID)); os.IsNotExist(err) {
		return cortexerr.New(cortexerr.KindNotFound, "thread %s not found", threadID)
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "marshal message")
	}
	f, err := os.OpenFile(filepath.Join(r.threadDir(threadID), messagesFileName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "open messages file")
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "append message")
	}
	return nil
}

// ListMessages reads the whole file under the shared lock and windows it.
func (r *Repository) ListMessages(threadID string, limit int, order, after, before string) ([]models.Message, error) {
	mu := r.lock(threadID)
	mu.RLock()
	msgs, err := r.loadMessages(threadID)
	mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if order == "desc" {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	msgs = cursorWindow(msgs, after, before, func(m models.Message) string { return m.ID })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// RetrieveMessage finds one message by id.
func (r *Repository) RetrieveMessage(threadID, messageID string) (models.Message, error) {
	mu := r.lock(threadID)
	mu.RLock()
	defer mu.RUnlock()
	msgs, err := r.loadMessages(threadID)
	if err != nil {
		return models.Message{}, err
	}
	for _, m := range msgs {
		if m.ID == messageID {
			return m, nil
		}
	}
	return models.Message{}, cortexerr.New(cortexerr.KindNotFound, "message %s not found", messageID)
}

// ModifyMessage rewrites the whole file with the message replaced.
// Messages are otherwise immutable.
func (r *Repository) ModifyMessage(threadID, messageID string, content any) (models.Message, error) {
	mu := r.lock(threadID)
	mu.Lock()
	defer mu.Unlock()

	msgs, err := r.loadMessages(threadID)
	if err != nil {
		return models.Message{}, err
	}
	found := -1
	for i := range msgs {
		if msgs[i].ID == messageID {
			found = i
			break
		}
	}
	if found < 0 {
		return models.Message{}, cortexerr.New(cortexerr.KindNotFound, "message %s not found", messageID)
	}
	msgs[found].Content = content
	if err := r.rewriteMessages(threadID, msgs); err != nil {
		return models.Message{}, err
	}
	return msgs[found], nil
}

// DeleteMessage rewrites the whole file without the message.
func (r *Repository) DeleteMessage(threadID, messageID string) error {
	mu := r.lock(threadID)
	mu.Lock()
	defer mu.Unlock()

	msgs, err := r.loadMessages(threadID)
	if err != nil {
		return err
	}
	out := msgs[:0]
	found := false
	for _, m := range msgs {
		if m.ID == messageID {
			found = true
			continue
		}
		out = append(out, m)
	}
	if !found {
		return cortexerr.New(cortexerr.KindNotFound, "message %s not found", messageID)
	}
	return r.rewriteMessages(threadID, out)
}

// loadMessages reads the JSONL file. Callers hold a lock.
func (r *Repository) loadMessages(threadID string) ([]models.Message, error) {
	path := filepath.Join(r.threadDir(threadID), messagesFileName)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		if _, serr := os.Stat(r.threadDir(threadID)); os.IsNotExist(serr) {
			return nil, cortexerr.New(cortexerr.KindNotFound, "thread %s not found", threadID)
		}
		return nil, nil
	}
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.KindInternal, err, "open messages file")
	}
	defer f.Close()

	var msgs []models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m models.Message
		if err := json.Unmarshal(line, &m); err != nil {
			log.Warn().Str("thread", threadID).Err(err).Msg("Skipping corrupt message line")
			continue
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, cortexerr.Wrap(cortexerr.KindInternal, err, "read messages")
	}
	return msgs, nil
}

// rewriteMessages replaces the file via temp+rename. Callers hold the
// exclusive lock.
func (r *Repository) rewriteMessages(threadID string, msgs []models.Message) error {
	path := filepath.Join(r.threadDir(threadID), messagesFileName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "open messages temp")
	}
	w := bufio.NewWriter(f)
	for i := range msgs {
		raw, err := json.Marshal(&msgs[i])
		if err != nil {
			f.Close()
			return cortexerr.Wrap(cortexerr.KindInternal, err, "marshal message")
		}
		w.Write(raw)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return cortexerr.Wrap(cortexerr.KindInternal, err, "flush messages")
	}
	if err := f.Close(); err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "close messages temp")
	}
	if err := os.Rename(tmp, path); err != nil {
		return cortexerr.Wrap(cortexerr.KindInternal, err, "replace messages file")
	}
	return nil
}
