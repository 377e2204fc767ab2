package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/janhq/cortex/pkg/cortexerr"
	"github.com/janhq/cortex/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS engines (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	api_key TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	version TEXT NOT NULL DEFAULT '',
	variant TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'default',
	metadata TEXT NOT NULL DEFAULT '',
	UNIQUE (name, variant, version)
);
CREATE TABLE IF NOT EXISTS models (
	model_id TEXT PRIMARY KEY,
	author_repo_id TEXT NOT NULL DEFAULT '',
	branch_name TEXT NOT NULL DEFAULT '',
	path_to_model_yaml TEXT NOT NULL DEFAULT '',
	model_alias TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	object TEXT NOT NULL DEFAULT 'file',
	purpose TEXT NOT NULL DEFAULT '',
	filename TEXT NOT NULL DEFAULT '',
	bytes INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS hardware (
	uuid TEXT PRIMARY KEY,
	type TEXT NOT NULL DEFAULT '',
	hardware_id INTEGER NOT NULL DEFAULT 0,
	software_id INTEGER NOT NULL DEFAULT 0,
	activated INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteStore backs Store with a single-file SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// Open opens (creating when absent) the database at path and applies the
// schema.
func Open(path string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.KindInternal, err, "open database %s", path)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent handlers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, cortexerr.Wrap(cortexerr.KindInternal, err, "apply schema")
	}
	log.Info().Str("path", path).Msg("Entity store opened")
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { return s.db.Close() }

// ── Engines ─────────────────────────────────────────────────

func (s *SQLiteStore) UpsertEngine(ctx context.Context, e *models.Engine) (*models.Engine, error) {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO engines (name, type, api_key, url, version, variant, status, metadata)
		VALUES (:name, :type, :api_key, :url, :version, :variant, :status, :metadata)
		ON CONFLICT (name, variant, version) DO UPDATE SET
			type = excluded.type,
			api_key = excluded.api_key,
			url = excluded.url,
			status = excluded.status,
			metadata = excluded.metadata`, e)
	if err != nil {
		return nil, classify(err, "upsert engine %s", e.Name)
	}
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		e.ID = id
	}
	return s.GetEngineByNameAndVariant(ctx, e.Name, e.Variant, e.Version)
}

func (s *SQLiteStore) ListEngines(ctx context.Context) ([]models.Engine, error) {
	var out []models.Engine
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM engines ORDER BY id`); err != nil {
		return nil, classify(err, "list engines")
	}
	return out, nil
}

func (s *SQLiteStore) GetEngineByID(ctx context.Context, id int64) (*models.Engine, error) {
	var e models.Engine
	err := s.db.GetContext(ctx, &e, `SELECT * FROM engines WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cortexerr.New(cortexerr.KindNotFound, "engine %d not found", id)
	}
	if err != nil {
		return nil, classify(err, "get engine %d", id)
	}
	return &e, nil
}

func (s *SQLiteStore) GetEngineByNameAndVariant(ctx context.Context, name, variant, version string) (*models.Engine, error) {
	var e models.Engine
	err := s.db.GetContext(ctx, &e, `
		SELECT * FROM engines WHERE name = ? AND variant = ? AND version = ?`,
		name, variant, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cortexerr.New(cortexerr.KindNotFound, "engine %s/%s/%s not found", name, variant, version)
	}
	if err != nil {
		return nil, classify(err, "get engine %s", name)
	}
	return &e, nil
}

func (s *SQLiteStore) DeleteEngineByID(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM engines WHERE id = ?`, id)
	if err != nil {
		return classify(err, "delete engine %d", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cortexerr.New(cortexerr.KindNotFound, "engine %d not found", id)
	}
	return nil
}

// ── Models ──────────────────────────────────────────────────

func (s *SQLiteStore) AddModel(ctx context.Context, m *Model) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO models (model_id, author_repo_id, branch_name, path_to_model_yaml, model_alias)
		VALUES (:model_id, :author_repo_id, :branch_name, :path_to_model_yaml, :model_alias)`, m)
	return classify(err, "add model %s", m.ID)
}

func (s *SQLiteStore) ListModels(ctx context.Context) ([]Model, error) {
	var out []Model
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM models ORDER BY model_id`); err != nil {
		return nil, classify(err, "list models")
	}
	return out, nil
}

func (s *SQLiteStore) GetModel(ctx context.Context, id string) (*Model, error) {
	var m Model
	err := s.db.GetContext(ctx, &m, `SELECT * FROM models WHERE model_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cortexerr.New(cortexerr.KindNotFound, "model %s not found", id)
	}
	if err != nil {
		return nil, classify(err, "get model %s", id)
	}
	return &m, nil
}

func (s *SQLiteStore) DeleteModel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE model_id = ?`, id)
	if err != nil {
		return classify(err, "delete model %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cortexerr.New(cortexerr.KindNotFound, "model %s not found", id)
	}
	return nil
}

// ── Files ───────────────────────────────────────────────────

func (s *SQLiteStore) AddFile(ctx context.Context, f *File) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO files (id, object, purpose, filename, bytes, created_at)
		VALUES (:id, :object, :purpose, :filename, :bytes, :created_at)`, f)
	return classify(err, "add file %s", f.ID)
}

func (s *SQLiteStore) ListFiles(ctx context.Context) ([]File, error) {
	var out []File
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM files ORDER BY created_at`); err != nil {
		return nil, classify(err, "list files")
	}
	return out, nil
}

func (s *SQLiteStore) GetFile(ctx context.Context, id string) (*File, error) {
	var f File
	err := s.db.GetContext(ctx, &f, `SELECT * FROM files WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cortexerr.New(cortexerr.KindNotFound, "file %s not found", id)
	}
	if err != nil {
		return nil, classify(err, "get file %s", id)
	}
	return &f, nil
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return classify(err, "delete file %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cortexerr.New(cortexerr.KindNotFound, "file %s not found", id)
	}
	return nil
}

// ── Hardware ────────────────────────────────────────────────

func (s *SQLiteStore) ReplaceHardware(ctx context.Context, rows []HardwareRow) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err, "begin hardware tx")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM hardware`); err != nil {
		return classify(err, "clear hardware")
	}
	for i := range rows {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO hardware (uuid, type, hardware_id, software_id, activated, priority)
			VALUES (:uuid, :type, :hardware_id, :software_id, :activated, :priority)`, &rows[i]); err != nil {
			return classify(err, "insert hardware %s", rows[i].UUID)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListHardware(ctx context.Context) ([]HardwareRow, error) {
	var out []HardwareRow
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM hardware ORDER BY priority`); err != nil {
		return nil, classify(err, "list hardware")
	}
	return out, nil
}

// classify converts sqlite errors into the shared taxonomy. Constraint
// violations map to AlreadyExists, everything else to Internal.
func classify(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return cortexerr.Wrap(cortexerr.KindAlreadyExists, err, format, args...)
	}
	return cortexerr.Wrap(cortexerr.KindInternal, err, format, args...)
}
