// Package store provides the embedded relational store for engine, model,
// file, and hardware records. All handler and service code depends on the
// Store interface, keeping the SQLite implementation swappable in tests.
package store

import (
	"context"

	"github.com/janhq/cortex/pkg/models"
)

// Store is the persistence interface for the control plane's entities.
type Store interface {
	EngineStore
	ModelStore
	FileStore
	HardwareStore

	// Ping checks that the database is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying database handle.
	Close() error
}

// ── Engine records ──────────────────────────────────────────

type EngineStore interface {
	UpsertEngine(ctx context.Context, e *models.Engine) (*models.Engine, error)
	ListEngines(ctx context.Context) ([]models.Engine, error)
	GetEngineByID(ctx context.Context, id int64) (*models.Engine, error)
	GetEngineByNameAndVariant(ctx context.Context, name, variant, version string) (*models.Engine, error)
	DeleteEngineByID(ctx context.Context, id int64) error
}

// ── Model records ───────────────────────────────────────────

// Model is a pulled model artifact row.
type Model struct {
	ID        string `db:"model_id" json:"model"`
	AuthorRepo string `db:"author_repo_id" json:"author_repo_id"`
	BranchName string `db:"branch_name" json:"branch_name"`
	PathToYaml string `db:"path_to_model_yaml" json:"path_to_model_yaml"`
	ModelAlias string `db:"model_alias" json:"model_alias"`
}

type ModelStore interface {
	AddModel(ctx context.Context, m *Model) error
	ListModels(ctx context.Context) ([]Model, error)
	GetModel(ctx context.Context, id string) (*Model, error)
	DeleteModel(ctx context.Context, id string) error
}

// ── File records ────────────────────────────────────────────

// File is a registered artifact on disk (model blobs, auxiliary files).
type File struct {
	ID        string `db:"id" json:"id"`
	Object    string `db:"object" json:"object"`
	Purpose   string `db:"purpose" json:"purpose"`
	Filename  string `db:"filename" json:"filename"`
	Bytes     int64  `db:"bytes" json:"bytes"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

type FileStore interface {
	AddFile(ctx context.Context, f *File) error
	ListFiles(ctx context.Context) ([]File, error)
	GetFile(ctx context.Context, id string) (*File, error)
	DeleteFile(ctx context.Context, id string) error
}

// ── Hardware records ────────────────────────────────────────

// HardwareRow is the persisted snapshot of the host probe.
type HardwareRow struct {
	UUID           string `db:"uuid" json:"uuid"`
	Type           string `db:"type" json:"type"`
	HardwareID     int64  `db:"hardware_id" json:"hardware_id"`
	SoftwareID     int64  `db:"software_id" json:"software_id"`
	Activated      bool   `db:"activated" json:"activated"`
	PriorityNumber int    `db:"priority" json:"priority"`
}

type HardwareStore interface {
	ReplaceHardware(ctx context.Context, rows []HardwareRow) error
	ListHardware(ctx context.Context) ([]HardwareRow, error)
}
