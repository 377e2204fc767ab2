// Package engine defines the capability table every inference engine
// exposes, local or remote. Local variants are shared libraries whose
// factory symbol returns this table; remote variants are in-process
// adapters that satisfy the same contract over HTTPS.
package engine

import "context"

// FactorySymbol is the exported symbol a local engine plugin must provide.
// Its value is a func() Engine.
const FactorySymbol = "NewEngine"

// LoadModelParams configures a model load on an engine.
type LoadModelParams struct {
	ModelPath    string `json:"model_path"`
	ModelAlias   string `json:"model_alias,omitempty"`
	NGPULayers   int    `json:"ngl,omitempty"`
	ContextLen   int    `json:"ctx_len,omitempty"`
	NParallel    int    `json:"n_parallel,omitempty"`
	Embedding    bool   `json:"embedding,omitempty"`
	CacheEnabled bool   `json:"caching_enabled,omitempty"`
}

// CompletionRequest is the engine-facing request produced by the
// dispatcher after normalization and prompt formatting.
type CompletionRequest struct {
	Prompt           string   `json:"prompt"`
	Stream           bool     `json:"stream"`
	NPredict         int      `json:"n_predict"`
	TopP             float64  `json:"top_p"`
	Temperature      float64  `json:"temperature"`
	FrequencyPenalty float64  `json:"frequency_penalty"`
	PresencePenalty  float64  `json:"presence_penalty"`
	RepeatLastN      int      `json:"repeat_last_n"`
	Stop             []string `json:"stop"`
	Images           []string `json:"images,omitempty"` // base64, ordered by [img-N] id
	Embedding        bool     `json:"embedding"`
}

// Result is one pull from an engine task. Content may be empty on the
// final pull; Stop marks the end of the stream.
type Result struct {
	TaskID  uint64 `json:"task_id"`
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
	Err     error  `json:"-"`

	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	Embedding        []float64 `json:"embedding,omitempty"`
}

// Engine is the stable capability table. Implementations must be safe for
// concurrent use; per-task FIFO ordering of NextResult is guaranteed by
// the engine.
type Engine interface {
	// LoadModel prepares a model for inference.
	LoadModel(ctx context.Context, params LoadModelParams) error

	// UnloadModel drops the loaded model and frees its resources.
	UnloadModel(ctx context.Context) error

	// IsSupported reports whether the named optional method is available.
	IsSupported(name string) bool

	// SubmitCompletion enqueues a request and returns the engine-assigned
	// task id used for pulling results and cancelling.
	SubmitCompletion(ctx context.Context, req CompletionRequest) (uint64, error)

	// NextResult blocks until the next result for the task is available.
	// After a Result with Stop set, no further pulls are valid.
	NextResult(ctx context.Context, taskID uint64) (Result, error)

	// Cancel aborts a task at the engine's next safe point.
	Cancel(taskID uint64)

	// UpdateSlots pumps the engine's internal scheduler. The loader calls
	// this from a dedicated supervisor goroutine while loaded.
	UpdateSlots()

	// GetModelStatus reports the engine's view of the loaded model.
	GetModelStatus() map[string]any

	// KVCacheClear drops the engine's key/value cache.
	KVCacheClear()

	// NParallel reports how many requests the engine multiplexes; 1 means
	// the dispatcher must serialize.
	NParallel() int
}

// FileLoggerEngine is the optional file-logging capability.
type FileLoggerEngine interface {
	SetFileLogger(maxLines int, path string)
	SetLogLevel(level string)
}
