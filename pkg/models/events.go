package models

import "time"

// EventType names every event the bus can carry.
type EventType string

const (
	EventDownloadStarted  EventType = "download_started"
	EventDownloadProgress EventType = "download_progress"
	EventDownloadFinished EventType = "download_finished"
	EventEngineLoaded     EventType = "engine_loaded"
	EventEngineUnloaded   EventType = "engine_unloaded"
	EventModelInstalled   EventType = "model_installed"
)

// Event is the envelope published on the in-process bus. Payload is one of
// the typed payload structs below; subscribers switch on Type.
type Event struct {
	Type      EventType `json:"type"`
	Source    string    `json:"source"` // task id or engine family
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// DownloadStartedPayload is published at the start of every fetch attempt
// of an item, before its request is sent; each retry publishes it again.
type DownloadStartedPayload struct {
	Task DownloadTask `json:"task"`
}

// DownloadProgressPayload is sampled at a fixed cadence per item.
type DownloadProgressPayload struct {
	TaskID          string `json:"task_id"`
	ItemID          string `json:"item_id"`
	DownloadedBytes int64  `json:"downloaded_bytes"`
	ExpectedBytes   int64  `json:"expected_bytes,omitempty"`
}

// DownloadFinishedPayload is terminal for a task.
type DownloadFinishedPayload struct {
	Task    DownloadTask `json:"task"`
	Success bool         `json:"success"`
	Error   string       `json:"error,omitempty"`
}

// EnginePayload accompanies engine load/unload/install events.
type EnginePayload struct {
	Engine  string `json:"engine"`
	Version string `json:"version,omitempty"`
	Variant string `json:"variant,omitempty"`
}
