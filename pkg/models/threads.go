package models

// Thread is a persisted conversation container. Metadata values are flat
// scalars (string, number, bool).
type Thread struct {
	ID        string         `json:"id"`
	Object    string         `json:"object"` // "thread"
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
}

// Message is one immutable record in a thread's messages file.
type Message struct {
	ID        string `json:"id"`
	Object    string `json:"object"` // "thread.message"
	ThreadID  string `json:"thread_id"`
	Role      string `json:"role"`
	Content   any    `json:"content"` // string or []ContentPart
	CreatedAt int64  `json:"created_at"`
}

// ThreadPatch is the mutable subset accepted by thread modification.
type ThreadPatch struct {
	Title    *string        `json:"title,omitempty"`
	Metadata map[string]any `json:"metadata"`
}
