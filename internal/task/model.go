package task

import (
	"encoding/json"
	"time"
)

// Task is the single persisted entity.
type Task struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	IsDone    bool      `json:"is_done"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Changes holds validated field values. A nil field was not supplied and
// must be left untouched by the store.
type Changes struct {
	Title  *string
	IsDone *bool
}

// Payload is a decoded request body object keyed by JSON field name.
// Values stay raw until the serializer validates them.
type Payload map[string]json.RawMessage
