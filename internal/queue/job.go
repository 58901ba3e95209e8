// Package queue implements the durable job queue on top of the embedded
// store: enqueue, atomic single-claim dequeue, and outcome recording.
package queue

import (
	"encoding/json"
	"time"
)

// Status values a job moves through. A job starts queued, is claimed into
// in_progress by a worker, and settles into done or error. A transient
// failure moves it back to queued with a later next_run_at instead of error.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusError      = "error"
)

// Job is a unit of work: a named task with a JSON payload, tracked through
// the queued/in_progress/done/error state machine.
type Job struct {
	ID        string          `json:"id"`
	Task      string          `json:"task"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Attempts  int             `json:"attempts"`
	Priority  int             `json:"priority"`
	NextRunAt time.Time       `json:"next_run_at"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
