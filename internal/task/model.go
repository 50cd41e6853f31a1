// Package task is the durable ledger of pending pipeline work. One row per
// report; the row's next_action drives which stage claims it next.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Action is a task's next pipeline step or terminal state.
type Action string

const (
	ActionReceive     Action = "receive"
	ActionProcess     Action = "process"
	ActionRoute       Action = "route"
	ActionBatch       Action = "batch"
	ActionSend        Action = "send"
	ActionSendWarning Action = "send_warning"
	ActionSendError   Action = "send_error" // terminal: delivery permanently failed
	ActionNone        Action = "none"       // terminal: work complete or superseded
)

// Terminal reports whether the action ends a task's lifecycle.
func (a Action) Terminal() bool {
	return a == ActionNone || a == ActionSendError
}

// FinishedField names the per-stage completion timestamp column a transition
// stamps when it commits. The closed set keeps column names out of caller
// hands.
type FinishedField string

const (
	FinishedProcess FinishedField = "processed_at"
	FinishedRoute   FinishedField = "routed_at"
	FinishedBatch   FinishedField = "batched_at"
	FinishedSend    FinishedField = "sent_at"
	FinishedRetry   FinishedField = "retried_at"
	FinishedError   FinishedField = "errored_at"
)

// Task is one ledger row. At most one live task exists per report id; rows
// are never deleted, so the ledger doubles as stage-timing history.
type Task struct {
	ReportID     uuid.UUID
	NextAction   Action
	NextActionAt *time.Time // nil = eligible immediately
	SchemaName   string
	ReceiverName string
	ItemCount    int
	BodyFormat   string
	BodyURL      string
	RetryToken   *string // serialized transport.RetryToken, send stages only
	CreatedAt    time.Time

	ProcessedAt *time.Time
	RoutedAt    *time.Time
	BatchedAt   *time.Time
	SentAt      *time.Time
	RetriedAt   *time.Time
	ErroredAt   *time.Time
}
