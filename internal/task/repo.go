package task

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a report id has no task row.
var ErrNotFound = errors.New("task not found")

// Ledger is the locking protocol over the task table. Claiming methods only
// make sense inside a transaction (db.Transact); the row lock they take is
// held until that transaction commits or rolls back, and no caller may write
// a task it has not locked in the same transaction.
type Ledger interface {
	// Insert adds the ledger row for a freshly persisted report.
	Insert(ctx context.Context, t *Task) error

	// FetchAndLockTask locks exactly one row FOR UPDATE. Returns ErrNotFound
	// if the report has no task.
	FetchAndLockTask(ctx context.Context, reportID uuid.UUID) (*Task, error)

	// FetchAndLockBatchTasksForOneReceiver selects up to limit batch-eligible
	// rows for the receiver, ordered by creation time, skipping rows already
	// locked by a concurrent transaction. The backstop filter on
	// next_action_at (not created_at) is what lets an operator resurrect a
	// stuck task by moving its next_action_at forward.
	FetchAndLockBatchTasksForOneReceiver(ctx context.Context, receiverFullName string, limit int, backstopTime time.Time) ([]*Task, error)

	// UpdateTask commits a state transition: new next_action, next_action_at
	// and retry token, stamping the stage's finished-at column.
	UpdateTask(ctx context.Context, reportID uuid.UUID, nextAction Action, nextActionAt *time.Time, retryToken *string, finished FinishedField) error

	// CountBatchReady counts batch-eligible rows for the receiver without
	// locking them, used by the batch decider.
	CountBatchReady(ctx context.Context, receiverFullName string, backstopTime time.Time) (int, error)

	// Fetch reads a task without locking, for history queries.
	Fetch(ctx context.Context, reportID uuid.UUID) (*Task, error)
}
