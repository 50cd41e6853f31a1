package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labrelay/labrelay/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type ledgerPG struct{ pool *pgxpool.Pool }

// NewLedgerPG creates the Postgres-backed task ledger.
func NewLedgerPG(pool *pgxpool.Pool) Ledger {
	return &ledgerPG{pool: pool}
}

func (l *ledgerPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return l.pool
}

const taskCols = `report_id, next_action, next_action_at, schema_name, receiver_name,
	item_count, body_format, body_url, retry_token, created_at,
	processed_at, routed_at, batched_at, sent_at, retried_at, errored_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var action string
	err := row.Scan(&t.ReportID, &action, &t.NextActionAt, &t.SchemaName, &t.ReceiverName,
		&t.ItemCount, &t.BodyFormat, &t.BodyURL, &t.RetryToken, &t.CreatedAt,
		&t.ProcessedAt, &t.RoutedAt, &t.BatchedAt, &t.SentAt, &t.RetriedAt, &t.ErroredAt)
	if err != nil {
		return nil, err
	}
	t.NextAction = Action(action)
	return &t, nil
}

func (l *ledgerPG) Insert(ctx context.Context, t *Task) error {
	_, err := l.conn(ctx).Exec(ctx, `
		INSERT INTO task (report_id, next_action, next_action_at, schema_name,
			receiver_name, item_count, body_format, body_url, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		t.ReportID, string(t.NextAction), t.NextActionAt, t.SchemaName,
		t.ReceiverName, t.ItemCount, t.BodyFormat, t.BodyURL, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task for report %s: %w", t.ReportID, err)
	}
	return nil
}

func (l *ledgerPG) FetchAndLockTask(ctx context.Context, reportID uuid.UUID) (*Task, error) {
	t, err := scanTask(l.conn(ctx).QueryRow(ctx,
		`SELECT `+taskCols+` FROM task WHERE report_id = $1 FOR UPDATE`, reportID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("report %s: %w", reportID, ErrNotFound)
		}
		return nil, fmt.Errorf("lock task for report %s: %w", reportID, err)
	}
	return t, nil
}

func (l *ledgerPG) FetchAndLockBatchTasksForOneReceiver(ctx context.Context, receiverFullName string, limit int, backstopTime time.Time) ([]*Task, error) {
	// SKIP LOCKED makes rows held by a concurrent claim invisible instead of
	// blocking, so parallel batch runs carve the queue into disjoint subsets.
	rows, err := l.conn(ctx).Query(ctx, `
		SELECT `+taskCols+` FROM task
		WHERE receiver_name = $1
		  AND next_action = 'batch'
		  AND next_action_at >= $2
		ORDER BY created_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED`,
		receiverFullName, backstopTime, limit)
	if err != nil {
		return nil, fmt.Errorf("lock batch tasks for %s: %w", receiverFullName, err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (l *ledgerPG) UpdateTask(ctx context.Context, reportID uuid.UUID, nextAction Action, nextActionAt *time.Time, retryToken *string, finished FinishedField) error {
	switch finished {
	case FinishedProcess, FinishedRoute, FinishedBatch, FinishedSend, FinishedRetry, FinishedError:
	default:
		return fmt.Errorf("unknown finished field %q", finished)
	}
	tag, err := l.conn(ctx).Exec(ctx, `
		UPDATE task SET next_action = $2, next_action_at = $3, retry_token = $4,
			`+string(finished)+` = NOW()
		WHERE report_id = $1`,
		reportID, string(nextAction), nextActionAt, retryToken)
	if err != nil {
		return fmt.Errorf("update task for report %s: %w", reportID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("report %s: %w", reportID, ErrNotFound)
	}
	return nil
}

func (l *ledgerPG) CountBatchReady(ctx context.Context, receiverFullName string, backstopTime time.Time) (int, error) {
	var count int
	err := l.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM task
		WHERE next_action = 'batch'
		  AND receiver_name = $1
		  AND next_action_at >= $2`,
		receiverFullName, backstopTime).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count batch tasks for %s: %w", receiverFullName, err)
	}
	return count, nil
}

func (l *ledgerPG) Fetch(ctx context.Context, reportID uuid.UUID) (*Task, error) {
	t, err := scanTask(l.conn(ctx).QueryRow(ctx,
		`SELECT `+taskCols+` FROM task WHERE report_id = $1`, reportID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("report %s: %w", reportID, ErrNotFound)
		}
		return nil, fmt.Errorf("fetch task for report %s: %w", reportID, err)
	}
	return t, nil
}
