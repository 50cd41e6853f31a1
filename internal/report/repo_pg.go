package report

import (
	"context"
	"fmt"
	"strings"
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

type repoPG struct {
	pool        *pgxpool.Pool
	dedupWindow time.Duration
}

// NewRepoPG creates the Postgres-backed report repository. dedupWindow bounds
// the item-hash lookback.
func NewRepoPG(pool *pgxpool.Pool, dedupWindow time.Duration) Repository {
	return &repoPG{pool: pool, dedupWindow: dedupWindow}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *repoPG) Insert(ctx context.Context, rep *Report, bodyURL string) error {
	sendingOrg, sendingClient := "", ""
	for _, s := range rep.Sources {
		if s.Kind == SourceClient {
			sendingOrg, sendingClient = s.Organization, s.Client
			break
		}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO report_file (report_id, schema_name, topic, body_format, body_url,
			item_count, sending_org, sending_client, receiver_name, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rep.ID, rep.Schema, rep.Topic, string(rep.BodyFormat), bodyURL,
		rep.ItemCount(), sendingOrg, sendingClient, rep.Receiver, rep.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert report %s: %w", rep.ID, err)
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Report, string, error) {
	var (
		rep        Report
		bodyURL    string
		format     string
		itemCount  int
		sendingOrg string
		sendingCli string
	)
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT report_id, schema_name, topic, body_format, body_url, item_count,
			sending_org, sending_client, receiver_name, created_at
		FROM report_file WHERE report_id = $1`, id).
		Scan(&rep.ID, &rep.Schema, &rep.Topic, &format, &bodyURL, &itemCount,
			&sendingOrg, &sendingCli, &rep.Receiver, &rep.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("fetch report %s: %w", id, err)
	}
	rep.BodyFormat = BodyFormat(format)
	if sendingOrg != "" || sendingCli != "" {
		rep.Sources = []Source{{Kind: SourceClient, Organization: sendingOrg, Client: sendingCli}}
	}
	// Items live in the blob store; the row only carries the count.
	_ = itemCount
	return &rep, bodyURL, nil
}

func (r *repoPG) InsertItemLineages(ctx context.Context, rows []ItemLineage) error {
	if len(rows) == 0 {
		return nil
	}
	// One multi-row insert per report keeps the lineage write atomic with the
	// surrounding transaction.
	var (
		b    strings.Builder
		args []interface{}
	)
	b.WriteString(`INSERT INTO item_lineage (item_hash, child_report_id, child_index, created_at) VALUES `)
	for i, row := range rows {
		if i > 0 {
			b.WriteString(",")
		}
		n := i * 4
		fmt.Fprintf(&b, "($%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4)
		args = append(args, row.ItemHash, row.ChildReportID, row.ChildIndex, row.CreatedAt)
	}
	if _, err := r.conn(ctx).Exec(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert item lineage: %w", err)
	}
	return nil
}

func (r *repoPG) InsertReportLineage(ctx context.Context, parentID, childID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO report_lineage (parent_report_id, child_report_id, created_at)
		VALUES ($1,$2,NOW())`, parentID, childID)
	if err != nil {
		return fmt.Errorf("insert report lineage %s -> %s: %w", parentID, childID, err)
	}
	return nil
}

func (r *repoPG) ChildReports(ctx context.Context, parentID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT child_report_id FROM report_lineage WHERE parent_report_id = $1`, parentID)
	if err != nil {
		return nil, fmt.Errorf("fetch child reports of %s: %w", parentID, err)
	}
	defer rows.Close()

	var children []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		children = append(children, id)
	}
	return children, rows.Err()
}

func (r *repoPG) IsDuplicateItem(ctx context.Context, itemHash string) (bool, error) {
	cutoff := time.Now().UTC().Add(-r.dedupWindow)
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM item_lineage
			WHERE item_hash = $1 AND created_at >= $2
		)`, itemHash, cutoff).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check duplicate item: %w", err)
	}
	return exists, nil
}

func (r *repoPG) RecordAction(ctx context.Context, a *Action) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO action (action_name, report_id, receiver_name, result, created_at)
		VALUES ($1,$2,$3,$4,NOW())
		RETURNING action_id, created_at`,
		a.Name, a.ReportID, a.ReceiverName, a.Result).
		Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("record %s action: %w", a.Name, err)
	}
	return nil
}

func (r *repoPG) CheckRecentlySent(ctx context.Context, receiverFullName string, checkTime time.Time) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM action
			WHERE receiver_name = $1 AND action_name = 'send' AND created_at >= $2
		)`, receiverFullName, checkTime).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check recently sent for %s: %w", receiverFullName, err)
	}
	return exists, nil
}

func (r *repoPG) ListDeliveries(ctx context.Context, receiverFullName string, limit int) ([]Delivery, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT a.report_id, a.receiver_name, a.action_name, a.result, rf.item_count, a.created_at
		FROM action a
		JOIN report_file rf ON rf.report_id = a.report_id
		WHERE a.receiver_name = $1
		  AND a.action_name IN ('send', 'send_warning', 'send_error')
		ORDER BY a.created_at DESC
		LIMIT $2`, receiverFullName, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries for %s: %w", receiverFullName, err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ReportID, &d.ReceiverName, &d.Action, &d.Result, &d.ItemCount, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
