package report

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Action is one append-only audit row recorded at every pipeline step.
// send_warning and send_error entries distinguish a still-retrying delivery
// from a permanently failed one.
type Action struct {
	ID           int64
	Name         string // receive, translate, route, batch, send, send_warning, send_error
	ReportID     uuid.UUID
	ReceiverName string
	Result       string
	CreatedAt    time.Time
}

// Delivery is one row of the per-receiver delivery history.
type Delivery struct {
	ReportID     uuid.UUID
	ReceiverName string
	Action       string
	Result       string
	ItemCount    int
	CreatedAt    time.Time
}

// Repository persists reports, lineage and action history. It also serves as
// the dedup HashOracle.
type Repository interface {
	HashOracle

	Insert(ctx context.Context, r *Report, bodyURL string) error
	Get(ctx context.Context, id uuid.UUID) (*Report, string, error)
	InsertItemLineages(ctx context.Context, rows []ItemLineage) error
	InsertReportLineage(ctx context.Context, parentID, childID uuid.UUID) error
	ChildReports(ctx context.Context, parentID uuid.UUID) ([]uuid.UUID, error)

	RecordAction(ctx context.Context, a *Action) error
	// CheckRecentlySent reports whether the receiver had a send action after
	// checkTime, the guard behind once-per-day empty batches.
	CheckRecentlySent(ctx context.Context, receiverFullName string, checkTime time.Time) (bool, error)
	ListDeliveries(ctx context.Context, receiverFullName string, limit int) ([]Delivery, error)
}
