// Package engine is the report lifecycle orchestrator: it moves each report
// through receive, process/route, batch, and send, with every state
// transition committed through the task ledger's row-locking protocol.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/labrelay/labrelay/internal/batch"
	"github.com/labrelay/labrelay/internal/platform/blobstore"
	"github.com/labrelay/labrelay/internal/platform/db"
	"github.com/labrelay/labrelay/internal/platform/queue"
	"github.com/labrelay/labrelay/internal/report"
	"github.com/labrelay/labrelay/internal/settings"
	"github.com/labrelay/labrelay/internal/task"
	"github.com/labrelay/labrelay/internal/translation"
	"github.com/labrelay/labrelay/internal/transport"
)

// Queue names the engine consumes from. The batch queue is fed by the batch
// decider; the other two by the engine itself.
const (
	QueueProcess = "process"
	QueueSend    = "send"
)

// ReportMessage drives the process and send queues.
type ReportMessage struct {
	ReportID uuid.UUID `json:"reportId"`
}

// SchemaSource resolves translation schemas by name.
type SchemaSource interface {
	Load(name string) (*translation.ConfigSchema, error)
}

// Engine wires the orchestrator's collaborators together. All dependencies
// are injected; nothing is reached through package-level state.
type Engine struct {
	ledger     task.Ledger
	reports    report.Repository
	blobs      blobstore.Store
	queue      *queue.Queue
	settings   settings.Provider
	transports *transport.Registry
	converter  *translation.Converter
	schemas    SchemaSource
	retry      transport.RetryConfig
	batchRetry int
	log        zerolog.Logger

	transact func(context.Context, func(context.Context) error) error
	now      func() time.Time
}

// Config collects the Engine's dependencies.
type Config struct {
	Pool       *pgxpool.Pool
	Ledger     task.Ledger
	Reports    report.Repository
	Blobs      blobstore.Store
	Queue      *queue.Queue
	Settings   settings.Provider
	Transports *transport.Registry
	Converter  *translation.Converter
	Schemas    SchemaSource
	Retry      transport.RetryConfig
	BatchRetry int
	Log        zerolog.Logger
}

func New(cfg Config) *Engine {
	return &Engine{
		ledger:     cfg.Ledger,
		reports:    cfg.Reports,
		blobs:      cfg.Blobs,
		queue:      cfg.Queue,
		settings:   cfg.Settings,
		transports: cfg.Transports,
		converter:  cfg.Converter,
		schemas:    cfg.Schemas,
		retry:      cfg.Retry,
		batchRetry: cfg.BatchRetry,
		log:        cfg.Log.With().Str("component", "engine").Logger(),
		transact: func(ctx context.Context, fn func(context.Context) error) error {
			return db.Transact(ctx, cfg.Pool, fn)
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Register subscribes the engine's stage handlers on its queue. Handlers are
// idempotent against redelivery: each one re-checks the task's next_action
// under the row lock before doing anything.
func (e *Engine) Register() {
	e.queue.Subscribe(QueueProcess, e.onReportMessage(e.handleProcess))
	e.queue.Subscribe(QueueSend, e.onReportMessage(e.handleSend))
	e.queue.Subscribe(batch.QueueName, e.onBatchTrigger)
}

func (e *Engine) onReportMessage(h func(context.Context, uuid.UUID) error) queue.Handler {
	return func(ctx context.Context, msg queue.Message) error {
		var rm ReportMessage
		if err := json.Unmarshal(msg.Body, &rm); err != nil {
			// Undecodable messages can never succeed; log and drop.
			e.log.Error().Err(err).Str("queue", msg.Queue).Msg("discarding malformed message")
			return nil
		}
		return h(ctx, rm.ReportID)
	}
}

func (e *Engine) onBatchTrigger(ctx context.Context, msg queue.Message) error {
	var trigger batch.TriggerMessage
	if err := json.Unmarshal(msg.Body, &trigger); err != nil {
		e.log.Error().Err(err).Msg("discarding malformed batch trigger")
		return nil
	}
	return e.handleBatch(ctx, trigger)
}

// receiversForTopic lists receivers subscribed to a topic.
func (e *Engine) receiversForTopic(topic string) []*settings.Receiver {
	var out []*settings.Receiver
	for _, r := range e.settings.Receivers() {
		if string(r.Topic) == topic {
			out = append(out, r)
		}
	}
	return out
}

// persistReport writes a derived report, its body, lineage rows, and its
// ledger task in the caller's transaction, then records the action.
func (e *Engine) persistReport(ctx context.Context, r *report.Report, action string,
	body []byte, parentID uuid.UUID, nextAction task.Action) error {

	blob, err := e.blobs.Upload(ctx, action, r.ID, body)
	if err != nil {
		return fmt.Errorf("store %s body: %w", action, err)
	}
	if err := e.reports.Insert(ctx, r, blob.URL); err != nil {
		return err
	}
	if err := e.reports.InsertItemLineages(ctx, r.Lineages()); err != nil {
		return err
	}
	if parentID != uuid.Nil {
		if err := e.reports.InsertReportLineage(ctx, parentID, r.ID); err != nil {
			return err
		}
	}

	nextAt := e.now()
	if err := e.ledger.Insert(ctx, &task.Task{
		ReportID:     r.ID,
		NextAction:   nextAction,
		NextActionAt: &nextAt,
		SchemaName:   r.Schema,
		ReceiverName: r.Receiver,
		ItemCount:    r.ItemCount(),
		BodyFormat:   string(r.BodyFormat),
		BodyURL:      blob.URL,
		CreatedAt:    r.CreatedAt,
	}); err != nil {
		return err
	}

	return e.reports.RecordAction(ctx, &report.Action{
		Name:         action,
		ReportID:     r.ID,
		ReceiverName: r.Receiver,
		Result:       fmt.Sprintf("%d item(s)", r.ItemCount()),
	})
}
