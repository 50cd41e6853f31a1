// Package batch decides when receivers have accumulated enough work for a
// batch run and emits trigger messages for the downstream batcher.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/labrelay/labrelay/internal/platform/db"
	"github.com/labrelay/labrelay/internal/platform/queue"
	"github.com/labrelay/labrelay/internal/report"
	"github.com/labrelay/labrelay/internal/settings"
	"github.com/labrelay/labrelay/internal/task"
)

// QueueName is the queue batch-trigger messages are emitted on.
const QueueName = "batch"

// TriggerMessage tells the batcher to run one batch for one receiver.
type TriggerMessage struct {
	ReceiverFullName string `json:"receiverFullName"`
	IsEmpty          bool   `json:"isEmpty"`
}

// Decider periodically scans receiver batching policies and counts eligible
// tasks. It runs on its own clock, independent of the workflow workers.
type Decider struct {
	ledger   task.Ledger
	reports  report.Repository
	settings settings.Provider
	queue    *queue.Queue
	period   time.Duration
	maxRetry int
	log      zerolog.Logger
	transact func(context.Context, func(context.Context) error) error
}

func NewDecider(pool *pgxpool.Pool, ledger task.Ledger, reports report.Repository,
	provider settings.Provider, q *queue.Queue, period time.Duration, maxRetries int,
	log zerolog.Logger) *Decider {
	return &Decider{
		ledger:   ledger,
		reports:  reports,
		settings: provider,
		queue:    q,
		period:   period,
		maxRetry: maxRetries,
		log:      log.With().Str("component", "batch-decider").Logger(),
		transact: func(ctx context.Context, fn func(context.Context) error) error {
			return db.Transact(ctx, pool, fn)
		},
	}
}

// Run loops until the context is cancelled, deciding once per period.
func (d *Decider) Run(ctx context.Context) {
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()
	d.log.Info().Dur("period", d.period).Msg("batch decider started")

	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("batch decider stopped")
			return
		case now := <-ticker.C:
			if n, err := d.DecideOnce(ctx, now); err != nil {
				d.log.Error().Err(err).Msg("batch decision pass failed")
			} else if n > 0 {
				d.log.Info().Int("triggers", n).Msg("batch triggers emitted")
			}
		}
	}
}

// DecideOnce runs one decision pass over every receiver and returns the
// number of trigger messages emitted.
func (d *Decider) DecideOnce(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, recv := range d.settings.Receivers() {
		if !recv.Timing.Valid() {
			continue
		}
		if !recv.Timing.BatchInPrevious(d.period, now) {
			continue
		}
		n, err := d.decideForReceiver(ctx, recv, now)
		if err != nil {
			return total, fmt.Errorf("decide for %s: %w", recv.FullName(), err)
		}
		total += n
	}
	return total, nil
}

// decideForReceiver counts eligible tasks and emits triggers inside one
// transaction, so a concurrent send cannot clear eligibility between the
// count and the enqueue.
func (d *Decider) decideForReceiver(ctx context.Context, recv *settings.Receiver, now time.Time) (int, error) {
	emitted := 0
	err := d.transact(ctx, func(ctx context.Context) error {
		backstop := now.Add(-Lookback(recv.Timing.NumberPerDay, d.maxRetry))
		records, err := d.ledger.CountBatchReady(ctx, recv.FullName(), backstop)
		if err != nil {
			return err
		}

		messages := QueueMessageCount(records, recv.Timing.MaxReportCount)
		isEmpty := false
		if messages == 0 && recv.Timing.WhenEmpty.Action == settings.EmptyActionSend {
			ok, err := d.shouldSendEmpty(ctx, recv, now)
			if err != nil {
				return err
			}
			if ok {
				messages = 1
				isEmpty = true
			}
		}

		for i := 0; i < messages; i++ {
			msg := TriggerMessage{ReceiverFullName: recv.FullName(), IsEmpty: isEmpty}
			if err := d.queue.Send(QueueName, msg); err != nil {
				return err
			}
		}
		emitted = messages
		return nil
	})
	return emitted, err
}

func (d *Decider) shouldSendEmpty(ctx context.Context, recv *settings.Receiver, now time.Time) (bool, error) {
	if !recv.Timing.WhenEmpty.OnlyOncePerDay {
		return true, nil
	}
	sent, err := d.reports.CheckRecentlySent(ctx, recv.FullName(), now.Add(-24*time.Hour))
	if err != nil {
		return false, err
	}
	return !sent, nil
}

// QueueMessageCount is ceil(records / maxReportCount).
func QueueMessageCount(records, maxReportCount int) int {
	if records <= 0 || maxReportCount <= 0 {
		return 0
	}
	return (records + maxReportCount - 1) / maxReportCount
}

// Lookback bounds how far back the eligibility count reaches. A receiver
// that batches more often gets a shorter window, since older outstanding
// items have already had their retries. Capped at 24 hours.
func Lookback(numberPerDay, maxRetries int) time.Duration {
	if numberPerDay <= 0 {
		return 24 * time.Hour
	}
	mins := (24*60 + numberPerDay - 1) / numberPerDay * (maxRetries + 1)
	d := time.Duration(mins) * time.Minute
	if d > 24*time.Hour {
		return 24 * time.Hour
	}
	return d
}
