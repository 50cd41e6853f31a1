package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/labrelay/labrelay/internal/report"
	"github.com/labrelay/labrelay/internal/task"
	"github.com/labrelay/labrelay/internal/transport"
)

// handleSend delivers one outgoing report and commits the retry state
// machine's verdict. The task row stays locked for the duration: the
// transport call is bounded by its own timeout, and the lock is what makes a
// concurrent redelivery of the same message wait and then observe the
// terminal state instead of double-sending.
func (e *Engine) handleSend(ctx context.Context, reportID uuid.UUID) error {
	var requeueIn *ReportMessage
	var requeueDelay time.Duration

	err := e.transact(ctx, func(ctx context.Context) error {
		t, err := e.ledger.FetchAndLockTask(ctx, reportID)
		if err != nil {
			if errors.Is(err, task.ErrNotFound) {
				e.log.Warn().Str("report_id", reportID.String()).Msg("send: no task for report")
				return nil
			}
			return err
		}
		if t.NextAction != task.ActionSend && t.NextAction != task.ActionSendWarning {
			return nil
		}
		now := e.now()
		if t.NextActionAt != nil && t.NextActionAt.After(now) {
			// Delivered early; push the message back until the backoff expires.
			requeueIn = &ReportMessage{ReportID: reportID}
			requeueDelay = t.NextActionAt.Sub(now)
			return nil
		}

		recv := e.settings.FindReceiver(t.ReceiverName)
		if recv == nil {
			return fmt.Errorf("task %s names unknown receiver %q", reportID, t.ReceiverName)
		}
		tr, err := e.transports.Lookup(recv.Transport)
		if err != nil {
			return err
		}
		prior, err := transport.DecodeRetryToken(t.RetryToken)
		if err != nil {
			return fmt.Errorf("task %s: %w", reportID, err)
		}

		body, err := e.blobs.Download(ctx, t.BodyURL)
		if err != nil {
			return fmt.Errorf("load body of %s: %w", reportID, err)
		}

		var retryItems *transport.RetryItems
		if prior != nil {
			retryItems = &prior.RetryItems
		}
		failed, sendErr := tr.Send(ctx, recv.Transport, body, reportID, retryItems)
		if sendErr != nil && failed == nil {
			all := transport.AllItems()
			failed = &all
		}

		outcome := e.retry.Resolve(prior, failed, now)
		switch outcome.Kind {
		case transport.OutcomeSuccess:
			if err := e.ledger.UpdateTask(ctx, reportID, task.ActionNone, nil, nil, task.FinishedSend); err != nil {
				return err
			}
			e.log.Info().Str("report_id", reportID.String()).Str("receiver", t.ReceiverName).Msg("report delivered")
			return e.reports.RecordAction(ctx, &report.Action{
				Name:         "send",
				ReportID:     reportID,
				ReceiverName: t.ReceiverName,
				Result:       fmt.Sprintf("%d item(s) delivered", t.ItemCount),
			})

		case transport.OutcomeTransientFailure:
			token, err := outcome.Token.Encode()
			if err != nil {
				return err
			}
			nextAt := outcome.NextActionAt
			if err := e.ledger.UpdateTask(ctx, reportID, task.ActionSendWarning, &nextAt, &token, task.FinishedRetry); err != nil {
				return err
			}
			e.log.Warn().Str("report_id", reportID.String()).Str("receiver", t.ReceiverName).
				Int("retry_count", outcome.Token.RetryCount).Err(sendErr).
				Time("next_attempt", nextAt).Msg("delivery failed, will retry")
			requeueIn = &ReportMessage{ReportID: reportID}
			requeueDelay = nextAt.Sub(now)
			return e.reports.RecordAction(ctx, &report.Action{
				Name:         "send_warning",
				ReportID:     reportID,
				ReceiverName: t.ReceiverName,
				Result:       fmt.Sprintf("attempt %d failed", outcome.Token.RetryCount),
			})

		default: // transport.OutcomePermanentFailure
			if err := e.ledger.UpdateTask(ctx, reportID, task.ActionSendError, nil, nil, task.FinishedError); err != nil {
				return err
			}
			e.log.Error().Str("report_id", reportID.String()).Str("receiver", t.ReceiverName).
				Err(sendErr).Msg("delivery permanently failed")
			return e.reports.RecordAction(ctx, &report.Action{
				Name:         "send_error",
				ReportID:     reportID,
				ReceiverName: t.ReceiverName,
				Result:       "retry limit exceeded",
			})
		}
	})
	if err != nil {
		return err
	}

	if requeueIn != nil {
		return e.queue.SendAfter(QueueSend, *requeueIn, requeueDelay)
	}
	return nil
}
