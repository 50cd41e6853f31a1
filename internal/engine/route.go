package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/labrelay/labrelay/internal/task"
)

// routeReport fans a received report out to every receiver subscribed to its
// topic: one derived child report per receiver, each with a batch task. The
// parent task terminates in the same transaction. Safe to re-run: once the
// parent has left the route state, it is a no-op.
func (e *Engine) routeReport(ctx context.Context, reportID uuid.UUID) error {
	return e.transact(ctx, func(ctx context.Context) error {
		t, err := e.ledger.FetchAndLockTask(ctx, reportID)
		if err != nil {
			if errors.Is(err, task.ErrNotFound) {
				e.log.Warn().Str("report_id", reportID.String()).Msg("route: no task for report")
				return nil
			}
			return err
		}
		if t.NextAction != task.ActionRoute {
			return nil
		}

		parent, _, err := e.reports.Get(ctx, reportID)
		if err != nil {
			return fmt.Errorf("load report %s: %w", reportID, err)
		}

		receivers := e.receiversForTopic(parent.Topic)
		for _, recv := range receivers {
			child := parent.Derive("route", parent.BodyFormat, parent.Items)
			child.Receiver = recv.FullName()
			body := []byte(strings.Join(child.Items, "\n"))
			if err := e.persistReport(ctx, child, "route", body, parent.ID, task.ActionBatch); err != nil {
				return fmt.Errorf("route to %s: %w", recv.FullName(), err)
			}
		}
		if len(receivers) == 0 {
			e.log.Warn().Str("report_id", reportID.String()).Str("topic", parent.Topic).
				Msg("no receivers subscribed to topic, report terminates here")
		}

		return e.ledger.UpdateTask(ctx, reportID, task.ActionNone, nil, nil, task.FinishedRoute)
	})
}
