package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/labrelay/labrelay/internal/report"
	"github.com/labrelay/labrelay/internal/task"
)

// handleProcess translates a full-elr report into each subscribed receiver's
// format and inserts a batch task per derived report. The originating task
// terminates, superseded by its children. Idempotent against queue
// redelivery: a task past the process state is left alone.
func (e *Engine) handleProcess(ctx context.Context, reportID uuid.UUID) error {
	return e.transact(ctx, func(ctx context.Context) error {
		t, err := e.ledger.FetchAndLockTask(ctx, reportID)
		if err != nil {
			if errors.Is(err, task.ErrNotFound) {
				e.log.Warn().Str("report_id", reportID.String()).Msg("process: no task for report")
				return nil
			}
			return err
		}
		if t.NextAction != task.ActionProcess {
			return nil
		}

		parent, _, err := e.reports.Get(ctx, reportID)
		if err != nil {
			return fmt.Errorf("load report %s: %w", reportID, err)
		}

		for _, recv := range e.receiversForTopic(parent.Topic) {
			items, err := e.translateItems(parent, recv.TranslationSchema)
			if err != nil {
				return fmt.Errorf("translate for %s: %w", recv.FullName(), err)
			}
			child := parent.Derive("translate", report.FormatHL7, items)
			child.Receiver = recv.FullName()
			body := []byte(strings.Join(items, "\n"))
			if err := e.persistReport(ctx, child, "translate", body, parent.ID, task.ActionBatch); err != nil {
				return fmt.Errorf("persist translation for %s: %w", recv.FullName(), err)
			}
		}

		return e.ledger.UpdateTask(ctx, reportID, task.ActionNone, nil, nil, task.FinishedProcess)
	})
}

// translateItems converts each bundle item through the receiver's schema.
func (e *Engine) translateItems(parent *report.Report, schemaName string) ([]string, error) {
	if schemaName == "" {
		// Receiver takes the bundles as-is.
		return parent.Items, nil
	}
	schema, err := e.schemas.Load(schemaName)
	if err != nil {
		return nil, err
	}
	items := make([]string, 0, len(parent.Items))
	for i, item := range parent.Items {
		msg, err := e.converter.ConvertJSON([]byte(item), schema)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i+1, err)
		}
		items = append(items, string(msg.Encode()))
	}
	return items, nil
}
