package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/labrelay/labrelay/internal/batch"
	"github.com/labrelay/labrelay/internal/report"
	"github.com/labrelay/labrelay/internal/task"
)

// handleBatch runs one batch for one receiver: claim up to maxReportCount
// eligible tasks with skip-locked semantics, merge their items into a single
// outgoing report, and hand it to the send stage. Claimed tasks terminate in
// the same transaction, so a crash before commit releases them untouched.
// Concurrent triggers for the same receiver carve the queue into disjoint
// subsets.
func (e *Engine) handleBatch(ctx context.Context, trigger batch.TriggerMessage) error {
	recv := e.settings.FindReceiver(trigger.ReceiverFullName)
	if recv == nil {
		e.log.Error().Str("receiver", trigger.ReceiverFullName).Msg("batch trigger for unknown receiver")
		return nil
	}
	if !recv.Timing.Valid() {
		return nil
	}

	var mergedID string
	err := e.transact(ctx, func(ctx context.Context) error {
		backstop := e.now().Add(-batch.Lookback(recv.Timing.NumberPerDay, e.batchRetry))
		tasks, err := e.ledger.FetchAndLockBatchTasksForOneReceiver(ctx,
			recv.FullName(), recv.Timing.MaxReportCount, backstop)
		if err != nil {
			return err
		}
		if len(tasks) == 0 && !trigger.IsEmpty {
			// A concurrent run drained the queue between trigger and claim.
			return nil
		}

		var items []string
		var parents []*report.Report
		for _, t := range tasks {
			parent, bodyURL, err := e.reports.Get(ctx, t.ReportID)
			if err != nil {
				return fmt.Errorf("load report %s: %w", t.ReportID, err)
			}
			body, err := e.blobs.Download(ctx, bodyURL)
			if err != nil {
				return fmt.Errorf("load body of %s: %w", t.ReportID, err)
			}
			items = append(items, SplitItems(body)...)
			parents = append(parents, parent)
		}

		merged := report.New("", string(recv.Topic), report.BodyFormat(recv.Format), items, sources(parents))
		merged.Receiver = recv.FullName()
		body := []byte(strings.Join(items, "\n"))

		blob, err := e.blobs.Upload(ctx, "batch", merged.ID, body)
		if err != nil {
			return fmt.Errorf("store batch body: %w", err)
		}
		if err := e.reports.Insert(ctx, merged, blob.URL); err != nil {
			return err
		}
		if err := e.reports.InsertItemLineages(ctx, merged.Lineages()); err != nil {
			return err
		}
		for _, parent := range parents {
			if err := e.reports.InsertReportLineage(ctx, parent.ID, merged.ID); err != nil {
				return err
			}
		}

		nextAt := e.now()
		if err := e.ledger.Insert(ctx, &task.Task{
			ReportID:     merged.ID,
			NextAction:   task.ActionSend,
			NextActionAt: &nextAt,
			ReceiverName: merged.Receiver,
			ItemCount:    merged.ItemCount(),
			BodyFormat:   string(merged.BodyFormat),
			BodyURL:      blob.URL,
			CreatedAt:    merged.CreatedAt,
		}); err != nil {
			return err
		}

		for _, t := range tasks {
			if err := e.ledger.UpdateTask(ctx, t.ReportID, task.ActionNone, nil, nil, task.FinishedBatch); err != nil {
				return err
			}
		}

		result := fmt.Sprintf("%d report(s), %d item(s)", len(tasks), len(items))
		if trigger.IsEmpty && len(tasks) == 0 {
			result = "empty batch"
		}
		if err := e.reports.RecordAction(ctx, &report.Action{
			Name:         "batch",
			ReportID:     merged.ID,
			ReceiverName: merged.Receiver,
			Result:       result,
		}); err != nil {
			return err
		}

		mergedID = merged.ID.String()
		if err := e.queue.Send(QueueSend, ReportMessage{ReportID: merged.ID}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if mergedID != "" {
		e.log.Info().Str("receiver", recv.FullName()).Str("report_id", mergedID).
			Bool("empty", trigger.IsEmpty).Msg("batch assembled")
	}
	return nil
}

func sources(parents []*report.Report) []report.Source {
	out := make([]report.Source, 0, len(parents))
	for _, p := range parents {
		out = append(out, report.Source{Kind: report.SourceReport, ReportID: p.ID, Action: "batch"})
	}
	return out
}
