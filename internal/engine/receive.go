package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/labrelay/labrelay/internal/report"
	"github.com/labrelay/labrelay/internal/settings"
	"github.com/labrelay/labrelay/internal/task"
)

// SubmissionOptions are per-call toggles from the receiving surface.
type SubmissionOptions struct {
	// AllowDuplicates skips duplicate rejection for this submission,
	// overriding the sender default when true.
	AllowDuplicates bool
}

// SubmissionResult is what the receiving surface reports back to the client.
type SubmissionResult struct {
	Report   *report.Report
	Log      *report.ActionLog
	Accepted bool
}

// Receive validates a submission and moves it into the pipeline. A rejected
// submission leaves no forward task; the caller surfaces the action log. An
// accepted covid-topic report is routed synchronously; a full-elr report gets
// a process task and an async translation pass.
func (e *Engine) Receive(ctx context.Context, sender *settings.Sender, content []byte, opts SubmissionOptions) (*SubmissionResult, error) {
	r, log := e.parseSubmission(content, sender)
	if log.HasErrors() {
		return &SubmissionResult{Report: r, Log: log}, nil
	}

	result, err := report.DetectDuplicates(ctx, r, e.reports)
	if err != nil {
		return nil, fmt.Errorf("duplicate detection: %w", err)
	}
	if sender.AllowDuplicates || opts.AllowDuplicates {
		report.WarnDuplicates(result, log)
	} else {
		report.LogDuplicates(result, log)
		if log.HasErrors() {
			return &SubmissionResult{Report: r, Log: log}, nil
		}
	}

	nextAction := task.ActionProcess
	if sender.Topic == settings.TopicCovid {
		nextAction = task.ActionRoute
	}

	err = e.transact(ctx, func(ctx context.Context) error {
		return e.persistReport(ctx, r, "receive", content, uuid.Nil, nextAction)
	})
	if err != nil {
		return nil, fmt.Errorf("persist submission: %w", err)
	}

	switch nextAction {
	case task.ActionRoute:
		if err := e.routeReport(ctx, r.ID); err != nil {
			return nil, fmt.Errorf("route report: %w", err)
		}
	case task.ActionProcess:
		if err := e.queue.Send(QueueProcess, ReportMessage{ReportID: r.ID}); err != nil {
			return nil, fmt.Errorf("enqueue process: %w", err)
		}
	}

	e.log.Info().Str("report_id", r.ID.String()).Str("sender", sender.FullName()).
		Int("items", r.ItemCount()).Str("topic", string(sender.Topic)).Msg("submission accepted")
	return &SubmissionResult{Report: r, Log: log, Accepted: true}, nil
}

// parseSubmission splits raw content into item rows per the sender's topic.
func (e *Engine) parseSubmission(content []byte, sender *settings.Sender) (*report.Report, *report.ActionLog) {
	log := &report.ActionLog{}
	items := SplitItems(content)
	if len(items) == 0 {
		log.Error(report.CodeEmptySubmission, "submission contains no items")
	}

	format := report.FormatHL7
	if sender.Topic == settings.TopicFullELR {
		format = report.FormatFHIR
	}
	r := report.New(sender.Schema, string(sender.Topic), format, items, []report.Source{{
		Kind:         report.SourceClient,
		Organization: sender.OrganizationName,
		Client:       sender.Name,
	}})
	return r, log
}

// SplitItems breaks a submission body into item rows. HL7 batch submissions
// split on MSH boundaries; JSON bundles arrive one per line (NDJSON).
func SplitItems(content []byte) []string {
	text := strings.TrimSpace(string(content))
	if text == "" {
		return nil
	}

	if strings.HasPrefix(text, "MSH|") {
		normalized := strings.ReplaceAll(text, "\r\n", "\r")
		normalized = strings.ReplaceAll(normalized, "\n", "\r")
		var items []string
		var current []string
		for _, line := range strings.Split(normalized, "\r") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "MSH|") && len(current) > 0 {
				items = append(items, strings.Join(current, "\r"))
				current = current[:0]
			}
			current = append(current, line)
		}
		if len(current) > 0 {
			items = append(items, strings.Join(current, "\r"))
		}
		return items
	}

	var items []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			items = append(items, line)
		}
	}
	return items
}
