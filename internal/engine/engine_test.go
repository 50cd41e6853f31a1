package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labrelay/labrelay/internal/report"
	"github.com/labrelay/labrelay/internal/settings"
	"github.com/labrelay/labrelay/internal/task"
)

// memLedger is an in-memory Ledger. Claim methods honor the real protocol's
// guarantee that a row already claimed in one batch run is invisible to the
// next.
type memLedger struct {
	mu      sync.Mutex
	tasks   map[uuid.UUID]*task.Task
	claimed map[uuid.UUID]bool
}

func newMemLedger() *memLedger {
	return &memLedger{
		tasks:   make(map[uuid.UUID]*task.Task),
		claimed: make(map[uuid.UUID]bool),
	}
}

func (m *memLedger) Insert(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ReportID] = &cp
	return nil
}

func (m *memLedger) FetchAndLockTask(_ context.Context, reportID uuid.UUID) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[reportID]
	if !ok {
		return nil, task.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memLedger) FetchAndLockBatchTasksForOneReceiver(_ context.Context, receiver string, limit int, backstop time.Time) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*task.Task
	for _, t := range m.tasks {
		if len(out) >= limit {
			break
		}
		if t.ReceiverName != receiver || t.NextAction != task.ActionBatch || m.claimed[t.ReportID] {
			continue
		}
		if t.NextActionAt == nil || t.NextActionAt.Before(backstop) {
			continue
		}
		m.claimed[t.ReportID] = true
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memLedger) UpdateTask(_ context.Context, reportID uuid.UUID, nextAction task.Action, nextActionAt *time.Time, retryToken *string, finished task.FinishedField) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[reportID]
	if !ok {
		return task.ErrNotFound
	}
	t.NextAction = nextAction
	t.NextActionAt = nextActionAt
	t.RetryToken = retryToken
	now := time.Now()
	switch finished {
	case task.FinishedProcess:
		t.ProcessedAt = &now
	case task.FinishedRoute:
		t.RoutedAt = &now
	case task.FinishedBatch:
		t.BatchedAt = &now
	case task.FinishedSend:
		t.SentAt = &now
	case task.FinishedRetry:
		t.RetriedAt = &now
	case task.FinishedError:
		t.ErroredAt = &now
	default:
		return errors.New("unknown finished field")
	}
	return nil
}

func (m *memLedger) CountBatchReady(_ context.Context, receiver string, backstop time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.ReceiverName == receiver && t.NextAction == task.ActionBatch &&
			t.NextActionAt != nil && !t.NextActionAt.Before(backstop) {
			n++
		}
	}
	return n, nil
}

func (m *memLedger) Fetch(_ context.Context, reportID uuid.UUID) (*task.Task, error) {
	return m.FetchAndLockTask(context.Background(), reportID)
}

func (m *memLedger) get(reportID uuid.UUID) *task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[reportID]
}

// memReports is an in-memory report.Repository.
type memReports struct {
	mu       sync.Mutex
	reports  map[uuid.UUID]*report.Report
	bodyURLs map[uuid.UUID]string
	hashes   map[string]bool
	lineage  map[uuid.UUID][]uuid.UUID // parent -> children
	actions  []report.Action
}

func newMemReports() *memReports {
	return &memReports{
		reports:  make(map[uuid.UUID]*report.Report),
		bodyURLs: make(map[uuid.UUID]string),
		hashes:   make(map[string]bool),
		lineage:  make(map[uuid.UUID][]uuid.UUID),
	}
}

func (m *memReports) IsDuplicateItem(_ context.Context, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hashes[hash], nil
}

func (m *memReports) Insert(_ context.Context, r *report.Report, bodyURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.ID] = r
	m.bodyURLs[r.ID] = bodyURL
	return nil
}

func (m *memReports) Get(_ context.Context, id uuid.UUID) (*report.Report, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, "", errors.New("report not found")
	}
	return r, m.bodyURLs[id], nil
}

func (m *memReports) InsertItemLineages(_ context.Context, rows []report.ItemLineage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		m.hashes[row.ItemHash] = true
	}
	return nil
}

func (m *memReports) InsertReportLineage(_ context.Context, parentID, childID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lineage[parentID] = append(m.lineage[parentID], childID)
	return nil
}

func (m *memReports) ChildReports(_ context.Context, parentID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lineage[parentID], nil
}

func (m *memReports) RecordAction(_ context.Context, a *report.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.CreatedAt = time.Now()
	m.actions = append(m.actions, *a)
	return nil
}

func (m *memReports) CheckRecentlySent(_ context.Context, receiver string, checkTime time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a.ReceiverName == receiver && a.Name == "send" && a.CreatedAt.After(checkTime) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memReports) ListDeliveries(_ context.Context, receiver string, limit int) ([]report.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []report.Delivery
	for _, a := range m.actions {
		if a.ReceiverName != receiver {
			continue
		}
		if a.Name == "send" || a.Name == "send_warning" || a.Name == "send_error" {
			out = append(out, report.Delivery{
				ReportID:     a.ReportID,
				ReceiverName: a.ReceiverName,
				Action:       a.Name,
				Result:       a.Result,
				CreatedAt:    a.CreatedAt,
			})
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memReports) actionNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, a := range m.actions {
		names = append(names, a.Name)
	}
	return names
}

// staticProvider is a fixed settings.Provider for tests.
type staticProvider struct {
	senders   []*settings.Sender
	receivers []*settings.Receiver
}

func (p *staticProvider) Receivers() []*settings.Receiver { return p.receivers }

func (p *staticProvider) FindReceiver(fullName string) *settings.Receiver {
	for _, r := range p.receivers {
		if r.FullName() == fullName {
			return r
		}
	}
	return nil
}

func (p *staticProvider) FindSender(fullName string) *settings.Sender {
	for _, s := range p.senders {
		if s.FullName() == fullName {
			return s
		}
	}
	return nil
}
