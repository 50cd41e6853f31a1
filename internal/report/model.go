// Package report defines the immutable Report produced at each pipeline stage,
// its provenance records, and duplicate detection over item content hashes.
package report

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BodyFormat is the wire format tag of a report body.
type BodyFormat string

const (
	FormatInternal BodyFormat = "INTERNAL"
	FormatCSV      BodyFormat = "CSV"
	FormatHL7      BodyFormat = "HL7"
	FormatFHIR     BodyFormat = "FHIR"
)

// SourceKind discriminates report provenance entries.
type SourceKind string

const (
	SourceClient SourceKind = "client" // submitted directly by a sender
	SourceReport SourceKind = "report" // derived from a prior report
)

// Source records where a report came from: either the submitting client or the
// parent report it was derived from at a translate or batch step.
type Source struct {
	Kind         SourceKind
	Organization string    // client source
	Client       string    // client source
	ReportID     uuid.UUID // report source
	Action       string    // report source: the stage that produced the parent
}

// Report is one immutable unit of lab data moving through the pipeline. A new
// Report with lineage links is created at every stage boundary; existing
// reports are never mutated.
type Report struct {
	ID         uuid.UUID
	Schema     string
	Topic      string
	Items      []string // ordered item rows (one row or one message each)
	BodyFormat BodyFormat
	Sources    []Source
	Receiver   string // destination full name, empty until routed
	CreatedAt  time.Time
}

// New creates a report from parsed item rows.
func New(schema, topic string, format BodyFormat, items []string, sources []Source) *Report {
	return &Report{
		ID:         uuid.New(),
		Schema:     schema,
		Topic:      topic,
		Items:      items,
		BodyFormat: format,
		Sources:    sources,
		CreatedAt:  time.Now().UTC(),
	}
}

// ItemCount returns the number of item rows.
func (r *Report) ItemCount() int { return len(r.Items) }

// ItemHash computes the content hash for row i, the value stored in item
// lineage and consulted by duplicate detection. Whitespace-insensitive so a
// resubmission with different line endings still collides.
func (r *Report) ItemHash(i int) string {
	normalized := strings.Join(strings.Fields(r.Items[i]), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Derive creates a child report carrying [items] forward to the next stage,
// with this report recorded as its source.
func (r *Report) Derive(action string, format BodyFormat, items []string) *Report {
	child := New(r.Schema, r.Topic, format, items, []Source{{
		Kind:     SourceReport,
		ReportID: r.ID,
		Action:   action,
	}})
	child.Receiver = r.Receiver
	return child
}

// ItemLineage is one append-only audit row tying an item's content hash to the
// report and index it landed in.
type ItemLineage struct {
	ItemHash      string
	ChildReportID uuid.UUID
	ChildIndex    int
	CreatedAt     time.Time
}

// Lineages builds lineage rows for every item of the report. The invariant
// that every index in [0, ItemCount) has at least one row follows from
// construction.
func (r *Report) Lineages() []ItemLineage {
	rows := make([]ItemLineage, 0, len(r.Items))
	for i := range r.Items {
		rows = append(rows, ItemLineage{
			ItemHash:      r.ItemHash(i),
			ChildReportID: r.ID,
			ChildIndex:    i,
			CreatedAt:     r.CreatedAt,
		})
	}
	return rows
}
