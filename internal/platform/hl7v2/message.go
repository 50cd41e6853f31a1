// Package hl7v2 implements the HL7v2 surface the pipeline needs: parsing
// inbound ELR feeds, terser-path reads and writes for schema translation,
// and MLLP framing for delivery.
package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message is a parsed or under-construction HL7v2 message. The MSH header
// fields are mirrored into named fields on parse and kept in sync by Set so
// ACK generation and dispatch decisions never re-read raw segments.
type Message struct {
	Type         string    // MSH-9, e.g. "ORU^R01"
	ControlID    string    // MSH-10
	Version      string    // MSH-12, e.g. "2.5.1"
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Segments     []Segment
}

// Segment is one pipe-delimited line of a message.
type Segment struct {
	Name   string // "MSH", "PID", "OBX", ...
	Fields []Field
}

// Field keeps the raw field text alongside its component (^) and
// repetition (~) breakdown. Components always reflect the first repetition.
type Field struct {
	Value      string
	Components []string
	Repeats    [][]string
}

// newField breaks raw field text into repetitions and components.
func newField(raw string) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, "~") {
		f.Repeats = append(f.Repeats, strings.Split(rep, "^"))
	}
	f.Components = f.Repeats[0]
	return f
}

// Parse reads raw HL7v2 bytes into a Message. Segment terminators may be
// \r, \n, or \r\n; senders are inconsistent and the framing layer has
// already stripped MLLP bytes by the time content reaches here.
func Parse(raw []byte) (*Message, error) {
	lines := splitSegmentLines(raw)
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}
	if !strings.HasPrefix(lines[0], "MSH") {
		head, _, _ := strings.Cut(lines[0], "|")
		if len(head) > 8 {
			head = head[:8]
		}
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", head)
	}

	msg := &Message{Segments: make([]Segment, 0, len(lines))}
	for _, line := range lines {
		seg, err := parseSegment(line)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}
	if err := msg.extractMSHFields(); err != nil {
		return nil, err
	}
	return msg, nil
}

// splitSegmentLines normalizes terminators and drops blank lines.
func splitSegmentLines(raw []byte) []string {
	parts := strings.FieldsFunc(string(raw), func(r rune) bool {
		return r == '\r' || r == '\n'
	})
	lines := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			lines = append(lines, p)
		}
	}
	return lines
}

func parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	// MSH is its own delimiter declaration: the character after the name is
	// MSH-1 and the encoding characters are MSH-2, so Fields[0] holds MSH-1
	// and MSH-n lives at Fields[n-1]. Every other segment starts its fields
	// after "NAME|", landing field n at the same Fields[n-1] slot.
	if strings.HasPrefix(line, "MSH") {
		seg := Segment{Name: "MSH"}
		if len(line) < 4 {
			return seg, nil
		}
		sep := string(line[3])
		seg.Fields = append(seg.Fields, newField(sep))
		for _, part := range strings.Split(line[4:], sep) {
			seg.Fields = append(seg.Fields, newField(part))
		}
		return seg, nil
	}

	name, rest, hasFields := strings.Cut(line, "|")
	seg := Segment{Name: name}
	if hasFields {
		for _, part := range strings.Split(rest, "|") {
			seg.Fields = append(seg.Fields, newField(part))
		}
	}
	return seg, nil
}

// extractMSHFields refreshes the mirrored header fields from the MSH
// segment. A malformed MSH-7 leaves Timestamp zero rather than failing the
// whole message; deliveries care about routing fields, not sender clocks.
func (m *Message) extractMSHFields() error {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return fmt.Errorf("hl7v2: message has no MSH segment")
	}
	get := func(n int) string {
		if n > len(msh.Fields) {
			return ""
		}
		return msh.Fields[n-1].Value
	}

	m.SendingApp = get(3)
	m.SendingFac = get(4)
	m.ReceivingApp = get(5)
	m.ReceivingFac = get(6)
	if ts := get(7); ts != "" {
		if t, err := parseTimestamp(ts); err == nil {
			m.Timestamp = t
		}
	}
	m.Type = get(9)
	m.ControlID = get(10)
	m.Version = get(12)
	return nil
}

// parseTimestamp accepts DTM values truncated to second, minute, or day
// precision. Anything finer (fractional seconds, zone offsets) is cut off.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"20060102150405", "200601021504", "20060102"} {
		if len(s) >= len(layout) {
			return time.Parse(layout, s[:len(layout)])
		}
	}
	return time.Time{}, fmt.Errorf("hl7v2: timestamp too short: %q", s)
}

// GetSegment returns the first segment with the given name, nil when absent.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns every segment with the given name in message order.
func (m *Message) GetSegments(name string) []Segment {
	var out []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			out = append(out, seg)
		}
	}
	return out
}

// fieldAt returns the field at 1-based index n, nil when out of range. The
// MSH-1-in-Fields[0] layout makes the offset uniform across segment types.
func (s *Segment) fieldAt(n int) *Field {
	if n < 1 || n > len(s.Fields) {
		return nil
	}
	return &s.Fields[n-1]
}

// GetField returns the raw value of field n, "" when absent.
func (s *Segment) GetField(n int) string {
	f := s.fieldAt(n)
	if f == nil {
		return ""
	}
	return f.Value
}

// GetComponent returns component compIdx of field fieldIdx, both 1-based,
// "" when either index is out of range.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	f := s.fieldAt(fieldIdx)
	if f == nil || compIdx < 1 || compIdx > len(f.Components) {
		return ""
	}
	return f.Components[compIdx-1]
}
