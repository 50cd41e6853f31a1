package hl7v2

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NewMessage builds a writable message skeleton with an MSH segment carrying
// the given message type (MSH-9) and version (MSH-12). Further fields are
// filled through Set.
func NewMessage(msgType, version string) *Message {
	msg := &Message{
		Type:    msgType,
		Version: version,
		Segments: []Segment{
			{Name: "MSH", Fields: []Field{
				{Value: "|", Components: []string{"|"}},
				{Value: `^~\&`, Components: []string{`^~\&`}},
			}},
		},
	}
	msh := &msg.Segments[0]
	msh.setField(9, msgType)
	msh.setField(12, version)
	return msg
}

// AddSegment appends an empty segment and returns it for mutation. Repeated
// segments of the same name are allowed; Set addresses them by 1-based
// repetition index.
func (m *Message) AddSegment(name string) *Segment {
	m.Segments = append(m.Segments, Segment{Name: name})
	return &m.Segments[len(m.Segments)-1]
}

// Set writes a value at a terser-style path:
//
//	MSH-10        field 10 of the first MSH segment
//	PID-5-1       component 1 of field 5
//	OBX(2)-5      field 5 of the second OBX segment
//
// Segments are created on demand; a repetition index beyond the current count
// of that segment name is an error except when it is exactly one past the end,
// in which case the segment is appended.
func (m *Message) Set(path, value string) error {
	seg, fieldIdx, compIdx, err := m.resolve(path)
	if err != nil {
		return err
	}
	if compIdx > 0 {
		seg.setComponent(fieldIdx, compIdx, value)
	} else {
		seg.setField(fieldIdx, value)
	}
	if seg.Name == "MSH" {
		return m.extractMSHFields()
	}
	return nil
}

// Get reads the value at a terser-style path, "" when absent.
func (m *Message) Get(path string) (string, error) {
	name, rep, fieldIdx, compIdx, err := parseSpec(path)
	if err != nil {
		return "", err
	}
	segs := m.GetSegments(name)
	if rep > len(segs) {
		return "", nil
	}
	seg := segs[rep-1]
	if compIdx > 0 {
		return seg.GetComponent(fieldIdx, compIdx), nil
	}
	return seg.GetField(fieldIdx), nil
}

func (m *Message) resolve(path string) (*Segment, int, int, error) {
	name, rep, fieldIdx, compIdx, err := parseSpec(path)
	if err != nil {
		return nil, 0, 0, err
	}

	count := 0
	for i := range m.Segments {
		if m.Segments[i].Name != name {
			continue
		}
		count++
		if count == rep {
			return &m.Segments[i], fieldIdx, compIdx, nil
		}
	}
	if rep == count+1 {
		return m.AddSegment(name), fieldIdx, compIdx, nil
	}
	return nil, 0, 0, fmt.Errorf("hl7v2: path %q addresses repetition %d but only %d %s segment(s) exist", path, rep, count, name)
}

// parseSpec splits SEG(rep)-field[-component] into its parts. rep defaults
// to 1, component to 0 (whole field).
func parseSpec(path string) (name string, rep, fieldIdx, compIdx int, err error) {
	rep = 1
	head, rest, ok := strings.Cut(path, "-")
	if !ok {
		return "", 0, 0, 0, fmt.Errorf("hl7v2: malformed path %q", path)
	}

	if open := strings.IndexByte(head, '('); open >= 0 {
		if !strings.HasSuffix(head, ")") {
			return "", 0, 0, 0, fmt.Errorf("hl7v2: malformed repetition in path %q", path)
		}
		rep, err = strconv.Atoi(head[open+1 : len(head)-1])
		if err != nil || rep < 1 {
			return "", 0, 0, 0, fmt.Errorf("hl7v2: bad repetition index in path %q", path)
		}
		head = head[:open]
	}
	name = strings.ToUpper(strings.TrimSpace(head))
	if len(name) != 3 {
		return "", 0, 0, 0, fmt.Errorf("hl7v2: bad segment name in path %q", path)
	}

	fieldPart, compPart, hasComp := strings.Cut(rest, "-")
	fieldIdx, err = strconv.Atoi(fieldPart)
	if err != nil || fieldIdx < 1 {
		return "", 0, 0, 0, fmt.Errorf("hl7v2: bad field index in path %q", path)
	}
	if hasComp {
		compIdx, err = strconv.Atoi(compPart)
		if err != nil || compIdx < 1 {
			return "", 0, 0, 0, fmt.Errorf("hl7v2: bad component index in path %q", path)
		}
	}
	return name, rep, fieldIdx, compIdx, nil
}

// setField grows the field slice as needed and writes a whole-field value.
// index is 1-based in segment terms; for MSH, Fields[0] is MSH-1.
func (s *Segment) setField(index int, value string) {
	idx := index - 1
	for len(s.Fields) <= idx {
		s.Fields = append(s.Fields, Field{})
	}
	s.Fields[idx] = newField(value)
}

func (s *Segment) setComponent(fieldIdx, compIdx int, value string) {
	idx := fieldIdx - 1
	for len(s.Fields) <= idx {
		s.Fields = append(s.Fields, Field{})
	}
	f := &s.Fields[idx]
	ci := compIdx - 1
	comps := f.Components
	if comps == nil {
		comps = []string{""}
	}
	for len(comps) <= ci {
		comps = append(comps, "")
	}
	comps[ci] = value
	f.Components = comps
	f.Value = strings.Join(comps, "^")
	f.Repeats = [][]string{comps}
}

// Encode renders the message as pipe-delimited text with \r segment
// terminators. MSH-1 and MSH-2 are emitted as part of the "MSH|^~\&" prefix,
// never as separate delimited fields.
func (m *Message) Encode() []byte {
	var sb strings.Builder
	for i := range m.Segments {
		seg := &m.Segments[i]
		if i > 0 {
			sb.WriteByte('\r')
		}
		sb.WriteString(seg.Name)
		fields := seg.Fields
		if seg.Name == "MSH" {
			sb.WriteString("|")
			if len(fields) > 1 {
				sb.WriteString(fields[1].Value)
				fields = fields[2:]
			} else {
				sb.WriteString(`^~\&`)
				fields = nil
			}
		}
		for _, f := range fields {
			sb.WriteByte('|')
			sb.WriteString(f.Value)
		}
	}
	sb.WriteByte('\r')
	return []byte(sb.String())
}

// Timestamp formats a time as an HL7 TS value (local precision to seconds).
func FormatTimestamp(t time.Time) string {
	return t.Format("20060102150405")
}
