package hl7v2

import (
	"strings"
	"testing"
	"time"
)

const sampleELR = "MSH|^~\\&|STARLIMS|TX-Lab|LabRelay|LabRelayFac|20240115150000||ORU^R01|LAB00042|P|2.5.1\r" +
	"PID|1||MRN12345^^^MRNAuth||Doe^Jane^A||19800515|F\r" +
	"OBR|1|ORD001|LAB001|94500-6^SARS-CoV-2 RNA^LN|||20240115140000\r" +
	"OBX|1|CWE|94500-6^SARS-CoV-2 RNA^LN||260415000^Not detected^SCT||||||F\r" +
	"OBX|2|NM|35659-2^Age at specimen collection^LN||43|a|||||F"

func TestParseHeaderFields(t *testing.T) {
	msg, err := Parse([]byte(sampleELR))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []struct {
		name, got, want string
	}{
		{"Type", msg.Type, "ORU^R01"},
		{"ControlID", msg.ControlID, "LAB00042"},
		{"Version", msg.Version, "2.5.1"},
		{"SendingApp", msg.SendingApp, "STARLIMS"},
		{"SendingFac", msg.SendingFac, "TX-Lab"},
		{"ReceivingApp", msg.ReceivingApp, "LabRelay"},
		{"ReceivingFac", msg.ReceivingFac, "LabRelayFac"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s = %q, want %q", tc.name, tc.got, tc.want)
		}
	}

	want := time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC)
	if !msg.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", msg.Timestamp, want)
	}
}

func TestParseSegmentOrder(t *testing.T) {
	msg, err := Parse([]byte(sampleELR))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"MSH", "PID", "OBR", "OBX", "OBX"}
	if len(msg.Segments) != len(want) {
		t.Fatalf("got %d segments, want %d", len(msg.Segments), len(want))
	}
	for i, name := range want {
		if msg.Segments[i].Name != name {
			t.Errorf("segment %d = %q, want %q", i, msg.Segments[i].Name, name)
		}
	}
}

func TestParseRepeatedObservations(t *testing.T) {
	msg, err := Parse([]byte(sampleELR))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	obx := msg.GetSegments("OBX")
	if len(obx) != 2 {
		t.Fatalf("got %d OBX segments, want 2", len(obx))
	}
	if got := obx[0].GetComponent(5, 2); got != "Not detected" {
		t.Errorf("OBX(1)-5-2 = %q, want 'Not detected'", got)
	}
	if got := obx[1].GetField(5); got != "43" {
		t.Errorf("OBX(2)-5 = %q, want '43'", got)
	}
	if msg.GetSegments("SPM") != nil {
		t.Error("expected no SPM segments")
	}
}

func TestParseFieldAccess(t *testing.T) {
	msg, err := Parse([]byte(sampleELR))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pid := msg.GetSegment("PID")
	if pid == nil {
		t.Fatal("expected PID segment")
	}
	if got := pid.GetField(5); got != "Doe^Jane^A" {
		t.Errorf("PID-5 = %q", got)
	}
	if got := pid.GetComponent(3, 4); got != "MRNAuth" {
		t.Errorf("PID-3-4 = %q, want 'MRNAuth'", got)
	}
	if got := pid.GetComponent(3, 99); got != "" {
		t.Errorf("out-of-range component = %q, want empty", got)
	}
	if got := pid.GetField(99); got != "" {
		t.Errorf("out-of-range field = %q, want empty", got)
	}

	// MSH addressing includes the separator as MSH-1.
	msh := msg.GetSegment("MSH")
	if got := msh.GetField(1); got != "|" {
		t.Errorf("MSH-1 = %q, want '|'", got)
	}
	if got := msh.GetField(9); got != "ORU^R01" {
		t.Errorf("MSH-9 = %q, want 'ORU^R01'", got)
	}
}

func TestParseRepetitions(t *testing.T) {
	raw := "MSH|^~\\&|App|Fac|||20240115143025||ORU^R01|CTRL1|P|2.5.1\rPID|1||ID1~ID2^Auth~ID3"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pid := msg.GetSegment("PID")
	f := pid.fieldAt(3)
	if f == nil {
		t.Fatal("expected PID-3")
	}
	if len(f.Repeats) != 3 {
		t.Fatalf("got %d repetitions, want 3", len(f.Repeats))
	}
	if f.Repeats[1][1] != "Auth" {
		t.Errorf("second repetition = %v, want [ID2 Auth]", f.Repeats[1])
	}
	// Components mirror the first repetition only.
	if got := pid.GetComponent(3, 1); got != "ID1" {
		t.Errorf("PID-3-1 = %q, want 'ID1'", got)
	}
}

func TestParseLineEndingVariants(t *testing.T) {
	for _, sep := range []string{"\r", "\n", "\r\n"} {
		raw := strings.Join([]string{
			"MSH|^~\\&|App|Fac|||20240115143025||ORU^R01|CTRL1|P|2.5.1",
			"PID|1||MRN001||Smith^Jane",
			"",
		}, sep)
		msg, err := Parse([]byte(raw))
		if err != nil {
			t.Fatalf("separator %q: unexpected error: %v", sep, err)
		}
		if msg.GetSegment("PID") == nil {
			t.Errorf("separator %q: PID segment lost", sep)
		}
	}
}

func TestParseTimestampPrecision(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"20240115150000", time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC)},
		{"202401151504", time.Date(2024, 1, 15, 15, 4, 0, 0, time.UTC)},
		{"20240115", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"20240115150000.123-0500", time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := parseTimestamp(tc.in)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tc.in, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("%s = %v, want %v", tc.in, got, tc.want)
		}
	}
	if _, err := parseTimestamp("2024"); err == nil {
		t.Error("expected error for truncated timestamp")
	}
}

func TestParseBadTimestampKeepsMessage(t *testing.T) {
	raw := "MSH|^~\\&|App|Fac|||not-a-date||ORU^R01|CTRL1|P|2.5.1\rPID|1||MRN001"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !msg.Timestamp.IsZero() {
		t.Errorf("Timestamp = %v, want zero", msg.Timestamp)
	}
	if msg.ControlID != "CTRL1" {
		t.Errorf("ControlID = %q, want 'CTRL1'", msg.ControlID)
	}
}

func TestParseRejectsMalformedInput(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
	}{
		{"nil", nil},
		{"empty", []byte{}},
		{"whitespace only", []byte("\r\n  \r")},
		{"no MSH", []byte("PID|1||MRN12345\rOBX|1|NM")},
		{"short segment", []byte("MSH|^~\\&|App|Fac|||20240115||ORU^R01|C1|P|2.5.1\rZZ")},
	}
	for _, tc := range cases {
		if _, err := Parse(tc.raw); err == nil {
			t.Errorf("%s: expected parse error", tc.name)
		}
	}
}

func TestParseEncodeRoundTrip(t *testing.T) {
	msg, err := Parse([]byte(sampleELR))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	again, err := Parse(msg.Encode())
	if err != nil {
		t.Fatalf("re-parse failed: %v", err)
	}
	if again.ControlID != msg.ControlID || again.Type != msg.Type {
		t.Errorf("header changed across round trip: %s/%s vs %s/%s",
			again.Type, again.ControlID, msg.Type, msg.ControlID)
	}
	if len(again.Segments) != len(msg.Segments) {
		t.Errorf("segment count changed: %d vs %d", len(again.Segments), len(msg.Segments))
	}
}
