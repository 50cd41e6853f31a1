package hl7v2

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testORU = "MSH|^~\\&|LabApp|LabFac|Recv|RecvFac|20260115120000||ORU^R01|MSG001|P|2.5.1\rPID|1||MRN1||Doe^Jane"

func TestFrameUnframeRoundTrip(t *testing.T) {
	framed := FrameMessage([]byte(testORU))
	if framed[0] != MLLPStartBlock {
		t.Error("missing start block")
	}
	if framed[len(framed)-2] != MLLPEndBlock || framed[len(framed)-1] != MLLPCarriageReturn {
		t.Error("missing end sequence")
	}

	msg, rest, found := UnframeMessage(framed)
	if !found {
		t.Fatal("complete frame not found")
	}
	if !bytes.Equal(msg, []byte(testORU)) {
		t.Errorf("unframed message differs: %q", msg)
	}
	if len(rest) != 0 {
		t.Errorf("leftover bytes: %q", rest)
	}
}

func TestUnframePartialAndMultiple(t *testing.T) {
	framed := FrameMessage([]byte(testORU))

	// Partial frame: nothing found, input untouched.
	if _, _, found := UnframeMessage(framed[:len(framed)-2]); found {
		t.Error("partial frame reported as complete")
	}

	// Two frames back to back.
	double := append(append([]byte{}, framed...), framed...)
	first, rest, found := UnframeMessage(double)
	if !found || !bytes.Equal(first, []byte(testORU)) {
		t.Fatal("first frame not extracted")
	}
	second, rest, found := UnframeMessage(rest)
	if !found || !bytes.Equal(second, []byte(testORU)) {
		t.Fatal("second frame not extracted")
	}
	if len(rest) != 0 {
		t.Errorf("leftover bytes: %q", rest)
	}
}

func TestGenerateACK(t *testing.T) {
	incoming, err := Parse([]byte(testORU))
	if err != nil {
		t.Fatal(err)
	}

	ack := GenerateACK(incoming, "AA")

	if got, _ := ack.Get("MSH-9"); got != "ACK^R01" {
		t.Errorf("MSH-9 = %q", got)
	}
	if got, _ := ack.Get("MSA-1"); got != "AA" {
		t.Errorf("MSA-1 = %q", got)
	}
	if got, _ := ack.Get("MSA-2"); got != "MSG001" {
		t.Errorf("MSA-2 = %q, want original control id", got)
	}
	// Sender and receiver swap.
	if got, _ := ack.Get("MSH-3"); got != "Recv" {
		t.Errorf("MSH-3 = %q", got)
	}
	if got, _ := ack.Get("MSH-5"); got != "LabApp" {
		t.Errorf("MSH-5 = %q", got)
	}

	// The ACK must survive its own encoding.
	reparsed, err := Parse(bytes.TrimRight(ack.Encode(), "\r"))
	if err != nil {
		t.Fatalf("ACK does not reparse: %v", err)
	}
	if reparsed.Type != "ACK^R01" {
		t.Errorf("reparsed type = %q", reparsed.Type)
	}
}

func TestMLLPServerAcksMessage(t *testing.T) {
	var received *Message
	srv := NewMLLPServer("127.0.0.1:0", func(msg *Message) *Message {
		received = msg
		return GenerateACK(msg, "AA")
	}, zerolog.Nop())

	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write(FrameMessage([]byte(testORU))); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4096)
	var resp []byte
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("reading ACK: %v", err)
		}
		resp = append(resp, buf[:n]...)
		if msg, _, found := UnframeMessage(resp); found {
			ack, err := Parse(msg)
			if err != nil {
				t.Fatalf("ACK parse: %v", err)
			}
			if got := ack.GetSegment("MSA").GetField(1); got != "AA" {
				t.Errorf("MSA-1 = %q", got)
			}
			break
		}
	}

	if received == nil || received.ControlID != "MSG001" {
		t.Errorf("handler saw %+v", received)
	}
}
