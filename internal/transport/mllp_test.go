package transport

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labrelay/labrelay/internal/platform/hl7v2"
	"github.com/labrelay/labrelay/internal/settings"
)

const (
	mllpMsg1 = "MSH|^~\\&|LabApp|LabFac|Recv|RecvFac|20260115120000||ORU^R01|MSG001|P|2.5.1\rPID|1||MRN1||Doe^Jane"
	mllpMsg2 = "MSH|^~\\&|LabApp|LabFac|Recv|RecvFac|20260115120001||ORU^R01|MSG002|P|2.5.1\rPID|1||MRN2||Roe^Pat"
)

func TestSplitMessages(t *testing.T) {
	body := []byte(mllpMsg1 + "\n" + mllpMsg2)
	messages := splitMessages(body)
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if !strings.Contains(string(messages[0]), "MSG001") || !strings.Contains(string(messages[1]), "MSG002") {
		t.Error("messages split at the wrong boundary")
	}

	// Segments on their own lines fold into the preceding message.
	folded := []byte("MSH|^~\\&|a|b|c|d|20260101||ORU^R01|X|P|2.5.1\nPID|1\nOBX|1\n" + mllpMsg2)
	messages = splitMessages(folded)
	if len(messages) != 2 {
		t.Fatalf("folded: got %d messages, want 2", len(messages))
	}
	if !strings.Contains(string(messages[0]), "PID|1\rOBX|1") {
		t.Errorf("continuation lines not folded: %q", messages[0])
	}
}

func TestResendSet(t *testing.T) {
	if got := resendSet(nil, 3); len(got) != 3 {
		t.Errorf("nil token: %v", got)
	}
	all := AllItems()
	if got := resendSet(&all, 2); len(got) != 2 {
		t.Errorf("ALL token: %v", got)
	}
	subset := RetryItems{IDs: []string{"1", "9", "x"}}
	got := resendSet(&subset, 3)
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("subset token: %v", got)
	}
}

// ackServer runs an MLLP listener that ACKs or NAKs by control id.
func ackServer(t *testing.T, nakControlIDs map[string]bool) *hl7v2.MLLPServer {
	t.Helper()
	srv := hl7v2.NewMLLPServer("127.0.0.1:0", func(msg *hl7v2.Message) *hl7v2.Message {
		if nakControlIDs[msg.ControlID] {
			return hl7v2.GenerateACK(msg, "AE")
		}
		return hl7v2.GenerateACK(msg, "AA")
	}, zerolog.Nop())
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func TestMLLPSendAllAccepted(t *testing.T) {
	srv := ackServer(t, nil)
	tr := NewMLLPTransport(zerolog.Nop())

	cfg := settings.TransportConfig{Type: "MLLP", URL: "mllp://" + srv.Addr()}
	failed, err := tr.Send(context.Background(), cfg, []byte(mllpMsg1+"\n"+mllpMsg2), uuid.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if failed != nil {
		t.Errorf("failed = %+v, want nil", failed)
	}
}

func TestMLLPSendPartialNAK(t *testing.T) {
	srv := ackServer(t, map[string]bool{"MSG002": true})
	tr := NewMLLPTransport(zerolog.Nop())

	cfg := settings.TransportConfig{Type: "MLLP", URL: "mllp://" + srv.Addr()}
	failed, err := tr.Send(context.Background(), cfg, []byte(mllpMsg1+"\n"+mllpMsg2), uuid.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if failed == nil || failed.All {
		t.Fatalf("failed = %+v, want index subset", failed)
	}
	if len(failed.IDs) != 1 || failed.IDs[0] != "1" {
		t.Errorf("failed ids = %v, want [1]", failed.IDs)
	}
}

func TestMLLPSendRetriesOnlyFailedSubset(t *testing.T) {
	srv := ackServer(t, nil)
	tr := NewMLLPTransport(zerolog.Nop())

	cfg := settings.TransportConfig{Type: "MLLP", URL: "mllp://" + srv.Addr()}
	prior := RetryItems{IDs: []string{"1"}}
	failed, err := tr.Send(context.Background(), cfg, []byte(mllpMsg1+"\n"+mllpMsg2), uuid.New(), &prior)
	if err != nil {
		t.Fatal(err)
	}
	if failed != nil {
		t.Errorf("failed = %+v, want nil after subset resend", failed)
	}
}

func TestMLLPSendConnectionRefused(t *testing.T) {
	tr := NewMLLPTransport(zerolog.Nop())
	// Reserved port with nothing listening.
	cfg := settings.TransportConfig{Type: "MLLP", URL: "127.0.0.1:1"}

	failed, err := tr.Send(context.Background(), cfg, []byte(mllpMsg1), uuid.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if failed == nil || !failed.All {
		t.Errorf("failed = %+v, want ALL", failed)
	}
}
