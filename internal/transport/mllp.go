package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labrelay/labrelay/internal/platform/hl7v2"
	"github.com/labrelay/labrelay/internal/settings"
)

// MLLPTransport delivers HL7v2 messages over MLLP/TCP, one frame per
// message, and reads the receiver's ACK for each. Unlike HTTP, MLLP
// supports item-level retry: a NAKed message fails alone while the rest of
// the batch goes through.
type MLLPTransport struct {
	dialTimeout time.Duration
	ackTimeout  time.Duration
	log         zerolog.Logger
}

// NewMLLPTransport creates an MLLPTransport with bounded dial and ACK waits.
func NewMLLPTransport(log zerolog.Logger) *MLLPTransport {
	return &MLLPTransport{
		dialTimeout: 15 * time.Second,
		ackTimeout:  30 * time.Second,
		log:         log,
	}
}

// Send opens one connection to the configured host:port and writes each
// message of the batched body as its own MLLP frame. The returned RetryItems
// names the zero-based indices of messages that were NAKed or never
// acknowledged; nil means every message was accepted.
func (t *MLLPTransport) Send(ctx context.Context, cfg settings.TransportConfig, contents []byte, reportID uuid.UUID, retryItems *RetryItems) (*RetryItems, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mllp transport: receiver has no address configured")
	}
	addr := strings.TrimPrefix(cfg.URL, "mllp://")

	messages := splitMessages(contents)
	if len(messages) == 0 {
		return nil, nil
	}
	resend := resendSet(retryItems, len(messages))

	dialer := net.Dialer{Timeout: t.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.log.Warn().Err(err).
			Str("report_id", reportID.String()).
			Str("addr", addr).
			Msg("mllp dial failed")
		failed := RetryItems{IDs: indexIDs(resend)}
		if len(failed.IDs) == len(messages) {
			failed = AllItems()
		}
		return &failed, nil
	}
	defer conn.Close()

	var failedIDs []string
	for _, i := range resend {
		if err := t.sendOne(ctx, conn, messages[i]); err != nil {
			t.log.Warn().Err(err).
				Str("report_id", reportID.String()).
				Str("addr", addr).
				Int("item", i).
				Msg("mllp message not accepted")
			failedIDs = append(failedIDs, strconv.Itoa(i))
		}
	}

	if len(failedIDs) == 0 {
		return nil, nil
	}
	if len(failedIDs) == len(messages) {
		all := AllItems()
		return &all, nil
	}
	return &RetryItems{IDs: failedIDs}, nil
}

// sendOne writes one framed message and waits for a positive ACK.
func (t *MLLPTransport) sendOne(ctx context.Context, conn net.Conn, message []byte) error {
	deadline := time.Now().Add(t.ackTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write(hl7v2.FrameMessage(message)); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	buf := make([]byte, 0, 1024)
	readBuf := make([]byte, 1024)
	for {
		raw, _, found := hl7v2.UnframeMessage(buf)
		if found {
			return checkACK(raw)
		}
		n, err := conn.Read(readBuf)
		if err != nil {
			return fmt.Errorf("read ack: %w", err)
		}
		buf = append(buf, readBuf[:n]...)
	}
}

// checkACK accepts AA and CA acknowledgment codes, anything else is a
// delivery failure for that message.
func checkACK(raw []byte) error {
	ack, err := hl7v2.Parse(raw)
	if err != nil {
		return fmt.Errorf("unparseable ack: %w", err)
	}
	msa := ack.GetSegment("MSA")
	if msa == nil {
		return fmt.Errorf("ack has no MSA segment")
	}
	code := msa.GetField(1)
	if code != "AA" && code != "CA" {
		return fmt.Errorf("receiver answered %s: %s", code, msa.GetField(3))
	}
	return nil
}

// splitMessages separates a batched body into individual HL7 messages. The
// batch stage joins messages with newlines while segments inside one message
// use \r, so a line starting with MSH| opens a new message.
func splitMessages(contents []byte) [][]byte {
	var messages [][]byte
	for _, chunk := range bytes.Split(contents, []byte("\n")) {
		chunk = bytes.TrimRight(chunk, "\r\n")
		if len(chunk) == 0 {
			continue
		}
		if bytes.HasPrefix(chunk, []byte("MSH|")) || len(messages) == 0 {
			messages = append(messages, chunk)
		} else {
			// continuation of the previous message
			prev := messages[len(messages)-1]
			messages[len(messages)-1] = append(append(prev, '\r'), chunk...)
		}
	}
	return messages
}

// resendSet returns the message indices this attempt must send: the prior
// attempt's failed subset, or everything.
func resendSet(retryItems *RetryItems, total int) []int {
	if retryItems == nil || retryItems.All {
		all := make([]int, total)
		for i := range all {
			all[i] = i
		}
		return all
	}
	var out []int
	for _, id := range retryItems.IDs {
		i, err := strconv.Atoi(id)
		if err == nil && i >= 0 && i < total {
			out = append(out, i)
		}
	}
	return out
}

func indexIDs(indices []int) []string {
	out := make([]string, len(indices))
	for i, idx := range indices {
		out[i] = strconv.Itoa(idx)
	}
	return out
}
