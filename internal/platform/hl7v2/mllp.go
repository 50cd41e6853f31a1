package hl7v2

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT / vertical tab).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS / file separator).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	// mllpMaxMessageSize is the maximum buffer size for a single MLLP message (1 MB).
	mllpMaxMessageSize = 1 << 20

	// mllpReadTimeout is the read deadline applied to each connection.
	mllpReadTimeout = 30 * time.Second
)

// MessageHandler is called for each received HL7v2 message.
// It receives the parsed message and returns an ACK/NAK message to send back.
// Return nil to send no response.
type MessageHandler func(msg *Message) *Message

// MLLPServer listens for HL7v2 messages over MLLP/TCP.
type MLLPServer struct {
	addr     string
	handler  MessageHandler
	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	log      zerolog.Logger
}

// NewMLLPServer creates a new MLLP server that will listen on the given
// address and dispatch parsed messages to handler.
func NewMLLPServer(addr string, handler MessageHandler, log zerolog.Logger) *MLLPServer {
	return &MLLPServer{
		addr:    addr,
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
		log:     log.With().Str("component", "mllp").Logger(),
	}
}

// Start begins listening for connections. It is non-blocking: the accept loop
// runs in a background goroutine.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	return nil
}

// Stop gracefully shuts down the server. It closes the listener, then closes
// all tracked connections, and waits for all goroutines to finish.
func (s *MLLPServer) Stop() error {
	close(s.done)

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	return err
}

// Addr returns the listener address string. This is especially useful when the
// server was started with port 0 (OS-assigned port).
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// acceptLoop runs in its own goroutine, accepting new TCP connections until
// the listener is closed.
func (s *MLLPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Error().Err(err).Msg("accept error")
			return
		}

		s.trackConn(conn, true)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

// trackConn adds or removes a connection from the tracked set.
func (s *MLLPServer) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConnection reads MLLP-framed messages from conn, parses them,
// dispatches to the handler, and writes back any response.
func (s *MLLPServer) handleConnection(conn net.Conn) {
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(mllpReadTimeout))

		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)

			if len(buf) > mllpMaxMessageSize {
				s.log.Warn().Msg("message exceeds max size, closing connection")
				return
			}

			// Process all complete messages in the buffer.
			for {
				msgBytes, rest, found := UnframeMessage(buf)
				if !found {
					break
				}
				buf = rest

				s.processMessage(conn, msgBytes)
			}
		}

		if err != nil {
			// Timeout or EOF is normal when idle or the client disconnects.
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if len(buf) == 0 {
					return
				}
				continue
			}
			return
		}
	}
}

// processMessage parses a single message, calls the handler, and writes
// the response (if any) back to conn.
func (s *MLLPServer) processMessage(conn net.Conn, raw []byte) {
	msg, err := Parse(raw)
	if err != nil {
		s.log.Error().Err(err).Msg("parse error")
		return
	}

	resp := s.handler(msg)
	if resp == nil {
		return
	}

	framed := FrameMessage(bytes.TrimRight(resp.Encode(), "\r"))

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(framed); err != nil {
		s.log.Error().Err(err).Msg("write error")
	}
}

// ---------------------------------------------------------------------------
// MLLP framing helpers
// ---------------------------------------------------------------------------

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// UnframeMessage extracts HL7v2 bytes from an MLLP frame. It looks for the
// first start block byte, then reads until end block + CR. It returns the
// extracted message, any remaining bytes after the frame, and whether a
// complete frame was found.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		return nil, data, false
	}

	endSeq := []byte{MLLPEndBlock, MLLPCarriageReturn}
	endIdx := bytes.Index(data[startIdx+1:], endSeq)
	if endIdx == -1 {
		return nil, data, false
	}
	endIdx = startIdx + 1 + endIdx

	message = data[startIdx+1 : endIdx]
	rest = data[endIdx+2:]
	found = true
	return
}

// ---------------------------------------------------------------------------
// ACK generation
// ---------------------------------------------------------------------------

// GenerateACK creates an HL7v2 ACK for the given incoming message. ackCode
// should be "AA" (accept), "AE" (error), or "AR" (reject).
//
// The ACK swaps the sending and receiving application/facility from the
// original message and references the original control ID in MSA-2.
func GenerateACK(incoming *Message, ackCode string) *Message {
	// incoming.Type is something like "ORU^R01"; the ACK carries the trigger.
	trigger := ""
	if _, t, ok := strings.Cut(incoming.Type, "^"); ok {
		trigger = t
	}

	now := time.Now().UTC()

	ack := NewMessage("ACK^"+trigger, incoming.Version)
	ack.Set("MSH-3", incoming.ReceivingApp)
	ack.Set("MSH-4", incoming.ReceivingFac)
	ack.Set("MSH-5", incoming.SendingApp)
	ack.Set("MSH-6", incoming.SendingFac)
	ack.Set("MSH-7", FormatTimestamp(now))
	ack.Set("MSH-10", "ACK"+now.Format("20060102150405.000"))
	ack.Set("MSH-11", "P")
	ack.Set("MSA-1", ackCode)
	ack.Set("MSA-2", incoming.ControlID)

	return ack
}
