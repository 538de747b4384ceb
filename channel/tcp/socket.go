// Package tcp implements the "tcp" channel protocol: a listening server
// socket, its per-connection children, and a standalone client socket,
// all sharing one read/write engine (spec §4.3 "TCP channel").
package tcp

import (
	"net"
	"sync"
	"time"

	tllerrors "github.com/untoxa/tll/errors"
	"github.com/untoxa/tll/pkg/buffer"
)

// Defaults for the "size" (read window) and "buffer-size" (pending write
// queue) URL settings, per spec §4.3.
const (
	DefaultReadSize  = 128 * 1024
	DefaultWriteSize = 64 * 1024

	writeDeadline = 50 * time.Millisecond
)

// socketCore is the read/write engine shared by the client socket and every
// per-connection server socket. It is not itself a Channel; client.go and
// server.go each embed one and drive it from their Impl hooks.
//
// The original C++ implementation drives this state machine from a single
// poll loop: non-blocking send/recv, a pending-output ring buffer, and
// dcaps.CPOLLOUT to ask the driver for a writability callback. Go's
// net.Conn already cooperates with the runtime's network poller, so the
// same invariant (never block the calling goroutine on socket I/O) is
// reached instead with one read goroutine per socket plus a short
// SetWriteDeadline probe on the write path — see DESIGN.md's channel/tcp
// entry.
type socketCore struct {
	conn     net.Conn
	readSize int

	mu      sync.Mutex
	pending buffer.Buffer[byte]
	closed  bool
	draining bool
}

func newSocketCore(conn net.Conn, readSize, writeSize int) *socketCore {
	if readSize <= 0 {
		readSize = DefaultReadSize
	}
	if writeSize <= 0 {
		writeSize = DefaultWriteSize
	}
	pending, _ := buffer.NewCircularBuffer[byte](writeSize,
		buffer.WithOverflowPolicy[byte](buffer.DropNewest))
	return &socketCore{conn: conn, readSize: readSize, pending: pending}
}

// send implements spec §4.3's per-connection write rule: "if a pending
// output buffer is non-empty, new writes are appended; otherwise attempt
// [a write]; any short write is stored in the pending buffer" and drained
// in the background. Returns ErrAgain if the pending buffer cannot absorb
// the whole of data (spec's backpressure signal, translated from
// dcaps.CPOLLOUT).
func (s *socketCore) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return tllerrors.WrapInvalid(tllerrors.ErrClosed, "tcp", "send", "socket closed")
	}
	if !s.pending.IsEmpty() {
		return s.enqueueLocked(data)
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	n, err := s.conn.Write(data)
	_ = s.conn.SetWriteDeadline(time.Time{})
	if err == nil {
		return nil
	}
	if !isTimeout(err) {
		s.closed = true
		return tllerrors.WrapFatal(err, "tcp", "send", "write")
	}
	if qerr := s.enqueueLocked(data[n:]); qerr != nil {
		return qerr
	}
	s.startDrainLocked()
	return nil
}

func (s *socketCore) enqueueLocked(data []byte) error {
	for _, b := range data {
		if s.pending.IsFull() {
			return tllerrors.ErrAgain
		}
		_ = s.pending.Write(b)
	}
	return nil
}

func (s *socketCore) startDrainLocked() {
	if s.draining {
		return
	}
	s.draining = true
	go s.drain()
}

func (s *socketCore) drain() {
	for {
		s.mu.Lock()
		if s.closed || s.pending.IsEmpty() {
			s.draining = false
			s.mu.Unlock()
			return
		}
		chunk := s.pending.ReadBatch(s.pending.Size())
		s.mu.Unlock()

		if len(chunk) == 0 {
			continue
		}
		if _, err := s.conn.Write(chunk); err != nil {
			s.mu.Lock()
			s.closed = true
			s.draining = false
			s.mu.Unlock()
			return
		}
	}
}

// startReadLoop spawns the connection's blocking read goroutine, per spec
// §4.3's "recv into the read buffer ... deliver each framed chunk as a
// Data message". deliver's error return (used to signal a downstream
// callback rejecting further data) and a genuine read error both end the
// loop via onDisconnect.
func (s *socketCore) startReadLoop(deliver func([]byte) error, onDisconnect func(error)) {
	go func() {
		buf := make([]byte, s.readSize)
		for {
			n, err := s.conn.Read(buf)
			if n > 0 {
				if derr := deliver(buf[:n]); derr != nil {
					onDisconnect(derr)
					return
				}
			}
			if err != nil {
				onDisconnect(err)
				return
			}
		}
	}()
}

func (s *socketCore) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.pending.Close()
	return s.conn.Close()
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// socketSettings holds the URL-configurable socket options of spec §4.3.
type socketSettings struct {
	keepalive    bool
	sndbuf       int
	rcvbuf       int
	timestamping bool
}

// applySettings applies socketSettings to conn where net.TCPConn exposes an
// equivalent knob. timestamping (SO_TIMESTAMPING) has no portable net.Conn
// equivalent: it is parsed into socketSettings and not applied, and Msg.Time
// stays zero; hardware/software timestamp extraction from ancillary data (spec's
// "extracts hw/sw timestamp ... into msg.time") is not implemented — see
// DESIGN.md.
func applySettings(conn net.Conn, s socketSettings) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if s.keepalive {
		_ = tc.SetKeepAlive(true)
	}
	if s.sndbuf > 0 {
		_ = tc.SetWriteBuffer(s.sndbuf)
	}
	if s.rcvbuf > 0 {
		_ = tc.SetReadBuffer(s.rcvbuf)
	}
}
