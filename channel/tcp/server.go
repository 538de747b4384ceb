package tcp

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/untoxa/tll/channel"
	"github.com/untoxa/tll/config"
	tllerrors "github.com/untoxa/tll/errors"
	"github.com/untoxa/tll/scheme"
)

// connSocket is a per-connection child spawned by Server.accept, spec
// §4.3's "allocate a per-connection socket channel parented to the
// server". It is a full Channel in its own right so observers can
// CallbackAdd on it directly, matching the original's child-channel model.
type connSocket struct {
	*channel.Core

	server *Server
	addr   channel.Addr
	sock   *socketCore
}

func newConnSocket(server *Server, addr channel.Addr, conn net.Conn, readSize, writeSize int, log *slog.Logger) *connSocket {
	cs := &connSocket{server: server, addr: addr}
	cs.Core = channel.NewCore(cs, fmt.Sprintf("%s.%d", server.Name(), addr), log)
	cs.sock = newSocketCore(conn, readSize, writeSize)
	return cs
}

func (cs *connSocket) ChannelProtocol() string            { return "tcp" }
func (cs *connSocket) ProcessPolicy() channel.ProcessPolicy { return channel.Never }

func (cs *connSocket) Init(u *channel.URL, master channel.Channel) error {
	return cs.Core.Init(cs, u, master)
}
func (cs *connSocket) Open(params *config.Config) error { return cs.Core.Open(cs, params) }
func (cs *connSocket) Close(force bool) error            { return cs.Core.Close(cs, force) }
func (cs *connSocket) Post(msg *channel.Msg, flags int) error {
	return cs.Core.Post(msg, flags)
}
func (cs *connSocket) Process(timeoutMs int, flags int) error {
	return cs.Core.Process(timeoutMs, flags)
}

func (cs *connSocket) OnInit(u *channel.URL, master channel.Channel) error { return nil }

func (cs *connSocket) OnOpen(params *config.Config) error {
	cs.sock.startReadLoop(cs.deliver, cs.onDisconnect)
	return nil
}

func (cs *connSocket) deliver(data []byte) error {
	msg := &channel.Msg{Type: channel.Data, Addr: cs.addr, Data: data}
	cs.CallbackData(cs, msg)
	cs.server.CallbackData(cs.server, msg)
	return nil
}

// onDisconnect implements spec §4.3's "on 0 bytes -> emit Disconnect
// control, close self". The parent server does the cleanup-flag-equivalent
// bookkeeping (removing this child from its address map); see server's
// onChildClosing and DESIGN.md's note on why Go's goroutine-per-connection
// model doesn't need the original's deferred-delete workaround.
func (cs *connSocket) onDisconnect(err error) {
	cs.server.onChildClosing(cs)
	_ = cs.Close(false)
}

func (cs *connSocket) OnClose() error { return cs.sock.close() }

func (cs *connSocket) OnPost(msg *channel.Msg, flags int) error {
	if msg.Type != channel.Data {
		return nil
	}
	return cs.sock.send(msg.Data)
}

func (cs *connSocket) OnProcess(timeoutMs int, flags int) error {
	return tllerrors.ErrAgain
}

// Server is the listening-socket flavor of spec §4.3, accepting
// connections and spawning a connSocket child for each.
type Server struct {
	*channel.Core

	host, port string
	readSize   int
	writeSize  int
	settings   socketSettings

	mu       sync.Mutex
	ln       net.Listener
	nextAddr channel.Addr
	children map[channel.Addr]*connSocket
	wg       sync.WaitGroup

	// acceptGate, when non-nil, is received from right after Accept
	// returns and before the Closing-state guard runs. Tests use it to
	// deterministically land in the accept/close race window; nil in
	// normal operation.
	acceptGate chan struct{}
}

// NewServer constructs an unopened TCP server channel.
func NewServer(name string, log *slog.Logger) *Server {
	s := &Server{children: map[channel.Addr]*connSocket{}}
	s.Core = channel.NewCore(s, name, log)
	return s
}

// Register wires the "tcp" base protocol into ctx. A "mode=server" URL
// param selects the listening Server flavor; anything else (including
// the param's absence) selects the dialing Client, mirroring channel/file's
// own mode-param convention.
func Register(ctx *channel.Context) error {
	return ctx.RegisterBase("tcp", func(name string, u *channel.URL, master channel.Channel, log *slog.Logger) (channel.Channel, error) {
		if u.GetDefault("mode", "client") == "server" {
			return NewServer(name, log), nil
		}
		return NewClient(name, log), nil
	})
}

func (s *Server) ChannelProtocol() string            { return "tcp" }
func (s *Server) ProcessPolicy() channel.ProcessPolicy { return channel.Never }

func (s *Server) Init(u *channel.URL, master channel.Channel) error {
	return s.Core.Init(s, u, master)
}
func (s *Server) Open(params *config.Config) error { return s.Core.Open(s, params) }
func (s *Server) Close(force bool) error            { return s.Core.Close(s, force) }
func (s *Server) Post(msg *channel.Msg, flags int) error {
	return s.Core.Post(msg, flags)
}
func (s *Server) Process(timeoutMs int, flags int) error {
	return s.Core.Process(timeoutMs, flags)
}

func (s *Server) OnInit(u *channel.URL, master channel.Channel) error {
	s.host, s.port = u.Host, u.Port
	readSize, err := parseSizeParam(u, "size", DefaultReadSize)
	if err != nil {
		return tllerrors.WrapInvalid(err, "tcp", "OnInit", "parse size")
	}
	writeSize, err := parseSizeParam(u, "buffer-size", DefaultWriteSize)
	if err != nil {
		return tllerrors.WrapInvalid(err, "tcp", "OnInit", "parse buffer-size")
	}
	s.readSize, s.writeSize = readSize, writeSize
	s.settings = parseSettings(u)
	return nil
}

func (s *Server) OnOpen(params *config.Config) error {
	addr := net.JoinHostPort(s.host, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return tllerrors.WrapFatal(err, "tcp", "OnOpen", "listen "+addr)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	_, boundPort, _ := net.SplitHostPort(ln.Addr().String())
	_ = s.ConfigInfo().SetFunc("port", func() string { return boundPort })

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// acceptLoop implements spec §4.3's "Server accept": accept, apply
// settings, allocate a per-connection child, emit Connect, register.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if gate := s.acceptGate; gate != nil {
			<-gate
		}
		if s.State() != channel.Active {
			_ = conn.Close()
			continue
		}
		applySettings(conn, s.settings)

		s.mu.Lock()
		s.nextAddr++
		addr := s.nextAddr
		cs := newConnSocket(s, addr, conn, s.readSize, s.writeSize, s.Log)
		s.children[addr] = cs
		s.mu.Unlock()

		cs.SetParent(s)
		s.ChildAdd(s, cs, cs.Name())
		_ = cs.Open(nil)
		s.emitConnect(cs, conn)
	}
}

func (s *Server) emitConnect(cs *connSocket, conn net.Conn) {
	payload := scheme.Connect{Family: scheme.AFInet}
	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			if ip4 := ip.To4(); ip4 != nil {
				payload.Family = scheme.AFInet
				payload.IPv4 = binary.BigEndian.Uint32(ip4)
			} else {
				payload.Family = scheme.AFInet6
				copy(payload.IPv6[:], ip.To16())
			}
		} else {
			payload.Family = scheme.AFUnix
		}
		if p, err := strconv.Atoi(portStr); err == nil {
			payload.Port = uint16(p)
		}
	}

	data := scheme.MarshalConnect(payload)
	s.CallbackData(s, &channel.Msg{Type: channel.Control, MsgID: scheme.TCPConnect, Addr: cs.addr, Data: data})
}

// onChildClosing implements spec §4.3's "cleanup": the parent removes the
// child from its address map and emits Disconnect, driven by the child's
// own read-loop goroutine rather than a deferred flag checked from a
// shared dispatch loop (see connSocket.onDisconnect and DESIGN.md).
func (s *Server) onChildClosing(cs *connSocket) {
	s.CallbackData(s, &channel.Msg{Type: channel.Control, MsgID: scheme.TCPDisconnect, Addr: cs.addr})
	s.mu.Lock()
	delete(s.children, cs.addr)
	s.mu.Unlock()
	s.ChildDel(s, cs, cs.Name())
}

func (s *Server) OnClose() error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
	return nil
}

// OnPost implements spec §4.3's "Server post": demultiplex by msg.Addr and
// forward to the matching child. Addr is minted per-accept by Server
// itself (see acceptLoop's nextAddr counter), so a stale Addr simply
// misses the map instead of needing the original's (fd, addr.seq) replay
// check — Go never reuses an fd value as a live map key the way C reuses
// small integers after close().
func (s *Server) OnPost(msg *channel.Msg, flags int) error {
	if msg.Type != channel.Data {
		return nil
	}
	s.mu.Lock()
	cs, ok := s.children[msg.Addr]
	s.mu.Unlock()
	if !ok {
		return tllerrors.WrapInvalid(tllerrors.ErrUnexpectedMessage, "tcp", "OnPost", "unknown addr")
	}
	return cs.Post(msg, flags)
}

func (s *Server) OnProcess(timeoutMs int, flags int) error {
	return tllerrors.ErrAgain
}
