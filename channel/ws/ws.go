// Package ws implements a WebSocket server channel: each accepted
// connection becomes a per-connection child channel, mirroring
// channel/tcp's Server/connSocket split. Posting through the Server sends
// msg.Data to the one child named by msg.Addr, same as tcp; there is no
// separate "broadcast" verb — callers wanting broadcast post once per
// child, same as any other multi-child channel. Each frame a child reads
// is delivered as Data to the child's observers and to the Server's.
//
// Grounded on output/websocket.Output's upgrade/read/write-pump loop and
// on channel/tcp/server.go's accept/demux structure.
package ws

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/untoxa/tll/channel"
	"github.com/untoxa/tll/config"
	tllerrors "github.com/untoxa/tll/errors"
	"github.com/untoxa/tll/scheme"
)

const (
	defaultPath        = "/"
	pongWait           = 60 * time.Second
	pingInterval       = (pongWait * 9) / 10
	handshakeTimeout   = 10 * time.Second
	defaultReadBufSize = 4096
)

// wsConn is a per-connection child spawned by Server.handleUpgrade,
// structurally the connSocket of channel/tcp/server.go.
type wsConn struct {
	*channel.Core

	server *Server
	addr   channel.Addr
	conn   *websocket.Conn

	writeMu sync.Mutex
	done    chan struct{}
}

func newWSConn(server *Server, addr channel.Addr, conn *websocket.Conn, log *slog.Logger) *wsConn {
	c := &wsConn{server: server, addr: addr, conn: conn, done: make(chan struct{})}
	c.Core = channel.NewCore(c, fmt.Sprintf("%s.%d", server.Name(), addr), log)
	return c
}

func (c *wsConn) ChannelProtocol() string             { return "ws" }
func (c *wsConn) ProcessPolicy() channel.ProcessPolicy { return channel.Never }

func (c *wsConn) Init(u *channel.URL, master channel.Channel) error {
	return c.Core.Init(c, u, master)
}
func (c *wsConn) Open(params *config.Config) error { return c.Core.Open(c, params) }
func (c *wsConn) Close(force bool) error           { return c.Core.Close(c, force) }
func (c *wsConn) Post(msg *channel.Msg, flags int) error {
	return c.Core.Post(msg, flags)
}
func (c *wsConn) Process(timeoutMs int, flags int) error {
	return c.Core.Process(timeoutMs, flags)
}

func (c *wsConn) OnInit(u *channel.URL, master channel.Channel) error { return nil }

func (c *wsConn) OnOpen(params *config.Config) error {
	c.conn.SetReadLimit(int64(defaultReadBufSize))
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.readLoop()
	go c.pingLoop()
	return nil
}

// readLoop is the read half of output/websocket.Output.handleClient,
// minus its ack/nack control-frame protocol: every inbound frame is
// delivered verbatim as Data, leaving message-level acknowledgement to a
// higher layer if one is needed.
func (c *wsConn) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.onDisconnect(err)
			return
		}
		msg := &channel.Msg{Type: channel.Data, Addr: c.addr, Data: data}
		c.CallbackData(c, msg)
		c.server.CallbackData(c.server, msg)
	}
}

func (c *wsConn) pingLoop() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.onDisconnect(err)
				return
			}
		}
	}
}

func (c *wsConn) onDisconnect(err error) {
	c.server.onChildClosing(c)
	_ = c.Close(false)
}

func (c *wsConn) OnClose() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.conn.Close()
}

func (c *wsConn) OnPost(msg *channel.Msg, flags int) error {
	if msg.Type != channel.Data {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, msg.Data)
}

func (c *wsConn) OnProcess(timeoutMs int, flags int) error {
	return tllerrors.ErrAgain
}

// Server hosts an HTTP server whose single Path upgrades every request
// into a wsConn child, spec's "Prefix/tagged base... e.g. a pub channel"
// slot's WebSocket-transport sibling to channel/nats and channel/tcp.
type Server struct {
	*channel.Core

	host, port, path string
	upgrader         websocket.Upgrader

	mu       sync.Mutex
	srv      *http.Server
	ln       net.Listener
	nextAddr channel.Addr
	children map[channel.Addr]*wsConn
	wg       sync.WaitGroup
}

// NewServer constructs an unopened WebSocket server channel.
func NewServer(name string, log *slog.Logger) *Server {
	s := &Server{children: map[channel.Addr]*wsConn{}}
	s.Core = channel.NewCore(s, name, log)
	return s
}

func (s *Server) ChannelProtocol() string             { return "ws" }
func (s *Server) ProcessPolicy() channel.ProcessPolicy { return channel.Never }

func (s *Server) Init(u *channel.URL, master channel.Channel) error {
	return s.Core.Init(s, u, master)
}
func (s *Server) Open(params *config.Config) error { return s.Core.Open(s, params) }
func (s *Server) Close(force bool) error           { return s.Core.Close(s, force) }
func (s *Server) Post(msg *channel.Msg, flags int) error {
	return s.Core.Post(msg, flags)
}
func (s *Server) Process(timeoutMs int, flags int) error {
	return s.Core.Process(timeoutMs, flags)
}

func (s *Server) OnInit(u *channel.URL, master channel.Channel) error {
	s.host, s.port = u.Host, u.Port
	s.path = u.GetDefault("path", defaultPath)
	if s.path == "" {
		s.path = u.Path
	}
	if s.path == "" {
		s.path = defaultPath
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   defaultReadBufSize,
		WriteBufferSize:  defaultReadBufSize,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	return nil
}

// Register wires the "ws" base protocol into ctx.
func Register(ctx *channel.Context) error {
	return ctx.RegisterBase("ws", func(name string, u *channel.URL, master channel.Channel, log *slog.Logger) (channel.Channel, error) {
		return NewServer(name, log), nil
	})
}

func (s *Server) OnOpen(params *config.Config) error {
	addr := net.JoinHostPort(s.host, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return tllerrors.WrapFatal(err, "ws", "OnOpen", "listen "+addr)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	_, boundPort, _ := net.SplitHostPort(ln.Addr().String())
	_ = s.ConfigInfo().SetFunc("port", func() string { return boundPort })

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)
	srv := &http.Server{Handler: mux}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = srv.Serve(ln)
	}()
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.nextAddr++
	addr := s.nextAddr
	wc := newWSConn(s, addr, conn, s.Log)
	s.children[addr] = wc
	s.mu.Unlock()

	wc.SetParent(s)
	s.ChildAdd(s, wc, wc.Name())
	_ = wc.Open(nil)
	s.emitConnect(wc, r)
}

func (s *Server) emitConnect(wc *wsConn, r *http.Request) {
	payload := scheme.Connect{Family: scheme.AFInet}
	host, portStr, err := net.SplitHostPort(r.RemoteAddr)
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
	s.CallbackData(s, &channel.Msg{Type: channel.Control, MsgID: scheme.TCPConnect, Addr: wc.addr, Data: data})
}

func (s *Server) onChildClosing(wc *wsConn) {
	s.CallbackData(s, &channel.Msg{Type: channel.Control, MsgID: scheme.TCPDisconnect, Addr: wc.addr})
	s.mu.Lock()
	delete(s.children, wc.addr)
	s.mu.Unlock()
	s.ChildDel(s, wc, wc.Name())
}

func (s *Server) OnClose() error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	s.wg.Wait()
	return nil
}

// OnPost demultiplexes by msg.Addr, same convention as channel/tcp.
func (s *Server) OnPost(msg *channel.Msg, flags int) error {
	if msg.Type != channel.Data {
		return nil
	}
	s.mu.Lock()
	wc, ok := s.children[msg.Addr]
	s.mu.Unlock()
	if !ok {
		return tllerrors.WrapInvalid(tllerrors.ErrUnexpectedMessage, "ws", "OnPost", "unknown addr")
	}
	return wc.Post(msg, flags)
}

func (s *Server) OnProcess(timeoutMs int, flags int) error {
	return tllerrors.ErrAgain
}
