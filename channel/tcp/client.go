package tcp

import (
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/untoxa/tll/channel"
	"github.com/untoxa/tll/config"
	tllerrors "github.com/untoxa/tll/errors"
)

// Client is the standalone TCP client socket flavor of spec §4.3: it dials
// out on Open and behaves like any other data channel from then on.
type Client struct {
	*channel.Core

	host, port string
	readSize   int
	writeSize  int
	settings   socketSettings

	mu   sync.Mutex
	sock *socketCore
}

// NewClient constructs an unopened TCP client channel.
func NewClient(name string, log *slog.Logger) *Client {
	c := &Client{}
	c.Core = channel.NewCore(c, name, log)
	return c
}

func (c *Client) ChannelProtocol() string            { return "tcp" }
func (c *Client) ProcessPolicy() channel.ProcessPolicy { return channel.Never }

func (c *Client) Init(u *channel.URL, master channel.Channel) error {
	return c.Core.Init(c, u, master)
}
func (c *Client) Open(params *config.Config) error { return c.Core.Open(c, params) }
func (c *Client) Close(force bool) error            { return c.Core.Close(c, force) }
func (c *Client) Post(msg *channel.Msg, flags int) error {
	return c.Core.Post(msg, flags)
}
func (c *Client) Process(timeoutMs int, flags int) error {
	return c.Core.Process(timeoutMs, flags)
}

func (c *Client) OnInit(u *channel.URL, master channel.Channel) error {
	c.host, c.port = u.Host, u.Port
	if c.host == "" {
		return tllerrors.WrapInvalid(tllerrors.ErrMissingConfig, "tcp", "OnInit", "host required in url")
	}
	readSize, err := parseSizeParam(u, "size", DefaultReadSize)
	if err != nil {
		return tllerrors.WrapInvalid(err, "tcp", "OnInit", "parse size")
	}
	writeSize, err := parseSizeParam(u, "buffer-size", DefaultWriteSize)
	if err != nil {
		return tllerrors.WrapInvalid(err, "tcp", "OnInit", "parse buffer-size")
	}
	c.readSize, c.writeSize = readSize, writeSize
	c.settings = parseSettings(u)
	return nil
}

// OnOpen dials the configured address; params may override host/port,
// matching the file channel's own params-override-URL convention.
func (c *Client) OnOpen(params *config.Config) error {
	host, port := c.host, c.port
	if params != nil {
		if h, ok := params.Get("host"); ok {
			host = h
		}
		if p, ok := params.Get("port"); ok {
			port = p
		}
	}
	addr := net.JoinHostPort(host, port)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return tllerrors.WrapTransient(err, "tcp", "OnOpen", "dial "+addr)
	}
	applySettings(conn, c.settings)

	sock := newSocketCore(conn, c.readSize, c.writeSize)
	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()

	sock.startReadLoop(c.deliver, c.onDisconnect)
	return nil
}

func (c *Client) deliver(data []byte) error {
	c.CallbackData(c, &channel.Msg{Type: channel.Data, Data: data})
	return nil
}

func (c *Client) onDisconnect(err error) {
	if err != nil && err != io.EOF {
		c.Log.Debug("connection closed", "error", err)
	}
	_ = c.Close(false)
}

func (c *Client) OnClose() error {
	c.mu.Lock()
	sock := c.sock
	c.sock = nil
	c.mu.Unlock()
	if sock == nil {
		return nil
	}
	return sock.close()
}

func (c *Client) OnPost(msg *channel.Msg, flags int) error {
	if msg.Type != channel.Data {
		return nil
	}
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return tllerrors.WrapInvalid(tllerrors.ErrNotOpen, "tcp", "OnPost", "not connected")
	}
	return sock.send(msg.Data)
}

// OnProcess is never called: Never-policy channels are driven purely by
// the read/drain goroutines started in OnOpen.
func (c *Client) OnProcess(timeoutMs int, flags int) error {
	return tllerrors.ErrAgain
}
