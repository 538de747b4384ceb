// Package nats implements a NATS-backed channel protocol: "post" publishes
// to a subject, "open" subscribes to it, and Data callbacks deliver
// whatever another publisher sends on that subject. It exists because the
// teacher's entire transport layer is built around NATS pub/sub, and
// spec §4.5 explicitly describes the stream server's "child" as, e.g., "a
// pub channel" — this is the natural, teacher-grounded implementation of
// that slot, alongside channel/tcp.
//
// Connection lifecycle, reconnection and circuit-breaking are grounded on
// natsclient.Client almost verbatim, scaled down to the subset a single
// channel needs (one connection, one subject, one queue group).
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/untoxa/tll/channel"
	"github.com/untoxa/tll/config"
	tllerrors "github.com/untoxa/tll/errors"
	"github.com/untoxa/tll/natsclient"
	"github.com/untoxa/tll/pkg/retry"
)

// Channel publishes/subscribes on a single NATS subject through a
// natsclient.Client. Register via Register.
type Channel struct {
	*channel.Core

	serverURL string
	subject   string
	queue     string
	connectTO time.Duration

	client *natsclient.Client
}

// New constructs an unopened NATS channel.
func New(name string, log *slog.Logger) *Channel {
	c := &Channel{}
	c.Core = channel.NewCore(c, name, log)
	return c
}

// Register wires the "nats" base protocol into ctx.
func Register(ctx *channel.Context) error {
	return ctx.RegisterBase("nats", func(name string, u *channel.URL, master channel.Channel, log *slog.Logger) (channel.Channel, error) {
		return New(name, log), nil
	})
}

func (c *Channel) ChannelProtocol() string             { return "nats" }
func (c *Channel) ProcessPolicy() channel.ProcessPolicy { return channel.Never }

// --- Channel interface trampolines ---

func (c *Channel) Init(u *channel.URL, master channel.Channel) error {
	return c.Core.Init(c, u, master)
}
func (c *Channel) Open(params *config.Config) error { return c.Core.Open(c, params) }
func (c *Channel) Close(force bool) error           { return c.Core.Close(c, force) }
func (c *Channel) Post(msg *channel.Msg, flags int) error {
	return c.Core.Post(msg, flags)
}
func (c *Channel) Process(timeoutMs int, flags int) error {
	return c.Core.Process(timeoutMs, flags)
}

// OnInit parses the nats:// URL (host:port for the server, path for the
// subject, "queue" query param for an optional queue group) and builds
// the underlying natsclient.Client. Grounded on natsclient's
// ClientOption set (options.go): max-reconnects and reconnect-wait URL
// params map directly onto WithMaxReconnects/WithReconnectWait, while
// connect-timeout (default 5s) bounds the connect attempt in OnOpen.
func (c *Channel) OnInit(u *channel.URL, master channel.Channel) error {
	if u.Host == "" {
		return tllerrors.WrapInvalid(tllerrors.ErrInvalidURL, "nats", "OnInit", "host required")
	}
	c.serverURL = fmt.Sprintf("nats://%s", u.Host)
	if u.Port != "" {
		c.serverURL += ":" + u.Port
	}

	c.subject = u.GetDefault("subject", trimSlash(u.Path))
	if c.subject == "" {
		return tllerrors.WrapInvalid(tllerrors.ErrMissingConfig, "nats", "OnInit", "subject required")
	}
	c.queue = u.GetDefault("queue", "")

	connectTO := 5 * time.Second
	if v, ok := u.Get("connect-timeout"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return tllerrors.WrapInvalid(err, "nats", "OnInit", "parse connect-timeout")
		}
		connectTO = d
	}
	c.connectTO = connectTO

	opts := []natsclient.ClientOption{
		WithLoggerAdapter(c.Log),
	}
	if v, ok := u.Get("max-reconnects"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return tllerrors.WrapInvalid(err, "nats", "OnInit", "parse max-reconnects")
		}
		opts = append(opts, natsclient.WithMaxReconnects(n))
	}
	if v, ok := u.Get("reconnect-wait"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return tllerrors.WrapInvalid(err, "nats", "OnInit", "parse reconnect-wait")
		}
		opts = append(opts, natsclient.WithReconnectWait(d))
	}
	if v, ok := u.Get("name"); ok {
		opts = append(opts, natsclient.WithName(v))
	}
	if user, ok := u.Get("user"); ok {
		if pass, ok := u.Get("password"); ok {
			opts = append(opts, natsclient.WithCredentials(user, pass))
		}
	}

	opts = append(opts,
		natsclient.WithDisconnectCallback(func(err error) {
			c.Log.Warn("nats disconnected", "error", err)
		}),
		natsclient.WithReconnectCallback(func() {
			c.Log.Info("nats reconnected")
		}),
	)

	client, err := natsclient.NewClient(c.serverURL, opts...)
	if err != nil {
		return tllerrors.WrapInvalid(err, "nats", "OnInit", "build client")
	}
	c.client = client
	return nil
}

// slogLogger adapts a *slog.Logger to natsclient.Logger so the channel's
// own logger drives natsclient's internal diagnostics instead of the
// package's log.Printf default.
type slogLogger struct{ log *slog.Logger }

// WithLoggerAdapter wraps log as a natsclient.ClientOption; a nil log
// falls back to slog.Default so tests that build channels without a
// logger still get a valid natsclient.Logger.
func WithLoggerAdapter(log *slog.Logger) natsclient.ClientOption {
	if log == nil {
		log = slog.Default()
	}
	return natsclient.WithLogger(&slogLogger{log: log})
}

func (l *slogLogger) Printf(format string, v ...any) { l.log.Info(fmt.Sprintf(format, v...)) }
func (l *slogLogger) Errorf(format string, v ...any) { l.log.Error(fmt.Sprintf(format, v...)) }
func (l *slogLogger) Debugf(format string, v ...any) { l.log.Debug(fmt.Sprintf(format, v...)) }

func trimSlash(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}

// OnOpen connects (retrying a handful of times with the teacher's "Quick"
// component-startup backoff, natsclient's own circuit breaker takes over
// for anything longer-lived) then subscribes to the configured subject.
func (c *Channel) OnOpen(params *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.connectTO)
	defer cancel()

	err := retry.Do(ctx, retry.Quick(), func() error {
		return c.client.Connect(ctx)
	})
	if err != nil {
		return tllerrors.WrapFatal(err, "nats", "OnOpen", "connect")
	}

	subCtx := context.Background()
	if c.queue != "" {
		if err := c.subscribeQueue(subCtx); err != nil {
			return tllerrors.WrapFatal(err, "nats", "OnOpen", "subscribe queue")
		}
	} else if err := c.client.Subscribe(subCtx, c.subject, c.onMessage); err != nil {
		return tllerrors.WrapFatal(err, "nats", "OnOpen", "subscribe")
	}
	return nil
}

// subscribeQueue is grounded on natsclient.Client.Subscribe but issues a
// QueueSubscribe directly against the raw *nats.Conn, since Client's own
// Subscribe helper has no queue-group variant.
func (c *Channel) subscribeQueue(ctx context.Context) error {
	conn := c.client.GetConnection()
	if conn == nil || !conn.IsConnected() {
		return natsclient.ErrNotConnected
	}
	_, err := conn.QueueSubscribe(c.subject, c.queue, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		c.onMessage(msgCtx, msg.Data)
	})
	return err
}

func (c *Channel) onMessage(_ context.Context, data []byte) {
	c.CallbackData(c, &channel.Msg{Type: channel.Data, Data: data})
}

// OnPost publishes msg.Data to the subject.
func (c *Channel) OnPost(msg *channel.Msg, flags int) error {
	if msg.Type != channel.Data {
		return nil
	}
	if err := c.client.Publish(context.Background(), c.subject, msg.Data); err != nil {
		return tllerrors.WrapTransient(err, "nats", "OnPost", "publish")
	}
	return nil
}

func (c *Channel) OnClose() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.Close(ctx); err != nil {
		c.Log.Warn("nats close failed", "error", err)
	}
	return nil
}

func (c *Channel) OnProcess(timeoutMs int, flags int) error {
	return tllerrors.ErrAgain
}
