// Package prefix implements spec §4.6's composable prefix wrappers:
// busywait (delay-paced), gen (message-count-paced generator) and Tagged
// (compile-time-tag multi-input dispatch). Each is grounded on a
// standalone C++ header of the same shape (busywait.h, genprefix.h), so
// unlike channel/stream (one prefix over two files) this package holds
// three small, independent wrappers.
package prefix

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/untoxa/tll/channel"
	"github.com/untoxa/tll/config"
	tllerrors "github.com/untoxa/tll/errors"
)

// BusyWait delays every inbound Data message from its child by one delay
// interval before re-emitting it, counted from the message's arrival, or
// from the previous forward when that was less than one interval earlier.
// Grounded on busywait.h's _on_data: a
// spin-wait for sub-millisecond delays, a real sleep otherwise. Go has no
// use for the original's spin-loop branch (it exists there only to avoid
// the OS scheduler's minimum sleep granularity); rate.Limiter.WaitN
// covers both cases with one mechanism, so BusyWait always sleeps via
// the limiter and never busy-spins (see DESIGN.md).
type BusyWait struct {
	*channel.Core

	child   channel.Channel
	limiter *rate.Limiter
	delay   time.Duration
}

// NewBusyWait constructs an unopened busywait wrapper around inner.
func NewBusyWait(name string, log *slog.Logger, inner channel.Channel) *BusyWait {
	b := &BusyWait{child: inner, delay: time.Millisecond}
	b.Core = channel.NewCore(b, name, log)
	return b
}

// Register wires the "busywait" prefix protocol into ctx.
func Register(ctx *channel.Context) error {
	return ctx.RegisterPrefix("busywait", func(name string, u *channel.URL, inner channel.Channel, log *slog.Logger) (channel.Channel, error) {
		return NewBusyWait(name, log, inner), nil
	})
}

func (b *BusyWait) ChannelProtocol() string { return "busywait" }

// ProcessPolicy is Never: busywait adds no scheduling requirement of its
// own. It never calls Process itself — it reacts to the child's Data
// callback, delaying inline on whatever goroutine delivers it, and the
// child's own driving policy (registered separately with a Processor)
// still applies.
func (b *BusyWait) ProcessPolicy() channel.ProcessPolicy { return channel.Never }

func (b *BusyWait) Init(u *channel.URL, master channel.Channel) error {
	return b.Core.Init(b, u, master)
}
func (b *BusyWait) Open(params *config.Config) error { return b.Core.Open(b, params) }
func (b *BusyWait) Close(force bool) error           { return b.Core.Close(b, force) }
func (b *BusyWait) Post(msg *channel.Msg, flags int) error {
	return b.Core.Post(msg, flags)
}
func (b *BusyWait) Process(timeoutMs int, flags int) error {
	return b.Core.Process(timeoutMs, flags)
}

// OnInit parses the "delay" url param (a Go duration string, e.g. "1ms",
// "500us") and initializes the wrapped child.
func (b *BusyWait) OnInit(u *channel.URL, master channel.Channel) error {
	if v, ok := u.Get("delay"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return tllerrors.WrapInvalid(err, "busywait", "OnInit", "parse delay")
		}
		b.delay = d
	}
	if b.delay <= 0 {
		return tllerrors.WrapInvalid(tllerrors.ErrMissingConfig, "busywait", "OnInit", "delay must be positive")
	}
	b.limiter = rate.NewLimiter(rate.Every(b.delay), 1)

	if err := b.child.Init(u, master); err != nil {
		return tllerrors.WrapInvalid(err, "busywait", "OnInit", "init child")
	}
	_ = b.child.CallbackAdd(b.onChild, b, channel.MaskAll)
	b.ChildAdd(b, b.child, "child")
	return nil
}

func (b *BusyWait) onChild(self channel.Channel, msg *channel.Msg) int {
	if msg.Type != channel.Data {
		b.CallbackData(b, msg)
		return 0
	}
	// Discard a token banked while idle so the wait below always runs.
	b.limiter.Allow()
	_ = b.limiter.Wait(context.Background())
	b.CallbackData(b, msg)
	return 0
}

func (b *BusyWait) OnOpen(params *config.Config) error {
	return b.child.Open(params)
}

func (b *BusyWait) OnClose() error {
	if b.child.State() != channel.Closed {
		_ = b.child.Close(false)
	}
	return nil
}

func (b *BusyWait) OnPost(msg *channel.Msg, flags int) error {
	return b.child.Post(msg, flags)
}

func (b *BusyWait) OnProcess(timeoutMs int, flags int) error {
	return b.child.Process(timeoutMs, flags)
}
