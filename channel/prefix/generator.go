package prefix

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/untoxa/tll/channel"
	"github.com/untoxa/tll/config"
	tllerrors "github.com/untoxa/tll/errors"
)

// Generator is the message-count-paced generator of genprefix.h: each
// Data message from its child extends an internal target counter by a
// fixed batch size, and Process emits synthetic, sequentially-numbered
// Data messages (empty payload) one at a time until the target is
// reached, advertising Dcaps so a Custom-policy Processor knows to keep
// calling Process. The original's snapshot warm-up phase (a "timer://"
// channel opened before the real child, used to prime a cache before
// generation starts) has no analogue here: this module has no cache
// layer for a generator to warm, so generation starts as soon as the
// child itself reaches Active (see DESIGN.md).
type Generator struct {
	*channel.Core

	child channel.Channel
	count int64

	mu  sync.Mutex
	seq int64
	end int64
}

// NewGenerator constructs an unopened generator wrapper around inner.
func NewGenerator(name string, log *slog.Logger, inner channel.Channel) *Generator {
	g := &Generator{child: inner, count: 100000}
	g.Core = channel.NewCore(g, name, log)
	return g
}

// RegisterGenerator wires the "gen" prefix protocol into ctx.
func RegisterGenerator(ctx *channel.Context) error {
	return ctx.RegisterPrefix("gen", func(name string, u *channel.URL, inner channel.Channel, log *slog.Logger) (channel.Channel, error) {
		return NewGenerator(name, log, inner), nil
	})
}

func (g *Generator) ChannelProtocol() string             { return "gen" }
func (g *Generator) ProcessPolicy() channel.ProcessPolicy { return channel.Custom }

func (g *Generator) Init(u *channel.URL, master channel.Channel) error {
	return g.Core.Init(g, u, master)
}
func (g *Generator) Open(params *config.Config) error { return g.Core.Open(g, params) }
func (g *Generator) Close(force bool) error           { return g.Core.Close(g, force) }
func (g *Generator) Post(msg *channel.Msg, flags int) error {
	return g.Core.Post(msg, flags)
}
func (g *Generator) Process(timeoutMs int, flags int) error {
	return g.Core.Process(timeoutMs, flags)
}

// OnInit parses the "count" url param (batch size per child Data
// message, default 100000 matching genprefix.h's _count) and initializes
// the wrapped child.
func (g *Generator) OnInit(u *channel.URL, master channel.Channel) error {
	if v, ok := u.Get("count"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return tllerrors.WrapInvalid(err, "gen", "OnInit", "parse count")
		}
		if n <= 0 {
			return tllerrors.WrapInvalid(tllerrors.ErrMissingConfig, "gen", "OnInit", "count must be positive")
		}
		g.count = n
	}

	if err := g.child.Init(u, master); err != nil {
		return tllerrors.WrapInvalid(err, "gen", "OnInit", "init child")
	}
	_ = g.child.CallbackAdd(g.onChild, g, channel.MaskData)
	g.ChildAdd(g, g.child, "child")
	return nil
}

func (g *Generator) onChild(self channel.Channel, msg *channel.Msg) int {
	if msg.Type != channel.Data {
		return 0
	}
	g.mu.Lock()
	g.end += g.count
	g.mu.Unlock()
	g.SetDcaps(channel.DcapProcess | channel.DcapPending)
	return 0
}

func (g *Generator) OnOpen(params *config.Config) error {
	g.mu.Lock()
	g.seq, g.end = -1, -1
	g.mu.Unlock()
	return g.child.Open(params)
}

func (g *Generator) OnClose() error {
	if g.child.State() != channel.Closed {
		_ = g.child.Close(false)
	}
	return nil
}

func (g *Generator) OnPost(msg *channel.Msg, flags int) error {
	return g.child.Post(msg, flags)
}

// OnProcess emits one synthetic Data message per call, grounded on
// genprefix.h's _process: advance seq, callback, and drop the Process
// dcap once caught up to end.
func (g *Generator) OnProcess(timeoutMs int, flags int) error {
	g.mu.Lock()
	if g.end == g.seq {
		g.mu.Unlock()
		g.SetDcaps(0)
		return tllerrors.ErrAgain
	}
	g.seq++
	seq := g.seq
	g.mu.Unlock()

	g.CallbackData(g, &channel.Msg{Type: channel.Data, Seq: seq})
	return nil
}
