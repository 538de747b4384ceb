// Package channel implements the TLL channel lifecycle, callback, and
// composition model described in spec §3-§4.1: every data-carrying
// endpoint (file, tcp, stream, prefix, ...) is a Channel, assembled into
// DAGs through URL wiring and driven by a Processor.
package channel

import (
	"errors"
	"log/slog"
	"sync"

	tllerrors "github.com/untoxa/tll/errors"
	"github.com/untoxa/tll/config"
)

// Channel is the uniform endpoint interface every protocol implements.
// Init is called once over the object's lifetime; Open/Close may repeat.
type Channel interface {
	Init(url *URL, master Channel) error
	Open(params *config.Config) error
	Close(force bool) error
	Post(msg *Msg, flags int) error
	Process(timeoutMs int, flags int) error

	State() State
	Dcaps() Dcaps
	Name() string
	Fd() int

	CallbackAdd(cb Callback, user any, mask Mask) error
	CallbackDel(cb Callback, user any)

	Config() *config.Config
	ConfigInfo() *config.Config

	Children() []Channel
}

// Impl is implemented by protocol-specific hooks that a Core-embedding
// channel provides. Names match the original C++ _init/_open/_close/etc
// hook split (spec §9's "trait/interface plus provided default
// implementations" note).
type Impl interface {
	ChannelProtocol() string
	ProcessPolicy() ProcessPolicy

	OnInit(url *URL, master Channel) error
	OnOpen(params *config.Config) error
	OnClose() error
	OnPost(msg *Msg, flags int) error
	OnProcess(timeoutMs int, flags int) error
}

// Core is the embeddable base every channel implementation uses, providing
// state machine, callback multicast, parent/child registration, dcaps, and
// the config subtree (spec §3 "Channel internals").
type Core struct {
	mu sync.Mutex

	name  string
	fd    int
	state State
	dcaps Dcaps

	impl Impl

	children []Channel
	parent   Channel

	callbacks Registry

	cfg     *config.Config
	infoCfg *config.Config

	Log *slog.Logger
}

// NewCore constructs a Core wrapping impl. name is used for logging and
// config-tree identification only.
func NewCore(impl Impl, name string, log *slog.Logger) *Core {
	if log == nil {
		log = slog.Default()
	}
	root := config.New()
	return &Core{
		name:    name,
		fd:      -1,
		state:   Closed,
		impl:    impl,
		cfg:     root,
		infoCfg: root.Sub("info", true),
		Log:     log.With("channel", name, "protocol", impl.ChannelProtocol()),
	}
}

func (c *Core) Name() string { return c.name }
func (c *Core) Fd() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fd
}

// SetFd updates the owned file descriptor, used by socket-backed
// implementations after accept/connect.
func (c *Core) SetFd(fd int) {
	c.mu.Lock()
	c.fd = fd
	c.mu.Unlock()
}

func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Core) Dcaps() Dcaps {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dcaps
}

// SetDcaps updates the advertised demand capabilities and emits a State
// notification so the hosting processor can refresh its poll set, per
// spec §3 "Changes emit a State-type notification".
func (c *Core) SetDcaps(d Dcaps) {
	c.mu.Lock()
	changed := c.dcaps != d
	c.dcaps = d
	c.mu.Unlock()
	if changed {
		c.emitState(c.State())
	}
}

func (c *Core) Config() *config.Config     { return c.cfg }
func (c *Core) ConfigInfo() *config.Config { return c.infoCfg }

func (c *Core) Children() []Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Channel, len(c.children))
	copy(out, c.children)
	return out
}

func (c *Core) CallbackAdd(cb Callback, user any, mask Mask) error {
	return c.callbacks.Add(cb, user, mask)
}

func (c *Core) CallbackDel(cb Callback, user any) {
	c.callbacks.Remove(cb, user)
}

// CallbackData dispatches a Data/Control/Channel-type message to every
// registered observer, in insertion order (spec §5 "Ordering guarantees").
func (c *Core) CallbackData(self Channel, msg *Msg) {
	c.callbacks.Dispatch(self, msg)
}

// transition validates and applies a state change, emitting a State
// message to observers on success. Illegal transitions are rejected
// (spec §3).
func (c *Core) transition(self Channel, to State) error {
	c.mu.Lock()
	from := c.state
	if !CanTransition(from, to) {
		c.mu.Unlock()
		return tllerrors.WrapInvalid(tllerrors.ErrBadTransition, c.name, "transition",
			from.String()+"->"+to.String())
	}
	c.state = to
	c.mu.Unlock()

	c.Log.Debug("state transition", "from", from.String(), "to", to.String())
	c.emitStateWith(self, to)
	return nil
}

func (c *Core) emitState(to State) { c.emitStateWith(nil, to) }

func (c *Core) emitStateWith(self Channel, to State) {
	msg := &Msg{Type: MsgState, MsgID: int32(to)}
	c.callbacks.Dispatch(self, msg)
}

// ChildAdd registers child as owned by self, observing its state
// transitions, and emits a Channel/ADD notification to self's own
// observers (spec §4.1).
func (c *Core) ChildAdd(self Channel, child Channel, name string) {
	c.mu.Lock()
	c.children = append(c.children, child)
	c.mu.Unlock()

	msg := &Msg{Type: MsgChannel, MsgID: ChildAdd, Data: []byte(name)}
	c.callbacks.Dispatch(self, msg)
}

// ChildDel removes child and emits a Channel/DEL notification.
func (c *Core) ChildDel(self Channel, child Channel, name string) {
	c.mu.Lock()
	out := c.children[:0:0]
	for _, ch := range c.children {
		if ch != child {
			out = append(out, ch)
		}
	}
	c.children = out
	c.mu.Unlock()

	msg := &Msg{Type: MsgChannel, MsgID: ChildDel, Data: []byte(name)}
	c.callbacks.Dispatch(self, msg)
}

// SetParent records the owning composite, used by leaf implementations
// that need to notify a parent directly (e.g. stream server clients).
func (c *Core) SetParent(p Channel) { c.parent = p }
func (c *Core) Parent() Channel     { return c.parent }

// Fail transitions the channel to Error and logs the cause, matching
// spec §7 "Fatal errors — transition the channel to Error".
func (c *Core) Fail(self Channel, err error, context string) error {
	c.Log.Error("channel failed", "error", err, "context", context)
	_ = c.transition(self, Error)
	return err
}

// --- Channel interface trampolines driving Impl hooks ---

func (c *Core) Init(self Channel, url *URL, master Channel) error {
	if err := c.impl.OnInit(url, master); err != nil {
		return tllerrors.WrapInvalid(err, c.name, "Init", "init hook")
	}
	return nil
}

func (c *Core) Open(self Channel, params *config.Config) error {
	c.mu.Lock()
	if c.state != Closed {
		c.mu.Unlock()
		return tllerrors.WrapInvalid(tllerrors.ErrAlreadyOpen, c.name, "Open", "state check")
	}
	c.mu.Unlock()

	if err := c.transition(self, Opening); err != nil {
		return err
	}
	if err := c.impl.OnOpen(params); err != nil {
		if errors.Is(err, tllerrors.ErrOpenPending) {
			return nil
		}
		_ = c.Fail(self, err, "OnOpen")
		return tllerrors.WrapFatal(err, c.name, "Open", "open hook")
	}
	if c.State() == Opening {
		return c.transition(self, Active)
	}
	return nil
}

func (c *Core) Close(self Channel, force bool) error {
	cur := c.State()
	if cur == Closed {
		return nil
	}
	if force {
		if cur == Active {
			_ = c.transition(self, Closing)
		}
		if err := c.impl.OnClose(); err != nil {
			c.Log.Warn("close hook failed during force close", "error", err)
		}
		return c.transition(self, Closed)
	}

	if cur != Closing {
		if err := c.transition(self, Closing); err != nil {
			return err
		}
	}
	for _, child := range c.Children() {
		if child.State() != Closed {
			_ = child.Close(false)
		}
	}
	if err := c.impl.OnClose(); err != nil {
		return tllerrors.WrapFatal(err, c.name, "Close", "close hook")
	}
	return c.transition(self, Closed)
}

// Activate finishes an Open that OnOpen left pending, for composite
// channels whose readiness depends on children reaching Active out of
// band (spec §4.5's stream server, which only becomes Active once its
// request, storage and child sub-channels all do). A no-op, returning
// ErrBadTransition, if the channel isn't currently Opening.
func (c *Core) Activate(self Channel) error {
	return c.transition(self, Active)
}

// Deactivate finishes a Close that OnClose left pending, the Closing
// counterpart of Activate.
func (c *Core) Deactivate(self Channel) error {
	return c.transition(self, Closed)
}

func (c *Core) Post(msg *Msg, flags int) error {
	return c.impl.OnPost(msg, flags)
}

func (c *Core) Process(timeoutMs int, flags int) error {
	return c.impl.OnProcess(timeoutMs, flags)
}
