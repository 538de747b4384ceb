package prefix

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/untoxa/tll/channel"
	tllerrors "github.com/untoxa/tll/errors"
)

// Tag names one of a Tagged dispatcher's inner channels. Spec §4.6 calls
// these "compile-time" tags; this module has no macro/template layer to
// fix them at build time the way the original's trait-based Tagged<Tags...>
// does, so they are ordinary named string constants instead, fixed by
// whoever wires up a Tagged at startup rather than by the type system.
type Tag string

// The three tags spec §4.6 names as its example control-plane roles.
const (
	TagInput     Tag = "input"
	TagProcessor Tag = "processor"
	TagUplink    Tag = "uplink"
)

// TaggedCallback receives a Data or Control message from one of a
// Tagged's inner channels along with the tag it arrived on.
type TaggedCallback func(tag Tag, self channel.Channel, msg *channel.Msg)

// Tagged fans a set of named inner channels in and out under one
// dispatcher, grounded on spec §4.6's "accepts multiple inner channels
// each annotated by a compile-time tag ... supplies the fan-out used by
// the control plane" and on channel/stream.Server's own multi-child
// bookkeeping (request/storage/blocks), generalized from three
// hand-named fields to an arbitrary Tag-keyed set.
type Tagged struct {
	log *slog.Logger

	mu       sync.Mutex
	children map[Tag]channel.Channel
	cbs      []TaggedCallback
}

// NewTagged constructs an empty dispatcher.
func NewTagged(log *slog.Logger) *Tagged {
	if log == nil {
		log = slog.Default()
	}
	return &Tagged{log: log, children: map[Tag]channel.Channel{}}
}

// Add registers ch under tag, wiring its callbacks to flow through
// OnCallback subscribers. Duplicate tags are rejected, mirroring
// Context.RegisterBase's duplicate-protocol check.
func (t *Tagged) Add(tag Tag, ch channel.Channel) error {
	t.mu.Lock()
	if _, exists := t.children[tag]; exists {
		t.mu.Unlock()
		return tllerrors.WrapInvalid(fmt.Errorf("tag %q already registered", tag), "Tagged", "Add", "duplicate check")
	}
	t.children[tag] = ch
	t.mu.Unlock()

	return ch.CallbackAdd(func(self channel.Channel, msg *channel.Msg) int {
		t.dispatch(tag, self, msg)
		return 0
	}, t, channel.MaskAll)
}

// Get returns the channel registered under tag, if any.
func (t *Tagged) Get(tag Tag) (channel.Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.children[tag]
	return ch, ok
}

// Tags returns every tag currently registered.
func (t *Tagged) Tags() []Tag {
	t.mu.Lock()
	defer t.mu.Unlock()
	tags := make([]Tag, 0, len(t.children))
	for tag := range t.children {
		tags = append(tags, tag)
	}
	return tags
}

// OnCallback subscribes cb to every message crossing any tagged child,
// annotated with the tag it came from — the actual "dispatch per tag"
// spec §4.6 describes.
func (t *Tagged) OnCallback(cb TaggedCallback) {
	t.mu.Lock()
	t.cbs = append(t.cbs, cb)
	t.mu.Unlock()
}

func (t *Tagged) dispatch(tag Tag, self channel.Channel, msg *channel.Msg) {
	t.mu.Lock()
	cbs := make([]TaggedCallback, len(t.cbs))
	copy(cbs, t.cbs)
	t.mu.Unlock()
	for _, cb := range cbs {
		cb(tag, self, msg)
	}
}

// Post forwards msg to the child registered under tag.
func (t *Tagged) Post(tag Tag, msg *channel.Msg, flags int) error {
	ch, ok := t.Get(tag)
	if !ok {
		return tllerrors.WrapInvalid(tllerrors.ErrUnexpectedMessage, "Tagged", "Post", "unknown tag "+string(tag))
	}
	return ch.Post(msg, flags)
}

// CloseAll closes every tagged child, collecting (not stopping on) the
// first error so one stuck child cannot wedge the others' shutdown.
func (t *Tagged) CloseAll(force bool) error {
	t.mu.Lock()
	children := make(map[Tag]channel.Channel, len(t.children))
	for tag, ch := range t.children {
		children[tag] = ch
	}
	t.mu.Unlock()

	var first error
	for tag, ch := range children {
		if ch.State() == channel.Closed {
			continue
		}
		if err := ch.Close(force); err != nil && first == nil {
			first = tllerrors.Wrap(err, "Tagged", "CloseAll", "close "+string(tag))
		}
	}
	return first
}
