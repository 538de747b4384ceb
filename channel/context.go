package channel

import (
	"fmt"
	"log/slog"
	"sync"

	tllerrors "github.com/untoxa/tll/errors"
)

// Factory builds one channel instance from its URL. name is the instance
// name used for logging and config-tree identification; master, if
// non-nil, is a sibling channel sharing resources (spec §4.1 "init(url,
// master?)").
type Factory func(name string, url *URL, master Channel, log *slog.Logger) (Channel, error)

// PrefixFactory wraps an already-constructed inner channel with a prefix
// (spec §4.6's "busywait+tcp://" chaining).
type PrefixFactory func(name string, url *URL, inner Channel, log *slog.Logger) (Channel, error)

// Context is the protocol → factory registry used to instantiate
// channels from URLs, the Go analogue of the original's compile-time
// TLL_DEFINE_IMPL module registration (spec §9), modeled directly on the
// teacher's component.Registry.
type Context struct {
	mu       sync.RWMutex
	bases    map[string]Factory
	prefixes map[string]PrefixFactory
	log      *slog.Logger
}

// NewContext creates an empty protocol registry.
func NewContext(log *slog.Logger) *Context {
	if log == nil {
		log = slog.Default()
	}
	return &Context{
		bases:    make(map[string]Factory),
		prefixes: make(map[string]PrefixFactory),
		log:      log,
	}
}

// RegisterBase registers a base (non-prefix) channel protocol, e.g. "tcp",
// "file", "stream".
func (ctx *Context) RegisterBase(protocol string, f Factory) error {
	if protocol == "" || f == nil {
		return tllerrors.WrapInvalid(tllerrors.ErrInvalidURL, "Context", "RegisterBase", "validate arguments")
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if _, exists := ctx.bases[protocol]; exists {
		return tllerrors.WrapInvalid(fmt.Errorf("protocol %q already registered", protocol), "Context", "RegisterBase", "duplicate check")
	}
	ctx.bases[protocol] = f
	return nil
}

// RegisterPrefix registers a wrapping channel protocol, e.g. "busywait".
func (ctx *Context) RegisterPrefix(protocol string, f PrefixFactory) error {
	if protocol == "" || f == nil {
		return tllerrors.WrapInvalid(tllerrors.ErrInvalidURL, "Context", "RegisterPrefix", "validate arguments")
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if _, exists := ctx.prefixes[protocol]; exists {
		return tllerrors.WrapInvalid(fmt.Errorf("prefix %q already registered", protocol), "Context", "RegisterPrefix", "duplicate check")
	}
	ctx.prefixes[protocol] = f
	return nil
}

// Channel constructs a channel from a raw URL string, chaining any
// "+"-prefixed protocols outside-in around the base channel (spec §4.6).
func (ctx *Context) Channel(name, rawURL string, master Channel) (Channel, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, tllerrors.WrapInvalid(err, "Context", "Channel", "parse url")
	}
	return ctx.ChannelFromURL(name, u, master)
}

// ChannelFromURL is Channel, taking an already-parsed URL.
func (ctx *Context) ChannelFromURL(name string, u *URL, master Channel) (Channel, error) {
	base := u.BaseProtocol()

	ctx.mu.RLock()
	baseFactory, ok := ctx.bases[base]
	ctx.mu.RUnlock()
	if !ok {
		return nil, tllerrors.WrapInvalid(fmt.Errorf("unknown channel protocol %q", base), "Context", "Channel", "factory lookup")
	}

	inner, err := baseFactory(name, u, master, ctx.log)
	if err != nil {
		return nil, tllerrors.Wrap(err, "Context", "Channel", "base factory")
	}

	for i := len(u.Protocols) - 2; i >= 0; i-- {
		proto := u.Protocols[i]
		ctx.mu.RLock()
		prefixFactory, ok := ctx.prefixes[proto]
		ctx.mu.RUnlock()
		if !ok {
			return nil, tllerrors.WrapInvalid(fmt.Errorf("unknown prefix protocol %q", proto), "Context", "Channel", "prefix lookup")
		}
		inner, err = prefixFactory(name, u, inner, ctx.log)
		if err != nil {
			return nil, tllerrors.Wrap(err, "Context", "Channel", "prefix factory")
		}
	}

	if err := inner.Init(u, master); err != nil {
		return nil, tllerrors.Wrap(err, "Context", "Channel", "init")
	}
	return inner, nil
}
