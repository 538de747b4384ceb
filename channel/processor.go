package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	tllerrors "github.com/untoxa/tll/errors"
	"github.com/untoxa/tll/metric"
)

// protocolled is satisfied by every concrete channel (each embeds *Core
// and implements Impl, which requires ChannelProtocol), even though the
// narrower Channel interface itself doesn't expose it. Used only to
// label metrics; a channel that doesn't implement it falls back to
// "unknown" rather than failing registration.
type protocolled interface {
	ChannelProtocol() string
}

func protocolOf(c Channel) string {
	if p, ok := c.(protocolled); ok {
		return p.ChannelProtocol()
	}
	return "unknown"
}

// Processor is a minimal reference driver: spec §4.1/§6 name "the
// external driver that polls fds and calls process on channels" as an
// out-of-scope collaborator, but a small implementation is included here
// so the rest of the module is runnable end-to-end (spec §9's own habit
// of shipping a driver alongside the primitives it drives).
//
// Each registered channel is driven by its own goroutine: Never-policy
// channels are never polled directly (they rely on fd readiness reported
// by their own internal goroutines, e.g. net.Conn reads); Always and
// Custom channels are polled on a fixed tick, with Custom channels only
// actually invoking Process when Dcaps reports Process or Pending.
type Processor struct {
	mu       sync.Mutex
	channels map[Channel]ProcessPolicy
	tick     time.Duration
	log      *slog.Logger
	metrics  *metric.Metrics
}

// NewProcessor creates a Processor that polls Custom/Always channels
// every tick (default 10ms if zero). metrics may be nil, in which case
// no Prometheus metrics are recorded.
func NewProcessor(tick time.Duration, log *slog.Logger, metrics *metric.Metrics) *Processor {
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		channels: make(map[Channel]ProcessPolicy),
		tick:     tick,
		log:      log,
		metrics:  metrics,
	}
}

// Add registers c to be driven according to policy, the Go analogue of
// the original driver's "_child_add" registration point: this is where a
// newly-attached channel's lifecycle starts being observed, so it's also
// where its state gauge is registered.
func (p *Processor) Add(c Channel, policy ProcessPolicy) {
	p.mu.Lock()
	p.channels[c] = policy
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.RecordChannelState(c.Name(), protocolOf(c), int(c.State()))
	}
}

// Remove stops driving c.
func (p *Processor) Remove(c Channel) {
	p.mu.Lock()
	delete(p.channels, c)
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.RecordChannelState(c.Name(), protocolOf(c), int(Destroy))
	}
}

// Run drives every registered channel until ctx is cancelled. Each
// channel gets its own goroutine coordinated through an errgroup so a
// panic-free Process error on one channel does not stop the others; Run
// itself returns the first non-nil error only after ctx is cancelled and
// every goroutine has exited.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	p.mu.Lock()
	snapshot := make(map[Channel]ProcessPolicy, len(p.channels))
	for c, policy := range p.channels {
		snapshot[c] = policy
	}
	p.mu.Unlock()

	for c, policy := range snapshot {
		if policy == Never {
			continue
		}
		c, policy := c, policy
		g.Go(func() error {
			return p.drive(ctx, c, policy)
		})
	}
	return g.Wait()
}

func (p *Processor) drive(ctx context.Context, c Channel, policy ProcessPolicy) error {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if policy == Custom {
				d := c.Dcaps()
				if !d.Has(DcapProcess) && !d.Has(DcapPending) {
					continue
				}
			}
			start := time.Now()
			err := c.Process(0, 0)
			if p.metrics != nil {
				proto := protocolOf(c)
				p.metrics.RecordProcessDuration(c.Name(), proto, time.Since(start))
				if err != nil && !errors.Is(err, tllerrors.ErrAgain) {
					p.metrics.RecordError(c.Name(), proto)
				}
			}
			if err != nil && !errors.Is(err, tllerrors.ErrAgain) {
				p.log.Debug("process returned error", "channel", c.Name(), "error", err)
			}
		}
	}
}
