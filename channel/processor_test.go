package channel

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/untoxa/tll/config"
	"github.com/untoxa/tll/metric"
)

// countingChannel is a minimal Custom-policy Impl used only to exercise
// Processor's drive loop without pulling in a real protocol package.
type countingChannel struct {
	*Core
	calls int
}

func newCountingChannel(name string) *countingChannel {
	c := &countingChannel{}
	c.Core = NewCore(c, name, slog.Default())
	c.SetDcaps(DcapProcess)
	return c
}

func (c *countingChannel) ChannelProtocol() string      { return "counting" }
func (c *countingChannel) ProcessPolicy() ProcessPolicy { return Custom }

func (c *countingChannel) Init(u *URL, master Channel) error { return c.Core.Init(c, u, master) }
func (c *countingChannel) Open(params *config.Config) error  { return c.Core.Open(c, params) }
func (c *countingChannel) Close(force bool) error            { return c.Core.Close(c, force) }
func (c *countingChannel) Post(msg *Msg, flags int) error     { return c.Core.Post(msg, flags) }
func (c *countingChannel) Process(timeoutMs int, flags int) error {
	return c.Core.Process(timeoutMs, flags)
}

func (c *countingChannel) OnInit(u *URL, master Channel) error { return nil }
func (c *countingChannel) OnOpen(params *config.Config) error  { return nil }
func (c *countingChannel) OnClose() error                       { return nil }
func (c *countingChannel) OnPost(msg *Msg, flags int) error     { return nil }
func (c *countingChannel) OnProcess(timeoutMs int, flags int) error {
	c.calls++
	if c.calls >= 3 {
		c.SetDcaps(0)
	}
	return nil
}

func TestProcessorDrivesCustomPolicyChannel(t *testing.T) {
	c := newCountingChannel("counter")
	require.NoError(t, c.Open(nil))

	p := NewProcessor(time.Millisecond, slog.Default(), nil)
	p.Add(c, Custom)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	require.GreaterOrEqual(t, c.calls, 3)
}

func TestProcessorRecordsMetrics(t *testing.T) {
	m := metric.NewMetrics()
	p := NewProcessor(time.Millisecond, slog.Default(), m)

	c := newCountingChannel("counter2")
	require.NoError(t, c.Open(nil))

	p.Add(c, Custom)
	require.Equal(t, float64(Active), testutil.ToFloat64(m.ChannelState.WithLabelValues("counter2", "counting")))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	require.Equal(t, 1, testutil.CollectAndCount(m.ProcessDuration))

	p.Remove(c)
	require.Equal(t, float64(Destroy), testutil.ToFloat64(m.ChannelState.WithLabelValues("counter2", "counting")))
}
