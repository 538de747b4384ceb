package stream

import (
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/untoxa/tll/channel"
	"github.com/untoxa/tll/channel/file"
	"github.com/untoxa/tll/channel/tcp"
	"github.com/untoxa/tll/scheme"
)

func newTestContext() *channel.Context {
	ctx := channel.NewContext(nil)
	_ = ctx.RegisterBase("file", func(name string, u *channel.URL, master channel.Channel, log *slog.Logger) (channel.Channel, error) {
		return file.New(name, log), nil
	})
	_ = ctx.RegisterBase("tcp", func(name string, u *channel.URL, master channel.Channel, log *slog.Logger) (channel.Channel, error) {
		if u.GetDefault("mode", "server") == "client" {
			return tcp.NewClient(name, log), nil
		}
		return tcp.NewServer(name, log), nil
	})
	_ = Register(ctx)
	return ctx
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestStreamServerOpenAndReplay(t *testing.T) {
	dir := t.TempDir()
	storagePath := filepath.Join(dir, "storage.log")

	ctx := newTestContext()

	requestRaw := "tcp://127.0.0.1:0"
	storageRaw := "file://" + storagePath + "?mode=w"

	outer := fmt.Sprintf("stream+tcp://127.0.0.1:0?request=%s;storage=%s",
		url.QueryEscape(requestRaw), url.QueryEscape(storageRaw))

	ch, err := ctx.Channel("srv", outer, nil)
	require.NoError(t, err)
	srv, ok := ch.(*Server)
	require.True(t, ok)

	require.NoError(t, srv.Open(nil))
	defer srv.Close(false)

	require.Equal(t, channel.Active, srv.State())
	require.Equal(t, channel.Active, srv.request.State())
	require.Equal(t, channel.Active, srv.child.State())

	require.NoError(t, srv.Post(&channel.Msg{Type: channel.Data, Seq: 1, Data: []byte("hello")}, 0))
	require.NoError(t, srv.Post(&channel.Msg{Type: channel.Data, Seq: 2, Data: []byte("world")}, 0))

	err = srv.Post(&channel.Msg{Type: channel.Data, Seq: 1, Data: []byte("regress")}, 0)
	require.Error(t, err)

	port, ok := srv.request.Config().Get("info.port")
	require.True(t, ok)

	cli := tcp.NewClient("cli", nil)
	cu, err := channel.ParseURL("tcp://127.0.0.1:" + port)
	require.NoError(t, err)
	require.NoError(t, cli.Init(cu, nil))
	require.NoError(t, cli.Open(nil))
	defer cli.Close(false)

	var replies [][]byte
	var datas [][]byte
	require.NoError(t, cli.CallbackAdd(func(self channel.Channel, msg *channel.Msg) int {
		if msg.Type != channel.Data {
			return 0
		}
		switch msg.MsgID {
		case scheme.StreamReply:
			replies = append(replies, append([]byte(nil), msg.Data...))
		default:
			datas = append(datas, append([]byte(nil), msg.Data...))
		}
		return 0
	}, nil, channel.MaskData))

	req := scheme.MarshalRequest(scheme.Request{Client: "test", Seq: 0})
	require.NoError(t, cli.Post(&channel.Msg{Type: channel.Data, MsgID: scheme.StreamRequest, Data: req}, 0))

	waitFor(t, time.Second, func() bool { return len(replies) == 1 })
	reply, err := scheme.UnmarshalReply(replies[0])
	require.NoError(t, err)
	require.Equal(t, int64(2), reply.LastSeq)
	require.Equal(t, int64(0), reply.RequestedSeq)

	waitFor(t, time.Second, func() bool { return len(datas) == 2 })
	require.Equal(t, "hello", string(datas[0]))
	require.Equal(t, "world", string(datas[1]))
}

// singleClient waits for exactly one client session to be registered and
// returns it, for tests that drive the session directly after connecting.
func singleClient(t *testing.T, srv *Server) *client {
	t.Helper()
	var cl *client
	waitFor(t, time.Second, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		for _, c := range srv.clients {
			cl = c
			return true
		}
		return false
	})
	return cl
}

// TestStreamRequestBlockResolution covers spec §8 scenario 3: a client
// requesting a symbolic block must get back a Reply.RequestedSeq that
// actually corresponds to that block's first data frame, and the replay
// that follows must start there - the regression this guards is
// channel/file's seekToBlock leaving info.seq stale so every block always
// resolved to seq 1.
func TestStreamRequestBlockResolution(t *testing.T) {
	dir := t.TempDir()
	storagePath := filepath.Join(dir, "storage.log")
	blocksPath := filepath.Join(dir, "blocks.log")

	ctx := newTestContext()

	requestRaw := "tcp://127.0.0.1:0"
	storageRaw := "file://" + storagePath + "?mode=w"
	// a tiny block size packs one data frame per block, so block N's
	// first (and only) frame carries seq N.
	blocksRaw := "file://" + blocksPath + "?mode=w;block=64"

	outer := fmt.Sprintf("stream+tcp://127.0.0.1:0?request=%s;storage=%s;blocks=%s",
		url.QueryEscape(requestRaw), url.QueryEscape(storageRaw), url.QueryEscape(blocksRaw))

	ch, err := ctx.Channel("srvblk", outer, nil)
	require.NoError(t, err)
	srv, ok := ch.(*Server)
	require.True(t, ok)

	require.NoError(t, srv.Open(nil))
	defer srv.Close(false)

	for seq := int64(1); seq <= 4; seq++ {
		require.NoError(t, srv.Post(&channel.Msg{Type: channel.Data, Seq: seq, Data: []byte("0123456789")}, 0))
	}

	port, ok := srv.request.Config().Get("info.port")
	require.True(t, ok)

	cli := tcp.NewClient("cliblk", nil)
	cu, err := channel.ParseURL("tcp://127.0.0.1:" + port)
	require.NoError(t, err)
	require.NoError(t, cli.Init(cu, nil))
	require.NoError(t, cli.Open(nil))
	defer cli.Close(false)

	var replies [][]byte
	var datas []int64
	require.NoError(t, cli.CallbackAdd(func(self channel.Channel, msg *channel.Msg) int {
		if msg.Type != channel.Data {
			return 0
		}
		switch msg.MsgID {
		case scheme.StreamReply:
			replies = append(replies, append([]byte(nil), msg.Data...))
		default:
			datas = append(datas, msg.Seq)
		}
		return 0
	}, nil, channel.MaskData))

	req := scheme.MarshalRequest(scheme.Request{Client: "blktest", Block: "2"})
	require.NoError(t, cli.Post(&channel.Msg{Type: channel.Data, MsgID: scheme.StreamRequest, Data: req}, 0))

	waitFor(t, time.Second, func() bool { return len(replies) == 1 })
	reply, err := scheme.UnmarshalReply(replies[0])
	require.NoError(t, err)
	require.Equal(t, int64(2), reply.RequestedSeq)

	waitFor(t, time.Second, func() bool { return len(datas) > 0 })
	require.Equal(t, int64(2), datas[0], "replay must start at the block's actual first seq, not always 1")

	// the scratch blocks reader opened to resolve the block hands off to
	// the real storage reader once it reaches its own end of data.
	cl := singleClient(t, srv)
	waitFor(t, 2*time.Second, func() bool {
		cl.mu.Lock()
		defer cl.mu.Unlock()
		return cl.storageNext == nil
	})
}

// TestStreamClientBackpressure covers the WriteFull/WriteReady control
// messages the request channel forwards for backpressure (spec §4.5):
// StreamWriteFull must pause the client's replay driver and
// StreamWriteReady must resume it.
func TestStreamClientBackpressure(t *testing.T) {
	dir := t.TempDir()
	storagePath := filepath.Join(dir, "storage.log")

	ctx := newTestContext()
	requestRaw := "tcp://127.0.0.1:0"
	storageRaw := "file://" + storagePath + "?mode=w"
	outer := fmt.Sprintf("stream+tcp://127.0.0.1:0?request=%s;storage=%s",
		url.QueryEscape(requestRaw), url.QueryEscape(storageRaw))

	ch, err := ctx.Channel("srvbp", outer, nil)
	require.NoError(t, err)
	srv, ok := ch.(*Server)
	require.True(t, ok)
	require.NoError(t, srv.Open(nil))
	defer srv.Close(false)

	require.NoError(t, srv.Post(&channel.Msg{Type: channel.Data, Seq: 1, Data: []byte("a")}, 0))

	port, ok := srv.request.Config().Get("info.port")
	require.True(t, ok)
	cli := tcp.NewClient("clibp", nil)
	cu, err := channel.ParseURL("tcp://127.0.0.1:" + port)
	require.NoError(t, err)
	require.NoError(t, cli.Init(cu, nil))
	require.NoError(t, cli.Open(nil))
	defer cli.Close(false)

	req := scheme.MarshalRequest(scheme.Request{Client: "bp", Seq: 0})
	require.NoError(t, cli.Post(&channel.Msg{Type: channel.Data, MsgID: scheme.StreamRequest, Data: req}, 0))

	cl := singleClient(t, srv)
	require.False(t, cl.isPaused())

	srv.onRequestControl(&channel.Msg{Type: channel.Control, MsgID: scheme.StreamWriteFull, Addr: cl.addr})
	require.True(t, cl.isPaused())

	srv.onRequestControl(&channel.Msg{Type: channel.Control, MsgID: scheme.StreamWriteReady, Addr: cl.addr})
	require.False(t, cl.isPaused())
}

// TestStreamClientDisconnect covers the TCPDisconnect control message:
// the session must be torn down and removed from the server's client
// table.
func TestStreamClientDisconnect(t *testing.T) {
	dir := t.TempDir()
	storagePath := filepath.Join(dir, "storage.log")

	ctx := newTestContext()
	requestRaw := "tcp://127.0.0.1:0"
	storageRaw := "file://" + storagePath + "?mode=w"
	outer := fmt.Sprintf("stream+tcp://127.0.0.1:0?request=%s;storage=%s",
		url.QueryEscape(requestRaw), url.QueryEscape(storageRaw))

	ch, err := ctx.Channel("srvdc", outer, nil)
	require.NoError(t, err)
	srv, ok := ch.(*Server)
	require.True(t, ok)
	require.NoError(t, srv.Open(nil))
	defer srv.Close(false)

	require.NoError(t, srv.Post(&channel.Msg{Type: channel.Data, Seq: 1, Data: []byte("a")}, 0))

	port, ok := srv.request.Config().Get("info.port")
	require.True(t, ok)
	cli := tcp.NewClient("clidc", nil)
	cu, err := channel.ParseURL("tcp://127.0.0.1:" + port)
	require.NoError(t, err)
	require.NoError(t, cli.Init(cu, nil))
	require.NoError(t, cli.Open(nil))
	defer cli.Close(false)

	req := scheme.MarshalRequest(scheme.Request{Client: "dc", Seq: 0})
	require.NoError(t, cli.Post(&channel.Msg{Type: channel.Data, MsgID: scheme.StreamRequest, Data: req}, 0))

	cl := singleClient(t, srv)
	srv.onRequestControl(&channel.Msg{Type: channel.Control, MsgID: scheme.TCPDisconnect, Addr: cl.addr})

	require.True(t, cl.isStopped())
	srv.mu.Lock()
	_, exists := srv.clients[cl.addr]
	srv.mu.Unlock()
	require.False(t, exists, "disconnected client must be removed from the client table")
}

func TestStreamServerRejectsMissingRequestURL(t *testing.T) {
	dir := t.TempDir()
	storageRaw := "file://" + filepath.Join(dir, "storage.log") + "?mode=w"

	ctx := newTestContext()
	outer := fmt.Sprintf("stream+tcp://127.0.0.1:0?storage=%s", url.QueryEscape(storageRaw))

	_, err := ctx.Channel("srv2", outer, nil)
	require.Error(t, err)
}
