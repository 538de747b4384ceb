package tcp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/untoxa/tll/channel"
	"github.com/untoxa/tll/scheme"
)

func boundPort(t *testing.T, s *Server) string {
	t.Helper()
	p, ok := s.ConfigInfo().Get("port")
	require.True(t, ok)
	return p
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

func TestTCPClientServerRoundTrip(t *testing.T) {
	srv := NewServer("srv", nil)
	u, err := channel.ParseURL("tcp://127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.Init(u, nil))
	require.NoError(t, srv.Open(nil))
	defer srv.Close(false)

	var connectAddr channel.Addr
	var connected bool
	require.NoError(t, srv.CallbackAdd(func(self channel.Channel, msg *channel.Msg) int {
		if msg.Type == channel.Control && msg.MsgID == scheme.TCPConnect {
			connectAddr = msg.Addr
			connected = true
		}
		return 0
	}, nil, channel.MaskControl))

	var fromClient [][]byte
	require.NoError(t, srv.CallbackAdd(func(self channel.Channel, msg *channel.Msg) int {
		if msg.Type == channel.Data {
			fromClient = append(fromClient, append([]byte(nil), msg.Data...))
		}
		return 0
	}, nil, channel.MaskData))

	port := ""
	waitFor(t, time.Second, func() bool {
		p, ok := srv.ConfigInfo().Get("port")
		port = p
		return ok && p != ""
	})

	cli := NewClient("cli", nil)
	cu, err := channel.ParseURL("tcp://127.0.0.1:" + port)
	require.NoError(t, err)
	require.NoError(t, cli.Init(cu, nil))
	require.NoError(t, cli.Open(nil))
	defer cli.Close(false)

	var fromServer [][]byte
	require.NoError(t, cli.CallbackAdd(func(self channel.Channel, msg *channel.Msg) int {
		if msg.Type == channel.Data {
			fromServer = append(fromServer, append([]byte(nil), msg.Data...))
		}
		return 0
	}, nil, channel.MaskData))

	require.NoError(t, cli.Post(&channel.Msg{Type: channel.Data, Data: []byte("hello")}, 0))

	waitFor(t, time.Second, func() bool { return connected })
	waitFor(t, time.Second, func() bool { return len(fromClient) == 1 })
	require.Equal(t, "hello", string(fromClient[0]))

	require.NoError(t, srv.Post(&channel.Msg{Type: channel.Data, Addr: connectAddr, Data: []byte("world")}, 0))
	waitFor(t, time.Second, func() bool { return len(fromServer) == 1 })
	require.Equal(t, "world", string(fromServer[0]))
}

func TestTCPServerPostUnknownAddrErrors(t *testing.T) {
	srv := NewServer("srv2", nil)
	u, err := channel.ParseURL("tcp://127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.Init(u, nil))
	require.NoError(t, srv.Open(nil))
	defer srv.Close(false)

	err = srv.Post(&channel.Msg{Type: channel.Data, Addr: channel.Addr(999), Data: []byte("x")}, 0)
	require.Error(t, err)
}

func TestTCPClientDisconnectOnServerClose(t *testing.T) {
	srv := NewServer("srv3", nil)
	u, err := channel.ParseURL("tcp://127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.Init(u, nil))
	require.NoError(t, srv.Open(nil))

	var addr channel.Addr
	var gotConnect bool
	require.NoError(t, srv.CallbackAdd(func(self channel.Channel, msg *channel.Msg) int {
		if msg.Type == channel.Control && msg.MsgID == scheme.TCPConnect {
			addr = msg.Addr
			gotConnect = true
		}
		return 0
	}, nil, channel.MaskControl))

	var gotDisconnect bool
	require.NoError(t, srv.CallbackAdd(func(self channel.Channel, msg *channel.Msg) int {
		if msg.Type == channel.Control && msg.MsgID == scheme.TCPDisconnect && msg.Addr == addr {
			gotDisconnect = true
		}
		return 0
	}, nil, channel.MaskControl))

	port := ""
	waitFor(t, time.Second, func() bool {
		p, ok := srv.ConfigInfo().Get("port")
		port = p
		return ok && p != ""
	})

	cli := NewClient("cli3", nil)
	cu, err := channel.ParseURL("tcp://127.0.0.1:" + port)
	require.NoError(t, err)
	require.NoError(t, cli.Init(cu, nil))
	require.NoError(t, cli.Open(nil))

	waitFor(t, time.Second, func() bool { return gotConnect })

	require.NoError(t, cli.Close(false))
	waitFor(t, time.Second, func() bool { return gotDisconnect })

	require.NoError(t, srv.Close(false))
}

// TestTCPServerAcceptDuringClose covers spec §8 scenario 6: a connection
// that reaches acceptLoop's Accept after the server has entered Closing
// (but before OnClose has torn down the listener) must be dropped with
// no child channel and no Connect callback, rather than fully registered.
func TestTCPServerAcceptDuringClose(t *testing.T) {
	srv := NewServer("srv4", nil)
	u, err := channel.ParseURL("tcp://127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.Init(u, nil))

	gate := make(chan struct{})
	srv.acceptGate = gate
	require.NoError(t, srv.Open(nil))

	var gotConnect bool
	require.NoError(t, srv.CallbackAdd(func(self channel.Channel, msg *channel.Msg) int {
		if msg.Type == channel.Control && msg.MsgID == scheme.TCPConnect {
			gotConnect = true
		}
		return 0
	}, nil, channel.MaskControl))

	port := boundPort(t, srv)
	conn, err := net.Dial("tcp", "127.0.0.1:"+port)
	require.NoError(t, err)
	defer conn.Close()

	// acceptLoop is now blocked on the gate holding this connection's fd,
	// having Accept()-ed it before the server started closing.
	closeDone := make(chan struct{})
	go func() {
		_ = srv.Close(false)
		close(closeDone)
	}()
	waitFor(t, time.Second, func() bool { return srv.State() == channel.Closing })

	close(gate)
	<-closeDone

	require.False(t, gotConnect, "no Connect callback for a connection accepted after Closing began")
	require.Empty(t, srv.Children(), "no child channel registered for that connection")

	buf := make([]byte, 1)
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	n, rerr := conn.Read(buf)
	require.Zero(t, n)
	require.Error(t, rerr, "the accepted fd must be closed, not left open")
}
