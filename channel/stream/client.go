package stream

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/untoxa/tll/channel"
	"github.com/untoxa/tll/config"
	"github.com/untoxa/tll/scheme"
)

// clientState mirrors StreamServer::Client::State.
type clientState int

const (
	clientOpening clientState = iota
	clientActive
	clientError
	clientClosed
)

// client is a per-connection replay session, grounded on the original's
// StreamServer::Client. One is created the first time a new addr sends a
// Request on the request channel.
type client struct {
	parent *Server
	addr   channel.Addr
	name   string
	seq    int64

	mu          sync.Mutex
	state       clientState
	suspended   bool
	stopped     bool
	storage     channel.Channel
	storageNext channel.Channel
}

func newClient(parent *Server, addr channel.Addr) *client {
	return &client{parent: parent, addr: addr}
}

// currentReader returns whichever channel is presently driving replay
// (the real storage reader, or a blocks scratch reader standing in for
// it during a block->seq handoff), for the caller's ChildAdd bookkeeping.
func (cl *client) currentReader() channel.Channel {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.storage
}

// init validates the Request, resolves an optional block name to a seq,
// opens the per-client storage reader, and posts the Reply. Grounded on
// StreamServer::Client::init.
//
// Request.Block is documented (spec §4.5) as a symbolic name translated
// to a seq by the blocks channel. This module's file channel only
// supports positional block indices (see channel/file's "block" param),
// so Block is interpreted here as a literal decimal block index into the
// blocks log rather than a name looked up in an index structure; see
// DESIGN.md.
func (cl *client) init(msg *channel.Msg) error {
	cl.mu.Lock()
	cl.state = clientOpening
	cl.mu.Unlock()

	if msg.MsgID != scheme.StreamRequest {
		return fmt.Errorf("invalid message id: %d", msg.MsgID)
	}
	req, err := scheme.UnmarshalRequest(msg.Data)
	if err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	cl.name = req.Client
	seq := req.Seq
	cl.parent.Log.Info("request from client", "client", cl.name, "addr", cl.addr, "seq", seq, "block", req.Block)

	if seq < 0 {
		return fmt.Errorf("negative seq: %d", seq)
	}

	var storageNext channel.Channel
	if req.Block != "" {
		if cl.parent.blocks == nil {
			return fmt.Errorf("requested block, but no block storage configured")
		}
		blockN, err := strconv.ParseInt(req.Block, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid block %q: %w", req.Block, err)
		}
		blocksReader, err := cl.parent.ctx.ChannelFromURL(
			fmt.Sprintf("%s.blocks.%d", cl.parent.Name(), cl.addr), cl.parent.blocksURL, cl.parent.blocks)
		if err != nil {
			return fmt.Errorf("failed to create blocks channel: %w", err)
		}

		openCfg := config.New()
		_ = openCfg.Set("block", strconv.FormatInt(blockN, 10))
		if err := blocksReader.Open(openCfg); err != nil {
			return fmt.Errorf("failed to open blocks channel: %w", err)
		}

		bseq, err := readInfoSeq(blocksReader)
		if err != nil {
			return fmt.Errorf("failed to get block end seq: %w", err)
		}
		seq = bseq + 1

		if blocksReader.State() != channel.Closed {
			storageNext = blocksReader
		} else {
			_ = blocksReader.Close(false)
		}
		cl.parent.Log.Info("translated block to seq", "block", req.Block, "seq", seq)
	}

	storage, err := cl.parent.ctx.ChannelFromURL(
		fmt.Sprintf("%s.storage.%d", cl.parent.Name(), cl.addr), cl.parent.storageURL, cl.parent.storage)
	if err != nil {
		return fmt.Errorf("failed to create storage channel: %w", err)
	}
	_ = storage.CallbackAdd(cl.onStorage, cl, channel.MaskAll)

	openCfg := config.New()
	_ = openCfg.Set("seq", strconv.FormatInt(seq, 10))
	if err := storage.Open(openCfg); err != nil {
		return fmt.Errorf("failed to open storage from seq %d: %w", seq, err)
	}

	var primary channel.Channel
	cl.mu.Lock()
	if storageNext != nil {
		_ = storageNext.CallbackAdd(cl.onStorage, cl, channel.MaskAll)
		cl.storage, cl.storageNext = storageNext, storage
	} else {
		cl.storage = storage
	}
	cl.seq = seq
	primary = cl.storage
	cl.mu.Unlock()

	reply := scheme.MarshalReply(scheme.Reply{LastSeq: cl.parent.currentSeq(), RequestedSeq: seq})
	if err := cl.parent.request.Post(&channel.Msg{Type: channel.Data, MsgID: scheme.StreamReply, Addr: cl.addr, Data: reply}, 0); err != nil {
		return fmt.Errorf("failed to post reply: %w", err)
	}

	cl.mu.Lock()
	cl.state = clientActive
	cl.mu.Unlock()

	go driveClient(cl, primary)
	return nil
}

// reset tears the session down: grounded on Client::reset.
func (cl *client) reset() {
	cl.mu.Lock()
	cl.state = clientClosed
	cl.stopped = true
	storage, storageNext := cl.storage, cl.storageNext
	cl.storage, cl.storageNext = nil, nil
	cl.mu.Unlock()

	if storage != nil {
		_ = storage.Close(false)
	}
	if storageNext != nil {
		_ = storageNext.Close(false)
	}
}

func (cl *client) suspend() {
	cl.mu.Lock()
	cl.suspended = true
	cl.mu.Unlock()
}

func (cl *client) resume() {
	cl.mu.Lock()
	cl.suspended = false
	cl.mu.Unlock()
}

// onStorage forwards Data from the per-client reader to the request
// channel, addressed to this client, and reacts to the reader's own
// state changes. Grounded on Client::on_storage/on_storage_state.
func (cl *client) onStorage(self channel.Channel, msg *channel.Msg) int {
	switch msg.Type {
	case channel.Data:
		out := &channel.Msg{Type: channel.Data, MsgID: msg.MsgID, Seq: msg.Seq, Addr: cl.addr, Flags: msg.Flags, Data: msg.Data}
		if err := cl.parent.request.Post(out, 0); err != nil {
			cl.parent.Log.Error("failed to post data for client", "client", cl.name, "seq", msg.Seq, "error", err)
			cl.mu.Lock()
			cl.state = clientError
			cl.mu.Unlock()
			_ = self.Close(false)
		}
	case channel.MsgState:
		cl.onStorageState(channel.State(msg.MsgID))
	}
	return 0
}

func (cl *client) onStorageState(st channel.State) {
	cl.mu.Lock()
	if cl.state != clientActive {
		cl.mu.Unlock()
		return
	}
	switch st {
	case channel.Error:
		cl.state = clientError
		cl.mu.Unlock()
	case channel.Closed:
		if cl.storageNext != nil && cl.storageNext.State() == channel.Active {
			old := cl.storage
			next := cl.storageNext
			cl.storage, cl.storageNext = next, nil
			cl.mu.Unlock()

			cl.parent.ChildDel(cl.parent, old, fmt.Sprintf("client.%d.blocks", cl.addr))
			cl.parent.ChildAdd(cl.parent, next, fmt.Sprintf("client.%d.storage", cl.addr))
			go driveClient(cl, next)
			return
		}
		cl.state = clientClosed
		cl.mu.Unlock()
	default:
		cl.mu.Unlock()
	}
}

// isPaused reports whether this client's reader should stop pumping
// Process calls, checked by driveClient between iterations for backpressure
// (spec §4.5's WriteFull/WriteReady); teardown is reported by isStopped.
func (cl *client) isPaused() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.suspended
}

func (cl *client) isStopped() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.stopped
}
