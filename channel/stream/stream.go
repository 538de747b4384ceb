// Package stream implements the replay server of spec §4.5: a prefix
// channel that wraps a live publication transport (the "child") with a
// request/reply catch-up protocol served out of a durable, file-backed
// log ("storage"), optionally indexed by a separate block log ("blocks").
//
// "stream" is registered as a prefix protocol, so a URL of the form
//
//	stream+tcp://push.host:5000?request=<url>;storage=<url>[;blocks=<url>][;autoseq=yes]
//
// wraps the base "tcp" channel as the live child. The original reads
// request/storage/blocks out of Config sub-sections of its own URL
// (`url.getT<Channel::Url>("request")` and friends); this module's
// channel.URL is a flat "k=v;k=v" query string with no nested-URL
// representation, so each sub-channel travels as one URL-encoded
// parameter value instead, decoded once at Init and handed to the same
// Context that built the outer channel (see DESIGN.md).
package stream

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/untoxa/tll/channel"
	"github.com/untoxa/tll/config"
	tllerrors "github.com/untoxa/tll/errors"
	"github.com/untoxa/tll/scheme"
)

// Server implements the replay server. It is always constructed through
// the "stream" prefix factory (see Register), never directly.
type Server struct {
	*channel.Core

	ctx   *channel.Context
	child channel.Channel

	autoseqEnable bool

	mu          sync.Mutex
	request     channel.Channel
	storage     channel.Channel
	blocks      channel.Channel
	storageLoad channel.Channel
	storageURL  *channel.URL // template for per-client read-mode storage instances
	blocksURL   *channel.URL // template for per-client read-mode blocks instances

	seq         int64
	childParams *config.Config

	clients map[channel.Addr]*client
}

// NewServer constructs an unopened stream server wrapping inner as the
// live child channel. Called by the "stream" prefix factory registered
// via Register.
func NewServer(name string, log *slog.Logger, inner channel.Channel, ctx *channel.Context) *Server {
	s := &Server{ctx: ctx, child: inner, clients: map[channel.Addr]*client{}}
	s.Core = channel.NewCore(s, name, log)
	return s
}

// Register wires the "stream" prefix protocol into ctx.
func Register(ctx *channel.Context) error {
	return ctx.RegisterPrefix("stream", func(name string, u *channel.URL, inner channel.Channel, log *slog.Logger) (channel.Channel, error) {
		return NewServer(name, log, inner, ctx), nil
	})
}

func (s *Server) ChannelProtocol() string             { return "stream" }
func (s *Server) ProcessPolicy() channel.ProcessPolicy { return channel.Never }

// --- Channel interface trampolines ---

func (s *Server) Init(u *channel.URL, master channel.Channel) error {
	return s.Core.Init(s, u, master)
}
func (s *Server) Open(params *config.Config) error { return s.Core.Open(s, params) }
func (s *Server) Close(force bool) error           { return s.Core.Close(s, force) }
func (s *Server) Post(msg *channel.Msg, flags int) error {
	return s.Core.Post(msg, flags)
}
func (s *Server) Process(timeoutMs int, flags int) error {
	return s.Core.Process(timeoutMs, flags)
}

// OnInit builds the child, request, storage and (optional) blocks
// sub-channels, grounded on the original's StreamServer::_init.
func (s *Server) OnInit(u *channel.URL, master channel.Channel) error {
	if err := s.child.Init(u, master); err != nil {
		return tllerrors.WrapInvalid(err, "stream", "OnInit", "init child")
	}
	_ = s.child.CallbackAdd(s.onChildState, s, channel.MaskState)

	s.autoseqEnable = u.GetDefault("autoseq", "no") == "yes"

	requestRaw, ok := u.Get("request")
	if !ok || requestRaw == "" {
		return tllerrors.WrapInvalid(tllerrors.ErrMissingConfig, "stream", "OnInit", "request sub-url required")
	}
	request, err := s.ctx.Channel(s.Name()+".request", requestRaw, master)
	if err != nil {
		return tllerrors.WrapInvalid(err, "stream", "OnInit", "build request channel")
	}
	s.request = request
	_ = request.CallbackAdd(s.onRequest, s, channel.MaskAll)
	s.ChildAdd(s, request, "request")

	storageRaw, ok := u.Get("storage")
	if !ok || storageRaw == "" {
		return tllerrors.WrapInvalid(tllerrors.ErrMissingConfig, "stream", "OnInit", "storage sub-url required")
	}
	storageURL, err := channel.ParseURL(storageRaw)
	if err != nil {
		return tllerrors.WrapInvalid(err, "stream", "OnInit", "parse storage url")
	}
	storage, err := s.ctx.ChannelFromURL(s.Name()+".storage", storageURL, master)
	if err != nil {
		return tllerrors.WrapInvalid(err, "stream", "OnInit", "build storage channel")
	}
	s.storage = storage
	s.storageURL = readerTemplate(storageURL)

	if blocksRaw, ok := u.Get("blocks"); ok && blocksRaw != "" {
		blocksURL, err := channel.ParseURL(blocksRaw)
		if err != nil {
			return tllerrors.WrapInvalid(err, "stream", "OnInit", "parse blocks url")
		}
		blocks, err := s.ctx.ChannelFromURL(s.Name()+".blocks", blocksURL, master)
		if err != nil {
			return tllerrors.WrapInvalid(err, "stream", "OnInit", "build blocks channel")
		}
		s.blocks = blocks
		s.blocksURL = readerTemplate(blocksURL)
	}

	return nil
}

// readerTemplate clones u with mode forced to "r", used to spawn
// per-client read-only instances of a channel opened elsewhere as a
// writer.
func readerTemplate(u *channel.URL) *channel.URL {
	clone := *u
	params := make(map[string]string, len(u.Params)+1)
	for k, v := range u.Params {
		params[k] = v
	}
	params["mode"] = "r"
	clone.Params = params
	return &clone
}

// OnOpen implements the open sequence of spec §4.5: open storage, read
// its tail seq, optionally catch blocks up to it, then open request and
// child. When a catch-up read is needed, OnOpen returns ErrOpenPending
// and the Opening->Active transition completes later from onStorageLoad.
func (s *Server) OnOpen(params *config.Config) error {
	s.mu.Lock()
	s.seq = -1
	s.mu.Unlock()
	s.childParams = params

	var sopen *config.Config
	if params != nil {
		sopen = params.Sub("storage", false)
	}
	if err := s.storage.Open(sopen); err != nil {
		return tllerrors.WrapFatal(err, "stream", "OnOpen", "open storage")
	}
	if s.storage.State() != channel.Active {
		return tllerrors.WrapFatal(fmt.Errorf("long opening storage is not supported"), "stream", "OnOpen", "storage state")
	}

	seq, err := readInfoSeq(s.storage)
	if err != nil {
		return tllerrors.WrapFatal(err, "stream", "OnOpen", "read storage seq")
	}
	s.mu.Lock()
	s.seq = seq
	s.mu.Unlock()
	_ = s.ConfigInfo().SetFunc("seq", func() string { return strconv.FormatInt(s.currentSeq(), 10) })
	s.Log.Info("last seq in storage", "seq", seq)

	if s.blocks != nil {
		var bopen *config.Config
		if params != nil {
			bopen = params.Sub("blocks", false)
		}
		if err := s.blocks.Open(bopen); err != nil {
			return tllerrors.WrapFatal(err, "stream", "OnOpen", "open blocks")
		}
		if s.blocks.State() != channel.Active {
			return tllerrors.WrapFatal(fmt.Errorf("long opening blocks is not supported"), "stream", "OnOpen", "blocks state")
		}
		bseq, err := readInfoSeq(s.blocks)
		if err != nil {
			return tllerrors.WrapFatal(err, "stream", "OnOpen", "read blocks seq")
		}
		if bseq != seq {
			return s.startCatchup(bseq)
		}
	}

	if err := s.request.Open(nil); err != nil {
		return tllerrors.WrapFatal(err, "stream", "OnOpen", "open request")
	}
	if err := s.child.Open(params); err != nil {
		return tllerrors.WrapFatal(err, "stream", "OnOpen", "open child")
	}
	return nil
}

func readInfoSeq(ch channel.Channel) (int64, error) {
	v, ok := ch.Config().Get("info.seq")
	if !ok {
		return 0, tllerrors.ErrMissingConfig
	}
	return strconv.ParseInt(v, 10, 64)
}

// startCatchup opens a "storage_load" autoclose reader from blocks.seq+1
// and drives it in the background until it reaches the tail, forwarding
// every message it reads into blocks (spec §4.5 step 2).
func (s *Server) startCatchup(bseq int64) error {
	loadURL := readerTemplate(s.storageURL)
	loadURL.Params["autoclose"] = "yes"
	load, err := s.ctx.ChannelFromURL(s.Name()+".storage_load", loadURL, s.storage)
	if err != nil {
		return tllerrors.WrapFatal(err, "stream", "startCatchup", "build storage_load channel")
	}
	_ = load.CallbackAdd(s.onStorageLoad, s, channel.MaskAll)

	openCfg := config.New()
	_ = openCfg.Set("seq", strconv.FormatInt(bseq+1, 10))
	if err := load.Open(openCfg); err != nil {
		return tllerrors.WrapFatal(err, "stream", "startCatchup", "open storage_load")
	}

	s.mu.Lock()
	s.storageLoad = load
	s.mu.Unlock()
	s.ChildAdd(s, load, "storage_load")

	go driveLoop(load)

	return tllerrors.ErrOpenPending
}

// onStorageLoad forwards catch-up Data into blocks and, once the reader
// closes (EOF reached with autoclose), opens request and child and
// finishes the deferred Opening->Active transition.
func (s *Server) onStorageLoad(self channel.Channel, msg *channel.Msg) int {
	switch msg.Type {
	case channel.Data:
		if err := s.blocks.Post(&channel.Msg{Type: channel.Data, MsgID: msg.MsgID, Seq: msg.Seq, Data: msg.Data}, 0); err != nil {
			_ = s.Fail(s, tllerrors.WrapFatal(err, "stream", "onStorageLoad", "forward to blocks"), "onStorageLoad")
		}
	case channel.MsgState:
		switch channel.State(msg.MsgID) {
		case channel.Closed:
			s.mu.Lock()
			load := s.storageLoad
			s.storageLoad = nil
			s.mu.Unlock()
			if load != nil {
				s.ChildDel(s, load, "storage_load")
			}
			if err := s.request.Open(nil); err != nil {
				_ = s.Fail(s, tllerrors.WrapFatal(err, "stream", "onStorageLoad", "open request"), "onStorageLoad")
				return 0
			}
			if err := s.child.Open(s.childParams); err != nil {
				_ = s.Fail(s, tllerrors.WrapFatal(err, "stream", "onStorageLoad", "open child"), "onStorageLoad")
				return 0
			}
			s.checkState(channel.Active)
		case channel.Error:
			_ = s.Fail(s, tllerrors.WrapFatal(fmt.Errorf("storage catch-up channel failed"), "stream", "onStorageLoad", "state"), "onStorageLoad")
		}
	}
	return 0
}

// checkState mirrors the original's _check_state: the server only
// finishes an Opening->Active transition once request, storage and
// child all agree.
func (s *Server) checkState(target channel.State) {
	if s.request.State() != target {
		return
	}
	if s.storage.State() != target {
		return
	}
	if s.child.State() != target {
		return
	}
	if target == channel.Active && s.State() == channel.Opening {
		s.Log.Info("all sub channels are active")
		_ = s.Activate(s)
	}
}

func (s *Server) onChildState(self channel.Channel, msg *channel.Msg) int {
	if msg.Type == channel.MsgState && channel.State(msg.MsgID) == channel.Active {
		s.checkState(channel.Active)
	}
	return 0
}

func (s *Server) currentSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// onRequest dispatches Data/Control/State traffic from the request
// channel, mirroring _on_request_data/_on_request_control/_on_request_state.
func (s *Server) onRequest(self channel.Channel, msg *channel.Msg) int {
	switch msg.Type {
	case channel.Data:
		s.onRequestData(msg)
	case channel.Control:
		s.onRequestControl(msg)
	case channel.MsgState:
		s.onRequestState(msg)
	}
	return 0
}

func (s *Server) onRequestState(msg *channel.Msg) {
	switch channel.State(msg.MsgID) {
	case channel.Active:
		s.checkState(channel.Active)
	case channel.Error:
		_ = s.Fail(s, tllerrors.WrapFatal(fmt.Errorf("request channel failed"), "stream", "onRequestState", "state"), "onRequestState")
	case channel.Closing:
		if s.State() != channel.Closing {
			s.Log.Info("request channel is closing")
			_ = s.Close(false)
		}
	}
}

// onRequestControl handles per-client backpressure and disconnect
// signalling. TCPDisconnect/StreamWriteFull/StreamWriteReady are the
// only control msgids the request channel is expected to carry for a
// live client (see scheme package): a full merged-control-scheme lookup
// like the original's is not attempted, since this module has no scheme
// metadata registry to look msgids up against.
func (s *Server) onRequestControl(msg *channel.Msg) {
	s.mu.Lock()
	cl, ok := s.clients[msg.Addr]
	s.mu.Unlock()
	if !ok {
		return
	}
	switch msg.MsgID {
	case scheme.TCPDisconnect:
		s.Log.Info("client disconnected", "client", cl.name, "addr", msg.Addr)
		cl.reset()
		s.mu.Lock()
		delete(s.clients, msg.Addr)
		s.mu.Unlock()
	case scheme.StreamWriteFull:
		s.Log.Debug("suspend client storage", "client", cl.name)
		cl.suspend()
	case scheme.StreamWriteReady:
		s.Log.Debug("resume client storage", "client", cl.name)
		cl.resume()
	}
}

func (s *Server) onRequestData(msg *channel.Msg) {
	addr := msg.Addr
	s.mu.Lock()
	cl, exists := s.clients[addr]
	if !exists {
		cl = newClient(s, addr)
		s.clients[addr] = cl
	}
	s.mu.Unlock()

	if err := cl.init(msg); err != nil {
		s.Log.Error("failed to init client", "addr", addr, "error", err)
		errData := scheme.MarshalError(scheme.Error{Text: err.Error()})
		_ = s.request.Post(&channel.Msg{Type: channel.Data, MsgID: scheme.StreamError, Addr: addr, Data: errData}, 0)
		cl.reset()
		s.mu.Lock()
		delete(s.clients, addr)
		s.mu.Unlock()
		_ = s.request.Post(&channel.Msg{Type: channel.Control, MsgID: scheme.TCPDisconnect, Addr: addr}, 0)
		return
	}

	s.ChildAdd(s, cl.currentReader(), fmt.Sprintf("client.%d", addr))
}

// OnPost implements the live-post path of spec §4.5: validate
// monotonicity, then write to blocks (if present), storage, and
// finally child, in that order.
func (s *Server) OnPost(msg *channel.Msg, flags int) error {
	if msg.Type == channel.Control {
		if msg.MsgID == 0 {
			return nil
		}
		if s.blocks != nil {
			_ = s.blocks.Post(msg, flags)
		}
		_ = s.storage.Post(msg, flags)
		return s.child.Post(msg, flags)
	}
	if msg.Type != channel.Data {
		return nil
	}

	seq := msg.Seq
	s.mu.Lock()
	if s.autoseqEnable && seq == 0 {
		seq = s.seq + 1
	}
	last := s.seq
	s.mu.Unlock()
	if seq <= last {
		return tllerrors.WrapInvalid(tllerrors.ErrSeqRegression, "stream", "OnPost",
			fmt.Sprintf("non monotonic seq: %d <= %d", seq, last))
	}

	out := *msg
	out.Seq = seq

	if s.blocks != nil {
		if err := s.blocks.Post(&out, flags); err != nil {
			return tllerrors.WrapFatal(err, "stream", "OnPost", "post to blocks")
		}
	}
	if err := s.storage.Post(&out, flags); err != nil {
		return tllerrors.WrapFatal(err, "stream", "OnPost", "post to storage")
	}
	s.mu.Lock()
	s.seq = seq
	s.mu.Unlock()
	return s.child.Post(&out, flags)
}

func (s *Server) OnClose() error {
	s.mu.Lock()
	load := s.storageLoad
	s.storageLoad = nil
	clients := s.clients
	s.clients = map[channel.Addr]*client{}
	s.mu.Unlock()

	if load != nil {
		_ = load.Close(true)
	}
	for _, cl := range clients {
		cl.reset()
	}

	_ = s.ConfigInfo().Set("seq", strconv.FormatInt(s.currentSeq(), 10))

	if s.request.State() != channel.Closed {
		_ = s.request.Close(false)
	}
	if s.blocks != nil && s.blocks.State() != channel.Closed {
		_ = s.blocks.Close(false)
	}
	if s.storage.State() != channel.Closed {
		_ = s.storage.Close(false)
	}
	if s.child.State() != channel.Closed {
		_ = s.child.Close(false)
	}
	return nil
}

func (s *Server) OnProcess(timeoutMs int, flags int) error {
	return tllerrors.ErrAgain
}

// driveLoop repeatedly calls Process on ch until it leaves Opening/Active,
// used for sub-channels (the storage_load catch-up reader) that this
// package owns outside of any shared Processor.
func driveLoop(ch channel.Channel) {
	for {
		switch ch.State() {
		case channel.Opening, channel.Active:
		default:
			return
		}
		err := ch.Process(0, 0)
		if err == nil {
			continue
		}
		if tllerrors.IsTransient(err) {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		return
	}
}

// driveClient is driveLoop's per-client-reader variant: it additionally
// honors the client's suspend/resume flag (spec §4.5 backpressure) and
// stops immediately once the client is torn down.
func driveClient(cl *client, ch channel.Channel) {
	for {
		if cl.isStopped() {
			return
		}
		if cl.isPaused() {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		switch ch.State() {
		case channel.Opening, channel.Active:
		default:
			return
		}
		err := ch.Process(0, 0)
		if err == nil {
			continue
		}
		if tllerrors.IsTransient(err) {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		return
	}
}
