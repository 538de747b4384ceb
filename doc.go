// Package tll implements a transport link library: a small set of
// composable "channels" that move framed messages across files, TCP
// sockets, NATS subjects and WebSocket connections behind one interface.
//
// # Architecture
//
// A channel is built by channel.Context from a URL and driven through a
// small state machine (Closed → Opening → Active → Closing/Error). Every
// concrete channel embeds *channel.Core, which supplies the state
// machine, callback dispatch and config-tree bookkeeping; the channel
// itself implements channel.Impl's OnInit/OnOpen/OnClose/OnPost/OnProcess
// hooks with its own protocol logic.
//
//	channel.Context ──(URL)──► base channel ──(+prefix, +prefix)──► wrapped channel
//
// Base protocols (one per transport):
//   - channel/file: append-only, block-indexed on-disk message log
//   - channel/tcp: TCP client and server sockets
//   - channel/nats: NATS pub/sub, backed by natsclient's circuit-breaker client
//   - channel/ws: WebSocket server
//
// Prefix protocols (wrap an already-built inner channel):
//   - channel/stream: request/reply catch-up server backed by a file log
//   - channel/prefix: busywait (rate-limited pacing), gen (synthetic
//     message generator) and Tagged (multi-input dispatch, used directly
//     rather than through the Context registry)
//
// Channels that need active polling (ProcessPolicy Always or Custom) are
// driven by a channel.Processor, a minimal reference driver that ticks
// each registered channel's Process method and records Prometheus
// metrics for its state and throughput.
//
// # Configuration
//
// config.Config is a link-tree matching a filesystem-like path model
// (get/set/browse/merge, with symlink-style redirection via SetLink)
// rather than a marshalled struct. config/helpers.go's Import/Export
// bridge that tree to YAML for on-disk configuration files, as used by
// cmd/semstreams.
//
// # Wire format
//
// scheme holds the well-known message ids (processor control, file
// Meta/Block markers, TCP Connect/Disconnect, stream Request/Reply/Error
// and backpressure) and the little-endian payload encodings of the
// Connect, Request, Reply and Error control messages. The on-disk frame
// layout (size, message id, sequence number, payload) is defined by
// channel/file itself.
//
// # Errors and metrics
//
// errors classifies failures as transient, fatal or invalid, wrapping
// the underlying cause with the component/method/action that produced
// it so callers can decide whether to retry. metric exposes per-channel
// state, throughput and error counts (by channel and protocol, without
// that classification) and NATS health as Prometheus collectors served
// over HTTP by metric.Server.
//
// # Binary
//
// cmd/semstreams is a small daemon built on these packages: it loads a
// YAML channel configuration, opens every configured channel against a
// shared channel.Context, drives them with a channel.Processor, and
// serves Prometheus metrics until told to stop.
//
//	./semstreams --config configs/example.yaml
package tll
