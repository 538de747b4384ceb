// Package scheme implements the wire/control message id tables of
// spec §6: the processor control scheme, the file format's Meta/Block
// ids, the TCP control scheme, and the stream replay protocol.
package scheme

// Processor control scheme (spec §6 table), message ids in base-10.
const (
	ConfigGet      int32 = 10
	ConfigValue    int32 = 20
	ConfigEnd      int32 = 30
	Ok             int32 = 40
	ErrorMsg       int32 = 50
	SetLogLevel    int32 = 60
	Ping           int32 = 70
	Pong           int32 = 80
	Hello          int32 = 90
	StateDump      int32 = 4096
	StateUpdate    int32 = 4112
	StateDumpEnd   int32 = 4128
	MessageForward int32 = 4176
	ChannelClose   int32 = 4192
)

// LogLevel mirrors the SetLogLevel message's level enum.
type LogLevel int

const (
	Trace LogLevel = iota
	Debug
	Info
	Warning
	ErrorLevel
	Critical
)

// Recursive mirrors SetLogLevel's recursive:{No,Yes} field.
type Recursive int

const (
	No Recursive = iota
	Yes
)

// File format message ids (spec §3/§6).
const (
	// MetaMsgID identifies the Meta header occupying the start of block 0.
	MetaMsgID int32 = 1635018061
	// BlockMsgID is the payload msgid of a block-marker frame ("Blk\0").
	BlockMsgID int32 = 1801677890
)

// TCP control scheme (spec §6).
const (
	TCPConnect    int32 = 1
	TCPDisconnect int32 = 2
)

// AddrFamily distinguishes the union variant carried by a Connect message.
type AddrFamily int

const (
	AFInet AddrFamily = iota
	AFInet6
	AFUnix
)

// Connect is the TCP control payload announcing a new connection, carrying
// the peer address in whichever union variant its family uses.
type Connect struct {
	Family AddrFamily
	IPv4   uint32
	IPv6   [16]byte
	Unix   byte
	Port   uint16
}

// Disconnect is the TCP (and stream) control payload; it carries no fields.
type Disconnect struct{}

// Stream replay protocol (spec §6).
const (
	StreamRequest int32 = 100
	StreamReply   int32 = 101
	StreamError   int32 = 102
	// WriteFull/WriteReady are backpressure control messages carried on the
	// stream server's "request" channel, per spec §4.5.
	StreamWriteFull  int32 = 110
	StreamWriteReady int32 = 111
)

// Request is sent client → server to ask for catch-up from Seq, or from
// the seq that begins the named Block.
type Request struct {
	Client string
	Seq    int64
	Block  string
}

// Reply acknowledges a Request before the data stream begins.
type Reply struct {
	LastSeq      int64
	RequestedSeq int64
}

// Error is sent server → client on a protocol failure, followed by a
// Disconnect control message.
type Error struct {
	Text string
}
