package scheme

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// The wire encoding for these small control/protocol messages is a
// length-prefixed, little-endian binary form private to this module; the
// exact byte layout is not specified by spec.md (§1 explicitly leaves
// "the specific wire formats of prefixes not named above" external, and
// the scheme tables only name fields, not bytes), so this is a concrete,
// self-consistent choice rather than a reverse-engineered format.

func putString(buf *bytes.Buffer, s string) {
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(s)))
	buf.Write(lenbuf[:])
	buf.WriteString(s)
}

func getString(r *bytes.Reader) (string, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(lenbuf[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// MarshalRequest encodes a Request payload.
func MarshalRequest(req Request) []byte {
	var buf bytes.Buffer
	putString(&buf, req.Client)
	binary.Write(&buf, binary.LittleEndian, req.Seq)
	putString(&buf, req.Block)
	return buf.Bytes()
}

// UnmarshalRequest decodes a Request payload.
func UnmarshalRequest(data []byte) (Request, error) {
	r := bytes.NewReader(data)
	client, err := getString(r)
	if err != nil {
		return Request{}, fmt.Errorf("scheme: decode Request.client: %w", err)
	}
	var seq int64
	if err := binary.Read(r, binary.LittleEndian, &seq); err != nil {
		return Request{}, fmt.Errorf("scheme: decode Request.seq: %w", err)
	}
	block, err := getString(r)
	if err != nil {
		return Request{}, fmt.Errorf("scheme: decode Request.block: %w", err)
	}
	return Request{Client: client, Seq: seq, Block: block}, nil
}

// MarshalReply encodes a Reply payload.
func MarshalReply(rep Reply) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, rep.LastSeq)
	binary.Write(&buf, binary.LittleEndian, rep.RequestedSeq)
	return buf.Bytes()
}

// UnmarshalReply decodes a Reply payload.
func UnmarshalReply(data []byte) (Reply, error) {
	r := bytes.NewReader(data)
	var rep Reply
	if err := binary.Read(r, binary.LittleEndian, &rep.LastSeq); err != nil {
		return Reply{}, fmt.Errorf("scheme: decode Reply.last_seq: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &rep.RequestedSeq); err != nil {
		return Reply{}, fmt.Errorf("scheme: decode Reply.requested_seq: %w", err)
	}
	return rep, nil
}

// MarshalError encodes an Error payload.
func MarshalError(e Error) []byte {
	var buf bytes.Buffer
	putString(&buf, e.Text)
	return buf.Bytes()
}

// UnmarshalError decodes an Error payload.
func UnmarshalError(data []byte) (Error, error) {
	r := bytes.NewReader(data)
	text, err := getString(r)
	if err != nil {
		return Error{}, fmt.Errorf("scheme: decode Error.error: %w", err)
	}
	return Error{Text: text}, nil
}

// MarshalConnect encodes a Connect payload.
func MarshalConnect(c Connect) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(c.Family))
	switch c.Family {
	case AFInet:
		binary.Write(&buf, binary.LittleEndian, c.IPv4)
	case AFInet6:
		buf.Write(c.IPv6[:])
	case AFUnix:
		buf.WriteByte(c.Unix)
	}
	binary.Write(&buf, binary.LittleEndian, c.Port)
	return buf.Bytes()
}

// UnmarshalConnect decodes a Connect payload.
func UnmarshalConnect(data []byte) (Connect, error) {
	r := bytes.NewReader(data)
	familyByte, err := r.ReadByte()
	if err != nil {
		return Connect{}, fmt.Errorf("scheme: decode Connect.family: %w", err)
	}
	c := Connect{Family: AddrFamily(familyByte)}
	switch c.Family {
	case AFInet:
		if err := binary.Read(r, binary.LittleEndian, &c.IPv4); err != nil {
			return Connect{}, fmt.Errorf("scheme: decode Connect.ipv4: %w", err)
		}
	case AFInet6:
		if _, err := io.ReadFull(r, c.IPv6[:]); err != nil {
			return Connect{}, fmt.Errorf("scheme: decode Connect.ipv6: %w", err)
		}
	case AFUnix:
		b, err := r.ReadByte()
		if err != nil {
			return Connect{}, fmt.Errorf("scheme: decode Connect.unix: %w", err)
		}
		c.Unix = b
	default:
		return Connect{}, fmt.Errorf("scheme: unknown Connect family %d", familyByte)
	}
	if err := binary.Read(r, binary.LittleEndian, &c.Port); err != nil {
		return Connect{}, fmt.Errorf("scheme: decode Connect.port: %w", err)
	}
	return c, nil
}
