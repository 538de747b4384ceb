package file

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Compression identifies the Meta header's compression field. Only None is
// implemented; LZ4 is named by the original format but left unsupported
// here, matching spec §9's open question on compression.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
)

// FormatVersion is the only Meta version this package writes or accepts.
const FormatVersion uint8 = 1

// Attribute is one free-form key/value pair carried in the Meta header.
type Attribute struct {
	Attribute string
	Value     string
}

// Meta is the header occupying the first frame of block 0 (spec §3 "File
// log layout", §6 "File format").
type Meta struct {
	Version     uint8
	Compression Compression
	BlockSize   uint32
	Scheme      string
	Flags       uint64
	Attributes  []Attribute
}

func putU32String(buf *bytes.Buffer, s string) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(len(s)))
	buf.Write(b[:])
	buf.WriteString(s)
}

func getU32String(r *bytes.Reader) (string, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(b[:])
	s := make([]byte, n)
	if _, err := io.ReadFull(r, s); err != nil {
		return "", err
	}
	return string(s), nil
}

// encodeMeta serializes m to the body format of spec §6: u16 meta_size; u8
// version; u8 compression; u32 block_size; string scheme; u64 flags;
// list<Attribute>. meta_size covers everything after itself.
func encodeMeta(m Meta) []byte {
	var body bytes.Buffer
	body.WriteByte(m.Version)
	body.WriteByte(byte(m.Compression))

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], m.BlockSize)
	body.Write(u32[:])

	putU32String(&body, m.Scheme)

	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], m.Flags)
	body.Write(u64[:])

	binary.LittleEndian.PutUint32(u32[:], uint32(len(m.Attributes)))
	body.Write(u32[:])
	for _, a := range m.Attributes {
		putU32String(&body, a.Attribute)
		putU32String(&body, a.Value)
	}

	out := make([]byte, 2+body.Len())
	binary.LittleEndian.PutUint16(out[0:2], uint16(body.Len()))
	copy(out[2:], body.Bytes())
	return out
}

// decodeMeta parses the body written by encodeMeta.
func decodeMeta(data []byte) (Meta, error) {
	if len(data) < 2 {
		return Meta{}, fmt.Errorf("file: meta too short")
	}
	metaSize := binary.LittleEndian.Uint16(data[0:2])
	if int(metaSize) != len(data)-2 {
		return Meta{}, fmt.Errorf("file: meta_size mismatch: declared %d, have %d", metaSize, len(data)-2)
	}
	r := bytes.NewReader(data[2:])

	var m Meta
	var err error
	if m.Version, err = r.ReadByte(); err != nil {
		return Meta{}, fmt.Errorf("file: decode meta version: %w", err)
	}
	compByte, err := r.ReadByte()
	if err != nil {
		return Meta{}, fmt.Errorf("file: decode meta compression: %w", err)
	}
	m.Compression = Compression(compByte)

	var u32 [4]byte
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return Meta{}, fmt.Errorf("file: decode meta block_size: %w", err)
	}
	m.BlockSize = binary.LittleEndian.Uint32(u32[:])

	if m.Scheme, err = getU32String(r); err != nil {
		return Meta{}, fmt.Errorf("file: decode meta scheme: %w", err)
	}

	var u64 [8]byte
	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return Meta{}, fmt.Errorf("file: decode meta flags: %w", err)
	}
	m.Flags = binary.LittleEndian.Uint64(u64[:])

	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return Meta{}, fmt.Errorf("file: decode meta attribute count: %w", err)
	}
	n := binary.LittleEndian.Uint32(u32[:])
	m.Attributes = make([]Attribute, 0, n)
	for i := uint32(0); i < n; i++ {
		key, err := getU32String(r)
		if err != nil {
			return Meta{}, fmt.Errorf("file: decode attribute %d key: %w", i, err)
		}
		val, err := getU32String(r)
		if err != nil {
			return Meta{}, fmt.Errorf("file: decode attribute %d value: %w", i, err)
		}
		m.Attributes = append(m.Attributes, Attribute{Attribute: key, Value: val})
	}
	return m, nil
}

// AttributesYAML renders the Meta header's attribute list as YAML, for
// operators inspecting a file's header without a hex editor.
func (m Meta) AttributesYAML() ([]byte, error) {
	out := make(map[string]string, len(m.Attributes))
	for _, a := range m.Attributes {
		out[a.Attribute] = a.Value
	}
	return yaml.Marshal(out)
}

// SetAttributesYAML replaces m's attribute list by parsing YAML produced by
// AttributesYAML (or compatible hand-written YAML).
func (m *Meta) SetAttributesYAML(data []byte) error {
	var in map[string]string
	if err := yaml.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("file: parse attributes yaml: %w", err)
	}
	attrs := make([]Attribute, 0, len(in))
	for k, v := range in {
		attrs = append(attrs, Attribute{Attribute: k, Value: v})
	}
	m.Attributes = attrs
	return nil
}
