package file

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Frame layout (spec §3): [i32 frame_size][i32 msgid][i64 seq][payload][u8 tail].
// frame_size counts itself, so offset+frame_size is always the next frame's
// offset.
const (
	frameSizeLen   = 4
	frameHeaderLen = 4 + 8 // msgid + seq
	frameTailLen   = 1
	frameOverhead  = frameSizeLen + frameHeaderLen + frameTailLen

	frameTailByte byte = 0x80
)

func frameTotalSize(payloadLen int) int32 {
	return int32(frameOverhead + payloadLen)
}

// writeFrame writes one frame at offset and returns the offset of the next
// frame.
func writeFrame(f *os.File, offset int64, msgid int32, seq int64, payload []byte) (int64, error) {
	total := frameTotalSize(len(payload))
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(msgid))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(seq))
	copy(buf[16:16+len(payload)], payload)
	buf[len(buf)-1] = frameTailByte
	if _, err := f.WriteAt(buf, offset); err != nil {
		return offset, fmt.Errorf("file: write frame at %d: %w", offset, err)
	}
	return offset + int64(total), nil
}

// writeEndMarker writes the 4-byte zero-size end-of-data marker at offset.
func writeEndMarker(f *os.File, offset int64) error {
	var buf [frameSizeLen]byte
	if _, err := f.WriteAt(buf[:], offset); err != nil {
		return fmt.Errorf("file: write end marker at %d: %w", offset, err)
	}
	return nil
}

// readFrame reads the frame at offset. size==0 with a nil error signals the
// zero-size end-of-data marker; callers must check it before using msgid,
// seq or payload.
func readFrame(f *os.File, offset int64) (size int32, msgid int32, seq int64, payload []byte, err error) {
	var sizeBuf [frameSizeLen]byte
	n, err := f.ReadAt(sizeBuf[:], offset)
	if err == io.EOF {
		if n == 0 {
			// clean end of file: treat exactly like an explicit zero-size
			// end-of-data marker, since nothing was ever written here.
			return 0, 0, 0, nil, nil
		}
		if n == frameSizeLen {
			err = nil
		}
	}
	if err != nil {
		return 0, 0, 0, nil, err
	}
	size = int32(binary.LittleEndian.Uint32(sizeBuf[:]))
	if size == 0 {
		return 0, 0, 0, nil, nil
	}
	if size < frameOverhead {
		return 0, 0, 0, nil, fmt.Errorf("file: corrupt frame at %d: size %d below minimum", offset, size)
	}

	rest := make([]byte, size-frameSizeLen)
	if _, err := io.ReadFull(io.NewSectionReader(f, offset+frameSizeLen, int64(len(rest))), rest); err != nil {
		return 0, 0, 0, nil, fmt.Errorf("file: short read for frame at %d: %w", offset, err)
	}
	if rest[len(rest)-1] != frameTailByte {
		return 0, 0, 0, nil, fmt.Errorf("file: corrupt frame at %d: bad tail byte", offset)
	}

	msgid = int32(binary.LittleEndian.Uint32(rest[0:4]))
	seq = int64(binary.LittleEndian.Uint64(rest[4:12]))
	payloadLen := len(rest) - frameHeaderLen - frameTailLen
	payload = make([]byte, payloadLen)
	copy(payload, rest[12:12+payloadLen])
	return size, msgid, seq, payload, nil
}
