// Package wire frames committed values before they are handed to a byte
// provider. The frame carries the generation of the atom that wrote it so a
// reader can tell a live entry from one left behind by an evicted atom.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version   byte = 1
	kindValue byte = 1

	hdrLen = 4 + 1 + 1 + 8 + 4
)

var (
	ErrCorrupt = errors.New("atomcache: corrupt entry")
	magic4     = [...]byte{'A', 'T', 'M', 'C'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode frames payload as
//
//	magic(4) | ver(1) | kind(1) | gen(u64 be) | vlen(u32 be) | payload(vlen)
func Encode(gen uint64, payload []byte) []byte {
	out := make([]byte, hdrLen+len(payload))
	copy(out, magic4[:])
	out[4] = version
	out[5] = kindValue
	binary.BigEndian.PutUint64(out[6:14], gen)
	binary.BigEndian.PutUint32(out[14:18], uint32(len(payload)))
	copy(out[hdrLen:], payload)
	return out
}

// Decode validates the frame and returns its generation and payload.
// The payload aliases b.
func Decode(b []byte) (gen uint64, payload []byte, err error) {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version || b[5] != kindValue {
		return 0, nil, ErrCorrupt
	}
	gen = binary.BigEndian.Uint64(b[6:14])
	vlen := int(binary.BigEndian.Uint32(b[14:18]))
	if vlen != len(b)-hdrLen {
		// strict: no truncation, no trailing bytes
		return 0, nil, ErrCorrupt
	}
	return gen, b[hdrLen:], nil
}
