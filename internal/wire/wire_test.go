package wire

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func TestRoundTripEmptyAndNonEmpty(t *testing.T) {
	cases := []struct {
		gen     uint64
		payload []byte
	}{
		{0, nil},
		{42, []byte("hello")},
		{math.MaxUint64, []byte{0, 1, 2, 3, 4}},
	}
	for _, tc := range cases {
		gen, p, err := Decode(Encode(tc.gen, tc.payload))
		if err != nil {
			t.Fatalf("Decode error: %v", err)
		}
		if gen != tc.gen {
			t.Fatalf("gen mismatch: got %d want %d", gen, tc.gen)
		}
		if !bytes.Equal(p, tc.payload) {
			t.Fatalf("payload mismatch: got %x want %x", p, tc.payload)
		}
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	enc := Encode(7, []byte("x"))
	enc = append(enc, 0xDE, 0xAD)
	if _, _, err := Decode(enc); err == nil {
		t.Fatalf("expected error on trailing bytes")
	}
}

func TestDecodeRejectsCorruptHeaders(t *testing.T) {
	base := Encode(1, []byte("abc"))

	mutate := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), base...)
		return f(b)
	}

	cases := map[string][]byte{
		"short":        base[:5],
		"bad magic":    mutate(func(b []byte) []byte { b[0] = 'X'; return b }),
		"bad version":  mutate(func(b []byte) []byte { b[4] = 9; return b }),
		"bad kind":     mutate(func(b []byte) []byte { b[5] = 2; return b }),
		"truncated":    base[:len(base)-1],
		"len overflow": mutate(func(b []byte) []byte { binary.BigEndian.PutUint32(b[14:18], math.MaxUint32); return b }),
	}
	for name, b := range cases {
		if _, _, err := Decode(b); err != ErrCorrupt {
			t.Fatalf("%s: expected ErrCorrupt, got %v", name, err)
		}
	}
}

func TestEncodeCopiesPayload(t *testing.T) {
	p := []byte("abc")
	enc := Encode(3, p)
	p[0] = 'z'
	_, got, _ := Decode(enc)
	if string(got) != "abc" {
		t.Fatalf("frame aliases caller payload: %q", got)
	}
}
