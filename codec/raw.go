package codec

import "bytes"

// Bytes is a codec for []byte values. Decode returns a copy, so the stored
// frame is never exposed to callers.
type Bytes struct{}

func (Bytes) Encode(b []byte) ([]byte, error) { return b, nil }
func (Bytes) Decode(b []byte) ([]byte, error) { return bytes.Clone(b), nil }

// String is a trivial codec for string values (assumed UTF-8, not validated).
type String struct{}

func (String) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (String) Decode(b []byte) (string, error) { return string(b), nil }
