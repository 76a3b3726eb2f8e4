package codec

import "fmt"

// Limit wraps another codec and rejects oversized values on Encode, so a
// runaway getter result is not committed. Decode is forwarded unchanged.
// MaxEncode <= 0 disables the check.
type Limit[V any] struct {
	Inner     Codec[V]
	MaxEncode int
}

func (c Limit[V]) Encode(v V) ([]byte, error) {
	b, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if c.MaxEncode > 0 && len(b) > c.MaxEncode {
		return nil, fmt.Errorf("codec: encoded value too large: %d > %d", len(b), c.MaxEncode)
	}
	return b, nil
}

func (c Limit[V]) Decode(b []byte) (V, error) { return c.Inner.Decode(b) }
