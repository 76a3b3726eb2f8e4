package atomcache

import (
	"errors"
	"fmt"
)

var (
	// ErrWrongKind is matched by every *KindError.
	ErrWrongKind = errors.New("atomcache: verb not supported by this kind")

	ErrNilFunc         = errors.New("atomcache: nil function")
	ErrProviderNoCodec = errors.New("atomcache: provider requires a codec")
)

// KindError reports a verb applied to a handle that does not support it.
type KindError struct {
	Verb string
	Kind Kind
}

func (e *KindError) Error() string {
	return fmt.Sprintf("atomcache: %s is not supported by %s", e.Verb, e.Kind)
}

func (e *KindError) Is(target error) bool { return target == ErrWrongKind }

// ParamsError reports a params value whose Go type does not match the handle.
type ParamsError struct {
	Verb string
	Want string
	Got  string
}

func (e *ParamsError) Error() string {
	return fmt.Sprintf("atomcache: %s: params must be %s, got %s", e.Verb, e.Want, e.Got)
}

// CodecError reports a codec configured for a different value type.
type CodecError struct {
	Want string
	Got  string
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("atomcache: codec must be codec.Codec[%s], got %s", e.Want, e.Got)
}

// FetchError wraps a failure of a getter, bulk getter, producer or action.
// Key is the canonical params text.
type FetchError struct {
	Kind Kind
	Key  string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("atomcache: %s fetch %s: %v", e.Kind, shorten(e.Key), e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func shorten(k string) string {
	const max = 64
	if len(k) <= max {
		return k
	}
	return k[:max] + "..."
}
