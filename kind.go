package atomcache

// Kind tags the four engine flavours.
type Kind uint8

const (
	KindSource Kind = iota + 1
	KindAction
	KindStream
	KindComposition
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindAction:
		return "action"
	case KindStream:
		return "stream"
	case KindComposition:
		return "composition"
	default:
		return "unknown"
	}
}

// Handle is implemented by every engine.
type Handle interface {
	Kind() Kind
}

// IsKindOf reports whether h is one of kinds.
func IsKindOf(h Handle, kinds ...Kind) bool {
	if h == nil {
		return false
	}
	k := h.Kind()
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}
