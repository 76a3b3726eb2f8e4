package atomcache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The engines call them on hot paths.
type Hooks interface {
	// A stored value was deleted on read.
	// reason ∈ {"corrupt", "stale", "decode"}
	SelfHeal(storageKey, reason string)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)

	// A getter, bulk getter, producer or action failed.
	FetchFailed(kind Kind, keyHash uint32, err error)

	// A call joined an in-flight invocation instead of starting one.
	Deduplicated(kind Kind, keyHash uint32)

	// A composition issued one bulk call for size items.
	BatchDispatched(groupHash uint32, size int)

	// A listener returned an error or panicked.
	ListenerFailed(event EventName, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)         {}
func (NopHooks) ProviderSetRejected(string)      {}
func (NopHooks) FetchFailed(Kind, uint32, error) {}
func (NopHooks) Deduplicated(Kind, uint32)       {}
func (NopHooks) BatchDispatched(uint32, int)     {}
func (NopHooks) ListenerFailed(EventName, error) {}
