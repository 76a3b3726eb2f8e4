package atomcache

import "github.com/unkn0wn-root/atomcache/internal/canon"

// Key returns the canonical identity text of params. Two params values share
// an atom iff their keys are equal.
func Key(params any) string { return canon.String(params) }

// Hash is the 32-bit fingerprint of Key(params). It is used in logs, hooks
// and spans; collisions are possible, so it is never used as identity.
func Hash(params any) uint32 { return canon.Of(params) }
