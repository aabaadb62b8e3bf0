package limiter

import "errors"

// ErrConfiguration reports an unusable limit definition, an invalid cost,
// or a strategy bound to a storage backend that lacks the capability the
// strategy needs. It is always surfaced eagerly: at Item construction, at
// strategy construction, or on the call that received the bad value. It is
// never silently clamped away.
var ErrConfiguration = errors.New("limiter: invalid configuration")
