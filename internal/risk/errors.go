package risk

import "errors"

// ErrBusy is returned by AcquireLock when the per-account lock could not be
// obtained within the requested timeout.
var ErrBusy = errors.New("risk: account busy, lock acquire timed out")
