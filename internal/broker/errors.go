package broker

import "errors"

// ErrUnprotectedPosition is raised when a bracket's entry leg succeeded but
// the stop-loss leg failed. It is the single most severe error class in
// the system: the position exists on the upstream account with no stop
// protecting it. Callers MUST surface this distinctly (HTTP 500, flagged
// critical, requiring manual intervention) rather than folding it into a
// generic failure.
var ErrUnprotectedPosition = errors.New("broker: entry filled but stop-loss order failed, position is unprotected")

// ErrCleanupIncomplete is raised when pre-entry cleanup (closing residual
// positions / cancelling stale orders) partially fails. Entering on top of
// an unknown residual position is worse than refusing the signal.
var ErrCleanupIncomplete = errors.New("broker: pre-entry cleanup did not fully succeed")

// ErrUnauthorized wraps a 401/403 from the upstream gateway. The session
// is forced back to absent whenever this is observed.
var ErrUnauthorized = errors.New("broker: upstream rejected credentials")

// ErrNotImplemented distinguishes a gateway that has no concept of an
// endpoint (404) from an actual transport failure; callers treat it as
// "unknown, proceed conservatively" rather than a hard error.
var ErrNotImplemented = errors.New("broker: upstream does not implement this endpoint")
