package accounts

import "errors"

// ErrUnauthorized is returned when the supplied secret does not resolve to
// any account, or does not match the explicitly requested account's secret.
var ErrUnauthorized = errors.New("unauthorized: invalid webhook secret")

// ErrNotFound is returned when an explicitly requested account id is unknown.
var ErrNotFound = errors.New("account not found")

// ErrDisabled is returned when the resolved account has enabled=false.
var ErrDisabled = errors.New("account disabled")
