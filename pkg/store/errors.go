package store

import "errors"

// ErrNotFound is returned by lookup operations that found no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrInvalidSessionPrefix is returned when a session-ID prefix contains
// characters outside the UUID alphabet, preventing it from being used in a
// LIKE query.
var ErrInvalidSessionPrefix = errors.New("store: invalid session id prefix")
