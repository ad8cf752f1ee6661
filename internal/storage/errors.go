package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when an insert collides with an existing
// manifest transaction id or manifest id.
var ErrConflict = errors.New("storage: conflict")

// ErrInvalidArgument is returned when a query parameter is out of range.
var ErrInvalidArgument = errors.New("storage: invalid argument")

// ErrBusy is returned when a write could not take the database lock within
// busy_timeout.
var ErrBusy = errors.New("storage: database busy")
