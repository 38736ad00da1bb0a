package sqlite

import "errors"

// ErrNotFound is returned (wrapped) when a lookup finds no matching row.
var ErrNotFound = errors.New("not found")
