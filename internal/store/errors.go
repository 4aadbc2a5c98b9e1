package store

import "errors"

// ErrDatabaseNotFound is returned for any database index outside [0,15].
var ErrDatabaseNotFound = errors.New("store: database not found")
