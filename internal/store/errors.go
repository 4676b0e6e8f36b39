package store

import "errors"

// ErrNotFound occurs when an experiment instance id is unknown.
var ErrNotFound = errors.New("experiment instance not found")
