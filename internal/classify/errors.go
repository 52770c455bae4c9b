package classify

import "errors"

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")
