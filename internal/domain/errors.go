package domain

import "errors"

// Error kinds shared across layers. Callers match them with errors.Is.
var (
	ErrConnection  = errors.New("store connection failed")
	ErrClient      = errors.New("github api request failed")
	ErrStoreRead   = errors.New("store read failed")
	ErrStoreWrite  = errors.New("store write failed")
	ErrAggregation = errors.New("malformed commit payload")
)
