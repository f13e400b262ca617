package intake

import "errors"

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotImplemented  = errors.New("not implemented")
	ErrReceiptMismatch = errors.New("pop receipt mismatch")
	ErrMissingConfig   = errors.New("missing required configuration")
)
