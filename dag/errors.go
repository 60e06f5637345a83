package dag

import "errors"

var (
	ErrCircularReference = errors.New("operation would create a circular reference")
	ErrTooManyHops       = errors.New("operation exceeded the maximum allowable hops")
	ErrInvalidArgument   = errors.New("seed vertex ids must be an integer or a collection of integers")
	ErrSourceRequired    = errors.New("source is required")

	ErrUnsupportedDialect = errors.New("unsupported sql dialect")

	ErrBlobVersionMismatch    = errors.New("blob version mismatch")
	ErrBlobNotFound           = errors.New("blob not found")
	ErrSnapshotSourceMismatch = errors.New("snapshot belongs to a different source")

	ErrWriteLeaseConflict = errors.New("write lease conflict")
)
