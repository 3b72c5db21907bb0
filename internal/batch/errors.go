package batch

import "errors"

var (
	ErrBatchNotFound  = errors.New("batch not found")
	ErrResultNotReady = errors.New("result archive not ready")
)
