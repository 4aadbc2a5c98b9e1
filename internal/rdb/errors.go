package rdb

import "errors"

// Sentinel errors for RDB decode failures. Named to correspond one-for-one
// with the failure modes a reference RDB reader distinguishes, rather than
// collapsing everything into a single generic parse error.
var (
	ErrNotRedisDatabase                      = errors.New("rdb: file is not a redis database")
	ErrIoError                               = errors.New("rdb: io error")
	ErrInvalidLengthEncoding                 = errors.New("rdb: invalid length encoding")
	ErrSpecialFormatInvalidIntEncoded        = errors.New("rdb: special format length is not a valid integer encoding")
	ErrAttemptReadKeyWithoutDatabaseSelected = errors.New("rdb: attempted to read key without a database selected")
	ErrNotImplemented                        = errors.New("rdb: value encoding not implemented")
)
