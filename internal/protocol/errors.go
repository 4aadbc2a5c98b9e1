package protocol

import "errors"

// Sentinel errors returned by Decoder.Next. They name the same failure
// modes as a real RESP parser would: a length prefix that doesn't parse,
// a bulk string missing its trailing CRLF, a declared size past the
// configured ceiling, or a top-level type the server doesn't accept from
// clients.
var (
	ErrBulkStringInvalidLength       = errors.New("protocol: invalid bulk string length")
	ErrArrayNumElementsInvalidLength = errors.New("protocol: invalid array length")
	ErrMessageTooBig                 = errors.New("protocol: message exceeds maximum size")
	ErrUnhandledRespDataType         = errors.New("protocol: unhandled RESP data type")
)
