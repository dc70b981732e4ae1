package redis

import (
	"github.com/joomcode/errorx"
)

// Errors is the root namespace for every error this module produces.
var Errors = errorx.NewNamespace("redis")

// ErrTraitConnectivity marks errors caused by the state of the network
// connection rather than by the request itself. A request failing with a
// connectivity error may succeed after reconnect.
var ErrTraitConnectivity = errorx.RegisterTrait("connectivity")

// Request errors: the command could not be serialized or submitted.
// There is no reason to retry them.
var (
	ErrRequest = Errors.NewSubNamespace("request")
	// ErrArgumentType - command argument of unsupported type.
	ErrArgumentType = ErrRequest.NewType("argument_type")
	// ErrFloatValue - command argument is a float. Floats are refused at
	// encode time: the textual round-trip is lossy.
	ErrFloatValue = ErrRequest.NewType("float_value")
	// ErrBatchFormat - some other command in the same batch is malformed.
	ErrBatchFormat = ErrRequest.NewType("batch_format")
	// ErrRequestCancelled - caller's context is done.
	ErrRequestCancelled = ErrRequest.NewType("cancelled")
	// ErrMalformedTransaction - transaction helper got unusable input.
	ErrMalformedTransaction = ErrRequest.NewType("malformed_transaction")
)

// Response errors: the byte stream from the server is not valid RESP.
// The connection treats any of them as fatal and reconnects.
var (
	ErrResponse = Errors.NewSubNamespace("response")
	// ErrResponseFormat - line framing is broken.
	ErrResponseFormat = ErrResponse.NewType("format")
	// ErrIntegerParsing - length or integer line holds non-digits.
	ErrIntegerParsing = ErrResponse.NewType("integer_parsing")
	// ErrNoFinalRN - bulk body is not terminated by "\r\n".
	ErrNoFinalRN = ErrResponse.NewType("no_final_rn")
	// ErrHeaderlineEmpty - empty line where a type header was expected.
	ErrHeaderlineEmpty = ErrResponse.NewType("headerline_empty")
	// ErrUnknownHeaderType - unknown type byte.
	ErrUnknownHeaderType = ErrResponse.NewType("unknown_header_type")
	// ErrResponseUnexpected - valid RESP with impossible structure.
	ErrResponseUnexpected = ErrResponse.NewType("unexpected")
	// ErrPing - ping response mismatch.
	ErrPing = ErrResponse.NewType("ping_mismatch")
)

var (
	// ErrResult is an ordinary server error reply. It is returned to the
	// one caller it belongs to and does not disturb the connection.
	ErrResult = Errors.NewType("result")
	// ErrExecEmpty - EXEC returned nil, i.e. a WATCH was invalidated.
	ErrExecEmpty = Errors.NewType("exec_empty")
	// ErrIO - socket failed while requests were in flight. It is unknown
	// whether the server processed them.
	ErrIO = Errors.NewType("io", ErrTraitConnectivity)
	// ErrContextClosed - the client was explicitly shut down.
	ErrContextClosed = Errors.NewType("context_closed", ErrTraitConnectivity)
)

// Error properties attached for diagnostics.
var (
	EKRequest  = errorx.RegisterPrintableProperty("request")
	EKRequests = errorx.RegisterProperty("requests")
	EKResponse = errorx.RegisterPrintableProperty("response")
)

// AsErrorx casts err to *errorx.Error, nil if err is nil.
func AsErrorx(err error) *errorx.Error {
	if err == nil {
		return nil
	}
	return errorx.Cast(err)
}
