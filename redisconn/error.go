package redisconn

import (
	"github.com/joomcode/errorx"

	"github.com/corvina/redisact/redis"
)

// Connection level errors. They all carry the connectivity trait: the
// same request may succeed once the connection is re-established.
var (
	ErrConnection = redis.Errors.NewSubNamespace("connection", redis.ErrTraitConnectivity)
	// ErrNotConnected - the circuit breaker: the connection is known to
	// be down and the request was rejected without waiting.
	ErrNotConnected = ErrConnection.NewType("not_connected")
	// ErrDial - establishing the connection failed.
	ErrDial = ErrConnection.NewType("dial")
	// ErrAuth - the server rejected the password.
	ErrAuth = ErrConnection.NewType("auth")
	// ErrConnSetup - any other handshake failure.
	ErrConnSetup = ErrConnection.NewType("setup")
)

var (
	// EKConnection - the connection that handled the request.
	EKConnection = errorx.RegisterProperty("connection")
	// EKDb - the database number a SELECT failed for.
	EKDb = errorx.RegisterPrintableProperty("db")
)
