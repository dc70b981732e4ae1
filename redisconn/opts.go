package redisconn

import (
	"crypto/tls"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Opts are the connection options.
type Opts struct {
	// DB is the database number for SELECT. 0 means the server default,
	// no SELECT is sent.
	DB int
	// Password for AUTH; empty means no AUTH is sent.
	Password string
	// ReconnectPause is the sleep after a failed connection attempt
	// before the next one. 0 means the default (500ms), a negative value
	// disables reconnection entirely.
	ReconnectPause time.Duration
	// ReconnectPauseFunc overrides ReconnectPause with a policy: it gets
	// the attempt number within the current outage (0 for the first
	// retry) and returns the pause; a negative pause stops reconnecting.
	// See FixedPause and ExponentialPause.
	ReconnectPauseFunc func(attempt int) time.Duration
	// DialTimeout bounds each connection attempt. Default 1s.
	DialTimeout time.Duration
	// IOTimeout is the deadline for every socket read and write.
	// 0 means the default (1s), negative disables deadlines.
	IOTimeout time.Duration
	// TCPKeepAlive for net.Dialer. 0 means the default (300ms),
	// negative disables it.
	TCPKeepAlive time.Duration
	// TLSConfig, when set, wraps the connection with TLS.
	TLSConfig *tls.Config
	// Handle is returned by Connection.Handle; for the user's bookkeeping.
	Handle interface{}
	// Logger receives connection lifecycle events.
	Logger Logger
	// Async makes Connect return before the first dial completes.
	Async bool
}

// FixedPause reconnects with a constant pause between attempts.
func FixedPause(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// ReconnectNoPause disables reconnection: the connection dies on the
// first failure.
func ReconnectNoPause(int) time.Duration { return -1 }

// ExponentialPause reconnects with exponential backoff between initial
// and max. The policy restarts for every outage.
func ExponentialPause(initial, max time.Duration) func(int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = max
	return func(attempt int) time.Duration {
		if attempt == 0 {
			bo.Reset()
		}
		return bo.NextBackOff()
	}
}
