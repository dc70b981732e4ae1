// Package redistransport dials redis endpoints over TCP, unix domain
// sockets and TLS, and wraps connections with per-operation deadlines.
// The connection actors own everything above the raw byte stream.
package redistransport

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"
)

// Opts configures a dial attempt.
type Opts struct {
	// Timeout bounds the whole attempt, TLS handshake included.
	Timeout time.Duration
	// KeepAlive is passed to net.Dialer for TCP endpoints.
	KeepAlive time.Duration
	// TLSConfig, when non-nil, wraps TCP connections with TLS. It is
	// passed through untouched. Ignored for unix sockets.
	TLSConfig *tls.Config
}

// Dial connects to addr. Accepted forms:
//
//	host:port          TCP
//	tcp://host:port    TCP
//	unix://path        unix domain socket
//	/path, ./path      unix domain socket
func Dial(ctx context.Context, addr string, opts Opts) (net.Conn, error) {
	network, address := Resolve(addr)
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	dialer := net.Dialer{
		Timeout:       opts.Timeout,
		FallbackDelay: opts.Timeout / 2,
		KeepAlive:     opts.KeepAlive,
	}
	c, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if opts.TLSConfig != nil && network == "tcp" {
		tc := tls.Client(c, opts.TLSConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			c.Close()
			return nil, err
		}
		return tc, nil
	}
	return c, nil
}

// Resolve splits addr into the network and address arguments for a
// net.Dialer.
func Resolve(addr string) (network, address string) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		return "unix", addr[len("unix://"):]
	case strings.HasPrefix(addr, "tcp://"):
		return "tcp", addr[len("tcp://"):]
	case addr != "" && (addr[0] == '/' || addr[0] == '.'):
		return "unix", addr
	default:
		return "tcp", addr
	}
}
