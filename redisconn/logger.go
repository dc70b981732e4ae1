package redisconn

import (
	"log"

	"go.uber.org/zap"
)

// LogKind is a connection lifecycle event.
type LogKind int

const (
	LogConnecting LogKind = iota
	LogConnected
	LogConnectFailed
	LogDisconnected
	LogContextClosed
	LogMAX
)

// Logger receives connection lifecycle events. Both the request
// connection and the pubsub connection report through it.
type Logger interface {
	Report(event LogKind, addr string, v ...interface{})
}

// NoopLogger swallows every event.
type NoopLogger struct{}

func (NoopLogger) Report(LogKind, string, ...interface{}) {}

// DefaultLogger reports through the standard library log package.
type DefaultLogger struct{}

func (d DefaultLogger) Report(event LogKind, addr string, v ...interface{}) {
	switch event {
	case LogConnecting:
		log.Printf("redis: connecting to %s", addr)
	case LogConnected:
		localAddr := v[0].(string)
		remoteAddr := v[1].(string)
		log.Printf("redis: connected to %s (local addr: %s, remote addr: %s)",
			addr, localAddr, remoteAddr)
	case LogConnectFailed:
		err := v[0].(error)
		log.Printf("redis: connection to %s failed: %s", addr, err.Error())
	case LogDisconnected:
		err := v[0].(error)
		log.Printf("redis: connection to %s broken: %s", addr, err.Error())
	case LogContextClosed:
		log.Printf("redis: connect to %s explicitly closed", addr)
	default:
		args := []interface{}{"redis: unexpected event:", event, addr}
		args = append(args, v...)
		log.Print(args...)
	}
}

// ZapLogger reports connection events through a zap logger.
type ZapLogger struct {
	L *zap.Logger
}

func (z ZapLogger) Report(event LogKind, addr string, v ...interface{}) {
	switch event {
	case LogConnecting:
		z.L.Info("redis: connecting", zap.String("addr", addr))
	case LogConnected:
		z.L.Info("redis: connected",
			zap.String("addr", addr),
			zap.String("local_addr", v[0].(string)),
			zap.String("remote_addr", v[1].(string)))
	case LogConnectFailed:
		z.L.Warn("redis: connection failed",
			zap.String("addr", addr),
			zap.Error(v[0].(error)))
	case LogDisconnected:
		z.L.Warn("redis: connection broken",
			zap.String("addr", addr),
			zap.Error(v[0].(error)))
	case LogContextClosed:
		z.L.Info("redis: connection closed", zap.String("addr", addr))
	default:
		z.L.Warn("redis: unexpected event",
			zap.String("addr", addr),
			zap.Int("event", int(event)),
			zap.Any("args", v))
	}
}
