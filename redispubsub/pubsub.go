// Package redispubsub implements a subscriber connection with
// back-pressured delivery.
//
// The connection owns the subscription state: after every (re)connect it
// re-issues SUBSCRIBE and PSUBSCRIBE for its current sets. Every event -
// messages as well as subscription acknowledgements and connection
// state changes - flows to a single controlling subscriber under an
// active-once discipline: after one event is handed over, nothing else
// is delivered until the controller calls Ack. Back-pressure is that
// handshake, not a buffer size; the bounded pending queue is only the
// overflow policy.
package redispubsub

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/corvina/redisact/redis"
	"github.com/corvina/redisact/redisconn"
)

// ErrQueueOverflow terminates the connection when the pending queue is
// full and QueueBehaviour is QueueExit.
var ErrQueueOverflow = redis.Errors.NewType("pubsub_queue_overflow")

// EventKind classifies pubsub events.
type EventKind int

const (
	// EventMessage - a message on a subscribed channel.
	EventMessage EventKind = iota + 1
	// EventPMessage - a message matching a subscribed pattern.
	EventPMessage
	// EventSubscribed / EventUnsubscribed - server acknowledged a
	// subscription change; Count is the active subscription count.
	EventSubscribed
	EventUnsubscribed
	// EventConnected / EventDisconnected - connection state changes.
	EventConnected
	EventDisconnected
	// EventDropped - the pending queue overflowed with QueueDrop
	// behaviour; Count events were discarded.
	EventDropped
)

// Event is what the controlling subscriber receives.
type Event struct {
	Kind    EventKind
	Channel string
	Pattern string
	Payload []byte
	Count   int64
	Err     error
}

// QueueBehaviour selects what happens when the pending queue overflows.
type QueueBehaviour int

const (
	// QueueDrop discards the whole pending queue and delivers a single
	// EventDropped in its place.
	QueueDrop QueueBehaviour = iota
	// QueueExit terminates the connection with ErrQueueOverflow.
	QueueExit
)

// Opts are the subscriber connection options.
type Opts struct {
	// Password for AUTH; empty means no AUTH is sent.
	Password string
	// ReconnectPause, ReconnectPauseFunc, DialTimeout, TCPKeepAlive and
	// TLSConfig mean the same as in redisconn.Opts.
	ReconnectPause     time.Duration
	ReconnectPauseFunc func(attempt int) time.Duration
	DialTimeout        time.Duration
	TCPKeepAlive       time.Duration
	// IOTimeout bounds writes and the handshake. Reads are not bounded:
	// a quiet subscription may legitimately stay silent forever.
	IOTimeout time.Duration
	TLSConfig *tls.Config
	// Logger receives connection lifecycle events.
	Logger redisconn.Logger
	// MaxPending bounds the queue of events awaiting the controller;
	// 0 means unbounded.
	MaxPending int
	// QueueBehaviour selects the overflow policy.
	QueueBehaviour QueueBehaviour
}

// PubSub is a subscriber connection. All state is owned by a single
// actor goroutine; the exported methods only pass messages to it.
type PubSub struct {
	ctx    context.Context
	cancel context.CancelFunc
	addr   string
	opts   Opts

	inbox  chan psMsg
	closed uint32

	pauseFor func(attempt int) time.Duration
}

type msgKind int

const (
	msgSubscribe msgKind = iota + 1
	msgPSubscribe
	msgUnsubscribe
	msgPUnsubscribe
	msgControl
	msgAck
	msgReply
	msgConnErr
)

type psMsg struct {
	kind     msgKind
	channels []string
	ctrl     chan<- Event
	gen      uint64
	reply    redis.Reply
	err      error
}
