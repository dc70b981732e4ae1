/*
Package redisact - non-blocking Redis client built around connection
actors.

Every connection is owned by a single pair of goroutines: a writer that
serializes submissions to the socket in arrival order, and a reader that
drives an incremental RESP parser over whatever bytes have arrived and
resolves waiting callers in FIFO order (redis answers in order, so the
order on the wire is the whole bookkeeping). Callers never share the
socket, never lock, and never block each other; concurrent submissions
are implicitly pipelined onto the single connection.

While a connection is down, submissions fail fast with ErrNotConnected -
the circuit-breaker contract - and a background loop reconnects with a
configurable pause, replaying AUTH and SELECT before any caller traffic
resumes. Per-call timeouts bound only the caller's wait: a command
already written cannot be unsent, and its eventual reply is still
consumed to keep the FIFO aligned.

Layout:

  redis          request/reply model, error taxonomy, sync/async surfaces
  resp           RESP codec: command encoder, resumable reply decoder
  redistransport dialing TCP, unix sockets and TLS
  redisconn      the request/response connection
  redispubsub    the subscriber connection with back-pressured delivery
  testbed        in-process redis look-alike for tests

Results are redis.Reply values, an explicit tagged union mirroring the
wire: simple strings, errors, integers (kept as text), bulk strings and
nested arrays, with nil bulks and nil arrays kept distinguishable.
Server error replies are returned as errors to the caller they belong
to; connection-level failures fail every in-flight caller uniformly.

Floats are deliberately rejected at encode time: their textual
round-trip is lossy, so the client refuses to store them.

The pubsub connection delivers events to a single controlling
subscriber with an explicit ack handshake: after one event, nothing
more until Ack. Pending events queue up to a bound, and overflow either
drops the queue (with a synthetic notice) or terminates the connection.
*/
package redisact
