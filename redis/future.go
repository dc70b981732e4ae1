package redis

// Future is resolved with the outcome of a submitted command. Resolve is
// called from the connection's reader goroutine and must return quickly;
// anything slow belongs on the caller's side of a channel.
//
// n is the value passed at submission. For SendMany it is start+i for the
// i-th command of the batch.
type Future interface {
	Resolve(res Reply, err error, n uint64)
	Cancelled() bool
}

// FuncFuture adapts a plain function to Future.
type FuncFuture func(res Reply, err error, n uint64)

func (f FuncFuture) Cancelled() bool                    { return false }
func (f FuncFuture) Resolve(res Reply, err error, n uint64) { f(res, err, n) }

// Sender is the callback-level submission surface implemented by
// redisconn.Connection.
type Sender interface {
	// Send submits one command. cb may be nil to drop the reply.
	Send(r Request, cb Future, n uint64)
	// SendMany submits commands back-to-back as one atomic write; the
	// i-th command resolves with n = start+i.
	SendMany(r []Request, cb Future, start uint64)
	// SendTransaction wraps reqs in MULTI/EXEC and resolves cb once with
	// the EXEC reply.
	SendTransaction(r []Request, cb Future, n uint64)
	// Scanner iterates SCAN-family commands.
	Scanner(opts ScanOpts) Scanner
	// Close frees the sender and fails everything still in flight.
	Close()
}
