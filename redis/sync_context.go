package redis

import (
	"context"
	"sync/atomic"
)

// SyncCtx is like Sync, but every wait is bounded by a context. The
// timeout cancels the wait only: the command is already on the wire and
// the connection will still consume its reply.
type SyncCtx struct {
	S Sender
}

// Do builds a request and performs a synchronous call.
func (s SyncCtx) Do(ctx context.Context, cmd string, args ...interface{}) (Reply, error) {
	return s.Send(ctx, Request{cmd, args})
}

// Send performs a synchronous call bounded by ctx.
func (s SyncCtx) Send(ctx context.Context, r Request) (Reply, error) {
	res := ctxRes{active: newActive(ctx)}

	s.S.Send(r, &res, 0)

	select {
	case <-ctx.Done():
		return Reply{}, ErrRequestCancelled.Wrap(ctx.Err(), "request cancelled")
	case <-res.ch:
		return res.r, res.err
	}
}

// SendMany performs a synchronous pipeline bounded by ctx. Commands whose
// replies did not arrive in time resolve with ErrRequestCancelled.
func (s SyncCtx) SendMany(ctx context.Context, reqs []Request) []Result {
	if len(reqs) == 0 {
		return []Result{}
	}
	res := ctxBatch{
		active: newActive(ctx),
		r:      make([]Result, len(reqs)),
		o:      make([]uint32, len(reqs)),
	}

	s.S.SendMany(reqs, &res, 0)

	select {
	case <-ctx.Done():
		err := ErrRequestCancelled.Wrap(ctx.Err(), "request cancelled")
		for i := range res.o {
			res.Resolve(Reply{}, err, uint64(i))
		}
		<-res.ch
	case <-res.ch:
	}
	return res.r
}

// SendTransaction wraps reqs in MULTI/EXEC, bounded by ctx.
func (s SyncCtx) SendTransaction(ctx context.Context, reqs []Request) ([]Reply, error) {
	res := ctxRes{active: newActive(ctx)}

	s.S.SendTransaction(reqs, &res, 0)

	select {
	case <-ctx.Done():
		return nil, ErrRequestCancelled.Wrap(ctx.Err(), "request cancelled")
	case <-res.ch:
		return TransactionResponse(res.r, res.err)
	}
}

// Scanner wraps Sender.Scanner into a context-bounded iterator.
func (s SyncCtx) Scanner(ctx context.Context, opts ScanOpts) SyncCtxIterator {
	return SyncCtxIterator{ctx, s.S.Scanner(opts)}
}

type active struct {
	ctx context.Context
	ch  chan struct{}
}

func newActive(ctx context.Context) active {
	return active{ctx, make(chan struct{})}
}

func (c active) Cancelled() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

func (c active) done() {
	close(c.ch)
}

type ctxRes struct {
	active
	r   Reply
	err error
}

func (c *ctxRes) Resolve(r Reply, err error, _ uint64) {
	c.r, c.err = r, err
	c.done()
}

type ctxBatch struct {
	active
	r   []Result
	o   []uint32
	cnt uint32
}

func (s *ctxBatch) Resolve(res Reply, err error, i uint64) {
	if atomic.CompareAndSwapUint32(&s.o[i], 0, 1) {
		s.r[i] = Result{Reply: res, Err: err}
		if int(atomic.AddUint32(&s.cnt, 1)) == len(s.r) {
			s.done()
		}
	}
}

// SyncCtxIterator iterates a Scanner, bounded by a context.
type SyncCtxIterator struct {
	ctx context.Context
	s   Scanner
}

// Next returns the next batch of keys, or ScanEOF when iteration is done.
func (s SyncCtxIterator) Next() ([]string, error) {
	res := ctxScan{active: newActive(s.ctx)}
	s.s.Next(&res)
	select {
	case <-s.ctx.Done():
		return nil, ErrRequestCancelled.Wrap(s.ctx.Err(), "request cancelled")
	case <-res.ch:
		return res.keys, res.err
	}
}

type ctxScan struct {
	active
	keys []string
	err  error
}

func (r *ctxScan) ResolveScan(keys []string, err error) {
	r.keys, r.err = keys, err
	r.done()
}
