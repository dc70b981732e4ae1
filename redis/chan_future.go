package redis

// ChanFutured turns a Sender into a future-returning API.
type ChanFutured struct {
	S Sender
}

func (s ChanFutured) Send(r Request) *ChanFuture {
	f := &ChanFuture{wait: make(chan struct{})}
	s.S.Send(r, f, 0)
	return f
}

func (s ChanFutured) SendMany(reqs []Request) ChanFutures {
	futures := make(ChanFutures, len(reqs))
	for i := range futures {
		futures[i] = &ChanFuture{wait: make(chan struct{})}
	}
	s.S.SendMany(reqs, futures, 0)
	return futures
}

// ChanFuture resolves exactly once; Value blocks until then.
type ChanFuture struct {
	r    Result
	wait chan struct{}
}

// Value waits for the result.
func (f *ChanFuture) Value() Result {
	<-f.wait
	return f.r
}

// Done signals completion; for use in select.
func (f *ChanFuture) Done() <-chan struct{} {
	return f.wait
}

func (f *ChanFuture) Cancelled() bool { return false }

func (f *ChanFuture) Resolve(res Reply, err error, _ uint64) {
	f.r = Result{Reply: res, Err: err}
	close(f.wait)
}

// ChanFutures is a batch of ChanFuture resolved by index.
type ChanFutures []*ChanFuture

func (f ChanFutures) Cancelled() bool { return false }

func (f ChanFutures) Resolve(res Reply, err error, i uint64) {
	f[i].Resolve(res, err, i)
}
