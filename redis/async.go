package redis

import (
	"sync/atomic"
)

// Tag identifies an async submission. Tags are opaque and unique for the
// lifetime of the process.
type Tag uint64

var lastTag uint64

func nextTag() Tag {
	return Tag(atomic.AddUint64(&lastTag, 1))
}

// AsyncResult is the single message delivered per async submission.
// Reply/Err are set for Send, Batch for SendMany.
type AsyncResult struct {
	Tag   Tag
	Reply Reply
	Err   error
	Batch []Result
}

// Async submits commands without suspending the caller; the outcome is
// delivered to a subscriber channel instead. The channel must have free
// capacity (or a ready receiver) when the reply arrives: delivery happens
// on the connection's reader goroutine and a full channel would stall it.
type Async struct {
	S Sender
}

// Send submits one command and returns its tag. The subscriber receives
// exactly one AsyncResult carrying that tag.
func (a Async) Send(r Request, ch chan<- AsyncResult) Tag {
	tag := nextTag()
	a.S.Send(r, &asyncFuture{ch: ch, tag: tag}, 0)
	return tag
}

// SendMany submits a pipeline and returns its tag. The subscriber
// receives exactly one AsyncResult whose Batch holds one Result per
// request, in order.
func (a Async) SendMany(reqs []Request, ch chan<- AsyncResult) Tag {
	tag := nextTag()
	if len(reqs) == 0 {
		ch <- AsyncResult{Tag: tag, Batch: []Result{}}
		return tag
	}
	f := &asyncBatch{ch: ch, tag: tag, r: make([]Result, len(reqs))}
	a.S.SendMany(reqs, f, 0)
	return tag
}

type asyncFuture struct {
	ch  chan<- AsyncResult
	tag Tag
}

func (f *asyncFuture) Cancelled() bool { return false }

func (f *asyncFuture) Resolve(res Reply, err error, _ uint64) {
	f.ch <- AsyncResult{Tag: f.tag, Reply: res, Err: err}
}

type asyncBatch struct {
	ch  chan<- AsyncResult
	tag Tag
	r   []Result
	cnt uint32
}

func (f *asyncBatch) Cancelled() bool { return false }

func (f *asyncBatch) Resolve(res Reply, err error, i uint64) {
	f.r[i] = Result{Reply: res, Err: err}
	if int(atomic.AddUint32(&f.cnt, 1)) == len(f.r) {
		f.ch <- AsyncResult{Tag: f.tag, Batch: f.r}
	}
}
