package redis

import (
	"sync"
)

// Sync provides synchronous calls over a Sender. The caller is suspended
// until the connection resolves the future; use SyncCtx to bound the wait.
type Sync struct {
	S Sender
}

// Do builds a request and performs a synchronous call.
func (s Sync) Do(cmd string, args ...interface{}) (Reply, error) {
	return s.Send(Request{cmd, args})
}

// Send performs a synchronous call.
func (s Sync) Send(r Request) (Reply, error) {
	var res syncRes
	res.Add(1)
	s.S.Send(r, &res, 0)
	res.Wait()
	return res.r, res.err
}

// SendMany performs a synchronous pipeline. The returned slice has one
// Result per request, in order. An empty batch returns an empty slice
// without touching the connection.
func (s Sync) SendMany(reqs []Request) []Result {
	if len(reqs) == 0 {
		return []Result{}
	}
	res := syncBatch{r: make([]Result, len(reqs))}
	res.Add(len(reqs))
	s.S.SendMany(reqs, &res, 0)
	res.Wait()
	return res.r
}

// SendTransaction wraps reqs in MULTI/EXEC and returns the unpacked EXEC
// reply.
func (s Sync) SendTransaction(reqs []Request) ([]Reply, error) {
	var res syncRes
	res.Add(1)
	s.S.SendTransaction(reqs, &res, 0)
	res.Wait()
	return TransactionResponse(res.r, res.err)
}

// Scanner wraps Sender.Scanner into a synchronous iterator.
func (s Sync) Scanner(opts ScanOpts) SyncIterator {
	return SyncIterator{s.S.Scanner(opts)}
}

type syncRes struct {
	r   Reply
	err error
	sync.WaitGroup
}

func (s *syncRes) Cancelled() bool { return false }

func (s *syncRes) Resolve(res Reply, err error, _ uint64) {
	s.r, s.err = res, err
	s.Done()
}

type syncBatch struct {
	r []Result
	sync.WaitGroup
}

func (s *syncBatch) Cancelled() bool { return false }

func (s *syncBatch) Resolve(res Reply, err error, i uint64) {
	s.r[i] = Result{Reply: res, Err: err}
	s.Done()
}

// SyncIterator iterates a Scanner synchronously.
type SyncIterator struct {
	s Scanner
}

// Next returns the next batch of keys, or ScanEOF when iteration is done.
func (s SyncIterator) Next() ([]string, error) {
	var res syncScan
	res.Add(1)
	s.s.Next(&res)
	res.Wait()
	return res.keys, res.err
}

type syncScan struct {
	keys []string
	err  error
	sync.WaitGroup
}

func (s *syncScan) Cancelled() bool { return false }

func (s *syncScan) ResolveScan(keys []string, err error) {
	s.keys, s.err = keys, err
	s.Done()
}
