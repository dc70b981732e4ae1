package redis

import (
	"errors"
)

// ScanEOF signals the end of a SCAN iteration.
var ScanEOF = errors.New("iteration finished")

// Scanner iterates a SCAN-family command batch by batch.
type Scanner interface {
	Next(cb ScanFuture)
}

// ScanFuture receives one batch of keys, or ScanEOF.
type ScanFuture interface {
	ResolveScan(keys []string, err error)
	Cancelled() bool
}

// ScanOpts describes a SCAN-family iteration.
type ScanOpts struct {
	// Cmd is SCAN, SSCAN, HSCAN or ZSCAN; default SCAN.
	Cmd string
	// Key for the non-SCAN variants.
	Key string
	// Match pattern, optional.
	Match string
	// Count hint, optional.
	Count int
}

// Request builds the command for the iterator position it.
func (s ScanOpts) Request(it []byte) Request {
	if it == nil {
		it = []byte("0")
	}
	args := []interface{}{}
	if s.Cmd == "" {
		s.Cmd = "SCAN"
	}
	if s.Cmd != "SCAN" {
		args = append(args, s.Key)
	}
	args = append(args, it)
	if s.Match != "" {
		args = append(args, "MATCH", s.Match)
	}
	if s.Count > 0 {
		args = append(args, "COUNT", s.Count)
	}
	return Request{s.Cmd, args}
}

// ScannerBase implements the common part of Scanner over a Sender.
type ScannerBase struct {
	ScanOpts
	Iter []byte
	Err  error
	cb   ScanFuture
}

// DoNext issues the next SCAN step on snd, resolving cb with the batch.
func (s *ScannerBase) DoNext(cb ScanFuture, snd Sender) {
	if s.Err != nil {
		cb.ResolveScan(nil, s.Err)
		return
	}
	if s.IterLast() {
		s.Err = ScanEOF
		cb.ResolveScan(nil, ScanEOF)
		return
	}
	s.cb = cb
	snd.Send(s.ScanOpts.Request(s.Iter), s, 0)
}

// IterLast reports whether the cursor returned to zero.
func (s *ScannerBase) IterLast() bool {
	return len(s.Iter) == 1 && s.Iter[0] == '0'
}

func (s *ScannerBase) Cancelled() bool {
	return s.cb.Cancelled()
}

func (s *ScannerBase) Resolve(res Reply, err error, _ uint64) {
	cb := s.cb
	s.cb = nil
	var keys []string
	s.Iter, keys, s.Err = scanResponse(res, err)
	if s.Err != nil {
		cb.ResolveScan(nil, s.Err)
	} else {
		cb.ResolveScan(keys, nil)
	}
}

// scanResponse unpacks [cursor, [keys...]].
func scanResponse(res Reply, err error) ([]byte, []string, error) {
	if err != nil {
		return nil, nil, err
	}
	if res.Kind != Array || len(res.Elems) != 2 {
		return nil, nil, ErrResponseUnexpected.New("SCAN reply is not a pair").
			WithProperty(EKResponse, res)
	}
	cursor := res.Elems[0]
	batch := res.Elems[1]
	if cursor.Kind != Bulk || batch.Kind != Array {
		return nil, nil, ErrResponseUnexpected.New("SCAN reply pair has wrong shape").
			WithProperty(EKResponse, res)
	}
	keys := make([]string, len(batch.Elems))
	for i, k := range batch.Elems {
		if k.Kind != Bulk {
			return nil, nil, ErrResponseUnexpected.New("SCAN key is not a bulk string").
				WithProperty(EKResponse, res)
		}
		keys[i] = k.Text()
	}
	return cursor.Data, keys, nil
}
