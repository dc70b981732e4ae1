package resp

import (
	"bytes"

	"github.com/corvina/redisact/redis"
)

// Decoder incrementally parses a stream of RESP replies. Feed it chunks
// as they come off the socket; every call returns the replies that
// became complete. State between calls is an explicit continuation: the
// unparsed tail, how far that tail has been searched for a line end, a
// pending bulk length, and the stack of open arrays. Already scanned
// bytes are never scanned again.
//
// The zero value is ready to use. A Decoder is not safe for concurrent
// use; each connection owns one.
type Decoder struct {
	buf     []byte // stream bytes from the start of the current top-level reply
	pos     int    // start of the frame currently being parsed
	scan    int    // buf[:scan] has been searched for '\n' already
	bulk    int64  // pending bulk body length, or bulkNone
	open    []arrayFrame
	started bool
}

type arrayFrame struct {
	remaining int64
	elems     []redis.Reply
}

const bulkNone = -2

// Decode appends p to the pending buffer and returns every reply that is
// now complete. A nil error with no replies means the stream stopped
// mid-frame; the decoder resumes on the next call.
//
// A non-nil error is fatal: the stream is not valid RESP and the decoder
// must not be fed again without a reconnect. Replies completed before
// the error are still returned.
func (d *Decoder) Decode(p []byte) ([]redis.Reply, error) {
	if !d.started {
		d.started = true
		d.bulk = bulkNone
	}
	d.buf = append(d.buf, p...)
	var out []redis.Reply
	for {
		rep, done, err := d.step()
		if err != nil {
			return out, err
		}
		if !done {
			return out, nil
		}
		out = append(out, rep)
		d.release()
	}
}

// step parses at most one complete top-level reply.
func (d *Decoder) step() (redis.Reply, bool, error) {
Outer:
	for {
		rep, st, err := d.element()
		switch {
		case err != nil:
			return redis.Reply{}, false, err
		case st == elemNeedMore:
			return redis.Reply{}, false, nil
		case st == elemOpened:
			continue Outer
		}
		// fold the finished element into enclosing arrays
		for len(d.open) > 0 {
			top := &d.open[len(d.open)-1]
			top.elems = append(top.elems, rep)
			top.remaining--
			if top.remaining > 0 {
				continue Outer
			}
			rep = redis.MakeArray(top.elems)
			d.open = d.open[:len(d.open)-1]
		}
		return rep, true, nil
	}
}

const (
	elemNeedMore = iota
	elemDone
	elemOpened
)

// element parses one frame: a header line plus, for bulks, the body.
// An array header does not produce a reply; it pushes a frame and
// reports elemOpened.
func (d *Decoder) element() (redis.Reply, int, error) {
	if d.bulk >= 0 {
		return d.bulkBody()
	}
	line, ok, err := d.line()
	if err != nil {
		return redis.Reply{}, 0, err
	}
	if !ok {
		return redis.Reply{}, elemNeedMore, nil
	}
	if len(line) == 0 {
		return redis.Reply{}, 0, redis.ErrHeaderlineEmpty.NewWithNoMessage()
	}
	switch line[0] {
	case '+':
		return redis.MakeSimpleStr(string(line[1:])), elemDone, nil
	case '-':
		return redis.MakeErr(string(line[1:])), elemDone, nil
	case ':':
		if _, err := parseInt(line[1:]); err != nil {
			return redis.Reply{}, 0, err
		}
		return redis.Reply{Kind: redis.Int, Data: copyBytes(line[1:])}, elemDone, nil
	case '$':
		n, err := parseInt(line[1:])
		if err != nil {
			return redis.Reply{}, 0, err
		}
		if n < 0 {
			return redis.MakeNilBulk(), elemDone, nil
		}
		d.bulk = n
		return d.bulkBody()
	case '*':
		n, err := parseInt(line[1:])
		if err != nil {
			return redis.Reply{}, 0, err
		}
		if n < 0 {
			return redis.MakeNilArray(), elemDone, nil
		}
		if n == 0 {
			return redis.MakeArray([]redis.Reply{}), elemDone, nil
		}
		d.open = append(d.open, arrayFrame{remaining: n, elems: make([]redis.Reply, 0, min(n, 32))})
		return redis.Reply{}, elemOpened, nil
	default:
		return redis.Reply{}, 0, redis.ErrUnknownHeaderType.New("unknown header type %q", line[0])
	}
}

// bulkBody consumes a pending bulk payload plus its trailing "\r\n".
func (d *Decoder) bulkBody() (redis.Reply, int, error) {
	need := int(d.bulk) + 2
	if len(d.buf)-d.pos < need {
		return redis.Reply{}, elemNeedMore, nil
	}
	body := d.buf[d.pos : d.pos+int(d.bulk)]
	if d.buf[d.pos+int(d.bulk)] != '\r' || d.buf[d.pos+int(d.bulk)+1] != '\n' {
		return redis.Reply{}, 0, redis.ErrNoFinalRN.NewWithNoMessage()
	}
	d.pos += need
	d.scan = d.pos
	d.bulk = bulkNone
	return redis.MakeBulk(copyBytes(body)), elemDone, nil
}

// line returns the next header line without its "\r\n". The search
// resumes at d.scan, so a chunk boundary inside a long line costs
// nothing extra.
func (d *Decoder) line() ([]byte, bool, error) {
	i := bytes.IndexByte(d.buf[d.scan:], '\n')
	if i < 0 {
		d.scan = len(d.buf)
		return nil, false, nil
	}
	end := d.scan + i
	if end == d.pos || d.buf[end-1] != '\r' {
		return nil, false, redis.ErrResponseFormat.New("header line not terminated by CRLF")
	}
	line := d.buf[d.pos : end-1]
	d.pos = end + 1
	d.scan = d.pos
	return line, true, nil
}

// release drops the bytes of a completed top-level reply. Only called
// between replies, when no partial frame state exists.
func (d *Decoder) release() {
	if d.pos == 0 {
		return
	}
	n := copy(d.buf, d.buf[d.pos:])
	d.buf = d.buf[:n]
	d.pos = 0
	d.scan = 0
}

// Buffered returns the number of unparsed bytes held by the decoder.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.pos
}

func parseInt(buf []byte) (int64, error) {
	if len(buf) == 0 {
		return 0, redis.ErrIntegerParsing.NewWithNoMessage()
	}
	neg := buf[0] == '-'
	if neg {
		buf = buf[1:]
		if len(buf) == 0 {
			return 0, redis.ErrIntegerParsing.NewWithNoMessage()
		}
	}
	v := int64(0)
	for _, b := range buf {
		if b < '0' || b > '9' {
			return 0, redis.ErrIntegerParsing.NewWithNoMessage()
		}
		v *= 10
		v += int64(b - '0')
	}
	if neg {
		v = -v
	}
	return v, nil
}

func copyBytes(b []byte) []byte {
	return append(make([]byte, 0, len(b)), b...)
}
