// Package resp implements the Redis Serialization Protocol: an
// append-style command encoder and a resumable reply decoder that parses
// whatever prefix of the stream is available and continues exactly where
// it stopped when more bytes arrive.
package resp

import (
	"github.com/corvina/redisact/redis"
)

// AppendCommand appends the RESP multibulk encoding of req to buf and
// returns the extended buffer. On error buf's length is unchanged: no
// partially encoded command is ever left behind.
//
// Floats fail with redis.ErrFloatValue, other unsupported argument types
// with redis.ErrArgumentType.
func AppendCommand(buf []byte, req redis.Request) ([]byte, error) {
	n := len(buf)
	buf = appendHead(buf, '*', int64(len(req.Args)+1))
	buf = appendHead(buf, '$', int64(len(req.Cmd)))
	buf = append(buf, req.Cmd...)
	buf = append(buf, '\r', '\n')
	for _, val := range req.Args {
		switch v := val.(type) {
		case string:
			buf = appendHead(buf, '$', int64(len(v)))
			buf = append(buf, v...)
		case []byte:
			buf = appendHead(buf, '$', int64(len(v)))
			buf = append(buf, v...)
		case int:
			buf = appendBulkInt(buf, int64(v))
		case int8:
			buf = appendBulkInt(buf, int64(v))
		case int16:
			buf = appendBulkInt(buf, int64(v))
		case int32:
			buf = appendBulkInt(buf, int64(v))
		case int64:
			buf = appendBulkInt(buf, v)
		case uint:
			buf = appendBulkUint(buf, uint64(v))
		case uint8:
			buf = appendBulkUint(buf, uint64(v))
		case uint16:
			buf = appendBulkUint(buf, uint64(v))
		case uint32:
			buf = appendBulkUint(buf, uint64(v))
		case uint64:
			buf = appendBulkUint(buf, v)
		case float32:
			return buf[:n], redis.ErrFloatValue.New("cannot store float %v", v).
				WithProperty(redis.EKRequest, req)
		case float64:
			return buf[:n], redis.ErrFloatValue.New("cannot store float %v", v).
				WithProperty(redis.EKRequest, req)
		default:
			return buf[:n], redis.ErrArgumentType.New("argument type %T is not supported", val).
				WithProperty(redis.EKRequest, req)
		}
		buf = append(buf, '\r', '\n')
	}
	return buf, nil
}

// AppendReply appends the RESP encoding of a reply. The testbed server
// uses it for the other direction of the wire.
func AppendReply(buf []byte, r redis.Reply) []byte {
	switch r.Kind {
	case redis.SimpleStr:
		buf = append(buf, '+')
		buf = append(buf, r.Data...)
		buf = append(buf, '\r', '\n')
	case redis.Err:
		buf = append(buf, '-')
		buf = append(buf, r.Data...)
		buf = append(buf, '\r', '\n')
	case redis.Int:
		buf = append(buf, ':')
		buf = append(buf, r.Data...)
		buf = append(buf, '\r', '\n')
	case redis.Bulk:
		if r.Null {
			buf = append(buf, "$-1\r\n"...)
			break
		}
		buf = appendHead(buf, '$', int64(len(r.Data)))
		buf = append(buf, r.Data...)
		buf = append(buf, '\r', '\n')
	case redis.Array:
		if r.Null {
			buf = append(buf, "*-1\r\n"...)
			break
		}
		buf = appendHead(buf, '*', int64(len(r.Elems)))
		for _, el := range r.Elems {
			buf = AppendReply(buf, el)
		}
	}
	return buf
}

func appendInt(b []byte, i int64) []byte {
	if i == 0 {
		return append(b, '0')
	}
	var u uint64
	if i > 0 {
		u = uint64(i)
	} else {
		b = append(b, '-')
		u = uint64(-i)
	}
	return appendUintDigits(b, u)
}

func appendUintDigits(b []byte, u uint64) []byte {
	if u == 0 {
		return append(b, '0')
	}
	digits := [20]byte{}
	p := len(digits)
	for u > 0 {
		n := u / 10
		p--
		digits[p] = byte(u-n*10) + '0'
		u = n
	}
	return append(b, digits[p:]...)
}

func appendHead(b []byte, t byte, i int64) []byte {
	b = append(b, t)
	b = appendInt(b, i)
	return append(b, '\r', '\n')
}

// appendBulkInt writes an integer argument as a bulk string. The length
// header is written first with a placeholder digit and patched after the
// digits are known.
func appendBulkInt(b []byte, i int64) []byte {
	b = append(b, '$', '0', '\r', '\n')
	l := len(b)
	b = appendInt(b, i)
	return patchBulkLen(b, l)
}

func appendBulkUint(b []byte, u uint64) []byte {
	b = append(b, '$', '0', '\r', '\n')
	l := len(b)
	b = appendUintDigits(b, u)
	return patchBulkLen(b, l)
}

func patchBulkLen(b []byte, l int) []byte {
	li := len(b) - l
	if li < 10 {
		b[l-3] = byte(li) + '0'
		return b
	}
	// two-digit length: shift the payload right by one
	b = append(b, 0)
	copy(b[l+1:], b[l:len(b)-1])
	b[l-3] = byte(li/10) + '0'
	b[l-2] = byte(li%10) + '0'
	b[l-1] = '\r'
	b[l] = '\n'
	return b
}
