package redis

import "strconv"

// Req makes a Request from a command name and arguments.
func Req(cmd string, args ...interface{}) Request {
	return Request{cmd, args}
}

// Request is a single redis command. Arguments may be []byte, string or
// any integer type; everything is sent as a bulk string. Floats are
// rejected at encode time (see ErrFloatValue), other types fail with
// ErrArgumentType.
type Request struct {
	Cmd  string
	Args []interface{}
}

func (req Request) String() string {
	s := req.Cmd
	for i, a := range req.Args {
		if i >= 3 {
			s += " ..."
			break
		}
		if arg, ok := ArgToString(a); ok {
			s += " " + arg
		} else {
			s += " ???"
		}
	}
	return s
}

// Key returns the request's first key argument, if there is one.
func (req Request) Key() (string, bool) {
	if req.Cmd == "RANDOMKEY" {
		return "RANDOMKEY", false
	}
	n := 0
	if req.Cmd == "EVAL" || req.Cmd == "EVALSHA" || req.Cmd == "BITOP" {
		n = 1
	}
	if len(req.Args) <= n {
		return "", false
	}
	return ArgToString(req.Args[n])
}

// ArgToString converts an argument to its textual form, exactly as it
// would appear on the wire.
func ArgToString(arg interface{}) (string, bool) {
	switch v := arg.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	case int:
		return strconv.FormatInt(int64(v), 10), true
	case int8:
		return strconv.FormatInt(int64(v), 10), true
	case int16:
		return strconv.FormatInt(int64(v), 10), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case uint:
		return strconv.FormatUint(uint64(v), 10), true
	case uint8:
		return strconv.FormatUint(uint64(v), 10), true
	case uint16:
		return strconv.FormatUint(uint64(v), 10), true
	case uint32:
		return strconv.FormatUint(uint64(v), 10), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	default:
		return "", false
	}
}
