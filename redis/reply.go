package redis

import (
	"fmt"
	"strconv"
)

// ReplyKind enumerates the RESP reply variants.
type ReplyKind uint8

const (
	// SimpleStr is a "+" status line ("OK", "PONG", "QUEUED").
	SimpleStr ReplyKind = iota + 1
	// Err is a "-" error line.
	Err
	// Int is a ":" integer line. The digits are kept as text in Data.
	Int
	// Bulk is a "$" byte string, possibly nil.
	Bulk
	// Array is a "*" sequence of replies, possibly nested, possibly nil.
	Array
)

var kindName = map[ReplyKind]string{
	SimpleStr: "simple",
	Err:       "error",
	Int:       "int",
	Bulk:      "bulk",
	Array:     "array",
}

func (k ReplyKind) String() string {
	if s, ok := kindName[k]; ok {
		return s
	}
	return fmt.Sprintf("kind%d", uint8(k))
}

// Reply is a decoded RESP reply. Exactly one variant is populated:
// Data for SimpleStr, Err, Int and Bulk; Elems for Array. Null is set
// for the explicit nil bulk ("$-1") and nil array ("*-1").
//
// Integer replies are carried as their textual bytes and parsed only on
// demand via Int64, so values flow through untouched.
type Reply struct {
	Kind  ReplyKind
	Data  []byte
	Elems []Reply
	Null  bool
}

func MakeSimpleStr(s string) Reply { return Reply{Kind: SimpleStr, Data: []byte(s)} }
func MakeErr(s string) Reply       { return Reply{Kind: Err, Data: []byte(s)} }
func MakeInt(v int64) Reply        { return Reply{Kind: Int, Data: strconv.AppendInt(nil, v, 10)} }
func MakeBulk(b []byte) Reply      { return Reply{Kind: Bulk, Data: b} }
func MakeNilBulk() Reply           { return Reply{Kind: Bulk, Null: true} }
func MakeArray(el []Reply) Reply   { return Reply{Kind: Array, Elems: el} }
func MakeNilArray() Reply          { return Reply{Kind: Array, Null: true} }

// IsNil reports an explicit nil bulk or nil array.
func (r Reply) IsNil() bool {
	return r.Null
}

// Text returns the payload bytes as a string.
func (r Reply) Text() string {
	return string(r.Data)
}

// Int64 parses the textual payload of an Int reply (or a bulk holding
// digits) as a signed integer.
func (r Reply) Int64() (int64, error) {
	v, err := strconv.ParseInt(string(r.Data), 10, 64)
	if err != nil {
		return 0, ErrIntegerParsing.Wrap(err, "reply is not an integer").
			WithProperty(EKResponse, r)
	}
	return v, nil
}

// AsError returns the server error for an Err reply, nil otherwise.
func (r Reply) AsError() error {
	if r.Kind != Err {
		return nil
	}
	return ErrResult.New("%s", r.Data)
}

func (r Reply) String() string {
	switch r.Kind {
	case SimpleStr:
		return fmt.Sprintf("+%s", r.Data)
	case Err:
		return fmt.Sprintf("-%s", r.Data)
	case Int:
		return fmt.Sprintf(":%s", r.Data)
	case Bulk:
		if r.Null {
			return "nil"
		}
		return fmt.Sprintf("%q", r.Data)
	case Array:
		if r.Null {
			return "nil-array"
		}
		return fmt.Sprintf("%v", r.Elems)
	}
	return "reply?"
}

// Result pairs a per-command reply with its per-command error. Pipelines
// resolve into one Result per submitted command.
type Result struct {
	Reply Reply
	Err   error
}
