package redis_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	. "github.com/corvina/redisact/redis"
)

func TestRequestKey(t *testing.T) {
	var k string
	var ok bool

	k, ok = Req("GET", 1).Key()
	assert.Equal(t, "1", k)
	assert.True(t, ok)

	_, ok = Req("GET").Key()
	assert.False(t, ok)

	k, ok = Req("SET", 1, 2).Key()
	assert.Equal(t, "1", k)
	assert.True(t, ok)

	k, ok = Req("RANDOMKEY").Key()
	assert.Equal(t, "RANDOMKEY", k)
	assert.False(t, ok)

	k, ok = Req("EVAL", 1, 2, 3).Key()
	assert.Equal(t, "2", k)
	assert.True(t, ok)

	k, ok = Req("BITOP", "AND", 1, 2).Key()
	assert.Equal(t, "1", k)
	assert.True(t, ok)
}

func TestArgToString(t *testing.T) {
	cases := []struct {
		arg  interface{}
		want string
		ok   bool
	}{
		{int(0), "0", true},
		{uint(1), "1", true},
		{int8(6), "6", true},
		{int8(-31), "-31", true},
		{int64(-9999999999), "-9999999999", true},
		{uint64(18446744073709551615), "18446744073709551615", true},
		{"str", "str", true},
		{[]byte("bytes"), "bytes", true},
		{float64(1.5), "", false},
		{nil, "", false},
		{struct{}{}, "", false},
	}
	for _, c := range cases {
		got, ok := ArgToString(c.arg)
		assert.Equal(t, c.ok, ok, "arg %v", c.arg)
		assert.Equal(t, c.want, got, "arg %v", c.arg)
	}
}

func TestReplyHelpers(t *testing.T) {
	assert.True(t, MakeNilBulk().IsNil())
	assert.True(t, MakeNilArray().IsNil())
	assert.False(t, MakeBulk(nil).IsNil())

	v, err := MakeInt(42).Int64()
	assert.NoError(t, err)
	assert.Equal(t, int64(42), v)

	_, err = MakeBulk([]byte("abc")).Int64()
	assert.Error(t, err)
	assert.True(t, AsErrorx(err).IsOfType(ErrIntegerParsing))

	assert.NoError(t, MakeSimpleStr("OK").AsError())
	err = MakeErr("ERR nope").AsError()
	assert.Error(t, err)
	assert.True(t, AsErrorx(err).IsOfType(ErrResult))
	assert.Contains(t, err.Error(), "ERR nope")
}

func TestTransactionResponse(t *testing.T) {
	rs, err := TransactionResponse(MakeArray([]Reply{MakeInt(1)}), nil)
	assert.NoError(t, err)
	assert.Len(t, rs, 1)

	_, err = TransactionResponse(MakeNilArray(), nil)
	assert.True(t, AsErrorx(err).IsOfType(ErrExecEmpty))

	_, err = TransactionResponse(MakeInt(1), nil)
	assert.True(t, AsErrorx(err).IsOfType(ErrResponseUnexpected))
}
