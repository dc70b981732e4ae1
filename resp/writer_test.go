package resp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvina/redisact/redis"
	. "github.com/corvina/redisact/resp"
)

func TestAppendCommand(t *testing.T) {
	buf, err := AppendCommand(nil, redis.Req("SET", "foo", "bar"))
	require.NoError(t, err)
	assert.Equal(t, "*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n", string(buf))

	buf, err = AppendCommand(nil, redis.Req("PING"))
	require.NoError(t, err)
	assert.Equal(t, "*1\r\n$4\r\nPING\r\n", string(buf))

	buf, err = AppendCommand(nil, redis.Req("GET", []byte("key")))
	require.NoError(t, err)
	assert.Equal(t, "*2\r\n$3\r\nGET\r\n$3\r\nkey\r\n", string(buf))

	// appending continues an existing buffer
	buf, err = AppendCommand([]byte("x"), redis.Req("PING"))
	require.NoError(t, err)
	assert.Equal(t, "x*1\r\n$4\r\nPING\r\n", string(buf))
}

func TestAppendCommandIntegers(t *testing.T) {
	cases := []struct {
		arg  interface{}
		wire string
	}{
		{int(0), "$1\r\n0\r\n"},
		{int(7), "$1\r\n7\r\n"},
		{int8(-31), "$3\r\n-31\r\n"},
		{int16(1000), "$4\r\n1000\r\n"},
		{int32(-1), "$2\r\n-1\r\n"},
		{int64(9999999999), "$10\r\n9999999999\r\n"},
		{int64(-9223372036854775808), "$20\r\n-9223372036854775808\r\n"},
		{uint(1), "$1\r\n1\r\n"},
		{uint8(255), "$3\r\n255\r\n"},
		{uint64(18446744073709551615), "$20\r\n18446744073709551615\r\n"},
	}
	for _, c := range cases {
		buf, err := AppendCommand(nil, redis.Req("CMD", c.arg))
		require.NoError(t, err)
		assert.Equal(t, "*2\r\n$3\r\nCMD\r\n"+c.wire, string(buf), "arg %v", c.arg)
	}
}

func TestAppendCommandRejectsFloats(t *testing.T) {
	for _, arg := range []interface{}{float32(1.5), float64(3.14), float64(1)} {
		buf, err := AppendCommand([]byte("pre"), redis.Req("SET", "k", arg))
		require.Error(t, err, "arg %v", arg)
		assert.True(t, redis.AsErrorx(err).IsOfType(redis.ErrFloatValue))
		// nothing may reach the wire
		assert.Equal(t, "pre", string(buf))
	}
}

func TestAppendCommandRejectsUnknownTypes(t *testing.T) {
	buf, err := AppendCommand(nil, redis.Req("SET", "k", struct{}{}))
	require.Error(t, err)
	assert.True(t, redis.AsErrorx(err).IsOfType(redis.ErrArgumentType))
	assert.Len(t, buf, 0)

	_, err = AppendCommand(nil, redis.Req("SET", "k", nil))
	require.Error(t, err)
	assert.True(t, redis.AsErrorx(err).IsOfType(redis.ErrArgumentType))
}

func TestAppendReply(t *testing.T) {
	cases := []struct {
		r    redis.Reply
		wire string
	}{
		{redis.MakeSimpleStr("OK"), "+OK\r\n"},
		{redis.MakeErr("ERR boom"), "-ERR boom\r\n"},
		{redis.MakeInt(42), ":42\r\n"},
		{redis.MakeBulk([]byte("ab")), "$2\r\nab\r\n"},
		{redis.MakeBulk([]byte{}), "$0\r\n\r\n"},
		{redis.MakeNilBulk(), "$-1\r\n"},
		{redis.MakeNilArray(), "*-1\r\n"},
		{redis.MakeArray([]redis.Reply{
			redis.MakeBulk([]byte("1")),
			redis.MakeArray([]redis.Reply{redis.MakeInt(2)}),
		}), "*2\r\n$1\r\n1\r\n*1\r\n:2\r\n"},
	}
	for _, c := range cases {
		assert.Equal(t, c.wire, string(AppendReply(nil, c.r)))
	}
}
