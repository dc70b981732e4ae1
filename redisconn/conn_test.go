package redisconn_test

import (
	"context"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/joomcode/errorx"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/corvina/redisact/redis"
	. "github.com/corvina/redisact/redisconn"
	"github.com/corvina/redisact/testbed"
)

type Suite struct {
	suite.Suite
	s testbed.Server

	ctx       context.Context
	ctxcancel func()
}

func TestConn(t *testing.T) {
	suite.Run(t, new(Suite))
}

func (s *Suite) SetupTest() {
	s.s = testbed.Server{}
	s.Require().NoError(s.s.Start())
	s.ctx, s.ctxcancel = context.WithTimeout(context.Background(), 55*time.Second)
}

func (s *Suite) TearDownTest() {
	s.s.Stop()
	s.ctxcancel()
	s.ctx, s.ctxcancel = nil, nil
}

func (s *Suite) r() *require.Assertions {
	return s.Require()
}

func (s *Suite) defopts() Opts {
	return Opts{
		IOTimeout:      200 * time.Millisecond,
		ReconnectPause: 50 * time.Millisecond,
		Logger:         ZapLogger{L: zaptest.NewLogger(s.T())},
	}
}

func (s *Suite) connect(opts Opts) *Connection {
	conn, err := Connect(s.ctx, s.s.Addr(), opts)
	s.r().NoError(err)
	s.r().NotNil(conn)
	return conn
}

func (s *Suite) asErrorx(err error) *errorx.Error {
	s.r().Error(err)
	rerr := redis.AsErrorx(err)
	s.r().NotNil(rerr)
	return rerr
}

func (s *Suite) waitReconnect(conn *Connection) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, err := redis.Sync{S: conn}.Do("PING")
		if err == nil {
			s.Equal("PONG", res.Text())
			return
		}
		s.True(s.asErrorx(err).HasTrait(redis.ErrTraitConnectivity))
		runtime.Gosched()
		time.Sleep(time.Millisecond)
	}
	s.r().Fail("connection did not recover")
}

func (s *Suite) TestConnects() {
	conn := s.connect(s.defopts())
	defer conn.Close()
	s.r().NoError(conn.Ping())
	s.True(conn.ConnectedNow())
	s.True(conn.MayBeConnected())
	s.Equal(s.s.Addr(), conn.Addr())
}

// the S1 scenario: SET / GET / DEL / GET of a missing key
func (s *Suite) TestGetSet() {
	conn := s.connect(s.defopts())
	defer conn.Close()
	sync := redis.Sync{S: conn}

	res, err := sync.Do("SET", "foo", "bar")
	s.r().NoError(err)
	s.Equal(redis.MakeSimpleStr("OK"), res)

	res, err = sync.Do("GET", "foo")
	s.r().NoError(err)
	s.Equal(redis.MakeBulk([]byte("bar")), res)

	res, err = sync.Do("DEL", "foo")
	s.r().NoError(err)
	s.Equal(redis.Int, res.Kind)
	s.Equal("1", res.Text())

	res, err = sync.Do("GET", "foo")
	s.r().NoError(err)
	s.True(res.IsNil())
}

func (s *Suite) TestConnectsDb() {
	conn1 := s.connect(s.defopts())
	defer conn1.Close()

	sync1 := redis.Sync{S: conn1}
	_, err := sync1.Do("SET", "db", 0)
	s.r().NoError(err)

	opts2 := s.defopts()
	opts2.DB = 1
	conn2 := s.connect(opts2)
	defer conn2.Close()

	sync2 := redis.Sync{S: conn2}
	res, err := sync2.Do("GET", "db")
	s.r().NoError(err)
	s.True(res.IsNil())

	_, err = sync2.Do("SET", "db", 1)
	s.r().NoError(err)
	res, err = sync2.Do("GET", "db")
	s.r().NoError(err)
	s.Equal([]byte("1"), res.Data)

	res, err = sync1.Do("GET", "db")
	s.r().NoError(err)
	s.Equal([]byte("0"), res.Data)
}

func (s *Suite) TestFailedWithWrongDB() {
	opts := s.defopts()
	opts.DB = 1024
	conn, err := Connect(s.ctx, s.s.Addr(), opts)
	s.r().Nil(conn)
	s.True(s.asErrorx(err).IsOfType(ErrConnSetup))
}

func (s *Suite) TestAuth() {
	s.s.Stop()
	s.s = testbed.Server{RequirePass: "sekrit"}
	s.r().NoError(s.s.Start())

	opts := s.defopts()
	conn, err := Connect(s.ctx, s.s.Addr(), opts)
	s.r().Nil(conn)
	s.r().Error(err)

	opts.Password = "wrong"
	conn, err = Connect(s.ctx, s.s.Addr(), opts)
	s.r().Nil(conn)
	s.True(s.asErrorx(err).IsOfType(ErrAuth))

	opts.Password = "sekrit"
	conn = s.connect(opts)
	defer conn.Close()
	s.r().NoError(conn.Ping())
}

// AUTH and SELECT are replayed on every reconnect, before any caller
// traffic
func (s *Suite) TestReconnectReplaysAuthAndSelect() {
	s.s.Stop()
	s.s = testbed.Server{RequirePass: "sekrit"}
	s.r().NoError(s.s.Start())

	opts := s.defopts()
	opts.Password = "sekrit"
	opts.DB = 3
	conn := s.connect(opts)
	defer conn.Close()

	sync := redis.Sync{S: conn}
	_, err := sync.Do("SET", "k", "v")
	s.r().NoError(err)

	s.s.KillClients()
	s.waitReconnect(conn)

	// the fresh connection is authenticated and back on db 3
	res, err := sync.Do("GET", "k")
	s.r().NoError(err)
	s.Equal([]byte("v"), res.Data)
}

// S5: startup failure with reconnection disabled fails Connect itself
func (s *Suite) TestStoppedNoReconnect() {
	s.s.Stop()
	opts := s.defopts()
	opts.ReconnectPause = -1
	conn, err := Connect(s.ctx, s.s.Addr(), opts)
	s.r().Nil(conn)
	s.True(s.asErrorx(err).IsOfType(ErrDial))

	opts = s.defopts()
	opts.ReconnectPauseFunc = ReconnectNoPause
	conn, err = Connect(s.ctx, s.s.Addr(), opts)
	s.r().Nil(conn)
	s.True(s.asErrorx(err).IsOfType(ErrDial))
}

// while disconnected, submissions fail immediately with ErrNotConnected
// instead of waiting out any timeout
func (s *Suite) TestCircuitBreaker() {
	s.s.Stop()

	conn := s.connect(s.defopts())
	defer conn.Close()

	start := time.Now()
	_, err := redis.Sync{S: conn}.Do("PING")
	s.True(s.asErrorx(err).HasTrait(redis.ErrTraitConnectivity))

	for i := 0; i < 10; i++ {
		at := time.Now()
		_, err := redis.Sync{S: conn}.Do("PING")
		rerr := s.asErrorx(err)
		if rerr.IsOfType(ErrNotConnected) {
			s.r().WithinDuration(at, time.Now(), 50*time.Millisecond)
		}
	}
	s.r().WithinDuration(start, time.Now(), 3*time.Second)

	s.r().NoError(s.s.Start())
	s.waitReconnect(conn)
}

func (s *Suite) TestStoppedReconnects() {
	conn := s.connect(s.defopts())
	defer conn.Close()

	s.r().NoError(conn.Ping())

	s.s.Stop()
	time.Sleep(time.Millisecond)
	_, err := redis.Sync{S: conn}.Do("PING")
	s.True(s.asErrorx(err).HasTrait(redis.ErrTraitConnectivity))

	s.r().NoError(s.s.Start())
	s.waitReconnect(conn)
}

// S4: two requests in flight when the socket dies; both fail with a
// connectivity error, and the connection recovers
func (s *Suite) TestInducedSocketClose() {
	conn := s.connect(s.defopts())
	defer conn.Close()

	sync := redis.Sync{S: conn}
	_, err := sync.Do("SET", "foo", "bar")
	s.r().NoError(err)

	// stall the server's command loop so the next requests stay in flight
	futures := redis.ChanFutured{S: conn}
	sleep := futures.Send(redis.Req("DEBUG", "SLEEP", "2"))
	q1 := futures.Send(redis.Req("GET", "foo"))
	q2 := futures.Send(redis.Req("GET", "bar"))

	time.Sleep(20 * time.Millisecond)
	s.s.KillClients()

	for _, f := range []*redis.ChanFuture{sleep, q1, q2} {
		res := f.Value()
		rerr := s.asErrorx(res.Err)
		s.True(rerr.HasTrait(redis.ErrTraitConnectivity))
	}

	s.waitReconnect(conn)
	res, err := sync.Do("GET", "foo")
	s.r().NoError(err)
	s.Equal([]byte("bar"), res.Data)
}

// S2: MULTI/EXEC submitted through the pipeline surface
func (s *Suite) TestPipelineTransaction() {
	conn := s.connect(s.defopts())
	defer conn.Close()
	sync := redis.Sync{S: conn}

	_, err := sync.Do("SET", "a", 1)
	s.r().NoError(err)
	_, err = sync.Do("LPUSH", "b", 3)
	s.r().NoError(err)
	_, err = sync.Do("LPUSH", "b", 2)
	s.r().NoError(err)

	results := sync.SendMany([]redis.Request{
		redis.Req("MULTI"),
		redis.Req("GET", "a"),
		redis.Req("LRANGE", "b", 0, -1),
		redis.Req("EXEC"),
	})
	s.r().Len(results, 4)
	for i, res := range results {
		s.r().NoError(res.Err, "result %d", i)
	}
	s.Equal(redis.MakeSimpleStr("OK"), results[0].Reply)
	s.Equal(redis.MakeSimpleStr("QUEUED"), results[1].Reply)
	s.Equal(redis.MakeSimpleStr("QUEUED"), results[2].Reply)
	exec := results[3].Reply
	s.r().Equal(redis.Array, exec.Kind)
	s.r().Len(exec.Elems, 2)
	s.Equal([]byte("1"), exec.Elems[0].Data)
	s.Equal(redis.MakeArray([]redis.Reply{
		redis.MakeBulk([]byte("2")),
		redis.MakeBulk([]byte("3")),
	}), exec.Elems[1])
}

// S3: a WATCHed key modified by another client empties the EXEC reply
func (s *Suite) TestWatchConflict() {
	connA := s.connect(s.defopts())
	defer connA.Close()
	connB := s.connect(s.defopts())
	defer connB.Close()

	syncA := redis.Sync{S: connA}
	syncB := redis.Sync{S: connB}

	_, err := syncA.Do("SET", "x", 1)
	s.r().NoError(err)

	res, err := syncA.Do("WATCH", "x")
	s.r().NoError(err)
	s.Equal("OK", res.Text())

	_, err = syncB.Do("INCR", "x")
	s.r().NoError(err)

	results := syncA.SendMany([]redis.Request{
		redis.Req("MULTI"),
		redis.Req("GET", "x"),
		redis.Req("EXEC"),
	})
	s.r().Len(results, 3)
	s.r().NoError(results[2].Err)
	s.True(results[2].Reply.IsNil())
}

func (s *Suite) TestTransactionHelper() {
	conn := s.connect(s.defopts())
	defer conn.Close()
	sync := redis.Sync{S: conn}

	_, err := sync.Do("SET", "t", 5)
	s.r().NoError(err)

	rs, err := sync.SendTransaction([]redis.Request{
		redis.Req("INCR", "t"),
		redis.Req("GET", "t"),
	})
	s.r().NoError(err)
	s.r().Len(rs, 2)
	s.Equal("6", rs[0].Text())
	s.Equal([]byte("6"), rs[1].Data)
}

// S6: async submission delivers exactly one tagged message
func (s *Suite) TestAsyncTag() {
	conn := s.connect(s.defopts())
	defer conn.Close()

	_, err := redis.Sync{S: conn}.Do("SET", "foo", "bar")
	s.r().NoError(err)

	ch := make(chan redis.AsyncResult, 4)
	async := redis.Async{S: conn}
	tag := async.Send(redis.Req("GET", "foo"), ch)

	select {
	case msg := <-ch:
		s.Equal(tag, msg.Tag)
		s.r().NoError(msg.Err)
		s.Equal([]byte("bar"), msg.Reply.Data)
	case <-time.After(2 * time.Second):
		s.r().Fail("async reply did not arrive")
	}

	select {
	case msg := <-ch:
		s.r().Failf("unexpected second message", "%v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func (s *Suite) TestAsyncPipelineTag() {
	conn := s.connect(s.defopts())
	defer conn.Close()

	ch := make(chan redis.AsyncResult, 1)
	async := redis.Async{S: conn}
	tag := async.SendMany([]redis.Request{
		redis.Req("SET", "ap", "1"),
		redis.Req("GET", "ap"),
	}, ch)

	msg := <-ch
	s.Equal(tag, msg.Tag)
	s.r().Len(msg.Batch, 2)
	s.r().NoError(msg.Batch[0].Err)
	s.Equal([]byte("1"), msg.Batch[1].Reply.Data)
}

// a cast is ordered before subsequent calls from the same goroutine
func (s *Suite) TestCastOrdering() {
	conn := s.connect(s.defopts())
	defer conn.Close()

	conn.Cast(redis.Req("SET", "cast", "first"))
	res, err := redis.Sync{S: conn}.Do("GET", "cast")
	s.r().NoError(err)
	s.Equal([]byte("first"), res.Data)
}

func (s *Suite) TestEmptyPipeline() {
	conn := s.connect(s.defopts())
	defer conn.Close()

	s.Equal([]redis.Result{}, redis.Sync{S: conn}.SendMany(nil))
}

func (s *Suite) TestServerErrorIsLocal() {
	conn := s.connect(s.defopts())
	defer conn.Close()
	sync := redis.Sync{S: conn}

	_, err := sync.Do("NOSUCHCOMMAND")
	rerr := s.asErrorx(err)
	s.True(rerr.IsOfType(redis.ErrResult))
	s.False(rerr.HasTrait(redis.ErrTraitConnectivity))

	// the connection survived
	s.r().NoError(conn.Ping())
}

func (s *Suite) TestBatchEncodingFailure() {
	conn := s.connect(s.defopts())
	defer conn.Close()

	results := redis.Sync{S: conn}.SendMany([]redis.Request{
		redis.Req("SET", "ok", "1"),
		redis.Req("SET", "bad", 1.5),
		redis.Req("GET", "ok"),
	})
	s.r().Len(results, 3)
	s.True(s.asErrorx(results[1].Err).IsOfType(redis.ErrFloatValue))
	s.True(s.asErrorx(results[0].Err).IsOfType(redis.ErrBatchFormat))
	s.True(s.asErrorx(results[2].Err).IsOfType(redis.ErrBatchFormat))

	// nothing of the batch reached the server
	res, err := redis.Sync{S: conn}.Do("EXISTS", "ok")
	s.r().NoError(err)
	s.Equal("0", res.Text())
}

func (s *Suite) TestFloatRejectedSynchronously() {
	conn := s.connect(s.defopts())
	defer conn.Close()

	_, err := redis.Sync{S: conn}.Do("SET", "pi", 3.14)
	s.True(s.asErrorx(err).IsOfType(redis.ErrFloatValue))
}

// N concurrent callers each get the reply to their own command
func (s *Suite) TestFIFOMatching() {
	conn := s.connect(s.defopts())
	defer conn.Close()

	const N = 50
	const K = 40
	sync := redis.SyncCtx{S: conn}
	done := make(chan bool, N)
	for i := 0; i < N; i++ {
		go func(i int) {
			ok := true
			for j := 0; j < K; j++ {
				sij := strconv.Itoa(i*K + j)
				res, err := sync.Do(s.ctx, "PING", sij)
				ok = ok && err == nil && string(res.Data) == sij

				results := sync.SendMany(s.ctx, []redis.Request{
					redis.Req("PING", "a"+sij),
					redis.Req("PING", "b"+sij),
				})
				ok = ok && results[0].Err == nil && string(results[0].Reply.Data) == "a"+sij
				ok = ok && results[1].Err == nil && string(results[1].Reply.Data) == "b"+sij
			}
			done <- ok
		}(i)
	}
	for i := 0; i < N; i++ {
		select {
		case ok := <-done:
			s.True(ok, "a caller saw a foreign reply")
		case <-s.ctx.Done():
			s.r().Fail("timed out")
		}
	}
}

func (s *Suite) TestScan() {
	conn := s.connect(s.defopts())
	defer conn.Close()

	sync := redis.SyncCtx{S: conn}
	for i := 0; i < 100; i++ {
		_, err := sync.Do(s.ctx, "SET", "scan:"+strconv.Itoa(i), i)
		s.r().NoError(err)
	}

	allkeys := map[string]struct{}{}
	scanner := sync.Scanner(s.ctx, redis.ScanOpts{Match: "scan:*"})
	for {
		keys, err := scanner.Next()
		if err != nil {
			s.Equal(redis.ScanEOF, err)
			break
		}
		for _, key := range keys {
			_, dup := allkeys[key]
			s.False(dup)
			allkeys[key] = struct{}{}
		}
	}
	s.Len(allkeys, 100)
}

func (s *Suite) TestClose() {
	conn := s.connect(s.defopts())
	conn.Close()
	<-conn.Ctx().Done()

	s.Eventually(func() bool {
		_, err := redis.Sync{S: conn}.Do("PING")
		rerr := redis.AsErrorx(err)
		return rerr != nil && rerr.IsOfType(redis.ErrContextClosed)
	}, 2*time.Second, 5*time.Millisecond)
}

func (s *Suite) TestAddrScheme() {
	conn, err := Connect(s.ctx, "tcp://"+s.s.Addr(), s.defopts())
	s.r().NoError(err)
	defer conn.Close()
	s.r().NoError(conn.Ping())
	s.Equal("tcp://"+s.s.Addr(), conn.Addr())
	s.Equal(s.s.Addr(), conn.RemoteAddr())
}
