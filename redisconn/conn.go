package redisconn

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corvina/redisact/redis"
	"github.com/corvina/redisact/redistransport"
	"github.com/corvina/redisact/resp"
)

const (
	connDisconnected = 0
	connConnecting   = 1
	connConnected    = 2
	connClosed       = 3

	defaultReconnectPause = 500 * time.Millisecond
	defaultDialTimeout    = 1 * time.Second
	defaultKeepAlive      = 300 * time.Millisecond
	defaultIOTimeout      = 1 * time.Second

	inflightBatches = 512
	readBufSize     = 64 * 1024
)

// Connection is a single connection to a redis server, owned by a pair
// of writer/reader goroutines. Commands are written to the wire in
// submission order and their futures resolve in the same order, because
// redis replies in order.
//
// While the connection is down, submissions fail immediately with
// ErrNotConnected instead of queueing; the reconnect loop runs in the
// background.
type Connection struct {
	ctx      context.Context
	cancel   context.CancelFunc
	state    uint32
	closeErr error

	addr  string
	c     net.Conn
	mutex sync.Mutex // serializes (re)connection attempts

	// outgoing queue: commands encoded back-to-back plus their futures,
	// swapped out wholesale by the writer
	qmu     sync.Mutex
	queue   []byte
	futures []future
	dirty   chan struct{}

	opts     Opts
	pauseFor func(attempt int) time.Duration
}

type future struct {
	cb redis.Future
	n  uint64
}

func (f future) resolve(res redis.Reply, err error) {
	if f.cb != nil {
		f.cb.Resolve(res, err, f.n)
	}
}

// oneconn ties the goroutines of a single physical connection together,
// so that a stale pair cannot touch the state of its successor.
type oneconn struct {
	c net.Conn
	// batches of futures in wire order; the writer publishes a batch
	// strictly before writing its bytes
	futures chan []future
	control chan struct{}
	err     error
	erronce sync.Once
}

// Connect establishes a new connection to addr.
//
// Unless opts.Async is set, the first dial happens synchronously. A
// first-dial failure is returned (and no Connection exists) when
// reconnection is disabled or when the handshake failed with ErrAuth or
// ErrConnSetup (AUTH, PING or SELECT refused, or the handshake exchange
// broke off); any other failure starts the reconnect loop in the
// background and the handle is returned immediately.
func Connect(ctx context.Context, addr string, opts Opts) (conn *Connection, err error) {
	if ctx == nil {
		return nil, redis.ErrContextClosed.New("context is not set")
	}
	if addr == "" {
		return nil, ErrDial.New("no address provided")
	}
	conn = &Connection{
		addr: addr,
		opts: opts,
	}
	conn.ctx, conn.cancel = context.WithCancel(ctx)
	conn.dirty = make(chan struct{}, 1)

	if conn.opts.ReconnectPause == 0 {
		conn.opts.ReconnectPause = defaultReconnectPause
	}
	conn.pauseFor = conn.opts.ReconnectPauseFunc
	if conn.pauseFor == nil {
		if conn.opts.ReconnectPause < 0 {
			conn.pauseFor = ReconnectNoPause
		} else {
			conn.pauseFor = FixedPause(conn.opts.ReconnectPause)
		}
	}

	if conn.opts.DialTimeout <= 0 {
		conn.opts.DialTimeout = defaultDialTimeout
	}

	if conn.opts.TCPKeepAlive == 0 {
		conn.opts.TCPKeepAlive = defaultKeepAlive
	} else if conn.opts.TCPKeepAlive < 0 {
		conn.opts.TCPKeepAlive = 0
	}

	if conn.opts.IOTimeout == 0 {
		conn.opts.IOTimeout = defaultIOTimeout
	} else if conn.opts.IOTimeout < 0 {
		conn.opts.IOTimeout = 0
	}

	if conn.opts.Logger == nil {
		conn.opts.Logger = DefaultLogger{}
	}

	if !conn.opts.Async {
		if err = conn.createConnection(false, nil); err != nil {
			if conn.pauseFor(0) < 0 {
				conn.cancel()
				return nil, err
			}
			// handshake rejections are configuration errors; retrying a
			// wrong password or database forever helps nobody
			if rerr := redis.AsErrorx(err); rerr != nil &&
				(rerr.IsOfType(ErrAuth) || rerr.IsOfType(ErrConnSetup)) {
				conn.cancel()
				return nil, err
			}
		}
	}

	if conn.opts.Async || err != nil {
		var ch chan struct{}
		if conn.opts.Async {
			ch = make(chan struct{})
		}
		go func() {
			conn.mutex.Lock()
			defer conn.mutex.Unlock()
			conn.createConnection(true, ch)
		}()
		// in async mode, wait for the state to leave connDisconnected so
		// that Send will queue requests instead of rejecting them
		if conn.opts.Async {
			<-ch
		}
	}

	go conn.control()

	return conn, nil
}

// ConnectedNow reports whether the connection is certainly established.
func (conn *Connection) ConnectedNow() bool {
	return atomic.LoadUint32(&conn.state) == connConnected
}

// MayBeConnected reports whether the connection is established or being
// established.
func (conn *Connection) MayBeConnected() bool {
	s := atomic.LoadUint32(&conn.state)
	return s == connConnected || s == connConnecting
}

// Close shuts the connection down forever. Requests still queued resolve
// with ErrContextClosed; requests already written to the socket resolve
// with ErrIO when the reader sees the socket close.
func (conn *Connection) Close() {
	conn.cancel()
}

// Ctx returns the connection's context; it closes when the connection
// dies for good.
func (conn *Connection) Ctx() context.Context {
	return conn.ctx
}

// RemoteAddr is the address of the redis socket.
func (conn *Connection) RemoteAddr() string {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if conn.c == nil {
		return ""
	}
	return conn.c.RemoteAddr().String()
}

// LocalAddr is the outgoing socket address.
func (conn *Connection) LocalAddr() string {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if conn.c == nil {
		return ""
	}
	return conn.c.LocalAddr().String()
}

// Addr is the address Connect was called with.
func (conn *Connection) Addr() string {
	return conn.addr
}

// Handle returns the user handle from Opts.
func (conn *Connection) Handle() interface{} {
	return conn.opts.Handle
}

// Ping performs a synchronous PING.
func (conn *Connection) Ping() error {
	res, err := redis.Sync{S: conn}.Do("PING")
	if err != nil {
		return err
	}
	if res.Kind != redis.SimpleStr || res.Text() != "PONG" {
		return redis.ErrPing.New("ping response mismatch").
			WithProperty(redis.EKResponse, res).
			WithProperty(EKConnection, conn)
	}
	return nil
}

// Send submits one command. cb may be nil: the reply is dropped, which
// makes Send(req, nil, 0) the fire-and-forget cast. Ordering with later
// submissions from the same goroutine is preserved.
func (conn *Connection) Send(req redis.Request, cb redis.Future, n uint64) {
	if cb != nil && cb.Cancelled() {
		go cb.Resolve(redis.Reply{}, redis.ErrRequestCancelled.New("request cancelled before submission"), n)
		return
	}

	conn.qmu.Lock()

	if err := conn.stateErr(); err != nil {
		conn.qmu.Unlock()
		if cb != nil {
			go cb.Resolve(redis.Reply{}, err, n)
		}
		return
	}

	buf, err := resp.AppendCommand(conn.queue, req)
	if err != nil {
		conn.qmu.Unlock()
		if cb != nil {
			go cb.Resolve(redis.Reply{}, withConn(err, conn), n)
		}
		return
	}
	conn.queue = buf
	conn.futures = append(conn.futures, future{cb, n})
	conn.qmu.Unlock()

	conn.notify()
}

// Cast submits a command and drops its reply.
func (conn *Connection) Cast(req redis.Request) {
	conn.Send(req, nil, 0)
}

// SendMany submits a batch of commands as one atomic write. The i-th
// command resolves cb with n = start+i. If any command fails to encode,
// nothing is sent: the offending one resolves with its own error, the
// others with ErrBatchFormat.
func (conn *Connection) SendMany(reqs []redis.Request, cb redis.Future, start uint64) {
	if len(reqs) == 0 {
		return
	}

	conn.qmu.Lock()

	if err := conn.stateErr(); err != nil {
		conn.qmu.Unlock()
		resolveAll(cb, err, start, len(reqs))
		return
	}

	buf := conn.queue
	nfut := len(conn.futures)
	for i, req := range reqs {
		var err error
		buf, err = resp.AppendCommand(buf, req)
		if err != nil {
			conn.futures = conn.futures[:nfut]
			conn.qmu.Unlock()
			conn.failBatch(cb, err, reqs, i, start)
			return
		}
		conn.futures = append(conn.futures, future{cb, start + uint64(i)})
	}
	conn.queue = buf
	conn.qmu.Unlock()

	conn.notify()
}

// SendTransaction wraps reqs into MULTI/EXEC and resolves cb once, with
// the EXEC reply.
func (conn *Connection) SendTransaction(reqs []redis.Request, cb redis.Future, n uint64) {
	all := make([]redis.Request, 0, len(reqs)+2)
	all = append(all, redis.Req("MULTI"))
	all = append(all, reqs...)
	all = append(all, redis.Req("EXEC"))
	tf := &transactionFuture{cb: cb, n: n, last: uint64(len(all) - 1)}
	conn.SendMany(all, tf, 0)
}

// Scanner returns an iterator for a SCAN-family command over this
// connection.
func (conn *Connection) Scanner(opts redis.ScanOpts) redis.Scanner {
	return &scanner{
		ScannerBase: redis.ScannerBase{ScanOpts: opts},
		c:           conn,
	}
}

func (conn *Connection) String() string {
	return fmt.Sprintf("*redisconn.Connection{addr: %s}", conn.addr)
}

/********** private api **************/

// stateErr is the circuit breaker: it rejects submissions while the
// connection is known to be down. Called with qmu held.
func (conn *Connection) stateErr() error {
	switch atomic.LoadUint32(&conn.state) {
	case connClosed:
		return redis.ErrContextClosed.Wrap(conn.ctx.Err(), "connection is closed").
			WithProperty(EKConnection, conn)
	case connDisconnected:
		return ErrNotConnected.New("connection is not established").
			WithProperty(EKConnection, conn)
	}
	return nil
}

func (conn *Connection) notify() {
	select {
	case conn.dirty <- struct{}{}:
	default:
	}
}

func resolveAll(cb redis.Future, err error, start uint64, n int) {
	if cb == nil {
		return
	}
	go func() {
		for i := 0; i < n; i++ {
			cb.Resolve(redis.Reply{}, err, start+uint64(i))
		}
	}()
}

func (conn *Connection) failBatch(cb redis.Future, err error, reqs []redis.Request, bad int, start uint64) {
	if cb == nil {
		return
	}
	go func() {
		own := withConn(err, conn)
		rest := redis.ErrBatchFormat.Wrap(own, "command %d of the batch is malformed", bad).
			WithProperty(redis.EKRequests, reqs).
			WithProperty(EKConnection, conn)
		for i := 0; i < len(reqs); i++ {
			if i == bad {
				cb.Resolve(redis.Reply{}, own, start+uint64(i))
			} else {
				cb.Resolve(redis.Reply{}, rest, start+uint64(i))
			}
		}
	}()
}

func (conn *Connection) report(event LogKind, v ...interface{}) {
	conn.opts.Logger.Report(event, conn.addr, v...)
}

// dial opens the socket and performs the handshake: AUTH when a password
// is configured, a PING to validate the peer, SELECT when a database is
// configured. Only after all three succeed do the writer and reader
// start and the connection become usable.
func (conn *Connection) dial() error {
	c, err := redistransport.Dial(conn.ctx, conn.addr, redistransport.Opts{
		Timeout:   conn.opts.DialTimeout,
		KeepAlive: conn.opts.TCPKeepAlive,
		TLSConfig: conn.opts.TLSConfig,
	})
	if err != nil {
		return ErrDial.Wrap(err, "could not connect").WithProperty(EKConnection, conn)
	}
	dc := redistransport.NewDeadlineIO(c, conn.opts.IOTimeout)

	var req []byte
	if conn.opts.Password != "" {
		req, _ = resp.AppendCommand(req, redis.Req("AUTH", conn.opts.Password))
	}
	req, _ = resp.AppendCommand(req, redis.Req("PING"))
	if conn.opts.DB != 0 {
		req, _ = resp.AppendCommand(req, redis.Req("SELECT", conn.opts.DB))
	}
	if _, err = dc.Write(req); err != nil {
		c.Close()
		return ErrConnSetup.Wrap(err, "handshake write failed").WithProperty(EKConnection, conn)
	}

	dec := &resp.Decoder{}
	hs := handshake{r: dc, dec: dec}

	if conn.opts.Password != "" {
		res, err := hs.next()
		if err != nil {
			c.Close()
			return ErrConnSetup.Wrap(err, "handshake read failed").WithProperty(EKConnection, conn)
		}
		if res.Kind == redis.Err {
			c.Close()
			return ErrAuth.New("auth is not successful: %s", res.Data).
				WithProperty(EKConnection, conn)
		}
	}

	res, err := hs.next()
	if err != nil {
		c.Close()
		return ErrConnSetup.Wrap(err, "handshake read failed").WithProperty(EKConnection, conn)
	}
	if res.Kind != redis.SimpleStr || res.Text() != "PONG" {
		c.Close()
		if res.Kind == redis.Err && strings.HasPrefix(res.Text(), "NOAUTH") {
			return ErrAuth.New("auth required: %s", res.Data).
				WithProperty(EKConnection, conn)
		}
		return ErrConnSetup.New("ping response mismatch").
			WithProperty(redis.EKResponse, res).
			WithProperty(EKConnection, conn)
	}

	if conn.opts.DB != 0 {
		res, err := hs.next()
		if err != nil {
			c.Close()
			return ErrConnSetup.Wrap(err, "handshake read failed").WithProperty(EKConnection, conn)
		}
		if res.Kind != redis.SimpleStr || res.Text() != "OK" {
			c.Close()
			return ErrConnSetup.New("SELECT db response mismatch: %s", res).
				WithProperty(EKConnection, conn).
				WithProperty(EKDb, conn.opts.DB)
		}
	}

	conn.qmu.Lock()
	conn.c = c
	conn.qmu.Unlock()

	one := &oneconn{
		c:       c,
		futures: make(chan []future, inflightBatches),
		control: make(chan struct{}),
	}

	go conn.writer(dc, one)
	go conn.reader(dc, one, dec)

	return nil
}

// handshake reads replies one by one through the same decoder the reader
// will take over afterwards.
type handshake struct {
	r      io.Reader
	dec    *resp.Decoder
	queued []redis.Reply
	rbuf   [512]byte
}

func (h *handshake) next() (redis.Reply, error) {
	for len(h.queued) == 0 {
		n, err := h.r.Read(h.rbuf[:])
		if n > 0 {
			rs, derr := h.dec.Decode(h.rbuf[:n])
			h.queued = append(h.queued, rs...)
			if derr != nil && len(h.queued) == 0 {
				return redis.Reply{}, derr
			}
		}
		if err != nil && len(h.queued) == 0 {
			return redis.Reply{}, redis.ErrIO.Wrap(err, "handshake read failed")
		}
	}
	res := h.queued[0]
	h.queued = h.queued[1:]
	return res, nil
}

// createConnection runs dial attempts until one succeeds, the pause
// policy gives up, or the connection is closed. With reconnect set it is
// called with conn.mutex held, and the mutex is dropped during reconnect
// pauses; Connect's synchronous first attempt calls it without the mutex.
func (conn *Connection) createConnection(reconnect bool, ch chan struct{}) error {
	var err error
	attempt := 0
	for conn.c == nil && atomic.LoadUint32(&conn.state) == connDisconnected {
		conn.report(LogConnecting)
		now := time.Now()
		// from here on, Send puts requests into the queue
		atomic.StoreUint32(&conn.state, connConnecting)
		if ch != nil {
			close(ch)
			ch = nil
		}
		err = conn.dial()
		if err == nil {
			atomic.StoreUint32(&conn.state, connConnected)
			conn.report(LogConnected,
				conn.c.LocalAddr().String(),
				conn.c.RemoteAddr().String())
			return nil
		}

		conn.report(LogConnectFailed, err)
		atomic.StoreUint32(&conn.state, connDisconnected)
		conn.qmu.Lock()
		conn.dropFutures(err)
		conn.qmu.Unlock()

		if !reconnect {
			return err
		}
		pause := conn.pauseFor(attempt)
		attempt++
		if pause < 0 {
			conn.Close()
			return err
		}
		conn.mutex.Unlock()
		time.Sleep(time.Until(now.Add(pause)))
		conn.mutex.Lock()
	}
	if ch != nil {
		close(ch)
	}
	if atomic.LoadUint32(&conn.state) == connClosed {
		err = redis.ErrContextClosed.Wrap(conn.ctx.Err(), "connection is closed")
	}
	return err
}

// dropFutures fails everything sitting in the outgoing queue. Called
// with qmu held.
func (conn *Connection) dropFutures(err error) {
	select {
	case <-conn.dirty:
	default:
	}
	for _, fut := range conn.futures {
		fut.resolve(redis.Reply{}, err)
	}
	conn.queue = conn.queue[:0]
	conn.futures = conn.futures[:0]
}

func (conn *Connection) closeConnection(neterr error, forever bool) error {
	if forever {
		atomic.StoreUint32(&conn.state, connClosed)
		conn.report(LogContextClosed)
	} else {
		atomic.StoreUint32(&conn.state, connDisconnected)
		conn.report(LogDisconnected, neterr)
	}

	var err error

	conn.qmu.Lock()
	defer conn.qmu.Unlock()
	if conn.c != nil {
		err = conn.c.Close()
		conn.c = nil
	}

	conn.dropFutures(neterr)
	return err
}

// control watches the context and keeps the link warm: a PING every
// third of the IO timeout guarantees a healthy idle connection always
// has bytes in flight before the read deadline fires.
func (conn *Connection) control() {
	timeout := conn.opts.IOTimeout / 3
	if timeout <= 0 {
		timeout = time.Second
	}
	t := time.NewTicker(timeout)
	defer t.Stop()
	for {
		select {
		case <-conn.ctx.Done():
			conn.mutex.Lock()
			defer conn.mutex.Unlock()
			conn.closeErr = redis.ErrContextClosed.Wrap(conn.ctx.Err(), "connection is closed").
				WithProperty(EKConnection, conn)
			conn.closeConnection(conn.closeErr, true)
			return
		case <-t.C:
		}
		conn.Ping()
	}
}

func (one *oneconn) setErr(neterr error, conn *Connection) {
	one.erronce.Do(func() {
		close(one.control)
		if rerr := redis.AsErrorx(neterr); rerr != nil {
			one.err = rerr.WithProperty(EKConnection, conn)
		} else {
			one.err = redis.ErrIO.Wrap(neterr, "io error").WithProperty(EKConnection, conn)
		}
	})
	go conn.reconnect(one.err, one)
}

func (conn *Connection) reconnect(neterr error, one *oneconn) {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if atomic.LoadUint32(&conn.state) == connClosed {
		return
	}
	if conn.pauseFor(0) < 0 {
		conn.Close()
		return
	}
	if conn.c == one.c {
		conn.closeConnection(neterr, false)
		conn.createConnection(true, nil)
	}
}

// writer drains the outgoing queue to the socket. The futures of each
// packet are published to the reader before the first byte of the packet
// is written, so the reader's view of the in-flight FIFO always covers
// every reply the server can possibly produce.
func (conn *Connection) writer(w io.Writer, one *oneconn) {
	defer close(one.futures)
	var packet []byte
	for {
		select {
		case <-conn.dirty:
		case <-conn.ctx.Done():
			return
		case <-one.control:
			return
		}
		for {
			conn.qmu.Lock()
			if conn.c != one.c {
				// a successor owns the queue now
				conn.qmu.Unlock()
				return
			}
			packet, conn.queue = conn.queue, packet[:0]
			futures := conn.futures
			conn.futures = nil
			conn.qmu.Unlock()

			if len(packet) == 0 {
				break
			}

			select {
			case one.futures <- futures:
			case <-one.control:
				for _, fut := range futures {
					fut.resolve(redis.Reply{}, one.err)
				}
				return
			}

			if _, err := w.Write(packet); err != nil {
				one.setErr(err, conn)
				return
			}
			packet = packet[:0]
		}
	}
}

// reader drives the resumable decoder over raw socket reads and resolves
// futures in FIFO order. A decode error is as fatal as a socket error:
// the stream position is unknown, so the connection is torn down.
func (conn *Connection) reader(r io.Reader, one *oneconn, dec *resp.Decoder) {
	var pending []future
	rbuf := make([]byte, readBufSize)
	for {
		n, err := r.Read(rbuf)
		if n > 0 {
			replies, derr := dec.Decode(rbuf[:n])
			for _, res := range replies {
				for len(pending) == 0 {
					batch, ok := <-one.futures
					if !ok {
						// writer is gone; the reply has no owner
						one.setErr(redis.ErrResponseUnexpected.New("reply without a request"), conn)
						return
					}
					pending = batch
				}
				fut := pending[0]
				pending[0] = future{}
				pending = pending[1:]
				if res.Kind == redis.Err {
					fut.resolve(res, res.AsError())
				} else {
					fut.resolve(res, nil)
				}
			}
			if derr != nil {
				err = derr
			}
		}
		if err != nil {
			one.setErr(err, conn)
			break
		}
	}
	for _, fut := range pending {
		fut.resolve(redis.Reply{}, one.err)
	}
	for batch := range one.futures {
		for _, fut := range batch {
			fut.resolve(redis.Reply{}, one.err)
		}
	}
}

type transactionFuture struct {
	cb   redis.Future
	n    uint64
	last uint64
}

func (t *transactionFuture) Cancelled() bool {
	return t.cb != nil && t.cb.Cancelled()
}

func (t *transactionFuture) Resolve(res redis.Reply, err error, i uint64) {
	// MULTI and the QUEUED acknowledgements carry no information the
	// EXEC reply doesn't; only the EXEC outcome reaches the caller.
	if i == t.last && t.cb != nil {
		t.cb.Resolve(res, err, t.n)
	}
}

func withConn(err error, conn *Connection) error {
	if rerr := redis.AsErrorx(err); rerr != nil {
		if _, ok := rerr.Property(EKConnection); !ok {
			return rerr.WithProperty(EKConnection, conn)
		}
		return rerr
	}
	return err
}

type scanner struct {
	redis.ScannerBase
	c *Connection
}

func (s *scanner) Next(cb redis.ScanFuture) {
	s.DoNext(cb, s.c)
}
