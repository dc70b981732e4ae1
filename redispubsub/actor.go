package redispubsub

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/corvina/redisact/redis"
	"github.com/corvina/redisact/redisconn"
	"github.com/corvina/redisact/redistransport"
	"github.com/corvina/redisact/resp"
)

const inboxSize = 128

// Connect establishes a subscriber connection to addr.
//
// The first dial happens synchronously; its failure is returned (and no
// PubSub exists) when reconnection is disabled or AUTH was rejected.
// Otherwise the handle is returned and the actor keeps reconnecting.
func Connect(ctx context.Context, addr string, opts Opts) (*PubSub, error) {
	if ctx == nil {
		return nil, redis.ErrContextClosed.New("context is not set")
	}
	if addr == "" {
		return nil, redisconn.ErrDial.New("no address provided")
	}
	p := &PubSub{
		addr:  addr,
		opts:  opts,
		inbox: make(chan psMsg, inboxSize),
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	if p.opts.ReconnectPause == 0 {
		p.opts.ReconnectPause = 500 * time.Millisecond
	}
	p.pauseFor = p.opts.ReconnectPauseFunc
	if p.pauseFor == nil {
		if p.opts.ReconnectPause < 0 {
			p.pauseFor = redisconn.ReconnectNoPause
		} else {
			p.pauseFor = redisconn.FixedPause(p.opts.ReconnectPause)
		}
	}
	if p.opts.DialTimeout <= 0 {
		p.opts.DialTimeout = 1 * time.Second
	}
	if p.opts.IOTimeout == 0 {
		p.opts.IOTimeout = 1 * time.Second
	} else if p.opts.IOTimeout < 0 {
		p.opts.IOTimeout = 0
	}
	if p.opts.Logger == nil {
		p.opts.Logger = redisconn.DefaultLogger{}
	}

	a := &actor{
		p:     p,
		subs:  map[string]struct{}{},
		psubs: map[string]struct{}{},
		// the controller owes an Ack before the first delivery
		needAck: true,
	}

	c, err := a.dial()
	if err != nil {
		if p.pauseFor(0) < 0 {
			p.cancel()
			return nil, err
		}
		if rerr := redis.AsErrorx(err); rerr != nil && rerr.IsOfType(redisconn.ErrAuth) {
			p.cancel()
			return nil, err
		}
	}
	a.attach(c)

	go a.run()

	return p, nil
}

// Subscribe adds channels to the subscription set and issues SUBSCRIBE.
// The acknowledgement arrives as an EventSubscribed per channel.
func (p *PubSub) Subscribe(channels ...string) error {
	return p.send(psMsg{kind: msgSubscribe, channels: channels})
}

// PSubscribe adds patterns to the pattern set and issues PSUBSCRIBE.
func (p *PubSub) PSubscribe(patterns ...string) error {
	return p.send(psMsg{kind: msgPSubscribe, channels: patterns})
}

// Unsubscribe removes channels and issues UNSUBSCRIBE.
func (p *PubSub) Unsubscribe(channels ...string) error {
	return p.send(psMsg{kind: msgUnsubscribe, channels: channels})
}

// PUnsubscribe removes patterns and issues PUNSUBSCRIBE.
func (p *PubSub) PUnsubscribe(patterns ...string) error {
	return p.send(psMsg{kind: msgPUnsubscribe, channels: patterns})
}

// Control makes ch the controlling subscriber. The active-once state is
// re-armed: nothing is delivered until the new controller calls Ack.
// The channel needs capacity for one event; at most one unacknowledged
// event is ever outstanding.
func (p *PubSub) Control(ch chan<- Event) error {
	return p.send(psMsg{kind: msgControl, ctrl: ch})
}

// Ack acknowledges the last delivered event and releases the next one.
// The controller's first Ack signals its readiness.
func (p *PubSub) Ack() error {
	return p.send(psMsg{kind: msgAck})
}

// Close shuts the connection down. Pending events are discarded.
func (p *PubSub) Close() {
	p.cancel()
}

// Ctx returns the connection's context; it closes when the actor dies.
func (p *PubSub) Ctx() context.Context {
	return p.ctx
}

// Addr is the address Connect was called with.
func (p *PubSub) Addr() string {
	return p.addr
}

func (p *PubSub) send(m psMsg) error {
	if atomic.LoadUint32(&p.closed) != 0 {
		return redis.ErrContextClosed.New("subscriber connection is closed")
	}
	select {
	case p.inbox <- m:
		return nil
	case <-p.ctx.Done():
		return redis.ErrContextClosed.Wrap(p.ctx.Err(), "subscriber connection is closed")
	}
}

/********** the actor **************/

// actor holds every piece of mutable state. Only run() touches it.
type actor struct {
	p *PubSub

	subs  map[string]struct{}
	psubs map[string]struct{}

	c   net.Conn
	w   io.Writer
	gen uint64 // discriminates readLoop input from dead connections

	ctrl     chan<- Event
	needAck  bool
	pending  []Event
	outgoing []byte

	retryAt time.Time
	attempt int
	dead    bool
}

func (a *actor) report(event redisconn.LogKind, v ...interface{}) {
	a.p.opts.Logger.Report(event, a.p.addr, v...)
}

// dial opens the socket and authenticates. Subscription replay happens
// in attach, through the regular write path.
func (a *actor) dial() (net.Conn, error) {
	a.report(redisconn.LogConnecting)
	c, err := redistransport.Dial(a.p.ctx, a.p.addr, redistransport.Opts{
		Timeout:   a.p.opts.DialTimeout,
		KeepAlive: a.p.opts.TCPKeepAlive,
		TLSConfig: a.p.opts.TLSConfig,
	})
	if err != nil {
		err = redisconn.ErrDial.Wrap(err, "could not connect")
		a.report(redisconn.LogConnectFailed, err)
		return nil, err
	}
	if a.p.opts.Password != "" {
		if err := a.auth(c); err != nil {
			c.Close()
			a.report(redisconn.LogConnectFailed, err)
			return nil, err
		}
	}
	a.report(redisconn.LogConnected, c.LocalAddr().String(), c.RemoteAddr().String())
	return c, nil
}

// auth performs the AUTH exchange synchronously, with deadlines, before
// the connection is handed to the read loop.
func (a *actor) auth(c net.Conn) error {
	buf, _ := resp.AppendCommand(nil, redis.Req("AUTH", a.p.opts.Password))
	dc := redistransport.NewDeadlineIO(c, a.p.opts.IOTimeout)
	if _, err := dc.Write(buf); err != nil {
		return redisconn.ErrConnSetup.Wrap(err, "handshake write failed")
	}
	dec := &resp.Decoder{}
	rbuf := make([]byte, 512)
	for {
		n, err := dc.Read(rbuf)
		if err != nil {
			return redisconn.ErrConnSetup.Wrap(err, "handshake read failed")
		}
		rs, derr := dec.Decode(rbuf[:n])
		if len(rs) > 0 {
			res := rs[0]
			if res.Kind == redis.Err {
				return redisconn.ErrAuth.New("auth is not successful: %s", res.Data)
			}
			return nil
		}
		if derr != nil {
			return redisconn.ErrConnSetup.Wrap(derr, "handshake failed")
		}
	}
}

// attach adopts a freshly dialed connection (nil when the dial failed),
// spawns its read loop and replays the subscription sets.
func (a *actor) attach(c net.Conn) {
	if c == nil {
		a.disconnected(nil)
		return
	}
	a.c = c
	// the actor never reads through a.w, so the deadline only bounds writes
	a.w = redistransport.NewDeadlineIO(c, a.p.opts.IOTimeout)
	a.gen++
	a.attempt = 0
	go a.readLoop(c, a.gen)

	if !a.enqueue(Event{Kind: EventConnected}) {
		a.dead = true
		return
	}

	if len(a.subs) > 0 {
		a.write(redis.Req("SUBSCRIBE", toArgs(lo.Keys(a.subs))...))
	}
	if len(a.psubs) > 0 {
		a.write(redis.Req("PSUBSCRIBE", toArgs(lo.Keys(a.psubs))...))
	}
}

// disconnected records a lost (or never established) connection and
// schedules the next attempt.
func (a *actor) disconnected(err error) {
	if a.c != nil {
		a.c.Close()
		a.c = nil
		a.w = nil
		a.report(redisconn.LogDisconnected, err)
		if !a.enqueue(Event{Kind: EventDisconnected, Err: err}) {
			a.dead = true
			return
		}
	}
	pause := a.p.pauseFor(a.attempt)
	a.attempt++
	if pause < 0 {
		a.dead = true
		return
	}
	a.retryAt = time.Now().Add(pause)
}

func (a *actor) shutdown() {
	atomic.StoreUint32(&a.p.closed, 1)
	a.p.cancel()
	if a.c != nil {
		a.c.Close()
		a.c = nil
	}
	a.report(redisconn.LogContextClosed)
}

// write encodes and sends a command on the current connection. Errors
// tear the connection down; the reconnect replay will restore state.
func (a *actor) write(req redis.Request) {
	if a.w == nil {
		return
	}
	buf, err := resp.AppendCommand(a.outgoing[:0], req)
	if err != nil {
		// subscription channel names are always strings; unreachable
		return
	}
	a.outgoing = buf[:0]
	if _, err := a.w.Write(buf); err != nil {
		a.disconnected(redis.ErrIO.Wrap(err, "write failed"))
	}
}

func (a *actor) run() {
	defer a.shutdown()
	for {
		if a.dead {
			return
		}
		if a.c == nil {
			// disconnected: wait out the pause, reject nothing - set
			// changes are accepted and replayed on reconnect
			select {
			case <-a.p.ctx.Done():
				return
			case m := <-a.p.inbox:
				if !a.handle(m) {
					return
				}
			case <-time.After(time.Until(a.retryAt)):
				c, _ := a.dial()
				if c == nil {
					a.disconnected(nil)
					continue
				}
				a.attach(c)
			}
			continue
		}
		select {
		case <-a.p.ctx.Done():
			return
		case m := <-a.p.inbox:
			if !a.handle(m) {
				return
			}
		}
	}
}

// handle processes one actor message; false stops the actor.
func (a *actor) handle(m psMsg) bool {
	switch m.kind {
	case msgSubscribe:
		for _, ch := range m.channels {
			a.subs[ch] = struct{}{}
		}
		a.write(redis.Req("SUBSCRIBE", toArgs(m.channels)...))
	case msgPSubscribe:
		for _, pat := range m.channels {
			a.psubs[pat] = struct{}{}
		}
		a.write(redis.Req("PSUBSCRIBE", toArgs(m.channels)...))
	case msgUnsubscribe:
		for _, ch := range m.channels {
			delete(a.subs, ch)
		}
		a.write(redis.Req("UNSUBSCRIBE", toArgs(m.channels)...))
	case msgPUnsubscribe:
		for _, pat := range m.channels {
			delete(a.psubs, pat)
		}
		a.write(redis.Req("PUNSUBSCRIBE", toArgs(m.channels)...))
	case msgControl:
		a.ctrl = m.ctrl
		a.needAck = true
	case msgAck:
		a.needAck = false
		a.deliver()
	case msgReply:
		if m.gen != a.gen {
			break // stale connection
		}
		ev, err := classify(m.reply)
		if err != nil {
			a.disconnected(err)
			break
		}
		if !a.enqueue(ev) {
			return false
		}
	case msgConnErr:
		if m.gen != a.gen {
			break
		}
		a.disconnected(m.err)
	}
	return true
}

// enqueue appends an event to the pending queue, applying the overflow
// policy, and attempts delivery. false means QueueExit fired.
func (a *actor) enqueue(ev Event) bool {
	if max := a.p.opts.MaxPending; max > 0 && len(a.pending) >= max {
		if a.p.opts.QueueBehaviour == QueueExit {
			a.report(redisconn.LogDisconnected,
				ErrQueueOverflow.New("%d pubsub events pending and no ack", len(a.pending)))
			return false
		}
		dropped := int64(len(a.pending))
		a.pending = a.pending[:0]
		a.pending = append(a.pending, Event{Kind: EventDropped, Count: dropped})
	}
	a.pending = append(a.pending, ev)
	a.deliver()
	return true
}

// deliver hands the controller the next event iff the previous one was
// acknowledged. This is the active-once discipline: one event out, then
// silence until Ack.
func (a *actor) deliver() {
	if a.ctrl == nil || a.needAck || len(a.pending) == 0 {
		return
	}
	select {
	case a.ctrl <- a.pending[0]:
		a.pending = a.pending[1:]
		a.needAck = true
	default:
		// controller's buffer is full although it acked; try again on
		// the next actor event
	}
}

// readLoop feeds decoded replies from one physical connection into the
// actor. It is generation-tagged so that a dead connection's tail cannot
// be mistaken for live traffic.
func (a *actor) readLoop(c net.Conn, gen uint64) {
	dec := &resp.Decoder{}
	rbuf := make([]byte, 32*1024)
	for {
		n, err := c.Read(rbuf)
		if n > 0 {
			replies, derr := dec.Decode(rbuf[:n])
			for _, r := range replies {
				if !a.input(psMsg{kind: msgReply, gen: gen, reply: r}) {
					return
				}
			}
			if derr != nil {
				err = derr
			}
		}
		if err != nil {
			var rerr error
			if e := redis.AsErrorx(err); e != nil {
				rerr = e
			} else {
				rerr = redis.ErrIO.Wrap(err, "io error")
			}
			a.input(psMsg{kind: msgConnErr, gen: gen, err: rerr})
			return
		}
	}
}

func (a *actor) input(m psMsg) bool {
	select {
	case a.p.inbox <- m:
		return true
	case <-a.p.ctx.Done():
		return false
	}
}

// classify maps a pubsub reply to an event.
func classify(r redis.Reply) (Event, error) {
	if r.Kind != redis.Array || len(r.Elems) < 3 {
		return Event{}, redis.ErrResponseUnexpected.New("unexpected pubsub reply").
			WithProperty(redis.EKResponse, r)
	}
	kind := r.Elems[0].Text()
	switch kind {
	case "message":
		return Event{
			Kind:    EventMessage,
			Channel: r.Elems[1].Text(),
			Payload: r.Elems[2].Data,
		}, nil
	case "pmessage":
		if len(r.Elems) < 4 {
			break
		}
		return Event{
			Kind:    EventPMessage,
			Pattern: r.Elems[1].Text(),
			Channel: r.Elems[2].Text(),
			Payload: r.Elems[3].Data,
		}, nil
	case "subscribe", "psubscribe":
		count, _ := r.Elems[2].Int64()
		ev := Event{Kind: EventSubscribed, Count: count}
		if kind == "psubscribe" {
			ev.Pattern = r.Elems[1].Text()
		} else {
			ev.Channel = r.Elems[1].Text()
		}
		return ev, nil
	case "unsubscribe", "punsubscribe":
		count, _ := r.Elems[2].Int64()
		ev := Event{Kind: EventUnsubscribed, Count: count}
		if kind == "punsubscribe" {
			ev.Pattern = r.Elems[1].Text()
		} else {
			ev.Channel = r.Elems[1].Text()
		}
		return ev, nil
	}
	return Event{}, redis.ErrResponseUnexpected.New("unexpected pubsub reply kind %q", kind).
		WithProperty(redis.EKResponse, r)
}

func toArgs(channels []string) []interface{} {
	return lo.Map(channels, func(ch string, _ int) interface{} { return ch })
}
