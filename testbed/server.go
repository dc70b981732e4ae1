// Package testbed runs a small in-process redis look-alike for tests.
// It speaks enough RESP for the client test suites: strings, lists,
// AUTH/SELECT, MULTI/EXEC/WATCH and pubsub. Data survives Stop/Start so
// suites can exercise reconnection without re-seeding.
package testbed

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/corvina/redisact/redis"
	"github.com/corvina/redisact/resp"
)

// Server is one listening endpoint backed by a Store.
type Server struct {
	// Port to listen on; 0 picks a free one.
	Port uint16
	// RequirePass, when non-empty, demands AUTH before anything else.
	RequirePass string

	mu    sync.Mutex
	lis   net.Listener
	conns map[*client]struct{}
	store *Store
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return fmt.Sprintf("127.0.0.1:%d", s.Port)
}

// Start begins listening. It is a no-op when already running.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return nil
	}
	if s.store == nil {
		s.store = NewStore()
	}
	if s.conns == nil {
		s.conns = map[*client]struct{}{}
	}
	lis, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port))
	if err != nil {
		return err
	}
	s.lis = lis
	if s.Port == 0 {
		s.Port = uint16(lis.Addr().(*net.TCPAddr).Port)
	}
	go s.acceptLoop(lis)
	return nil
}

// Stop closes the listener and every client connection. The store is
// kept.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		s.lis.Close()
		s.lis = nil
	}
	for c := range s.conns {
		c.close()
	}
	s.conns = map[*client]struct{}{}
}

// KillClients forcibly closes every established connection but keeps
// listening; the next dial succeeds. This is the induced socket loss.
func (s *Server) KillClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.close()
	}
	s.conns = map[*client]struct{}{}
}

// Store exposes the backing store for direct assertions and seeding.
func (s *Server) Store() *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		s.store = NewStore()
	}
	return s.store
}

// Publish delivers a message to subscribers directly, without a
// publishing client.
func (s *Server) Publish(channel string, payload []byte) int {
	return s.Store().publish(channel, payload)
}

func (s *Server) acceptLoop(lis net.Listener) {
	for {
		c, err := lis.Accept()
		if err != nil {
			return
		}
		cl := &client{
			srv:    s,
			c:      c,
			store:  s.store,
			authed: s.RequirePass == "",
		}
		s.mu.Lock()
		if s.lis != lis {
			s.mu.Unlock()
			c.Close()
			return
		}
		s.conns[cl] = struct{}{}
		s.mu.Unlock()
		go cl.serve()
	}
}

func (s *Server) forget(cl *client) {
	s.mu.Lock()
	delete(s.conns, cl)
	s.mu.Unlock()
}

type client struct {
	srv   *Server
	c     net.Conn
	store *Store

	wmu sync.Mutex // subscriber pushes race with command replies

	authed  bool
	db      int
	multi   []redis.Request
	inMulti bool
	watches map[string]uint64

	subs  map[string]struct{}
	psubs map[string]struct{}
}

func (cl *client) close() {
	cl.c.Close()
}

func (cl *client) push(r redis.Reply) {
	buf := resp.AppendReply(nil, r)
	cl.wmu.Lock()
	cl.c.Write(buf)
	cl.wmu.Unlock()
}

func (cl *client) serve() {
	defer func() {
		cl.store.unsubscribeAll(cl)
		cl.srv.forget(cl)
		cl.c.Close()
	}()
	dec := &resp.Decoder{}
	rbuf := make([]byte, 16*1024)
	for {
		n, err := cl.c.Read(rbuf)
		if n > 0 {
			cmds, derr := dec.Decode(rbuf[:n])
			for _, cmd := range cmds {
				req, ok := commandOf(cmd)
				if !ok {
					cl.push(redis.MakeErr("ERR Protocol error"))
					return
				}
				cl.dispatch(req)
			}
			if derr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func commandOf(r redis.Reply) (redis.Request, bool) {
	if r.Kind != redis.Array || len(r.Elems) == 0 {
		return redis.Request{}, false
	}
	for _, el := range r.Elems {
		if el.Kind != redis.Bulk || el.Null {
			return redis.Request{}, false
		}
	}
	req := redis.Request{Cmd: strings.ToUpper(r.Elems[0].Text())}
	for _, el := range r.Elems[1:] {
		req.Args = append(req.Args, string(el.Data))
	}
	return req, true
}

func (cl *client) arg(req redis.Request, i int) string {
	s, _ := redis.ArgToString(req.Args[i])
	return s
}

func (cl *client) dispatch(req redis.Request) {
	if !cl.authed && req.Cmd != "AUTH" {
		cl.push(redis.MakeErr("NOAUTH Authentication required."))
		return
	}
	if cl.inMulti {
		switch req.Cmd {
		case "EXEC":
			cl.execMulti()
			return
		case "DISCARD":
			cl.inMulti = false
			cl.multi = nil
			cl.push(redis.MakeSimpleStr("OK"))
			return
		case "MULTI":
			cl.push(redis.MakeErr("ERR MULTI calls can not be nested"))
			return
		default:
			cl.multi = append(cl.multi, req)
			cl.push(redis.MakeSimpleStr("QUEUED"))
			return
		}
	}
	if rep := cl.run(req); rep.Kind != 0 {
		cl.push(rep)
	}
}

func (cl *client) execMulti() {
	cl.inMulti = false
	queued := cl.multi
	cl.multi = nil
	watches := cl.watches
	cl.watches = nil
	if !cl.store.watchesIntact(cl.db, watches) {
		cl.push(redis.MakeNilArray())
		return
	}
	results := make([]redis.Reply, len(queued))
	for i, req := range queued {
		results[i] = cl.run(req)
	}
	cl.push(redis.MakeArray(results))
}

func (cl *client) run(req redis.Request) redis.Reply {
	switch req.Cmd {
	case "PING":
		if len(req.Args) == 1 {
			return redis.MakeBulk([]byte(cl.arg(req, 0)))
		}
		return redis.MakeSimpleStr("PONG")
	case "ECHO":
		return redis.MakeBulk([]byte(cl.arg(req, 0)))
	case "AUTH":
		if len(req.Args) != 1 {
			return redis.MakeErr("ERR wrong number of arguments for 'auth' command")
		}
		if cl.srv.RequirePass == "" {
			return redis.MakeErr("ERR Client sent AUTH, but no password is set")
		}
		if cl.arg(req, 0) != cl.srv.RequirePass {
			return redis.MakeErr("WRONGPASS invalid username-password pair or user is disabled.")
		}
		cl.authed = true
		return redis.MakeSimpleStr("OK")
	case "SELECT":
		n, err := strconv.Atoi(cl.arg(req, 0))
		if err != nil || n < 0 || n >= numDBs {
			return redis.MakeErr("ERR DB index is out of range")
		}
		cl.db = n
		return redis.MakeSimpleStr("OK")
	case "MULTI":
		cl.inMulti = true
		return redis.MakeSimpleStr("OK")
	case "WATCH":
		if cl.watches == nil {
			cl.watches = map[string]uint64{}
		}
		for i := range req.Args {
			key := cl.arg(req, i)
			cl.watches[key] = cl.store.version(cl.db, key)
		}
		return redis.MakeSimpleStr("OK")
	case "UNWATCH":
		cl.watches = nil
		return redis.MakeSimpleStr("OK")
	case "DEBUG":
		// DEBUG SLEEP <seconds> stalls this client's command loop, which
		// is how the suites get requests stuck in flight
		if len(req.Args) == 2 && strings.EqualFold(cl.arg(req, 0), "SLEEP") {
			if sec, err := strconv.ParseFloat(cl.arg(req, 1), 64); err == nil {
				time.Sleep(time.Duration(sec * float64(time.Second)))
				return redis.MakeSimpleStr("OK")
			}
		}
		return redis.MakeErr("ERR DEBUG subcommand not supported")
	case "SUBSCRIBE", "PSUBSCRIBE", "UNSUBSCRIBE", "PUNSUBSCRIBE":
		return cl.pubsubCmd(req)
	case "PUBLISH":
		n := cl.store.publish(cl.arg(req, 0), []byte(cl.arg(req, 1)))
		return redis.MakeInt(int64(n))
	}
	return cl.store.run(cl.db, cl, req)
}

func (cl *client) pubsubCmd(req redis.Request) redis.Reply {
	if cl.subs == nil {
		cl.subs = map[string]struct{}{}
		cl.psubs = map[string]struct{}{}
	}
	kind := strings.ToLower(req.Cmd)
	for i := range req.Args {
		name := cl.arg(req, i)
		switch req.Cmd {
		case "SUBSCRIBE":
			cl.subs[name] = struct{}{}
			cl.store.subscribe(cl, name, false)
		case "PSUBSCRIBE":
			cl.psubs[name] = struct{}{}
			cl.store.subscribe(cl, name, true)
		case "UNSUBSCRIBE":
			delete(cl.subs, name)
			cl.store.unsubscribe(cl, name, false)
		case "PUNSUBSCRIBE":
			delete(cl.psubs, name)
			cl.store.unsubscribe(cl, name, true)
		}
		count := int64(len(cl.subs) + len(cl.psubs))
		cl.push(redis.MakeArray([]redis.Reply{
			redis.MakeBulk([]byte(kind)),
			redis.MakeBulk([]byte(name)),
			redis.MakeInt(count),
		}))
	}
	// acknowledgements were pushed per name already
	return redis.Reply{}
}
