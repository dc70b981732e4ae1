package testbed

import (
	"path"
	"sort"
	"strconv"
	"sync"

	"github.com/samber/lo"

	"github.com/corvina/redisact/redis"
)

const numDBs = 16

// Store is the data behind one or more Servers. All access goes through
// its lock; the command set is only as large as the tests need.
type Store struct {
	mu       sync.Mutex
	dbs      [numDBs]map[string]value
	versions [numDBs]map[string]uint64

	subs  map[string]map[*client]struct{}
	psubs map[string]map[*client]struct{}
}

type value struct {
	str  []byte
	list [][]byte
}

func NewStore() *Store {
	s := &Store{
		subs:  map[string]map[*client]struct{}{},
		psubs: map[string]map[*client]struct{}{},
	}
	for i := range s.dbs {
		s.dbs[i] = map[string]value{}
		s.versions[i] = map[string]uint64{}
	}
	return s
}

// Set seeds a string key in db 0.
func (s *Store) Set(key, val string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(0, key, value{str: []byte(val)})
}

// Get reads a string key from db 0.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.dbs[0][key]
	if !ok || v.str == nil {
		return "", false
	}
	return string(v.str), true
}

func (s *Store) put(db int, key string, v value) {
	s.dbs[db][key] = v
	s.versions[db][key]++
}

func (s *Store) del(db int, key string) bool {
	if _, ok := s.dbs[db][key]; !ok {
		return false
	}
	delete(s.dbs[db], key)
	s.versions[db][key]++
	return true
}

func (s *Store) version(db int, key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[db][key]
}

func (s *Store) watchesIntact(db int, watches map[string]uint64) bool {
	if len(watches) == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ver := range watches {
		if s.versions[db][key] != ver {
			return false
		}
	}
	return true
}

func wrongType() redis.Reply {
	return redis.MakeErr("WRONGTYPE Operation against a key holding the wrong kind of value")
}

func wrongArgs(cmd string) redis.Reply {
	return redis.MakeErr("ERR wrong number of arguments for '" + cmd + "' command")
}

func (s *Store) run(db int, cl *client, req redis.Request) redis.Reply {
	arg := func(i int) string { return cl.arg(req, i) }

	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Cmd {
	case "GET":
		if len(req.Args) != 1 {
			return wrongArgs("get")
		}
		v, ok := s.dbs[db][arg(0)]
		if !ok {
			return redis.MakeNilBulk()
		}
		if v.str == nil {
			return wrongType()
		}
		return redis.MakeBulk(v.str)
	case "SET":
		if len(req.Args) < 2 {
			return wrongArgs("set")
		}
		s.put(db, arg(0), value{str: []byte(arg(1))})
		return redis.MakeSimpleStr("OK")
	case "DEL":
		n := 0
		for i := range req.Args {
			if s.del(db, arg(i)) {
				n++
			}
		}
		return redis.MakeInt(int64(n))
	case "EXISTS":
		n := 0
		for i := range req.Args {
			if _, ok := s.dbs[db][arg(i)]; ok {
				n++
			}
		}
		return redis.MakeInt(int64(n))
	case "INCR":
		v, ok := s.dbs[db][arg(0)]
		if ok && v.str == nil {
			return wrongType()
		}
		cur := int64(0)
		if ok {
			var err error
			cur, err = strconv.ParseInt(string(v.str), 10, 64)
			if err != nil {
				return redis.MakeErr("ERR value is not an integer or out of range")
			}
		}
		cur++
		s.put(db, arg(0), value{str: strconv.AppendInt(nil, cur, 10)})
		return redis.MakeInt(cur)
	case "LPUSH", "RPUSH":
		v, ok := s.dbs[db][arg(0)]
		if ok && v.list == nil {
			return wrongType()
		}
		for i := 1; i < len(req.Args); i++ {
			el := []byte(arg(i))
			if req.Cmd == "LPUSH" {
				v.list = append([][]byte{el}, v.list...)
			} else {
				v.list = append(v.list, el)
			}
		}
		s.put(db, arg(0), v)
		return redis.MakeInt(int64(len(v.list)))
	case "LRANGE":
		if len(req.Args) != 3 {
			return wrongArgs("lrange")
		}
		v, ok := s.dbs[db][arg(0)]
		if !ok {
			return redis.MakeArray([]redis.Reply{})
		}
		if v.list == nil {
			return wrongType()
		}
		start, err1 := strconv.Atoi(arg(1))
		stop, err2 := strconv.Atoi(arg(2))
		if err1 != nil || err2 != nil {
			return redis.MakeErr("ERR value is not an integer or out of range")
		}
		n := len(v.list)
		if start < 0 {
			start += n
		}
		if stop < 0 {
			stop += n
		}
		start = max(start, 0)
		stop = min(stop, n-1)
		if start > stop {
			return redis.MakeArray([]redis.Reply{})
		}
		out := lo.Map(v.list[start:stop+1], func(el []byte, _ int) redis.Reply {
			return redis.MakeBulk(el)
		})
		return redis.MakeArray(out)
	case "FLUSHDB":
		for key := range s.dbs[db] {
			s.del(db, key)
		}
		return redis.MakeSimpleStr("OK")
	case "SCAN":
		// a full snapshot in one batch with cursor 0 is a valid SCAN
		// implementation for a store this size
		if len(req.Args) < 1 {
			return wrongArgs("scan")
		}
		pattern := "*"
		for i := 1; i+1 < len(req.Args); i += 2 {
			if s, _ := redis.ArgToString(req.Args[i]); s == "MATCH" {
				pattern = arg(i + 1)
			}
		}
		keys := lo.Keys(s.dbs[db])
		sort.Strings(keys)
		var out []redis.Reply
		for _, key := range keys {
			if ok, _ := path.Match(pattern, key); ok {
				out = append(out, redis.MakeBulk([]byte(key)))
			}
		}
		return redis.MakeArray([]redis.Reply{
			redis.MakeBulk([]byte("0")),
			redis.MakeArray(out),
		})
	}
	return redis.MakeErr("ERR unknown command '" + req.Cmd + "'")
}

/********** pubsub registry **************/

func (s *Store) subscribe(cl *client, name string, pattern bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg := s.subs
	if pattern {
		reg = s.psubs
	}
	if reg[name] == nil {
		reg[name] = map[*client]struct{}{}
	}
	reg[name][cl] = struct{}{}
}

func (s *Store) unsubscribe(cl *client, name string, pattern bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg := s.subs
	if pattern {
		reg = s.psubs
	}
	delete(reg[name], cl)
}

func (s *Store) unsubscribeAll(cl *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.subs {
		delete(m, cl)
	}
	for _, m := range s.psubs {
		delete(m, cl)
	}
}

func (s *Store) publish(channel string, payload []byte) int {
	s.mu.Lock()
	targets := map[*client]redis.Reply{}
	for cl := range s.subs[channel] {
		targets[cl] = redis.MakeArray([]redis.Reply{
			redis.MakeBulk([]byte("message")),
			redis.MakeBulk([]byte(channel)),
			redis.MakeBulk(payload),
		})
	}
	for pattern, clients := range s.psubs {
		if ok, _ := path.Match(pattern, channel); !ok {
			continue
		}
		for cl := range clients {
			if _, dup := targets[cl]; dup {
				continue
			}
			targets[cl] = redis.MakeArray([]redis.Reply{
				redis.MakeBulk([]byte("pmessage")),
				redis.MakeBulk([]byte(pattern)),
				redis.MakeBulk([]byte(channel)),
				redis.MakeBulk(payload),
			})
		}
	}
	s.mu.Unlock()
	for cl, msg := range targets {
		cl.push(msg)
	}
	return len(targets)
}
