package redisact_test

import (
	"context"
	"fmt"
	"log"

	"github.com/corvina/redisact/redis"
	"github.com/corvina/redisact/redisconn"
)

func Example_usage() {
	ctx := context.Background()

	opts := redisconn.Opts{
		DB:       0,
		Password: "",
		Logger:   redisconn.NoopLogger{}, // could be ZapLogger or your own
		// Other parameters (usually no need to change):
		// IOTimeout, DialTimeout, ReconnectPause, TCPKeepAlive, TLSConfig, Async
	}
	conn, err := redisconn.Connect(ctx, "127.0.0.1:6379", opts)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	sync := redis.SyncCtx{S: conn}

	res, err := sync.Do(ctx, "SET", "key", "ho")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res)

	res, err = sync.Do(ctx, "GET", "key")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res)

	results := sync.SendMany(ctx, []redis.Request{
		redis.Req("GET", "key"),
		redis.Req("DEL", "key"),
	})
	for _, r := range results {
		if r.Err != nil {
			log.Fatal(r.Err)
		}
		fmt.Println(r.Reply)
	}
}
