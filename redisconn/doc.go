/*
Package redisconn implements a connection to a single redis server.

The connection writes commands to the socket in submission order while
an in-flight queue remembers who is waiting; replies resolve that queue
in the same order. While the connection is down, submissions fail fast
with ErrNotConnected and a background loop reconnects, replaying AUTH
and SELECT before any caller traffic.
*/
package redisconn
