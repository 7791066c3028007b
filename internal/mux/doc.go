// Package mux runs the SSH connection protocol over a packet link: it owns
// the channel id allocator and dispatcher of one connection, opens and
// accepts channels, answers global requests, sends keepalives and applies
// outbound backpressure.
//
// # Architecture
//
// Each [Conn] runs three goroutines. The loop goroutine owns every channel
// and all connection state; the reader goroutine decodes packets from the
// link and posts them to the loop; the writer goroutine drains the
// outbound queue into the link. Channel code never blocks: a send that
// pushes the queue above its high-water mark reports backpressure, and the
// writer posts a drain to the loop once the queue is back at half.
//
// Code outside the loop reaches channels only through [Conn.Do] (fire and
// forget) or the blocking helpers [Conn.Open] and [Conn.Channels].
//
// # Channel Opens
//
// [Conn.OpenChannel] sends CHANNEL_OPEN and builds an initiator channel
// when the peer confirms. Opens from the peer are offered to the
// [Acceptor], which accepts them as responder channels or rejects them.
//
// # Keepalive
//
// With a positive interval the loop sends keepalive@openssh.com global
// requests. Any reply, global or channel-scoped, resets the count of
// unanswered ones; exceeding the maximum closes the connection with
// [ErrKeepaliveTimeout].
//
// # Log Prefixes
//
//   - [mux]: connection lifecycle, refused opens and requests, dropped
//     packets, registry events
package mux
