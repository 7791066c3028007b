// Package channel implements SSH connection-protocol channels (RFC 4254):
// independent duplex byte streams multiplexed over one connection, with
// window-based flow control in both directions.
//
// # Architecture
//
// A [Channel] is built once its ids are known: after the peer confirmed an
// open (initiator role) or after we accepted one (responder role). It talks
// to the connection only through the [Transport] interface and receives
// inbound traffic through the [Handler] methods, which a [Dispatcher] routes
// by incoming channel id. Ids are handed out by an [Allocator] owned by the
// connection.
//
// Each direction is tracked by a [Direction]: the wire id, the available
// credit, the frame size and the lifecycle [State].
//
// # Flow Control
//
// Outbound writes are cut into frames of at most min(window, frame size).
// A write stops when the window is exhausted and resumes on the next
// window adjust; it also stops when the transport reports backpressure and
// resumes on the next drain. The stopped remainder records which of the two
// it is waiting on, and the channel remembers that the connection is
// backpressured until the drain. Primary and auxiliary (stderr) writes share
// the outgoing window. Both are retried on every adjust and drain, the
// primary stream first, each against its own reason.
//
// Inbound frames are dropped if they arrive with the incoming window at
// zero. Otherwise they are debited and handed to the consumer. When the
// window falls to half of its maximum, a single adjust restores it. A
// consumer that returns false from a data callback pauses delivery and
// replenishment until it calls Resume.
//
// # Lifecycle
//
// Incoming: open -> eof -> closed. Outgoing: open -> eof and/or closing ->
// closed. A peer CLOSE closes our side if needed, tears the channel down
// (unregisters it, discards pending writes, fails pending requests) and
// ends the inbound streams. The consumer's Close event fires after the
// primary End event and carries the exit status captured from exit-status
// or exit-signal requests on the initiator role.
//
// # Concurrency
//
// Nothing in this package locks. A channel and all of its callbacks belong
// to the event loop of one connection.
//
// # Log Prefixes
//
//   - [channel]: dropped frames, refused requests, unexpected replies
package channel
