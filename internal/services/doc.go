// Package services holds the channel services an endpoint can offer to its
// peers.
//
// [Echo] accepts "session" channels and sends back every byte it
// receives. Writes are serialized per stream and the inbound consumer is
// paused while an echo is waiting for window credit, so a slow peer
// throttles itself. When the peer ends its side the session reports exit
// status 0; a known signal ends it with an exit-signal instead.
//
// # Log Prefixes
//
//   - [echo]: rejected channels and requests
package services
