// Package handlers implements the HTTP surface of a chanmux endpoint.
//
// GET /ssh upgrades to a WebSocket link carrying the connection protocol;
// the peer may open "session" channels served by the echo service. The
// JSON API under /api/v1 exposes the running connections with per-channel
// flow control stats, recent connection events, the channel audit trail
// and the server log. /metrics serves Prometheus metrics.
//
// Dependencies are package variables set by main before the router is
// built.
//
// # Log Prefixes
//
//   - [http]: link upgrade failures and abnormal connection ends
package handlers
