package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ListConnections returns every running connection with its channel stats.
func ListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": Registry.Snapshot(r.Context()),
	})
}

// GetConnection returns one connection's channel stats.
func GetConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Connection not found")
		return
	}
	chans, err := c.Channels(r.Context())
	if err != nil {
		writeError(w, http.StatusGone, "Connection closed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           c.ID(),
		"remote_addr":  c.RemoteAddr(),
		"queued_bytes": c.Queued(),
		"channels":     chans,
	})
}

// CloseConnection shuts a connection down.
func CloseConnection(w http.ResponseWriter, r *http.Request) {
	c, ok := Registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Connection not found")
		return
	}
	c.Close()
	w.WriteHeader(http.StatusNoContent)
}

// GetConnectionEvents returns recent connection and channel events.
//
// Query parameters:
//
//	limit - max events to return (default 50)
func GetConnectionEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"events": Registry.RecentEvents(intParam(r, "limit", 50)),
	})
}
