package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/claworc/chanmux/internal/audit"
)

// GetAuditLogs returns paginated channel audit records.
//
// Query parameters:
//
//	conn_id    - filter by connection id
//	event_type - filter by event type
//	since      - RFC3339 timestamp, only entries after this time
//	until      - RFC3339 timestamp, only entries before this time
//	limit      - max entries to return (default 50, max 1000)
//	offset     - pagination offset
func GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	if Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit trail not enabled")
		return
	}

	q := r.URL.Query()
	opts := audit.QueryOptions{
		ConnID:    q.Get("conn_id"),
		EventType: q.Get("event_type"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp (use RFC3339)")
			return
		}
		opts.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid until timestamp (use RFC3339)")
			return
		}
		opts.Until = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = n
	}

	result, err := Auditor.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PurgeAuditLogs deletes audit records older than the given number of
// days, or the retention period when days is absent.
func PurgeAuditLogs(w http.ResponseWriter, r *http.Request) {
	if Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit trail not enabled")
		return
	}
	deleted, err := Auditor.PurgeOlderThan(intParam(r, "days", 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to purge audit logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}
