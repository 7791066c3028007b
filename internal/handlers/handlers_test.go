package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/claworc/chanmux/internal/audit"
	"github.com/gluk-w/claworc/chanmux/internal/channel"
	"github.com/gluk-w/claworc/chanmux/internal/config"
	"github.com/gluk-w/claworc/chanmux/internal/link"
	"github.com/gluk-w/claworc/chanmux/internal/mux"
	"github.com/gluk-w/claworc/chanmux/internal/services"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// setup installs fresh package state and returns a test server for the
// router. withAudit enables an in-memory audit trail.
func setup(t *testing.T, withAudit bool) *httptest.Server {
	t.Helper()
	Registry = mux.NewRegistry()
	Echo = services.NewEcho()
	Auditor = nil
	MuxOptions = mux.Options{}
	AcceptOptions = link.AcceptOptions{}

	if withAudit {
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			t.Fatalf("open test db: %v", err)
		}
		sqlDB, _ := db.DB()
		sqlDB.SetMaxOpenConns(1)
		t.Cleanup(func() { sqlDB.Close() })
		if Auditor, err = audit.NewAuditor(db, 7); err != nil {
			t.Fatalf("new auditor: %v", err)
		}
		t.Cleanup(Auditor.Close)
	}

	srv := httptest.NewServer(NewRouter())
	t.Cleanup(func() {
		Registry.CloseAll()
		srv.Close()
	})
	return srv
}

func getJSON(t *testing.T, url string, wantStatus int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s: status %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

// dial connects a client connection to the server's /ssh endpoint.
func dial(t *testing.T, srv *httptest.Server) *mux.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ssh"
	l, err := link.Dial(t.Context(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := mux.New(l, mux.Options{})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestHealthCheck(t *testing.T) {
	srv := setup(t, false)
	var body map[string]any
	getJSON(t, srv.URL+"/health", http.StatusOK, &body)
	if body["status"] != "healthy" || body["audit"] != "disabled" {
		t.Errorf("health = %v", body)
	}
}

func TestSSHSessionThroughHTTP(t *testing.T) {
	srv := setup(t, true)
	client := dial(t, srv)

	got := make(chan string, 1)
	ch, err := client.Open(t.Context(), services.SessionType, nil, mux.ChannelOptions{
		Events: channel.Events{
			Data: func(p []byte) bool {
				got <- string(p)
				return true
			},
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	client.Do(func() { ch.Write([]byte("over websocket"), nil) })
	select {
	case s := <-got:
		if s != "over websocket" {
			t.Errorf("echo = %q", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no echo")
	}

	var list struct {
		Connections []mux.ConnInfo `json:"connections"`
	}
	getJSON(t, srv.URL+"/api/v1/connections", http.StatusOK, &list)
	if len(list.Connections) != 1 || len(list.Connections[0].Channels) != 1 {
		t.Fatalf("connections = %+v", list.Connections)
	}
	st := list.Connections[0].Channels[0]
	if st.Type != services.SessionType || st.Role != channel.RoleResponder || st.BytesIn != 14 {
		t.Errorf("channel stats = %+v", st)
	}

	id := list.Connections[0].ID
	var one map[string]any
	getJSON(t, srv.URL+"/api/v1/connections/"+id, http.StatusOK, &one)
	if one["id"] != id {
		t.Errorf("connection = %v", one)
	}

	client.Do(ch.End)
	eventually(t, "channel closed on the server", func() bool {
		res, err := Auditor.Query(audit.QueryOptions{EventType: audit.EventChannelClose})
		return err == nil && res.Total == 1
	})

	var page audit.QueryResult
	getJSON(t, srv.URL+"/api/v1/audit?conn_id="+id, http.StatusOK, &page)
	if page.Total != 2 {
		t.Errorf("audit entries for %s = %d, want open and close", id, page.Total)
	}
	if page.Entries[0].EventType != audit.EventChannelClose {
		t.Errorf("newest audit entry = %q, want %q", page.Entries[0].EventType, audit.EventChannelClose)
	}

	var events struct {
		Events []mux.ConnEvent `json:"events"`
	}
	getJSON(t, srv.URL+"/api/v1/events?limit=10", http.StatusOK, &events)
	if len(events.Events) < 3 {
		t.Errorf("events = %+v, want connect, open and close", events.Events)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/connections/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE status = %d", resp.StatusCode)
	}
	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client connection not closed by the server")
	}
}

func TestConnectionNotFound(t *testing.T) {
	srv := setup(t, false)
	getJSON(t, srv.URL+"/api/v1/connections/nope", http.StatusNotFound, nil)
}

func TestAuditEndpoints(t *testing.T) {
	tests := []struct {
		name      string
		withAudit bool
		query     string
		status    int
	}{
		{"disabled", false, "", http.StatusServiceUnavailable},
		{"ok", true, "?limit=5", http.StatusOK},
		{"bad since", true, "?since=yesterday", http.StatusBadRequest},
		{"bad limit", true, "?limit=0", http.StatusBadRequest},
		{"bad offset", true, "?offset=-1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := setup(t, tt.withAudit)
			getJSON(t, srv.URL+"/api/v1/audit"+tt.query, tt.status, nil)
		})
	}
}

func TestPurgeAuditLogs(t *testing.T) {
	srv := setup(t, true)
	now := time.Now()
	Auditor.Log(audit.Record{ConnID: "old", EventType: audit.EventChannelOpen, CreatedAt: now.AddDate(0, 0, -30)})
	Auditor.Log(audit.Record{ConnID: "new", EventType: audit.EventChannelOpen, CreatedAt: now})

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/audit", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]int64
	json.NewDecoder(resp.Body).Decode(&body)
	if body["deleted"] != 1 {
		t.Errorf("deleted = %d, want 1", body["deleted"])
	}
}

func TestServerLogs(t *testing.T) {
	srv := setup(t, false)
	path := filepath.Join(t.TempDir(), "chanmux.log")
	prev := config.Cfg
	config.Cfg.LogPath = path
	t.Cleanup(func() { config.Cfg = prev })
	os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0644)

	var body map[string]string
	getJSON(t, srv.URL+"/api/v1/logs?lines=2", http.StatusOK, &body)
	if body["logs"] != "two\nthree" {
		t.Errorf("logs = %q", body["logs"])
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/logs", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if data, _ := os.ReadFile(path); len(data) != 0 {
		t.Errorf("log not cleared: %q", data)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := setup(t, false)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
