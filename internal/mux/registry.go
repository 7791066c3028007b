package mux

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/gluk-w/claworc/chanmux/internal/channel"
	"github.com/gluk-w/claworc/chanmux/internal/logutil"
)

// EventType identifies a connection event.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventChannelOpen  EventType = "channel_open"
	EventChannelClose EventType = "channel_close"
)

// ConnEvent is one entry of a connection's event history.
type ConnEvent struct {
	ConnID    string    `json:"conn_id"`
	Type      EventType `json:"type"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// maxEvents limits the number of stored events.
const maxEvents = 200

// ConnInfo describes a running connection and its channels.
type ConnInfo struct {
	ID         string          `json:"id"`
	RemoteAddr string          `json:"remote_addr"`
	Since      time.Time       `json:"since"`
	Queued     int             `json:"queued_bytes"`
	Channels   []channel.Stats `json:"channels"`
}

type registered struct {
	conn  *Conn
	since time.Time
}

// Registry tracks the running connections of an endpoint and a short
// history of their events. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]registered
	events []ConnEvent
	nowFn  func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]registered),
		nowFn: time.Now,
	}
}

// Add tracks c until it shuts down.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID()] = registered{conn: c, since: r.nowFn()}
	r.mu.Unlock()
	r.LogEvent(c.ID(), EventConnected, c.RemoteAddr())

	go func() {
		<-c.Done()
		r.mu.Lock()
		delete(r.conns, c.ID())
		r.mu.Unlock()
		details := "closed"
		if err := c.Err(); err != nil {
			details = err.Error()
		}
		r.LogEvent(c.ID(), EventDisconnected, details)
	}()
}

// Len returns the number of tracked connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Get returns the connection with the given id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.conns[id]
	return reg.conn, ok
}

// Snapshot describes every tracked connection, ordered by id. Connections
// that close while the snapshot is taken are left out.
func (r *Registry) Snapshot(ctx context.Context) []ConnInfo {
	r.mu.RLock()
	regs := make([]registered, 0, len(r.conns))
	for _, reg := range r.conns {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()
	slices.SortFunc(regs, func(a, b registered) int {
		switch {
		case a.conn.ID() < b.conn.ID():
			return -1
		case a.conn.ID() > b.conn.ID():
			return 1
		}
		return 0
	})

	infos := make([]ConnInfo, 0, len(regs))
	for _, reg := range regs {
		chans, err := reg.conn.Channels(ctx)
		if err != nil {
			continue
		}
		if chans == nil {
			chans = []channel.Stats{}
		}
		infos = append(infos, ConnInfo{
			ID:         reg.conn.ID(),
			RemoteAddr: reg.conn.RemoteAddr(),
			Since:      reg.since,
			Queued:     reg.conn.Queued(),
			Channels:   chans,
		})
	}
	return infos
}

// CloseAll closes every tracked connection.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, reg := range r.conns {
		conns = append(conns, reg.conn)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}

// LogEvent records an event and writes it to the standard logger. The
// history keeps the most recent events only.
func (r *Registry) LogEvent(connID string, eventType EventType, details string) {
	event := ConnEvent{
		ConnID:    connID,
		Type:      eventType,
		Details:   details,
		Timestamp: r.nowFn(),
	}

	r.mu.Lock()
	r.events = append(r.events, event)
	if len(r.events) > maxEvents {
		r.events = r.events[len(r.events)-maxEvents:]
	}
	r.mu.Unlock()

	log.Printf("[mux] event %s/%s: %s", connID, eventType, logutil.SanitizeForLog(details))
}

// RecentEvents returns up to n of the most recent events, oldest first.
func (r *Registry) RecentEvents(n int) []ConnEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > len(r.events) {
		n = len(r.events)
	}
	return slices.Clone(r.events[len(r.events)-n:])
}

// ChannelOpened implements Observer by recording an event.
func (r *Registry) ChannelOpened(connID string, st channel.Stats) {
	r.LogEvent(connID, EventChannelOpen, channelDetails(st))
}

// ChannelClosed implements Observer by recording an event.
func (r *Registry) ChannelClosed(connID string, st channel.Stats) {
	details := channelDetails(st)
	if st.Exit != nil {
		details += " " + st.Exit.String()
	}
	r.LogEvent(connID, EventChannelClose, details)
}

func channelDetails(st channel.Stats) string {
	return fmt.Sprintf("%s channel %d (%s) in=%d out=%d", st.Type, st.IncomingID, st.Role, st.BytesIn, st.BytesOut)
}
