package mux

import (
	"strings"
	"testing"
	"time"

	"github.com/gluk-w/claworc/chanmux/internal/channel"
)

func TestRegistryTracksConnections(t *testing.T) {
	reg := NewRegistry()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.nowFn = func() time.Time { return fixed }

	a, b := pair(t, Options{Observer: reg}, Options{Acceptor: echoAcceptor, Observer: reg})
	reg.Add(a)
	reg.Add(b)

	if reg.Len() != 2 {
		t.Fatalf("Len = %d, want 2", reg.Len())
	}
	if got, ok := reg.Get(a.ID()); !ok || got != a {
		t.Errorf("Get(%s) = %v, %v", a.ID(), got, ok)
	}
	if _, ok := reg.Get("missing"); ok {
		t.Error("Get(missing) should fail")
	}

	if _, err := a.Open(t.Context(), "session", nil, ChannelOptions{}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	eventually(t, "both channel ends", func() bool {
		total := 0
		for _, info := range reg.Snapshot(t.Context()) {
			total += len(info.Channels)
		}
		return total == 2
	})

	infos := reg.Snapshot(t.Context())
	if len(infos) != 2 {
		t.Fatalf("Snapshot has %d conns, want 2", len(infos))
	}
	if infos[0].ID > infos[1].ID {
		t.Error("Snapshot not ordered by id")
	}
	for _, info := range infos {
		if !info.Since.Equal(fixed) {
			t.Errorf("Since = %v, want %v", info.Since, fixed)
		}
		if !strings.HasPrefix(info.RemoteAddr, "pipe") {
			t.Errorf("RemoteAddr = %q, want a pipe name", info.RemoteAddr)
		}
	}

	a.Close()
	eventually(t, "registry empty", func() bool { return reg.Len() == 0 })

	var opened, closed, disconnected int
	for _, ev := range reg.RecentEvents(0) {
		switch ev.Type {
		case EventChannelOpen:
			opened++
		case EventChannelClose:
			closed++
		case EventDisconnected:
			disconnected++
		}
	}
	if opened != 2 || closed != 2 || disconnected != 2 {
		t.Errorf("events open=%d close=%d disconnected=%d, want 2 each", opened, closed, disconnected)
	}
}

func TestRegistryEventHistoryIsBounded(t *testing.T) {
	reg := NewRegistry()
	for i := 0; i < maxEvents+25; i++ {
		reg.LogEvent("c1", EventConnected, "x")
	}
	if got := len(reg.RecentEvents(0)); got != maxEvents {
		t.Errorf("history = %d, want %d", got, maxEvents)
	}
	if got := len(reg.RecentEvents(5)); got != 5 {
		t.Errorf("RecentEvents(5) = %d entries", got)
	}
}

func TestChannelDetails(t *testing.T) {
	code := uint32(2)
	st := channel.Stats{Type: "session", IncomingID: 4, Role: channel.RoleResponder, BytesIn: 10, BytesOut: 20}
	want := "session channel 4 (responder) in=10 out=20"
	if got := channelDetails(st); got != want {
		t.Errorf("channelDetails = %q, want %q", got, want)
	}

	reg := NewRegistry()
	st.Exit = &channel.ExitRecord{Code: &code}
	reg.ChannelClosed("c1", st)
	ev := reg.RecentEvents(1)[0]
	if ev.Details != want+" "+st.Exit.String() {
		t.Errorf("close details = %q", ev.Details)
	}
}

type countingObserver struct{ opened, closed int }

func (o *countingObserver) ChannelOpened(string, channel.Stats) { o.opened++ }
func (o *countingObserver) ChannelClosed(string, channel.Stats) { o.closed++ }

func TestObserversFanOut(t *testing.T) {
	first, second := &countingObserver{}, &countingObserver{}
	obs := Observers{first, nil, second}
	obs.ChannelOpened("c", channel.Stats{})
	obs.ChannelClosed("c", channel.Stats{})
	obs.ChannelClosed("c", channel.Stats{})
	for i, o := range []*countingObserver{first, second} {
		if o.opened != 1 || o.closed != 2 {
			t.Errorf("observer %d saw open=%d close=%d", i, o.opened, o.closed)
		}
	}
}
