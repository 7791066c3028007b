package mux

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/claworc/chanmux/internal/channel"
	"github.com/gluk-w/claworc/chanmux/internal/link"
	"github.com/gluk-w/claworc/chanmux/internal/wire"
)

// --- helpers ---

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pair(t *testing.T, aOpts, bOpts Options) (*Conn, *Conn) {
	t.Helper()
	la, lb := link.Pipe()
	a := New(la, aOpts)
	b := New(lb, bOpts)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// echoAcceptor accepts "session" channels and echoes their data. On EOF it
// reports exit status 0 and ends the channel.
func echoAcceptor(req *OpenRequest) {
	if req.Type() != "session" {
		req.Reject(ssh.UnknownChannelType, "unsupported channel type")
		return
	}
	var ch *channel.Channel
	busy := false
	ch = req.Accept(ChannelOptions{Events: channel.Events{
		Data: func(p []byte) bool {
			busy = true
			ch.Write(p, func(error) {
				busy = false
				ch.Resume()
			})
			return !busy
		},
		End: func() {
			ch.ReportExitStatus(0)
			ch.End()
		},
	}})
}

// collector gathers what the loop delivers to an initiator channel.
type collector struct {
	mu     sync.Mutex
	data   bytes.Buffer
	ended  bool
	closed bool
	exit   *channel.ExitRecord
}

func (c *collector) events() channel.Events {
	return channel.Events{
		Data: func(p []byte) bool {
			c.mu.Lock()
			c.data.Write(p)
			c.mu.Unlock()
			return true
		},
		End: func() {
			c.mu.Lock()
			c.ended = true
			c.mu.Unlock()
		},
		Close: func(exit *channel.ExitRecord) {
			c.mu.Lock()
			c.closed = true
			c.exit = exit
			c.mu.Unlock()
		},
	}
}

func (c *collector) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.Len()
}

func (c *collector) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.data.Bytes())
}

func (c *collector) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func channelCount(t *testing.T, c *Conn) int {
	t.Helper()
	chans, err := c.Channels(t.Context())
	if err != nil {
		t.Fatalf("Channels: %v", err)
	}
	return len(chans)
}

// rawPeer drives one end of a pipe by hand.
type rawPeer struct {
	t *testing.T
	l link.Conn
}

func (p *rawPeer) send(msg any) {
	p.t.Helper()
	if err := p.l.WritePacket(p.t.Context(), wire.Encode(msg)); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

func (p *rawPeer) recv() any {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(p.t.Context(), 5*time.Second)
	defer cancel()
	pkt, err := p.l.ReadPacket(ctx)
	if err != nil {
		p.t.Fatalf("read: %v", err)
	}
	msg, err := wire.Decode(pkt)
	if err != nil {
		p.t.Fatalf("decode: %v", err)
	}
	return msg
}

func rawPair(t *testing.T, opts Options) (*Conn, *rawPeer) {
	t.Helper()
	la, lb := link.Pipe()
	c := New(la, opts)
	t.Cleanup(func() { c.Close() })
	return c, &rawPeer{t: t, l: lb}
}

// --- tests ---

func TestOpenEchoAndClose(t *testing.T) {
	a, b := pair(t, Options{}, Options{Acceptor: echoAcceptor})
	col := &collector{}

	ch, err := a.Open(t.Context(), "session", nil, ChannelOptions{Events: col.events()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ch.Role() != channel.RoleInitiator {
		t.Errorf("role = %s, want initiator", ch.Role())
	}
	eventually(t, "responder channel", func() bool { return channelCount(t, b) == 1 })

	a.Do(func() { ch.Write([]byte("hello"), nil) })
	eventually(t, "echo", func() bool { return col.received() == 5 })
	if got := string(col.bytes()); got != "hello" {
		t.Errorf("echo = %q, want hello", got)
	}

	a.Do(func() { ch.End() })
	eventually(t, "close", col.isClosed)

	col.mu.Lock()
	exit, ended := col.exit, col.ended
	col.mu.Unlock()
	if !ended {
		t.Error("End not delivered before Close")
	}
	if exit == nil || exit.Code == nil || *exit.Code != 0 {
		t.Errorf("exit = %v, want code=0", exit)
	}
	eventually(t, "channels released", func() bool {
		return channelCount(t, a) == 0 && channelCount(t, b) == 0
	})
}

func TestOpenRejected(t *testing.T) {
	tests := []struct {
		name   string
		opts   Options
		typ    string
		reason ssh.RejectionReason
	}{
		{"no acceptor", Options{}, "session", ssh.Prohibited},
		{"unknown type", Options{Acceptor: echoAcceptor}, "x11", ssh.UnknownChannelType},
		{"undecided", Options{Acceptor: func(*OpenRequest) {}}, "session", ssh.Prohibited},
		{"no free ids", Options{Acceptor: echoAcceptor, MaxChannels: 1}, "session", ssh.ResourceShortage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := pair(t, Options{}, tt.opts)
			if tt.reason == ssh.ResourceShortage {
				if _, err := a.Open(t.Context(), "session", nil, ChannelOptions{}); err != nil {
					t.Fatalf("first Open: %v", err)
				}
			}
			_, err := a.Open(t.Context(), tt.typ, nil, ChannelOptions{})
			var openErr *OpenError
			if !errors.As(err, &openErr) {
				t.Fatalf("err = %v, want *OpenError", err)
			}
			if openErr.Reason != tt.reason {
				t.Errorf("reason = %v, want %v", openErr.Reason, tt.reason)
			}
		})
	}
}

func TestOpenNoFreeLocalIDs(t *testing.T) {
	a, _ := pair(t, Options{MaxChannels: 1}, Options{Acceptor: echoAcceptor})
	if _, err := a.Open(t.Context(), "session", nil, ChannelOptions{}); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := a.Open(t.Context(), "session", nil, ChannelOptions{}); !errors.Is(err, ErrNoFreeChannels) {
		t.Errorf("err = %v, want ErrNoFreeChannels", err)
	}
}

func TestFlowControlUnderSmallWindows(t *testing.T) {
	opts := Options{WindowSize: 1024, PacketSize: 256, HighWater: 2048}
	bOpts := opts
	bOpts.Acceptor = echoAcceptor
	a, _ := pair(t, opts, bOpts)
	col := &collector{}

	ch, err := a.Open(t.Context(), "session", nil, ChannelOptions{Events: col.events()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	payload := make([]byte, 100_000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	written := make(chan error, 1)
	a.Do(func() {
		ch.Write(payload, func(err error) { written <- err })
	})

	select {
	case err := <-written:
		if err != nil {
			t.Fatalf("write completion: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("write never completed")
	}
	eventually(t, "full echo", func() bool { return col.received() == len(payload) })
	if !bytes.Equal(col.bytes(), payload) {
		t.Error("echoed bytes differ from what was sent")
	}

	chans, err := a.Channels(t.Context())
	if err != nil || len(chans) != 1 {
		t.Fatalf("Channels = %v, %v", chans, err)
	}
	if chans[0].WindowStalls == 0 {
		t.Error("expected the writer to stall on the 1KiB window")
	}
	if chans[0].WindowAdjusts == 0 {
		t.Error("expected window adjusts for the echoed data")
	}
}

func TestConnCloseClosesChannels(t *testing.T) {
	a, b := pair(t, Options{}, Options{Acceptor: echoAcceptor})
	col := &collector{}
	pending := make(chan error, 1)

	if _, err := a.Open(t.Context(), "session", nil, ChannelOptions{Events: col.events()}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	a.Do(func() {
		a.OpenChannel("direct-tcpip", nil, ChannelOptions{}, func(_ *channel.Channel, err error) {
			pending <- err
		})
	})

	a.Close()
	if !col.isClosed() {
		t.Error("open channel did not see a close")
	}
	if err := a.Err(); err != nil {
		t.Errorf("Err after local Close = %v, want nil", err)
	}
	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not notice the link closing")
	}
	if err := a.Do(func() {}); !errors.Is(err, ErrConnClosed) {
		t.Errorf("Do after close = %v, want ErrConnClosed", err)
	}
	if _, err := a.Open(t.Context(), "session", nil, ChannelOptions{}); !errors.Is(err, ErrConnClosed) {
		t.Errorf("Open after close = %v, want ErrConnClosed", err)
	}
	// The direct-tcpip open was either refused by the echo acceptor or
	// cut short by the close.
	if err := <-pending; err == nil {
		t.Error("pending open succeeded")
	}
}

func TestCloseFailsPendingOpen(t *testing.T) {
	c, peer := rawPair(t, Options{})
	result := make(chan error, 1)
	go func() {
		_, err := c.Open(context.Background(), "session", nil, ChannelOptions{})
		result <- err
	}()

	if _, ok := peer.recv().(*wire.ChannelOpenMsg); !ok {
		t.Fatal("expected CHANNEL_OPEN")
	}
	c.Close()

	select {
	case err := <-result:
		if !errors.Is(err, ErrConnClosed) {
			t.Errorf("err = %v, want ErrConnClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Open did not return after Close")
	}
}

func TestKeepaliveTimeout(t *testing.T) {
	c, _ := rawPair(t, Options{KeepaliveInterval: 10 * time.Millisecond, KeepaliveCountMax: 2})

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection survived unanswered keepalives")
	}
	if err := c.Err(); !errors.Is(err, ErrKeepaliveTimeout) {
		t.Errorf("Err = %v, want ErrKeepaliveTimeout", err)
	}
}

func TestKeepaliveAnswered(t *testing.T) {
	a, _ := pair(t, Options{KeepaliveInterval: 20 * time.Millisecond, KeepaliveCountMax: 3}, Options{})

	select {
	case <-a.Done():
		t.Fatalf("connection closed: %v", a.Err())
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPeerGlobalRequestRefused(t *testing.T) {
	_, peer := rawPair(t, Options{})
	peer.send(&wire.GlobalRequestMsg{Type: "tcpip-forward", WantReply: true})
	if _, ok := peer.recv().(*wire.GlobalRequestFailureMsg); !ok {
		t.Fatal("expected REQUEST_FAILURE")
	}
}

func TestMalformedPacketDropped(t *testing.T) {
	c, peer := rawPair(t, Options{})
	if err := peer.l.WritePacket(t.Context(), []byte{wire.MsgChannelWindowAdjust, 1}); err != nil {
		t.Fatal(err)
	}
	if err := peer.l.WritePacket(t.Context(), []byte{2, 0}); err != nil {
		t.Fatal(err)
	}
	peer.send(&wire.GlobalRequestMsg{Type: "ping", WantReply: true})
	if _, ok := peer.recv().(*wire.GlobalRequestFailureMsg); !ok {
		t.Fatal("connection stopped answering after a malformed packet")
	}
	if c.Err() != nil {
		t.Errorf("Err = %v", c.Err())
	}
}

func TestRequestAfterCloseRefused(t *testing.T) {
	_, peer := rawPair(t, Options{Acceptor: echoAcceptor})

	peer.send(&wire.ChannelOpenMsg{ChanType: "session", PeersID: 5, PeersWindow: 1 << 20, MaxPacketSize: 1 << 15})
	confirm, ok := peer.recv().(*wire.ChannelOpenConfirmMsg)
	if !ok {
		t.Fatal("expected CHANNEL_OPEN_CONFIRMATION")
	}
	if confirm.PeersID != 5 {
		t.Errorf("confirmation addressed to %d, want 5", confirm.PeersID)
	}

	peer.send(&wire.ChannelCloseMsg{PeersID: confirm.MyID})
	if msg, ok := peer.recv().(*wire.ChannelCloseMsg); !ok || msg.PeersID != 5 {
		t.Fatalf("got %#v, want CHANNEL_CLOSE to 5", msg)
	}

	peer.send(&wire.ChannelRequestMsg{PeersID: confirm.MyID, Request: "env", WantReply: true})
	if msg, ok := peer.recv().(*wire.ChannelRequestFailureMsg); !ok || msg.PeersID != 5 {
		t.Fatalf("got %#v, want CHANNEL_FAILURE to 5", msg)
	}
}

func TestRequestForNeverOpenedChannelDropped(t *testing.T) {
	_, peer := rawPair(t, Options{})

	peer.send(&wire.ChannelRequestMsg{PeersID: 42, Request: "env", WantReply: true})
	peer.send(&wire.GlobalRequestMsg{Type: "ping", WantReply: true})

	// Without a peer id there is nothing to refuse to, so the next packet
	// is the answer to the global request.
	if msg, ok := peer.recv().(*wire.GlobalRequestFailureMsg); !ok {
		t.Fatalf("got %#v, want REQUEST_FAILURE for the global request", msg)
	}
}

func TestReusedIDKeepsNewestClosedPeer(t *testing.T) {
	c, _ := rawPair(t, Options{})
	err := c.call(t.Context(), func() {
		c.rememberClosed(1, 10)
		c.forgetClosed(1)
		for id := uint32(2); id <= closedPeersLimit; id++ {
			c.rememberClosed(id, id+100)
		}
		c.rememberClosed(1, 11)
		// One more pushes out the oldest entry, which is id 2.
		c.rememberClosed(closedPeersLimit+1, 0)
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	var peer uint32
	var known, evicted bool
	c.call(t.Context(), func() {
		peer, known = c.closedPeers[1]
		_, stale := c.closedPeers[2]
		evicted = !stale
	})
	if !known || peer != 11 {
		t.Errorf("closedPeers[1] = %d, %v, want 11, true", peer, known)
	}
	if !evicted {
		t.Error("oldest entry was not evicted")
	}
}

// slowCloseLink blocks Close until release is closed, as a websocket does
// while it waits for the peer's close frame.
type slowCloseLink struct {
	link.Conn
	closing chan struct{}
	release chan struct{}
}

func (l *slowCloseLink) Close() error {
	close(l.closing)
	<-l.release
	return l.Conn.Close()
}

func TestKeepaliveTimeoutDoesNotWaitForLinkClose(t *testing.T) {
	la, _ := link.Pipe()
	l := &slowCloseLink{Conn: la, closing: make(chan struct{}), release: make(chan struct{})}
	c := New(l, Options{KeepaliveInterval: 10 * time.Millisecond, KeepaliveCountMax: 1})
	defer c.Close()
	defer close(l.release)

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop stayed blocked on the link close")
	}
	select {
	case <-l.closing:
	case <-time.After(5 * time.Second):
		t.Fatal("link was never closed")
	}
	if err := c.Err(); !errors.Is(err, ErrKeepaliveTimeout) {
		t.Errorf("Err = %v, want ErrKeepaliveTimeout", err)
	}
}

func TestResponderRepliesThroughConn(t *testing.T) {
	accept := func(req *OpenRequest) {
		req.Accept(ChannelOptions{
			Requests: func(r *wire.ChannelRequestMsg, reply *channel.Reply) {
				if r.Request == wire.RequestWindowChange {
					reply.Accept()
					return
				}
				reply.Reject()
			},
		})
	}
	a, _ := pair(t, Options{}, Options{Acceptor: accept})
	ch, err := a.Open(t.Context(), "session", nil, ChannelOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	results := make(chan bool, 2)
	a.Do(func() {
		ch.RequestResize(24, 80, 0, 0, func(failed bool) { results <- failed })
		ch.Request("x11-req", true, nil, func(failed bool) { results <- failed })
	})
	for i, want := range []bool{false, true} {
		select {
		case got := <-results:
			if got != want {
				t.Errorf("reply %d failed=%v, want %v", i, got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("reply %d never arrived", i)
		}
	}
}

func TestOutQueueHighWater(t *testing.T) {
	var q outQueue
	q.init(10)

	if !q.push(make([]byte, 6)) {
		t.Error("push below high water reported backpressure")
	}
	if q.push(make([]byte, 6)) {
		t.Error("push above high water did not report backpressure")
	}
	if q.queued() != 12 {
		t.Errorf("queued = %d, want 12", q.queued())
	}

	ctx := t.Context()
	_, drained, ok := q.next(ctx)
	if !ok || drained {
		t.Errorf("first next: ok=%v drained=%v, want still above low water", ok, drained)
	}
	_, drained, ok = q.next(ctx)
	if !ok || !drained {
		t.Errorf("second next: ok=%v drained=%v, want drained", ok, drained)
	}

	q.close()
	if !q.push([]byte{1}) {
		t.Error("push after close reported backpressure")
	}
	if _, _, ok := q.next(ctx); ok {
		t.Error("next returned a packet after close")
	}
}
