package channel

import (
	"log"

	"github.com/gluk-w/claworc/chanmux/internal/logutil"
	"github.com/gluk-w/claworc/chanmux/internal/wire"
)

// Events are the consumer callbacks of a channel. All of them run on the
// connection loop and must not block. Any of them may be nil.
type Events struct {
	// Data receives primary stream bytes. Returning false pauses delivery
	// (and window replenishment) until Resume is called.
	Data func(p []byte) bool
	// ExtendedData receives auxiliary stream bytes, with the same pause
	// contract as Data against Stderr().Resume.
	ExtendedData func(p []byte) bool
	// End fires once the primary inbound stream is exhausted.
	End func()
	// ExtendedEnd fires once the auxiliary inbound stream is exhausted.
	ExtendedEnd func()
	// Exit fires when the peer reports how the remote command ended.
	Exit func(ExitRecord)
	// Close fires once, after End, when the channel is fully closed. exit
	// is the captured exit status on the initiator role, or nil.
	Close func(exit *ExitRecord)
}

// RequestHandler answers inbound channel requests on the responder role.
// The handler must call reply.Accept or reply.Reject when the peer wants a
// reply, either before returning or later on the connection loop.
type RequestHandler func(req *wire.ChannelRequestMsg, reply *Reply)

// Config describes a channel at the moment it becomes usable: after the
// peer confirmed our open (initiator) or after we accepted theirs
// (responder).
type Config struct {
	Role Role
	Type string

	// Incoming carries the local id, the credit granted to the peer and
	// the largest frame we accept. Outgoing carries the peer's id, the
	// credit it granted us and its frame size.
	Incoming Direction
	Outgoing Direction

	// MaxWindow is the level the incoming window is restored to. Zero
	// selects the package default.
	MaxWindow uint32
	// AllowHalfOpen keeps the outgoing side open after End on the
	// initiator role.
	AllowHalfOpen bool

	Transport  Transport
	Dispatcher *Dispatcher
	Liveness   Liveness
	Events     Events
	Requests   RequestHandler

	// OnTeardown runs once, after the channel has been unregistered.
	OnTeardown func(*Channel)
}

// Stats is a point-in-time view of a channel.
type Stats struct {
	Type            string      `json:"type"`
	Role            Role        `json:"role"`
	IncomingID      uint32      `json:"incoming_id"`
	OutgoingID      uint32      `json:"outgoing_id"`
	IncomingWindow  uint32      `json:"incoming_window"`
	OutgoingWindow  uint32      `json:"outgoing_window"`
	IncomingState   State       `json:"incoming_state"`
	OutgoingState   State       `json:"outgoing_state"`
	BytesIn         uint64      `json:"bytes_in"`
	BytesOut        uint64      `json:"bytes_out"`
	FramesDropped   uint64      `json:"frames_dropped"`
	WindowStalls    uint64      `json:"window_stalls"`
	WindowAdjusts   uint64      `json:"window_adjusts"`
	UnknownExtended uint64      `json:"unknown_extended"`
	PendingRequests int         `json:"pending_requests"`
	BufferedOut     int         `json:"buffered_out"`
	BufferedIn      int         `json:"buffered_in"`
	Exit            *ExitRecord `json:"exit,omitempty"`
}

// Channel is one logical duplex stream multiplexed on a connection, plus an
// auxiliary stream reachable through Stderr.
//
// A Channel is not safe for concurrent use. Every method, and every
// callback it makes, runs on the loop of the connection that owns it.
type Channel struct {
	tr     Transport
	disp   *Dispatcher
	live   Liveness
	role   Role
	typ    string
	events Events

	incoming  Direction
	outgoing  Direction
	maxWindow uint32
	halfOpen  bool

	in     inbound
	out    outbound
	stderr ExtendedStream

	requests   requestQueue
	handler    RequestHandler
	onTeardown func(*Channel)

	exit          *ExitRecord
	ending        bool
	finished      bool
	tornDown      bool
	closeNotified bool
	endingInbound bool
	backpressured bool

	stats Stats
}

// New builds a channel from cfg and registers it on cfg.Dispatcher under
// the incoming id. cfg.Transport is required.
func New(cfg Config) *Channel {
	if cfg.Transport == nil {
		panic("channel: New called without a Transport")
	}
	c := &Channel{
		tr:         cfg.Transport,
		disp:       cfg.Dispatcher,
		live:       cfg.Liveness,
		role:       cfg.Role,
		typ:        cfg.Type,
		events:     cfg.Events,
		incoming:   cfg.Incoming,
		outgoing:   cfg.Outgoing,
		maxWindow:  cfg.MaxWindow,
		halfOpen:   cfg.AllowHalfOpen,
		handler:    cfg.Requests,
		onTeardown: cfg.OnTeardown,
	}
	if c.maxWindow == 0 {
		c.maxWindow = MaxWindow
	}
	if c.incoming.Window == 0 {
		c.incoming.Window = c.maxWindow
	}
	if c.incoming.FrameSize == 0 {
		c.incoming.FrameSize = PacketSize
	}
	if c.incoming.State == "" {
		c.incoming.State = StateOpen
	}
	if c.outgoing.State == "" {
		c.outgoing.State = StateOpen
	}

	c.in = inbound{ch: c, deliver: cfg.Events.Data, ended: cfg.Events.End}
	c.out = outbound{ch: c}
	c.stderr.init(c)
	c.stderr.in.deliver = cfg.Events.ExtendedData
	c.stderr.in.ended = cfg.Events.ExtendedEnd

	if c.disp != nil {
		c.disp.Register(c.incoming.ID, c)
	}
	return c
}

// Role returns the side of the session this channel plays.
func (c *Channel) Role() Role { return c.role }

// Type returns the channel type given at open, e.g. "session".
func (c *Channel) Type() string { return c.typ }

// IncomingID returns the locally assigned channel id.
func (c *Channel) IncomingID() uint32 { return c.incoming.ID }

// OutgoingID returns the peer's id for this channel.
func (c *Channel) OutgoingID() uint32 { return c.outgoing.ID }

// Incoming returns the bookkeeping of the inbound direction.
func (c *Channel) Incoming() Direction { return c.incoming }

// Outgoing returns the bookkeeping of the outbound direction.
func (c *Channel) Outgoing() Direction { return c.outgoing }

// Stderr returns the auxiliary stream.
func (c *Channel) Stderr() *ExtendedStream { return &c.stderr }

// Exit returns the captured exit status, if the peer reported one.
func (c *Channel) Exit() (ExitRecord, bool) {
	if c.exit == nil {
		return ExitRecord{}, false
	}
	return *c.exit, true
}

// Closed reports whether the channel has been torn down.
func (c *Channel) Closed() bool { return c.tornDown }

// Stats returns a snapshot of the channel's state and counters.
func (c *Channel) Stats() Stats {
	s := c.stats
	s.Type = c.typ
	s.Role = c.role
	s.IncomingID = c.incoming.ID
	s.OutgoingID = c.outgoing.ID
	s.IncomingWindow = c.incoming.Window
	s.OutgoingWindow = c.outgoing.Window
	s.IncomingState = c.incoming.State
	s.OutgoingState = c.outgoing.State
	s.PendingRequests = c.requests.len()
	s.BufferedOut = c.out.buffered() + c.stderr.out.buffered()
	s.BufferedIn = c.in.buffered() + c.stderr.in.buffered()
	if c.exit != nil {
		e := *c.exit
		s.Exit = &e
	}
	return s
}

// Write sends p on the primary stream. As much as the window and the
// connection allow is sent immediately; the rest is kept and sent on the
// next window adjust or drain. done runs once the last frame has been
// accepted by the connection, or with ErrChannelClosed if the data was
// discarded. Callers issue the next Write only after done.
func (c *Channel) Write(p []byte, done func(error)) {
	if c.ending {
		complete(done, ErrChannelClosed)
		return
	}
	c.out.write(p, done)
}

// End finishes the outbound side: once both sub-streams have flushed, EOF
// is sent, followed by CLOSE unless the channel is a half-open initiator.
func (c *Channel) End() {
	if c.ending || c.finished {
		return
	}
	c.ending = true
	c.maybeFinish()
}

// Resume tells the channel the primary consumer can take more data after
// its Data callback returned false.
func (c *Channel) Resume() {
	c.resumeInbound(&c.in)
}

// HandleData accepts an inbound primary frame.
func (c *Channel) HandleData(data []byte) {
	c.receive(&c.in, data)
}

// HandleWindowAdjust credits the outgoing window and resumes writes that
// were waiting for credit, primary first.
func (c *Channel) HandleWindowAdjust(amount uint32) {
	c.outgoing.credit(amount)
	c.out.resume()
	c.stderr.out.resume()
}

// HandleDrain clears connection backpressure and resumes pending writes,
// primary first. A sub-stream that stalls again sets backpressure, which
// holds back the one after it.
func (c *Channel) HandleDrain() {
	c.backpressured = false
	c.out.resume()
	c.stderr.out.resume()
}

// Request sends a channel request. When wantReply is set, cb is queued and
// runs with the peer's answer; replies arrive in send order. If the
// outgoing side is no longer open nothing is sent and cb runs at once with
// failed set. The result is false when the connection is backpressured.
func (c *Channel) Request(name string, wantReply bool, payload []byte, cb func(failed bool)) bool {
	if c.outgoing.State != StateOpen {
		if cb != nil {
			cb(true)
		}
		return true
	}
	if wantReply {
		c.requests.push(cb)
	}
	return c.tr.SendRequest(c.outgoing.ID, name, wantReply, payload)
}

// RequestResize tells the peer the terminal size changed. A reply is
// requested only when cb is non-nil. Initiator only.
func (c *Channel) RequestResize(rows, cols, widthPx, heightPx uint32, cb func(failed bool)) bool {
	c.mustBe(RoleInitiator, "RequestResize")
	payload := wire.MarshalPayload(&wire.WindowChange{
		Columns: cols,
		Rows:    rows,
		Width:   widthPx,
		Height:  heightPx,
	})
	return c.Request(wire.RequestWindowChange, cb != nil, payload, cb)
}

// SendSignal delivers a signal to the remote command. name may carry the
// "SIG" prefix. A reply is requested only when cb is non-nil. Initiator
// only.
func (c *Channel) SendSignal(name string, cb func(failed bool)) bool {
	c.mustBe(RoleInitiator, "SendSignal")
	payload := wire.MarshalPayload(&wire.Signal{Name: wire.SignalName(name)})
	return c.Request(wire.RequestSignal, cb != nil, payload, cb)
}

// ReportExitStatus tells the peer the command exited with code.
// Responder only.
func (c *Channel) ReportExitStatus(code uint32) bool {
	c.mustBe(RoleResponder, "ReportExitStatus")
	if !c.canReport() {
		return true
	}
	return c.tr.SendExitStatus(c.outgoing.ID, code)
}

// ReportExitSignal tells the peer the command was killed by signal.
// Responder only.
func (c *Channel) ReportExitSignal(signal string, coreDumped bool, msg string) bool {
	c.mustBe(RoleResponder, "ReportExitSignal")
	if !c.canReport() {
		return true
	}
	return c.tr.SendExitSignal(c.outgoing.ID, wire.SignalName(signal), coreDumped, msg)
}

func (c *Channel) canReport() bool {
	return c.outgoing.State == StateOpen || c.outgoing.State == StateEOF
}

func (c *Channel) mustBe(role Role, op string) {
	if c.role != role {
		panic(&RoleError{Op: op, Role: c.role})
	}
}

// HandleRequestSuccess resolves the oldest outstanding request as accepted.
func (c *Channel) HandleRequestSuccess() {
	c.resolve(false)
}

// HandleRequestFailure resolves the oldest outstanding request as denied.
func (c *Channel) HandleRequestFailure() {
	c.resolve(true)
}

func (c *Channel) resolve(failed bool) {
	if c.live != nil {
		c.live.ResetKeepalive()
	}
	if !c.requests.resolve(failed) {
		log.Printf("[channel] %d: unexpected request reply (failed=%v)", c.incoming.ID, failed)
	}
}

// Reply answers one inbound channel request. Only the first Accept or
// Reject has an effect, and nothing is sent when the peer did not ask for
// a reply.
type Reply struct {
	ch      *Channel
	want    bool
	replied bool
}

// WantReply reports whether the peer expects an answer.
func (r *Reply) WantReply() bool { return r.want }

// Accept answers the request with success.
func (r *Reply) Accept() { r.send(true) }

// Reject answers the request with failure.
func (r *Reply) Reject() { r.send(false) }

func (r *Reply) send(ok bool) {
	if !r.want || r.replied {
		return
	}
	r.replied = true
	c := r.ch
	if !c.canReport() {
		return
	}
	if ok {
		c.tr.SendRequestSuccess(c.outgoing.ID)
	} else {
		c.tr.SendRequestFailure(c.outgoing.ID)
	}
}

func (c *Channel) handleInboundRequest(req *wire.ChannelRequestMsg) {
	reply := &Reply{ch: c, want: req.WantReply}
	if c.role != RoleResponder || c.handler == nil {
		log.Printf("[channel] %d: refusing request %s", c.incoming.ID, logutil.SanitizeForLog(req.Request))
		reply.Reject()
		return
	}
	c.handler(req, reply)
}
