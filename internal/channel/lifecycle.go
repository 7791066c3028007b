package channel

import (
	"log"

	"github.com/gluk-w/claworc/chanmux/internal/logutil"
	"github.com/gluk-w/claworc/chanmux/internal/wire"
)

// Eof half-closes the outbound side. Nothing more can be written, but the
// channel keeps receiving.
func (c *Channel) Eof() {
	if c.outgoing.State != StateOpen {
		return
	}
	c.outgoing.State = StateEOF
	c.tr.SendEOF(c.outgoing.ID)
}

// Close sends CLOSE and discards writes that are still pending. The channel
// is torn down once the peer's CLOSE arrives.
func (c *Channel) Close() {
	if c.outgoing.State == StateClosing || c.outgoing.State == StateClosed {
		return
	}
	c.outgoing.State = StateClosing
	c.ending = false
	c.finished = true
	c.out.discard()
	c.stderr.out.discard()
	c.tr.SendClose(c.outgoing.ID)
}

// maybeFinish completes End once no write is pending on either sub-stream.
func (c *Channel) maybeFinish() {
	if !c.ending || c.finished {
		return
	}
	if c.out.pending != nil || c.stderr.out.pending != nil {
		return
	}
	c.ending = false
	c.finished = true
	c.Eof()
	if c.role == RoleResponder || !c.halfOpen {
		c.Close()
	}
}

// HandleEOF ends both inbound sub-streams. The outbound side is unaffected.
func (c *Channel) HandleEOF() {
	if c.incoming.State != StateOpen {
		return
	}
	c.incoming.State = StateEOF
	c.in.finish()
	c.stderr.in.finish()
}

// HandleClose finishes the channel: the outbound side is closed if it was
// not already, the channel is torn down, and the inbound streams end. A
// repeated CLOSE is ignored.
func (c *Channel) HandleClose() {
	if c.incoming.State == StateClosed {
		return
	}
	c.incoming.State = StateClosed
	if c.outgoing.State == StateOpen || c.outgoing.State == StateEOF {
		c.Close()
	}
	c.outgoing.State = StateClosed
	c.teardown()

	c.endingInbound = true
	c.in.finish()
	c.stderr.in.finish()
	c.endingInbound = false
	if c.in.endSent {
		c.notifyClose()
	}
}

func (c *Channel) teardown() {
	if c.tornDown {
		return
	}
	c.tornDown = true
	if c.disp != nil {
		c.disp.Unregister(c.incoming.ID)
	}
	c.out.discard()
	c.stderr.out.discard()
	if n := c.requests.failAll(); n > 0 {
		log.Printf("[channel] %d: failed %d pending requests on close", c.incoming.ID, n)
	}
	if c.onTeardown != nil {
		c.onTeardown(c)
	}
}

// inboundEnded runs after a sub-stream delivered its end notification. The
// close notification waits for the primary stream.
func (c *Channel) inboundEnded(in *inbound) {
	if in == &c.in && c.incoming.State == StateClosed && !c.endingInbound {
		c.notifyClose()
	}
}

func (c *Channel) notifyClose() {
	if c.closeNotified {
		return
	}
	c.closeNotified = true
	var exit *ExitRecord
	if c.role == RoleInitiator && c.exit != nil {
		e := *c.exit
		exit = &e
	}
	if c.events.Close != nil {
		c.events.Close(exit)
	}
}

// HandleRequest processes an inbound channel request. On the initiator
// role exit reports are captured and never answered; everything else goes
// to the request handler on the responder role, or is refused.
func (c *Channel) HandleRequest(req *wire.ChannelRequestMsg) {
	if c.role == RoleInitiator {
		switch req.Request {
		case wire.RequestExitStatus:
			c.captureExitStatus(req.RequestSpecificData)
			return
		case wire.RequestExitSignal:
			c.captureExitSignal(req.RequestSpecificData)
			return
		}
	}
	c.handleInboundRequest(req)
}

func (c *Channel) captureExitStatus(payload []byte) {
	var msg wire.ExitStatus
	if err := wire.UnmarshalPayload(payload, &msg); err != nil {
		log.Printf("[channel] %d: ignoring exit-status: %v", c.incoming.ID, err)
		return
	}
	c.setExit(ExitCode(msg.Status))
}

func (c *Channel) captureExitSignal(payload []byte) {
	var msg wire.ExitSignal
	if err := wire.UnmarshalPayload(payload, &msg); err != nil {
		log.Printf("[channel] %d: ignoring exit-signal: %v", c.incoming.ID, err)
		return
	}
	c.setExit(ExitRecord{
		Signal:      "SIG" + wire.SignalName(msg.Signal),
		CoreDumped:  msg.CoreDumped,
		Description: msg.Error,
	})
}

func (c *Channel) setExit(rec ExitRecord) {
	if c.exit != nil {
		log.Printf("[channel] %d: duplicate exit report %s ignored", c.incoming.ID, logutil.SanitizeForLog(rec.String()))
		return
	}
	c.exit = &rec
	if c.events.Exit != nil {
		c.events.Exit(rec)
	}
}
