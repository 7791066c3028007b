package mux

import (
	"log"

	"github.com/gluk-w/claworc/chanmux/internal/logutil"
	"github.com/gluk-w/claworc/chanmux/internal/metrics"
	"github.com/gluk-w/claworc/chanmux/internal/wire"
)

// SendGlobalRequest sends a connection-level request. When wantReply is
// set, cb runs with the peer's answer; replies arrive in send order. Must
// be called on the loop.
func (c *Conn) SendGlobalRequest(name string, wantReply bool, data []byte, cb func(ok bool, data []byte)) {
	if c.closed {
		if cb != nil {
			cb(false, nil)
		}
		return
	}
	if wantReply {
		if cb == nil {
			cb = func(bool, []byte) {}
		}
		c.globalReplies = append(c.globalReplies, cb)
	}
	c.send(&wire.GlobalRequestMsg{Type: name, WantReply: wantReply, Data: data})
}

func (c *Conn) handleGlobalRequest(m *wire.GlobalRequestMsg) {
	if m.Type != wire.RequestKeepalive {
		log.Printf("[mux] %s: refusing global request %s", c.id, logutil.SanitizeForLog(m.Type))
	}
	if m.WantReply {
		c.send(&wire.GlobalRequestFailureMsg{})
	}
}

func (c *Conn) handleGlobalReply(ok bool, data []byte) {
	c.ResetKeepalive()
	if len(c.globalReplies) == 0 {
		log.Printf("[mux] %s: unexpected global request reply", c.id)
		return
	}
	cb := c.globalReplies[0]
	c.globalReplies[0] = nil
	c.globalReplies = c.globalReplies[1:]
	cb(ok, data)
}

// ResetKeepalive implements channel.Liveness: any reply from the peer
// proves the connection is alive.
func (c *Conn) ResetKeepalive() {
	c.missed = 0
}

// keepalive runs on every tick of the keepalive interval.
func (c *Conn) keepalive() {
	c.missed++
	if c.missed > c.opts.KeepaliveCountMax {
		metrics.KeepaliveTimeouts.Inc()
		c.fail(ErrKeepaliveTimeout)
		return
	}
	c.SendGlobalRequest(wire.RequestKeepalive, true, nil, nil)
}
