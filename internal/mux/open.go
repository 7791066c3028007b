package mux

import (
	"context"
	"log"
	"slices"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/claworc/chanmux/internal/channel"
	"github.com/gluk-w/claworc/chanmux/internal/logutil"
	"github.com/gluk-w/claworc/chanmux/internal/metrics"
	"github.com/gluk-w/claworc/chanmux/internal/wire"
)

// closedPeersLimit bounds how many torn-down channels are remembered for
// refusing late requests.
const closedPeersLimit = 256

// ChannelOptions are the consumer side of a channel being opened or
// accepted.
type ChannelOptions struct {
	Events        channel.Events
	Requests      channel.RequestHandler
	AllowHalfOpen bool
}

type pendingOpen struct {
	typ  string
	opts ChannelOptions
	cb   func(*channel.Channel, error)
}

// OpenChannel asks the peer to open a channel of type typ. cb runs on the
// loop with the channel once the peer confirms, or with an error. Must be
// called on the loop.
func (c *Conn) OpenChannel(typ string, extra []byte, opts ChannelOptions, cb func(*channel.Channel, error)) {
	if c.closed {
		cb(nil, ErrConnClosed)
		return
	}
	id, ok := c.alloc.Next()
	if !ok {
		cb(nil, ErrNoFreeChannels)
		return
	}
	c.forgetClosed(id)
	c.pendingOpens[id] = &pendingOpen{typ: typ, opts: opts, cb: cb}
	c.send(&wire.ChannelOpenMsg{
		ChanType:         typ,
		PeersID:          id,
		PeersWindow:      c.opts.WindowSize,
		MaxPacketSize:    c.opts.PacketSize,
		TypeSpecificData: extra,
	})
}

// Open is OpenChannel for callers outside the loop. The returned channel
// still belongs to the loop: use Do to operate on it.
func (c *Conn) Open(ctx context.Context, typ string, extra []byte, opts ChannelOptions) (*channel.Channel, error) {
	type result struct {
		ch  *channel.Channel
		err error
	}
	res := make(chan result, 1)
	err := c.Do(func() {
		c.OpenChannel(typ, extra, opts, func(ch *channel.Channel, err error) {
			res <- result{ch, err}
		})
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-res:
		return r.ch, r.err
	case <-c.done:
		select {
		case r := <-res:
			return r.ch, r.err
		default:
			return nil, ErrConnClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) handleOpenConfirm(m *wire.ChannelOpenConfirmMsg) {
	po, ok := c.pendingOpens[m.PeersID]
	if !ok {
		log.Printf("[mux] %s: confirmation for unknown channel %d", c.id, m.PeersID)
		return
	}
	delete(c.pendingOpens, m.PeersID)

	ch := c.newChannel(channel.Config{
		Role:          channel.RoleInitiator,
		Type:          po.typ,
		Incoming:      channel.Direction{ID: m.PeersID, Window: c.opts.WindowSize, FrameSize: c.opts.PacketSize},
		Outgoing:      channel.Direction{ID: m.MyID, Window: m.MyWindow, FrameSize: m.MaxPacketSize},
		AllowHalfOpen: po.opts.AllowHalfOpen,
		Events:        po.opts.Events,
		Requests:      po.opts.Requests,
	})
	po.cb(ch, nil)
}

func (c *Conn) handleOpenFailure(m *wire.ChannelOpenFailureMsg) {
	po, ok := c.pendingOpens[m.PeersID]
	if !ok {
		log.Printf("[mux] %s: open failure for unknown channel %d", c.id, m.PeersID)
		return
	}
	delete(c.pendingOpens, m.PeersID)
	c.alloc.Release(m.PeersID)
	po.cb(nil, &OpenError{Reason: ssh.RejectionReason(m.Reason), Message: m.Message})
}

// Acceptor decides on a channel opened by the peer by calling Accept or
// Reject on req before returning. A request left undecided is refused.
type Acceptor func(req *OpenRequest)

// OpenRequest is a channel open received from the peer.
type OpenRequest struct {
	conn    *Conn
	msg     *wire.ChannelOpenMsg
	localID uint32
	decided bool
}

// Type returns the requested channel type.
func (r *OpenRequest) Type() string { return r.msg.ChanType }

// ExtraData returns the type-specific data of the open.
func (r *OpenRequest) ExtraData() []byte { return r.msg.TypeSpecificData }

// Conn returns the connection the request arrived on.
func (r *OpenRequest) Conn() *Conn { return r.conn }

// Accept confirms the open and returns the channel, on the responder role.
func (r *OpenRequest) Accept(opts ChannelOptions) *channel.Channel {
	if r.decided {
		panic("mux: open request decided twice")
	}
	r.decided = true
	c := r.conn
	c.send(&wire.ChannelOpenConfirmMsg{
		PeersID:       r.msg.PeersID,
		MyID:          r.localID,
		MyWindow:      c.opts.WindowSize,
		MaxPacketSize: c.opts.PacketSize,
	})
	return c.newChannel(channel.Config{
		Role:          channel.RoleResponder,
		Type:          r.msg.ChanType,
		Incoming:      channel.Direction{ID: r.localID, Window: c.opts.WindowSize, FrameSize: c.opts.PacketSize},
		Outgoing:      channel.Direction{ID: r.msg.PeersID, Window: r.msg.PeersWindow, FrameSize: r.msg.MaxPacketSize},
		AllowHalfOpen: opts.AllowHalfOpen,
		Events:        opts.Events,
		Requests:      opts.Requests,
	})
}

// Reject refuses the open.
func (r *OpenRequest) Reject(reason ssh.RejectionReason, message string) {
	if r.decided {
		panic("mux: open request decided twice")
	}
	r.decided = true
	c := r.conn
	c.alloc.Release(r.localID)
	c.rejectOpen(r.msg.PeersID, reason, message)
}

func (c *Conn) rejectOpen(peer uint32, reason ssh.RejectionReason, message string) {
	c.send(&wire.ChannelOpenFailureMsg{
		PeersID: peer,
		Reason:  uint32(reason),
		Message: message,
	})
}

func (c *Conn) handleOpen(m *wire.ChannelOpenMsg) {
	typ := logutil.SanitizeForLog(m.ChanType)
	if c.opts.Acceptor == nil {
		log.Printf("[mux] %s: refusing %s channel: no acceptor", c.id, typ)
		c.rejectOpen(m.PeersID, ssh.Prohibited, "channel opens are not accepted")
		return
	}
	id, ok := c.alloc.Next()
	if !ok {
		log.Printf("[mux] %s: refusing %s channel: no free ids", c.id, typ)
		c.rejectOpen(m.PeersID, ssh.ResourceShortage, "no free channels")
		return
	}
	c.forgetClosed(id)

	req := &OpenRequest{conn: c, msg: m, localID: id}
	c.opts.Acceptor(req)
	if !req.decided {
		req.Reject(ssh.Prohibited, "open not accepted")
	}
}

// newChannel builds a channel on this connection and wires teardown,
// metrics and the observer.
func (c *Conn) newChannel(cfg channel.Config) *channel.Channel {
	cfg.Transport = c
	cfg.Dispatcher = c.disp
	cfg.Liveness = c
	cfg.MaxWindow = c.opts.WindowSize
	cfg.OnTeardown = c.channelTornDown

	userClose := cfg.Events.Close
	var ch *channel.Channel
	cfg.Events.Close = func(exit *channel.ExitRecord) {
		if c.opts.Observer != nil {
			c.opts.Observer.ChannelClosed(c.id, ch.Stats())
		}
		if userClose != nil {
			userClose(exit)
		}
	}

	ch = channel.New(cfg)
	c.channels[ch.IncomingID()] = ch
	metrics.OpenChannels.Inc()
	log.Printf("[mux] %s: channel %d (%s, %s) open, peer id %d",
		c.id, ch.IncomingID(), logutil.SanitizeForLog(ch.Type()), ch.Role(), ch.OutgoingID())
	if c.opts.Observer != nil {
		c.opts.Observer.ChannelOpened(c.id, ch.Stats())
	}
	return ch
}

func (c *Conn) channelTornDown(ch *channel.Channel) {
	id := ch.IncomingID()
	delete(c.channels, id)
	c.alloc.Release(id)
	c.rememberClosed(id, ch.OutgoingID())
	metrics.OpenChannels.Dec()
	log.Printf("[mux] %s: channel %d closed", c.id, id)
}

func (c *Conn) rememberClosed(local, peer uint32) {
	c.closedPeers[local] = peer
	c.closedOrder = append(c.closedOrder, local)
	if len(c.closedOrder) > closedPeersLimit {
		delete(c.closedPeers, c.closedOrder[0])
		c.closedOrder = c.closedOrder[1:]
	}
}

// forgetClosed drops the memory of id when it is allocated again, so that
// evicting the old entry later cannot erase a newer one.
func (c *Conn) forgetClosed(id uint32) {
	if _, ok := c.closedPeers[id]; !ok {
		return
	}
	delete(c.closedPeers, id)
	if i := slices.Index(c.closedOrder, id); i >= 0 {
		c.closedOrder = slices.Delete(c.closedOrder, i, i+1)
	}
}
