package mux

import (
	"log"

	"github.com/gluk-w/claworc/chanmux/internal/logutil"
	"github.com/gluk-w/claworc/chanmux/internal/wire"
)

// handlePacket decodes one inbound packet and routes it. Malformed packets
// are logged and dropped; they never affect other channels.
func (c *Conn) handlePacket(p []byte) {
	msg, err := wire.Decode(p)
	if err != nil {
		log.Printf("[mux] %s: dropping packet: %v", c.id, err)
		return
	}

	switch m := msg.(type) {
	case *wire.GlobalRequestMsg:
		c.handleGlobalRequest(m)
		return
	case *wire.GlobalRequestSuccessMsg:
		c.handleGlobalReply(true, m.Data)
		return
	case *wire.GlobalRequestFailureMsg:
		c.handleGlobalReply(false, nil)
		return
	case *wire.ChannelOpenMsg:
		c.handleOpen(m)
		return
	case *wire.ChannelOpenConfirmMsg:
		c.handleOpenConfirm(m)
		return
	case *wire.ChannelOpenFailureMsg:
		c.handleOpenFailure(m)
		return
	}

	id, _ := wire.Recipient(msg)
	h, ok := c.disp.Lookup(id)
	if !ok {
		c.handleOrphan(id, msg)
		return
	}

	switch m := msg.(type) {
	case *wire.ChannelDataMsg:
		h.HandleData(m.Rest)
	case *wire.ChannelExtendedDataMsg:
		h.HandleExtendedData(m.DataType, m.Rest)
	case *wire.WindowAdjustMsg:
		h.HandleWindowAdjust(m.AdditionalBytes)
	case *wire.ChannelEOFMsg:
		h.HandleEOF()
	case *wire.ChannelCloseMsg:
		h.HandleClose()
	case *wire.ChannelRequestMsg:
		h.HandleRequest(m)
	case *wire.ChannelRequestSuccessMsg:
		h.HandleRequestSuccess()
	case *wire.ChannelRequestFailureMsg:
		h.HandleRequestFailure()
	}
}

// handleOrphan deals with traffic for a channel id that is not open. A
// request wanting a reply is refused if the id was closed recently and the
// peer's id is still known; a never-opened id has no peer to answer.
func (c *Conn) handleOrphan(id uint32, msg any) {
	req, isRequest := msg.(*wire.ChannelRequestMsg)
	if !isRequest {
		log.Printf("[mux] %s: dropping %T for unknown channel %d", c.id, msg, id)
		return
	}
	name := logutil.SanitizeForLog(req.Request)
	peer, known := c.closedPeers[id]
	if !known {
		log.Printf("[mux] %s: dropping %s request for unknown channel %d", c.id, name, id)
		return
	}
	if req.WantReply {
		c.send(&wire.ChannelRequestFailureMsg{PeersID: peer})
	}
	log.Printf("[mux] %s: refusing %s request for closed channel %d", c.id, name, id)
}
