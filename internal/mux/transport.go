package mux

import (
	"context"
	"sync"

	"github.com/gluk-w/claworc/chanmux/internal/wire"
)

// outQueue holds encoded packets between the loop and the writer
// goroutine. Crossing the high-water mark arms a drain notification that
// the writer delivers once the queue falls back to half of it.
type outQueue struct {
	mu        sync.Mutex
	packets   [][]byte
	bytes     int
	highWater int
	armed     bool
	closed    bool
	notify    chan struct{}
}

func (q *outQueue) init(highWater int) {
	q.highWater = highWater
	q.notify = make(chan struct{}, 1)
}

// push queues p and reports whether the queue is still below the
// high-water mark. Packets pushed after close are dropped.
func (q *outQueue) push(p []byte) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return true
	}
	q.packets = append(q.packets, p)
	q.bytes += len(p)
	below := q.bytes <= q.highWater
	if !below {
		q.armed = true
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return below
}

// next blocks until a packet is available. drained reports that taking
// this packet brought an over-full queue back to its low-water mark.
func (q *outQueue) next(ctx context.Context) (p []byte, drained bool, ok bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false, false
		}
		if len(q.packets) > 0 {
			p = q.packets[0]
			q.packets[0] = nil
			q.packets = q.packets[1:]
			q.bytes -= len(p)
			if q.armed && q.bytes <= q.highWater/2 {
				q.armed = false
				drained = true
			}
			q.mu.Unlock()
			return p, drained, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, false, false
		}
	}
}

func (q *outQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.packets = nil
	q.bytes = 0
	q.mu.Unlock()
}

func (q *outQueue) queued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

func (c *Conn) send(msg any) bool {
	return c.out.push(wire.Encode(msg))
}

// SendData implements channel.Transport.
func (c *Conn) SendData(id uint32, data []byte) bool {
	return c.out.push(wire.Data(id, data))
}

// SendExtendedData implements channel.Transport.
func (c *Conn) SendExtendedData(id uint32, dataType uint32, data []byte) bool {
	return c.out.push(wire.ExtendedData(id, dataType, data))
}

// SendEOF implements channel.Transport.
func (c *Conn) SendEOF(id uint32) bool {
	return c.send(&wire.ChannelEOFMsg{PeersID: id})
}

// SendClose implements channel.Transport.
func (c *Conn) SendClose(id uint32) bool {
	return c.send(&wire.ChannelCloseMsg{PeersID: id})
}

// SendWindowAdjust implements channel.Transport.
func (c *Conn) SendWindowAdjust(id uint32, amount uint32) bool {
	return c.send(&wire.WindowAdjustMsg{PeersID: id, AdditionalBytes: amount})
}

// SendRequest implements channel.Transport.
func (c *Conn) SendRequest(id uint32, name string, wantReply bool, payload []byte) bool {
	return c.send(&wire.ChannelRequestMsg{
		PeersID:             id,
		Request:             name,
		WantReply:           wantReply,
		RequestSpecificData: payload,
	})
}

// SendRequestSuccess implements channel.Transport.
func (c *Conn) SendRequestSuccess(id uint32) bool {
	return c.send(&wire.ChannelRequestSuccessMsg{PeersID: id})
}

// SendRequestFailure implements channel.Transport.
func (c *Conn) SendRequestFailure(id uint32) bool {
	return c.send(&wire.ChannelRequestFailureMsg{PeersID: id})
}

// SendExitStatus implements channel.Transport.
func (c *Conn) SendExitStatus(id uint32, code uint32) bool {
	return c.SendRequest(id, wire.RequestExitStatus, false, wire.MarshalPayload(&wire.ExitStatus{Status: code}))
}

// SendExitSignal implements channel.Transport.
func (c *Conn) SendExitSignal(id uint32, signal string, coreDumped bool, msg string) bool {
	return c.SendRequest(id, wire.RequestExitSignal, false, wire.MarshalPayload(&wire.ExitSignal{
		Signal:     signal,
		CoreDumped: coreDumped,
		Error:      msg,
	}))
}
