package channel

import "github.com/gluk-w/claworc/chanmux/internal/wire"

// ExtendedStream is the auxiliary (stderr) sub-stream of a channel. Its
// writes draw on the same outgoing window as the primary stream and its
// inbound frames on the same incoming window.
type ExtendedStream struct {
	ch  *Channel
	out outbound
	in  inbound
}

func (s *ExtendedStream) init(c *Channel) {
	s.ch = c
	s.out = outbound{ch: c, extended: true, dataType: wire.ExtendedDataStderr}
	s.in = inbound{ch: c}
}

// Write sends p on the auxiliary stream. done runs once the last frame has
// been accepted by the connection, or with ErrChannelClosed if the data was
// discarded.
func (s *ExtendedStream) Write(p []byte, done func(error)) {
	if s.ch.ending {
		complete(done, ErrChannelClosed)
		return
	}
	s.out.write(p, done)
}

// Resume tells the channel the auxiliary consumer can take more data.
func (s *ExtendedStream) Resume() {
	s.ch.resumeInbound(&s.in)
}

// Buffered returns the number of outbound bytes waiting for credit or a
// drain.
func (s *ExtendedStream) Buffered() int {
	return s.out.buffered()
}

// HandleExtendedData accepts an inbound auxiliary frame. Every extended
// data type is delivered on the auxiliary stream; RFC 4254 defines only
// stderr.
func (c *Channel) HandleExtendedData(dataType uint32, data []byte) {
	if dataType != wire.ExtendedDataStderr {
		c.stats.UnknownExtended++
	}
	c.receive(&c.stderr.in, data)
}
