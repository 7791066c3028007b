package link

import (
	"context"
	"io"
	"slices"
	"sync"
)

// Pipe returns two connected in-memory links. Packets written on one end
// are read, in order, from the other. Closing either end closes both.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeConn{in: ba, out: ab, done: done, once: once, name: "pipe-a"}
	b := &pipeConn{in: ab, out: ba, done: done, once: once, name: "pipe-b"}
	return a, b
}

type pipeConn struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
	name string
}

func (p *pipeConn) ReadPacket(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-p.in:
		return pkt, nil
	case <-p.done:
		// Hand over what was written before the close.
		select {
		case pkt := <-p.in:
			return pkt, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) WritePacket(ctx context.Context, pkt []byte) error {
	select {
	case <-p.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- slices.Clone(pkt):
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pipeConn) RemoteAddr() string {
	return p.name
}
