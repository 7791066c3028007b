package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/gluk-w/claworc/chanmux/internal/channel"
	"github.com/gluk-w/claworc/chanmux/internal/link"
	"github.com/gluk-w/claworc/chanmux/internal/metrics"
	"github.com/gluk-w/claworc/chanmux/internal/wire"
)

// Defaults applied to zero Options fields.
const (
	DefaultHighWater         = 1 << 20
	DefaultKeepaliveCountMax = 3
)

// Options configures a connection.
type Options struct {
	// WindowSize is the credit granted to the peer per channel and the
	// level it is restored to.
	WindowSize uint32
	// PacketSize is the largest data frame accepted from the peer.
	PacketSize uint32
	// HighWater is the number of queued outbound bytes above which sends
	// report backpressure. Channels resume once the queue falls to half.
	HighWater int
	// KeepaliveInterval enables keepalive requests when positive.
	KeepaliveInterval time.Duration
	// KeepaliveCountMax is how many keepalives may go unanswered before
	// the connection is closed.
	KeepaliveCountMax int
	// MaxChannels limits the number of concurrently open local channel
	// ids. Zero means the full id space.
	MaxChannels uint32

	// Acceptor decides on channels opened by the peer. Without one every
	// open is refused.
	Acceptor Acceptor
	// Observer is told about channels opening and closing.
	Observer Observer
}

func (o *Options) setDefaults() {
	if o.WindowSize == 0 {
		o.WindowSize = channel.MaxWindow
	}
	if o.PacketSize == 0 {
		o.PacketSize = channel.PacketSize
	}
	if o.HighWater <= 0 {
		o.HighWater = DefaultHighWater
	}
	if o.KeepaliveCountMax <= 0 {
		o.KeepaliveCountMax = DefaultKeepaliveCountMax
	}
}

// Observer receives channel lifecycle notifications. Calls are made on the
// connection loop and must not block for long.
type Observer interface {
	ChannelOpened(connID string, st channel.Stats)
	ChannelClosed(connID string, st channel.Stats)
}

// Observers fans notifications out to several observers in order. Nil
// entries are skipped.
type Observers []Observer

// ChannelOpened implements Observer.
func (obs Observers) ChannelOpened(connID string, st channel.Stats) {
	for _, o := range obs {
		if o != nil {
			o.ChannelOpened(connID, st)
		}
	}
}

// ChannelClosed implements Observer.
func (obs Observers) ChannelClosed(connID string, st channel.Stats) {
	for _, o := range obs {
		if o != nil {
			o.ChannelClosed(connID, st)
		}
	}
}

// Conn multiplexes channels over one link. All channel state is owned by a
// single loop goroutine; other goroutines hand it work through Do.
type Conn struct {
	id   string
	link link.Conn
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	posts  chan func()
	done   chan struct{}

	// linkDown is closed once the link has finished closing.
	linkDown chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	out outQueue

	// Owned by the loop.
	alloc         *channel.Allocator
	disp          *channel.Dispatcher
	channels      map[uint32]*channel.Channel
	pendingOpens  map[uint32]*pendingOpen
	closedPeers   map[uint32]uint32
	closedOrder   []uint32
	globalReplies []func(ok bool, data []byte)
	missed        int
	closed        bool
}

// New starts a connection over l. The connection runs until Close is
// called, the link fails, or keepalives time out.
func New(l link.Conn, opts Options) *Conn {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:           uuid.NewString(),
		link:         l,
		opts:         opts,
		ctx:          ctx,
		cancel:       cancel,
		posts:        make(chan func(), 64),
		done:         make(chan struct{}),
		linkDown:     make(chan struct{}),
		disp:         channel.NewDispatcher(),
		channels:     make(map[uint32]*channel.Channel),
		pendingOpens: make(map[uint32]*pendingOpen),
		closedPeers:  make(map[uint32]uint32),
	}
	if opts.MaxChannels > 0 {
		c.alloc = channel.NewAllocatorWithLimit(opts.MaxChannels)
	} else {
		c.alloc = channel.NewAllocator()
	}
	c.out.init(opts.HighWater)

	metrics.Connections.Inc()
	log.Printf("[mux] %s: connection up with %s (window %s, packet %s)",
		c.id, l.RemoteAddr(), units.BytesSize(float64(opts.WindowSize)), units.BytesSize(float64(opts.PacketSize)))

	go c.loop()
	go c.readLoop()
	go c.writeLoop()
	return c
}

// ID returns the connection's unique id.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the address of the peer as reported by the link.
func (c *Conn) RemoteAddr() string { return c.link.RemoteAddr() }

// Queued returns the number of outbound bytes waiting for the link.
func (c *Conn) Queued() int { return c.out.queued() }

// Done is closed once the connection has shut down and every channel has
// been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection stopped, or nil while it is running or
// after a local Close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if errors.Is(c.err, ErrConnClosed) {
		return nil
	}
	return c.err
}

// Wait blocks until the connection and its link have shut down and
// returns Err.
func (c *Conn) Wait() error {
	<-c.done
	<-c.linkDown
	return c.Err()
}

// Close shuts the connection down and waits for the loop to finish. Every
// open channel receives a close. It must not be called on the loop.
func (c *Conn) Close() error {
	c.fail(ErrConnClosed)
	<-c.done
	<-c.linkDown
	return nil
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		if !errors.Is(err, ErrConnClosed) {
			log.Printf("[mux] %s: closing: %v", c.id, err)
		}
		c.cancel()
		c.out.close()
		// fail may run on the loop, and a graceful link close waits for
		// the peer.
		go func() {
			c.link.Close()
			close(c.linkDown)
		}()
	})
}

// Do runs fn on the connection loop. It returns ErrConnClosed if the
// connection has stopped; fn is then never run.
func (c *Conn) Do(fn func()) error {
	if c.ctx.Err() != nil {
		return ErrConnClosed
	}
	select {
	case c.posts <- fn:
		return nil
	case <-c.ctx.Done():
		return ErrConnClosed
	}
}

// call runs fn on the loop and waits for it to finish.
func (c *Conn) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := c.Do(func() { fn(); close(finished) }); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		// The loop may have run fn before shutting down.
		select {
		case <-finished:
			return nil
		default:
			return ErrConnClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Channels returns a snapshot of the open channels, ordered by id.
func (c *Conn) Channels(ctx context.Context) ([]channel.Stats, error) {
	var out []channel.Stats
	err := c.call(ctx, func() {
		c.disp.Each(func(id uint32, _ channel.Handler) {
			if ch, ok := c.channels[id]; ok {
				out = append(out, ch.Stats())
			}
		})
	})
	return out, err
}

func (c *Conn) loop() {
	var tick <-chan time.Time
	if c.opts.KeepaliveInterval > 0 {
		ticker := time.NewTicker(c.opts.KeepaliveInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case fn := <-c.posts:
			fn()
		case <-tick:
			c.keepalive()
		case <-c.ctx.Done():
			c.shutdown()
			return
		}
	}
}

func (c *Conn) readLoop() {
	for {
		p, err := c.link.ReadPacket(c.ctx)
		if err != nil {
			switch {
			case c.ctx.Err() != nil:
			case errors.Is(err, io.EOF):
				c.fail(fmt.Errorf("%w: link closed by peer", ErrConnClosed))
			default:
				c.fail(fmt.Errorf("read: %w", err))
			}
			return
		}
		metrics.FramesReceived.WithLabelValues(wire.TypeName(p)).Inc()
		metrics.BytesReceived.Add(float64(len(p)))
		if c.Do(func() { c.handlePacket(p) }) != nil {
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		p, drained, ok := c.out.next(c.ctx)
		if !ok {
			return
		}
		if err := c.link.WritePacket(c.ctx, p); err != nil {
			if c.ctx.Err() == nil {
				c.fail(fmt.Errorf("write: %w", err))
			}
			return
		}
		metrics.FramesSent.WithLabelValues(wire.TypeName(p)).Inc()
		metrics.BytesSent.Add(float64(len(p)))
		if drained {
			metrics.TransportDrains.Inc()
			c.Do(c.handleDrain)
		}
	}
}

// shutdown runs on the loop once the connection context is cancelled.
func (c *Conn) shutdown() {
	c.closed = true
	err := c.closeReason()

	for id, po := range c.pendingOpens {
		delete(c.pendingOpens, id)
		c.alloc.Release(id)
		po.cb(nil, err)
	}
	c.disp.Each(func(_ uint32, h channel.Handler) {
		h.HandleClose()
	})
	replies := c.globalReplies
	c.globalReplies = nil
	for _, cb := range replies {
		cb(false, nil)
	}

	metrics.Connections.Dec()
	log.Printf("[mux] %s: connection down", c.id)
	close(c.done)
}

func (c *Conn) closeReason() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		return ErrConnClosed
	}
	if errors.Is(c.err, ErrConnClosed) {
		return c.err
	}
	return fmt.Errorf("%w: %w", ErrConnClosed, c.err)
}

func (c *Conn) handleDrain() {
	c.disp.Each(func(_ uint32, h channel.Handler) {
		h.HandleDrain()
	})
}
