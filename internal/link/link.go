// Package link carries connection-protocol packets between two endpoints.
// Each packet travels as one binary WebSocket message; an in-memory pair is
// available for tests.
package link

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/coder/websocket"
)

// DefaultReadLimit bounds the size of one inbound packet. It leaves room
// for a full default-size data frame plus message headers.
const DefaultReadLimit = 64 * 1024

// Conn is a packet-oriented, reliable and ordered link. ReadPacket must be
// called from a single goroutine, and so must WritePacket.
type Conn interface {
	ReadPacket(ctx context.Context) ([]byte, error)
	WritePacket(ctx context.Context, p []byte) error
	Close() error
	RemoteAddr() string
}

// DialOptions configures Dial.
type DialOptions struct {
	TLSConfig *tls.Config
	Header    http.Header
	ReadLimit int64
}

// AcceptOptions configures Accept.
type AcceptOptions struct {
	// OriginPatterns lists extra origins allowed to connect. Same-origin
	// requests are always accepted.
	OriginPatterns []string
	// InsecureSkipVerify disables the origin check.
	InsecureSkipVerify bool
	ReadLimit          int64
}

type wsConn struct {
	ws     *websocket.Conn
	remote string
}

// Dial opens a link to a ws:// or wss:// URL.
func Dial(ctx context.Context, url string, opts *DialOptions) (Conn, error) {
	if opts == nil {
		opts = &DialOptions{}
	}
	dialOpts := &websocket.DialOptions{HTTPHeader: opts.Header}
	if opts.TLSConfig != nil {
		dialOpts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: opts.TLSConfig},
		}
	}

	ws, _, err := websocket.Dial(ctx, url, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial to %s: %w", url, err)
	}
	ws.SetReadLimit(readLimit(opts.ReadLimit))
	log.Printf("[link] connected to %s", url)
	return &wsConn{ws: ws, remote: url}, nil
}

// Accept upgrades an HTTP request to a link.
func Accept(w http.ResponseWriter, r *http.Request, opts *AcceptOptions) (Conn, error) {
	if opts == nil {
		opts = &AcceptOptions{}
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     opts.OriginPatterns,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}
	ws.SetReadLimit(readLimit(opts.ReadLimit))
	log.Printf("[link] accepted connection from %s", r.RemoteAddr)
	return &wsConn{ws: ws, remote: r.RemoteAddr}, nil
}

func readLimit(n int64) int64 {
	if n <= 0 {
		return DefaultReadLimit
	}
	return n
}

func (c *wsConn) ReadPacket(ctx context.Context) ([]byte, error) {
	typ, p, err := c.ws.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read packet: %w", err)
	}
	if typ != websocket.MessageBinary {
		return nil, fmt.Errorf("read packet: unexpected %v message", typ)
	}
	return p, nil
}

func (c *wsConn) WritePacket(ctx context.Context, p []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageBinary, p); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	if err := c.ws.Close(websocket.StatusNormalClosure, ""); err != nil {
		c.ws.CloseNow()
		return fmt.Errorf("close link: %w", err)
	}
	return nil
}

func (c *wsConn) RemoteAddr() string {
	return c.remote
}
