package services

import (
	"fmt"
	"log"
	"sync/atomic"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/claworc/chanmux/internal/channel"
	"github.com/gluk-w/claworc/chanmux/internal/logutil"
	"github.com/gluk-w/claworc/chanmux/internal/mux"
	"github.com/gluk-w/claworc/chanmux/internal/wire"
)

// SessionType is the only channel type Echo accepts.
const SessionType = "session"

// Echo serves "session" channels by sending back everything it receives:
// primary data on the primary stream and extended data on stderr. It
// answers window-change, env and signal requests, and reports exit status
// 0 when the peer ends its side.
type Echo struct {
	active atomic.Int64
	served atomic.Int64
}

// NewEcho creates an Echo service.
func NewEcho() *Echo {
	return &Echo{}
}

// Active returns the number of open echo sessions.
func (e *Echo) Active() int64 { return e.active.Load() }

// Served returns the number of sessions accepted so far.
func (e *Echo) Served() int64 { return e.served.Load() }

// Accept is a mux.Acceptor.
func (e *Echo) Accept(req *mux.OpenRequest) {
	if req.Type() != SessionType {
		log.Printf("[echo] rejecting %s channel", logutil.SanitizeForLog(req.Type()))
		req.Reject(ssh.UnknownChannelType, "unsupported channel type")
		return
	}

	s := &session{env: make(map[string]string)}
	s.ch = req.Accept(mux.ChannelOptions{
		Events: channel.Events{
			Data:         s.onData,
			ExtendedData: s.onExtendedData,
			End:          s.onEnd,
			Close: func(*channel.ExitRecord) {
				e.active.Add(-1)
			},
		},
		Requests: s.onRequest,
	})
	s.out.write = s.ch.Write
	s.out.idle = s.ch.Resume
	s.errOut.write = s.ch.Stderr().Write
	s.errOut.idle = s.ch.Stderr().Resume
	e.active.Add(1)
	e.served.Add(1)
}

// session is the state of one echo channel. It lives on the connection
// loop.
type session struct {
	ch     *channel.Channel
	out    queue
	errOut queue
	env    map[string]string

	peerEnded bool
	exited    bool
}

func (s *session) onData(p []byte) bool {
	return s.out.push(p)
}

func (s *session) onExtendedData(p []byte) bool {
	return s.errOut.push(p)
}

func (s *session) onEnd() {
	s.peerEnded = true
	s.out.idle = s.maybeExit
	s.errOut.idle = s.maybeExit
	s.maybeExit()
}

// maybeExit reports exit status 0 once the peer has ended and every echo
// has been handed to the channel.
func (s *session) maybeExit() {
	if s.exited || !s.peerEnded || s.out.busy || s.errOut.busy {
		return
	}
	s.exited = true
	s.ch.ReportExitStatus(0)
	s.ch.End()
}

func (s *session) onRequest(req *wire.ChannelRequestMsg, reply *channel.Reply) {
	switch req.Request {
	case wire.RequestWindowChange:
		var wc wire.WindowChange
		if err := wire.UnmarshalPayload(req.RequestSpecificData, &wc); err != nil {
			reply.Reject()
			return
		}
		reply.Accept()
		s.errOut.push([]byte(fmt.Sprintf("window is %dx%d\r\n", wc.Columns, wc.Rows)))

	case wire.RequestEnv:
		var env wire.Env
		if err := wire.UnmarshalPayload(req.RequestSpecificData, &env); err != nil {
			reply.Reject()
			return
		}
		s.env[env.Name] = env.Value
		reply.Accept()

	case wire.RequestSignal:
		var sig wire.Signal
		if err := wire.UnmarshalPayload(req.RequestSpecificData, &sig); err != nil || !wire.KnownSignal(sig.Name) {
			reply.Reject()
			return
		}
		reply.Accept()
		if s.exited {
			return
		}
		s.exited = true
		s.ch.ReportExitSignal(sig.Name, false, "terminated by signal")
		s.ch.End()

	case "shell", "exec", "pty-req":
		reply.Accept()

	default:
		log.Printf("[echo] %d: rejecting request %s", s.ch.IncomingID(), logutil.SanitizeForLog(req.Request))
		reply.Reject()
	}
}

// queue serializes writes on one stream: a write starts only after the
// previous one completed. push reports whether the queue is idle again,
// which is the consumer's answer to the channel; idle runs when a queue
// that was busy empties.
type queue struct {
	write func([]byte, func(error))
	idle  func()

	pending [][]byte
	busy    bool
}

func (q *queue) push(p []byte) bool {
	q.pending = append(q.pending, p)
	if !q.busy {
		q.next()
	}
	return !q.busy
}

func (q *queue) next() {
	if len(q.pending) == 0 {
		return
	}
	p := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.busy = true
	q.write(p, q.done)
}

func (q *queue) done(err error) {
	q.busy = false
	if err != nil {
		q.pending = nil
	}
	q.next()
	if !q.busy && q.idle != nil {
		q.idle()
	}
}
