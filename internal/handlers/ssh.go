package handlers

import (
	"log"
	"net/http"

	"github.com/gluk-w/claworc/chanmux/internal/link"
	"github.com/gluk-w/claworc/chanmux/internal/mux"
)

// SSHConnect upgrades the request to a WebSocket link and serves the
// connection protocol on it until either side closes. Peers may open echo
// sessions.
func SSHConnect(w http.ResponseWriter, r *http.Request) {
	opts := AcceptOptions
	l, err := link.Accept(w, r, &opts)
	if err != nil {
		log.Printf("[http] link upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	muxOpts := MuxOptions
	muxOpts.Acceptor = Echo.Accept
	muxOpts.Observer = observers()
	c := mux.New(l, muxOpts)
	Registry.Add(c)

	if err := c.Wait(); err != nil {
		log.Printf("[http] connection %s ended: %v", c.ID(), err)
	}
}
