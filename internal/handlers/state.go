package handlers

import (
	"github.com/gluk-w/claworc/chanmux/internal/audit"
	"github.com/gluk-w/claworc/chanmux/internal/link"
	"github.com/gluk-w/claworc/chanmux/internal/mux"
	"github.com/gluk-w/claworc/chanmux/internal/services"
)

// Set by main before the server starts.
var (
	Registry *mux.Registry
	Echo     *services.Echo
	// Auditor is nil when the audit trail is disabled.
	Auditor *audit.Auditor

	// MuxOptions are the connection options for accepted links. Acceptor
	// and Observer are filled in per connection.
	MuxOptions    mux.Options
	AcceptOptions link.AcceptOptions
)

func observers() mux.Observer {
	var obs mux.Observers
	if Registry != nil {
		obs = append(obs, Registry)
	}
	if Auditor != nil {
		obs = append(obs, Auditor)
	}
	return obs
}
