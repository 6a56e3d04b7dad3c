package web

import (
	"github.com/go-batt/nowlink/lib/configsync"
	"github.com/go-batt/nowlink/lib/diag"
	"github.com/go-batt/nowlink/lib/node"
)

// Backend defines the node operations used by the admin server.
// This interface allows for easier testing by enabling mock implementations.
type Backend interface {
	// Diag assembles a point-in-time diagnostics report.
	Diag() diag.Report
	// Authority returns the snapshot owner on a transmitter, else nil.
	Authority() *configsync.Authority
	// Cache returns the snapshot cache on a receiver, else nil.
	Cache() *configsync.Cache
}

// Verify that *node.Node implements Backend at compile time.
var _ Backend = (*node.Node)(nil)
