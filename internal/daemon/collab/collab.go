// Package collab holds the extension seams for multi-daemon and
// workspace tooling. The kernel only defines the contracts and the
// event bridge; concrete implementations plug in at server wiring
// time.
package collab

import (
	"context"

	"github.com/curiositech/port-daddy/internal/daemon/activity"
)

// Orchestrator coordinates work across daemons on other hosts.
type Orchestrator interface {
	// Announce publishes this daemon's presence to peers.
	Announce(ctx context.Context) error
	// Peers lists known remote daemons.
	Peers(ctx context.Context) ([]string, error)
}

// ProjectScanner discovers projects on disk and reports their
// identities for pre-registration.
type ProjectScanner interface {
	Scan(ctx context.Context, root string) ([]string, error)
}

// TunnelSupervisor manages inbound tunnels for registered services.
type TunnelSupervisor interface {
	Open(ctx context.Context, identity string, port int) (string, error)
	Close(ctx context.Context, identity string) error
}

// DNSAdvertiser publishes registered services on local DNS.
type DNSAdvertiser interface {
	Advertise(ctx context.Context, identity string, port int) error
	Withdraw(ctx context.Context, identity string) error
}

// WebhookDeliverer pushes curated activity events to external sinks.
type WebhookDeliverer interface {
	Deliver(ctx context.Context, event activity.Entry) error
}
