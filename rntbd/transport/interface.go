package transport

import (
	"context"
	"net"
)

// --------------------------------------------------------------------------
// Client side
// --------------------------------------------------------------------------

// IChannelConnector opens the connections a channel pool wraps into channels
type IChannelConnector interface {
	// Connect establishes one connection to address. It honours the deadline
	// and cancellation of ctx and applies the connector's socket settings.
	Connect(ctx context.Context, address string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

// --------------------------------------------------------------------------
// Server side
// --------------------------------------------------------------------------

// IServerConnector creates the listener of the replica emulator
type IServerConnector interface {
	// Listen creates a listener on endpoint and returns it
	Listen(endpoint string) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}
