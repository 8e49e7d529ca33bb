package unix

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/ValentinKolb/rntbd/rntbd/transport"
)

// connector implements the IChannelConnector interface for Unix sockets
type connector struct {
	opts   common.Options
	dialer net.Dialer
}

// NewConnector creates a Unix socket connector. The address is the socket path.
func NewConnector(opts common.Options) transport.IChannelConnector {
	return &connector{opts: opts}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IChannelConnector)
// --------------------------------------------------------------------------

func (c *connector) GetName() string {
	return "unix"
}

func (c *connector) Connect(ctx context.Context, address string) (net.Conn, error) {
	if c.opts.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ConnectionTimeout)
		defer cancel()
	}
	conn, err := c.dialer.DialContext(ctx, "unix", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return conn, nil
}

// --------------------------------------------------------------------------
// Server side
// --------------------------------------------------------------------------

// serverConnector implements the IServerConnector interface for Unix sockets
type serverConnector struct{}

// NewServerConnector creates a Unix socket listener factory
func NewServerConnector() transport.IServerConnector {
	return &serverConnector{}
}

func (c *serverConnector) GetName() string {
	return "unix"
}

func (c *serverConnector) Listen(endpoint string) (net.Listener, error) {
	// Remove existing socket file if it exists
	if err := os.RemoveAll(endpoint); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %v", err)
	}

	listener, err := net.Listen("unix", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create Unix socket: %v", err)
	}
	return listener, nil
}
