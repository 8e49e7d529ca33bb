package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/ValentinKolb/rntbd/rntbd/transport"
)

// connector implements the IChannelConnector interface for TCP sockets
type connector struct {
	opts   common.Options
	dialer net.Dialer
}

// NewConnector creates a TCP connector using the socket and TLS settings of opts
func NewConnector(opts common.Options) transport.IChannelConnector {
	return &connector{
		opts: opts,
		// keep-alive is configured in UpgradeConnection
		dialer: net.Dialer{KeepAlive: -1},
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IChannelConnector)
// --------------------------------------------------------------------------

func (c *connector) GetName() string {
	if c.opts.TLSConfig != nil {
		return "tcp+tls"
	}
	return "tcp"
}

func (c *connector) Connect(ctx context.Context, address string) (net.Conn, error) {
	if c.opts.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ConnectionTimeout)
		defer cancel()
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	if err := UpgradeConnection(conn, c.opts); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to apply socket settings to %s: %w", address, err)
	}

	if c.opts.TLSConfig == nil {
		return conn, nil
	}

	tlsConfig := c.opts.TLSConfig.Clone()
	if tlsConfig.ServerName == "" && !tlsConfig.InsecureSkipVerify {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}
		tlsConfig.ServerName = host
	}
	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake with %s failed: %w", address, err)
	}
	return tlsConn, nil
}

// UpgradeConnection applies the socket settings of opts to a TCP connection
func UpgradeConnection(conn net.Conn, opts common.Options) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, nothing to upgrade
	}

	// Disable Nagle's algorithm (TCPNoDelay) if configured
	if err := tcpConn.SetNoDelay(opts.TCPNoDelay); err != nil {
		return err
	}

	// Set socket write buffer size if configured
	if opts.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(opts.WriteBufferSize); err != nil {
			return err
		}
	}

	// Set socket read buffer size if configured
	if opts.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(opts.ReadBufferSize); err != nil {
			return err
		}
	}

	// Enable TCP keep-alive if configured
	if opts.TCPKeepAlive > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(opts.TCPKeepAlive); err != nil {
			return err
		}
	}

	return nil
}

// --------------------------------------------------------------------------
// Server side
// --------------------------------------------------------------------------

// serverConnector implements the IServerConnector interface for TCP sockets
type serverConnector struct {
	tlsConfig *tls.Config
}

// NewServerConnector creates a TCP listener factory (TLS if tlsConfig is set)
func NewServerConnector(tlsConfig *tls.Config) transport.IServerConnector {
	return &serverConnector{tlsConfig: tlsConfig}
}

func (c *serverConnector) GetName() string {
	if c.tlsConfig != nil {
		return "tcp+tls"
	}
	return "tcp"
}

func (c *serverConnector) Listen(endpoint string) (net.Listener, error) {
	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP socket: %v", err)
	}
	if c.tlsConfig != nil {
		return tls.NewListener(listener, c.tlsConfig), nil
	}
	return listener, nil
}
