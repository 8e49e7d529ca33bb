package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/ValentinKolb/rntbd/rntbd/frame"
	"github.com/ValentinKolb/rntbd/rntbd/transport"
	"github.com/ValentinKolb/rntbd/rntbd/transport/tcp"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/lni/goutils/syncutil"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger(common.LoggerServer)

const (
	DefaultServerAgent       = "rntbd-emulator"
	DefaultServerVersion     = "1.0"
	DefaultMaxWorkersPerConn = 64
)

// Config holds the settings of the replica emulator
type Config struct {
	// Endpoint is the listen address (host:port, port 0 picks a free port)
	Endpoint string

	ServerAgent            string
	ServerVersion          string
	IdleTimeout            time.Duration
	UnauthenticatedTimeout time.Duration

	// Negotiation fails with NegotiationStatus (or 400 if unset) when the
	// client reports a different client or protocol version than required
	RequiredClientVersion   string
	RequiredProtocolVersion uint32
	NegotiationStatus       int32

	// ContextDelay postpones the context response (handshake timeout tests)
	ContextDelay time.Duration

	MaxWorkersPerConn int
	MaxFrameLength    int

	// Connector creates the listener (TCP if nil)
	Connector transport.IServerConnector
}

// DefaultConfig returns a config listening on endpoint with all defaults applied
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:          endpoint,
		ServerAgent:       DefaultServerAgent,
		ServerVersion:     DefaultServerVersion,
		IdleTimeout:       common.DefaultIdleEndpointTimeout,
		MaxWorkersPerConn: DefaultMaxWorkersPerConn,
		MaxFrameLength:    common.DefaultMaxBufferCapacity,
	}
}

// Server emulates the replica side of the protocol: it negotiates the
// session context, swallows health probes and answers every other request
// through a Handler. Requests of one connection are processed concurrently,
// responses are written in completion order.
type Server struct {
	config   Config
	handler  Handler
	listener net.Listener
	stopper  *syncutil.Stopper
	conns    *xsync.MapOf[net.Conn, struct{}]
	closed   atomic.Bool

	requests    atomic.Uint64
	probes      atomic.Uint64
	connections atomic.Uint64
}

// New creates a server. Listen starts accepting connections, ServeConn
// serves a single connection (e.g. one end of net.Pipe).
func New(config Config, handler Handler) *Server {
	if config.ServerAgent == "" {
		config.ServerAgent = DefaultServerAgent
	}
	if config.ServerVersion == "" {
		config.ServerVersion = DefaultServerVersion
	}
	if config.MaxWorkersPerConn < 1 {
		config.MaxWorkersPerConn = 1
	}
	if config.MaxFrameLength <= 0 {
		config.MaxFrameLength = common.DefaultMaxBufferCapacity
	}
	if handler == nil {
		handler = EchoHandler
	}
	return &Server{
		config:  config,
		handler: handler,
		stopper: syncutil.NewStopper(),
		conns:   xsync.NewMapOf[net.Conn, struct{}](),
	}
}

// --------------------------------------------------------------------------
// Listener
// --------------------------------------------------------------------------

// Listen opens the listener and starts the accept loop in the background
func (s *Server) Listen() error {
	connector := s.config.Connector
	if connector == nil {
		connector = tcp.NewServerConnector(nil)
	}

	listener, err := connector.Listen(s.config.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to create listener: %v", err)
	}
	s.listener = listener

	Logger.Infof("Starting %s replica emulator on %s (agent %q, version %q, %d workers per connection)",
		connector.GetName(), listener.Addr(), s.config.ServerAgent, s.config.ServerVersion, s.config.MaxWorkersPerConn)

	s.stopper.RunWorker(s.acceptLoop)
	return nil
}

// Addr returns the address the server listens on
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Endpoint
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			Logger.Errorf("Accept error: %v", err)
			continue
		}

		s.stopper.RunWorker(func() {
			s.ServeConn(conn)
		})
	}
}

// Close stops accepting, closes every open connection and waits for the workers
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.conns.Range(func(conn net.Conn, _ struct{}) bool {
		_ = conn.Close()
		return true
	})
	s.stopper.Stop()
	Logger.Infof("Replica emulator stopped (%d connections, %d requests, %d probes)",
		s.connections.Load(), s.requests.Load(), s.probes.Load())
	return err
}

// Stats returns the number of served connections, requests and health probes
func (s *Server) Stats() (connections, requests, probes uint64) {
	return s.connections.Load(), s.requests.Load(), s.probes.Load()
}

// --------------------------------------------------------------------------
// Connection handling
// --------------------------------------------------------------------------

// ServeConn serves one connection until the peer closes it or the server
// is closed
func (s *Server) ServeConn(conn net.Conn) {
	defer conn.Close()
	if s.closed.Load() {
		return
	}
	s.conns.Store(conn, struct{}{})
	defer s.conns.Delete(conn)
	s.connections.Add(1)

	reader := frame.NewReader(bufio.NewReader(conn), s.config.MaxFrameLength)

	ok, err := s.negotiate(conn, reader)
	if err != nil {
		s.logConnError(conn, err)
		return
	}
	if !ok {
		return
	}

	// Create a semaphore to limit concurrent workers for this connection
	workerSemaphore := make(chan struct{}, s.config.MaxWorkersPerConn)
	var wg sync.WaitGroup
	var connMutex sync.Mutex

	handleRequest := func(req *frame.Request) {
		defer func() {
			<-workerSemaphore
			wg.Done()
		}()

		start := time.Now()
		resp := s.handler(req)
		if resp == nil {
			// the handler chose not to answer
			return
		}

		id, _ := req.TransportRequestID()
		resp.ActivityID = req.ActivityID
		resp.TransportRequestID = id
		Logger.Debugf("Processed %s in %s", req, time.Since(start))

		var buf bytes.Buffer
		if err := resp.Encode(&buf); err != nil {
			Logger.Errorf("Failed to encode response to %s: %v", req, err)
			return
		}

		connMutex.Lock()
		defer connMutex.Unlock()
		if _, err := buf.WriteTo(conn); err != nil {
			Logger.Errorf("Failed to write response: %v", err)
		}
	}

	for {
		req, err := reader.ReadRequest()
		if err != nil {
			s.logConnError(conn, err)
			break
		}
		if req.IsHealthCheck() {
			s.probes.Add(1)
			continue
		}
		s.requests.Add(1)

		workerSemaphore <- struct{}{}
		wg.Add(1)
		go handleRequest(req)
	}

	// Wait for all workers to finish before closing the connection
	wg.Wait()
}

// negotiate reads the context request and answers it. It reports false if
// the negotiation was rejected.
func (s *Server) negotiate(conn net.Conn, reader *frame.Reader) (bool, error) {
	req, err := reader.ReadContextRequest()
	if err != nil {
		return false, err
	}

	if s.config.ContextDelay > 0 {
		time.Sleep(s.config.ContextDelay)
	}

	resp := &frame.ContextResponse{
		ResponseStatus:                  frame.ResponseStatus{Status: 200, ActivityID: req.ActivityID},
		ProtocolVersion:                 req.ProtocolVersion,
		ClientVersion:                   req.ClientVersion,
		ServerAgent:                     s.config.ServerAgent,
		ServerVersion:                   s.config.ServerVersion,
		IdleTimeoutInSeconds:            uint32(s.config.IdleTimeout / time.Second),
		UnauthenticatedTimeoutInSeconds: uint32(s.config.UnauthenticatedTimeout / time.Second),
	}

	accepted := s.accepts(req)
	if !accepted {
		resp.Status = s.config.NegotiationStatus
		if resp.Status == 0 {
			resp.Status = 400
		}
		resp.RequiredClientVersion = s.config.RequiredClientVersion
		resp.RequiredProtocolVersion = s.config.RequiredProtocolVersion
		Logger.Warningf("Rejecting %s from %s with status %d", req, conn.RemoteAddr(), resp.Status)
	} else {
		Logger.Debugf("Accepted %s from %s", req, conn.RemoteAddr())
	}

	var buf bytes.Buffer
	if err := resp.Encode(&buf); err != nil {
		return false, err
	}
	if _, err := buf.WriteTo(conn); err != nil {
		return false, err
	}
	return accepted, nil
}

func (s *Server) accepts(req *frame.ContextRequest) bool {
	if s.config.NegotiationStatus != 0 && (s.config.NegotiationStatus < 200 || s.config.NegotiationStatus >= 400) {
		return false
	}
	if s.config.RequiredClientVersion != "" && req.ClientVersion != s.config.RequiredClientVersion {
		return false
	}
	if s.config.RequiredProtocolVersion != 0 && req.ProtocolVersion != s.config.RequiredProtocolVersion {
		return false
	}
	return true
}

func (s *Server) logConnError(conn net.Conn, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), s.closed.Load():
		Logger.Debugf("Connection from %s closed", conn.RemoteAddr())
	default:
		Logger.Errorf("Error handling connection from %s: %v", conn.RemoteAddr(), err)
	}
}
