package common

import (
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Defaults
// --------------------------------------------------------------------------

const (
	DefaultMaxChannelsPerEndpoint   = 130
	DefaultMaxRequestsPerChannel    = 30
	DefaultConnectionTimeout        = 5 * time.Second
	DefaultIdleEndpointTimeout      = time.Hour
	DefaultReceiveHangDetectionTime = 65 * time.Second
	DefaultSendHangDetectionTime    = 10 * time.Second
	DefaultRequestTimeout           = 5 * time.Second
	DefaultShutdownTimeout          = 15 * time.Second
	DefaultBufferPageSize           = 8 * 1024
	DefaultMaxBufferCapacity        = 8 * 1024 * 1024
	DefaultReadHangGracePeriod      = 55 * time.Second
	DefaultWriteHangGracePeriod     = 2 * time.Second
	DefaultRecentReadWindow         = time.Second
	DefaultHealthCheckInterval      = 10 * time.Second
	DefaultProbeTimeout             = 5 * time.Second
	DefaultTimerResolution          = 10 * time.Millisecond
	DefaultProtocolVersion          = 1
	DefaultClientVersion            = "1.0"
	DefaultUserAgent                = "rntbd-go/1.0"
)

// --------------------------------------------------------------------------
// Transport options
// --------------------------------------------------------------------------

// Options holds all configuration parameters of the RNTBD transport.
// Zero durations disable the corresponding feature unless noted otherwise.
type Options struct {
	// Pool sizing
	MaxChannelsPerEndpoint int
	MaxRequestsPerChannel  int

	// Connection establishment (HandshakeTimeout defaults to ConnectionTimeout)
	ConnectionTimeout time.Duration
	HandshakeTimeout  time.Duration

	// Eviction
	IdleChannelTimeout  time.Duration
	IdleEndpointTimeout time.Duration

	// Black-hole detection
	ReceiveHangDetectionTime time.Duration
	SendHangDetectionTime    time.Duration
	ReadHangGracePeriod      time.Duration
	WriteHangGracePeriod     time.Duration
	RecentReadWindow         time.Duration
	HealthCheckInterval      time.Duration
	ProbeTimeout             time.Duration

	// Requests
	RequestTimeout  time.Duration
	TimerResolution time.Duration
	ShutdownTimeout time.Duration

	// Buffers
	BufferPageSize    int
	MaxBufferCapacity int

	// Context negotiation
	ProtocolVersion uint32
	ClientVersion   string
	UserAgent       string

	// Socket settings
	TCPNoDelay      bool
	TCPKeepAlive    time.Duration
	ReadBufferSize  int
	WriteBufferSize int
	TLSConfig       *tls.Config

	// Logging (empty disables wire-level logging)
	LogLevel     string
	WireLogLevel string
}

// DefaultOptions returns options with all defaults applied
func DefaultOptions() Options {
	return Options{
		MaxChannelsPerEndpoint:   DefaultMaxChannelsPerEndpoint,
		MaxRequestsPerChannel:    DefaultMaxRequestsPerChannel,
		ConnectionTimeout:        DefaultConnectionTimeout,
		IdleEndpointTimeout:      DefaultIdleEndpointTimeout,
		ReceiveHangDetectionTime: DefaultReceiveHangDetectionTime,
		SendHangDetectionTime:    DefaultSendHangDetectionTime,
		ReadHangGracePeriod:      DefaultReadHangGracePeriod,
		WriteHangGracePeriod:     DefaultWriteHangGracePeriod,
		RecentReadWindow:         DefaultRecentReadWindow,
		HealthCheckInterval:      DefaultHealthCheckInterval,
		ProbeTimeout:             DefaultProbeTimeout,
		RequestTimeout:           DefaultRequestTimeout,
		TimerResolution:          DefaultTimerResolution,
		ShutdownTimeout:          DefaultShutdownTimeout,
		BufferPageSize:           DefaultBufferPageSize,
		MaxBufferCapacity:        DefaultMaxBufferCapacity,
		ProtocolVersion:          DefaultProtocolVersion,
		ClientVersion:            DefaultClientVersion,
		UserAgent:                DefaultUserAgent,
		TCPNoDelay:               true,
		LogLevel:                 "info",
	}
}

// EffectiveHandshakeTimeout returns HandshakeTimeout or ConnectionTimeout if unset
func (o *Options) EffectiveHandshakeTimeout() time.Duration {
	if o.HandshakeTimeout > 0 {
		return o.HandshakeTimeout
	}
	return o.ConnectionTimeout
}

// BufferPoolSize returns how many encode buffers of BufferPageSize fit into MaxBufferCapacity
func (o *Options) BufferPoolSize() int {
	if o.BufferPageSize <= 0 {
		return 1
	}
	n := o.MaxBufferCapacity / o.BufferPageSize
	if n < 1 {
		return 1
	}
	return n
}

// Validate checks the options for consistency
func (o *Options) Validate() error {
	if o.MaxChannelsPerEndpoint < 1 {
		return fmt.Errorf("max channels per endpoint must be positive, got %d", o.MaxChannelsPerEndpoint)
	}
	if o.MaxRequestsPerChannel < 1 {
		return fmt.Errorf("max requests per channel must be positive, got %d", o.MaxRequestsPerChannel)
	}
	if o.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", o.RequestTimeout)
	}
	if o.TimerResolution <= 0 {
		return fmt.Errorf("timer resolution must be positive, got %s", o.TimerResolution)
	}
	if o.ReceiveHangDetectionTime <= o.ReadHangGracePeriod {
		return fmt.Errorf("receive hang detection time (%s) must exceed the read hang grace period (%s)",
			o.ReceiveHangDetectionTime, o.ReadHangGracePeriod)
	}
	if o.SendHangDetectionTime <= o.WriteHangGracePeriod {
		return fmt.Errorf("send hang detection time (%s) must exceed the write hang grace period (%s)",
			o.SendHangDetectionTime, o.WriteHangGracePeriod)
	}
	if o.BufferPageSize < 0 || o.MaxBufferCapacity < o.BufferPageSize {
		return fmt.Errorf("invalid buffer settings: page size %d, max capacity %d", o.BufferPageSize, o.MaxBufferCapacity)
	}
	if len(o.ClientVersion) > 0xFF || len(o.UserAgent) > 0xFF {
		return fmt.Errorf("client version and user agent must not exceed 255 bytes")
	}
	return nil
}

// String returns a formatted string representation of the options
func (o *Options) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-28s: %s\n", name, value))
	}

	addSection("Pool")
	addField("Max Channels Per Endpoint", strconv.Itoa(o.MaxChannelsPerEndpoint))
	addField("Max Requests Per Channel", strconv.Itoa(o.MaxRequestsPerChannel))
	addField("Idle Channel Timeout", o.IdleChannelTimeout.String())
	addField("Idle Endpoint Timeout", o.IdleEndpointTimeout.String())

	addSection("Timeouts")
	addField("Connection Timeout", o.ConnectionTimeout.String())
	addField("Handshake Timeout", o.EffectiveHandshakeTimeout().String())
	addField("Request Timeout", o.RequestTimeout.String())
	addField("Timer Resolution", o.TimerResolution.String())
	addField("Shutdown Timeout", o.ShutdownTimeout.String())

	addSection("Health")
	addField("Receive Hang Detection", o.ReceiveHangDetectionTime.String())
	addField("Send Hang Detection", o.SendHangDetectionTime.String())
	addField("Read Hang Grace Period", o.ReadHangGracePeriod.String())
	addField("Write Hang Grace Period", o.WriteHangGracePeriod.String())
	addField("Recent Read Window", o.RecentReadWindow.String())
	addField("Health Check Interval", o.HealthCheckInterval.String())

	addSection("Context")
	addField("Protocol Version", strconv.FormatUint(uint64(o.ProtocolVersion), 10))
	addField("Client Version", o.ClientVersion)
	addField("User Agent", o.UserAgent)

	addSection("Socket")
	addField("TCP No Delay", strconv.FormatBool(o.TCPNoDelay))
	addField("TCP Keep Alive", o.TCPKeepAlive.String())
	addField("Buffer Page Size", strconv.Itoa(o.BufferPageSize))
	addField("Max Buffer Capacity", strconv.Itoa(o.MaxBufferCapacity))
	addField("TLS", strconv.FormatBool(o.TLSConfig != nil))

	addSection("Logging")
	addField("Log Level", o.LogLevel)
	addField("Wire Log Level", o.WireLogLevel)

	return sb.String()
}
