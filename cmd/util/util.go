package util

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/ValentinKolb/rntbd/rntbd/transport"
	"github.com/ValentinKolb/rntbd/rntbd/transport/tcp"
	"github.com/ValentinKolb/rntbd/rntbd/transport/unix"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupClientFlags adds the transport options to a command
func SetupClientFlags(cmd *cobra.Command) {
	defaults := common.DefaultOptions()
	flags := cmd.PersistentFlags()

	key := "max-channels"
	flags.Int(key, defaults.MaxChannelsPerEndpoint, WrapString("Maximum number of connections per replica address"))

	key = "max-requests"
	flags.Int(key, defaults.MaxRequestsPerChannel, WrapString("Maximum number of concurrent requests per connection"))

	key = "connection-timeout"
	flags.Duration(key, defaults.ConnectionTimeout, WrapString("Timeout for establishing a connection (TCP connect and TLS handshake)"))

	key = "handshake-timeout"
	flags.Duration(key, 0, WrapString("Timeout for the context negotiation (defaults to the connection timeout)"))

	key = "request-timeout"
	flags.Duration(key, defaults.RequestTimeout, WrapString("Time a request may wait for its response"))

	key = "idle-channel-timeout"
	flags.Duration(key, defaults.IdleChannelTimeout, WrapString("Close connections idle for this long (0 disables)"))

	key = "idle-endpoint-timeout"
	flags.Duration(key, defaults.IdleEndpointTimeout, WrapString("Evict endpoints without requests for this long (0 disables)"))

	key = "health-check-interval"
	flags.Duration(key, defaults.HealthCheckInterval, WrapString("Interval of the connection health sweep (0 disables)"))

	key = "timer-resolution"
	flags.Duration(key, defaults.TimerResolution, WrapString("Resolution of the shared request timer"))

	key = "user-agent"
	flags.String(key, defaults.UserAgent, WrapString("User agent sent during the context negotiation"))

	key = "client-version"
	flags.String(key, defaults.ClientVersion, WrapString("Client version sent during the context negotiation"))

	key = "transport"
	flags.String(key, "tcp", WrapString("Transport to use (tcp, unix)"))

	key = "tls"
	flags.Bool(key, false, WrapString("Connect with TLS (only for tcp)"))

	key = "tls-insecure"
	flags.Bool(key, false, WrapString("Skip verification of the server certificate"))

	key = "tcp-nodelay"
	flags.Bool(key, defaults.TCPNoDelay, WrapString("Whether to enable TCP_NODELAY"))

	key = "tcp-keepalive"
	flags.Duration(key, 0, WrapString("TCP keep-alive period (0 disables)"))

	key = "log-level"
	flags.String(key, "warn", WrapString("Log level (debug, info, warn, error)"))

	key = "wire-log-level"
	flags.String(key, "", WrapString("Log level of the frame dump logger (empty disables it)"))
}

// InitConfig loads .env files and maps RNTBD_* environment variables to flags
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("rntbd")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetOptions reads the transport options from viper
func GetOptions() common.Options {
	opts := common.DefaultOptions()
	opts.MaxChannelsPerEndpoint = viper.GetInt("max-channels")
	opts.MaxRequestsPerChannel = viper.GetInt("max-requests")
	opts.ConnectionTimeout = viper.GetDuration("connection-timeout")
	opts.HandshakeTimeout = viper.GetDuration("handshake-timeout")
	opts.RequestTimeout = viper.GetDuration("request-timeout")
	opts.IdleChannelTimeout = viper.GetDuration("idle-channel-timeout")
	opts.IdleEndpointTimeout = viper.GetDuration("idle-endpoint-timeout")
	opts.HealthCheckInterval = viper.GetDuration("health-check-interval")
	opts.TimerResolution = viper.GetDuration("timer-resolution")
	opts.UserAgent = viper.GetString("user-agent")
	opts.ClientVersion = viper.GetString("client-version")
	opts.TCPNoDelay = viper.GetBool("tcp-nodelay")
	opts.TCPKeepAlive = viper.GetDuration("tcp-keepalive")
	opts.LogLevel = viper.GetString("log-level")
	opts.WireLogLevel = viper.GetString("wire-log-level")

	if viper.GetBool("tls") {
		opts.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: viper.GetBool("tls-insecure"),
		}
	}
	return opts
}

// GetConnector creates the connector selected with --transport
func GetConnector(opts common.Options) (transport.IChannelConnector, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewConnector(opts), nil
	case "unix":
		return unix.NewConnector(opts), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// SetupClient binds the flags of cmd, validates the options and initializes
// the loggers
func SetupClient(cmd *cobra.Command) (common.Options, transport.IChannelConnector, error) {
	if err := BindCommandFlags(cmd); err != nil {
		return common.Options{}, nil, err
	}
	opts := GetOptions()
	if err := opts.Validate(); err != nil {
		return common.Options{}, nil, err
	}
	if err := common.InitLoggers(opts); err != nil {
		return common.Options{}, nil, err
	}
	connector, err := GetConnector(opts)
	if err != nil {
		return common.Options{}, nil, err
	}
	return opts, connector, nil
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.InheritedFlags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.Flags())
}
