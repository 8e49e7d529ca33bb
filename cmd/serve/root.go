package serve

import (
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/rntbd/cmd/util"
	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/ValentinKolb/rntbd/rntbd/server"
	"github.com/ValentinKolb/rntbd/rntbd/transport/tcp"
	"github.com/ValentinKolb/rntbd/rntbd/transport/unix"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig  = server.DefaultConfig("")
	serveCmdHandler server.Handler

	ServeCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the replica emulator",
		Long: `Start an in-memory replica that speaks the RNTBD protocol. It negotiates the session context, answers health probes and serves document requests from an in-memory store.
The configuration can be set via command line flags or environment variables. The format of the environment variables is RNTBD_<flag> (e.g. RNTBD_ENDPOINT=0.0.0.0:10250)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	key := "endpoint"
	ServeCmd.Flags().String(key, "0.0.0.0:10250", cmdUtil.WrapString("The address on which the replica will listen (host:port or a socket path for the unix transport)"))

	key = "transport"
	ServeCmd.Flags().String(key, "tcp", cmdUtil.WrapString("Transport to use (tcp, unix)"))

	key = "handler"
	ServeCmd.Flags().String(key, "store", cmdUtil.WrapString("How requests are answered: store (in-memory documents), echo, silent (never answer) or a fixed status like status=429/3200"))

	key = "delay"
	ServeCmd.Flags().Duration(key, 0, cmdUtil.WrapString("Delay every response by this duration"))

	key = "context-delay"
	ServeCmd.Flags().Duration(key, 0, cmdUtil.WrapString("Delay the context negotiation response by this duration"))

	key = "server-agent"
	ServeCmd.Flags().String(key, server.DefaultServerAgent, cmdUtil.WrapString("Server agent reported during the context negotiation"))

	key = "required-client-version"
	ServeCmd.Flags().String(key, "", cmdUtil.WrapString("Reject clients reporting a different client version"))

	key = "required-protocol-version"
	ServeCmd.Flags().Uint32(key, 0, cmdUtil.WrapString("Reject clients reporting a different protocol version"))

	key = "negotiation-status"
	ServeCmd.Flags().Int32(key, 400, cmdUtil.WrapString("Status used to reject clients"))

	key = "idle-timeout"
	ServeCmd.Flags().Duration(key, common.DefaultIdleEndpointTimeout, cmdUtil.WrapString("Idle timeout reported to clients"))

	key = "tls-cert"
	ServeCmd.Flags().String(key, "", cmdUtil.WrapString("Path to a PEM certificate, enables TLS (tcp only)"))

	key = "tls-key"
	ServeCmd.Flags().String(key, "", cmdUtil.WrapString("Path to the PEM private key of the certificate"))

	key = "log-level"
	ServeCmd.Flags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "wire-log-level"
	ServeCmd.Flags().String(key, "", cmdUtil.WrapString("Log level of the frame dump logger (empty disables it)"))
}

// processConfig reads the flags and environment variables into the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	opts := common.DefaultOptions()
	opts.LogLevel = viper.GetString("log-level")
	opts.WireLogLevel = viper.GetString("wire-log-level")
	if err := common.InitLoggers(opts); err != nil {
		return err
	}

	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.ServerAgent = viper.GetString("server-agent")
	serveCmdConfig.ContextDelay = viper.GetDuration("context-delay")
	serveCmdConfig.RequiredClientVersion = viper.GetString("required-client-version")
	serveCmdConfig.RequiredProtocolVersion = viper.GetUint32("required-protocol-version")
	serveCmdConfig.NegotiationStatus = viper.GetInt32("negotiation-status")
	serveCmdConfig.IdleTimeout = viper.GetDuration("idle-timeout")

	// parse the transport
	switch t := viper.GetString("transport"); t {
	case "tcp":
		tlsConfig, err := loadTLSConfig(viper.GetString("tls-cert"), viper.GetString("tls-key"))
		if err != nil {
			return err
		}
		serveCmdConfig.Connector = tcp.NewServerConnector(tlsConfig)
	case "unix":
		serveCmdConfig.Connector = unix.NewServerConnector()
	default:
		return fmt.Errorf("invalid transport %s", t)
	}

	// parse the handler
	handler, err := ParseHandler(viper.GetString("handler"))
	if err != nil {
		return err
	}
	if d := viper.GetDuration("delay"); d > 0 {
		handler = server.DelayHandler(d, handler)
	}
	serveCmdHandler = handler

	return nil
}

// ParseHandler converts a handler name into a server.Handler
func ParseHandler(name string) (server.Handler, error) {
	switch {
	case name == "store":
		return server.NewDocumentStore().Handle, nil
	case name == "echo":
		return server.EchoHandler, nil
	case name == "silent":
		return server.SilentHandler, nil
	case strings.HasPrefix(name, "status="):
		var status int32
		var subStatus uint32
		spec := strings.TrimPrefix(name, "status=")
		if strings.Contains(spec, "/") {
			if _, err := fmt.Sscanf(spec, "%d/%d", &status, &subStatus); err != nil {
				return nil, fmt.Errorf("invalid status handler %q (expected status=CODE[/SUBSTATUS]): %v", name, err)
			}
		} else if _, err := fmt.Sscanf(spec, "%d", &status); err != nil {
			return nil, fmt.Errorf("invalid status handler %q (expected status=CODE[/SUBSTATUS]): %v", name, err)
		}
		return server.StatusHandler(status, subStatus), nil
	default:
		return nil, fmt.Errorf("invalid handler %s (expected one of: store, echo, silent, status=CODE[/SUBSTATUS])", name)
	}
}

func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair: %v", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// run starts the replica and blocks until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	srv := server.New(serveCmdConfig, serveCmdHandler)
	if err := srv.Listen(); err != nil {
		return err
	}
	fmt.Printf("replica listening on %s (%s)\n", srv.Addr(), serveCmdConfig.Connector.GetName())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	start := time.Now()
	err := srv.Close()
	connections, requests, probes := srv.Stats()
	fmt.Printf("replica stopped (shutdown took %s): %d connections, %d requests, %d probes\n",
		time.Since(start).Round(time.Millisecond), connections, requests, probes)
	return err
}
