// Package tcp implements TCP socket based connectors for the RNTBD transport.
//
// The client connector dials with the configured connection timeout, applies
// the socket settings of common.Options (no-delay, buffer sizes, keep-alive)
// and, when a *tls.Config is injected, performs the TLS handshake before the
// connection is handed to a channel.
//
// Key Components:
//
//   - NewConnector: transport.IChannelConnector over TCP (optionally TLS)
//
//   - NewServerConnector: transport.IServerConnector used by the replica emulator
//
//   - UpgradeConnection: Applies socket settings to an established connection
package tcp
