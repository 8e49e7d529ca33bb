// Package transport defines how RNTBD connections are established. The
// channel pool only sees net.Conn values produced by a connector, which keeps
// it independent of the socket type.
//
// Key Components:
//
//   - IChannelConnector: Client-side interface that dials one connection to a
//     replica address. Implemented by the tcp (optionally TLS) and unix
//     packages.
//
//   - IServerConnector: Server-side interface that creates the listener of
//     the replica emulator.
package transport
