// Package unix implements Unix domain socket connectors for the RNTBD
// transport. They are used to talk to a replica emulator on the same machine
// without the TCP/IP stack; the address of an endpoint is the socket path.
package unix
