// Package cmd implements the command-line interface of the RNTBD transport.
//
// The package is organized into several subpackages:
//
//   - serve: Starts the replica emulator (in-memory documents, echo, fixed status, ...)
//   - probe: Opens one connection to a replica and reports context, health and one response
//   - perf: Parallel load tests against a replica through the endpoint provider
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set with an RNTBD_<FLAG> environment variable or in a
// .env file. See rntbd -help for a list of all commands.
package cmd
