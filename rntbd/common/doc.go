// Package common provides the configuration, logging and error types shared
// by all packages of the RNTBD transport.
//
// Key Components:
//
//   - Options: Transport configuration (pool sizing, timeouts, black-hole
//     detection thresholds, buffer sizing, socket settings) with defaults,
//     validation and a human-readable String() representation.
//
//   - Errors: The error taxonomy of the transport. CorruptedFrameError and
//     NegotiationError describe wire-level failures, GoneError and
//     RequestTimeoutError describe request-level failures and StatusError
//     carries error responses from the replica. Pool and channel state errors
//     are sentinels usable with errors.Is.
//
//   - Logger: Custom logging implementation that plugs into Dragonboat's
//     logging facade, providing consistent formatting across the transport.
package common
