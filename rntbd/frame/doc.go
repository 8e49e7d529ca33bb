// Package frame implements the RNTBD frames: the context request and response
// exchanged once per connection, application requests and their responses.
//
// Each frame is length-prefixed and consists of a fixed header and a token
// stream, optionally followed by a length-prefixed payload. The payload is
// present iff the PayloadPresent header is non-zero.
//
// Key Components:
//
//   - Header enumerations (ContextRequestHeader, ContextHeader, RequestHeader,
//     ResponseHeader) and their schemas.
//
//   - ContextRequest/ContextResponse/SessionContext: The negotiation frames and
//     the immutable session state established from a successful response.
//
//   - Request/Response/ResponseStatus: Application frames. Requests are built
//     from a ServiceRequest, responses are handed to callers as StoreResponse.
//
//   - Reader: Decodes frames from a connection. Invalid lengths, status codes
//     outside 100..599 and malformed tokens yield a *common.CorruptedFrameError.
package frame
