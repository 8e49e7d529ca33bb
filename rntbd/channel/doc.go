/*
Package channel implements one RNTBD connection.

A Channel owns a net.Conn and two goroutines. The reader decodes the context
response and then every response frame, the writer serializes every outbound
frame. The first write on a fresh connection triggers the context
negotiation; writes issued before the context response arrived are buffered
and flushed in order afterward. A failed negotiation fails the buffered
requests with a *common.NegotiationError and closes the connection.

Key Components:

  - Channel: Read/write loops, Request, Negotiate, Close.

  - RequestManager: Correlates responses with RequestRecords by transport
    request id, owns the session context and the liveness timestamps.

  - RequestRecord: One outstanding request. It completes exactly once with a
    response, an error or a timeout. Late responses are dropped.

  - HealthChecker: Detects black-holed connections from read and write
    timestamps and confirms the rest with a health-check frame.

Error semantics:

  - Status codes >= 400 complete the record with a *common.StatusError.
  - A request timeout completes the record with a *common.RequestTimeoutError
    and leaves the connection open.
  - Closing the connection, for whatever reason, completes every outstanding
    record with a *common.GoneError wrapping the cause.
*/
package channel
