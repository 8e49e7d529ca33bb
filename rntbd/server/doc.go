/*
Package server implements an in-process replica emulator: the server side of
the RNTBD protocol. It is used by the transport tests and by the serve
command.

Every connection starts with the context negotiation. A rejected negotiation
(version mismatch or a configured failure status) is answered and the
connection is closed. Afterwards each request frame is dispatched to a
Handler on a bounded set of worker goroutines, health-check probes are
counted and dropped.

Handlers:

  - EchoHandler: Answers 200 with the request payload.
  - StatusHandler: Answers every request with a fixed status.
  - SilentHandler: Never answers.
  - DelayHandler: Delays another handler.
  - DocumentStore: In-memory documents keyed by replica path, with LSN, ETag
    and request charge headers.

Usage:

	s := server.New(server.DefaultConfig("127.0.0.1:0"), server.NewDocumentStore().Handle)
	if err := s.Listen(); err != nil {
		// handle error
	}
	defer s.Close()
*/
package server
