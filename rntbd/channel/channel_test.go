package channel

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/ValentinKolb/rntbd/rntbd/frame"
	"github.com/ValentinKolb/rntbd/rntbd/server"
	"github.com/ValentinKolb/rntbd/rntbd/timer"
	"github.com/ValentinKolb/rntbd/rntbd/token"
	"github.com/google/uuid"
)

const testAddress = "replica-0:10250"

func testOptions() common.Options {
	opts := common.DefaultOptions()
	opts.RequestTimeout = 2 * time.Second
	opts.ConnectionTimeout = 2 * time.Second
	opts.TimerResolution = time.Millisecond
	return opts
}

// newTestChannel connects a channel to an in-process replica over net.Pipe
func newTestChannel(t *testing.T, opts common.Options, cfg server.Config, handler server.Handler) (*Channel, *server.Server) {
	t.Helper()
	srv := server.New(cfg, handler)
	client, srvConn := net.Pipe()
	go srv.ServeConn(srvConn)

	ch := newPipeChannel(t, opts, client)
	t.Cleanup(func() { srv.Close() })
	return ch, srv
}

func newPipeChannel(t *testing.T, opts common.Options, conn net.Conn) *Channel {
	t.Helper()
	rt := timer.NewRequestTimer(opts.TimerResolution)
	ch := New(conn, Config{Address: testAddress, Options: opts, Timer: rt})
	t.Cleanup(func() {
		ch.Close()
		rt.Stop()
	})
	return ch
}

// fakeReplica answers the context request on conn with status and then
// hands the connection to then (which may be nil)
func fakeReplica(t *testing.T, conn net.Conn, status int32, then func(r *frame.Reader, conn net.Conn)) {
	t.Helper()
	go func() {
		defer conn.Close()
		r := frame.NewReader(bufio.NewReader(conn), common.DefaultMaxBufferCapacity)
		req, err := r.ReadContextRequest()
		if err != nil {
			return
		}
		resp := &frame.ContextResponse{
			ResponseStatus: frame.ResponseStatus{Status: status, ActivityID: req.ActivityID},
			ClientVersion:  req.ClientVersion,
			ServerAgent:    "fake",
			ServerVersion:  "0.1",
		}
		var buf bytes.Buffer
		if err := resp.Encode(&buf); err != nil {
			return
		}
		if _, err := buf.WriteTo(conn); err != nil {
			return
		}
		if then != nil {
			then(r, conn)
		}
	}()
}

func readRequest(path string) *frame.ServiceRequest {
	return frame.NewServiceRequest(frame.OperationRead, frame.ResourceDocument, path)
}

func waitRecord(t *testing.T, rec *RequestRecord) (*frame.StoreResponse, error) {
	t.Helper()
	select {
	case <-rec.Done():
		return rec.Result()
	case <-time.After(5 * time.Second):
		t.Fatalf("Timeout waiting for %s", rec)
		return nil, nil
	}
}

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

func TestChannelRequestResponse(t *testing.T) {
	ch, _ := newTestChannel(t, testOptions(), server.DefaultConfig(""), server.EchoHandler)

	rec, err := ch.Request(context.Background(), readRequest("docs/1").WithPayload([]byte("hello")))
	if err != nil {
		t.Fatalf("Failed to issue request: %v", err)
	}
	resp, err := rec.Wait(context.Background())
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.Status != 200 || string(resp.Payload) != "hello" {
		t.Errorf("Unexpected response %s", resp)
	}
	if resp.ActivityID != rec.ActivityID {
		t.Errorf("Expected activity %s, got %s", rec.ActivityID, resp.ActivityID)
	}

	if ch.NegotiationState() != ContextEstablished {
		t.Errorf("Expected established context, got %s", ch.NegotiationState())
	}
	if ctx := ch.Context(); ctx == nil || ctx.ServerAgent != server.DefaultServerAgent {
		t.Errorf("Unexpected session context %v", ctx)
	}
	if n := ch.PendingRequestCount(); n != 0 {
		t.Errorf("Expected no pending requests, got %d", n)
	}

	timeline := rec.Timeline()
	for _, s := range []Stage{StageQueued, StageSent, StageReceived, StageCompleted} {
		if _, ok := timeline[s]; !ok {
			t.Errorf("Expected stage %s in timeline %v", s, timeline)
		}
	}
}

func TestChannelPipelinesBehindNegotiation(t *testing.T) {
	cfg := server.DefaultConfig("")
	cfg.ContextDelay = 100 * time.Millisecond
	ch, _ := newTestChannel(t, testOptions(), cfg, server.EchoHandler)

	const n = 10
	records := make([]*RequestRecord, n)
	for i := range records {
		rec, err := ch.Request(context.Background(), readRequest("docs/x").WithPayload([]byte{byte(i)}))
		if err != nil {
			t.Fatalf("Failed to issue request %d: %v", i, err)
		}
		records[i] = rec
	}

	for i, rec := range records {
		resp, err := waitRecord(t, rec)
		if err != nil {
			t.Fatalf("Request %d failed: %v", i, err)
		}
		if len(resp.Payload) != 1 || resp.Payload[0] != byte(i) {
			t.Errorf("Request %d got payload %v", i, resp.Payload)
		}
		if _, ok := rec.Timeline()[StagePipelined]; !ok {
			t.Errorf("Request %d was not pipelined behind the negotiation", i)
		}
	}
}

func TestChannelNegotiate(t *testing.T) {
	ch, _ := newTestChannel(t, testOptions(), server.DefaultConfig(""), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	session, err := ch.Negotiate(ctx)
	if err != nil {
		t.Fatalf("Failed to negotiate: %v", err)
	}
	if session.ClientVersion != common.DefaultClientVersion || session.Status != 200 {
		t.Errorf("Unexpected session %s", session)
	}

	// Negotiating again returns the same context without a new exchange
	again, err := ch.Negotiate(ctx)
	if err != nil || again != session {
		t.Errorf("Expected the cached session, got %v (%v)", again, err)
	}
}

func TestChannelStatusError(t *testing.T) {
	ch, _ := newTestChannel(t, testOptions(), server.DefaultConfig(""), server.StatusHandler(429, 3200))

	rec, err := ch.Request(context.Background(), readRequest("docs/1"))
	if err != nil {
		t.Fatalf("Failed to issue request: %v", err)
	}
	_, err = waitRecord(t, rec)

	var statusErr *common.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Expected a StatusError, got %v", err)
	}
	if statusErr.Status != 429 || statusErr.SubStatus != 3200 {
		t.Errorf("Unexpected status %d/%d", statusErr.Status, statusErr.SubStatus)
	}
	if _, ok := statusErr.Response.(*frame.StoreResponse); !ok {
		t.Errorf("Expected the response to be attached, got %T", statusErr.Response)
	}
	if !ch.IsActive() {
		t.Error("An error status must not close the channel")
	}
}

func TestChannelRejectsInvalidHeader(t *testing.T) {
	ch, _ := newTestChannel(t, testOptions(), server.DefaultConfig(""), nil)

	_, err := ch.Request(context.Background(), readRequest("docs/1").WithHeader(frame.RequestPageSize, "ten"))
	if !errors.Is(err, common.ErrProtocol) {
		t.Fatalf("Expected a protocol error, got %v", err)
	}
	if n := ch.PendingRequestCount(); n != 0 {
		t.Errorf("Invalid requests must not be registered, got %d pending", n)
	}
}

// --------------------------------------------------------------------------
// Timeouts
// --------------------------------------------------------------------------

func TestChannelRequestTimeoutKeepsConnection(t *testing.T) {
	opts := testOptions()
	opts.RequestTimeout = 100 * time.Millisecond

	handler := func(req *frame.Request) *frame.Response {
		if path, _ := token.As[string](req.Headers.Get(frame.RequestReplicaPath)); path == "slow" {
			return nil
		}
		return server.EchoHandler(req)
	}
	ch, _ := newTestChannel(t, opts, server.DefaultConfig(""), handler)

	rec, err := ch.Request(context.Background(), readRequest("slow"))
	if err != nil {
		t.Fatalf("Failed to issue request: %v", err)
	}
	_, err = waitRecord(t, rec)

	var timeoutErr *common.RequestTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected a RequestTimeoutError, got %v", err)
	}
	if timeoutErr.Elapsed < opts.RequestTimeout {
		t.Errorf("Timed out after %s, before the request timeout", timeoutErr.Elapsed)
	}

	if !ch.IsActive() {
		t.Fatal("A request timeout must not close the channel")
	}
	rec, err = ch.Request(context.Background(), readRequest("fast"))
	if err != nil {
		t.Fatalf("Failed to issue request: %v", err)
	}
	if _, err := waitRecord(t, rec); err != nil {
		t.Errorf("Expected the channel to keep serving, got %v", err)
	}
}

func TestChannelHandshakeTimeout(t *testing.T) {
	opts := testOptions()
	opts.HandshakeTimeout = 100 * time.Millisecond

	cfg := server.DefaultConfig("")
	cfg.ContextDelay = 2 * time.Second
	ch, _ := newTestChannel(t, opts, cfg, nil)

	rec, err := ch.Request(context.Background(), readRequest("docs/1"))
	if err != nil {
		t.Fatalf("Failed to issue request: %v", err)
	}
	_, err = waitRecord(t, rec)

	var gone *common.GoneError
	if !errors.As(err, &gone) {
		t.Fatalf("Expected a GoneError, got %v", err)
	}
	select {
	case <-ch.Closed():
	case <-time.After(time.Second):
		t.Fatal("Expected the channel to close after the handshake timeout")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	ch, _ := newTestChannel(t, testOptions(), server.DefaultConfig(""), server.SilentHandler)

	rec, err := ch.Request(context.Background(), readRequest("docs/1"))
	if err != nil {
		t.Fatalf("Failed to issue request: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := rec.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected the context error, got %v", err)
	}
	if n := ch.PendingRequestCount(); n != 0 {
		t.Errorf("Expected the abandoned request to be removed, got %d pending", n)
	}
}

// --------------------------------------------------------------------------
// Failures
// --------------------------------------------------------------------------

func TestChannelNegotiationFailure(t *testing.T) {
	cfg := server.DefaultConfig("")
	cfg.RequiredClientVersion = "9.9"
	cfg.RequiredProtocolVersion = 7
	ch, _ := newTestChannel(t, testOptions(), cfg, nil)

	rec, err := ch.Request(context.Background(), readRequest("docs/1"))
	if err != nil {
		t.Fatalf("Failed to issue request: %v", err)
	}
	_, err = waitRecord(t, rec)

	var negErr *common.NegotiationError
	if !errors.As(err, &negErr) {
		t.Fatalf("Expected a NegotiationError, got %v", err)
	}
	if negErr.Status != 400 || negErr.RequiredClientVersion != "9.9" || negErr.RequiredProtocolVersion != 7 {
		t.Errorf("Missing diagnostics in %v", negErr)
	}

	select {
	case <-ch.Closed():
	case <-time.After(time.Second):
		t.Fatal("Expected the channel to close after a failed negotiation")
	}
	if _, err := ch.Request(context.Background(), readRequest("docs/2")); err == nil {
		t.Error("Expected requests on a failed channel to be rejected")
	}
}

func TestChannelCloseFailsPending(t *testing.T) {
	opts := testOptions()
	opts.RequestTimeout = time.Minute
	ch, _ := newTestChannel(t, opts, server.DefaultConfig(""), server.SilentHandler)

	var records []*RequestRecord
	for i := 0; i < 3; i++ {
		rec, err := ch.Request(context.Background(), readRequest("docs/1"))
		if err != nil {
			t.Fatalf("Failed to issue request: %v", err)
		}
		records = append(records, rec)
	}

	ch.Close()

	for i, rec := range records {
		_, err := waitRecord(t, rec)
		var gone *common.GoneError
		if !errors.As(err, &gone) {
			t.Errorf("Request %d: expected a GoneError, got %v", i, err)
		}
		if !errors.Is(err, common.ErrChannelClosed) {
			t.Errorf("Request %d: expected the close reason to be wrapped, got %v", i, err)
		}
	}
	if ch.IsActive() {
		t.Error("Channel should be inactive after Close")
	}

	_, err := ch.Request(context.Background(), readRequest("docs/2"))
	var gone *common.GoneError
	if !errors.As(err, &gone) {
		t.Errorf("Expected a GoneError for requests after close, got %v", err)
	}
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	ch, _ := newTestChannel(t, testOptions(), server.DefaultConfig(""), server.EchoHandler)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch.Close()
		}()
	}
	wg.Wait()

	ch.CloseWithError(errors.New("second reason"))
	if err := ch.Close(); err != nil {
		t.Errorf("Close returned %v", err)
	}
	if !errors.Is(ch.Err(), common.ErrChannelClosed) {
		t.Errorf("Expected the first close reason to stick, got %v", ch.Err())
	}
}

func TestRequestRacingCloseDoesNotWaitForTimeout(t *testing.T) {
	opts := testOptions()
	opts.RequestTimeout = time.Minute

	for i := 0; i < 50; i++ {
		ch, _ := newTestChannel(t, opts, server.DefaultConfig(""), server.SilentHandler)

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ch.Close()
		}()

		close(start)
		rec, err := ch.Request(context.Background(), readRequest("docs/1"))
		wg.Wait()
		if err != nil {
			var gone *common.GoneError
			if !errors.As(err, &gone) {
				t.Fatalf("Iteration %d: expected a GoneError, got %v", i, err)
			}
			continue
		}

		select {
		case <-rec.Done():
		case <-time.After(time.Second):
			t.Fatalf("Iteration %d: request outlived its closed channel: %s", i, rec)
		}
		if _, err := rec.Result(); !errors.Is(err, common.ErrChannelClosed) {
			t.Fatalf("Iteration %d: expected the close reason, got %v", i, err)
		}
	}
}

func TestChannelPeerClose(t *testing.T) {
	client, srv := net.Pipe()
	requestSeen := make(chan struct{})
	fakeReplica(t, srv, 200, func(r *frame.Reader, conn net.Conn) {
		if _, err := r.ReadRequest(); err == nil {
			close(requestSeen)
		}
		// returning closes the connection
	})

	ch := newPipeChannel(t, testOptions(), client)
	rec, err := ch.Request(context.Background(), readRequest("docs/1"))
	if err != nil {
		t.Fatalf("Failed to issue request: %v", err)
	}
	<-requestSeen

	_, err = waitRecord(t, rec)
	var gone *common.GoneError
	if !errors.As(err, &gone) {
		t.Fatalf("Expected a GoneError, got %v", err)
	}
	select {
	case <-ch.Closed():
	case <-time.After(time.Second):
		t.Fatal("Expected the channel to close when the peer hangs up")
	}
}

func TestChannelCorruptedFrame(t *testing.T) {
	client, srv := net.Pipe()
	fakeReplica(t, srv, 200, func(r *frame.Reader, conn net.Conn) {
		if _, err := r.ReadRequest(); err != nil {
			return
		}
		// a frame shorter than its fixed header
		_, _ = conn.Write([]byte{5, 0, 0, 0, 0xFF})
		time.Sleep(time.Second)
	})

	ch := newPipeChannel(t, testOptions(), client)
	rec, err := ch.Request(context.Background(), readRequest("docs/1"))
	if err != nil {
		t.Fatalf("Failed to issue request: %v", err)
	}
	_, err = waitRecord(t, rec)

	var corrupted *common.CorruptedFrameError
	if !errors.As(err, &corrupted) {
		t.Fatalf("Expected the corrupted frame error to be wrapped, got %v", err)
	}
	if ch.IsActive() {
		t.Error("A corrupted frame must close the channel")
	}
}

// --------------------------------------------------------------------------
// Request manager
// --------------------------------------------------------------------------

func TestRecordCompletesExactlyOnce(t *testing.T) {
	rt := timer.NewRequestTimer(time.Millisecond)
	defer rt.Stop()

	for i := 0; i < 200; i++ {
		m := newRequestManager(testAddress, rt, time.Millisecond, time.Now())
		rec, _, err := m.register(readRequest("docs/1"))
		if err != nil {
			t.Fatalf("Failed to register: %v", err)
		}

		resp := frame.NewResponse(rec.ActivityID, rec.TransportID, 200)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); m.complete(resp) }()
		go func() { defer wg.Done(); m.failAll(common.ErrChannelClosed) }()
		wg.Wait()

		// the 1ms timeout may have won as well, but only one outcome is visible
		got, err := waitRecord(t, rec)
		if (got == nil) == (err == nil) {
			t.Fatalf("Expected exactly one of response and error, got %v and %v", got, err)
		}
		if m.PendingRequestCount() != 0 {
			t.Fatalf("Expected the record to be removed, got %d pending", m.PendingRequestCount())
		}
	}
}

func TestRecordKeepsLateStages(t *testing.T) {
	rec := newRequestRecord(1, uuid.New(), testAddress, readRequest("docs/1"), nil)

	// the reader may complete a request before the writer marks it sent
	rec.advance(StageReceived)
	rec.complete(frame.NewStoreResponse(frame.NewResponse(rec.ActivityID, rec.TransportID, 200)))
	rec.advance(StageSent)

	if s := rec.Stage(); s != StageCompleted {
		t.Errorf("Expected stage Completed, got %s", s)
	}
	timeline := rec.Timeline()
	for _, s := range []Stage{StageQueued, StageSent, StageReceived, StageCompleted} {
		if _, ok := timeline[s]; !ok {
			t.Errorf("Expected stage %s in timeline %v", s, timeline)
		}
	}
	if _, ok := timeline[StagePipelined]; ok {
		t.Error("Pipelined was never reached")
	}

	first := timeline[StageSent]
	rec.advance(StageSent)
	if !rec.Timeline()[StageSent].Equal(first) {
		t.Error("A repeated stage must keep its first time")
	}
}

func TestLateResponseIsDropped(t *testing.T) {
	rt := timer.NewRequestTimer(time.Millisecond)
	defer rt.Stop()

	m := newRequestManager(testAddress, rt, 10*time.Millisecond, time.Now())
	rec, _, err := m.register(readRequest("docs/1"))
	if err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	_, err = waitRecord(t, rec)
	var timeoutErr *common.RequestTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected a timeout, got %v", err)
	}

	// neither the late response nor a health check answer affect anything
	m.complete(frame.NewResponse(rec.ActivityID, rec.TransportID, 200))
	m.complete(frame.NewResponse(rec.ActivityID, frame.HealthCheckRequestID, 200))
	if _, err := rec.Result(); !errors.As(err, &timeoutErr) {
		t.Errorf("Late response changed the outcome to %v", err)
	}
}

func TestTransportIDsSkipHealthCheckID(t *testing.T) {
	m := newRequestManager(testAddress, nil, time.Second, time.Now())
	m.nextID.Store(^uint32(0))
	if id := m.nextTransportID(); id == frame.HealthCheckRequestID {
		t.Errorf("Transport id wrapped onto the health check id")
	}
}

func TestFailAllPassesNegotiationErrors(t *testing.T) {
	rt := timer.NewRequestTimer(time.Millisecond)
	defer rt.Stop()

	m := newRequestManager(testAddress, rt, time.Minute, time.Now())
	rec, _, err := m.register(readRequest("docs/1"))
	if err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	negErr := &common.NegotiationError{Address: testAddress, Status: 400}
	if n := m.failAll(negErr); n != 1 {
		t.Errorf("Expected 1 failed record, got %d", n)
	}
	if _, err := rec.Result(); err != negErr {
		t.Errorf("Expected the negotiation error as is, got %v", err)
	}

	// registrations after failAll fail right away
	rec, _, err = m.register(readRequest("docs/2"))
	if err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	var gone *common.GoneError
	if _, err := rec.Result(); !rec.IsCompleted() || !errors.As(err, &gone) {
		t.Errorf("Expected a completed record with GoneError, got %v", err)
	}
}
