package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/ValentinKolb/rntbd/rntbd/token"
	"github.com/google/uuid"
)

const testMaxLength = 1 << 20

func newTestReader(b []byte) *Reader {
	return NewReader(bytes.NewReader(b), testMaxLength)
}

// --------------------------------------------------------------------------
// Context negotiation frames
// --------------------------------------------------------------------------

func TestContextNegotiationRoundTrip(t *testing.T) {
	req := NewContextRequest(1, "1.0", "rntbd-test/1.0")

	var buf bytes.Buffer
	if err := req.Encode(&buf); err != nil {
		t.Fatalf("Failed to encode context request: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf.Bytes()[:4]); int(got) != buf.Len() {
		t.Errorf("Length prefix %d does not match frame size %d", got, buf.Len())
	}

	decoded, err := newTestReader(buf.Bytes()).ReadContextRequest()
	if err != nil {
		t.Fatalf("Failed to decode context request: %v", err)
	}
	if *decoded != *req {
		t.Errorf("Expected %s, got %s", req, decoded)
	}

	// Server answers with 200, echoing the client version
	resp := &ContextResponse{
		ResponseStatus:                  ResponseStatus{Status: 200, ActivityID: decoded.ActivityID},
		ProtocolVersion:                 decoded.ProtocolVersion,
		ClientVersion:                   decoded.ClientVersion,
		ServerAgent:                     "replica",
		ServerVersion:                   "2.0",
		IdleTimeoutInSeconds:            1800,
		UnauthenticatedTimeoutInSeconds: 30,
	}
	buf.Reset()
	if err := resp.Encode(&buf); err != nil {
		t.Fatalf("Failed to encode context response: %v", err)
	}

	decodedResp, err := newTestReader(buf.Bytes()).ReadContextResponse()
	if err != nil {
		t.Fatalf("Failed to decode context response: %v", err)
	}
	ctx, err := decodedResp.Establish("replica:10250")
	if err != nil {
		t.Fatalf("Expected an established context, got %v", err)
	}
	if ctx.ClientVersion != "1.0" {
		t.Errorf("Expected client version 1.0, got %q", ctx.ClientVersion)
	}
	if ctx.IdleTimeout < 0 {
		t.Errorf("Idle timeout must not be negative, got %s", ctx.IdleTimeout)
	}
	if ctx.ActivityID != req.ActivityID || ctx.ProtocolVersion != 1 || ctx.ServerAgent != "replica" {
		t.Errorf("Unexpected session context %s", ctx)
	}
}

func TestContextNegotiationFailure(t *testing.T) {
	resp := &ContextResponse{
		ResponseStatus:          ResponseStatus{Status: 400, ActivityID: uuid.New()},
		ServerAgent:             "replica",
		ServerVersion:           "2.0",
		RequiredClientVersion:   "2.0",
		RequiredProtocolVersion: 3,
	}

	var buf bytes.Buffer
	if err := resp.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	decoded, err := newTestReader(buf.Bytes()).ReadContextResponse()
	if err != nil {
		t.Fatal(err)
	}

	_, err = decoded.Establish("replica:10250")
	var negotiation *common.NegotiationError
	if !errors.As(err, &negotiation) {
		t.Fatalf("Expected negotiation error, got %v", err)
	}
	if negotiation.Status != 400 || negotiation.RequiredClientVersion != "2.0" || negotiation.RequiredProtocolVersion != 3 {
		t.Errorf("Negotiation error lacks diagnostics: %+v", negotiation)
	}
}

func TestContextResponseMissingServerAgent(t *testing.T) {
	// Hand-built frame without the required ServerAgent/ServerVersion headers,
	// Encode refuses to produce one
	var tokens bytes.Buffer
	tokens.Write([]byte{byte(ContextProtocolVersion), 0x00, byte(token.TypeULong), 1, 0, 0, 0})

	var buf bytes.Buffer
	var fixed [FixedHeaderLength]byte
	ResponseStatus{Status: 200, ActivityID: uuid.New()}.put(&fixed)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(MinFrameLength+tokens.Len()))
	buf.Write(fixed[:])
	buf.Write(tokens.Bytes())

	_, err := newTestReader(buf.Bytes()).ReadContextResponse()
	var corrupted *common.CorruptedFrameError
	if !errors.As(err, &corrupted) {
		t.Errorf("Expected corrupted frame error, got %v", err)
	}
}

func TestReadContextRequestRejectsApplicationRequest(t *testing.T) {
	req, err := NewRequest(NewServiceRequest(OperationRead, ResourceDocument, "dbs/a"), 1)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := req.Encode(&buf); err != nil {
		t.Fatal(err)
	}

	_, err = newTestReader(buf.Bytes()).ReadContextRequest()
	var corrupted *common.CorruptedFrameError
	if !errors.As(err, &corrupted) {
		t.Errorf("Expected corrupted frame error, got %v", err)
	}
}

// --------------------------------------------------------------------------
// Request / Response frames
// --------------------------------------------------------------------------

func TestRequestRoundTrip(t *testing.T) {
	sr := NewServiceRequest(OperationCreate, ResourceDocument, "dbs/db/colls/c").
		WithHeader(RequestSessionToken, "0:1#42").
		WithHeader(RequestPageSize, uint32(100)).
		WithPayload([]byte(`{"id":"1"}`))

	req, err := NewRequest(sr, 17)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}

	var buf bytes.Buffer
	if err := req.Encode(&buf); err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	decoded, err := newTestReader(buf.Bytes()).ReadRequest()
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}

	id, _ := decoded.TransportRequestID()
	if id != 17 {
		t.Errorf("Expected transport id 17, got %d", id)
	}
	if decoded.ActivityID != sr.ActivityID || decoded.OperationType != OperationCreate || decoded.ResourceType != ResourceDocument {
		t.Errorf("Fixed header mismatch: %s", decoded)
	}
	if !bytes.Equal(decoded.Payload, sr.Payload) {
		t.Errorf("Payload mismatch: %q", decoded.Payload)
	}
	path, _ := token.As[string](decoded.Headers.Get(RequestReplicaPath))
	if path != "dbs/db/colls/c" {
		t.Errorf("Expected replica path, got %q", path)
	}
	session, _ := token.As[string](decoded.Headers.Get(RequestSessionToken))
	if session != "0:1#42" {
		t.Errorf("Expected session token, got %q", session)
	}
}

func TestRequestWithoutPayload(t *testing.T) {
	req, err := NewRequest(NewServiceRequest(OperationRead, ResourceDocument, ""), 3)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := req.Encode(&buf); err != nil {
		t.Fatal(err)
	}

	// The frame must end right after the tokens
	if got := binary.LittleEndian.Uint32(buf.Bytes()[:4]); int(got) != buf.Len() {
		t.Errorf("Frame without payload should be exactly %d bytes, got %d", got, buf.Len())
	}

	decoded, err := newTestReader(buf.Bytes()).ReadRequest()
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Payload != nil {
		t.Errorf("Expected no payload, got %d bytes", len(decoded.Payload))
	}
}

func TestNewRequestRejectsInvalidHeader(t *testing.T) {
	sr := NewServiceRequest(OperationRead, ResourceDocument, "").WithHeader(RequestPageSize, "100")
	if _, err := NewRequest(sr, 1); !errors.Is(err, common.ErrProtocol) {
		t.Errorf("Expected protocol error, got %v", err)
	}
}

func TestHealthCheckRequest(t *testing.T) {
	req := NewHealthCheckRequest()
	if !req.IsHealthCheck() {
		t.Fatalf("Expected a health check request")
	}

	var buf bytes.Buffer
	if err := req.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	decoded, err := newTestReader(buf.Bytes()).ReadRequest()
	if err != nil {
		t.Fatal(err)
	}
	id, _ := decoded.TransportRequestID()
	if !decoded.IsHealthCheck() || id != HealthCheckRequestID {
		t.Errorf("Decoded probe mismatch: %s", decoded)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	activity := uuid.New()
	resp := NewResponse(activity, 99, 429)
	resp.SubStatus = 3200
	resp.Payload = []byte("throttled")
	if err := resp.Headers.Set(ResponseRetryAfterMilliseconds, uint32(250)); err != nil {
		t.Fatal(err)
	}
	if err := resp.Headers.Set(ResponseRequestCharge, 2.5); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := resp.Encode(&buf); err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	decoded, err := newTestReader(buf.Bytes()).ReadResponse()
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if decoded.TransportRequestID != 99 || decoded.Status != 429 || decoded.SubStatus != 3200 || decoded.ActivityID != activity {
		t.Errorf("Unexpected response %s", decoded)
	}

	store := NewStoreResponse(decoded)
	if store.IsSuccess() {
		t.Errorf("429 must not be a success")
	}
	retry, err := store.Header(ResponseRetryAfterMilliseconds)
	if err != nil || retry != uint32(250) {
		t.Errorf("Expected retry-after 250, got %v (%v)", retry, err)
	}
	etag, err := store.Header(ResponseETag)
	if err != nil || etag != nil {
		t.Errorf("Absent header should be nil, got %v (%v)", etag, err)
	}
	if string(store.Payload) != "throttled" {
		t.Errorf("Payload mismatch: %q", store.Payload)
	}
}

func TestConsecutiveFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	for i := uint32(1); i <= 3; i++ {
		resp := NewResponse(uuid.New(), i, 200)
		if i%2 == 1 {
			resp.Payload = bytes.Repeat([]byte{byte(i)}, int(i)*10)
		}
		if err := resp.Encode(&buf); err != nil {
			t.Fatal(err)
		}
	}

	fr := newTestReader(buf.Bytes())
	for i := uint32(1); i <= 3; i++ {
		resp, err := fr.ReadResponse()
		if err != nil {
			t.Fatalf("Frame %d: %v", i, err)
		}
		if resp.TransportRequestID != i {
			t.Errorf("Expected id %d, got %d", i, resp.TransportRequestID)
		}
	}
	if _, err := fr.ReadResponse(); err != io.EOF {
		t.Errorf("Expected EOF after the last frame, got %v", err)
	}
}

// --------------------------------------------------------------------------
// Corrupted frames
// --------------------------------------------------------------------------

func TestCorruptedFrames(t *testing.T) {
	valid := func() []byte {
		var buf bytes.Buffer
		if err := NewResponse(uuid.New(), 1, 200).Encode(&buf); err != nil {
			t.Fatal(err)
		}
		return buf.Bytes()
	}

	tests := []struct {
		name   string
		mutate func(b []byte) []byte
	}{
		{"length below minimum", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b, MinFrameLength-1)
			return b
		}},
		{"length above maximum", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b, testMaxLength+1)
			return b
		}},
		{"status below 100", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[4:], 99)
			return b
		}},
		{"status above 599", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[4:], 600)
			return b
		}},
		{"truncated token", func(b []byte) []byte {
			n := binary.LittleEndian.Uint32(b)
			binary.LittleEndian.PutUint32(b, n-1)
			return b[:n-1]
		}},
	}

	for _, tt := range tests {
		_, err := newTestReader(tt.mutate(valid())).ReadResponse()
		var corrupted *common.CorruptedFrameError
		if !errors.As(err, &corrupted) {
			t.Errorf("%s: expected corrupted frame error, got %v", tt.name, err)
		}
	}
}

func TestEncodeRejectsInvalidStatus(t *testing.T) {
	var buf bytes.Buffer
	err := NewResponse(uuid.New(), 1, 42).Encode(&buf)
	if !errors.Is(err, common.ErrProtocol) || buf.Len() != 0 {
		t.Errorf("Expected protocol error without output, got %v (%d bytes)", err, buf.Len())
	}
}

// --------------------------------------------------------------------------
// Benchmarks
// --------------------------------------------------------------------------

func BenchmarkRequestEncode(b *testing.B) {
	sr := NewServiceRequest(OperationRead, ResourceDocument, "dbs/db/colls/c/docs/d").
		WithHeader(RequestSessionToken, "0:1#42").
		WithPayload(make([]byte, 512))

	var buf bytes.Buffer
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req, err := NewRequest(sr, uint32(i))
		if err != nil {
			b.Fatal(err)
		}
		buf.Reset()
		if err := req.Encode(&buf); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkResponseDecode(b *testing.B) {
	resp := NewResponse(uuid.New(), 1, 200)
	resp.Payload = make([]byte, 512)
	var buf bytes.Buffer
	_ = resp.Encode(&buf)
	data := buf.Bytes()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := newTestReader(data).ReadResponse(); err != nil {
			b.Fatal(err)
		}
	}
}
