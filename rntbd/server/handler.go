package server

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rntbd/rntbd/frame"
	"github.com/ValentinKolb/rntbd/rntbd/token"
	"github.com/puzpuzpuz/xsync/v3"
)

// Handler answers one application request. Returning nil leaves the request
// unanswered. The activity and transport request id of the response are
// filled in by the server.
type Handler func(req *frame.Request) *frame.Response

// EchoHandler answers every request with status 200 and the request payload
func EchoHandler(req *frame.Request) *frame.Response {
	resp := frame.NewResponse(req.ActivityID, 0, 200)
	resp.Payload = req.Payload
	return resp
}

// StatusHandler answers every request with the given status and sub-status
func StatusHandler(status int32, subStatus uint32) Handler {
	return func(req *frame.Request) *frame.Response {
		resp := frame.NewResponse(req.ActivityID, 0, status)
		resp.SubStatus = subStatus
		return resp
	}
}

// SilentHandler never answers (requests run into their timeout)
func SilentHandler(*frame.Request) *frame.Response { return nil }

// DelayHandler wraps next and delays every answer by d
func DelayHandler(d time.Duration, next Handler) Handler {
	return func(req *frame.Request) *frame.Response {
		time.Sleep(d)
		return next(req)
	}
}

// --------------------------------------------------------------------------
// Document store
// --------------------------------------------------------------------------

type document struct {
	body []byte
	lsn  int64
}

// DocumentStore is an in-memory replica keyed by the replica path of the
// request. Every write gets a unique, increasing LSN which is returned as
// LSN header and ETag.
type DocumentStore struct {
	docs *xsync.MapOf[string, document]
	lsn  atomic.Int64
}

// NewDocumentStore creates an empty store
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: xsync.NewMapOf[string, document]()}
}

// Len returns the number of stored documents
func (d *DocumentStore) Len() int {
	return d.docs.Size()
}

// Handle implements Handler
func (d *DocumentStore) Handle(req *frame.Request) *frame.Response {
	path, err := token.As[string](req.Headers.Get(frame.RequestReplicaPath))
	if err != nil || path == "" {
		return d.respond(req, 400, nil, 0)
	}

	switch req.OperationType {
	case frame.OperationCreate:
		lsn := d.lsn.Add(1)
		if _, loaded := d.docs.LoadOrStore(path, document{body: req.Payload, lsn: lsn}); loaded {
			return d.respond(req, 409, nil, 0)
		}
		return d.respond(req, 201, req.Payload, lsn)

	case frame.OperationUpsert:
		lsn := d.lsn.Add(1)
		d.docs.Store(path, document{body: req.Payload, lsn: lsn})
		return d.respond(req, 200, req.Payload, lsn)

	case frame.OperationReplace, frame.OperationPatch:
		var lsn int64
		_, ok := d.docs.Compute(path, func(old document, loaded bool) (document, bool) {
			if !loaded {
				return old, true
			}
			lsn = d.lsn.Add(1)
			return document{body: req.Payload, lsn: lsn}, false
		})
		if !ok {
			return d.respond(req, 404, nil, 0)
		}
		return d.respond(req, 200, req.Payload, lsn)

	case frame.OperationRead, frame.OperationHead:
		doc, ok := d.docs.Load(path)
		if !ok {
			return d.respond(req, 404, nil, 0)
		}
		if req.OperationType == frame.OperationHead {
			return d.respond(req, 200, nil, doc.lsn)
		}
		return d.respond(req, 200, doc.body, doc.lsn)

	case frame.OperationDelete:
		doc, ok := d.docs.LoadAndDelete(path)
		if !ok {
			return d.respond(req, 404, nil, 0)
		}
		return d.respond(req, 204, nil, doc.lsn)

	default:
		return d.respond(req, 405, nil, 0)
	}
}

func (d *DocumentStore) respond(req *frame.Request, status int32, body []byte, lsn int64) *frame.Response {
	resp := frame.NewResponse(req.ActivityID, 0, status)
	resp.Payload = body
	_ = resp.Headers.Set(frame.ResponseRequestCharge, requestCharge(req, body))
	_ = resp.Headers.Set(frame.ResponseServerDateTimeUtc, time.Now().UTC().Format(time.RFC1123))
	if lsn > 0 {
		_ = resp.Headers.Set(frame.ResponseLSN, lsn)
		_ = resp.Headers.Set(frame.ResponseETag, strconv.Quote(fmt.Sprintf("%016x", lsn)))
		_ = resp.Headers.Set(frame.ResponseSessionToken, fmt.Sprintf("0:%d", lsn))
	}
	return resp
}

// requestCharge is a made-up cost model: one unit per started KiB, writes cost five times more
func requestCharge(req *frame.Request, body []byte) float64 {
	size := len(req.Payload)
	if len(body) > size {
		size = len(body)
	}
	charge := float64(size/1024 + 1)
	if req.OperationType.IsWrite() {
		charge *= 5
	}
	return charge
}
