package common

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDefaultOptionsAreValid(t *testing.T) {
	opts := DefaultOptions()
	if err := opts.Validate(); err != nil {
		t.Fatalf("Default options should be valid: %v", err)
	}
	if opts.EffectiveHandshakeTimeout() != opts.ConnectionTimeout {
		t.Errorf("Handshake timeout should default to the connection timeout")
	}
}

func TestValidateRejectsDelayLimitsBelowGracePeriods(t *testing.T) {
	tests := []struct {
		name   string
		modify func(o *Options)
	}{
		{"read limit equals grace", func(o *Options) { o.ReceiveHangDetectionTime = o.ReadHangGracePeriod }},
		{"read limit below grace", func(o *Options) { o.ReceiveHangDetectionTime = time.Second }},
		{"write limit equals grace", func(o *Options) { o.SendHangDetectionTime = o.WriteHangGracePeriod }},
		{"write limit below grace", func(o *Options) { o.SendHangDetectionTime = time.Millisecond }},
		{"no channels", func(o *Options) { o.MaxChannelsPerEndpoint = 0 }},
		{"no requests", func(o *Options) { o.MaxRequestsPerChannel = 0 }},
		{"no request timeout", func(o *Options) { o.RequestTimeout = 0 }},
		{"long user agent", func(o *Options) { o.UserAgent = strings.Repeat("a", 256) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.modify(&opts)
			if err := opts.Validate(); err == nil {
				t.Errorf("Expected validation error")
			}
		})
	}
}

func TestBufferPoolSize(t *testing.T) {
	opts := DefaultOptions()
	if got := opts.BufferPoolSize(); got != 1024 {
		t.Errorf("Expected 1024 buffers, got %d", got)
	}
	opts.MaxBufferCapacity = 10
	opts.BufferPageSize = 100
	if got := opts.BufferPoolSize(); got != 1 {
		t.Errorf("Expected at least one buffer, got %d", got)
	}
}

func TestOptionsString(t *testing.T) {
	opts := DefaultOptions()
	s := opts.String()
	for _, section := range []string{"POOL", "TIMEOUTS", "HEALTH", "CONTEXT", "SOCKET", "LOGGING"} {
		if !strings.Contains(s, section) {
			t.Errorf("Expected section %s in %q", section, s)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "warning", "error", ""} {
		if _, err := ParseLogLevel(level); err != nil {
			t.Errorf("Level %q should be accepted: %v", level, err)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Errorf("Level verbose should be rejected")
	}
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	gone := &GoneError{Address: "127.0.0.1:1", Err: cause}
	if !errors.Is(gone, cause) {
		t.Errorf("GoneError should unwrap to its cause")
	}

	err := ProtocolErrorf("value %d too large", 300)
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("Protocol errors should wrap ErrProtocol")
	}

	var timeout *RequestTimeoutError
	wrapped := error(&RequestTimeoutError{Elapsed: time.Second})
	if !errors.As(wrapped, &timeout) || !timeout.Timeout() {
		t.Errorf("RequestTimeoutError should report a timeout")
	}
}
