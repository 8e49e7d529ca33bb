package serve

import (
	"testing"

	"github.com/ValentinKolb/rntbd/rntbd/frame"
)

func TestParseHandler(t *testing.T) {
	tests := []struct {
		name      string
		status    int32
		subStatus uint32
		silent    bool
		wantErr   bool
	}{
		{name: "echo", status: 200},
		{name: "store", status: 404}, // empty store
		{name: "silent", silent: true},
		{name: "status=429/3200", status: 429, subStatus: 3200},
		{name: "status=503", status: 503},
		{name: "status=abc", wantErr: true},
		{name: "http", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, err := ParseHandler(tt.name)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			req, err := frame.NewRequest(frame.NewServiceRequest(frame.OperationRead, frame.ResourceDocument, "docs/1"), 1)
			if err != nil {
				t.Fatalf("Failed to build request: %v", err)
			}
			resp := handler(req)
			if tt.silent {
				if resp != nil {
					t.Errorf("Expected no response, got %s", resp)
				}
				return
			}
			if resp == nil {
				t.Fatal("Expected a response")
			}
			if resp.Status != tt.status || resp.SubStatus != tt.subStatus {
				t.Errorf("Expected %d/%d, got %d/%d", tt.status, tt.subStatus, resp.Status, resp.SubStatus)
			}
		})
	}
}
