package catalog

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPRegisterBatch(t *testing.T) {
	var got Registration
	var gotAuth, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c, err := NewHTTP(server.URL+"/api/", "secret", time.Second, testLogger())
	if err != nil {
		t.Fatalf("NewHTTP() failed: %v", err)
	}

	reg := Registration{
		BatchID: "b-1",
		Parts:   []Part{{Index: 0, Name: "0000.tar", Algorithm: "SHA-256", Checksum: "abc"}},
		Items: []Item{{
			DatasetID:      "doi:10.5072/FK2",
			DatasetVersion: "1.0",
			BagID:          "urn:uuid:aabbccdd-1122-3344-5566-778899aabbcc",
			ObjectID:       "urn:uuid:aa/bb/cc/dd-1122-3344-5566-778899aabbcc",
			Size:           42,
		}},
	}
	if err := c.RegisterBatch(context.Background(), reg); err != nil {
		t.Fatalf("RegisterBatch() failed: %v", err)
	}

	if gotPath != "/api/batches/b-1" {
		t.Errorf("path = %q, want /api/batches/b-1", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if got.BatchID != "b-1" || len(got.Parts) != 1 || len(got.Items) != 1 || got.Items[0].Size != 42 {
		t.Errorf("registration = %+v", got)
	}
}

func TestHTTPRegisterBatchError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "catalog is read-only", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c, err := NewHTTP(server.URL, "", time.Second, testLogger())
	if err != nil {
		t.Fatalf("NewHTTP() failed: %v", err)
	}
	err = c.RegisterBatch(context.Background(), Registration{BatchID: "b-1"})
	if err == nil {
		t.Fatal("RegisterBatch() succeeded on 503")
	}
	if !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "read-only") {
		t.Errorf("error = %v", err)
	}
}

func TestNewHTTPValidation(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		token   string
		wantErr bool
	}{
		{"https with token", "https://catalog.example.org", "t", false},
		{"loopback http with token", "http://127.0.0.1:8080", "t", false},
		{"remote http without token", "http://catalog.example.org", "", false},
		{"remote http with token", "http://catalog.example.org", "t", true},
		{"userinfo", "https://user:pw@catalog.example.org", "", true},
		{"ftp", "ftp://catalog.example.org", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHTTP(tt.url, tt.token, time.Second, testLogger())
			if (err != nil) != tt.wantErr {
				t.Errorf("NewHTTP(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestNoop(t *testing.T) {
	if err := NewNoop(testLogger()).RegisterBatch(context.Background(), Registration{BatchID: "b"}); err != nil {
		t.Errorf("Noop.RegisterBatch() = %v", err)
	}
}
