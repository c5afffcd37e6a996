package notary

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPSinkSubmit(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(map[string]string{"sequence_ref": "ledger-7"}) //nolint:errcheck
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL, time.Second)
	ref, err := sink.Submit(context.Background(), []byte(`{"id":"e1"}`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ref != "ledger-7" {
		t.Errorf("ref = %q", ref)
	}
	if string(got) != `{"id":"e1"}` {
		t.Errorf("server received %q", got)
	}
}

func TestHTTPSinkErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewHTTPSink(srv.URL, time.Second).Submit(context.Background(), []byte("{}")); err == nil {
		t.Error("expected error for 503")
	}
}

func TestHTTPSinkRespectsDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := NewHTTPSink(srv.URL, 10*time.Second).Submit(ctx, []byte("{}")); err == nil {
		t.Error("expected deadline error")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("submit did not honour context deadline")
	}
}

func TestLogSinkSequences(t *testing.T) {
	var s LogSink
	a, _ := s.Submit(context.Background(), []byte("a"))
	b, _ := s.Submit(context.Background(), []byte("b"))
	if a != "log:1" || b != "log:2" {
		t.Errorf("refs = %q, %q", a, b)
	}
}
