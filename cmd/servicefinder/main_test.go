package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLookupClientGivesUpOnHungService(t *testing.T) {
	c := newLookupClient()
	if c.Timeout <= 0 || c.Timeout > 10*time.Second {
		t.Fatalf("lookup client timeout = %v, want bounded", c.Timeout)
	}

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c.Timeout = 50 * time.Millisecond
	if _, err := c.Get(srv.URL); err == nil {
		t.Fatalf("expected timeout error from hung service")
	}
}

func TestNewLoggerFallsBackToDevelopment(t *testing.T) {
	if newLogger("production") == nil || newLogger("local") == nil {
		t.Fatalf("logger must never be nil")
	}
}
