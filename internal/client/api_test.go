package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAPIErrorCarriesServerReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many messages", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	api := NewAPI(srv.URL)
	_, err := api.CreateMessage(context.Background(), 5, "hi", "text", "temp-1")
	if err == nil {
		t.Fatal("expected error on 429")
	}
	if !strings.Contains(err.Error(), "too many messages") {
		t.Fatalf("server reason missing from error: %v", err)
	}
	if !strings.Contains(err.Error(), "429") {
		t.Fatalf("status code missing from error: %v", err)
	}
}

func TestAPIErrorWithEmptyBodyFallsBackToStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	api := NewAPI(srv.URL)
	err := api.Register(context.Background(), "alice", "correct-horse")
	if err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Fatalf("expected bare status error, got %v", err)
	}
}
