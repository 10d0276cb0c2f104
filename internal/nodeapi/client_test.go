package nodeapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_AuthHeaderSent(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Auth-Token")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second)
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
	if gotToken != "secret" {
		t.Fatalf("X-Auth-Token = %q, want secret", gotToken)
	}
}

func TestClient_PeersDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/node/peers" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"connected":[
			{"peer_id":"p1","peer_address":"0xA1","reported_version":"2.1.5","quality":0.9},
			{"peer_id":"p2","peer_address":"0xA2","reported_version":"2.2.0","quality":0.6}
		]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k", time.Second)
	peers, err := c.Peers(context.Background(), 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(peers))
	}
	if peers[0].PeerID != "p1" || peers[0].Quality != 0.9 {
		t.Fatalf("unexpected first peer %+v", peers[0])
	}
}

func TestClient_Balances(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"native":"1000000000000000000","token":"2000000000000000000",
			"safeNative":"0","safeToken":"50000000000000000000","safeTokenAllowance":"10000000000000000000"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k", time.Second)
	b, err := c.Balances(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if b.SafeToken != 50 {
		t.Fatalf("SafeToken = %v, want 50", b.SafeToken)
	}
	if b.SafeTokenAllowance != 10 {
		t.Fatalf("SafeTokenAllowance = %v, want 10", b.SafeTokenAllowance)
	}
}

func TestClient_ServerErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "k", time.Second)
	err := c.Health(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsRetryable(err) {
		t.Fatalf("5xx should be retryable, got %v", err)
	}
}

func TestClient_ClientErrorNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad channel id", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := New(srv.URL, "k", time.Second)
	err := c.CloseChannel(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error")
	}
	if IsRetryable(err) {
		t.Fatalf("4xx should not be retryable, got %v", err)
	}
}

func TestClient_TimeoutRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(srv.URL, "k", 20*time.Millisecond)
	err := c.Health(context.Background())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsRetryable(err) {
		t.Fatalf("timeout should be retryable, got %v", err)
	}
}
