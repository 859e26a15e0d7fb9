package docker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_ping" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	client := New(srv.URL)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestPingEngineDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "starting", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := New(srv.URL)
	if err := client.Ping(context.Background()); err == nil {
		t.Fatal("expected error for 503 response")
	}
}

func TestVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/version" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Version":"27.1.1","ApiVersion":"1.46","Os":"linux","Arch":"x86_64"}`))
	}))
	defer srv.Close()

	client := New(srv.URL)
	info, err := client.Version(context.Background())
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if info.Version != "27.1.1" || info.APIVersion != "1.46" {
		t.Fatalf("unexpected version info: %+v", info)
	}
}

func TestListContainers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/containers/json" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("all") != "true" {
			t.Errorf("expected all=true query, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"Id":"abc123","Names":["/web"],"Image":"nginx","State":"running","Status":"Up 2 minutes"}]`))
	}))
	defer srv.Close()

	client := New(srv.URL)
	containers, err := client.ListContainers(context.Background(), true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(containers) != 1 || containers[0].Image != "nginx" {
		t.Fatalf("unexpected containers: %+v", containers)
	}
}

func TestStartContainerAlreadyRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/containers/web/start" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	client := New(srv.URL)
	if err := client.StartContainer(context.Background(), "web"); err != nil {
		t.Fatalf("304 should not be an error: %v", err)
	}
}
