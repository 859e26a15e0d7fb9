package httpapi

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

	"github.com/dockhandvm/dockhand/internal/server/eventbus/memory"
	"github.com/dockhandvm/dockhand/internal/server/manager"
	"github.com/dockhandvm/dockhand/internal/server/manager/events"
	"github.com/dockhandvm/dockhand/internal/server/manager/registry"
	"github.com/dockhandvm/dockhand/internal/server/manager/requirements"
)

type stubSupervisor struct {
	startErr error
	stopErr  error
	status   manager.Status
	lines    []string
	starts   int
	stops    int
	lastOpts manager.StartOptions
}

func (s *stubSupervisor) Start(_ context.Context, opts manager.StartOptions) (registry.Handle, error) {
	s.starts++
	s.lastOpts = opts
	if s.startErr != nil {
		return registry.None, s.startErr
	}
	return registry.Handle(1<<32 | 1), nil
}

func (s *stubSupervisor) Stop(context.Context) error {
	s.stops++
	return s.stopErr
}

func (s *stubSupervisor) Status() manager.Status { return s.status }

func (s *stubSupervisor) Logs(tail int) []string {
	if tail > 0 && tail < len(s.lines) {
		return s.lines[len(s.lines)-tail:]
	}
	return s.lines
}

func (s *stubSupervisor) Requirements() requirements.Report {
	return requirements.Report{Architecture: "amd64"}
}

var _ Supervisor = (*stubSupervisor)(nil)

func newTestRouter(sup *stubSupervisor) http.Handler {
	return New(Options{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Supervisor: sup,
		Bus:        memory.New(),
	})
}

func TestStartAccepted(t *testing.T) {
	sup := &stubSupervisor{status: manager.Status{Name: "docker-vm", State: "initializing"}}
	router := newTestRouter(sup)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/vm/start", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if sup.starts != 1 {
		t.Fatalf("expected one start call, got %d", sup.starts)
	}
}

func TestStartCarriesResourceOverrides(t *testing.T) {
	sup := &stubSupervisor{status: manager.Status{Name: "docker-vm", State: "initializing"}}
	router := newTestRouter(sup)

	body := strings.NewReader(`{"cpu_cores": 4, "memory_mb": 4096}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/vm/start", body))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if sup.lastOpts.CPUCores != 4 || sup.lastOpts.MemoryMB != 4096 {
		t.Fatalf("overrides not forwarded: %+v", sup.lastOpts)
	}
}

func TestStartRejectsInvalidOverrides(t *testing.T) {
	sup := &stubSupervisor{startErr: manager.ErrInvalidOptions}
	router := newTestRouter(sup)

	body := strings.NewReader(`{"memory_mb": 64}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/vm/start", body))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStartConflictWhenActive(t *testing.T) {
	sup := &stubSupervisor{startErr: manager.ErrAlreadyActive}
	router := newTestRouter(sup)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/vm/start", nil))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestStopOK(t *testing.T) {
	sup := &stubSupervisor{status: manager.Status{State: "stopped"}}
	router := newTestRouter(sup)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/vm/stop", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if sup.stops != 1 {
		t.Fatalf("expected one stop call, got %d", sup.stops)
	}
}

func TestStatusAndRequirements(t *testing.T) {
	sup := &stubSupervisor{status: manager.Status{Name: "docker-vm", State: "running", ServiceReady: true}}
	router := newTestRouter(sup)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/vm/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	var status manager.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != "running" || !status.ServiceReady {
		t.Fatalf("unexpected status: %+v", status)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/vm/requirements", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("requirements: expected 200, got %d", rec.Code)
	}
}

func TestLogsTailValidation(t *testing.T) {
	sup := &stubSupervisor{lines: []string{"a", "b", "c"}}
	router := newTestRouter(sup)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/vm/logs?tail=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Lines []string `json:"lines"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Lines) != 2 || body.Lines[1] != "c" {
		t.Fatalf("unexpected lines: %v", body.Lines)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/vm/logs?tail=-1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative tail, got %d", rec.Code)
	}
}

func TestStreamEventsRejectsUnknownKind(t *testing.T) {
	router := newTestRouter(&stubSupervisor{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events?kinds=bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSubscribeTopics(t *testing.T) {
	topics, ok := subscribeTopics("state,log")
	if !ok {
		t.Fatal("expected valid kinds")
	}
	joined := strings.Join(topics, ",")
	if !strings.Contains(joined, events.TopicState) || !strings.Contains(joined, events.TopicLogs) {
		t.Fatalf("unexpected topics: %v", topics)
	}

	all, ok := subscribeTopics("")
	if !ok || len(all) != 4 {
		t.Fatalf("expected all four topics, got %v", all)
	}

	if _, ok := subscribeTopics("nope"); ok {
		t.Fatal("expected rejection of unknown kind")
	}
}

type stubInstaller struct {
	runs chan struct{}
}

func (s *stubInstaller) Run(context.Context) error {
	s.runs <- struct{}{}
	return nil
}

func TestInstallRunsInBackground(t *testing.T) {
	inst := &stubInstaller{runs: make(chan struct{}, 1)}
	router := New(Options{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Supervisor: &stubSupervisor{},
		Bus:        memory.New(),
		Installer:  inst,
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/vm/install", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	select {
	case <-inst.runs:
	case <-time.After(2 * time.Second):
		t.Fatal("installer was never invoked")
	}
}

func TestInstallUnavailableWithoutInstaller(t *testing.T) {
	router := newTestRouter(&stubSupervisor{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/vm/install", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestDockerRoutesUnavailableWithoutClient(t *testing.T) {
	router := newTestRouter(&stubSupervisor{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/docker/version", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
