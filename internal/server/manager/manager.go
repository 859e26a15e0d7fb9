package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dockhandvm/dockhand/internal/server/db"
	"github.com/dockhandvm/dockhand/internal/server/eventbus"
	"github.com/dockhandvm/dockhand/internal/server/manager/diskimage"
	"github.com/dockhandvm/dockhand/internal/server/manager/events"
	"github.com/dockhandvm/dockhand/internal/server/manager/logtail"
	"github.com/dockhandvm/dockhand/internal/server/manager/readiness"
	"github.com/dockhandvm/dockhand/internal/server/manager/registry"
	"github.com/dockhandvm/dockhand/internal/server/manager/requirements"
	"github.com/dockhandvm/dockhand/internal/server/manager/runtime"
	"github.com/dockhandvm/dockhand/internal/server/manager/seed"
	"github.com/dockhandvm/dockhand/internal/server/manager/state"
	"github.com/dockhandvm/dockhand/internal/shared/logging"
)

// ErrAlreadyActive is returned when a start request arrives while a session
// is initializing, starting, running, or stopping. The request is rejected
// with no side effects.
var ErrAlreadyActive = errors.New("manager: vm already active")

// ErrInvalidOptions is returned when start overrides are out of range.
var ErrInvalidOptions = errors.New("manager: invalid start options")

const (
	defaultGracePeriod  = 5 * time.Second
	defaultLogInterval  = 500 * time.Millisecond
	defaultLogRingSize  = 1000
	maxConcurrentGuests = 4

	// finalDrainTimeout bounds the wait for the last log poll after the
	// process has exited, on both the stop and unexpected-exit paths.
	finalDrainTimeout = 5 * time.Second
)

// Config carries the static launch parameters for the managed guest.
type Config struct {
	Name          string
	CPUCores      int
	MemoryMB      int
	DiskSizeMB    int
	BinaryPath    string
	BootImagePath string
	DiskImagePath string
	SeedImagePath string
	LogPath       string
	PIDFilePath   string
	MonitorSocket string
	Forwards      []runtime.PortForward

	// GracePeriod bounds the window between the graceful shutdown request
	// and a forced kill.
	GracePeriod     time.Duration
	LogPollInterval time.Duration
	LogRingCapacity int
}

// Params collects the collaborators a Manager needs.
type Params struct {
	Config   Config
	Launcher runtime.Launcher
	Prober   readiness.Prober
	Bus      eventbus.Bus
	Store    db.Store
	Logger   *slog.Logger
}

// Status is a point-in-time snapshot of the lifecycle.
type Status struct {
	Name         string                `json:"name"`
	State        string                `json:"state"`
	ProcessAlive bool                  `json:"process_alive"`
	ServiceReady bool                  `json:"service_ready"`
	PID          *int64                `json:"pid,omitempty"`
	StartedAt    *time.Time            `json:"started_at,omitempty"`
	Requirements requirements.Report   `json:"requirements"`
	Forwards     []runtime.PortForward `json:"forwards,omitempty"`
}

// StartOptions override launch resources for one session. Zero fields fall
// back to the configured defaults; the values are fixed at admission and
// never change for the lifetime of the session.
type StartOptions struct {
	CPUCores int `json:"cpu_cores,omitempty"`
	MemoryMB int `json:"memory_mb,omitempty"`
}

// session is the in-flight start/run/stop arc of one guest process. The
// session context aborts the readiness probe and any pre-launch work; the
// tail context outlives it so log draining can finish during shutdown.
type session struct {
	handle registry.Handle

	cpuCores int
	memoryMB int

	ctx        context.Context
	cancel     context.CancelFunc
	tailCtx    context.Context
	tailCancel context.CancelFunc
	tailDone   chan struct{}

	// started closes once the instance field is final, whether a process was
	// launched or the attempt was abandoned.
	started  chan struct{}
	exited   chan struct{}
	exitOnce sync.Once

	// logOffset is the size of the log file before the spawn; the tailer
	// starts there so only this boot's output is reported.
	logOffset int64

	mu       sync.Mutex
	instance runtime.Instance
	exitErr  error

	stopping atomic.Bool
	// finished arbitrates teardown between the stop path and the
	// unexpected-exit watcher; whoever flips it owns the cleanup.
	finished atomic.Bool
}

func (s *session) setInstance(inst runtime.Instance) {
	s.mu.Lock()
	s.instance = inst
	s.mu.Unlock()
	close(s.started)
}

func (s *session) abandonLaunch() {
	close(s.started)
	s.exitOnce.Do(func() { close(s.exited) })
}

func (s *session) getInstance() runtime.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instance
}

// Manager supervises the single Docker VM: it checks preconditions,
// allocates backing storage, spawns the hypervisor, probes guest service
// readiness, tails console output, and drives the lifecycle state machine.
type Manager struct {
	cfg      Config
	launcher runtime.Launcher
	prober   readiness.Prober
	bus      eventbus.Bus
	store    db.Store
	logger   *slog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc

	machine   *state.Machine
	machineID int64

	mu       sync.Mutex
	sessions *registry.Registry[*session]
	active   registry.Handle

	pid          atomic.Pointer[int64]
	startedAt    atomic.Pointer[time.Time]
	serviceReady atomic.Bool

	ring *logRing
}

// New builds a Manager and reconciles persisted state. A status persisted as
// anything but stopped or error means the previous daemon died with the
// guest; the process did not survive, so the record is reset to stopped.
func New(ctx context.Context, params Params) (*Manager, error) {
	if params.Launcher == nil {
		return nil, fmt.Errorf("manager: launcher required")
	}
	if params.Prober == nil {
		return nil, fmt.Errorf("manager: prober required")
	}
	if params.Bus == nil {
		return nil, fmt.Errorf("manager: event bus required")
	}
	cfg := params.Config
	if cfg.Name == "" {
		cfg.Name = "docker-vm"
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.LogPollInterval <= 0 {
		cfg.LogPollInterval = defaultLogInterval
	}
	if cfg.LogRingCapacity <= 0 {
		cfg.LogRingCapacity = defaultLogRingSize
	}

	logger := params.Logger
	if logger == nil {
		logger = logging.New("manager")
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		launcher:   params.Launcher,
		prober:     params.Prober,
		bus:        params.Bus,
		store:      params.Store,
		logger:     logger,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		sessions:   registry.New[*session](maxConcurrentGuests),
		ring:       newLogRing(cfg.LogRingCapacity),
	}
	m.machine = state.New(state.Stopped, m.onTransition)

	if err := m.reconcile(ctx); err != nil {
		rootCancel()
		return nil, err
	}
	return m, nil
}

func (m *Manager) reconcile(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	record := &db.Machine{
		Name:       m.cfg.Name,
		Status:     db.MachineStatusStopped,
		CPUCores:   m.cfg.CPUCores,
		MemoryMB:   m.cfg.MemoryMB,
		DiskSizeMB: m.cfg.DiskSizeMB,
	}
	existing, err := m.store.Queries().Machines().GetByName(ctx, m.cfg.Name)
	if err != nil {
		return fmt.Errorf("manager: load machine record: %w", err)
	}
	if existing != nil && existing.Status == db.MachineStatusError {
		record.Status = db.MachineStatusError
	}
	id, err := m.store.Queries().Machines().Upsert(ctx, record)
	if err != nil {
		return fmt.Errorf("manager: persist machine record: %w", err)
	}
	m.machineID = id
	if record.Status == db.MachineStatusError {
		// Error persists across restarts until an explicit start clears it.
		m.machine = state.New(state.Errored, m.onTransition)
	}
	return nil
}

// Close tears the manager down. A running guest is stopped with the regular
// grace policy; cancelling the root context then reaps anything left.
func (m *Manager) Close(ctx context.Context) error {
	err := m.Stop(ctx)
	m.rootCancel()
	return err
}

// Requirements reports the on-disk boot preconditions.
func (m *Manager) Requirements() requirements.Report {
	return requirements.Check(m.cfg.BinaryPath, m.cfg.BootImagePath, m.cfg.DiskImagePath)
}

// Status returns a snapshot of the lifecycle, including the readiness of the
// in-guest service. The two are reported separately: a running process does
// not imply the engine answers.
func (m *Manager) Status() Status {
	pid := m.pid.Load()
	st := Status{
		Name:         m.cfg.Name,
		State:        string(m.machine.Current()),
		ProcessAlive: pid != nil,
		ServiceReady: m.serviceReady.Load(),
		PID:          pid,
		StartedAt:    m.startedAt.Load(),
		Requirements: m.Requirements(),
		Forwards:     m.cfg.Forwards,
	}
	return st
}

// Logs returns up to tail recent console lines, oldest first.
func (m *Manager) Logs(tail int) []string {
	return m.ring.Tail(tail)
}

// Start begins the boot sequence and returns a handle for the new session.
// The heavy lifting happens asynchronously; callers observe progress through
// Status and the event bus. A second start while any session is active is
// rejected with ErrAlreadyActive and no side effects.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (registry.Handle, error) {
	cores := m.cfg.CPUCores
	if opts.CPUCores > 0 {
		cores = opts.CPUCores
	}
	memory := m.cfg.MemoryMB
	if opts.MemoryMB > 0 {
		memory = opts.MemoryMB
	}
	if opts.CPUCores < 0 || opts.MemoryMB < 0 {
		return registry.None, fmt.Errorf("%w: negative resource override", ErrInvalidOptions)
	}
	if memory < 256 {
		return registry.None, fmt.Errorf("%w: memory %d MB below the 256 MB floor", ErrInvalidOptions, memory)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.machine.Current() {
	case state.Stopped, state.Errored:
	default:
		return registry.None, ErrAlreadyActive
	}

	sctx, cancel := context.WithCancel(m.rootCtx)
	tctx, tailCancel := context.WithCancel(m.rootCtx)
	s := &session{
		cpuCores:   cores,
		memoryMB:   memory,
		ctx:        sctx,
		cancel:     cancel,
		tailCtx:    tctx,
		tailCancel: tailCancel,
		tailDone:   make(chan struct{}),
		started:    make(chan struct{}),
		exited:     make(chan struct{}),
	}

	handle, err := m.sessions.Alloc(s)
	if err != nil {
		cancel()
		tailCancel()
		return registry.None, fmt.Errorf("manager: allocate session: %w", err)
	}
	s.handle = handle

	if err := m.machine.Transition(state.Initializing, "start requested"); err != nil {
		m.sessions.Free(handle)
		cancel()
		tailCancel()
		return registry.None, err
	}
	m.active = handle
	m.serviceReady.Store(false)

	go m.runSession(s)
	return handle, nil
}

func (m *Manager) runSession(s *session) {
	report := m.Requirements()
	if !report.BootReady() {
		m.failSession(s, events.ErrKindPrecondition, fmt.Sprintf("boot requirements not met: binary=%v boot_image=%v", report.Binary.Present, report.BootImage.Present))
		return
	}

	if err := diskimage.Allocate(m.cfg.DiskImagePath, m.cfg.DiskSizeMB); err != nil {
		m.failSession(s, events.ErrKindAllocation, err.Error())
		return
	}
	if m.cfg.SeedImagePath != "" {
		if _, err := os.Stat(m.cfg.SeedImagePath); errors.Is(err, os.ErrNotExist) {
			if err := seed.Build(seed.Input{Hostname: m.cfg.Name}, m.cfg.SeedImagePath); err != nil {
				m.failSession(s, events.ErrKindAllocation, err.Error())
				return
			}
		}
	}

	if s.ctx.Err() != nil {
		// A stop raced the initialization; unwind without spawning.
		s.abandonLaunch()
		return
	}

	applied, err := m.machine.TransitionFrom(state.Initializing, state.Starting, "resources ready")
	if err != nil || !applied {
		s.abandonLaunch()
		return
	}

	// Capture the log offset before the spawn so the tailer only reports
	// output from this boot.
	if info, statErr := os.Stat(m.cfg.LogPath); statErr == nil {
		s.logOffset = info.Size()
	}

	// The process lives on the manager root context, not the session
	// context: stop must be able to abort the probe without the launcher
	// killing the guest out from under the graceful shutdown.
	inst, err := m.launcher.Launch(m.rootCtx, runtime.LaunchSpec{
		Name:          m.cfg.Name,
		CPUCores:      s.cpuCores,
		MemoryMB:      s.memoryMB,
		BootImagePath: m.cfg.BootImagePath,
		DiskPath:      m.cfg.DiskImagePath,
		SeedPath:      m.cfg.SeedImagePath,
		LogPath:       m.cfg.LogPath,
		PIDFilePath:   m.cfg.PIDFilePath,
		MonitorSocket: m.cfg.MonitorSocket,
		Forwards:      m.cfg.Forwards,
	})
	if err != nil {
		s.abandonLaunch()
		m.failSession(s, events.ErrKindSpawn, err.Error())
		return
	}

	pid := int64(inst.PID())
	started := inst.StartedAt()
	m.pid.Store(&pid)
	m.startedAt.Store(&started)
	s.setInstance(inst)

	go m.watchExit(s, inst)
	go m.tailLogs(s)

	// The stop path may have fired between the Starting transition and the
	// spawn; it is now waiting on started/exited and will reap the process.
	if s.stopping.Load() {
		return
	}

	result := m.prober.Probe(s.ctx)
	switch result.Outcome {
	case readiness.Ready:
		m.serviceReady.Store(true)
		if _, err := m.machine.TransitionFrom(state.Starting, state.Running, "service ready"); err != nil {
			m.logger.Error("running transition failed", "error", err)
		}
	case readiness.TimedOut:
		// The process is alive even though the engine never answered; the
		// guest may still be booting. Surface Running with the readiness
		// flag down instead of guessing at failure.
		if _, err := m.machine.TransitionFrom(state.Starting, state.Running, "service probe timed out"); err != nil {
			m.logger.Error("running transition failed", "error", err)
		}
	case readiness.Aborted:
		// A stop owns the rest of the lifecycle.
	}
}

// failSession reports a start failure, moves the machine to error, and
// releases the session.
func (m *Manager) failSession(s *session, kind, msg string) {
	m.publishError(kind, msg)
	m.logger.Error("start failed", "kind", kind, "error", msg)

	for _, from := range []state.State{state.Initializing, state.Starting} {
		if applied, _ := m.machine.TransitionFrom(from, state.Errored, msg); applied {
			break
		}
	}

	select {
	case <-s.started:
	default:
		s.abandonLaunch()
	}
	m.releaseSession(s)
}

func (m *Manager) watchExit(s *session, inst runtime.Instance) {
	err := <-inst.Wait()
	s.mu.Lock()
	s.exitErr = err
	s.mu.Unlock()
	s.exitOnce.Do(func() { close(s.exited) })

	if s.stopping.Load() {
		return
	}
	if !s.finished.CompareAndSwap(false, true) {
		return
	}

	// Spontaneous exit: nobody asked for this. Abort the probe, drain the
	// remaining console output, then surface the failure.
	s.cancel()
	s.tailCancel()
	select {
	case <-s.tailDone:
	case <-time.After(finalDrainTimeout):
	}

	msg := "vm process exited unexpectedly"
	if err != nil {
		msg = fmt.Sprintf("vm process exited unexpectedly: %v", err)
	}
	m.publishError(events.ErrKindUnexpectedExit, msg)
	m.logger.Error("unexpected vm exit", "error", err)

	for _, from := range []state.State{state.Starting, state.Running, state.Initializing} {
		if applied, _ := m.machine.TransitionFrom(from, state.Errored, msg); applied {
			break
		}
	}
	m.releaseSession(s)
}

func (m *Manager) tailLogs(s *session) {
	defer close(s.tailDone)
	tailer := logtail.New(m.cfg.LogPath, s.logOffset)
	tailer.Run(s.tailCtx, m.cfg.LogPollInterval, func(line string) {
		m.ring.Append(line)
		_ = m.bus.Publish(s.tailCtx, events.TopicLogs, events.Log{Text: line, Timestamp: time.Now().UTC()})
	})
}

// Stop winds the active session down: it aborts the readiness probe,
// requests a graceful power-down, enforces the grace period with a kill,
// drains the log tail, and settles in stopped. Stopping an already stopped
// or errored VM is an accepted no-op. Once the Stopping transition commits,
// the teardown runs to completion on the manager's own lifetime; cancelling
// ctx abandons the wait, never the teardown.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	current := m.machine.Current()
	switch current {
	case state.Stopped, state.Errored:
		m.mu.Unlock()
		return nil
	case state.Stopping:
		m.mu.Unlock()
		return nil
	}

	s, ok := m.sessions.Get(m.active)
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if !s.stopping.CompareAndSwap(false, true) {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.machine.Transition(state.Stopping, "stop requested"); err != nil {
		// The unexpected-exit path beat us to a terminal state.
		return nil
	}

	// Abort the probe and any pre-launch work. The process itself is not
	// bound to the session context.
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.teardown(s)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown carries a committed stop through to Stopped. It deliberately takes
// no caller context: an HTTP client disconnecting mid-stop must not strand
// the machine in Stopping.
func (m *Manager) teardown(s *session) {
	<-s.started

	inst := s.getInstance()
	if inst != nil {
		shutdownCtx, cancel := context.WithTimeout(m.rootCtx, m.cfg.GracePeriod)
		if err := inst.Shutdown(shutdownCtx); err != nil {
			m.logger.Warn("graceful shutdown request failed", "error", err)
		}
		cancel()

		grace := time.NewTimer(m.cfg.GracePeriod)
		select {
		case <-s.exited:
			grace.Stop()
		case <-grace.C:
			m.logger.Warn("grace period elapsed, killing vm process", "grace", m.cfg.GracePeriod)
			if err := inst.Kill(); err != nil {
				m.logger.Error("kill failed", "error", err)
			}
			<-s.exited
		}
	} else {
		<-s.exited
	}

	// Final drain: cancel the tail context and wait for the last poll so
	// shutdown output is not lost.
	s.tailCancel()
	if inst != nil {
		select {
		case <-s.tailDone:
		case <-time.After(finalDrainTimeout):
		}
	}

	s.finished.Store(true)
	if _, err := m.machine.TransitionFrom(state.Stopping, state.Stopped, "stop complete"); err != nil {
		m.logger.Error("stopped transition failed", "error", err)
	}
	m.releaseSession(s)
}

func (m *Manager) releaseSession(s *session) {
	s.cancel()
	s.tailCancel()

	m.mu.Lock()
	if m.active == s.handle {
		m.active = registry.None
	}
	m.sessions.Free(s.handle)
	m.mu.Unlock()

	m.pid.Store(nil)
	m.startedAt.Store(nil)
	m.serviceReady.Store(false)
}

// onTransition runs under the state machine lock, so every observer sees
// transitions in the same total order. Publishing is non-blocking by the bus
// contract; persistence happens off this path.
func (m *Manager) onTransition(tr state.Transition) {
	change := events.StateChange{
		State:        string(tr.To),
		ServiceReady: m.serviceReady.Load(),
		Reason:       tr.Reason,
		PID:          m.pid.Load(),
		Timestamp:    tr.At,
	}
	_ = m.bus.Publish(context.Background(), events.TopicState, change)
	m.logger.Info("vm state transition", "from", string(tr.From), "to", string(tr.To), "reason", tr.Reason)

	if m.store != nil {
		go m.persistTransition(tr, change)
	}
}

func (m *Manager) persistTransition(tr state.Transition, change events.StateChange) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := m.store.WithTx(ctx, func(q db.Queries) error {
		if err := q.Machines().UpdateRuntimeState(ctx, m.machineID, db.MachineStatus(tr.To), change.PID, change.ServiceReady); err != nil {
			return err
		}
		_, err := q.Transitions().Append(ctx, &db.TransitionRecord{
			MachineID:  m.machineID,
			FromStatus: db.MachineStatus(tr.From),
			ToStatus:   db.MachineStatus(tr.To),
			Reason:     tr.Reason,
			OccurredAt: tr.At,
		})
		return err
	})
	if err != nil {
		m.logger.Error("persist transition", "error", err)
	}
}

func (m *Manager) publishError(kind, msg string) {
	_ = m.bus.Publish(context.Background(), events.TopicErrors, events.Error{
		Message:   msg,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	})
}

// logRing is a fixed-capacity buffer of recent console lines.
type logRing struct {
	mu    sync.Mutex
	lines []string
	start int
	count int
}

func newLogRing(capacity int) *logRing {
	return &logRing{lines: make([]string, capacity)}
}

func (r *logRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.count) % len(r.lines)
	r.lines[idx] = line
	if r.count == len(r.lines) {
		r.start = (r.start + 1) % len(r.lines)
	} else {
		r.count++
	}
}

func (r *logRing) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]string, 0, n)
	for i := r.count - n; i < r.count; i++ {
		out = append(out, r.lines[(r.start+i)%len(r.lines)])
	}
	return out
}
