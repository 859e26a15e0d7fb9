package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/dockhandvm/dockhand/internal/server/db"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "dockhand.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

func TestMachineUpsertAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	repo := store.Queries().Machines()

	machine := &db.Machine{
		Name:       "docker-vm",
		Status:     db.MachineStatusStopped,
		CPUCores:   2,
		MemoryMB:   2048,
		DiskSizeMB: 8192,
	}
	id, err := repo.Upsert(ctx, machine)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero id")
	}

	pid := int64(4242)
	machine.Status = db.MachineStatusRunning
	machine.PID = &pid
	machine.ServiceReady = true
	id2, err := repo.Upsert(ctx, machine)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if id2 != id {
		t.Fatalf("upsert changed identity: %d vs %d", id, id2)
	}

	got, err := repo.GetByName(ctx, "docker-vm")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected machine")
	}
	if got.Status != db.MachineStatusRunning || !got.ServiceReady {
		t.Fatalf("unexpected machine: %+v", got)
	}
	if got.PID == nil || *got.PID != 4242 {
		t.Fatalf("expected pid 4242, got %v", got.PID)
	}
}

func TestGetMissingMachine(t *testing.T) {
	store := openTestStore(t)
	got, err := store.Queries().Machines().GetByName(context.Background(), "absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing machine, got %+v", got)
	}
}

func TestUpdateRuntimeStateClearsPID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	repo := store.Queries().Machines()

	pid := int64(1000)
	id, err := repo.Upsert(ctx, &db.Machine{Name: "docker-vm", Status: db.MachineStatusRunning, PID: &pid, CPUCores: 1, MemoryMB: 512, DiskSizeMB: 1024})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := repo.UpdateRuntimeState(ctx, id, db.MachineStatusStopped, nil, false); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := repo.GetByName(ctx, "docker-vm")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != db.MachineStatusStopped || got.PID != nil || got.ServiceReady {
		t.Fatalf("unexpected machine after stop: %+v", got)
	}
}

func TestTransitionHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.Queries().Machines().Upsert(ctx, &db.Machine{Name: "docker-vm", Status: db.MachineStatusStopped, CPUCores: 1, MemoryMB: 512, DiskSizeMB: 1024})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	transitions := store.Queries().Transitions()
	steps := []struct {
		from, to db.MachineStatus
	}{
		{db.MachineStatusStopped, db.MachineStatusInitializing},
		{db.MachineStatusInitializing, db.MachineStatusStarting},
		{db.MachineStatusStarting, db.MachineStatusRunning},
	}
	for _, step := range steps {
		if _, err := transitions.Append(ctx, &db.TransitionRecord{MachineID: id, FromStatus: step.from, ToStatus: step.to, Reason: "test"}); err != nil {
			t.Fatalf("append %s->%s: %v", step.from, step.to, err)
		}
	}

	history, err := transitions.ListByMachine(ctx, id, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 records, got %d", len(history))
	}
	// Newest first.
	if history[0].ToStatus != db.MachineStatusRunning {
		t.Fatalf("unexpected ordering: %+v", history)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := store.WithTx(ctx, func(q db.Queries) error {
		if _, err := q.Machines().Upsert(ctx, &db.Machine{Name: "ghost", Status: db.MachineStatusStopped, CPUCores: 1, MemoryMB: 512, DiskSizeMB: 1024}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	got, err := store.Queries().Machines().GetByName(ctx, "ghost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("rollback did not discard insert: %+v", got)
	}
}
