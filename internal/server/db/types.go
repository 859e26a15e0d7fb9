package db

import (
	"context"
	"time"
)

// MachineStatus enumerates the persisted lifecycle phases of the guest.
type MachineStatus string

const (
	MachineStatusStopped      MachineStatus = "stopped"
	MachineStatusInitializing MachineStatus = "initializing"
	MachineStatusStarting     MachineStatus = "starting"
	MachineStatusRunning      MachineStatus = "running"
	MachineStatusStopping     MachineStatus = "stopping"
	MachineStatusError        MachineStatus = "error"
)

// Machine models the database representation of the managed guest.
type Machine struct {
	ID           int64
	Name         string
	Status       MachineStatus
	PID          *int64
	CPUCores     int
	MemoryMB     int
	DiskSizeMB   int
	ServiceReady bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TransitionRecord is one audit entry in the lifecycle history.
type TransitionRecord struct {
	ID         int64
	MachineID  int64
	FromStatus MachineStatus
	ToStatus   MachineStatus
	Reason     string
	OccurredAt time.Time
}

// Store describes the persistence surface consumed by the lifecycle manager.
type Store interface {
	Close(ctx context.Context) error
	Queries() Queries
	WithTx(ctx context.Context, fn func(Queries) error) error
}

// Queries exposes repository accessors bound to a specific connection scope
// (either the root connection or a transaction).
type Queries interface {
	Machines() MachineRepository
	Transitions() TransitionRepository
}

// MachineRepository manages the guest record and its runtime state.
type MachineRepository interface {
	Upsert(ctx context.Context, machine *Machine) (int64, error)
	GetByName(ctx context.Context, name string) (*Machine, error)
	List(ctx context.Context) ([]Machine, error)
	UpdateRuntimeState(ctx context.Context, id int64, status MachineStatus, pid *int64, serviceReady bool) error
	Delete(ctx context.Context, id int64) error
}

// TransitionRepository appends and reads lifecycle history.
type TransitionRepository interface {
	Append(ctx context.Context, record *TransitionRecord) (int64, error)
	ListByMachine(ctx context.Context, machineID int64, limit int) ([]TransitionRecord, error)
}
