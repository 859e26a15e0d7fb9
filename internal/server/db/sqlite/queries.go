package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dockhandvm/dockhand/internal/server/db"
)

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
}

// executor abstracts *sql.DB and *sql.Tx for shared query logic.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	exec executor
}

var _ db.Queries = (*queries)(nil)

func (q *queries) Machines() db.MachineRepository {
	return &machineRepository{exec: q.exec}
}

func (q *queries) Transitions() db.TransitionRepository {
	return &transitionRepository{exec: q.exec}
}

type rowScanner interface {
	Scan(dest ...any) error
}

type machineRepository struct {
	exec executor
}

var _ db.MachineRepository = (*machineRepository)(nil)

func (r *machineRepository) Upsert(ctx context.Context, machine *db.Machine) (int64, error) {
	pidVal := nullableInt64(machine.PID)
	_, err := r.exec.ExecContext(
		ctx,
		`INSERT INTO machines (name, status, pid, cpu_cores, memory_mb, disk_size_mb, service_ready)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(name) DO UPDATE SET
             status = excluded.status,
             pid = excluded.pid,
             cpu_cores = excluded.cpu_cores,
             memory_mb = excluded.memory_mb,
             disk_size_mb = excluded.disk_size_mb,
             service_ready = excluded.service_ready,
             updated_at = CURRENT_TIMESTAMP;`,
		machine.Name,
		string(machine.Status),
		pidVal,
		machine.CPUCores,
		machine.MemoryMB,
		machine.DiskSizeMB,
		boolToInt(machine.ServiceReady),
	)
	if err != nil {
		return 0, fmt.Errorf("upsert machine: %w", err)
	}

	row := r.exec.QueryRowContext(ctx, `SELECT id FROM machines WHERE name = ?;`, machine.Name)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("machine id after upsert: %w", err)
	}
	return id, nil
}

func (r *machineRepository) GetByName(ctx context.Context, name string) (*db.Machine, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT id, name, status, pid, cpu_cores, memory_mb, disk_size_mb, service_ready, created_at, updated_at FROM machines WHERE name = ?;`, name)
	machine, err := scanMachine(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &machine, nil
}

func (r *machineRepository) List(ctx context.Context) ([]db.Machine, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT id, name, status, pid, cpu_cores, memory_mb, disk_size_mb, service_ready, created_at, updated_at FROM machines ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query machines: %w", err)
	}
	defer rows.Close()

	var result []db.Machine
	for rows.Next() {
		machine, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, machine)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate machines: %w", err)
	}
	return result, nil
}

func (r *machineRepository) UpdateRuntimeState(ctx context.Context, id int64, status db.MachineStatus, pid *int64, serviceReady bool) error {
	pidVal := nullableInt64(pid)
	if _, err := r.exec.ExecContext(ctx, `UPDATE machines SET status = ?, pid = ?, service_ready = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, string(status), pidVal, boolToInt(serviceReady), id); err != nil {
		return fmt.Errorf("update machine runtime state: %w", err)
	}
	return nil
}

func (r *machineRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.exec.ExecContext(ctx, `DELETE FROM machines WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete machine: %w", err)
	}
	return nil
}

type transitionRepository struct {
	exec executor
}

var _ db.TransitionRepository = (*transitionRepository)(nil)

func (r *transitionRepository) Append(ctx context.Context, record *db.TransitionRecord) (int64, error) {
	occurred := record.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	res, err := r.exec.ExecContext(
		ctx,
		`INSERT INTO transitions (machine_id, from_status, to_status, reason, occurred_at) VALUES (?, ?, ?, ?, ?);`,
		record.MachineID,
		string(record.FromStatus),
		string(record.ToStatus),
		record.Reason,
		occurred,
	)
	if err != nil {
		return 0, fmt.Errorf("insert transition: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("transition last insert id: %w", err)
	}
	return id, nil
}

func (r *transitionRepository) ListByMachine(ctx context.Context, machineID int64, limit int) ([]db.TransitionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.exec.QueryContext(ctx, `SELECT id, machine_id, from_status, to_status, reason, occurred_at FROM transitions WHERE machine_id = ? ORDER BY occurred_at DESC, id DESC LIMIT ?;`, machineID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var result []db.TransitionRecord
	for rows.Next() {
		var (
			record   db.TransitionRecord
			from, to string
			occurred any
		)
		if err := rows.Scan(&record.ID, &record.MachineID, &from, &to, &record.Reason, &occurred); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		record.FromStatus = db.MachineStatus(from)
		record.ToStatus = db.MachineStatus(to)
		ts, err := parseTimestamp(occurred)
		if err != nil {
			return nil, err
		}
		record.OccurredAt = ts
		result = append(result, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return result, nil
}

func scanMachine(scanner rowScanner) (db.Machine, error) {
	var (
		machine            db.Machine
		status             string
		pid                sql.NullInt64
		serviceReady       int
		createdAt, updated any
	)
	if err := scanner.Scan(
		&machine.ID,
		&machine.Name,
		&status,
		&pid,
		&machine.CPUCores,
		&machine.MemoryMB,
		&machine.DiskSizeMB,
		&serviceReady,
		&createdAt,
		&updated,
	); err != nil {
		if err == sql.ErrNoRows {
			return db.Machine{}, err
		}
		return db.Machine{}, fmt.Errorf("scan machine: %w", err)
	}

	machine.Status = db.MachineStatus(status)
	machine.ServiceReady = serviceReady != 0
	if pid.Valid {
		v := pid.Int64
		machine.PID = &v
	}

	created, err := parseTimestamp(createdAt)
	if err != nil {
		return db.Machine{}, err
	}
	machine.CreatedAt = created

	updatedTS, err := parseTimestamp(updated)
	if err != nil {
		return db.Machine{}, err
	}
	machine.UpdatedAt = updatedTS
	return machine, nil
}

func parseTimestamp(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case []byte:
		return parseTimestampString(string(v))
	case string:
		return parseTimestampString(v)
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", value)
	}
}

func parseTimestampString(raw string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q", raw)
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
