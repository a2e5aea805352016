// Package sqlite provides a cgo-free store for local development and tests.
// It mirrors the MySQL adapter's behavior; SQLite's single-writer
// transactions stand in for row-level locks on the running-entry slot.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"

	"timekeep/internal/domain"
	"timekeep/internal/ports"
)

// Store implements ports.EntryStore and ports.RateSource over SQLite.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// NewStore opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral database in tests.
func NewStore(path string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer: serializes transactions and keeps ":memory:" databases on
	// a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS time_entries (
			id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			ticket_id TEXT,
			project_id TEXT,
			task_id TEXT,
			description TEXT NOT NULL DEFAULT '',
			start_time DATETIME NOT NULL,
			end_time DATETIME,
			duration_minutes INTEGER,
			billable INTEGER NOT NULL DEFAULT 1,
			billed INTEGER NOT NULL DEFAULT 0,
			hourly_rate TEXT,
			total_amount TEXT,
			request_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_worker_running ON time_entries(worker_id, end_time)`,
		// Holds the one-running-entry-per-worker invariant at the schema level,
		// matching the MySQL schema's uniq_running key.
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_running ON time_entries(worker_id) WHERE end_time IS NULL`,
		`CREATE TABLE IF NOT EXISTS tickets (
			id TEXT PRIMARY KEY,
			client_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			client_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS billing_rates (
			scope TEXT NOT NULL CHECK (scope IN ('worker','project','client')),
			scope_id TEXT NOT NULL,
			hourly_rate TEXT NOT NULL,
			PRIMARY KEY (scope, scope_id)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

const entryCols = `id, worker_id, ticket_id, project_id, task_id, description,
 start_time, end_time, duration_minutes, billable, billed,
 hourly_rate, total_amount, request_id, created_at, updated_at`

// InTx runs fn in one transaction. SQLite allows a single writer, so
// concurrent operations on the same worker serialize here.
func (s *Store) InTx(ctx context.Context, fn func(tx ports.EntryTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	if err := fn(&entryTx{tx: tx, log: s.log}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (domain.TimeEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryCols+` FROM time_entries WHERE id = ?`, id.String())
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TimeEntry{}, fmt.Errorf("%w: entry %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.TimeEntry{}, storeErr(err)
	}
	return e, nil
}

func (s *Store) List(ctx context.Context, f domain.EntryFilter) ([]domain.TimeEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.WorkerID != nil {
		where = append(where, "worker_id = ?")
		args = append(args, f.WorkerID.String())
	}
	if f.TicketID != nil {
		where = append(where, "ticket_id = ?")
		args = append(args, f.TicketID.String())
	}
	if f.ProjectID != nil {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID.String())
	}
	if f.Billable != nil {
		where = append(where, "billable = ?")
		args = append(args, *f.Billable)
	}
	if f.From != nil {
		where = append(where, "start_time >= ?")
		args = append(args, f.From.UTC())
	}
	if f.To != nil {
		where = append(where, "start_time < ?")
		args = append(args, f.To.UTC())
	}

	q := `SELECT ` + entryCols + ` FROM time_entries`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY start_time DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *Store) ListRunning(ctx context.Context, workerID *uuid.UUID) ([]domain.TimeEntry, error) {
	q := `SELECT ` + entryCols + ` FROM time_entries WHERE end_time IS NULL`
	var args []any
	if workerID != nil {
		q += " AND worker_id = ?"
		args = append(args, workerID.String())
	}
	q += " ORDER BY start_time DESC"
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *Store) Stats(ctx context.Context, workerID uuid.UUID, dayStart, weekStart time.Time) (domain.TimeStats, error) {
	const q = `
SELECT
  COALESCE(SUM(CASE WHEN end_time IS NOT NULL AND start_time >= ? THEN duration_minutes ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN end_time IS NOT NULL AND start_time >= ? AND billable = 1 THEN duration_minutes ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN end_time IS NOT NULL AND start_time >= ? THEN duration_minutes ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN end_time IS NOT NULL AND start_time >= ? AND billable = 1 THEN duration_minutes ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN billable = 1 AND billed = 0 AND total_amount IS NOT NULL THEN total_amount ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN end_time IS NULL THEN 1 ELSE 0 END), 0)
FROM time_entries
WHERE worker_id = ?`

	var (
		minsToday, billableMinsToday int64
		minsWeek, billableMinsWeek   int64
		unbilled                     decimal.NullDecimal
		active                       int
	)
	err := s.db.QueryRowContext(ctx, q,
		dayStart.UTC(), dayStart.UTC(), weekStart.UTC(), weekStart.UTC(), workerID.String(),
	).Scan(&minsToday, &billableMinsToday, &minsWeek, &billableMinsWeek, &unbilled, &active)
	if err != nil {
		return domain.TimeStats{}, storeErr(err)
	}
	return domain.TimeStats{
		TotalHoursToday:    minutesToHours(minsToday),
		BillableHoursToday: minutesToHours(billableMinsToday),
		TotalHoursWeek:     minutesToHours(minsWeek),
		BillableHoursWeek:  minutesToHours(billableMinsWeek),
		UnbilledAmount:     unbilled.Decimal.Round(2),
		ActiveTimers:       active,
	}, nil
}

// entryTx implements ports.EntryTx on a live transaction.
type entryTx struct {
	tx  *sql.Tx
	log *slog.Logger
}

func (t *entryTx) RunningForWorker(ctx context.Context, workerID uuid.UUID) (*domain.TimeEntry, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+entryCols+` FROM time_entries
		 WHERE worker_id = ? AND end_time IS NULL
		 ORDER BY start_time DESC LIMIT 1`, workerID.String())
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return &e, nil
}

func (t *entryTx) Get(ctx context.Context, id uuid.UUID) (domain.TimeEntry, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+entryCols+` FROM time_entries WHERE id = ?`, id.String())
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TimeEntry{}, fmt.Errorf("%w: entry %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.TimeEntry{}, storeErr(err)
	}
	return e, nil
}

func (t *entryTx) Insert(ctx context.Context, e domain.TimeEntry) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO time_entries
  (`+entryCols+`)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(),
		e.WorkerID.String(),
		uuidArg(e.TicketID),
		uuidArg(e.ProjectID),
		uuidArg(e.TaskID),
		e.Description,
		e.Start.UTC(),
		timeArg(e.End),
		intArg(e.DurationMin),
		e.Billable,
		e.Billed,
		decArg(e.HourlyRate),
		decArg(e.TotalAmount),
		e.RequestID,
		e.CreatedAt.UTC(),
		e.UpdatedAt.UTC(),
	)
	if err != nil {
		return storeErr(err)
	}
	t.log.Debug("entry inserted", slog.String("entry_id", e.ID.String()), slog.String("worker_id", e.WorkerID.String()))
	return nil
}

func (t *entryTx) Update(ctx context.Context, e domain.TimeEntry) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE time_entries SET
  ticket_id = ?, project_id = ?, task_id = ?, description = ?,
  start_time = ?, end_time = ?, duration_minutes = ?,
  billable = ?, billed = ?, hourly_rate = ?, total_amount = ?, updated_at = ?
WHERE id = ?`,
		uuidArg(e.TicketID),
		uuidArg(e.ProjectID),
		uuidArg(e.TaskID),
		e.Description,
		e.Start.UTC(),
		timeArg(e.End),
		intArg(e.DurationMin),
		e.Billable,
		e.Billed,
		decArg(e.HourlyRate),
		decArg(e.TotalAmount),
		e.UpdatedAt.UTC(),
		e.ID.String(),
	)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: entry %s", domain.ErrNotFound, e.ID)
	}
	t.log.Debug("entry updated", slog.String("entry_id", e.ID.String()))
	return nil
}

func (t *entryTx) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM time_entries WHERE id = ?`, id.String())
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: entry %s", domain.ErrNotFound, id)
	}
	t.log.Debug("entry deleted", slog.String("entry_id", id.String()))
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (domain.TimeEntry, error) {
	var (
		e                       domain.TimeEntry
		id, workerID            string
		ticketID, projectID     sql.NullString
		taskID                  sql.NullString
		end                     sql.NullTime
		durationMin             sql.NullInt64
		hourlyRate, totalAmount decimal.NullDecimal
	)
	err := row.Scan(
		&id, &workerID, &ticketID, &projectID, &taskID, &e.Description,
		&e.Start, &end, &durationMin, &e.Billable, &e.Billed,
		&hourlyRate, &totalAmount, &e.RequestID, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	if e.ID, err = uuid.Parse(id); err != nil {
		return domain.TimeEntry{}, err
	}
	if e.WorkerID, err = uuid.Parse(workerID); err != nil {
		return domain.TimeEntry{}, err
	}
	if e.TicketID, err = parseNullUUID(ticketID); err != nil {
		return domain.TimeEntry{}, err
	}
	if e.ProjectID, err = parseNullUUID(projectID); err != nil {
		return domain.TimeEntry{}, err
	}
	if e.TaskID, err = parseNullUUID(taskID); err != nil {
		return domain.TimeEntry{}, err
	}
	if end.Valid {
		t := end.Time.UTC()
		e.End = &t
	}
	if durationMin.Valid {
		m := int(durationMin.Int64)
		e.DurationMin = &m
	}
	if hourlyRate.Valid {
		d := hourlyRate.Decimal
		e.HourlyRate = &d
	}
	if totalAmount.Valid {
		d := totalAmount.Decimal
		e.TotalAmount = &d
	}
	e.Start = e.Start.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]domain.TimeEntry, error) {
	var out []domain.TimeEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

func parseNullUUID(s sql.NullString) (*uuid.UUID, error) {
	if !s.Valid {
		return nil, nil
	}
	id, err := uuid.Parse(s.String)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func uuidArg(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func intArg(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func decArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.StringFixed(2)
}

func minutesToHours(mins int64) decimal.Decimal {
	return decimal.NewFromInt(mins).Div(decimal.NewFromInt(60)).Round(2)
}

// sqliteConstraint is the primary SQLITE_CONSTRAINT result code; extended
// codes carry it in their low byte.
const sqliteConstraint = 19

// storeErr classifies driver failures. A unique-constraint violation on
// time_entries can only come from uniq_running, which guards the
// one-running-entry-per-worker slot, so it surfaces as a conflict; other
// failures are transient so callers can retry the whole operation. Domain
// errors pass through untouched.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrUnavailable) {
		return err
	}
	var sErr *sqlite.Error
	if errors.As(err, &sErr) && sErr.Code()&0xff == sqliteConstraint {
		return fmt.Errorf("%w: another timer operation is in progress", domain.ErrConflict)
	}
	return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
}
