package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"timekeep/internal/domain"
	"timekeep/internal/ports"
)

// Store implements ports.EntryStore and ports.RateSource over MySQL.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// NewStore opens a MySQL connection using the provided DSN.
// Example DSN: user:pass@tcp(host:3306)/dbname?parseTime=true&multiStatements=true
func NewStore(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("mysql: DSN is required")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	// Conservative pool defaults; can be adjusted via env later.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	c, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(c); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}

// Close closes the underlying DB.
func (s *Store) Close() error { return s.db.Close() }

const entryCols = `id, worker_id, ticket_id, project_id, task_id, description,
 start_time, end_time, duration_minutes, billable, billed,
 hourly_rate, total_amount, request_id, created_at, updated_at`

// InTx runs fn in a single read-committed transaction. Row locks taken by
// the EntryTx reads serialize concurrent operations on the same worker's
// running-entry slot.
func (s *Store) InTx(ctx context.Context, fn func(tx ports.EntryTx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
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
		 ORDER BY start_time DESC LIMIT 1
		 FOR UPDATE`, workerID.String())
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
		`SELECT `+entryCols+` FROM time_entries WHERE id = ? FOR UPDATE`, id.String())
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

// erDupEntry is MySQL's duplicate-key error. On time_entries it can only come
// from the uniq_running key, which guards the one-running-entry-per-worker slot.
const erDupEntry = 1062

// storeErr classifies driver failures. A duplicate-key violation means a
// concurrent operation won the worker's running-entry slot and surfaces as a
// conflict; other failures are transient so callers can retry the whole
// operation. Domain errors pass through untouched.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrUnavailable) {
		return err
	}
	var mErr *mysql.MySQLError
	if errors.As(err, &mErr) && mErr.Number == erDupEntry {
		return fmt.Errorf("%w: another timer operation is in progress", domain.ErrConflict)
	}
	return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
}
