package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"timekeep/internal/domain"
)

// EntryStore is the persistent record of time entries and the single source
// of truth for "is this worker currently timing something". There is no
// in-process cache of active-timer state; every query reads the store fresh.
type EntryStore interface {
	// InTx runs fn inside one transaction. Every mutating timer operation
	// executes entirely within InTx so an aborted request leaves the store
	// in a pre- or post-state only.
	InTx(ctx context.Context, fn func(tx EntryTx) error) error

	Get(ctx context.Context, id uuid.UUID) (domain.TimeEntry, error)
	List(ctx context.Context, f domain.EntryFilter) ([]domain.TimeEntry, error)
	// ListRunning returns running entries for one worker, or for all workers
	// when workerID is nil (supervisory view).
	ListRunning(ctx context.Context, workerID *uuid.UUID) ([]domain.TimeEntry, error)
	// Stats aggregates closed-entry durations and unbilled amounts for a
	// worker. Day and week boundaries are computed by the caller so the SQL
	// stays dialect-portable.
	Stats(ctx context.Context, workerID uuid.UUID, dayStart, weekStart time.Time) (domain.TimeStats, error)

	Close() error
}

// EntryTx is the transactional view used by the timer controller.
// RunningForWorker and Get lock the rows they return (SELECT ... FOR UPDATE
// or the dialect's equivalent) so operations on the same worker's
// running-entry slot are linearizable.
type EntryTx interface {
	// RunningForWorker returns the worker's running entry, or nil when no
	// timer is active.
	RunningForWorker(ctx context.Context, workerID uuid.UUID) (*domain.TimeEntry, error)
	Get(ctx context.Context, id uuid.UUID) (domain.TimeEntry, error)
	Insert(ctx context.Context, e domain.TimeEntry) error
	Update(ctx context.Context, e domain.TimeEntry) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// RateSource reads billing configuration owned by the wider platform. A nil
// decimal with a nil error means no rate is configured at that tier.
// TicketClient and ProjectClient report domain.ErrNotFound for unknown ids,
// which doubles as association validation for the timer controller.
type RateSource interface {
	WorkerRate(ctx context.Context, workerID uuid.UUID) (*decimal.Decimal, error)
	ProjectRate(ctx context.Context, projectID uuid.UUID) (*decimal.Decimal, error)
	ClientRate(ctx context.Context, clientID uuid.UUID) (*decimal.Decimal, error)
	// TicketClient resolves the client a ticket belongs to; nil when the
	// ticket has no client.
	TicketClient(ctx context.Context, ticketID uuid.UUID) (*uuid.UUID, error)
	// ProjectClient resolves the client a project belongs to; nil when the
	// project has no client.
	ProjectClient(ctx context.Context, projectID uuid.UUID) (*uuid.UUID, error)
}

// Notifier receives engine events. Delivery is best-effort: the caller logs
// and drops errors, and publishing never rolls back a store transaction.
type Notifier interface {
	EntryCreated(ctx context.Context, e domain.TimeEntry) error
	EntryClosed(ctx context.Context, e domain.TimeEntry) error
	TimerSwitched(ctx context.Context, closed *domain.TimeEntry, started domain.TimeEntry) error
}
