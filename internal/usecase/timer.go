package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"timekeep/internal/domain"
	"timekeep/internal/ports"
)

// TimerUseCase is the timer controller: it owns every state transition over
// the "current running entry for a worker" slot. No other component creates
// or closes a running entry.
//
// Worker identity is always an explicit argument, verified upstream by the
// auth layer; the engine never synthesizes it.
type TimerUseCase struct {
	Log      *slog.Logger
	Store    ports.EntryStore
	Resolver RateResolver
	Notify   ports.Notifier
	// Now is the clock; defaults to time.Now. Injected for tests.
	Now func() time.Time
}

// StartParams carries the inputs of a timer start or switch.
type StartParams struct {
	TicketID    *uuid.UUID `json:"ticket_id,omitempty"`
	ProjectID   *uuid.UUID `json:"project_id,omitempty"`
	TaskID      *uuid.UUID `json:"task_id,omitempty"`
	Description string     `json:"description,omitempty"`
	Billable    *bool      `json:"billable,omitempty"` // nil means true
	// RequestID is an optional idempotency key. Re-sending a start with the
	// same key while its timer is still running returns that timer instead
	// of stopping and restarting it.
	RequestID string `json:"request_id,omitempty"`
}

// ManualParams carries the inputs of a retroactive (already closed) entry.
type ManualParams struct {
	TicketID    *uuid.UUID `json:"ticket_id,omitempty"`
	ProjectID   *uuid.UUID `json:"project_id,omitempty"`
	TaskID      *uuid.UUID `json:"task_id,omitempty"`
	Description string     `json:"description"`
	Start       time.Time  `json:"start_time"`
	End         time.Time  `json:"end_time"`
	Billable    bool       `json:"billable"`
}

// EditParams is a partial update; nil fields keep their stored value.
type EditParams struct {
	TicketID    *uuid.UUID       `json:"ticket_id,omitempty"`
	ProjectID   *uuid.UUID       `json:"project_id,omitempty"`
	TaskID      *uuid.UUID       `json:"task_id,omitempty"`
	Description *string          `json:"description,omitempty"`
	Billable    *bool            `json:"billable,omitempty"`
	Start       *time.Time       `json:"start_time,omitempty"`
	End         *time.Time       `json:"end_time,omitempty"`
	HourlyRate  *decimal.Decimal `json:"hourly_rate,omitempty"`
}

func (uc *TimerUseCase) now() time.Time {
	if uc.Now != nil {
		return uc.Now().UTC()
	}
	return time.Now().UTC()
}

// Start begins a new timer for the worker. Any timer already running for the
// worker is implicitly stopped first, with its end set to the new timer's
// start; the stop and the start commit as one transaction, so no observer
// ever sees zero or two running entries for the worker.
func (uc *TimerUseCase) Start(ctx context.Context, workerID uuid.UUID, p StartParams) (domain.ActiveTimer, error) {
	created, closed, reused, err := uc.startTimer(ctx, workerID, p)
	if err != nil {
		return domain.ActiveTimer{}, err
	}
	if !reused {
		if closed != nil {
			uc.publish("entry closed", func() error { return uc.Notify.EntryClosed(ctx, *closed) })
		}
		uc.publish("entry created", func() error { return uc.Notify.EntryCreated(ctx, created) })
	}
	return created.ActiveTimer(uc.now()), nil
}

// Switch stops the current timer (if any) and starts a new one with the given
// parameters, atomically. It behaves exactly like Start but emits a single
// "switched" event instead of separate stop and start events.
func (uc *TimerUseCase) Switch(ctx context.Context, workerID uuid.UUID, p StartParams) (domain.ActiveTimer, error) {
	created, closed, reused, err := uc.startTimer(ctx, workerID, p)
	if err != nil {
		return domain.ActiveTimer{}, err
	}
	if !reused {
		uc.publish("timer switched", func() error { return uc.Notify.TimerSwitched(ctx, closed, created) })
	}
	return created.ActiveTimer(uc.now()), nil
}

// startTimer holds the shared stop-then-start transition. It returns the new
// running entry, the previously running entry it closed (if any), and whether
// the call was short-circuited by an idempotency-key match.
func (uc *TimerUseCase) startTimer(ctx context.Context, workerID uuid.UUID, p StartParams) (domain.TimeEntry, *domain.TimeEntry, bool, error) {
	if err := uc.validateAssociation(ctx, p.TicketID, p.ProjectID); err != nil {
		return domain.TimeEntry{}, nil, false, err
	}

	start := uc.now()
	billable := true
	if p.Billable != nil {
		billable = *p.Billable
	}

	var (
		created domain.TimeEntry
		closed  *domain.TimeEntry
		reused  bool
	)
	err := uc.Store.InTx(ctx, func(tx ports.EntryTx) error {
		running, err := tx.RunningForWorker(ctx, workerID)
		if err != nil {
			return err
		}
		if running != nil {
			// Retried request: the timer it asked for is already running.
			if p.RequestID != "" && running.RequestID == p.RequestID {
				created = *running
				reused = true
				return nil
			}
			if err := uc.closeEntry(ctx, tx, running, start); err != nil {
				return err
			}
			closed = running
		}
		created = domain.TimeEntry{
			ID:          uuid.New(),
			WorkerID:    workerID,
			TicketID:    p.TicketID,
			ProjectID:   p.ProjectID,
			TaskID:      p.TaskID,
			Description: p.Description,
			Start:       start,
			Billable:    billable,
			RequestID:   p.RequestID,
			CreatedAt:   start,
			UpdatedAt:   start,
		}
		return tx.Insert(ctx, created)
	})
	if err != nil {
		return domain.TimeEntry{}, nil, false, err
	}
	if !reused {
		uc.Log.Info("timer started",
			slog.String("entry_id", created.ID.String()),
			slog.String("worker_id", workerID.String()),
			slog.Bool("stopped_previous", closed != nil),
		)
	}
	return created, closed, reused, nil
}

// Stop closes a running entry. With an entry id it must belong to the worker
// and still be running; without one, whichever entry is running for the
// worker is closed. Returns the closed entry with duration and billing set.
func (uc *TimerUseCase) Stop(ctx context.Context, workerID uuid.UUID, entryID *uuid.UUID) (domain.TimeEntry, error) {
	end := uc.now()
	var stopped domain.TimeEntry
	err := uc.Store.InTx(ctx, func(tx ports.EntryTx) error {
		var e domain.TimeEntry
		if entryID != nil {
			got, err := tx.Get(ctx, *entryID)
			if err != nil {
				return err
			}
			if got.WorkerID != workerID || !got.IsRunning() {
				return fmt.Errorf("%w: no matching running entry", domain.ErrNotFound)
			}
			e = got
		} else {
			running, err := tx.RunningForWorker(ctx, workerID)
			if err != nil {
				return err
			}
			if running == nil {
				return fmt.Errorf("%w: no running timer", domain.ErrNotFound)
			}
			e = *running
		}
		if err := uc.closeEntry(ctx, tx, &e, end); err != nil {
			return err
		}
		stopped = e
		return nil
	})
	if err != nil {
		return domain.TimeEntry{}, err
	}
	uc.Log.Info("timer stopped",
		slog.String("entry_id", stopped.ID.String()),
		slog.Int("duration_minutes", *stopped.DurationMin),
	)
	uc.publish("entry closed", func() error { return uc.Notify.EntryClosed(ctx, stopped) })
	return stopped, nil
}

// CreateManual records an already-closed entry for retroactive or offline
// work. It never touches the worker's running timer.
func (uc *TimerUseCase) CreateManual(ctx context.Context, workerID uuid.UUID, p ManualParams) (domain.TimeEntry, error) {
	if err := uc.validateAssociation(ctx, p.TicketID, p.ProjectID); err != nil {
		return domain.TimeEntry{}, err
	}
	mins, err := domain.DurationMinutes(p.Start, p.End)
	if err != nil {
		return domain.TimeEntry{}, err
	}

	now := uc.now()
	start := p.Start.UTC()
	end := p.End.UTC()
	e := domain.TimeEntry{
		ID:          uuid.New(),
		WorkerID:    workerID,
		TicketID:    p.TicketID,
		ProjectID:   p.ProjectID,
		TaskID:      p.TaskID,
		Description: p.Description,
		Start:       start,
		End:         &end,
		DurationMin: &mins,
		Billable:    p.Billable,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = uc.Store.InTx(ctx, func(tx ports.EntryTx) error {
		if err := uc.updateBilling(ctx, &e); err != nil {
			return err
		}
		return tx.Insert(ctx, e)
	})
	if err != nil {
		return domain.TimeEntry{}, err
	}
	uc.Log.Info("manual entry created",
		slog.String("entry_id", e.ID.String()),
		slog.Int("duration_minutes", mins),
	)
	uc.publish("entry created", func() error { return uc.Notify.EntryCreated(ctx, e) })
	return e, nil
}

// Edit merges partial fields into an entry. When start and end are both
// present after the merge the duration is recomputed, and billing is
// recomputed for closed entries. Billed entries are immutable.
func (uc *TimerUseCase) Edit(ctx context.Context, entryID uuid.UUID, p EditParams) (domain.TimeEntry, error) {
	if err := uc.validateAssociation(ctx, p.TicketID, p.ProjectID); err != nil {
		return domain.TimeEntry{}, err
	}

	var (
		updated    domain.TimeEntry
		wasRunning bool
	)
	err := uc.Store.InTx(ctx, func(tx ports.EntryTx) error {
		e, err := tx.Get(ctx, entryID)
		if err != nil {
			return err
		}
		if e.Billed {
			return fmt.Errorf("%w: entry %s is billed", domain.ErrConflict, entryID)
		}
		wasRunning = e.IsRunning()

		if p.TicketID != nil {
			e.TicketID = p.TicketID
		}
		if p.ProjectID != nil {
			e.ProjectID = p.ProjectID
		}
		if p.TaskID != nil {
			e.TaskID = p.TaskID
		}
		if p.Description != nil {
			e.Description = *p.Description
		}
		if p.Billable != nil {
			e.Billable = *p.Billable
		}
		if p.HourlyRate != nil {
			e.HourlyRate = p.HourlyRate
		}
		if p.Start != nil {
			s := p.Start.UTC()
			e.Start = s
		}
		if p.End != nil {
			// A running entry may be closed by supplying an end; a closed
			// entry never transitions back to running.
			end := p.End.UTC()
			e.End = &end
		}
		if e.End != nil {
			mins, err := domain.DurationMinutes(e.Start, *e.End)
			if err != nil {
				return err
			}
			e.DurationMin = &mins
			if err := uc.updateBilling(ctx, &e); err != nil {
				return err
			}
		}
		e.UpdatedAt = uc.now()
		if err := tx.Update(ctx, e); err != nil {
			return err
		}
		updated = e
		return nil
	})
	if err != nil {
		return domain.TimeEntry{}, err
	}
	if wasRunning && !updated.IsRunning() {
		uc.publish("entry closed", func() error { return uc.Notify.EntryClosed(ctx, updated) })
	}
	return updated, nil
}

// Delete removes an entry. Billed entries cannot be removed.
func (uc *TimerUseCase) Delete(ctx context.Context, entryID uuid.UUID) error {
	return uc.Store.InTx(ctx, func(tx ports.EntryTx) error {
		e, err := tx.Get(ctx, entryID)
		if err != nil {
			return err
		}
		if e.Billed {
			return fmt.Errorf("%w: entry %s is billed", domain.ErrConflict, entryID)
		}
		return tx.Delete(ctx, e.ID)
	})
}

// Get returns a single entry.
func (uc *TimerUseCase) Get(ctx context.Context, entryID uuid.UUID) (domain.TimeEntry, error) {
	return uc.Store.Get(ctx, entryID)
}

// List returns entries matching the filter, newest first.
func (uc *TimerUseCase) List(ctx context.Context, f domain.EntryFilter) ([]domain.TimeEntry, error) {
	return uc.Store.List(ctx, f)
}

// ActiveTimers projects the running entries of one worker, or of all workers
// when workerID is nil.
func (uc *TimerUseCase) ActiveTimers(ctx context.Context, workerID *uuid.UUID) ([]domain.ActiveTimer, error) {
	running, err := uc.Store.ListRunning(ctx, workerID)
	if err != nil {
		return nil, err
	}
	now := uc.now()
	timers := make([]domain.ActiveTimer, 0, len(running))
	for i := range running {
		timers = append(timers, running[i].ActiveTimer(now))
	}
	return timers, nil
}

// closeEntry transitions Running -> Closed in place: sets end, derives the
// duration and applies billing. Must run inside the caller's transaction.
func (uc *TimerUseCase) closeEntry(ctx context.Context, tx ports.EntryTx, e *domain.TimeEntry, end time.Time) error {
	if !end.After(e.Start) {
		// Stop within the clock's resolution of the start; nudge the end
		// forward so closed entries always satisfy end > start.
		end = e.Start.Add(time.Second)
	}
	mins, err := domain.DurationMinutes(e.Start, end)
	if err != nil {
		return err
	}
	e.End = &end
	e.DurationMin = &mins
	e.UpdatedAt = uc.now()
	if err := uc.updateBilling(ctx, e); err != nil {
		return err
	}
	return tx.Update(ctx, *e)
}

// updateBilling populates rate and total for a closed entry. A rate already
// on the entry is preserved (manual overrides win); only a nil rate is
// resolved. Non-billable entries always total zero.
func (uc *TimerUseCase) updateBilling(ctx context.Context, e *domain.TimeEntry) error {
	if e.End == nil || e.DurationMin == nil {
		return nil
	}
	rate := e.HourlyRate
	if rate == nil {
		r, err := uc.Resolver.Resolve(ctx, *e)
		if err != nil {
			return err
		}
		rate = &r
	}
	total := BillableAmount(*rate, *e.DurationMin, e.Billable)
	e.HourlyRate = rate
	e.TotalAmount = &total
	return nil
}

// validateAssociation checks that referenced tickets and projects exist.
func (uc *TimerUseCase) validateAssociation(ctx context.Context, ticketID, projectID *uuid.UUID) error {
	if ticketID != nil {
		if _, err := uc.Resolver.Source.TicketClient(ctx, *ticketID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("%w: unknown ticket %s", domain.ErrValidation, ticketID)
			}
			return err
		}
	}
	if projectID != nil {
		if _, err := uc.Resolver.Source.ProjectClient(ctx, *projectID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("%w: unknown project %s", domain.ErrValidation, projectID)
			}
			return err
		}
	}
	return nil
}

// publish delivers a notification best-effort. Failures are logged and
// dropped; the store transaction has already committed by the time events go
// out, so delivery problems never roll it back.
func (uc *TimerUseCase) publish(event string, fn func() error) {
	if uc.Notify == nil {
		return
	}
	if err := fn(); err != nil {
		uc.Log.Warn("notification failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
