package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"timekeep/internal/domain"
	"timekeep/internal/ports"
)

// StatsUseCase computes per-worker daily and weekly rollups. Aggregates are
// read-only snapshots taken straight from the store.
type StatsUseCase struct {
	Log   *slog.Logger
	Store ports.EntryStore
	// WeekStart is the configured first day of the week, default Monday.
	WeekStart time.Weekday
	// Loc is the timezone day and week boundaries are drawn in; nil means UTC.
	Loc *time.Location
	Now func() time.Time
}

// ForWorker returns the stats snapshot for the worker at the current instant.
func (uc *StatsUseCase) ForWorker(ctx context.Context, workerID uuid.UUID) (domain.TimeStats, error) {
	now := time.Now()
	if uc.Now != nil {
		now = uc.Now()
	}
	loc := uc.Loc
	if loc == nil {
		loc = time.UTC
	}
	dayStart := StartOfDay(now, loc)
	weekStart := StartOfWeek(now, uc.WeekStart, loc)
	return uc.Store.Stats(ctx, workerID, dayStart, weekStart)
}

// StartOfDay returns midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// StartOfWeek returns midnight of the most recent `first` weekday at or
// before t, in loc.
func StartOfWeek(t time.Time, first time.Weekday, loc *time.Location) time.Time {
	day := StartOfDay(t, loc)
	back := (int(day.Weekday()) - int(first) + 7) % 7
	return day.AddDate(0, 0, -back)
}
