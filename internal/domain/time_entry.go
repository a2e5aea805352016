package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TimeEntry is the central record of the engine: one tracked interval of work.
// End == nil means the entry is running (an active timer). DurationMin,
// HourlyRate and TotalAmount are derived and stay nil until the entry closes.
type TimeEntry struct {
	ID          uuid.UUID        `json:"id"`
	WorkerID    uuid.UUID        `json:"worker_id"`
	TicketID    *uuid.UUID       `json:"ticket_id,omitempty"`
	ProjectID   *uuid.UUID       `json:"project_id,omitempty"`
	TaskID      *uuid.UUID       `json:"task_id,omitempty"`
	Description string           `json:"description,omitempty"`
	Start       time.Time        `json:"start_time"`
	End         *time.Time       `json:"end_time,omitempty"`
	DurationMin *int             `json:"duration_minutes,omitempty"`
	Billable    bool             `json:"billable"`
	Billed      bool             `json:"billed"`
	HourlyRate  *decimal.Decimal `json:"hourly_rate,omitempty"`
	TotalAmount *decimal.Decimal `json:"total_amount,omitempty"`
	RequestID   string           `json:"-"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// IsRunning reports whether the entry is an active timer.
func (e *TimeEntry) IsRunning() bool {
	return e.End == nil
}

// ActiveTimer projects a running entry as seen by timer views. It is computed
// at read time and never persisted; ElapsedMin is derived from now - Start.
func (e *TimeEntry) ActiveTimer(now time.Time) ActiveTimer {
	return ActiveTimer{
		ID:          e.ID,
		WorkerID:    e.WorkerID,
		TicketID:    e.TicketID,
		ProjectID:   e.ProjectID,
		TaskID:      e.TaskID,
		Description: e.Description,
		Start:       e.Start,
		ElapsedMin:  ElapsedMinutes(e.Start, now),
		Billable:    e.Billable,
	}
}

// ActiveTimer is the read-only projection of a running TimeEntry.
type ActiveTimer struct {
	ID          uuid.UUID  `json:"id"`
	WorkerID    uuid.UUID  `json:"worker_id"`
	TicketID    *uuid.UUID `json:"ticket_id,omitempty"`
	ProjectID   *uuid.UUID `json:"project_id,omitempty"`
	TaskID      *uuid.UUID `json:"task_id,omitempty"`
	Description string     `json:"description,omitempty"`
	Start       time.Time  `json:"start_time"`
	ElapsedMin  int        `json:"elapsed_minutes"`
	Billable    bool       `json:"billable"`
}

// TimeStats is the per-worker aggregate snapshot.
type TimeStats struct {
	TotalHoursToday    decimal.Decimal `json:"total_hours_today"`
	BillableHoursToday decimal.Decimal `json:"billable_hours_today"`
	TotalHoursWeek     decimal.Decimal `json:"total_hours_week"`
	BillableHoursWeek  decimal.Decimal `json:"billable_hours_week"`
	UnbilledAmount     decimal.Decimal `json:"unbilled_amount"`
	ActiveTimers       int             `json:"active_timers"`
}

// EntryFilter narrows List queries. Nil fields are not applied.
type EntryFilter struct {
	WorkerID  *uuid.UUID
	TicketID  *uuid.UUID
	ProjectID *uuid.UUID
	Billable  *bool
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}
