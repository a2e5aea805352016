package usecase

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"timekeep/internal/domain"
	"timekeep/internal/ports"
)

// RateResolver determines the hourly rate for a time entry. Precedence:
//
//	1. rate already stored on the entry (never overwritten)
//	2. rate configured for the worker
//	3. rate configured for the entry's project
//	4. rate configured for the entry's client (via ticket, then project)
//	5. the system-wide default
//
// The first tier with a configured value wins. Resolution only reads
// configuration and has no side effects.
type RateResolver struct {
	Source  ports.RateSource
	Default decimal.Decimal
}

// Resolve returns the applicable hourly rate for the entry.
func (r RateResolver) Resolve(ctx context.Context, e domain.TimeEntry) (decimal.Decimal, error) {
	if e.HourlyRate != nil {
		return *e.HourlyRate, nil
	}
	if rate, err := r.Source.WorkerRate(ctx, e.WorkerID); err != nil {
		return decimal.Zero, err
	} else if rate != nil {
		return *rate, nil
	}
	if e.ProjectID != nil {
		if rate, err := r.Source.ProjectRate(ctx, *e.ProjectID); err != nil {
			return decimal.Zero, err
		} else if rate != nil {
			return *rate, nil
		}
	}
	clientID, err := r.clientFor(ctx, e)
	if err != nil {
		return decimal.Zero, err
	}
	if clientID != nil {
		if rate, err := r.Source.ClientRate(ctx, *clientID); err != nil {
			return decimal.Zero, err
		} else if rate != nil {
			return *rate, nil
		}
	}
	return r.Default, nil
}

// clientFor derives the entry's client transitively: ticket first, then
// project. A dangling association resolves to no client rather than failing,
// since billing must still complete for historical entries.
func (r RateResolver) clientFor(ctx context.Context, e domain.TimeEntry) (*uuid.UUID, error) {
	if e.TicketID != nil {
		clientID, err := r.Source.TicketClient(ctx, *e.TicketID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if clientID != nil {
			return clientID, nil
		}
	}
	if e.ProjectID != nil {
		clientID, err := r.Source.ProjectClient(ctx, *e.ProjectID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if clientID != nil {
			return clientID, nil
		}
	}
	return nil, nil
}

// BillableAmount computes rate * minutes/60 rounded half-up to two decimal
// places. Non-billable work always totals zero regardless of rate or
// duration.
func BillableAmount(rate decimal.Decimal, minutes int, billable bool) decimal.Decimal {
	if !billable {
		return decimal.Zero
	}
	hours := decimal.NewFromInt(int64(minutes)).Div(decimal.NewFromInt(60))
	return rate.Mul(hours).Round(2)
}
