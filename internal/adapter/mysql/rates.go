package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"timekeep/internal/domain"
)

// Rate configuration and client derivation. The billing_rates, tickets and
// projects tables are owned by the wider platform; this adapter only reads
// them.

func (s *Store) WorkerRate(ctx context.Context, workerID uuid.UUID) (*decimal.Decimal, error) {
	return s.rateFor(ctx, "worker", workerID)
}

func (s *Store) ProjectRate(ctx context.Context, projectID uuid.UUID) (*decimal.Decimal, error) {
	return s.rateFor(ctx, "project", projectID)
}

func (s *Store) ClientRate(ctx context.Context, clientID uuid.UUID) (*decimal.Decimal, error) {
	return s.rateFor(ctx, "client", clientID)
}

func (s *Store) rateFor(ctx context.Context, scope string, scopeID uuid.UUID) (*decimal.Decimal, error) {
	var rate decimal.NullDecimal
	err := s.db.QueryRowContext(ctx,
		`SELECT hourly_rate FROM billing_rates WHERE scope = ? AND scope_id = ?`,
		scope, scopeID.String(),
	).Scan(&rate)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !rate.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	d := rate.Decimal
	return &d, nil
}

func (s *Store) TicketClient(ctx context.Context, ticketID uuid.UUID) (*uuid.UUID, error) {
	return s.clientFrom(ctx, `SELECT client_id FROM tickets WHERE id = ?`, "ticket", ticketID)
}

func (s *Store) ProjectClient(ctx context.Context, projectID uuid.UUID) (*uuid.UUID, error) {
	return s.clientFrom(ctx, `SELECT client_id FROM projects WHERE id = ?`, "project", projectID)
}

func (s *Store) clientFrom(ctx context.Context, q, kind string, id uuid.UUID) (*uuid.UUID, error) {
	var clientID sql.NullString
	err := s.db.QueryRowContext(ctx, q, id.String()).Scan(&clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrNotFound, kind, id)
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return parseNullUUID(clientID)
}
