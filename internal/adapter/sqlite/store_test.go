package sqlite

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"timekeep/internal/domain"
	"timekeep/internal/ports"
)

type StoreTestSuite struct {
	suite.Suite
	store  *Store
	worker uuid.UUID
}

func (s *StoreTestSuite) SetupTest() {
	store, err := NewStore(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(s.T(), err, "failed to create test store")
	s.store = store
	s.worker = uuid.New()
}

func (s *StoreTestSuite) TearDownTest() {
	if s.store != nil {
		s.store.Close()
	}
}

func (s *StoreTestSuite) insert(e domain.TimeEntry) domain.TimeEntry {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.WorkerID == uuid.Nil {
		e.WorkerID = s.worker
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = e.Start
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.Start
	}
	err := s.store.InTx(context.Background(), func(tx ports.EntryTx) error {
		return tx.Insert(context.Background(), e)
	})
	require.NoError(s.T(), err)
	return e
}

func (s *StoreTestSuite) TestInsertAndGetRoundTrip() {
	ctx := context.Background()
	ticket := uuid.New()
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Minute)
	mins := 90
	rate := decimal.RequireFromString("80.00")
	total := decimal.RequireFromString("120.00")

	in := s.insert(domain.TimeEntry{
		TicketID:    &ticket,
		Description: "round trip",
		Start:       start,
		End:         &end,
		DurationMin: &mins,
		Billable:    true,
		HourlyRate:  &rate,
		TotalAmount: &total,
		RequestID:   "req-9",
	})

	got, err := s.store.Get(ctx, in.ID)
	require.NoError(s.T(), err)
	s.Equal(in.ID, got.ID)
	s.Equal(s.worker, got.WorkerID)
	require.NotNil(s.T(), got.TicketID)
	s.Equal(ticket, *got.TicketID)
	s.Nil(got.ProjectID)
	s.Equal("round trip", got.Description)
	s.True(got.Start.Equal(start))
	require.NotNil(s.T(), got.End)
	s.True(got.End.Equal(end))
	s.Equal(90, *got.DurationMin)
	s.True(got.Billable)
	s.False(got.Billed)
	s.True(got.HourlyRate.Equal(rate))
	s.True(got.TotalAmount.Equal(total))
	s.Equal("req-9", got.RequestID)
}

func (s *StoreTestSuite) TestGetMissing() {
	_, err := s.store.Get(context.Background(), uuid.New())
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *StoreTestSuite) TestUpdateMissing() {
	err := s.store.InTx(context.Background(), func(tx ports.EntryTx) error {
		return tx.Update(context.Background(), domain.TimeEntry{
			ID:       uuid.New(),
			WorkerID: s.worker,
			Start:    time.Now().UTC(),
		})
	})
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *StoreTestSuite) TestDeleteMissing() {
	err := s.store.InTx(context.Background(), func(tx ports.EntryTx) error {
		return tx.Delete(context.Background(), uuid.New())
	})
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *StoreTestSuite) TestTxRollbackOnError() {
	ctx := context.Background()
	id := uuid.New()
	boom := errors.New("boom")

	err := s.store.InTx(ctx, func(tx ports.EntryTx) error {
		if err := tx.Insert(ctx, domain.TimeEntry{
			ID:        id,
			WorkerID:  s.worker,
			Start:     time.Now().UTC(),
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	_, err = s.store.Get(ctx, id)
	s.ErrorIs(err, domain.ErrNotFound, "rolled-back insert must not be visible")
}

func (s *StoreTestSuite) TestRunningForWorker() {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	running := s.insert(domain.TimeEntry{Start: start, Billable: true})

	end := start.Add(time.Hour)
	mins := 60
	s.insert(domain.TimeEntry{
		Start:       start.Add(-2 * time.Hour),
		End:         &end,
		DurationMin: &mins,
		Billable:    true,
	})

	err := s.store.InTx(ctx, func(tx ports.EntryTx) error {
		got, err := tx.RunningForWorker(ctx, s.worker)
		if err != nil {
			return err
		}
		require.NotNil(s.T(), got)
		s.Equal(running.ID, got.ID)

		none, err := tx.RunningForWorker(ctx, uuid.New())
		if err != nil {
			return err
		}
		s.Nil(none)
		return nil
	})
	require.NoError(s.T(), err)
}

func (s *StoreTestSuite) TestListFilters() {
	ctx := context.Background()
	ticket := uuid.New()
	project := uuid.New()
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	closed := func(start time.Time, e domain.TimeEntry) domain.TimeEntry {
		end := start.Add(time.Hour)
		mins := 60
		e.Start = start
		e.End = &end
		e.DurationMin = &mins
		return e
	}

	a := s.insert(closed(base, domain.TimeEntry{TicketID: &ticket, Billable: true}))
	b := s.insert(closed(base.Add(24*time.Hour), domain.TimeEntry{ProjectID: &project, Billable: true}))
	c := s.insert(closed(base.Add(48*time.Hour), domain.TimeEntry{Billable: false}))
	s.insert(closed(base, domain.TimeEntry{WorkerID: uuid.New(), Billable: true}))

	// Worker filter, newest first.
	got, err := s.store.List(ctx, domain.EntryFilter{WorkerID: &s.worker})
	require.NoError(s.T(), err)
	require.Len(s.T(), got, 3)
	s.Equal(c.ID, got[0].ID)
	s.Equal(b.ID, got[1].ID)
	s.Equal(a.ID, got[2].ID)

	got, err = s.store.List(ctx, domain.EntryFilter{TicketID: &ticket})
	require.NoError(s.T(), err)
	require.Len(s.T(), got, 1)
	s.Equal(a.ID, got[0].ID)

	got, err = s.store.List(ctx, domain.EntryFilter{ProjectID: &project})
	require.NoError(s.T(), err)
	require.Len(s.T(), got, 1)
	s.Equal(b.ID, got[0].ID)

	billable := false
	got, err = s.store.List(ctx, domain.EntryFilter{WorkerID: &s.worker, Billable: &billable})
	require.NoError(s.T(), err)
	require.Len(s.T(), got, 1)
	s.Equal(c.ID, got[0].ID)

	from := base.Add(12 * time.Hour)
	to := base.Add(36 * time.Hour)
	got, err = s.store.List(ctx, domain.EntryFilter{WorkerID: &s.worker, From: &from, To: &to})
	require.NoError(s.T(), err)
	require.Len(s.T(), got, 1)
	s.Equal(b.ID, got[0].ID)

	// Paging.
	got, err = s.store.List(ctx, domain.EntryFilter{WorkerID: &s.worker, Limit: 2})
	require.NoError(s.T(), err)
	s.Len(got, 2)
	got, err = s.store.List(ctx, domain.EntryFilter{WorkerID: &s.worker, Limit: 2, Offset: 2})
	require.NoError(s.T(), err)
	s.Len(got, 1)
}

func (s *StoreTestSuite) TestRateConfiguration() {
	ctx := context.Background()
	worker := uuid.New()
	project := uuid.New()
	client := uuid.New()
	ticket := uuid.New()

	require.NoError(s.T(), s.store.SetRate(ctx, "worker", worker, decimal.RequireFromString("95")))
	require.NoError(s.T(), s.store.SetRate(ctx, "project", project, decimal.RequireFromString("85")))
	require.NoError(s.T(), s.store.SetRate(ctx, "client", client, decimal.RequireFromString("70")))
	require.NoError(s.T(), s.store.SeedTicket(ctx, ticket, &client))
	require.NoError(s.T(), s.store.SeedProject(ctx, project, &client))

	rate, err := s.store.WorkerRate(ctx, worker)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), rate)
	s.True(rate.Equal(decimal.RequireFromString("95")))

	rate, err = s.store.ProjectRate(ctx, project)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), rate)
	s.True(rate.Equal(decimal.RequireFromString("85")))

	rate, err = s.store.ClientRate(ctx, client)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), rate)
	s.True(rate.Equal(decimal.RequireFromString("70")))

	// Unconfigured scopes yield no rate, not an error.
	rate, err = s.store.WorkerRate(ctx, uuid.New())
	require.NoError(s.T(), err)
	s.Nil(rate)

	got, err := s.store.TicketClient(ctx, ticket)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), got)
	s.Equal(client, *got)

	got, err = s.store.ProjectClient(ctx, project)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), got)
	s.Equal(client, *got)

	_, err = s.store.TicketClient(ctx, uuid.New())
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *StoreTestSuite) TestSecondRunningEntryRejected() {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	s.insert(domain.TimeEntry{Start: start, Billable: true})

	// The schema itself holds the running-entry slot, so a second open entry
	// for the same worker fails even if the controller logic is bypassed.
	err := s.store.InTx(ctx, func(tx ports.EntryTx) error {
		return tx.Insert(ctx, domain.TimeEntry{
			ID:        uuid.New(),
			WorkerID:  s.worker,
			Start:     start.Add(time.Minute),
			Billable:  true,
			CreatedAt: start,
			UpdatedAt: start,
		})
	})
	s.ErrorIs(err, domain.ErrConflict)

	running, err := s.store.ListRunning(ctx, &s.worker)
	require.NoError(s.T(), err)
	s.Len(running, 1)

	// Other workers and closed entries are unaffected.
	s.insert(domain.TimeEntry{WorkerID: uuid.New(), Start: start, Billable: true})
	end := start.Add(time.Hour)
	mins := 60
	s.insert(domain.TimeEntry{Start: start.Add(-2 * time.Hour), End: &end, DurationMin: &mins, Billable: true})
}

func (s *StoreTestSuite) TestMutationsAreLogged() {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	store, err := NewStore(":memory:", log)
	require.NoError(s.T(), err)
	defer store.Close()

	ctx := context.Background()
	id := uuid.New()
	err = store.InTx(ctx, func(tx ports.EntryTx) error {
		e := domain.TimeEntry{
			ID:        id,
			WorkerID:  uuid.New(),
			Start:     time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
			Billable:  true,
			CreatedAt: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
			UpdatedAt: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
		}
		if err := tx.Insert(ctx, e); err != nil {
			return err
		}
		end := e.Start.Add(time.Hour)
		e.End = &end
		if err := tx.Update(ctx, e); err != nil {
			return err
		}
		return tx.Delete(ctx, e.ID)
	})
	require.NoError(s.T(), err)

	out := buf.String()
	s.Contains(out, "entry inserted")
	s.Contains(out, "entry updated")
	s.Contains(out, "entry deleted")
	s.Contains(out, id.String())
}

func (s *StoreTestSuite) TestTicketWithoutClient() {
	ctx := context.Background()
	ticket := uuid.New()
	require.NoError(s.T(), s.store.SeedTicket(ctx, ticket, nil))

	got, err := s.store.TicketClient(ctx, ticket)
	require.NoError(s.T(), err)
	s.Nil(got, "a known ticket may have no client")
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}
