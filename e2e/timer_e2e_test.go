//go:build e2e

package e2e

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	msql "timekeep/internal/adapter/mysql"
	"timekeep/internal/domain"
	"timekeep/internal/migrate"
	"timekeep/internal/usecase"
)

func TestTimerLifecycleOnMySQL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping in short mode")
	}
	ctx := context.Background()

	// Start MySQL container
	req := testcontainers.ContainerRequest{
		Image:        "mysql:8.0",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_DATABASE":      "testdb",
			"MYSQL_ROOT_PASSWORD": "secret",
			"MYSQL_USER":          "test",
			"MYSQL_PASSWORD":      "pass",
		},
		WaitingFor: wait.ForListeningPort("3306/tcp").WithStartupTimeout(90 * time.Second),
	}
	mysqlC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start mysql container: %v", err)
	}
	t.Cleanup(func() { _ = mysqlC.Terminate(context.Background()) })

	host, err := mysqlC.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := mysqlC.MappedPort(ctx, "3306/tcp")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&multiStatements=true", "test", "pass", host, port.Port(), "testdb")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if err := migrate.Run(ctx, dsn, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := msql.NewStore(ctx, dsn, logger)
	if err != nil {
		t.Fatalf("mysql store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	now := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	uc := &usecase.TimerUseCase{
		Log:      logger,
		Store:    store,
		Resolver: usecase.RateResolver{Source: store, Default: decimal.NewFromInt(80)},
		Now:      func() time.Time { return now },
	}
	worker := uuid.New()

	first, err := uc.Start(ctx, worker, usecase.StartParams{Description: "first task"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// A second start implicitly closes the first.
	now = now.Add(45 * time.Minute)
	second, err := uc.Start(ctx, worker, usecase.StartParams{Description: "second task"})
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("expected a new entry on second start")
	}

	closed, err := uc.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if closed.DurationMin == nil || *closed.DurationMin != 45 {
		t.Fatalf("expected 45 minutes on the first entry, got %v", closed.DurationMin)
	}
	if closed.TotalAmount == nil || !closed.TotalAmount.Equal(decimal.RequireFromString("60")) {
		t.Fatalf("expected 60.00 total for 45 min at 80/hr, got %v", closed.TotalAmount)
	}

	now = now.Add(30 * time.Minute)
	stopped, err := uc.Stop(ctx, worker, nil)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.ID != second.ID {
		t.Fatalf("stop closed %s, want %s", stopped.ID, second.ID)
	}

	// Verify the single-running-entry invariant at the SQL level.
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("sql open: %v", err)
	}
	defer db.Close()

	var running int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM time_entries WHERE worker_id = ? AND end_time IS NULL",
		worker.String(),
	).Scan(&running); err != nil {
		t.Fatalf("count running: %v", err)
	}
	if running != 0 {
		t.Fatalf("expected no running entries after stop, got %d", running)
	}

	var total int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM time_entries WHERE worker_id = ?", worker.String(),
	).Scan(&total); err != nil {
		t.Fatalf("count total: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 entries, got %d", total)
	}

	// At no point may a worker hold two open entries, even across restarts of
	// the flow above.
	now = now.Add(time.Minute)
	if _, err := uc.Start(ctx, worker, usecase.StartParams{}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	now = now.Add(time.Minute)
	if _, err := uc.Switch(ctx, worker, usecase.StartParams{Description: "switched"}); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM time_entries WHERE worker_id = ? AND end_time IS NULL",
		worker.String(),
	).Scan(&running); err != nil {
		t.Fatalf("count running: %v", err)
	}
	if running != 1 {
		t.Fatalf("expected exactly one running entry, got %d", running)
	}

	// Racing first-starts for a worker with no running entry must never leave
	// two open entries; the schema's uniq_running key rejects the loser, which
	// surfaces as a conflict.
	racer := uuid.New()
	const racers = 8
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := uc.Start(ctx, racer, usecase.StartParams{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil && !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("racing start: %v", err)
		}
	}
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM time_entries WHERE worker_id = ? AND end_time IS NULL",
		racer.String(),
	).Scan(&running); err != nil {
		t.Fatalf("count racing running: %v", err)
	}
	if running != 1 {
		t.Fatalf("expected exactly one running entry after racing starts, got %d", running)
	}
}
