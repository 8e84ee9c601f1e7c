// Package app wires the mass ingestion engine's CLI surface: it loads
// configuration, connects to Postgres, applies migrations, and drives one
// Coordinator run per invocation, the way the teacher's internal/app
// dispatches serve/migrate/seed subcommands from a single Run entrypoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/massingest/engine/internal/config"
	"github.com/massingest/engine/internal/db"
	"github.com/massingest/engine/internal/httpserver"
	"github.com/massingest/engine/internal/middleware"
	"github.com/massingest/engine/internal/models"
	"github.com/massingest/engine/internal/progress"
	"github.com/massingest/engine/internal/statusapi"
)

// Run dispatches the mass-download CLI's subcommands.
func Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("expected command: ingest, resume, retry-dlq, or migrate")
	}

	switch args[0] {
	case "ingest":
		return runIngest(ctx, args[1:])
	case "resume":
		return runResume(ctx, args[1:])
	case "retry-dlq":
		return runRetryDLQ(ctx, args[1:])
	case "migrate":
		return runMigrations(ctx, args[1:])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level, AddSource: true}))
	slog.SetDefault(logger)
	return logger
}

// runIngest processes an input file end-to-end: process_input over every
// (Person, ChannelRef) pair it contains, then Shutdown (spec §4.M).
func runIngest(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: ingest <input-file> [job-id]")
	}
	inputFile := args[0]

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	inputs, err := ParseInputFile(inputFile)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		logger.Warn("input file contains no channels", "path", inputFile)
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	jobID := uuid.NewString()
	if len(args) > 1 {
		jobID = args[1]
	}

	deps, err := buildDependencies(ctx, pool, cfg, jobID, inputFile, logger)
	if err != nil {
		return err
	}

	resourceCtx, stopResource := context.WithCancel(ctx)
	deps.resourceMon.Start(resourceCtx)
	defer stopResource()

	stopStatus := maybeStartStatusServer(cfg, logger, deps)
	defer stopStatus()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchInterrupt(runCtx, cancel, logger)

	logger.Info("starting ingestion job", "job_id", jobID, "channels", len(inputs))
	results, err := deps.coordinator.ProcessInput(runCtx, inputs)
	if err != nil {
		logger.Error("process_input failed", "error", err)
	}

	var failed int
	for _, r := range results {
		if r.Status == "failed" {
			failed++
			logger.Warn("channel failed", "channel", r.Channel, "error", r.ErrorMessage)
		}
	}

	if shutdownErr := deps.coordinator.Shutdown(ctx); shutdownErr != nil {
		logger.Error("shutdown failed", "error", shutdownErr)
	}

	if err != nil {
		return err
	}
	if failed > 0 && failed == len(results) {
		return fmt.Errorf("app: all %d channels failed", failed)
	}
	if failed > 0 {
		return exitPartial{failed: failed, total: len(results)}
	}
	return nil
}

// exitPartial signals scenario 3's "partial failure" outcome (spec §6's CLI
// exit code 2) to main without coupling this package to os.Exit directly.
type exitPartial struct {
	failed, total int
}

func (e exitPartial) Error() string {
	return fmt.Sprintf("%d of %d channels failed", e.failed, e.total)
}

// ExitCode classifies err per spec §6: 0 success, 2 partial, 1 unrecoverable.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var partial exitPartial
	if errors.As(err, &partial) {
		return 2
	}
	return 1
}

func runResume(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: resume <job-id> <input-file>")
	}
	jobID := args[0]
	inputFile := ""
	if len(args) > 1 {
		inputFile = args[1]
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	var inputs []models.ChannelInput
	if inputFile != "" {
		inputs, err = ParseInputFile(inputFile)
		if err != nil {
			return err
		}
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	deps, err := buildDependencies(ctx, pool, cfg, jobID, inputFile, logger)
	if err != nil {
		return err
	}

	resourceCtx, stopResource := context.WithCancel(ctx)
	deps.resourceMon.Start(resourceCtx)
	defer stopResource()

	if err := deps.coordinator.ResumeJob(ctx, jobID); err != nil {
		return fmt.Errorf("app: resume job %s: %w", jobID, err)
	}
	logger.Info("resumed job", "job_id", jobID)

	if len(inputs) == 0 {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchInterrupt(runCtx, cancel, logger)

	_, err = deps.coordinator.ProcessInput(runCtx, inputs)
	if shutdownErr := deps.coordinator.Shutdown(ctx); shutdownErr != nil {
		logger.Error("shutdown failed", "error", shutdownErr)
	}
	return err
}

func runRetryDLQ(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: retry-dlq <job-id>")
	}
	jobID := args[0]

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	deps, err := buildDependencies(ctx, pool, cfg, jobID, "", logger)
	if err != nil {
		return err
	}

	successful, failed := deps.coordinator.RetryFailedOperations(ctx)
	logger.Info("retried dead-letter queue", "successful", successful, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("app: %d dead-letter items still failed after retry", failed)
	}
	return nil
}

// maybeStartStatusServer starts the optional §6.1 status endpoint when
// MASSDL_STATUS_PORT is configured, returning a no-op stop function when it
// is not. The coordinator runs identically either way.
func maybeStartStatusServer(cfg config.Config, logger *slog.Logger, deps *dependencies) func() {
	if cfg.StatusPort <= 0 {
		return func() {}
	}

	mux := http.NewServeMux()
	lookup := func(id string) (progress.Snapshot, bool) {
		if id != deps.coordinator.JobID() {
			return progress.Snapshot{}, false
		}
		return deps.coordinator.Snapshot(), true
	}
	statusapi.RegisterRoutes(mux, lookup)

	limiter := middleware.NewIPRateLimiter(20, time.Second, 40, 5*time.Minute)
	handler := middleware.RequestLogger(logger)(rateLimited(limiter, mux))

	srv := httpserver.New(cfg.StatusPort, handler)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server failed", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpserver.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("status server shutdown failed", "error", err)
		}
	}
}

func rateLimited(limiter middleware.RateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow(r.RemoteAddr) {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func watchInterrupt(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	select {
	case <-ctx.Done():
	case sig := <-signalCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}
}

const (
	migrationMaxRetries  = 3
	migrationBaseBackoff = 100 * time.Millisecond
	migrationMaxBackoff  = 3 * time.Second
)

var retryablePgErrorCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
}

func runMigrations(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	command := "up"
	if len(args) > 0 {
		command = args[0]
	}

	migrationDir := cfg.MigrationDir
	if !filepath.IsAbs(migrationDir) {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determine working directory: %w", err)
		}
		migrationDir = filepath.Join(wd, migrationDir)
	}

	entries, err := os.ReadDir(migrationDir)
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	var migrations []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if filepath.Ext(entry.Name()) != ".sql" {
			continue
		}
		migrations = append(migrations, entry.Name())
	}

	sort.Strings(migrations)

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
                version TEXT PRIMARY KEY,
                applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	rows, err := conn.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("fetch applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate applied migrations: %w", err)
	}

	switch command {
	case "status":
		for _, name := range migrations {
			if _, ok := applied[name]; ok {
				fmt.Printf("[x] %s\n", name)
			} else {
				fmt.Printf("[ ] %s\n", name)
			}
		}
		return nil
	case "up", "":
		if len(migrations) == 0 {
			fmt.Println("no migrations to apply")
			return nil
		}

		for _, name := range migrations {
			if _, ok := applied[name]; ok {
				continue
			}

			path := filepath.Join(migrationDir, name)
			contents, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read migration %s: %w", name, err)
			}

			if err := applyMigrationWithRetry(ctx, conn, name, string(contents)); err != nil {
				return err
			}

			fmt.Printf("applied migration %s\n", name)
		}
		return nil
	case "down":
		return errors.New("down migrations are not supported yet")
	default:
		return fmt.Errorf("unknown migrate command %q", command)
	}
}

func applyMigrationWithRetry(ctx context.Context, conn *pgxpool.Conn, name string, contents string) error {
	var attempt int
	for attempt = 0; attempt < migrationMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * migrationBaseBackoff
			if backoff > migrationMaxBackoff {
				backoff = migrationMaxBackoff
			}
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			timer.Stop()
		}

		tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return fmt.Errorf("begin migration transaction for %s: %w", name, err)
		}

		if _, err := tx.Exec(ctx, contents); err != nil {
			_ = tx.Rollback(ctx)
			if shouldRetryMigration(err) && attempt < migrationMaxRetries-1 {
				fmt.Printf("transient error applying migration %s (attempt %d/%d): %v\n", name, attempt+1, migrationMaxRetries, err)
				continue
			}
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback(ctx)
			if shouldRetryMigration(err) && attempt < migrationMaxRetries-1 {
				fmt.Printf("transient error recording migration %s (attempt %d/%d): %v\n", name, attempt+1, migrationMaxRetries, err)
				continue
			}
			return fmt.Errorf("record migration %s: %w", name, err)
		}

		if err := tx.Commit(ctx); err != nil {
			_ = tx.Rollback(ctx)
			if shouldRetryMigration(err) && attempt < migrationMaxRetries-1 {
				fmt.Printf("transient error committing migration %s (attempt %d/%d): %v\n", name, attempt+1, migrationMaxRetries, err)
				continue
			}
			return fmt.Errorf("commit migration %s: %w", name, err)
		}

		return nil
	}

	return fmt.Errorf("apply migration %s: exceeded max retries (%d)", name, attempt)
}

func shouldRetryMigration(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := retryablePgErrorCodes[pgErr.Code]; ok {
			return true
		}
	}

	if errors.Is(err, pgx.ErrTxClosed) {
		return true
	}

	return false
}
