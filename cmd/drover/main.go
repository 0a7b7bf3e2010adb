// Command drover runs the multi-account automation daemon: it syncs the
// account fleet and workflow catalog from config, then serves scheduled
// workflow runs until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/drover-sh/drover/internal/driver"
	"github.com/drover-sh/drover/internal/engine"
	"github.com/drover-sh/drover/internal/expressions"
	"github.com/drover-sh/drover/internal/logging"
	"github.com/drover-sh/drover/internal/plugins"
	"github.com/drover-sh/drover/internal/scheduler"
	"github.com/drover-sh/drover/internal/session"
	"github.com/drover-sh/drover/internal/store"
	"github.com/drover-sh/drover/internal/validation"
	"github.com/drover-sh/drover/internal/vault"
	"github.com/drover-sh/drover/internal/workflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "drover:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	passphrase := os.Getenv("DROVER_VAULT_PASSPHRASE")
	if passphrase == "" {
		return fmt.Errorf("DROVER_VAULT_PASSPHRASE is required")
	}
	salt, err := vaultSalt()
	if err != nil {
		return err
	}
	v, err := vault.NewAESVault(st, vault.Config{Passphrase: passphrase, Salt: salt})
	if err != nil {
		return err
	}

	drv, err := driver.NewMCPDriver(cfg.Driver, logger)
	if err != nil {
		return err
	}

	events := store.NewEventLog(st)
	sessions := session.NewCoordinator(drv, v, logger,
		session.WithIdleTimeout(duration(cfg.IdleTimeout, 15*time.Minute)),
		session.WithEventAppender(events),
	)

	catalog, err := plugins.NewCatalog()
	if err != nil {
		return err
	}
	engines, err := expressions.NewEngines()
	if err != nil {
		return err
	}
	validator, err := validation.NewValidator()
	if err != nil {
		return err
	}

	runner := workflow.NewRunner(workflow.Config{
		Store:     st,
		Events:    events,
		Catalog:   catalog,
		Sessions:  sessions,
		Engine:    engine.New(logger),
		Engines:   engines,
		Interp:    expressions.NewInterpolator(v),
		Validator: validator,
		Logger:    logger,
	})

	accounts, err := loadAccounts(cfg.AccountsPath)
	if err != nil {
		return err
	}
	for _, acct := range accounts {
		if err := st.UpsertAccount(ctx, acct); err != nil {
			return fmt.Errorf("sync account %s: %w", acct.ID, err)
		}
	}

	workflows, err := loadWorkflows(cfg.WorkflowsPath)
	if err != nil {
		return err
	}

	pool := engine.NewWorkerPool(cfg.PoolSize)
	guard := engine.NewCooldownGuard(engine.CooldownConfig{
		FailureThreshold: cfg.Cooldown.FailureThreshold,
		Window:           duration(cfg.Cooldown.Window, 10*time.Minute),
		ProbeMax:         1,
	})

	sched := scheduler.NewScheduler(scheduler.Config{
		Store:        st,
		Runner:       runner,
		Workflows:    workflows,
		Pool:         pool,
		Guard:        guard,
		TickInterval: duration(cfg.TickInterval, time.Minute),
		Logger:       logger,
	})

	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("recovering missed jobs", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	go reapIdleSessions(ctx, sessions)

	logger.Info("drover started",
		"db", cfg.DBPath,
		"accounts", len(accounts),
		"workflows", len(workflows),
		"pool_size", cfg.PoolSize,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := sched.Stop(); err != nil {
		logger.Warn("stopping scheduler", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sessions.CloseAll(shutdownCtx)
	pool.Close()
	return nil
}

// reapIdleSessions periodically tears down sessions past the idle timeout so
// abandoned driver processes do not accumulate.
func reapIdleSessions(ctx context.Context, sessions *session.Coordinator) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions.CloseIdle(ctx)
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
	})
	return slog.New(logging.NewCorrelationHandler(handler))
}
