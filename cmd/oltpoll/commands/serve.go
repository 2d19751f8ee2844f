package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/fiberhive/oltpoll/config"
	"github.com/fiberhive/oltpoll/errors"
	"github.com/fiberhive/oltpoll/logger"
	"github.com/fiberhive/oltpoll/poll"
	"github.com/fiberhive/oltpoll/poll/chain"
	"github.com/fiberhive/oltpoll/poll/lifecycle"
	"github.com/fiberhive/oltpoll/poll/pool"
	"github.com/fiberhive/oltpoll/poll/schedule"
	"github.com/fiberhive/oltpoll/server"
	"github.com/fiberhive/oltpoll/snmp"
)

// ServeCmd starts the polling daemon
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server", "daemon"},
	Short:   "Start the polling daemon and observability server",
	Long: `Start the oltpoll daemon in foreground mode.

The daemon will:
- Recover executions orphaned by the previous process
- Start the poller pool with per-OLT mutual exclusion
- Start the scheduler ticker (due-job dispatch + burst smoothing)
- Serve the JSON API and WebSocket execution stream
- Run until interrupted (Ctrl+C) with graceful drain`,
	RunE: runServe,
}

var (
	servePort   int
	serveDBPath string
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "API port (overrides config)")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Custom database path (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	// liveCfg is what running components consult per operation; a config
	// reload swaps it so new values apply on the next tick.
	liveCfg := &atomic.Pointer[config.Config]{}
	liveCfg.Store(cfg)

	port := servePort
	if port == 0 {
		port = cfg.GetServerPort()
	}

	database, err := openDatabase(serveDBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executions := poll.NewExecutionStore(database)
	jobs := poll.NewJobStore(database)
	olts := poll.NewOLTStore(database)

	// Close out anything the previous process left RUNNING or PENDING.
	recovered, err := lifecycle.RecoverInterrupted(ctx, executions, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "startup recovery failed")
	}
	if recovered > 0 {
		pterm.Info.Printf("Recovered %d interrupted execution(s) from previous run\n", recovered)
	}

	catalog, err := snmp.LoadCatalog(cfg.SNMP.ProfilePath)
	if err != nil {
		return errors.Wrap(err, "failed to load SNMP profile catalog")
	}
	worker := snmp.NewClient(catalog, snmp.ClientConfig{
		RequestsPerSecond: cfg.SNMP.RequestsPerSecond,
		Burst:             cfg.SNMP.Burst,
		Retries:           cfg.SNMP.Retries,
	}, logger.Logger)

	poolCfg := pool.Config{
		Slots:         cfg.Poller.Slots,
		QueueFactor:   cfg.Poller.QueueFactor,
		LockTimeout:   time.Duration(cfg.Poller.LockTimeoutSeconds) * time.Second,
		HardCeiling:   time.Duration(cfg.Poller.HardCeilingSeconds) * time.Second,
		ShutdownGrace: time.Duration(cfg.Poller.ShutdownGraceSeconds) * time.Second,
	}
	timeoutFor := func(op poll.OperationType) time.Duration {
		return liveCfg.Load().OperationFor(string(op)).Timeout()
	}
	p := pool.NewPoolWithContext(ctx, poolCfg, executions, jobs, olts, worker, timeoutFor, logger.Logger)

	delay := lifecycle.NewDelayQueueWithContext(ctx, p, executions, logger.Logger)
	policy := retryPolicy(liveCfg.Load)
	chains := chain.NewCoordinatorWithContext(ctx, executions, jobs, p, policy, logger.Logger)
	manager := lifecycle.NewManager(executions, olts, delay, chains, policy, logger.Logger)

	p.SetCompletionFunc(manager.OnComplete)
	p.SetDelayedCounter(delay.Count)

	schedCfg := scheduleConfig(cfg)
	ticker := schedule.NewTickerWithContext(ctx, schedCfg, jobs, executions, olts, p, delay, logger.Logger)

	srv := server.NewServer(ctx, cfg, database, p, ticker, logger.Logger)
	p.SetBroadcaster(srv)
	ticker.SetBroadcaster(srv)
	manager.SetBroadcaster(srv)

	setupConfigWatcher(srv, liveCfg, ticker, worker)

	p.Start()
	delay.Start()
	ticker.Start()

	pterm.Info.Printf("oltpoll daemon started\n")
	pterm.Printf("  Slots: %d (queue %d)\n", poolCfg.Slots, poolCfg.Slots*poolCfg.QueueFactor)
	pterm.Printf("  Tick interval: %v\n", schedCfg.TickInterval)
	pterm.Printf("  Smoothing cap: %d/minute\n", schedCfg.MaxPerMinute)
	pterm.Printf("  API: http://localhost:%d\n", port)
	pterm.Printf("\nPress Ctrl+C for graceful shutdown\n\n")

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server failed to start")
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			// Stop in reverse order of startup: no new dispatch, drain the
			// retry queue, settle chains, drain slots, then close the API.
			ticker.Stop()
			delay.Stop()
			chains.Stop()
			p.Stop()
			shutdownDone <- srv.Stop()
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("Daemon stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}

// scheduleConfig maps the loaded config to scheduler tuning.
func scheduleConfig(cfg *config.Config) schedule.Config {
	return schedule.Config{
		TickInterval:        cfg.TickInterval(),
		MaxPerMinute:        cfg.Scheduler.MaxExecutionsPerMinute,
		SmoothingWindow:     time.Duration(cfg.Scheduler.SmoothingWindowSeconds) * time.Second,
		SmoothingHysteresis: time.Duration(cfg.Scheduler.SmoothingHysteresisSeconds) * time.Second,
	}
}

// retryPolicy builds the retry policy function over the live config.
// Per-job overrides win over the per-operation-type configuration, and
// internal errors get at most one retry regardless.
func retryPolicy(load func() *config.Config) poll.RetryPolicyFunc {
	return func(job *poll.Job, kind poll.ErrorKind) poll.RetryPolicy {
		op := load().OperationFor(string(job.OperationType))

		maxRetries := op.MaxRetries
		if job.MaxRetries != nil {
			maxRetries = *job.MaxRetries
		}
		delay := op.RetryDelay()
		if job.RetryDelaySeconds != nil {
			delay = time.Duration(*job.RetryDelaySeconds) * time.Second
		}

		if kind == poll.ErrKindInternal && maxRetries > 1 {
			maxRetries = 1
		}

		return poll.RetryPolicy{MaxRetries: maxRetries, Delay: delay}
	}
}

// setupConfigWatcher watches the override config file so PATCH /api/config
// edits and manual edits both land without a restart. Missing file just
// means nothing to watch yet.
func setupConfigWatcher(srv *server.Server, live *atomic.Pointer[config.Config], ticker *schedule.Ticker, worker *snmp.Client) {
	overridePath := config.GetOverrideConfigPath()
	if _, err := os.Stat(overridePath); err != nil {
		logger.Debugw("No override config file, watcher not started", "path", overridePath)
		return
	}

	watcher, err := config.NewConfigWatcher(overridePath)
	if err != nil {
		logger.Warnw("Failed to create config watcher", "path", overridePath, "error", err)
		return
	}

	watcher.OnReload(func(newCfg *config.Config) error {
		live.Store(newCfg)
		ticker.UpdateConfig(scheduleConfig(newCfg))
		worker.SetRate(newCfg.SNMP.RequestsPerSecond, newCfg.SNMP.Burst)

		// Slot count is fixed for the pool's lifetime; a changed
		// poller.slots still needs a restart.
		logger.Infow("Configuration reloaded",
			"tick_interval", newCfg.TickInterval(),
			"max_per_minute", newCfg.Scheduler.MaxExecutionsPerMinute,
			"snmp_rps", newCfg.SNMP.RequestsPerSecond,
		)
		return nil
	})

	watcher.Start()
	config.SetGlobalWatcher(watcher)
	srv.SetConfigWatcher(watcher)
}
