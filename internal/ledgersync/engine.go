package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

type EngineOptions struct {
	Config   Config
	Ledger   LedgerStore
	Queue    TaskQueue
	Provider ProviderClient
	Clock    Clock
	Logger   *slog.Logger
	Alerts   AlertSink
}

// Engine wires the intake, sweep, correction and recovery components over
// one Ledger, one Provider and one SafetyState, and owns their lifecycle.
type Engine struct {
	Ledger      LedgerStore
	Provider    ProviderClient
	Clock       Clock
	Logger      *slog.Logger
	State       *SafetyState
	Sync        *SyncService
	Recovery    *RecoveryCoordinator
	Corrector   *AutoCorrectionEngine
	Sweeper     *ReconciliationSweeper
	Intake      *WebhookIntake
	Supervisor  *Supervisor
	Broadcaster *AlertBroadcaster

	ownsLedger bool
	ctx        context.Context
	cancel     context.CancelFunc

	mu            sync.Mutex
	cfg           Config
	started       bool
	closed        bool
	sweepTimers   map[SweepMode]Timer
	forceCritical bool
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	clock := opts.Clock
	if clock == nil {
		clock = RealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ledgerDSN, queueDSN, err := cfg.StorageDSNs()
	if err != nil {
		return nil, err
	}

	ledger := opts.Ledger
	ownsLedger := false
	if ledger == nil {
		ledger, err = BuildLedgerFromDSN(ledgerDSN)
		if err != nil {
			return nil, fmt.Errorf("build ledger: %w", err)
		}
		ownsLedger = true
	}
	queue := opts.Queue
	if queue == nil {
		queue, err = BuildTaskQueueFromDSN(queueDSN, cfg.Storage.QueueSize)
		if err != nil {
			if ownsLedger {
				_ = ledger.Close()
			}
			return nil, fmt.Errorf("build task queue: %w", err)
		}
	}
	provider := opts.Provider
	if provider == nil {
		provider = providerFromConfig(cfg, clock)
	}

	callTimeout := cfg.ExternalCallTimeout()
	broadcaster := NewAlertBroadcaster(clock, 64)
	alerts := MultiAlertSink{
		LogAlertSink{Logger: logger},
		LedgerAlertSink{Ledger: ledger, Clock: clock, Timeout: callTimeout, Logger: logger},
		broadcaster,
		opts.Alerts,
	}

	supervisor := NewSupervisor(SupervisorOptions{Queue: queue, Workers: cfg.Workers, Clock: clock, Logger: logger})
	state := NewSafetyState(cfg.SafetyLimits(), clock)
	syncService := NewSyncService(SyncServiceOptions{
		Ledger:      ledger,
		Provider:    provider,
		Clock:       clock,
		Logger:      logger,
		Tiers:       cfg.TierMapping(),
		CallTimeout: callTimeout,
	})
	recovery := NewRecoveryCoordinator(RecoveryCoordinatorOptions{
		State:    state,
		Sync:     syncService,
		Ledger:   ledger,
		Alerts:   alerts,
		Logger:   logger,
		Timeout:  3 * callTimeout,
		Schedule: supervisor.Submit,
	})
	corrector := NewAutoCorrectionEngine(AutoCorrectorOptions{
		State:    state,
		Sync:     syncService,
		Ledger:   ledger,
		Recovery: recovery,
		Alerts:   alerts,
		Logger:   logger,
		Timeout:  3 * callTimeout,
	})
	sweeper := NewReconciliationSweeper(SweeperOptions{
		Ledger:              ledger,
		Provider:            provider,
		Tiers:               cfg.TierMapping(),
		Corrector:           corrector,
		Alerts:              alerts,
		Clock:               clock,
		Logger:              logger,
		MinInterval:         secondsOr(cfg.Reconciliation.MinIntervalSeconds, time.Hour),
		CriticalMinInterval: secondsOr(cfg.Reconciliation.CriticalMinIntervalSeconds, 5*time.Minute),
		RecentPaymentWindow: time.Duration(cfg.Reconciliation.RecentPaymentWindowHours) * time.Hour,
		Concurrency:         cfg.Reconciliation.Concurrency,
		CallTimeout:         callTimeout,
		AutoCorrect:         cfg.Reconciliation.AutoCorrect,
	})
	intake := NewWebhookIntake(IntakeOptions{
		Ledger:         ledger,
		Provider:       provider,
		Handlers:       DefaultEventHandlers(syncService),
		Scheduler:      supervisor,
		Recovery:       recovery,
		Alerts:         alerts,
		Clock:          clock,
		Logger:         logger,
		MaxRetries:     cfg.Webhooks.MaxRetries,
		BackoffLadder:  cfg.BackoffLadder(),
		HandlerTimeout: secondsOr(cfg.Webhooks.HandlerTimeoutSeconds, 30*time.Second),
		MaxKnownEvents: cfg.Webhooks.MaxKnownEvents,
		InstanceID:     cfg.InstanceID,
	})
	supervisor.Handle(TaskProcessEvent, func(ctx context.Context, task Task) {
		intake.ProcessEvent(ctx, task.Key)
	})
	supervisor.Handle(TaskRecovery, func(ctx context.Context, task Task) {
		recovery.AttemptRecovery(ctx, task.Key, task.Reason)
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		Ledger:        ledger,
		Provider:      provider,
		Clock:         clock,
		Logger:        logger,
		State:         state,
		Sync:          syncService,
		Recovery:      recovery,
		Corrector:     corrector,
		Sweeper:       sweeper,
		Intake:        intake,
		Supervisor:    supervisor,
		Broadcaster:   broadcaster,
		ownsLedger:    ownsLedger,
		ctx:           ctx,
		cancel:        cancel,
		cfg:           cfg,
		sweepTimers:   map[SweepMode]Timer{},
		forceCritical: cfg.Reconciliation.ForceCritical,
	}, nil
}

func providerFromConfig(cfg Config, clock Clock) ProviderClient {
	tolerance := secondsOr(cfg.Provider.SignatureToleranceSeconds, defaultSignatureTolerance)
	if strings.EqualFold(cfg.Provider.Kind, "http") {
		return NewHTTPProviderClient(HTTPProviderOptions{
			BaseURL:         cfg.Provider.BaseURL,
			APIKey:          cfg.Provider.APIKey,
			WebhookSecret:   cfg.Provider.WebhookSecret,
			SignatureWindow: tolerance,
			HTTPClient:      &http.Client{Timeout: cfg.ExternalCallTimeout()},
			UserAgent:       "ledgersync/" + cfg.InstanceID,
			MaxRetries:      cfg.Provider.MaxRetries,
			Now:             clock.Now,
		})
	}
	provider := NewMemoryProvider(cfg.Provider.WebhookSecret)
	provider.SetClock(clock)
	return provider
}

// Start restores recovery state, starts the workers, resumes unfinished
// events and arms the periodic sweeps.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	cfg := e.cfg
	e.mu.Unlock()

	if err := e.Recovery.Restore(ctx); err != nil {
		return fmt.Errorf("restore recovery attempts: %w", err)
	}
	e.Supervisor.Start()
	if _, err := e.Intake.Resume(ctx); err != nil {
		return fmt.Errorf("resume webhook events: %w", err)
	}
	if cfg.Reconciliation.Enabled {
		e.armSweep(SweepFull, secondsOr(cfg.Reconciliation.MinIntervalSeconds, time.Hour))
		e.armSweep(SweepCritical, secondsOr(cfg.Reconciliation.CriticalMinIntervalSeconds, 5*time.Minute))
	}
	e.Logger.Info("engine started",
		"instance", cfg.InstanceID,
		"workers", cfg.Workers,
		"reconciliation", cfg.Reconciliation.Enabled)
	return nil
}

func (e *Engine) armSweep(mode SweepMode, interval time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if previous, ok := e.sweepTimers[mode]; ok {
		previous.Stop()
	}
	e.sweepTimers[mode] = e.Clock.AfterFunc(interval, func() {
		e.runScheduledSweep(mode)
	})
}

func (e *Engine) runScheduledSweep(mode SweepMode) {
	e.mu.Lock()
	cfg := e.cfg
	forceCritical := e.forceCritical
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	_, err := e.Sweeper.Sweep(e.ctx, SweepOptions{Mode: mode, Correct: cfg.Reconciliation.AutoCorrect, ForceCritical: forceCritical})
	if err != nil && !errors.Is(err, context.Canceled) {
		e.Logger.Error("scheduled sweep failed", "mode", mode, "error", err)
	}
	interval := secondsOr(cfg.Reconciliation.MinIntervalSeconds, time.Hour)
	if mode == SweepCritical {
		interval = secondsOr(cfg.Reconciliation.CriticalMinIntervalSeconds, 5*time.Minute)
	}
	e.armSweep(mode, interval)
}

// ApplyConfig applies the reloadable parts of cfg: safety limits, retry
// policy and sweep intervals. Storage and provider settings need a restart.
func (e *Engine) ApplyConfig(cfg Config) {
	e.mu.Lock()
	previous := e.cfg
	e.cfg.Safety = cfg.Safety
	e.cfg.Webhooks.MaxRetries = cfg.Webhooks.MaxRetries
	e.cfg.Webhooks.BackoffLadderSeconds = cfg.Webhooks.BackoffLadderSeconds
	e.cfg.Reconciliation = cfg.Reconciliation
	e.forceCritical = cfg.Reconciliation.ForceCritical
	started := e.started
	e.mu.Unlock()

	e.State.SetLimits(cfg.SafetyLimits())
	e.Intake.SetRetryPolicy(cfg.Webhooks.MaxRetries, cfg.BackoffLadder())
	e.Sweeper.SetIntervals(
		secondsOr(cfg.Reconciliation.MinIntervalSeconds, time.Hour),
		secondsOr(cfg.Reconciliation.CriticalMinIntervalSeconds, 5*time.Minute),
		time.Duration(cfg.Reconciliation.RecentPaymentWindowHours)*time.Hour,
	)
	if started && previous.Reconciliation != cfg.Reconciliation {
		if cfg.Reconciliation.Enabled {
			e.armSweep(SweepFull, secondsOr(cfg.Reconciliation.MinIntervalSeconds, time.Hour))
			e.armSweep(SweepCritical, secondsOr(cfg.Reconciliation.CriticalMinIntervalSeconds, 5*time.Minute))
		} else {
			e.stopSweeps()
		}
	}
	e.Logger.Info("configuration applied",
		"max_retries", cfg.Webhooks.MaxRetries,
		"max_corrections_per_hour", cfg.Safety.MaxCorrectionsPerHour,
		"max_concurrent_recoveries", cfg.Safety.MaxConcurrentRecoveries)
}

func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// ForceCritical reports whether scheduled sweeps may exceed the correction
// budget for CRITICAL issues.
func (e *Engine) ForceCritical() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.forceCritical
}

func (e *Engine) stopSweeps() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for mode, timer := range e.sweepTimers {
		timer.Stop()
		delete(e.sweepTimers, mode)
	}
}

// Close stops the sweeps and the workers and releases the Ledger if the
// engine opened it.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	e.stopSweeps()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.Supervisor.Close()
	if e.ownsLedger {
		return e.Ledger.Close()
	}
	return nil
}
