package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Resyncer is the part of SyncService recovery depends on.
type Resyncer interface {
	ResyncSubject(ctx context.Context, subjectID string) SyncResult
}

// RecoveryDecision reports what AttemptRecovery did.
type RecoveryDecision struct {
	SubjectKey string          `json:"subjectKey"`
	Started    bool            `json:"started"`
	Skipped    SkipReason      `json:"skipped,omitempty"`
	Attempt    RecoveryAttempt `json:"attempt"`
	Result     *SyncResult     `json:"result,omitempty"`
}

type RecoveryCoordinatorOptions struct {
	State    *SafetyState
	Sync     Resyncer
	Ledger   LedgerStore
	Alerts   AlertSink
	Logger   *slog.Logger
	Timeout  time.Duration
	Schedule func(task Task) bool
}

// RecoveryCoordinator runs single-subject resyncs behind the safety gates:
// one attempt in flight per subject, a capped attempt count, a cooldown
// between attempts and a global concurrency cap.
type RecoveryCoordinator struct {
	state    *SafetyState
	sync     Resyncer
	ledger   LedgerStore
	alerts   AlertSink
	logger   *slog.Logger
	timeout  time.Duration
	schedule func(task Task) bool
}

func NewRecoveryCoordinator(opts RecoveryCoordinatorOptions) *RecoveryCoordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	alerts := opts.Alerts
	if alerts == nil {
		alerts = LogAlertSink{Logger: logger}
	}
	state := opts.State
	if state == nil {
		state = NewSafetyState(DefaultSafetyLimits(), nil)
	}
	return &RecoveryCoordinator{
		state:    state,
		sync:     opts.Sync,
		ledger:   opts.Ledger,
		alerts:   alerts,
		logger:   logger,
		timeout:  timeout,
		schedule: opts.Schedule,
	}
}

// AttemptRecovery runs one recovery synchronously if every gate passes.
// Failures are recorded on the attempt; nothing is returned as an error.
func (c *RecoveryCoordinator) AttemptRecovery(ctx context.Context, subjectKey, reason string) (decision RecoveryDecision) {
	subjectKey = strings.TrimSpace(subjectKey)
	decision.SubjectKey = subjectKey
	if subjectKey == "" {
		decision.Skipped = SkipReason("invalid_subject")
		return decision
	}
	attempt, skip := c.state.BeginRecovery(subjectKey, reason)
	decision.Attempt = attempt
	if skip != SkipNone {
		decision.Skipped = skip
		c.logger.Debug("recovery skipped", "subject", subjectKey, "reason", reason, "skip", skip, "attempts", attempt.AttemptCount)
		return decision
	}
	decision.Started = true
	c.persist(ctx, attempt)
	c.logger.Info("recovery started", "subject", subjectKey, "reason", reason, "attempt", attempt.AttemptCount)

	var failure error
	defer func() {
		if r := recover(); r != nil {
			failure = fmt.Errorf("recovery panic: %v", r)
		}
		finished, kept := c.state.FinishRecovery(subjectKey, failure)
		decision.Attempt = finished
		if !kept {
			c.logger.Info("recovery outcome dropped, subject was reset", "subject", subjectKey, "failed", failure != nil)
			return
		}
		c.persist(context.Background(), finished)
		if failure != nil {
			c.logger.Warn("recovery failed", "subject", subjectKey, "attempt", finished.AttemptCount, "error", failure)
			if finished.AttemptCount >= c.state.Limits().MaxRecoveryAttempts {
				c.alerts.Record(AlertRecoveryFailed, subjectKey, fmt.Sprintf("recovery exhausted after %d attempts: %v", finished.AttemptCount, failure))
			}
			return
		}
		c.logger.Info("recovery succeeded", "subject", subjectKey, "attempt", finished.AttemptCount)
	}()

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	result := c.sync.ResyncSubject(runCtx, subjectKey)
	decision.Result = &result
	if !result.Success {
		failure = fmt.Errorf("resync %s: %s", result.ErrorCode, result.Error)
	}
	return decision
}

// ScheduleRecovery hands the attempt to the worker pool and returns whether
// it was accepted.
func (c *RecoveryCoordinator) ScheduleRecovery(subjectKey, reason string) bool {
	subjectKey = strings.TrimSpace(subjectKey)
	if subjectKey == "" {
		return false
	}
	if c.schedule == nil {
		// Without a worker pool the attempt runs inline.
		return c.AttemptRecovery(context.Background(), subjectKey, reason).Started
	}
	return c.schedule(Task{Kind: TaskRecovery, Key: subjectKey, Reason: reason})
}

// Reset clears a subject's attempt history so recovery may run again.
func (c *RecoveryCoordinator) Reset(ctx context.Context, subjectKey string) (bool, error) {
	subjectKey = strings.TrimSpace(subjectKey)
	if subjectKey == "" {
		return false, ErrInvalidInput
	}
	existed := c.state.ResetRecovery(subjectKey)
	if c.ledger != nil {
		err := c.ledger.Delete(ctx, TableRecoveryAttempts, subjectKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return existed, err
		}
		if err == nil {
			existed = true
		}
	}
	c.logger.Info("recovery reset", "subject", subjectKey, "existed", existed)
	return existed, nil
}

// Attempt returns the current recovery record for a subject.
func (c *RecoveryCoordinator) Attempt(subjectKey string) (RecoveryAttempt, bool) {
	return c.state.RecoveryAttempt(subjectKey)
}

func (c *RecoveryCoordinator) InFlight() int {
	return c.state.InFlightCount()
}

// Restore loads persisted attempts into the safety state.
func (c *RecoveryCoordinator) Restore(ctx context.Context) error {
	if c.ledger == nil {
		return nil
	}
	rows, err := c.ledger.List(ctx, TableRecoveryAttempts)
	if err != nil {
		return err
	}
	for _, row := range rows {
		var attempt RecoveryAttempt
		if err := decodeRow(row, &attempt); err != nil {
			c.logger.Warn("skip unreadable recovery attempt", "subject", row.Key, "error", err)
			continue
		}
		if attempt.SubjectKey == "" {
			attempt.SubjectKey = row.Key
		}
		c.state.RestoreRecoveryAttempt(attempt)
	}
	return nil
}

func (c *RecoveryCoordinator) persist(ctx context.Context, attempt RecoveryAttempt) {
	if c.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := putRecord(ctx, c.ledger, TableRecoveryAttempts, attempt.SubjectKey, attempt); err != nil {
		c.logger.Error("persist recovery attempt", "subject", attempt.SubjectKey, "error", err)
	}
}
