package ledgersync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Correction actions.
const (
	actionResync        = "resync"
	actionNormalizeTier = "normalize_tier"
)

type correctionSync interface {
	Resyncer
	NormalizeTier(ctx context.Context, subjectID string) ([]string, error)
}

type AutoCorrectorOptions struct {
	State    *SafetyState
	Sync     correctionSync
	Ledger   LedgerStore
	Recovery *RecoveryCoordinator
	Alerts   AlertSink
	Logger   *slog.Logger
	Timeout  time.Duration
}

// AutoCorrectionEngine repairs auto-correctable issues within the hourly
// correction budget.
type AutoCorrectionEngine struct {
	state    *SafetyState
	sync     correctionSync
	ledger   LedgerStore
	recovery *RecoveryCoordinator
	alerts   AlertSink
	logger   *slog.Logger
	timeout  time.Duration
}

func NewAutoCorrectionEngine(opts AutoCorrectorOptions) *AutoCorrectionEngine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	alerts := opts.Alerts
	if alerts == nil {
		alerts = LogAlertSink{Logger: logger}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	state := opts.State
	if state == nil {
		state = NewSafetyState(DefaultSafetyLimits(), nil)
	}
	return &AutoCorrectionEngine{
		state:    state,
		sync:     opts.Sync,
		ledger:   opts.Ledger,
		recovery: opts.Recovery,
		alerts:   alerts,
		logger:   logger,
		timeout:  timeout,
	}
}

// Correct attempts every issue in order. Once the budget is spent further
// issues are skipped, except CRITICAL ones when forceCritical is set.
func (e *AutoCorrectionEngine) Correct(ctx context.Context, issues []Issue, correlationID string, forceCritical bool) CorrectionSummary {
	if strings.TrimSpace(correlationID) == "" {
		correlationID = NewCorrelationID()
	}
	summary := CorrectionSummary{CorrelationID: correlationID, Records: make([]CorrectionRecord, 0, len(issues))}
	resynced := map[string]SyncResult{}
	seen := map[string]struct{}{}

	for _, issue := range issues {
		record := CorrectionRecord{IssueID: issue.ID, SubjectKey: issue.SubjectKey, Kind: issue.Kind}
		if _, dup := seen[issue.ID]; dup && issue.ID != "" {
			continue
		}
		seen[issue.ID] = struct{}{}

		action := correctionAction(issue.Kind)
		record.Action = action
		switch {
		case issue.Corrected:
			record.Outcome, record.Detail = CorrectionSkipped, "already corrected"
		case issue.ResolvedAt != nil:
			record.Outcome, record.Detail = CorrectionSkipped, "already resolved"
		case !issue.AutoCorrectable || action == "":
			record.Outcome, record.Detail = CorrectionSkipped, "not auto-correctable"
		}
		if record.Outcome != "" {
			summary.add(record)
			continue
		}

		// A subject resynced earlier in this pass already reflects the
		// Provider, so later resync-type issues for it ride along for free.
		if prior, ok := resynced[issue.SubjectKey]; ok && action == actionResync {
			if prior.Success {
				record.Outcome, record.Detail = CorrectionApplied, "covered by earlier resync"
				e.markCorrected(ctx, issue)
			} else {
				record.Outcome, record.Detail = CorrectionSkipped, "earlier resync failed"
			}
			summary.add(record)
			continue
		}

		force := forceCritical && issue.Severity == SeverityCritical
		if !e.state.ReserveCorrection(force) {
			record.Outcome, record.Detail = CorrectionSkipped, "rate limit reached"
			summary.RateLimited++
			summary.add(record)
			e.logger.Info("correction rate limited", "issue", issue.ID, "subject", issue.SubjectKey, "kind", issue.Kind, "correlation_id", correlationID)
			continue
		}

		fields, err := e.apply(ctx, issue, action, resynced)
		e.state.SettleCorrection(err == nil)
		if err != nil {
			record.Outcome, record.Detail = CorrectionFailed, err.Error()
			summary.add(record)
			e.logger.Warn("correction failed", "issue", issue.ID, "subject", issue.SubjectKey, "kind", issue.Kind, "action", action, "correlation_id", correlationID, "error", err)
			if issue.Severity.AtLeast(SeverityError) {
				e.alerts.Record(AlertCorrectionFailed, issue.SubjectKey, fmt.Sprintf("%s: %v", issue.Kind, err))
				if e.recovery != nil {
					e.recovery.ScheduleRecovery(issue.SubjectKey, "correction failed: "+string(issue.Kind))
				}
			}
			continue
		}
		record.Outcome = CorrectionApplied
		record.CorrectedFields = fields
		summary.add(record)
		e.markCorrected(ctx, issue)
		e.logger.Info("issue corrected", "issue", issue.ID, "subject", issue.SubjectKey, "kind", issue.Kind, "action", action, "fields", fields, "correlation_id", correlationID)
	}
	return summary
}

// CorrectOpen corrects every persisted issue that is not yet corrected.
func (e *AutoCorrectionEngine) CorrectOpen(ctx context.Context, correlationID string, forceCritical bool) (CorrectionSummary, error) {
	issues, err := OpenIssues(ctx, e.ledger)
	if err != nil {
		return CorrectionSummary{}, err
	}
	return e.Correct(ctx, issues, correlationID, forceCritical), nil
}

func (e *AutoCorrectionEngine) apply(ctx context.Context, issue Issue, action string, resynced map[string]SyncResult) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	switch action {
	case actionNormalizeTier:
		return e.sync.NormalizeTier(ctx, issue.SubjectKey)
	case actionResync:
		result := e.sync.ResyncSubject(ctx, issue.SubjectKey)
		resynced[issue.SubjectKey] = result
		if !result.Success {
			return nil, fmt.Errorf("resync %s: %s", result.ErrorCode, result.Error)
		}
		return result.CorrectedFields, nil
	}
	return nil, fmt.Errorf("%w: correction action %q", ErrNotImplemented, action)
}

func (e *AutoCorrectionEngine) markCorrected(ctx context.Context, issue Issue) {
	if e.ledger == nil || issue.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.ledger.Upsert(ctx, TableIssues, issue.ID, map[string]any{"corrected": true}); err != nil {
		e.logger.Error("mark issue corrected", "issue", issue.ID, "error", err)
	}
}

func correctionAction(kind IssueKind) string {
	switch kind {
	case IssueStatusTierMismatch:
		return actionNormalizeTier
	case IssueMissingLinkedRecord, IssueStaleAfterRecentPayment, IssueProviderLedgerStatusDrift, IssueOrphanedReference:
		return actionResync
	}
	return ""
}

func (s *CorrectionSummary) add(record CorrectionRecord) {
	switch record.Outcome {
	case CorrectionApplied:
		s.Applied++
	case CorrectionFailed:
		s.Failed++
	case CorrectionSkipped:
		s.Skipped++
	}
	s.Records = append(s.Records, record)
}

// OpenIssues lists persisted issues that are neither corrected nor resolved.
func OpenIssues(ctx context.Context, ledger LedgerStore) ([]Issue, error) {
	if ledger == nil {
		return nil, nil
	}
	rows, err := ledger.List(ctx, TableIssues)
	if err != nil {
		return nil, err
	}
	issues := make([]Issue, 0, len(rows))
	for _, row := range rows {
		var issue Issue
		if err := decodeRow(row, &issue); err != nil {
			continue
		}
		if !issue.Open() {
			continue
		}
		issues = append(issues, issue)
	}
	return issues, nil
}
