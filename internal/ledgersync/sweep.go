package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

type SweeperOptions struct {
	Ledger              LedgerStore
	Provider            ProviderClient
	Tiers               TierMapping
	Corrector           *AutoCorrectionEngine
	Alerts              AlertSink
	Clock               Clock
	Logger              *slog.Logger
	MinInterval         time.Duration
	CriticalMinInterval time.Duration
	RecentPaymentWindow time.Duration
	Concurrency         int
	CallTimeout         time.Duration
	AutoCorrect         bool
}

// SweepOptions controls a single sweep.
type SweepOptions struct {
	Mode          SweepMode
	Force         bool
	Correct       bool
	ForceCritical bool
}

// ReconciliationSweeper compares every linked subject in the Ledger with the
// Provider and records the drift it finds.
type ReconciliationSweeper struct {
	ledger      LedgerStore
	provider    ProviderClient
	tiers       TierMapping
	corrector   *AutoCorrectionEngine
	alerts      AlertSink
	clock       Clock
	logger      *slog.Logger
	concurrency int
	callTimeout time.Duration
	autoCorrect bool

	// issuesMu serializes issue dedup and resolution between modes.
	issuesMu sync.Mutex

	mu            sync.Mutex
	intervals     map[SweepMode]time.Duration
	paymentWindow time.Duration
	lastStarted   map[SweepMode]time.Time
	running       map[SweepMode]bool
	lastRun       *ReconciliationRun
}

func NewReconciliationSweeper(opts SweeperOptions) *ReconciliationSweeper {
	clock := opts.Clock
	if clock == nil {
		clock = RealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	alerts := opts.Alerts
	if alerts == nil {
		alerts = LogAlertSink{Logger: logger}
	}
	minInterval := opts.MinInterval
	if minInterval <= 0 {
		minInterval = time.Hour
	}
	criticalInterval := opts.CriticalMinInterval
	if criticalInterval <= 0 {
		criticalInterval = 5 * time.Minute
	}
	paymentWindow := opts.RecentPaymentWindow
	if paymentWindow <= 0 {
		paymentWindow = 24 * time.Hour
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &ReconciliationSweeper{
		ledger:        opts.Ledger,
		provider:      opts.Provider,
		tiers:         opts.Tiers.withDefaults(),
		corrector:     opts.Corrector,
		alerts:        alerts,
		clock:         clock,
		logger:        logger,
		concurrency:   concurrency,
		callTimeout:   callTimeout,
		autoCorrect:   opts.AutoCorrect,
		intervals:     map[SweepMode]time.Duration{SweepFull: minInterval, SweepCritical: criticalInterval},
		paymentWindow: paymentWindow,
		lastStarted:   map[SweepMode]time.Time{},
		running:       map[SweepMode]bool{},
	}
}

// RunCheck runs a full sweep unless one ran within the minimum interval.
func (s *ReconciliationSweeper) RunCheck(ctx context.Context, force bool) (Report, error) {
	return s.Sweep(ctx, SweepOptions{Mode: SweepFull, Force: force, Correct: s.autoCorrect})
}

// RunCriticalCheck reports only ERROR and CRITICAL drift on its own,
// shorter, interval.
func (s *ReconciliationSweeper) RunCriticalCheck(ctx context.Context, force bool) (Report, error) {
	return s.Sweep(ctx, SweepOptions{Mode: SweepCritical, Force: force, Correct: s.autoCorrect})
}

// SetIntervals changes the throttle windows for future sweeps.
func (s *ReconciliationSweeper) SetIntervals(full, critical, paymentWindow time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if full > 0 {
		s.intervals[SweepFull] = full
	}
	if critical > 0 {
		s.intervals[SweepCritical] = critical
	}
	if paymentWindow > 0 {
		s.paymentWindow = paymentWindow
	}
}

// LastRun returns the most recent completed run, if any.
func (s *ReconciliationSweeper) LastRun() *ReconciliationRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		return nil
	}
	run := *s.lastRun
	return &run
}

func (s *ReconciliationSweeper) Sweep(ctx context.Context, opts SweepOptions) (Report, error) {
	mode := opts.Mode
	if mode == "" {
		mode = SweepFull
	}
	started := s.clock.Now()
	report := Report{Mode: mode, IssuesBySeverity: map[Severity]int{}, Issues: []Issue{}, StartedAt: started}

	s.mu.Lock()
	previous, ranBefore := s.lastStarted[mode]
	interval := s.intervals[mode]
	paymentWindow := s.paymentWindow
	if s.running[mode] {
		s.mu.Unlock()
		report.Throttled = true
		report.FinishedAt = started
		return report, nil
	}
	if !opts.Force && ranBefore && started.Sub(previous) < interval {
		s.mu.Unlock()
		next := previous.Add(interval)
		report.Throttled = true
		report.NextAllowedAt = &next
		report.FinishedAt = started
		s.logger.Debug("sweep throttled", "mode", mode, "next_allowed_at", next)
		return report, nil
	}
	s.lastStarted[mode] = started
	s.running[mode] = true
	s.mu.Unlock()

	failed := true
	defer func() {
		s.mu.Lock()
		s.running[mode] = false
		if failed {
			if ranBefore {
				s.lastStarted[mode] = previous
			} else {
				delete(s.lastStarted, mode)
			}
		}
		s.mu.Unlock()
	}()

	correlationID := NewCorrelationID()
	report.CorrelationID = correlationID
	logger := s.logger.With("correlation_id", correlationID, "mode", mode)

	subjects, subscriptions, err := s.loadLedger(ctx)
	if err != nil {
		logger.Error("sweep aborted", "error", err)
		return report, err
	}
	failed = false

	issues, judged, providerErrors := s.scan(ctx, subjects, subscriptions, started, paymentWindow)
	scanned := len(judged)
	detected := make(map[issueKey]bool, len(issues))
	for _, issue := range issues {
		detected[keyOf(issue)] = true
	}
	if mode == SweepCritical {
		filtered := issues[:0]
		for _, issue := range issues {
			if issue.Severity.AtLeast(SeverityError) {
				filtered = append(filtered, issue)
			}
		}
		issues = filtered
	}
	for i := range issues {
		issues[i].CorrelationID = correlationID
		report.IssuesBySeverity[issues[i].Severity]++
	}
	report.IssuesResolved = s.persistIssues(ctx, logger, issuesUpdate{
		found:    issues,
		detected: detected,
		judged:   judged,
		subjects: subjects,
		now:      started,
	})
	report.Issues = issues
	report.IssuesFound = len(issues)
	report.SubjectsScanned = scanned
	report.ProviderErrors = providerErrors

	if opts.Correct && s.corrector != nil && len(issues) > 0 {
		summary := s.corrector.Correct(ctx, issues, correlationID, opts.ForceCritical)
		applied := map[string]bool{}
		for _, record := range summary.Records {
			if record.Outcome == CorrectionApplied {
				applied[record.IssueID] = true
			}
		}
		for i := range report.Issues {
			if applied[report.Issues[i].ID] {
				report.Issues[i].Corrected = true
			}
		}
		report.Correction = &summary
	}

	if critical := report.IssuesBySeverity[SeverityCritical]; critical > 0 {
		s.alerts.Record(AlertCriticalIssues, "", fmt.Sprintf("sweep %s found %d critical issues", correlationID, critical))
	}

	report.FinishedAt = s.clock.Now()
	run := ReconciliationRun{
		CorrelationID:   correlationID,
		Mode:            mode,
		SubjectsScanned: scanned,
		IssuesFound:     report.IssuesFound,
		IssuesResolved:  report.IssuesResolved,
		ProviderErrors:  providerErrors,
		Timestamp:       report.FinishedAt,
	}
	if report.Correction != nil {
		run.CorrectionsApplied = report.Correction.Applied
	}
	if err := s.withTimeout(ctx, func(ctx context.Context) error {
		return putRecord(ctx, s.ledger, TableRuns, correlationID, run)
	}); err != nil {
		logger.Error("persist reconciliation run", "error", err)
	}
	s.mu.Lock()
	s.lastRun = &run
	s.mu.Unlock()

	logger.Info("sweep finished",
		"subjects", scanned,
		"issues", report.IssuesFound,
		"resolved", report.IssuesResolved,
		"critical", report.IssuesBySeverity[SeverityCritical],
		"provider_errors", providerErrors,
		"corrections", run.CorrectionsApplied,
		"duration", report.FinishedAt.Sub(started))
	return report, nil
}

func (s *ReconciliationSweeper) loadLedger(ctx context.Context) ([]SubjectRecord, map[string]SubscriptionRecord, error) {
	var subjectRows, subscriptionRows []Row
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		subjectRows, err = s.ledger.List(ctx, TableSubjects)
		if err != nil {
			return err
		}
		subscriptionRows, err = s.ledger.List(ctx, TableSubscriptions)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	subjects := make([]SubjectRecord, 0, len(subjectRows))
	for _, row := range subjectRows {
		var subject SubjectRecord
		if err := decodeRow(row, &subject); err != nil {
			s.logger.Warn("skip unreadable subject", "subject", row.Key, "error", err)
			continue
		}
		if subject.ID == "" {
			subject.ID = row.Key
		}
		subjects = append(subjects, subject)
	}
	subscriptions := make(map[string]SubscriptionRecord, len(subscriptionRows))
	for _, row := range subscriptionRows {
		var sub SubscriptionRecord
		if err := decodeRow(row, &sub); err != nil {
			continue
		}
		if sub.ID == "" {
			sub.ID = row.Key
		}
		subscriptions[sub.ID] = sub
	}
	return subjects, subscriptions, nil
}

// scan inspects every linked subject. The second result maps each scanned
// subject to the issue kinds its inspection was able to judge.
func (s *ReconciliationSweeper) scan(ctx context.Context, subjects []SubjectRecord, subscriptions map[string]SubscriptionRecord, now time.Time, paymentWindow time.Duration) ([]Issue, map[string][]IssueKind, int) {
	judged := map[string][]IssueKind{}
	var (
		mu             sync.Mutex
		issues         []Issue
		providerErrors int
		wg             sync.WaitGroup
	)
	work := make(chan SubjectRecord)
	for i := 0; i < s.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for subject := range work {
				found, kinds, providerFailed := s.inspect(ctx, subject, subscriptions, now, paymentWindow)
				mu.Lock()
				judged[subject.ID] = kinds
				issues = append(issues, found...)
				if providerFailed {
					providerErrors++
				}
				mu.Unlock()
			}
		}()
	}
	for _, subject := range subjects {
		if strings.TrimSpace(subject.ProviderCustomerID) == "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		work <- subject
	}
	close(work)
	wg.Wait()

	sort.Slice(issues, func(i, j int) bool {
		if issues[i].SubjectKey != issues[j].SubjectKey {
			return issues[i].SubjectKey < issues[j].SubjectKey
		}
		return issues[i].Kind < issues[j].Kind
	})
	return issues, judged, providerErrors
}

// inspect classifies one subject. It also returns the kinds it could judge,
// and whether a Provider failure prevented the Provider-side checks.
func (s *ReconciliationSweeper) inspect(ctx context.Context, subject SubjectRecord, subscriptions map[string]SubscriptionRecord, now time.Time, paymentWindow time.Duration) ([]Issue, []IssueKind, bool) {
	ledgerView, _ := toFields(subject)
	var issues []Issue
	add := func(kind IssueKind, severity Severity, autoCorrectable bool, detail string, provider map[string]any) {
		issues = append(issues, Issue{
			ID:              NewIssueID(),
			SubjectKey:      subject.ID,
			Kind:            kind,
			Severity:        severity,
			Detail:          detail,
			Evidence:        Evidence{Ledger: ledgerView, Provider: provider},
			AutoCorrectable: autoCorrectable,
			DetectedAt:      now,
		})
	}

	ledgerEntitled := entitledStatus(subject.Status)
	paidTier := s.tiers.IsPaidTier(subject.Tier)
	if ledgerEntitled != paidTier || subject.Entitled != ledgerEntitled {
		add(IssueStatusTierMismatch, SeverityWarning, true,
			fmt.Sprintf("status %q with tier %q (entitled=%t)", subject.Status, subject.Tier, subject.Entitled), nil)
	}
	if ledgerEntitled {
		if _, ok := subscriptions[subject.ProviderSubscriptionID]; subject.ProviderSubscriptionID == "" || !ok {
			add(IssueMissingLinkedRecord, SeverityError, true,
				fmt.Sprintf("status %q without a linked subscription record", subject.Status), nil)
		}
	}
	if subject.LastPaymentAt != nil && now.Sub(*subject.LastPaymentAt) <= paymentWindow && !ledgerEntitled {
		add(IssueStaleAfterRecentPayment, SeverityError, true,
			fmt.Sprintf("payment at %s but status %q", subject.LastPaymentAt.Format(time.RFC3339), subject.Status), nil)
	}

	judged := []IssueKind{IssueStatusTierMismatch, IssueMissingLinkedRecord, IssueStaleAfterRecentPayment}

	customerID := subject.ProviderCustomerID
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	_, err := s.provider.GetSubject(callCtx, customerID)
	cancel()
	if errors.Is(err, ErrProviderNotFound) {
		add(IssueOrphanedReference, SeverityError, false,
			fmt.Sprintf("provider customer %s no longer exists", customerID), map[string]any{"customer": customerID, "found": false})
		return issues, append(judged, IssueOrphanedReference), false
	}
	if err != nil {
		s.logger.Warn("provider lookup failed during sweep", "subject", subject.ID, "customer", customerID, "error", err)
		return issues, judged, true
	}
	callCtx, cancel = context.WithTimeout(ctx, s.callTimeout)
	objects, err := s.provider.ListRelatedObjects(callCtx, customerID, RelatedFilter{Type: relatedTypeSubscription, Status: "all"})
	cancel()
	if err != nil {
		s.logger.Warn("provider subscription listing failed during sweep", "subject", subject.ID, "customer", customerID, "error", err)
		return issues, judged, true
	}
	judged = append(judged, IssueProviderLedgerStatusDrift, IssueOrphanedReference, IssueProviderObjectMissing)

	providerStatus, canonicalID, canonicalStatus := StatusInactive, "", ""
	if canonical, ok := canonicalSubscription(objects); ok {
		providerStatus = MapProviderStatus(canonical.Status)
		canonicalID = canonical.ID
		canonicalStatus = canonical.Status
	}
	providerView := map[string]any{
		"customer":       customerID,
		"status":         providerStatus,
		"providerStatus": canonicalStatus,
		"subscription":   canonicalID,
		"subscriptions":  len(objects),
	}

	if providerStatus != subject.Status {
		providerEntitled := entitledStatus(providerStatus)
		severity := SeverityWarning
		switch {
		case providerEntitled && !ledgerEntitled:
			severity = SeverityCritical
		case ledgerEntitled && !providerEntitled:
			severity = SeverityError
		}
		add(IssueProviderLedgerStatusDrift, severity, true,
			fmt.Sprintf("provider says %q, ledger says %q", providerStatus, subject.Status), providerView)
	}

	if ref := subject.ProviderSubscriptionID; ref != "" {
		found := false
		for _, object := range objects {
			if object.ID == ref {
				found = true
				break
			}
		}
		if !found {
			add(IssueOrphanedReference, SeverityWarning, true,
				fmt.Sprintf("provider subscription %s no longer exists", ref), providerView)
		}
	}
	return issues, judged, false
}

// issueKey identifies an issue across sweeps.
type issueKey struct {
	subject string
	kind    IssueKind
}

func keyOf(issue Issue) issueKey {
	return issueKey{subject: issue.SubjectKey, kind: issue.Kind}
}

type issuesUpdate struct {
	found    []Issue
	detected map[issueKey]bool
	judged   map[string][]IssueKind
	subjects []SubjectRecord
	now      time.Time
}

// persistIssues stores the issues a sweep found and resolves the open ones
// it no longer detects. An issue that is still open keeps its ID and
// DetectedAt instead of gaining a duplicate. It returns the number resolved.
func (s *ReconciliationSweeper) persistIssues(ctx context.Context, logger *slog.Logger, update issuesUpdate) int {
	s.issuesMu.Lock()
	defer s.issuesMu.Unlock()

	var open []Issue
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		open, err = OpenIssues(ctx, s.ledger)
		return err
	})
	if err != nil {
		logger.Warn("load open issues, skipping dedup and resolution", "error", err)
		open = nil
	}
	// Oldest open issue per key survives; later copies are resolved.
	sort.SliceStable(open, func(i, j int) bool { return open[i].DetectedAt.Before(open[j].DetectedAt) })
	existing := map[issueKey]Issue{}
	var duplicates []Issue
	for _, issue := range open {
		if _, ok := existing[keyOf(issue)]; ok {
			duplicates = append(duplicates, issue)
			continue
		}
		existing[keyOf(issue)] = issue
	}

	for i := range update.found {
		issue := &update.found[i]
		if previous, ok := existing[keyOf(*issue)]; ok {
			issue.ID = previous.ID
			issue.DetectedAt = previous.DetectedAt
			err = s.withTimeout(ctx, func(ctx context.Context) error {
				return putRecord(ctx, s.ledger, TableIssues, issue.ID, *issue)
			})
		} else {
			err = s.persistIssue(ctx, *issue)
		}
		if err != nil {
			logger.Error("persist issue", "issue", issue.ID, "error", err)
		}
	}

	judged := map[issueKey]bool{}
	for subject, kinds := range update.judged {
		for _, kind := range kinds {
			judged[issueKey{subject: subject, kind: kind}] = true
		}
	}
	linked := map[string]bool{}
	for _, subject := range update.subjects {
		if subject.ProviderCustomerID != "" {
			linked[subject.ProviderCustomerID] = true
		}
	}

	resolved := 0
	resolve := func(issue Issue, reason string) {
		err := s.withTimeout(ctx, func(ctx context.Context) error {
			return s.ledger.Upsert(ctx, TableIssues, issue.ID, map[string]any{"resolvedAt": update.now})
		})
		if err != nil {
			logger.Error("resolve issue", "issue", issue.ID, "error", err)
			return
		}
		resolved++
		logger.Info("issue resolved", "issue", issue.ID, "subject", issue.SubjectKey, "kind", issue.Kind, "reason", reason)
	}
	for _, issue := range duplicates {
		resolve(issue, "duplicate")
	}
	for key, issue := range existing {
		switch {
		case judged[key] && !update.detected[key]:
			resolve(issue, "no longer detected")
		case key.subject == "" && key.kind == IssueUnlinkedProviderCustomer:
			if customer, _ := issue.Evidence.Provider["customer"].(string); customer != "" && linked[customer] {
				resolve(issue, "customer linked")
			}
		}
	}
	return resolved
}

func (s *ReconciliationSweeper) persistIssue(ctx context.Context, issue Issue) error {
	return s.withTimeout(ctx, func(ctx context.Context) error {
		fields, err := toFields(issue)
		if err != nil {
			return err
		}
		return s.ledger.Insert(ctx, TableIssues, issue.ID, fields)
	})
}

func (s *ReconciliationSweeper) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return fn(ctx)
}
