package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type ReceiveOutcome string

const (
	ReceiveAccepted  ReceiveOutcome = "accepted"
	ReceiveDuplicate ReceiveOutcome = "duplicate"
	ReceiveRejected  ReceiveOutcome = "rejected"
)

// ReceiveResult is the acknowledgement for one delivery.
type ReceiveResult struct {
	Outcome ReceiveOutcome `json:"outcome"`
	EventID string         `json:"eventId,omitempty"`
	Kind    string         `json:"kind,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// TaskScheduler is satisfied by *Supervisor.
type TaskScheduler interface {
	Submit(task Task) bool
	SubmitAfter(task Task, delay time.Duration)
}

// DefaultBackoffLadder is the delay before each retry of a failed event.
var DefaultBackoffLadder = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

type IntakeOptions struct {
	Ledger         LedgerStore
	Provider       ProviderClient
	Handlers       []EventHandler
	Scheduler      TaskScheduler
	Recovery       *RecoveryCoordinator
	Alerts         AlertSink
	Clock          Clock
	Logger         *slog.Logger
	MaxRetries     int
	BackoffLadder  []time.Duration
	HandlerTimeout time.Duration
	MaxKnownEvents int
	InstanceID     string
}

// IntakeStats counts intake outcomes since start.
type IntakeStats struct {
	Received   int64 `json:"received"`
	Accepted   int64 `json:"accepted"`
	Duplicates int64 `json:"duplicates"`
	Rejected   int64 `json:"rejected"`
	Succeeded  int64 `json:"succeeded"`
	Retried    int64 `json:"retried"`
	Failed     int64 `json:"failed"`
}

// SuccessRate is succeeded over finished events, 1 when nothing finished.
func (s IntakeStats) SuccessRate() float64 {
	finished := s.Succeeded + s.Failed
	if finished == 0 {
		return 1
	}
	return float64(s.Succeeded) / float64(finished)
}

// WebhookIntake accepts provider deliveries, records each event once and
// processes it with bounded retries on the backoff ladder.
type WebhookIntake struct {
	ledger         LedgerStore
	provider       ProviderClient
	scheduler      TaskScheduler
	recovery       *RecoveryCoordinator
	alerts         AlertSink
	clock          Clock
	logger         *slog.Logger
	handlerTimeout time.Duration
	maxKnown       int
	instanceID     string
	handlers       map[string]EventHandler

	mu         sync.Mutex
	maxRetries int
	ladder     []time.Duration
	known      map[string]struct{}
	knownOrder []string
	processing map[string]struct{}
	stats      IntakeStats
}

func NewWebhookIntake(opts IntakeOptions) *WebhookIntake {
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
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	ladder := opts.BackoffLadder
	if len(ladder) == 0 {
		ladder = DefaultBackoffLadder
	}
	timeout := opts.HandlerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxKnown := opts.MaxKnownEvents
	if maxKnown <= 0 {
		maxKnown = 10000
	}
	instanceID := strings.TrimSpace(opts.InstanceID)
	if instanceID == "" {
		instanceID = "ledgersync"
	}
	w := &WebhookIntake{
		ledger:         opts.Ledger,
		provider:       opts.Provider,
		recovery:       opts.Recovery,
		alerts:         alerts,
		clock:          clock,
		logger:         logger,
		handlerTimeout: timeout,
		maxKnown:       maxKnown,
		instanceID:     instanceID,
		handlers:       map[string]EventHandler{},
		maxRetries:     maxRetries,
		ladder:         append([]time.Duration(nil), ladder...),
		known:          map[string]struct{}{},
		processing:     map[string]struct{}{},
	}
	for _, handler := range opts.Handlers {
		for _, kind := range handler.Kinds() {
			w.handlers[kind] = handler
		}
	}
	w.scheduler = opts.Scheduler
	if w.scheduler == nil {
		w.scheduler = inlineScheduler{intake: w}
	}
	return w
}

// SetRetryPolicy replaces the retry bound and ladder for future failures.
func (w *WebhookIntake) SetRetryPolicy(maxRetries int, ladder []time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if maxRetries > 0 {
		w.maxRetries = maxRetries
	}
	if len(ladder) > 0 {
		w.ladder = append([]time.Duration(nil), ladder...)
	}
}

// Receive verifies, deduplicates and records one delivery. The error is
// non-nil only when the event could not be persisted; the provider should
// redeliver in that case.
func (w *WebhookIntake) Receive(ctx context.Context, payload []byte, signature string) (ReceiveResult, error) {
	w.count(func(s *IntakeStats) { s.Received++ })
	event, err := w.provider.VerifyAndParseEvent(payload, signature)
	if err != nil {
		w.count(func(s *IntakeStats) { s.Rejected++ })
		w.logger.Warn("webhook rejected", "error", err)
		return ReceiveResult{Outcome: ReceiveRejected, Reason: err.Error()}, nil
	}
	result := ReceiveResult{EventID: event.ID, Kind: event.Kind}

	w.mu.Lock()
	if _, seen := w.known[event.ID]; seen {
		w.stats.Duplicates++
		w.mu.Unlock()
		w.logger.Debug("duplicate webhook", "event", event.ID, "kind", event.Kind)
		result.Outcome = ReceiveDuplicate
		return result, nil
	}
	w.rememberLocked(event.ID)
	w.mu.Unlock()

	record := InboundEvent{
		ID:         event.ID,
		Kind:       event.Kind,
		SubjectRef: event.SubjectRef,
		ObjectID:   event.ObjectID,
		Payload:    event.Raw,
		ReceivedAt: w.clock.Now(),
		Status:     EventPending,
	}
	fields, err := toFields(record)
	if err == nil {
		err = w.withTimeout(ctx, func(ctx context.Context) error {
			return w.ledger.Insert(ctx, TableEvents, event.ID, fields)
		})
	}
	if errors.Is(err, ErrAlreadyExists) {
		w.count(func(s *IntakeStats) { s.Duplicates++ })
		w.logger.Debug("duplicate webhook", "event", event.ID, "kind", event.Kind, "source", "ledger")
		result.Outcome = ReceiveDuplicate
		return result, nil
	}
	if err != nil {
		w.forget(event.ID)
		w.logger.Error("persist webhook event", "event", event.ID, "kind", event.Kind, "error", err)
		return result, fmt.Errorf("persist event %s: %w", event.ID, err)
	}

	w.count(func(s *IntakeStats) { s.Accepted++ })
	w.logger.Info("webhook accepted", "event", event.ID, "kind", event.Kind, "subject_ref", event.SubjectRef)
	result.Outcome = ReceiveAccepted
	w.enqueue(event.ID)
	return result, nil
}

// ProcessEvent runs one processing attempt. It is what the worker pool
// executes for every event task.
func (w *WebhookIntake) ProcessEvent(ctx context.Context, eventID string) {
	w.mu.Lock()
	if _, busy := w.processing[eventID]; busy {
		w.mu.Unlock()
		return
	}
	w.processing[eventID] = struct{}{}
	maxRetries := w.maxRetries
	ladder := w.ladder
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.processing, eventID)
		w.mu.Unlock()
	}()

	var record InboundEvent
	if err := w.withTimeout(ctx, func(ctx context.Context) error {
		return getRecord(ctx, w.ledger, TableEvents, eventID, &record)
	}); err != nil {
		w.logger.Error("load webhook event", "event", eventID, "error", err)
		return
	}
	if record.Status.Terminal() {
		return
	}

	now := w.clock.Now()
	record.Status = EventProcessing
	record.Attempts++
	record.LastAttemptAt = &now
	record.NextAttemptAt = nil
	if err := w.save(ctx, record); err != nil {
		w.logger.Error("mark webhook processing", "event", eventID, "error", err)
		return
	}
	logger := w.logger.With("event", eventID, "kind", record.Kind, "attempt", record.Attempts)

	handler, err := w.dispatch(ctx, record)
	processedBy := w.instanceID
	if handler != nil {
		processedBy = w.instanceID + "/" + handler.Name()
	}

	var violation *ConsistencyViolation
	switch {
	case err == nil:
		w.succeed(ctx, record, processedBy, "")
		logger.Info("webhook processed", "handler", processedBy)
	case errors.As(err, &violation):
		w.recordIssue(ctx, violation.SubjectKey, violation.Kind, violation.Severity, violation.Detail, false, record)
		w.succeed(ctx, record, processedBy, err.Error())
		logger.Warn("webhook recorded consistency violation", "issue_kind", violation.Kind, "subject", violation.SubjectKey)
	case errors.Is(err, ErrProviderPermanent):
		subject := w.subjectFor(ctx, record)
		w.recordIssue(ctx, subject, IssueProviderObjectMissing, SeverityError, err.Error(), false, record)
		w.fail(ctx, record, processedBy, err, subject)
		logger.Warn("webhook failed permanently", "error", err)
	case !IsRetryable(err) || record.Attempts >= maxRetries:
		w.fail(ctx, record, processedBy, err, w.subjectFor(ctx, record))
		logger.Error("webhook failed", "error", err)
	default:
		delay := retryDelay(ladder, record.Attempts)
		next := now.Add(delay)
		record.Status = EventRetry
		record.NextAttemptAt = &next
		record.ErrorMessage = err.Error()
		if saveErr := w.save(ctx, record); saveErr != nil {
			logger.Error("mark webhook retry", "error", saveErr)
		}
		w.count(func(s *IntakeStats) { s.Retried++ })
		logger.Warn("webhook retry scheduled", "delay", delay, "error", err)
		w.scheduler.SubmitAfter(Task{Kind: TaskProcessEvent, Key: eventID}, delay)
	}
}

// retryDelay returns the wait after the given failed attempt; attempts past
// the end of the ladder reuse its last rung.
func retryDelay(ladder []time.Duration, attempt int) time.Duration {
	if len(ladder) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(ladder) {
		i = len(ladder) - 1
	}
	return ladder[i]
}

func (w *WebhookIntake) dispatch(ctx context.Context, record InboundEvent) (handler EventHandler, err error) {
	handler, ok := w.handlers[record.Kind]
	if !ok {
		return nil, nil
	}
	event, err := ParseProviderEvent(record.Payload)
	if err != nil {
		return handler, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panic: %v", handler.Name(), r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, w.handlerTimeout)
	defer cancel()
	return handler, handler.Handle(ctx, event)
}

func (w *WebhookIntake) succeed(ctx context.Context, record InboundEvent, processedBy, note string) {
	record.Status = EventSuccess
	record.ProcessedBy = processedBy
	record.ErrorMessage = note
	if _, ok := w.handlers[record.Kind]; !ok {
		record.ProcessedBy = w.instanceID + "/ignored"
	}
	if err := w.save(ctx, record); err != nil {
		w.logger.Error("mark webhook success", "event", record.ID, "error", err)
	}
	w.count(func(s *IntakeStats) { s.Succeeded++ })
}

func (w *WebhookIntake) fail(ctx context.Context, record InboundEvent, processedBy string, cause error, subject string) {
	record.Status = EventFailed
	record.ProcessedBy = processedBy
	record.ErrorMessage = cause.Error()
	if err := w.save(ctx, record); err != nil {
		w.logger.Error("mark webhook failed", "event", record.ID, "error", err)
	}
	w.count(func(s *IntakeStats) { s.Failed++ })
	w.alerts.Record(AlertWebhookFailed, subject, fmt.Sprintf("event %s (%s) failed after %d attempts: %v", record.ID, record.Kind, record.Attempts, cause))
	if subject != "" && w.recovery != nil && worthRecovering(cause) {
		w.recovery.ScheduleRecovery(subject, "webhook "+record.ID+" failed")
	}
}

// worthRecovering reports whether a later resync could succeed where the
// webhook attempts did not. Permanent and not-found failures would only
// spend a recovery attempt.
func worthRecovering(err error) bool {
	return IsRetryable(err) && !errors.Is(err, ErrProviderNotFound)
}

// subjectFor resolves the local subject for an event, or "" when unlinked.
func (w *WebhookIntake) subjectFor(ctx context.Context, record InboundEvent) string {
	if record.SubjectRef == "" {
		return ""
	}
	var link customerLink
	if err := w.withTimeout(ctx, func(ctx context.Context) error {
		return getRecord(ctx, w.ledger, TableCustomers, record.SubjectRef, &link)
	}); err != nil {
		return ""
	}
	return link.SubjectID
}

func (w *WebhookIntake) recordIssue(ctx context.Context, subject string, kind IssueKind, severity Severity, detail string, autoCorrectable bool, record InboundEvent) {
	if severity == "" {
		severity = SeverityWarning
	}
	issue := Issue{
		ID:         NewIssueID(),
		SubjectKey: subject,
		Kind:       kind,
		Severity:   severity,
		Detail:     detail,
		Evidence: Evidence{Provider: map[string]any{
			"event":    record.ID,
			"kind":     record.Kind,
			"customer": record.SubjectRef,
			"object":   record.ObjectID,
		}},
		AutoCorrectable: autoCorrectable,
		CorrelationID:   record.ID,
		DetectedAt:      w.clock.Now(),
	}
	if err := w.withTimeout(ctx, func(ctx context.Context) error {
		return putRecord(ctx, w.ledger, TableIssues, issue.ID, issue)
	}); err != nil {
		w.logger.Error("persist issue", "event", record.ID, "kind", kind, "error", err)
	}
}

// Resume re-enqueues every event that was not finished when the process
// last stopped.
func (w *WebhookIntake) Resume(ctx context.Context) (int, error) {
	var rows []Row
	err := w.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		rows, err = w.ledger.List(ctx, TableEvents)
		return err
	})
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, row := range rows {
		var record InboundEvent
		if err := decodeRow(row, &record); err != nil {
			continue
		}
		w.mu.Lock()
		w.rememberLocked(row.Key)
		w.mu.Unlock()
		if record.Status.Terminal() {
			continue
		}
		resumed++
		if record.NextAttemptAt != nil {
			if wait := record.NextAttemptAt.Sub(w.clock.Now()); wait > 0 {
				w.scheduler.SubmitAfter(Task{Kind: TaskProcessEvent, Key: row.Key}, wait)
				continue
			}
		}
		w.enqueue(row.Key)
	}
	if resumed > 0 {
		w.logger.Info("resumed unfinished webhook events", "count", resumed)
	}
	return resumed, nil
}

// Replay resets a FAILED event to PENDING with a fresh retry budget and
// enqueues it.
func (w *WebhookIntake) Replay(ctx context.Context, eventID string) (InboundEvent, error) {
	record, err := w.Event(ctx, eventID)
	if err != nil {
		return InboundEvent{}, err
	}
	if record.Status != EventFailed {
		return record, fmt.Errorf("%w: event %s is %s, only FAILED events can be replayed", ErrInvalidInput, eventID, record.Status)
	}
	record.Status = EventPending
	record.Attempts = 0
	record.ErrorMessage = ""
	record.ProcessedBy = ""
	record.NextAttemptAt = nil
	if err := w.save(ctx, record); err != nil {
		return record, err
	}
	w.logger.Info("webhook replay requested", "event", eventID)
	w.enqueue(eventID)
	return record, nil
}

func (w *WebhookIntake) Event(ctx context.Context, eventID string) (InboundEvent, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return InboundEvent{}, ErrInvalidInput
	}
	var record InboundEvent
	err := w.withTimeout(ctx, func(ctx context.Context) error {
		return getRecord(ctx, w.ledger, TableEvents, eventID, &record)
	})
	return record, err
}

func (w *WebhookIntake) Stats() IntakeStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *WebhookIntake) enqueue(eventID string) {
	task := Task{Kind: TaskProcessEvent, Key: eventID}
	if w.scheduler.Submit(task) {
		return
	}
	w.mu.Lock()
	delay := retryDelay(w.ladder, 1)
	w.mu.Unlock()
	w.logger.Warn("task queue full, deferring event", "event", eventID, "delay", delay)
	w.scheduler.SubmitAfter(task, delay)
}

func (w *WebhookIntake) save(ctx context.Context, record InboundEvent) error {
	return w.withTimeout(ctx, func(ctx context.Context) error {
		return putRecord(ctx, w.ledger, TableEvents, record.ID, record)
	})
}

func (w *WebhookIntake) rememberLocked(eventID string) {
	if _, ok := w.known[eventID]; ok {
		return
	}
	w.known[eventID] = struct{}{}
	w.knownOrder = append(w.knownOrder, eventID)
	for len(w.knownOrder) > w.maxKnown {
		delete(w.known, w.knownOrder[0])
		w.knownOrder = w.knownOrder[1:]
	}
}

func (w *WebhookIntake) forget(eventID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.known, eventID)
	for i, id := range w.knownOrder {
		if id == eventID {
			w.knownOrder = append(w.knownOrder[:i], w.knownOrder[i+1:]...)
			break
		}
	}
}

func (w *WebhookIntake) count(fn func(s *IntakeStats)) {
	w.mu.Lock()
	fn(&w.stats)
	w.mu.Unlock()
}

func (w *WebhookIntake) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, w.handlerTimeout)
	defer cancel()
	return fn(ctx)
}

// inlineScheduler processes events on the caller's goroutine and delays
// retries with the intake clock. Used when no worker pool is configured.
type inlineScheduler struct {
	intake *WebhookIntake
}

func (s inlineScheduler) Submit(task Task) bool {
	s.intake.ProcessEvent(context.Background(), task.Key)
	return true
}

func (s inlineScheduler) SubmitAfter(task Task, delay time.Duration) {
	s.intake.clock.AfterFunc(delay, func() {
		s.intake.ProcessEvent(context.Background(), task.Key)
	})
}
