package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventPayload(id, kind, objectType, objectID, customer string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":%q,"created":%d,"data":{"object":{"id":%q,"object":%q,"customer":%q}}}`,
		id, kind, testEpoch.Add(-time.Hour).Unix(), objectID, objectType, customer))
}

func subscriptionEvent(id, customer string) []byte {
	return eventPayload(id, "customer.subscription.updated", "subscription", "sub_"+customer, customer)
}

type intakeFixture struct {
	*coreFixture
	intake    *WebhookIntake
	scheduled []Task
}

func newIntakeFixture(t *testing.T, configure func(opts *IntakeOptions)) *intakeFixture {
	t.Helper()
	f := &intakeFixture{coreFixture: newCoreFixture(t, DefaultSafetyLimits())}
	recovery := NewRecoveryCoordinator(RecoveryCoordinatorOptions{
		State:    f.state,
		Sync:     f.sync,
		Ledger:   f.ledger,
		Alerts:   f.alerts,
		Logger:   quietLogger(),
		Schedule: func(task Task) bool { f.scheduled = append(f.scheduled, task); return true },
	})
	opts := IntakeOptions{
		Ledger:     f.ledger,
		Provider:   f.provider,
		Handlers:   DefaultEventHandlers(f.sync),
		Recovery:   recovery,
		Alerts:     f.alerts,
		Clock:      f.clock,
		Logger:     quietLogger(),
		InstanceID: "node-1",
	}
	if configure != nil {
		configure(&opts)
	}
	f.intake = NewWebhookIntake(opts)
	return f
}

func (f *intakeFixture) send(t *testing.T, payload []byte) ReceiveResult {
	t.Helper()
	result, err := f.intake.Receive(context.Background(), payload, SignPayload(testSecret, payload, f.clock.Now()))
	require.NoError(t, err)
	return result
}

func (f *intakeFixture) event(t *testing.T, id string) InboundEvent {
	t.Helper()
	event, err := f.intake.Event(context.Background(), id)
	require.NoError(t, err)
	return event
}

func (f *intakeFixture) issues(t *testing.T) []Issue {
	t.Helper()
	rows, err := f.ledger.List(context.Background(), TableIssues)
	require.NoError(t, err)
	out := make([]Issue, 0, len(rows))
	for _, row := range rows {
		var issue Issue
		require.NoError(t, decodeRow(row, &issue))
		out = append(out, issue)
	}
	return out
}

func TestReceiveProcessesSubscriptionEvent(t *testing.T) {
	f := newIntakeFixture(t, nil)
	f.seedSubject(t, "acct_1", "cus_1", "sub_cus_1", "active")

	result := f.send(t, subscriptionEvent("evt_1", "cus_1"))
	assert.Equal(t, ReceiveAccepted, result.Outcome)
	assert.Equal(t, "evt_1", result.EventID)
	assert.Equal(t, "customer.subscription.updated", result.Kind)

	event := f.event(t, "evt_1")
	assert.Equal(t, EventSuccess, event.Status)
	assert.Equal(t, 1, event.Attempts)
	assert.Equal(t, "node-1/subscription", event.ProcessedBy)
	assert.Equal(t, "cus_1", event.SubjectRef)
	assert.Equal(t, testEpoch, event.ReceivedAt)
	assert.Equal(t, StatusActive, f.subject(t, "acct_1").Status)

	stats := f.intake.Stats()
	assert.Equal(t, int64(1), stats.Received)
	assert.Equal(t, int64(1), stats.Accepted)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, 1.0, stats.SuccessRate())
}

func TestReceiveIsIdempotent(t *testing.T) {
	f := newIntakeFixture(t, nil)
	f.seedSubject(t, "acct_1", "cus_1", "sub_cus_1", "active")
	payload := subscriptionEvent("evt_1", "cus_1")

	assert.Equal(t, ReceiveAccepted, f.send(t, payload).Outcome)
	assert.Equal(t, ReceiveDuplicate, f.send(t, payload).Outcome)
	assert.Equal(t, 1, f.provider.Calls("GetSubject"))

	restarted := NewWebhookIntake(IntakeOptions{
		Ledger:   f.ledger,
		Provider: f.provider,
		Handlers: DefaultEventHandlers(f.sync),
		Clock:    f.clock,
		Logger:   quietLogger(),
	})
	result, err := restarted.Receive(context.Background(), payload, SignPayload(testSecret, payload, f.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, ReceiveDuplicate, result.Outcome, "the ledger catches duplicates the cache forgot")
	assert.Equal(t, 1, f.provider.Calls("GetSubject"))
	assert.Equal(t, int64(1), restarted.Stats().Duplicates)
}

func TestReceiveConcurrentDuplicatesProcessOnce(t *testing.T) {
	f := newIntakeFixture(t, nil)
	f.seedSubject(t, "acct_1", "cus_1", "sub_cus_1", "active")
	payload := subscriptionEvent("evt_race", "cus_1")
	signature := SignPayload(testSecret, payload, f.clock.Now())

	var accepted, duplicates atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.intake.Receive(context.Background(), payload, signature)
			if err != nil {
				t.Errorf("receive: %v", err)
				return
			}
			switch result.Outcome {
			case ReceiveAccepted:
				accepted.Add(1)
			case ReceiveDuplicate:
				duplicates.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(19), duplicates.Load())
	assert.Equal(t, 1, f.provider.Calls("GetSubject"))
}

func TestReceiveRejectsBadDeliveries(t *testing.T) {
	f := newIntakeFixture(t, nil)
	payload := subscriptionEvent("evt_1", "cus_1")

	result, err := f.intake.Receive(context.Background(), payload, SignPayload("whsec_wrong", payload, f.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, ReceiveRejected, result.Outcome)
	assert.NotEmpty(t, result.Reason)

	malformed := []byte(`{"id":"evt_2","data":{}}`)
	assert.Equal(t, ReceiveRejected, f.send(t, malformed).Outcome)

	_, err = f.intake.Event(context.Background(), "evt_1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(2), f.intake.Stats().Rejected)
}

func TestTransientFailuresFollowBackoffLadderThenFail(t *testing.T) {
	f := newIntakeFixture(t, nil)
	f.seedSubject(t, "acct_1", "cus_1", "sub_cus_1", "active")
	f.provider.FailWith(func(op, id string) error {
		return &ProviderError{Kind: ProviderErrorTransient, StatusCode: 503, Message: "unavailable"}
	})

	f.send(t, subscriptionEvent("evt_1", "cus_1"))
	event := f.event(t, "evt_1")
	require.Equal(t, EventRetry, event.Status)
	require.NotNil(t, event.NextAttemptAt)
	assert.Equal(t, testEpoch.Add(time.Second), *event.NextAttemptAt)
	assert.Contains(t, event.ErrorMessage, "unavailable")

	f.clock.Advance(999 * time.Millisecond)
	assert.Equal(t, 1, f.event(t, "evt_1").Attempts)

	for i, delay := range []time.Duration{time.Millisecond, 2 * time.Second, 5 * time.Second} {
		f.clock.Advance(delay)
		event = f.event(t, "evt_1")
		assert.Equal(t, i+2, event.Attempts)
		assert.Equal(t, EventRetry, event.Status)
	}
	assert.Equal(t, f.clock.Now().Add(10*time.Second), *event.NextAttemptAt)

	f.clock.Advance(10 * time.Second)
	event = f.event(t, "evt_1")
	assert.Equal(t, EventFailed, event.Status)
	assert.Equal(t, 5, event.Attempts)
	assert.Nil(t, event.NextAttemptAt)
	assert.Zero(t, f.clock.PendingTimers(), "no attempt after the bound")

	assert.Equal(t, 5, f.provider.Calls("GetSubject"))
	assert.Equal(t, 1, f.alerts.Count(AlertWebhookFailed))
	assert.Equal(t, []Task{{Kind: TaskRecovery, Key: "acct_1", Reason: "webhook evt_1 failed"}}, f.scheduled)

	stats := f.intake.Stats()
	assert.Equal(t, int64(4), stats.Retried)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Zero(t, stats.SuccessRate())
}

func TestTransientFailureThenSuccess(t *testing.T) {
	f := newIntakeFixture(t, nil)
	f.seedSubject(t, "acct_1", "cus_1", "sub_cus_1", "active")
	var calls atomic.Int32
	f.provider.FailWith(func(op, id string) error {
		if calls.Add(1) == 1 {
			return &ProviderError{Kind: ProviderErrorTransient, StatusCode: 502, Message: "bad gateway"}
		}
		return nil
	})

	f.send(t, subscriptionEvent("evt_1", "cus_1"))
	require.Equal(t, EventRetry, f.event(t, "evt_1").Status)

	f.clock.Advance(time.Second)
	event := f.event(t, "evt_1")
	assert.Equal(t, EventSuccess, event.Status)
	assert.Equal(t, 2, event.Attempts)
	assert.Nil(t, event.NextAttemptAt)
	assert.Zero(t, f.clock.PendingTimers())
	assert.Equal(t, StatusActive, f.subject(t, "acct_1").Status)

	stats := f.intake.Stats()
	assert.Equal(t, int64(1), stats.Retried)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, f.alerts.Count(AlertWebhookFailed))
	assert.Empty(t, f.scheduled)
}

func TestRetryPolicyCanBeTightened(t *testing.T) {
	f := newIntakeFixture(t, nil)
	f.seedSubject(t, "acct_1", "cus_1", "sub_cus_1", "active")
	f.intake.SetRetryPolicy(2, []time.Duration{3 * time.Second})
	f.provider.FailWith(func(op, id string) error {
		return &ProviderError{Kind: ProviderErrorTransient, Message: "timeout"}
	})

	f.send(t, subscriptionEvent("evt_1", "cus_1"))
	assert.Equal(t, testEpoch.Add(3*time.Second), *f.event(t, "evt_1").NextAttemptAt)
	f.clock.Advance(3 * time.Second)
	assert.Equal(t, EventFailed, f.event(t, "evt_1").Status)
}

func TestPermanentFailureFailsImmediately(t *testing.T) {
	f := newIntakeFixture(t, nil)
	f.seedSubject(t, "acct_1", "cus_1", "sub_cus_1", "active")
	f.provider.FailWith(func(op, id string) error {
		return &ProviderError{Kind: ProviderErrorPermanent, StatusCode: 400, Message: "bad request"}
	})

	f.send(t, subscriptionEvent("evt_1", "cus_1"))
	event := f.event(t, "evt_1")
	assert.Equal(t, EventFailed, event.Status)
	assert.Equal(t, 1, event.Attempts)
	assert.Equal(t, 1, f.alerts.Count(AlertWebhookFailed))
	assert.Empty(t, f.scheduled, "a permanent failure does not spend a recovery attempt")

	issues := f.issues(t)
	require.Len(t, issues, 1)
	assert.Equal(t, IssueProviderObjectMissing, issues[0].Kind)
	assert.Equal(t, "acct_1", issues[0].SubjectKey)
	assert.Equal(t, "evt_1", issues[0].CorrelationID)
}

func TestUnknownEventKindIsAcknowledged(t *testing.T) {
	f := newIntakeFixture(t, nil)
	f.send(t, eventPayload("evt_1", "charge.refunded", "charge", "ch_1", "cus_1"))

	event := f.event(t, "evt_1")
	assert.Equal(t, EventSuccess, event.Status)
	assert.Equal(t, "node-1/ignored", event.ProcessedBy)
	assert.Zero(t, f.provider.Calls("GetSubject"))
}

func TestUnlinkedCustomerRecordsIssue(t *testing.T) {
	f := newIntakeFixture(t, nil)
	f.send(t, subscriptionEvent("evt_1", "cus_stranger"))

	event := f.event(t, "evt_1")
	assert.Equal(t, EventSuccess, event.Status)
	assert.Contains(t, event.ErrorMessage, "not linked")

	issues := f.issues(t)
	require.Len(t, issues, 1)
	assert.Equal(t, IssueUnlinkedProviderCustomer, issues[0].Kind)
	assert.Empty(t, issues[0].SubjectKey)
	assert.Equal(t, "cus_stranger", issues[0].Evidence.Provider["customer"])
}

func TestCustomerDeletedRecordsOrphan(t *testing.T) {
	f := newIntakeFixture(t, nil)
	f.seedInSync(t, "acct_1", "cus_1", "sub_cus_1", "active")
	f.provider.DeleteCustomer("cus_1")

	f.send(t, eventPayload("evt_1", "customer.deleted", "customer", "cus_1", ""))
	event := f.event(t, "evt_1")
	assert.Equal(t, EventSuccess, event.Status)
	assert.Equal(t, "node-1/customer", event.ProcessedBy)

	issues := f.issues(t)
	require.Len(t, issues, 1)
	assert.Equal(t, IssueOrphanedReference, issues[0].Kind)
	assert.Equal(t, "acct_1", issues[0].SubjectKey)
	assert.Equal(t, SeverityError, issues[0].Severity)
}

func TestPaymentEventRecordsPaymentAndResyncs(t *testing.T) {
	f := newIntakeFixture(t, nil)
	f.seedSubject(t, "acct_1", "cus_1", "sub_cus_1", "active")

	f.send(t, eventPayload("evt_1", "invoice.paid", "invoice", "in_1", "cus_1"))
	assert.Equal(t, "node-1/payment", f.event(t, "evt_1").ProcessedBy)
	subject := f.subject(t, "acct_1")
	require.NotNil(t, subject.LastPaymentAt)
	assert.Equal(t, testEpoch.Add(-time.Hour), subject.LastPaymentAt.UTC())
	assert.Equal(t, StatusActive, subject.Status)

	f.send(t, eventPayload("evt_2", "invoice.payment_failed", "invoice", "in_2", "cus_1"))
	assert.Equal(t, EventSuccess, f.event(t, "evt_2").Status)
}

func TestPaymentWithoutCreatedUsesClock(t *testing.T) {
	f := newIntakeFixture(t, nil)
	f.seedSubject(t, "acct_1", "cus_1", "sub_cus_1", "active")
	f.clock.Advance(90 * time.Minute)

	f.send(t, []byte(`{"id":"evt_1","type":"invoice.payment_succeeded","data":{"object":{"id":"in_1","object":"invoice","customer":"cus_1"}}}`))
	require.Equal(t, EventSuccess, f.event(t, "evt_1").Status)
	subject := f.subject(t, "acct_1")
	require.NotNil(t, subject.LastPaymentAt)
	assert.True(t, testEpoch.Add(90*time.Minute).Equal(*subject.LastPaymentAt))
}

func TestReplayResetsFailedEvent(t *testing.T) {
	f := newIntakeFixture(t, nil)
	f.seedSubject(t, "acct_1", "cus_1", "sub_cus_1", "active")
	f.provider.FailWith(func(op, id string) error {
		return &ProviderError{Kind: ProviderErrorPermanent, Message: "bad request"}
	})
	f.send(t, subscriptionEvent("evt_1", "cus_1"))
	require.Equal(t, EventFailed, f.event(t, "evt_1").Status)

	f.provider.FailWith(nil)
	record, err := f.intake.Replay(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, EventPending, record.Status)
	assert.Zero(t, record.Attempts)

	event := f.event(t, "evt_1")
	assert.Equal(t, EventSuccess, event.Status)
	assert.Equal(t, 1, event.Attempts)
	assert.Empty(t, event.ErrorMessage)

	_, err = f.intake.Replay(context.Background(), "evt_1")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.intake.Replay(context.Background(), "evt_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

type recordingScheduler struct {
	mu        sync.Mutex
	submitted []Task
	delayed   map[string]time.Duration
}

func (s *recordingScheduler) Submit(task Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, task)
	return true
}

func (s *recordingScheduler) SubmitAfter(task Task, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delayed == nil {
		s.delayed = map[string]time.Duration{}
	}
	s.delayed[task.Key] = delay
}

func TestResumeRequeuesUnfinishedEvents(t *testing.T) {
	scheduler := &recordingScheduler{}
	f := newIntakeFixture(t, func(opts *IntakeOptions) { opts.Scheduler = scheduler })
	ctx := context.Background()
	next := testEpoch.Add(7 * time.Second)
	past := testEpoch.Add(-time.Second)
	for _, record := range []InboundEvent{
		{ID: "evt_pending", Kind: "invoice.paid", Status: EventPending},
		{ID: "evt_processing", Kind: "invoice.paid", Status: EventProcessing, Attempts: 1},
		{ID: "evt_retry", Kind: "invoice.paid", Status: EventRetry, Attempts: 2, NextAttemptAt: &next},
		{ID: "evt_overdue", Kind: "invoice.paid", Status: EventRetry, Attempts: 1, NextAttemptAt: &past},
		{ID: "evt_done", Kind: "invoice.paid", Status: EventSuccess, Attempts: 1},
		{ID: "evt_failed", Kind: "invoice.paid", Status: EventFailed, Attempts: 5},
	} {
		require.NoError(t, putRecord(ctx, f.ledger, TableEvents, record.ID, record))
	}

	resumed, err := f.intake.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, resumed)
	assert.ElementsMatch(t, []Task{
		{Kind: TaskProcessEvent, Key: "evt_overdue"},
		{Kind: TaskProcessEvent, Key: "evt_pending"},
		{Kind: TaskProcessEvent, Key: "evt_processing"},
	}, scheduler.submitted)
	assert.Equal(t, map[string]time.Duration{"evt_retry": 7 * time.Second}, scheduler.delayed)

	payload := eventPayload("evt_done", "invoice.paid", "invoice", "in_1", "cus_1")
	assert.Equal(t, ReceiveDuplicate, f.send(t, payload).Outcome)
}

type failingEventInsertLedger struct {
	*MemoryLedger
	fail atomic.Bool
}

func (l *failingEventInsertLedger) Insert(ctx context.Context, table, key string, fields map[string]any) error {
	if table == TableEvents && l.fail.Load() {
		return ledgerErr("insert", table, key, errors.New("disk full"))
	}
	return l.MemoryLedger.Insert(ctx, table, key, fields)
}

func TestReceivePersistFailureAllowsRedelivery(t *testing.T) {
	ledger := &failingEventInsertLedger{MemoryLedger: NewMemoryLedger()}
	ledger.fail.Store(true)
	f := newIntakeFixture(t, func(opts *IntakeOptions) { opts.Ledger = ledger })
	payload := eventPayload("evt_1", "charge.refunded", "charge", "ch_1", "cus_1")

	_, err := f.intake.Receive(context.Background(), payload, SignPayload(testSecret, payload, f.clock.Now()))
	require.ErrorIs(t, err, ErrLedger)

	ledger.fail.Store(false)
	assert.Equal(t, ReceiveAccepted, f.send(t, payload).Outcome)
}

func TestRetryDelayLadder(t *testing.T) {
	ladder := []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}
	assert.Equal(t, time.Second, retryDelay(ladder, 0))
	assert.Equal(t, time.Second, retryDelay(ladder, 1))
	assert.Equal(t, 5*time.Second, retryDelay(ladder, 3))
	assert.Equal(t, 5*time.Second, retryDelay(ladder, 9))
	assert.Zero(t, retryDelay(nil, 1))
}

func TestKnownEventCacheIsBounded(t *testing.T) {
	f := newIntakeFixture(t, func(opts *IntakeOptions) { opts.MaxKnownEvents = 2 })
	for i := 0; i < 3; i++ {
		f.send(t, eventPayload(fmt.Sprintf("evt_%d", i), "charge.refunded", "charge", "ch", "cus"))
	}
	f.intake.mu.Lock()
	defer f.intake.mu.Unlock()
	assert.Len(t, f.intake.known, 2)
	assert.Equal(t, []string{"evt_1", "evt_2"}, f.intake.knownOrder)
}
