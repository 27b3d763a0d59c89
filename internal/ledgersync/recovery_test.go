package ledgersync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resyncFunc func(ctx context.Context, subjectID string) SyncResult

func (f resyncFunc) ResyncSubject(ctx context.Context, subjectID string) SyncResult {
	return f(ctx, subjectID)
}

func TestAttemptRecoverySucceeds(t *testing.T) {
	f := newCoreFixture(t, DefaultSafetyLimits())
	f.seedSubject(t, "acct_1", "cus_1", "sub_1", "active")
	coordinator := f.recovery()

	decision := coordinator.AttemptRecovery(context.Background(), "acct_1", "stale")
	require.True(t, decision.Started)
	assert.Equal(t, RecoverySuccess, decision.Attempt.Status)
	assert.Equal(t, 1, decision.Attempt.AttemptCount)
	require.NotNil(t, decision.Result)
	assert.True(t, decision.Result.Success)
	assert.Equal(t, StatusActive, f.subject(t, "acct_1").Status)

	var persisted RecoveryAttempt
	require.NoError(t, getRecord(context.Background(), f.ledger, TableRecoveryAttempts, "acct_1", &persisted))
	assert.Equal(t, RecoverySuccess, persisted.Status)
	assert.Equal(t, "stale", persisted.Reason)
	assert.Zero(t, coordinator.InFlight())
}

func TestAttemptRecoveryRespectsCooldownAndAttemptCap(t *testing.T) {
	f := newCoreFixture(t, SafetyLimits{MaxRecoveryAttempts: 2, RecoveryCooldown: time.Hour})
	f.seedSubject(t, "acct_1", "cus_1", "sub_1", "active")
	f.provider.FailWith(func(op, id string) error {
		return &ProviderError{Kind: ProviderErrorTransient, Message: "timeout"}
	})
	coordinator := f.recovery()

	decision := coordinator.AttemptRecovery(context.Background(), "acct_1", "first")
	require.True(t, decision.Started)
	assert.Equal(t, RecoveryFailed, decision.Attempt.Status)
	assert.Contains(t, decision.Attempt.ErrorMessage, string(ErrorCodeProviderTransient))
	assert.Zero(t, f.alerts.Count(AlertRecoveryFailed))

	decision = coordinator.AttemptRecovery(context.Background(), "acct_1", "too soon")
	assert.False(t, decision.Started)
	assert.Equal(t, SkipCooldown, decision.Skipped)

	f.clock.Advance(time.Hour)
	decision = coordinator.AttemptRecovery(context.Background(), "acct_1", "second")
	require.True(t, decision.Started)
	assert.Equal(t, 2, decision.Attempt.AttemptCount)
	assert.Equal(t, 1, f.alerts.Count(AlertRecoveryFailed), "exhausting attempts raises an alert")

	f.clock.Advance(time.Hour)
	decision = coordinator.AttemptRecovery(context.Background(), "acct_1", "third")
	assert.Equal(t, SkipExhausted, decision.Skipped)
	assert.Equal(t, 2, f.provider.Calls("GetSubject"))
}

func TestAttemptRecoverySkipsWhileInFlight(t *testing.T) {
	state := NewSafetyState(DefaultSafetyLimits(), NewFakeClock(testEpoch))
	entered := make(chan struct{})
	release := make(chan struct{})
	coordinator := NewRecoveryCoordinator(RecoveryCoordinatorOptions{
		State:  state,
		Logger: quietLogger(),
		Sync: resyncFunc(func(ctx context.Context, subjectID string) SyncResult {
			close(entered)
			<-release
			return SyncResult{Success: true, SubjectID: subjectID}
		}),
	})

	done := make(chan RecoveryDecision)
	go func() { done <- coordinator.AttemptRecovery(context.Background(), "acct_1", "first") }()
	<-entered

	second := coordinator.AttemptRecovery(context.Background(), "acct_1", "second")
	assert.False(t, second.Started)
	assert.Equal(t, SkipInFlight, second.Skipped)
	assert.Equal(t, 1, coordinator.InFlight())

	close(release)
	first := <-done
	assert.Equal(t, RecoverySuccess, first.Attempt.Status)
}

func TestAttemptRecoveryRecordsPanicAsFailure(t *testing.T) {
	coordinator := NewRecoveryCoordinator(RecoveryCoordinatorOptions{
		State:  NewSafetyState(DefaultSafetyLimits(), NewFakeClock(testEpoch)),
		Logger: quietLogger(),
		Sync: resyncFunc(func(ctx context.Context, subjectID string) SyncResult {
			panic("provider client bug")
		}),
	})

	decision := coordinator.AttemptRecovery(context.Background(), "acct_1", "boom")
	assert.True(t, decision.Started)
	assert.Equal(t, RecoveryFailed, decision.Attempt.Status)
	assert.Contains(t, decision.Attempt.ErrorMessage, "provider client bug")
	assert.Zero(t, coordinator.InFlight())
}

func TestScheduleRecovery(t *testing.T) {
	f := newCoreFixture(t, DefaultSafetyLimits())
	var scheduled []Task
	coordinator := NewRecoveryCoordinator(RecoveryCoordinatorOptions{
		State:    f.state,
		Sync:     f.sync,
		Ledger:   f.ledger,
		Logger:   quietLogger(),
		Schedule: func(task Task) bool { scheduled = append(scheduled, task); return true },
	})
	assert.True(t, coordinator.ScheduleRecovery("acct_1", "drift"))
	assert.False(t, coordinator.ScheduleRecovery(" ", "drift"))
	assert.Equal(t, []Task{{Kind: TaskRecovery, Key: "acct_1", Reason: "drift"}}, scheduled)

	f.seedSubject(t, "acct_2", "cus_2", "sub_2", "active")
	inline := f.recovery()
	assert.True(t, inline.ScheduleRecovery("acct_2", "drift"))
	attempt, ok := inline.Attempt("acct_2")
	require.True(t, ok)
	assert.Equal(t, RecoverySuccess, attempt.Status)
}

func TestResetRecoveryClearsStateAndLedger(t *testing.T) {
	f := newCoreFixture(t, DefaultSafetyLimits())
	f.seedSubject(t, "acct_1", "cus_1", "sub_1", "active")
	coordinator := f.recovery()
	coordinator.AttemptRecovery(context.Background(), "acct_1", "first")

	existed, err := coordinator.Reset(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.True(t, existed)
	_, ok := coordinator.Attempt("acct_1")
	assert.False(t, ok)
	_, err = f.ledger.Get(context.Background(), TableRecoveryAttempts, "acct_1")
	assert.ErrorIs(t, err, ErrNotFound)

	existed, err = coordinator.Reset(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = coordinator.Reset(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestResetWhileRecoveryRunsLeavesNoRecord(t *testing.T) {
	f := newCoreFixture(t, DefaultSafetyLimits())
	f.seedSubject(t, "acct_1", "cus_1", "sub_1", "active")
	coordinator := f.recovery()
	ctx := context.Background()
	var resets int
	f.provider.FailWith(func(op, id string) error {
		if op == "GetSubject" && resets == 0 {
			resets++
			existed, err := coordinator.Reset(ctx, "acct_1")
			require.NoError(t, err)
			assert.True(t, existed)
			return &ProviderError{Kind: ProviderErrorTransient, Message: "timeout"}
		}
		return nil
	})

	decision := coordinator.AttemptRecovery(ctx, "acct_1", "drift")
	assert.True(t, decision.Started)
	assert.Zero(t, decision.Attempt.AttemptCount)
	_, ok := coordinator.Attempt("acct_1")
	assert.False(t, ok)
	_, err := f.ledger.Get(ctx, TableRecoveryAttempts, "acct_1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, f.alerts.Count(AlertRecoveryFailed))

	decision = coordinator.AttemptRecovery(ctx, "acct_1", "after reset")
	require.True(t, decision.Started)
	assert.Equal(t, 1, decision.Attempt.AttemptCount)
	assert.Equal(t, RecoverySuccess, decision.Attempt.Status)
}

func TestRestoreRecoveryAttempts(t *testing.T) {
	f := newCoreFixture(t, DefaultSafetyLimits())
	ctx := context.Background()
	require.NoError(t, putRecord(ctx, f.ledger, TableRecoveryAttempts, "acct_1", RecoveryAttempt{
		SubjectKey: "acct_1", AttemptCount: 3, LastAttemptAt: testEpoch, Status: RecoveryFailed,
	}))
	require.NoError(t, f.ledger.Upsert(ctx, TableRecoveryAttempts, "acct_2", map[string]any{
		"attemptCount": 1, "lastAttemptAt": testEpoch, "status": RecoveryInProgress,
	}))

	coordinator := f.recovery()
	require.NoError(t, coordinator.Restore(ctx))

	decision := coordinator.AttemptRecovery(ctx, "acct_1", "after restart")
	assert.Equal(t, SkipExhausted, decision.Skipped)

	attempt, ok := coordinator.Attempt("acct_2")
	require.True(t, ok)
	assert.Equal(t, RecoveryFailed, attempt.Status)
	assert.Equal(t, "acct_2", attempt.SubjectKey)
	assert.Zero(t, coordinator.InFlight())
}
