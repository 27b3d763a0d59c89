package ledgersync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthReportsOKWhenQuiet(t *testing.T) {
	f := newEngineFixture(t, nil)
	health := f.engine.Health(context.Background())
	assert.Equal(t, HealthOK, health.Status)
	assert.Equal(t, 1.0, health.IntakeSuccessRate)
	assert.Zero(t, health.OpenIssues)
	assert.Empty(t, health.Reasons)
	assert.Equal(t, 1024, health.QueueCapacity)
	assert.Nil(t, health.LastRun)
	assert.Equal(t, testEpoch, health.CheckedAt)
}

func TestHealthDegradesOnCriticalIssues(t *testing.T) {
	f := newEngineFixture(t, nil)
	corrected := driftIssue("iss_fixed", "acct_2", SeverityCritical)
	corrected.Corrected = true
	storeIssues(t, f.engine.Ledger,
		driftIssue("iss_1", "acct_1", SeverityCritical),
		driftIssue("iss_2", "acct_1", SeverityWarning),
		corrected,
	)

	health := f.engine.Health(context.Background())
	assert.Equal(t, HealthDegraded, health.Status)
	assert.Equal(t, 2, health.OpenIssues)
	assert.Equal(t, map[Severity]int{SeverityCritical: 1, SeverityWarning: 1}, health.OpenIssuesBySeverity)
	assert.Contains(t, health.Reasons, "open critical issues")
}

func TestHealthDegradesOnLowSuccessRate(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.engine.Start(ctx))
	f.provider.FailWith(func(op, id string) error {
		return &ProviderError{Kind: ProviderErrorPermanent, Message: "bad request"}
	})
	f.provider.PutCustomer(SubjectSnapshot{ID: "cus_1"})
	require.NoError(t, f.engine.Sync.LinkSubject(ctx, "acct_1", "cus_1"))

	payload := subscriptionEvent("evt_1", "cus_1")
	_, err := f.engine.Intake.Receive(ctx, payload, SignPayload(testSecret, payload, f.clock.Now()))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.engine.Intake.Stats().Failed == 1 }, 5*time.Second, 10*time.Millisecond)

	health := f.engine.Health(ctx)
	assert.Equal(t, HealthDegraded, health.Status)
	assert.Zero(t, health.IntakeSuccessRate)
	assert.Contains(t, health.Reasons, "webhook success rate below threshold")
}

func TestListIssuesFilters(t *testing.T) {
	ledger := NewMemoryLedger()
	older := driftIssue("iss_old", "acct_1", SeverityError)
	older.DetectedAt = testEpoch.Add(-time.Hour)
	fixed := driftIssue("iss_fixed", "acct_2", SeverityCritical)
	fixed.Corrected = true
	storeIssues(t, ledger,
		older,
		driftIssue("iss_new", "acct_1", SeverityWarning),
		fixed,
	)
	ctx := context.Background()

	all, err := ListIssues(ctx, ledger, IssueFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "iss_old", all[2].ID, "most recent first")

	open, err := ListIssues(ctx, ledger, IssueFilter{OpenOnly: true})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	serious, err := ListIssues(ctx, ledger, IssueFilter{MinSeverity: SeverityError})
	require.NoError(t, err)
	assert.Len(t, serious, 2)

	mine, err := ListIssues(ctx, ledger, IssueFilter{SubjectKey: "acct_1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "iss_new", mine[0].ID)
}

func TestHealthRecoversAfterDriftHeals(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.provider.PutCustomer(SubjectSnapshot{ID: "cus_1"})
	f.provider.PutObject(RelatedObject{ID: "sub_1", CustomerID: "cus_1", Status: "active", PriceID: "price_pro", Created: testEpoch})
	require.NoError(t, f.engine.Sync.LinkSubject(ctx, "acct_1", "cus_1"))

	for i := 0; i < 2; i++ {
		report, err := f.engine.Sweeper.Sweep(ctx, SweepOptions{Mode: SweepFull, Force: true})
		require.NoError(t, err)
		require.Equal(t, 1, report.IssuesFound)
		f.clock.Advance(time.Minute)
	}
	health := f.engine.Health(ctx)
	assert.Equal(t, HealthDegraded, health.Status)
	assert.Equal(t, 1, health.OpenIssues, "repeated sweeps do not duplicate the issue")

	require.True(t, f.engine.Sync.ResyncSubject(ctx, "acct_1").Success)
	report, err := f.engine.Sweeper.Sweep(ctx, SweepOptions{Mode: SweepFull, Force: true})
	require.NoError(t, err)
	assert.Zero(t, report.IssuesFound)
	assert.Equal(t, 1, report.IssuesResolved)

	health = f.engine.Health(ctx)
	assert.Equal(t, HealthOK, health.Status)
	assert.Zero(t, health.OpenIssues)
	assert.Empty(t, health.Reasons)
}
