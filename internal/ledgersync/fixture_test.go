package ledgersync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type coreFixture struct {
	clock    *FakeClock
	ledger   *MemoryLedger
	provider *MemoryProvider
	state    *SafetyState
	alerts   *MemoryAlertSink
	sync     *SyncService
}

func newCoreFixture(t *testing.T, limits SafetyLimits) *coreFixture {
	t.Helper()
	clock := NewFakeClock(testEpoch)
	ledger := NewMemoryLedger()
	provider := NewMemoryProvider(testSecret)
	provider.SetClock(clock)
	f := &coreFixture{
		clock:    clock,
		ledger:   ledger,
		provider: provider,
		state:    NewSafetyState(limits, clock),
		alerts:   &MemoryAlertSink{},
	}
	f.sync = NewSyncService(SyncServiceOptions{
		Ledger:   ledger,
		Provider: provider,
		Clock:    clock,
		Logger:   quietLogger(),
		Tiers:    TierMapping{PriceTiers: map[string]string{"price_team": "team"}},
	})
	return f
}

func (f *coreFixture) recovery() *RecoveryCoordinator {
	return NewRecoveryCoordinator(RecoveryCoordinatorOptions{
		State:  f.state,
		Sync:   f.sync,
		Ledger: f.ledger,
		Alerts: f.alerts,
		Logger: quietLogger(),
	})
}

func (f *coreFixture) corrector(recovery *RecoveryCoordinator) *AutoCorrectionEngine {
	return NewAutoCorrectionEngine(AutoCorrectorOptions{
		State:    f.state,
		Sync:     f.sync,
		Ledger:   f.ledger,
		Recovery: recovery,
		Alerts:   f.alerts,
		Logger:   quietLogger(),
	})
}

// seedSubject links subjectID to customerID and gives the customer one
// subscription at the provider with the given status.
func (f *coreFixture) seedSubject(t *testing.T, subjectID, customerID, subscriptionID, providerStatus string) {
	t.Helper()
	f.provider.PutCustomer(SubjectSnapshot{ID: customerID})
	if subscriptionID != "" {
		f.provider.PutObject(RelatedObject{ID: subscriptionID, CustomerID: customerID, Status: providerStatus, PriceID: "price_pro", Created: testEpoch})
	}
	require.NoError(t, f.sync.LinkSubject(context.Background(), subjectID, customerID))
}

// seedInSync seeds a subject and resyncs it so both systems agree.
func (f *coreFixture) seedInSync(t *testing.T, subjectID, customerID, subscriptionID, providerStatus string) {
	t.Helper()
	f.seedSubject(t, subjectID, customerID, subscriptionID, providerStatus)
	result := f.sync.ResyncSubject(context.Background(), subjectID)
	require.True(t, result.Success, "seed resync failed: %s", result.Error)
}

func (f *coreFixture) subject(t *testing.T, subjectID string) SubjectRecord {
	t.Helper()
	subject, err := f.sync.Subject(context.Background(), subjectID)
	require.NoError(t, err)
	return subject
}
