package ledgersync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapProviderStatus(t *testing.T) {
	tests := map[string]string{
		"active":             StatusActive,
		"past_due":           StatusActive,
		"trialing":           StatusTrialing,
		"canceled":           StatusCanceled,
		"cancelled":          StatusCanceled,
		"unpaid":             StatusInactive,
		"incomplete_expired": StatusInactive,
		" ACTIVE ":           StatusActive,
		"":                   StatusInactive,
	}
	for provider, want := range tests {
		assert.Equal(t, want, MapProviderStatus(provider), provider)
	}
}

func TestTierMapping(t *testing.T) {
	tiers := TierMapping{PriceTiers: map[string]string{"price_team": "team", "price_blank": " "}}
	assert.Equal(t, "team", tiers.TierFor(StatusActive, "price_team"))
	assert.Equal(t, "team", tiers.TierFor(StatusTrialing, " price_team "))
	assert.Equal(t, "pro", tiers.TierFor(StatusActive, "price_unknown"))
	assert.Equal(t, "pro", tiers.TierFor(StatusActive, "price_blank"))
	assert.Equal(t, "free", tiers.TierFor(StatusCanceled, "price_team"))
	assert.Equal(t, "free", tiers.TierFor(StatusInactive, ""))

	assert.True(t, tiers.IsPaidTier("team"))
	assert.False(t, tiers.IsPaidTier("free"))
	assert.False(t, tiers.IsPaidTier(""))

	custom := TierMapping{DefaultPaidTier: "gold", FreeTier: "basic"}
	assert.Equal(t, "gold", custom.TierFor(StatusActive, ""))
	assert.Equal(t, "basic", custom.TierFor(StatusCanceled, ""))
}

func TestCanonicalSubscription(t *testing.T) {
	_, ok := canonicalSubscription(nil)
	assert.False(t, ok)

	older := testEpoch.Add(-48 * time.Hour)
	chosen, ok := canonicalSubscription([]RelatedObject{
		{ID: "sub_canceled", Status: "canceled", Created: testEpoch},
		{ID: "sub_old", Status: "active", Created: older},
		{ID: "sub_new", Status: "active", Created: testEpoch},
		{ID: "sub_trial", Status: "trialing", Created: testEpoch},
	})
	require.True(t, ok)
	assert.Equal(t, "sub_new", chosen.ID)

	chosen, _ = canonicalSubscription([]RelatedObject{
		{ID: "sub_b", Status: "past_due", Created: testEpoch},
		{ID: "sub_a", Status: "past_due", Created: testEpoch},
	})
	assert.Equal(t, "sub_a", chosen.ID)
}

func TestResyncSubjectConvergesAndIsIdempotent(t *testing.T) {
	f := newCoreFixture(t, DefaultSafetyLimits())
	f.seedSubject(t, "acct_1", "cus_1", "sub_1", "active")

	linked := f.subject(t, "acct_1")
	assert.Equal(t, StatusInactive, linked.Status)
	assert.Equal(t, "free", linked.Tier)

	result := f.sync.ResyncSubject(context.Background(), "acct_1")
	require.True(t, result.Success)
	assert.Equal(t, StatusActive, result.Status)
	assert.Equal(t, "pro", result.Tier)
	assert.Equal(t, []string{"entitled", "providerSubscriptionId", "status", "tier"}, result.CorrectedFields)

	subject := f.subject(t, "acct_1")
	assert.Equal(t, StatusActive, subject.Status)
	assert.True(t, subject.Entitled)
	assert.Equal(t, "sub_1", subject.ProviderSubscriptionID)
	assert.Equal(t, "cus_1", subject.ProviderCustomerID)

	var mirror SubscriptionRecord
	require.NoError(t, getRecord(context.Background(), f.ledger, TableSubscriptions, "sub_1", &mirror))
	assert.Equal(t, "acct_1", mirror.SubjectID)
	assert.Equal(t, "price_pro", mirror.PriceID)

	again := f.sync.ResyncSubject(context.Background(), "acct_1")
	require.True(t, again.Success)
	assert.Empty(t, again.CorrectedFields)
	assert.Equal(t, subject, f.subject(t, "acct_1"))
}

func TestResyncSubjectFollowsProviderCancellation(t *testing.T) {
	f := newCoreFixture(t, DefaultSafetyLimits())
	f.seedInSync(t, "acct_1", "cus_1", "sub_1", "active")

	f.provider.PutObject(RelatedObject{ID: "sub_1", CustomerID: "cus_1", Status: "canceled", PriceID: "price_pro"})
	result := f.sync.ResyncSubject(context.Background(), "acct_1")
	require.True(t, result.Success)
	assert.Equal(t, StatusCanceled, result.Status)
	assert.Equal(t, "free", result.Tier)
	assert.Equal(t, []string{"entitled", "status", "tier"}, result.CorrectedFields)

	f.provider.DeleteObject("sub_1")
	result = f.sync.ResyncSubject(context.Background(), "acct_1")
	require.True(t, result.Success)
	assert.Equal(t, StatusInactive, result.Status)
	assert.Contains(t, result.CorrectedFields, "providerSubscriptionId")
}

func TestResyncSubjectMapsPriceToTier(t *testing.T) {
	f := newCoreFixture(t, DefaultSafetyLimits())
	f.provider.PutCustomer(SubjectSnapshot{ID: "cus_1"})
	f.provider.PutObject(RelatedObject{ID: "sub_1", CustomerID: "cus_1", Status: "trialing", PriceID: "price_team"})
	require.NoError(t, f.sync.LinkSubject(context.Background(), "acct_1", "cus_1"))

	result := f.sync.ResyncSubject(context.Background(), "acct_1")
	require.True(t, result.Success)
	assert.Equal(t, StatusTrialing, result.Status)
	assert.Equal(t, "team", result.Tier)
}

func TestResyncSubjectErrorCodes(t *testing.T) {
	f := newCoreFixture(t, DefaultSafetyLimits())
	ctx := context.Background()

	result := f.sync.ResyncSubject(ctx, "acct_missing")
	assert.False(t, result.Success)
	assert.Equal(t, ErrorCodeSubjectNotFound, result.ErrorCode)

	result = f.sync.ResyncSubject(ctx, "  ")
	assert.Equal(t, ErrorCodeInvalidSubject, result.ErrorCode)

	require.NoError(t, f.ledger.Upsert(ctx, TableSubjects, "acct_unlinked", map[string]any{"status": StatusActive}))
	result = f.sync.ResyncSubject(ctx, "acct_unlinked")
	assert.Equal(t, ErrorCodeInvalidSubject, result.ErrorCode)

	f.seedInSync(t, "acct_1", "cus_1", "sub_1", "active")
	f.provider.FailWith(func(op, id string) error {
		return &ProviderError{Kind: ProviderErrorTransient, StatusCode: 503, Message: "unavailable"}
	})
	result = f.sync.ResyncSubject(ctx, "acct_1")
	assert.Equal(t, ErrorCodeProviderTransient, result.ErrorCode)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, StatusActive, f.subject(t, "acct_1").Status, "failed resync leaves the ledger untouched")

	f.provider.FailWith(nil)
	f.provider.DeleteCustomer("cus_1")
	result = f.sync.ResyncSubject(ctx, "acct_1")
	assert.Equal(t, ErrorCodeProviderNotFound, result.ErrorCode)
}

func TestNormalizeTier(t *testing.T) {
	f := newCoreFixture(t, DefaultSafetyLimits())
	ctx := context.Background()
	require.NoError(t, f.ledger.Upsert(ctx, TableSubjects, "acct_1", map[string]any{
		"id": "acct_1", "status": StatusCanceled, "tier": "pro", "entitled": true,
	}))

	fields, err := f.sync.NormalizeTier(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"tier", "entitled"}, fields)
	subject := f.subject(t, "acct_1")
	assert.Equal(t, "free", subject.Tier)
	assert.False(t, subject.Entitled)

	fields, err = f.sync.NormalizeTier(ctx, "acct_1")
	require.NoError(t, err)
	assert.Empty(t, fields)

	_, err = f.sync.NormalizeTier(ctx, "acct_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNormalizeTierUsesMirroredPrice(t *testing.T) {
	f := newCoreFixture(t, DefaultSafetyLimits())
	ctx := context.Background()
	require.NoError(t, putRecord(ctx, f.ledger, TableSubscriptions, "sub_1", SubscriptionRecord{ID: "sub_1", SubjectID: "acct_1", Status: "active", PriceID: "price_team"}))
	require.NoError(t, f.ledger.Upsert(ctx, TableSubjects, "acct_1", map[string]any{
		"id": "acct_1", "status": StatusActive, "tier": "free", "entitled": true, "providerSubscriptionId": "sub_1",
	}))

	fields, err := f.sync.NormalizeTier(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"tier"}, fields)
	assert.Equal(t, "team", f.subject(t, "acct_1").Tier)
}

func TestLinkSubjectAndCustomerLookup(t *testing.T) {
	f := newCoreFixture(t, DefaultSafetyLimits())
	ctx := context.Background()

	require.ErrorIs(t, f.sync.LinkSubject(ctx, "acct_1", ""), ErrInvalidInput)
	require.NoError(t, f.sync.LinkSubject(ctx, "acct_1", "cus_1"))

	subjectID, err := f.sync.SubjectForCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "acct_1", subjectID)

	_, err = f.sync.SubjectForCustomer(ctx, "cus_unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, f.ledger.Upsert(ctx, TableSubjects, "acct_1", map[string]any{"status": StatusActive, "tier": "pro"}))
	require.NoError(t, f.sync.LinkSubject(ctx, "acct_1", "cus_2"))
	subject := f.subject(t, "acct_1")
	assert.Equal(t, StatusActive, subject.Status, "relinking keeps derived state")
	assert.Equal(t, "cus_2", subject.ProviderCustomerID)
}

func TestRecordPayment(t *testing.T) {
	f := newCoreFixture(t, DefaultSafetyLimits())
	ctx := context.Background()
	require.NoError(t, f.sync.LinkSubject(ctx, "acct_1", "cus_1"))

	paidAt := testEpoch.Add(-time.Hour)
	require.NoError(t, f.sync.RecordPayment(ctx, "acct_1", paidAt))
	subject := f.subject(t, "acct_1")
	require.NotNil(t, subject.LastPaymentAt)
	assert.True(t, paidAt.Equal(*subject.LastPaymentAt))
}
