package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// TierMapping turns a local status and provider price into a local tier.
type TierMapping struct {
	PriceTiers      map[string]string
	DefaultPaidTier string
	FreeTier        string
}

func (m TierMapping) withDefaults() TierMapping {
	if strings.TrimSpace(m.DefaultPaidTier) == "" {
		m.DefaultPaidTier = "pro"
	}
	if strings.TrimSpace(m.FreeTier) == "" {
		m.FreeTier = "free"
	}
	return m
}

// TierFor is deterministic: entitled statuses get the price's tier (or the
// default paid tier), everything else gets the free tier.
func (m TierMapping) TierFor(status, priceID string) string {
	m = m.withDefaults()
	if !entitledStatus(status) {
		return m.FreeTier
	}
	if tier, ok := m.PriceTiers[strings.TrimSpace(priceID)]; ok && strings.TrimSpace(tier) != "" {
		return tier
	}
	return m.DefaultPaidTier
}

// IsPaidTier reports whether tier is anything other than the free tier.
func (m TierMapping) IsPaidTier(tier string) bool {
	m = m.withDefaults()
	tier = strings.TrimSpace(tier)
	return tier != "" && tier != m.FreeTier
}

// MapProviderStatus collapses provider subscription statuses onto the local
// vocabulary. past_due keeps access during the provider's dunning window.
func MapProviderStatus(providerStatus string) string {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "active", "past_due":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "canceled", "cancelled":
		return StatusCanceled
	default:
		return StatusInactive
	}
}

func providerStatusRank(status string) int {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return 0
	case "trialing":
		return 1
	case "past_due":
		return 2
	case "unpaid":
		return 3
	case "paused":
		return 4
	case "incomplete":
		return 5
	case "canceled", "cancelled":
		return 6
	case "incomplete_expired":
		return 7
	}
	return 8
}

// canonicalSubscription picks the subscription that decides the subject's
// state: the most entitling status, then the newest.
func canonicalSubscription(objects []RelatedObject) (RelatedObject, bool) {
	if len(objects) == 0 {
		return RelatedObject{}, false
	}
	sorted := append([]RelatedObject(nil), objects...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := providerStatusRank(sorted[i].Status), providerStatusRank(sorted[j].Status)
		if ri != rj {
			return ri < rj
		}
		if !sorted[i].Created.Equal(sorted[j].Created) {
			return sorted[i].Created.After(sorted[j].Created)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0], true
}

type SyncServiceOptions struct {
	Ledger      LedgerStore
	Provider    ProviderClient
	Clock       Clock
	Logger      *slog.Logger
	Tiers       TierMapping
	CallTimeout time.Duration
}

// SyncService rebuilds a subject's Ledger state from a fresh Provider pull.
// Running it twice against the same Provider state changes nothing the
// second time.
type SyncService struct {
	ledger      LedgerStore
	provider    ProviderClient
	clock       Clock
	logger      *slog.Logger
	tiers       TierMapping
	callTimeout time.Duration
}

func NewSyncService(opts SyncServiceOptions) *SyncService {
	clock := opts.Clock
	if clock == nil {
		clock = RealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SyncService{
		ledger:      opts.Ledger,
		provider:    opts.Provider,
		clock:       clock,
		logger:      logger,
		tiers:       opts.Tiers.withDefaults(),
		callTimeout: timeout,
	}
}

func (s *SyncService) Tiers() TierMapping {
	return s.tiers
}

// Now reads the service clock.
func (s *SyncService) Now() time.Time {
	return s.clock.Now()
}

// ResyncSubject pulls the subject's customer and subscriptions from the
// Provider, upserts subscription mirrors by provider id and rewrites the
// subject's derived fields.
func (s *SyncService) ResyncSubject(ctx context.Context, subjectID string) SyncResult {
	subjectID = strings.TrimSpace(subjectID)
	result := SyncResult{SubjectID: subjectID, CorrectedFields: []string{}}
	fail := func(err error) SyncResult {
		result.Success = false
		result.ErrorCode = errorCodeFor(err)
		result.Error = err.Error()
		s.logger.Info("resync failed", "subject", subjectID, "code", result.ErrorCode, "error", err)
		return result
	}
	if subjectID == "" {
		return fail(fmt.Errorf("%w: empty subject id", ErrInvalidInput))
	}

	subject, err := s.Subject(ctx, subjectID)
	if err != nil {
		return fail(err)
	}
	customerID := strings.TrimSpace(subject.ProviderCustomerID)
	if customerID == "" {
		return fail(fmt.Errorf("%w: subject %s has no provider customer", ErrInvalidInput, subjectID))
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	_, err = s.provider.GetSubject(callCtx, customerID)
	cancel()
	if err != nil {
		return fail(err)
	}
	callCtx, cancel = context.WithTimeout(ctx, s.callTimeout)
	objects, err := s.provider.ListRelatedObjects(callCtx, customerID, RelatedFilter{Type: relatedTypeSubscription, Status: "all"})
	cancel()
	if err != nil {
		return fail(err)
	}

	now := s.clock.Now()
	for _, object := range objects {
		record := SubscriptionRecord{
			ID:                object.ID,
			SubjectID:         subjectID,
			Status:            object.Status,
			PriceID:           object.PriceID,
			CurrentPeriodEnd:  object.CurrentPeriodEnd,
			CancelAtPeriodEnd: object.CancelAtPeriodEnd,
			UpdatedAt:         now,
		}
		if err := s.withTimeout(ctx, func(ctx context.Context) error {
			return putRecord(ctx, s.ledger, TableSubscriptions, object.ID, record)
		}); err != nil {
			return fail(err)
		}
	}

	desired := map[string]any{}
	status, priceID, subscriptionID := StatusInactive, "", ""
	if canonical, ok := canonicalSubscription(objects); ok {
		status = MapProviderStatus(canonical.Status)
		priceID = canonical.PriceID
		subscriptionID = canonical.ID
	}
	tier := s.tiers.TierFor(status, priceID)
	entitled := entitledStatus(status)
	if subject.Status != status {
		desired["status"] = status
	}
	if subject.Tier != tier {
		desired["tier"] = tier
	}
	if subject.Entitled != entitled {
		desired["entitled"] = entitled
	}
	if subject.ProviderSubscriptionID != subscriptionID {
		desired["providerSubscriptionId"] = subscriptionID
	}
	result.Status = status
	result.Tier = tier
	result.Success = true
	if len(desired) == 0 {
		return result
	}
	for field := range desired {
		result.CorrectedFields = append(result.CorrectedFields, field)
	}
	sort.Strings(result.CorrectedFields)
	desired["updatedAt"] = now
	if err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.ledger.Upsert(ctx, TableSubjects, subjectID, desired)
	}); err != nil {
		return fail(err)
	}
	s.logger.Info("subject resynced", "subject", subjectID, "status", status, "tier", tier, "fields", result.CorrectedFields)
	return result
}

// NormalizeTier rewrites tier and entitlement from the subject's current
// status without calling the Provider.
func (s *SyncService) NormalizeTier(ctx context.Context, subjectID string) ([]string, error) {
	subject, err := s.Subject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	priceID := ""
	if subject.ProviderSubscriptionID != "" {
		var sub SubscriptionRecord
		err := s.withTimeout(ctx, func(ctx context.Context) error {
			return getRecord(ctx, s.ledger, TableSubscriptions, subject.ProviderSubscriptionID, &sub)
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		priceID = sub.PriceID
	}
	status := subject.Status
	if status == "" {
		status = StatusInactive
	}
	desired := map[string]any{}
	fields := []string{}
	if tier := s.tiers.TierFor(status, priceID); subject.Tier != tier {
		desired["tier"] = tier
		fields = append(fields, "tier")
	}
	if entitled := entitledStatus(status); subject.Entitled != entitled {
		desired["entitled"] = entitled
		fields = append(fields, "entitled")
	}
	if len(desired) == 0 {
		return fields, nil
	}
	desired["updatedAt"] = s.clock.Now()
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		return s.ledger.Upsert(ctx, TableSubjects, subject.ID, desired)
	})
	return fields, err
}

// LinkSubject records the association between a local subject and a
// provider customer. New subjects start inactive on the free tier.
func (s *SyncService) LinkSubject(ctx context.Context, subjectID, customerID string) error {
	subjectID = strings.TrimSpace(subjectID)
	customerID = strings.TrimSpace(customerID)
	if subjectID == "" || customerID == "" {
		return ErrInvalidInput
	}
	return s.withTimeout(ctx, func(ctx context.Context) error {
		fields := map[string]any{
			"id":                 subjectID,
			"providerCustomerId": customerID,
			"updatedAt":          s.clock.Now(),
		}
		if _, err := s.ledger.Get(ctx, TableSubjects, subjectID); errors.Is(err, ErrNotFound) {
			fields["status"] = StatusInactive
			fields["tier"] = s.tiers.FreeTier
			fields["entitled"] = false
		} else if err != nil {
			return err
		}
		if err := s.ledger.Upsert(ctx, TableSubjects, subjectID, fields); err != nil {
			return err
		}
		return putRecord(ctx, s.ledger, TableCustomers, customerID, customerLink{SubjectID: subjectID})
	})
}

// SubjectForCustomer resolves a provider customer id to the local subject.
func (s *SyncService) SubjectForCustomer(ctx context.Context, customerID string) (string, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return "", ErrInvalidInput
	}
	var link customerLink
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		return getRecord(ctx, s.ledger, TableCustomers, customerID, &link)
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(link.SubjectID) == "" {
		return "", ErrNotFound
	}
	return link.SubjectID, nil
}

// RecordPayment stamps the time of the subject's latest successful payment.
func (s *SyncService) RecordPayment(ctx context.Context, subjectID string, at time.Time) error {
	return s.withTimeout(ctx, func(ctx context.Context) error {
		return s.ledger.Upsert(ctx, TableSubjects, subjectID, map[string]any{"lastPaymentAt": at.UTC()})
	})
}

func (s *SyncService) Subject(ctx context.Context, subjectID string) (SubjectRecord, error) {
	var subject SubjectRecord
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		return getRecord(ctx, s.ledger, TableSubjects, subjectID, &subject)
	})
	if err != nil {
		return SubjectRecord{}, err
	}
	if subject.ID == "" {
		subject.ID = subjectID
	}
	return subject, nil
}

func (s *SyncService) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return fn(ctx)
}
