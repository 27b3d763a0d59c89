package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventHandler applies one kind of provider event to the Ledger. Returning a
// *ConsistencyViolation records an Issue instead of retrying.
type EventHandler interface {
	Name() string
	Kinds() []string
	Handle(ctx context.Context, event ProviderEvent) error
}

// eventSync is the part of SyncService the default handlers depend on.
type eventSync interface {
	Resyncer
	SubjectForCustomer(ctx context.Context, customerID string) (string, error)
	RecordPayment(ctx context.Context, subjectID string, at time.Time) error
	Now() time.Time
}

// DefaultEventHandlers covers subscription lifecycle, invoice payment and
// customer deletion events.
func DefaultEventHandlers(sync eventSync) []EventHandler {
	return []EventHandler{
		subscriptionEventHandler{sync: sync},
		paymentEventHandler{sync: sync},
		customerDeletedHandler{sync: sync},
	}
}

type subscriptionEventHandler struct {
	sync eventSync
}

func (subscriptionEventHandler) Name() string { return "subscription" }

func (subscriptionEventHandler) Kinds() []string {
	return []string{
		"customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted",
		"customer.subscription.paused",
		"customer.subscription.resumed",
		"customer.subscription.trial_will_end",
		"checkout.session.completed",
	}
}

func (h subscriptionEventHandler) Handle(ctx context.Context, event ProviderEvent) error {
	subjectID, err := resolveEventSubject(ctx, h.sync, event)
	if err != nil {
		return err
	}
	return syncResultError(h.sync.ResyncSubject(ctx, subjectID))
}

type paymentEventHandler struct {
	sync eventSync
}

func (paymentEventHandler) Name() string { return "payment" }

func (paymentEventHandler) Kinds() []string {
	return []string{"invoice.payment_succeeded", "invoice.paid", "invoice.payment_failed"}
}

func (h paymentEventHandler) Handle(ctx context.Context, event ProviderEvent) error {
	subjectID, err := resolveEventSubject(ctx, h.sync, event)
	if err != nil {
		return err
	}
	if event.Kind != "invoice.payment_failed" {
		at := event.Created
		if at.IsZero() {
			at = h.sync.Now()
		}
		if err := h.sync.RecordPayment(ctx, subjectID, at); err != nil {
			return err
		}
	}
	return syncResultError(h.sync.ResyncSubject(ctx, subjectID))
}

type customerDeletedHandler struct {
	sync eventSync
}

func (customerDeletedHandler) Name() string { return "customer" }

func (customerDeletedHandler) Kinds() []string {
	return []string{"customer.deleted"}
}

func (h customerDeletedHandler) Handle(ctx context.Context, event ProviderEvent) error {
	subjectID, err := resolveEventSubject(ctx, h.sync, event)
	if err != nil {
		return err
	}
	err = syncResultError(h.sync.ResyncSubject(ctx, subjectID))
	if errors.Is(err, ErrProviderNotFound) {
		return &ConsistencyViolation{
			SubjectKey: subjectID,
			Kind:       IssueOrphanedReference,
			Severity:   SeverityError,
			Detail:     fmt.Sprintf("provider customer %s was deleted", event.SubjectRef),
		}
	}
	return err
}

func resolveEventSubject(ctx context.Context, sync eventSync, event ProviderEvent) (string, error) {
	customerID := strings.TrimSpace(event.SubjectRef)
	if customerID == "" {
		return "", &ConsistencyViolation{
			Kind:     IssueUnlinkedProviderCustomer,
			Severity: SeverityWarning,
			Detail:   fmt.Sprintf("event %s (%s) carries no customer", event.ID, event.Kind),
		}
	}
	subjectID, err := sync.SubjectForCustomer(ctx, customerID)
	if errors.Is(err, ErrNotFound) {
		return "", &ConsistencyViolation{
			Kind:     IssueUnlinkedProviderCustomer,
			Severity: SeverityWarning,
			Detail:   fmt.Sprintf("provider customer %s is not linked to a subject", customerID),
		}
	}
	return subjectID, err
}

// syncResultError turns a failed SyncResult back into an error matching the
// sentinel its ErrorCode came from.
func syncResultError(result SyncResult) error {
	if result.Success {
		return nil
	}
	var base error
	switch result.ErrorCode {
	case ErrorCodeInvalidSubject:
		base = ErrInvalidInput
	case ErrorCodeSubjectNotFound:
		base = ErrNotFound
	case ErrorCodeProviderNotFound:
		return &ProviderError{Kind: ProviderErrorNotFound, Message: result.Error}
	case ErrorCodeProviderTransient:
		return &ProviderError{Kind: ProviderErrorTransient, Message: result.Error}
	case ErrorCodeProviderPermanent:
		return &ProviderError{Kind: ProviderErrorPermanent, Message: result.Error}
	case ErrorCodeLedger:
		base = ErrLedger
	default:
		return fmt.Errorf("resync %s: %s", result.SubjectID, result.Error)
	}
	return fmt.Errorf("resync %s: %w: %s", result.SubjectID, base, result.Error)
}
