package ledgersync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// SubjectSnapshot is the provider's view of a customer.
type SubjectSnapshot struct {
	ID       string            `json:"id"`
	Email    string            `json:"email,omitempty"`
	Deleted  bool              `json:"deleted,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RelatedObject is a provider object owned by a customer, usually a
// subscription.
type RelatedObject struct {
	ID                string     `json:"id"`
	Type              string     `json:"object"`
	CustomerID        string     `json:"customer"`
	Status            string     `json:"status"`
	PriceID           string     `json:"priceId,omitempty"`
	CurrentPeriodEnd  *time.Time `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd,omitempty"`
	Created           time.Time  `json:"created"`
}

type RelatedFilter struct {
	Type   string
	Status string
}

// ProviderClient is the engine's view of the external billing provider.
// Failures are *ProviderError values matching ErrProviderTransient,
// ErrProviderPermanent or ErrProviderNotFound.
type ProviderClient interface {
	VerifyAndParseEvent(payload []byte, signature string) (ProviderEvent, error)
	GetSubject(ctx context.Context, subjectID string) (SubjectSnapshot, error)
	ListRelatedObjects(ctx context.Context, subjectID string, filter RelatedFilter) ([]RelatedObject, error)
}

const relatedTypeSubscription = "subscription"

// MemoryProvider is an in-process provider used by the local development
// profile and by tests. Failures can be injected per call.
type MemoryProvider struct {
	verifier SignatureVerifier

	mu        sync.Mutex
	customers map[string]SubjectSnapshot
	objects   map[string]RelatedObject
	calls     map[string]int
	fail      func(op, id string) error
}

func NewMemoryProvider(secret string) *MemoryProvider {
	return &MemoryProvider{
		verifier:  SignatureVerifier{Secret: secret},
		customers: map[string]SubjectSnapshot{},
		objects:   map[string]RelatedObject{},
		calls:     map[string]int{},
	}
}

// SetClock makes signature tolerance checks follow the given clock.
func (p *MemoryProvider) SetClock(clock Clock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verifier.Now = clock.Now
}

func (p *MemoryProvider) PutCustomer(customer SubjectSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customers[customer.ID] = customer
}

func (p *MemoryProvider) DeleteCustomer(customerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.customers, customerID)
	for id, object := range p.objects {
		if object.CustomerID == customerID {
			delete(p.objects, id)
		}
	}
}

func (p *MemoryProvider) PutObject(object RelatedObject) {
	if object.Type == "" {
		object.Type = relatedTypeSubscription
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[object.ID] = object
}

func (p *MemoryProvider) DeleteObject(objectID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.objects, objectID)
}

// FailWith installs a hook consulted before every GetSubject and
// ListRelatedObjects call. A non-nil return fails the call.
func (p *MemoryProvider) FailWith(hook func(op, id string) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = hook
}

// Calls reports how many times op was invoked.
func (p *MemoryProvider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *MemoryProvider) VerifyAndParseEvent(payload []byte, signature string) (ProviderEvent, error) {
	p.mu.Lock()
	verifier := p.verifier
	p.mu.Unlock()
	if err := verifier.Verify(payload, signature); err != nil {
		return ProviderEvent{}, err
	}
	return ParseProviderEvent(payload)
}

func (p *MemoryProvider) GetSubject(ctx context.Context, subjectID string) (SubjectSnapshot, error) {
	if err := p.before(ctx, "GetSubject", subjectID); err != nil {
		return SubjectSnapshot{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	customer, ok := p.customers[subjectID]
	if !ok || customer.Deleted {
		return SubjectSnapshot{}, &ProviderError{Kind: ProviderErrorNotFound, StatusCode: 404, Message: fmt.Sprintf("no such customer: %s", subjectID)}
	}
	return customer, nil
}

func (p *MemoryProvider) ListRelatedObjects(ctx context.Context, subjectID string, filter RelatedFilter) ([]RelatedObject, error) {
	if err := p.before(ctx, "ListRelatedObjects", subjectID); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.customers[subjectID]; !ok {
		return nil, &ProviderError{Kind: ProviderErrorNotFound, StatusCode: 404, Message: fmt.Sprintf("no such customer: %s", subjectID)}
	}
	wantType := strings.TrimSpace(filter.Type)
	if wantType == "" {
		wantType = relatedTypeSubscription
	}
	out := make([]RelatedObject, 0)
	for _, object := range p.objects {
		if object.CustomerID != subjectID || object.Type != wantType {
			continue
		}
		if filter.Status != "" && filter.Status != "all" && object.Status != filter.Status {
			continue
		}
		out = append(out, object)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *MemoryProvider) before(ctx context.Context, op, id string) error {
	if err := ctx.Err(); err != nil {
		return &ProviderError{Kind: ProviderErrorTransient, Message: op, Err: err}
	}
	p.mu.Lock()
	p.calls[op]++
	hook := p.fail
	p.mu.Unlock()
	if hook != nil {
		return hook(op, id)
	}
	return nil
}
