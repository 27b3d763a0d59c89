package ledgersync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHTTPProvider(t *testing.T, handler http.HandlerFunc) *HTTPProviderClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewHTTPProviderClient(HTTPProviderOptions{
		BaseURL:       server.URL,
		APIKey:        "sk_test",
		WebhookSecret: testSecret,
		UserAgent:     "ledgersync-test",
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		PageSize:      2,
		Now:           func() time.Time { return testEpoch },
	})
}

func writeProviderJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestHTTPProviderGetSubject(t *testing.T) {
	provider := newTestHTTPProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.Equal(t, "ledgersync-test", r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/v1/customers/cus_1":
			writeProviderJSON(w, http.StatusOK, map[string]any{"id": "cus_1", "email": "a@example.com", "metadata": map[string]string{"account": "acct_1"}})
		case "/v1/customers/cus_deleted":
			writeProviderJSON(w, http.StatusOK, map[string]any{"id": "cus_deleted", "deleted": true})
		default:
			writeProviderJSON(w, http.StatusNotFound, map[string]any{"error": map[string]string{"code": "resource_missing", "message": "No such customer"}})
		}
	})

	subject, err := provider.GetSubject(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", subject.Email)
	assert.Equal(t, "acct_1", subject.Metadata["account"])

	_, err = provider.GetSubject(context.Background(), "cus_deleted")
	assert.ErrorIs(t, err, ErrProviderNotFound)

	_, err = provider.GetSubject(context.Background(), "cus_missing")
	require.ErrorIs(t, err, ErrProviderNotFound)
	require.ErrorIs(t, err, ErrProviderPermanent)
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "resource_missing", perr.Code)
	assert.Equal(t, "No such customer", perr.Message)

	_, err = provider.GetSubject(context.Background(), " ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestHTTPProviderListRelatedObjectsPaginates(t *testing.T) {
	var requests atomic.Int32
	provider := newTestHTTPProvider(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "/v1/subscriptions", r.URL.Path)
		assert.Equal(t, "cus_1", r.URL.Query().Get("customer"))
		assert.Equal(t, "all", r.URL.Query().Get("status"))
		sub := func(id string) map[string]any {
			return map[string]any{
				"id": id, "object": "subscription", "customer": "cus_1", "status": "active",
				"current_period_end": 1768471200, "created": 1768000000,
				"items": map[string]any{"data": []any{map[string]any{"price": map[string]any{"id": "price_pro"}}}},
			}
		}
		if r.URL.Query().Get("starting_after") == "" {
			writeProviderJSON(w, http.StatusOK, map[string]any{"data": []any{sub("sub_1"), sub("sub_2")}, "has_more": true})
			return
		}
		assert.Equal(t, "sub_2", r.URL.Query().Get("starting_after"))
		writeProviderJSON(w, http.StatusOK, map[string]any{"data": []any{sub("sub_3")}, "has_more": false})
	})

	objects, err := provider.ListRelatedObjects(context.Background(), "cus_1", RelatedFilter{})
	require.NoError(t, err)
	require.Len(t, objects, 3)
	assert.Equal(t, int32(2), requests.Load())
	assert.Equal(t, "price_pro", objects[0].PriceID)
	require.NotNil(t, objects[0].CurrentPeriodEnd)
	assert.Equal(t, testEpoch, *objects[0].CurrentPeriodEnd)

	_, err = provider.ListRelatedObjects(context.Background(), "cus_1", RelatedFilter{Type: "invoice"})
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestHTTPProviderRetriesTransientResponses(t *testing.T) {
	var calls atomic.Int32
	provider := newTestHTTPProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.Header().Set("Retry-After", "0")
			writeProviderJSON(w, http.StatusTooManyRequests, map[string]any{})
		case 2:
			writeProviderJSON(w, http.StatusBadGateway, map[string]any{})
		default:
			writeProviderJSON(w, http.StatusOK, map[string]any{"id": "cus_1"})
		}
	})

	subject, err := provider.GetSubject(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", subject.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPProviderGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	provider := newTestHTTPProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeProviderJSON(w, http.StatusServiceUnavailable, map[string]any{})
	})

	_, err := provider.GetSubject(context.Background(), "cus_1")
	require.ErrorIs(t, err, ErrProviderTransient)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(4), calls.Load())
}

func TestHTTPProviderDoesNotRetryPermanentFailures(t *testing.T) {
	var calls atomic.Int32
	provider := newTestHTTPProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeProviderJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]string{"message": "bad key"}})
	})

	_, err := provider.GetSubject(context.Background(), "cus_1")
	require.ErrorIs(t, err, ErrProviderPermanent)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPProviderRetryDelay(t *testing.T) {
	client := NewHTTPProviderClient(HTTPProviderOptions{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	assert.Equal(t, 100*time.Millisecond, client.retryDelay(1, ""))
	assert.Equal(t, 200*time.Millisecond, client.retryDelay(2, ""))
	assert.Equal(t, 400*time.Millisecond, client.retryDelay(3, ""))
	assert.Equal(t, time.Second, client.retryDelay(8, ""))
	assert.Equal(t, time.Second, client.retryDelay(1, "30"))
	assert.Equal(t, 100*time.Millisecond, client.retryDelay(1, "soon"))
}

func TestHTTPProviderVerifyAndParseEvent(t *testing.T) {
	provider := newTestHTTPProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected provider call %s", r.URL.Path)
	})
	payload := []byte(`{"id":"evt_1","type":"invoice.paid","data":{"object":{"id":"in_1","object":"invoice","customer":"cus_1"}}}`)

	event, err := provider.VerifyAndParseEvent(payload, SignPayload(testSecret, payload, testEpoch))
	require.NoError(t, err)
	assert.Equal(t, "cus_1", event.SubjectRef)

	_, err = provider.VerifyAndParseEvent(payload, "t=1,v1=00")
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestMemoryProviderFiltersAndInjectsFailures(t *testing.T) {
	provider := NewMemoryProvider(testSecret)
	provider.PutCustomer(SubjectSnapshot{ID: "cus_1"})
	provider.PutObject(RelatedObject{ID: "sub_b", CustomerID: "cus_1", Status: "canceled"})
	provider.PutObject(RelatedObject{ID: "sub_a", CustomerID: "cus_1", Status: "active"})
	provider.PutObject(RelatedObject{ID: "sub_c", CustomerID: "cus_2", Status: "active"})

	all, err := provider.ListRelatedObjects(context.Background(), "cus_1", RelatedFilter{Status: "all"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "sub_a", all[0].ID)

	active, err := provider.ListRelatedObjects(context.Background(), "cus_1", RelatedFilter{Status: "active"})
	require.NoError(t, err)
	assert.Len(t, active, 1)

	provider.FailWith(func(op, id string) error {
		if strings.HasPrefix(op, "Get") {
			return &ProviderError{Kind: ProviderErrorTransient, Message: "timeout"}
		}
		return nil
	})
	_, err = provider.GetSubject(context.Background(), "cus_1")
	assert.ErrorIs(t, err, ErrProviderTransient)
	assert.Equal(t, 1, provider.Calls("GetSubject"))
	assert.Equal(t, 2, provider.Calls("ListRelatedObjects"))

	provider.FailWith(nil)
	provider.DeleteCustomer("cus_1")
	_, err = provider.ListRelatedObjects(context.Background(), "cus_1", RelatedFilter{})
	assert.ErrorIs(t, err, ErrProviderNotFound)
}
