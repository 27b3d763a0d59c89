package ledgersync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type HTTPProviderOptions struct {
	BaseURL         string
	APIKey          string
	WebhookSecret   string
	SignatureWindow time.Duration
	HTTPClient      *http.Client
	UserAgent       string
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	PageSize        int
	Now             func() time.Time
}

// HTTPProviderClient talks to a Stripe-style REST API. 429 and 5xx responses
// are retried with backoff that honors Retry-After.
type HTTPProviderClient struct {
	baseURL    string
	apiKey     string
	verifier   SignatureVerifier
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	pageSize   int
}

func NewHTTPProviderClient(opts HTTPProviderOptions) *HTTPProviderClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	return &HTTPProviderClient{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(opts.APIKey),
		verifier: SignatureVerifier{
			Secret:    opts.WebhookSecret,
			Tolerance: opts.SignatureWindow,
			Now:       opts.Now,
		},
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		pageSize:   pageSize,
	}
}

func (c *HTTPProviderClient) VerifyAndParseEvent(payload []byte, signature string) (ProviderEvent, error) {
	if err := c.verifier.Verify(payload, signature); err != nil {
		return ProviderEvent{}, err
	}
	return ParseProviderEvent(payload)
}

type providerCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Deleted  bool              `json:"deleted"`
	Metadata map[string]string `json:"metadata"`
}

type providerSubscription struct {
	ID                string `json:"id"`
	Object            string `json:"object"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	Created           int64  `json:"created"`
	Items             struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type providerList struct {
	Data    []providerSubscription `json:"data"`
	HasMore bool                   `json:"has_more"`
}

func (c *HTTPProviderClient) GetSubject(ctx context.Context, subjectID string) (SubjectSnapshot, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return SubjectSnapshot{}, &ProviderError{Kind: ProviderErrorPermanent, Message: "empty customer id", Err: ErrInvalidInput}
	}
	var customer providerCustomer
	if err := c.doJSON(ctx, "/v1/customers/"+url.PathEscape(subjectID), nil, &customer); err != nil {
		return SubjectSnapshot{}, err
	}
	if customer.Deleted {
		return SubjectSnapshot{}, &ProviderError{Kind: ProviderErrorNotFound, StatusCode: http.StatusOK, Message: "customer deleted: " + subjectID}
	}
	return SubjectSnapshot{
		ID:       customer.ID,
		Email:    customer.Email,
		Metadata: customer.Metadata,
	}, nil
}

func (c *HTTPProviderClient) ListRelatedObjects(ctx context.Context, subjectID string, filter RelatedFilter) ([]RelatedObject, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, &ProviderError{Kind: ProviderErrorPermanent, Message: "empty customer id", Err: ErrInvalidInput}
	}
	objectType := strings.TrimSpace(filter.Type)
	if objectType == "" {
		objectType = relatedTypeSubscription
	}
	if objectType != relatedTypeSubscription {
		return nil, &ProviderError{Kind: ProviderErrorPermanent, Message: "unsupported related object type " + objectType, Err: ErrNotImplemented}
	}
	status := strings.TrimSpace(filter.Status)
	if status == "" {
		status = "all"
	}

	out := make([]RelatedObject, 0)
	startingAfter := ""
	for {
		query := url.Values{}
		query.Set("customer", subjectID)
		query.Set("status", status)
		query.Set("limit", strconv.Itoa(c.pageSize))
		if startingAfter != "" {
			query.Set("starting_after", startingAfter)
		}
		var page providerList
		if err := c.doJSON(ctx, "/v1/subscriptions", query, &page); err != nil {
			return nil, err
		}
		for _, sub := range page.Data {
			out = append(out, relatedFromSubscription(sub))
		}
		if !page.HasMore || len(page.Data) == 0 {
			return out, nil
		}
		startingAfter = page.Data[len(page.Data)-1].ID
	}
}

func relatedFromSubscription(sub providerSubscription) RelatedObject {
	object := RelatedObject{
		ID:                sub.ID,
		Type:              relatedTypeSubscription,
		CustomerID:        sub.Customer,
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if len(sub.Items.Data) > 0 {
		object.PriceID = sub.Items.Data[0].Price.ID
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		object.CurrentPeriodEnd = &end
	}
	if sub.Created > 0 {
		object.Created = time.Unix(sub.Created, 0).UTC()
	}
	return object
}

func (c *HTTPProviderClient) doJSON(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return &ProviderError{Kind: ProviderErrorPermanent, Message: "build request", Err: err}
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		req.Header.Set("Accept", "application/json")
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return &ProviderError{Kind: ProviderErrorTransient, Message: "request canceled", Err: waitErr}
				}
				continue
			}
			return &ProviderError{Kind: ProviderErrorTransient, Message: "request failed", Err: err}
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &ProviderError{Kind: ProviderErrorTransient, StatusCode: resp.StatusCode, Message: "read response", Err: readErr}
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(body) == 0 {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return &ProviderError{Kind: ProviderErrorPermanent, StatusCode: resp.StatusCode, Message: "decode response", Err: err}
			}
			return nil
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return &ProviderError{Kind: ProviderErrorTransient, StatusCode: resp.StatusCode, Message: "request canceled", Err: waitErr}
			}
			continue
		}
		return providerErrorFromResponse(resp.StatusCode, body)
	}
}

func providerErrorFromResponse(status int, body []byte) error {
	perr := &ProviderError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	var parsed struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		perr.Code = parsed.Error.Code
		if strings.TrimSpace(parsed.Error.Message) != "" {
			perr.Message = parsed.Error.Message
		}
	}
	switch {
	case status == http.StatusNotFound:
		perr.Kind = ProviderErrorNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		perr.Kind = ProviderErrorTransient
	case status == http.StatusRequestTimeout:
		perr.Kind = ProviderErrorTransient
	default:
		perr.Kind = ProviderErrorPermanent
	}
	return perr
}

func (c *HTTPProviderClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ ProviderClient = (*HTTPProviderClient)(nil)
var _ ProviderClient = (*MemoryProvider)(nil)
