package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/ledgersync/internal/ledgersync"
)

// ErrConflict is returned when the server refuses an operation because of
// the target's current state, such as replaying an event that has not failed.
var ErrConflict = errors.New("state conflict")

type ConflictError struct {
	Path    string
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("state conflict for %s", e.Path)
	}
	return fmt.Sprintf("state conflict for %s: %s", e.Path, e.Message)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Body       []byte
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// ReconcileOptions mirrors the admin reconcile query parameters. Nil
// pointers leave the server default in place.
type ReconcileOptions struct {
	Mode          ledgersync.SweepMode
	Force         bool
	Correct       *bool
	ForceCritical *bool
}

type IssueQuery struct {
	OpenOnly    bool
	MinSeverity ledgersync.Severity
	SubjectKey  string
	Limit       int
}

type IssueList struct {
	Issues []ledgersync.Issue `json:"issues"`
	Count  int                `json:"count"`
}

type RecoveryLimits struct {
	MaxConcurrentRecoveries int `json:"maxConcurrentRecoveries"`
	MaxRecoveryAttempts     int `json:"maxRecoveryAttempts"`
	RecoveryCooldownSeconds int `json:"recoveryCooldownSeconds"`
	MaxCorrectionsPerHour   int `json:"maxCorrectionsPerHour"`
}

type RecoveryStatus struct {
	Attempt  ledgersync.RecoveryAttempt `json:"attempt"`
	InFlight bool                       `json:"inFlight"`
	Limits   RecoveryLimits             `json:"limits"`
}

type ResetResult struct {
	SubjectKey string `json:"subjectKey"`
	Reset      bool   `json:"reset"`
}

// Client talks to a running ledgersync server's admin surface.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) Health(ctx context.Context) (ledgersync.Health, error) {
	var health ledgersync.Health
	err := c.doJSON(ctx, http.MethodGet, "/health", nil, &health)
	return health, err
}

// Resync asks the server to resync one subject. A failed resync still
// returns the decoded result alongside the error.
func (c *Client) Resync(ctx context.Context, subjectKey string) (ledgersync.SyncResult, error) {
	var result ledgersync.SyncResult
	err := c.doJSON(ctx, http.MethodPost, "/sync/"+url.PathEscape(subjectKey), nil, &result)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && len(httpErr.Body) > 0 {
		_ = json.Unmarshal(httpErr.Body, &result)
	}
	return result, err
}

func (c *Client) Reconcile(ctx context.Context, opts ReconcileOptions) (ledgersync.Report, error) {
	q := url.Values{}
	if opts.Mode != "" {
		q.Set("mode", string(opts.Mode))
	}
	if opts.Force {
		q.Set("force", "true")
	}
	if opts.Correct != nil {
		q.Set("correct", strconv.FormatBool(*opts.Correct))
	}
	if opts.ForceCritical != nil {
		q.Set("forceCritical", strconv.FormatBool(*opts.ForceCritical))
	}
	var report ledgersync.Report
	err := c.doJSON(ctx, http.MethodPost, withQuery("/v1/admin/reconcile", q), nil, &report)
	return report, err
}

func (c *Client) Correct(ctx context.Context, forceCritical bool) (ledgersync.CorrectionSummary, error) {
	q := url.Values{}
	if forceCritical {
		q.Set("forceCritical", "true")
	}
	var summary ledgersync.CorrectionSummary
	err := c.doJSON(ctx, http.MethodPost, withQuery("/v1/admin/correct", q), nil, &summary)
	return summary, err
}

func (c *Client) Issues(ctx context.Context, query IssueQuery) (IssueList, error) {
	q := url.Values{}
	if query.OpenOnly {
		q.Set("open", "true")
	}
	if query.MinSeverity != "" {
		q.Set("severity", string(query.MinSeverity))
	}
	if query.SubjectKey != "" {
		q.Set("subject", query.SubjectKey)
	}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	var list IssueList
	err := c.doJSON(ctx, http.MethodGet, withQuery("/v1/admin/issues", q), nil, &list)
	return list, err
}

func (c *Client) Event(ctx context.Context, eventID string) (ledgersync.InboundEvent, error) {
	var event ledgersync.InboundEvent
	err := c.doJSON(ctx, http.MethodGet, "/v1/admin/events/"+url.PathEscape(eventID), nil, &event)
	return event, err
}

func (c *Client) ReplayEvent(ctx context.Context, eventID string) (ledgersync.InboundEvent, error) {
	var event ledgersync.InboundEvent
	err := c.doJSON(ctx, http.MethodPost, "/v1/admin/events/"+url.PathEscape(eventID)+"/replay", nil, &event)
	return event, err
}

func (c *Client) RecoveryStatus(ctx context.Context, subjectKey string) (RecoveryStatus, error) {
	var status RecoveryStatus
	err := c.doJSON(ctx, http.MethodGet, "/v1/admin/recovery/"+url.PathEscape(subjectKey), nil, &status)
	return status, err
}

func (c *Client) AttemptRecovery(ctx context.Context, subjectKey, reason string) (ledgersync.RecoveryDecision, error) {
	q := url.Values{}
	if strings.TrimSpace(reason) != "" {
		q.Set("reason", reason)
	}
	var decision ledgersync.RecoveryDecision
	err := c.doJSON(ctx, http.MethodPost, withQuery("/v1/admin/recovery/"+url.PathEscape(subjectKey)+"/attempt", q), nil, &decision)
	return decision, err
}

func (c *Client) ResetRecovery(ctx context.Context, subjectKey string) (ResetResult, error) {
	var result ResetResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/admin/recovery/"+url.PathEscape(subjectKey)+"/reset", nil, &result)
	return result, err
}

func (c *Client) LinkSubject(ctx context.Context, subjectKey, customerID string) error {
	body := map[string]string{"customerId": customerID}
	return c.doJSON(ctx, http.MethodPost, "/v1/admin/subjects/"+url.PathEscape(subjectKey)+"/link", body, nil)
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	correlationID := ledgersync.NewCorrelationID()
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusBadGateway ||
			resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusGatewayTimeout) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if resp.StatusCode == http.StatusConflict {
			return &ConflictError{Path: requestPath, Message: errPayload.Message}
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
			Body:       payloadBytes,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
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
