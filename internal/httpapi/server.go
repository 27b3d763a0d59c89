package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/ledgersync/internal/ledgersync"
)

// SignatureHeaders are checked in order for the provider webhook signature.
var SignatureHeaders = []string{"Stripe-Signature", "X-Webhook-Signature"}

type ServerConfig struct {
	AdminToken   string
	MaxBodyBytes int64
	Logger       *slog.Logger
}

type Server struct {
	engine *ledgersync.Engine
	cfg    ServerConfig
	logger *slog.Logger
}

func NewServer(engine *ledgersync.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *ledgersync.Engine, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.AdminToken = strings.TrimSpace(cfg.AdminToken)
	return &Server{engine: engine, cfg: cfg, logger: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, s.engine.Health(r.Context()))
		return
	}
	if r.URL.Path == "/webhook" && r.Method == http.MethodPost {
		s.handleWebhook(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 2 && parts[0] == "sync" && r.Method == http.MethodPost {
		s.handleSync(w, r, parts[1])
		return
	}
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "admin" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var route string
	switch {
	case len(parts) == 3 && parts[2] == "reconcile" && r.Method == http.MethodPost:
		route = "reconcile"
	case len(parts) == 3 && parts[2] == "correct" && r.Method == http.MethodPost:
		route = "correct"
	case len(parts) == 3 && parts[2] == "issues" && r.Method == http.MethodGet:
		route = "issues"
	case len(parts) == 4 && parts[2] == "events" && r.Method == http.MethodGet:
		route = "event"
	case len(parts) == 5 && parts[2] == "events" && parts[4] == "replay" && r.Method == http.MethodPost:
		route = "event_replay"
	case len(parts) == 4 && parts[2] == "recovery" && r.Method == http.MethodGet:
		route = "recovery"
	case len(parts) == 5 && parts[2] == "recovery" && parts[4] == "attempt" && r.Method == http.MethodPost:
		route = "recovery_attempt"
	case len(parts) == 5 && parts[2] == "recovery" && parts[4] == "reset" && r.Method == http.MethodPost:
		route = "recovery_reset"
	case len(parts) == 5 && parts[2] == "subjects" && parts[4] == "link" && r.Method == http.MethodPost:
		route = "subject_link"
	case len(parts) == 4 && parts[2] == "alerts" && parts[3] == "stream" && r.Method == http.MethodGet:
		route = "alerts_stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	if authErr := authorizeAdmin(r, s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = ledgersync.NewCorrelationID()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	switch route {
	case "reconcile":
		s.handleReconcile(w, r, correlationID)
	case "correct":
		s.handleCorrect(w, r, correlationID)
	case "issues":
		s.handleIssues(w, r, correlationID)
	case "event":
		s.handleEvent(w, r, parts[3], correlationID)
	case "event_replay":
		s.handleEventReplay(w, r, parts[3], correlationID)
	case "recovery":
		s.handleRecovery(w, r, parts[3], correlationID)
	case "recovery_attempt":
		s.handleRecoveryAttempt(w, r, parts[3], correlationID)
	case "recovery_reset":
		s.handleRecoveryReset(w, r, parts[3], correlationID)
	case "subject_link":
		s.handleSubjectLink(w, r, parts[3], correlationID)
	case "alerts_stream":
		s.handleAlertStream(w, r)
	}
}

// handleWebhook acknowledges accepted and duplicate deliveries with 200,
// rejects bad signatures with 400 and answers 500 when the event could not
// be persisted so the provider redelivers.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r, "")
	if !ok {
		return
	}
	signature := ""
	for _, header := range SignatureHeaders {
		if signature = strings.TrimSpace(r.Header.Get(header)); signature != "" {
			break
		}
	}
	result, err := s.engine.Intake.Receive(r.Context(), body, signature)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "persistence_failed", "event could not be recorded", result.EventID)
		return
	}
	if result.Outcome == ledgersync.ReceiveRejected {
		writeError(w, http.StatusBadRequest, "invalid_signature", result.Reason, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"received": true,
		"outcome":  result.Outcome,
		"eventId":  result.EventID,
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, subjectKey string) {
	result := s.engine.Sync.ResyncSubject(r.Context(), subjectKey)
	status := http.StatusOK
	switch {
	case result.Success:
	case result.ErrorCode == ledgersync.ErrorCodeInvalidSubject, result.ErrorCode == ledgersync.ErrorCodeSubjectNotFound:
		status = http.StatusBadRequest
	default:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	mode := ledgersync.SweepMode(strings.ToLower(strings.TrimSpace(query.Get("mode"))))
	switch mode {
	case "":
		mode = ledgersync.SweepFull
	case ledgersync.SweepFull, ledgersync.SweepCritical:
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "mode must be full or critical", correlationID)
		return
	}
	cfg := s.engine.Config()
	report, err := s.engine.Sweeper.Sweep(r.Context(), ledgersync.SweepOptions{
		Mode:          mode,
		Force:         parseBool(query.Get("force"), false),
		Correct:       parseBool(query.Get("correct"), cfg.Reconciliation.AutoCorrect),
		ForceCritical: parseBool(query.Get("forceCritical"), s.engine.ForceCritical()),
	})
	if err != nil {
		s.logger.Error("admin reconcile failed", "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCorrect(w http.ResponseWriter, r *http.Request, correlationID string) {
	forceCritical := parseBool(r.URL.Query().Get("forceCritical"), false)
	summary, err := s.engine.Corrector.CorrectOpen(r.Context(), correlationID, forceCritical)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleIssues(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	severity := ledgersync.Severity(strings.ToUpper(strings.TrimSpace(query.Get("severity"))))
	switch severity {
	case "", ledgersync.SeverityInfo, ledgersync.SeverityWarning, ledgersync.SeverityError, ledgersync.SeverityCritical:
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "unknown severity", correlationID)
		return
	}
	limit, err := parseOptionalBoundedInt(query.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
		return
	}
	issues, err := ledgersync.ListIssues(r.Context(), s.engine.Ledger, ledgersync.IssueFilter{
		OpenOnly:    parseBool(query.Get("open"), false),
		MinSeverity: severity,
		SubjectKey:  strings.TrimSpace(query.Get("subject")),
		Limit:       limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": issues, "count": len(issues)})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request, eventID, correlationID string) {
	event, err := s.engine.Intake.Event(r.Context(), eventID)
	if err != nil {
		writeLookupError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleEventReplay(w http.ResponseWriter, r *http.Request, eventID, correlationID string) {
	event, err := s.engine.Intake.Replay(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, ledgersync.ErrInvalidInput) && event.ID != "" {
			writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
			return
		}
		writeLookupError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, event)
}

func (s *Server) handleRecovery(w http.ResponseWriter, _ *http.Request, subjectKey, correlationID string) {
	attempt, ok := s.engine.Recovery.Attempt(subjectKey)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no recovery attempts for subject", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"attempt":  attempt,
		"inFlight": s.engine.State.IsInFlight(subjectKey),
		"limits":   limitsView(s.engine.State.Limits()),
	})
}

func (s *Server) handleRecoveryAttempt(w http.ResponseWriter, r *http.Request, subjectKey, correlationID string) {
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	if reason == "" {
		reason = "admin request " + correlationID
	}
	decision := s.engine.Recovery.AttemptRecovery(r.Context(), subjectKey, reason)
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleRecoveryReset(w http.ResponseWriter, r *http.Request, subjectKey, correlationID string) {
	existed, err := s.engine.Recovery.Reset(r.Context(), subjectKey)
	if err != nil {
		writeLookupError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subjectKey": subjectKey, "reset": existed})
}

func (s *Server) handleSubjectLink(w http.ResponseWriter, r *http.Request, subjectKey, correlationID string) {
	var body struct {
		CustomerID string `json:"customerId"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if err := s.engine.Sync.LinkSubject(r.Context(), subjectKey, body.CustomerID); err != nil {
		writeLookupError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subjectKey": subjectKey, "customerId": body.CustomerID})
}

// handleAlertStream pushes every alert recorded after the client connects
// as one JSON message.
func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("alert stream upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	alerts, cancel := s.engine.Broadcaster.Subscribe()
	defer cancel()
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case alert, ok := <-alerts:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, done := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, alert)
			done()
			if err != nil {
				return
			}
		}
	}
}

func limitsView(limits ledgersync.SafetyLimits) map[string]any {
	return map[string]any{
		"maxConcurrentRecoveries": limits.MaxConcurrentRecoveries,
		"maxRecoveryAttempts":     limits.MaxRecoveryAttempts,
		"recoveryCooldownSeconds": int(limits.RecoveryCooldown.Seconds()),
		"maxCorrectionsPerHour":   limits.MaxCorrectionsPerHour,
	}
}

func writeLookupError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, ledgersync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, ledgersync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, errors.New("out of range")
	}
	return parsed, nil
}
