package ledgersync

import (
	"encoding/json"
	"time"
)

// Ledger tables owned by the engine.
const (
	TableSubjects         = "subjects"
	TableSubscriptions    = "subscriptions"
	TableCustomers        = "provider_customers"
	TableEvents           = "webhook_events"
	TableIssues           = "reconciliation_issues"
	TableRuns             = "reconciliation_runs"
	TableRecoveryAttempts = "recovery_attempts"
	TableAlerts           = "alerts"
)

type EventStatus string

const (
	EventPending    EventStatus = "PENDING"
	EventProcessing EventStatus = "PROCESSING"
	EventSuccess    EventStatus = "SUCCESS"
	EventRetry      EventStatus = "RETRY"
	EventFailed     EventStatus = "FAILED"
)

// Terminal reports whether no further processing happens without a replay.
func (s EventStatus) Terminal() bool {
	return s == EventSuccess || s == EventFailed
}

// InboundEvent is the durable record of one provider webhook delivery.
type InboundEvent struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	SubjectRef    string          `json:"subjectRef"`
	ObjectID      string          `json:"objectId"`
	Payload       json.RawMessage `json:"payload"`
	ReceivedAt    time.Time       `json:"receivedAt"`
	Status        EventStatus     `json:"status"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt"`
	ErrorMessage  string          `json:"errorMessage"`
	ProcessedBy   string          `json:"processedBy"`
}

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

type IssueKind string

const (
	IssueStatusTierMismatch        IssueKind = "status-tier-mismatch"
	IssueMissingLinkedRecord       IssueKind = "missing-linked-record"
	IssueStaleAfterRecentPayment   IssueKind = "stale-after-recent-payment"
	IssueProviderLedgerStatusDrift IssueKind = "provider-ledger-status-mismatch"
	IssueOrphanedReference         IssueKind = "orphaned-reference"
	IssueUnlinkedProviderCustomer  IssueKind = "unlinked-provider-customer"
	IssueProviderObjectMissing     IssueKind = "provider-object-missing"
)

// Evidence holds the snapshots that made an Issue visible.
type Evidence struct {
	Ledger   map[string]any `json:"ledger,omitempty"`
	Provider map[string]any `json:"provider,omitempty"`
}

// Issue is a detected inconsistency. An issue closes when it is corrected
// or when a later sweep no longer detects it (ResolvedAt).
type Issue struct {
	ID              string     `json:"id"`
	SubjectKey      string     `json:"subjectKey"`
	Kind            IssueKind  `json:"kind"`
	Severity        Severity   `json:"severity"`
	Detail          string     `json:"detail,omitempty"`
	Evidence        Evidence   `json:"evidence"`
	AutoCorrectable bool       `json:"autoCorrectable"`
	Corrected       bool       `json:"corrected"`
	CorrelationID   string     `json:"correlationId,omitempty"`
	DetectedAt      time.Time  `json:"detectedAt"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
}

func (i Issue) Open() bool {
	return !i.Corrected && i.ResolvedAt == nil
}

type RecoveryStatus string

const (
	RecoveryPending    RecoveryStatus = "PENDING"
	RecoveryInProgress RecoveryStatus = "IN_PROGRESS"
	RecoverySuccess    RecoveryStatus = "SUCCESS"
	RecoveryFailed     RecoveryStatus = "FAILED"
)

// RecoveryAttempt is the per-subject recovery lifecycle record.
type RecoveryAttempt struct {
	SubjectKey    string         `json:"subjectKey"`
	AttemptCount  int            `json:"attemptCount"`
	LastAttemptAt time.Time      `json:"lastAttemptAt"`
	Status        RecoveryStatus `json:"status"`
	Reason        string         `json:"reason"`
	ErrorMessage  string         `json:"errorMessage"`
}

type SweepMode string

const (
	SweepFull     SweepMode = "full"
	SweepCritical SweepMode = "critical"
)

// ReconciliationRun is the immutable audit record of one sweep.
type ReconciliationRun struct {
	CorrelationID      string    `json:"correlationId"`
	Mode               SweepMode `json:"mode"`
	SubjectsScanned    int       `json:"subjectsScanned"`
	IssuesFound        int       `json:"issuesFound"`
	IssuesResolved     int       `json:"issuesResolved"`
	CorrectionsApplied int       `json:"correctionsApplied"`
	ProviderErrors     int       `json:"providerErrors"`
	Timestamp          time.Time `json:"timestamp"`
}

// Report is returned by a sweep. A throttled sweep carries no issues.
type Report struct {
	CorrelationID    string             `json:"correlationId,omitempty"`
	Mode             SweepMode          `json:"mode"`
	Throttled        bool               `json:"throttled"`
	NextAllowedAt    *time.Time         `json:"nextAllowedAt,omitempty"`
	SubjectsScanned  int                `json:"subjectsScanned"`
	ProviderErrors   int                `json:"providerErrors"`
	IssuesFound      int                `json:"issuesFound"`
	IssuesResolved   int                `json:"issuesResolved"`
	IssuesBySeverity map[Severity]int   `json:"issuesBySeverity"`
	Issues           []Issue            `json:"issues"`
	Correction       *CorrectionSummary `json:"correction,omitempty"`
	StartedAt        time.Time          `json:"startedAt"`
	FinishedAt       time.Time          `json:"finishedAt"`
}

type CorrectionOutcome string

const (
	CorrectionApplied CorrectionOutcome = "corrected"
	CorrectionFailed  CorrectionOutcome = "failed"
	CorrectionSkipped CorrectionOutcome = "skipped"
)

type CorrectionRecord struct {
	IssueID         string            `json:"issueId"`
	SubjectKey      string            `json:"subjectKey"`
	Kind            IssueKind         `json:"kind"`
	Outcome         CorrectionOutcome `json:"outcome"`
	Action          string            `json:"action,omitempty"`
	Detail          string            `json:"detail,omitempty"`
	CorrectedFields []string          `json:"correctedFields,omitempty"`
}

type CorrectionSummary struct {
	CorrelationID string             `json:"correlationId"`
	Applied       int                `json:"applied"`
	Failed        int                `json:"failed"`
	Skipped       int                `json:"skipped"`
	RateLimited   int                `json:"rateLimited"`
	Records       []CorrectionRecord `json:"records"`
}

// SyncResult is the outcome of a single-subject resync.
type SyncResult struct {
	Success         bool      `json:"success"`
	SubjectID       string    `json:"subjectId"`
	Status          string    `json:"status,omitempty"`
	Tier            string    `json:"tier,omitempty"`
	CorrectedFields []string  `json:"correctedFields"`
	ErrorCode       ErrorCode `json:"errorCode,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// Local subject statuses.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusCanceled = "canceled"
	StatusInactive = "inactive"
)

func entitledStatus(status string) bool {
	return status == StatusActive || status == StatusTrialing
}

// SubjectRecord is the Ledger row for a local subject.
type SubjectRecord struct {
	ID                     string     `json:"id"`
	ProviderCustomerID     string     `json:"providerCustomerId"`
	ProviderSubscriptionID string     `json:"providerSubscriptionId"`
	Status                 string     `json:"status"`
	Tier                   string     `json:"tier"`
	Entitled               bool       `json:"entitled"`
	LastPaymentAt          *time.Time `json:"lastPaymentAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

// SubscriptionRecord is the Ledger mirror of a provider subscription.
type SubscriptionRecord struct {
	ID                string     `json:"id"`
	SubjectID         string     `json:"subjectId"`
	Status            string     `json:"status"`
	PriceID           string     `json:"priceId"`
	CurrentPeriodEnd  *time.Time `json:"currentPeriodEnd"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

type customerLink struct {
	SubjectID string `json:"subjectId"`
}

// Alert is a best-effort operator notification.
type Alert struct {
	Type       string    `json:"type"`
	SubjectKey string    `json:"subjectKey,omitempty"`
	Detail     string    `json:"detail"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Alert types raised by the engine.
const (
	AlertWebhookFailed    = "webhook_failed"
	AlertRecoveryFailed   = "recovery_failed"
	AlertCorrectionFailed = "correction_failed"
	AlertCriticalIssues   = "critical_issues"
)
