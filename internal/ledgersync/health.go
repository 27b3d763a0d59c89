package ledgersync

import (
	"context"
	"sort"
	"time"
)

const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// minHealthySuccessRate is the intake success rate below which the service
// reports itself degraded.
const minHealthySuccessRate = 0.9

type Health struct {
	Status               string             `json:"status"`
	IntakeSuccessRate    float64            `json:"intakeSuccessRate"`
	Intake               IntakeStats        `json:"intake"`
	OpenIssues           int                `json:"openIssues"`
	OpenIssuesBySeverity map[Severity]int   `json:"openIssuesBySeverity"`
	InFlightRecoveries   int                `json:"inFlightRecoveries"`
	CorrectionsInWindow  int                `json:"correctionsInWindow"`
	QueueDepth           int                `json:"queueDepth"`
	QueueCapacity        int                `json:"queueCapacity"`
	LastRun              *ReconciliationRun `json:"lastRun,omitempty"`
	Reasons              []string           `json:"reasons,omitempty"`
	CheckedAt            time.Time          `json:"checkedAt"`
}

func (e *Engine) Health(ctx context.Context) Health {
	stats := e.Intake.Stats()
	health := Health{
		Status:               HealthOK,
		IntakeSuccessRate:    stats.SuccessRate(),
		Intake:               stats,
		OpenIssuesBySeverity: map[Severity]int{},
		InFlightRecoveries:   e.State.InFlightCount(),
		CorrectionsInWindow:  e.State.CorrectionsInWindow(),
		QueueDepth:           e.Supervisor.Depth(),
		QueueCapacity:        e.Supervisor.Capacity(),
		LastRun:              e.Sweeper.LastRun(),
		CheckedAt:            e.Clock.Now(),
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	issues, err := OpenIssues(ctx, e.Ledger)
	if err != nil {
		health.Status = HealthDegraded
		health.Reasons = append(health.Reasons, "ledger unavailable: "+err.Error())
	}
	for _, issue := range issues {
		health.OpenIssues++
		health.OpenIssuesBySeverity[issue.Severity]++
	}
	if health.IntakeSuccessRate < minHealthySuccessRate {
		health.Status = HealthDegraded
		health.Reasons = append(health.Reasons, "webhook success rate below threshold")
	}
	if health.OpenIssuesBySeverity[SeverityCritical] > 0 {
		health.Status = HealthDegraded
		health.Reasons = append(health.Reasons, "open critical issues")
	}
	return health
}

// IssueFilter narrows ListIssues. Zero values match everything.
type IssueFilter struct {
	OpenOnly    bool
	MinSeverity Severity
	SubjectKey  string
	Limit       int
}

// ListIssues returns persisted issues, most recent first.
func ListIssues(ctx context.Context, ledger LedgerStore, filter IssueFilter) ([]Issue, error) {
	rows, err := ledger.List(ctx, TableIssues)
	if err != nil {
		return nil, err
	}
	issues := make([]Issue, 0, len(rows))
	for _, row := range rows {
		var issue Issue
		if err := decodeRow(row, &issue); err != nil {
			continue
		}
		if filter.OpenOnly && !issue.Open() {
			continue
		}
		if filter.MinSeverity != "" && !issue.Severity.AtLeast(filter.MinSeverity) {
			continue
		}
		if filter.SubjectKey != "" && issue.SubjectKey != filter.SubjectKey {
			continue
		}
		issues = append(issues, issue)
	}
	sort.SliceStable(issues, func(i, j int) bool {
		if !issues[i].DetectedAt.Equal(issues[j].DetectedAt) {
			return issues[i].DetectedAt.After(issues[j].DetectedAt)
		}
		return issues[i].ID > issues[j].ID
	})
	if filter.Limit > 0 && len(issues) > filter.Limit {
		issues = issues[:filter.Limit]
	}
	return issues, nil
}
