package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/ledgersync/internal/apiclient"
	"github.com/agentworkforce/ledgersync/internal/ledgersync"
)

const adminCallTimeout = 2 * time.Minute

func adminContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, adminCallTimeout)
}

// apiError maps client failures onto exit codes: HTTP answers are reported
// as failures, transport problems as command errors.
func apiError(action string, err error) error {
	var httpErr *apiclient.HTTPError
	if errors.As(err, &httpErr) || errors.Is(err, apiclient.ErrConflict) {
		return WrapExitError(ExitFailure, action, err)
	}
	return WrapExitError(ExitCommandError, action, err)
}

func NewHealthCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show service health; exits 1 when degraded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := adminContext(cmd)
			defer cancel()
			health, err := opts.client().Health(ctx)
			if err != nil {
				return apiError("health check failed", err)
			}
			if err := opts.formatter(cmd).Success(health, func(w io.Writer) { renderHealth(w, health) }); err != nil {
				return err
			}
			if health.Status != ledgersync.HealthOK {
				return NewExitError(ExitFailure, "service degraded: "+strings.Join(health.Reasons, "; "))
			}
			return nil
		},
	}
}

func renderHealth(w io.Writer, health ledgersync.Health) {
	fmt.Fprintf(w, "status:               %s\n", health.Status)
	fmt.Fprintf(w, "webhook success rate: %.3f (%d succeeded, %d failed, %d retried)\n",
		health.IntakeSuccessRate, health.Intake.Succeeded, health.Intake.Failed, health.Intake.Retried)
	fmt.Fprintf(w, "open issues:          %d\n", health.OpenIssues)
	for _, severity := range []ledgersync.Severity{ledgersync.SeverityCritical, ledgersync.SeverityError, ledgersync.SeverityWarning, ledgersync.SeverityInfo} {
		if n := health.OpenIssuesBySeverity[severity]; n > 0 {
			fmt.Fprintf(w, "  %-8s %d\n", severity, n)
		}
	}
	fmt.Fprintf(w, "recoveries in flight: %d\n", health.InFlightRecoveries)
	fmt.Fprintf(w, "corrections (1h):     %d\n", health.CorrectionsInWindow)
	fmt.Fprintf(w, "queue:                %d/%d\n", health.QueueDepth, health.QueueCapacity)
	if health.LastRun != nil {
		fmt.Fprintf(w, "last sweep:           %s %s (%d subjects, %d issues)\n",
			health.LastRun.Mode, health.LastRun.Timestamp.Format(time.RFC3339), health.LastRun.SubjectsScanned, health.LastRun.IssuesFound)
	}
	for _, reason := range health.Reasons {
		fmt.Fprintf(w, "reason: %s\n", reason)
	}
}

type SweepOptions struct {
	*RootOptions
	Mode          string
	Force         bool
	NoCorrect     bool
	ForceCritical bool
}

func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SweepOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a reconciliation sweep on the server",
		Long: `Run a reconciliation sweep and print the report.

A sweep started inside the configured minimum interval is throttled unless
--force is given. Auto-correction follows the server config unless
--no-correct is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := ledgersync.SweepMode(strings.ToLower(opts.Mode))
			if mode != ledgersync.SweepFull && mode != ledgersync.SweepCritical {
				return NewExitError(ExitCommandError, "mode must be full or critical")
			}
			request := apiclient.ReconcileOptions{Mode: mode, Force: opts.Force}
			if opts.NoCorrect {
				correct := false
				request.Correct = &correct
			}
			if cmd.Flags().Changed("force-critical") {
				request.ForceCritical = &opts.ForceCritical
			}
			ctx, cancel := adminContext(cmd)
			defer cancel()
			report, err := opts.client().Reconcile(ctx, request)
			if err != nil {
				return apiError("sweep failed", err)
			}
			return opts.formatter(cmd).Success(report, func(w io.Writer) { renderReport(w, report) })
		},
	}
	cmd.Flags().StringVar(&opts.Mode, "mode", string(ledgersync.SweepFull), "sweep mode (full|critical)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "ignore the minimum interval")
	cmd.Flags().BoolVar(&opts.NoCorrect, "no-correct", false, "report issues without correcting them")
	cmd.Flags().BoolVar(&opts.ForceCritical, "force-critical", false, "correct CRITICAL issues even past the hourly budget")
	return cmd
}

func renderReport(w io.Writer, report ledgersync.Report) {
	if report.Throttled {
		next := "unknown"
		if report.NextAllowedAt != nil {
			next = report.NextAllowedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s sweep throttled; next allowed at %s\n", report.Mode, next)
		return
	}
	fmt.Fprintf(w, "%s sweep %s: %d subjects, %d issues, %d resolved, %d provider errors\n",
		report.Mode, report.CorrelationID, report.SubjectsScanned, report.IssuesFound, report.IssuesResolved, report.ProviderErrors)
	renderIssues(w, report.Issues)
	if report.Correction != nil {
		renderCorrection(w, *report.Correction)
	}
}

func renderIssues(w io.Writer, issues []ledgersync.Issue) {
	if len(issues) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSUBJECT\tKIND\tSEVERITY\tCORRECTED\tDETAIL")
	for _, issue := range issues {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", issue.ID, issue.SubjectKey, issue.Kind, issue.Severity, issue.Corrected, issue.Detail)
	}
	_ = tw.Flush()
}

func renderCorrection(w io.Writer, summary ledgersync.CorrectionSummary) {
	fmt.Fprintf(w, "corrections %s: %d applied, %d failed, %d skipped (%d rate limited)\n",
		summary.CorrelationID, summary.Applied, summary.Failed, summary.Skipped, summary.RateLimited)
	for _, record := range summary.Records {
		if record.Outcome == ledgersync.CorrectionApplied && record.Detail == "" {
			continue
		}
		fmt.Fprintf(w, "  %s %s %s: %s\n", record.Outcome, record.SubjectKey, record.Kind, record.Detail)
	}
}

func NewCorrectCommand(opts *RootOptions) *cobra.Command {
	var forceCritical bool
	cmd := &cobra.Command{
		Use:   "correct",
		Short: "Correct every open auto-correctable issue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := adminContext(cmd)
			defer cancel()
			summary, err := opts.client().Correct(ctx, forceCritical)
			if err != nil {
				return apiError("correction failed", err)
			}
			return opts.formatter(cmd).Success(summary, func(w io.Writer) { renderCorrection(w, summary) })
		},
	}
	cmd.Flags().BoolVar(&forceCritical, "force-critical", false, "correct CRITICAL issues even past the hourly budget")
	return cmd
}

func NewResyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resync <subject>",
		Short: "Resync one subject from the provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := adminContext(cmd)
			defer cancel()
			result, err := opts.client().Resync(ctx, args[0])
			var httpErr *apiclient.HTTPError
			if err != nil && !(errors.As(err, &httpErr) && result.SubjectID != "") {
				return apiError("resync failed", err)
			}
			if err := opts.formatter(cmd).Success(result, func(w io.Writer) {
				if result.Success {
					fmt.Fprintf(w, "%s: status=%s tier=%s corrected=%v\n", result.SubjectID, result.Status, result.Tier, result.CorrectedFields)
					return
				}
				fmt.Fprintf(w, "%s: %s %s\n", result.SubjectID, result.ErrorCode, result.Error)
			}); err != nil {
				return err
			}
			if !result.Success {
				return NewExitError(ExitFailure, fmt.Sprintf("resync of %s failed: %s", result.SubjectID, result.ErrorCode))
			}
			return nil
		},
	}
}

func NewIssuesCommand(opts *RootOptions) *cobra.Command {
	var query apiclient.IssueQuery
	var severity string
	cmd := &cobra.Command{
		Use:   "issues",
		Short: "List recorded reconciliation issues, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query.MinSeverity = ledgersync.Severity(strings.ToUpper(strings.TrimSpace(severity)))
			ctx, cancel := adminContext(cmd)
			defer cancel()
			list, err := opts.client().Issues(ctx, query)
			if err != nil {
				return apiError("list issues failed", err)
			}
			return opts.formatter(cmd).Success(list, func(w io.Writer) {
				if list.Count == 0 {
					fmt.Fprintln(w, "no issues")
					return
				}
				renderIssues(w, list.Issues)
			})
		},
	}
	cmd.Flags().BoolVar(&query.OpenOnly, "open", false, "only issues not yet corrected")
	cmd.Flags().StringVar(&severity, "severity", "", "minimum severity (INFO|WARNING|ERROR|CRITICAL)")
	cmd.Flags().StringVar(&query.SubjectKey, "subject", "", "only issues for this subject")
	cmd.Flags().IntVar(&query.Limit, "limit", 100, "maximum number of issues")
	return cmd
}

func NewEventsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and replay webhook events",
	}
	render := func(w io.Writer, event ledgersync.InboundEvent) {
		fmt.Fprintf(w, "%s %s status=%s attempts=%d", event.ID, event.Kind, event.Status, event.Attempts)
		if event.ErrorMessage != "" {
			fmt.Fprintf(w, " error=%q", event.ErrorMessage)
		}
		if event.NextAttemptAt != nil {
			fmt.Fprintf(w, " next=%s", event.NextAttemptAt.Format(time.RFC3339))
		}
		fmt.Fprintln(w)
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <event-id>",
		Short: "Show one webhook event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := adminContext(cmd)
			defer cancel()
			event, err := opts.client().Event(ctx, args[0])
			if err != nil {
				return apiError("get event failed", err)
			}
			return opts.formatter(cmd).Success(event, func(w io.Writer) { render(w, event) })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "replay <event-id>",
		Short: "Queue a FAILED event for processing again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := adminContext(cmd)
			defer cancel()
			event, err := opts.client().ReplayEvent(ctx, args[0])
			if err != nil {
				return apiError("replay failed", err)
			}
			return opts.formatter(cmd).Success(event, func(w io.Writer) { render(w, event) })
		},
	})
	return cmd
}

func NewRecoveryCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recovery",
		Short: "Inspect and drive per-subject recovery",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status <subject>",
		Short: "Show the recovery attempt record for a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := adminContext(cmd)
			defer cancel()
			status, err := opts.client().RecoveryStatus(ctx, args[0])
			if err != nil {
				return apiError("recovery status failed", err)
			}
			return opts.formatter(cmd).Success(status, func(w io.Writer) {
				a := status.Attempt
				fmt.Fprintf(w, "%s: status=%s attempts=%d/%d in-flight=%t last=%s\n",
					a.SubjectKey, a.Status, a.AttemptCount, status.Limits.MaxRecoveryAttempts, status.InFlight, a.LastAttemptAt.Format(time.RFC3339))
				if a.ErrorMessage != "" {
					fmt.Fprintf(w, "error: %s\n", a.ErrorMessage)
				}
			})
		},
	})

	var reason string
	attempt := &cobra.Command{
		Use:   "attempt <subject>",
		Short: "Run one recovery attempt now, subject to the safety gates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := adminContext(cmd)
			defer cancel()
			decision, err := opts.client().AttemptRecovery(ctx, args[0], reason)
			if err != nil {
				return apiError("recovery attempt failed", err)
			}
			if err := opts.formatter(cmd).Success(decision, func(w io.Writer) {
				if !decision.Started {
					fmt.Fprintf(w, "%s: skipped (%s)\n", decision.SubjectKey, decision.Skipped)
					return
				}
				fmt.Fprintf(w, "%s: %s after attempt %d\n", decision.SubjectKey, decision.Attempt.Status, decision.Attempt.AttemptCount)
			}); err != nil {
				return err
			}
			if decision.Started && decision.Attempt.Status == ledgersync.RecoveryFailed {
				return NewExitError(ExitFailure, "recovery failed: "+decision.Attempt.ErrorMessage)
			}
			return nil
		},
	}
	attempt.Flags().StringVar(&reason, "reason", "", "reason recorded on the attempt")
	cmd.AddCommand(attempt)

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <subject>",
		Short: "Clear a subject's attempt history so recovery may run again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := adminContext(cmd)
			defer cancel()
			result, err := opts.client().ResetRecovery(ctx, args[0])
			if err != nil {
				return apiError("recovery reset failed", err)
			}
			return opts.formatter(cmd).Success(result, func(w io.Writer) {
				fmt.Fprintf(w, "%s: reset=%t\n", result.SubjectKey, result.Reset)
			})
		},
	})
	return cmd
}

func NewLinkCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "link <subject> <provider-customer-id>",
		Short: "Associate a local subject with a provider customer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := adminContext(cmd)
			defer cancel()
			if err := opts.client().LinkSubject(ctx, args[0], args[1]); err != nil {
				return apiError("link failed", err)
			}
			result := map[string]string{"subjectKey": args[0], "customerId": args[1]}
			return opts.formatter(cmd).Success(result, func(w io.Writer) {
				fmt.Fprintf(w, "linked %s to %s\n", args[0], args[1])
			})
		},
	}
}
