package ledgersync

import (
	"strings"
	"sync"
	"time"
)

// SafetyLimits bound how aggressively the engine repairs drift.
type SafetyLimits struct {
	MaxConcurrentRecoveries int
	MaxRecoveryAttempts     int
	RecoveryCooldown        time.Duration
	MaxCorrectionsPerHour   int
	CorrectionWindow        time.Duration
}

func DefaultSafetyLimits() SafetyLimits {
	return SafetyLimits{
		MaxConcurrentRecoveries: 5,
		MaxRecoveryAttempts:     3,
		RecoveryCooldown:        24 * time.Hour,
		MaxCorrectionsPerHour:   10,
		CorrectionWindow:        time.Hour,
	}
}

func (l SafetyLimits) withDefaults() SafetyLimits {
	d := DefaultSafetyLimits()
	if l.MaxConcurrentRecoveries <= 0 {
		l.MaxConcurrentRecoveries = d.MaxConcurrentRecoveries
	}
	if l.MaxRecoveryAttempts <= 0 {
		l.MaxRecoveryAttempts = d.MaxRecoveryAttempts
	}
	if l.RecoveryCooldown <= 0 {
		l.RecoveryCooldown = d.RecoveryCooldown
	}
	if l.MaxCorrectionsPerHour <= 0 {
		l.MaxCorrectionsPerHour = d.MaxCorrectionsPerHour
	}
	if l.CorrectionWindow <= 0 {
		l.CorrectionWindow = d.CorrectionWindow
	}
	return l
}

// SkipReason explains why a recovery did not start. Empty means it started.
type SkipReason string

const (
	SkipNone       SkipReason = ""
	SkipInFlight   SkipReason = "in_flight"
	SkipExhausted  SkipReason = "attempts_exhausted"
	SkipCooldown   SkipReason = "cooling_down"
	SkipSystemBusy SkipReason = "system_busy"
)

// SafetyState owns every piece of mutable safety bookkeeping behind a single
// lock: the in-flight recovery set, the per-subject attempt table and the
// rolling correction window. Check-then-act sequences run under that lock.
type SafetyState struct {
	mu       sync.Mutex
	clock    Clock
	limits   SafetyLimits
	inFlight map[string]struct{}
	attempts map[string]RecoveryAttempt

	corrections        []time.Time
	pendingCorrections int
}

func NewSafetyState(limits SafetyLimits, clock Clock) *SafetyState {
	if clock == nil {
		clock = RealClock()
	}
	return &SafetyState{
		clock:    clock,
		limits:   limits.withDefaults(),
		inFlight: map[string]struct{}{},
		attempts: map[string]RecoveryAttempt{},
	}
}

func (s *SafetyState) Limits() SafetyLimits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

// SetLimits applies new limits to future decisions. In-flight work is not
// interrupted.
func (s *SafetyState) SetLimits(limits SafetyLimits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = limits.withDefaults()
}

// BeginRecovery applies the recovery gates in order and, when all pass,
// marks the subject in flight and records the attempt.
func (s *SafetyState) BeginRecovery(subjectKey, reason string) (RecoveryAttempt, SkipReason) {
	subjectKey = strings.TrimSpace(subjectKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, known := s.attempts[subjectKey]
	if _, busy := s.inFlight[subjectKey]; busy {
		return attempt, SkipInFlight
	}
	if known && attempt.AttemptCount >= s.limits.MaxRecoveryAttempts {
		return attempt, SkipExhausted
	}
	now := s.clock.Now()
	if known && !attempt.LastAttemptAt.IsZero() && now.Sub(attempt.LastAttemptAt) < s.limits.RecoveryCooldown {
		return attempt, SkipCooldown
	}
	if len(s.inFlight) >= s.limits.MaxConcurrentRecoveries {
		return attempt, SkipSystemBusy
	}

	s.inFlight[subjectKey] = struct{}{}
	attempt.SubjectKey = subjectKey
	attempt.AttemptCount++
	attempt.LastAttemptAt = now
	attempt.Status = RecoveryInProgress
	attempt.Reason = reason
	attempt.ErrorMessage = ""
	s.attempts[subjectKey] = attempt
	return attempt, SkipNone
}

// FinishRecovery records the outcome and always clears the in-flight mark.
// When the subject was reset while the attempt ran, the outcome is dropped
// and the second result is false.
func (s *SafetyState) FinishRecovery(subjectKey string, failure error) (RecoveryAttempt, bool) {
	subjectKey = strings.TrimSpace(subjectKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, subjectKey)
	attempt, ok := s.attempts[subjectKey]
	if !ok {
		return RecoveryAttempt{SubjectKey: subjectKey}, false
	}
	attempt.SubjectKey = subjectKey
	if failure != nil {
		attempt.Status = RecoveryFailed
		attempt.ErrorMessage = failure.Error()
	} else {
		attempt.Status = RecoverySuccess
		attempt.ErrorMessage = ""
	}
	s.attempts[subjectKey] = attempt
	return attempt, true
}

// ResetRecovery clears the attempt history for a subject. A subject that is
// currently in flight keeps its mark until the running attempt finishes, and
// that attempt's outcome is not recorded.
func (s *SafetyState) ResetRecovery(subjectKey string) bool {
	subjectKey = strings.TrimSpace(subjectKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempts[subjectKey]; !ok {
		return false
	}
	delete(s.attempts, subjectKey)
	return true
}

func (s *SafetyState) RecoveryAttempt(subjectKey string) (RecoveryAttempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[strings.TrimSpace(subjectKey)]
	return attempt, ok
}

// RestoreRecoveryAttempt seeds the table from durable storage on startup.
// Attempts that were in progress when the process stopped count as failed.
func (s *SafetyState) RestoreRecoveryAttempt(attempt RecoveryAttempt) {
	key := strings.TrimSpace(attempt.SubjectKey)
	if key == "" {
		return
	}
	if attempt.Status == RecoveryInProgress {
		attempt.Status = RecoveryFailed
		attempt.ErrorMessage = "interrupted"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.attempts[key]; exists {
		return
	}
	s.attempts[key] = attempt
}

func (s *SafetyState) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *SafetyState) IsInFlight(subjectKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[strings.TrimSpace(subjectKey)]
	return ok
}

// ReserveCorrection claims a slot in the rolling window. Forced reservations
// ignore the limit. Every successful reservation must be settled with
// SettleCorrection.
func (s *SafetyState) ReserveCorrection(force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneCorrectionsLocked()
	if !force && len(s.corrections)+s.pendingCorrections >= s.limits.MaxCorrectionsPerHour {
		return false
	}
	s.pendingCorrections++
	return true
}

// SettleCorrection releases a reservation. Only applied corrections consume
// the window.
func (s *SafetyState) SettleCorrection(applied bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingCorrections > 0 {
		s.pendingCorrections--
	}
	if applied {
		s.corrections = append(s.corrections, s.clock.Now())
	}
}

// CorrectionsInWindow reports applied corrections within the rolling window.
func (s *SafetyState) CorrectionsInWindow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneCorrectionsLocked()
	return len(s.corrections)
}

func (s *SafetyState) pruneCorrectionsLocked() {
	cutoff := s.clock.Now().Add(-s.limits.CorrectionWindow)
	kept := s.corrections[:0]
	for _, at := range s.corrections {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	s.corrections = kept
}
