package ledgersync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// AlertSink records operator alerts. Recording is best effort and must not
// block the caller for long.
type AlertSink interface {
	Record(alertType, subjectKey, detail string)
}

type LogAlertSink struct {
	Logger *slog.Logger
}

func (s LogAlertSink) Record(alertType, subjectKey, detail string) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("alert", "type", alertType, "subject", subjectKey, "detail", detail)
}

// LedgerAlertSink persists alerts to the alerts table.
type LedgerAlertSink struct {
	Ledger  LedgerStore
	Clock   Clock
	Timeout time.Duration
	Logger  *slog.Logger
}

func (s LedgerAlertSink) Record(alertType, subjectKey, detail string) {
	if s.Ledger == nil {
		return
	}
	clock := s.Clock
	if clock == nil {
		clock = RealClock()
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	alert := Alert{Type: alertType, SubjectKey: subjectKey, Detail: detail, RecordedAt: clock.Now()}
	key := fmt.Sprintf("%s_%s", alert.RecordedAt.Format("20060102T150405.000000000"), NewCorrelationID())
	if err := putRecord(ctx, s.Ledger, TableAlerts, key, alert); err != nil && s.Logger != nil {
		s.Logger.Error("persist alert", "type", alertType, "subject", subjectKey, "error", err)
	}
}

// AlertBroadcaster fans alerts out to live subscribers. Slow subscribers
// drop alerts instead of blocking the engine.
type AlertBroadcaster struct {
	clock  Clock
	buffer int

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Alert
}

func NewAlertBroadcaster(clock Clock, buffer int) *AlertBroadcaster {
	if clock == nil {
		clock = RealClock()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &AlertBroadcaster{clock: clock, buffer: buffer, subs: map[int]chan Alert{}}
}

func (b *AlertBroadcaster) Record(alertType, subjectKey, detail string) {
	alert := Alert{Type: alertType, SubjectKey: subjectKey, Detail: detail, RecordedAt: b.clock.Now()}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- alert:
		default:
		}
	}
}

// Subscribe returns a channel of future alerts and a cancel func that
// closes it.
func (b *AlertBroadcaster) Subscribe() (<-chan Alert, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Alert, b.buffer)
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *AlertBroadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

type MultiAlertSink []AlertSink

func (m MultiAlertSink) Record(alertType, subjectKey, detail string) {
	for _, sink := range m {
		if sink != nil {
			sink.Record(alertType, subjectKey, detail)
		}
	}
}

// MemoryAlertSink keeps alerts in memory for inspection.
type MemoryAlertSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *MemoryAlertSink) Record(alertType, subjectKey, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, Alert{Type: alertType, SubjectKey: subjectKey, Detail: detail, RecordedAt: time.Now().UTC()})
}

func (s *MemoryAlertSink) Alerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

func (s *MemoryAlertSink) Count(alertType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, alert := range s.alerts {
		if alert.Type == alertType {
			n++
		}
	}
	return n
}
