// Package notify delivers user-facing notifications for copy outcomes.
// Delivery is best effort and never blocks the worker path.
package notify

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Notification kinds.
const (
	KindTradeExecuted = "TRADE_EXECUTED"
	KindTradeFailed   = "TRADE_FAILED"
	KindTradeSkipped  = "TRADE_SKIPPED"
	KindNewFollower   = "NEW_FOLLOWER"
)

// Notifier receives one notification per event.
type Notifier interface {
	Notify(user, kind, message string)
}

// Store persists notification rows.
type Store interface {
	InsertNotification(user, kind, payload string) error
}

// Service persists every notification and fans it out to the configured
// sinks. A nil sink is skipped, so the service works headless.
type Service struct {
	store Store
	sinks []Notifier
}

// NewService creates a notification service over the store.
func NewService(store Store, sinks ...Notifier) *Service {
	return &Service{store: store, sinks: sinks}
}

// Notify records the event and forwards it to every sink.
func (s *Service) Notify(user, kind, message string) {
	if s.store != nil {
		if err := s.store.InsertNotification(user, kind, message); err != nil {
			log.Error().Err(err).Str("user", user).Str("kind", kind).Msg("Failed to persist notification")
		}
	}
	for _, sink := range s.sinks {
		if sink != nil {
			sink.Notify(user, kind, message)
		}
	}
}

// Memory is an in-process sink used by tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Event is one captured notification.
type Event struct {
	User    string
	Kind    string
	Message string
}

func (m *Memory) Notify(user, kind, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{User: user, Kind: kind, Message: message})
}

// Events returns a snapshot of everything captured so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
