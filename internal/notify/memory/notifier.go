// Package memory provides an in-memory notifier for development and tests.
package memory

import (
	"context"
	"sync"
)

// Event is one recorded account notification.
type Event struct {
	AccountID string
	EventType string
	Payload   map[string]any
}

// Alert is one recorded operator alert.
type Alert struct {
	Title   string
	Message string
	Data    map[string]any
}

// Notifier records notifications instead of delivering them.
type Notifier struct {
	mu     sync.Mutex
	events []Event
	alerts []Alert
}

// NewNotifier constructs a Notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Notify records an account event.
func (n *Notifier) Notify(_ context.Context, accountID, eventType string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, Event{AccountID: accountID, EventType: eventType, Payload: payload})
	return nil
}

// AlertOperator records an operator alert.
func (n *Notifier) AlertOperator(_ context.Context, title, message string, data map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, Alert{Title: title, Message: message, Data: data})
	return nil
}

// Events returns a copy of the recorded account events.
func (n *Notifier) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Event, len(n.events))
	copy(out, n.events)
	return out
}

// Alerts returns a copy of the recorded operator alerts.
func (n *Notifier) Alerts() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Alert, len(n.alerts))
	copy(out, n.alerts)
	return out
}
