// Package pubsub implements the notifier on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
)

// Notifier publishes account events and operator alerts to two topics.
// Delivery is best effort; callers log and swallow errors.
type Notifier struct {
	accounts *pubsub.Publisher
	operator *pubsub.Publisher
}

// New creates a Notifier for the provided topic publishers.
func New(accounts, operator *pubsub.Publisher) *Notifier {
	return &Notifier{accounts: accounts, operator: operator}
}

// Notify publishes an account-facing event as a JSON message.
func (n *Notifier) Notify(ctx context.Context, accountID, eventType string, payload map[string]any) error {
	if n.accounts == nil {
		return fmt.Errorf("account publisher is not configured")
	}
	return publish(ctx, n.accounts, map[string]string{
		"account_id": accountID,
		"event_type": eventType,
	}, payload)
}

// AlertOperator publishes an operator alert as a JSON message.
func (n *Notifier) AlertOperator(ctx context.Context, title, message string, data map[string]any) error {
	if n.operator == nil {
		return fmt.Errorf("operator publisher is not configured")
	}
	body := map[string]any{
		"title":   title,
		"message": message,
		"data":    data,
	}
	return publish(ctx, n.operator, map[string]string{"severity": "critical"}, body)
}

func publish(ctx context.Context, publisher *pubsub.Publisher, attrs map[string]string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: attrs}
	result := publisher.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}
