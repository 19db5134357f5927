package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ocloudd/ocloudd/pkg/core"
)

// CreateSubscription registers a notification subscription.
func (s *SQLiteStore) CreateSubscription(ctx context.Context, sub *core.Subscription) error {
	filter, err := encodeJSON(sub.Filter)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO subscriptions
		(subscription_id, category, callback_uri, filter, consumer_subscription_id,
		 expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		sub.ID, sub.Category, sub.CallbackURI, filter,
		sub.ConsumerSubscriptionID, sub.ExpiresAt, sub.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return core.NewConflictError("subscription already exists", err).WithEntity(sub.ID)
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func scanSubscription(scan func(dest ...any) error) (*core.Subscription, error) {
	sub := &core.Subscription{}
	var filter sql.NullString
	err := scan(&sub.ID, &sub.Category, &sub.CallbackURI, &filter,
		&sub.ConsumerSubscriptionID, &sub.ExpiresAt, &sub.CreatedAt)
	if err != nil {
		return nil, err
	}
	if filter.Valid {
		if err := decodeJSON(&filter.String, &sub.Filter); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

// GetSubscription retrieves a subscription by ID.
func (s *SQLiteStore) GetSubscription(ctx context.Context, id string) (*core.Subscription, error) {
	query := `
		SELECT subscription_id, category, callback_uri, filter, consumer_subscription_id,
		       expires_at, created_at
		FROM subscriptions WHERE subscription_id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	sub, err := scanSubscription(row.Scan)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("subscription not found", nil).WithEntity(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions lists subscriptions, optionally limited to one category.
func (s *SQLiteStore) ListSubscriptions(ctx context.Context, category *core.EventCategory) ([]*core.Subscription, error) {
	query := `
		SELECT subscription_id, category, callback_uri, filter, consumer_subscription_id,
		       expires_at, created_at
		FROM subscriptions
		WHERE (? IS NULL OR category = ?)
		ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query, category, category)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []*core.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}
	return subs, nil
}

// DeleteSubscription removes a subscription.
func (s *SQLiteStore) DeleteSubscription(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE subscription_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return core.NewNotFoundError("subscription not found", nil).WithEntity(id)
	}
	return nil
}

// DeleteExpiredSubscriptions removes every subscription whose expiry has
// passed and returns the number removed.
func (s *SQLiteStore) DeleteExpiredSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired subscriptions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// CreateSubscriptionEvent inserts a pending delivery audit row and fills in
// the generated ID.
func (s *SQLiteStore) CreateSubscriptionEvent(ctx context.Context, ev *core.SubscriptionEvent) error {
	query := `
		INSERT INTO subscription_events
		(subscription_id, event_type, object_id, attempts, delivered, delivered_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		ev.SubscriptionID, ev.EventType, ev.ObjectID,
		ev.Attempts, ev.Delivered, ev.DeliveredAt, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create subscription event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get subscription event ID: %w", err)
	}
	ev.ID = id
	return nil
}

// IncrementSubscriptionEventAttempts bumps the attempt counter after a
// failed delivery.
func (s *SQLiteStore) IncrementSubscriptionEventAttempts(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE subscription_events SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment delivery attempts: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return core.NewNotFoundError("subscription event not found", nil)
	}
	return nil
}

// MarkSubscriptionEventDelivered records a successful callback acknowledgment.
func (s *SQLiteStore) MarkSubscriptionEventDelivered(ctx context.Context, id int64, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE subscription_events SET delivered = 1, delivered_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark delivery: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return core.NewNotFoundError("subscription event not found", nil)
	}
	return nil
}

// ListSubscriptionEvents lists a subscription's audit rows oldest-first.
func (s *SQLiteStore) ListSubscriptionEvents(ctx context.Context, subscriptionID string, pendingOnly bool) ([]*core.SubscriptionEvent, error) {
	query := `
		SELECT id, subscription_id, event_type, object_id, attempts, delivered,
		       delivered_at, created_at
		FROM subscription_events
		WHERE subscription_id = ? AND (? = 0 OR delivered = 0)
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, subscriptionID, pendingOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscription events: %w", err)
	}
	defer rows.Close()

	events := []*core.SubscriptionEvent{}
	for rows.Next() {
		ev := &core.SubscriptionEvent{}
		if err := rows.Scan(&ev.ID, &ev.SubscriptionID, &ev.EventType, &ev.ObjectID,
			&ev.Attempts, &ev.Delivered, &ev.DeliveredAt, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscription events: %w", err)
	}
	return events, nil
}
