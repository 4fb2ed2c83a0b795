package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/notification"
)

// Repository is the Postgres implementation of dispatch.Store, plus the
// preference and template tables.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

var _ dispatch.Store = (*Repository)(nil)

var notificationColumns = []string{
	"id", "external_event_id", "correlation_id", "channel", "recipient_id",
	"recipient_address", "recipient", "template_id", "content", "variables",
	"email", "metadata", "rendered_subject", "rendered_body", "priority", "status",
	"scheduled_at", "next_attempt_at", "retry_count", "max_retries",
	"provider_message_id", "failure_reason",
	"created_at", "updated_at", "sent_at", "delivered_at", "failed_at",
}

// selectColumns renders the notification column list, optionally qualified
// with a table alias. Nullable text columns are coalesced to ''.
func selectColumns(alias string) string {
	cols := make([]string, len(notificationColumns))
	for i, c := range notificationColumns {
		q := c
		if alias != "" {
			q = alias + "." + c
		}
		switch c {
		case "correlation_id", "template_id", "rendered_subject", "rendered_body", "provider_message_id":
			q = "COALESCE(" + q + ", '')"
		}
		cols[i] = q
	}
	return strings.Join(cols, ", ")
}

// priorityRank mirrors notification.Priority.Rank for ORDER BY.
const priorityRank = `CASE priority WHEN 'URGENT' THEN 0 WHEN 'HIGH' THEN 1 WHEN 'NORMAL' THEN 2 ELSE 3 END`

// claimSet moves a row to PROCESSING. SET expressions see the pre-update
// row, so a FAILED row gets its retry counted in the same write.
const claimSet = `
	status = 'PROCESSING',
	retry_count = retry_count + CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END,
	next_attempt_at = NULL,
	updated_at = $%d`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*notification.Notification, error) {
	var (
		n                                          notification.Notification
		channel, priority, status                  string
		recipient, content, variables, email, meta []byte
	)
	err := row.Scan(
		&n.ID, &n.ExternalEventID, &n.CorrelationID, &channel, &n.RecipientID,
		&n.RecipientAddress, &recipient, &n.TemplateID, &content, &variables,
		&email, &meta, &n.RenderedSubject, &n.RenderedBody, &priority, &status,
		&n.ScheduledAt, &n.NextAttemptAt, &n.RetryCount, &n.MaxRetries,
		&n.ProviderMessageID, &n.FailureReason,
		&n.CreatedAt, &n.UpdatedAt, &n.SentAt, &n.DeliveredAt, &n.FailedAt,
	)
	if err != nil {
		return nil, err
	}
	n.Channel = notification.Channel(channel)
	n.Priority = notification.Priority(priority)
	n.Status = notification.Status(status)

	for _, field := range []struct {
		raw  []byte
		into any
		name string
	}{
		{recipient, &n.Recipient, "recipient"},
		{content, &n.Content, "content"},
		{variables, &n.Variables, "variables"},
		{email, &n.Email, "email"},
		{meta, &n.Metadata, "metadata"},
	} {
		if len(field.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(field.raw, field.into); err != nil {
			return nil, fmt.Errorf("decode %s: %w", field.name, err)
		}
	}
	return &n, nil
}

// jsonb encodes v for a JSONB column. Nil pointers and empty maps are
// stored as SQL NULL.
func jsonb(v any) ([]byte, error) {
	switch t := v.(type) {
	case *notification.Content:
		if t == nil {
			return nil, nil
		}
	case *notification.EmailOptions:
		if t == nil {
			return nil, nil
		}
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Create inserts a new notification. A second insert for the same external
// event id returns dispatch.ErrDuplicate.
func (r *Repository) Create(ctx context.Context, n *notification.Notification) error {
	recipient, err := json.Marshal(n.Recipient)
	if err != nil {
		return fmt.Errorf("encode recipient: %w", err)
	}
	content, err := jsonb(n.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	variables, err := json.Marshal(n.Variables)
	if err != nil {
		return fmt.Errorf("encode variables: %w", err)
	}
	email, err := jsonb(n.Email)
	if err != nil {
		return fmt.Errorf("encode email options: %w", err)
	}
	meta, err := jsonb(n.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	query := `
		INSERT INTO notifications (
			id, external_event_id, correlation_id, channel, recipient_id,
			recipient_address, recipient, template_id, content, variables,
			email, metadata, priority, status, scheduled_at, next_attempt_at,
			retry_count, max_retries, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)
	`

	_, err = r.db.Pool().Exec(ctx, query,
		n.ID, n.ExternalEventID, nullIfEmpty(n.CorrelationID), string(n.Channel), n.RecipientID,
		n.RecipientAddress, recipient, nullIfEmpty(n.TemplateID), content, variables,
		email, meta, string(n.Priority), string(n.Status), n.ScheduledAt, n.NextAttemptAt,
		n.RetryCount, n.MaxRetries, n.CreatedAt, n.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return dispatch.ErrDuplicate
	}
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Debug("notification created",
		zap.String("notification_id", n.ID.String()),
		zap.String("channel", string(n.Channel)),
		zap.String("recipient_id", n.RecipientID),
	)
	return nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*notification.Notification, error) {
	query := `SELECT ` + selectColumns("") + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notification.ErrNotFound
	}
	if err != nil {
		r.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

func (r *Repository) FindByExternalEventID(ctx context.Context, externalEventID string) (*notification.Notification, bool, error) {
	query := `SELECT ` + selectColumns("") + ` FROM notifications WHERE external_event_id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, externalEventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query notification by event: %w", err)
	}
	return n, true, nil
}

// ClaimNext atomically claims up to q.Limit due rows in status q.From.
// FOR UPDATE SKIP LOCKED lets concurrent pollers, in this process or
// another, take disjoint sets.
func (r *Repository) ClaimNext(ctx context.Context, q dispatch.ClaimQuery) ([]*notification.Notification, error) {
	if q.Limit <= 0 {
		return nil, nil
	}

	query := `
		UPDATE notifications n SET ` + fmt.Sprintf(claimSet, 3) + `
		FROM (
			SELECT id FROM notifications
			WHERE status = $1
			  AND (next_attempt_at IS NULL OR next_attempt_at <= $3)
			  AND (status <> 'FAILED' OR retry_count < max_retries)
			ORDER BY ` + priorityRank + `, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) due
		WHERE n.id = due.id
		RETURNING ` + selectColumns("n")

	rows, err := r.db.Pool().Query(ctx, query, string(q.From), q.Limit, q.Now)
	if err != nil {
		return nil, fmt.Errorf("claim notifications: %w", err)
	}
	claimed, err := collect(rows)
	if err != nil {
		return nil, fmt.Errorf("claim notifications: %w", err)
	}

	// RETURNING has no defined order.
	sort.SliceStable(claimed, func(i, j int) bool {
		a, b := claimed[i], claimed[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return claimed, nil
}

// Claim moves one row to PROCESSING if it is currently in one of from.
func (r *Repository) Claim(ctx context.Context, id uuid.UUID, from []notification.Status, now time.Time) (*notification.Notification, error) {
	query := `
		UPDATE notifications SET ` + fmt.Sprintf(claimSet, 3) + `
		WHERE id = $1
		  AND status = ANY($2)
		  AND (status <> 'FAILED' OR retry_count < max_retries)
		RETURNING ` + selectColumns("")

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id, statusStrings(from), now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missingOrConflict(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("claim notification: %w", err)
	}
	return n, nil
}

// Save writes the mutable lifecycle fields of n. With expect set the
// update is conditional on the stored status.
func (r *Repository) Save(ctx context.Context, n *notification.Notification, expect ...notification.Status) error {
	query := `
		UPDATE notifications SET
			status = $2,
			rendered_subject = $3,
			rendered_body = $4,
			next_attempt_at = $5,
			retry_count = $6,
			provider_message_id = $7,
			failure_reason = $8,
			updated_at = $9,
			sent_at = $10,
			delivered_at = $11,
			failed_at = $12
		WHERE id = $1 AND (cardinality($13::text[]) = 0 OR status = ANY($13))
	`

	tag, err := r.db.Pool().Exec(ctx, query,
		n.ID, string(n.Status), nullIfEmpty(n.RenderedSubject), nullIfEmpty(n.RenderedBody),
		n.NextAttemptAt, n.RetryCount, nullIfEmpty(n.ProviderMessageID), n.FailureReason,
		n.UpdatedAt, n.SentAt, n.DeliveredAt, n.FailedAt, statusStrings(expect),
	)
	if err != nil {
		r.logger.Error("failed to save notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("update notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, n.ID)
	}
	return nil
}

func (r *Repository) missingOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := r.db.Pool().QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check notification: %w", err)
	}
	if !exists {
		return notification.ErrNotFound
	}
	return dispatch.ErrConflict
}

func statusStrings(set []notification.Status) []string {
	out := make([]string, len(set))
	for i, s := range set {
		out[i] = string(s)
	}
	return out
}

// SaveDelivery inserts or updates one attempt record.
func (r *Repository) SaveDelivery(ctx context.Context, d *notification.Delivery) error {
	query := `
		INSERT INTO deliveries (
			id, notification_id, attempt, channel, status, provider_message_id,
			failure_reason, started_at, sent_at, delivered_at, failed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			provider_message_id = EXCLUDED.provider_message_id,
			failure_reason = EXCLUDED.failure_reason,
			sent_at = EXCLUDED.sent_at,
			delivered_at = EXCLUDED.delivered_at,
			failed_at = EXCLUDED.failed_at
	`

	_, err := r.db.Pool().Exec(ctx, query,
		d.ID, d.NotificationID, d.Attempt, string(d.Channel), string(d.Status),
		nullIfEmpty(d.ProviderMessageID), d.FailureReason, d.StartedAt,
		d.SentAt, d.DeliveredAt, d.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert delivery: %w", err)
	}
	return nil
}

func (r *Repository) ListDeliveries(ctx context.Context, notificationID uuid.UUID) ([]*notification.Delivery, error) {
	query := `
		SELECT id, notification_id, attempt, channel, status,
			COALESCE(provider_message_id, ''), failure_reason,
			started_at, sent_at, delivered_at, failed_at
		FROM deliveries
		WHERE notification_id = $1
		ORDER BY attempt
	`

	rows, err := r.db.Pool().Query(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*notification.Delivery
	for rows.Next() {
		var (
			d               notification.Delivery
			channel, status string
		)
		err := rows.Scan(
			&d.ID, &d.NotificationID, &d.Attempt, &channel, &status,
			&d.ProviderMessageID, &d.FailureReason,
			&d.StartedAt, &d.SentAt, &d.DeliveredAt, &d.FailedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Channel = notification.Channel(channel)
		d.Status = notification.DeliveryStatus(status)
		deliveries = append(deliveries, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return deliveries, nil
}

// ListByRecipient pages through a recipient's notifications, newest first.
func (r *Repository) ListByRecipient(ctx context.Context, recipientID string, p dispatch.Page) ([]*notification.Notification, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + selectColumns("") + `
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, recipientID, limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	return collect(rows)
}

func (r *Repository) ListPending(ctx context.Context, limit int) ([]*notification.Notification, error) {
	query := `
		SELECT ` + selectColumns("") + `
		FROM notifications
		WHERE status = 'PENDING'
		ORDER BY created_at
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending notifications: %w", err)
	}
	return collect(rows)
}

func (r *Repository) ListFailedRetryable(ctx context.Context, limit int) ([]*notification.Notification, error) {
	query := `
		SELECT ` + selectColumns("") + `
		FROM notifications
		WHERE status = 'FAILED' AND retry_count < max_retries
		ORDER BY created_at
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed notifications: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]*notification.Notification, error) {
	defer rows.Close()

	var out []*notification.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
