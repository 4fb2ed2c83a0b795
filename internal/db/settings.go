package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/notification"
)

const preferenceColumns = `
	recipient_id, email_enabled, sms_enabled, push_enabled, in_app_enabled,
	marketing_enabled, digest_enabled, quiet_hours_enabled, quiet_hours_start,
	quiet_hours_end, timezone, language, created_at, updated_at`

func scanPreferences(row rowScanner) (*notification.Preferences, error) {
	var (
		p          notification.Preferences
		start, end string
	)
	err := row.Scan(
		&p.RecipientID, &p.EmailEnabled, &p.SMSEnabled, &p.PushEnabled, &p.InAppEnabled,
		&p.MarketingEnabled, &p.DigestEnabled, &p.QuietHours.Enabled, &start,
		&end, &p.Timezone, &p.Language, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if p.QuietHours.Start, err = notification.ParseClock(start); err != nil {
		return nil, err
	}
	if p.QuietHours.End, err = notification.ParseClock(end); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetOrDefault returns the recipient's preferences, inserting the default
// record on first lookup. Concurrent first lookups converge on one row.
func (r *Repository) GetOrDefault(ctx context.Context, recipientID string) (*notification.Preferences, error) {
	d := notification.DefaultPreferences(recipientID)
	insert := `
		INSERT INTO user_preferences (
			recipient_id, email_enabled, sms_enabled, push_enabled, in_app_enabled,
			marketing_enabled, digest_enabled, quiet_hours_enabled, quiet_hours_start,
			quiet_hours_end, timezone, language
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (recipient_id) DO NOTHING
	`
	_, err := r.db.Pool().Exec(ctx, insert,
		d.RecipientID, d.EmailEnabled, d.SMSEnabled, d.PushEnabled, d.InAppEnabled,
		d.MarketingEnabled, d.DigestEnabled, d.QuietHours.Enabled, d.QuietHours.Start.String(),
		d.QuietHours.End.String(), d.Timezone, d.Language,
	)
	if err != nil {
		return nil, fmt.Errorf("insert default preferences: %w", err)
	}

	query := `SELECT ` + preferenceColumns + ` FROM user_preferences WHERE recipient_id = $1`
	p, err := scanPreferences(r.db.Pool().QueryRow(ctx, query, recipientID))
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	return p, nil
}

// PutPreferences replaces the stored record. Last write wins.
func (r *Repository) PutPreferences(ctx context.Context, p *notification.Preferences) error {
	query := `
		INSERT INTO user_preferences (
			recipient_id, email_enabled, sms_enabled, push_enabled, in_app_enabled,
			marketing_enabled, digest_enabled, quiet_hours_enabled, quiet_hours_start,
			quiet_hours_end, timezone, language
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (recipient_id) DO UPDATE SET
			email_enabled = EXCLUDED.email_enabled,
			sms_enabled = EXCLUDED.sms_enabled,
			push_enabled = EXCLUDED.push_enabled,
			in_app_enabled = EXCLUDED.in_app_enabled,
			marketing_enabled = EXCLUDED.marketing_enabled,
			digest_enabled = EXCLUDED.digest_enabled,
			quiet_hours_enabled = EXCLUDED.quiet_hours_enabled,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			timezone = EXCLUDED.timezone,
			language = EXCLUDED.language,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`
	err := r.db.Pool().QueryRow(ctx, query,
		p.RecipientID, p.EmailEnabled, p.SMSEnabled, p.PushEnabled, p.InAppEnabled,
		p.MarketingEnabled, p.DigestEnabled, p.QuietHours.Enabled, p.QuietHours.Start.String(),
		p.QuietHours.End.String(), p.Timezone, p.Language,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to save preferences",
			zap.Error(err),
			zap.String("recipient_id", p.RecipientID),
		)
		return fmt.Errorf("upsert preferences: %w", err)
	}
	return nil
}

const templateColumns = `id, name, COALESCE(channel, ''), subject, body, html_body, active, version, created_at, updated_at`

func scanTemplate(row rowScanner) (*notification.Template, error) {
	var (
		t       notification.Template
		channel string
	)
	err := row.Scan(&t.ID, &t.Name, &channel, &t.Subject, &t.Body, &t.HTMLBody, &t.Active, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Channel = notification.Channel(channel)
	return &t, nil
}

func (r *Repository) GetTemplate(ctx context.Context, id string) (*notification.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE id = $1`

	t, err := scanTemplate(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notification.ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return t, nil
}

// PutTemplate creates or replaces a template, bumping its version.
func (r *Repository) PutTemplate(ctx context.Context, t *notification.Template) (*notification.Template, error) {
	query := `
		INSERT INTO templates (id, name, channel, subject, body, html_body, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			channel = EXCLUDED.channel,
			subject = EXCLUDED.subject,
			body = EXCLUDED.body,
			html_body = EXCLUDED.html_body,
			active = EXCLUDED.active,
			version = templates.version + 1,
			updated_at = NOW()
		RETURNING ` + templateColumns

	saved, err := scanTemplate(r.db.Pool().QueryRow(ctx, query,
		t.ID, t.Name, nullIfEmpty(string(t.Channel)), t.Subject, t.Body, t.HTMLBody, t.Active,
	))
	if err != nil {
		return nil, fmt.Errorf("upsert template: %w", err)
	}

	r.logger.Info("template saved",
		zap.String("template_id", saved.ID),
		zap.Int("version", saved.Version),
	)
	return saved, nil
}
