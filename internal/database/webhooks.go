package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c.mueller/pm-connect/internal/models"
)

// webhookRow overlays the delivery bookkeeping columns on the document
type webhookRow struct {
	Doc             string         `db:"doc"`
	Enabled         bool           `db:"enabled"`
	FailureCount    int            `db:"failure_count"`
	LastError       string         `db:"last_error"`
	LastTriggeredAt sql.NullString `db:"last_triggered_at"`
}

const webhookColumns = `doc, enabled, failure_count, last_error, last_triggered_at`

func (r webhookRow) decode() (*models.Webhook, error) {
	var w models.Webhook
	if err := json.Unmarshal([]byte(r.Doc), &w); err != nil {
		return nil, fmt.Errorf("decoding webhook: %w", err)
	}
	w.Enabled = r.Enabled
	w.FailureCount = r.FailureCount
	w.LastError = r.LastError
	w.LastTriggeredAt = nil
	if r.LastTriggeredAt.Valid {
		t := parseTime(r.LastTriggeredAt.String)
		w.LastTriggeredAt = &t
	}
	return &w, nil
}

// SaveWebhook inserts or replaces a webhook
func (db *DB) SaveWebhook(ctx context.Context, w *models.Webhook) error {
	doc, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encoding webhook: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO webhooks (id, company_id, enabled, failure_count, last_error, last_triggered_at, doc, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			company_id = excluded.company_id,
			enabled = excluded.enabled,
			failure_count = excluded.failure_count,
			last_error = excluded.last_error,
			last_triggered_at = excluded.last_triggered_at,
			doc = excluded.doc,
			updated_at = excluded.updated_at`,
		w.ID, w.CompanyID, w.Enabled, w.FailureCount, w.LastError, nullTime(w.LastTriggeredAt),
		string(doc), formatTime(w.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving webhook %s: %w", w.ID, err)
	}
	return nil
}

// GetWebhook retrieves a webhook by id
func (db *DB) GetWebhook(ctx context.Context, id string) (*models.Webhook, error) {
	var row webhookRow
	if err := db.conn.GetContext(ctx, &row, "SELECT "+webhookColumns+" FROM webhooks WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("getting webhook %s: %w", id, notFound(err))
	}
	return row.decode()
}

// ListWebhooks returns the webhooks of a company, or all when companyID is empty
func (db *DB) ListWebhooks(ctx context.Context, companyID string) ([]models.Webhook, error) {
	query := "SELECT " + webhookColumns + " FROM webhooks"
	var args []any
	if companyID != "" {
		query += " WHERE company_id = ?"
		args = append(args, companyID)
	}
	query += " ORDER BY id"

	var rows []webhookRow
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing webhooks: %w", err)
	}
	out := make([]models.Webhook, 0, len(rows))
	for _, r := range rows {
		w, err := r.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, nil
}

// DeleteWebhook removes a webhook and its delivery log
func (db *DB) DeleteWebhook(ctx context.Context, id string) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM webhooks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting webhook %s: %w", id, err)
	}
	if err := requireRow(res, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM webhook_deliveries WHERE webhook_id = ?", id); err != nil {
		return fmt.Errorf("deleting deliveries of %s: %w", id, err)
	}
	return tx.Commit()
}

// RecordSuccess resets the consecutive failure count
func (db *DB) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE webhooks SET failure_count = 0, last_error = '', last_triggered_at = ?
		WHERE id = ?`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("recording success for %s: %w", id, err)
	}
	return requireRow(res, id)
}

// RecordFailure increments the consecutive failure count and disables the
// webhook once it reaches maxFailures. It reports whether this call disabled it.
func (db *DB) RecordFailure(ctx context.Context, id string, at time.Time, reason string, maxFailures int) (bool, error) {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE webhooks SET failure_count = failure_count + 1, last_error = ?, last_triggered_at = ?
		WHERE id = ?`,
		reason, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("recording failure for %s: %w", id, err)
	}
	if err := requireRow(res, id); err != nil {
		return false, err
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE webhooks SET enabled = 0
		WHERE id = ? AND enabled = 1 AND failure_count >= ?`,
		id, maxFailures)
	if err != nil {
		return false, fmt.Errorf("disabling webhook %s: %w", id, err)
	}
	disabled, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing failure for %s: %w", id, err)
	}
	return disabled == 1, nil
}

type deliveryRow struct {
	ID         string `db:"id"`
	WebhookID  string `db:"webhook_id"`
	Event      string `db:"event"`
	Payload    []byte `db:"payload"`
	StatusCode int    `db:"status_code"`
	Success    bool   `db:"success"`
	Error      string `db:"error"`
	DurationMs int64  `db:"duration_ms"`
	Attempt    int    `db:"attempt"`
	CreatedAt  string `db:"created_at"`
}

const deliveryColumns = `id, webhook_id, event, payload, status_code, success, error, duration_ms, attempt, created_at`

func (r deliveryRow) model() models.Delivery {
	return models.Delivery{
		ID:         r.ID,
		WebhookID:  r.WebhookID,
		Event:      r.Event,
		Payload:    json.RawMessage(r.Payload),
		StatusCode: r.StatusCode,
		Success:    r.Success,
		Error:      r.Error,
		DurationMs: r.DurationMs,
		Attempt:    r.Attempt,
		CreatedAt:  parseTime(r.CreatedAt),
	}
}

// AddDelivery logs a delivery attempt and trims the webhook's log to the
// keep most recent entries
func (db *DB) AddDelivery(ctx context.Context, d *models.Delivery, keep int) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (`+deliveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.WebhookID, d.Event, []byte(d.Payload), d.StatusCode, d.Success, d.Error,
		d.DurationMs, d.Attempt, formatTime(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("logging delivery: %w", err)
	}

	if keep > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM webhook_deliveries
			WHERE webhook_id = ? AND seq NOT IN (
				SELECT seq FROM webhook_deliveries WHERE webhook_id = ? ORDER BY seq DESC LIMIT ?
			)`,
			d.WebhookID, d.WebhookID, keep)
		if err != nil {
			return fmt.Errorf("trimming delivery log: %w", err)
		}
	}
	return tx.Commit()
}

// ListDeliveries returns the logged deliveries of a webhook, newest first
func (db *DB) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]models.Delivery, error) {
	query := "SELECT " + deliveryColumns + " FROM webhook_deliveries WHERE webhook_id = ? ORDER BY seq DESC"
	args := []any{webhookID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []deliveryRow
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing deliveries: %w", err)
	}
	out := make([]models.Delivery, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// GetDelivery retrieves a logged delivery by id
func (db *DB) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	var row deliveryRow
	if err := db.conn.GetContext(ctx, &row, "SELECT "+deliveryColumns+" FROM webhook_deliveries WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("getting delivery %s: %w", id, notFound(err))
	}
	d := row.model()
	return &d, nil
}
