package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c.mueller/pm-connect/internal/models"
)

const integrationColumns = `doc, tasks_sent, tasks_completed, avg_response_time_mins`

// integrationRow reads the document plus the counter columns, which are the
// source of truth for stats
type integrationRow struct {
	Doc string `db:"doc"`
	models.Stats
}

func (r integrationRow) decode() (*models.Integration, error) {
	var in models.Integration
	if err := json.Unmarshal([]byte(r.Doc), &in); err != nil {
		return nil, fmt.Errorf("decoding integration: %w", err)
	}
	in.Stats = r.Stats
	return &in, nil
}

// CreateIntegration inserts a new integration
func (db *DB) CreateIntegration(ctx context.Context, in *models.Integration) error {
	doc, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding integration: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO integrations (
			id, connect_id, owner_chat_id, company_id, is_active, doc,
			tasks_sent, tasks_completed, avg_response_time_mins, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.ConnectID, in.OwnerChatID, in.CompanyID, in.IsActive, string(doc),
		in.Stats.TasksSent, in.Stats.TasksCompleted, in.Stats.AvgResponseTimeMins,
		formatTime(in.CreatedAt), formatTime(in.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("creating integration: %w", err)
	}
	return nil
}

// GetIntegration retrieves an integration by id
func (db *DB) GetIntegration(ctx context.Context, id string) (*models.Integration, error) {
	var row integrationRow
	err := db.conn.GetContext(ctx, &row, "SELECT "+integrationColumns+" FROM integrations WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("getting integration %s: %w", id, notFound(err))
	}
	return row.decode()
}

// GetIntegrationByConnectID retrieves an integration by its public connect id
func (db *DB) GetIntegrationByConnectID(ctx context.Context, connectID string) (*models.Integration, error) {
	var row integrationRow
	err := db.conn.GetContext(ctx, &row, "SELECT "+integrationColumns+" FROM integrations WHERE connect_id = ?", connectID)
	if err != nil {
		return nil, fmt.Errorf("getting integration by connect id: %w", notFound(err))
	}
	return row.decode()
}

// ListIntegrations returns the integrations of an owner, newest first. An
// empty owner lists every integration.
func (db *DB) ListIntegrations(ctx context.Context, ownerChatID string) ([]models.Integration, error) {
	query := "SELECT " + integrationColumns + " FROM integrations"
	var args []any
	if ownerChatID != "" {
		query += " WHERE owner_chat_id = ?"
		args = append(args, ownerChatID)
	}
	query += " ORDER BY created_at DESC"

	var rows []integrationRow
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing integrations: %w", err)
	}

	out := make([]models.Integration, 0, len(rows))
	for _, r := range rows {
		in, err := r.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	return out, nil
}

// UpdateIntegration applies fn to the stored integration inside one
// transaction. Stats are not written here; see IncrementTasksSent and
// RecordCompletion.
func (db *DB) UpdateIntegration(ctx context.Context, id string, fn func(*models.Integration) error) (*models.Integration, error) {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var row integrationRow
	if err := tx.GetContext(ctx, &row, "SELECT "+integrationColumns+" FROM integrations WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("getting integration %s: %w", id, notFound(err))
	}
	in, err := row.decode()
	if err != nil {
		return nil, err
	}

	if err := fn(in); err != nil {
		return nil, err
	}
	in.ID = id
	in.Stats = row.Stats

	doc, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encoding integration: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE integrations SET
			connect_id = ?, owner_chat_id = ?, company_id = ?, is_active = ?, doc = ?, updated_at = ?
		WHERE id = ?`,
		in.ConnectID, in.OwnerChatID, in.CompanyID, in.IsActive, string(doc), formatTime(in.UpdatedAt),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating integration %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing integration %s: %w", id, err)
	}
	return in, nil
}

// IncrementTasksSent atomically bumps the sent counter
func (db *DB) IncrementTasksSent(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE integrations SET tasks_sent = tasks_sent + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("incrementing tasks_sent for %s: %w", id, err)
	}
	return requireRow(res, id)
}

// RecordCompletion atomically bumps the completed counter and folds
// responseMins into the running mean. SET expressions read the old row, so
// the mean uses the pre-increment count.
func (db *DB) RecordCompletion(ctx context.Context, id string, responseMins float64) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE integrations SET
			avg_response_time_mins = (avg_response_time_mins * tasks_completed + ?) / (tasks_completed + 1),
			tasks_completed = tasks_completed + 1
		WHERE id = ?`,
		responseMins, id,
	)
	if err != nil {
		return fmt.Errorf("recording completion for %s: %w", id, err)
	}
	return requireRow(res, id)
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

func requireRow(res rowsAffecter, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, models.ErrNotFound)
	}
	return nil
}
