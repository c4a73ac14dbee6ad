package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tezit/pkg/types"
)

// CreateUser inserts a local user.
func (s *Store) CreateUser(ctx context.Context, u *types.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, display_name) VALUES (?, ?, ?)`,
		u.ID, u.Username, u.DisplayName)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.Username, err)
	}
	return nil
}

// GetUserByUsername returns the user with the given username, or ErrNotFound.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	var u types.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, COALESCE(display_name, '') FROM users WHERE username = ?`,
		username).Scan(&u.ID, &u.Username, &u.DisplayName)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", username, err)
	}
	return &u, nil
}

// CreateTez inserts a locally authored tez with its context items.
func (s *Store) CreateTez(ctx context.Context, tez *types.Tez, items []types.ContextItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertTez(ctx, tx, tez, items); err != nil {
		return err
	}
	return tx.Commit()
}

// InboundDelivery is everything the inbox pipeline materializes atomically.
type InboundDelivery struct {
	Tez         *types.Tez
	Context     []types.ContextItem
	Recipients  []types.Recipient
	RemoteTezID string
	RemoteHost  string
	BundleHash  string
}

// MaterializeInbound creates the local tez, its context and recipient rows,
// and the inbound federation link in one transaction. The federated_tez
// insert goes first: losing the bundle-hash race yields ErrDuplicateBundle
// with no other side effect.
func (s *Store) MaterializeInbound(ctx context.Context, d *InboundDelivery) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO federated_tez
		  (id, local_tez_id, remote_tez_id, remote_host, direction, bundle_hash, federated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), d.Tez.ID, d.RemoteTezID, d.RemoteHost,
		string(types.DirectionInbound), d.BundleHash, toUnix(time.Now()))
	if err != nil {
		return fmt.Errorf("record federation link: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateBundle
	}

	if err := insertTez(ctx, tx, d.Tez, d.Context); err != nil {
		return err
	}
	for _, r := range d.Recipients {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tez_recipients (tez_id, user_id, address, delivered_at)
			VALUES (?, ?, ?, ?)`,
			d.Tez.ID, r.UserID, r.Address, toUnix(time.Now()))
		if err != nil {
			return fmt.Errorf("insert recipient %s: %w", r.Address, err)
		}
	}
	return tx.Commit()
}

// HasBundle reports whether a bundle hash has already been recorded.
func (s *Store) HasBundle(ctx context.Context, bundleHash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM federated_tez WHERE bundle_hash = ?`, bundleHash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check bundle hash: %w", err)
	}
	return true, nil
}

// RecordOutboundLink records the federation link for a delivered bundle.
// Duplicate hashes are ignored: the same payload sent to a second host is
// still one logical federated tez.
func (s *Store) RecordOutboundLink(ctx context.Context, localTezID, remoteHost, bundleHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO federated_tez
		  (id, local_tez_id, remote_tez_id, remote_host, direction, bundle_hash, federated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), localTezID, "", remoteHost,
		string(types.DirectionOutbound), bundleHash, toUnix(time.Now()))
	if err != nil {
		return fmt.Errorf("record outbound link: %w", err)
	}
	return nil
}

// GetTez returns a tez with its context items.
func (s *Store) GetTez(ctx context.Context, id string) (*types.Tez, []types.ContextItem, error) {
	var t types.Tez
	var created float64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, from_address, surface_text, created_at FROM tez WHERE id = ?`, id).
		Scan(&t.ID, &t.FromAddress, &t.SurfaceText, &created)
	if err == sql.ErrNoRows {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get tez %s: %w", id, err)
	}
	t.CreatedAt = fromUnix(created)

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, content, position FROM tez_context WHERE tez_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("get context for %s: %w", id, err)
	}
	defer rows.Close()

	var items []types.ContextItem
	for rows.Next() {
		var it types.ContextItem
		if err := rows.Scan(&it.Kind, &it.Content, &it.Position); err != nil {
			return nil, nil, fmt.Errorf("scan context item: %w", err)
		}
		items = append(items, it)
	}
	return &t, items, rows.Err()
}

// CountTez returns the number of tez rows; used by tests and status output.
func (s *Store) CountTez(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tez`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tez: %w", err)
	}
	return n, nil
}

// CreateOutboxEntry persists one pending delivery record.
func (s *Store) CreateOutboxEntry(ctx context.Context, e *types.OutboxEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = types.OutboxPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (id, tez_id, target_host, bundle_json, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TezID, e.TargetHost, e.Bundle, string(e.Status), e.LastError,
		toUnix(e.CreatedAt), toUnix(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create outbox entry for %s: %w", e.TargetHost, err)
	}
	return nil
}

// UpdateOutboxStatus marks an outbox entry delivered or failed.
func (s *Store) UpdateOutboxStatus(ctx context.Context, id string, status types.OutboxStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, toUnix(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update outbox %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOutboxByStatus returns outbox entries with the given status.
func (s *Store) ListOutboxByStatus(ctx context.Context, status types.OutboxStatus) ([]*types.OutboxEntry, error) {
	return s.listOutbox(ctx, `WHERE status = ?`, string(status))
}

// ListOutboxForTez returns every outbox entry created for one tez.
func (s *Store) ListOutboxForTez(ctx context.Context, tezID string) ([]*types.OutboxEntry, error) {
	return s.listOutbox(ctx, `WHERE tez_id = ?`, tezID)
}

func (s *Store) listOutbox(ctx context.Context, where string, arg interface{}) ([]*types.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tez_id, target_host, bundle_json, status, COALESCE(last_error, ''), created_at, updated_at
		FROM outbox `+where+` ORDER BY created_at`, arg)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	var entries []*types.OutboxEntry
	for rows.Next() {
		var e types.OutboxEntry
		var status string
		var created, updated float64
		if err := rows.Scan(&e.ID, &e.TezID, &e.TargetHost, &e.Bundle, &status, &e.LastError, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		e.Status = types.OutboxStatus(status)
		e.CreatedAt = fromUnix(created)
		e.UpdatedAt = fromUnix(updated)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func insertTez(ctx context.Context, tx *sql.Tx, tez *types.Tez, items []types.ContextItem) error {
	if tez.ID == "" {
		tez.ID = uuid.NewString()
	}
	if tez.CreatedAt.IsZero() {
		tez.CreatedAt = time.Now()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tez (id, from_address, surface_text, created_at) VALUES (?, ?, ?, ?)`,
		tez.ID, tez.FromAddress, tez.SurfaceText, toUnix(tez.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert tez: %w", err)
	}
	for i, it := range items {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tez_context (tez_id, position, kind, content) VALUES (?, ?, ?, ?)`,
			tez.ID, i, it.Kind, it.Content)
		if err != nil {
			return fmt.Errorf("insert context item %d: %w", i, err)
		}
	}
	return nil
}
