package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tezit/pkg/types"
)

// GetServer returns the registry row for host, or (nil, nil) when unknown.
func (s *Store) GetServer(ctx context.Context, host string) (*types.FederatedServer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT host, server_id, public_key, trust_level, protocol_version,
		       COALESCE(display_name, ''), COALESCE(metadata_json, ''),
		       first_seen_at, last_seen_at
		FROM federated_servers WHERE host = ?`, host)
	return scanServer(row)
}

// RegisterServer inserts a new registry row. Fails if the host exists.
func (s *Store) RegisterServer(ctx context.Context, fs *types.FederatedServer) error {
	meta, err := json.Marshal(fs.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	now := time.Now()
	if fs.FirstSeenAt.IsZero() {
		fs.FirstSeenAt = now
	}
	if fs.LastSeenAt.IsZero() {
		fs.LastSeenAt = now
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO federated_servers
		  (host, server_id, public_key, trust_level, protocol_version,
		   display_name, metadata_json, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fs.Host, fs.ServerID, fs.PublicKey, string(fs.TrustLevel), fs.ProtocolVersion,
		fs.DisplayName, string(meta), toUnix(fs.FirstSeenAt), toUnix(fs.LastSeenAt))
	if err != nil {
		return fmt.Errorf("register server %s: %w", fs.Host, err)
	}
	return nil
}

// RefreshServer updates identity fields for a known host without touching
// its trust level. Peer key rotation is accepted opportunistically here.
func (s *Store) RefreshServer(ctx context.Context, fs *types.FederatedServer) error {
	meta, err := json.Marshal(fs.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE federated_servers
		SET server_id = ?, public_key = ?, protocol_version = ?,
		    display_name = ?, metadata_json = ?, last_seen_at = ?
		WHERE host = ?`,
		fs.ServerID, fs.PublicKey, fs.ProtocolVersion,
		fs.DisplayName, string(meta), toUnix(time.Now()), fs.Host)
	if err != nil {
		return fmt.Errorf("refresh server %s: %w", fs.Host, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTrustLevel sets the trust level for host.
func (s *Store) UpdateTrustLevel(ctx context.Context, host string, level types.TrustLevel) error {
	if !level.Valid() {
		return fmt.Errorf("invalid trust level %q", level)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE federated_servers SET trust_level = ? WHERE host = ?`,
		string(level), host)
	if err != nil {
		return fmt.Errorf("update trust level for %s: %w", host, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchServer updates last_seen_at for host.
func (s *Store) TouchServer(ctx context.Context, host string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE federated_servers SET last_seen_at = ? WHERE host = ?`,
		toUnix(at), host)
	if err != nil {
		return fmt.Errorf("touch server %s: %w", host, err)
	}
	return nil
}

// DeleteServer removes the registry row for host entirely; subsequent
// inbound traffic from that host is treated as fully unknown.
func (s *Store) DeleteServer(ctx context.Context, host string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM federated_servers WHERE host = ?`, host)
	if err != nil {
		return fmt.Errorf("delete server %s: %w", host, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListServers returns every known server ordered by host.
func (s *Store) ListServers(ctx context.Context) ([]*types.FederatedServer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT host, server_id, public_key, trust_level, protocol_version,
		       COALESCE(display_name, ''), COALESCE(metadata_json, ''),
		       first_seen_at, last_seen_at
		FROM federated_servers ORDER BY host`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var servers []*types.FederatedServer
	for rows.Next() {
		fs, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, fs)
	}
	return servers, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanServer(row rowScanner) (*types.FederatedServer, error) {
	var fs types.FederatedServer
	var level, meta string
	var firstSeen, lastSeen float64
	err := row.Scan(&fs.Host, &fs.ServerID, &fs.PublicKey, &level, &fs.ProtocolVersion,
		&fs.DisplayName, &meta, &firstSeen, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan server: %w", err)
	}
	fs.TrustLevel = types.TrustLevel(level)
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &fs.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", fs.Host, err)
		}
	}
	fs.FirstSeenAt = fromUnix(firstSeen)
	fs.LastSeenAt = fromUnix(lastSeen)
	return &fs, nil
}
