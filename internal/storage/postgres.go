// internal/storage/postgres.go
// PostgreSQL implementation of the Store interface. This implementation is
// intended for production use with persistent data storage.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nodeweave/nodeweave-federation-go/internal/model"
)

// postgres provides persistent storage for connections, pairing tokens,
// public identifiers, remote stubs, and the inbox dedup log.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- One row per remote relationship. Full connections cover all public
		-- resources of a hostname; targeted rows are scoped to one resource.
		CREATE TABLE IF NOT EXISTS connected_nodes (
		    id TEXT PRIMARY KEY,
		    hostname TEXT NOT NULL,
		    connection_type TEXT NOT NULL,       -- full | targeted
		    resource_type TEXT NOT NULL DEFAULT '',
		    resource_puid TEXT NOT NULL DEFAULT '',
		    status TEXT NOT NULL,                -- pending | connected | blocked
		    shared_secret TEXT NOT NULL DEFAULT '',
		    origin_node_id TEXT NOT NULL DEFAULT '',
		    auth_failures INTEGER NOT NULL DEFAULT 0,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- At most one full row per hostname; targeted rows unique per scope.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_connected_nodes_full
		    ON connected_nodes(hostname) WHERE connection_type = 'full';
		CREATE UNIQUE INDEX IF NOT EXISTS idx_connected_nodes_targeted
		    ON connected_nodes(hostname, resource_type, resource_puid)
		    WHERE connection_type = 'targeted';
		CREATE INDEX IF NOT EXISTS idx_connected_nodes_resource
		    ON connected_nodes(resource_type, resource_puid);

		-- Single-use pairing credentials. used_at marks consumption so a
		-- second redemption can be told apart from an unknown token.
		CREATE TABLE IF NOT EXISTS pairing_tokens (
		    token TEXT PRIMARY KEY,
		    issuer_id TEXT NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    used_at TIMESTAMP WITH TIME ZONE
		);
		CREATE INDEX IF NOT EXISTS idx_pairing_tokens_expires_at ON pairing_tokens(expires_at);

		-- PUID to internal entity mapping. local_ref never crosses the wire.
		CREATE TABLE IF NOT EXISTS public_ids (
		    puid TEXT PRIMARY KEY,
		    entity_type TEXT NOT NULL,
		    local_ref TEXT NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    UNIQUE(entity_type, local_ref)
		);

		-- Mirrored remote content; remote_updated_at is the LWW guard.
		CREATE TABLE IF NOT EXISTS remote_stubs (
		    puid TEXT PRIMARY KEY,
		    entity_type TEXT NOT NULL,
		    origin_hostname TEXT NOT NULL,
		    payload JSONB NOT NULL,
		    remote_updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_remote_stubs_origin ON remote_stubs(origin_hostname);

		-- Relationships learned through federation, read by the outbox.
		CREATE TABLE IF NOT EXISTS remote_edges (
		    author_puid TEXT NOT NULL,
		    peer_puid TEXT NOT NULL,
		    hostname TEXT NOT NULL,
		    edge_type TEXT NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    PRIMARY KEY (author_puid, peer_puid, edge_type)
		);
		CREATE INDEX IF NOT EXISTS idx_remote_edges_author ON remote_edges(author_puid, edge_type);

		-- Inbox dedup log; the primary key is the atomic dedup gate.
		CREATE TABLE IF NOT EXISTS inbox_log (
		    sender_hostname TEXT NOT NULL,
		    message_id TEXT NOT NULL,
		    applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    PRIMARY KEY (sender_hostname, message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_inbox_log_applied_at ON inbox_log(applied_at);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (p *postgres) Close() {
	p.db.Close()
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const connectedNodeColumns = `id, hostname, connection_type, resource_type, resource_puid,
	status, shared_secret, origin_node_id, auth_failures, created_at, updated_at`

func scanConnectedNode(row pgx.Row) (*model.ConnectedNode, error) {
	var node model.ConnectedNode
	err := row.Scan(
		&node.ID,
		&node.Hostname,
		&node.ConnectionType,
		&node.ResourceType,
		&node.ResourcePUID,
		&node.Status,
		&node.SharedSecret,
		&node.OriginNodeID,
		&node.AuthFailures,
		&node.CreatedAt,
		&node.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan connected node: %w", err)
	}
	return &node, nil
}

func (p *postgres) CreateConnectedNode(ctx context.Context, node model.ConnectedNode) error {
	query := `INSERT INTO connected_nodes (` + connectedNodeColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := p.db.Exec(ctx, query,
		node.ID,
		node.Hostname,
		node.ConnectionType,
		node.ResourceType,
		node.ResourcePUID,
		node.Status,
		node.SharedSecret,
		node.OriginNodeID,
		node.AuthFailures,
		node.CreatedAt,
		node.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create connected node: %w", err)
	}
	return nil
}

func (p *postgres) UpdateConnectedNode(ctx context.Context, node model.ConnectedNode) error {
	query := `UPDATE connected_nodes
	          SET status = $1, shared_secret = $2, origin_node_id = $3, auth_failures = $4, updated_at = NOW()
	          WHERE id = $5`

	result, err := p.db.Exec(ctx, query,
		node.Status,
		node.SharedSecret,
		node.OriginNodeID,
		node.AuthFailures,
		node.ID)
	if err != nil {
		return fmt.Errorf("failed to update connected node: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) GetFullConnection(ctx context.Context, hostname string) (*model.ConnectedNode, error) {
	query := `SELECT ` + connectedNodeColumns + ` FROM connected_nodes
	          WHERE hostname = $1 AND connection_type = 'full'`
	return scanConnectedNode(p.db.QueryRow(ctx, query, hostname))
}

func (p *postgres) GetTargetedConnection(ctx context.Context, hostname string, ref model.ResourceRef) (*model.ConnectedNode, error) {
	query := `SELECT ` + connectedNodeColumns + ` FROM connected_nodes
	          WHERE hostname = $1 AND connection_type = 'targeted'
	            AND resource_type = $2 AND resource_puid = $3`
	return scanConnectedNode(p.db.QueryRow(ctx, query, hostname, ref.Type, ref.PUID))
}

func (p *postgres) ListConnectionsByHostname(ctx context.Context, hostname string) ([]model.ConnectedNode, error) {
	query := `SELECT ` + connectedNodeColumns + ` FROM connected_nodes WHERE hostname = $1`
	rows, err := p.db.Query(ctx, query, hostname)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var nodes []model.ConnectedNode
	for rows.Next() {
		node, err := scanConnectedNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *node)
	}
	return nodes, rows.Err()
}

func (p *postgres) ListConnectedFullHostnames(ctx context.Context) ([]string, error) {
	query := `SELECT hostname FROM connected_nodes
	          WHERE connection_type = 'full' AND status = 'connected'`
	return p.queryHostnames(ctx, query)
}

func (p *postgres) ListSubscriberHostnames(ctx context.Context, ref model.ResourceRef) ([]string, error) {
	query := `SELECT DISTINCT hostname FROM connected_nodes
	          WHERE connection_type = 'targeted' AND status = 'connected'
	            AND resource_type = $1 AND resource_puid = $2`
	return p.queryHostnames(ctx, query, ref.Type, ref.PUID)
}

func (p *postgres) queryHostnames(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list hostnames: %w", err)
	}
	defer rows.Close()

	var hostnames []string
	for rows.Next() {
		var hostname string
		if err := rows.Scan(&hostname); err != nil {
			return nil, fmt.Errorf("failed to scan hostname: %w", err)
		}
		hostnames = append(hostnames, hostname)
	}
	return hostnames, rows.Err()
}

func (p *postgres) SetHostnameStatus(ctx context.Context, hostname string, status model.NodeStatus) error {
	query := `UPDATE connected_nodes SET status = $1, updated_at = NOW() WHERE hostname = $2`
	result, err := p.db.Exec(ctx, query, status, hostname)
	if err != nil {
		return fmt.Errorf("failed to set hostname status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) IncrementAuthFailures(ctx context.Context, hostname string) error {
	query := `UPDATE connected_nodes SET auth_failures = auth_failures + 1, updated_at = NOW()
	          WHERE hostname = $1`
	result, err := p.db.Exec(ctx, query, hostname)
	if err != nil {
		return fmt.Errorf("failed to increment auth failures: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) ResetAuthFailures(ctx context.Context, hostname string) error {
	query := `UPDATE connected_nodes SET auth_failures = 0 WHERE hostname = $1`
	_, err := p.db.Exec(ctx, query, hostname)
	if err != nil {
		return fmt.Errorf("failed to reset auth failures: %w", err)
	}
	return nil
}

func (p *postgres) CreatePairingToken(ctx context.Context, token model.PairingToken) error {
	query := `INSERT INTO pairing_tokens (token, issuer_id, created_at, expires_at)
	          VALUES ($1, $2, $3, $4)`
	_, err := p.db.Exec(ctx, query, token.Token, token.IssuerID, token.CreatedAt, token.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create pairing token: %w", err)
	}
	return nil
}

// RedeemPairingToken marks a token used inside a transaction with a row lock,
// so two concurrent redemptions of the same token cannot both succeed.
func (p *postgres) RedeemPairingToken(ctx context.Context, token string, now time.Time) (*model.PairingToken, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var tok model.PairingToken
	query := `SELECT token, issuer_id, created_at, expires_at, used_at
	          FROM pairing_tokens WHERE token = $1 FOR UPDATE`
	err = tx.QueryRow(ctx, query, token).Scan(&tok.Token, &tok.IssuerID, &tok.CreatedAt, &tok.ExpiresAt, &tok.UsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get pairing token: %w", err)
	}

	if tok.UsedAt != nil {
		return nil, ErrTokenUsed
	}
	if now.After(tok.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	if _, err := tx.Exec(ctx, `UPDATE pairing_tokens SET used_at = $1 WHERE token = $2`, now, token); err != nil {
		return nil, fmt.Errorf("failed to mark pairing token used: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit token redemption: %w", err)
	}

	usedAt := now
	tok.UsedAt = &usedAt
	return &tok, nil
}

func (p *postgres) PurgeExpiredTokens(ctx context.Context, now time.Time) error {
	query := `DELETE FROM pairing_tokens WHERE expires_at < $1 OR used_at IS NOT NULL`
	_, err := p.db.Exec(ctx, query, now)
	if err != nil {
		return fmt.Errorf("failed to purge expired tokens: %w", err)
	}
	return nil
}

func (p *postgres) CreatePublicID(ctx context.Context, pid model.PublicID) error {
	query := `INSERT INTO public_ids (puid, entity_type, local_ref, created_at)
	          VALUES ($1, $2, $3, $4)`
	_, err := p.db.Exec(ctx, query, pid.PUID, pid.EntityType, pid.LocalRef, pid.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create public id: %w", err)
	}
	return nil
}

func (p *postgres) GetPublicID(ctx context.Context, puid string) (*model.PublicID, error) {
	query := `SELECT puid, entity_type, local_ref, created_at FROM public_ids WHERE puid = $1`
	var pid model.PublicID
	err := p.db.QueryRow(ctx, query, puid).Scan(&pid.PUID, &pid.EntityType, &pid.LocalRef, &pid.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get public id: %w", err)
	}
	return &pid, nil
}

func (p *postgres) GetPublicIDByRef(ctx context.Context, entityType model.EntityType, localRef string) (*model.PublicID, error) {
	query := `SELECT puid, entity_type, local_ref, created_at FROM public_ids
	          WHERE entity_type = $1 AND local_ref = $2`
	var pid model.PublicID
	err := p.db.QueryRow(ctx, query, entityType, localRef).Scan(&pid.PUID, &pid.EntityType, &pid.LocalRef, &pid.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get public id by ref: %w", err)
	}
	return &pid, nil
}

// UpsertRemoteStub writes a stub unless the stored copy carries a newer
// sender timestamp. The WHERE clause on the conflict update makes the
// last-writer-wins decision inside the database.
func (p *postgres) UpsertRemoteStub(ctx context.Context, stub model.RemoteStub) (bool, error) {
	payloadJSON, err := json.Marshal(stub.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal stub payload: %w", err)
	}

	query := `INSERT INTO remote_stubs (puid, entity_type, origin_hostname, payload, remote_updated_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, NOW())
	          ON CONFLICT (puid) DO UPDATE
	          SET entity_type = $2, origin_hostname = $3, payload = $4, remote_updated_at = $5, updated_at = NOW()
	          WHERE remote_stubs.remote_updated_at <= $5`

	result, err := p.db.Exec(ctx, query,
		stub.PUID,
		stub.EntityType,
		stub.OriginHostname,
		payloadJSON,
		stub.RemoteUpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to upsert remote stub: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

func (p *postgres) GetRemoteStub(ctx context.Context, puid string) (*model.RemoteStub, error) {
	query := `SELECT puid, entity_type, origin_hostname, payload, remote_updated_at, updated_at
	          FROM remote_stubs WHERE puid = $1`

	var stub model.RemoteStub
	var payloadJSON []byte
	err := p.db.QueryRow(ctx, query, puid).Scan(
		&stub.PUID,
		&stub.EntityType,
		&stub.OriginHostname,
		&payloadJSON,
		&stub.RemoteUpdatedAt,
		&stub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get remote stub: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &stub.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stub payload: %w", err)
	}
	return &stub, nil
}

func (p *postgres) CreateRemoteEdge(ctx context.Context, edge model.RemoteEdge) error {
	query := `INSERT INTO remote_edges (author_puid, peer_puid, hostname, edge_type, created_at)
	          VALUES ($1, $2, $3, $4, $5)
	          ON CONFLICT (author_puid, peer_puid, edge_type) DO NOTHING`
	_, err := p.db.Exec(ctx, query, edge.AuthorPUID, edge.PeerPUID, edge.Hostname, edge.EdgeType, edge.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create remote edge: %w", err)
	}
	return nil
}

func (p *postgres) ListEdgeHostnames(ctx context.Context, authorPUID, edgeType string) ([]string, error) {
	query := `SELECT DISTINCT hostname FROM remote_edges
	          WHERE author_puid = $1 AND edge_type = $2`
	return p.queryHostnames(ctx, query, authorPUID, edgeType)
}

// MarkApplied claims (sender, messageID) with a single insert; the primary
// key guarantees exactly one caller wins even under concurrent redelivery.
func (p *postgres) MarkApplied(ctx context.Context, senderHostname, messageID string) (bool, error) {
	query := `INSERT INTO inbox_log (sender_hostname, message_id, applied_at)
	          VALUES ($1, $2, NOW())
	          ON CONFLICT (sender_hostname, message_id) DO NOTHING`
	result, err := p.db.Exec(ctx, query, senderHostname, messageID)
	if err != nil {
		return false, fmt.Errorf("failed to mark message applied: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

func (p *postgres) DeleteApplied(ctx context.Context, senderHostname, messageID string) error {
	query := `DELETE FROM inbox_log WHERE sender_hostname = $1 AND message_id = $2`
	_, err := p.db.Exec(ctx, query, senderHostname, messageID)
	if err != nil {
		return fmt.Errorf("failed to delete applied message: %w", err)
	}
	return nil
}

// PruneApplied uses the applied_at index so the sweep stays cheap even on a
// busy log.
func (p *postgres) PruneApplied(ctx context.Context, before time.Time) error {
	query := `DELETE FROM inbox_log WHERE applied_at < $1`
	_, err := p.db.Exec(ctx, query, before)
	if err != nil {
		return fmt.Errorf("failed to prune inbox log: %w", err)
	}
	return nil
}
