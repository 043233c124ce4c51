// Package trust manages the set of remote nodes this node talks to:
// pairing token issuance and redemption, shared secret derivation, sender
// lookup for inbound verification, and blocking.
package trust

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nodeweave/nodeweave-federation-go/internal/model"
	"github.com/nodeweave/nodeweave-federation-go/internal/storage"
)

// TokenTTL is how long an issued pairing token stays redeemable.
const TokenTTL = 24 * time.Hour

// Errors surfaced by trust operations.
var (
	ErrUnknownSender = errors.New("sender not connected")
	ErrBlocked       = errors.New("sender is blocked")
	ErrSelfPairing   = errors.New("peer reports this node's own identifier")
)

// Manager owns the connection rows and pairing tokens of the local node.
type Manager struct {
	store    storage.Store
	hostname string
	nodeID   string
	logger   *slog.Logger
}

// NewManager creates a trust manager for a node identified by hostname and nodeID.
func NewManager(store storage.Store, hostname, nodeID string, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		hostname: hostname,
		nodeID:   nodeID,
		logger:   logger,
	}
}

// DeriveSecret computes the shared secret both nodes derive after a
// successful redemption: HMAC-SHA256 keyed by the pairing token over the
// sorted hostname pair. Sorting makes the derivation symmetric, so neither
// side has to transmit the secret itself beyond the pairing response.
func DeriveSecret(token, hostnameA, hostnameB string) string {
	pair := []string{hostnameA, hostnameB}
	sort.Strings(pair)

	mac := hmac.New(sha256.New, []byte(token))
	mac.Write([]byte(pair[0]))
	mac.Write([]byte("|"))
	mac.Write([]byte(pair[1]))
	return hex.EncodeToString(mac.Sum(nil))
}

// IssueToken creates a single-use pairing token valid for 24 hours.
// Expired and consumed tokens are purged opportunistically on issuance.
func (m *Manager) IssueToken(ctx context.Context, issuerID string) (*model.PairingToken, error) {
	if err := m.store.PurgeExpiredTokens(ctx, time.Now().UTC()); err != nil {
		m.logger.Warn("failed to purge expired pairing tokens", "error", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate pairing token: %w", err)
	}

	now := time.Now().UTC()
	token := model.PairingToken{
		Token:     hex.EncodeToString(raw),
		IssuerID:  issuerID,
		CreatedAt: now,
		ExpiresAt: now.Add(TokenTTL),
	}
	if err := m.store.CreatePairingToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to store pairing token: %w", err)
	}
	return &token, nil
}

// Redeem consumes a pairing token presented by a remote node and records
// the new connection. Token state errors pass through unchanged so the
// caller can distinguish expired, already-used, and unknown tokens.
func (m *Manager) Redeem(ctx context.Context, req model.PairRequest) (*model.PairResponse, error) {
	if req.Token == "" || req.Hostname == "" || req.NodeID == "" {
		return nil, fmt.Errorf("token, hostname, and nodeId are required")
	}
	if req.NodeID == m.nodeID {
		return nil, ErrSelfPairing
	}

	tok, err := m.store.RedeemPairingToken(ctx, req.Token, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	secret := DeriveSecret(tok.Token, m.hostname, req.Hostname)
	now := time.Now().UTC()
	node := model.ConnectedNode{
		ID:             uuid.NewString(),
		Hostname:       req.Hostname,
		ConnectionType: model.ConnectionFull,
		Status:         model.StatusConnected,
		SharedSecret:   secret,
		OriginNodeID:   req.NodeID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateConnectedNode(ctx, node); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Re-pairing an existing hostname rotates its secret.
			existing, getErr := m.store.GetFullConnection(ctx, req.Hostname)
			if getErr != nil {
				return nil, fmt.Errorf("failed to load existing connection: %w", getErr)
			}
			existing.SharedSecret = secret
			existing.OriginNodeID = req.NodeID
			existing.Status = model.StatusConnected
			existing.AuthFailures = 0
			if updErr := m.store.UpdateConnectedNode(ctx, *existing); updErr != nil {
				return nil, fmt.Errorf("failed to rotate connection secret: %w", updErr)
			}
		} else {
			return nil, fmt.Errorf("failed to store connection: %w", err)
		}
	}

	m.logger.Info("pairing token redeemed", "hostname", req.Hostname, "nodeId", req.NodeID)
	return &model.PairResponse{
		SharedSecret: secret,
		Hostname:     m.hostname,
		NodeID:       m.nodeID,
	}, nil
}

// StoreConnection records a connection established by redeeming a token at
// a remote node (the initiating side of pairing).
func (m *Manager) StoreConnection(ctx context.Context, peerHostname, peerNodeID, secret string) error {
	if peerNodeID == m.nodeID {
		return ErrSelfPairing
	}

	now := time.Now().UTC()
	node := model.ConnectedNode{
		ID:             uuid.NewString(),
		Hostname:       peerHostname,
		ConnectionType: model.ConnectionFull,
		Status:         model.StatusConnected,
		SharedSecret:   secret,
		OriginNodeID:   peerNodeID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := m.store.CreateConnectedNode(ctx, node)
	if errors.Is(err, storage.ErrConflict) {
		existing, getErr := m.store.GetFullConnection(ctx, peerHostname)
		if getErr != nil {
			return fmt.Errorf("failed to load existing connection: %w", getErr)
		}
		existing.SharedSecret = secret
		existing.OriginNodeID = peerNodeID
		existing.Status = model.StatusConnected
		existing.AuthFailures = 0
		return m.store.UpdateConnectedNode(ctx, *existing)
	}
	return err
}

// Lookup finds the connection governing traffic from a hostname. A full
// connection wins over any targeted rows; a targeted row matching the
// declared resource is preferred over the hostname's other targeted rows.
func (m *Manager) Lookup(ctx context.Context, hostname string, ref *model.ResourceRef) (*model.ConnectedNode, error) {
	full, err := m.store.GetFullConnection(ctx, hostname)
	if err == nil {
		if full.Status == model.StatusBlocked {
			return nil, ErrBlocked
		}
		if full.Status == model.StatusConnected {
			return full, nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up connection: %w", err)
	}

	if ref != nil {
		targeted, err := m.store.GetTargetedConnection(ctx, hostname, *ref)
		if err == nil {
			if targeted.Status == model.StatusBlocked {
				return nil, ErrBlocked
			}
			if targeted.Status == model.StatusConnected {
				return targeted, nil
			}
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up targeted connection: %w", err)
		}
	}

	// No exact match. Any connected targeted row still identifies the sender
	// and holds its signing secret; returning it lets the scope check reject
	// an out-of-scope write with the precise reason instead of treating a
	// known subscriber as a stranger.
	rows, err := m.store.ListConnectionsByHostname(ctx, hostname)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	for i := range rows {
		if rows[i].Status == model.StatusBlocked {
			return nil, ErrBlocked
		}
	}
	for i := range rows {
		if rows[i].ConnectionType == model.ConnectionTargeted && rows[i].Status == model.StatusConnected {
			return &rows[i], nil
		}
	}
	return nil, ErrUnknownSender
}

// Block marks every connection row for a hostname blocked. Inbound traffic
// is rejected and outbound target resolution skips the hostname from the
// next message on.
func (m *Manager) Block(ctx context.Context, hostname string) error {
	err := m.store.SetHostnameStatus(ctx, hostname, model.StatusBlocked)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to block hostname: %w", err)
	}
	m.logger.Info("hostname blocked", "hostname", hostname)
	return nil
}

// RecordAuthFailure bumps the failure counter for a hostname after a
// signature, staleness, or replay rejection.
func (m *Manager) RecordAuthFailure(ctx context.Context, hostname string) {
	if err := m.store.IncrementAuthFailures(ctx, hostname); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("failed to record auth failure", "hostname", hostname, "error", err)
	}
}

// RecordAuthSuccess clears the failure counter after a verified message.
func (m *Manager) RecordAuthSuccess(ctx context.Context, hostname string) {
	if err := m.store.ResetAuthFailures(ctx, hostname); err != nil {
		m.logger.Warn("failed to reset auth failures", "hostname", hostname, "error", err)
	}
}

// Status reports a hostname's standing for rendering and policy decisions.
func (m *Manager) Status(ctx context.Context, hostname string) (*model.TrustStatus, error) {
	nodes, err := m.store.ListConnectionsByHostname(ctx, hostname)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	status := &model.TrustStatus{Hostname: hostname}
	for _, node := range nodes {
		switch node.Status {
		case model.StatusBlocked:
			status.Blocked = true
		case model.StatusConnected:
			status.Connected = true
		}
		if node.AuthFailures > status.AuthFailures {
			status.AuthFailures = node.AuthFailures
		}
	}
	if status.Blocked {
		// A blocked hostname is never reported connected.
		status.Connected = false
	}
	return status, nil
}
