// Package resolver decides what kind of connection a resource needs.
// A node that discovers a remote group or event transitively gets a
// lightweight targeted subscription; an admin-paired node gets a full
// connection. Upgrading from targeted to full is strictly additive.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nodeweave/nodeweave-federation-go/internal/model"
	"github.com/nodeweave/nodeweave-federation-go/internal/storage"
)

// Resolver manages targeted subscriptions and their promotion to full
// connections.
type Resolver struct {
	store  storage.Store
	logger *slog.Logger
}

// New creates a resolver backed by the given store.
func New(store storage.Store, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// EnsureAccess makes sure some connection row covers (hostname, resource).
// A full connection already covers every resource on the hostname. Otherwise
// a targeted row is created, carrying the shared secret negotiated for that
// resource (empty while the handshake is pending).
func (r *Resolver) EnsureAccess(ctx context.Context, resourceType model.EntityType, resourcePUID, hostname, sharedSecret string) (*model.ConnectedNode, error) {
	full, err := r.store.GetFullConnection(ctx, hostname)
	if err == nil {
		if full.Status == model.StatusBlocked {
			return nil, fmt.Errorf("hostname %s is blocked", hostname)
		}
		return full, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up full connection: %w", err)
	}

	ref := model.ResourceRef{Type: resourceType, PUID: resourcePUID}
	existing, err := r.store.GetTargetedConnection(ctx, hostname, ref)
	if err == nil {
		if existing.Status == model.StatusBlocked {
			return nil, fmt.Errorf("hostname %s is blocked", hostname)
		}
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up targeted connection: %w", err)
	}

	status := model.StatusPending
	if sharedSecret != "" {
		status = model.StatusConnected
	}
	now := time.Now().UTC()
	node := model.ConnectedNode{
		ID:             uuid.NewString(),
		Hostname:       hostname,
		ConnectionType: model.ConnectionTargeted,
		ResourceType:   resourceType,
		ResourcePUID:   resourcePUID,
		Status:         status,
		SharedSecret:   sharedSecret,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.CreateConnectedNode(ctx, node); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Lost a race with a concurrent EnsureAccess for the same scope.
			return r.store.GetTargetedConnection(ctx, hostname, ref)
		}
		return nil, fmt.Errorf("failed to create targeted connection: %w", err)
	}

	r.logger.Info("targeted subscription created",
		"hostname", hostname,
		"resourceType", resourceType,
		"resourcePuid", resourcePUID,
		"status", status)
	return &node, nil
}

// Upgrade promotes a hostname's access after an admin pairs with it fully.
// Existing targeted rows adopt the full connection's secret and become
// connected; none are removed, so access never regresses.
func (r *Resolver) Upgrade(ctx context.Context, hostname string) error {
	full, err := r.store.GetFullConnection(ctx, hostname)
	if err != nil {
		return fmt.Errorf("no full connection to upgrade to: %w", err)
	}
	if full.Status != model.StatusConnected {
		return fmt.Errorf("full connection for %s is %s, not connected", hostname, full.Status)
	}

	nodes, err := r.store.ListConnectionsByHostname(ctx, hostname)
	if err != nil {
		return fmt.Errorf("failed to list connections: %w", err)
	}
	for _, node := range nodes {
		if node.ConnectionType != model.ConnectionTargeted {
			continue
		}
		if node.Status == model.StatusConnected && node.SharedSecret == full.SharedSecret {
			continue
		}
		node.Status = model.StatusConnected
		node.SharedSecret = full.SharedSecret
		if err := r.store.UpdateConnectedNode(ctx, node); err != nil {
			return fmt.Errorf("failed to upgrade targeted row: %w", err)
		}
	}

	r.logger.Info("targeted subscriptions upgraded", "hostname", hostname)
	return nil
}
