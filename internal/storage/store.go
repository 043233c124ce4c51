// internal/storage/store.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends. It owns the four
// tables private to the federation subsystem: connected nodes, pairing
// tokens, public identifiers, and the inbox dedup log (plus the remote
// stubs and edges mirrored from peers).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nodeweave/nodeweave-federation-go/internal/model"
)

// Standard errors returned by the storage layer.
var (
	ErrNotFound     = errors.New("not found") // Returned when a row is not found
	ErrConflict     = errors.New("conflict")  // Returned when a row already exists
	ErrTokenUsed    = errors.New("pairing token already used")
	ErrTokenExpired = errors.New("pairing token expired")
)

// Store defines the storage operations required by the federation service.
// This interface is implemented by both in-memory and PostgreSQL backends.
type Store interface {
	// Connection operations
	CreateConnectedNode(ctx context.Context, node model.ConnectedNode) error
	UpdateConnectedNode(ctx context.Context, node model.ConnectedNode) error
	GetFullConnection(ctx context.Context, hostname string) (*model.ConnectedNode, error)
	GetTargetedConnection(ctx context.Context, hostname string, ref model.ResourceRef) (*model.ConnectedNode, error)
	ListConnectionsByHostname(ctx context.Context, hostname string) ([]model.ConnectedNode, error)
	ListConnectedFullHostnames(ctx context.Context) ([]string, error)
	ListSubscriberHostnames(ctx context.Context, ref model.ResourceRef) ([]string, error)
	SetHostnameStatus(ctx context.Context, hostname string, status model.NodeStatus) error
	IncrementAuthFailures(ctx context.Context, hostname string) error
	ResetAuthFailures(ctx context.Context, hostname string) error

	// Pairing token operations. RedeemPairingToken atomically marks the
	// token used; concurrent redemptions see ErrTokenUsed.
	CreatePairingToken(ctx context.Context, token model.PairingToken) error
	RedeemPairingToken(ctx context.Context, token string, now time.Time) (*model.PairingToken, error)
	PurgeExpiredTokens(ctx context.Context, now time.Time) error

	// Identity codec operations
	CreatePublicID(ctx context.Context, pid model.PublicID) error
	GetPublicID(ctx context.Context, puid string) (*model.PublicID, error)
	GetPublicIDByRef(ctx context.Context, entityType model.EntityType, localRef string) (*model.PublicID, error)

	// Remote stub operations. UpsertRemoteStub applies last-writer-wins by
	// sender timestamp and reports whether the write was applied.
	UpsertRemoteStub(ctx context.Context, stub model.RemoteStub) (bool, error)
	GetRemoteStub(ctx context.Context, puid string) (*model.RemoteStub, error)

	// Remote edge operations (friendships/memberships learned via federation)
	CreateRemoteEdge(ctx context.Context, edge model.RemoteEdge) error
	ListEdgeHostnames(ctx context.Context, authorPUID, edgeType string) ([]string, error)

	// Inbox dedup log. MarkApplied is an atomic insert-if-absent on
	// (sender hostname, message id) and reports whether this call claimed
	// the key. DeleteApplied releases a claim when a handler fails, so the
	// sender's retry is not treated as a duplicate. PruneApplied drops
	// claims older than the cutoff, keeping the log bounded to recent
	// traffic.
	MarkApplied(ctx context.Context, senderHostname, messageID string) (bool, error)
	DeleteApplied(ctx context.Context, senderHostname, messageID string) error
	PruneApplied(ctx context.Context, before time.Time) error
}
