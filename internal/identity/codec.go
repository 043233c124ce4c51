// Package identity mints and resolves public identifiers (PUIDs).
// A PUID is the only identifier an entity carries across the federation
// boundary; node-internal references never appear on the wire.
package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nodeweave/nodeweave-federation-go/internal/model"
	"github.com/nodeweave/nodeweave-federation-go/internal/storage"
)

// Errors returned by the codec.
var (
	ErrMalformed    = errors.New("malformed puid")
	ErrUnknownPUID  = errors.New("unknown puid")
	ErrTypeMismatch = errors.New("puid entity type mismatch")
)

// validTypes is the set of entity types a PUID may carry.
var validTypes = map[model.EntityType]bool{
	model.EntityUser:    true,
	model.EntityGroup:   true,
	model.EntityEvent:   true,
	model.EntityPage:    true,
	model.EntityPost:    true,
	model.EntityComment: true,
	model.EntityMedia:   true,
}

// Codec mints PUIDs for local entities and resolves PUIDs back to their
// local reference. Minting is idempotent per (entity type, local ref).
type Codec struct {
	store storage.Store

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewCodec creates a codec backed by the given store.
func NewCodec(store storage.Store) *Codec {
	return &Codec{
		store:   store,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// newPUID generates a type-prefixed ULID, e.g. "post-01J8ZQ...".
// The ULID gives sortability for storage and enough entropy that PUIDs
// are not guessable or enumerable.
func (c *Codec) newPUID(entityType model.EntityType) string {
	c.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now().UTC()), c.entropy)
	c.mu.Unlock()
	return string(entityType) + "-" + id.String()
}

// Mint returns the PUID for a local entity, creating one on first call.
// Repeated calls with the same (entityType, localRef) return the same PUID.
func (c *Codec) Mint(ctx context.Context, entityType model.EntityType, localRef string) (string, error) {
	if !validTypes[entityType] {
		return "", fmt.Errorf("invalid entity type %q", entityType)
	}
	if localRef == "" {
		return "", fmt.Errorf("local ref is required")
	}

	if existing, err := c.store.GetPublicIDByRef(ctx, entityType, localRef); err == nil {
		return existing.PUID, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("failed to look up public id: %w", err)
	}

	pid := model.PublicID{
		PUID:       c.newPUID(entityType),
		EntityType: entityType,
		LocalRef:   localRef,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.store.CreatePublicID(ctx, pid); err != nil {
		// A concurrent mint for the same ref won the insert; return its PUID.
		if errors.Is(err, storage.ErrConflict) {
			existing, lookupErr := c.store.GetPublicIDByRef(ctx, entityType, localRef)
			if lookupErr != nil {
				return "", fmt.Errorf("failed to look up public id after conflict: %w", lookupErr)
			}
			return existing.PUID, nil
		}
		return "", fmt.Errorf("failed to create public id: %w", err)
	}
	return pid.PUID, nil
}

// Resolve returns the local mapping for a PUID, checking that the stored
// entity type matches the type the caller expects.
func (c *Codec) Resolve(ctx context.Context, puid string, expectedType model.EntityType) (*model.PublicID, error) {
	declared, err := ParseType(puid)
	if err != nil {
		return nil, err
	}
	if expectedType != "" && declared != expectedType {
		return nil, ErrTypeMismatch
	}

	pid, err := c.store.GetPublicID(ctx, puid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownPUID
		}
		return nil, fmt.Errorf("failed to resolve puid: %w", err)
	}
	if expectedType != "" && pid.EntityType != expectedType {
		return nil, ErrTypeMismatch
	}
	return pid, nil
}

// ParseType extracts and validates the entity type prefix of a PUID.
func ParseType(puid string) (model.EntityType, error) {
	idx := strings.LastIndex(puid, "-")
	if idx <= 0 || idx == len(puid)-1 {
		return "", ErrMalformed
	}
	entityType := model.EntityType(puid[:idx])
	if !validTypes[entityType] {
		return "", ErrMalformed
	}
	if _, err := ulid.Parse(puid[idx+1:]); err != nil {
		return "", ErrMalformed
	}
	return entityType, nil
}
