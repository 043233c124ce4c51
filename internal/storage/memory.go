// internal/storage/memory.go
// In-memory implementation of the Store interface, intended for
// development and testing.
package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nodeweave/nodeweave-federation-go/internal/model"
)

// memory implements the Store interface using in-memory maps.
type memory struct {
	mu        sync.RWMutex
	full      map[string]*model.ConnectedNode // hostname -> full connection
	targeted  map[string]*model.ConnectedNode // hostname|type|puid -> targeted connection
	tokens    map[string]*model.PairingToken  // token -> pairing token
	publicIDs map[string]*model.PublicID      // puid -> mapping
	byRef     map[string]*model.PublicID      // type|localRef -> mapping
	stubs     map[string]*model.RemoteStub    // puid -> remote stub
	edges     map[string]*model.RemoteEdge    // author|peer|edgeType -> edge
	applied   map[string]time.Time            // sender|messageID -> applied time
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		full:      make(map[string]*model.ConnectedNode),
		targeted:  make(map[string]*model.ConnectedNode),
		tokens:    make(map[string]*model.PairingToken),
		publicIDs: make(map[string]*model.PublicID),
		byRef:     make(map[string]*model.PublicID),
		stubs:     make(map[string]*model.RemoteStub),
		edges:     make(map[string]*model.RemoteEdge),
		applied:   make(map[string]time.Time),
	}
}

func targetedKey(hostname string, ref model.ResourceRef) string {
	return hostname + "|" + string(ref.Type) + "|" + ref.PUID
}

func (m *memory) CreateConnectedNode(ctx context.Context, node model.ConnectedNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch node.ConnectionType {
	case model.ConnectionFull:
		if _, exists := m.full[node.Hostname]; exists {
			return ErrConflict
		}
		nodeCopy := node
		m.full[node.Hostname] = &nodeCopy
	case model.ConnectionTargeted:
		key := targetedKey(node.Hostname, model.ResourceRef{Type: node.ResourceType, PUID: node.ResourcePUID})
		if _, exists := m.targeted[key]; exists {
			return ErrConflict
		}
		nodeCopy := node
		m.targeted[key] = &nodeCopy
	}
	return nil
}

func (m *memory) UpdateConnectedNode(ctx context.Context, node model.ConnectedNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var existing *model.ConnectedNode
	if node.ConnectionType == model.ConnectionFull {
		existing = m.full[node.Hostname]
	} else {
		existing = m.targeted[targetedKey(node.Hostname, model.ResourceRef{Type: node.ResourceType, PUID: node.ResourcePUID})]
	}
	if existing == nil {
		return ErrNotFound
	}
	nodeCopy := node
	nodeCopy.UpdatedAt = time.Now().UTC()
	*existing = nodeCopy
	return nil
}

func (m *memory) GetFullConnection(ctx context.Context, hostname string) (*model.ConnectedNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, exists := m.full[hostname]
	if !exists {
		return nil, ErrNotFound
	}
	nodeCopy := *node
	return &nodeCopy, nil
}

func (m *memory) GetTargetedConnection(ctx context.Context, hostname string, ref model.ResourceRef) (*model.ConnectedNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, exists := m.targeted[targetedKey(hostname, ref)]
	if !exists {
		return nil, ErrNotFound
	}
	nodeCopy := *node
	return &nodeCopy, nil
}

func (m *memory) ListConnectionsByHostname(ctx context.Context, hostname string) ([]model.ConnectedNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var nodes []model.ConnectedNode
	if node, exists := m.full[hostname]; exists {
		nodes = append(nodes, *node)
	}
	for key, node := range m.targeted {
		if strings.HasPrefix(key, hostname+"|") {
			nodes = append(nodes, *node)
		}
	}
	return nodes, nil
}

func (m *memory) ListConnectedFullHostnames(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hostnames []string
	for hostname, node := range m.full {
		if node.Status == model.StatusConnected {
			hostnames = append(hostnames, hostname)
		}
	}
	return hostnames, nil
}

func (m *memory) ListSubscriberHostnames(ctx context.Context, ref model.ResourceRef) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hostnames []string
	for _, node := range m.targeted {
		if node.Status == model.StatusConnected &&
			node.ResourceType == ref.Type && node.ResourcePUID == ref.PUID {
			hostnames = append(hostnames, node.Hostname)
		}
	}
	return hostnames, nil
}

func (m *memory) SetHostnameStatus(ctx context.Context, hostname string, status model.NodeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := false
	if node, exists := m.full[hostname]; exists {
		node.Status = status
		node.UpdatedAt = time.Now().UTC()
		found = true
	}
	for key, node := range m.targeted {
		if strings.HasPrefix(key, hostname+"|") {
			node.Status = status
			node.UpdatedAt = time.Now().UTC()
			found = true
		}
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (m *memory) IncrementAuthFailures(ctx context.Context, hostname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := false
	if node, exists := m.full[hostname]; exists {
		node.AuthFailures++
		found = true
	}
	for key, node := range m.targeted {
		if strings.HasPrefix(key, hostname+"|") {
			node.AuthFailures++
			found = true
		}
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (m *memory) ResetAuthFailures(ctx context.Context, hostname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if node, exists := m.full[hostname]; exists {
		node.AuthFailures = 0
	}
	for key, node := range m.targeted {
		if strings.HasPrefix(key, hostname+"|") {
			node.AuthFailures = 0
		}
	}
	return nil
}

func (m *memory) CreatePairingToken(ctx context.Context, token model.PairingToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tokens[token.Token]; exists {
		return ErrConflict
	}
	tokenCopy := token
	m.tokens[token.Token] = &tokenCopy
	return nil
}

func (m *memory) RedeemPairingToken(ctx context.Context, token string, now time.Time) (*model.PairingToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, exists := m.tokens[token]
	if !exists {
		return nil, ErrNotFound
	}
	if tok.UsedAt != nil {
		return nil, ErrTokenUsed
	}
	if now.After(tok.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	usedAt := now
	tok.UsedAt = &usedAt
	tokenCopy := *tok
	return &tokenCopy, nil
}

func (m *memory) PurgeExpiredTokens(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, tok := range m.tokens {
		if now.After(tok.ExpiresAt) || tok.UsedAt != nil {
			delete(m.tokens, key)
		}
	}
	return nil
}

func refKey(entityType model.EntityType, localRef string) string {
	return string(entityType) + "|" + localRef
}

func (m *memory) CreatePublicID(ctx context.Context, pid model.PublicID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.publicIDs[pid.PUID]; exists {
		return ErrConflict
	}
	if _, exists := m.byRef[refKey(pid.EntityType, pid.LocalRef)]; exists {
		return ErrConflict
	}
	pidCopy := pid
	m.publicIDs[pid.PUID] = &pidCopy
	m.byRef[refKey(pid.EntityType, pid.LocalRef)] = &pidCopy
	return nil
}

func (m *memory) GetPublicID(ctx context.Context, puid string) (*model.PublicID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pid, exists := m.publicIDs[puid]
	if !exists {
		return nil, ErrNotFound
	}
	pidCopy := *pid
	return &pidCopy, nil
}

func (m *memory) GetPublicIDByRef(ctx context.Context, entityType model.EntityType, localRef string) (*model.PublicID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pid, exists := m.byRef[refKey(entityType, localRef)]
	if !exists {
		return nil, ErrNotFound
	}
	pidCopy := *pid
	return &pidCopy, nil
}

func (m *memory) UpsertRemoteStub(ctx context.Context, stub model.RemoteStub) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.stubs[stub.PUID]
	if exists && existing.RemoteUpdatedAt.After(stub.RemoteUpdatedAt) {
		// Older than what we already mirror; last-writer-wins keeps the
		// stored state and the write is a successful no-op.
		return false, nil
	}

	stubCopy := stub
	stubCopy.UpdatedAt = time.Now().UTC()
	m.stubs[stub.PUID] = &stubCopy
	return true, nil
}

func (m *memory) GetRemoteStub(ctx context.Context, puid string) (*model.RemoteStub, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stub, exists := m.stubs[puid]
	if !exists {
		return nil, ErrNotFound
	}
	stubCopy := *stub
	return &stubCopy, nil
}

func edgeKey(edge model.RemoteEdge) string {
	return edge.AuthorPUID + "|" + edge.PeerPUID + "|" + edge.EdgeType
}

func (m *memory) CreateRemoteEdge(ctx context.Context, edge model.RemoteEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.edges[edgeKey(edge)]; exists {
		// Edges are idempotent; re-recording is a no-op.
		return nil
	}
	edgeCopy := edge
	m.edges[edgeKey(edge)] = &edgeCopy
	return nil
}

func (m *memory) ListEdgeHostnames(ctx context.Context, authorPUID, edgeType string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var hostnames []string
	for _, edge := range m.edges {
		if edge.AuthorPUID == authorPUID && edge.EdgeType == edgeType && !seen[edge.Hostname] {
			seen[edge.Hostname] = true
			hostnames = append(hostnames, edge.Hostname)
		}
	}
	return hostnames, nil
}

func appliedKey(senderHostname, messageID string) string {
	return senderHostname + "|" + messageID
}

func (m *memory) MarkApplied(ctx context.Context, senderHostname, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := appliedKey(senderHostname, messageID)
	if _, exists := m.applied[key]; exists {
		return false, nil
	}
	m.applied[key] = time.Now().UTC()
	return true, nil
}

func (m *memory) DeleteApplied(ctx context.Context, senderHostname, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.applied, appliedKey(senderHostname, messageID))
	return nil
}

func (m *memory) PruneApplied(ctx context.Context, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, appliedAt := range m.applied {
		if appliedAt.Before(before) {
			delete(m.applied, key)
		}
	}
	return nil
}
