// internal/model/federation.go
// Package model defines the data structures used throughout the federation service.
// These structures represent connections between nodes, pairing credentials, the
// wire envelope, and the remote content stubs mirrored from peers.
package model

import (
	"time"
)

// ConnectionType distinguishes full node-to-node connections from targeted
// subscriptions scoped to a single resource.
type ConnectionType string

const (
	ConnectionFull     ConnectionType = "full"     // Access to all public resources of the peer
	ConnectionTargeted ConnectionType = "targeted" // Access to exactly one group/event/page
)

// NodeStatus is the lifecycle state of a connection row.
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"   // Created, handshake not completed
	StatusConnected NodeStatus = "connected" // Shared secret established
	StatusBlocked   NodeStatus = "blocked"   // All traffic to/from the hostname is dropped
)

// EntityType is the declared type of a PUID-bearing entity.
type EntityType string

const (
	EntityUser    EntityType = "user"
	EntityGroup   EntityType = "group"
	EntityEvent   EntityType = "event"
	EntityPage    EntityType = "page"
	EntityPost    EntityType = "post"
	EntityComment EntityType = "comment"
	EntityMedia   EntityType = "media"
)

// PrivacyScope is the visibility of locally created content, as reported by
// the rest of the application when it enqueues outbound delivery.
type PrivacyScope string

const (
	ScopeLocal   PrivacyScope = "local"   // Never federated
	ScopeFriends PrivacyScope = "friends" // Delivered to hosts of the author's remote friends
	ScopePublic  PrivacyScope = "public"  // Delivered to hosts subscribed to the resource
)

// ResourceRef identifies the single resource a targeted connection is scoped to.
type ResourceRef struct {
	Type EntityType `json:"type"`
	PUID string     `json:"puid"`
}

// ConnectedNode is one row per remote relationship.
// At most one full row exists per hostname; targeted rows are unique by
// (hostname, resource type, resource PUID). This corresponds to the
// connected_nodes table in storage.
type ConnectedNode struct {
	ID             string         `json:"id" db:"id"`                          // Row identifier
	Hostname       string         `json:"hostname" db:"hostname"`              // Remote node address
	ConnectionType ConnectionType `json:"connectionType" db:"connection_type"` // full or targeted
	ResourceType   EntityType     `json:"resourceType,omitempty" db:"resource_type"` // Set only for targeted rows
	ResourcePUID   string         `json:"resourcePuid,omitempty" db:"resource_puid"` // Set only for targeted rows
	Status         NodeStatus     `json:"status" db:"status"`                  // pending, connected, blocked
	SharedSecret   string         `json:"-" db:"shared_secret"`                // Symmetric key; never serialized outward
	OriginNodeID   string         `json:"originNodeId" db:"origin_node_id"`    // Peer's self-reported node identifier
	AuthFailures   int            `json:"authFailures" db:"auth_failures"`     // Verification failures since last success
	CreatedAt      time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time      `json:"updatedAt" db:"updated_at"`
}

// Resource returns the targeted scope of the connection, or nil for full rows.
func (n *ConnectedNode) Resource() *ResourceRef {
	if n.ConnectionType != ConnectionTargeted {
		return nil
	}
	return &ResourceRef{Type: n.ResourceType, PUID: n.ResourcePUID}
}

// PairingToken is a single-use credential used to bootstrap a shared secret
// between two previously-unconnected nodes. This corresponds to the
// pairing_tokens table in storage.
type PairingToken struct {
	Token     string     `json:"token" db:"token"`          // Random high-entropy string
	IssuerID  string     `json:"issuerId" db:"issuer_id"`   // Local admin who generated it
	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
	ExpiresAt time.Time  `json:"expiresAt" db:"expires_at"` // Creation time + 24h
	UsedAt    *time.Time `json:"usedAt,omitempty" db:"used_at"` // Set on redemption; a used token stays rejected
}

// PublicID maps a PUID to the node-internal entity it was minted for.
// LocalRef is an opaque application-side reference and never crosses the
// federation boundary. This corresponds to the public_ids table in storage.
type PublicID struct {
	PUID       string     `json:"puid" db:"puid"`
	EntityType EntityType `json:"entityType" db:"entity_type"`
	LocalRef   string     `json:"-" db:"local_ref"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
}

// RemoteStub is a cached copy of an entity mirrored from federation.
// Stubs are created and updated only by the inbox dispatcher and are never
// authoritative. This corresponds to the remote_stubs table in storage.
type RemoteStub struct {
	PUID            string                 `json:"puid" db:"puid"`
	EntityType      EntityType             `json:"entityType" db:"entity_type"`
	OriginHostname  string                 `json:"originHostname" db:"origin_hostname"`
	Payload         map[string]interface{} `json:"payload" db:"payload"`
	RemoteUpdatedAt time.Time              `json:"remoteUpdatedAt" db:"remote_updated_at"` // Sender timestamp; LWW guard
	UpdatedAt       time.Time              `json:"updatedAt" db:"updated_at"`
}

// IsRemote reports whether the stub originates from another node.
// Local entities carry an empty origin hostname.
func (s *RemoteStub) IsRemote() bool { return s.OriginHostname != "" }

// RemoteEdge records a relationship learned through federation, e.g. a remote
// friend of a local user or a remote member of a local group. The outbox reads
// these rows to resolve friends-scoped targets. This corresponds to the
// remote_edges table in storage.
type RemoteEdge struct {
	AuthorPUID string    `json:"authorPuid" db:"author_puid"` // Local side of the edge
	PeerPUID   string    `json:"peerPuid" db:"peer_puid"`     // Remote side of the edge
	Hostname   string    `json:"hostname" db:"hostname"`      // Host of the remote side
	EdgeType   string    `json:"edgeType" db:"edge_type"`     // friend, member, attendee
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

// Edge types recorded by the inbox handlers.
const (
	EdgeFriend   = "friend"
	EdgeMember   = "member"
	EdgeAttendee = "attendee"
)

// FederationMessage is the signed wire envelope. It is not persisted as such;
// only (senderNodeHostname, messageId) enters the dedup log.
type FederationMessage struct {
	MessageID          string                 `json:"messageId"`          // Dedup key, the content's own id
	Type               string                 `json:"type"`               // Dispatch tag, e.g. "post-create"
	SenderNodeHostname string                 `json:"senderNodeHostname"` // Claimed sender, checked against the trust store
	Timestamp          int64                  `json:"timestamp"`          // Unix seconds at signing time
	Nonce              string                 `json:"nonce"`              // Random per-message value for replay protection
	Signature          string                 `json:"signature"`          // Hex HMAC-SHA256 over timestamp+nonce+canonical payload
	Payload            map[string]interface{} `json:"payload"`
}

// Federation message types dispatched by the inbox.
const (
	MsgPostCreate     = "post-create"
	MsgPostUpdate     = "post-update"
	MsgCommentCreate  = "comment-create"
	MsgCommentUpdate  = "comment-update"
	MsgRepost         = "repost"
	MsgFriendRequest  = "friend-request"
	MsgFriendAccept   = "friend-accept"
	MsgGroupJoin      = "group-join"
	MsgEventRSVP      = "event-rsvp"
	MsgTag            = "tag"
	MsgBlockNotice    = "block-notice"
	MsgNodeDisconnect = "node-disconnect"
	MsgMediaCreate    = "media-create"
)

// InboxResult is the success body of the inbox endpoint.
type InboxResult struct {
	Status string `json:"status"` // "applied" or "duplicate"
}

// PairRequest is the body of the pairing endpoint.
type PairRequest struct {
	Token    string `json:"token"`
	Hostname string `json:"hostname"` // Requesting node's address
	NodeID   string `json:"nodeId"`   // Requesting node's self-reported identifier
}

// PairResponse confirms a successful redemption. Both parties derive the same
// shared secret from the token and the hostname pair.
type PairResponse struct {
	SharedSecret string `json:"sharedSecret"`
	Hostname     string `json:"hostname"` // Responding node's address
	NodeID       string `json:"nodeId"`   // Responding node's identifier
}

// Outbound content operations. Updates and reposts keep the original
// content PUID so receivers revise their mirrored copy in place.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpRepost = "repost"
)

// EnqueueRequest is the collaborator-facing call to federate a local
// content event.
type EnqueueRequest struct {
	ContentType  EntityType             `json:"contentType"`
	ContentPUID  string                 `json:"contentPuid"`
	Operation    string                 `json:"operation,omitempty"` // create (default), update, or repost
	PrivacyScope PrivacyScope           `json:"privacyScope"`
	AuthorPUID   string                 `json:"authorPuid"`
	ResourcePUID string                 `json:"resourcePuid,omitempty"` // Group/event/page the content belongs to, if any
	Payload      map[string]interface{} `json:"payload"`
}

// EnqueueResult reports how many targets were scheduled.
type EnqueueResult struct {
	Targets int `json:"targets"`
}

// TrustStatus is the collaborator-facing view of a hostname's standing.
type TrustStatus struct {
	Hostname     string `json:"hostname"`
	Connected    bool   `json:"connected"`
	Blocked      bool   `json:"blocked"`
	AuthFailures int    `json:"authFailures"`
}
