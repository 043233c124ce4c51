// internal/inbox/handlers.go
// Content handlers, one per federation message type. Every handler runs
// after trust, signature, schema, scope, and dedup have all passed.
package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/nodeweave/nodeweave-federation-go/internal/identity"
	"github.com/nodeweave/nodeweave-federation-go/internal/model"
)

// stubFromPayload builds the mirrored copy of a content entity. The sender's
// timestamp becomes the last-writer-wins guard, so out-of-order redeliveries
// of older versions never clobber newer state.
func stubFromPayload(msg model.FederationMessage) (model.RemoteStub, error) {
	puid, _ := msg.Payload["puid"].(string)
	entityType, err := identity.ParseType(puid)
	if err != nil {
		return model.RemoteStub{}, fmt.Errorf("payload puid is malformed: %w", err)
	}
	return model.RemoteStub{
		PUID:            puid,
		EntityType:      entityType,
		OriginHostname:  msg.SenderNodeHostname,
		Payload:         msg.Payload,
		RemoteUpdatedAt: time.Unix(msg.Timestamp, 0).UTC(),
	}, nil
}

// handleContentStub mirrors posts, comments, and reposts. Create and update
// share one path: the stub upsert is a last-writer-wins write either way.
func (d *Dispatcher) handleContentStub(ctx context.Context, msg model.FederationMessage) error {
	stub, err := stubFromPayload(msg)
	if err != nil {
		return err
	}

	applied, err := d.store.UpsertRemoteStub(ctx, stub)
	if err != nil {
		return fmt.Errorf("failed to store remote stub: %w", err)
	}
	if !applied {
		// A newer version is already mirrored; nothing to announce.
		return nil
	}

	if err := d.publisher.PublishContentReceived(ctx, msg.Type, stub); err != nil {
		d.logger.Warn("failed to publish content event", "type", msg.Type, "error", err)
	}
	return nil
}

// handleMediaCreate mirrors a media stub and, when a mirror is configured,
// copies the blob itself so rendering survives the origin going offline.
func (d *Dispatcher) handleMediaCreate(ctx context.Context, msg model.FederationMessage) error {
	stub, err := stubFromPayload(msg)
	if err != nil {
		return err
	}

	applied, err := d.store.UpsertRemoteStub(ctx, stub)
	if err != nil {
		return fmt.Errorf("failed to store media stub: %w", err)
	}
	if !applied {
		return nil
	}

	if d.mirror != nil {
		url, _ := msg.Payload["url"].(string)
		mimeType, _ := msg.Payload["mimeType"].(string)
		// Best effort: the stub keeps the origin URL when mirroring fails.
		if _, err := d.mirror.MirrorBlob(ctx, stub.PUID, url, mimeType); err != nil {
			d.logger.Warn("failed to mirror media blob",
				"puid", stub.PUID, "origin", msg.SenderNodeHostname, "error", err)
		}
	}

	if err := d.publisher.PublishContentReceived(ctx, msg.Type, stub); err != nil {
		d.logger.Warn("failed to publish content event", "type", msg.Type, "error", err)
	}
	return nil
}

// handleFriendRequest mirrors the requesting user so the request can be
// rendered. The friendship edge is recorded only when accepted.
func (d *Dispatcher) handleFriendRequest(ctx context.Context, msg model.FederationMessage) error {
	fromPUID, _ := msg.Payload["fromPuid"].(string)
	toPUID, _ := msg.Payload["toPuid"].(string)

	if _, err := d.codec.Resolve(ctx, toPUID, model.EntityUser); err != nil {
		return fmt.Errorf("friend request targets an unknown local user: %w", err)
	}

	stub := model.RemoteStub{
		PUID:           fromPUID,
		EntityType:     model.EntityUser,
		OriginHostname: msg.SenderNodeHostname,
		Payload: map[string]interface{}{
			"puid":        fromPUID,
			"displayName": msg.Payload["displayName"],
		},
		RemoteUpdatedAt: time.Unix(msg.Timestamp, 0).UTC(),
	}
	if _, err := d.store.UpsertRemoteStub(ctx, stub); err != nil {
		return fmt.Errorf("failed to store requester stub: %w", err)
	}

	if err := d.publisher.PublishContentReceived(ctx, msg.Type, stub); err != nil {
		d.logger.Warn("failed to publish content event", "type", msg.Type, "error", err)
	}
	return nil
}

// handleFriendAccept records the confirmed friendship as a remote edge. The
// local side of the edge is whichever PUID resolves locally; the other side
// lives on the sender's node. These edges feed friends-scope delivery.
func (d *Dispatcher) handleFriendAccept(ctx context.Context, msg model.FederationMessage) error {
	fromPUID, _ := msg.Payload["fromPuid"].(string)
	toPUID, _ := msg.Payload["toPuid"].(string)

	localPUID, peerPUID := fromPUID, toPUID
	if _, err := d.codec.Resolve(ctx, fromPUID, model.EntityUser); err != nil {
		localPUID, peerPUID = toPUID, fromPUID
		if _, err := d.codec.Resolve(ctx, toPUID, model.EntityUser); err != nil {
			return fmt.Errorf("friend accept involves no local user")
		}
	}

	edge := model.RemoteEdge{
		AuthorPUID: localPUID,
		PeerPUID:   peerPUID,
		Hostname:   msg.SenderNodeHostname,
		EdgeType:   model.EdgeFriend,
		CreatedAt:  time.Now().UTC(),
	}
	if err := d.store.CreateRemoteEdge(ctx, edge); err != nil {
		return fmt.Errorf("failed to record friendship: %w", err)
	}

	if err := d.publisher.PublishContentReceived(ctx, msg.Type, model.RemoteStub{
		PUID:           peerPUID,
		EntityType:     model.EntityUser,
		OriginHostname: msg.SenderNodeHostname,
	}); err != nil {
		d.logger.Warn("failed to publish content event", "type", msg.Type, "error", err)
	}
	return nil
}

// handleGroupJoin records a remote member of a local group.
func (d *Dispatcher) handleGroupJoin(ctx context.Context, msg model.FederationMessage) error {
	memberPUID, _ := msg.Payload["memberPuid"].(string)
	groupPUID, _ := msg.Payload["groupPuid"].(string)

	if _, err := d.codec.Resolve(ctx, groupPUID, model.EntityGroup); err != nil {
		return fmt.Errorf("group join targets an unknown local group: %w", err)
	}

	edge := model.RemoteEdge{
		AuthorPUID: groupPUID,
		PeerPUID:   memberPUID,
		Hostname:   msg.SenderNodeHostname,
		EdgeType:   model.EdgeMember,
		CreatedAt:  time.Now().UTC(),
	}
	if err := d.store.CreateRemoteEdge(ctx, edge); err != nil {
		return fmt.Errorf("failed to record membership: %w", err)
	}

	stub := model.RemoteStub{
		PUID:           memberPUID,
		EntityType:     model.EntityUser,
		OriginHostname: msg.SenderNodeHostname,
		Payload: map[string]interface{}{
			"puid":        memberPUID,
			"displayName": msg.Payload["displayName"],
		},
		RemoteUpdatedAt: time.Unix(msg.Timestamp, 0).UTC(),
	}
	if _, err := d.store.UpsertRemoteStub(ctx, stub); err != nil {
		return fmt.Errorf("failed to store member stub: %w", err)
	}

	if err := d.publisher.PublishContentReceived(ctx, msg.Type, stub); err != nil {
		d.logger.Warn("failed to publish content event", "type", msg.Type, "error", err)
	}
	return nil
}

// handleEventRSVP records a remote attendee of a local event.
func (d *Dispatcher) handleEventRSVP(ctx context.Context, msg model.FederationMessage) error {
	attendeePUID, _ := msg.Payload["attendeePuid"].(string)
	eventPUID, _ := msg.Payload["eventPuid"].(string)
	response, _ := msg.Payload["response"].(string)

	if _, err := d.codec.Resolve(ctx, eventPUID, model.EntityEvent); err != nil {
		return fmt.Errorf("rsvp targets an unknown local event: %w", err)
	}

	if response == "yes" || response == "maybe" {
		edge := model.RemoteEdge{
			AuthorPUID: eventPUID,
			PeerPUID:   attendeePUID,
			Hostname:   msg.SenderNodeHostname,
			EdgeType:   model.EdgeAttendee,
			CreatedAt:  time.Now().UTC(),
		}
		if err := d.store.CreateRemoteEdge(ctx, edge); err != nil {
			return fmt.Errorf("failed to record attendance: %w", err)
		}
	}

	if err := d.publisher.PublishContentReceived(ctx, msg.Type, model.RemoteStub{
		PUID:           attendeePUID,
		EntityType:     model.EntityUser,
		OriginHostname: msg.SenderNodeHostname,
	}); err != nil {
		d.logger.Warn("failed to publish content event", "type", msg.Type, "error", err)
	}
	return nil
}

// handleTag announces that a local user was tagged on remote content. The
// notification itself is built by a collaborator from the published event.
func (d *Dispatcher) handleTag(ctx context.Context, msg model.FederationMessage) error {
	taggedPUID, _ := msg.Payload["taggedPuid"].(string)
	subjectPUID, _ := msg.Payload["subjectPuid"].(string)

	if _, err := d.codec.Resolve(ctx, taggedPUID, model.EntityUser); err != nil {
		return fmt.Errorf("tag targets an unknown local user: %w", err)
	}

	entityType, err := identity.ParseType(subjectPUID)
	if err != nil {
		return fmt.Errorf("tag subject puid is malformed: %w", err)
	}

	if err := d.publisher.PublishContentReceived(ctx, msg.Type, model.RemoteStub{
		PUID:           subjectPUID,
		EntityType:     entityType,
		OriginHostname: msg.SenderNodeHostname,
	}); err != nil {
		d.logger.Warn("failed to publish content event", "type", msg.Type, "error", err)
	}
	return nil
}

// handleBlockNotice relays a remote user's block of a local user to the
// application. No federation-level state changes: the connection stays up,
// the block is between users, not nodes.
func (d *Dispatcher) handleBlockNotice(ctx context.Context, msg model.FederationMessage) error {
	blockedPUID, _ := msg.Payload["blockedPuid"].(string)
	blockerPUID, _ := msg.Payload["blockerPuid"].(string)

	if _, err := d.codec.Resolve(ctx, blockedPUID, model.EntityUser); err != nil {
		return fmt.Errorf("block notice targets an unknown local user: %w", err)
	}

	if err := d.publisher.PublishContentReceived(ctx, msg.Type, model.RemoteStub{
		PUID:           blockerPUID,
		EntityType:     model.EntityUser,
		OriginHostname: msg.SenderNodeHostname,
	}); err != nil {
		d.logger.Warn("failed to publish content event", "type", msg.Type, "error", err)
	}
	return nil
}

// handleNodeDisconnect marks the sender blocked locally. Content already
// applied from the peer stays; only future traffic stops.
func (d *Dispatcher) handleNodeDisconnect(ctx context.Context, msg model.FederationMessage) error {
	if err := d.trust.Block(ctx, msg.SenderNodeHostname); err != nil {
		return fmt.Errorf("failed to block disconnecting node: %w", err)
	}
	if err := d.publisher.PublishNodeBlocked(ctx, msg.SenderNodeHostname); err != nil {
		d.logger.Warn("failed to publish node blocked event", "error", err)
	}
	reason, _ := msg.Payload["reason"].(string)
	d.logger.Info("node disconnected", "hostname", msg.SenderNodeHostname, "reason", reason)
	return nil
}
