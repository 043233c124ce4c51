// Package inbox processes inbound federation messages. Each message moves
// through a fixed pipeline: sender lookup, signature verification, dedup,
// schema validation, scope check, then the type-specific content handler.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/nodeweave/nodeweave-federation-go/internal/errors"
	"github.com/nodeweave/nodeweave-federation-go/internal/event"
	"github.com/nodeweave/nodeweave-federation-go/internal/identity"
	"github.com/nodeweave/nodeweave-federation-go/internal/media"
	"github.com/nodeweave/nodeweave-federation-go/internal/metrics"
	"github.com/nodeweave/nodeweave-federation-go/internal/model"
	"github.com/nodeweave/nodeweave-federation-go/internal/schema"
	"github.com/nodeweave/nodeweave-federation-go/internal/sign"
	"github.com/nodeweave/nodeweave-federation-go/internal/storage"
	"github.com/nodeweave/nodeweave-federation-go/internal/trust"
)

// handlerFunc applies one verified, deduplicated message.
type handlerFunc func(ctx context.Context, msg model.FederationMessage) error

// Dedup claims older than appliedRetention are swept from the log; a sender
// redelivering a message after that window is reapplied, which the
// last-writer-wins stub upsert absorbs safely.
const (
	appliedRetention = 7 * 24 * time.Hour
	pruneInterval    = time.Hour
)

// Dispatcher routes verified messages to content handlers.
type Dispatcher struct {
	store     storage.Store
	trust     *trust.Manager
	verifier  *sign.Verifier
	validator *schema.Validator
	codec     *identity.Codec
	publisher event.Publisher
	mirror    *media.Mirror // nil disables media mirroring
	metrics   *metrics.Metrics
	logger    *slog.Logger

	handlers  map[string]handlerFunc
	lastPrune atomic.Int64 // Unix seconds of the last dedup log sweep
}

// New creates a dispatcher with the full handler registry installed.
func New(
	store storage.Store,
	trustMgr *trust.Manager,
	verifier *sign.Verifier,
	validator *schema.Validator,
	codec *identity.Codec,
	publisher event.Publisher,
	mirror *media.Mirror,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		trust:     trustMgr,
		verifier:  verifier,
		validator: validator,
		codec:     codec,
		publisher: publisher,
		mirror:    mirror,
		metrics:   m,
		logger:    logger,
	}
	d.handlers = map[string]handlerFunc{
		model.MsgPostCreate:     d.handleContentStub,
		model.MsgPostUpdate:     d.handleContentStub,
		model.MsgCommentCreate:  d.handleContentStub,
		model.MsgCommentUpdate:  d.handleContentStub,
		model.MsgRepost:         d.handleContentStub,
		model.MsgMediaCreate:    d.handleMediaCreate,
		model.MsgFriendRequest:  d.handleFriendRequest,
		model.MsgFriendAccept:   d.handleFriendAccept,
		model.MsgGroupJoin:      d.handleGroupJoin,
		model.MsgEventRSVP:      d.handleEventRSVP,
		model.MsgTag:            d.handleTag,
		model.MsgBlockNotice:    d.handleBlockNotice,
		model.MsgNodeDisconnect: d.handleNodeDisconnect,
	}
	return d
}

// Process runs one message through the pipeline. A non-nil *apperrors.Error
// describes the rejection; otherwise the result reports applied or duplicate.
func (d *Dispatcher) Process(ctx context.Context, msg model.FederationMessage, correlationID string) (*model.InboxResult, *apperrors.Error) {
	ctx, span := otel.Tracer("federation-inbox").Start(ctx, "inbox.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("message.type", msg.Type),
		attribute.String("message.sender", msg.SenderNodeHostname),
	)

	start := time.Now()
	d.maybePrune(ctx)
	result, appErr := d.process(ctx, msg, correlationID)

	verdict := "applied"
	if appErr != nil {
		verdict = apperrors.Reason(appErr.Code)
	} else if result.Status == "duplicate" {
		verdict = "duplicate"
	}
	d.metrics.InboxMessageTotal.WithLabelValues(msg.Type, verdict).Inc()
	d.metrics.InboxMessageDuration.WithLabelValues(msg.Type, verdict).Observe(time.Since(start).Seconds())

	return result, appErr
}

func (d *Dispatcher) process(ctx context.Context, msg model.FederationMessage, correlationID string) (*model.InboxResult, *apperrors.Error) {
	if msg.MessageID == "" || msg.Type == "" || msg.SenderNodeHostname == "" ||
		msg.Nonce == "" || msg.Signature == "" {
		return nil, apperrors.New(apperrors.FED_VALIDATION, "envelope is missing required fields", correlationID)
	}

	// 1. Trust: find the connection governing this sender. The resource the
	// message concerns widens the lookup to targeted rows.
	ref := scopeRef(msg)
	conn, err := d.trust.Lookup(ctx, msg.SenderNodeHostname, ref)
	if err != nil {
		switch {
		case errors.Is(err, trust.ErrBlocked):
			d.logger.Warn("message from blocked sender dropped",
				"sender", msg.SenderNodeHostname, "type", msg.Type, "correlationId", correlationID)
			return nil, apperrors.New(apperrors.FED_BLOCKED, "sender is not connected", correlationID)
		case errors.Is(err, trust.ErrUnknownSender):
			return nil, apperrors.New(apperrors.FED_UNKNOWN_SENDER, "sender is not connected", correlationID)
		default:
			return nil, apperrors.New(apperrors.FED_INTERNAL, "trust lookup failed", correlationID)
		}
	}

	// 2. Authenticate before touching any payload content.
	if err := d.verifier.Verify(conn.SharedSecret, msg); err != nil {
		d.trust.RecordAuthFailure(ctx, msg.SenderNodeHostname)
		d.logger.Warn("message verification failed",
			"sender", msg.SenderNodeHostname, "type", msg.Type,
			"error", err, "correlationId", correlationID)
		switch {
		case errors.Is(err, sign.ErrStale):
			return nil, apperrors.New(apperrors.FED_STALE, "timestamp outside allowed clock skew", correlationID)
		case errors.Is(err, sign.ErrReplay):
			return nil, apperrors.New(apperrors.FED_REPLAY, "nonce already seen", correlationID)
		default:
			return nil, apperrors.New(apperrors.FED_BAD_SIGNATURE, "signature verification failed", correlationID)
		}
	}
	d.trust.RecordAuthSuccess(ctx, msg.SenderNodeHostname)

	// 3. Schema: the payload must match the declared type's shape.
	if !d.validator.Supported(msg.Type) {
		return nil, apperrors.New(apperrors.FED_HANDLER_ERROR,
			fmt.Sprintf("unknown message type %q", msg.Type), correlationID)
	}
	if err := d.validator.Validate(msg.Type, msg.Payload); err != nil {
		return nil, apperrors.NewWithDetails(apperrors.FED_SCHEMA_REJECT,
			"payload failed schema validation", correlationID, err.Error())
	}

	// 4. Scope: a targeted connection may only write within its resource, and
	// never learns about users beyond that resource's content.
	if conn.ConnectionType == model.ConnectionTargeted {
		if err := checkScope(conn, msg, ref); err != nil {
			d.logger.Warn("scope violation",
				"sender", msg.SenderNodeHostname, "type", msg.Type,
				"resource", conn.ResourcePUID, "correlationId", correlationID)
			return nil, apperrors.New(apperrors.FED_SCOPE_VIOLATION, err.Error(), correlationID)
		}
	}

	// 5. Dedup: claim (sender, messageId) atomically. Losing the claim means
	// the message was already applied; redelivery is a successful no-op.
	claimed, err := d.store.MarkApplied(ctx, msg.SenderNodeHostname, msg.MessageID)
	if err != nil {
		return nil, apperrors.New(apperrors.FED_INTERNAL, "dedup check failed", correlationID)
	}
	if !claimed {
		return &model.InboxResult{Status: "duplicate"}, nil
	}

	// 6. Apply. A failed handler releases the claim so the sender's retry is
	// processed rather than swallowed as a duplicate.
	if err := d.handlers[msg.Type](ctx, msg); err != nil {
		if delErr := d.store.DeleteApplied(ctx, msg.SenderNodeHostname, msg.MessageID); delErr != nil {
			d.logger.Error("failed to release dedup claim",
				"sender", msg.SenderNodeHostname, "messageId", msg.MessageID, "error", delErr)
		}
		d.logger.Error("content handler failed",
			"sender", msg.SenderNodeHostname, "type", msg.Type,
			"error", err, "correlationId", correlationID)
		return nil, apperrors.New(apperrors.FED_HANDLER_ERROR, "failed to apply message", correlationID)
	}

	d.logger.Info("message applied",
		"sender", msg.SenderNodeHostname, "type", msg.Type,
		"messageId", msg.MessageID, "correlationId", correlationID)
	return &model.InboxResult{Status: "applied"}, nil
}

// maybePrune sweeps expired dedup claims at most once per pruneInterval.
// Message processing piggybacks the sweep the same way token issuance purges
// expired pairing tokens.
func (d *Dispatcher) maybePrune(ctx context.Context) {
	now := time.Now()
	last := d.lastPrune.Load()
	if now.Unix()-last < int64(pruneInterval/time.Second) {
		return
	}
	if !d.lastPrune.CompareAndSwap(last, now.Unix()) {
		return
	}
	if err := d.store.PruneApplied(ctx, now.Add(-appliedRetention)); err != nil {
		d.logger.Warn("failed to prune inbox dedup log", "error", err)
	}
}

// scopeRef extracts the resource a message concerns, for targeted trust
// lookup and scope checks. Content messages carry an explicit resourcePuid;
// membership messages imply their group or event.
func scopeRef(msg model.FederationMessage) *model.ResourceRef {
	var puid string
	switch msg.Type {
	case model.MsgGroupJoin:
		puid, _ = msg.Payload["groupPuid"].(string)
	case model.MsgEventRSVP:
		puid, _ = msg.Payload["eventPuid"].(string)
	default:
		puid, _ = msg.Payload["resourcePuid"].(string)
	}
	if puid == "" {
		return nil
	}
	entityType, err := identity.ParseType(puid)
	if err != nil {
		return nil
	}
	return &model.ResourceRef{Type: entityType, PUID: puid}
}

// checkScope enforces the boundary of a targeted connection: only messages
// about its resource pass, and relationship messages that would expose users
// outside the resource never do.
func checkScope(conn *model.ConnectedNode, msg model.FederationMessage, ref *model.ResourceRef) error {
	switch msg.Type {
	case model.MsgFriendRequest, model.MsgFriendAccept, model.MsgTag,
		model.MsgBlockNotice, model.MsgNodeDisconnect:
		return fmt.Errorf("message type %q is not permitted on a targeted connection", msg.Type)
	}
	if ref == nil {
		return fmt.Errorf("message does not declare the resource it concerns")
	}
	if ref.PUID != conn.ResourcePUID || ref.Type != conn.ResourceType {
		return fmt.Errorf("message concerns a resource outside the connection's scope")
	}
	return nil
}
