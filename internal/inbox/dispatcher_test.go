package inbox

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	apperrors "github.com/nodeweave/nodeweave-federation-go/internal/errors"
	"github.com/nodeweave/nodeweave-federation-go/internal/event"
	"github.com/nodeweave/nodeweave-federation-go/internal/identity"
	"github.com/nodeweave/nodeweave-federation-go/internal/metrics"
	"github.com/nodeweave/nodeweave-federation-go/internal/model"
	"github.com/nodeweave/nodeweave-federation-go/internal/schema"
	"github.com/nodeweave/nodeweave-federation-go/internal/sign"
	"github.com/nodeweave/nodeweave-federation-go/internal/storage"
	"github.com/nodeweave/nodeweave-federation-go/internal/trust"
)

const (
	peerHost   = "beta.example.org"
	peerSecret = "test-shared-secret"
)

type testEnv struct {
	dispatcher *Dispatcher
	store      storage.Store
	trust      *trust.Manager
	codec      *identity.Codec
	verifier   *sign.Verifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := storage.NewMemory()
	logger := slog.New(slog.DiscardHandler)
	trustMgr := trust.NewManager(store, "alpha.example.org", "node-alpha", logger)
	verifier := sign.NewVerifier()
	t.Cleanup(verifier.Stop)

	validator, err := schema.NewValidator()
	if err != nil {
		t.Fatalf("validator init failed: %v", err)
	}
	codec := identity.NewCodec(store)

	d := New(store, trustMgr, verifier, validator, codec,
		event.NewPublisher(""), nil, metrics.NewMetrics(), logger)

	now := time.Now().UTC()
	err = store.CreateConnectedNode(context.Background(), model.ConnectedNode{
		ID: "conn-beta", Hostname: peerHost, ConnectionType: model.ConnectionFull,
		Status: model.StatusConnected, SharedSecret: peerSecret,
		OriginNodeID: "node-beta", CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed connection failed: %v", err)
	}

	return &testEnv{dispatcher: d, store: store, trust: trustMgr, codec: codec, verifier: verifier}
}

func puid(entityType model.EntityType) string {
	return string(entityType) + "-" + ulid.Make().String()
}

// signedMessage builds a correctly signed envelope from the peer.
func signedMessage(t *testing.T, msgType, messageID string, payload map[string]interface{}) model.FederationMessage {
	t.Helper()
	ts := time.Now().Unix()
	nonce, err := sign.NewNonce()
	if err != nil {
		t.Fatalf("nonce failed: %v", err)
	}
	sig, err := sign.Sign(peerSecret, ts, nonce, payload)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	return model.FederationMessage{
		MessageID:          messageID,
		Type:               msgType,
		SenderNodeHostname: peerHost,
		Timestamp:          ts,
		Nonce:              nonce,
		Signature:          sig,
		Payload:            payload,
	}
}

func postPayload(postPUID string) map[string]interface{} {
	return map[string]interface{}{
		"puid":         postPUID,
		"authorPuid":   puid(model.EntityUser),
		"body":         "hello from beta",
		"privacyScope": "public",
		"createdAt":    time.Now().UTC().Format(time.RFC3339),
	}
}

func TestProcessAppliesPostCreate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	postPUID := puid(model.EntityPost)
	msg := signedMessage(t, model.MsgPostCreate, postPUID, postPayload(postPUID))

	result, appErr := env.dispatcher.Process(ctx, msg, "corr-1")
	if appErr != nil {
		t.Fatalf("expected applied, got %v", appErr)
	}
	if result.Status != "applied" {
		t.Errorf("expected applied, got %q", result.Status)
	}

	stub, err := env.store.GetRemoteStub(ctx, postPUID)
	if err != nil {
		t.Fatalf("stub not stored: %v", err)
	}
	if stub.OriginHostname != peerHost {
		t.Errorf("expected origin %q, got %q", peerHost, stub.OriginHostname)
	}
	if !stub.IsRemote() {
		t.Error("stub should be remote")
	}
}

func TestProcessRedeliveryIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	postPUID := puid(model.EntityPost)
	payload := postPayload(postPUID)

	first := signedMessage(t, model.MsgPostCreate, postPUID, payload)
	if _, appErr := env.dispatcher.Process(ctx, first, "corr-1"); appErr != nil {
		t.Fatalf("first delivery failed: %v", appErr)
	}

	// The sender retries with a fresh nonce and signature, same message id.
	second := signedMessage(t, model.MsgPostCreate, postPUID, payload)
	result, appErr := env.dispatcher.Process(ctx, second, "corr-2")
	if appErr != nil {
		t.Fatalf("redelivery rejected: %v", appErr)
	}
	if result.Status != "duplicate" {
		t.Errorf("expected duplicate, got %q", result.Status)
	}
}

func TestProcessRejectsUnknownSender(t *testing.T) {
	env := newTestEnv(t)

	postPUID := puid(model.EntityPost)
	msg := signedMessage(t, model.MsgPostCreate, postPUID, postPayload(postPUID))
	msg.SenderNodeHostname = "stranger.example.org"

	_, appErr := env.dispatcher.Process(context.Background(), msg, "corr-1")
	if appErr == nil || appErr.Code != apperrors.FED_UNKNOWN_SENDER {
		t.Errorf("expected FED_UNKNOWN_SENDER, got %v", appErr)
	}
}

func TestProcessRejectsBlockedSender(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.trust.Block(ctx, peerHost); err != nil {
		t.Fatalf("block failed: %v", err)
	}

	postPUID := puid(model.EntityPost)
	msg := signedMessage(t, model.MsgPostCreate, postPUID, postPayload(postPUID))
	_, appErr := env.dispatcher.Process(ctx, msg, "corr-1")
	if appErr == nil || appErr.Code != apperrors.FED_BLOCKED {
		t.Errorf("expected FED_BLOCKED, got %v", appErr)
	}
}

func TestProcessRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	postPUID := puid(model.EntityPost)
	msg := signedMessage(t, model.MsgPostCreate, postPUID, postPayload(postPUID))
	msg.Payload["body"] = "tampered"

	_, appErr := env.dispatcher.Process(ctx, msg, "corr-1")
	if appErr == nil || appErr.Code != apperrors.FED_BAD_SIGNATURE {
		t.Fatalf("expected FED_BAD_SIGNATURE, got %v", appErr)
	}

	// The payload must not have been applied.
	if _, err := env.store.GetRemoteStub(ctx, postPUID); err == nil {
		t.Error("tampered message must not create a stub")
	}

	// Rejection bumps the sender's failure counter.
	status, err := env.trust.Status(ctx, peerHost)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.AuthFailures != 1 {
		t.Errorf("expected 1 auth failure, got %d", status.AuthFailures)
	}
}

func TestProcessRejectsStaleTimestamp(t *testing.T) {
	env := newTestEnv(t)

	postPUID := puid(model.EntityPost)
	payload := postPayload(postPUID)
	ts := time.Now().Add(-10 * time.Minute).Unix()
	nonce, _ := sign.NewNonce()
	sig, _ := sign.Sign(peerSecret, ts, nonce, payload)

	msg := model.FederationMessage{
		MessageID: postPUID, Type: model.MsgPostCreate, SenderNodeHostname: peerHost,
		Timestamp: ts, Nonce: nonce, Signature: sig, Payload: payload,
	}
	_, appErr := env.dispatcher.Process(context.Background(), msg, "corr-1")
	if appErr == nil || appErr.Code != apperrors.FED_STALE {
		t.Errorf("expected FED_STALE, got %v", appErr)
	}
}

func TestProcessRejectsReplayedNonce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	firstPUID := puid(model.EntityPost)
	msg := signedMessage(t, model.MsgPostCreate, firstPUID, postPayload(firstPUID))
	if _, appErr := env.dispatcher.Process(ctx, msg, "corr-1"); appErr != nil {
		t.Fatalf("first delivery failed: %v", appErr)
	}

	// A different message reusing the consumed nonce.
	secondPUID := puid(model.EntityPost)
	payload := postPayload(secondPUID)
	sig, _ := sign.Sign(peerSecret, msg.Timestamp, msg.Nonce, payload)
	replay := model.FederationMessage{
		MessageID: secondPUID, Type: model.MsgPostCreate, SenderNodeHostname: peerHost,
		Timestamp: msg.Timestamp, Nonce: msg.Nonce, Signature: sig, Payload: payload,
	}
	_, appErr := env.dispatcher.Process(ctx, replay, "corr-2")
	if appErr == nil || appErr.Code != apperrors.FED_REPLAY {
		t.Errorf("expected FED_REPLAY, got %v", appErr)
	}
}

func TestProcessRejectsSchemaViolation(t *testing.T) {
	env := newTestEnv(t)

	postPUID := puid(model.EntityPost)
	payload := map[string]interface{}{
		"puid": postPUID,
		// authorPuid, body, privacyScope, createdAt all missing
	}
	msg := signedMessage(t, model.MsgPostCreate, postPUID, payload)
	_, appErr := env.dispatcher.Process(context.Background(), msg, "corr-1")
	if appErr == nil || appErr.Code != apperrors.FED_SCHEMA_REJECT {
		t.Errorf("expected FED_SCHEMA_REJECT, got %v", appErr)
	}
}

func TestProcessRejectsUnknownType(t *testing.T) {
	env := newTestEnv(t)

	msg := signedMessage(t, "poke", puid(model.EntityPost), map[string]interface{}{})
	_, appErr := env.dispatcher.Process(context.Background(), msg, "corr-1")
	if appErr == nil || appErr.Code != apperrors.FED_HANDLER_ERROR {
		t.Errorf("expected FED_HANDLER_ERROR, got %v", appErr)
	}
}

func TestLastWriterWinsOnConcurrentUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	postPUID := puid(model.EntityPost)
	author := puid(model.EntityUser)

	newer := map[string]interface{}{"puid": postPUID, "authorPuid": author, "body": "newer"}
	older := map[string]interface{}{"puid": postPUID, "authorPuid": author, "body": "older"}

	newerTS := time.Now().Unix()
	olderTS := time.Now().Add(-time.Minute).Unix()

	newerNonce, _ := sign.NewNonce()
	newerSig, _ := sign.Sign(peerSecret, newerTS, newerNonce, newer)
	olderNonce, _ := sign.NewNonce()
	olderSig, _ := sign.Sign(peerSecret, olderTS, olderNonce, older)

	msgNewer := model.FederationMessage{
		MessageID: postPUID + "-v2", Type: model.MsgPostUpdate, SenderNodeHostname: peerHost,
		Timestamp: newerTS, Nonce: newerNonce, Signature: newerSig, Payload: newer,
	}
	msgOlder := model.FederationMessage{
		MessageID: postPUID + "-v1", Type: model.MsgPostUpdate, SenderNodeHostname: peerHost,
		Timestamp: olderTS, Nonce: olderNonce, Signature: olderSig, Payload: older,
	}

	if _, appErr := env.dispatcher.Process(ctx, msgNewer, "corr-1"); appErr != nil {
		t.Fatalf("newer update failed: %v", appErr)
	}
	// Out-of-order delivery of the older version still succeeds, but loses.
	if _, appErr := env.dispatcher.Process(ctx, msgOlder, "corr-2"); appErr != nil {
		t.Fatalf("older update failed: %v", appErr)
	}

	stub, err := env.store.GetRemoteStub(ctx, postPUID)
	if err != nil {
		t.Fatalf("stub missing: %v", err)
	}
	if stub.Payload["body"] != "newer" {
		t.Errorf("expected newer body to win, got %q", stub.Payload["body"])
	}
}

func TestTargetedConnectionScope(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	groupPUID := puid(model.EntityGroup)
	otherPUID := puid(model.EntityGroup)
	now := time.Now().UTC()
	err := env.store.CreateConnectedNode(ctx, model.ConnectedNode{
		ID: "conn-gamma", Hostname: "gamma.example.org", ConnectionType: model.ConnectionTargeted,
		ResourceType: model.EntityGroup, ResourcePUID: groupPUID,
		Status: model.StatusConnected, SharedSecret: "gamma-secret",
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	send := func(msgType string, payload map[string]interface{}, messageID string) *apperrors.Error {
		ts := time.Now().Unix()
		nonce, _ := sign.NewNonce()
		sig, _ := sign.Sign("gamma-secret", ts, nonce, payload)
		msg := model.FederationMessage{
			MessageID: messageID, Type: msgType, SenderNodeHostname: "gamma.example.org",
			Timestamp: ts, Nonce: nonce, Signature: sig, Payload: payload,
		}
		_, appErr := env.dispatcher.Process(ctx, msg, "corr")
		return appErr
	}

	// In scope: post within the subscribed group.
	inScope := puid(model.EntityPost)
	payload := postPayload(inScope)
	payload["resourcePuid"] = groupPUID
	if appErr := send(model.MsgPostCreate, payload, inScope); appErr != nil {
		t.Fatalf("in-scope post rejected: %v", appErr)
	}

	// Out of scope: post for a different group.
	outScope := puid(model.EntityPost)
	payload = postPayload(outScope)
	payload["resourcePuid"] = otherPUID
	if appErr := send(model.MsgPostCreate, payload, outScope); appErr == nil || appErr.Code != apperrors.FED_SCOPE_VIOLATION {
		t.Errorf("expected FED_SCOPE_VIOLATION for other resource, got %v", appErr)
	}

	// No resource at all.
	noScope := puid(model.EntityPost)
	if appErr := send(model.MsgPostCreate, postPayload(noScope), noScope); appErr == nil || appErr.Code != apperrors.FED_SCOPE_VIOLATION {
		t.Errorf("expected FED_SCOPE_VIOLATION without resource, got %v", appErr)
	}

	// User discovery is denied on targeted connections.
	friendPayload := map[string]interface{}{
		"fromPuid": puid(model.EntityUser),
		"toPuid":   puid(model.EntityUser),
	}
	if appErr := send(model.MsgFriendRequest, friendPayload, puid(model.EntityUser)); appErr == nil ||
		appErr.Code != apperrors.FED_SCOPE_VIOLATION {
		t.Errorf("expected FED_SCOPE_VIOLATION for friend request over targeted connection, got %v", appErr)
	}
}

func TestHandlerFailureReleasesDedupClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// group-join for a group that does not exist locally fails the handler.
	payload := map[string]interface{}{
		"memberPuid": puid(model.EntityUser),
		"groupPuid":  puid(model.EntityGroup),
	}
	messageID := puid(model.EntityUser)
	msg := signedMessage(t, model.MsgGroupJoin, messageID, payload)

	_, appErr := env.dispatcher.Process(ctx, msg, "corr-1")
	if appErr == nil || appErr.Code != apperrors.FED_HANDLER_ERROR {
		t.Fatalf("expected FED_HANDLER_ERROR, got %v", appErr)
	}

	// The claim must be released so a retry is not swallowed as duplicate.
	claimed, err := env.store.MarkApplied(ctx, peerHost, messageID)
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if !claimed {
		t.Error("dedup claim was not released after handler failure")
	}
}

func TestGroupJoinRecordsMembership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	groupPUID, err := env.codec.Mint(ctx, model.EntityGroup, "group-row-1")
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	memberPUID := puid(model.EntityUser)

	payload := map[string]interface{}{
		"memberPuid":  memberPUID,
		"groupPuid":   groupPUID,
		"displayName": "Remote Member",
	}
	msg := signedMessage(t, model.MsgGroupJoin, memberPUID, payload)
	if _, appErr := env.dispatcher.Process(ctx, msg, "corr-1"); appErr != nil {
		t.Fatalf("group join failed: %v", appErr)
	}

	hosts, err := env.store.ListEdgeHostnames(ctx, groupPUID, model.EdgeMember)
	if err != nil {
		t.Fatalf("list edges failed: %v", err)
	}
	if len(hosts) != 1 || hosts[0] != peerHost {
		t.Errorf("expected member edge to %q, got %v", peerHost, hosts)
	}

	if _, err := env.store.GetRemoteStub(ctx, memberPUID); err != nil {
		t.Errorf("member stub not stored: %v", err)
	}
}

func TestFriendAcceptRecordsEdge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	localUser, err := env.codec.Mint(ctx, model.EntityUser, "user-row-1")
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	remoteUser := puid(model.EntityUser)

	payload := map[string]interface{}{
		"fromPuid": localUser,
		"toPuid":   remoteUser,
	}
	msg := signedMessage(t, model.MsgFriendAccept, remoteUser, payload)
	if _, appErr := env.dispatcher.Process(ctx, msg, "corr-1"); appErr != nil {
		t.Fatalf("friend accept failed: %v", appErr)
	}

	hosts, err := env.store.ListEdgeHostnames(ctx, localUser, model.EdgeFriend)
	if err != nil {
		t.Fatalf("list edges failed: %v", err)
	}
	if len(hosts) != 1 || hosts[0] != peerHost {
		t.Errorf("expected friend edge to %q, got %v", peerHost, hosts)
	}
}

func TestNodeDisconnectBlocksSender(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payload := map[string]interface{}{"reason": "shutting down"}
	msg := signedMessage(t, model.MsgNodeDisconnect, "disconnect-beta-1", payload)
	if _, appErr := env.dispatcher.Process(ctx, msg, "corr-1"); appErr != nil {
		t.Fatalf("disconnect failed: %v", appErr)
	}

	status, err := env.trust.Status(ctx, peerHost)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !status.Blocked {
		t.Error("sender should be blocked after node-disconnect")
	}

	// Content already applied stays; only new traffic is rejected.
	postPUID := puid(model.EntityPost)
	next := signedMessage(t, model.MsgPostCreate, postPUID, postPayload(postPUID))
	if _, appErr := env.dispatcher.Process(ctx, next, "corr-2"); appErr == nil || appErr.Code != apperrors.FED_BLOCKED {
		t.Errorf("expected FED_BLOCKED after disconnect, got %v", appErr)
	}
}

func TestCommentUpdateRevisesStub(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	commentPUID := puid(model.EntityComment)
	author := puid(model.EntityUser)
	create := signedMessage(t, model.MsgCommentCreate, "msg-"+ulid.Make().String(), map[string]interface{}{
		"puid":        commentPUID,
		"authorPuid":  author,
		"subjectPuid": puid(model.EntityPost),
		"body":        "first take",
	})
	if _, appErr := env.dispatcher.Process(ctx, create, "corr-cu-1"); appErr != nil {
		t.Fatalf("create rejected: %v", appErr)
	}

	update := signedMessage(t, model.MsgCommentUpdate, "msg-"+ulid.Make().String(), map[string]interface{}{
		"puid":       commentPUID,
		"authorPuid": author,
		"body":       "second take",
	})
	result, appErr := env.dispatcher.Process(ctx, update, "corr-cu-2")
	if appErr != nil {
		t.Fatalf("update rejected: %v", appErr)
	}
	if result.Status != "applied" {
		t.Errorf("expected applied, got %q", result.Status)
	}

	stub, err := env.store.GetRemoteStub(ctx, commentPUID)
	if err != nil {
		t.Fatalf("stub missing: %v", err)
	}
	if stub.Payload["body"] != "second take" {
		t.Errorf("stub body %v, want the revised text", stub.Payload["body"])
	}
}
