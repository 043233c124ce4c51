package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nodeweave/nodeweave-federation-go/internal/event"
	"github.com/nodeweave/nodeweave-federation-go/internal/metrics"
	"github.com/nodeweave/nodeweave-federation-go/internal/model"
	"github.com/nodeweave/nodeweave-federation-go/internal/sign"
	"github.com/nodeweave/nodeweave-federation-go/internal/storage"
	"github.com/nodeweave/nodeweave-federation-go/internal/trust"
)

const localHostname = "alpha.example.org"

// capturePublisher records delivery failure events for assertions.
type capturePublisher struct {
	mu       sync.Mutex
	failures []failureEvent
	failedCh chan struct{}
}

type failureEvent struct {
	hostname  string
	messageID string
	msgType   string
	attempts  int
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{failedCh: make(chan struct{}, 16)}
}

func (p *capturePublisher) PublishContentReceived(ctx context.Context, msgType string, stub model.RemoteStub) error {
	return nil
}

func (p *capturePublisher) PublishDeliveryFailed(ctx context.Context, hostname, messageID, msgType string, attempts int) error {
	p.mu.Lock()
	p.failures = append(p.failures, failureEvent{hostname, messageID, msgType, attempts})
	p.mu.Unlock()
	p.failedCh <- struct{}{}
	return nil
}

func (p *capturePublisher) PublishNodeConnected(ctx context.Context, hostname string) error { return nil }
func (p *capturePublisher) PublishNodeBlocked(ctx context.Context, hostname string) error   { return nil }
func (p *capturePublisher) Close() error                                                    { return nil }

func (p *capturePublisher) lastFailure(t *testing.T) failureEvent {
	t.Helper()
	select {
	case <-p.failedCh:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for delivery failure event")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures[len(p.failures)-1]
}

// peerServer is an httptest-backed remote inbox that records what it receives.
type peerServer struct {
	ts       *httptest.Server
	requests atomic.Int64
	received chan model.FederationMessage

	// respond decides the status of each request, keyed by attempt number
	// starting at 1. A missing entry means 200.
	mu      sync.Mutex
	respond func(attempt int) int
}

func newPeerServer(t *testing.T) *peerServer {
	t.Helper()
	p := &peerServer{received: make(chan model.FederationMessage, 16)}
	p.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt := int(p.requests.Add(1))

		var msg model.FederationMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		status := http.StatusOK
		p.mu.Lock()
		if p.respond != nil {
			status = p.respond(attempt)
		}
		p.mu.Unlock()

		w.WriteHeader(status)
		if status >= 200 && status < 300 {
			p.received <- msg
		}
	}))
	t.Cleanup(p.ts.Close)
	return p
}

// hostname returns the host:port the dispatcher should address.
func (p *peerServer) hostname() string {
	return strings.TrimPrefix(p.ts.URL, "http://")
}

func (p *peerServer) setResponder(f func(attempt int) int) {
	p.mu.Lock()
	p.respond = f
	p.mu.Unlock()
}

func (p *peerServer) waitForMessage(t *testing.T) model.FederationMessage {
	t.Helper()
	select {
	case msg := <-p.received:
		return msg
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return model.FederationMessage{}
	}
}

func seedFullConnection(t *testing.T, store storage.Store, hostname, secret string) {
	t.Helper()
	now := time.Now().UTC()
	err := store.CreateConnectedNode(context.Background(), model.ConnectedNode{
		ID: "conn-" + hostname, Hostname: hostname, ConnectionType: model.ConnectionFull,
		Status: model.StatusConnected, SharedSecret: secret,
		OriginNodeID: "node-" + hostname, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed connection failed: %v", err)
	}
}

func newDispatcher(t *testing.T, store storage.Store, pub event.Publisher, opts Options) *Dispatcher {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	trustMgr := trust.NewManager(store, localHostname, "node-alpha", logger)
	opts.Scheme = "http"
	if opts.DeliveryTimeout == 0 {
		opts.DeliveryTimeout = 5 * time.Second
	}
	d := New(store, trustMgr, pub, metrics.NewMetrics(), logger, localHostname, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})
	return d
}

func postRequest(scope model.PrivacyScope) model.EnqueueRequest {
	return model.EnqueueRequest{
		ContentType:  model.EntityPost,
		ContentPUID:  "post-" + ulid.Make().String(),
		PrivacyScope: scope,
		AuthorPUID:   "user-" + ulid.Make().String(),
		Payload: map[string]interface{}{
			"body":         "fresh from the oven",
			"privacyScope": string(scope),
			"createdAt":    time.Now().UTC().Format(time.RFC3339),
		},
	}
}

func TestEnqueueDeliversPublicPost(t *testing.T) {
	store := storage.NewMemory()
	peer := newPeerServer(t)
	seedFullConnection(t, store, peer.hostname(), "alpha-beta-secret")

	d := newDispatcher(t, store, newCapturePublisher(), Options{})

	req := postRequest(model.ScopePublic)
	result, err := d.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if result.Targets != 1 {
		t.Fatalf("expected 1 target, got %d", result.Targets)
	}

	msg := peer.waitForMessage(t)
	if msg.Type != model.MsgPostCreate {
		t.Errorf("expected post-create, got %q", msg.Type)
	}
	if msg.MessageID == "" {
		t.Error("message id should be set")
	}
	if msg.MessageID == req.ContentPUID {
		t.Error("message id must not reuse the content puid, or updates would dedup away")
	}
	if msg.SenderNodeHostname != localHostname {
		t.Errorf("expected sender %q, got %q", localHostname, msg.SenderNodeHostname)
	}
	if msg.Payload["puid"] != req.ContentPUID || msg.Payload["authorPuid"] != req.AuthorPUID {
		t.Error("payload is missing the injected identity fields")
	}

	// The receiver must be able to verify the envelope with the shared secret.
	want, err := sign.Sign("alpha-beta-secret", msg.Timestamp, msg.Nonce, msg.Payload)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if msg.Signature != want {
		t.Error("envelope signature does not verify against the shared secret")
	}
}

func TestEnqueuePublicIncludesSubscribers(t *testing.T) {
	store := storage.NewMemory()
	full := newPeerServer(t)
	subscriber := newPeerServer(t)
	seedFullConnection(t, store, full.hostname(), "full-secret")

	groupPUID := "group-" + ulid.Make().String()
	now := time.Now().UTC()
	err := store.CreateConnectedNode(context.Background(), model.ConnectedNode{
		ID: "conn-sub", Hostname: subscriber.hostname(), ConnectionType: model.ConnectionTargeted,
		ResourceType: model.EntityGroup, ResourcePUID: groupPUID,
		Status: model.StatusConnected, SharedSecret: "sub-secret",
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed subscriber failed: %v", err)
	}

	d := newDispatcher(t, store, newCapturePublisher(), Options{})

	req := postRequest(model.ScopePublic)
	req.ResourcePUID = groupPUID
	result, err := d.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if result.Targets != 2 {
		t.Fatalf("expected 2 targets, got %d", result.Targets)
	}

	full.waitForMessage(t)
	msg := subscriber.waitForMessage(t)
	if msg.Payload["resourcePuid"] != groupPUID {
		t.Errorf("subscriber delivery should carry the resource, got %v", msg.Payload["resourcePuid"])
	}
}

func TestEnqueueFriendsScopeTargetsFriendHostsOnly(t *testing.T) {
	store := storage.NewMemory()
	fullPeer := newPeerServer(t)
	friendPeer := newPeerServer(t)
	seedFullConnection(t, store, fullPeer.hostname(), "full-secret")
	seedFullConnection(t, store, friendPeer.hostname(), "friend-secret")

	req := postRequest(model.ScopeFriends)
	err := store.CreateRemoteEdge(context.Background(), model.RemoteEdge{
		AuthorPUID: req.AuthorPUID,
		PeerPUID:   "user-" + ulid.Make().String(),
		Hostname:   friendPeer.hostname(),
		EdgeType:   model.EdgeFriend,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed edge failed: %v", err)
	}

	d := newDispatcher(t, store, newCapturePublisher(), Options{})

	result, err := d.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if result.Targets != 1 {
		t.Fatalf("expected only the friend host, got %d targets", result.Targets)
	}

	friendPeer.waitForMessage(t)
	if n := fullPeer.requests.Load(); n != 0 {
		t.Errorf("friends-scoped content leaked to a non-friend host (%d requests)", n)
	}
}

func TestEnqueueLocalScopeNeverFederates(t *testing.T) {
	store := storage.NewMemory()
	peer := newPeerServer(t)
	seedFullConnection(t, store, peer.hostname(), "secret")

	d := newDispatcher(t, store, newCapturePublisher(), Options{})

	result, err := d.Enqueue(context.Background(), postRequest(model.ScopeLocal))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if result.Targets != 0 {
		t.Errorf("local content must have 0 targets, got %d", result.Targets)
	}
}

func TestEnqueueApprovalGateWithholds(t *testing.T) {
	store := storage.NewMemory()
	peer := newPeerServer(t)
	seedFullConnection(t, store, peer.hostname(), "secret")

	gate := func(ctx context.Context, req model.EnqueueRequest) (bool, error) {
		return false, nil
	}
	d := newDispatcher(t, store, newCapturePublisher(), Options{Gate: gate})

	result, err := d.Enqueue(context.Background(), postRequest(model.ScopePublic))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if result.Targets != 0 {
		t.Errorf("withheld content must have 0 targets, got %d", result.Targets)
	}
	if n := peer.requests.Load(); n != 0 {
		t.Errorf("withheld content was delivered (%d requests)", n)
	}
}

func TestEnqueueRejectsNonFederatedContentType(t *testing.T) {
	store := storage.NewMemory()
	d := newDispatcher(t, store, newCapturePublisher(), Options{})

	req := postRequest(model.ScopePublic)
	req.ContentType = model.EntityGroup
	if _, err := d.Enqueue(context.Background(), req); err == nil {
		t.Error("expected error for non-federated content type")
	}
}

func TestDeliveryRetriesTransientFailure(t *testing.T) {
	store := storage.NewMemory()
	peer := newPeerServer(t)
	peer.setResponder(func(attempt int) int {
		if attempt == 1 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	})
	seedFullConnection(t, store, peer.hostname(), "secret")

	d := newDispatcher(t, store, newCapturePublisher(), Options{MaxDeliveryAttempts: 5})

	if _, err := d.Enqueue(context.Background(), postRequest(model.ScopePublic)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// Each attempt signs a fresh envelope; the retry must carry a new nonce.
	msg := peer.waitForMessage(t)
	if msg.Nonce == "" {
		t.Error("retried delivery carries no nonce")
	}
	if n := peer.requests.Load(); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}
}

func TestDeliveryStopsOnPermanentRejection(t *testing.T) {
	store := storage.NewMemory()
	peer := newPeerServer(t)
	peer.setResponder(func(attempt int) int { return http.StatusForbidden })
	seedFullConnection(t, store, peer.hostname(), "secret")

	pub := newCapturePublisher()
	d := newDispatcher(t, store, pub, Options{MaxDeliveryAttempts: 5})

	req := postRequest(model.ScopePublic)
	if _, err := d.Enqueue(context.Background(), req); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	failure := pub.lastFailure(t)
	if failure.attempts != 1 {
		t.Errorf("a 403 must not be retried, got %d attempts", failure.attempts)
	}
	if failure.messageID != req.ContentPUID {
		t.Errorf("failure event carries wrong message id %q", failure.messageID)
	}
	if n := peer.requests.Load(); n != 1 {
		t.Errorf("expected exactly 1 request, got %d", n)
	}
}

func TestDeliveryExhaustsRetryBudget(t *testing.T) {
	store := storage.NewMemory()
	peer := newPeerServer(t)
	peer.setResponder(func(attempt int) int { return http.StatusServiceUnavailable })
	seedFullConnection(t, store, peer.hostname(), "secret")

	pub := newCapturePublisher()
	d := newDispatcher(t, store, pub, Options{MaxDeliveryAttempts: 2})

	if _, err := d.Enqueue(context.Background(), postRequest(model.ScopePublic)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	failure := pub.lastFailure(t)
	if failure.attempts != 2 {
		t.Errorf("expected 2 attempts before giving up, got %d", failure.attempts)
	}
	if failure.hostname != peer.hostname() {
		t.Errorf("failure event names wrong hostname %q", failure.hostname)
	}
}

func TestSendDisconnectNotifiesPeerAndBlocks(t *testing.T) {
	store := storage.NewMemory()
	peer := newPeerServer(t)
	seedFullConnection(t, store, peer.hostname(), "secret")

	logger := slog.New(slog.DiscardHandler)
	trustMgr := trust.NewManager(store, localHostname, "node-alpha", logger)
	d := New(store, trustMgr, newCapturePublisher(), metrics.NewMetrics(), logger,
		localHostname, Options{Scheme: "http", DeliveryTimeout: 5 * time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})

	ctx := context.Background()
	if err := d.SendDisconnect(ctx, peer.hostname(), "policy change"); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}

	msg := peer.waitForMessage(t)
	if msg.Type != model.MsgNodeDisconnect {
		t.Errorf("expected node-disconnect, got %q", msg.Type)
	}
	if msg.Payload["reason"] != "policy change" {
		t.Errorf("expected reason in payload, got %v", msg.Payload["reason"])
	}

	status, err := trustMgr.Status(ctx, peer.hostname())
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !status.Blocked {
		t.Error("hostname should be blocked after disconnect")
	}
}

func TestEnqueueUpdateDeliversPostUpdate(t *testing.T) {
	store := storage.NewMemory()
	peer := newPeerServer(t)
	seedFullConnection(t, store, peer.hostname(), "alpha-beta-secret")

	d := newDispatcher(t, store, newCapturePublisher(), Options{})
	ctx := context.Background()

	req := postRequest(model.ScopePublic)
	if _, err := d.Enqueue(ctx, req); err != nil {
		t.Fatalf("create enqueue failed: %v", err)
	}
	created := peer.waitForMessage(t)

	req.Operation = model.OpUpdate
	req.Payload["body"] = "revised after publication"
	if _, err := d.Enqueue(ctx, req); err != nil {
		t.Fatalf("update enqueue failed: %v", err)
	}
	updated := peer.waitForMessage(t)

	if updated.Type != model.MsgPostUpdate {
		t.Errorf("expected post-update, got %q", updated.Type)
	}
	if updated.MessageID == created.MessageID {
		t.Error("each revision needs its own message id, or the receiver drops the edit as a duplicate")
	}
	if updated.Payload["puid"] != req.ContentPUID {
		t.Errorf("update must carry the original content puid, got %v", updated.Payload["puid"])
	}
	if updated.Payload["body"] != "revised after publication" {
		t.Errorf("update body %v", updated.Payload["body"])
	}
}

func TestEnqueueRepostCarriesOriginal(t *testing.T) {
	store := storage.NewMemory()
	peer := newPeerServer(t)
	seedFullConnection(t, store, peer.hostname(), "alpha-beta-secret")

	d := newDispatcher(t, store, newCapturePublisher(), Options{})

	subject := "post-" + ulid.Make().String()
	req := postRequest(model.ScopePublic)
	req.Operation = model.OpRepost
	req.Payload["subjectPuid"] = subject
	if _, err := d.Enqueue(context.Background(), req); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	msg := peer.waitForMessage(t)
	if msg.Type != model.MsgRepost {
		t.Errorf("expected repost, got %q", msg.Type)
	}
	if msg.Payload["subjectPuid"] != subject {
		t.Errorf("repost must reference the original post, got %v", msg.Payload["subjectPuid"])
	}
}

func TestEnqueueRejectsUpdateOfMedia(t *testing.T) {
	store := storage.NewMemory()
	d := newDispatcher(t, store, newCapturePublisher(), Options{})

	req := postRequest(model.ScopePublic)
	req.ContentType = model.EntityMedia
	req.Operation = model.OpUpdate
	if _, err := d.Enqueue(context.Background(), req); err == nil {
		t.Fatal("expected media updates to be rejected")
	}
}

func TestDeliveryPartialFailureIsolatesTargets(t *testing.T) {
	store := storage.NewMemory()
	healthy := newPeerServer(t)
	failing := newPeerServer(t)
	failing.setResponder(func(attempt int) int { return http.StatusServiceUnavailable })
	seedFullConnection(t, store, healthy.hostname(), "healthy-secret")
	seedFullConnection(t, store, failing.hostname(), "failing-secret")

	pub := newCapturePublisher()
	d := newDispatcher(t, store, pub, Options{MaxDeliveryAttempts: 2})

	req := postRequest(model.ScopePublic)
	result, err := d.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if result.Targets != 2 {
		t.Fatalf("expected 2 targets, got %d", result.Targets)
	}

	// The healthy peer gets the message regardless of its sibling's outage.
	msg := healthy.waitForMessage(t)
	if msg.Payload["puid"] != req.ContentPUID {
		t.Errorf("healthy peer received wrong content: %v", msg.Payload["puid"])
	}

	failure := pub.lastFailure(t)
	if failure.hostname != failing.hostname() {
		t.Errorf("failure event names %q, want the failing peer %q", failure.hostname, failing.hostname())
	}
	if failure.attempts != 2 {
		t.Errorf("expected the attempt budget of 2 to be spent, got %d", failure.attempts)
	}
	if got := failing.requests.Load(); got != 2 {
		t.Errorf("failing peer should see exactly 2 attempts, got %d", got)
	}
}
