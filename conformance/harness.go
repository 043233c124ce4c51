// Package conformance provides a test harness for verifying federation
// behavior between two in-process nodes. Each node runs the full component
// stack behind an httptest server and addresses its peer over real HTTP.
package conformance

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nodeweave/nodeweave-federation-go/internal/event"
	"github.com/nodeweave/nodeweave-federation-go/internal/identity"
	"github.com/nodeweave/nodeweave-federation-go/internal/inbox"
	"github.com/nodeweave/nodeweave-federation-go/internal/jwks"
	"github.com/nodeweave/nodeweave-federation-go/internal/metrics"
	"github.com/nodeweave/nodeweave-federation-go/internal/model"
	"github.com/nodeweave/nodeweave-federation-go/internal/outbox"
	"github.com/nodeweave/nodeweave-federation-go/internal/resolver"
	"github.com/nodeweave/nodeweave-federation-go/internal/schema"
	"github.com/nodeweave/nodeweave-federation-go/internal/server"
	"github.com/nodeweave/nodeweave-federation-go/internal/sign"
	"github.com/nodeweave/nodeweave-federation-go/internal/storage"
	"github.com/nodeweave/nodeweave-federation-go/internal/trust"
)

// Config holds configuration for the conformance test harness.
type Config struct {
	// JWTIssuer is the expected JWT issuer for admin endpoints
	JWTIssuer string

	// JWTAudience is the expected JWT audience for admin endpoints
	JWTAudience string
}

// Node is one fully wired federation node. Its hostname is the address of
// its httptest listener, so peers can reach it over the loopback.
type Node struct {
	Hostname string
	NodeID   string
	Store    storage.Store
	Trust    *trust.Manager
	Codec    *identity.Codec

	ts       *httptest.Server
	verifier *sign.Verifier
	outbox   *outbox.Dispatcher
}

// Harness runs two connected nodes for federation scenarios.
type Harness struct {
	Alpha *Node
	Beta  *Node
	cfg   Config
}

// NewHarness creates two nodes. They start unpaired; the pairing scenario
// establishes the connection the later scenarios rely on.
func NewHarness(cfg Config) (*Harness, error) {
	alpha, err := newNode(cfg, "node-alpha")
	if err != nil {
		return nil, err
	}
	beta, err := newNode(cfg, "node-beta")
	if err != nil {
		alpha.close()
		return nil, err
	}
	return &Harness{Alpha: alpha, Beta: beta, cfg: cfg}, nil
}

// newNode wires the full component stack behind an httptest server. The
// listener is created first so the node's hostname is known before the
// components that embed it are built.
func newNode(cfg Config, nodeID string) (*Node, error) {
	ts := httptest.NewUnstartedServer(nil)
	hostname := ts.Listener.Addr().String()

	store := storage.NewMemory()
	logger := slog.New(slog.DiscardHandler)
	trustMgr := trust.NewManager(store, hostname, nodeID, logger)
	verifier := sign.NewVerifier()

	validator, err := schema.NewValidator()
	if err != nil {
		ts.Close()
		return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
	}
	codec := identity.NewCodec(store)
	pub := event.NewPublisher("")
	m := metrics.NewMetrics()
	res := resolver.New(store, logger)

	inboxDisp := inbox.New(store, trustMgr, verifier, validator, codec, pub, nil, m, logger)
	outboxDisp := outbox.New(store, trustMgr, pub, m, logger, hostname, outbox.Options{
		Scheme:          "http",
		DeliveryTimeout: 5 * time.Second,
	})

	ts.Config.Handler = server.NewMux(server.Deps{
		Store:       store,
		Trust:       trustMgr,
		Inbox:       inboxDisp,
		Outbox:      outboxDisp,
		Resolver:    res,
		Codec:       codec,
		Publisher:   pub,
		JWKS:        jwks.NewTestClient(),
		Hostname:    hostname,
		NodeID:      nodeID,
		JWTIssuer:   cfg.JWTIssuer,
		JWTAudience: cfg.JWTAudience,
		Scheme:      "http",
		Logger:      logger,
	})
	ts.Start()

	return &Node{
		Hostname: hostname,
		NodeID:   nodeID,
		Store:    store,
		Trust:    trustMgr,
		Codec:    codec,
		ts:       ts,
		verifier: verifier,
		outbox:   outboxDisp,
	}, nil
}

func (n *Node) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n.outbox.Shutdown(ctx)
	n.verifier.Stop()
	n.ts.Close()
}

// URL returns the base URL of the node's server.
func (n *Node) URL() string { return n.ts.URL }

// Close shuts down both nodes.
func (h *Harness) Close() {
	h.Alpha.close()
	h.Beta.close()
}

// AdminToken builds an unsigned bearer token the test JWKS client accepts.
func (h *Harness) AdminToken() string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims, _ := json.Marshal(map[string]interface{}{
		"iss": h.cfg.JWTIssuer,
		"aud": h.cfg.JWTAudience,
		"sub": "conformance-admin",
	})
	return header + "." + base64.RawURLEncoding.EncodeToString(claims) + "."
}

// post sends a JSON body to a node endpoint, optionally with a bearer token.
func (h *Harness) post(t *testing.T, n *Node, path, token string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, n.URL()+path, bytes.NewReader(b))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *Harness) get(t *testing.T, n *Node, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, n.URL()+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeData(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	var wrapped struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapped); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if err := json.Unmarshal(wrapped.Data, dst); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

// signedMessage builds an envelope from one node to another using the shared
// secret both sides hold after pairing.
func (h *Harness) signedMessage(t *testing.T, from, to *Node, msgType, messageID string, payload map[string]interface{}) model.FederationMessage {
	t.Helper()
	conn, err := from.Store.GetFullConnection(context.Background(), to.Hostname)
	if err != nil {
		t.Fatalf("nodes are not paired: %v", err)
	}
	ts := time.Now().Unix()
	nonce, err := sign.NewNonce()
	if err != nil {
		t.Fatalf("nonce failed: %v", err)
	}
	sig, err := sign.Sign(conn.SharedSecret, ts, nonce, payload)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	return model.FederationMessage{
		MessageID:          messageID,
		Type:               msgType,
		SenderNodeHostname: from.Hostname,
		Timestamp:          ts,
		Nonce:              nonce,
		Signature:          sig,
		Payload:            payload,
	}
}

// RunConformanceTests runs the federation scenarios in dependency order:
// later scenarios assume the connection established by the pairing scenario.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("Pairing", h.testPairing)
	t.Run("ContentDelivery", h.testContentDelivery)
	t.Run("DuplicateRedelivery", h.testDuplicateRedelivery)
	t.Run("TargetedScope", h.testTargetedScope)
	t.Run("Blocking", h.testBlocking)
}

func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, n := range []*Node{h.Alpha, h.Beta} {
		resp := h.get(t, n, "/healthz", "")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected 200 for %s /healthz, got %d", n.Hostname, resp.StatusCode)
		}
	}
}

// testPairing establishes the alpha-beta connection: beta issues a token,
// alpha redeems it through the connect endpoint.
func (h *Harness) testPairing(t *testing.T) {
	token := h.AdminToken()

	resp := h.post(t, h.Beta, "/v1/admin/pairing-token", token, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("token issuance failed with status %d", resp.StatusCode)
	}
	var issued model.PairingToken
	decodeData(t, resp, &issued)

	resp = h.post(t, h.Alpha, "/v1/admin/connect", token, map[string]string{
		"hostname": h.Beta.Hostname,
		"token":    issued.Token,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connect failed with status %d", resp.StatusCode)
	}

	var status model.TrustStatus
	resp = h.get(t, h.Alpha, "/v1/trust/status?hostname="+h.Beta.Hostname, token)
	decodeData(t, resp, &status)
	if !status.Connected {
		t.Error("alpha does not report beta connected")
	}
	resp = h.get(t, h.Beta, "/v1/trust/status?hostname="+h.Alpha.Hostname, token)
	decodeData(t, resp, &status)
	if !status.Connected {
		t.Error("beta does not report alpha connected")
	}
}

// testContentDelivery enqueues a public post on alpha and waits for its stub
// to become resolvable on beta.
func (h *Harness) testContentDelivery(t *testing.T) {
	token := h.AdminToken()
	postPUID := "post-" + ulid.Make().String()

	resp := h.post(t, h.Alpha, "/v1/outbox/enqueue", token, model.EnqueueRequest{
		ContentType:  model.EntityPost,
		ContentPUID:  postPUID,
		PrivacyScope: model.ScopePublic,
		AuthorPUID:   "user-" + ulid.Make().String(),
		Payload: map[string]interface{}{
			"body":         "delivered across nodes",
			"privacyScope": "public",
			"createdAt":    time.Now().UTC().Format(time.RFC3339),
		},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("enqueue failed with status %d", resp.StatusCode)
	}
	var result model.EnqueueResult
	decodeData(t, resp, &result)
	if result.Targets != 1 {
		t.Fatalf("expected 1 target, got %d", result.Targets)
	}

	// Delivery is asynchronous; poll until the stub lands.
	deadline := time.Now().Add(10 * time.Second)
	for {
		stub, err := h.Beta.Store.GetRemoteStub(context.Background(), postPUID)
		if err == nil {
			if stub.OriginHostname != h.Alpha.Hostname {
				t.Errorf("stub has wrong origin %q", stub.OriginHostname)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("post was never delivered to beta")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// testDuplicateRedelivery posts the same message twice and checks the second
// delivery is acknowledged as a duplicate, not re-applied.
func (h *Harness) testDuplicateRedelivery(t *testing.T) {
	postPUID := "post-" + ulid.Make().String()
	payload := map[string]interface{}{
		"puid":         postPUID,
		"authorPuid":   "user-" + ulid.Make().String(),
		"body":         "sent twice",
		"privacyScope": "public",
		"createdAt":    time.Now().UTC().Format(time.RFC3339),
	}

	msg := h.signedMessage(t, h.Alpha, h.Beta, model.MsgPostCreate, postPUID, payload)
	resp := h.post(t, h.Beta, "/v1/federation/inbox", "", msg)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first delivery failed with status %d", resp.StatusCode)
	}
	var result model.InboxResult
	decodeData(t, resp, &result)
	if result.Status != "applied" {
		t.Fatalf("expected applied, got %q", result.Status)
	}

	retry := h.signedMessage(t, h.Alpha, h.Beta, model.MsgPostCreate, postPUID, payload)
	resp = h.post(t, h.Beta, "/v1/federation/inbox", "", retry)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("redelivery failed with status %d", resp.StatusCode)
	}
	decodeData(t, resp, &result)
	if result.Status != "duplicate" {
		t.Errorf("expected duplicate, got %q", result.Status)
	}
}

// testTargetedScope checks that a targeted connection cannot write outside
// the resource it is scoped to.
func (h *Harness) testTargetedScope(t *testing.T) {
	ctx := context.Background()
	groupPUID := "group-" + ulid.Make().String()
	now := time.Now().UTC()

	// gamma holds a targeted subscription to one group on beta.
	err := h.Beta.Store.CreateConnectedNode(ctx, model.ConnectedNode{
		ID: "conn-gamma", Hostname: "gamma.example.org", ConnectionType: model.ConnectionTargeted,
		ResourceType: model.EntityGroup, ResourcePUID: groupPUID,
		Status: model.StatusConnected, SharedSecret: "gamma-secret",
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed targeted connection failed: %v", err)
	}

	postPUID := "post-" + ulid.Make().String()
	payload := map[string]interface{}{
		"puid":         postPUID,
		"authorPuid":   "user-" + ulid.Make().String(),
		"body":         "outside the subscription",
		"privacyScope": "public",
		"createdAt":    now.Format(time.RFC3339),
		"resourcePuid": "group-" + ulid.Make().String(),
	}
	ts := time.Now().Unix()
	nonce, _ := sign.NewNonce()
	sig, _ := sign.Sign("gamma-secret", ts, nonce, payload)

	resp := h.post(t, h.Beta, "/v1/federation/inbox", "", model.FederationMessage{
		MessageID: postPUID, Type: model.MsgPostCreate, SenderNodeHostname: "gamma.example.org",
		Timestamp: ts, Nonce: nonce, Signature: sig, Payload: payload,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for out-of-scope write, got %d", resp.StatusCode)
	}
}

// testBlocking severs alpha from beta's side and checks traffic stops.
// It runs last: the connection is unusable afterwards.
func (h *Harness) testBlocking(t *testing.T) {
	token := h.AdminToken()

	// Build the message before blocking; the secret is still available.
	postPUID := "post-" + ulid.Make().String()
	msg := h.signedMessage(t, h.Alpha, h.Beta, model.MsgPostCreate, postPUID, map[string]interface{}{
		"puid":         postPUID,
		"authorPuid":   "user-" + ulid.Make().String(),
		"body":         "after the block",
		"privacyScope": "public",
		"createdAt":    time.Now().UTC().Format(time.RFC3339),
	})

	resp := h.post(t, h.Beta, "/v1/admin/block", token, map[string]string{
		"hostname": h.Alpha.Hostname,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("block failed with status %d", resp.StatusCode)
	}

	resp = h.post(t, h.Beta, "/v1/federation/inbox", "", msg)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 from a blocked sender, got %d", resp.StatusCode)
	}
}
