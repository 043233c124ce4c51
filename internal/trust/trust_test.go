package trust

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/nodeweave/nodeweave-federation-go/internal/model"
	"github.com/nodeweave/nodeweave-federation-go/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	logger := slog.New(slog.DiscardHandler)
	return NewManager(store, "alpha.example.org", "node-alpha", logger), store
}

func TestDeriveSecretIsSymmetric(t *testing.T) {
	a := DeriveSecret("tok", "alpha.example.org", "beta.example.org")
	b := DeriveSecret("tok", "beta.example.org", "alpha.example.org")
	if a != b {
		t.Errorf("derivation not symmetric: %q vs %q", a, b)
	}
	if a == DeriveSecret("other", "alpha.example.org", "beta.example.org") {
		t.Error("different tokens must derive different secrets")
	}
	if a == DeriveSecret("tok", "alpha.example.org", "gamma.example.org") {
		t.Error("different hostname pairs must derive different secrets")
	}
}

func TestIssueAndRedeemToken(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	tok, err := mgr.IssueToken(ctx, "admin-1")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if len(tok.Token) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(tok.Token))
	}
	if got := tok.ExpiresAt.Sub(tok.CreatedAt); got != TokenTTL {
		t.Errorf("expected 24h validity, got %v", got)
	}

	resp, err := mgr.Redeem(ctx, model.PairRequest{
		Token:    tok.Token,
		Hostname: "beta.example.org",
		NodeID:   "node-beta",
	})
	if err != nil {
		t.Fatalf("redeem failed: %v", err)
	}
	if resp.SharedSecret != DeriveSecret(tok.Token, "alpha.example.org", "beta.example.org") {
		t.Error("response secret does not match derivation")
	}
	if resp.Hostname != "alpha.example.org" || resp.NodeID != "node-alpha" {
		t.Errorf("unexpected responder identity: %+v", resp)
	}

	node, err := store.GetFullConnection(ctx, "beta.example.org")
	if err != nil {
		t.Fatalf("connection row missing: %v", err)
	}
	if node.Status != model.StatusConnected {
		t.Errorf("expected connected status, got %q", node.Status)
	}
	if node.SharedSecret != resp.SharedSecret {
		t.Error("stored secret differs from response secret")
	}
}

func TestRedeemRejectsSecondUse(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	tok, err := mgr.IssueToken(ctx, "admin-1")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	req := model.PairRequest{Token: tok.Token, Hostname: "beta.example.org", NodeID: "node-beta"}
	if _, err := mgr.Redeem(ctx, req); err != nil {
		t.Fatalf("first redeem failed: %v", err)
	}

	req.Hostname = "gamma.example.org"
	req.NodeID = "node-gamma"
	if _, err := mgr.Redeem(ctx, req); !errors.Is(err, storage.ErrTokenUsed) {
		t.Errorf("expected ErrTokenUsed, got %v", err)
	}
}

func TestRedeemRejectsExpiredAndUnknown(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	expired := model.PairingToken{
		Token:     "expiredtoken",
		IssuerID:  "admin-1",
		CreatedAt: time.Now().Add(-25 * time.Hour),
		ExpiresAt: time.Now().Add(-1 * time.Hour),
	}
	if err := store.CreatePairingToken(ctx, expired); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	req := model.PairRequest{Token: "expiredtoken", Hostname: "beta.example.org", NodeID: "node-beta"}
	if _, err := mgr.Redeem(ctx, req); !errors.Is(err, storage.ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}

	req.Token = "neverissued"
	if _, err := mgr.Redeem(ctx, req); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRedeemRejectsSelfPairing(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	tok, err := mgr.IssueToken(ctx, "admin-1")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	req := model.PairRequest{Token: tok.Token, Hostname: "mirror.example.org", NodeID: "node-alpha"}
	if _, err := mgr.Redeem(ctx, req); !errors.Is(err, ErrSelfPairing) {
		t.Errorf("expected ErrSelfPairing, got %v", err)
	}
}

func TestLookupPrefersFullConnection(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ref := model.ResourceRef{Type: model.EntityGroup, PUID: "group-01TESTGROUP"}
	seed := []model.ConnectedNode{
		{ID: "t1", Hostname: "beta.example.org", ConnectionType: model.ConnectionTargeted,
			ResourceType: ref.Type, ResourcePUID: ref.PUID, Status: model.StatusConnected,
			SharedSecret: "targeted-secret", CreatedAt: now, UpdatedAt: now},
		{ID: "f1", Hostname: "beta.example.org", ConnectionType: model.ConnectionFull,
			Status: model.StatusConnected, SharedSecret: "full-secret", CreatedAt: now, UpdatedAt: now},
	}
	for _, node := range seed {
		if err := store.CreateConnectedNode(ctx, node); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	node, err := mgr.Lookup(ctx, "beta.example.org", &ref)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if node.ConnectionType != model.ConnectionFull {
		t.Errorf("expected full connection to win, got %q", node.ConnectionType)
	}
	if node.SharedSecret != "full-secret" {
		t.Errorf("expected full secret, got %q", node.SharedSecret)
	}
}

func TestLookupFallsBackToTargeted(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ref := model.ResourceRef{Type: model.EntityGroup, PUID: "group-01TESTGROUP"}
	node := model.ConnectedNode{
		ID: "t1", Hostname: "beta.example.org", ConnectionType: model.ConnectionTargeted,
		ResourceType: ref.Type, ResourcePUID: ref.PUID, Status: model.StatusConnected,
		SharedSecret: "targeted-secret", CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateConnectedNode(ctx, node); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	got, err := mgr.Lookup(ctx, "beta.example.org", &ref)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got.SharedSecret != "targeted-secret" {
		t.Errorf("expected targeted secret, got %q", got.SharedSecret)
	}

	// A known subscriber is still identified without a matching resource;
	// rejecting the write for being out of scope is the inbox's job.
	got, err = mgr.Lookup(ctx, "beta.example.org", nil)
	if err != nil {
		t.Fatalf("lookup without resource failed: %v", err)
	}
	if got.SharedSecret != "targeted-secret" {
		t.Errorf("expected targeted secret, got %q", got.SharedSecret)
	}

	other := model.ResourceRef{Type: model.EntityGroup, PUID: "group-01OTHERGROUP"}
	got, err = mgr.Lookup(ctx, "beta.example.org", &other)
	if err != nil {
		t.Fatalf("lookup for other resource failed: %v", err)
	}
	if got.ResourcePUID != ref.PUID {
		t.Errorf("expected the subscriber's own row, got %q", got.ResourcePUID)
	}
}

func TestBlockRejectsLookup(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	tok, err := mgr.IssueToken(ctx, "admin-1")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := mgr.Redeem(ctx, model.PairRequest{Token: tok.Token, Hostname: "beta.example.org", NodeID: "node-beta"}); err != nil {
		t.Fatalf("redeem failed: %v", err)
	}

	if err := mgr.Block(ctx, "beta.example.org"); err != nil {
		t.Fatalf("block failed: %v", err)
	}
	if _, err := mgr.Lookup(ctx, "beta.example.org", nil); !errors.Is(err, ErrBlocked) {
		t.Errorf("expected ErrBlocked, got %v", err)
	}

	status, err := mgr.Status(ctx, "beta.example.org")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !status.Blocked || status.Connected {
		t.Errorf("expected blocked and not connected, got %+v", status)
	}
}

func TestLookupUnknownHostname(t *testing.T) {
	mgr, _ := newTestManager(t)
	if _, err := mgr.Lookup(context.Background(), "stranger.example.org", nil); !errors.Is(err, ErrUnknownSender) {
		t.Errorf("expected ErrUnknownSender, got %v", err)
	}
}

func TestAuthFailureCounter(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	tok, err := mgr.IssueToken(ctx, "admin-1")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := mgr.Redeem(ctx, model.PairRequest{Token: tok.Token, Hostname: "beta.example.org", NodeID: "node-beta"}); err != nil {
		t.Fatalf("redeem failed: %v", err)
	}

	mgr.RecordAuthFailure(ctx, "beta.example.org")
	mgr.RecordAuthFailure(ctx, "beta.example.org")

	status, err := mgr.Status(ctx, "beta.example.org")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.AuthFailures != 2 {
		t.Errorf("expected 2 failures, got %d", status.AuthFailures)
	}

	mgr.RecordAuthSuccess(ctx, "beta.example.org")
	node, err := store.GetFullConnection(ctx, "beta.example.org")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if node.AuthFailures != 0 {
		t.Errorf("expected counter reset, got %d", node.AuthFailures)
	}
}
