package sign

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nodeweave/nodeweave-federation-go/internal/model"
)

func testMessage(secret string, ts int64, nonce string, payload map[string]interface{}) model.FederationMessage {
	sig, err := Sign(secret, ts, nonce, payload)
	if err != nil {
		panic(err)
	}
	return model.FederationMessage{
		MessageID:          "post-01TESTMESSAGE",
		Type:               model.MsgPostCreate,
		SenderNodeHostname: "peer.example.org",
		Timestamp:          ts,
		Nonce:              nonce,
		Signature:          sig,
		Payload:            payload,
	}
}

func TestCanonicalPayloadIsOrderIndependent(t *testing.T) {
	a := map[string]interface{}{"b": 2, "a": 1, "nested": map[string]interface{}{"y": "z", "x": "w"}}
	b := map[string]interface{}{"nested": map[string]interface{}{"x": "w", "y": "z"}, "a": 1, "b": 2}

	ca, err := CanonicalPayload(a)
	if err != nil {
		t.Fatalf("canonicalize failed: %v", err)
	}
	cb, err := CanonicalPayload(b)
	if err != nil {
		t.Fatalf("canonicalize failed: %v", err)
	}
	if string(ca) != string(cb) {
		t.Errorf("canonical forms differ: %s vs %s", ca, cb)
	}
}

func TestVerifyAcceptsValidMessage(t *testing.T) {
	v := NewVerifier()
	defer v.Stop()

	msg := testMessage("shared-secret", time.Now().Unix(), "nonce-1", map[string]interface{}{"body": "hello"})
	if err := v.Verify("shared-secret", msg); err != nil {
		t.Fatalf("expected valid message to verify, got %v", err)
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	v := NewVerifier()
	defer v.Stop()

	msg := testMessage("shared-secret", time.Now().Unix(), "nonce-2", map[string]interface{}{"body": "hello"})

	// Wrong secret on the verifying side.
	if err := v.Verify("other-secret", msg); !errors.Is(err, ErrBadSignature) {
		t.Errorf("expected ErrBadSignature, got %v", err)
	}

	// Tampered payload.
	msg.Payload["body"] = "tampered"
	if err := v.Verify("shared-secret", msg); !errors.Is(err, ErrBadSignature) {
		t.Errorf("expected ErrBadSignature for tampered payload, got %v", err)
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	v := NewVerifier()
	defer v.Stop()

	old := time.Now().Add(-MaxClockSkew - time.Minute).Unix()
	msg := testMessage("shared-secret", old, "nonce-3", map[string]interface{}{"body": "hello"})
	if err := v.Verify("shared-secret", msg); !errors.Is(err, ErrStale) {
		t.Errorf("expected ErrStale for old message, got %v", err)
	}

	future := time.Now().Add(MaxClockSkew + time.Minute).Unix()
	msg = testMessage("shared-secret", future, "nonce-4", map[string]interface{}{"body": "hello"})
	if err := v.Verify("shared-secret", msg); !errors.Is(err, ErrStale) {
		t.Errorf("expected ErrStale for future message, got %v", err)
	}
}

func TestVerifyRejectsReplayedNonce(t *testing.T) {
	v := NewVerifier()
	defer v.Stop()

	msg := testMessage("shared-secret", time.Now().Unix(), "nonce-5", map[string]interface{}{"body": "hello"})
	if err := v.Verify("shared-secret", msg); err != nil {
		t.Fatalf("first delivery should verify, got %v", err)
	}
	if err := v.Verify("shared-secret", msg); !errors.Is(err, ErrReplay) {
		t.Errorf("expected ErrReplay on second delivery, got %v", err)
	}
}

func TestVerifyScopesNoncePerSender(t *testing.T) {
	v := NewVerifier()
	defer v.Stop()

	payload := map[string]interface{}{"body": "hello"}
	ts := time.Now().Unix()

	a := testMessage("secret-a", ts, "shared-nonce", payload)
	a.SenderNodeHostname = "a.example.org"
	if err := v.Verify("secret-a", a); err != nil {
		t.Fatalf("first sender should verify, got %v", err)
	}

	b := testMessage("secret-b", ts, "shared-nonce", payload)
	b.SenderNodeHostname = "b.example.org"
	if err := v.Verify("secret-b", b); err != nil {
		t.Errorf("same nonce from a different sender should verify, got %v", err)
	}
}

func TestBadSignatureDoesNotConsumeNonce(t *testing.T) {
	v := NewVerifier()
	defer v.Stop()

	msg := testMessage("shared-secret", time.Now().Unix(), "nonce-6", map[string]interface{}{"body": "hello"})

	forged := msg
	forged.Signature = "deadbeef"
	if err := v.Verify("shared-secret", forged); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}

	// The legitimate message must still go through.
	if err := v.Verify("shared-secret", msg); err != nil {
		t.Errorf("legitimate message rejected after forgery attempt: %v", err)
	}
}

func TestNewNonce(t *testing.T) {
	a, err := NewNonce()
	if err != nil {
		t.Fatalf("nonce generation failed: %v", err)
	}
	b, err := NewNonce()
	if err != nil {
		t.Fatalf("nonce generation failed: %v", err)
	}
	if a == b {
		t.Error("two nonces should differ")
	}
	if len(a) != 32 {
		t.Errorf("expected 32 hex chars, got %d", len(a))
	}
}

func TestVerifyConcurrentReplayAdmitsOneDelivery(t *testing.T) {
	v := NewVerifier()
	defer v.Stop()

	nonce, err := NewNonce()
	if err != nil {
		t.Fatalf("nonce failed: %v", err)
	}
	msg := testMessage("secret", time.Now().Unix(), nonce, map[string]interface{}{"body": "once"})

	const deliveries = 16
	results := make(chan error, deliveries)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < deliveries; i++ {
		go func() {
			start.Wait()
			results <- v.Verify("secret", msg)
		}()
	}
	start.Done()

	var accepted, replayed int
	for i := 0; i < deliveries; i++ {
		switch err := <-results; {
		case err == nil:
			accepted++
		case errors.Is(err, ErrReplay):
			replayed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if accepted != 1 {
		t.Errorf("exactly one concurrent delivery may pass, got %d", accepted)
	}
	if replayed != deliveries-1 {
		t.Errorf("expected %d replay rejections, got %d", deliveries-1, replayed)
	}
}
