// Package sign implements message authentication for the federation wire
// envelope: HMAC-SHA256 signatures over a canonical encoding, timestamp
// freshness, and nonce replay protection.
package sign

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/nodeweave/nodeweave-federation-go/internal/model"
)

// MaxClockSkew is how far a message timestamp may drift from local time
// before the message is rejected as stale. Nonces are remembered for the
// same window, so a replayed message is caught either by the cache or by
// the staleness check.
const MaxClockSkew = 5 * time.Minute

// Verification errors.
var (
	ErrBadSignature = errors.New("signature mismatch")
	ErrStale        = errors.New("timestamp outside allowed clock skew")
	ErrReplay       = errors.New("nonce already seen")
)

// CanonicalPayload renders a payload as deterministic JSON. Object keys are
// sorted, so both peers produce identical bytes for the same payload
// regardless of construction order.
func CanonicalPayload(payload map[string]interface{}) ([]byte, error) {
	// encoding/json sorts map keys at every nesting level.
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return b, nil
}

// Sign computes the hex HMAC-SHA256 signature for a message envelope.
// The signed input is timestamp, nonce, then the canonical payload, which
// binds freshness and replay data into the signature itself.
func Sign(secret string, timestamp int64, nonce string, payload map[string]interface{}) (string, error) {
	canonical, err := CanonicalPayload(payload)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte(nonce))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// NewNonce returns a random 128-bit hex nonce.
func NewNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Verifier checks inbound envelopes against a shared secret. It keeps a
// bounded, time-evicted cache of recently seen nonces per sender.
type Verifier struct {
	nonces *ttlcache.Cache[string, struct{}]
	now    func() time.Time
}

// NewVerifier creates a verifier. Nonces are remembered for twice the
// clock skew window so cache eviction never reopens the replay window.
func NewVerifier() *Verifier {
	cache := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](2 * MaxClockSkew),
		ttlcache.WithCapacity[string, struct{}](100_000),
	)
	go cache.Start()

	return &Verifier{
		nonces: cache,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Stop halts the nonce cache's eviction loop.
func (v *Verifier) Stop() {
	v.nonces.Stop()
}

// Verify checks freshness, signature, and replay for an inbound message.
// The order matters: the signature is checked before the nonce is recorded,
// so an attacker cannot poison the cache with unauthenticated nonces.
func (v *Verifier) Verify(secret string, msg model.FederationMessage) error {
	now := v.now()
	sent := time.Unix(msg.Timestamp, 0)
	drift := now.Sub(sent)
	if drift < 0 {
		drift = -drift
	}
	if drift > MaxClockSkew {
		return ErrStale
	}

	expected, err := Sign(secret, msg.Timestamp, msg.Nonce, msg.Payload)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(msg.Signature)) {
		return ErrBadSignature
	}

	// GetOrSet claims the nonce atomically, so concurrent deliveries of the
	// same envelope cannot both pass the replay check.
	key := msg.SenderNodeHostname + "|" + msg.Nonce
	if _, replayed := v.nonces.GetOrSet(key, struct{}{}); replayed {
		return ErrReplay
	}
	return nil
}
