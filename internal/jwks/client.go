// Package jwks validates admin API bearer tokens against the platform's
// identity service. Keys are fetched from the JWKS endpoint and cached;
// a test mode accepts unsigned tokens for in-process testing.
package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validation errors. Callers map these onto the error-code taxonomy.
var (
	ErrMalformedToken  = errors.New("malformed token")
	ErrTokenExpired    = errors.New("token expired")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")
	ErrInvalidToken    = errors.New("invalid token")
)

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // X coordinate
}

// Client handles JWKS discovery and caching
type Client struct {
	jwksURL    string
	httpClient *http.Client
	cache      *jwksCache
	testMode   bool
	testKey    ed25519.PrivateKey
}

// jwksCache stores cached JWKS with expiration
type jwksCache struct {
	jwks      *JWKS
	expiresAt time.Time
	mutex     sync.RWMutex
}

// NewClient creates a new JWKS client
func NewClient(jwksURL string) *Client {
	return &Client{
		jwksURL: jwksURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		cache: &jwksCache{},
	}
}

// NewTestClient creates a JWKS client that accepts unsigned tokens, for
// use in tests and the conformance harness.
func NewTestClient() *Client {
	_, priv, _ := ed25519.GenerateKey(nil)
	return &Client{
		testMode: true,
		testKey:  priv,
	}
}

// fetchJWKS fetches the JWKS from the identity service
func (c *Client) fetchJWKS(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	return &jwks, nil
}

// getJWKS retrieves JWKS from cache or fetches fresh if needed
func (c *Client) getJWKS(ctx context.Context) (*JWKS, error) {
	c.cache.mutex.RLock()
	if c.cache.jwks != nil && time.Now().Before(c.cache.expiresAt) {
		jwks := c.cache.jwks
		c.cache.mutex.RUnlock()
		return jwks, nil
	}
	c.cache.mutex.RUnlock()

	c.cache.mutex.Lock()
	defer c.cache.mutex.Unlock()

	// Double-check after acquiring write lock
	if c.cache.jwks != nil && time.Now().Before(c.cache.expiresAt) {
		return c.cache.jwks, nil
	}

	jwks, err := c.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}

	c.cache.jwks = jwks
	c.cache.expiresAt = time.Now().Add(5 * time.Minute)
	return jwks, nil
}

// getKey retrieves a specific key from the JWKS by kid
func (c *Client) getKey(ctx context.Context, kid string) (*JWK, error) {
	jwks, err := c.getJWKS(ctx)
	if err != nil {
		return nil, err
	}
	for _, key := range jwks.Keys {
		if key.Kid == kid {
			return &key, nil
		}
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

// ValidateJWT validates a bearer token and returns its claims.
func (c *Client) ValidateJWT(ctx context.Context, tokenString, expectedIssuer, expectedAudience string) (jwt.MapClaims, error) {
	if c.testMode {
		return c.validateTestJWT(tokenString, expectedIssuer, expectedAudience)
	}

	// Parse without verification to get the key id from the header.
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("%w: missing kid", ErrMalformedToken)
	}

	jwk, err := c.getKey(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}

	if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" || jwk.Alg != "EdDSA" {
		return nil, fmt.Errorf("%w: unsupported key type or algorithm", ErrInvalidToken)
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("%w: bad public key encoding", ErrInvalidToken)
	}
	pubKey := ed25519.PublicKey(xBytes)

	verified, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return pubKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := verified.Claims.(jwt.MapClaims)
	if !ok || !verified.Valid {
		return nil, ErrInvalidToken
	}

	return c.checkClaims(claims, expectedIssuer, expectedAudience)
}

// validateTestJWT accepts unsigned tokens but still checks issuer, audience,
// and expiry so authorization paths are exercised in tests.
func (c *Client) validateTestJWT(tokenString, expectedIssuer, expectedAudience string) (jwt.MapClaims, error) {
	parsed, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrMalformedToken
	}
	if exp, ok := claims["exp"].(float64); ok && float64(time.Now().Unix()) > exp {
		return nil, ErrTokenExpired
	}
	return c.checkClaims(claims, expectedIssuer, expectedAudience)
}

func (c *Client) checkClaims(claims jwt.MapClaims, expectedIssuer, expectedAudience string) (jwt.MapClaims, error) {
	if iss, ok := claims["iss"].(string); !ok || iss != expectedIssuer {
		return nil, ErrInvalidIssuer
	}
	switch aud := claims["aud"].(type) {
	case string:
		if aud != expectedAudience {
			return nil, ErrInvalidAudience
		}
	case []interface{}:
		found := false
		for _, a := range aud {
			if s, ok := a.(string); ok && s == expectedAudience {
				found = true
			}
		}
		if !found {
			return nil, ErrInvalidAudience
		}
	default:
		return nil, ErrInvalidAudience
	}
	return claims, nil
}
