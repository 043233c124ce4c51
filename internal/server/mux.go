// internal/server/mux.go
// Package server implements the HTTP surface of the federation service:
// the signed federation endpoints (inbox, pairing), the JWT-protected
// admin/collaborator API, and the ops endpoints.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	errordefs "github.com/nodeweave/nodeweave-federation-go/internal/errors"
	"github.com/nodeweave/nodeweave-federation-go/internal/event"
	"github.com/nodeweave/nodeweave-federation-go/internal/identity"
	"github.com/nodeweave/nodeweave-federation-go/internal/inbox"
	"github.com/nodeweave/nodeweave-federation-go/internal/jwks"
	"github.com/nodeweave/nodeweave-federation-go/internal/metrics"
	"github.com/nodeweave/nodeweave-federation-go/internal/model"
	"github.com/nodeweave/nodeweave-federation-go/internal/outbox"
	"github.com/nodeweave/nodeweave-federation-go/internal/resolver"
	"github.com/nodeweave/nodeweave-federation-go/internal/storage"
	"github.com/nodeweave/nodeweave-federation-go/internal/trust"
)

// ContextKey is used for context values to avoid collisions.
type ContextKey string

const (
	ContextKeySubject       ContextKey = "subject"       // Admin identity from the JWT sub claim
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	// maxBodyBytes bounds every request body read.
	maxBodyBytes = 1 << 20
)

// MediaMirror is the slice of the media mirror the resolve path uses to
// serve mirrored blobs instead of origin URLs.
type MediaMirror interface {
	FetchURL(ctx context.Context, puid string, expires time.Duration) (string, error)
	Exists(ctx context.Context, puid string) (bool, int64, error)
}

// Deps carries the wired components a Mux serves.
type Deps struct {
	Store     storage.Store
	Trust     *trust.Manager
	Inbox     *inbox.Dispatcher
	Outbox    *outbox.Dispatcher
	Resolver  *resolver.Resolver
	Codec     *identity.Codec
	Publisher event.Publisher
	JWKS      *jwks.Client
	Media     MediaMirror // nil when no mirror is configured

	Hostname    string // This node's public hostname
	NodeID      string // This node's identifier
	JWTIssuer   string
	JWTAudience string
	Scheme      string // Scheme used when calling remote pairing endpoints
	Logger      *slog.Logger
}

// Mux handles HTTP requests for the federation service.
type Mux struct {
	mux  *http.ServeMux
	deps Deps

	metrics    *metrics.Metrics
	httpClient *http.Client
	logger     *slog.Logger
}

// NewMux creates the HTTP mux with all federation endpoints registered.
func NewMux(deps Deps) *http.ServeMux {
	if deps.Scheme == "" {
		deps.Scheme = "https"
	}
	if deps.JWKS == nil {
		deps.JWKS = jwks.NewClient(fmt.Sprintf("%s/.well-known/jwks.json", deps.JWTIssuer))
	}

	m := &Mux{
		mux:        http.NewServeMux(),
		deps:       deps,
		metrics:    metrics.NewMetrics(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     deps.Logger,
	}

	// Ops endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Federation endpoints: authenticated by message signature, not JWT.
	m.mux.HandleFunc("/v1/federation/inbox", m.method("POST", m.withMiddleware(m.handleInbox, false)))
	m.mux.HandleFunc("/v1/federation/pair", m.method("POST", m.withMiddleware(m.handlePair, false)))

	// Admin and collaborator endpoints: JWT bearer auth.
	m.mux.HandleFunc("/v1/admin/pairing-token", m.method("POST", m.withMiddleware(m.handleIssuePairingToken, true)))
	m.mux.HandleFunc("/v1/admin/connect", m.method("POST", m.withMiddleware(m.handleConnect, true)))
	m.mux.HandleFunc("/v1/admin/block", m.method("POST", m.withMiddleware(m.handleBlock, true)))
	m.mux.HandleFunc("/v1/admin/subscribe", m.method("POST", m.withMiddleware(m.handleSubscribe, true)))
	m.mux.HandleFunc("/v1/admin/disconnect", m.method("POST", m.withMiddleware(m.handleDisconnect, true)))
	m.mux.HandleFunc("/v1/outbox/enqueue", m.method("POST", m.withMiddleware(m.handleEnqueue, true)))
	m.mux.HandleFunc("/v1/resolve", m.method("GET", m.withMiddleware(m.handleResolve, true)))
	m.mux.HandleFunc("/v1/trust/status", m.method("GET", m.withMiddleware(m.handleTrustStatus, true)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			err := errordefs.New(errordefs.FED_BAD_REQUEST, "method not allowed", "")
			m.writeErrorDef(w, err)
			return
		}
		h(w, r)
	}
}

// withMiddleware applies correlation IDs, request logging, metrics, and
// (for admin endpoints) JWT authentication.
func (m *Mux) withMiddleware(h http.HandlerFunc, requireAuth bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		if requireAuth {
			subject, err := m.validateJWT(r)
			if err != nil {
				var errorDef *errordefs.Error
				if e, ok := err.(*errordefs.Error); ok {
					errorDef = e
					errorDef.CorrelationID = correlationID
				} else {
					errorDef = errordefs.New(errordefs.FED_AUTHZ, err.Error(), correlationID)
				}
				m.writeErrorDef(w, errorDef)
				m.logRequest(r, errorDef.HTTPStatus, time.Since(start), correlationID, err)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), ContextKeySubject, subject))
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, r.URL.Path, fmt.Sprintf("%d", rec.status)).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, fmt.Sprintf("%d", rec.status)).Observe(time.Since(start).Seconds())
		m.logRequest(r, rec.status, time.Since(start), correlationID, nil)
	}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// validateJWT validates a bearer token and extracts the subject.
func (m *Mux) validateJWT(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errordefs.New(errordefs.FED_AUTHN, "missing Authorization header", "")
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", errordefs.New(errordefs.FED_AUTHN, "invalid Authorization header format", "")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")

	claims, err := m.deps.JWKS.ValidateJWT(r.Context(), tokenString, m.deps.JWTIssuer, m.deps.JWTAudience)
	if err != nil {
		switch {
		case errors.Is(err, jwks.ErrTokenExpired):
			return "", errordefs.New(errordefs.FED_JWT_EXPIRED, "JWT token expired", "")
		case errors.Is(err, jwks.ErrMalformedToken):
			return "", errordefs.New(errordefs.FED_JWT_MALFORMED, "malformed JWT", "")
		case errors.Is(err, jwks.ErrInvalidIssuer), errors.Is(err, jwks.ErrInvalidAudience):
			return "", errordefs.New(errordefs.FED_JWT_INVALID, err.Error(), "")
		default:
			return "", errordefs.New(errordefs.FED_JWT_INVALID, fmt.Sprintf("failed to validate JWT: %v", err), "")
		}
	}

	subject, ok := claims["sub"].(string)
	if !ok || subject == "" {
		return "", errordefs.New(errordefs.FED_JWT_INVALID, "missing or invalid sub claim", "")
	}
	return subject, nil
}

// decodeBody decodes a bounded JSON request body into dst.
func decodeBody(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func correlationIDFrom(r *http.Request) string {
	if v, ok := r.Context().Value(ContextKeyCorrelationID).(string); ok {
		return v
	}
	return ""
}

// handleInbox accepts a signed federation envelope and runs it through the
// inbox dispatcher. Rejections carry a machine-readable reason.
func (m *Mux) handleInbox(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("federation-server").Start(r.Context(), "server.inbox")
	defer span.End()
	correlationID := correlationIDFrom(r)

	var msg model.FederationMessage
	if err := decodeBody(r, &msg); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.FED_BAD_REQUEST, err.Error(), correlationID))
		return
	}
	span.SetAttributes(
		attribute.String("message.type", msg.Type),
		attribute.String("message.sender", msg.SenderNodeHostname),
	)

	result, appErr := m.deps.Inbox.Process(ctx, msg, correlationID)
	if appErr != nil {
		if appErr.Details == nil {
			appErr.Details = map[string]string{"reason": errordefs.Reason(appErr.Code)}
		}
		m.writeErrorDef(w, appErr)
		return
	}
	m.writeSuccess(w, http.StatusOK, result)
}

// handlePair redeems a pairing token presented by a remote node.
func (m *Mux) handlePair(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("federation-server").Start(r.Context(), "server.pair")
	defer span.End()
	correlationID := correlationIDFrom(r)

	var req model.PairRequest
	if err := decodeBody(r, &req); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.FED_BAD_REQUEST, err.Error(), correlationID))
		return
	}

	resp, err := m.deps.Trust.Redeem(ctx, req)
	if err != nil {
		m.writeErrorDef(w, pairingError(err, correlationID))
		return
	}

	// The peer now has full access; promote any targeted rows it held.
	if err := m.deps.Resolver.Upgrade(ctx, req.Hostname); err != nil {
		m.logger.Warn("failed to upgrade targeted rows after pairing", "hostname", req.Hostname, "error", err)
	}
	if err := m.deps.Publisher.PublishNodeConnected(ctx, req.Hostname); err != nil {
		m.logger.Warn("failed to publish node connected event", "error", err)
	}
	m.metrics.PairingTotal.WithLabelValues("redeem", "ok").Inc()
	m.writeSuccess(w, http.StatusOK, resp)
}

// pairingError maps token redemption failures onto the wire taxonomy.
func pairingError(err error, correlationID string) *errordefs.Error {
	switch {
	case errors.Is(err, storage.ErrTokenExpired):
		return errordefs.NewWithDetails(errordefs.FED_TOKEN_EXPIRED, "pairing token expired", correlationID,
			map[string]string{"reason": errordefs.Reason(errordefs.FED_TOKEN_EXPIRED)})
	case errors.Is(err, storage.ErrTokenUsed):
		return errordefs.NewWithDetails(errordefs.FED_TOKEN_USED, "pairing token already used", correlationID,
			map[string]string{"reason": errordefs.Reason(errordefs.FED_TOKEN_USED)})
	case errors.Is(err, storage.ErrNotFound):
		return errordefs.NewWithDetails(errordefs.FED_TOKEN_UNKNOWN, "pairing token not recognized", correlationID,
			map[string]string{"reason": errordefs.Reason(errordefs.FED_TOKEN_UNKNOWN)})
	case errors.Is(err, trust.ErrSelfPairing):
		return errordefs.New(errordefs.FED_VALIDATION, "cannot pair a node with itself", correlationID)
	default:
		return errordefs.New(errordefs.FED_INTERNAL, "pairing failed", correlationID)
	}
}

// handleIssuePairingToken mints a single-use 24h pairing token.
func (m *Mux) handleIssuePairingToken(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationIDFrom(r)
	subject, _ := r.Context().Value(ContextKeySubject).(string)

	token, err := m.deps.Trust.IssueToken(r.Context(), subject)
	if err != nil {
		m.metrics.PairingTotal.WithLabelValues("issue", "error").Inc()
		m.writeErrorDef(w, errordefs.New(errordefs.FED_INTERNAL, "failed to issue pairing token", correlationID))
		return
	}
	m.metrics.PairingTotal.WithLabelValues("issue", "ok").Inc()
	m.writeSuccess(w, http.StatusCreated, token)
}

// connectRequest is the admin call to initiate pairing with a remote node.
type connectRequest struct {
	Hostname string `json:"hostname"` // Remote node to connect to
	Token    string `json:"token"`    // Pairing token issued by the remote admin
}

// handleConnect redeems a token at a remote node and stores the resulting
// connection locally (the initiating side of the handshake).
func (m *Mux) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := correlationIDFrom(r)

	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.FED_BAD_REQUEST, err.Error(), correlationID))
		return
	}
	if req.Hostname == "" || req.Token == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.FED_VALIDATION, "hostname and token are required", correlationID))
		return
	}

	resp, appErr := m.redeemAtPeer(ctx, req, correlationID)
	if appErr != nil {
		m.metrics.PairingTotal.WithLabelValues("connect", "error").Inc()
		m.writeErrorDef(w, appErr)
		return
	}

	// Both sides must hold the same secret; recompute and compare before
	// trusting what the peer returned.
	derived := trust.DeriveSecret(req.Token, resp.Hostname, m.deps.Hostname)
	if derived != resp.SharedSecret {
		m.metrics.PairingTotal.WithLabelValues("connect", "error").Inc()
		m.writeErrorDef(w, errordefs.New(errordefs.FED_VALIDATION, "peer returned a mismatched shared secret", correlationID))
		return
	}

	if err := m.deps.Trust.StoreConnection(ctx, req.Hostname, resp.NodeID, resp.SharedSecret); err != nil {
		m.metrics.PairingTotal.WithLabelValues("connect", "error").Inc()
		m.writeErrorDef(w, errordefs.New(errordefs.FED_INTERNAL, "failed to store connection", correlationID))
		return
	}
	if err := m.deps.Resolver.Upgrade(ctx, req.Hostname); err != nil {
		m.logger.Warn("failed to upgrade targeted rows after connect", "hostname", req.Hostname, "error", err)
	}
	if err := m.deps.Publisher.PublishNodeConnected(ctx, req.Hostname); err != nil {
		m.logger.Warn("failed to publish node connected event", "error", err)
	}

	m.metrics.PairingTotal.WithLabelValues("connect", "ok").Inc()
	m.writeSuccess(w, http.StatusOK, map[string]string{
		"hostname": req.Hostname,
		"nodeId":   resp.NodeID,
		"status":   string(model.StatusConnected),
	})
}

// redeemAtPeer calls the remote node's pairing endpoint.
func (m *Mux) redeemAtPeer(ctx context.Context, req connectRequest, correlationID string) (*model.PairResponse, *errordefs.Error) {
	body, err := json.Marshal(model.PairRequest{
		Token:    req.Token,
		Hostname: m.deps.Hostname,
		NodeID:   m.deps.NodeID,
	})
	if err != nil {
		return nil, errordefs.New(errordefs.FED_INTERNAL, "failed to encode pairing request", correlationID)
	}

	url := fmt.Sprintf("%s://%s/v1/federation/pair", m.deps.Scheme, req.Hostname)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errordefs.New(errordefs.FED_INTERNAL, "failed to build pairing request", correlationID)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, errordefs.New(errordefs.FED_DELIVERY, fmt.Sprintf("failed to reach %s: %v", req.Hostname, err), correlationID)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, errordefs.New(errordefs.FED_DELIVERY, "failed to read pairing response", correlationID)
	}

	if httpResp.StatusCode != http.StatusOK {
		var remote struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(respBody, &remote)
		msg := remote.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("peer returned status %d", httpResp.StatusCode)
		}
		switch remote.Error.Code {
		case string(errordefs.FED_TOKEN_EXPIRED):
			return nil, errordefs.New(errordefs.FED_TOKEN_EXPIRED, msg, correlationID)
		case string(errordefs.FED_TOKEN_USED):
			return nil, errordefs.New(errordefs.FED_TOKEN_USED, msg, correlationID)
		case string(errordefs.FED_TOKEN_UNKNOWN):
			return nil, errordefs.New(errordefs.FED_TOKEN_UNKNOWN, msg, correlationID)
		default:
			return nil, errordefs.New(errordefs.FED_DELIVERY, msg, correlationID)
		}
	}

	var wrapped struct {
		Data model.PairResponse `json:"data"`
	}
	if err := json.Unmarshal(respBody, &wrapped); err != nil {
		return nil, errordefs.New(errordefs.FED_DELIVERY, "invalid pairing response from peer", correlationID)
	}
	return &wrapped.Data, nil
}

// blockRequest names the hostname to block.
type blockRequest struct {
	Hostname string `json:"hostname"`
}

// handleBlock blocks all traffic to and from a hostname.
func (m *Mux) handleBlock(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationIDFrom(r)

	var req blockRequest
	if err := decodeBody(r, &req); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.FED_BAD_REQUEST, err.Error(), correlationID))
		return
	}
	if req.Hostname == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.FED_VALIDATION, "hostname is required", correlationID))
		return
	}

	if err := m.deps.Trust.Block(r.Context(), req.Hostname); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.FED_INTERNAL, "failed to block hostname", correlationID))
		return
	}
	if err := m.deps.Publisher.PublishNodeBlocked(r.Context(), req.Hostname); err != nil {
		m.logger.Warn("failed to publish node blocked event", "error", err)
	}
	m.writeSuccess(w, http.StatusOK, map[string]string{
		"hostname": req.Hostname,
		"status":   string(model.StatusBlocked),
	})
}

// subscribeRequest names a remote resource to follow over a targeted
// connection.
type subscribeRequest struct {
	Hostname     string `json:"hostname"`
	ResourceType string `json:"resourceType"`
	ResourcePUID string `json:"resourcePuid"`
}

// handleSubscribe creates a targeted subscription to a resource on a remote
// node. With no shared secret yet the row starts pending; content flows once
// the resource's host completes a handshake or an admin pairs fully.
func (m *Mux) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationIDFrom(r)

	var req subscribeRequest
	if err := decodeBody(r, &req); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.FED_BAD_REQUEST, err.Error(), correlationID))
		return
	}
	if req.Hostname == "" || req.ResourceType == "" || req.ResourcePUID == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.FED_VALIDATION,
			"hostname, resourceType, and resourcePuid are required", correlationID))
		return
	}

	node, err := m.deps.Resolver.EnsureAccess(r.Context(),
		model.EntityType(req.ResourceType), req.ResourcePUID, req.Hostname, "")
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.FED_CONFLICT, err.Error(), correlationID))
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]string{
		"hostname":       node.Hostname,
		"connectionType": string(node.ConnectionType),
		"status":         string(node.Status),
	})
}

// disconnectRequest names the hostname to disconnect from.
type disconnectRequest struct {
	Hostname string `json:"hostname"`
	Reason   string `json:"reason,omitempty"`
}

// handleDisconnect sends a signed disconnect notice to a peer and blocks it
// locally.
func (m *Mux) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationIDFrom(r)

	var req disconnectRequest
	if err := decodeBody(r, &req); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.FED_BAD_REQUEST, err.Error(), correlationID))
		return
	}
	if req.Hostname == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.FED_VALIDATION, "hostname is required", correlationID))
		return
	}

	if err := m.deps.Outbox.SendDisconnect(r.Context(), req.Hostname, req.Reason); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.FED_INTERNAL, err.Error(), correlationID))
		return
	}
	if err := m.deps.Publisher.PublishNodeBlocked(r.Context(), req.Hostname); err != nil {
		m.logger.Warn("failed to publish node blocked event", "error", err)
	}
	m.writeSuccess(w, http.StatusOK, map[string]string{
		"hostname": req.Hostname,
		"status":   string(model.StatusBlocked),
	})
}

// handleEnqueue schedules outbound delivery of local content.
func (m *Mux) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("federation-server").Start(r.Context(), "server.enqueue")
	defer span.End()
	correlationID := correlationIDFrom(r)

	var req model.EnqueueRequest
	if err := decodeBody(r, &req); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.FED_BAD_REQUEST, err.Error(), correlationID))
		return
	}

	result, err := m.deps.Outbox.Enqueue(ctx, req)
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.FED_VALIDATION, err.Error(), correlationID))
		return
	}
	m.writeSuccess(w, http.StatusAccepted, result)
}

// handleResolve resolves a PUID to its local entity or remote stub.
func (m *Mux) handleResolve(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationIDFrom(r)

	puid := r.URL.Query().Get("puid")
	expectedType := model.EntityType(r.URL.Query().Get("type"))
	if puid == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.FED_VALIDATION, "puid query parameter is required", correlationID))
		return
	}

	pid, err := m.deps.Codec.Resolve(r.Context(), puid, expectedType)
	if err == nil {
		m.writeSuccess(w, http.StatusOK, map[string]interface{}{
			"puid":       pid.PUID,
			"entityType": pid.EntityType,
			"isRemote":   false,
		})
		return
	}
	switch {
	case errors.Is(err, identity.ErrTypeMismatch):
		m.writeErrorDef(w, errordefs.New(errordefs.FED_TYPE_MISMATCH, "puid resolves to a different entity type", correlationID))
		return
	case errors.Is(err, identity.ErrMalformed):
		m.writeErrorDef(w, errordefs.New(errordefs.FED_VALIDATION, "puid is malformed", correlationID))
		return
	case !errors.Is(err, identity.ErrUnknownPUID):
		m.writeErrorDef(w, errordefs.New(errordefs.FED_INTERNAL, "failed to resolve puid", correlationID))
		return
	}

	// Not a local entity; fall back to mirrored remote state.
	stub, stubErr := m.deps.Store.GetRemoteStub(r.Context(), puid)
	if stubErr != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.FED_NOT_FOUND, "puid not found", correlationID))
		return
	}
	if expectedType != "" && stub.EntityType != expectedType {
		m.writeErrorDef(w, errordefs.New(errordefs.FED_TYPE_MISMATCH, "puid resolves to a different entity type", correlationID))
		return
	}
	body := map[string]interface{}{
		"puid":           stub.PUID,
		"entityType":     stub.EntityType,
		"isRemote":       true,
		"originHostname": stub.OriginHostname,
		"payload":        stub.Payload,
	}
	// Mirrored media is served from local storage; the origin URL in the
	// payload stays as the fallback when no mirror copy exists.
	if stub.EntityType == model.EntityMedia && m.deps.Media != nil {
		if ok, size, err := m.deps.Media.Exists(r.Context(), stub.PUID); err == nil && ok {
			fetchURL, urlErr := m.deps.Media.FetchURL(r.Context(), stub.PUID, time.Hour)
			if urlErr != nil {
				m.logger.Warn("failed to presign mirrored media", "puid", stub.PUID, "error", urlErr)
			} else {
				body["fetchUrl"] = fetchURL
				body["size"] = size
			}
		}
	}
	m.writeSuccess(w, http.StatusOK, body)
}

// handleTrustStatus reports a hostname's standing for rendering decisions.
func (m *Mux) handleTrustStatus(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationIDFrom(r)

	hostname := r.URL.Query().Get("hostname")
	if hostname == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.FED_VALIDATION, "hostname query parameter is required", correlationID))
		return
	}

	status, err := m.deps.Trust.Status(r.Context(), hostname)
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.FED_INTERNAL, "failed to read trust status", correlationID))
		return
	}
	m.writeSuccess(w, http.StatusOK, status)
}

// handleHealthz reports process liveness.
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	m.writeSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports readiness to accept traffic.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	m.writeSuccess(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeError writes an error response following the federation error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"error": map[string]interface{}{
			"code":          code,
			"message":       message,
			"correlationId": correlationID,
		},
	}
	if details != nil {
		response["error"].(map[string]interface{})["details"] = details
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"duration", duration,
		"remote_addr", r.RemoteAddr,
		"correlationId", correlationID,
	}
	if err != nil {
		attrs = append(attrs, "error", err)
		m.logger.Error("request failed", attrs...)
		return
	}
	m.logger.Info("request handled", attrs...)
}
