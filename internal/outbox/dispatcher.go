// Package outbox delivers locally created content to remote nodes.
// Target resolution follows the content's privacy scope; each target is an
// independent concurrent delivery with its own timeout and retry schedule,
// so one slow peer never delays the others.
package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/nodeweave/nodeweave-federation-go/internal/event"
	"github.com/nodeweave/nodeweave-federation-go/internal/metrics"
	"github.com/nodeweave/nodeweave-federation-go/internal/model"
	"github.com/nodeweave/nodeweave-federation-go/internal/sign"
	"github.com/nodeweave/nodeweave-federation-go/internal/storage"
	"github.com/nodeweave/nodeweave-federation-go/internal/trust"
)

// ApprovalGate is consulted before any outbound delivery. A platform with
// supervised accounts wires this to its approval workflow; a nil gate
// approves everything.
type ApprovalGate func(ctx context.Context, req model.EnqueueRequest) (bool, error)

// errPermanent marks delivery failures that retrying cannot fix, such as
// authentication rejections from the receiver.
var errPermanent = errors.New("permanent delivery failure")

// Dispatcher fans out signed messages to remote inboxes.
type Dispatcher struct {
	store     storage.Store
	trust     *trust.Manager
	publisher event.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	hostname string // Local node, used as the sender on every envelope
	gate     ApprovalGate

	httpClient  *http.Client
	scheme      string // https in production, http in the in-process harness
	maxAttempts int
	sem         *semaphore.Weighted

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Options tune delivery behavior.
type Options struct {
	DeliveryTimeout     time.Duration
	MaxDeliveryAttempts int
	MaxConcurrentSends  int
	Scheme              string // Defaults to https
	Gate                ApprovalGate
}

// New creates an outbox dispatcher for the local hostname.
func New(
	store storage.Store,
	trustMgr *trust.Manager,
	publisher event.Publisher,
	m *metrics.Metrics,
	logger *slog.Logger,
	hostname string,
	opts Options,
) *Dispatcher {
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 10 * time.Second
	}
	if opts.MaxDeliveryAttempts <= 0 {
		opts.MaxDeliveryAttempts = 5
	}
	if opts.MaxConcurrentSends <= 0 {
		opts.MaxConcurrentSends = 16
	}
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:       store,
		trust:       trustMgr,
		publisher:   publisher,
		metrics:     m,
		logger:      logger,
		hostname:    hostname,
		gate:        opts.Gate,
		httpClient:  &http.Client{Timeout: opts.DeliveryTimeout},
		scheme:      opts.Scheme,
		maxAttempts: opts.MaxDeliveryAttempts,
		sem:         semaphore.NewWeighted(int64(opts.MaxConcurrentSends)),
		baseCtx:     ctx,
		cancel:      cancel,
	}
}

// Shutdown cancels in-flight deliveries and waits for them to drain.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// messageTypeFor maps a content type and operation to the wire message type.
func messageTypeFor(contentType model.EntityType, operation string) (string, error) {
	switch operation {
	case "", model.OpCreate:
		switch contentType {
		case model.EntityPost:
			return model.MsgPostCreate, nil
		case model.EntityComment:
			return model.MsgCommentCreate, nil
		case model.EntityMedia:
			return model.MsgMediaCreate, nil
		}
	case model.OpUpdate:
		switch contentType {
		case model.EntityPost:
			return model.MsgPostUpdate, nil
		case model.EntityComment:
			return model.MsgCommentUpdate, nil
		}
	case model.OpRepost:
		if contentType == model.EntityPost {
			return model.MsgRepost, nil
		}
	default:
		return "", fmt.Errorf("unsupported operation %q", operation)
	}
	return "", fmt.Errorf("operation %q on content type %q is not federated", operation, contentType)
}

// Enqueue resolves targets for a piece of local content and schedules
// delivery. It returns as soon as targets are known; delivery proceeds in
// the background. Federation failure never blocks or rolls back the local
// content, it only degrades to "not yet shared".
func (d *Dispatcher) Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.EnqueueResult, error) {
	if req.ContentPUID == "" || req.AuthorPUID == "" {
		return nil, fmt.Errorf("contentPuid and authorPuid are required")
	}
	msgType, err := messageTypeFor(req.ContentType, req.Operation)
	if err != nil {
		return nil, err
	}

	if req.PrivacyScope == model.ScopeLocal {
		return &model.EnqueueResult{Targets: 0}, nil
	}

	if d.gate != nil {
		approved, err := d.gate(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("approval gate failed: %w", err)
		}
		if !approved {
			d.logger.Info("delivery withheld by approval gate",
				"contentPuid", req.ContentPUID, "authorPuid", req.AuthorPUID)
			return &model.EnqueueResult{Targets: 0}, nil
		}
	}

	targets, err := d.resolveTargets(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return &model.EnqueueResult{Targets: 0}, nil
	}

	payload := make(map[string]interface{}, len(req.Payload)+3)
	for k, v := range req.Payload {
		payload[k] = v
	}
	payload["puid"] = req.ContentPUID
	payload["authorPuid"] = req.AuthorPUID
	if req.ResourcePUID != "" {
		payload["resourcePuid"] = req.ResourcePUID
	}

	// Each revision of a piece of content travels under its own envelope id.
	// Reusing the content puid would let the receiver's dedup log swallow
	// every update after the first delivery.
	messageID := uuid.NewString()

	for _, target := range targets {
		d.wg.Add(1)
		go d.deliverWithRetry(target, messageID, msgType, req, payload)
	}
	return &model.EnqueueResult{Targets: len(targets)}, nil
}

// resolveTargets computes the hostname set for a privacy scope.
// Public content goes to every connected full peer plus the subscribers of
// its resource; friends content goes only to hosts of the author's remote
// friends. Blocked hostnames are already filtered by the store queries.
func (d *Dispatcher) resolveTargets(ctx context.Context, req model.EnqueueRequest) ([]string, error) {
	seen := make(map[string]bool)
	var targets []string
	add := func(hostnames []string) {
		for _, h := range hostnames {
			if h != "" && h != d.hostname && !seen[h] {
				seen[h] = true
				targets = append(targets, h)
			}
		}
	}

	switch req.PrivacyScope {
	case model.ScopePublic:
		full, err := d.store.ListConnectedFullHostnames(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list full connections: %w", err)
		}
		add(full)

		if req.ResourcePUID != "" {
			ref, err := resourceRef(req.ResourcePUID)
			if err != nil {
				return nil, err
			}
			subs, err := d.store.ListSubscriberHostnames(ctx, ref)
			if err != nil {
				return nil, fmt.Errorf("failed to list subscribers: %w", err)
			}
			add(subs)
		}
	case model.ScopeFriends:
		hosts, err := d.store.ListEdgeHostnames(ctx, req.AuthorPUID, model.EdgeFriend)
		if err != nil {
			return nil, fmt.Errorf("failed to list friend hosts: %w", err)
		}
		add(hosts)
	default:
		return nil, fmt.Errorf("unsupported privacy scope %q", req.PrivacyScope)
	}

	sort.Strings(targets)
	return targets, nil
}

func resourceRef(resourcePUID string) (model.ResourceRef, error) {
	idx := strings.LastIndex(resourcePUID, "-")
	if idx <= 0 {
		return model.ResourceRef{}, fmt.Errorf("resource puid %q is malformed", resourcePUID)
	}
	return model.ResourceRef{
		Type: model.EntityType(resourcePUID[:idx]),
		PUID: resourcePUID,
	}, nil
}

// deliverWithRetry pushes one message to one hostname, retrying transient
// failures with exponential backoff until the attempt budget runs out.
func (d *Dispatcher) deliverWithRetry(hostname, messageID, msgType string, req model.EnqueueRequest, payload map[string]interface{}) {
	defer d.wg.Done()

	start := time.Now()
	if err := d.sem.Acquire(d.baseCtx, 1); err != nil {
		return
	}
	defer d.sem.Release(1)

	attempts := 0
	schedule := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(time.Hour),
		backoff.WithMaxElapsedTime(0),
	), d.baseCtx)

	operation := func() error {
		if attempts >= d.maxAttempts {
			return backoff.Permanent(fmt.Errorf("attempt budget exhausted"))
		}
		attempts++
		err := d.deliverOnce(hostname, messageID, msgType, req, payload)
		if errors.Is(err, errPermanent) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, schedule)
	status := "ok"
	if err != nil {
		status = "failed"
		d.logger.Error("delivery failed",
			"hostname", hostname, "type", msgType,
			"contentPuid", req.ContentPUID, "attempts", attempts, "error", err)
		if pubErr := d.publisher.PublishDeliveryFailed(d.baseCtx, hostname, req.ContentPUID, msgType, attempts); pubErr != nil {
			d.logger.Warn("failed to publish delivery failure", "error", pubErr)
		}
	}

	d.metrics.DeliveryTotal.WithLabelValues(msgType, status).Inc()
	d.metrics.DeliveryDuration.WithLabelValues(msgType, status).Observe(time.Since(start).Seconds())
	d.metrics.DeliveryAttempts.WithLabelValues(status).Observe(float64(attempts))
}

// deliverOnce performs a single signed POST to the target's inbox.
// The envelope is signed fresh per attempt so a long retry gap never turns
// into a stale-timestamp rejection.
func (d *Dispatcher) deliverOnce(hostname, messageID, msgType string, req model.EnqueueRequest, payload map[string]interface{}) error {
	conn, err := d.trust.Lookup(d.baseCtx, hostname, targetRef(req))
	if err != nil {
		// The hostname was blocked or removed after target resolution.
		return fmt.Errorf("%w: %v", errPermanent, err)
	}

	nonce, err := sign.NewNonce()
	if err != nil {
		return err
	}
	timestamp := time.Now().Unix()
	signature, err := sign.Sign(conn.SharedSecret, timestamp, nonce, payload)
	if err != nil {
		return err
	}

	msg := model.FederationMessage{
		MessageID:          messageID,
		Type:               msgType,
		SenderNodeHostname: d.hostname,
		Timestamp:          timestamp,
		Nonce:              nonce,
		Signature:          signature,
		Payload:            payload,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}

	url := fmt.Sprintf("%s://%s/v1/federation/inbox", d.scheme, hostname)
	httpReq, err := http.NewRequestWithContext(d.baseCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("delivery to %s failed: %w", hostname, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// The receiver does not trust us; retrying the same message is
		// pointless until an admin re-pairs.
		return fmt.Errorf("%w: receiver rejected with status %d", errPermanent, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout:
		return fmt.Errorf("%w: receiver rejected with status %d", errPermanent, resp.StatusCode)
	default:
		return fmt.Errorf("delivery to %s returned status %d", hostname, resp.StatusCode)
	}
}

// targetRef is the resource used for targeted connection lookup on send.
func targetRef(req model.EnqueueRequest) *model.ResourceRef {
	if req.ResourcePUID == "" {
		return nil
	}
	ref, err := resourceRef(req.ResourcePUID)
	if err != nil {
		return nil
	}
	return &ref
}

// SendDisconnect notifies a peer that this node is severing the connection,
// then blocks the hostname locally.
func (d *Dispatcher) SendDisconnect(ctx context.Context, hostname, reason string) error {
	conn, err := d.trust.Lookup(ctx, hostname, nil)
	if err != nil {
		return fmt.Errorf("no connection to disconnect: %w", err)
	}

	nonce, err := sign.NewNonce()
	if err != nil {
		return err
	}
	timestamp := time.Now().Unix()
	payload := map[string]interface{}{"reason": reason}
	signature, err := sign.Sign(conn.SharedSecret, timestamp, nonce, payload)
	if err != nil {
		return err
	}

	msg := model.FederationMessage{
		MessageID:          fmt.Sprintf("disconnect-%s-%d", d.hostname, timestamp),
		Type:               model.MsgNodeDisconnect,
		SenderNodeHostname: d.hostname,
		Timestamp:          timestamp,
		Nonce:              nonce,
		Signature:          signature,
		Payload:            payload,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s://%s/v1/federation/inbox", d.scheme, hostname)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(httpReq)
	if err == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	} else {
		// Best effort: the peer may already be gone. Block locally anyway.
		d.logger.Warn("disconnect notice not delivered", "hostname", hostname, "error", err)
	}

	return d.trust.Block(ctx, hostname)
}
