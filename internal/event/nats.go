// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It notifies the rest of the application about federation activity: content
// applied from peers, delivery failures, and trust changes.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/nodeweave/nodeweave-federation-go/internal/model"
)

// Publisher defines the event publishing operations used by the federation
// service. The inbox publishes content events; the outbox publishes delivery
// failures; the trust manager publishes connection changes.
type Publisher interface {
	PublishContentReceived(ctx context.Context, msgType string, stub model.RemoteStub) error
	PublishDeliveryFailed(ctx context.Context, hostname, messageID, msgType string, attempts int) error
	PublishNodeConnected(ctx context.Context, hostname string) error
	PublishNodeBlocked(ctx context.Context, hostname string) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
// It allows the service to function without event streaming.
type noop struct{}

func (n *noop) Close() error { return nil }

func (n *noop) PublishContentReceived(ctx context.Context, msgType string, stub model.RemoteStub) error {
	return nil
}

func (n *noop) PublishDeliveryFailed(ctx context.Context, hostname, messageID, msgType string, attempts int) error {
	return nil
}

func (n *noop) PublishNodeConnected(ctx context.Context, hostname string) error { return nil }

func (n *noop) PublishNodeBlocked(ctx context.Context, hostname string) error { return nil }

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher creates a publisher for the given NATS URL. An empty URL or a
// failed connection yields a no-op publisher so federation keeps working
// without the event stream.
func NewPublisher(url string) Publisher {
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{nc: nc, js: js}
}

// initStreams creates the NW_FEDERATION stream used for all federation events.
func initStreams(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      "NW_FEDERATION",
		Subjects:  []string{"fed.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create NW_FEDERATION stream: %w", err)
	}
	return nil
}

// EventEnvelope is the standard envelope wrapping every published event.
type EventEnvelope struct {
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	OccurredAt    time.Time   `json:"occurredAt"`
	CorrelationID string      `json:"correlationId"`
	Payload       interface{} `json:"payload"`
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func (p *natsPub) publish(subject string, payload interface{}) error {
	envelope := EventEnvelope{
		Type:          subject,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	_, err = p.js.Publish(subject, b)
	return err
}

// PublishContentReceived announces content applied from federation, so feeds
// and notification builders can react without polling the stub table.
func (p *natsPub) PublishContentReceived(ctx context.Context, msgType string, stub model.RemoteStub) error {
	subject := fmt.Sprintf("fed.content.%s", msgType)
	return p.publish(subject, map[string]interface{}{
		"puid":           stub.PUID,
		"entityType":     stub.EntityType,
		"originHostname": stub.OriginHostname,
	})
}

// PublishDeliveryFailed announces that a message exhausted its retry budget
// for one target hostname.
func (p *natsPub) PublishDeliveryFailed(ctx context.Context, hostname, messageID, msgType string, attempts int) error {
	return p.publish("fed.delivery.failed", map[string]interface{}{
		"hostname":  hostname,
		"messageId": messageID,
		"type":      msgType,
		"attempts":  attempts,
	})
}

// PublishNodeConnected announces a new peer connection.
func (p *natsPub) PublishNodeConnected(ctx context.Context, hostname string) error {
	return p.publish("fed.node.connected", map[string]interface{}{"hostname": hostname})
}

// PublishNodeBlocked announces that a peer was blocked.
func (p *natsPub) PublishNodeBlocked(ctx context.Context, hostname string) error {
	return p.publish("fed.node.blocked", map[string]interface{}{"hostname": hostname})
}
