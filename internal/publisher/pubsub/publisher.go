// Package pubsub publishes contest handoffs to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/editalwatch/discovery/internal/crawler"
)

// Attribute keys set on every handoff message.
const (
	AttrSourceID   = "source_id"
	AttrExternalID = "external_id"
	AttrHash       = "content_hash"
)

// Config selects the project and topic to publish to.
type Config struct {
	ProjectID string
	Topic     string
	// Ordered enables per-source ordering keys.
	Ordered bool
}

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	ordered   bool
}

// Open dials Pub/Sub and prepares a publisher for cfg.Topic.
func Open(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, errors.New("pubsub: project id and topic are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	p := New(client.Publisher(cfg.Topic), cfg.Ordered)
	p.client = client
	return p, nil
}

// New wraps an existing topic publisher.
func New(publisher *pubsub.Publisher, ordered bool) *Publisher {
	if publisher != nil && ordered {
		publisher.EnableMessageOrdering = true
	}
	return &Publisher{publisher: publisher, ordered: ordered}
}

// Publish marshals the payload to JSON and waits for the server ID. Handoffs
// carry their identity as attributes and, when ordering is on, use the source
// as ordering key.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p == nil || p.publisher == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	msg, err := p.message(ctx, payload)
	if err != nil {
		return "", err
	}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			p.publisher.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func (p *Publisher) message(ctx context.Context, payload any) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: handoffAttributes(payload)}
	if p.ordered {
		msg.OrderingKey = msg.Attributes[AttrSourceID]
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})
	return msg, nil
}

func handoffAttributes(payload any) map[string]string {
	attrs := make(map[string]string)
	var h *crawler.Handoff
	switch v := payload.(type) {
	case crawler.Handoff:
		h = &v
	case *crawler.Handoff:
		h = v
	}
	if h != nil {
		attrs[AttrSourceID] = h.SourceID
		attrs[AttrExternalID] = h.ExternalID
		attrs[AttrHash] = h.ContentHash
	}
	return attrs
}

// Close flushes pending messages and releases the client it opened.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("pubsub close: %w", err)
		}
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
