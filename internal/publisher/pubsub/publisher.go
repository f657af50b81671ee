// Package pubsub publishes commit notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/map-harvester/internal/harvest"
)

// Config selects the project and default topic.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Publisher keeps one pubsub.Publisher per topic.
type Publisher struct {
	client *pubsub.Client

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

var _ harvest.Publisher = (*Publisher)(nil)

// New creates a Publisher backed by a new client for cfg.ProjectID.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.ProjectID == "" {
		return nil, harvest.NewConfigurationError("pubsub.project_id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return NewWithClient(client), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *pubsub.Client) *Publisher {
	return &Publisher{client: client, publishers: make(map[string]*pubsub.Publisher)}
}

func (p *Publisher) publisher(topic string) *pubsub.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	pub, ok := p.publishers[topic]
	if !ok {
		pub = p.client.Publisher(topic)
		p.publishers[topic] = pub
	}
	return pub
}

// Publish marshals msg to JSON and blocks until the server acknowledges it.
func (p *Publisher) Publish(ctx context.Context, topic string, msg harvest.UnitCommitted) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	result := p.publisher(topic).Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: Attributes(msg),
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Attributes are the filterable message attributes for msg.
func Attributes(msg harvest.UnitCommitted) map[string]string {
	return map[string]string{
		"run_id":   msg.RunID,
		"ordinal":  strconv.FormatInt(msg.Ordinal, 10),
		"city":     msg.City,
		"category": msg.Category,
	}
}

// Close flushes pending messages and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, pub := range p.publishers {
		pub.Stop()
	}
	p.publishers = map[string]*pubsub.Publisher{}
	p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
