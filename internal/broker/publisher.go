package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Guizzs26/go-pos-sync/internal/models"
	"github.com/Guizzs26/go-pos-sync/pkg/infra"
)

var ErrBrokerOffline = errors.New("broker offline")

// Publisher keeps a RabbitMQ link alive on demand. A dead link is redialed on the next
// publish, throttled by a jittered backoff so an outage does not turn into a dial storm.
// It serves as the review holding queue and the label printer.
type Publisher struct {
	url     string
	logger  *slog.Logger
	dial    func(url string, l *slog.Logger) (publishClient, error)
	backoff *infra.Backoff

	mu       sync.Mutex
	client   publishClient
	nextDial time.Time
}

type publishClient interface {
	Publish(ctx context.Context, routingKey, correlationID string, payload any) error
	IsHealthy() bool
	Close() error
}

func NewPublisher(url string, logger *slog.Logger) *Publisher {
	return &Publisher{
		url:    url,
		logger: logger,
		dial: func(url string, l *slog.Logger) (publishClient, error) {
			return NewRabbitMQClient(url, l)
		},
		backoff: infra.NewBackoff(1*time.Second, 60*time.Second, 2.0),
	}
}

func (p *Publisher) link() (publishClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.client.IsHealthy() {
		return p.client, nil
	}
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	if time.Now().Before(p.nextDial) {
		return nil, ErrBrokerOffline
	}

	c, err := p.dial(p.url, p.logger)
	if err != nil {
		wait := p.backoff.Next()
		p.nextDial = time.Now().Add(wait)
		p.logger.Error("RabbitMQ link failure", "retry_in", wait, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrBrokerOffline, err)
	}

	p.logger.Info("RabbitMQ link established")
	p.backoff.Reset()
	p.client = c
	return c, nil
}

// CreatePendingEntry publishes the entry for the review relay. The entry id doubles as
// the correlation id, so redeliveries stay idempotent downstream
func (p *Publisher) CreatePendingEntry(ctx context.Context, entry models.PendingEntry) (string, error) {
	c, err := p.link()
	if err != nil {
		return "", err
	}
	if err := c.Publish(ctx, RoutingReviewPending, entry.ID, entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// PrintLabels publishes one print job per label
func (p *Publisher) PrintLabels(ctx context.Context, labels []models.Label) error {
	if len(labels) == 0 {
		return nil
	}
	c, err := p.link()
	if err != nil {
		return err
	}
	for _, l := range labels {
		if err := c.Publish(ctx, RoutingLabelsPrint, l.Barcode, l); err != nil {
			return fmt.Errorf("label %s: %w", l.Barcode, err)
		}
	}
	return nil
}

func (p *Publisher) IsHealthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client != nil && p.client.IsHealthy()
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}
