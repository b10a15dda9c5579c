// Package bus carries rental lifecycle traffic over redis pub/sub.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	rentaldomain "github.com/one-covenant/basilica-billing/internal/rental/domain"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher sends termination signals on the terminate channel.
type Publisher struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
}

func NewPublisher(client *redis.Client, log *zap.Logger) *Publisher {
	return &Publisher{client: client, channel: rentaldomain.TerminateChannel, log: log.Named("rental.publisher")}
}

func (p *Publisher) Terminate(ctx context.Context, signal rentaldomain.TerminationSignal) error {
	payload, err := json.Marshal(signal)
	if err != nil {
		return err
	}
	receivers, err := p.client.Publish(ctx, p.channel, payload).Result()
	if err != nil {
		return fmt.Errorf("publish termination: %w", err)
	}
	p.log.Info("rental.terminate.published",
		zap.String("rental_id", signal.RentalID),
		zap.String("reason", string(signal.Reason)),
		zap.Int64("receivers", receivers),
	)
	return nil
}

// Subscriber feeds lifecycle messages into the rental service until stopped.
type Subscriber struct {
	client  *redis.Client
	handler rentaldomain.Service
	log     *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewSubscriber(client *redis.Client, handler rentaldomain.Service, log *zap.Logger) *Subscriber {
	return &Subscriber{client: client, handler: handler, log: log.Named("rental.subscriber")}
}

func (s *Subscriber) Start(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, rentaldomain.LifecycleChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", rentaldomain.LifecycleChannel, err)
	}

	s.mu.Lock()
	s.pubsub = pubsub
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(pubsub.Channel(), s.done)
	s.log.Info("rental.subscriber.started", zap.String("channel", rentaldomain.LifecycleChannel))
	return nil
}

func (s *Subscriber) loop(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		s.Dispatch(context.Background(), []byte(msg.Payload))
	}
}

// Dispatch decodes one payload and hands it to the service. Malformed or
// rejected messages are logged and dropped; pub/sub has no redelivery.
func (s *Subscriber) Dispatch(ctx context.Context, payload []byte) {
	var msg rentaldomain.LifecycleMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.log.Warn("rental.lifecycle.decode_failed", zap.Error(err))
		return
	}
	if err := s.handler.Handle(ctx, msg); err != nil {
		s.log.Warn("rental.lifecycle.rejected",
			zap.String("rental_id", msg.RentalID),
			zap.String("kind", string(msg.Kind)),
			zap.Error(err),
		)
	}
}

func (s *Subscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	pubsub, done := s.pubsub, s.done
	s.pubsub = nil
	s.mu.Unlock()
	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}
