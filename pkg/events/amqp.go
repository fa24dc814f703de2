package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Publisher is the part of *amqp.Channel the forwarder uses
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Forwarder republishes every broker event as JSON on an AMQP topic
// exchange, routed by event type.
type Forwarder struct {
	broker   *Broker
	pub      Publisher
	exchange string
	logger   zerolog.Logger
	timeout  time.Duration

	conn *amqp.Connection
	ch   *amqp.Channel

	sub    Subscriber
	stopCh chan struct{}
	doneCh chan struct{}
}

// DialForwarder connects to url and declares a durable topic exchange
func DialForwarder(url, exchange string, broker *Broker, logger zerolog.Logger) (*Forwarder, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	f := NewForwarder(ch, exchange, broker, logger)
	f.conn, f.ch = conn, ch
	return f, nil
}

// NewForwarder creates a forwarder publishing through pub
func NewForwarder(pub Publisher, exchange string, broker *Broker, logger zerolog.Logger) *Forwarder {
	return &Forwarder{
		broker:   broker,
		pub:      pub,
		exchange: exchange,
		logger:   logger,
		timeout:  5 * time.Second,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start subscribes to the broker and begins forwarding
func (f *Forwarder) Start() {
	f.sub = f.broker.Subscribe()
	go f.run()
}

// Stop stops forwarding and closes the AMQP connection if it owns one
func (f *Forwarder) Stop() {
	close(f.stopCh)
	<-f.doneCh
	f.broker.Unsubscribe(f.sub)
	if f.ch != nil {
		f.ch.Close()
	}
	if f.conn != nil {
		f.conn.Close()
	}
}

func (f *Forwarder) run() {
	defer close(f.doneCh)
	for {
		select {
		case event, ok := <-f.sub:
			if !ok {
				return
			}
			if err := f.forward(event); err != nil {
				f.logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("Failed to forward event")
			}
		case <-f.stopCh:
			return
		}
	}
}

func (f *Forwarder) forward(event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	return f.pub.PublishWithContext(ctx,
		f.exchange,
		string(event.Type),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID,
			Timestamp:    event.Timestamp,
			Body:         body,
		},
	)
}
