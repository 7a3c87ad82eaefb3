package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JonasMelin/tradingpalavanza/internal/signal"
)

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes ledger updates to a durable fanout exchange.
type AMQPSink struct {
	mu       sync.Mutex
	channel  publisher
	conn     *amqp.Connection
	exchange string
}

// DialAMQP connects to url and declares exchange.
func DialAMQP(url, exchange string) (*AMQPSink, error) {
	if exchange == "" {
		return nil, errors.New("exchange name cannot be empty")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPSink{channel: ch, conn: conn, exchange: exchange}, nil
}

// Write implements Sink.
func (s *AMQPSink) Write(ctx context.Context, u signal.LedgerUpdate) error {
	body, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal ledger update: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil {
		return errors.New("amqp sink closed")
	}
	return s.channel.PublishWithContext(ctx, s.exchange, u.Ticker, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Close closes the channel and connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.channel != nil {
		errs = append(errs, s.channel.Close())
		s.channel = nil
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
		s.conn = nil
	}
	return errors.Join(errs...)
}
