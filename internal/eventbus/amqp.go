// ABOUTME: RabbitMQ Bus implementation over a durable topic exchange
// ABOUTME: Each subscription owns an exclusive auto-delete queue bound per routing key

package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// maxDialDelay caps the exponential backoff between dial attempts.
const maxDialDelay = 60 * time.Second

// AMQPOptions configures the RabbitMQ connection.
type AMQPOptions struct {
	URL           string
	Exchange      string
	RetryAttempts int
	RetryDelay    time.Duration
	Prefetch      int
}

type amqpSubscription struct {
	ch   *amqp.Channel
	tag  string
	done chan struct{}
}

// AMQPBus publishes and consumes events through RabbitMQ.
type AMQPBus struct {
	conn     *amqp.Connection
	exchange string
	prefetch int

	pubMu sync.Mutex
	pubCh *amqp.Channel

	mu     sync.Mutex
	subs   map[Handle]*amqpSubscription
	closed bool

	logger *slog.Logger
}

// DialAMQP connects with exponential backoff, declares the exchange and
// opens a confirming publish channel.
func DialAMQP(ctx context.Context, opts AMQPOptions, logger *slog.Logger) (*AMQPBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "eventbus", "driver", "amqp")

	if opts.Exchange == "" {
		opts.Exchange = "desk.changes"
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 32
	}

	conn, err := dialWithRetry(ctx, opts, logger)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening publish channel: %w", err)
	}
	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", opts.Exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling publisher confirms: %w", err)
	}

	logger.Info("connected to broker", "exchange", opts.Exchange)
	return &AMQPBus{
		conn:     conn,
		exchange: opts.Exchange,
		prefetch: opts.Prefetch,
		pubCh:    ch,
		subs:     make(map[Handle]*amqpSubscription),
		logger:   logger,
	}, nil
}

func dialWithRetry(ctx context.Context, opts AMQPOptions, logger *slog.Logger) (*amqp.Connection, error) {
	attempts := max(opts.RetryAttempts, 1)
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				logger.Info("broker connected", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := delay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		logger.Warn("broker dial failed", "attempt", i, "sleep", sleep, "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("connecting to broker after %d attempts: %w", attempts, lastErr)
}

// Publish sends ev and waits for the broker confirm.
func (b *AMQPBus) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pubCh == nil {
		return ErrClosed
	}

	confirm, err := b.pubCh.PublishWithDeferredConfirmWithContext(
		ctx, b.exchange, ev.RoutingKey(), false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Transient,
			MessageId:    ev.ID,
			Timestamp:    ev.CommittedAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publishing %s: %w", ev.RoutingKey(), err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("awaiting confirm for %s: %w", ev.RoutingKey(), err)
	}
	if !acked {
		return fmt.Errorf("broker nacked %s", ev.RoutingKey())
	}

	b.logger.Debug("published", "routing_key", ev.RoutingKey(), "row_id", ev.RowID)
	return nil
}

// Subscribe declares a private queue bound to every topic/type pair and
// starts a consumer goroutine.
func (b *AMQPBus) Subscribe(topics []string, types []Type, deliver DeliverFunc) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return "", fmt.Errorf("opening consume channel: %w", err)
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		ch.Close()
		return "", fmt.Errorf("setting qos: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return "", fmt.Errorf("declaring queue: %w", err)
	}
	for _, topic := range topics {
		for _, t := range normalizeTypes(types) {
			key := topic + "." + string(t)
			if err := ch.QueueBind(q.Name, key, b.exchange, false, nil); err != nil {
				ch.Close()
				return "", fmt.Errorf("binding %s: %w", key, err)
			}
		}
	}

	h := Handle(uuid.New().String())
	msgs, err := ch.Consume(q.Name, string(h), false, true, false, false, nil)
	if err != nil {
		ch.Close()
		return "", fmt.Errorf("starting consumer: %w", err)
	}

	sub := &amqpSubscription{ch: ch, tag: string(h), done: make(chan struct{})}
	b.subs[h] = sub
	go b.consume(sub, msgs, deliver)

	b.logger.Debug("subscribed", "handle", h, "queue", q.Name, "topics", topics)
	return h, nil
}

func (b *AMQPBus) consume(sub *amqpSubscription, msgs <-chan amqp.Delivery, deliver DeliverFunc) {
	defer close(sub.done)
	for msg := range msgs {
		var ev Event
		if err := json.Unmarshal(msg.Body, &ev); err != nil {
			b.logger.Warn("dropping undecodable event", "routing_key", msg.RoutingKey, "error", err)
			_ = msg.Nack(false, false)
			continue
		}
		if ev.ID == "" {
			ev.ID = msg.MessageId
		}
		deliver(ev)
		if err := msg.Ack(false); err != nil {
			b.logger.Warn("ack failed", "routing_key", msg.RoutingKey, "error", err)
		}
	}
}

// Unsubscribe cancels the consumer and waits for it to drain.
func (b *AMQPBus) Unsubscribe(h Handle) error {
	b.mu.Lock()
	sub, ok := b.subs[h]
	delete(b.subs, h)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return b.stop(sub)
}

func (b *AMQPBus) stop(sub *amqpSubscription) error {
	var errs []error
	if err := sub.ch.Cancel(sub.tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("cancelling consumer: %w", err))
	}
	if err := sub.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("closing channel: %w", err))
	}
	<-sub.done
	return errors.Join(errs...)
}

// Close stops every consumer and closes the connection.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[Handle]*amqpSubscription)
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := b.stop(sub); err != nil {
			errs = append(errs, err)
		}
	}

	b.pubMu.Lock()
	if b.pubCh != nil {
		_ = b.pubCh.Close()
		b.pubCh = nil
	}
	b.pubMu.Unlock()

	if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("closing connection: %w", err))
	}
	return errors.Join(errs...)
}

var _ Bus = (*AMQPBus)(nil)
