package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"conductor.mqilab.org/common"
)

// DLXExchange is the shared dead-letter exchange. Every queue this broker
// declares gets a companion <queue>.dlq bound to it, and is declared with
// dead-letter arguments pointing at it, so a nack without requeue routes the
// message to the DLQ.
const DLXExchange = "dlx_exchange"

// ErrPublishUnconfirmed marks a publish whose broker confirmation did not
// arrive in time or was a nack. Callers treat it as transient: the inbound
// event that triggered the publish is nack-requeued, never dropped.
var ErrPublishUnconfirmed = errors.New("publish not confirmed by broker")

// Settings configures a Broker.
type Settings struct {
	// URL is the AMQP connection URL
	URL string

	// ConfirmTimeout bounds the wait for a publisher confirmation
	ConfirmTimeout time.Duration

	// Reconnect backoff shape; MaxAttempts 0 means a single attempt window
	// of ReconnectMaxAttempts is not enforced (retry forever)
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMaxAttempts  int
}

// DefaultSettings returns broker settings with sensible defaults.
func DefaultSettings(url string) Settings {
	return Settings{
		URL:                   url,
		ConfirmTimeout:        5 * time.Second,
		ReconnectInitialDelay: 1 * time.Second,
		ReconnectMaxDelay:     30 * time.Second,
		ReconnectMaxAttempts:  5,
	}
}

// Broker manages one AMQP connection and channel in publisher-confirm mode.
// It is not safe for concurrent publishes; the conductor's event loop is the
// single caller.
type Broker struct {
	settings Settings
	dialer   AMQPDialer
	logger   *logrus.Entry

	connection AMQPConnection
	channel    AMQPChannel
	confirms   chan amqp.Confirmation

	// publishSeq mirrors the channel's delivery tag sequence: the broker
	// numbers confirmed publishes 1, 2, 3... per channel. Confirmations
	// carry the tag, so a late confirmation for a timed-out publish can be
	// told apart from the one belonging to the publish in flight.
	publishSeq uint64

	declared map[string]bool
}

// NewBroker connects to RabbitMQ with retry and returns a broker in
// confirmed publishing mode. Cancelling the context aborts the connection
// backoff.
func NewBroker(ctx context.Context, settings Settings, logger *logrus.Entry) (*Broker, error) {
	return NewBrokerWithDialer(ctx, settings, &RealAMQPDialer{}, logger)
}

// NewBrokerWithDialer creates a broker with an injected dialer for testing.
func NewBrokerWithDialer(ctx context.Context, settings Settings, dialer AMQPDialer, logger *logrus.Entry) (*Broker, error) {
	if logger == nil {
		logger = common.ComponentLogger("broker")
	}

	b := &Broker{
		settings: settings,
		dialer:   dialer,
		logger:   logger,
		declared: make(map[string]bool),
	}

	if err := b.connect(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// connect dials with exponential backoff, opens a channel and enters
// confirm mode. With ReconnectMaxAttempts 0 it retries until the dial
// succeeds or the context is cancelled.
func (b *Broker) connect(ctx context.Context) error {
	delay := b.settings.ReconnectInitialDelay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	attempts := 0
	for {
		conn, err := b.dialer.Dial(b.settings.URL)
		if err == nil {
			if setupErr := b.setupChannel(conn); setupErr == nil {
				b.connection = conn
				b.logger.WithField("url", b.settings.URL).Info("Connected to message broker")
				return nil
			} else {
				conn.Close()
				err = setupErr
			}
		}

		lastErr = err
		attempts++
		b.logger.WithError(err).WithField("attempt", attempts).Warn("Broker connection failed")

		if b.settings.ReconnectMaxAttempts > 0 && attempts >= b.settings.ReconnectMaxAttempts {
			return fmt.Errorf("failed to connect to broker after %d attempts: %w", attempts, lastErr)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("broker connection aborted after %d attempts: %w", attempts, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if b.settings.ReconnectMaxDelay > 0 && delay > b.settings.ReconnectMaxDelay {
			delay = b.settings.ReconnectMaxDelay
		}
	}
}

func (b *Broker) setupChannel(conn AMQPConnection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to enter confirm mode: %w", err)
	}
	b.channel = ch
	b.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 16))
	b.publishSeq = 0
	return nil
}

// DeclareQueue declares a durable queue together with its dead-letter
// wiring: the shared DLX exchange, the <name>.dlq queue, the binding, and
// the primary queue's x-dead-letter arguments. Declarations are idempotent
// and cached per broker instance.
func (b *Broker) DeclareQueue(name string) error {
	if b.declared[name] {
		return nil
	}

	dlqName := name + ".dlq"

	if err := b.channel.ExchangeDeclare(DLXExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}
	if _, err := b.channel.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue %s: %w", dlqName, err)
	}
	if err := b.channel.QueueBind(dlqName, dlqName, DLXExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue %s: %w", dlqName, err)
	}
	if _, err := b.channel.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    DLXExchange,
		"x-dead-letter-routing-key": dlqName,
	}); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	b.declared[name] = true
	b.logger.WithField("queue", name).Debug("Declared queue with dead-letter wiring")
	return nil
}

// Publish sends an envelope to the named queue as a persistent message and
// waits for the broker confirmation. A missing or negative confirmation
// returns ErrPublishUnconfirmed.
func (b *Broker) Publish(queueName string, env *Envelope) error {
	if err := b.DeclareQueue(queueName); err != nil {
		return err
	}
	return b.publish("", queueName, env)
}

// PublishToDLQ routes an envelope straight to the queue's dead-letter queue.
// Used for poison messages that exhausted their retry budget.
func (b *Broker) PublishToDLQ(queueName string, env *Envelope) error {
	if err := b.DeclareQueue(queueName); err != nil {
		return err
	}
	return b.publish(DLXExchange, queueName+".dlq", env)
}

func (b *Broker) publish(exchange, routingKey string, env *Envelope) error {
	body, err := env.JSON()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	err = b.channel.Publish(exchange, routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: env.CorrelationID,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublishUnconfirmed, err)
	}
	b.publishSeq++

	if err := b.awaitConfirm(b.publishSeq); err != nil {
		return err
	}

	b.logger.WithFields(logrus.Fields{
		"queue":          routingKey,
		"command":        env.Command,
		"correlation_id": env.CorrelationID,
		"retry_count":    env.RetryCount,
	}).Debug("Published message")
	return nil
}

// awaitConfirm waits for the confirmation carrying the given delivery tag.
// Confirmations with a lower tag belong to earlier publishes that already
// timed out and are discarded, so a stale ack can never be mistaken for the
// outcome of the publish in flight.
func (b *Broker) awaitConfirm(tag uint64) error {
	timeout := b.settings.ConfirmTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case confirm, ok := <-b.confirms:
			if !ok {
				return fmt.Errorf("%w: confirm channel closed", ErrPublishUnconfirmed)
			}
			if confirm.DeliveryTag < tag {
				b.logger.WithFields(logrus.Fields{
					"delivery_tag": confirm.DeliveryTag,
					"expected_tag": tag,
				}).Debug("Discarded stale publisher confirmation")
				continue
			}
			if !confirm.Ack {
				return fmt.Errorf("%w: broker nacked delivery %d", ErrPublishUnconfirmed, confirm.DeliveryTag)
			}
			return nil
		case <-deadline.C:
			return fmt.Errorf("%w: confirm timeout after %s", ErrPublishUnconfirmed, timeout)
		}
	}
}

// Consume starts a manually-acknowledged consumer on the named queue with
// the given prefetch window.
func (b *Broker) Consume(queueName string, prefetch int) (<-chan amqp.Delivery, error) {
	if err := b.DeclareQueue(queueName); err != nil {
		return nil, err
	}
	if prefetch > 0 {
		if err := b.channel.Qos(prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set prefetch: %w", err)
		}
	}
	deliveries, err := b.channel.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start consumer on %s: %w", queueName, err)
	}
	return deliveries, nil
}

// QueueDepth reports the current message count of a queue.
func (b *Broker) QueueDepth(queueName string) (int, error) {
	q, err := b.channel.QueueInspect(queueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %s: %w", queueName, err)
	}
	return q.Messages, nil
}

// Close closes the channel and connection.
func (b *Broker) Close() error {
	if b.channel != nil {
		b.channel.Close()
	}
	if b.connection != nil {
		b.connection.Close()
	}
	return nil
}
