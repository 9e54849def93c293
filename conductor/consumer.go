package conductor

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"conductor.mqilab.org/common"
	"conductor.mqilab.org/queue"
)

// BrokerClient is the broker surface the consumer needs. *queue.Broker
// implements it.
type BrokerClient interface {
	Consume(queueName string, prefetch int) (<-chan amqp.Delivery, error)
	Publish(queueName string, env *queue.Envelope) error
	PublishToDLQ(queueName string, env *queue.Envelope) error
}

// ConsumerSettings configures the inbox consumer.
type ConsumerSettings struct {
	// InboxQueue is the conductor's inbound queue
	InboxQueue string

	// Prefetch is the unacknowledged delivery window
	Prefetch int

	// MaxRetries caps the retry_count republish cycle, for poison messages
	// and transient requeues alike
	MaxRetries int
}

// Consumer runs the single-threaded event loop over the conductor inbox.
// Deliveries are prefetched in a bounded window but handled strictly one at
// a time; every delivery ends in exactly one of ack, republish with an
// incremented retry_count, or dead-letter.
type Consumer struct {
	broker   BrokerClient
	router   *Router
	settings ConsumerSettings
	logger   *logrus.Entry
}

// NewConsumer wires the inbox consumer.
func NewConsumer(broker BrokerClient, router *Router, settings ConsumerSettings, logger *logrus.Entry) *Consumer {
	if logger == nil {
		logger = common.ComponentLogger("consumer")
	}
	return &Consumer{
		broker:   broker,
		router:   router,
		settings: settings,
		logger:   logger,
	}
}

// Run consumes the inbox until the context is cancelled. The in-flight
// delivery is always finished and acknowledged before Run returns, so a
// shutdown never half-processes a message.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.broker.Consume(c.settings.InboxQueue, c.settings.Prefetch)
	if err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"queue":    c.settings.InboxQueue,
		"prefetch": c.settings.Prefetch,
	}).Info("Consumer started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer stopping")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed by broker")
			}
			c.handleDelivery(ctx, d)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	env, err := queue.ParseEnvelope(d.Body)
	if err != nil {
		c.logger.WithError(err).Error("Malformed message, dead-lettering")
		c.nack(d, false)
		return
	}
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.New().String()
		c.logger.WithFields(logrus.Fields{
			"command":        env.Command,
			"correlation_id": env.CorrelationID,
		}).Debug("Synthesized correlation id for inbound message")
	}

	log := c.logger.WithFields(logrus.Fields{
		"command":        env.Command,
		"correlation_id": env.CorrelationID,
		"retry_count":    env.RetryCount,
	})

	decision, err := c.router.Route(ctx, env)
	if err != nil {
		c.retryOrDeadLetter(d, env, log.WithError(err))
		return
	}

	log.WithField("decision", decision).Debug("Handled message")
	switch decision {
	case NackRequeue:
		// A raw requeue would redeliver the same body forever at the same
		// retry_count; transient failures share the retry budget instead.
		c.retryOrDeadLetter(d, env, log)
	case NackDead:
		c.nack(d, false)
	default:
		c.ack(d)
	}
}

// retryOrDeadLetter applies the retry_count policy to a delivery that could
// not be handled, whether the handler failed unexpectedly or reported a
// transient condition. Below the budget the message is republished with an
// incremented retry_count and the original acknowledged; at or above it the
// message goes to the dead-letter queue. If the republish itself fails the
// original is requeued so nothing is lost.
func (c *Consumer) retryOrDeadLetter(d amqp.Delivery, env *queue.Envelope, log *logrus.Entry) {
	if env.RetryCount >= c.settings.MaxRetries {
		log.Error("Retry budget exhausted, dead-lettering message")
		if err := c.broker.PublishToDLQ(c.settings.InboxQueue, env); err != nil {
			log.WithError(err).Error("Failed to publish to dead-letter queue, requeueing")
			c.nack(d, true)
			return
		}
		c.ack(d)
		return
	}

	retry := *env
	retry.RetryCount++
	log.WithField("next_retry_count", retry.RetryCount).Warn("Republishing for retry")
	if err := c.broker.Publish(c.settings.InboxQueue, &retry); err != nil {
		log.WithError(err).Error("Failed to republish for retry, requeueing")
		c.nack(d, true)
		return
	}
	c.ack(d)
}

func (c *Consumer) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.logger.WithError(err).Error("Failed to acknowledge delivery")
	}
}

func (c *Consumer) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		c.logger.WithError(err).Error("Failed to negatively acknowledge delivery")
	}
}
