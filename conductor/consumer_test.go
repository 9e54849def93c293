package conductor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor.mqilab.org/common"
	"conductor.mqilab.org/queue"
)

// fakeAcknowledger records the final disposition of a delivery.
type fakeAcknowledger struct {
	Acked   bool
	Nacked  bool
	Requeue bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.Acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	f.Nacked = true
	f.Requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.Nacked = true
	f.Requeue = requeue
	return nil
}

// fakeBroker implements BrokerClient in memory.
type fakeBroker struct {
	deliveries chan amqp.Delivery
	published  []publishedMessage
	deadLetter []publishedMessage
	publishErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{deliveries: make(chan amqp.Delivery, 16)}
}

func (f *fakeBroker) Consume(queueName string, prefetch int) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeBroker) Publish(queueName string, env *queue.Envelope) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMessage{Queue: queueName, Envelope: env})
	return nil
}

func (f *fakeBroker) PublishToDLQ(queueName string, env *queue.Envelope) error {
	f.deadLetter = append(f.deadLetter, publishedMessage{Queue: queueName, Envelope: env})
	return nil
}

// errorRouter always fails its single handler, exercising the poison path.
func errorRouter() *Router {
	return &Router{
		logger: common.ComponentLogger("router"),
		handlers: map[string]HandlerFunc{
			queue.CommandNewCaseFound: func(ctx context.Context, env *queue.Envelope) (Decision, error) {
				return Ack, errors.New("handler blew up")
			},
		},
	}
}

// transientRouter reports a transient condition for its single handler, as
// the manager does for an unconfirmed publish or a busy store.
func transientRouter() *Router {
	return &Router{
		logger: common.ComponentLogger("router"),
		handlers: map[string]HandlerFunc{
			queue.CommandNewCaseFound: func(ctx context.Context, env *queue.Envelope) (Decision, error) {
				return NackRequeue, nil
			},
		},
	}
}

func delivery(t *testing.T, env *queue.Envelope) (amqp.Delivery, *fakeAcknowledger) {
	t.Helper()
	body, err := env.JSON()
	require.NoError(t, err)
	acker := &fakeAcknowledger{}
	return amqp.Delivery{Acknowledger: acker, Body: body}, acker
}

func settings() ConsumerSettings {
	return ConsumerSettings{InboxQueue: "conductor_queue", Prefetch: 8, MaxRetries: 2}
}

func TestHandleDelivery_MalformedBodyDeadLettered(t *testing.T) {
	broker := newFakeBroker()
	consumer := NewConsumer(broker, errorRouter(), settings(), nil)

	acker := &fakeAcknowledger{}
	consumer.handleDelivery(context.Background(), amqp.Delivery{
		Acknowledger: acker,
		Body:         []byte("not json at all"),
	})

	assert.True(t, acker.Nacked)
	assert.False(t, acker.Requeue)
	assert.Empty(t, broker.published)
}

func TestHandleDelivery_AckOnSuccess(t *testing.T) {
	h := newHarness(t, 1, standardWorkflow(t))
	broker := newFakeBroker()
	consumer := NewConsumer(broker, NewRouter(h.manager, nil), settings(), nil)

	d, acker := delivery(t, envelope(t, queue.CommandNewCaseFound, queue.CasePayload{CaseID: "case_0001"}))
	consumer.handleDelivery(context.Background(), d)

	assert.True(t, acker.Acked)
	assert.False(t, acker.Nacked)
}

func TestHandleDelivery_PoisonRepublishedWithIncrementedRetryCount(t *testing.T) {
	broker := newFakeBroker()
	consumer := NewConsumer(broker, errorRouter(), settings(), nil)

	env := envelope(t, queue.CommandNewCaseFound, queue.CasePayload{CaseID: "case_0001"})
	d, acker := delivery(t, env)
	consumer.handleDelivery(context.Background(), d)

	assert.True(t, acker.Acked)
	require.Len(t, broker.published, 1)
	assert.Equal(t, "conductor_queue", broker.published[0].Queue)
	assert.Equal(t, 1, broker.published[0].Envelope.RetryCount)
	assert.Empty(t, broker.deadLetter)
}

func TestHandleDelivery_PoisonDeadLetteredAtBudget(t *testing.T) {
	broker := newFakeBroker()
	consumer := NewConsumer(broker, errorRouter(), settings(), nil)

	env := envelope(t, queue.CommandNewCaseFound, queue.CasePayload{CaseID: "case_0001"})
	env.RetryCount = 2
	d, acker := delivery(t, env)
	consumer.handleDelivery(context.Background(), d)

	assert.True(t, acker.Acked)
	assert.Empty(t, broker.published)
	require.Len(t, broker.deadLetter, 1)
	assert.Equal(t, "conductor_queue", broker.deadLetter[0].Queue)
}

// Three deliveries of the same failing message with max_retries 2: the
// first two are republished with retry counts 1 and 2, the third is
// dead-lettered.
func TestPoisonMessage_FullRetryCycle(t *testing.T) {
	broker := newFakeBroker()
	consumer := NewConsumer(broker, errorRouter(), settings(), nil)
	ctx := context.Background()

	env := envelope(t, queue.CommandNewCaseFound, queue.CasePayload{CaseID: "case_0001"})

	for expected := 1; expected <= 2; expected++ {
		d, acker := delivery(t, env)
		consumer.handleDelivery(ctx, d)
		assert.True(t, acker.Acked)

		require.Len(t, broker.published, expected)
		env = broker.published[expected-1].Envelope
		assert.Equal(t, expected, env.RetryCount)
	}

	d, acker := delivery(t, env)
	consumer.handleDelivery(ctx, d)
	assert.True(t, acker.Acked)
	assert.Len(t, broker.published, 2)
	assert.Len(t, broker.deadLetter, 1)
}

// A transient condition must not turn into an unbounded raw requeue of the
// same body at retry_count 0: it goes through the same republish cycle as a
// failing handler.
func TestHandleDelivery_TransientRepublishedWithIncrementedRetryCount(t *testing.T) {
	broker := newFakeBroker()
	consumer := NewConsumer(broker, transientRouter(), settings(), nil)

	d, acker := delivery(t, envelope(t, queue.CommandNewCaseFound, queue.CasePayload{CaseID: "case_0001"}))
	consumer.handleDelivery(context.Background(), d)

	assert.True(t, acker.Acked)
	assert.False(t, acker.Nacked)
	require.Len(t, broker.published, 1)
	assert.Equal(t, "conductor_queue", broker.published[0].Queue)
	assert.Equal(t, 1, broker.published[0].Envelope.RetryCount)
}

func TestHandleDelivery_TransientDeadLetteredAtBudget(t *testing.T) {
	broker := newFakeBroker()
	consumer := NewConsumer(broker, transientRouter(), settings(), nil)

	env := envelope(t, queue.CommandNewCaseFound, queue.CasePayload{CaseID: "case_0001"})
	env.RetryCount = 2
	d, acker := delivery(t, env)
	consumer.handleDelivery(context.Background(), d)

	assert.True(t, acker.Acked)
	assert.Empty(t, broker.published)
	require.Len(t, broker.deadLetter, 1)
	assert.Equal(t, "conductor_queue", broker.deadLetter[0].Queue)
}

func TestHandleDelivery_RepublishFailureRequeuesOriginal(t *testing.T) {
	broker := newFakeBroker()
	broker.publishErr = errors.New("broker unavailable")
	consumer := NewConsumer(broker, errorRouter(), settings(), nil)

	d, acker := delivery(t, envelope(t, queue.CommandNewCaseFound, queue.CasePayload{CaseID: "case_0001"}))
	consumer.handleDelivery(context.Background(), d)

	assert.False(t, acker.Acked)
	assert.True(t, acker.Nacked)
	assert.True(t, acker.Requeue)
}

func TestHandleDelivery_SynthesizesCorrelationID(t *testing.T) {
	h := newHarness(t, 1, standardWorkflow(t))
	broker := newFakeBroker()
	consumer := NewConsumer(broker, NewRouter(h.manager, nil), settings(), nil)

	body := []byte(`{"command": "new_case_found", "payload": {"case_id": "case_0001"}}`)
	acker := &fakeAcknowledger{}
	consumer.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: acker, Body: body})

	assert.True(t, acker.Acked)
	c := h.mustCase(t, "case_0001")
	assert.NotEmpty(t, c.CorrelationID)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	h := newHarness(t, 1, standardWorkflow(t))
	broker := newFakeBroker()
	consumer := NewConsumer(broker, NewRouter(h.manager, nil), settings(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	env := envelope(t, queue.CommandNewCaseFound, queue.CasePayload{CaseID: "case_0001"})
	d, acker := delivery(t, env)
	broker.deliveries <- d

	require.Eventually(t, func() bool { return acker.Acked }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop on context cancel")
	}
}

func TestRun_ErrorOnClosedDeliveryChannel(t *testing.T) {
	h := newHarness(t, 1, standardWorkflow(t))
	broker := newFakeBroker()
	consumer := NewConsumer(broker, NewRouter(h.manager, nil), settings(), nil)

	close(broker.deliveries)
	err := consumer.Run(context.Background())
	assert.Error(t, err)
}
