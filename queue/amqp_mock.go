package queue

import (
	"fmt"

	"github.com/streadway/amqp"
)

// MockAMQPConnection is a mock implementation of AMQPConnection for testing
type MockAMQPConnection struct {
	// MockChannel is the channel to return from Channel()
	MockChannel AMQPChannel
	// Errors to return from operations
	ChannelErr error
	CloseErr   error
	// Track function calls
	ChannelCalled bool
	CloseCalled   bool
}

// Channel returns the mock channel
func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	m.ChannelCalled = true
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}

// Close mocks closing the connection
func (m *MockAMQPConnection) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAMQPChannel is a mock implementation of AMQPChannel for testing
type MockAMQPChannel struct {
	// PublishedMessages stores all published messages for verification
	PublishedMessages []amqp.Publishing
	// PublishedKeys stores routing keys for published messages
	PublishedKeys []string
	// PublishedExchanges stores exchanges for published messages
	PublishedExchanges []string
	// DeclaredQueues stores declared queue names in order
	DeclaredQueues []string
	// DeclaredQueueArgs stores the arguments each queue was declared with
	DeclaredQueueArgs map[string]amqp.Table
	// BoundQueues maps queue name to its bound exchange
	BoundQueues map[string]string
	// Deliveries is the channel returned by Consume
	Deliveries chan amqp.Delivery
	// QueueDepths controls what QueueInspect reports per queue
	QueueDepths map[string]int
	// SuppressConfirms disables automatic publisher confirmations,
	// letting tests exercise the confirm timeout path
	SuppressConfirms bool
	// NackPublishes makes every confirmation a broker nack
	NackPublishes bool
	// Errors to return from operations
	ExchangeDeclareErr error
	QueueDeclareErr    error
	QueueBindErr       error
	PublishErr         error
	ConsumeErr         error
	QosErr             error
	ConfirmErr         error
	CloseErr           error
	// Track function calls
	QueueDeclareCalled bool
	PublishCalled      bool
	ConfirmCalled      bool
	CloseCalled        bool
	// Last call parameters
	LastQueueName     string
	LastExchange      string
	LastKey           string
	LastPrefetchCount int

	confirmChan chan amqp.Confirmation
	deliveryTag uint64
}

// ExchangeDeclare mocks declaring an exchange
func (m *MockAMQPChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.ExchangeDeclareErr
}

// QueueDeclare mocks declaring a queue
func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	m.QueueDeclareCalled = true
	m.LastQueueName = name
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	m.DeclaredQueues = append(m.DeclaredQueues, name)
	if m.DeclaredQueueArgs == nil {
		m.DeclaredQueueArgs = make(map[string]amqp.Table)
	}
	m.DeclaredQueueArgs[name] = args
	return amqp.Queue{Name: name}, nil
}

// QueueBind mocks binding a queue to an exchange
func (m *MockAMQPChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if m.QueueBindErr != nil {
		return m.QueueBindErr
	}
	if m.BoundQueues == nil {
		m.BoundQueues = make(map[string]string)
	}
	m.BoundQueues[name] = exchange
	return nil
}

// Publish mocks publishing a message and, when the channel is in confirm
// mode, emits the corresponding confirmation.
func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.PublishCalled = true
	m.LastExchange = exchange
	m.LastKey = key
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.PublishedMessages = append(m.PublishedMessages, msg)
	m.PublishedKeys = append(m.PublishedKeys, key)
	m.PublishedExchanges = append(m.PublishedExchanges, exchange)

	m.deliveryTag++
	if m.confirmChan != nil && !m.SuppressConfirms {
		m.confirmChan <- amqp.Confirmation{DeliveryTag: m.deliveryTag, Ack: !m.NackPublishes}
	}
	return nil
}

// Consume mocks consuming from a queue
func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}
	if m.Deliveries == nil {
		m.Deliveries = make(chan amqp.Delivery, 16)
	}
	return m.Deliveries, nil
}

// Qos mocks setting the prefetch window
func (m *MockAMQPChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	m.LastPrefetchCount = prefetchCount
	return m.QosErr
}

// Confirm mocks entering publisher confirm mode
func (m *MockAMQPChannel) Confirm(noWait bool) error {
	m.ConfirmCalled = true
	return m.ConfirmErr
}

// NotifyPublish registers the confirmation listener
func (m *MockAMQPChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	m.confirmChan = confirm
	return confirm
}

// InjectConfirmation pushes a confirmation into the listener, letting tests
// deliver late confirmations for publishes that were suppressed.
func (m *MockAMQPChannel) InjectConfirmation(confirm amqp.Confirmation) {
	if m.confirmChan != nil {
		m.confirmChan <- confirm
	}
}

// QueueInspect mocks retrieving queue information
func (m *MockAMQPChannel) QueueInspect(name string) (amqp.Queue, error) {
	depth := 0
	if m.QueueDepths != nil {
		depth = m.QueueDepths[name]
	}
	return amqp.Queue{Name: name, Messages: depth}, nil
}

// Close mocks closing the channel
func (m *MockAMQPChannel) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// PublishedEnvelopes decodes every published message body as an Envelope.
// Bodies that do not decode are skipped.
func (m *MockAMQPChannel) PublishedEnvelopes() []*Envelope {
	envs := make([]*Envelope, 0, len(m.PublishedMessages))
	for _, msg := range m.PublishedMessages {
		env, err := ParseEnvelope(msg.Body)
		if err != nil {
			continue
		}
		envs = append(envs, env)
	}
	return envs
}

// MockAMQPDialer is a mock implementation of AMQPDialer for testing
type MockAMQPDialer struct {
	// MockConnection is the connection to return from Dial()
	MockConnection AMQPConnection
	// Error to return from Dial
	DialErr error
	// Track function calls
	DialCalled bool
	DialCount  int
	// Store last call parameters
	LastURL string
}

// Dial mocks dialing an AMQP connection
func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	m.DialCalled = true
	m.DialCount++
	m.LastURL = url
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.MockConnection, nil
}

// SetupMockDialerForTest creates a fully configured mock dialer for testing
func SetupMockDialerForTest() (*MockAMQPDialer, *MockAMQPChannel, *MockAMQPConnection) {
	mockChannel := &MockAMQPChannel{
		PublishedMessages: make([]amqp.Publishing, 0),
		PublishedKeys:     make([]string, 0),
		Deliveries:        make(chan amqp.Delivery, 16),
	}

	mockConn := &MockAMQPConnection{
		MockChannel: mockChannel,
	}

	mockDialer := &MockAMQPDialer{
		MockConnection: mockConn,
	}

	return mockDialer, mockChannel, mockConn
}

// NewMockAMQPDialerWithError creates a mock dialer that returns an error
func NewMockAMQPDialerWithError(err error) *MockAMQPDialer {
	return &MockAMQPDialer{
		DialErr: err,
	}
}

// SetupMockDialerWithChannelError creates a mock dialer that fails on channel creation
func SetupMockDialerWithChannelError() *MockAMQPDialer {
	mockConn := &MockAMQPConnection{
		ChannelErr: fmt.Errorf("failed to open channel"),
	}

	return &MockAMQPDialer{
		MockConnection: mockConn,
	}
}
