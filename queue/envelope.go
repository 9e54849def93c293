// Package queue provides the AMQP broker layer for the MQI Conductor.
// It manages the RabbitMQ connection lifecycle, declares durable queues with
// their paired dead-letter queues, publishes in confirmed mode, and consumes
// with a bounded prefetch window.
//
// The AMQPDialer / AMQPConnection / AMQPChannel interfaces abstract the
// underlying streadway/amqp types so the broker can be exercised against
// mocks in tests.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Command names exchanged over the broker.
//
// Inbound commands are consumed from the conductor inbox; outbound commands
// are produced to the worker queues. The retry_parked command never crosses
// the broker: it is the synthetic event the allocator feeds back into the
// workflow manager after a GPU release.
const (
	// Inbound (workers → conductor)
	CommandNewCaseFound             = "new_case_found"
	CommandExecutionSucceeded       = "execution_succeeded"
	CommandExecutionFailed          = "execution_failed"
	CommandCaseUploadCompleted      = "case_upload_completed"
	CommandResultsDownloadCompleted = "results_download_completed"
	CommandFileTransferFailed       = "file_transfer_failed"

	// Outbound (conductor → workers)
	CommandUploadCase      = "upload_case"
	CommandDownloadResults = "download_results"
	CommandExecuteCommand  = "execute_command"
	CommandSystemMonitor   = "system_monitor"

	// Internal (never published)
	CommandRetryParked = "retry_parked"
)

// ErrMalformedEnvelope marks an envelope that cannot be handled at all:
// undecodable body or missing required fields. Such messages are
// dead-lettered immediately, without retry.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the message structure used on every queue.
type Envelope struct {
	Command       string          `json:"command"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     string          `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	RetryCount    int             `json:"retry_count"`
}

// NewEnvelope builds an envelope with the current UTC timestamp and a zero
// retry count. The payload is marshalled immediately so a bad payload fails
// at the call site rather than at publish time.
func NewEnvelope(command string, payload interface{}, correlationID string) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for %s: %w", command, err)
	}
	return &Envelope{
		Command:       command,
		Payload:       body,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		CorrelationID: correlationID,
		RetryCount:    0,
	}, nil
}

// JSON serializes the envelope.
func (e *Envelope) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope deserializes and validates an inbound envelope.
// command and payload are required; a missing correlation_id is tolerated
// (the consumer synthesizes one) and retry_count defaults to zero.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Command == "" {
		return nil, fmt.Errorf("%w: missing command", ErrMalformedEnvelope)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformedEnvelope)
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into target.
func (e *Envelope) DecodePayload(target interface{}) error {
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("%w: undecodable payload for %s: %v", ErrMalformedEnvelope, e.Command, err)
	}
	return nil
}

// CasePayload is the minimal payload shared by several inbound commands.
type CasePayload struct {
	CaseID string `json:"case_id"`
}

// ExecutionSucceededPayload reports a finished remote command. Stdout is
// informational only and is not persisted by the conductor.
type ExecutionSucceededPayload struct {
	CaseID string `json:"case_id"`
	Stdout string `json:"stdout,omitempty"`
}

// FailurePayload is the shape shared by execution_failed and
// file_transfer_failed.
type FailurePayload struct {
	CaseID          string          `json:"case_id"`
	ErrorType       string          `json:"error_type"`
	ErrorMessage    string          `json:"error_message"`
	OriginalPayload json.RawMessage `json:"original_payload,omitempty"`
}

// TransferPayload is used by upload_case, download_results and their
// completion events.
type TransferPayload struct {
	CaseID     string `json:"case_id"`
	LocalPath  string `json:"local_path"`
	RemotePath string `json:"remote_path"`
}

// ExecuteCommandPayload carries a rendered remote command.
type ExecuteCommandPayload struct {
	CaseID  string `json:"case_id"`
	Command string `json:"command"`
	GPUID   int    `json:"gpu_id"`
	Step    string `json:"step"`
}
