package conductor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor.mqilab.org/queue"
	"conductor.mqilab.org/store"
)

func newTestRouter(t *testing.T) (*Router, *harness) {
	t.Helper()
	h := newHarness(t, 1, standardWorkflow(t))
	return NewRouter(h.manager, nil), h
}

func envelope(t *testing.T, command string, payload interface{}) *queue.Envelope {
	t.Helper()
	env, err := queue.NewEnvelope(command, payload, "corr-test")
	require.NoError(t, err)
	return env
}

func TestRoute_NewCaseFound(t *testing.T) {
	router, h := newTestRouter(t)

	dec, err := router.Route(context.Background(), envelope(t, queue.CommandNewCaseFound, queue.CasePayload{CaseID: "case_0001"}))
	require.NoError(t, err)
	assert.Equal(t, Ack, dec)

	c := h.mustCase(t, "case_0001")
	assert.Equal(t, store.StatusProcessing, c.Status)
}

func TestRoute_FailureCommands(t *testing.T) {
	router, h := newTestRouter(t)
	ctx := context.Background()

	_, err := router.Route(ctx, envelope(t, queue.CommandNewCaseFound, queue.CasePayload{CaseID: "case_0001"}))
	require.NoError(t, err)

	dec, err := router.Route(ctx, envelope(t, queue.CommandFileTransferFailed, queue.FailurePayload{
		CaseID:       "case_0001",
		ErrorType:    "SFTPError",
		ErrorMessage: "connection reset",
	}))
	require.NoError(t, err)
	assert.Equal(t, Ack, dec)

	c := h.mustCase(t, "case_0001")
	assert.Equal(t, store.StatusFailed, c.Status)
	require.NotNil(t, c.ErrorKind)
	assert.Equal(t, "SFTPError", *c.ErrorKind)
}

func TestRoute_UnknownCommandAcked(t *testing.T) {
	router, _ := newTestRouter(t)

	dec, err := router.Route(context.Background(), envelope(t, "reticulate_splines", queue.CasePayload{CaseID: "case_0001"}))
	require.NoError(t, err)
	assert.Equal(t, Ack, dec)
}

func TestRoute_MissingCaseIDDeadLettered(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []string{
		queue.CommandNewCaseFound,
		queue.CommandExecutionSucceeded,
		queue.CommandExecutionFailed,
		queue.CommandCaseUploadCompleted,
		queue.CommandResultsDownloadCompleted,
		queue.CommandFileTransferFailed,
	}
	for _, command := range tests {
		t.Run(command, func(t *testing.T) {
			dec, err := router.Route(context.Background(), envelope(t, command, map[string]string{}))
			require.NoError(t, err)
			assert.Equal(t, NackDead, dec)
		})
	}
}

func TestRoute_UndecodablePayloadDeadLettered(t *testing.T) {
	router, _ := newTestRouter(t)

	env := &queue.Envelope{
		Command: queue.CommandNewCaseFound,
		Payload: json.RawMessage(`"not an object"`),
	}
	dec, err := router.Route(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, NackDead, dec)
}

func TestDecision_String(t *testing.T) {
	assert.Equal(t, "ack", Ack.String())
	assert.Equal(t, "nack-requeue", NackRequeue.String())
	assert.Equal(t, "nack-dead-letter", NackDead.String())
}
