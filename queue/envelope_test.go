package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(CommandNewCaseFound, CasePayload{CaseID: "case_0001"}, "corr-1")
	require.NoError(t, err)

	assert.Equal(t, CommandNewCaseFound, env.Command)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.Equal(t, 0, env.RetryCount)

	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), ts, time.Minute)

	var p CasePayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, "case_0001", p.CaseID)
}

func TestParseEnvelope_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(CommandExecutionSucceeded, ExecutionSucceededPayload{CaseID: "case_7", Stdout: "done"}, "corr-7")
	require.NoError(t, err)

	body, err := env.JSON()
	require.NoError(t, err)

	parsed, err := ParseEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, env.Command, parsed.Command)
	assert.Equal(t, env.CorrelationID, parsed.CorrelationID)

	var p ExecutionSucceededPayload
	require.NoError(t, parsed.DecodePayload(&p))
	assert.Equal(t, "case_7", p.CaseID)
}

func TestParseEnvelope_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "NotJSON", body: "this is not json"},
		{name: "MissingCommand", body: `{"payload": {"case_id": "c1"}}`},
		{name: "MissingPayload", body: `{"command": "new_case_found"}`},
		{name: "NullPayload", body: `{"command": "new_case_found", "payload": null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(tt.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestParseEnvelope_MissingCorrelationIDTolerated(t *testing.T) {
	body := `{"command": "new_case_found", "payload": {"case_id": "c1"}}`
	env, err := ParseEnvelope([]byte(body))
	require.NoError(t, err)
	assert.Empty(t, env.CorrelationID)
	assert.Equal(t, 0, env.RetryCount)
}

func TestParseEnvelope_RetryCountCarried(t *testing.T) {
	body := `{"command": "new_case_found", "payload": {"case_id": "c1"}, "retry_count": 3}`
	env, err := ParseEnvelope([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, 3, env.RetryCount)
}

func TestDecodePayload_Undecodable(t *testing.T) {
	env := &Envelope{
		Command: CommandExecutionFailed,
		Payload: json.RawMessage(`"just a string"`),
	}
	var p FailurePayload
	err := env.DecodePayload(&p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}
