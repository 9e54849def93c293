package dispatch

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor.mqilab.org/config"
	"conductor.mqilab.org/queue"
	"conductor.mqilab.org/store"
	"conductor.mqilab.org/workflow"
)

type capturingPublisher struct {
	queues    []string
	envelopes []*queue.Envelope
}

func (p *capturingPublisher) Publish(queueName string, env *queue.Envelope) error {
	p.queues = append(p.queues, queueName)
	p.envelopes = append(p.envelopes, env)
	return nil
}

func newTestDispatcher() (*Dispatcher, *capturingPublisher) {
	publisher := &capturingPublisher{}
	d := New(publisher, Routes{
		FileTransferQueue:   "file_transfer_queue",
		RemoteExecutorQueue: "remote_executor_queue",
		CuratorQueue:        "system_curator_queue",
	}, config.PathsConfig{
		LocalCaseRoot:      "data/cases",
		LocalResultsRoot:   "data/results",
		RemoteUploadRoot:   "/remote/cases",
		RemoteDownloadRoot: "/remote/results",
	}, nil)
	return d, publisher
}

func testCase() *store.Case {
	return &store.Case{CaseID: "case_0042", CorrelationID: "corr-42"}
}

func TestDispatchStep_Upload(t *testing.T) {
	d, publisher := newTestDispatcher()

	err := d.DispatchStep(testCase(), workflow.Step{Name: "upload", Type: workflow.StepUpload, Progress: 10}, "", 0)
	require.NoError(t, err)

	require.Len(t, publisher.envelopes, 1)
	assert.Equal(t, "file_transfer_queue", publisher.queues[0])

	env := publisher.envelopes[0]
	assert.Equal(t, queue.CommandUploadCase, env.Command)
	assert.Equal(t, "corr-42", env.CorrelationID)
	assert.Equal(t, 0, env.RetryCount)

	var p queue.TransferPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, "case_0042", p.CaseID)
	assert.Equal(t, filepath.Join("data/cases", "case_0042"), p.LocalPath)
	assert.Equal(t, "/remote/cases/case_0042", p.RemotePath)
}

func TestDispatchStep_Download(t *testing.T) {
	d, publisher := newTestDispatcher()

	err := d.DispatchStep(testCase(), workflow.Step{Name: "download", Type: workflow.StepDownload, Progress: 90}, "", 0)
	require.NoError(t, err)

	require.Len(t, publisher.envelopes, 1)
	assert.Equal(t, "file_transfer_queue", publisher.queues[0])
	assert.Equal(t, queue.CommandDownloadResults, publisher.envelopes[0].Command)

	var p queue.TransferPayload
	require.NoError(t, publisher.envelopes[0].DecodePayload(&p))
	assert.Equal(t, filepath.Join("data/results", "case_0042"), p.LocalPath)
	assert.Equal(t, "/remote/results/case_0042", p.RemotePath)
}

func TestDispatchStep_Execute(t *testing.T) {
	d, publisher := newTestDispatcher()

	err := d.DispatchStep(testCase(), workflow.Step{Name: "solve", Type: workflow.StepExecute, Progress: 50}, "solve.sh case_0042 3", 3)
	require.NoError(t, err)

	require.Len(t, publisher.envelopes, 1)
	assert.Equal(t, "remote_executor_queue", publisher.queues[0])
	assert.Equal(t, queue.CommandExecuteCommand, publisher.envelopes[0].Command)

	var p queue.ExecuteCommandPayload
	require.NoError(t, publisher.envelopes[0].DecodePayload(&p))
	assert.Equal(t, "solve.sh case_0042 3", p.Command)
	assert.Equal(t, 3, p.GPUID)
	assert.Equal(t, "solve", p.Step)
}

func TestDispatchStep_UnknownType(t *testing.T) {
	d, publisher := newTestDispatcher()

	err := d.DispatchStep(testCase(), workflow.Step{Name: "weird", Type: "weird"}, "", 0)
	require.Error(t, err)
	assert.Empty(t, publisher.envelopes)
}

func TestDispatchSystemMonitor(t *testing.T) {
	d, publisher := newTestDispatcher()

	require.NoError(t, d.DispatchSystemMonitor())
	require.Len(t, publisher.envelopes, 1)
	assert.Equal(t, "system_curator_queue", publisher.queues[0])
	assert.Equal(t, queue.CommandSystemMonitor, publisher.envelopes[0].Command)
}

func TestDispatchSystemMonitor_DisabledWithoutQueue(t *testing.T) {
	publisher := &capturingPublisher{}
	d := New(publisher, Routes{}, config.PathsConfig{}, nil)

	require.NoError(t, d.DispatchSystemMonitor())
	assert.Empty(t, publisher.envelopes)
}
