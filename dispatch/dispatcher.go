// Package dispatch publishes outbound workflow commands to the worker
// queues. Routing is by step type: file transfer steps go to the SFTP
// worker's queue, execute steps to the remote executor's queue. Every
// outbound envelope carries the case's correlation identifier and a zero
// retry count.
package dispatch

import (
	"fmt"
	"path"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"conductor.mqilab.org/common"
	"conductor.mqilab.org/config"
	"conductor.mqilab.org/queue"
	"conductor.mqilab.org/store"
	"conductor.mqilab.org/workflow"
)

// Publisher is the broker surface the dispatcher needs. *queue.Broker
// implements it; tests substitute mocks.
type Publisher interface {
	Publish(queueName string, env *queue.Envelope) error
}

// Routes maps step types and the monitor tick to their queues.
type Routes struct {
	FileTransferQueue   string
	RemoteExecutorQueue string
	CuratorQueue        string
}

// Dispatcher renders outbound envelopes and publishes them.
type Dispatcher struct {
	publisher Publisher
	routes    Routes
	paths     config.PathsConfig
	logger    *logrus.Entry
}

// New creates a Dispatcher.
func New(publisher Publisher, routes Routes, paths config.PathsConfig, logger *logrus.Entry) *Dispatcher {
	if logger == nil {
		logger = common.ComponentLogger("dispatcher")
	}
	return &Dispatcher{
		publisher: publisher,
		routes:    routes,
		paths:     paths,
		logger:    logger,
	}
}

// DispatchStep publishes the outbound command for one workflow step.
// command and gpuIndex are only meaningful for execute steps.
func (d *Dispatcher) DispatchStep(c *store.Case, step workflow.Step, command string, gpuIndex int) error {
	var (
		queueName string
		cmd       string
		payload   interface{}
	)

	switch step.Type {
	case workflow.StepUpload:
		queueName = d.routes.FileTransferQueue
		cmd = queue.CommandUploadCase
		payload = queue.TransferPayload{
			CaseID:     c.CaseID,
			LocalPath:  filepath.Join(d.paths.LocalCaseRoot, c.CaseID),
			RemotePath: path.Join(d.paths.RemoteUploadRoot, c.CaseID),
		}
	case workflow.StepDownload:
		queueName = d.routes.FileTransferQueue
		cmd = queue.CommandDownloadResults
		payload = queue.TransferPayload{
			CaseID:     c.CaseID,
			LocalPath:  filepath.Join(d.paths.LocalResultsRoot, c.CaseID),
			RemotePath: path.Join(d.paths.RemoteDownloadRoot, c.CaseID),
		}
	case workflow.StepExecute:
		queueName = d.routes.RemoteExecutorQueue
		cmd = queue.CommandExecuteCommand
		payload = queue.ExecuteCommandPayload{
			CaseID:  c.CaseID,
			Command: command,
			GPUID:   gpuIndex,
			Step:    step.Name,
		}
	default:
		return fmt.Errorf("unknown step type %q for step %s", step.Type, step.Name)
	}

	env, err := queue.NewEnvelope(cmd, payload, c.CorrelationID)
	if err != nil {
		return err
	}
	if err := d.publisher.Publish(queueName, env); err != nil {
		return err
	}

	common.CaseLogger(d.logger, c.CaseID, c.CorrelationID).WithFields(logrus.Fields{
		"command": cmd,
		"queue":   queueName,
		"step":    step.Name,
	}).Info("Dispatched workflow step")
	return nil
}

// DispatchSystemMonitor publishes the periodic system_monitor command so the
// external curator refreshes the GPU metrics table.
func (d *Dispatcher) DispatchSystemMonitor() error {
	if d.routes.CuratorQueue == "" {
		return nil
	}
	env, err := queue.NewEnvelope(queue.CommandSystemMonitor, struct{}{}, "")
	if err != nil {
		return err
	}
	return d.publisher.Publish(d.routes.CuratorQueue, env)
}
