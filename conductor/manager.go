package conductor

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"conductor.mqilab.org/common"
	"conductor.mqilab.org/dispatch"
	"conductor.mqilab.org/queue"
	"conductor.mqilab.org/store"
	"conductor.mqilab.org/workflow"
)

// Manager drives the per-case state machine. Every inbound event is handled
// in one store transaction that also contains the outbound publish, so a
// failed publish rolls back the state change and the redelivered event
// replays it cleanly.
type Manager struct {
	gateway    *store.Gateway
	allocator  *Allocator
	def        *workflow.Definition
	dispatcher *dispatch.Dispatcher
	logger     *logrus.Entry
}

// NewManager wires the workflow manager.
func NewManager(gateway *store.Gateway, allocator *Allocator, def *workflow.Definition, dispatcher *dispatch.Dispatcher, logger *logrus.Entry) *Manager {
	if logger == nil {
		logger = common.ComponentLogger("manager")
	}
	return &Manager{
		gateway:    gateway,
		allocator:  allocator,
		def:        def,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// stepOutcome carries what a transaction decided out of the closure: the
// broker ack decision and, if a GPU slot was freed, the slot to wake a
// parked case for after commit.
type stepOutcome struct {
	decision Decision
	released *int
}

// StartWorkflow handles new_case_found: admit the case (idempotently, via
// the scanned ledger), assign its correlation id and dispatch the first
// step. A duplicate discovery for a case already past NEW is dropped.
func (m *Manager) StartWorkflow(ctx context.Context, caseID string) (Decision, error) {
	correlationID := uuid.New().String()

	var out stepOutcome
	err := m.gateway.Execute(ctx, func(tx *store.Tx) error {
		inserted, c, err := tx.AdmitCase(caseID, correlationID)
		if err != nil {
			return err
		}
		log := common.CaseLogger(m.logger, c.CaseID, c.CorrelationID)

		if !inserted {
			if c.Status != store.StatusNew {
				log.WithField("status", c.Status).Info("Duplicate discovery for a case already underway, dropping")
				out.decision = Ack
				return nil
			}
			log.Info("Redelivered discovery for an admitted case, resuming")
		} else {
			log.Info("Admitted new case")
		}

		first, ok := m.def.FirstStep()
		if !ok {
			log.Error("Workflow definition has no steps, failing case")
			if _, err := tx.MarkFailed(c.CaseID, store.ErrorKindConfiguration, "workflow has no steps"); err != nil {
				return err
			}
			out.decision = Ack
			return nil
		}
		return m.enterStep(tx, c, first, false, &out)
	})
	return m.afterEvent(ctx, &out, err)
}

// Advance handles a step completion event: move the case to the step after
// its current one, or complete the workflow when none remains. Events for
// unknown or terminal cases are logged and dropped.
func (m *Manager) Advance(ctx context.Context, caseID string) (Decision, error) {
	var out stepOutcome
	err := m.gateway.Execute(ctx, func(tx *store.Tx) error {
		c, err := tx.LoadCase(caseID)
		if errors.Is(err, store.ErrNotFound) {
			m.logger.WithField("case_id", caseID).Warn("Completion event for unknown case, dropping")
			out.decision = Ack
			return nil
		}
		if err != nil {
			return err
		}
		log := common.CaseLogger(m.logger, c.CaseID, c.CorrelationID)

		if c.Status.Terminal() {
			log.WithField("status", c.Status).Info("Stale completion event for terminal case, dropping")
			out.decision = Ack
			return nil
		}
		if c.CurrentStep == nil {
			log.Warn("Completion event for case with no step in flight, dropping")
			out.decision = Ack
			return nil
		}

		next, ok, err := m.def.NextStep(*c.CurrentStep)
		if err != nil {
			log.WithError(err).Error("Stored step is unknown to the workflow definition, dropping event")
			out.decision = Ack
			return nil
		}
		if !ok {
			released, err := tx.MarkCompleted(c.CaseID)
			if err != nil {
				return err
			}
			if released != nil {
				if err := m.allocator.Release(tx, *released); err != nil {
					return err
				}
				out.released = released
			}
			log.Info("Workflow completed")
			out.decision = Ack
			return nil
		}
		return m.enterStep(tx, c, next, false, &out)
	})
	return m.afterEvent(ctx, &out, err)
}

// Fail handles a worker failure event: the case moves to FAILED carrying
// the reported error, and any held GPU is freed. Failure events for unknown
// or already-terminal cases are dropped.
func (m *Manager) Fail(ctx context.Context, caseID, errorKind, errorMessage string) (Decision, error) {
	if errorKind == "" {
		errorKind = "UnknownError"
	}

	var out stepOutcome
	err := m.gateway.Execute(ctx, func(tx *store.Tx) error {
		c, err := tx.LoadCase(caseID)
		if errors.Is(err, store.ErrNotFound) {
			m.logger.WithField("case_id", caseID).Warn("Failure event for unknown case, dropping")
			out.decision = Ack
			return nil
		}
		if err != nil {
			return err
		}
		log := common.CaseLogger(m.logger, c.CaseID, c.CorrelationID)

		if c.Status.Terminal() {
			log.WithField("status", c.Status).Info("Stale failure event for terminal case, dropping")
			out.decision = Ack
			return nil
		}

		released, err := tx.MarkFailed(c.CaseID, errorKind, errorMessage)
		if err != nil {
			return err
		}
		if released != nil {
			if err := m.allocator.Release(tx, *released); err != nil {
				return err
			}
			out.released = released
		}
		log.WithFields(logrus.Fields{
			"error_kind":    errorKind,
			"error_message": errorMessage,
		}).Error("Workflow failed")
		out.decision = Ack
		return nil
	})
	return m.afterEvent(ctx, &out, err)
}

// RetryParked handles the synthetic retry_parked event: a parked case gets
// one more reservation attempt at its remembered step. When the pool is
// still exhausted the case stays parked untouched, keeping its place in the
// wake order.
func (m *Manager) RetryParked(ctx context.Context, caseID string) (Decision, error) {
	var out stepOutcome
	err := m.gateway.Execute(ctx, func(tx *store.Tx) error {
		c, err := tx.LoadCase(caseID)
		if errors.Is(err, store.ErrNotFound) {
			m.logger.WithField("case_id", caseID).Warn("Wake attempt for unknown case, dropping")
			out.decision = Ack
			return nil
		}
		if err != nil {
			return err
		}
		log := common.CaseLogger(m.logger, c.CaseID, c.CorrelationID)

		if c.Status != store.StatusPendingResource {
			log.WithField("status", c.Status).Info("Wake attempt for case no longer parked, dropping")
			out.decision = Ack
			return nil
		}
		if c.CurrentStep == nil {
			log.Error("Parked case has no remembered step, dropping wake")
			out.decision = Ack
			return nil
		}
		step, ok := m.def.StepByName(*c.CurrentStep)
		if !ok {
			log.WithField("step", *c.CurrentStep).Error("Parked step is unknown to the workflow definition, dropping wake")
			out.decision = Ack
			return nil
		}
		return m.enterStep(tx, c, step, true, &out)
	})
	return m.afterEvent(ctx, &out, err)
}

// enterStep dispatches one step inside the open transaction: acquire or
// retain a GPU for execute steps (parking when none is free), release a
// held GPU at the first non-execute step, then advance the case row and
// publish the worker command. A GPU held from the previous step is kept
// across consecutive execute steps rather than released and re-reserved.
func (m *Manager) enterStep(tx *store.Tx, c *store.Case, step workflow.Step, alreadyParked bool, out *stepOutcome) error {
	log := common.CaseLogger(m.logger, c.CaseID, c.CorrelationID)

	var resource *int
	if step.NeedsGPU() {
		if c.ResourceIndex != nil {
			resource = c.ResourceIndex
		} else {
			index, err := m.allocator.Reserve(tx, c.CaseID)
			if errors.Is(err, store.ErrNoGPUAvailable) {
				if alreadyParked {
					out.decision = Ack
					return nil
				}
				if err := tx.ParkForResource(c.CaseID, step.Name); err != nil {
					return err
				}
				log.WithField("step", step.Name).Info("Parked case waiting for a GPU")
				out.decision = Ack
				return nil
			}
			if err != nil {
				return err
			}
			resource = &index
		}
	} else if c.ResourceIndex != nil {
		if err := m.allocator.Release(tx, *c.ResourceIndex); err != nil {
			return err
		}
		out.released = c.ResourceIndex
	}

	command := ""
	if step.NeedsGPU() {
		rendered, err := m.def.RenderCommand(step, c.CaseID, *resource)
		if err != nil {
			return err
		}
		command = rendered
	}

	if err := tx.AdvanceToStep(c.CaseID, step.Name, resource, step.Progress); err != nil {
		return err
	}

	gpuIndex := 0
	if resource != nil {
		gpuIndex = *resource
	}
	return m.dispatcher.DispatchStep(c, step, command, gpuIndex)
}

// afterEvent maps the transaction result to a broker decision and performs
// the post-commit wake when a slot was freed. Transient failures (store
// contention beyond the in-process retries, unconfirmed publishes) become
// nack-requeue; anything else escapes to the consumer's poison handling.
func (m *Manager) afterEvent(ctx context.Context, out *stepOutcome, err error) (Decision, error) {
	if err != nil {
		if store.IsBusyError(err) || errors.Is(err, queue.ErrPublishUnconfirmed) {
			m.logger.WithError(err).Warn("Transient failure handling event, requeueing")
			return NackRequeue, nil
		}
		return NackRequeue, err
	}
	if out.released != nil {
		m.wakeNext(ctx)
	}
	return out.decision, nil
}

// wakeNext gives the oldest parked case one reservation attempt. A release
// wakes at most one case; if the attempt cannot take the slot the case
// stays parked for the next release.
func (m *Manager) wakeNext(ctx context.Context) {
	parked, ok, err := m.allocator.NextParked(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to list parked cases after GPU release")
		return
	}
	if !ok {
		return
	}
	m.logger.WithFields(logrus.Fields{
		"case_id": parked.CaseID,
		"step":    parked.IntendedStep,
	}).Info("Waking parked case")
	if _, err := m.RetryParked(ctx, parked.CaseID); err != nil {
		m.logger.WithError(err).WithField("case_id", parked.CaseID).Error("Failed to wake parked case")
	}
}
