package conductor

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"conductor.mqilab.org/common"
	"conductor.mqilab.org/queue"
)

// Decision tells the consumer what to do with the inbound delivery.
type Decision int

const (
	// Ack removes the message from the queue.
	Ack Decision = iota
	// NackRequeue returns the message for redelivery, counted against the
	// envelope's retry budget.
	NackRequeue
	// NackDead routes the message to the dead-letter queue.
	NackDead
)

// String implements fmt.Stringer for log fields.
func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case NackRequeue:
		return "nack-requeue"
	case NackDead:
		return "nack-dead-letter"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// HandlerFunc handles one validated inbound envelope.
type HandlerFunc func(ctx context.Context, env *queue.Envelope) (Decision, error)

// Router maps inbound commands to manager handlers. The command table is
// closed: a command outside it is logged at warning and acknowledged, so an
// unknown producer cannot wedge the inbox.
type Router struct {
	handlers map[string]HandlerFunc
	logger   *logrus.Entry
}

// NewRouter builds the command table over the workflow manager.
func NewRouter(m *Manager, logger *logrus.Entry) *Router {
	if logger == nil {
		logger = common.ComponentLogger("router")
	}
	r := &Router{logger: logger}
	r.handlers = map[string]HandlerFunc{
		queue.CommandNewCaseFound: func(ctx context.Context, env *queue.Envelope) (Decision, error) {
			var p queue.CasePayload
			if dec, ok := decodeCasePayload(env, &p, &p.CaseID, logger); !ok {
				return dec, nil
			}
			return m.StartWorkflow(ctx, p.CaseID)
		},
		queue.CommandCaseUploadCompleted: func(ctx context.Context, env *queue.Envelope) (Decision, error) {
			var p queue.TransferPayload
			if dec, ok := decodeCasePayload(env, &p, &p.CaseID, logger); !ok {
				return dec, nil
			}
			return m.Advance(ctx, p.CaseID)
		},
		queue.CommandExecutionSucceeded: func(ctx context.Context, env *queue.Envelope) (Decision, error) {
			var p queue.ExecutionSucceededPayload
			if dec, ok := decodeCasePayload(env, &p, &p.CaseID, logger); !ok {
				return dec, nil
			}
			return m.Advance(ctx, p.CaseID)
		},
		queue.CommandResultsDownloadCompleted: func(ctx context.Context, env *queue.Envelope) (Decision, error) {
			var p queue.TransferPayload
			if dec, ok := decodeCasePayload(env, &p, &p.CaseID, logger); !ok {
				return dec, nil
			}
			return m.Advance(ctx, p.CaseID)
		},
		queue.CommandExecutionFailed: func(ctx context.Context, env *queue.Envelope) (Decision, error) {
			var p queue.FailurePayload
			if dec, ok := decodeCasePayload(env, &p, &p.CaseID, logger); !ok {
				return dec, nil
			}
			return m.Fail(ctx, p.CaseID, p.ErrorType, p.ErrorMessage)
		},
		queue.CommandFileTransferFailed: func(ctx context.Context, env *queue.Envelope) (Decision, error) {
			var p queue.FailurePayload
			if dec, ok := decodeCasePayload(env, &p, &p.CaseID, logger); !ok {
				return dec, nil
			}
			return m.Fail(ctx, p.CaseID, p.ErrorType, p.ErrorMessage)
		},
	}
	return r
}

// Route dispatches one envelope through the command table.
func (r *Router) Route(ctx context.Context, env *queue.Envelope) (Decision, error) {
	handler, ok := r.handlers[env.Command]
	if !ok {
		r.logger.WithFields(logrus.Fields{
			"command":        env.Command,
			"correlation_id": env.CorrelationID,
		}).Warn("Unknown command, acknowledging without action")
		return Ack, nil
	}
	return handler(ctx, env)
}

// decodeCasePayload unmarshals the payload into target and requires a
// non-empty case id. An undecodable payload or a missing case id makes the
// message unprocessable: it is dead-lettered immediately without retries.
func decodeCasePayload(env *queue.Envelope, target interface{}, caseID *string, logger *logrus.Entry) (Decision, bool) {
	if err := env.DecodePayload(target); err != nil {
		logger.WithError(err).WithField("command", env.Command).Error("Undecodable payload, dead-lettering")
		return NackDead, false
	}
	if *caseID == "" {
		logger.WithField("command", env.Command).Error("Payload is missing case_id, dead-lettering")
		return NackDead, false
	}
	return Ack, true
}
