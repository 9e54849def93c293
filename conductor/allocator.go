// Package conductor implements the workflow orchestration core: the
// resource allocator, the workflow manager, the command router and the
// consumer loop bridging the message broker and the state store.
package conductor

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"conductor.mqilab.org/common"
	"conductor.mqilab.org/store"
)

// Allocator encapsulates the GPU pool policy: reservations pick the
// lowest-indexed free slot, releases wake at most one parked case, oldest
// park first.
type Allocator struct {
	gateway *store.Gateway
	logger  *logrus.Entry
}

// NewAllocator creates an Allocator over the state store.
func NewAllocator(gateway *store.Gateway, logger *logrus.Entry) *Allocator {
	if logger == nil {
		logger = common.ComponentLogger("allocator")
	}
	return &Allocator{gateway: gateway, logger: logger}
}

// Reserve grabs a free slot for the case inside the caller's transaction.
// Returns store.ErrNoGPUAvailable when the pool is exhausted.
func (a *Allocator) Reserve(tx *store.Tx, caseID string) (int, error) {
	index, err := tx.TryReserveGPU(caseID)
	if err != nil {
		if errors.Is(err, store.ErrNoGPUAvailable) {
			a.logger.WithField("case_id", caseID).Info("GPU pool exhausted, case will wait")
		}
		return 0, err
	}
	a.logger.WithFields(logrus.Fields{
		"case_id":   caseID,
		"gpu_index": index,
	}).Info("Reserved GPU")
	return index, nil
}

// Release frees a slot inside the caller's transaction.
func (a *Allocator) Release(tx *store.Tx, index int) error {
	if err := tx.ReleaseGPU(index); err != nil {
		return err
	}
	a.logger.WithField("gpu_index", index).Info("Released GPU")
	return nil
}

// NextParked returns the single case to wake after a release: the
// PENDING_RESOURCE case with the oldest park timestamp, ties broken by case
// id. ok is false when nothing is parked.
func (a *Allocator) NextParked(ctx context.Context) (store.ParkedCase, bool, error) {
	parked, err := a.gateway.ListParkedCases(ctx)
	if err != nil {
		return store.ParkedCase{}, false, err
	}
	if len(parked) == 0 {
		return store.ParkedCase{}, false, nil
	}
	return parked[0], true, nil
}
