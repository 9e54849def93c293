package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"conductor.mqilab.org/common"
)

// Sentinel errors returned by gateway operations.
var (
	// ErrNotFound marks a lookup for a case that was never admitted.
	ErrNotFound = errors.New("case not found")

	// ErrConflict marks a mutation attempted against a terminal case.
	ErrConflict = errors.New("case is terminal")

	// ErrNoGPUAvailable marks a reservation attempt against an exhausted pool.
	ErrNoGPUAvailable = errors.New("no GPU available")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Options configures a Gateway.
type Options struct {
	// Path is the SQLite database file
	Path string

	// BusyRetries caps in-process retries of a locked transaction
	BusyRetries int

	// Logger for gateway messages
	Logger *logrus.Entry
}

// Gateway is the single gate for all conductor persistence. Mutating work
// serializes behind one mutex (single-writer discipline); each Execute call
// is one transaction, and the convenience wrappers below are one-operation
// transactions.
type Gateway struct {
	db     *gorm.DB
	logger *logrus.Entry
	retry  retryPolicy

	mu sync.Mutex
}

// Tx exposes the gateway operations inside one open transaction. The
// workflow manager composes several operations (reserve + advance) plus the
// outbound publish into a single Execute call so that a crash between the
// GPU reservation and the case update is impossible.
type Tx struct {
	db     *gorm.DB
	logger *logrus.Entry
}

// Open opens (creating if necessary) the SQLite store, switches it to WAL
// mode so external readers never block the conductor, and migrates the
// schema.
func Open(opts Options) (*Gateway, error) {
	if opts.Logger == nil {
		opts.Logger = common.ComponentLogger("store")
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", opts.Path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store %s: %w", opts.Path, err)
	}

	if err := db.AutoMigrate(&Case{}, &CaseHistory{}, &GPUResource{}, &ScannedCase{}); err != nil {
		return nil, fmt.Errorf("failed to migrate state store schema: %w", err)
	}

	return &Gateway{
		db:     db,
		logger: opts.Logger,
		retry:  newRetryPolicy(opts.BusyRetries),
	}, nil
}

// Execute runs fn inside one transaction, retrying busy/locked failures
// with a capped backoff. A returned error rolls the whole transaction back.
func (g *Gateway) Execute(ctx context.Context, fn func(tx *Tx) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.retry.run(func() error {
		return g.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
			return fn(&Tx{db: dbtx, logger: g.logger})
		})
	})
}

// AdmitCase inserts the case into the scanned ledger and creates its NEW row
// atomically. Duplicates are a no-op: the existing row is returned with
// inserted=false and no error.
func (t *Tx) AdmitCase(caseID, correlationID string) (bool, *Case, error) {
	var ledger ScannedCase
	err := t.db.First(&ledger, "case_id = ?", caseID).Error
	if err == nil {
		var existing Case
		if loadErr := t.db.First(&existing, "case_id = ?", caseID).Error; loadErr != nil {
			return false, nil, fmt.Errorf("scanned ledger has %s but cases does not: %w", caseID, loadErr)
		}
		return false, &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil, err
	}

	now := time.Now()
	if err := t.db.Create(&ScannedCase{CaseID: caseID, DiscoveredAt: now}).Error; err != nil {
		return false, nil, err
	}
	c := Case{
		CaseID:        caseID,
		Status:        StatusNew,
		Progress:      0,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := t.db.Create(&c).Error; err != nil {
		return false, nil, err
	}
	if err := t.appendHistory(caseID, StatusNew, StatusNew, nil, "case admitted"); err != nil {
		return false, nil, err
	}
	return true, &c, nil
}

// LoadCase returns the case record or ErrNotFound.
func (t *Tx) LoadCase(caseID string) (*Case, error) {
	var c Case
	err := t.db.First(&c, "case_id = ?", caseID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, caseID)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AdvanceToStep moves a non-terminal case into PROCESSING on the given step,
// recording the resource, the step's declared progress, and a history row.
// Returns ErrConflict for a terminal case.
func (t *Tx) AdvanceToStep(caseID, step string, resourceIndex *int, progress int) error {
	c, err := t.LoadCase(caseID)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return fmt.Errorf("%w: cannot advance %s past %s", ErrConflict, caseID, c.Status)
	}

	from := c.Status
	updates := map[string]interface{}{
		"status":         StatusProcessing,
		"current_step":   step,
		"resource_index": resourceIndex,
		"progress":       progress,
		"updated_at":     time.Now(),
	}
	if err := t.db.Model(&Case{}).Where("case_id = ?", caseID).Updates(updates).Error; err != nil {
		return err
	}
	return t.appendHistory(caseID, from, StatusProcessing, &step, fmt.Sprintf("dispatching step %s", step))
}

// ParkForResource moves a case into PENDING_RESOURCE, remembering the step
// that is blocked. The case must not hold a resource. The updated_at written
// here is the park timestamp used for FIFO wake ordering; a failed wake
// later makes no write, so the order is stable.
func (t *Tx) ParkForResource(caseID, intendedStep string) error {
	c, err := t.LoadCase(caseID)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return fmt.Errorf("%w: cannot park %s past %s", ErrConflict, caseID, c.Status)
	}
	if c.ResourceIndex != nil {
		return fmt.Errorf("case %s holds GPU %d while parking", caseID, *c.ResourceIndex)
	}

	from := c.Status
	updates := map[string]interface{}{
		"status":       StatusPendingResource,
		"current_step": intendedStep,
		"updated_at":   time.Now(),
	}
	if err := t.db.Model(&Case{}).Where("case_id = ?", caseID).Updates(updates).Error; err != nil {
		return err
	}
	return t.appendHistory(caseID, from, StatusPendingResource, &intendedStep, "waiting for available GPU")
}

// MarkCompleted moves a case to COMPLETED with progress 100, nulls the
// resource column and returns the previously-held resource index so the
// caller can free the slot.
func (t *Tx) MarkCompleted(caseID string) (*int, error) {
	return t.markTerminal(caseID, StatusCompleted, nil, nil)
}

// MarkFailed moves a case to FAILED recording the error kind and message.
// Same release contract as MarkCompleted.
func (t *Tx) MarkFailed(caseID, errorKind, errorMessage string) (*int, error) {
	return t.markTerminal(caseID, StatusFailed, &errorKind, &errorMessage)
}

func (t *Tx) markTerminal(caseID string, to CaseStatus, errorKind, errorMessage *string) (*int, error) {
	c, err := t.LoadCase(caseID)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s already %s", ErrConflict, caseID, c.Status)
	}

	released := c.ResourceIndex
	from := c.Status
	now := time.Now()
	updates := map[string]interface{}{
		"status":         to,
		"resource_index": nil,
		"updated_at":     now,
		"terminal_at":    now,
	}
	cause := "workflow completed"
	if to == StatusCompleted {
		updates["progress"] = 100
	} else {
		updates["error_kind"] = errorKind
		updates["error_message"] = errorMessage
		cause = "workflow failed"
		if errorMessage != nil {
			cause = fmt.Sprintf("workflow failed: %s", *errorMessage)
		}
	}
	if err := t.db.Model(&Case{}).Where("case_id = ?", caseID).Updates(updates).Error; err != nil {
		return nil, err
	}
	if err := t.appendHistory(caseID, from, to, c.CurrentStep, cause); err != nil {
		return nil, err
	}
	return released, nil
}

// TryReserveGPU atomically reserves the lowest-indexed FREE slot for the
// case. Returns ErrNoGPUAvailable when the pool is exhausted. Lowest index
// first keeps reservation deterministic.
func (t *Tx) TryReserveGPU(caseID string) (int, error) {
	var slot GPUResource
	err := t.db.Where("state = ?", GPUFree).Order("gpu_index asc").First(&slot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrNoGPUAvailable
	}
	if err != nil {
		return 0, err
	}

	updates := map[string]interface{}{
		"state":         GPUReserved,
		"owner_case_id": caseID,
		"updated_at":    time.Now(),
	}
	if err := t.db.Model(&GPUResource{}).Where("gpu_index = ?", slot.GPUIndex).Updates(updates).Error; err != nil {
		return 0, err
	}
	return slot.GPUIndex, nil
}

// ReleaseGPU frees a slot. Releasing an already-free slot is a no-op logged
// at warning.
func (t *Tx) ReleaseGPU(index int) error {
	var slot GPUResource
	err := t.db.First(&slot, "gpu_index = ?", index).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("unknown GPU index %d", index)
	}
	if err != nil {
		return err
	}
	if slot.State == GPUFree {
		t.logger.WithField("gpu_index", index).Warn("Releasing an already-free GPU slot")
		return nil
	}
	return t.db.Model(&GPUResource{}).Where("gpu_index = ?", index).Updates(map[string]interface{}{
		"state":         GPUFree,
		"owner_case_id": nil,
		"updated_at":    time.Now(),
	}).Error
}

// ListParkedCases returns the PENDING_RESOURCE cases in wake order: oldest
// park timestamp first, ties broken by case id.
func (t *Tx) ListParkedCases() ([]ParkedCase, error) {
	var cases []Case
	err := t.db.Where("status = ?", StatusPendingResource).
		Order("updated_at asc, case_id asc").
		Find(&cases).Error
	if err != nil {
		return nil, err
	}

	parked := make([]ParkedCase, 0, len(cases))
	for _, c := range cases {
		step := ""
		if c.CurrentStep != nil {
			step = *c.CurrentStep
		}
		parked = append(parked, ParkedCase{
			CaseID:       c.CaseID,
			IntendedStep: step,
			ParkedAt:     c.UpdatedAt,
		})
	}
	return parked, nil
}

func (t *Tx) appendHistory(caseID string, from, to CaseStatus, step *string, cause string) error {
	return t.db.Create(&CaseHistory{
		CaseID:     caseID,
		TS:         time.Now(),
		FromStatus: from,
		ToStatus:   to,
		Step:       step,
		Cause:      cause,
	}).Error
}

// One-operation convenience wrappers. Each corresponds to a single
// transaction, matching the gateway's coarse operation surface.

// LoadCase returns the case record or ErrNotFound.
func (g *Gateway) LoadCase(ctx context.Context, caseID string) (*Case, error) {
	var c *Case
	err := g.Execute(ctx, func(tx *Tx) error {
		var err error
		c, err = tx.LoadCase(caseID)
		return err
	})
	return c, err
}

// AdmitCase admits a case in its own transaction.
func (g *Gateway) AdmitCase(ctx context.Context, caseID, correlationID string) (bool, *Case, error) {
	var (
		inserted bool
		c        *Case
	)
	err := g.Execute(ctx, func(tx *Tx) error {
		var err error
		inserted, c, err = tx.AdmitCase(caseID, correlationID)
		return err
	})
	return inserted, c, err
}

// ReleaseGPU frees a slot in its own transaction.
func (g *Gateway) ReleaseGPU(ctx context.Context, index int) error {
	return g.Execute(ctx, func(tx *Tx) error {
		return tx.ReleaseGPU(index)
	})
}

// ListParkedCases lists the wake queue in its own transaction.
func (g *Gateway) ListParkedCases(ctx context.Context) ([]ParkedCase, error) {
	var parked []ParkedCase
	err := g.Execute(ctx, func(tx *Tx) error {
		var err error
		parked, err = tx.ListParkedCases()
		return err
	})
	return parked, err
}

// SeedGPUPool populates gpu_resources with n FREE slots when the table is
// empty. An already-seeded pool is left untouched.
func (g *Gateway) SeedGPUPool(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	return g.Execute(ctx, func(tx *Tx) error {
		var count int64
		if err := tx.db.Model(&GPUResource{}).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		now := time.Now()
		for i := 0; i < n; i++ {
			slot := GPUResource{
				GPUIndex:  i,
				GPUID:     fmt.Sprintf("gpu-%d", i),
				State:     GPUFree,
				UpdatedAt: now,
			}
			if err := tx.db.Create(&slot).Error; err != nil {
				return err
			}
		}
		g.logger.WithField("pool_size", n).Info("Seeded GPU pool")
		return nil
	})
}

// Read-only queries. These run outside the writer mutex; SQLite WAL gives
// them a consistent snapshot without blocking the manager.

// ListCases returns all cases, newest first.
func (g *Gateway) ListCases(ctx context.Context) ([]Case, error) {
	var cases []Case
	err := g.db.WithContext(ctx).Order("created_at desc").Find(&cases).Error
	return cases, err
}

// History returns the audit rows for one case in insertion order.
func (g *Gateway) History(ctx context.Context, caseID string) ([]CaseHistory, error) {
	var rows []CaseHistory
	err := g.db.WithContext(ctx).Where("case_id = ?", caseID).Order("id asc").Find(&rows).Error
	return rows, err
}

// ListGPUs returns the GPU pool ordered by index.
func (g *Gateway) ListGPUs(ctx context.Context) ([]GPUResource, error) {
	var slots []GPUResource
	err := g.db.WithContext(ctx).Order("gpu_index asc").Find(&slots).Error
	return slots, err
}
