// Package store provides the transactional state store gateway for the MQI
// Conductor. It is the single gate for all persistence: cases, workflow
// progress, the GPU pool and the scanned-case ledger all live in one SQLite
// file, and every gateway operation is one transaction.
//
// External readers (the status dashboard, the metrics updater) open their own
// handles against the same file; WAL mode keeps their reads from blocking the
// conductor's writes. The metrics updater writes only the metric columns of
// gpu_resources, never state or owner.
package store

import (
	"time"
)

// CaseStatus is the lifecycle state of a case.
type CaseStatus string

const (
	StatusNew             CaseStatus = "NEW"
	StatusPendingResource CaseStatus = "PENDING_RESOURCE"
	StatusProcessing      CaseStatus = "PROCESSING"
	StatusCompleted       CaseStatus = "COMPLETED"
	StatusFailed          CaseStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s CaseStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// GPUState is the reservation state of a GPU slot.
type GPUState string

const (
	GPUFree     GPUState = "FREE"
	GPUReserved GPUState = "RESERVED"
)

// ErrorKindConfiguration marks failures caused by a bad workflow definition
// detected at runtime (e.g. a case started against an empty workflow).
const ErrorKindConfiguration = "ConfigurationError"

// Case is one unit of QA work, identified by its discovered directory name.
type Case struct {
	CaseID        string     `gorm:"column:case_id;primaryKey" json:"case_id"`
	Status        CaseStatus `gorm:"column:status;index" json:"status"`
	CurrentStep   *string    `gorm:"column:current_step" json:"current_step,omitempty"`
	ResourceIndex *int       `gorm:"column:resource_index" json:"resource_index,omitempty"`
	Progress      int        `gorm:"column:progress" json:"progress"`
	CorrelationID string     `gorm:"column:correlation_id" json:"correlation_id"`
	CreatedAt     time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at" json:"updated_at"`
	TerminalAt    *time.Time `gorm:"column:terminal_at" json:"terminal_at,omitempty"`
	ErrorKind     *string    `gorm:"column:error_kind" json:"error_kind,omitempty"`
	ErrorMessage  *string    `gorm:"column:error_message" json:"error_message,omitempty"`
}

// TableName overrides the gorm default.
func (Case) TableName() string { return "cases" }

// CaseHistory is one append-only audit row recording a state transition.
type CaseHistory struct {
	ID         uint       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	CaseID     string     `gorm:"column:case_id;index" json:"case_id"`
	TS         time.Time  `gorm:"column:ts" json:"ts"`
	FromStatus CaseStatus `gorm:"column:from_status" json:"from_status"`
	ToStatus   CaseStatus `gorm:"column:to_status" json:"to_status"`
	Step       *string    `gorm:"column:step" json:"step,omitempty"`
	Cause      string     `gorm:"column:cause" json:"cause"`
}

// TableName overrides the gorm default.
func (CaseHistory) TableName() string { return "case_history" }

// GPUResource is one slot of the shared GPU pool. The conductor writes only
// State and OwnerCaseID; the metric columns belong to the external updater.
type GPUResource struct {
	GPUIndex    int       `gorm:"column:gpu_index;primaryKey" json:"gpu_index"`
	GPUID       string    `gorm:"column:gpu_id" json:"gpu_id"`
	State       GPUState  `gorm:"column:state" json:"state"`
	OwnerCaseID *string   `gorm:"column:owner_case_id" json:"owner_case_id,omitempty"`
	Utilization float64   `gorm:"column:utilization" json:"utilization"`
	MemoryUsed  int64     `gorm:"column:memory_used" json:"memory_used"`
	MemoryTotal int64     `gorm:"column:memory_total" json:"memory_total"`
	Temperature float64   `gorm:"column:temperature" json:"temperature"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName overrides the gorm default.
func (GPUResource) TableName() string { return "gpu_resources" }

// ScannedCase is one row of the admission ledger making new_case_found
// idempotent.
type ScannedCase struct {
	CaseID       string    `gorm:"column:case_id;primaryKey" json:"case_id"`
	DiscoveredAt time.Time `gorm:"column:discovered_at" json:"discovered_at"`
}

// TableName overrides the gorm default.
func (ScannedCase) TableName() string { return "scanned_cases" }

// ParkedCase is one entry of the FIFO wake list.
type ParkedCase struct {
	CaseID       string
	IntendedStep string
	ParkedAt     time.Time
}
