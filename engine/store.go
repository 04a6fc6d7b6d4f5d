/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  Defines the boundary between the engine's rules and everything it does
  not own: storage, the user directory, notification delivery and the clock.
  Implementations live elsewhere:
    - store/sqlite/sqlite.go:  SQLite (production)
    - engine/store/memory.go:  In-memory (tests, demos)

TRANSACTIONS:
  Every engine operation runs inside TxStore.WithTx. The Store handed to the
  callback sees its own writes; returning an error rolls all of them back.
  This is the single failure boundary spanning contraventions, approval
  requests, point records and escalations.

OPTIMISTIC CONCURRENCY:
  SavePointRecord and UpdateContravention are compare-and-swap writes on a
  version column. A stale version returns *ConflictError, which unwraps to
  ErrConcurrencyConflict. MarkTrainingCredited is a conditional write on the
  credited flag. Together these give per-employee and per-training-record
  serializability without a global lock.

NOT FOUND CONTRACT:
  Get* methods return a *NotFoundError when the row is absent. Lookups that
  may legitimately find nothing (PendingApproval, GetPointRecord) return
  (nil, nil) instead.

SEE ALSO:
  - ledger.go: Sole writer of point records
  - engine.go: Opens the transactions
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Record persistence
// =============================================================================

// ContraventionStore persists contraventions and the reference sequence.
type ContraventionStore interface {
	GetContravention(ctx context.Context, id ContraventionID) (*Contravention, error)
	InsertContravention(ctx context.Context, c *Contravention) error
	// UpdateContravention writes c if the stored version equals c.Version and
	// bumps c.Version on success.
	UpdateContravention(ctx context.Context, c *Contravention) error
	DeleteContravention(ctx context.Context, id ContraventionID) error
	ListContraventionsByEmployee(ctx context.Context, employeeID UserID) ([]Contravention, error)
	// NextReferenceSequence atomically increments and returns the sequence
	// for the given year.
	NextReferenceSequence(ctx context.Context, year int) (int, error)
}

// ApprovalStore persists approval requests.
type ApprovalStore interface {
	GetApproval(ctx context.Context, id ApprovalID) (*ApprovalRequest, error)
	InsertApproval(ctx context.Context, a *ApprovalRequest) error
	UpdateApproval(ctx context.Context, a *ApprovalRequest) error
	// PendingApproval returns the pending request or nil.
	PendingApproval(ctx context.Context, contraventionID ContraventionID) (*ApprovalRequest, error)
	ListApprovals(ctx context.Context, contraventionID ContraventionID) ([]ApprovalRequest, error)
	DeleteApprovals(ctx context.Context, contraventionID ContraventionID) error
}

// PointStore persists point records, their history and fiscal-year archives.
type PointStore interface {
	// GetPointRecord returns the record or nil when the employee has none.
	GetPointRecord(ctx context.Context, employeeID UserID) (*PointRecord, error)
	// SavePointRecord inserts (expectedVersion == 0) or updates the record
	// when the stored version equals expectedVersion.
	SavePointRecord(ctx context.Context, rec *PointRecord, expectedVersion int64) error
	ListPointRecords(ctx context.Context) ([]PointRecord, error)
	AppendPointEvent(ctx context.Context, ev PointEvent) error
	ListPointEvents(ctx context.Context, employeeID UserID, since time.Time) ([]PointEvent, error)
	InsertPointArchive(ctx context.Context, a PointArchive) error
	HasPointArchive(ctx context.Context, employeeID UserID, fiscalYear string) (bool, error)
}

// EscalationStore persists escalation records.
type EscalationStore interface {
	GetEscalation(ctx context.Context, id EscalationID) (*Escalation, error)
	InsertEscalation(ctx context.Context, e *Escalation) error
	UpdateEscalation(ctx context.Context, e *Escalation) error
	ListEscalations(ctx context.Context, employeeID UserID) ([]Escalation, error)
}

// TrainingStore persists training records.
type TrainingStore interface {
	GetTrainingRecord(ctx context.Context, id TrainingRecordID) (*TrainingRecord, error)
	InsertTrainingRecord(ctx context.Context, r *TrainingRecord) error
	UpdateTrainingRecord(ctx context.Context, r *TrainingRecord) error
	ListTrainingRecords(ctx context.Context, employeeID UserID) ([]TrainingRecord, error)
	// MarkTrainingCredited sets the credited flag if it is still false and
	// reports whether this call flipped it.
	MarkTrainingCredited(ctx context.Context, id TrainingRecordID, credit int, at time.Time) (bool, error)
}

// CatalogStore persists contravention types and training courses.
type CatalogStore interface {
	GetContraventionType(ctx context.Context, id string) (*ContraventionType, error)
	SaveContraventionType(ctx context.Context, t ContraventionType) error
	GetTrainingCourse(ctx context.Context, id string) (*TrainingCourse, error)
	SaveTrainingCourse(ctx context.Context, c TrainingCourse) error
}

// Store is everything the engine reads and writes.
type Store interface {
	ContraventionStore
	ApprovalStore
	PointStore
	EscalationStore
	TrainingStore
	CatalogStore
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Directory resolves users. Both methods return a *NotFoundError when no
// user matches.
type Directory interface {
	UserByEmail(ctx context.Context, email string) (*User, error)
	UserByID(ctx context.Context, id UserID) (*User, error)
}
