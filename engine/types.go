/*
types.go - Core domain types for the contravention engine

PURPOSE:
  Defines the records the engine reads and writes: contraventions, approval
  requests, employee point records and their history, escalation records and
  training records. Also defines the stable vocabulary exchanged at the
  boundary (statuses, tiers, remedial actions).

OWNERSHIP:
  Point Ledger       → PointRecord, PointEvent, Escalation (via evaluator)
  Status Machine     → Contravention.Status
  Approval Workflow  → ApprovalRequest (delegates status to the machine)
  Training Applier   → TrainingRecord.PointsCredited

BOUNDARY VOCABULARY:
  Statuses: PENDING_APPROVAL, PENDING_UPLOAD, PENDING_REVIEW, COMPLETED, REJECTED
  Tiers:    NONE, TIER_1, TIER_2, TIER_3

SEE ALSO:
  - escalation.go: Tier thresholds and remedial actions
  - store.go: Persistence interfaces for these records
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ContraventionID string
type ApprovalID string
type EscalationID string
type TrainingRecordID string
type PointEventID string

// UserID identifies a directory user. Employees, filers, approvers and
// administrators are all users.
type UserID string

// =============================================================================
// CONTRAVENTION STATUS
// =============================================================================

type Status string

const (
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusPendingUpload   Status = "PENDING_UPLOAD"
	StatusPendingReview   Status = "PENDING_REVIEW"
	StatusCompleted       Status = "COMPLETED"
	StatusRejected        Status = "REJECTED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPendingApproval, StatusPendingUpload, StatusPendingReview, StatusCompleted, StatusRejected:
		return true
	}
	return false
}

// =============================================================================
// ESCALATION TIERS AND REMEDIAL ACTIONS
// =============================================================================

type Tier string

const (
	TierNone Tier = "NONE"
	Tier1    Tier = "TIER_1"
	Tier2    Tier = "TIER_2"
	Tier3    Tier = "TIER_3"
)

// Rank orders tiers so that increases can be detected. Unknown tiers rank
// below NONE.
func (t Tier) Rank() int {
	switch t {
	case TierNone:
		return 0
	case Tier1:
		return 1
	case Tier2:
		return 2
	case Tier3:
		return 3
	}
	return -1
}

type RemedialAction string

const (
	ActionTraining           RemedialAction = "TRAINING"
	ActionManagerNotice      RemedialAction = "MANAGER_NOTICE"
	ActionFormalWarning      RemedialAction = "FORMAL_WARNING"
	ActionDisciplinaryReview RemedialAction = "DISCIPLINARY_REVIEW"
)

// =============================================================================
// ACTORS AND DIRECTORY USERS
// =============================================================================

// Actor is the already-authenticated caller of an engine operation.
type Actor struct {
	ID      UserID
	IsAdmin bool
}

// User is a directory entry resolved by email or id.
type User struct {
	ID      UserID
	Email   string
	Name    string
	IsAdmin bool
}

// =============================================================================
// CATALOG
// =============================================================================

// ContraventionType carries the default point value applied at filing.
type ContraventionType struct {
	ID                string
	Name              string
	DefaultPoints     int
	AllowsCustomLabel bool
}

// TrainingCourse carries the point credit granted on completion.
type TrainingCourse struct {
	ID          string
	Name        string
	PointCredit int
}

// =============================================================================
// CONTRAVENTION
// =============================================================================

// Contravention is a single reported procurement-policy violation.
//
// Points is fixed at creation from the type's default. Every later change to
// Points (or to EmployeeID) is mirrored by ledger adjustments on the owning
// employee in the same transaction.
type Contravention struct {
	ID         ContraventionID
	Reference  string
	EmployeeID UserID
	LoggerID   UserID
	TypeID     string
	CustomType string

	Description   string
	Justification string
	Mitigation    string
	Summary       string

	Value        decimal.Decimal
	IncidentDate time.Time
	Points       int

	Documents        []string
	ApproverEmail    string
	ApprovalDocument string

	Status Status

	CreatedAt      time.Time
	UpdatedAt      time.Time
	ResolvedAt     *time.Time
	ResolvedBy     *UserID
	AcknowledgedAt *time.Time
	AcknowledgedBy *UserID

	Version int64
}

// =============================================================================
// APPROVAL REQUEST
// =============================================================================

type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "PENDING"
	ApprovalApproved  ApprovalStatus = "APPROVED"
	ApprovalRejected  ApprovalStatus = "REJECTED"
	// ApprovalWithdrawn marks a pending request an administrator bypassed
	// by uploading the approval document directly.
	ApprovalWithdrawn ApprovalStatus = "WITHDRAWN"
)

type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// ApprovalRequest records one approver's decision on a contravention.
// At most one PENDING request exists per contravention; rejected requests
// are kept for history when the filer resubmits.
type ApprovalRequest struct {
	ID              ApprovalID
	ContraventionID ContraventionID
	ApproverID      UserID
	Status          ApprovalStatus
	Notes           string
	ReviewedBy      *UserID
	ReviewedAt      *time.Time
	CreatedAt       time.Time
}

// =============================================================================
// POINTS
// =============================================================================

// PointRecord is the cached running total for one employee.
//
// INVARIANTS:
//   - TotalPoints == sum of PointEvent.Delta since ResetAt, never negative
//   - CurrentTier == EscalationPolicy.TierFor(TotalPoints)
type PointRecord struct {
	EmployeeID  UserID
	TotalPoints int
	CurrentTier Tier
	Version     int64
	FiscalYear  string
	ResetAt     time.Time
	UpdatedAt   time.Time
}

type PointEventKind string

const (
	EventContravention  PointEventKind = "CONTRAVENTION"
	EventOverride       PointEventKind = "OVERRIDE"
	EventTransfer       PointEventKind = "TRANSFER"
	EventDeletion       PointEventKind = "DELETION"
	EventTrainingCredit PointEventKind = "TRAINING_CREDIT"
	EventReconciliation PointEventKind = "RECONCILIATION"
	EventManual         PointEventKind = "MANUAL"
)

// PointEvent is an append-only history entry. Delta is the amount actually
// applied; Requested is what the caller asked for. They differ only when a
// reversal was clamped at zero.
type PointEvent struct {
	ID               PointEventID
	EmployeeID       UserID
	Kind             PointEventKind
	Delta            int
	Requested        int
	Reason           string
	ContraventionID  ContraventionID
	TrainingRecordID TrainingRecordID
	At               time.Time
}

// Clamped reports whether the event applied less than requested.
func (e PointEvent) Clamped() bool { return e.Delta != e.Requested }

// PointArchive is the snapshot taken of a point record at fiscal-year reset.
type PointArchive struct {
	EmployeeID  UserID
	FiscalYear  string
	TotalPoints int
	Tier        Tier
	ArchivedAt  time.Time
}

// =============================================================================
// ESCALATION
// =============================================================================

// Escalation is created when an employee's tier increases. Records are never
// altered by later tier decreases; only remedial-action completion mutates
// them.
type Escalation struct {
	ID               EscalationID
	EmployeeID       UserID
	Tier             Tier
	RequiredActions  []RemedialAction
	CompletedActions []RemedialAction
	TriggeredAt      time.Time
	CompletedAt      *time.Time
}

// Requires reports whether action is one of the escalation's required actions.
func (e Escalation) Requires(action RemedialAction) bool {
	for _, a := range e.RequiredActions {
		if a == action {
			return true
		}
	}
	return false
}

// HasCompleted reports whether action was already completed.
func (e Escalation) HasCompleted(action RemedialAction) bool {
	for _, a := range e.CompletedActions {
		if a == action {
			return true
		}
	}
	return false
}

// =============================================================================
// TRAINING
// =============================================================================

type TrainingStatus string

const (
	TrainingAssigned   TrainingStatus = "ASSIGNED"
	TrainingInProgress TrainingStatus = "IN_PROGRESS"
	TrainingCompleted  TrainingStatus = "COMPLETED"
	TrainingOverdue    TrainingStatus = "OVERDUE"
	TrainingWaived     TrainingStatus = "WAIVED"
)

// TrainingRecord is one (employee, course) assignment. PointsCredited guards
// against crediting the same completion twice.
type TrainingRecord struct {
	ID             TrainingRecordID
	EmployeeID     UserID
	CourseID       string
	Status         TrainingStatus
	AssignedAt     time.Time
	DueAt          *time.Time
	CompletedAt    *time.Time
	PointsCredited bool
	// CreditedPoints is what the ledger applied, not the course's nominal
	// credit. The two differ when the total was smaller than the credit.
	CreditedPoints int
	CreditedAt     *time.Time
}

// Open reports whether the record still needs work from the employee.
func (r TrainingRecord) Open() bool {
	return r.Status == TrainingAssigned || r.Status == TrainingInProgress || r.Status == TrainingOverdue
}
