/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain records from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

  Filing, editing and resubmission bodies decode straight into
  engine.FileInput, engine.UpdateInput and engine.ResubmitInput, which
  carry their own json and validate tags.

SEE ALSO:
  - handlers.go: Uses these types
  - engine/types.go: Domain records
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/contravention-engine/engine"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type CreateUserRequest struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	IsAdmin bool   `json:"is_admin"`
}

type ReassignRequest struct {
	EmployeeID string `json:"employee_id"`
}

type UploadDocumentRequest struct {
	Document string `json:"document"`
}

type RequestApprovalRequest struct {
	ApproverEmail string `json:"approver_email"`
}

type ReviewRequest struct {
	Decision string `json:"decision"` // APPROVE or REJECT
	Notes    string `json:"notes"`
}

type AssignTrainingRequest struct {
	CourseID string `json:"course_id"`
}

type CompleteActionRequest struct {
	Action string `json:"action"`
}

type ResetFiscalYearRequest struct {
	// FiscalYear is the label being closed, e.g. "FY2026". Empty means the
	// year before the current one.
	FiscalYear string `json:"fiscal_year"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type UserDTO struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	IsAdmin bool   `json:"is_admin"`
}

type ContraventionDTO struct {
	ID               string          `json:"id"`
	Reference        string          `json:"reference"`
	EmployeeID       string          `json:"employee_id"`
	LoggerID         string          `json:"logger_id"`
	TypeID           string          `json:"type_id"`
	CustomType       string          `json:"custom_type,omitempty"`
	Description      string          `json:"description"`
	Justification    string          `json:"justification,omitempty"`
	Mitigation       string          `json:"mitigation,omitempty"`
	Summary          string          `json:"summary,omitempty"`
	Value            decimal.Decimal `json:"value"`
	IncidentDate     time.Time       `json:"incident_date"`
	Points           int             `json:"points"`
	Documents        []string        `json:"documents"`
	ApproverEmail    string          `json:"approver_email,omitempty"`
	ApprovalDocument string          `json:"approval_document,omitempty"`
	Status           string          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy       *string         `json:"resolved_by,omitempty"`
	AcknowledgedAt   *time.Time      `json:"acknowledged_at,omitempty"`
	AcknowledgedBy   *string         `json:"acknowledged_by,omitempty"`
	Version          int64           `json:"version"`
}

type ApprovalDTO struct {
	ID              string     `json:"id"`
	ContraventionID string     `json:"contravention_id"`
	ApproverID      string     `json:"approver_id"`
	Status          string     `json:"status"`
	Notes           string     `json:"notes,omitempty"`
	ReviewedBy      *string    `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time `json:"reviewed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type EscalationDTO struct {
	ID               string     `json:"id"`
	EmployeeID       string     `json:"employee_id"`
	Tier             string     `json:"tier"`
	RequiredActions  []string   `json:"required_actions"`
	CompletedActions []string   `json:"completed_actions"`
	TriggeredAt      time.Time  `json:"triggered_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

type TrainingRecordDTO struct {
	ID             string     `json:"id"`
	EmployeeID     string     `json:"employee_id"`
	CourseID       string     `json:"course_id"`
	Status         string     `json:"status"`
	AssignedAt     time.Time  `json:"assigned_at"`
	DueAt          *time.Time `json:"due_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	PointsCredited bool       `json:"points_credited"`
	CreditedPoints int        `json:"credited_points,omitempty"`
	CreditedAt     *time.Time `json:"credited_at,omitempty"`
}

type PointEventDTO struct {
	ID               string    `json:"id"`
	Kind             string    `json:"kind"`
	Delta            int       `json:"delta"`
	Requested        int       `json:"requested"`
	Clamped          bool      `json:"clamped"`
	Reason           string    `json:"reason"`
	ContraventionID  string    `json:"contravention_id,omitempty"`
	TrainingRecordID string    `json:"training_record_id,omitempty"`
	At               time.Time `json:"at"`
}

type PointsSummaryDTO struct {
	EmployeeID     string              `json:"employee_id"`
	TotalPoints    int                 `json:"total_points"`
	Tier           string              `json:"tier"`
	FiscalYear     string              `json:"fiscal_year,omitempty"`
	ResetAt        *time.Time          `json:"reset_at,omitempty"`
	NextTier       string              `json:"next_tier"`
	PointsToNext   int                 `json:"points_to_next"`
	History        []PointEventDTO     `json:"history"`
	Escalations    []EscalationDTO     `json:"escalations"`
	Training       []TrainingRecordDTO `json:"training"`
	Contraventions []ContraventionDTO  `json:"contraventions"`
}

type FileResultDTO struct {
	Contravention      ContraventionDTO `json:"contravention"`
	Approval           *ApprovalDTO     `json:"approval,omitempty"`
	ApproverUnresolved bool             `json:"approver_unresolved"`
	TotalPoints        int              `json:"total_points"`
	Tier               string           `json:"tier"`
	Escalation         *EscalationDTO   `json:"escalation,omitempty"`
}

type ApprovalResultDTO struct {
	Contravention ContraventionDTO `json:"contravention"`
	Approval      *ApprovalDTO     `json:"approval,omitempty"`
	Unresolved    bool             `json:"approver_unresolved"`
}

type ReviewResultDTO struct {
	Approval      ApprovalDTO      `json:"approval"`
	Contravention ContraventionDTO `json:"contravention"`
}

type CreditResultDTO struct {
	Record  TrainingRecordDTO `json:"record"`
	Applied bool              `json:"applied"`
	Credit  int               `json:"credit"`
	Total   int               `json:"total_points"`
	Tier    string            `json:"tier"`
}

type CompleteTrainingDTO struct {
	Record      TrainingRecordDTO `json:"record"`
	Credit      *CreditResultDTO  `json:"credit,omitempty"`
	Escalations []EscalationDTO   `json:"escalations"`
}

type ResetReportDTO struct {
	FiscalYear string   `json:"fiscal_year"`
	OpenYear   string   `json:"open_year"`
	Reset      []string `json:"reset"`
	Skipped    []string `json:"skipped"`
}

type TierChangeDTO struct {
	EmployeeID string         `json:"employee_id"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	Escalation *EscalationDTO `json:"escalation,omitempty"`
}

type RecalcReportDTO struct {
	Checked int             `json:"checked"`
	Changed []TierChangeDTO `json:"changed"`
}

type DriftDTO struct {
	EmployeeID string `json:"employee_id"`
	Ledger     int    `json:"ledger"`
	Expected   int    `json:"expected"`
	Tier       string `json:"tier"`
}

type SyncReportDTO struct {
	Checked  int        `json:"checked"`
	Drift    []DriftDTO `json:"drift"`
	Retiered []string   `json:"retiered"`
	// Warning carries the ReconciliationDrift report when drift was corrected.
	Warning string `json:"warning,omitempty"`
}

type CatalogDTO struct {
	Types   int `json:"contravention_types"`
	Courses int `json:"training_courses"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string          `json:"error"`
	Kind    string          `json:"kind,omitempty"`
	Details string          `json:"details,omitempty"`
	Fields  []FieldErrorDTO `json:"fields,omitempty"`
}

type FieldErrorDTO struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toUserDTO(u engine.User) UserDTO {
	return UserDTO{ID: string(u.ID), Email: u.Email, Name: u.Name, IsAdmin: u.IsAdmin}
}

func toContraventionDTO(c *engine.Contravention) ContraventionDTO {
	docs := c.Documents
	if docs == nil {
		docs = []string{}
	}
	return ContraventionDTO{
		ID:               string(c.ID),
		Reference:        c.Reference,
		EmployeeID:       string(c.EmployeeID),
		LoggerID:         string(c.LoggerID),
		TypeID:           c.TypeID,
		CustomType:       c.CustomType,
		Description:      c.Description,
		Justification:    c.Justification,
		Mitigation:       c.Mitigation,
		Summary:          c.Summary,
		Value:            c.Value,
		IncidentDate:     c.IncidentDate,
		Points:           c.Points,
		Documents:        docs,
		ApproverEmail:    c.ApproverEmail,
		ApprovalDocument: c.ApprovalDocument,
		Status:           string(c.Status),
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
		ResolvedAt:       c.ResolvedAt,
		ResolvedBy:       userPtr(c.ResolvedBy),
		AcknowledgedAt:   c.AcknowledgedAt,
		AcknowledgedBy:   userPtr(c.AcknowledgedBy),
		Version:          c.Version,
	}
}

func toApprovalDTO(a *engine.ApprovalRequest) *ApprovalDTO {
	if a == nil {
		return nil
	}
	return &ApprovalDTO{
		ID:              string(a.ID),
		ContraventionID: string(a.ContraventionID),
		ApproverID:      string(a.ApproverID),
		Status:          string(a.Status),
		Notes:           a.Notes,
		ReviewedBy:      userPtr(a.ReviewedBy),
		ReviewedAt:      a.ReviewedAt,
		CreatedAt:       a.CreatedAt,
	}
}

func toEscalationDTO(e *engine.Escalation) *EscalationDTO {
	if e == nil {
		return nil
	}
	return &EscalationDTO{
		ID:               string(e.ID),
		EmployeeID:       string(e.EmployeeID),
		Tier:             string(e.Tier),
		RequiredActions:  actionStrings(e.RequiredActions),
		CompletedActions: actionStrings(e.CompletedActions),
		TriggeredAt:      e.TriggeredAt,
		CompletedAt:      e.CompletedAt,
	}
}

func toEscalationDTOs(in []engine.Escalation) []EscalationDTO {
	out := make([]EscalationDTO, len(in))
	for i := range in {
		out[i] = *toEscalationDTO(&in[i])
	}
	return out
}

func toTrainingDTO(r *engine.TrainingRecord) TrainingRecordDTO {
	return TrainingRecordDTO{
		ID:             string(r.ID),
		EmployeeID:     string(r.EmployeeID),
		CourseID:       r.CourseID,
		Status:         string(r.Status),
		AssignedAt:     r.AssignedAt,
		DueAt:          r.DueAt,
		CompletedAt:    r.CompletedAt,
		PointsCredited: r.PointsCredited,
		CreditedPoints: r.CreditedPoints,
		CreditedAt:     r.CreditedAt,
	}
}

func toCreditDTO(c *engine.CreditResult) *CreditResultDTO {
	if c == nil {
		return nil
	}
	return &CreditResultDTO{
		Record:  toTrainingDTO(c.Record),
		Applied: c.Applied,
		Credit:  c.Credit,
		Total:   c.Total,
		Tier:    string(c.Tier),
	}
}

func toSummaryDTO(s *engine.PointsSummary) PointsSummaryDTO {
	dto := PointsSummaryDTO{
		EmployeeID:     string(s.EmployeeID),
		TotalPoints:    s.TotalPoints,
		Tier:           string(s.Tier),
		FiscalYear:     s.FiscalYear,
		NextTier:       string(s.NextTier),
		PointsToNext:   s.PointsToNext,
		History:        make([]PointEventDTO, len(s.History)),
		Escalations:    toEscalationDTOs(s.Escalations),
		Training:       make([]TrainingRecordDTO, len(s.Training)),
		Contraventions: make([]ContraventionDTO, len(s.Contraventions)),
	}
	if !s.ResetAt.IsZero() {
		at := s.ResetAt
		dto.ResetAt = &at
	}
	for i, ev := range s.History {
		dto.History[i] = PointEventDTO{
			ID:               string(ev.ID),
			Kind:             string(ev.Kind),
			Delta:            ev.Delta,
			Requested:        ev.Requested,
			Clamped:          ev.Clamped(),
			Reason:           ev.Reason,
			ContraventionID:  string(ev.ContraventionID),
			TrainingRecordID: string(ev.TrainingRecordID),
			At:               ev.At,
		}
	}
	for i := range s.Training {
		dto.Training[i] = toTrainingDTO(&s.Training[i])
	}
	for i := range s.Contraventions {
		dto.Contraventions[i] = toContraventionDTO(&s.Contraventions[i])
	}
	return dto
}

func userPtr(id *engine.UserID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func userStrings(ids []engine.UserID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func actionStrings(actions []engine.RemedialAction) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = string(a)
	}
	return out
}
