/*
handlers.go - HTTP API handlers for the contravention engine

PURPOSE:
  Exposes the engine over REST. Handles HTTP request/response and JSON
  serialization, and delegates every rule to engine.Engine. Handlers never
  touch point totals or statuses themselves.

ENDPOINTS:
  Users (directory):
    GET    /api/users                              List users
    POST   /api/users                              Create or update a user

  Contraventions:
    POST   /api/contraventions                     File
    GET    /api/contraventions/{id}                Get
    PATCH  /api/contraventions/{id}                Edit fields / override points
    DELETE /api/contraventions/{id}                Delete (reverses points)
    POST   /api/contraventions/{id}/reassign       Move to another employee
    POST   /api/contraventions/{id}/document       Upload approval document
    POST   /api/contraventions/{id}/complete       Mark complete
    POST   /api/contraventions/{id}/acknowledge    Employee acknowledgement
    POST   /api/contraventions/{id}/approvals      Request approval
    GET    /api/contraventions/{id}/approvals      Approval history
    POST   /api/contraventions/{id}/resubmit       Resubmit after rejection
    POST   /api/approvals/{id}/review              Approve / reject

  Points & training:
    GET    /api/employees/{id}/points              Points summary
    POST   /api/employees/{id}/training            Assign a course
    POST   /api/employees/{id}/training/{recordID}/credit  Apply credit
    POST   /api/training/{id}/start                Start a course
    POST   /api/training/{id}/complete             Complete (credits points)
    POST   /api/escalations/{id}/actions           Complete a remedial action

  Admin:
    GET    /api/admin/policy                       Active escalation ladder
    POST   /api/admin/catalog                      Load types and courses
    POST   /api/admin/fiscal-year/reset            Archive and zero totals
    POST   /api/admin/escalations/recalculate      Re-tier every employee
    POST   /api/admin/points/sync                  Rebuild totals from sources

REQUEST FLOW:
  1. Resolve the actor (auth.go)
  2. Decode the body
  3. Call the engine, retrying ConcurrencyConflict (retry.go)
  4. Serialize the result

ERROR HANDLING:
  Engine error kinds map to HTTP status:
  - 400: ValidationFailure, malformed JSON
  - 403: Forbidden
  - 404: NotFound
  - 409: InvalidState, ConcurrencyConflict after retries
  - 500: Everything else (details are logged, not returned)

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Actor resolution
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/contravention-engine/engine"
	"github.com/warp/contravention-engine/factory"
	"github.com/warp/contravention-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine        *engine.Engine
	Store         *sqlite.Store
	PolicyFactory *factory.PolicyFactory
	Retry         RetryPolicy
	Logger        *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. store is also the engine's directory.
func NewHandler(eng *engine.Engine, store *sqlite.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Engine:        eng,
		Store:         store,
		PolicyFactory: factory.NewPolicyFactory(),
		Retry:         DefaultRetryPolicy(),
		Logger:        logger,
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// ListUsers returns all directory users.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateUser creates or updates a directory user.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" || req.Email == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id, email and name are required", nil)
		return
	}
	u := engine.User{ID: engine.UserID(req.ID), Email: req.Email, Name: req.Name, IsAdmin: req.IsAdmin}
	if err := h.Store.SaveUser(r.Context(), u); err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

// =============================================================================
// CONTRAVENTION HANDLERS
// =============================================================================

// FileContravention files a new contravention for the actor.
// POST /api/contraventions
func (h *Handler) FileContravention(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	var in engine.FileInput
	if !decode(w, r, &in) {
		return
	}
	in.Filer = actor

	res, err := withRetry(r.Context(), h.Retry, h.Logger, "FileContravention", func() (*engine.FileResult, error) {
		return h.Engine.FileContravention(r.Context(), in)
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, FileResultDTO{
		Contravention:      toContraventionDTO(res.Contravention),
		Approval:           toApprovalDTO(res.Approval),
		ApproverUnresolved: res.ApproverUnresolved,
		TotalPoints:        res.TotalPoints,
		Tier:               string(res.Tier),
		Escalation:         toEscalationDTO(res.Escalation),
	})
}

// GetContravention returns one contravention.
// GET /api/contraventions/{id}
func (h *Handler) GetContravention(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.GetContravention(r.Context(), contraventionID(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContraventionDTO(c))
}

// UpdateContravention applies a partial edit.
// PATCH /api/contraventions/{id}
func (h *Handler) UpdateContravention(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	var in engine.UpdateInput
	if !decode(w, r, &in) {
		return
	}
	h.respondContravention(w, r, "UpdateContravention", func() (*engine.Contravention, error) {
		return h.Engine.UpdateContravention(r.Context(), contraventionID(r), actor, in)
	})
}

// DeleteContravention removes a contravention and reverses its points.
// DELETE /api/contraventions/{id}
func (h *Handler) DeleteContravention(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	_, err := withRetry(r.Context(), h.Retry, h.Logger, "DeleteContravention", func() (struct{}, error) {
		return struct{}{}, h.Engine.DeleteContravention(r.Context(), contraventionID(r), actor)
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReassignEmployee moves a contravention and its points.
// POST /api/contraventions/{id}/reassign
func (h *Handler) ReassignEmployee(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	var req ReassignRequest
	if !decode(w, r, &req) {
		return
	}
	h.respondContravention(w, r, "ReassignEmployee", func() (*engine.Contravention, error) {
		return h.Engine.ReassignEmployee(r.Context(), contraventionID(r), actor, engine.UserID(req.EmployeeID))
	})
}

// UploadDocument attaches the approval document.
// POST /api/contraventions/{id}/document
func (h *Handler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	var req UploadDocumentRequest
	if !decode(w, r, &req) {
		return
	}
	h.respondContravention(w, r, "UploadApprovalDocument", func() (*engine.Contravention, error) {
		return h.Engine.UploadApprovalDocument(r.Context(), contraventionID(r), req.Document, actor)
	})
}

// MarkComplete closes a contravention awaiting review.
// POST /api/contraventions/{id}/complete
func (h *Handler) MarkComplete(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	h.respondContravention(w, r, "MarkComplete", func() (*engine.Contravention, error) {
		return h.Engine.MarkComplete(r.Context(), contraventionID(r), actor)
	})
}

// Acknowledge records the employee's acknowledgement.
// POST /api/contraventions/{id}/acknowledge
func (h *Handler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	h.respondContravention(w, r, "AcknowledgeContravention", func() (*engine.Contravention, error) {
		return h.Engine.AcknowledgeContravention(r.Context(), contraventionID(r), actor)
	})
}

func (h *Handler) respondContravention(w http.ResponseWriter, r *http.Request, op string, fn func() (*engine.Contravention, error)) {
	c, err := withRetry(r.Context(), h.Retry, h.Logger, op, fn)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContraventionDTO(c))
}

// =============================================================================
// APPROVAL HANDLERS
// =============================================================================

// RequestApproval routes a contravention to an approver.
// POST /api/contraventions/{id}/approvals
func (h *Handler) RequestApproval(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	var req RequestApprovalRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := withRetry(r.Context(), h.Retry, h.Logger, "RequestApproval", func() (*engine.ApprovalResult, error) {
		return h.Engine.RequestApproval(r.Context(), contraventionID(r), req.ApproverEmail, actor)
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toApprovalResultDTO(res))
}

// ListApprovals returns the approval history of a contravention.
// GET /api/contraventions/{id}/approvals
func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	history, err := h.Engine.ListApprovalHistory(r.Context(), contraventionID(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	dtos := make([]ApprovalDTO, len(history))
	for i := range history {
		dtos[i] = *toApprovalDTO(&history[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Resubmit sends a rejected contravention to a new approver.
// POST /api/contraventions/{id}/resubmit
func (h *Handler) Resubmit(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	var in engine.ResubmitInput
	if !decode(w, r, &in) {
		return
	}
	res, err := withRetry(r.Context(), h.Retry, h.Logger, "ResubmitContravention", func() (*engine.ApprovalResult, error) {
		return h.Engine.ResubmitContravention(r.Context(), contraventionID(r), actor, in)
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toApprovalResultDTO(res))
}

// ReviewApproval applies the approver's decision.
// POST /api/approvals/{id}/review
func (h *Handler) ReviewApproval(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	var req ReviewRequest
	if !decode(w, r, &req) {
		return
	}
	id := engine.ApprovalID(chi.URLParam(r, "id"))
	decision := engine.Decision(strings.ToUpper(strings.TrimSpace(req.Decision)))

	res, err := withRetry(r.Context(), h.Retry, h.Logger, "ReviewApproval", func() (*engine.ReviewResult, error) {
		return h.Engine.ReviewApproval(r.Context(), id, actor, decision, req.Notes)
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReviewResultDTO{
		Approval:      *toApprovalDTO(res.Approval),
		Contravention: toContraventionDTO(res.Contravention),
	})
}

func toApprovalResultDTO(res *engine.ApprovalResult) ApprovalResultDTO {
	return ApprovalResultDTO{
		Contravention: toContraventionDTO(res.Contravention),
		Approval:      toApprovalDTO(res.Approval),
		Unresolved:    res.Unresolved,
	}
}

// =============================================================================
// POINTS AND TRAINING HANDLERS
// =============================================================================

// GetPointsSummary returns an employee's totals and history.
// GET /api/employees/{id}/points
func (h *Handler) GetPointsSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Engine.GetEmployeePointsSummary(r.Context(), employeeID(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(sum))
}

// AssignTraining assigns a course to an employee.
// POST /api/employees/{id}/training
func (h *Handler) AssignTraining(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	var req AssignTrainingRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := withRetry(r.Context(), h.Retry, h.Logger, "AssignTraining", func() (*engine.TrainingRecord, error) {
		return h.Engine.AssignTraining(r.Context(), employeeID(r), req.CourseID, actor)
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTrainingDTO(rec))
}

// ApplyTrainingCredit credits a completed course. The employee or an
// administrator may call it; repeated calls change nothing.
// POST /api/employees/{id}/training/{recordID}/credit
func (h *Handler) ApplyTrainingCredit(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	emp := employeeID(r)
	if !actor.IsAdmin && actor.ID != emp {
		h.writeEngineError(w, &engine.ForbiddenError{ActorID: actor.ID, Op: "ApplyTrainingCredit", Reason: "only the trainee or an administrator may apply credit"})
		return
	}
	recordID := engine.TrainingRecordID(chi.URLParam(r, "recordID"))
	res, err := withRetry(r.Context(), h.Retry, h.Logger, "ApplyTrainingCredit", func() (*engine.CreditResult, error) {
		return h.Engine.ApplyTrainingCredit(r.Context(), emp, recordID)
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditDTO(res))
}

// StartTraining moves a record to IN_PROGRESS.
// POST /api/training/{id}/start
func (h *Handler) StartTraining(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	rec, err := withRetry(r.Context(), h.Retry, h.Logger, "StartTraining", func() (*engine.TrainingRecord, error) {
		return h.Engine.StartTraining(r.Context(), engine.TrainingRecordID(chi.URLParam(r, "id")), actor)
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTrainingDTO(rec))
}

// CompleteTraining completes a course and credits its points.
// POST /api/training/{id}/complete
func (h *Handler) CompleteTraining(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	res, err := withRetry(r.Context(), h.Retry, h.Logger, "CompleteTraining", func() (*engine.CompleteTrainingResult, error) {
		return h.Engine.CompleteTraining(r.Context(), engine.TrainingRecordID(chi.URLParam(r, "id")), actor)
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CompleteTrainingDTO{
		Record:      toTrainingDTO(res.Record),
		Credit:      toCreditDTO(res.Credit),
		Escalations: toEscalationDTOs(res.Escalations),
	})
}

// CompleteEscalationAction records a remedial action as done.
// POST /api/escalations/{id}/actions
func (h *Handler) CompleteEscalationAction(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	var req CompleteActionRequest
	if !decode(w, r, &req) {
		return
	}
	id := engine.EscalationID(chi.URLParam(r, "id"))
	action := engine.RemedialAction(strings.ToUpper(strings.TrimSpace(req.Action)))
	esc, err := withRetry(r.Context(), h.Retry, h.Logger, "CompleteEscalationAction", func() (*engine.Escalation, error) {
		return h.Engine.CompleteEscalationAction(r.Context(), id, action, actor)
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscalationDTO(esc))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// GetPolicy returns the active escalation ladder.
// GET /api/admin/policy
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.PolicyFactory.ToJSON(h.Engine.Policy()))
}

// LoadCatalog upserts contravention types and training courses from a
// factory JSON document.
// POST /api/admin/catalog
func (h *Handler) LoadCatalog(w http.ResponseWriter, r *http.Request) {
	var doc factory.DocumentJSON
	if !decode(w, r, &doc) {
		return
	}
	cat, err := h.PolicyFactory.LoadCatalog(r.Context(), h.Store, &doc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid catalog", err)
		return
	}
	writeJSON(w, http.StatusOK, CatalogDTO{Types: len(cat.Types), Courses: len(cat.Courses)})
}

// ResetFiscalYear archives and zeroes every point record.
// POST /api/admin/fiscal-year/reset
func (h *Handler) ResetFiscalYear(w http.ResponseWriter, r *http.Request) {
	var req ResetFiscalYearRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	report, err := withRetry(r.Context(), h.Retry, h.Logger, "ResetFiscalYear", func() (*engine.ResetReport, error) {
		return h.Engine.ResetFiscalYear(r.Context(), req.FiscalYear)
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResetDTO(report))
}

// RecalculateEscalations re-tiers every employee.
// POST /api/admin/escalations/recalculate
func (h *Handler) RecalculateEscalations(w http.ResponseWriter, r *http.Request) {
	report, err := withRetry(r.Context(), h.Retry, h.Logger, "RecalculateEscalations", func() (*engine.RecalcReport, error) {
		return h.Engine.RecalculateEscalations(r.Context())
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	dto := RecalcReportDTO{Checked: report.Checked, Changed: make([]TierChangeDTO, len(report.Changed))}
	for i, c := range report.Changed {
		dto.Changed[i] = TierChangeDTO{
			EmployeeID: string(c.EmployeeID),
			From:       string(c.From),
			To:         string(c.To),
			Escalation: toEscalationDTO(c.Escalation),
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// SyncPoints rebuilds totals from contraventions and credited training.
// Corrected drift is reported in the body with a 200.
// POST /api/admin/points/sync
func (h *Handler) SyncPoints(w http.ResponseWriter, r *http.Request) {
	report, err := withRetry(r.Context(), h.Retry, h.Logger, "SyncPointsFromContraventions", func() (*engine.SyncReport, error) {
		return h.Engine.SyncPointsFromContraventions(r.Context())
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	dto := SyncReportDTO{
		Checked:  report.Checked,
		Drift:    make([]DriftDTO, len(report.Drift)),
		Retiered: userStrings(report.Retiered),
	}
	for i, d := range report.Drift {
		dto.Drift[i] = DriftDTO{EmployeeID: string(d.EmployeeID), Ledger: d.Ledger, Expected: d.Expected, Tier: string(d.Tier)}
	}
	if err := report.Err(); err != nil {
		dto.Warning = err.Error()
	}
	writeJSON(w, http.StatusOK, dto)
}

func toResetDTO(r *engine.ResetReport) ResetReportDTO {
	return ResetReportDTO{
		FiscalYear: r.FiscalYear,
		OpenYear:   r.OpenYear,
		Reset:      userStrings(r.Reset),
		Skipped:    userStrings(r.Skipped),
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func contraventionID(r *http.Request) engine.ContraventionID {
	return engine.ContraventionID(chi.URLParam(r, "id"))
}

func employeeID(r *http.Request) engine.UserID {
	return engine.UserID(chi.URLParam(r, "id"))
}

// decode reads the JSON body into v and writes a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps an engine error kind to an HTTP status.
func statusFor(kind engine.ErrorKind) int {
	switch kind {
	case engine.KindValidation:
		return http.StatusBadRequest
	case engine.KindForbidden:
		return http.StatusForbidden
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindInvalidState, engine.KindConcurrencyConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	kind := engine.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", zap.Error(err))
		writeJSON(w, status, ErrorResponse{Error: "Internal error", Kind: string(engine.KindInternal)})
		return
	}

	resp := ErrorResponse{
		Error:   string(kind),
		Kind:    string(kind),
		Details: err.Error(),
	}
	var verr *engine.ValidationError
	if errors.As(err, &verr) {
		for _, f := range verr.Fields {
			resp.Fields = append(resp.Fields, FieldErrorDTO{Field: f.Field, Message: f.Message})
		}
	}
	writeJSON(w, status, resp)
}
