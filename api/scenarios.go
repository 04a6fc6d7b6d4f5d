/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the database with realistic
  data for demos. Every scenario drives the real engine operations, so the
  ledger, escalations and approval history are exactly what production
  would produce.

AVAILABLE SCENARIOS:
  escalation:        Repeat offender pushed through TIER_1 and TIER_2
  approval-rejected: Rejected approval awaiting resubmission
  training-credit:   Completed remedial training credited back

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Load the default catalog via factory
 3. Create users (admin, filer, approvers, employees)
 4. Run engine operations as those users

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "escalation"}

NOTE:
  Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - factory/policy.go: DefaultCatalogJSON
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/contravention-engine/engine"
	"github.com/warp/contravention-engine/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "escalation",
		Name:        "Escalation",
		Description: "Repeat offender crosses TIER_1 then TIER_2; training auto-assigned when configured",
	},
	{
		ID:          "approval-rejected",
		Name:        "Rejected Approval",
		Description: "Approver rejects with notes; contravention waits for the filer to resubmit",
	},
	{
		ID:          "training-credit",
		Name:        "Training Credit",
		Description: "Employee at TIER_1 completes remedial training and drops back below the threshold",
	},
}

// Demo users shared by every scenario.
var (
	demoAdmin    = engine.User{ID: "admin", Email: "compliance@example.com", Name: "Compliance Office", IsAdmin: true}
	demoFiler    = engine.User{ID: "filer", Email: "auditor@example.com", Name: "Internal Auditor"}
	demoApprover = engine.User{ID: "approver-a", Email: "finance.lead@example.com", Name: "Finance Lead"}
	demoBackup   = engine.User{ID: "approver-b", Email: "procurement.head@example.com", Name: "Head of Procurement"}
	demoEmployee = engine.User{ID: "emp-1", Email: "jordan@example.com", Name: "Jordan Reyes"}
	demoOther    = engine.User{ID: "emp-2", Email: "sam@example.com", Name: "Sam Okafor"}
)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	var load func(ctx context.Context) error
	switch id {
	case "escalation":
		load = h.loadEscalationScenario
	case "approval-rejected":
		load = h.loadApprovalRejectedScenario
	case "training-credit":
		load = h.loadTrainingCreditScenario
	default:
		return fmt.Errorf("unknown scenario %q", id)
	}

	if err := h.seed(ctx); err != nil {
		return err
	}
	if err := load(ctx); err != nil {
		return fmt.Errorf("scenario %s: %w", id, err)
	}
	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	return nil
}

// seed resets the database, loads the default catalog and the demo users.
func (h *Handler) seed(ctx context.Context) error {
	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset database: %w", err)
	}
	doc, err := h.PolicyFactory.Parse(factory.DefaultCatalogJSON)
	if err != nil {
		return err
	}
	if _, err := h.PolicyFactory.LoadCatalog(ctx, h.Store, doc); err != nil {
		return err
	}
	for _, u := range []engine.User{demoAdmin, demoFiler, demoApprover, demoBackup, demoEmployee, demoOther} {
		if err := h.Store.SaveUser(ctx, u); err != nil {
			return fmt.Errorf("failed to save user %s: %w", u.ID, err)
		}
	}
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadEscalationScenario(ctx context.Context) error {
	filer := engine.Actor{ID: demoFiler.ID}
	steps := []struct {
		typeID string
		days   int
		value  string
		desc   string
	}{
		{"no-po", 60, "1800.00", "Laptop accessories bought without a purchase order"},
		{"split-order", 45, "24950.00", "Consulting order split in two to stay under the tender threshold"},
		{"no-quotes", 20, "7400.00", "Event catering booked on a single quote"},
	}
	for _, s := range steps {
		if _, err := h.Engine.FileContravention(ctx, engine.FileInput{
			Filer:        filer,
			EmployeeID:   demoEmployee.ID,
			TypeID:       s.typeID,
			Description:  s.desc,
			Value:        decimal.RequireFromString(s.value),
			IncidentDate: daysAgo(s.days),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadApprovalRejectedScenario(ctx context.Context) error {
	filer := engine.Actor{ID: demoFiler.ID}
	res, err := h.Engine.FileContravention(ctx, engine.FileInput{
		Filer:         filer,
		EmployeeID:    demoOther.ID,
		TypeID:        "unapproved-vendor",
		Description:   "Printing services ordered from a vendor outside the approved list",
		Value:         decimal.RequireFromString("3200.00"),
		IncidentDate:  daysAgo(10),
		ApproverEmail: demoApprover.Email,
	})
	if err != nil {
		return err
	}
	if res.Approval == nil {
		return fmt.Errorf("approver %s did not resolve", demoApprover.Email)
	}
	_, err = h.Engine.ReviewApproval(ctx, res.Approval.ID, engine.Actor{ID: demoApprover.ID},
		engine.DecisionReject, "missing invoice")
	return err
}

func (h *Handler) loadTrainingCreditScenario(ctx context.Context) error {
	admin := engine.Actor{ID: demoAdmin.ID, IsAdmin: true}
	for _, typeID := range []string{"no-po", "no-po"} {
		if _, err := h.Engine.FileContravention(ctx, engine.FileInput{
			Filer:        engine.Actor{ID: demoFiler.ID},
			EmployeeID:   demoEmployee.ID,
			TypeID:       typeID,
			Description:  "Software subscription renewed without a purchase order",
			Value:        decimal.RequireFromString("950.00"),
			IncidentDate: daysAgo(30),
		}); err != nil {
			return err
		}
	}
	rec, err := h.Engine.AssignTraining(ctx, demoEmployee.ID, "proc-101", admin)
	if err != nil {
		return err
	}
	_, err = h.Engine.CompleteTraining(ctx, rec.ID, engine.Actor{ID: demoEmployee.ID})
	return err
}

func daysAgo(n int) time.Time {
	return time.Now().UTC().AddDate(0, 0, -n).Truncate(24 * time.Hour)
}
