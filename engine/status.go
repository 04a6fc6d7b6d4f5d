/*
status.go - Contravention Status Machine

PURPOSE:
  Owns the allowed states and transitions of a contravention, who may
  trigger each one, and the ledger side effects of filing, editing,
  reassigning and deleting.

STATE MACHINE:
  ┌──────────────────┐  approve   ┌───────────┐
  │ PENDING_APPROVAL │───────────▶│ COMPLETED │◀──────────┐
  └──────────────────┘            └───────────┘           │ markComplete
     │   ▲       │ reject                                  │
     │   │       ▼                                ┌────────────────┐
     │   │  ┌──────────┐                          │ PENDING_REVIEW │
     │   └──│ REJECTED │ resubmit                 └────────────────┘
     │      └──────────┘                                   ▲
     │ requestApproval                                     │ upload
     ▼ (from PENDING_UPLOAD)                    ┌────────────────┐
     ◀──────────────────────────────────────────│ PENDING_UPLOAD │
                                                └────────────────┘

INITIAL STATE:
  approver email given  → PENDING_APPROVAL (even when nobody matches it)
  approval doc given    → PENDING_REVIEW
  otherwise             → PENDING_UPLOAD

AUTHORITY:
  File               any actor (points override: admin)
  Update             filer or admin (points/employee: admin; COMPLETED: admin)
  Reassign           admin
  Delete             admin, or filer before COMPLETED
  Upload document    filer from PENDING_UPLOAD; admin from any status. Outside
                     PENDING_REVIEW and COMPLETED the admin upload moves the
                     contravention to PENDING_REVIEW and withdraws a pending
                     approval request
  Mark complete      admin, from PENDING_REVIEW only
  Acknowledge        the owning employee, once

LEDGER COUPLING:
  Filing adds the contravention's points to its employee. A points override
  applies the difference to the current owner. Reassignment transfers:
  the old owner loses the pre-edit points and the new owner gains the
  post-edit points. Deletion reverses the full current value before any row
  is removed. All of it happens inside the operation's transaction. A
  contravention filed before its employee's last fiscal-year reset belongs
  to the archived year: editing or deleting it leaves the open-year total
  alone.

SEE ALSO:
  - approval.go: Transitions driven by approval review
  - ledger.go: Point adjustments
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// TRANSITIONS
// =============================================================================

var transitions = map[Status][]Status{
	StatusPendingApproval: {StatusCompleted, StatusRejected, StatusPendingUpload, StatusPendingReview},
	StatusPendingUpload:   {StatusPendingReview, StatusPendingApproval},
	StatusPendingReview:   {StatusCompleted},
	StatusRejected:        {StatusPendingApproval, StatusPendingReview},
	StatusCompleted:       {},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InitialStatus returns the status a new contravention starts in.
func InitialStatus(approverEmail, approvalDocument string) Status {
	switch {
	case strings.TrimSpace(approverEmail) != "":
		return StatusPendingApproval
	case strings.TrimSpace(approvalDocument) != "":
		return StatusPendingReview
	default:
		return StatusPendingUpload
	}
}

func transition(c *Contravention, op string, to Status) error {
	if !CanTransition(c.Status, to) {
		return &TransitionError{Entity: "contravention", ID: string(c.ID), Op: op, From: string(c.Status)}
	}
	c.Status = to
	return nil
}

func invalidState(c *Contravention, op string) error {
	return &TransitionError{Entity: "contravention", ID: string(c.ID), Op: op, From: string(c.Status)}
}

func forbidden(actor Actor, op, reason string) error {
	return &ForbiddenError{ActorID: actor.ID, Op: op, Reason: reason}
}

func requireActor(actor Actor) error {
	if actor.ID == "" {
		return invalid("actor", "required")
	}
	return nil
}

// =============================================================================
// FILING
// =============================================================================

// FileInput is a validated, already-authorized filing request.
type FileInput struct {
	Filer            Actor           `json:"-"`
	EmployeeID       UserID          `json:"employee_id" validate:"required"`
	TypeID           string          `json:"type_id" validate:"required"`
	CustomType       string          `json:"custom_type" validate:"max=120"`
	Description      string          `json:"description" validate:"required,max=4000"`
	Justification    string          `json:"justification" validate:"max=4000"`
	Mitigation       string          `json:"mitigation" validate:"max=4000"`
	Summary          string          `json:"summary" validate:"max=4000"`
	Value            decimal.Decimal `json:"value"`
	IncidentDate     time.Time       `json:"incident_date" validate:"required"`
	Documents        []string        `json:"documents" validate:"dive,required"`
	ApproverEmail    string          `json:"approver_email" validate:"omitempty,email"`
	ApprovalDocument string          `json:"approval_document"`
	PointsOverride   *int            `json:"points_override" validate:"omitempty,min=0"`
}

// FileResult is the outcome of a filing.
type FileResult struct {
	Contravention *Contravention
	Approval      *ApprovalRequest
	// ApproverUnresolved is set when an approver email was given but no
	// directory user matched. Filing still succeeds.
	ApproverUnresolved bool
	TotalPoints        int
	Tier               Tier
	Escalation         *Escalation
}

// FileContravention records a new contravention, accrues its points to the
// employee and, when an approver email is given, opens an approval request.
func (e *Engine) FileContravention(ctx context.Context, in FileInput) (*FileResult, error) {
	if err := requireActor(in.Filer); err != nil {
		return nil, err
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if in.Value.IsNegative() {
		return nil, invalid("value", "must not be negative")
	}
	if in.PointsOverride != nil && !in.Filer.IsAdmin {
		return nil, forbidden(in.Filer, "FileContravention", "only administrators may override points")
	}
	if _, err := e.directory.UserByID(ctx, in.EmployeeID); err != nil {
		return nil, err
	}
	approver, err := e.resolveApprover(ctx, in.ApproverEmail)
	if err != nil {
		return nil, err
	}

	var result *FileResult
	err = e.run(ctx, "FileContravention", func(ctx context.Context, s Store, out *outbox) error {
		typ, err := s.GetContraventionType(ctx, in.TypeID)
		if err != nil {
			return err
		}
		custom := strings.TrimSpace(in.CustomType)
		if typ.AllowsCustomLabel && custom == "" {
			return invalid("custom_type", "required for type "+typ.ID)
		}
		if !typ.AllowsCustomLabel && custom != "" {
			return invalid("custom_type", "not allowed for type "+typ.ID)
		}

		now := e.clock.Now()
		if in.IncidentDate.After(now) {
			return invalid("incident_date", "must not be in the future")
		}
		points := typ.DefaultPoints
		if in.PointsOverride != nil {
			points = *in.PointsOverride
		}
		ref, err := e.refs.Next(ctx, s, now)
		if err != nil {
			return err
		}

		c := &Contravention{
			ID:               ContraventionID(uuid.NewString()),
			Reference:        ref,
			EmployeeID:       in.EmployeeID,
			LoggerID:         in.Filer.ID,
			TypeID:           typ.ID,
			CustomType:       custom,
			Description:      in.Description,
			Justification:    in.Justification,
			Mitigation:       in.Mitigation,
			Summary:          in.Summary,
			Value:            in.Value,
			IncidentDate:     in.IncidentDate.UTC(),
			Points:           points,
			Documents:        append([]string(nil), in.Documents...),
			ApproverEmail:    strings.TrimSpace(in.ApproverEmail),
			ApprovalDocument: strings.TrimSpace(in.ApprovalDocument),
			Status:           InitialStatus(in.ApproverEmail, in.ApprovalDocument),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := s.InsertContravention(ctx, c); err != nil {
			return fmt.Errorf("failed to insert contravention: %w", err)
		}

		adj, err := e.adjust(ctx, s, out, Adjustment{
			EmployeeID:      c.EmployeeID,
			Delta:           c.Points,
			Kind:            EventContravention,
			Reason:          "contravention " + c.Reference + " filed",
			ContraventionID: c.ID,
		})
		if err != nil {
			return err
		}

		result = &FileResult{
			Contravention: c,
			TotalPoints:   adj.Total,
			Tier:          adj.Tier,
			Escalation:    adj.Escalation,
		}
		out.add(NotifyContraventionFiled, contraventionPayload(c))

		if c.ApproverEmail != "" {
			a, unresolved, err := e.openApproval(ctx, s, out, c, approver)
			if err != nil {
				return err
			}
			result.Approval = a
			result.ApproverUnresolved = unresolved
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("contravention filed",
		zap.String("reference", result.Contravention.Reference),
		zap.String("employee_id", string(result.Contravention.EmployeeID)),
		zap.Int("points", result.Contravention.Points),
		zap.String("status", string(result.Contravention.Status)),
	)
	return result, nil
}

// =============================================================================
// EDITS
// =============================================================================

// UpdateInput is a partial edit. Nil fields are left unchanged.
type UpdateInput struct {
	TypeID        *string          `json:"type_id" validate:"omitempty,min=1"`
	CustomType    *string          `json:"custom_type" validate:"omitempty,max=120"`
	Description   *string          `json:"description" validate:"omitempty,min=1,max=4000"`
	Justification *string          `json:"justification" validate:"omitempty,max=4000"`
	Mitigation    *string          `json:"mitigation" validate:"omitempty,max=4000"`
	Summary       *string          `json:"summary" validate:"omitempty,max=4000"`
	Value         *decimal.Decimal `json:"value"`
	IncidentDate  *time.Time       `json:"incident_date"`
	Documents     []string         `json:"documents" validate:"omitempty,dive,required"`
	Points        *int             `json:"points" validate:"omitempty,min=0"`
	EmployeeID    *UserID          `json:"employee_id" validate:"omitempty,min=1"`
}

// UpdateContravention applies a field edit. Point and owner changes are
// mirrored in the ledger in the same transaction.
func (e *Engine) UpdateContravention(ctx context.Context, id ContraventionID, actor Actor, in UpdateInput) (*Contravention, error) {
	return e.update(ctx, "UpdateContravention", id, actor, in)
}

// ReassignEmployee moves a contravention, and its points, to another employee.
func (e *Engine) ReassignEmployee(ctx context.Context, id ContraventionID, actor Actor, employeeID UserID) (*Contravention, error) {
	if employeeID == "" {
		return nil, invalid("employee_id", "required")
	}
	return e.update(ctx, "ReassignEmployee", id, actor, UpdateInput{EmployeeID: &employeeID})
}

func (e *Engine) update(ctx context.Context, op string, id ContraventionID, actor Actor, in UpdateInput) (*Contravention, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if in.Value != nil && in.Value.IsNegative() {
		return nil, invalid("value", "must not be negative")
	}
	if (in.Points != nil || in.EmployeeID != nil) && !actor.IsAdmin {
		return nil, forbidden(actor, op, "only administrators may change points or the employee")
	}
	if in.EmployeeID != nil {
		if _, err := e.directory.UserByID(ctx, *in.EmployeeID); err != nil {
			return nil, err
		}
	}

	var updated *Contravention
	err := e.run(ctx, op, func(ctx context.Context, s Store, out *outbox) error {
		c, err := s.GetContravention(ctx, id)
		if err != nil {
			return err
		}
		if !actor.IsAdmin && actor.ID != c.LoggerID {
			return forbidden(actor, op, "only the filer or an administrator may edit")
		}
		if c.Status == StatusCompleted && !actor.IsAdmin {
			return invalidState(c, op)
		}

		oldEmployee, oldPoints := c.EmployeeID, c.Points
		if err := e.applyFields(ctx, s, c, in); err != nil {
			return err
		}

		switch {
		case c.EmployeeID != oldEmployee:
			fromRec, err := e.ledger.Record(ctx, s, oldEmployee)
			if err != nil {
				return err
			}
			toRec, err := e.ledger.Record(ctx, s, c.EmployeeID)
			if err != nil {
				return err
			}
			fromAmount, toAmount := 0, 0
			if inPeriod(c, fromRec) {
				fromAmount = oldPoints
			}
			if inPeriod(c, toRec) {
				toAmount = c.Points
			}
			reason := fmt.Sprintf("contravention %s reassigned from %s to %s", c.Reference, oldEmployee, c.EmployeeID)
			outRes, inRes, err := e.ledger.Transfer(ctx, s, oldEmployee, c.EmployeeID, fromAmount, toAmount, c.ID, reason)
			if err != nil {
				return err
			}
			if err := e.afterAdjustment(ctx, s, out, outRes); err != nil {
				return err
			}
			if err := e.afterAdjustment(ctx, s, out, inRes); err != nil {
				return err
			}
		case c.Points != oldPoints:
			rec, err := e.ledger.Record(ctx, s, c.EmployeeID)
			if err != nil {
				return err
			}
			if !inPeriod(c, rec) {
				e.logger.Info("points changed on a closed-year contravention",
					zap.String("reference", c.Reference),
					zap.Int("from", oldPoints),
					zap.Int("to", c.Points),
				)
				break
			}
			_, err = e.adjust(ctx, s, out, Adjustment{
				EmployeeID:      c.EmployeeID,
				Delta:           c.Points - oldPoints,
				Kind:            EventOverride,
				Reason:          fmt.Sprintf("contravention %s points changed from %d to %d", c.Reference, oldPoints, c.Points),
				ContraventionID: c.ID,
			})
			if err != nil {
				return err
			}
		}

		c.UpdatedAt = e.clock.Now()
		if err := s.UpdateContravention(ctx, c); err != nil {
			return err
		}
		updated = c

		payload := contraventionPayload(c)
		if c.EmployeeID != oldEmployee {
			payload["previous_employee_id"] = string(oldEmployee)
		}
		out.add(NotifyContraventionUpdated, payload)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (e *Engine) applyFields(ctx context.Context, s Store, c *Contravention, in UpdateInput) error {
	if in.TypeID != nil && *in.TypeID != c.TypeID {
		if _, err := s.GetContraventionType(ctx, *in.TypeID); err != nil {
			return err
		}
		c.TypeID = *in.TypeID
	}
	if in.CustomType != nil {
		c.CustomType = strings.TrimSpace(*in.CustomType)
	}
	if in.Description != nil {
		c.Description = *in.Description
	}
	if in.Justification != nil {
		c.Justification = *in.Justification
	}
	if in.Mitigation != nil {
		c.Mitigation = *in.Mitigation
	}
	if in.Summary != nil {
		c.Summary = *in.Summary
	}
	if in.Value != nil {
		c.Value = *in.Value
	}
	if in.IncidentDate != nil {
		if in.IncidentDate.After(e.clock.Now()) {
			return invalid("incident_date", "must not be in the future")
		}
		c.IncidentDate = in.IncidentDate.UTC()
	}
	if in.Documents != nil {
		c.Documents = append([]string(nil), in.Documents...)
	}
	if in.Points != nil {
		c.Points = *in.Points
	}
	if in.EmployeeID != nil {
		c.EmployeeID = *in.EmployeeID
	}
	return nil
}

// DeleteContravention reverses the contravention's points, then removes its
// approval requests and the record itself.
func (e *Engine) DeleteContravention(ctx context.Context, id ContraventionID, actor Actor) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	return e.run(ctx, "DeleteContravention", func(ctx context.Context, s Store, out *outbox) error {
		c, err := s.GetContravention(ctx, id)
		if err != nil {
			return err
		}
		if !actor.IsAdmin {
			if actor.ID != c.LoggerID {
				return forbidden(actor, "DeleteContravention", "only the filer or an administrator may delete")
			}
			if c.Status == StatusCompleted {
				return invalidState(c, "DeleteContravention")
			}
		}

		rec, err := e.ledger.Record(ctx, s, c.EmployeeID)
		if err != nil {
			return err
		}
		if inPeriod(c, rec) {
			if _, err := e.ledger.Reverse(ctx, s, c.EmployeeID, c.Points, EventDeletion,
				"contravention "+c.Reference+" deleted", c.ID); err != nil {
				return fmt.Errorf("failed to reverse points: %w", err)
			}
		}
		if err := s.DeleteApprovals(ctx, c.ID); err != nil {
			return fmt.Errorf("failed to delete approval requests: %w", err)
		}
		if err := s.DeleteContravention(ctx, c.ID); err != nil {
			return fmt.Errorf("failed to delete contravention: %w", err)
		}
		out.add(NotifyContraventionDeleted, contraventionPayload(c))
		return nil
	})
}

// =============================================================================
// DOCUMENTS AND COMPLETION
// =============================================================================

// UploadApprovalDocument attaches the uploaded approval document.
func (e *Engine) UploadApprovalDocument(ctx context.Context, id ContraventionID, documentRef string, actor Actor) (*Contravention, error) {
	const op = "UploadApprovalDocument"
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	documentRef = strings.TrimSpace(documentRef)
	if documentRef == "" {
		return nil, invalid("document", "required")
	}

	var updated *Contravention
	err := e.run(ctx, op, func(ctx context.Context, s Store, out *outbox) error {
		c, err := s.GetContravention(ctx, id)
		if err != nil {
			return err
		}

		if actor.IsAdmin {
			switch c.Status {
			case StatusPendingReview, StatusCompleted:
				// replacement, status unchanged
			case StatusPendingApproval:
				if err := e.withdrawApproval(ctx, s, c, actor); err != nil {
					return err
				}
				if err := transition(c, op, StatusPendingReview); err != nil {
					return err
				}
			default:
				if err := transition(c, op, StatusPendingReview); err != nil {
					return err
				}
			}
		} else {
			if actor.ID != c.LoggerID {
				return forbidden(actor, op, "only the filer may upload the approval document")
			}
			if c.Status != StatusPendingUpload {
				return invalidState(c, op)
			}
			if err := transition(c, op, StatusPendingReview); err != nil {
				return err
			}
		}

		c.ApprovalDocument = documentRef
		c.UpdatedAt = e.clock.Now()
		if err := s.UpdateContravention(ctx, c); err != nil {
			return err
		}
		updated = c
		out.add(NotifyDocumentUploaded, contraventionPayload(c))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkComplete closes a contravention that is awaiting review.
func (e *Engine) MarkComplete(ctx context.Context, id ContraventionID, actor Actor) (*Contravention, error) {
	const op = "MarkComplete"
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var updated *Contravention
	err := e.run(ctx, op, func(ctx context.Context, s Store, out *outbox) error {
		c, err := s.GetContravention(ctx, id)
		if err != nil {
			return err
		}
		if c.Status != StatusPendingReview {
			return invalidState(c, op)
		}
		if !actor.IsAdmin {
			return forbidden(actor, op, "only administrators may complete a review")
		}
		if err := transition(c, op, StatusCompleted); err != nil {
			return err
		}
		resolve(c, actor.ID, e.clock.Now())
		if err := s.UpdateContravention(ctx, c); err != nil {
			return err
		}
		updated = c
		out.add(NotifyContraventionClosed, contraventionPayload(c))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AcknowledgeContravention records that the owning employee has seen the
// contravention.
func (e *Engine) AcknowledgeContravention(ctx context.Context, id ContraventionID, actor Actor) (*Contravention, error) {
	const op = "AcknowledgeContravention"
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var updated *Contravention
	err := e.run(ctx, op, func(ctx context.Context, s Store, _ *outbox) error {
		c, err := s.GetContravention(ctx, id)
		if err != nil {
			return err
		}
		if actor.ID != c.EmployeeID {
			return forbidden(actor, op, "only the employee concerned may acknowledge")
		}
		if c.AcknowledgedAt != nil {
			return &TransitionError{Entity: "contravention", ID: string(c.ID), Op: op, From: "ACKNOWLEDGED"}
		}
		now := e.clock.Now()
		by := actor.ID
		c.AcknowledgedAt = &now
		c.AcknowledgedBy = &by
		c.UpdatedAt = now
		if err := s.UpdateContravention(ctx, c); err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func resolve(c *Contravention, by UserID, at time.Time) {
	c.ResolvedAt = &at
	c.ResolvedBy = &by
	c.UpdatedAt = at
}

func contraventionPayload(c *Contravention) map[string]any {
	return map[string]any{
		"contravention_id": string(c.ID),
		"reference":        c.Reference,
		"employee_id":      string(c.EmployeeID),
		"logger_id":        string(c.LoggerID),
		"status":           string(c.Status),
		"points":           c.Points,
	}
}

// isNotFound is errors.Is(err, ErrNotFound) for call sites that treat a
// missing row as a valid outcome.
func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
