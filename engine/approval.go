/*
approval.go - Approval Workflow

PURPOSE:
  Routes a contravention to a named approver and applies the approver's
  decision to the contravention's status.

FLOW:
  request   resolve approver by email → PENDING request, contravention
            PENDING_APPROVAL. An email nobody matches is reported through
            Unresolved and a notification, never as an error. The
            contravention keeps its status and no request is opened; a
            later requestApproval or an admin upload moves it on.
  review    APPROVE: request APPROVED, contravention COMPLETED, resolved.
            REJECT:  notes required, request REJECTED, contravention REJECTED.
  resubmit  filer only, from REJECTED. The approver must resolve. A new
            PENDING request is created; rejected ones stay as history.

SEE ALSO:
  - status.go: Transition table
*/
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ApprovalResult is the outcome of RequestApproval and ResubmitContravention.
type ApprovalResult struct {
	Contravention *Contravention
	// Approval is nil when Unresolved is set.
	Approval   *ApprovalRequest
	Unresolved bool
}

// ReviewResult is the outcome of ReviewApproval.
type ReviewResult struct {
	Approval      *ApprovalRequest
	Contravention *Contravention
}

// ResubmitInput carries the filer's corrections and the new approver.
type ResubmitInput struct {
	ApproverEmail string   `json:"approver_email" validate:"required,email"`
	Description   *string  `json:"description" validate:"omitempty,min=1,max=4000"`
	Justification *string  `json:"justification" validate:"omitempty,max=4000"`
	Mitigation    *string  `json:"mitigation" validate:"omitempty,max=4000"`
	Summary       *string  `json:"summary" validate:"omitempty,max=4000"`
	Documents     []string `json:"documents" validate:"omitempty,dive,required"`
}

// =============================================================================
// REQUEST
// =============================================================================

// RequestApproval opens an approval request for the contravention. The
// filer or an administrator may request; only one request may be pending.
func (e *Engine) RequestApproval(ctx context.Context, id ContraventionID, approverEmail string, actor Actor) (*ApprovalResult, error) {
	const op = "RequestApproval"
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	approverEmail = strings.TrimSpace(approverEmail)
	if err := validate.Var(approverEmail, "required,email"); err != nil {
		return nil, invalid("approver_email", "must be a valid email address")
	}

	approver, err := e.resolveApprover(ctx, approverEmail)
	if err != nil {
		return nil, err
	}

	var result *ApprovalResult
	err = e.run(ctx, op, func(ctx context.Context, s Store, out *outbox) error {
		c, err := s.GetContravention(ctx, id)
		if err != nil {
			return err
		}
		if !actor.IsAdmin && actor.ID != c.LoggerID {
			return forbidden(actor, op, "only the filer or an administrator may request approval")
		}
		if c.Status != StatusPendingUpload && c.Status != StatusPendingApproval {
			return invalidState(c, op)
		}
		pending, err := s.PendingApproval(ctx, c.ID)
		if err != nil {
			return err
		}
		if pending != nil {
			return &TransitionError{Entity: "approval_request", ID: string(pending.ID), Op: op, From: string(pending.Status)}
		}

		c.ApproverEmail = approverEmail
		a, unresolved, err := e.openApproval(ctx, s, out, c, approver)
		if err != nil {
			return err
		}
		result = &ApprovalResult{Contravention: c, Approval: a, Unresolved: unresolved}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// resolveApprover looks the approver up by email. No match is reported as a
// nil user, not an error. Directory lookups happen before the transaction
// opens so no external call runs while rows are locked.
func (e *Engine) resolveApprover(ctx context.Context, email string) (*User, error) {
	if strings.TrimSpace(email) == "" {
		return nil, nil
	}
	u, err := e.directory.UserByEmail(ctx, email)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve approver: %w", err)
	}
	return u, nil
}

// openApproval opens a pending request for approver, or records that
// c.ApproverEmail did not resolve when approver is nil. c is persisted.
func (e *Engine) openApproval(ctx context.Context, s Store, out *outbox, c *Contravention, approver *User) (*ApprovalRequest, bool, error) {
	if approver == nil {
		e.logger.Warn("approver email did not match a user",
			zap.String("reference", c.Reference),
			zap.String("approver_email", c.ApproverEmail),
		)
		c.UpdatedAt = e.clock.Now()
		if err := s.UpdateContravention(ctx, c); err != nil {
			return nil, false, err
		}
		payload := contraventionPayload(c)
		payload["approver_email"] = c.ApproverEmail
		out.add(NotifyApproverUnresolved, payload)
		return nil, true, nil
	}

	now := e.clock.Now()
	if c.Status != StatusPendingApproval {
		if err := transition(c, "RequestApproval", StatusPendingApproval); err != nil {
			return nil, false, err
		}
	}
	c.UpdatedAt = now
	if err := s.UpdateContravention(ctx, c); err != nil {
		return nil, false, err
	}

	a := &ApprovalRequest{
		ID:              ApprovalID(uuid.NewString()),
		ContraventionID: c.ID,
		ApproverID:      approver.ID,
		Status:          ApprovalPending,
		CreatedAt:       now,
	}
	if err := s.InsertApproval(ctx, a); err != nil {
		return nil, false, fmt.Errorf("failed to insert approval request: %w", err)
	}

	payload := contraventionPayload(c)
	payload["approval_id"] = string(a.ID)
	payload["approver_id"] = string(a.ApproverID)
	payload["approver_email"] = approver.Email
	out.add(NotifyApprovalRequested, payload)
	return a, false, nil
}

// withdrawApproval closes the contravention's pending request, if any, on
// behalf of the administrator who bypassed it.
func (e *Engine) withdrawApproval(ctx context.Context, s Store, c *Contravention, actor Actor) error {
	a, err := s.PendingApproval(ctx, c.ID)
	if err != nil {
		return err
	}
	if a == nil {
		return nil
	}
	now := e.clock.Now()
	by := actor.ID
	a.Status = ApprovalWithdrawn
	a.Notes = "approval document uploaded by an administrator"
	a.ReviewedBy = &by
	a.ReviewedAt = &now
	if err := s.UpdateApproval(ctx, a); err != nil {
		return fmt.Errorf("failed to withdraw approval request: %w", err)
	}
	return nil
}

// =============================================================================
// REVIEW
// =============================================================================

// ReviewApproval applies the approver's decision. Only the assigned approver
// or an administrator may review, and a rejection must carry notes.
func (e *Engine) ReviewApproval(ctx context.Context, approvalID ApprovalID, actor Actor, decision Decision, notes string) (*ReviewResult, error) {
	const op = "ReviewApproval"
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	notes = strings.TrimSpace(notes)
	switch decision {
	case DecisionApprove:
	case DecisionReject:
		if notes == "" {
			return nil, invalid("notes", "required when rejecting")
		}
	default:
		return nil, invalid("decision", "must be one of [APPROVE REJECT]")
	}

	var result *ReviewResult
	err := e.run(ctx, op, func(ctx context.Context, s Store, out *outbox) error {
		a, err := s.GetApproval(ctx, approvalID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin && actor.ID != a.ApproverID {
			return forbidden(actor, op, "only the assigned approver or an administrator may review")
		}
		if a.Status != ApprovalPending {
			return &TransitionError{Entity: "approval_request", ID: string(a.ID), Op: op, From: string(a.Status)}
		}
		c, err := s.GetContravention(ctx, a.ContraventionID)
		if err != nil {
			return err
		}

		now := e.clock.Now()
		reviewer := actor.ID
		a.Notes = notes
		a.ReviewedBy = &reviewer
		a.ReviewedAt = &now

		kind := NotifyApprovalApproved
		if decision == DecisionApprove {
			a.Status = ApprovalApproved
			if err := transition(c, op, StatusCompleted); err != nil {
				return err
			}
			resolve(c, actor.ID, now)
		} else {
			kind = NotifyApprovalRejected
			a.Status = ApprovalRejected
			if err := transition(c, op, StatusRejected); err != nil {
				return err
			}
			c.UpdatedAt = now
		}

		if err := s.UpdateApproval(ctx, a); err != nil {
			return fmt.Errorf("failed to update approval request: %w", err)
		}
		if err := s.UpdateContravention(ctx, c); err != nil {
			return err
		}

		payload := contraventionPayload(c)
		payload["approval_id"] = string(a.ID)
		payload["reviewed_by"] = string(reviewer)
		if notes != "" {
			payload["notes"] = notes
		}
		out.add(kind, payload)
		result = &ReviewResult{Approval: a, Contravention: c}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("approval reviewed",
		zap.String("approval_id", string(approvalID)),
		zap.String("decision", string(decision)),
		zap.String("status", string(result.Contravention.Status)),
	)
	return result, nil
}

// =============================================================================
// RESUBMIT
// =============================================================================

// ResubmitContravention sends a rejected contravention to a new approver.
func (e *Engine) ResubmitContravention(ctx context.Context, id ContraventionID, actor Actor, in ResubmitInput) (*ApprovalResult, error) {
	const op = "ResubmitContravention"
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}

	// Resubmitting without a destination approver is meaningless.
	approver, err := e.directory.UserByEmail(ctx, in.ApproverEmail)
	if err != nil {
		return nil, err
	}

	var result *ApprovalResult
	err = e.run(ctx, op, func(ctx context.Context, s Store, out *outbox) error {
		c, err := s.GetContravention(ctx, id)
		if err != nil {
			return err
		}
		if actor.ID != c.LoggerID {
			return forbidden(actor, op, "only the filer may resubmit")
		}
		if c.Status != StatusRejected {
			return invalidState(c, op)
		}
		if err := e.applyFields(ctx, s, c, UpdateInput{
			Description:   in.Description,
			Justification: in.Justification,
			Mitigation:    in.Mitigation,
			Summary:       in.Summary,
			Documents:     in.Documents,
		}); err != nil {
			return err
		}
		c.ApproverEmail = strings.TrimSpace(in.ApproverEmail)
		c.ResolvedAt, c.ResolvedBy = nil, nil

		a, _, err := e.openApproval(ctx, s, out, c, approver)
		if err != nil {
			return err
		}
		result = &ApprovalResult{Contravention: c, Approval: a}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListApprovalHistory returns every approval request of the contravention,
// oldest first, rejected ones included.
func (e *Engine) ListApprovalHistory(ctx context.Context, id ContraventionID) ([]ApprovalRequest, error) {
	var history []ApprovalRequest
	err := e.run(ctx, "ListApprovalHistory", func(ctx context.Context, s Store, _ *outbox) error {
		if _, err := s.GetContravention(ctx, id); err != nil {
			return err
		}
		var err error
		history, err = s.ListApprovals(ctx, id)
		return err
	})
	return history, err
}
