package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// REMEDIAL ACTIONS - Escalation follow-up
// =============================================================================

// assignForEscalation auto-assigns the default training course when the new
// tier requires TRAINING. A missing course is logged and skipped so a
// catalog gap never blocks the operation that raised the tier.
func (e *Engine) assignForEscalation(ctx context.Context, s Store, out *outbox, esc *Escalation) error {
	if e.cfg.DefaultTrainingCourse == "" || !esc.Requires(ActionTraining) {
		return nil
	}
	_, _, err := e.assignTraining(ctx, s, out, esc.EmployeeID, e.cfg.DefaultTrainingCourse)
	if isNotFound(err) {
		e.logger.Warn("default training course missing, skipping assignment",
			zap.String("course_id", e.cfg.DefaultTrainingCourse),
			zap.String("employee_id", string(esc.EmployeeID)),
		)
		return nil
	}
	return err
}

// CompleteEscalationAction records a remedial action as done. Completing an
// action twice is a no-op.
func (e *Engine) CompleteEscalationAction(ctx context.Context, id EscalationID, action RemedialAction, actor Actor) (*Escalation, error) {
	const op = "CompleteEscalationAction"
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if !actor.IsAdmin {
		return nil, forbidden(actor, op, "only administrators may complete remedial actions")
	}

	var esc *Escalation
	err := e.run(ctx, op, func(ctx context.Context, s Store, _ *outbox) error {
		found, err := s.GetEscalation(ctx, id)
		if err != nil {
			return err
		}
		if !found.Requires(action) {
			return invalid("action", string(action)+" is not required by tier "+string(found.Tier))
		}
		if completeAction(found, action, e.clock.Now()) {
			if err := s.UpdateEscalation(ctx, found); err != nil {
				return err
			}
		}
		esc = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return esc, nil
}

// completeActionForEmployee marks action done on every open escalation of the
// employee that requires it and returns the escalations it changed.
func (e *Engine) completeActionForEmployee(ctx context.Context, s Store, employeeID UserID, action RemedialAction, at time.Time) ([]Escalation, error) {
	all, err := s.ListEscalations(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	var changed []Escalation
	for i := range all {
		esc := &all[i]
		if esc.CompletedAt != nil || !esc.Requires(action) {
			continue
		}
		if !completeAction(esc, action, at) {
			continue
		}
		if err := s.UpdateEscalation(ctx, esc); err != nil {
			return nil, err
		}
		changed = append(changed, *esc)
	}
	return changed, nil
}

// completeAction adds action to esc and stamps CompletedAt once every
// required action is done. Reports whether esc changed.
func completeAction(esc *Escalation, action RemedialAction, at time.Time) bool {
	if esc.HasCompleted(action) {
		return false
	}
	esc.CompletedActions = append(esc.CompletedActions, action)
	for _, a := range esc.RequiredActions {
		if !esc.HasCompleted(a) {
			return true
		}
	}
	esc.CompletedAt = &at
	return true
}
