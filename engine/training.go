/*
training.go - Training assignment and the Training Credit Applier

PURPOSE:
  Remedial training reduces an employee's points. A completed training
  record is credited exactly once: the course's PointCredit is reversed from
  the ledger and the record's PointsCredited flag flips in the same
  transaction.

IDEMPOTENCY:
  The flag is checked before crediting and then flipped with
  MarkTrainingCredited, a conditional write that only succeeds while the
  flag is still false. Of two concurrent credits for one record only one
  sees the flip; the other reports Applied=false and the ledger is touched
  once.

LIFECYCLE:
  ASSIGNED ──▶ IN_PROGRESS ──▶ COMPLETED (credit applied)
      │              │
      └──────────────┴──▶ OVERDUE ──▶ COMPLETED

SEE ALSO:
  - remedial.go: Auto-assignment on escalation
  - ledger.go: Reversal
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreditResult is the outcome of a training credit.
type CreditResult struct {
	Record *TrainingRecord
	// Applied is false when the record had already been credited.
	Applied bool
	// Credit is the amount the ledger removed, after clamping.
	Credit int
	Total  int
	Tier   Tier
}

// CompleteTrainingResult is the outcome of CompleteTraining.
type CompleteTrainingResult struct {
	Record *TrainingRecord
	Credit *CreditResult
	// Escalations lists the escalations whose TRAINING action was completed.
	Escalations []Escalation
}

// =============================================================================
// ASSIGNMENT
// =============================================================================

// AssignTraining assigns a course to an employee. An open record for the
// same course is returned unchanged instead of creating a second one.
func (e *Engine) AssignTraining(ctx context.Context, employeeID UserID, courseID string, actor Actor) (*TrainingRecord, error) {
	const op = "AssignTraining"
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if !actor.IsAdmin {
		return nil, forbidden(actor, op, "only administrators may assign training")
	}
	if courseID == "" {
		return nil, invalid("course_id", "required")
	}
	if _, err := e.directory.UserByID(ctx, employeeID); err != nil {
		return nil, err
	}

	var rec *TrainingRecord
	err := e.run(ctx, op, func(ctx context.Context, s Store, out *outbox) error {
		var err error
		rec, _, err = e.assignTraining(ctx, s, out, employeeID, courseID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Engine) assignTraining(ctx context.Context, s Store, out *outbox, employeeID UserID, courseID string) (*TrainingRecord, bool, error) {
	course, err := s.GetTrainingCourse(ctx, courseID)
	if err != nil {
		return nil, false, err
	}
	existing, err := s.ListTrainingRecords(ctx, employeeID)
	if err != nil {
		return nil, false, err
	}
	for i := range existing {
		if existing[i].CourseID == course.ID && existing[i].Open() {
			return &existing[i], false, nil
		}
	}

	now := e.clock.Now()
	due := now.AddDate(0, 0, e.cfg.TrainingDueDays)
	rec := &TrainingRecord{
		ID:         TrainingRecordID(uuid.NewString()),
		EmployeeID: employeeID,
		CourseID:   course.ID,
		Status:     TrainingAssigned,
		AssignedAt: now,
		DueAt:      &due,
	}
	if err := s.InsertTrainingRecord(ctx, rec); err != nil {
		return nil, false, fmt.Errorf("failed to insert training record: %w", err)
	}
	out.add(NotifyTrainingAssigned, map[string]any{
		"training_record_id": string(rec.ID),
		"employee_id":        string(employeeID),
		"course_id":          course.ID,
		"course_name":        course.Name,
		"due_at":             due.Format(time.RFC3339),
	})
	e.logger.Info("training assigned",
		zap.String("employee_id", string(employeeID)),
		zap.String("course_id", course.ID),
	)
	return rec, true, nil
}

// =============================================================================
// COMPLETION
// =============================================================================

// StartTraining moves an assigned record to IN_PROGRESS.
func (e *Engine) StartTraining(ctx context.Context, recordID TrainingRecordID, actor Actor) (*TrainingRecord, error) {
	const op = "StartTraining"
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	var rec *TrainingRecord
	err := e.run(ctx, op, func(ctx context.Context, s Store, _ *outbox) error {
		r, err := s.GetTrainingRecord(ctx, recordID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin && actor.ID != r.EmployeeID {
			return forbidden(actor, op, "only the trainee or an administrator may start training")
		}
		if r.Status != TrainingAssigned && r.Status != TrainingOverdue {
			return &TransitionError{Entity: "training_record", ID: string(r.ID), Op: op, From: string(r.Status)}
		}
		r.Status = TrainingInProgress
		if err := s.UpdateTrainingRecord(ctx, r); err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// CompleteTraining marks the record COMPLETED, applies its credit and marks
// TRAINING done on the employee's open escalations, all in one transaction.
func (e *Engine) CompleteTraining(ctx context.Context, recordID TrainingRecordID, actor Actor) (*CompleteTrainingResult, error) {
	const op = "CompleteTraining"
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var result *CompleteTrainingResult
	err := e.run(ctx, op, func(ctx context.Context, s Store, out *outbox) error {
		r, err := s.GetTrainingRecord(ctx, recordID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin && actor.ID != r.EmployeeID {
			return forbidden(actor, op, "only the trainee or an administrator may complete training")
		}
		if !r.Open() {
			return &TransitionError{Entity: "training_record", ID: string(r.ID), Op: op, From: string(r.Status)}
		}

		now := e.clock.Now()
		r.Status = TrainingCompleted
		r.CompletedAt = &now
		if err := s.UpdateTrainingRecord(ctx, r); err != nil {
			return err
		}

		credit, err := e.creditTraining(ctx, s, out, r)
		if err != nil {
			return err
		}
		escalations, err := e.completeActionForEmployee(ctx, s, r.EmployeeID, ActionTraining, now)
		if err != nil {
			return err
		}
		result = &CompleteTrainingResult{Record: credit.Record, Credit: credit, Escalations: escalations}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// =============================================================================
// CREDIT
// =============================================================================

// ApplyTrainingCredit reverses the course's point credit for a completed
// training record. Calling it again for the same record changes nothing.
func (e *Engine) ApplyTrainingCredit(ctx context.Context, employeeID UserID, recordID TrainingRecordID) (*CreditResult, error) {
	if employeeID == "" {
		return nil, invalid("employee_id", "required")
	}
	if recordID == "" {
		return nil, invalid("training_record_id", "required")
	}

	var result *CreditResult
	err := e.run(ctx, "ApplyTrainingCredit", func(ctx context.Context, s Store, out *outbox) error {
		r, err := s.GetTrainingRecord(ctx, recordID)
		if err != nil {
			return err
		}
		if r.EmployeeID != employeeID {
			return &NotFoundError{Entity: "training_record", ID: string(recordID)}
		}
		if r.Status != TrainingCompleted {
			return &TransitionError{Entity: "training_record", ID: string(r.ID), Op: "ApplyTrainingCredit", From: string(r.Status)}
		}
		result, err = e.creditTraining(ctx, s, out, r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) creditTraining(ctx context.Context, s Store, out *outbox, r *TrainingRecord) (*CreditResult, error) {
	rec, err := e.ledger.Record(ctx, s, r.EmployeeID)
	if err != nil {
		return nil, err
	}
	if r.PointsCredited {
		return &CreditResult{Record: r, Total: rec.TotalPoints, Tier: rec.CurrentTier}, nil
	}

	course, err := s.GetTrainingCourse(ctx, r.CourseID)
	if err != nil {
		return nil, err
	}
	// The ledger clamps at zero, so the credit applied may be smaller than
	// the course's. The record keeps what was applied.
	applied := min(course.PointCredit, rec.TotalPoints)
	now := e.clock.Now()
	flipped, err := s.MarkTrainingCredited(ctx, r.ID, applied, now)
	if err != nil {
		return nil, fmt.Errorf("failed to mark training credited: %w", err)
	}
	if !flipped {
		return &CreditResult{Record: r, Total: rec.TotalPoints, Tier: rec.CurrentTier}, nil
	}
	r.PointsCredited = true
	r.CreditedPoints = applied
	r.CreditedAt = &now

	res, err := e.adjust(ctx, s, out, Adjustment{
		EmployeeID:       r.EmployeeID,
		Delta:            -course.PointCredit,
		Kind:             EventTrainingCredit,
		Reason:           "training " + course.Name + " completed",
		TrainingRecordID: r.ID,
	})
	if err != nil {
		return nil, err
	}

	out.add(NotifyTrainingCredited, map[string]any{
		"training_record_id": string(r.ID),
		"employee_id":        string(r.EmployeeID),
		"course_id":          course.ID,
		"credit":             -res.Event.Delta,
		"course_credit":      course.PointCredit,
		"total_points":       res.Total,
	})
	return &CreditResult{
		Record:  r,
		Applied: true,
		Credit:  -res.Event.Delta,
		Total:   res.Total,
		Tier:    res.Tier,
	}, nil
}
