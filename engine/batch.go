/*
batch.go - Fiscal-Year Reset / Recalculation Batch

PURPOSE:
  Maintenance operations that sweep every employee point record.

OPERATIONS:
  ResetFiscalYear          archive each total under the closing fiscal-year
                           label, then zero total and tier and move the
                           record into the open year. One transaction; an
                           employee already archived under the label, or
                           whose record already belongs to the open year, is
                           skipped, so re-running is harmless.
  RecalculateEscalations   re-tier every record from its current total after
                           a threshold change. Totals are never touched.
  SyncPointsFromContraventions
                           rebuild each total from source records:

                             target = Σ contravention points (filed since ResetAt)
                                    − training credit outstanding

                           The credit term replays the point events since
                           ResetAt: each TRAINING_CREDIT adds what it applied,
                           and a clamped DELETION, OVERRIDE or TRANSFER
                           removes what it could not take back, down to zero.
                           MANUAL and RECONCILIATION events are ignored. Drift
                           is corrected with one RECONCILIATION event and
                           reported, not failed.

PRIOR YEARS:
  A contravention filed before its employee's ResetAt was archived with the
  closed year. Deleting, reassigning or re-pointing it changes the row but
  not the open-year ledger, matching what sync counts.

ESCALATIONS:
  Recalculation and sync create escalations on upward tier changes, the same
  way the ledger does. Downward changes leave escalation history as it is.

SEE ALSO:
  - ledger.go: SetTotal, RetierRecord
  - api/scheduler.go: Automatic reset at fiscal-year rollover
*/
package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// =============================================================================
// FISCAL-YEAR RESET
// =============================================================================

type ResetReport struct {
	// FiscalYear is the closing year the totals were archived under.
	FiscalYear string
	// OpenYear is the year the reset records now belong to.
	OpenYear string
	Reset    []UserID
	// Skipped lists employees already archived under FiscalYear or already
	// in OpenYear.
	Skipped []UserID
}

// ResetFiscalYear archives and zeroes every point record. closing names the
// fiscal year being closed; empty means the year before the current one.
func (e *Engine) ResetFiscalYear(ctx context.Context, closing string) (*ResetReport, error) {
	report := &ResetReport{}
	err := e.run(ctx, "ResetFiscalYear", func(ctx context.Context, s Store, out *outbox) error {
		now := e.clock.Now()
		open := e.cfg.Calendar.Label(now)
		label := closing
		if label == "" {
			label = e.cfg.Calendar.PreviousLabel(now)
		}
		*report = ResetReport{FiscalYear: label, OpenYear: open}

		records, err := s.ListPointRecords(ctx)
		if err != nil {
			return fmt.Errorf("failed to list point records: %w", err)
		}
		for i := range records {
			rec := &records[i]
			done, err := s.HasPointArchive(ctx, rec.EmployeeID, label)
			if err != nil {
				return err
			}
			if done || (rec.FiscalYear == open && label != open) {
				report.Skipped = append(report.Skipped, rec.EmployeeID)
				continue
			}
			if err := s.InsertPointArchive(ctx, PointArchive{
				EmployeeID:  rec.EmployeeID,
				FiscalYear:  label,
				TotalPoints: rec.TotalPoints,
				Tier:        rec.CurrentTier,
				ArchivedAt:  now,
			}); err != nil {
				return fmt.Errorf("failed to archive %s: %w", rec.EmployeeID, err)
			}

			expected := rec.Version
			rec.TotalPoints = 0
			rec.CurrentTier = TierNone
			rec.FiscalYear = open
			rec.ResetAt = now
			rec.UpdatedAt = now
			if err := s.SavePointRecord(ctx, rec, expected); err != nil {
				return err
			}
			report.Reset = append(report.Reset, rec.EmployeeID)
		}

		if len(report.Reset) > 0 {
			out.add(NotifyFiscalYearReset, map[string]any{
				"fiscal_year": label,
				"open_year":   open,
				"employees":   len(report.Reset),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("fiscal year reset",
		zap.String("fiscal_year", report.FiscalYear),
		zap.Int("reset", len(report.Reset)),
		zap.Int("skipped", len(report.Skipped)),
	)
	return report, nil
}

// =============================================================================
// RECALCULATION
// =============================================================================

type TierChange struct {
	EmployeeID UserID
	From       Tier
	To         Tier
	Escalation *Escalation
}

type RecalcReport struct {
	Checked int
	Changed []TierChange
}

// RecalculateEscalations replays every current total through the policy and
// rewrites the cached tier.
func (e *Engine) RecalculateEscalations(ctx context.Context) (*RecalcReport, error) {
	report := &RecalcReport{}
	err := e.run(ctx, "RecalculateEscalations", func(ctx context.Context, s Store, out *outbox) error {
		*report = RecalcReport{}
		records, err := s.ListPointRecords(ctx)
		if err != nil {
			return fmt.Errorf("failed to list point records: %w", err)
		}
		for i := range records {
			rec := &records[i]
			from := rec.CurrentTier
			changed, esc, err := e.ledger.RetierRecord(ctx, s, rec)
			if err != nil {
				return err
			}
			report.Checked++
			if !changed {
				continue
			}
			if err := e.afterAdjustment(ctx, s, out, &AdjustmentResult{Escalation: esc}); err != nil {
				return err
			}
			report.Changed = append(report.Changed, TierChange{
				EmployeeID: rec.EmployeeID,
				From:       from,
				To:         rec.CurrentTier,
				Escalation: esc,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("escalations recalculated",
		zap.Int("checked", report.Checked),
		zap.Int("changed", len(report.Changed)),
	)
	return report, nil
}

// =============================================================================
// SYNC
// =============================================================================

// Drift is one corrected divergence between the ledger and source records.
type Drift struct {
	EmployeeID UserID
	Ledger     int
	Expected   int
	Tier       Tier
}

type SyncReport struct {
	Checked int
	Drift   []Drift
	// Retiered lists employees whose total matched but whose cached tier was
	// stale.
	Retiered []UserID
}

// Err returns a *DriftError when drift was corrected, nil otherwise. The
// sync itself succeeded either way.
func (r *SyncReport) Err() error {
	if r == nil || len(r.Drift) == 0 {
		return nil
	}
	ids := make([]UserID, 0, len(r.Drift))
	for _, d := range r.Drift {
		ids = append(ids, d.EmployeeID)
	}
	return &DriftError{Employees: ids}
}

// SyncPointsFromContraventions rebuilds every total from contraventions and
// credited training. Running it on a consistent ledger changes nothing.
func (e *Engine) SyncPointsFromContraventions(ctx context.Context) (*SyncReport, error) {
	report := &SyncReport{}
	err := e.run(ctx, "SyncPointsFromContraventions", func(ctx context.Context, s Store, out *outbox) error {
		*report = SyncReport{}
		records, err := s.ListPointRecords(ctx)
		if err != nil {
			return fmt.Errorf("failed to list point records: %w", err)
		}
		for i := range records {
			rec := &records[i]
			target, err := e.expectedTotal(ctx, s, rec)
			if err != nil {
				return err
			}
			report.Checked++

			if target != rec.TotalPoints {
				res, err := e.ledger.SetTotal(ctx, s, rec.EmployeeID, target, EventReconciliation,
					fmt.Sprintf("reconciled from %d to %d", rec.TotalPoints, target))
				if err != nil {
					return err
				}
				if err := e.afterAdjustment(ctx, s, out, res); err != nil {
					return err
				}
				report.Drift = append(report.Drift, Drift{
					EmployeeID: rec.EmployeeID,
					Ledger:     rec.TotalPoints,
					Expected:   target,
					Tier:       res.Tier,
				})
				e.logger.Warn("point drift corrected",
					zap.String("employee_id", string(rec.EmployeeID)),
					zap.Int("ledger", rec.TotalPoints),
					zap.Int("expected", target),
				)
				continue
			}

			changed, esc, err := e.ledger.RetierRecord(ctx, s, rec)
			if err != nil {
				return err
			}
			if changed {
				report.Retiered = append(report.Retiered, rec.EmployeeID)
				if err := e.afterAdjustment(ctx, s, out, &AdjustmentResult{Escalation: esc}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("points synced",
		zap.Int("checked", report.Checked),
		zap.Int("drift", len(report.Drift)),
	)
	return report, nil
}

func (e *Engine) expectedTotal(ctx context.Context, s Store, rec *PointRecord) (int, error) {
	contraventions, err := s.ListContraventionsByEmployee(ctx, rec.EmployeeID)
	if err != nil {
		return 0, err
	}
	events, err := s.ListPointEvents(ctx, rec.EmployeeID, rec.ResetAt)
	if err != nil {
		return 0, err
	}

	total := 0
	for i := range contraventions {
		if inPeriod(&contraventions[i], rec) {
			total += contraventions[i].Points
		}
	}
	total -= outstandingCredit(events)
	if total < 0 {
		total = 0
	}
	return total, nil
}

// outstandingCredit replays events in order and returns the training credit
// still held against the employee's contraventions. A contravention reversal
// clamped at zero absorbs credit, up to the credit outstanding at the time.
func outstandingCredit(events []PointEvent) int {
	credit := 0
	for _, ev := range events {
		switch ev.Kind {
		case EventTrainingCredit:
			credit -= ev.Delta
		case EventDeletion, EventOverride, EventTransfer:
			if unapplied := ev.Delta - ev.Requested; unapplied > 0 {
				credit -= min(unapplied, credit)
			}
		}
	}
	return credit
}

// inPeriod reports whether c's points are carried by rec. Contraventions
// filed before the record's last reset were archived with the closed year.
func inPeriod(c *Contravention, rec *PointRecord) bool {
	return !c.CreatedAt.Before(rec.ResetAt)
}
