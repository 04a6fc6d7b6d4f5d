/*
ledger.go - Point Ledger

PURPOSE:
  The Point Ledger is the sole writer of employee point totals and cached
  tiers. Every change appends a PointEvent to the employee's history and
  rewrites the PointRecord in the same transaction, so the two invariants
  hold after every commit:

    TotalPoints == sum(PointEvent.Delta since ResetAt)
    CurrentTier == EscalationPolicy.TierFor(TotalPoints)

CLAMPING:
  Totals never go below zero. A reversal larger than the current total is
  clamped: the applied Delta is -total, Requested keeps the caller's amount,
  and the clamp is logged at WARN. The unapplied remainder is not carried
  forward.

CONCURRENCY:
  The record is read, modified and written back with SavePointRecord's
  compare-and-swap on Version. Two interleaved adjustments for the same
  employee cannot both succeed: the loser gets ErrConcurrencyConflict and
  its transaction rolls back. Different employees never contend.

ESCALATION:
  A tier increase creates one Escalation for the new tier with that tier's
  required actions. A decrease leaves existing escalations untouched.

EXAMPLE:
  res, err := ledger.AddPoints(ctx, tx, Adjustment{
      EmployeeID: "emp-1", Delta: 4, Kind: EventContravention,
      Reason: "PC-2026-000001 filed", ContraventionID: c.ID,
  })
  // res.Total == 7, res.Tier == TIER_1, res.Escalation != nil

SEE ALSO:
  - escalation.go: TierFor
  - batch.go: Reset, recalculation and sync built on the ledger
*/
package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// ADJUSTMENTS
// =============================================================================

// Adjustment is one requested change to an employee's total.
type Adjustment struct {
	EmployeeID       UserID
	Delta            int
	Kind             PointEventKind
	Reason           string
	ContraventionID  ContraventionID
	TrainingRecordID TrainingRecordID
}

// AdjustmentResult is the state after an adjustment was applied.
type AdjustmentResult struct {
	Event        PointEvent
	Total        int
	Tier         Tier
	PreviousTier Tier
	// Escalation is set when the adjustment raised the tier.
	Escalation *Escalation
}

// =============================================================================
// POINT LEDGER
// =============================================================================

type PointLedger struct {
	Policy   EscalationPolicy
	Calendar FiscalCalendar
	Clock    Clock
	Logger   *zap.Logger
	Observer Observer
}

func NewPointLedger(policy EscalationPolicy, calendar FiscalCalendar, clock Clock, logger *zap.Logger, observer Observer) *PointLedger {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &PointLedger{Policy: policy, Calendar: calendar, Clock: clock, Logger: logger, Observer: observer}
}

// Record returns the employee's point record, or a zero record (version 0,
// not yet persisted) when none exists.
func (l *PointLedger) Record(ctx context.Context, s PointStore, employeeID UserID) (*PointRecord, error) {
	rec, err := s.GetPointRecord(ctx, employeeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load point record: %w", err)
	}
	if rec == nil {
		rec = &PointRecord{EmployeeID: employeeID, CurrentTier: TierNone}
	}
	return rec, nil
}

// AddPoints applies adj, clamping the total at zero.
func (l *PointLedger) AddPoints(ctx context.Context, s Store, adj Adjustment) (*AdjustmentResult, error) {
	if adj.EmployeeID == "" {
		return nil, invalid("employee_id", "required")
	}
	rec, err := l.Record(ctx, s, adj.EmployeeID)
	if err != nil {
		return nil, err
	}

	prevTier := rec.CurrentTier
	if adj.Delta == 0 {
		return &AdjustmentResult{Total: rec.TotalPoints, Tier: prevTier, PreviousTier: prevTier}, nil
	}

	applied := adj.Delta
	if rec.TotalPoints+applied < 0 {
		applied = -rec.TotalPoints
		l.Logger.Warn("point reversal clamped at zero",
			zap.String("employee_id", string(adj.EmployeeID)),
			zap.Int("requested", adj.Delta),
			zap.Int("applied", applied),
			zap.Int("total_before", rec.TotalPoints),
			zap.String("reason", adj.Reason),
		)
	}

	now := l.Clock.Now()
	expected := rec.Version
	if expected == 0 {
		rec.FiscalYear = l.Calendar.Label(now)
	}
	rec.TotalPoints += applied
	rec.CurrentTier = l.Policy.TierFor(rec.TotalPoints)
	rec.UpdatedAt = now
	if err := s.SavePointRecord(ctx, rec, expected); err != nil {
		return nil, err
	}

	ev := PointEvent{
		ID:               PointEventID(uuid.NewString()),
		EmployeeID:       adj.EmployeeID,
		Kind:             adj.Kind,
		Delta:            applied,
		Requested:        adj.Delta,
		Reason:           adj.Reason,
		ContraventionID:  adj.ContraventionID,
		TrainingRecordID: adj.TrainingRecordID,
		At:               now,
	}
	if err := s.AppendPointEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to append point event: %w", err)
	}
	l.Observer.PointsAdjusted(applied, ev.Clamped())

	res := &AdjustmentResult{
		Event:        ev,
		Total:        rec.TotalPoints,
		Tier:         rec.CurrentTier,
		PreviousTier: prevTier,
	}
	if IsIncrease(prevTier, rec.CurrentTier) {
		esc, err := l.escalate(ctx, s, adj.EmployeeID, rec.CurrentTier)
		if err != nil {
			return nil, err
		}
		res.Escalation = esc
	}
	return res, nil
}

// Reverse removes amount points from the employee. amount must not be
// negative; anything beyond the current total is clamped.
func (l *PointLedger) Reverse(ctx context.Context, s Store, employeeID UserID, amount int, kind PointEventKind, reason string, ref ContraventionID) (*AdjustmentResult, error) {
	if amount < 0 {
		return nil, invalid("amount", "reversal amount must not be negative")
	}
	return l.AddPoints(ctx, s, Adjustment{
		EmployeeID:      employeeID,
		Delta:           -amount,
		Kind:            kind,
		Reason:          reason,
		ContraventionID: ref,
	})
}

// Transfer moves a contravention's weight between employees: from loses
// fromAmount, to gains toAmount. Both adjustments run on the same Store, so
// they commit or roll back together.
func (l *PointLedger) Transfer(ctx context.Context, s Store, from, to UserID, fromAmount, toAmount int, ref ContraventionID, reason string) (out, in *AdjustmentResult, err error) {
	out, err = l.Reverse(ctx, s, from, fromAmount, EventTransfer, reason, ref)
	if err != nil {
		return nil, nil, fmt.Errorf("transfer out of %s: %w", from, err)
	}
	in, err = l.AddPoints(ctx, s, Adjustment{
		EmployeeID:      to,
		Delta:           toAmount,
		Kind:            EventTransfer,
		Reason:          reason,
		ContraventionID: ref,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("transfer into %s: %w", to, err)
	}
	return out, in, nil
}

// SetTotal moves the employee's total to target (clamped at zero) with a
// single event of the given kind.
func (l *PointLedger) SetTotal(ctx context.Context, s Store, employeeID UserID, target int, kind PointEventKind, reason string) (*AdjustmentResult, error) {
	if target < 0 {
		target = 0
	}
	rec, err := l.Record(ctx, s, employeeID)
	if err != nil {
		return nil, err
	}
	return l.AddPoints(ctx, s, Adjustment{
		EmployeeID: employeeID,
		Delta:      target - rec.TotalPoints,
		Kind:       kind,
		Reason:     reason,
	})
}

// RetierRecord rewrites the cached tier of rec from its current total. The
// total is not touched. Returns the escalation created on an increase.
func (l *PointLedger) RetierRecord(ctx context.Context, s Store, rec *PointRecord) (changed bool, esc *Escalation, err error) {
	tier := l.Policy.TierFor(rec.TotalPoints)
	if tier == rec.CurrentTier {
		return false, nil, nil
	}
	prev := rec.CurrentTier
	expected := rec.Version
	rec.CurrentTier = tier
	rec.UpdatedAt = l.Clock.Now()
	if err := s.SavePointRecord(ctx, rec, expected); err != nil {
		return false, nil, err
	}
	if IsIncrease(prev, tier) {
		esc, err = l.escalate(ctx, s, rec.EmployeeID, tier)
		if err != nil {
			return false, nil, err
		}
	}
	l.Logger.Info("escalation tier recalculated",
		zap.String("employee_id", string(rec.EmployeeID)),
		zap.String("from", string(prev)),
		zap.String("to", string(tier)),
	)
	return true, esc, nil
}

func (l *PointLedger) escalate(ctx context.Context, s EscalationStore, employeeID UserID, tier Tier) (*Escalation, error) {
	esc := &Escalation{
		ID:               EscalationID(uuid.NewString()),
		EmployeeID:       employeeID,
		Tier:             tier,
		RequiredActions:  l.Policy.ActionsFor(tier),
		CompletedActions: []RemedialAction{},
		TriggeredAt:      l.Clock.Now(),
	}
	if err := s.InsertEscalation(ctx, esc); err != nil {
		return nil, fmt.Errorf("failed to record escalation: %w", err)
	}
	l.Observer.EscalationTriggered(tier)
	l.Logger.Info("escalation triggered",
		zap.String("employee_id", string(employeeID)),
		zap.String("tier", string(tier)),
	)
	return esc, nil
}
