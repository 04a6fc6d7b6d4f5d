/*
engine.go - Composition root for the contravention engine

PURPOSE:
  Engine is the handle every caller uses. It is constructed once at startup
  from explicit dependencies (store, directory, notifier, clock, logger,
  observer) and owns the Point Ledger, Escalation Policy and Reference
  Generator. There is no package-level state and no lazy wiring: tests build
  an Engine with an in-memory store, a fixed clock and a recording notifier.

OPERATIONS:
  Filing & edits   FileContravention, UpdateContravention, ReassignEmployee,
                   DeleteContravention, AcknowledgeContravention (status.go)
  Status machine   UploadApprovalDocument, MarkComplete (status.go)
  Approval         RequestApproval, ReviewApproval, ResubmitContravention,
                   ListApprovalHistory (approval.go)
  Training         AssignTraining, CompleteTraining, ApplyTrainingCredit
                   (training.go), CompleteEscalationAction (remedial.go)
  Maintenance      ResetFiscalYear, RecalculateEscalations,
                   SyncPointsFromContraventions (batch.go)
  Queries          GetContravention, GetEmployeePointsSummary (this file)

EXECUTION MODEL:
  Each operation runs inside exactly one TxStore.WithTx. Notifications are
  collected in an outbox during the transaction and handed to the Notifier
  only after commit; a failed operation sends nothing. Notifier errors are
  logged and dropped.

SEE ALSO:
  - store.go: Collaborator interfaces
  - api/handlers.go: HTTP surface over these operations
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/warp/contravention-engine/engine"

// DefaultTrainingDueDays is used when Config.TrainingDueDays is not set.
const DefaultTrainingDueDays = 30

// Config holds policy data. None of it is engine logic.
type Config struct {
	Policy   EscalationPolicy
	Calendar FiscalCalendar
	// DefaultTrainingCourse is auto-assigned when a tier increase requires
	// TRAINING. Empty disables auto-assignment.
	DefaultTrainingCourse string
	TrainingDueDays       int
	ReferencePrefix       string
}

// DefaultConfig returns the built-in policy with calendar fiscal years.
func DefaultConfig() Config {
	return Config{
		Policy:          DefaultEscalationPolicy(),
		Calendar:        FiscalCalendar{StartMonth: time.January},
		TrainingDueDays: DefaultTrainingDueDays,
		ReferencePrefix: ReferencePrefix,
	}
}

// Deps are the collaborators the engine consumes. Store and Directory are
// required; the rest default to no-op / system implementations.
type Deps struct {
	Store     TxStore
	Directory Directory
	Notifier  Notifier
	Clock     Clock
	Logger    *zap.Logger
	Observer  Observer
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store     TxStore
	directory Directory
	notifier  Notifier
	clock     Clock
	logger    *zap.Logger
	observer  Observer
	tracer    trace.Tracer

	cfg    Config
	ledger *PointLedger
	refs   ReferenceGenerator
}

func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if deps.Directory == nil {
		return nil, fmt.Errorf("engine: directory is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	if cfg.TrainingDueDays <= 0 {
		cfg.TrainingDueDays = DefaultTrainingDueDays
	}

	return &Engine{
		store:     deps.Store,
		directory: deps.Directory,
		notifier:  deps.Notifier,
		clock:     deps.Clock,
		logger:    deps.Logger,
		observer:  deps.Observer,
		tracer:    otel.Tracer(tracerName),
		cfg:       cfg,
		ledger:    NewPointLedger(cfg.Policy, cfg.Calendar, deps.Clock, deps.Logger.Named("ledger"), deps.Observer),
		refs:      ReferenceGenerator{Prefix: cfg.ReferencePrefix},
	}, nil
}

// Ledger exposes the point ledger, e.g. for maintenance tooling.
func (e *Engine) Ledger() *PointLedger { return e.ledger }

// Policy returns the active escalation policy.
func (e *Engine) Policy() EscalationPolicy { return e.cfg.Policy }

// Calendar returns the configured fiscal calendar.
func (e *Engine) Calendar() FiscalCalendar { return e.cfg.Calendar }

// run executes fn inside one transaction, records the outcome and flushes
// the outbox after a successful commit.
func (e *Engine) run(ctx context.Context, op string, fn func(ctx context.Context, s Store, out *outbox) error) error {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine."+op)
	defer span.End()

	out := &outbox{at: e.clock.Now()}
	err := e.store.WithTx(ctx, func(s Store) error {
		out.items = out.items[:0]
		return fn(ctx, s, out)
	})

	kind := KindOf(err)
	e.observer.OperationCompleted(op, kind, time.Since(start))
	if err != nil {
		span.SetAttributes(attribute.String("engine.error_kind", string(kind)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if kind == KindInternal {
			e.logger.Error("operation failed", zap.String("op", op), zap.Error(err))
		} else {
			e.logger.Debug("operation rejected", zap.String("op", op), zap.String("kind", string(kind)), zap.Error(err))
		}
		return err
	}

	e.flush(ctx, out)
	return nil
}

func (e *Engine) flush(ctx context.Context, out *outbox) {
	if len(out.items) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, n := range out.items {
		err := e.notifier.Notify(ctx, n)
		e.observer.NotificationDispatched(n.Kind, err)
		if err != nil {
			e.logger.Warn("notification dropped",
				zap.String("kind", string(n.Kind)),
				zap.Error(err),
			)
		}
	}
}

// afterAdjustment handles the side effects of a ledger change: escalation
// notification and training auto-assignment.
func (e *Engine) afterAdjustment(ctx context.Context, s Store, out *outbox, res *AdjustmentResult) error {
	if res == nil || res.Escalation == nil {
		return nil
	}
	out.escalation(res.Escalation)
	return e.assignForEscalation(ctx, s, out, res.Escalation)
}

func (e *Engine) adjust(ctx context.Context, s Store, out *outbox, adj Adjustment) (*AdjustmentResult, error) {
	res, err := e.ledger.AddPoints(ctx, s, adj)
	if err != nil {
		return nil, err
	}
	return res, e.afterAdjustment(ctx, s, out, res)
}

// =============================================================================
// QUERIES
// =============================================================================

// GetContravention returns the contravention or a NotFound error.
func (e *Engine) GetContravention(ctx context.Context, id ContraventionID) (*Contravention, error) {
	var c *Contravention
	err := e.run(ctx, "GetContravention", func(ctx context.Context, s Store, _ *outbox) error {
		var err error
		c, err = s.GetContravention(ctx, id)
		return err
	})
	return c, err
}

// PointsSummary is the per-employee view of the ledger.
type PointsSummary struct {
	EmployeeID     UserID
	TotalPoints    int
	Tier           Tier
	FiscalYear     string
	ResetAt        time.Time
	NextTier       Tier
	PointsToNext   int
	History        []PointEvent
	Escalations    []Escalation
	Training       []TrainingRecord
	Contraventions []Contravention
}

// GetEmployeePointsSummary returns totals, history since the last reset,
// escalations, training records and contraventions for one employee.
func (e *Engine) GetEmployeePointsSummary(ctx context.Context, employeeID UserID) (*PointsSummary, error) {
	if _, err := e.directory.UserByID(ctx, employeeID); err != nil {
		return nil, err
	}

	var sum *PointsSummary
	err := e.run(ctx, "GetEmployeePointsSummary", func(ctx context.Context, s Store, _ *outbox) error {
		rec, err := e.ledger.Record(ctx, s, employeeID)
		if err != nil {
			return err
		}
		history, err := s.ListPointEvents(ctx, employeeID, rec.ResetAt)
		if err != nil {
			return err
		}
		escalations, err := s.ListEscalations(ctx, employeeID)
		if err != nil {
			return err
		}
		training, err := s.ListTrainingRecords(ctx, employeeID)
		if err != nil {
			return err
		}
		contraventions, err := s.ListContraventionsByEmployee(ctx, employeeID)
		if err != nil {
			return err
		}

		sum = &PointsSummary{
			EmployeeID:     employeeID,
			TotalPoints:    rec.TotalPoints,
			Tier:           rec.CurrentTier,
			FiscalYear:     rec.FiscalYear,
			ResetAt:        rec.ResetAt,
			NextTier:       TierNone,
			History:        history,
			Escalations:    escalations,
			Training:       training,
			Contraventions: contraventions,
		}
		for _, l := range e.cfg.Policy.Levels {
			if l.MinPoints > rec.TotalPoints {
				sum.NextTier = l.Tier
				sum.PointsToNext = l.MinPoints - rec.TotalPoints
				break
			}
		}
		return nil
	})
	return sum, err
}
