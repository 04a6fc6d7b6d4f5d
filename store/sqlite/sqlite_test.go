package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/contravention-engine/engine"
)

var at = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.SaveContraventionType(ctx, engine.ContraventionType{ID: "no-po", Name: "No purchase order", DefaultPoints: 3}))
	require.NoError(t, s.SaveTrainingCourse(ctx, engine.TrainingCourse{ID: "proc-101", Name: "Procurement basics", PointCredit: 2}))
	return s
}

func sampleContravention(id engine.ContraventionID, ref string) *engine.Contravention {
	return &engine.Contravention{
		ID:           id,
		Reference:    ref,
		EmployeeID:   "emp-1",
		LoggerID:     "filer",
		TypeID:       "no-po",
		Description:  "Laptop bought without a purchase order",
		Value:        decimal.RequireFromString("1234.56"),
		IncidentDate: at.AddDate(0, 0, -3),
		Points:       3,
		Documents:    []string{"doc://receipt.pdf"},
		Status:       engine.StatusPendingUpload,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

// =============================================================================
// CONTRAVENTIONS
// =============================================================================

func TestContravention_RoundTrip(t *testing.T) {
	// GIVEN
	s := newTestStore(t)
	ctx := context.Background()
	c := sampleContravention("c1", "PC-2026-000001")

	// WHEN
	require.NoError(t, s.InsertContravention(ctx, c))
	got, err := s.GetContravention(ctx, "c1")

	// THEN
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, c.Reference, got.Reference)
	assert.True(t, c.Value.Equal(got.Value))
	assert.True(t, c.IncidentDate.Equal(got.IncidentDate))
	assert.Equal(t, []string{"doc://receipt.pdf"}, got.Documents)
	assert.Nil(t, got.ResolvedAt)
	assert.Nil(t, got.AcknowledgedBy)

	_, err = s.GetContravention(ctx, "missing")
	assert.True(t, engine.IsNotFound(err))
}

func TestContravention_OptimisticConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertContravention(ctx, sampleContravention("c1", "PC-2026-000001")))

	first, err := s.GetContravention(ctx, "c1")
	require.NoError(t, err)
	second, err := s.GetContravention(ctx, "c1")
	require.NoError(t, err)

	resolvedBy := engine.UserID("admin")
	first.Status = engine.StatusCompleted
	first.ResolvedAt = &at
	first.ResolvedBy = &resolvedBy
	require.NoError(t, s.UpdateContravention(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.Description = "lost update"
	err = s.UpdateContravention(ctx, second)
	assert.True(t, errors.Is(err, engine.ErrConcurrencyConflict))

	got, err := s.GetContravention(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, got.Status)
	require.NotNil(t, got.ResolvedBy)
	assert.Equal(t, resolvedBy, *got.ResolvedBy)
}

func TestReferenceSequence_PerYear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		n, err := s.NextReferenceSequence(ctx, 2026)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	n, err := s.NextReferenceSequence(ctx, 2027)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// =============================================================================
// APPROVALS
// =============================================================================

func TestApprovals_OnePendingAndHistoryOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertContravention(ctx, sampleContravention("c1", "PC-2026-000001")))

	first := &engine.ApprovalRequest{ID: "a1", ContraventionID: "c1", ApproverID: "approver-a", Status: engine.ApprovalPending, CreatedAt: at}
	require.NoError(t, s.InsertApproval(ctx, first))

	err := s.InsertApproval(ctx, &engine.ApprovalRequest{ID: "a2", ContraventionID: "c1", ApproverID: "approver-b", Status: engine.ApprovalPending, CreatedAt: at})
	assert.Error(t, err, "second pending request")

	reviewer := engine.UserID("approver-a")
	first.Status = engine.ApprovalRejected
	first.Notes = "missing invoice"
	first.ReviewedBy = &reviewer
	first.ReviewedAt = &at
	require.NoError(t, s.UpdateApproval(ctx, first))
	require.NoError(t, s.InsertApproval(ctx, &engine.ApprovalRequest{ID: "a2", ContraventionID: "c1", ApproverID: "approver-b", Status: engine.ApprovalPending, CreatedAt: at}))

	history, err := s.ListApprovals(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, engine.ApprovalID("a1"), history[0].ID)
	assert.Equal(t, "missing invoice", history[0].Notes)
	assert.Equal(t, engine.ApprovalID("a2"), history[1].ID)

	pending, err := s.PendingApproval(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, engine.ApprovalID("a2"), pending.ID)

	require.NoError(t, s.DeleteApprovals(ctx, "c1"))
	require.NoError(t, s.DeleteContravention(ctx, "c1"))
	history, err = s.ListApprovals(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

// =============================================================================
// POINTS
// =============================================================================

func TestPointRecord_CompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &engine.PointRecord{EmployeeID: "emp-1", TotalPoints: 3, CurrentTier: engine.TierNone, FiscalYear: "FY2026", UpdatedAt: at}
	require.NoError(t, s.SavePointRecord(ctx, rec, 0))
	assert.Equal(t, int64(1), rec.Version)

	err := s.SavePointRecord(ctx, &engine.PointRecord{EmployeeID: "emp-1", CurrentTier: engine.TierNone, UpdatedAt: at}, 0)
	assert.True(t, errors.Is(err, engine.ErrConcurrencyConflict), "insert over existing")

	rec.TotalPoints = 7
	rec.CurrentTier = engine.Tier1
	require.NoError(t, s.SavePointRecord(ctx, rec, 1))

	err = s.SavePointRecord(ctx, rec, 1)
	assert.True(t, errors.Is(err, engine.ErrConcurrencyConflict), "stale version")

	got, err := s.GetPointRecord(ctx, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, 7, got.TotalPoints)
	assert.Equal(t, engine.Tier1, got.CurrentTier)
	assert.Equal(t, int64(2), got.Version)
	assert.True(t, got.ResetAt.IsZero())

	missing, err := s.GetPointRecord(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPointEventsAndArchives(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendPointEvent(ctx, engine.PointEvent{ID: "e1", EmployeeID: "emp-1", Kind: engine.EventContravention, Delta: 3, Requested: 3, At: at.Add(-time.Hour)}))
	require.NoError(t, s.AppendPointEvent(ctx, engine.PointEvent{ID: "e2", EmployeeID: "emp-1", Kind: engine.EventDeletion, Delta: -2, Requested: -5, At: at}))

	events, err := s.ListPointEvents(ctx, "emp-1", at)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, -5, events[0].Requested)
	assert.True(t, events[0].Clamped())

	all, err := s.ListPointEvents(ctx, "emp-1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	archive := engine.PointArchive{EmployeeID: "emp-1", FiscalYear: "FY2026", TotalPoints: 1, Tier: engine.TierNone, ArchivedAt: at}
	require.NoError(t, s.InsertPointArchive(ctx, archive))
	err = s.InsertPointArchive(ctx, archive)
	assert.True(t, errors.Is(err, engine.ErrConcurrencyConflict))

	ok, err := s.HasPointArchive(ctx, "emp-1", "FY2026")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.HasPointArchive(ctx, "emp-1", "FY2025")
	require.NoError(t, err)
	assert.False(t, ok)
}

// =============================================================================
// ESCALATIONS AND TRAINING
// =============================================================================

func TestEscalation_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	esc := &engine.Escalation{
		ID:              "x1",
		EmployeeID:      "emp-1",
		Tier:            engine.Tier2,
		RequiredActions: []engine.RemedialAction{engine.ActionTraining, engine.ActionManagerNotice},
		TriggeredAt:     at,
	}
	require.NoError(t, s.InsertEscalation(ctx, esc))

	esc.CompletedActions = []engine.RemedialAction{engine.ActionTraining}
	require.NoError(t, s.UpdateEscalation(ctx, esc))

	got, err := s.GetEscalation(ctx, "x1")
	require.NoError(t, err)
	assert.Equal(t, esc.RequiredActions, got.RequiredActions)
	assert.Equal(t, []engine.RemedialAction{engine.ActionTraining}, got.CompletedActions)
	assert.Nil(t, got.CompletedAt)

	list, err := s.ListEscalations(ctx, "emp-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTraining_CreditFlipsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	due := at.AddDate(0, 0, 30)
	require.NoError(t, s.InsertTrainingRecord(ctx, &engine.TrainingRecord{
		ID: "t1", EmployeeID: "emp-1", CourseID: "proc-101",
		Status: engine.TrainingCompleted, AssignedAt: at, DueAt: &due, CompletedAt: &at,
	}))

	flipped, err := s.MarkTrainingCredited(ctx, "t1", 2, at)
	require.NoError(t, err)
	assert.True(t, flipped)

	flipped, err = s.MarkTrainingCredited(ctx, "t1", 2, at)
	require.NoError(t, err)
	assert.False(t, flipped)

	got, err := s.GetTrainingRecord(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, got.PointsCredited)
	assert.Equal(t, 2, got.CreditedPoints)
	require.NotNil(t, got.DueAt)
	assert.True(t, due.Equal(*got.DueAt))

	_, err = s.MarkTrainingCredited(ctx, "missing", 2, at)
	assert.True(t, engine.IsNotFound(err))
}

// =============================================================================
// TRANSACTIONS, DIRECTORY AND RESET
// =============================================================================

func TestWithTx_RollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx engine.Store) error {
		if err := tx.InsertContravention(ctx, sampleContravention("c1", "PC-2026-000001")); err != nil {
			return err
		}
		if err := tx.SavePointRecord(ctx, &engine.PointRecord{EmployeeID: "emp-1", TotalPoints: 3, CurrentTier: engine.TierNone, UpdatedAt: at}, 0); err != nil {
			return err
		}
		return errors.New("later step failed")
	})
	require.Error(t, err)

	_, err = s.GetContravention(ctx, "c1")
	assert.True(t, engine.IsNotFound(err))
	rec, err := s.GetPointRecord(ctx, "emp-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestEncodeJSON(t *testing.T) {
	got, err := encodeJSON("documents", []string{"doc://a"})
	require.NoError(t, err)
	assert.Equal(t, `["doc://a"]`, got)

	got, err = encodeJSON("documents", []string(nil))
	require.NoError(t, err)
	assert.Equal(t, "null", got)

	_, err = encodeJSON("documents", make(chan int))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to encode documents")
}

func TestDirectory_CaseInsensitiveEmail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveUser(ctx, engine.User{ID: "approver-a", Email: "Finance.Lead@Example.com", Name: "Finance Lead"}))

	u, err := s.UserByEmail(ctx, "finance.lead@example.com")
	require.NoError(t, err)
	assert.Equal(t, engine.UserID("approver-a"), u.ID)

	_, err = s.UserByEmail(ctx, "nobody@example.com")
	assert.True(t, engine.IsNotFound(err))
	_, err = s.UserByID(ctx, "nobody")
	assert.True(t, engine.IsNotFound(err))
}

func TestReset_ClearsEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveUser(ctx, engine.User{ID: "u1", Email: "u1@example.com", Name: "U1"}))
	require.NoError(t, s.InsertContravention(ctx, sampleContravention("c1", "PC-2026-000001")))

	require.NoError(t, s.Reset(ctx))

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
	_, err = s.GetContraventionType(ctx, "no-po")
	assert.True(t, engine.IsNotFound(err))
}

// =============================================================================
// ENGINE OVER SQLITE
// =============================================================================

func TestEngine_FileAndDeleteOverSQLite(t *testing.T) {
	// GIVEN: An engine backed by the SQLite store
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveUser(ctx, engine.User{ID: "filer", Email: "filer@example.com", Name: "Filer"}))
	require.NoError(t, s.SaveUser(ctx, engine.User{ID: "emp-1", Email: "emp1@example.com", Name: "Employee"}))
	require.NoError(t, s.SaveUser(ctx, engine.User{ID: "approver-a", Email: "a@example.com", Name: "Approver"}))

	eng, err := engine.New(engine.Deps{Store: s, Directory: s, Clock: engine.NewFixedClock(at)}, engine.DefaultConfig())
	require.NoError(t, err)

	filer := engine.Actor{ID: "filer"}
	var last *engine.FileResult
	for i := 0; i < 2; i++ {
		last, err = eng.FileContravention(ctx, engine.FileInput{
			Filer:         filer,
			EmployeeID:    "emp-1",
			TypeID:        "no-po",
			Description:   "No purchase order",
			Value:         decimal.NewFromInt(500),
			IncidentDate:  at.AddDate(0, 0, -1),
			ApproverEmail: "A@example.com",
		})
		require.NoError(t, err)
	}

	// THEN: 6 points reaches TIER_1 and the approver resolved case-insensitively
	assert.Equal(t, 6, last.TotalPoints)
	assert.Equal(t, engine.Tier1, last.Tier)
	require.NotNil(t, last.Approval)
	assert.Equal(t, "PC-2026-000002", last.Contravention.Reference)

	// WHEN: The second filing is deleted
	require.NoError(t, eng.DeleteContravention(ctx, last.Contravention.ID, filer))

	// THEN
	sum, err := eng.GetEmployeePointsSummary(ctx, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.TotalPoints)
	assert.Equal(t, engine.TierNone, sum.Tier)
	assert.Len(t, sum.Escalations, 1)
	assert.Len(t, sum.Contraventions, 1)

	report, err := eng.SyncPointsFromContraventions(ctx)
	require.NoError(t, err)
	assert.NoError(t, report.Err())
}
