/*
engine_test.go - Engine operation tests

Tests for:
- Filing, initial status and escalation on tier increase
- Status machine (upload, markComplete, delete)
- Reassignment round-trip
- Approval workflow (reject, resubmit, history, authority)
- Training credit idempotency, including concurrent calls
- Fiscal-year reset, recalculation and sync
- Notification failures never failing an operation
*/
package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/contravention-engine/engine"
	"github.com/warp/contravention-engine/engine/store"
)

// =============================================================================
// HARNESS
// =============================================================================

var (
	admin    = engine.Actor{ID: "admin", IsAdmin: true}
	filer    = engine.Actor{ID: "filer"}
	approver = engine.Actor{ID: "approver-a"}
	backup   = engine.Actor{ID: "approver-b"}
	emp1     = engine.UserID("emp-1")
	emp2     = engine.UserID("emp-2")
)

// recordingNotifier keeps every notification; err, when set, is returned
// from every call.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []engine.Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, note engine.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return n.err
}

func (n *recordingNotifier) kinds() []engine.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]engine.NotificationKind, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.Kind
	}
	return out
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *store.Memory
	dir      *store.Directory
	clock    *engine.FixedClock
	notifier *recordingNotifier
	eng      *engine.Engine
}

func newHarness(t *testing.T, opts ...func(*engine.Config)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		store:    store.NewMemory(),
		clock:    engine.NewFixedClock(time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)),
		notifier: &recordingNotifier{},
		dir: store.NewDirectory(
			engine.User{ID: "admin", Email: "admin@example.com", Name: "Admin", IsAdmin: true},
			engine.User{ID: "filer", Email: "filer@example.com", Name: "Filer"},
			engine.User{ID: "approver-a", Email: "a@example.com", Name: "Approver A"},
			engine.User{ID: "approver-b", Email: "b@example.com", Name: "Approver B"},
			engine.User{ID: emp1, Email: "emp1@example.com", Name: "Employee One"},
			engine.User{ID: emp2, Email: "emp2@example.com", Name: "Employee Two"},
		),
	}

	for _, typ := range []engine.ContraventionType{
		{ID: "no-po", Name: "No purchase order", DefaultPoints: 3},
		{ID: "unapproved-vendor", Name: "Unapproved vendor", DefaultPoints: 4},
		{ID: "split-order", Name: "Split order", DefaultPoints: 5},
		{ID: "other", Name: "Other", DefaultPoints: 2, AllowsCustomLabel: true},
	} {
		require.NoError(t, h.store.SaveContraventionType(h.ctx, typ))
	}
	require.NoError(t, h.store.SaveTrainingCourse(h.ctx, engine.TrainingCourse{ID: "proc-101", Name: "Procurement basics", PointCredit: 2}))

	cfg := engine.DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	eng, err := engine.New(engine.Deps{
		Store:     h.store,
		Directory: h.dir,
		Notifier:  h.notifier,
		Clock:     h.clock,
	}, cfg)
	require.NoError(t, err)
	h.eng = eng
	return h
}

func (h *harness) file(employee engine.UserID, typeID string, mods ...func(*engine.FileInput)) *engine.FileResult {
	h.t.Helper()
	in := engine.FileInput{
		Filer:        filer,
		EmployeeID:   employee,
		TypeID:       typeID,
		Description:  "Purchase without purchase order",
		Value:        decimal.RequireFromString("950.00"),
		IncidentDate: h.clock.Now().AddDate(0, 0, -10),
	}
	for _, m := range mods {
		m(&in)
	}
	res, err := h.eng.FileContravention(h.ctx, in)
	require.NoError(h.t, err)
	return res
}

func (h *harness) total(employee engine.UserID) int {
	h.t.Helper()
	sum, err := h.eng.GetEmployeePointsSummary(h.ctx, employee)
	require.NoError(h.t, err)
	return sum.TotalPoints
}

func (h *harness) summary(employee engine.UserID) *engine.PointsSummary {
	h.t.Helper()
	sum, err := h.eng.GetEmployeePointsSummary(h.ctx, employee)
	require.NoError(h.t, err)
	return sum
}

func withApprover(email string) func(*engine.FileInput) {
	return func(in *engine.FileInput) { in.ApproverEmail = email }
}

// =============================================================================
// FILING
// =============================================================================

func TestFile_CrossingTier1CreatesEscalation(t *testing.T) {
	// GIVEN: emp-1 has 3 points, tier NONE
	h := newHarness(t)
	first := h.file(emp1, "no-po")
	require.Equal(t, 3, first.TotalPoints)
	require.Equal(t, engine.TierNone, first.Tier)

	// WHEN: A 4-point contravention is filed with no approver and no document
	res := h.file(emp1, "unapproved-vendor")

	// THEN: PENDING_UPLOAD, total 7, TIER_1 and a new escalation
	assert.Equal(t, engine.StatusPendingUpload, res.Contravention.Status)
	assert.Equal(t, 7, res.TotalPoints)
	assert.Equal(t, engine.Tier1, res.Tier)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, engine.Tier1, res.Escalation.Tier)
	assert.Equal(t, []engine.RemedialAction{engine.ActionTraining}, res.Escalation.RequiredActions)
	assert.Empty(t, res.Escalation.CompletedActions)

	sum := h.summary(emp1)
	assert.Len(t, sum.Escalations, 1)
	assert.Equal(t, engine.Tier2, sum.NextTier)
	assert.Equal(t, 3, sum.PointsToNext)
	assert.Contains(t, h.notifier.kinds(), engine.NotifyEscalationTriggered)
}

func TestFile_InitialStatus(t *testing.T) {
	h := newHarness(t)

	t.Run("document gives PENDING_REVIEW", func(t *testing.T) {
		res := h.file(emp1, "no-po", func(in *engine.FileInput) { in.ApprovalDocument = "doc://approval.pdf" })
		assert.Equal(t, engine.StatusPendingReview, res.Contravention.Status)
	})

	t.Run("resolved approver gives PENDING_APPROVAL", func(t *testing.T) {
		res := h.file(emp1, "no-po", withApprover("a@example.com"))
		assert.Equal(t, engine.StatusPendingApproval, res.Contravention.Status)
		require.NotNil(t, res.Approval)
		assert.Equal(t, engine.UserID("approver-a"), res.Approval.ApproverID)
		assert.False(t, res.ApproverUnresolved)
	})

	t.Run("unresolved approver is reported, not an error", func(t *testing.T) {
		res := h.file(emp1, "no-po", withApprover("nobody@example.com"))
		assert.Equal(t, engine.StatusPendingApproval, res.Contravention.Status)
		assert.Nil(t, res.Approval)
		assert.True(t, res.ApproverUnresolved)
		assert.Contains(t, h.notifier.kinds(), engine.NotifyApproverUnresolved)

		// A resolvable approver can still be attached afterwards
		out, err := h.eng.RequestApproval(h.ctx, res.Contravention.ID, "a@example.com", filer)
		require.NoError(t, err)
		require.NotNil(t, out.Approval)
		assert.Equal(t, engine.StatusPendingApproval, out.Contravention.Status)
	})
}

func TestFile_References(t *testing.T) {
	h := newHarness(t)
	a := h.file(emp1, "no-po")
	b := h.file(emp2, "no-po")
	assert.Equal(t, "PC-2026-000001", a.Contravention.Reference)
	assert.Equal(t, "PC-2026-000002", b.Contravention.Reference)
}

func TestFile_Validation(t *testing.T) {
	h := newHarness(t)

	cases := map[string]func(*engine.FileInput){
		"missing description": func(in *engine.FileInput) { in.Description = "" },
		"future incident":     func(in *engine.FileInput) { in.IncidentDate = h.clock.Now().Add(48 * time.Hour) },
		"negative value":      func(in *engine.FileInput) { in.Value = decimal.NewFromInt(-1) },
		"bad approver email":  func(in *engine.FileInput) { in.ApproverEmail = "not-an-email" },
		"custom label on fixed type": func(in *engine.FileInput) {
			in.CustomType = "something else"
		},
	}
	for name, mod := range cases {
		t.Run(name, func(t *testing.T) {
			in := engine.FileInput{
				Filer:        filer,
				EmployeeID:   emp1,
				TypeID:       "no-po",
				Description:  "x",
				Value:        decimal.NewFromInt(10),
				IncidentDate: h.clock.Now().AddDate(0, 0, -1),
			}
			mod(&in)
			_, err := h.eng.FileContravention(h.ctx, in)
			require.Error(t, err)
			assert.Equal(t, engine.KindValidation, engine.KindOf(err))
		})
	}

	// Nothing was written by the rejected calls.
	assert.Equal(t, 0, h.total(emp1))
}

func TestFile_CustomLabelRequiredForOther(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.FileContravention(h.ctx, engine.FileInput{
		Filer: filer, EmployeeID: emp1, TypeID: "other", Description: "x",
		IncidentDate: h.clock.Now().AddDate(0, 0, -1),
	})
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))

	res := h.file(emp1, "other", func(in *engine.FileInput) { in.CustomType = "Gift card purchase" })
	assert.Equal(t, "Gift card purchase", res.Contravention.CustomType)
}

func TestFile_PointsOverrideIsAdminOnly(t *testing.T) {
	h := newHarness(t)
	nine := 9

	_, err := h.eng.FileContravention(h.ctx, engine.FileInput{
		Filer: filer, EmployeeID: emp1, TypeID: "no-po", Description: "x",
		IncidentDate: h.clock.Now().AddDate(0, 0, -1), PointsOverride: &nine,
	})
	assert.Equal(t, engine.KindForbidden, engine.KindOf(err))

	res := h.file(emp1, "no-po", func(in *engine.FileInput) {
		in.Filer = admin
		in.PointsOverride = &nine
	})
	assert.Equal(t, 9, res.TotalPoints)
}

func TestFile_UnknownEmployeeOrType(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.FileContravention(h.ctx, engine.FileInput{
		Filer: filer, EmployeeID: "ghost", TypeID: "no-po", Description: "x",
		IncidentDate: h.clock.Now().AddDate(0, 0, -1),
	})
	assert.True(t, engine.IsNotFound(err))

	_, err = h.eng.FileContravention(h.ctx, engine.FileInput{
		Filer: filer, EmployeeID: emp1, TypeID: "no-such-type", Description: "x",
		IncidentDate: h.clock.Now().AddDate(0, 0, -1),
	})
	assert.True(t, engine.IsNotFound(err))
	assert.Equal(t, 0, h.total(emp1))
}

// =============================================================================
// STATUS MACHINE
// =============================================================================

func TestMarkComplete_OnlyFromPendingReview(t *testing.T) {
	h := newHarness(t)

	upload := h.file(emp1, "no-po")
	approval := h.file(emp1, "no-po", withApprover("a@example.com"))

	for name, id := range map[string]engine.ContraventionID{
		"PENDING_UPLOAD":   upload.Contravention.ID,
		"PENDING_APPROVAL": approval.Contravention.ID,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.eng.MarkComplete(h.ctx, id, admin)
			require.Error(t, err)
			assert.True(t, errors.Is(err, engine.ErrInvalidState))
		})
	}

	// WHEN: The document is uploaded, the contravention can be completed
	c, err := h.eng.UploadApprovalDocument(h.ctx, upload.Contravention.ID, "doc://signed.pdf", filer)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPendingReview, c.Status)

	c, err = h.eng.MarkComplete(h.ctx, upload.Contravention.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, c.Status)
	require.NotNil(t, c.ResolvedAt)
	assert.Equal(t, engine.UserID("admin"), *c.ResolvedBy)

	// Completed is terminal
	_, err = h.eng.MarkComplete(h.ctx, upload.Contravention.ID, admin)
	assert.True(t, errors.Is(err, engine.ErrInvalidState))
}

func TestUploadApprovalDocument(t *testing.T) {
	h := newHarness(t)
	res := h.file(emp1, "no-po")
	id := res.Contravention.ID

	t.Run("only the filer", func(t *testing.T) {
		_, err := h.eng.UploadApprovalDocument(h.ctx, id, "doc://x", engine.Actor{ID: emp1})
		assert.Equal(t, engine.KindForbidden, engine.KindOf(err))
	})

	t.Run("filer uploads once", func(t *testing.T) {
		c, err := h.eng.UploadApprovalDocument(h.ctx, id, "doc://first", filer)
		require.NoError(t, err)
		assert.Equal(t, engine.StatusPendingReview, c.Status)

		_, err = h.eng.UploadApprovalDocument(h.ctx, id, "doc://second", filer)
		assert.True(t, errors.Is(err, engine.ErrInvalidState))
	})

	t.Run("admin replaces, status unchanged", func(t *testing.T) {
		c, err := h.eng.UploadApprovalDocument(h.ctx, id, "doc://replacement", admin)
		require.NoError(t, err)
		assert.Equal(t, engine.StatusPendingReview, c.Status)
		assert.Equal(t, "doc://replacement", c.ApprovalDocument)
	})

	t.Run("unknown contravention", func(t *testing.T) {
		_, err := h.eng.UploadApprovalDocument(h.ctx, "nope", "doc://x", admin)
		assert.True(t, engine.IsNotFound(err))
	})
}

func TestUploadApprovalDocument_AdminBypassesApproval(t *testing.T) {
	// GIVEN: A contravention waiting on approver A
	h := newHarness(t)
	res := h.file(emp1, "no-po", withApprover("a@example.com"))
	id := res.Contravention.ID

	_, err := h.eng.UploadApprovalDocument(h.ctx, id, "doc://x", filer)
	assert.True(t, errors.Is(err, engine.ErrInvalidState), "the filer waits for the approver")

	// WHEN: An administrator uploads the signed approval instead
	c, err := h.eng.UploadApprovalDocument(h.ctx, id, "doc://signed.pdf", admin)

	// THEN: The contravention moves to review and the pending request is withdrawn
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPendingReview, c.Status)
	assert.Equal(t, "doc://signed.pdf", c.ApprovalDocument)

	history, err := h.eng.ListApprovalHistory(h.ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, engine.ApprovalWithdrawn, history[0].Status)
	require.NotNil(t, history[0].ReviewedBy)
	assert.Equal(t, engine.UserID("admin"), *history[0].ReviewedBy)

	_, err = h.eng.ReviewApproval(h.ctx, res.Approval.ID, approver, engine.DecisionApprove, "")
	assert.True(t, errors.Is(err, engine.ErrInvalidState), "a withdrawn request cannot be reviewed")

	c, err = h.eng.MarkComplete(h.ctx, id, admin)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, c.Status)
}

func TestUploadApprovalDocument_AdminFromRejected(t *testing.T) {
	h := newHarness(t)
	res := h.file(emp1, "no-po", withApprover("a@example.com"))
	_, err := h.eng.ReviewApproval(h.ctx, res.Approval.ID, approver, engine.DecisionReject, "missing invoice")
	require.NoError(t, err)

	c, err := h.eng.UploadApprovalDocument(h.ctx, res.Contravention.ID, "doc://invoice.pdf", admin)

	require.NoError(t, err)
	assert.Equal(t, engine.StatusPendingReview, c.Status)

	history, err := h.eng.ListApprovalHistory(h.ctx, res.Contravention.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, engine.ApprovalRejected, history[0].Status, "decided requests are left alone")
}

func TestDelete_ReversesPointsAndRemovesApprovals(t *testing.T) {
	// GIVEN: emp-1 with a 5-point contravention awaiting approval, plus 3 more points
	h := newHarness(t)
	h.file(emp1, "no-po")
	res := h.file(emp1, "split-order", withApprover("a@example.com"))
	require.Equal(t, 8, res.TotalPoints)

	// WHEN
	require.NoError(t, h.eng.DeleteContravention(h.ctx, res.Contravention.ID, filer))

	// THEN: total drops by exactly 5, approvals and the record are gone
	assert.Equal(t, 3, h.total(emp1))
	_, err := h.eng.GetContravention(h.ctx, res.Contravention.ID)
	assert.True(t, engine.IsNotFound(err))
	approvals, err := h.store.ListApprovals(h.ctx, res.Contravention.ID)
	require.NoError(t, err)
	assert.Empty(t, approvals)

	// Escalation history is untouched by the tier decrease
	assert.Len(t, h.summary(emp1).Escalations, 1)
}

func TestDelete_ClampsAtZero(t *testing.T) {
	// GIVEN: A 5-point contravention whose employee was manually lowered to 2
	h := newHarness(t)
	res := h.file(emp1, "split-order")
	require.NoError(t, h.store.WithTx(h.ctx, func(s engine.Store) error {
		_, err := h.eng.Ledger().AddPoints(h.ctx, s, engine.Adjustment{
			EmployeeID: emp1, Delta: -3, Kind: engine.EventManual, Reason: "manual correction",
		})
		return err
	}))

	// WHEN
	require.NoError(t, h.eng.DeleteContravention(h.ctx, res.Contravention.ID, admin))

	// THEN: total is 0 and the event records requested vs applied
	sum := h.summary(emp1)
	assert.Equal(t, 0, sum.TotalPoints)
	last := sum.History[len(sum.History)-1]
	assert.Equal(t, engine.EventDeletion, last.Kind)
	assert.Equal(t, -5, last.Requested)
	assert.Equal(t, -2, last.Delta)
	assert.True(t, last.Clamped())
}

func TestDelete_Authority(t *testing.T) {
	h := newHarness(t)
	res := h.file(emp1, "no-po")

	err := h.eng.DeleteContravention(h.ctx, res.Contravention.ID, engine.Actor{ID: emp2})
	assert.Equal(t, engine.KindForbidden, engine.KindOf(err))
	assert.Equal(t, 3, h.total(emp1))
}

func TestAcknowledge(t *testing.T) {
	h := newHarness(t)
	res := h.file(emp1, "no-po")

	_, err := h.eng.AcknowledgeContravention(h.ctx, res.Contravention.ID, filer)
	assert.Equal(t, engine.KindForbidden, engine.KindOf(err))

	c, err := h.eng.AcknowledgeContravention(h.ctx, res.Contravention.ID, engine.Actor{ID: emp1})
	require.NoError(t, err)
	require.NotNil(t, c.AcknowledgedAt)

	_, err = h.eng.AcknowledgeContravention(h.ctx, res.Contravention.ID, engine.Actor{ID: emp1})
	assert.True(t, errors.Is(err, engine.ErrInvalidState))
}

// =============================================================================
// EDITS AND REASSIGNMENT
// =============================================================================

func TestReassign_RoundTripRestoresTotals(t *testing.T) {
	// GIVEN: emp-1 at 8 points, emp-2 at 3
	h := newHarness(t)
	h.file(emp1, "no-po")
	moving := h.file(emp1, "split-order")
	h.file(emp2, "no-po")
	before1, before2 := h.total(emp1), h.total(emp2)
	require.Equal(t, 8, before1)
	require.Equal(t, 3, before2)

	// WHEN: Reassigned to emp-2 and back
	c, err := h.eng.ReassignEmployee(h.ctx, moving.Contravention.ID, admin, emp2)
	require.NoError(t, err)
	assert.Equal(t, emp2, c.EmployeeID)
	assert.Equal(t, 3, h.total(emp1))
	assert.Equal(t, 8, h.total(emp2))

	_, err = h.eng.ReassignEmployee(h.ctx, moving.Contravention.ID, admin, emp1)
	require.NoError(t, err)

	// THEN
	assert.Equal(t, before1, h.total(emp1))
	assert.Equal(t, before2, h.total(emp2))
}

func TestReassign_AdminOnlyAndTargetMustExist(t *testing.T) {
	h := newHarness(t)
	res := h.file(emp1, "no-po")

	_, err := h.eng.ReassignEmployee(h.ctx, res.Contravention.ID, filer, emp2)
	assert.Equal(t, engine.KindForbidden, engine.KindOf(err))

	_, err = h.eng.ReassignEmployee(h.ctx, res.Contravention.ID, admin, "ghost")
	assert.True(t, engine.IsNotFound(err))
	assert.Equal(t, 3, h.total(emp1))
}

func TestUpdate_PointsChangeAdjustsOwner(t *testing.T) {
	h := newHarness(t)
	res := h.file(emp1, "no-po")
	seven := 7

	c, err := h.eng.UpdateContravention(h.ctx, res.Contravention.ID, admin, engine.UpdateInput{Points: &seven})
	require.NoError(t, err)
	assert.Equal(t, 7, c.Points)

	sum := h.summary(emp1)
	assert.Equal(t, 7, sum.TotalPoints)
	assert.Equal(t, engine.Tier1, sum.Tier)
	assert.Equal(t, engine.EventOverride, sum.History[len(sum.History)-1].Kind)
}

func TestUpdate_PointsAndEmployeeTogether(t *testing.T) {
	// GIVEN: A 3-point contravention on emp-1
	h := newHarness(t)
	res := h.file(emp1, "no-po")
	five := 5

	// WHEN: Points become 5 and the owner becomes emp-2 in one edit
	_, err := h.eng.UpdateContravention(h.ctx, res.Contravention.ID, admin, engine.UpdateInput{Points: &five, EmployeeID: &emp2})
	require.NoError(t, err)

	// THEN: emp-1 loses the old value, emp-2 gains the new one
	assert.Equal(t, 0, h.total(emp1))
	assert.Equal(t, 5, h.total(emp2))
}

func TestUpdate_FilerMayEditTextOnly(t *testing.T) {
	h := newHarness(t)
	res := h.file(emp1, "no-po")
	desc := "Updated description"

	c, err := h.eng.UpdateContravention(h.ctx, res.Contravention.ID, filer, engine.UpdateInput{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, desc, c.Description)

	one := 1
	_, err = h.eng.UpdateContravention(h.ctx, res.Contravention.ID, filer, engine.UpdateInput{Points: &one})
	assert.Equal(t, engine.KindForbidden, engine.KindOf(err))

	_, err = h.eng.UpdateContravention(h.ctx, res.Contravention.ID, engine.Actor{ID: emp2}, engine.UpdateInput{Description: &desc})
	assert.Equal(t, engine.KindForbidden, engine.KindOf(err))
}

// =============================================================================
// APPROVAL WORKFLOW
// =============================================================================

func TestApproval_RejectThenResubmit(t *testing.T) {
	// GIVEN: A contravention pending approval by approver A
	h := newHarness(t)
	res := h.file(emp1, "no-po", withApprover("a@example.com"))
	require.NotNil(t, res.Approval)

	// WHEN: A rejects with notes
	review, err := h.eng.ReviewApproval(h.ctx, res.Approval.ID, approver, engine.DecisionReject, "missing invoice")
	require.NoError(t, err)

	// THEN
	assert.Equal(t, engine.StatusRejected, review.Contravention.Status)
	assert.Equal(t, engine.ApprovalRejected, review.Approval.Status)
	assert.Equal(t, "missing invoice", review.Approval.Notes)

	// WHEN: The filer resubmits to approver B
	desc := "Invoice attached"
	resub, err := h.eng.ResubmitContravention(h.ctx, res.Contravention.ID, filer, engine.ResubmitInput{
		ApproverEmail: "b@example.com",
		Description:   &desc,
	})
	require.NoError(t, err)

	// THEN: New pending request for B, status back to PENDING_APPROVAL
	assert.Equal(t, engine.StatusPendingApproval, resub.Contravention.Status)
	require.NotNil(t, resub.Approval)
	assert.Equal(t, engine.UserID("approver-b"), resub.Approval.ApproverID)
	assert.Equal(t, engine.ApprovalPending, resub.Approval.Status)

	history, err := h.eng.ListApprovalHistory(h.ctx, res.Contravention.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, engine.ApprovalRejected, history[0].Status)
	assert.Equal(t, engine.ApprovalPending, history[1].Status)

	// Points are unaffected by the workflow
	assert.Equal(t, 3, h.total(emp1))
}

func TestApproval_ApproveCompletes(t *testing.T) {
	h := newHarness(t)
	res := h.file(emp1, "no-po", withApprover("a@example.com"))

	review, err := h.eng.ReviewApproval(h.ctx, res.Approval.ID, approver, engine.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, review.Contravention.Status)
	require.NotNil(t, review.Contravention.ResolvedAt)

	// A second review finds the request no longer pending
	_, err = h.eng.ReviewApproval(h.ctx, res.Approval.ID, approver, engine.DecisionApprove, "")
	assert.True(t, errors.Is(err, engine.ErrInvalidState))
}

func TestApproval_ReviewErrors(t *testing.T) {
	h := newHarness(t)
	res := h.file(emp1, "no-po", withApprover("a@example.com"))

	_, err := h.eng.ReviewApproval(h.ctx, "missing", approver, engine.DecisionApprove, "")
	assert.True(t, engine.IsNotFound(err), "unknown approval")

	_, err = h.eng.ReviewApproval(h.ctx, res.Approval.ID, backup, engine.DecisionApprove, "")
	assert.Equal(t, engine.KindForbidden, engine.KindOf(err), "not the assigned approver")

	_, err = h.eng.ReviewApproval(h.ctx, res.Approval.ID, approver, engine.DecisionReject, "  ")
	assert.Equal(t, engine.KindValidation, engine.KindOf(err), "reject without notes")

	_, err = h.eng.ReviewApproval(h.ctx, res.Approval.ID, approver, engine.Decision("MAYBE"), "")
	assert.Equal(t, engine.KindValidation, engine.KindOf(err), "unknown decision")

	// An administrator may review in the approver's place
	_, err = h.eng.ReviewApproval(h.ctx, res.Approval.ID, admin, engine.DecisionApprove, "")
	assert.NoError(t, err)
}

func TestResubmit_Errors(t *testing.T) {
	h := newHarness(t)
	res := h.file(emp1, "no-po", withApprover("a@example.com"))

	// Not rejected yet
	_, err := h.eng.ResubmitContravention(h.ctx, res.Contravention.ID, filer, engine.ResubmitInput{ApproverEmail: "b@example.com"})
	assert.True(t, errors.Is(err, engine.ErrInvalidState))

	_, err = h.eng.ReviewApproval(h.ctx, res.Approval.ID, approver, engine.DecisionReject, "missing invoice")
	require.NoError(t, err)

	// Unresolvable approver is a hard failure on resubmission
	_, err = h.eng.ResubmitContravention(h.ctx, res.Contravention.ID, filer, engine.ResubmitInput{ApproverEmail: "nobody@example.com"})
	assert.True(t, engine.IsNotFound(err))

	// Only the filer
	_, err = h.eng.ResubmitContravention(h.ctx, res.Contravention.ID, admin, engine.ResubmitInput{ApproverEmail: "b@example.com"})
	assert.Equal(t, engine.KindForbidden, engine.KindOf(err))

	c, err := h.eng.GetContravention(h.ctx, res.Contravention.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusRejected, c.Status)
}

func TestRequestApproval(t *testing.T) {
	h := newHarness(t)
	res := h.file(emp1, "no-po")

	t.Run("unresolved keeps status", func(t *testing.T) {
		out, err := h.eng.RequestApproval(h.ctx, res.Contravention.ID, "nobody@example.com", filer)
		require.NoError(t, err)
		assert.True(t, out.Unresolved)
		assert.Nil(t, out.Approval)
		assert.Equal(t, engine.StatusPendingUpload, out.Contravention.Status)
	})

	t.Run("resolved opens a request", func(t *testing.T) {
		out, err := h.eng.RequestApproval(h.ctx, res.Contravention.ID, "a@example.com", filer)
		require.NoError(t, err)
		require.NotNil(t, out.Approval)
		assert.Equal(t, engine.StatusPendingApproval, out.Contravention.Status)
	})

	t.Run("only one pending request", func(t *testing.T) {
		_, err := h.eng.RequestApproval(h.ctx, res.Contravention.ID, "b@example.com", filer)
		assert.True(t, errors.Is(err, engine.ErrInvalidState))
	})
}

// =============================================================================
// TRAINING
// =============================================================================

func TestTraining_CompleteCreditsOnceAndClosesAction(t *testing.T) {
	// GIVEN: emp-1 at TIER_1 (7 points) with proc-101 assigned
	h := newHarness(t)
	h.file(emp1, "no-po")
	h.file(emp1, "unapproved-vendor")
	rec, err := h.eng.AssignTraining(h.ctx, emp1, "proc-101", admin)
	require.NoError(t, err)
	assert.Equal(t, engine.TrainingAssigned, rec.Status)
	require.NotNil(t, rec.DueAt)
	assert.Equal(t, h.clock.Now().AddDate(0, 0, engine.DefaultTrainingDueDays), *rec.DueAt)

	// WHEN: The employee completes it
	done, err := h.eng.CompleteTraining(h.ctx, rec.ID, engine.Actor{ID: emp1})
	require.NoError(t, err)

	// THEN: 2 points credited, TRAINING done on the TIER_1 escalation
	require.NotNil(t, done.Credit)
	assert.True(t, done.Credit.Applied)
	assert.Equal(t, 5, done.Credit.Total)
	assert.Equal(t, engine.TierNone, done.Credit.Tier)
	require.Len(t, done.Escalations, 1)
	assert.NotNil(t, done.Escalations[0].CompletedAt)

	// WHEN: Credit is applied again explicitly
	again, err := h.eng.ApplyTrainingCredit(h.ctx, emp1, rec.ID)
	require.NoError(t, err)

	// THEN: No-op
	assert.False(t, again.Applied)
	assert.Equal(t, 5, h.total(emp1))
}

func TestTraining_AssignIsIdempotentWhileOpen(t *testing.T) {
	h := newHarness(t)
	a, err := h.eng.AssignTraining(h.ctx, emp1, "proc-101", admin)
	require.NoError(t, err)
	b, err := h.eng.AssignTraining(h.ctx, emp1, "proc-101", admin)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	_, err = h.eng.AssignTraining(h.ctx, emp1, "proc-101", filer)
	assert.Equal(t, engine.KindForbidden, engine.KindOf(err))
}

func TestTraining_ApplyCreditErrors(t *testing.T) {
	h := newHarness(t)
	rec, err := h.eng.AssignTraining(h.ctx, emp1, "proc-101", admin)
	require.NoError(t, err)

	_, err = h.eng.ApplyTrainingCredit(h.ctx, emp1, rec.ID)
	assert.True(t, errors.Is(err, engine.ErrInvalidState), "not completed yet")

	_, err = h.eng.ApplyTrainingCredit(h.ctx, emp2, rec.ID)
	assert.True(t, engine.IsNotFound(err), "belongs to another employee")

	_, err = h.eng.StartTraining(h.ctx, rec.ID, engine.Actor{ID: emp2})
	assert.Equal(t, engine.KindForbidden, engine.KindOf(err))

	started, err := h.eng.StartTraining(h.ctx, rec.ID, engine.Actor{ID: emp1})
	require.NoError(t, err)
	assert.Equal(t, engine.TrainingInProgress, started.Status)
}

func TestTraining_ConcurrentCreditAppliesOnce(t *testing.T) {
	// GIVEN: A completed record whose credit was reset to uncredited
	h := newHarness(t)
	h.file(emp1, "split-order")
	h.file(emp1, "split-order")
	rec, err := h.eng.AssignTraining(h.ctx, emp1, "proc-101", admin)
	require.NoError(t, err)
	require.NoError(t, h.store.WithTx(h.ctx, func(s engine.Store) error {
		r, err := s.GetTrainingRecord(h.ctx, rec.ID)
		if err != nil {
			return err
		}
		now := h.clock.Now()
		r.Status = engine.TrainingCompleted
		r.CompletedAt = &now
		return s.UpdateTrainingRecord(h.ctx, r)
	}))

	// WHEN: Many goroutines apply the credit at once
	const workers = 16
	var wg sync.WaitGroup
	applied := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.eng.ApplyTrainingCredit(h.ctx, emp1, rec.ID)
			if err == nil {
				applied <- res.Applied
			}
		}()
	}
	wg.Wait()
	close(applied)

	// THEN: Exactly one call applied it and the total moved by 2 once
	count := 0
	for a := range applied {
		if a {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, 8, h.total(emp1))
}

func TestTraining_AutoAssignOnEscalation(t *testing.T) {
	h := newHarness(t, func(c *engine.Config) { c.DefaultTrainingCourse = "proc-101" })

	h.file(emp1, "no-po")
	h.file(emp1, "unapproved-vendor")

	sum := h.summary(emp1)
	require.Len(t, sum.Training, 1)
	assert.Equal(t, "proc-101", sum.Training[0].CourseID)
	assert.Contains(t, h.notifier.kinds(), engine.NotifyTrainingAssigned)
}

func TestTraining_AutoAssignSkipsMissingCourse(t *testing.T) {
	h := newHarness(t, func(c *engine.Config) { c.DefaultTrainingCourse = "retired-course" })

	h.file(emp1, "no-po")
	res := h.file(emp1, "unapproved-vendor")

	assert.Equal(t, engine.Tier1, res.Tier)
	assert.Empty(t, h.summary(emp1).Training)
}

func TestCompleteEscalationAction(t *testing.T) {
	// GIVEN: emp-1 at TIER_2 (10 points)
	h := newHarness(t)
	h.file(emp1, "split-order")
	res := h.file(emp1, "split-order")
	require.Equal(t, engine.Tier2, res.Tier)
	esc := res.Escalation
	require.NotNil(t, esc)

	_, err := h.eng.CompleteEscalationAction(h.ctx, esc.ID, engine.ActionFormalWarning, admin)
	assert.Equal(t, engine.KindValidation, engine.KindOf(err), "not required at TIER_2")

	_, err = h.eng.CompleteEscalationAction(h.ctx, esc.ID, engine.ActionManagerNotice, filer)
	assert.Equal(t, engine.KindForbidden, engine.KindOf(err))

	got, err := h.eng.CompleteEscalationAction(h.ctx, esc.ID, engine.ActionManagerNotice, admin)
	require.NoError(t, err)
	assert.Nil(t, got.CompletedAt)

	got, err = h.eng.CompleteEscalationAction(h.ctx, esc.ID, engine.ActionTraining, admin)
	require.NoError(t, err)
	assert.NotNil(t, got.CompletedAt)
}

// =============================================================================
// BATCH
// =============================================================================

func TestResetFiscalYear_IsIdempotent(t *testing.T) {
	// GIVEN: Two employees with points in FY2026
	h := newHarness(t)
	h.file(emp1, "split-order")
	h.file(emp1, "split-order")
	h.file(emp2, "no-po")

	// WHEN: The clock moves into FY2027 and the year is closed
	h.clock.Set(time.Date(2027, 1, 3, 9, 0, 0, 0, time.UTC))
	first, err := h.eng.ResetFiscalYear(h.ctx, "")
	require.NoError(t, err)

	// THEN
	assert.Equal(t, "FY2026", first.FiscalYear)
	assert.Equal(t, "FY2027", first.OpenYear)
	assert.ElementsMatch(t, []engine.UserID{emp1, emp2}, first.Reset)

	sum := h.summary(emp1)
	assert.Equal(t, 0, sum.TotalPoints)
	assert.Equal(t, engine.TierNone, sum.Tier)
	assert.Equal(t, "FY2027", sum.FiscalYear)
	assert.Empty(t, sum.History)
	assert.Len(t, sum.Escalations, 1, "escalation history survives the reset")

	archived, err := h.store.HasPointArchive(h.ctx, emp1, "FY2026")
	require.NoError(t, err)
	assert.True(t, archived)

	// WHEN: Run again
	second, err := h.eng.ResetFiscalYear(h.ctx, "")
	require.NoError(t, err)

	// THEN: Nothing changes
	assert.Empty(t, second.Reset)
	assert.ElementsMatch(t, []engine.UserID{emp1, emp2}, second.Skipped)
	assert.Equal(t, 0, h.total(emp1))
}

func TestResetFiscalYear_SyncIgnoresPriorYear(t *testing.T) {
	h := newHarness(t)
	h.file(emp1, "split-order")
	h.clock.Set(time.Date(2027, 1, 3, 9, 0, 0, 0, time.UTC))
	_, err := h.eng.ResetFiscalYear(h.ctx, "")
	require.NoError(t, err)

	report, err := h.eng.SyncPointsFromContraventions(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Drift)
	assert.Equal(t, 0, h.total(emp1))
}

func TestRecalculateEscalations_AfterPolicyChange(t *testing.T) {
	// GIVEN: emp-1 at 5 points (NONE under the default policy)
	h := newHarness(t)
	res := h.file(emp1, "split-order")
	require.Equal(t, engine.TierNone, res.Tier)

	// WHEN: An engine with a lower TIER_1 threshold recalculates
	policy := engine.DefaultEscalationPolicy()
	policy.Levels[0].MinPoints = 4
	eng, err := engine.New(engine.Deps{Store: h.store, Directory: h.dir, Clock: h.clock},
		engine.Config{Policy: policy, Calendar: engine.FiscalCalendar{StartMonth: time.January}})
	require.NoError(t, err)

	report, err := eng.RecalculateEscalations(h.ctx)
	require.NoError(t, err)

	// THEN: Tier rewritten, total untouched, escalation created
	assert.Equal(t, 1, report.Checked)
	require.Len(t, report.Changed, 1)
	assert.Equal(t, engine.TierNone, report.Changed[0].From)
	assert.Equal(t, engine.Tier1, report.Changed[0].To)
	assert.NotNil(t, report.Changed[0].Escalation)

	sum, err := eng.GetEmployeePointsSummary(h.ctx, emp1)
	require.NoError(t, err)
	assert.Equal(t, 5, sum.TotalPoints)
	assert.Equal(t, engine.Tier1, sum.Tier)

	// Running again changes nothing
	report, err = eng.RecalculateEscalations(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Changed)
}

func TestSync_CorrectsDrift(t *testing.T) {
	// GIVEN: Contraventions worth 7 but a ledger at 10 after a manual correction
	h := newHarness(t)
	h.file(emp1, "no-po")
	h.file(emp1, "unapproved-vendor")
	require.NoError(t, h.store.WithTx(h.ctx, func(s engine.Store) error {
		_, err := h.eng.Ledger().AddPoints(h.ctx, s, engine.Adjustment{
			EmployeeID: emp1, Delta: 3, Kind: engine.EventManual, Reason: "manual correction",
		})
		return err
	}))
	require.Equal(t, 10, h.total(emp1))

	// WHEN
	report, err := h.eng.SyncPointsFromContraventions(h.ctx)
	require.NoError(t, err)

	// THEN: Rewritten to 7, tier recomputed, drift reported not failed
	require.Len(t, report.Drift, 1)
	assert.Equal(t, engine.Drift{EmployeeID: emp1, Ledger: 10, Expected: 7, Tier: engine.Tier1}, report.Drift[0])
	assert.True(t, errors.Is(report.Err(), engine.ErrReconciliationDrift))

	sum := h.summary(emp1)
	assert.Equal(t, 7, sum.TotalPoints)
	assert.Equal(t, engine.Tier1, sum.Tier)
	assert.Equal(t, engine.EventReconciliation, sum.History[len(sum.History)-1].Kind)

	// WHEN: Run again, THEN: no side effects
	again, err := h.eng.SyncPointsFromContraventions(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Drift)
	assert.NoError(t, again.Err())
	assert.Equal(t, 7, h.total(emp1))
}

func TestSync_CountsCreditedTraining(t *testing.T) {
	h := newHarness(t)
	h.file(emp1, "split-order")
	rec, err := h.eng.AssignTraining(h.ctx, emp1, "proc-101", admin)
	require.NoError(t, err)
	_, err = h.eng.CompleteTraining(h.ctx, rec.ID, admin)
	require.NoError(t, err)
	require.Equal(t, 3, h.total(emp1))

	report, err := h.eng.SyncPointsFromContraventions(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Drift)
	assert.Equal(t, 1, report.Checked)
}

func (h *harness) completeTraining(employee engine.UserID) *engine.CompleteTrainingResult {
	h.t.Helper()
	rec, err := h.eng.AssignTraining(h.ctx, employee, "proc-101", admin)
	require.NoError(h.t, err)
	done, err := h.eng.CompleteTraining(h.ctx, rec.ID, admin)
	require.NoError(h.t, err)
	return done
}

func (h *harness) requireNoDrift() {
	h.t.Helper()
	report, err := h.eng.SyncPointsFromContraventions(h.ctx)
	require.NoError(h.t, err)
	assert.Empty(h.t, report.Drift)
}

func TestSync_ClampedCreditIsNotDrift(t *testing.T) {
	// GIVEN: Training completed while emp-1 has no points, so nothing is credited
	h := newHarness(t)
	done := h.completeTraining(emp1)
	require.True(t, done.Credit.Applied)
	assert.Equal(t, 0, done.Credit.Credit)
	assert.Equal(t, 0, done.Record.CreditedPoints)

	// WHEN: A 3-point contravention follows
	h.file(emp1, "no-po")
	require.Equal(t, 3, h.total(emp1))

	// THEN: Sync agrees with the ledger
	h.requireNoDrift()
	assert.Equal(t, 3, h.total(emp1))
}

func TestSync_PartiallyClampedCredit(t *testing.T) {
	// GIVEN: emp-1 at 1 point when a 2-point course is completed
	h := newHarness(t)
	h.file(emp1, "no-po", func(in *engine.FileInput) {
		one := 1
		in.Filer = admin
		in.PointsOverride = &one
	})
	done := h.completeTraining(emp1)

	// THEN: Only the point that was there is credited
	assert.Equal(t, 1, done.Credit.Credit)
	assert.Equal(t, 1, done.Record.CreditedPoints)
	assert.Equal(t, 0, done.Credit.Total)

	h.file(emp1, "no-po")
	require.Equal(t, 3, h.total(emp1))
	h.requireNoDrift()
}

func TestSync_CreditAbsorbedByClampedDeletion(t *testing.T) {
	// GIVEN: 3 points, 2 credited back, then the contravention deleted (clamped at 1)
	h := newHarness(t)
	first := h.file(emp1, "no-po")
	h.completeTraining(emp1)
	require.Equal(t, 1, h.total(emp1))
	require.NoError(t, h.eng.DeleteContravention(h.ctx, first.Contravention.ID, admin))
	require.Equal(t, 0, h.total(emp1))

	// WHEN: A new 3-point contravention is filed
	h.file(emp1, "no-po")
	require.Equal(t, 3, h.total(emp1))

	// THEN: The credit used up by the deletion is not subtracted again
	h.requireNoDrift()
	assert.Equal(t, 3, h.total(emp1))
}

func TestSync_ManualClampDoesNotCancelLaterCredit(t *testing.T) {
	h := newHarness(t)
	first := h.file(emp1, "no-po")
	h.add(emp1, -3)
	require.NoError(t, h.eng.DeleteContravention(h.ctx, first.Contravention.ID, admin))

	h.file(emp1, "split-order")
	h.completeTraining(emp1)
	require.Equal(t, 3, h.total(emp1))

	h.requireNoDrift()
}

func TestSync_PriorYearEditsLeaveOpenYearAlone(t *testing.T) {
	// GIVEN: A FY2026 contravention for each employee, closed into the archive
	h := newHarness(t)
	old := h.file(emp1, "split-order")
	h.file(emp2, "no-po")
	h.clock.Set(time.Date(2027, 1, 3, 9, 0, 0, 0, time.UTC))
	_, err := h.eng.ResetFiscalYear(h.ctx, "")
	require.NoError(t, err)
	h.clock.Advance(time.Hour)
	h.file(emp1, "no-po")
	require.Equal(t, 3, h.total(emp1))

	t.Run("points override", func(t *testing.T) {
		nine := 9
		c, err := h.eng.UpdateContravention(h.ctx, old.Contravention.ID, admin, engine.UpdateInput{Points: &nine})
		require.NoError(t, err)
		assert.Equal(t, 9, c.Points)
		assert.Equal(t, 3, h.total(emp1))
		h.requireNoDrift()
	})

	t.Run("reassignment", func(t *testing.T) {
		_, err := h.eng.ReassignEmployee(h.ctx, old.Contravention.ID, admin, emp2)
		require.NoError(t, err)
		assert.Equal(t, 3, h.total(emp1))
		assert.Equal(t, 0, h.total(emp2))
		h.requireNoDrift()
	})

	t.Run("deletion", func(t *testing.T) {
		require.NoError(t, h.eng.DeleteContravention(h.ctx, old.Contravention.ID, admin))
		assert.Equal(t, 0, h.total(emp2))
		h.requireNoDrift()
		assert.Equal(t, 3, h.total(emp1))
	})
}

// =============================================================================
// NOTIFICATIONS AND ATOMICITY
// =============================================================================

func TestNotifierFailureDoesNotFailOperation(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("queue full")

	res := h.file(emp1, "no-po")

	assert.Equal(t, 3, res.TotalPoints)
	assert.NotEmpty(t, h.notifier.kinds())
}

func TestNotificationsOnlyAfterCommit(t *testing.T) {
	// GIVEN: A filing that fails inside the transaction (unknown type)
	h := newHarness(t)
	_, err := h.eng.FileContravention(h.ctx, engine.FileInput{
		Filer: filer, EmployeeID: emp1, TypeID: "no-such-type", Description: "x",
		IncidentDate: h.clock.Now().AddDate(0, 0, -1),
	})
	require.Error(t, err)

	// THEN: Nothing was dispatched and no reference was consumed
	assert.Empty(t, h.notifier.kinds())
	res := h.file(emp1, "no-po")
	assert.Equal(t, "PC-2026-000001", res.Contravention.Reference)
}

func TestGetEmployeePointsSummary_UnknownEmployee(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.GetEmployeePointsSummary(h.ctx, "ghost")
	assert.True(t, engine.IsNotFound(err))
}
