// Package store provides in-memory implementations of the engine's
// persistence and directory interfaces.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/contravention-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is an engine.TxStore held in maps. Every call, direct or inside
// WithTx, is serialized on one mutex. Values are copied on the way in and
// out so callers never alias stored state.
type Memory struct {
	mu sync.Mutex
	d  *data
}

var _ engine.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{d: newData()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.d.clone()
	if err := fn(m.d); err != nil {
		m.d = snapshot
		return err
	}
	return nil
}

// locked runs fn on the current data under the mutex.
func locked[T any](m *Memory, fn func(d *data) (T, error)) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.d)
}

func lockedErr(m *Memory, fn func(d *data) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.d)
}

// =============================================================================
// DIRECT (non-transactional) ACCESS
// =============================================================================

func (m *Memory) GetContravention(ctx context.Context, id engine.ContraventionID) (*engine.Contravention, error) {
	return locked(m, func(d *data) (*engine.Contravention, error) { return d.GetContravention(ctx, id) })
}

func (m *Memory) InsertContravention(ctx context.Context, c *engine.Contravention) error {
	return lockedErr(m, func(d *data) error { return d.InsertContravention(ctx, c) })
}

func (m *Memory) UpdateContravention(ctx context.Context, c *engine.Contravention) error {
	return lockedErr(m, func(d *data) error { return d.UpdateContravention(ctx, c) })
}

func (m *Memory) DeleteContravention(ctx context.Context, id engine.ContraventionID) error {
	return lockedErr(m, func(d *data) error { return d.DeleteContravention(ctx, id) })
}

func (m *Memory) ListContraventionsByEmployee(ctx context.Context, employeeID engine.UserID) ([]engine.Contravention, error) {
	return locked(m, func(d *data) ([]engine.Contravention, error) { return d.ListContraventionsByEmployee(ctx, employeeID) })
}

func (m *Memory) NextReferenceSequence(ctx context.Context, year int) (int, error) {
	return locked(m, func(d *data) (int, error) { return d.NextReferenceSequence(ctx, year) })
}

func (m *Memory) GetApproval(ctx context.Context, id engine.ApprovalID) (*engine.ApprovalRequest, error) {
	return locked(m, func(d *data) (*engine.ApprovalRequest, error) { return d.GetApproval(ctx, id) })
}

func (m *Memory) InsertApproval(ctx context.Context, a *engine.ApprovalRequest) error {
	return lockedErr(m, func(d *data) error { return d.InsertApproval(ctx, a) })
}

func (m *Memory) UpdateApproval(ctx context.Context, a *engine.ApprovalRequest) error {
	return lockedErr(m, func(d *data) error { return d.UpdateApproval(ctx, a) })
}

func (m *Memory) PendingApproval(ctx context.Context, id engine.ContraventionID) (*engine.ApprovalRequest, error) {
	return locked(m, func(d *data) (*engine.ApprovalRequest, error) { return d.PendingApproval(ctx, id) })
}

func (m *Memory) ListApprovals(ctx context.Context, id engine.ContraventionID) ([]engine.ApprovalRequest, error) {
	return locked(m, func(d *data) ([]engine.ApprovalRequest, error) { return d.ListApprovals(ctx, id) })
}

func (m *Memory) DeleteApprovals(ctx context.Context, id engine.ContraventionID) error {
	return lockedErr(m, func(d *data) error { return d.DeleteApprovals(ctx, id) })
}

func (m *Memory) GetPointRecord(ctx context.Context, employeeID engine.UserID) (*engine.PointRecord, error) {
	return locked(m, func(d *data) (*engine.PointRecord, error) { return d.GetPointRecord(ctx, employeeID) })
}

func (m *Memory) SavePointRecord(ctx context.Context, rec *engine.PointRecord, expectedVersion int64) error {
	return lockedErr(m, func(d *data) error { return d.SavePointRecord(ctx, rec, expectedVersion) })
}

func (m *Memory) ListPointRecords(ctx context.Context) ([]engine.PointRecord, error) {
	return locked(m, func(d *data) ([]engine.PointRecord, error) { return d.ListPointRecords(ctx) })
}

func (m *Memory) AppendPointEvent(ctx context.Context, ev engine.PointEvent) error {
	return lockedErr(m, func(d *data) error { return d.AppendPointEvent(ctx, ev) })
}

func (m *Memory) ListPointEvents(ctx context.Context, employeeID engine.UserID, since time.Time) ([]engine.PointEvent, error) {
	return locked(m, func(d *data) ([]engine.PointEvent, error) { return d.ListPointEvents(ctx, employeeID, since) })
}

func (m *Memory) InsertPointArchive(ctx context.Context, a engine.PointArchive) error {
	return lockedErr(m, func(d *data) error { return d.InsertPointArchive(ctx, a) })
}

func (m *Memory) HasPointArchive(ctx context.Context, employeeID engine.UserID, fiscalYear string) (bool, error) {
	return locked(m, func(d *data) (bool, error) { return d.HasPointArchive(ctx, employeeID, fiscalYear) })
}

func (m *Memory) GetEscalation(ctx context.Context, id engine.EscalationID) (*engine.Escalation, error) {
	return locked(m, func(d *data) (*engine.Escalation, error) { return d.GetEscalation(ctx, id) })
}

func (m *Memory) InsertEscalation(ctx context.Context, e *engine.Escalation) error {
	return lockedErr(m, func(d *data) error { return d.InsertEscalation(ctx, e) })
}

func (m *Memory) UpdateEscalation(ctx context.Context, e *engine.Escalation) error {
	return lockedErr(m, func(d *data) error { return d.UpdateEscalation(ctx, e) })
}

func (m *Memory) ListEscalations(ctx context.Context, employeeID engine.UserID) ([]engine.Escalation, error) {
	return locked(m, func(d *data) ([]engine.Escalation, error) { return d.ListEscalations(ctx, employeeID) })
}

func (m *Memory) GetTrainingRecord(ctx context.Context, id engine.TrainingRecordID) (*engine.TrainingRecord, error) {
	return locked(m, func(d *data) (*engine.TrainingRecord, error) { return d.GetTrainingRecord(ctx, id) })
}

func (m *Memory) InsertTrainingRecord(ctx context.Context, r *engine.TrainingRecord) error {
	return lockedErr(m, func(d *data) error { return d.InsertTrainingRecord(ctx, r) })
}

func (m *Memory) UpdateTrainingRecord(ctx context.Context, r *engine.TrainingRecord) error {
	return lockedErr(m, func(d *data) error { return d.UpdateTrainingRecord(ctx, r) })
}

func (m *Memory) ListTrainingRecords(ctx context.Context, employeeID engine.UserID) ([]engine.TrainingRecord, error) {
	return locked(m, func(d *data) ([]engine.TrainingRecord, error) { return d.ListTrainingRecords(ctx, employeeID) })
}

func (m *Memory) MarkTrainingCredited(ctx context.Context, id engine.TrainingRecordID, credit int, at time.Time) (bool, error) {
	return locked(m, func(d *data) (bool, error) { return d.MarkTrainingCredited(ctx, id, credit, at) })
}

func (m *Memory) GetContraventionType(ctx context.Context, id string) (*engine.ContraventionType, error) {
	return locked(m, func(d *data) (*engine.ContraventionType, error) { return d.GetContraventionType(ctx, id) })
}

func (m *Memory) SaveContraventionType(ctx context.Context, t engine.ContraventionType) error {
	return lockedErr(m, func(d *data) error { return d.SaveContraventionType(ctx, t) })
}

func (m *Memory) GetTrainingCourse(ctx context.Context, id string) (*engine.TrainingCourse, error) {
	return locked(m, func(d *data) (*engine.TrainingCourse, error) { return d.GetTrainingCourse(ctx, id) })
}

func (m *Memory) SaveTrainingCourse(ctx context.Context, c engine.TrainingCourse) error {
	return lockedErr(m, func(d *data) error { return d.SaveTrainingCourse(ctx, c) })
}

// =============================================================================
// DATA - Unsynchronized state, the transactional view
// =============================================================================

type data struct {
	contraventions map[engine.ContraventionID]engine.Contravention
	sequences      map[int]int
	approvals      []engine.ApprovalRequest
	records        map[engine.UserID]engine.PointRecord
	events         []engine.PointEvent
	archives       []engine.PointArchive
	escalations    []engine.Escalation
	training       []engine.TrainingRecord
	types          map[string]engine.ContraventionType
	courses        map[string]engine.TrainingCourse
}

func newData() *data {
	return &data{
		contraventions: make(map[engine.ContraventionID]engine.Contravention),
		sequences:      make(map[int]int),
		records:        make(map[engine.UserID]engine.PointRecord),
		types:          make(map[string]engine.ContraventionType),
		courses:        make(map[string]engine.TrainingCourse),
	}
}

// clone copies every container. Stored values are never mutated in place,
// so element-level sharing between snapshot and live data is safe.
func (d *data) clone() *data {
	c := &data{
		contraventions: make(map[engine.ContraventionID]engine.Contravention, len(d.contraventions)),
		sequences:      make(map[int]int, len(d.sequences)),
		approvals:      append([]engine.ApprovalRequest(nil), d.approvals...),
		records:        make(map[engine.UserID]engine.PointRecord, len(d.records)),
		events:         append([]engine.PointEvent(nil), d.events...),
		archives:       append([]engine.PointArchive(nil), d.archives...),
		escalations:    append([]engine.Escalation(nil), d.escalations...),
		training:       append([]engine.TrainingRecord(nil), d.training...),
		types:          make(map[string]engine.ContraventionType, len(d.types)),
		courses:        make(map[string]engine.TrainingCourse, len(d.courses)),
	}
	for k, v := range d.contraventions {
		c.contraventions[k] = v
	}
	for k, v := range d.sequences {
		c.sequences[k] = v
	}
	for k, v := range d.records {
		c.records[k] = v
	}
	for k, v := range d.types {
		c.types[k] = v
	}
	for k, v := range d.courses {
		c.courses[k] = v
	}
	return c
}

// --- contraventions ---

func copyContravention(c engine.Contravention) engine.Contravention {
	c.Documents = append([]string(nil), c.Documents...)
	return c
}

func (d *data) GetContravention(_ context.Context, id engine.ContraventionID) (*engine.Contravention, error) {
	c, ok := d.contraventions[id]
	if !ok {
		return nil, &engine.NotFoundError{Entity: "contravention", ID: string(id)}
	}
	out := copyContravention(c)
	return &out, nil
}

func (d *data) InsertContravention(_ context.Context, c *engine.Contravention) error {
	if _, ok := d.contraventions[c.ID]; ok {
		return &engine.ConflictError{Entity: "contravention", ID: string(c.ID)}
	}
	c.Version = 1
	d.contraventions[c.ID] = copyContravention(*c)
	return nil
}

func (d *data) UpdateContravention(_ context.Context, c *engine.Contravention) error {
	stored, ok := d.contraventions[c.ID]
	if !ok {
		return &engine.NotFoundError{Entity: "contravention", ID: string(c.ID)}
	}
	if stored.Version != c.Version {
		return &engine.ConflictError{Entity: "contravention", ID: string(c.ID)}
	}
	c.Version++
	d.contraventions[c.ID] = copyContravention(*c)
	return nil
}

func (d *data) DeleteContravention(_ context.Context, id engine.ContraventionID) error {
	if _, ok := d.contraventions[id]; !ok {
		return &engine.NotFoundError{Entity: "contravention", ID: string(id)}
	}
	delete(d.contraventions, id)
	return nil
}

func (d *data) ListContraventionsByEmployee(_ context.Context, employeeID engine.UserID) ([]engine.Contravention, error) {
	var out []engine.Contravention
	for _, c := range d.contraventions {
		if c.EmployeeID == employeeID {
			out = append(out, copyContravention(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Reference < out[j].Reference
	})
	return out, nil
}

func (d *data) NextReferenceSequence(_ context.Context, year int) (int, error) {
	d.sequences[year]++
	return d.sequences[year], nil
}

// --- approvals ---

func (d *data) GetApproval(_ context.Context, id engine.ApprovalID) (*engine.ApprovalRequest, error) {
	for _, a := range d.approvals {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, &engine.NotFoundError{Entity: "approval_request", ID: string(id)}
}

func (d *data) InsertApproval(_ context.Context, a *engine.ApprovalRequest) error {
	d.approvals = append(d.approvals, *a)
	return nil
}

func (d *data) UpdateApproval(_ context.Context, a *engine.ApprovalRequest) error {
	for i := range d.approvals {
		if d.approvals[i].ID == a.ID {
			d.approvals[i] = *a
			return nil
		}
	}
	return &engine.NotFoundError{Entity: "approval_request", ID: string(a.ID)}
}

func (d *data) PendingApproval(_ context.Context, id engine.ContraventionID) (*engine.ApprovalRequest, error) {
	for _, a := range d.approvals {
		if a.ContraventionID == id && a.Status == engine.ApprovalPending {
			return &a, nil
		}
	}
	return nil, nil
}

func (d *data) ListApprovals(_ context.Context, id engine.ContraventionID) ([]engine.ApprovalRequest, error) {
	var out []engine.ApprovalRequest
	for _, a := range d.approvals {
		if a.ContraventionID == id {
			out = append(out, a)
		}
	}
	return out, nil
}

func (d *data) DeleteApprovals(_ context.Context, id engine.ContraventionID) error {
	kept := d.approvals[:0:0]
	for _, a := range d.approvals {
		if a.ContraventionID != id {
			kept = append(kept, a)
		}
	}
	d.approvals = kept
	return nil
}

// --- points ---

func (d *data) GetPointRecord(_ context.Context, employeeID engine.UserID) (*engine.PointRecord, error) {
	rec, ok := d.records[employeeID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (d *data) SavePointRecord(_ context.Context, rec *engine.PointRecord, expectedVersion int64) error {
	stored, ok := d.records[rec.EmployeeID]
	switch {
	case expectedVersion == 0 && ok:
		return &engine.ConflictError{Entity: "point_record", ID: string(rec.EmployeeID)}
	case expectedVersion != 0 && (!ok || stored.Version != expectedVersion):
		return &engine.ConflictError{Entity: "point_record", ID: string(rec.EmployeeID)}
	}
	rec.Version = expectedVersion + 1
	d.records[rec.EmployeeID] = *rec
	return nil
}

func (d *data) ListPointRecords(_ context.Context) ([]engine.PointRecord, error) {
	out := make([]engine.PointRecord, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out, nil
}

func (d *data) AppendPointEvent(_ context.Context, ev engine.PointEvent) error {
	d.events = append(d.events, ev)
	return nil
}

func (d *data) ListPointEvents(_ context.Context, employeeID engine.UserID, since time.Time) ([]engine.PointEvent, error) {
	var out []engine.PointEvent
	for _, ev := range d.events {
		if ev.EmployeeID == employeeID && !ev.At.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (d *data) InsertPointArchive(_ context.Context, a engine.PointArchive) error {
	d.archives = append(d.archives, a)
	return nil
}

func (d *data) HasPointArchive(_ context.Context, employeeID engine.UserID, fiscalYear string) (bool, error) {
	for _, a := range d.archives {
		if a.EmployeeID == employeeID && a.FiscalYear == fiscalYear {
			return true, nil
		}
	}
	return false, nil
}

// --- escalations ---

func copyEscalation(e engine.Escalation) engine.Escalation {
	e.RequiredActions = append([]engine.RemedialAction(nil), e.RequiredActions...)
	e.CompletedActions = append([]engine.RemedialAction{}, e.CompletedActions...)
	return e
}

func (d *data) GetEscalation(_ context.Context, id engine.EscalationID) (*engine.Escalation, error) {
	for _, e := range d.escalations {
		if e.ID == id {
			out := copyEscalation(e)
			return &out, nil
		}
	}
	return nil, &engine.NotFoundError{Entity: "escalation", ID: string(id)}
}

func (d *data) InsertEscalation(_ context.Context, e *engine.Escalation) error {
	d.escalations = append(d.escalations, copyEscalation(*e))
	return nil
}

func (d *data) UpdateEscalation(_ context.Context, e *engine.Escalation) error {
	for i := range d.escalations {
		if d.escalations[i].ID == e.ID {
			d.escalations[i] = copyEscalation(*e)
			return nil
		}
	}
	return &engine.NotFoundError{Entity: "escalation", ID: string(e.ID)}
}

func (d *data) ListEscalations(_ context.Context, employeeID engine.UserID) ([]engine.Escalation, error) {
	var out []engine.Escalation
	for _, e := range d.escalations {
		if e.EmployeeID == employeeID {
			out = append(out, copyEscalation(e))
		}
	}
	return out, nil
}

// --- training ---

func (d *data) GetTrainingRecord(_ context.Context, id engine.TrainingRecordID) (*engine.TrainingRecord, error) {
	for _, r := range d.training {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, &engine.NotFoundError{Entity: "training_record", ID: string(id)}
}

func (d *data) InsertTrainingRecord(_ context.Context, r *engine.TrainingRecord) error {
	d.training = append(d.training, *r)
	return nil
}

func (d *data) UpdateTrainingRecord(_ context.Context, r *engine.TrainingRecord) error {
	for i := range d.training {
		if d.training[i].ID == r.ID {
			// The credited flag is only ever set by MarkTrainingCredited.
			credited := d.training[i]
			d.training[i] = *r
			if credited.PointsCredited {
				d.training[i].PointsCredited = true
				d.training[i].CreditedPoints = credited.CreditedPoints
				d.training[i].CreditedAt = credited.CreditedAt
			}
			return nil
		}
	}
	return &engine.NotFoundError{Entity: "training_record", ID: string(r.ID)}
}

func (d *data) ListTrainingRecords(_ context.Context, employeeID engine.UserID) ([]engine.TrainingRecord, error) {
	var out []engine.TrainingRecord
	for _, r := range d.training {
		if r.EmployeeID == employeeID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (d *data) MarkTrainingCredited(_ context.Context, id engine.TrainingRecordID, credit int, at time.Time) (bool, error) {
	for i := range d.training {
		if d.training[i].ID != id {
			continue
		}
		if d.training[i].PointsCredited {
			return false, nil
		}
		d.training[i].PointsCredited = true
		d.training[i].CreditedPoints = credit
		d.training[i].CreditedAt = &at
		return true, nil
	}
	return false, &engine.NotFoundError{Entity: "training_record", ID: string(id)}
}

// --- catalog ---

func (d *data) GetContraventionType(_ context.Context, id string) (*engine.ContraventionType, error) {
	t, ok := d.types[id]
	if !ok {
		return nil, &engine.NotFoundError{Entity: "contravention_type", ID: id}
	}
	return &t, nil
}

func (d *data) SaveContraventionType(_ context.Context, t engine.ContraventionType) error {
	d.types[t.ID] = t
	return nil
}

func (d *data) GetTrainingCourse(_ context.Context, id string) (*engine.TrainingCourse, error) {
	c, ok := d.courses[id]
	if !ok {
		return nil, &engine.NotFoundError{Entity: "training_course", ID: id}
	}
	return &c, nil
}

func (d *data) SaveTrainingCourse(_ context.Context, c engine.TrainingCourse) error {
	d.courses[c.ID] = c
	return nil
}

// =============================================================================
// DIRECTORY
// =============================================================================

// Directory is an in-memory engine.Directory. Email lookups are
// case-insensitive.
type Directory struct {
	mu      sync.RWMutex
	byID    map[engine.UserID]engine.User
	byEmail map[string]engine.UserID
}

var _ engine.Directory = (*Directory)(nil)

func NewDirectory(users ...engine.User) *Directory {
	d := &Directory{
		byID:    make(map[engine.UserID]engine.User),
		byEmail: make(map[string]engine.UserID),
	}
	for _, u := range users {
		d.Add(u)
	}
	return d
}

// Add inserts or replaces a user.
func (d *Directory) Add(u engine.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.byID[u.ID]; ok {
		delete(d.byEmail, strings.ToLower(old.Email))
	}
	d.byID[u.ID] = u
	if u.Email != "" {
		d.byEmail[strings.ToLower(u.Email)] = u.ID
	}
}

func (d *Directory) UserByEmail(_ context.Context, email string) (*engine.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, &engine.NotFoundError{Entity: "user", ID: email}
	}
	u := d.byID[id]
	return &u, nil
}

func (d *Directory) UserByID(_ context.Context, id engine.UserID) (*engine.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byID[id]
	if !ok {
		return nil, &engine.NotFoundError{Entity: "user", ID: string(id)}
	}
	return &u, nil
}

// Users returns every user ordered by id.
func (d *Directory) Users() []engine.User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]engine.User, 0, len(d.byID))
	for _, u := range d.byID {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
