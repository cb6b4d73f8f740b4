package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"carbon-scribe/mrv-registry/internal/events"
)

// DefaultEventRetention is the number of events a MemoryStore keeps.
const DefaultEventRetention = 10000

var (
	// ErrDuplicate is returned when an insert violates a unique key.
	ErrDuplicate = errors.New("duplicate key")
	// ErrNegativeBalance is returned when a balance change would drop below zero.
	ErrNegativeBalance = errors.New("balance would become negative")
	// ErrConcurrentWrite is returned when a transaction lost a race with
	// another writer and was rolled back. Retrying it is safe.
	ErrConcurrentWrite = errors.New("concurrent write conflict")
)

// MemoryStore keeps the registry state in process memory behind a single
// RWMutex. Writers hold the lock for the whole transaction and record an undo
// entry for every write, so a failed transaction is rolled back in full.
// Events appended by a transaction reach the log only when it commits.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memoryState
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*memoryState)

// WithEventRetention bounds the number of events kept. Zero keeps all of them.
func WithEventRetention(n int) MemoryOption {
	return func(s *memoryState) { s.log = events.NewLogWithRetention(n) }
}

type memoryState struct {
	paused bool
	roles  map[Role]map[Identity]RoleGrant

	projects        map[string]*Project
	projectOrder    []string
	projectsByOwner map[Identity][]string

	records       map[uint64]*MRVRecord
	recordsByHash map[string][]uint64
	lastRecordID  uint64

	batches          map[uint64]*CreditBatch
	batchByRecord    map[uint64]uint64
	batchBySerial    map[string]uint64
	batchesByProject map[string][]uint64
	batchesByHolder  map[Identity][]uint64
	batchesByVintage map[int][]uint64
	lastBatchID      uint64

	balances map[Identity]map[uint64]int64
	// Running totals behind Supply.
	issued, retired, outstanding int64

	retirements         map[uuid.UUID]*Retirement
	retirementsByHolder map[Identity][]uuid.UUID

	log *events.Log
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	state := &memoryState{
		roles:               make(map[Role]map[Identity]RoleGrant),
		projects:            make(map[string]*Project),
		projectsByOwner:     make(map[Identity][]string),
		records:             make(map[uint64]*MRVRecord),
		recordsByHash:       make(map[string][]uint64),
		batches:             make(map[uint64]*CreditBatch),
		batchByRecord:       make(map[uint64]uint64),
		batchBySerial:       make(map[string]uint64),
		batchesByProject:    make(map[string][]uint64),
		batchesByHolder:     make(map[Identity][]uint64),
		batchesByVintage:    make(map[int][]uint64),
		balances:            make(map[Identity]map[uint64]int64),
		retirements:         make(map[uuid.UUID]*Retirement),
		retirementsByHolder: make(map[Identity][]uuid.UUID),
		log:                 events.NewLogWithRetention(DefaultEventRetention),
	}
	for _, opt := range opts {
		opt(state)
	}
	return &MemoryStore{state: state}
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{s: m.state}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
	}()
	if err = fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err = m.state.log.Commit(tx.pending...); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// View implements Store.
func (m *MemoryStore) View(ctx context.Context, fn func(tx ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{s: m.state})
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

type memTx struct {
	s       *memoryState
	undo    []func()
	pending []events.Event
}

func (t *memTx) onRollback(f func()) {
	t.undo = append(t.undo, f)
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// =====================================================
// Reads
// =====================================================

func (t *memTx) Paused() (bool, error) {
	return t.s.paused, nil
}

func (t *memTx) HasRole(role Role, who Identity) (bool, error) {
	_, ok := t.s.roles[role][who]
	return ok, nil
}

func (t *memTx) RoleMembers(role Role) ([]Identity, error) {
	members := make([]Identity, 0, len(t.s.roles[role]))
	for who := range t.s.roles[role] {
		members = append(members, who)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members, nil
}

func (t *memTx) GetProject(id string) (*Project, error) {
	p, ok := t.s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %q: %w", id, ErrNotFound)
	}
	return cloneProject(p), nil
}

func (t *memTx) ListProjects() ([]*Project, error) {
	out := make([]*Project, 0, len(t.s.projectOrder))
	for _, id := range t.s.projectOrder {
		out = append(out, cloneProject(t.s.projects[id]))
	}
	return out, nil
}

func (t *memTx) ListProjectsByOwner(owner Identity) ([]*Project, error) {
	ids := t.s.projectsByOwner[owner]
	out := make([]*Project, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneProject(t.s.projects[id]))
	}
	return out, nil
}

func (t *memTx) GetRecord(id uint64) (*MRVRecord, error) {
	r, ok := t.s.records[id]
	if !ok {
		return nil, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	return cloneRecord(r), nil
}

func (t *memTx) ListRecordsByProject(projectID string) ([]*MRVRecord, error) {
	p, ok := t.s.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("project %q: %w", projectID, ErrNotFound)
	}
	out := make([]*MRVRecord, 0, len(p.RecordIDs))
	for _, id := range p.RecordIDs {
		out = append(out, cloneRecord(t.s.records[id]))
	}
	return out, nil
}

func (t *memTx) ListRecordsByDataHash(hash string) ([]*MRVRecord, error) {
	ids := t.s.recordsByHash[hash]
	out := make([]*MRVRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneRecord(t.s.records[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) GetBatch(id uint64) (*CreditBatch, error) {
	b, ok := t.s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %d: %w", id, ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (t *memTx) BatchForRecord(recordID uint64) (*CreditBatch, error) {
	id, ok := t.s.batchByRecord[recordID]
	if !ok {
		return nil, fmt.Errorf("batch for record %d: %w", recordID, ErrNotFound)
	}
	return t.GetBatch(id)
}

func (t *memTx) SerialExists(serial string) (bool, error) {
	_, ok := t.s.batchBySerial[serial]
	return ok, nil
}

func (t *memTx) ListBatchesByProject(projectID string) ([]*CreditBatch, error) {
	return t.batchList(t.s.batchesByProject[projectID]), nil
}

func (t *memTx) ListBatchesByHolder(holder Identity) ([]*CreditBatch, error) {
	return t.batchList(t.s.batchesByHolder[holder]), nil
}

func (t *memTx) ListBatchesByVintage(year int) ([]*CreditBatch, error) {
	return t.batchList(t.s.batchesByVintage[year]), nil
}

func (t *memTx) batchList(ids []uint64) []*CreditBatch {
	out := make([]*CreditBatch, 0, len(ids))
	for _, id := range ids {
		cp := *t.s.batches[id]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *memTx) Balance(holder Identity, batchID uint64) (int64, error) {
	return t.s.balances[holder][batchID], nil
}

func (t *memTx) Holdings(holder Identity) ([]Holding, error) {
	var out []Holding
	for batchID, amount := range t.s.balances[holder] {
		if amount == 0 {
			continue
		}
		b := t.s.batches[batchID]
		out = append(out, Holding{
			BatchID:     batchID,
			ProjectID:   b.ProjectID,
			VintageYear: b.VintageYear,
			Methodology: b.Methodology,
			Amount:      amount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })
	return out, nil
}

func (t *memTx) RetiredBy(holder Identity) (int64, error) {
	var total int64
	for _, id := range t.s.retirementsByHolder[holder] {
		total += t.s.retirements[id].Amount
	}
	return total, nil
}

func (t *memTx) GetRetirement(id uuid.UUID) (*Retirement, error) {
	r, ok := t.s.retirements[id]
	if !ok {
		return nil, fmt.Errorf("retirement %s: %w", id, ErrNotFound)
	}
	return cloneRetirement(r), nil
}

func (t *memTx) ListRetirements(holder Identity) ([]*Retirement, error) {
	ids := t.s.retirementsByHolder[holder]
	out := make([]*Retirement, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneRetirement(t.s.retirements[id]))
	}
	return out, nil
}

func (t *memTx) Supply() (Supply, error) {
	return Supply{
		TotalIssued:      t.s.issued,
		TotalRetired:     t.s.retired,
		TotalOutstanding: t.s.outstanding,
		BatchCount:       len(t.s.batches),
	}, nil
}

func (t *memTx) ListEvents(after uint64, limit int) ([]events.Event, error) {
	return t.s.log.Since(after, limit), nil
}

func (t *memTx) EventTail() (uint64, string, error) {
	seq, head := t.s.log.Tail()
	return seq, head, nil
}

// =====================================================
// Writes
// =====================================================

func (t *memTx) SetPaused(paused bool) error {
	old := t.s.paused
	t.s.paused = paused
	t.onRollback(func() { t.s.paused = old })
	return nil
}

func (t *memTx) GrantRole(grant RoleGrant) error {
	members, ok := t.s.roles[grant.Role]
	if !ok {
		members = make(map[Identity]RoleGrant)
		t.s.roles[grant.Role] = members
	}
	if _, exists := members[grant.Identity]; exists {
		return nil
	}
	members[grant.Identity] = grant
	t.onRollback(func() { delete(members, grant.Identity) })
	return nil
}

func (t *memTx) RevokeRole(role Role, who Identity) error {
	members := t.s.roles[role]
	grant, exists := members[who]
	if !exists {
		return nil
	}
	delete(members, who)
	t.onRollback(func() { members[who] = grant })
	return nil
}

func (t *memTx) InsertProject(p *Project) error {
	if _, exists := t.s.projects[p.ID]; exists {
		return fmt.Errorf("project %q: %w", p.ID, ErrDuplicate)
	}
	t.s.projects[p.ID] = cloneProject(p)
	t.s.projectOrder = append(t.s.projectOrder, p.ID)
	t.s.projectsByOwner[p.Owner] = append(t.s.projectsByOwner[p.Owner], p.ID)
	t.onRollback(func() {
		delete(t.s.projects, p.ID)
		t.s.projectOrder = t.s.projectOrder[:len(t.s.projectOrder)-1]
		owned := t.s.projectsByOwner[p.Owner]
		t.s.projectsByOwner[p.Owner] = owned[:len(owned)-1]
	})
	return nil
}

func (t *memTx) UpdateProject(p *Project) error {
	old, exists := t.s.projects[p.ID]
	if !exists {
		return fmt.Errorf("project %q: %w", p.ID, ErrNotFound)
	}
	updated := cloneProject(p)
	updated.RecordIDs = old.RecordIDs
	updated.Owner = old.Owner
	updated.CreatedAt = old.CreatedAt
	t.s.projects[p.ID] = updated
	t.onRollback(func() { t.s.projects[p.ID] = old })
	return nil
}

func (t *memTx) NextRecordID() (uint64, error) {
	return t.s.lastRecordID + 1, nil
}

func (t *memTx) InsertRecord(r *MRVRecord) error {
	if _, exists := t.s.records[r.ID]; exists {
		return fmt.Errorf("record %d: %w", r.ID, ErrDuplicate)
	}
	project, ok := t.s.projects[r.ProjectID]
	if !ok {
		return fmt.Errorf("project %q: %w", r.ProjectID, ErrNotFound)
	}
	oldLast := t.s.lastRecordID
	oldIDs := project.RecordIDs

	t.s.records[r.ID] = cloneRecord(r)
	if r.ID > t.s.lastRecordID {
		t.s.lastRecordID = r.ID
	}
	ids := make([]uint64, len(oldIDs), len(oldIDs)+1)
	copy(ids, oldIDs)
	project.RecordIDs = append(ids, r.ID)
	t.s.recordsByHash[r.DataHash] = append(t.s.recordsByHash[r.DataHash], r.ID)

	t.onRollback(func() {
		delete(t.s.records, r.ID)
		t.s.lastRecordID = oldLast
		project.RecordIDs = oldIDs
		byHash := t.s.recordsByHash[r.DataHash]
		if len(byHash) == 1 {
			delete(t.s.recordsByHash, r.DataHash)
		} else {
			t.s.recordsByHash[r.DataHash] = byHash[:len(byHash)-1]
		}
	})
	return nil
}

func (t *memTx) UpdateRecord(r *MRVRecord) error {
	old, exists := t.s.records[r.ID]
	if !exists {
		return fmt.Errorf("record %d: %w", r.ID, ErrNotFound)
	}
	t.s.records[r.ID] = cloneRecord(r)
	t.onRollback(func() { t.s.records[r.ID] = old })
	return nil
}

func (t *memTx) NextBatchID() (uint64, error) {
	return t.s.lastBatchID + 1, nil
}

func (t *memTx) InsertBatch(b *CreditBatch) error {
	if _, exists := t.s.batches[b.ID]; exists {
		return fmt.Errorf("batch %d: %w", b.ID, ErrDuplicate)
	}
	if _, exists := t.s.batchByRecord[b.RecordID]; exists {
		return fmt.Errorf("batch for record %d: %w", b.RecordID, ErrDuplicate)
	}
	if _, exists := t.s.batchBySerial[b.SerialNumber]; exists {
		return fmt.Errorf("serial %q: %w", b.SerialNumber, ErrDuplicate)
	}
	issued, err := AddAmounts(t.s.issued, b.TotalAmount)
	if err != nil {
		return fmt.Errorf("batch %d total issued: %w", b.ID, err)
	}
	oldLast, oldIssued := t.s.lastBatchID, t.s.issued
	t.s.issued = issued
	cp := *b
	t.s.batches[b.ID] = &cp
	t.s.batchByRecord[b.RecordID] = b.ID
	t.s.batchBySerial[b.SerialNumber] = b.ID
	t.s.batchesByProject[b.ProjectID] = append(t.s.batchesByProject[b.ProjectID], b.ID)
	t.s.batchesByVintage[b.VintageYear] = append(t.s.batchesByVintage[b.VintageYear], b.ID)
	t.indexHolder(b.Recipient, b.ID)
	if b.ID > t.s.lastBatchID {
		t.s.lastBatchID = b.ID
	}
	t.onRollback(func() {
		delete(t.s.batches, b.ID)
		delete(t.s.batchByRecord, b.RecordID)
		delete(t.s.batchBySerial, b.SerialNumber)
		byProject := t.s.batchesByProject[b.ProjectID]
		t.s.batchesByProject[b.ProjectID] = byProject[:len(byProject)-1]
		byVintage := t.s.batchesByVintage[b.VintageYear]
		t.s.batchesByVintage[b.VintageYear] = byVintage[:len(byVintage)-1]
		t.s.lastBatchID = oldLast
		t.s.issued = oldIssued
	})
	return nil
}

func (t *memTx) UpdateBatch(b *CreditBatch) error {
	old, exists := t.s.batches[b.ID]
	if !exists {
		return fmt.Errorf("batch %d: %w", b.ID, ErrNotFound)
	}
	retired, err := AddAmounts(t.s.retired, b.Retired-old.Retired)
	if err != nil {
		return fmt.Errorf("batch %d total retired: %w", b.ID, err)
	}
	cp := *b
	cp.RecordID = old.RecordID
	cp.SerialNumber = old.SerialNumber
	cp.TotalAmount = old.TotalAmount
	cp.VintageYear = old.VintageYear
	oldRetired := t.s.retired
	t.s.batches[b.ID] = &cp
	t.s.retired = retired
	t.onRollback(func() {
		t.s.batches[b.ID] = old
		t.s.retired = oldRetired
	})
	return nil
}

func (t *memTx) AddBalance(holder Identity, batchID uint64, delta int64) error {
	if _, ok := t.s.batches[batchID]; !ok {
		return fmt.Errorf("batch %d: %w", batchID, ErrNotFound)
	}
	perBatch, ok := t.s.balances[holder]
	if !ok {
		perBatch = make(map[uint64]int64)
		t.s.balances[holder] = perBatch
	}
	old, had := perBatch[batchID]
	next, err := AddAmounts(old, delta)
	if err != nil {
		return fmt.Errorf("holder %q batch %d: %w", holder, batchID, err)
	}
	if next < 0 {
		return fmt.Errorf("holder %q batch %d: %w", holder, batchID, ErrNegativeBalance)
	}
	outstanding, err := AddAmounts(t.s.outstanding, delta)
	if err != nil {
		return fmt.Errorf("total outstanding: %w", err)
	}
	oldOutstanding := t.s.outstanding
	perBatch[batchID] = next
	t.s.outstanding = outstanding
	t.indexHolder(holder, batchID)
	t.onRollback(func() {
		if had {
			perBatch[batchID] = old
		} else {
			delete(perBatch, batchID)
		}
		t.s.outstanding = oldOutstanding
	})
	return nil
}

// indexHolder records that holder has held batchID at some point.
func (t *memTx) indexHolder(holder Identity, batchID uint64) {
	for _, id := range t.s.batchesByHolder[holder] {
		if id == batchID {
			return
		}
	}
	t.s.batchesByHolder[holder] = append(t.s.batchesByHolder[holder], batchID)
	t.onRollback(func() {
		held := t.s.batchesByHolder[holder]
		t.s.batchesByHolder[holder] = held[:len(held)-1]
	})
}

func (t *memTx) InsertRetirement(r *Retirement) error {
	if _, exists := t.s.retirements[r.ID]; exists {
		return fmt.Errorf("retirement %s: %w", r.ID, ErrDuplicate)
	}
	t.s.retirements[r.ID] = cloneRetirement(r)
	t.s.retirementsByHolder[r.Holder] = append(t.s.retirementsByHolder[r.Holder], r.ID)
	t.onRollback(func() {
		delete(t.s.retirements, r.ID)
		held := t.s.retirementsByHolder[r.Holder]
		t.s.retirementsByHolder[r.Holder] = held[:len(held)-1]
	})
	return nil
}

func (t *memTx) AppendEvents(evts []events.Event) ([]events.Event, error) {
	seq, head := t.s.log.Tail()
	if n := len(t.pending); n > 0 {
		seq, head = t.pending[n-1].Sequence, t.pending[n-1].Hash
	}
	out := make([]events.Event, 0, len(evts))
	for _, e := range evts {
		sealed, err := events.Seal(e, seq, head)
		if err != nil {
			return nil, err
		}
		out = append(out, sealed)
		seq, head = sealed.Sequence, sealed.Hash
	}
	t.pending = append(t.pending, out...)
	return out, nil
}

func cloneProject(p *Project) *Project {
	cp := *p
	cp.RecordIDs = append([]uint64(nil), p.RecordIDs...)
	return &cp
}

func cloneRecord(r *MRVRecord) *MRVRecord {
	cp := *r
	if r.Verifier != nil {
		v := *r.Verifier
		cp.Verifier = &v
	}
	if r.VerifiedAt != nil {
		at := *r.VerifiedAt
		cp.VerifiedAt = &at
	}
	return &cp
}

func cloneRetirement(r *Retirement) *Retirement {
	cp := *r
	cp.Allocations = append([]RetirementAllocation(nil), r.Allocations...)
	return &cp
}
