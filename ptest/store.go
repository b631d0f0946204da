package ptest

import (
	"context"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/projex"
)

// Skip is one audit record of a skipped transaction.
type Skip struct {
	Projector string
	TxnID     string
	StreamID  string
	ErrMsg    string
	CreatedAt time.Time
}

// MemStore is an in-memory projection store implementing the projex
// Store, StateStore, Executor and Quarantiner interfaces. Mutations are
// queued on units of work and only become visible on Commit. Note it
// obviously does not provide any persistence guarantees.
type MemStore struct {
	mu          sync.Mutex
	docs        map[string]projex.Doc
	quarantined map[string]string // key to reason
	states      map[string]projex.State
	skips       []Skip
	commits     int
	failCommits int
}

// NewMemStore returns a new empty in-memory projection store.
func NewMemStore() *MemStore {
	return &MemStore{
		docs:        make(map[string]projex.Doc),
		quarantined: make(map[string]string),
		states:      make(map[string]projex.State),
	}
}

// BeginUnit returns a new unit of work overlaying the store.
func (s *MemStore) BeginUnit(_ context.Context) (projex.Unit, error) {
	return &MemUnit{
		store:    s,
		docSet:   make(map[string]projex.Doc),
		docDel:   make(map[string]bool),
		quarSet:  make(map[string]string),
		stateSet: make(map[string]projex.State),
	}, nil
}

// GetState returns the projector's persisted state, or a zero state with
// checkpoint 0 if it never ran.
func (s *MemStore) GetState(_ context.Context, projector string) (projex.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[projector]
	if !ok {
		return projex.State{Projector: projector}, nil
	}
	return st, nil
}

// SaveState queues the state write on the unit of work.
func (s *MemStore) SaveState(_ context.Context, u projex.Unit, state projex.State) error {
	mu, err := memUnit(u)
	if err != nil {
		return err
	}
	mu.stateSet[state.Projector] = state
	return nil
}

// Quarantine queues flagging the projection corrupted on the unit.
func (s *MemStore) Quarantine(_ context.Context, u projex.Unit, key, reason string) error {
	mu, err := memUnit(u)
	if err != nil {
		return err
	}
	mu.quarSet[key] = reason
	return nil
}

// IsQuarantined returns whether the projection is flagged corrupted.
func (s *MemStore) IsQuarantined(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.quarantined[key]
	return ok, nil
}

// Create inserts a new doc built by apply from an empty doc.
func (s *MemStore) Create(_ context.Context, u projex.Unit, key string,
	apply projex.ApplyFunc, ignoreDuplicates bool,
) error {
	mu, err := memUnit(u)
	if err != nil {
		return err
	}
	if q, err := s.unitQuarantined(mu, key); err != nil {
		return err
	} else if q {
		return errors.Wrap(projex.ErrQuarantined, "", j.KS("key", key))
	}

	if _, ok, err := s.unitGet(mu, key); err != nil {
		return err
	} else if ok {
		if ignoreDuplicates {
			return nil
		}
		return errors.Wrap(projex.ErrDuplicate, "", j.KS("key", key))
	}

	doc := projex.Doc{}
	if err := apply(doc); err != nil {
		return err
	}
	delete(mu.docDel, key)
	mu.docSet[key] = doc
	return nil
}

// Update loads the doc, applies the mutation and stores it.
func (s *MemStore) Update(_ context.Context, u projex.Unit, key string,
	apply projex.ApplyFunc, createIfMissing, ignoreMissing bool,
) error {
	mu, err := memUnit(u)
	if err != nil {
		return err
	}
	if q, err := s.unitQuarantined(mu, key); err != nil {
		return err
	} else if q {
		return errors.Wrap(projex.ErrQuarantined, "", j.KS("key", key))
	}

	doc, ok, err := s.unitGet(mu, key)
	if err != nil {
		return err
	}
	if !ok {
		if ignoreMissing {
			return nil
		}
		if !createIfMissing {
			return errors.Wrap(projex.ErrMissing, "", j.KS("key", key))
		}
		doc = projex.Doc{}
	}

	if err := apply(doc); err != nil {
		return err
	}
	delete(mu.docDel, key)
	mu.docSet[key] = doc
	return nil
}

// Delete removes the doc.
func (s *MemStore) Delete(_ context.Context, u projex.Unit, key string,
	ignoreMissing bool,
) error {
	mu, err := memUnit(u)
	if err != nil {
		return err
	}
	if q, err := s.unitQuarantined(mu, key); err != nil {
		return err
	} else if q {
		return errors.Wrap(projex.ErrQuarantined, "", j.KS("key", key))
	}

	if _, ok, err := s.unitGet(mu, key); err != nil {
		return err
	} else if !ok {
		if ignoreMissing {
			return nil
		}
		return errors.Wrap(projex.ErrMissing, "", j.KS("key", key))
	}

	delete(mu.docSet, key)
	mu.docDel[key] = true
	return nil
}

// Custom queues an arbitrary action on the unit. Actions run at commit
// time, in registration order, before the queued data mutations apply.
func (s *MemStore) Custom(_ context.Context, u projex.Unit,
	action func(ctx context.Context) error,
) error {
	mu, err := memUnit(u)
	if err != nil {
		return err
	}
	mu.customs = append(mu.customs, action)
	return nil
}

// SkipInserter returns a projex.SkipInsertFunc recording skipped
// transactions in the store for later inspection via Skips.
func (s *MemStore) SkipInserter() projex.SkipInsertFunc {
	return func(_ context.Context, projector, txnID, streamID, errMsg string) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.skips = append(s.skips, Skip{
			Projector: projector,
			TxnID:     txnID,
			StreamID:  streamID,
			ErrMsg:    errMsg,
			CreatedAt: time.Now(),
		})
		return nil
	}
}

// GetDoc returns a copy of the committed doc for the key.
func (s *MemStore) GetDoc(key string) (projex.Doc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[key]
	if !ok {
		return nil, false
	}
	res := make(projex.Doc, len(doc))
	for k, v := range doc {
		res[k] = v
	}
	return res, true
}

// Skips returns the recorded skip audit records.
func (s *MemStore) Skips() []Skip {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Skip(nil), s.skips...)
}

// Commits returns the number of committed units.
func (s *MemStore) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commits
}

// FailCommits makes the next n unit commits fail. Used to test that
// checkpoints never advance without their data mutations.
func (s *MemStore) FailCommits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failCommits = n
}

// unitGet returns the doc for the key as seen by the unit; queued
// mutations shadow committed state.
func (s *MemStore) unitGet(mu *MemUnit, key string) (projex.Doc, bool, error) {
	if mu.docDel[key] {
		return nil, false, nil
	}
	if doc, ok := mu.docSet[key]; ok {
		return doc, true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[key]
	if !ok {
		return nil, false, nil
	}
	res := make(projex.Doc, len(doc))
	for k, v := range doc {
		res[k] = v
	}
	return res, true, nil
}

func (s *MemStore) unitQuarantined(mu *MemUnit, key string) (bool, error) {
	if _, ok := mu.quarSet[key]; ok {
		return true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.quarantined[key]
	return ok, nil
}

// MemUnit is a unit of work overlaying a MemStore. All queued mutations
// apply atomically on Commit or are discarded on Rollback.
type MemUnit struct {
	store *MemStore

	docSet   map[string]projex.Doc
	docDel   map[string]bool
	quarSet  map[string]string
	stateSet map[string]projex.State
	customs  []func(ctx context.Context) error

	done bool
}

// Commit runs queued custom actions then applies all queued mutations
// atomically.
func (u *MemUnit) Commit(ctx context.Context) error {
	if u.done {
		return errors.New("unit already committed or rolled back")
	}
	u.done = true

	for _, action := range u.customs {
		if err := action(ctx); err != nil {
			return errors.Wrap(err, "custom action")
		}
	}

	u.store.mu.Lock()
	defer u.store.mu.Unlock()

	if u.store.failCommits > 0 {
		u.store.failCommits--
		return errors.New("commit failed")
	}

	for key, doc := range u.docSet {
		u.store.docs[key] = doc
	}
	for key := range u.docDel {
		delete(u.store.docs, key)
	}
	for key, reason := range u.quarSet {
		u.store.quarantined[key] = reason
	}
	for name, st := range u.stateSet {
		u.store.states[name] = st
	}
	u.store.commits++

	return nil
}

// Rollback discards all queued mutations. It is a noop after Commit.
func (u *MemUnit) Rollback() error {
	u.done = true
	return nil
}

func memUnit(u projex.Unit) (*MemUnit, error) {
	mu, ok := u.(*MemUnit)
	if !ok {
		return nil, errors.New("unit not created by this store")
	}
	return mu, nil
}
