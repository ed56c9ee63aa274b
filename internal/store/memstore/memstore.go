// Package memstore is the in-memory reference implementation of the backing
// store. It backs tests and local runs; dynamostore is the deployed
// implementation.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/mailtide/jmap-api/internal/store"
)

type accountData struct {
	records map[store.Kind]map[string]*store.Record
	states  map[store.Kind]int64
	horizon int64
}

// Store is an in-memory store.Store. External hooks (sync, search, blobs)
// are pluggable func fields so tests can observe or override them.
type Store struct {
	mu       sync.Mutex
	accounts map[string]*accountData
	snapshot map[string]*accountData
	inTx     bool

	lockMu sync.Mutex
	locks  map[string]*semaphore.Weighted

	blobs map[string][]byte

	// Optional external hooks. Nil means no-op (or, for search, an
	// in-process substring scan over email rows).
	SyncFoldersFunc      func(ctx context.Context, accountID string) error
	SyncMailFunc         func(ctx context.Context, accountID string) error
	SyncCalendarsFunc    func(ctx context.Context, accountID string) error
	SyncAddressbooksFunc func(ctx context.Context, accountID string) error
	SearchMailFunc       func(ctx context.Context, accountID, field, term string) (map[string]bool, error)
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		accounts: make(map[string]*accountData),
		locks:    make(map[string]*semaphore.Weighted),
		blobs:    make(map[string][]byte),
	}
}

func (s *Store) account(accountID string) *accountData {
	a, ok := s.accounts[accountID]
	if !ok {
		a = &accountData{
			records: make(map[store.Kind]map[string]*store.Record),
			states:  make(map[store.Kind]int64),
		}
		s.accounts[accountID] = a
	}
	return a
}

// Begin snapshots the store so Rollback can restore it. Commit drops the
// snapshot.
func (s *Store) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = copyAccounts(s.accounts)
	s.inTx = true
	return nil
}

func (s *Store) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = nil
	s.inTx = false
	return nil
}

func (s *Store) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inTx && s.snapshot != nil {
		s.accounts = s.snapshot
	}
	s.snapshot = nil
	s.inTx = false
	return nil
}

// BeginSuperlock serializes writers per (account, kind) with a weighted
// semaphore so acquisition honours context cancellation.
func (s *Store) BeginSuperlock(ctx context.Context, accountID string, kind store.Kind) (func(), error) {
	s.lockMu.Lock()
	key := accountID + "/" + string(kind)
	sem, ok := s.locks[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		s.locks[key] = sem
	}
	s.lockMu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("superlock %s: %w", key, err)
	}

	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}

func (s *Store) GetAll(ctx context.Context, accountID string, kind store.Kind) ([]*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.account(accountID).records[kind]
	out := make([]*store.Record, 0, len(rows))
	for _, rec := range rows {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetOne(ctx context.Context, accountID string, kind store.Kind, id string) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.account(accountID).records[kind][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyRecord(rec), nil
}

func (s *Store) GetSince(ctx context.Context, accountID string, kind store.Kind, since int64) ([]*store.Record, error) {
	all, err := s.GetAll(ctx, accountID, kind)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if rec.Changed() > since {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, accountID string, kind store.Kind, id string, props map[string]any) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.account(accountID)
	rows, ok := a.records[kind]
	if !ok {
		rows = make(map[string]*store.Record)
		a.records[kind] = rows
	}
	if existing, ok := rows[id]; ok && existing.Active {
		return nil, fmt.Errorf("create %s %s: id already exists", kind, id)
	}

	a.states[kind]++
	rec := &store.Record{
		ID:         id,
		ModSeq:     a.states[kind],
		Created:    a.states[kind],
		Active:     true,
		Properties: copyProps(props),
	}
	rows[id] = rec
	return copyRecord(rec), nil
}

func (s *Store) Update(ctx context.Context, accountID string, kind store.Kind, id string, props map[string]any, countsOnly bool) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.account(accountID)
	rec, ok := a.records[kind][id]
	if !ok || !rec.Active {
		return nil, store.ErrNotFound
	}

	for key, value := range props {
		if value == nil {
			delete(rec.Properties, key)
		} else {
			rec.Properties[key] = deepCopy(value)
		}
	}

	a.states[kind]++
	if countsOnly {
		rec.CountsModSeq = a.states[kind]
	} else {
		rec.ModSeq = a.states[kind]
	}
	return copyRecord(rec), nil
}

func (s *Store) Destroy(ctx context.Context, accountID string, kind store.Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.account(accountID)
	rec, ok := a.records[kind][id]
	if !ok || !rec.Active {
		return store.ErrNotFound
	}

	a.states[kind]++
	rec.Active = false
	rec.ModSeq = a.states[kind]
	return nil
}

func (s *Store) State(ctx context.Context, accountID string, kind store.Kind) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account(accountID).states[kind], nil
}

func (s *Store) DeletedModSeq(ctx context.Context, accountID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account(accountID).horizon, nil
}

// SetDeletedModSeq advances the change horizon; used when change-log entries
// are expired.
func (s *Store) SetDeletedModSeq(accountID string, horizon int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account(accountID).horizon = horizon
}

func (s *Store) SyncFolders(ctx context.Context, accountID string) error {
	if s.SyncFoldersFunc != nil {
		return s.SyncFoldersFunc(ctx, accountID)
	}
	return nil
}

func (s *Store) SyncMail(ctx context.Context, accountID string) error {
	if s.SyncMailFunc != nil {
		return s.SyncMailFunc(ctx, accountID)
	}
	return nil
}

func (s *Store) SyncCalendars(ctx context.Context, accountID string) error {
	if s.SyncCalendarsFunc != nil {
		return s.SyncCalendarsFunc(ctx, accountID)
	}
	return nil
}

func (s *Store) SyncAddressbooks(ctx context.Context, accountID string) error {
	if s.SyncAddressbooksFunc != nil {
		return s.SyncAddressbooksFunc(ctx, accountID)
	}
	return nil
}

func (s *Store) SearchMail(ctx context.Context, accountID, field, term string) (map[string]bool, error) {
	if s.SearchMailFunc != nil {
		return s.SearchMailFunc(ctx, accountID, field, term)
	}

	rows, err := s.GetAll(ctx, accountID, store.KindEmail)
	if err != nil {
		return nil, err
	}
	matched := make(map[string]bool)
	for _, rec := range rows {
		if rec.Active && store.MatchEmailField(rec, field, term) {
			matched[rec.ID] = true
		}
	}
	return matched, nil
}

func (s *Store) GetBlob(ctx context.Context, accountID, blobID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[accountID+"/"+blobID]
	if !ok {
		return nil, store.ErrBlobNotFound
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

// PutBlob stores raw bytes for tests and local imports.
func (s *Store) PutBlob(accountID, blobID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	s.blobs[accountID+"/"+blobID] = stored
}

func copyAccounts(accounts map[string]*accountData) map[string]*accountData {
	out := make(map[string]*accountData, len(accounts))
	for id, a := range accounts {
		copied := &accountData{
			records: make(map[store.Kind]map[string]*store.Record, len(a.records)),
			states:  make(map[store.Kind]int64, len(a.states)),
			horizon: a.horizon,
		}
		for kind, rows := range a.records {
			copiedRows := make(map[string]*store.Record, len(rows))
			for rid, rec := range rows {
				copiedRows[rid] = copyRecord(rec)
			}
			copied.records[kind] = copiedRows
		}
		for kind, state := range a.states {
			copied.states[kind] = state
		}
		out[id] = copied
	}
	return out
}

func copyRecord(rec *store.Record) *store.Record {
	copied := *rec
	copied.Properties = copyProps(rec.Properties)
	return &copied
}

func copyProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = deepCopy(elem)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = deepCopy(elem)
		}
		return out
	default:
		return v
	}
}
