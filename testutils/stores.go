package testutils

import (
	"sync"

	"github.com/chainqueue/chainqueue/txqueue"
)

// MemStore is an in-memory txqueue.Store that counts saves.
type MemStore struct {
	mu      sync.Mutex
	records []*txqueue.QueuedTransaction
	saves   int

	// SaveErr and LoadErr, when set, fail the corresponding call.
	SaveErr error
	LoadErr error
}

var _ txqueue.Store = &MemStore{}

func NewMemStore() *MemStore {
	return &MemStore{}
}

// Seed replaces the stored records, bypassing Save accounting.
func (s *MemStore) Seed(txs []*txqueue.QueuedTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = cloneAll(txs)
}

func (s *MemStore) Load() ([]*txqueue.QueuedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	return cloneAll(s.records), nil
}

func (s *MemStore) Save(txs []*txqueue.QueuedTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.records = cloneAll(txs)
	s.saves++
	return nil
}

func (s *MemStore) SaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Records returns the last saved snapshot.
func (s *MemStore) Records() []*txqueue.QueuedTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.records)
}

func cloneAll(txs []*txqueue.QueuedTransaction) []*txqueue.QueuedTransaction {
	out := make([]*txqueue.QueuedTransaction, len(txs))
	for i, tx := range txs {
		out[i] = tx.Clone()
	}
	return out
}
