package testutils

import (
	"context"
	"sync"

	"github.com/chainqueue/chainqueue/adapter"
)

// FakeAdapter is a scripted ChainAdapter. Results and errors are keyed by
// transaction hash; unscripted hashes report not_found. OnCall, when set, is
// invoked before each lookup so tests can block a poll mid-flight.
type FakeAdapter struct {
	mu      sync.Mutex
	results map[string]adapter.StatusResult
	errs    map[string]error
	calls   map[string]int

	OnCall func(hash string)
}

var _ adapter.ChainAdapter = &FakeAdapter{}

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		results: map[string]adapter.StatusResult{},
		errs:    map[string]error{},
		calls:   map[string]int{},
	}
}

func (f *FakeAdapter) SetResult(hash string, result adapter.StatusResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[hash] = result
	delete(f.errs, hash)
}

func (f *FakeAdapter) SetError(hash string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[hash] = err
}

func (f *FakeAdapter) Calls(hash string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[hash]
}

func (f *FakeAdapter) GetTransactionStatus(ctx context.Context, hash string, chainID uint64) (adapter.StatusResult, error) {
	f.mu.Lock()
	f.calls[hash]++
	onCall := f.OnCall
	err := f.errs[hash]
	result, ok := f.results[hash]
	f.mu.Unlock()

	if onCall != nil {
		onCall(hash)
	}
	if err != nil {
		return adapter.StatusResult{}, err
	}
	if !ok {
		return adapter.StatusResult{State: adapter.TxNotFound}, nil
	}
	return result, nil
}
