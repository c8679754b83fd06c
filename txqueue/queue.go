package txqueue

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chainqueue/chainqueue/adapter"
)

// Store is the durable mirror of the queue. Load failures leave the queue
// empty, Save failures degrade it to non-durable operation; neither is fatal.
type Store interface {
	Load() ([]*QueuedTransaction, error)
	Save(txs []*QueuedTransaction) error
}

// AddRequest is the caller-supplied part of a new record. Identity, status
// and timestamps are assigned by the queue.
type AddRequest struct {
	Hash        string
	ChainID     uint64
	Type        TxType
	Title       string
	Description string
	Value       *big.Int
	From        string
	To          string
}

type Filter struct {
	ChainID uint64
	Status  Status
	Type    TxType
}

func (f *Filter) matches(tx *QueuedTransaction) bool {
	if f == nil {
		return true
	}
	if f.ChainID != 0 && tx.ChainID != f.ChainID {
		return false
	}
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	return true
}

type Statistics struct {
	Total    int
	ByStatus map[Status]int
}

// Queue is the authoritative registry of tracked transactions. It owns all
// state transitions, writes through to the Store before publishing events,
// and drives the reconciliation worker against the ChainAdapter.
type Queue struct {
	lggr  *zap.SugaredLogger
	cfg   Config
	store Store
	chain adapter.ChainAdapter
	bus   *Bus
	clock Clock

	mu    sync.RWMutex
	txs   map[string]*QueuedTransaction
	order []string

	inflightMu sync.Mutex
	inflight   map[string]struct{}
	busyChains map[uint64]struct{}

	starter sync.Once
	stopper sync.Once
	stop    chan struct{}
	done    sync.WaitGroup
}

// New constructs a queue. store may be nil for a purely in-memory queue;
// with a nil chain the queue still loads and registers transactions but
// never reconciles them.
func New(lggr *zap.SugaredLogger, store Store, chain adapter.ChainAdapter, cfg Config) *Queue {
	cfg.applyDefaults()
	lggr = lggr.Named("TxQueue")
	return &Queue{
		lggr:       lggr,
		cfg:        cfg,
		store:      store,
		chain:      chain,
		bus:        NewBus(lggr),
		clock:      cfg.Clock,
		txs:        map[string]*QueuedTransaction{},
		inflight:   map[string]struct{}{},
		busyChains: map[uint64]struct{}{},
		stop:       make(chan struct{}),
	}
}

// Start loads persisted records and launches the reconciliation worker and,
// when retention is configured, the reaper.
func (q *Queue) Start(ctx context.Context) error {
	started := false
	q.starter.Do(func() {
		started = true
		q.loadFromStore()
		if q.chain != nil {
			q.done.Add(1)
			go q.pollLoop()
		}
		if q.cfg.RetentionPeriod > 0 {
			q.done.Add(1)
			go q.reapLoop()
		}
	})
	if !started {
		return fmt.Errorf("queue already started")
	}
	return nil
}

func (q *Queue) Close() error {
	stopped := false
	q.stopper.Do(func() {
		stopped = true
		close(q.stop)
		q.done.Wait()
	})
	if !stopped {
		return fmt.Errorf("queue already stopped")
	}
	return nil
}

// Subscribe registers a listener on the queue's event bus and returns its
// unsubscribe function. Listeners observe mutations only after they have been
// persisted.
func (q *Queue) Subscribe(fn func(Event)) func() {
	return q.bus.Subscribe(fn)
}

// Add registers a new pending transaction. Missing hash or chain id is a
// caller contract violation and the only error this returns.
func (q *Queue) Add(req AddRequest) (*QueuedTransaction, error) {
	if req.Hash == "" {
		return nil, fmt.Errorf("missing transaction hash")
	}
	if req.ChainID == 0 {
		return nil, fmt.Errorf("missing chain id")
	}
	if q.cfg.ChainIDFilter != 0 && req.ChainID != q.cfg.ChainIDFilter {
		return nil, fmt.Errorf("chain id %d is not tracked by this queue (filter: %d)", req.ChainID, q.cfg.ChainIDFilter)
	}

	txType := req.Type
	if txType == "" {
		txType = TxUnknown
	}

	tx := &QueuedTransaction{
		ID:          uuid.NewString(),
		Hash:        req.Hash,
		ChainID:     req.ChainID,
		Type:        txType,
		Status:      StatusPending,
		Title:       req.Title,
		Description: req.Description,
		From:        req.From,
		To:          req.To,
		SubmittedAt: q.clock.Now(),
	}
	if req.Value != nil {
		tx.Value = new(big.Int).Set(req.Value)
	}

	q.mu.Lock()
	q.txs[tx.ID] = tx
	q.order = append(q.order, tx.ID)
	q.persistLocked()
	// Both copies are taken under the lock: once the record is in the map the
	// worker may mutate it concurrently.
	snapshot := tx.Clone()
	returned := tx.Clone()
	q.mu.Unlock()

	q.lggr.Debugw("transaction added", "id", tx.ID, "txHash", tx.Hash, "chainID", tx.ChainID, "type", txType)
	q.bus.Publish(Event{Type: EventTransactionAdded, Tx: snapshot})
	return returned, nil
}

// Remove deletes a record regardless of status and reports whether it
// existed. A poll already in flight for the record resolves as a no-op.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	tx, ok := q.txs[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.txs, id)
	q.removeFromOrderLocked(id)
	q.persistLocked()
	snapshot := tx.Clone()
	q.mu.Unlock()

	q.lggr.Debugw("transaction removed", "id", id, "txHash", snapshot.Hash)
	q.bus.Publish(Event{Type: EventTransactionRemoved, Tx: snapshot})
	return true
}

// Cancel moves a pending transaction to cancelled and reports whether the
// transition applied. Cancelling a missing or already-terminal record is
// rejected by the transition guard.
func (q *Queue) Cancel(id string) bool {
	return q.transition(id, StatusCancelled, nil)
}

// Clear removes every record. It returns the number removed and publishes one
// removal event per record.
func (q *Queue) Clear() int {
	return q.clear(0)
}

// ClearChain removes every record on the given chain.
func (q *Queue) ClearChain(chainID uint64) int {
	return q.clear(chainID)
}

func (q *Queue) clear(chainID uint64) int {
	q.mu.Lock()
	var removed []*QueuedTransaction
	kept := q.order[:0]
	for _, id := range q.order {
		tx := q.txs[id]
		if chainID != 0 && tx.ChainID != chainID {
			kept = append(kept, id)
			continue
		}
		delete(q.txs, id)
		removed = append(removed, tx)
	}
	q.order = kept
	if len(removed) > 0 {
		q.persistLocked()
	}
	snapshots := make([]*QueuedTransaction, len(removed))
	for i, tx := range removed {
		snapshots[i] = tx.Clone()
	}
	q.mu.Unlock()

	for _, tx := range snapshots {
		q.bus.Publish(Event{Type: EventTransactionRemoved, Tx: tx})
	}
	if len(snapshots) > 0 {
		q.lggr.Debugw("queue cleared", "chainID", chainID, "removed", len(snapshots))
	}
	return len(snapshots)
}

// Get returns a snapshot of the record, or nil if unknown.
func (q *Queue) Get(id string) *QueuedTransaction {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.txs[id].Clone()
}

// List returns snapshots matching the filter in insertion order. A nil filter
// matches everything.
func (q *Queue) List(f *Filter) []*QueuedTransaction {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := []*QueuedTransaction{}
	for _, id := range q.order {
		tx := q.txs[id]
		if f.matches(tx) {
			out = append(out, tx.Clone())
		}
	}
	return out
}

// Statistics derives per-status counts. Nothing is stored redundantly.
func (q *Queue) Statistics() Statistics {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := Statistics{Total: len(q.txs), ByStatus: map[Status]int{}}
	for _, tx := range q.txs {
		stats.ByStatus[tx.Status]++
	}
	return stats
}

// transition is the single writer of Status and terminal fields. It validates
// the edge, mutates, persists and publishes, in that order. An illegal edge
// is logged and dropped; a missing record (removed mid-flight) is a silent
// no-op.
func (q *Queue) transition(id string, to Status, mutate func(tx *QueuedTransaction)) bool {
	q.mu.Lock()
	tx, ok := q.txs[id]
	if !ok {
		q.mu.Unlock()
		q.lggr.Debugw("dropping resolution for removed transaction", "id", id, "to", to)
		return false
	}
	if !tx.Status.CanTransitionTo(to) {
		from := tx.Status
		q.mu.Unlock()
		q.lggr.Warnw("rejected illegal status transition", "id", id, "txHash", tx.Hash, "from", from, "to", to)
		return false
	}

	tx.Status = to
	now := q.clock.Now()
	tx.FinishedAt = &now
	if mutate != nil {
		mutate(tx)
	}
	q.persistLocked()
	snapshot := tx.Clone()
	q.mu.Unlock()

	q.bus.Publish(Event{Type: eventTypeForStatus(to), Tx: snapshot})
	return true
}

// noteUnresolved records one unresolved poll cycle for a still-pending
// transaction and forces a timeout once the window or the retry cap is
// exhausted.
func (q *Queue) noteUnresolved(id string) {
	q.mu.Lock()
	tx, ok := q.txs[id]
	if !ok || tx.Status != StatusPending {
		q.mu.Unlock()
		return
	}
	tx.RetryCount++
	retries := tx.RetryCount
	age := q.clock.Now().Sub(tx.SubmittedAt)
	q.persistLocked()
	q.mu.Unlock()

	if q.cfg.Debug {
		q.lggr.Debugw("transaction still unresolved", "id", id, "retryCount", retries, "age", age)
	}

	if age > q.cfg.Timeout {
		q.transition(id, StatusTimeout, func(tx *QueuedTransaction) {
			tx.Error = &TxError{Code: ErrCodeTimeout, Message: fmt.Sprintf("no resolution after %s", age)}
		})
		return
	}
	if q.cfg.MaxRetries > 0 && retries >= q.cfg.MaxRetries {
		q.transition(id, StatusTimeout, func(tx *QueuedTransaction) {
			tx.Error = &TxError{Code: ErrCodeMaxRetries, Message: fmt.Sprintf("no resolution after %d attempts", retries)}
		})
	}
}

func (q *Queue) loadFromStore() {
	if q.store == nil {
		return
	}
	records, err := q.store.Load()
	if err != nil {
		q.lggr.Errorw("failed to load persisted queue, starting empty", "err", err)
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, tx := range records {
		if tx.ID == "" {
			continue
		}
		if _, exists := q.txs[tx.ID]; exists {
			q.lggr.Warnw("skipping duplicate persisted record", "id", tx.ID)
			continue
		}
		q.txs[tx.ID] = tx
		q.order = append(q.order, tx.ID)
	}
	q.lggr.Infow("loaded persisted queue", "count", len(q.order))
}

// persistLocked mirrors the current registry into the store. Failures are
// logged; the in-memory queue keeps operating without durability.
func (q *Queue) persistLocked() {
	if q.store == nil {
		return
	}
	snapshot := make([]*QueuedTransaction, 0, len(q.order))
	for _, id := range q.order {
		snapshot = append(snapshot, q.txs[id].Clone())
	}
	if err := q.store.Save(snapshot); err != nil {
		q.lggr.Errorw("failed to persist queue, continuing non-durable", "err", err, "count", len(snapshot))
	}
}

func (q *Queue) removeFromOrderLocked(id string) {
	for i, other := range q.order {
		if other == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

func contextFromChan(ch <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
