package txqueue

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"time"

	"github.com/chainqueue/chainqueue/adapter"
)

type pollTask struct {
	id   string
	hash string
}

func (q *Queue) pollLoop() {
	defer q.done.Done()

	ctx, cancel := contextFromChan(q.stop)
	defer cancel()

	tick := q.clock.After(withJitter(q.cfg.PollInterval))
	q.lggr.Debugw("pollLoop: started", "interval", q.cfg.PollInterval)

	for {
		select {
		case <-tick:
			q.reconcile(ctx)
			tick = q.clock.After(withJitter(q.cfg.PollInterval))
		case <-q.stop:
			q.lggr.Debugw("pollLoop: stopped")
			return
		}
	}
}

// reconcile snapshots the pending records grouped by chain and launches one
// reconciliation cycle per chain. A chain whose previous cycle is still
// running is skipped, so a slow chain never blocks or double-polls another.
func (q *Queue) reconcile(ctx context.Context) {
	byChain := map[uint64][]pollTask{}
	q.mu.RLock()
	for _, id := range q.order {
		tx := q.txs[id]
		if tx.Status != StatusPending {
			continue
		}
		if q.cfg.ChainIDFilter != 0 && tx.ChainID != q.cfg.ChainIDFilter {
			continue
		}
		byChain[tx.ChainID] = append(byChain[tx.ChainID], pollTask{id: id, hash: tx.Hash})
	}
	q.mu.RUnlock()

	for chainID, tasks := range byChain {
		q.inflightMu.Lock()
		if _, busy := q.busyChains[chainID]; busy {
			q.inflightMu.Unlock()
			if q.cfg.Debug {
				q.lggr.Debugw("skipping chain, previous cycle still running", "chainID", chainID)
			}
			continue
		}
		q.busyChains[chainID] = struct{}{}
		q.inflightMu.Unlock()

		q.done.Add(1)
		go q.reconcileChain(ctx, chainID, tasks)
	}
}

func (q *Queue) reconcileChain(ctx context.Context, chainID uint64, tasks []pollTask) {
	defer q.done.Done()
	defer func() {
		q.inflightMu.Lock()
		delete(q.busyChains, chainID)
		q.inflightMu.Unlock()
	}()

	for _, task := range tasks {
		select {
		case <-q.stop:
			return
		default:
		}

		if !q.markInflight(task.id) {
			continue
		}
		result, err := q.chain.GetTransactionStatus(ctx, task.hash, chainID)
		q.clearInflight(task.id)

		if err != nil {
			q.lggr.Warnw("adapter status check failed", "id", task.id, "txHash", task.hash, "chainID", chainID, "err", err)
			q.noteUnresolved(task.id)
			continue
		}
		q.applyResult(task.id, task.hash, chainID, result)
	}
}

func (q *Queue) applyResult(id, hash string, chainID uint64, result adapter.StatusResult) {
	switch result.State {
	case adapter.TxConfirmed:
		applied := q.transition(id, StatusConfirmed, func(tx *QueuedTransaction) {
			now := q.clock.Now()
			tx.ConfirmedAt = &now
			if result.BlockNumber != nil {
				tx.BlockNumber = new(big.Int).Set(result.BlockNumber)
			}
			if result.GasUsed != nil {
				tx.GasUsed = new(big.Int).Set(result.GasUsed)
			}
			if result.EffectiveGasPrice != nil {
				tx.EffectiveGasPrice = new(big.Int).Set(result.EffectiveGasPrice)
			}
			tx.Receipt = result.Receipt.Clone()
		})
		if applied {
			q.lggr.Infow("transaction confirmed", "id", id, "txHash", hash, "chainID", chainID, "blockNumber", result.BlockNumber)
		}

	case adapter.TxReverted:
		applied := q.transition(id, StatusFailed, func(tx *QueuedTransaction) {
			msg := "transaction reverted on chain"
			if result.BlockNumber != nil {
				msg = fmt.Sprintf("transaction reverted in block %s", result.BlockNumber)
			}
			tx.Error = &TxError{Code: ErrCodeReverted, Message: msg}
		})
		if applied {
			q.lggr.Errorw("transaction reverted", "id", id, "txHash", hash, "chainID", chainID, "blockNumber", result.BlockNumber)
		}

	case adapter.TxReplaced:
		// The original record is marked replaced; the replacing hash is not
		// tracked automatically, callers add it if they care.
		applied := q.transition(id, StatusReplaced, nil)
		if applied {
			q.lggr.Infow("transaction replaced", "id", id, "txHash", hash, "chainID", chainID, "replacedBy", result.ReplacedBy)
		}

	case adapter.TxNotFound, adapter.TxPending:
		q.noteUnresolved(id)

	default:
		q.lggr.Errorw("adapter returned unknown state", "id", id, "txHash", hash, "state", result.State)
	}
}

func (q *Queue) markInflight(id string) bool {
	q.inflightMu.Lock()
	defer q.inflightMu.Unlock()
	if _, ok := q.inflight[id]; ok {
		return false
	}
	q.inflight[id] = struct{}{}
	return true
}

func (q *Queue) clearInflight(id string) {
	q.inflightMu.Lock()
	defer q.inflightMu.Unlock()
	delete(q.inflight, id)
}

func (q *Queue) reapLoop() {
	defer q.done.Done()

	tick := q.clock.After(q.cfg.ReapInterval)
	q.lggr.Debugw("reapLoop: started", "interval", q.cfg.ReapInterval, "retention", q.cfg.RetentionPeriod)

	for {
		select {
		case <-tick:
			q.reapExpired()
			tick = q.clock.After(q.cfg.ReapInterval)
		case <-q.stop:
			q.lggr.Debugw("reapLoop: stopped")
			return
		}
	}
}

// reapExpired removes terminal records whose retention period has elapsed.
// Pending records are never reaped.
func (q *Queue) reapExpired() {
	cutoff := q.clock.Now().Add(-q.cfg.RetentionPeriod)

	q.mu.Lock()
	var removed []*QueuedTransaction
	kept := q.order[:0]
	for _, id := range q.order {
		tx := q.txs[id]
		if tx.Status.Terminal() && tx.FinishedAt != nil && tx.FinishedAt.Before(cutoff) {
			delete(q.txs, id)
			removed = append(removed, tx.Clone())
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	if len(removed) > 0 {
		q.persistLocked()
	}
	q.mu.Unlock()

	for _, tx := range removed {
		q.bus.Publish(Event{Type: EventTransactionRemoved, Tx: tx})
	}
	if len(removed) > 0 {
		q.lggr.Debugw("reaped terminal transactions", "count", len(removed))
	}
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	// +/- 10%
	jitter := rand.Int63n(int64(d)/5+1) - int64(d)/10
	return time.Duration(int64(d) + jitter)
}
