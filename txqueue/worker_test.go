package txqueue_test

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest/observer"

	"github.com/chainqueue/chainqueue/adapter"
	"github.com/chainqueue/chainqueue/testutils"
	"github.com/chainqueue/chainqueue/txqueue"
)

const testPollInterval = time.Second

type workerHarness struct {
	queue   *txqueue.Queue
	adapter *testutils.FakeAdapter
	clock   *testutils.FakeClock
	rec     *eventRecorder
	logs    *observer.ObservedLogs
}

func startQueue(t *testing.T, cfg txqueue.Config) *workerHarness {
	fakeAdapter := testutils.NewFakeAdapter()
	fakeClock := testutils.NewFakeClock(time.Unix(1700000000, 0))
	lggr, observedLogs := testutils.ObservedLogger(t)

	if cfg.PollInterval == 0 {
		cfg.PollInterval = testPollInterval
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Hour
	}
	cfg.Clock = fakeClock

	q := txqueue.New(lggr, nil, fakeAdapter, cfg)
	rec := &eventRecorder{}
	q.Subscribe(rec.record)

	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { q.Close() })

	return &workerHarness{queue: q, adapter: fakeAdapter, clock: fakeClock, rec: rec, logs: observedLogs}
}

// cycle fires the next reconciliation tick. The jittered interval is at most
// 110% of the configured one, so advancing by twice the interval always
// triggers it.
func (h *workerHarness) cycle(t *testing.T) {
	require.Eventually(t, func() bool { return h.clock.WaiterCount() > 0 }, 2*time.Second, time.Millisecond)
	h.clock.Advance(2 * testPollInterval)
}

func confirmedResult(hash string, blockNumber int64) adapter.StatusResult {
	return adapter.StatusResult{
		State:             adapter.TxConfirmed,
		BlockNumber:       big.NewInt(blockNumber),
		GasUsed:           big.NewInt(21000),
		EffectiveGasPrice: big.NewInt(1_000_000_000),
		Receipt: &adapter.Receipt{
			TxHash:      hash,
			BlockNumber: big.NewInt(blockNumber),
			GasUsed:     big.NewInt(21000),
			Status:      1,
		},
	}
}

func TestWorkerConfirmation(t *testing.T) {
	t.Parallel()

	h := startQueue(t, txqueue.Config{})
	h.adapter.SetResult("0xabc", confirmedResult("0xabc", 100))

	tx, err := h.queue.Add(txqueue.AddRequest{Hash: "0xabc", ChainID: 1, Type: txqueue.TxTransfer, Title: "t"})
	require.NoError(t, err)
	require.Equal(t, txqueue.StatusPending, tx.Status)
	require.Equal(t, uint32(0), tx.RetryCount)

	h.cycle(t)
	require.Eventually(t, func() bool {
		return h.queue.Get(tx.ID).Status == txqueue.StatusConfirmed
	}, 5*time.Second, 10*time.Millisecond)

	confirmed := h.queue.Get(tx.ID)
	require.NotNil(t, confirmed.ConfirmedAt)
	require.NotNil(t, confirmed.FinishedAt)
	require.Equal(t, int64(100), confirmed.BlockNumber.Int64())
	require.Equal(t, int64(21000), confirmed.GasUsed.Int64())
	require.NotNil(t, confirmed.Receipt)
	require.Equal(t, uint32(0), confirmed.RetryCount)
	require.Nil(t, confirmed.Error)

	require.Len(t, h.rec.ofType(txqueue.EventTransactionConfirmed), 1)
}

func TestAddReturnIndependentOfWorker(t *testing.T) {
	t.Parallel()

	h := startQueue(t, txqueue.Config{})
	h.adapter.SetResult("0xabc", confirmedResult("0xabc", 100))

	// The listener fires the worker tick and holds Add's return path open
	// until the record has been confirmed, so the worker's mutation overlaps
	// the tail of Add.
	unsubscribe := h.queue.Subscribe(func(event txqueue.Event) {
		if event.Type != txqueue.EventTransactionAdded {
			return
		}
		h.cycle(t)
		require.Eventually(t, func() bool {
			return h.queue.Get(event.Tx.ID).Status == txqueue.StatusConfirmed
		}, 5*time.Second, 10*time.Millisecond)
	})
	defer unsubscribe()

	tx, err := h.queue.Add(txqueue.AddRequest{Hash: "0xabc", ChainID: 1})
	require.NoError(t, err)

	// The returned record is the registration-time snapshot, untouched by the
	// concurrent confirmation.
	require.Equal(t, txqueue.StatusPending, tx.Status)
	require.Nil(t, tx.ConfirmedAt)
	require.Nil(t, tx.Receipt)
	require.Equal(t, txqueue.StatusConfirmed, h.queue.Get(tx.ID).Status)
}

func TestWorkerRetryAccounting(t *testing.T) {
	t.Parallel()

	t.Run("unresolved polls increment retry count", func(t *testing.T) {
		h := startQueue(t, txqueue.Config{})

		tx, err := h.queue.Add(txqueue.AddRequest{Hash: "0xabc", ChainID: 1})
		require.NoError(t, err)

		h.cycle(t)
		require.Eventually(t, func() bool {
			return h.queue.Get(tx.ID).RetryCount == 1
		}, 5*time.Second, 10*time.Millisecond)
		require.Equal(t, txqueue.StatusPending, h.queue.Get(tx.ID).Status)

		h.cycle(t)
		require.Eventually(t, func() bool {
			return h.queue.Get(tx.ID).RetryCount == 2
		}, 5*time.Second, 10*time.Millisecond)

		// A late resolution still lands, with the accumulated retries.
		h.adapter.SetResult("0xabc", confirmedResult("0xabc", 50))
		h.cycle(t)
		require.Eventually(t, func() bool {
			return h.queue.Get(tx.ID).Status == txqueue.StatusConfirmed
		}, 5*time.Second, 10*time.Millisecond)
		require.Equal(t, uint32(2), h.queue.Get(tx.ID).RetryCount)
	})

	t.Run("adapter errors are absorbed, not terminal", func(t *testing.T) {
		h := startQueue(t, txqueue.Config{})
		h.adapter.SetError("0xabc", fmt.Errorf("rate limited"))

		tx, err := h.queue.Add(txqueue.AddRequest{Hash: "0xabc", ChainID: 1})
		require.NoError(t, err)

		h.cycle(t)
		require.Eventually(t, func() bool {
			return h.queue.Get(tx.ID).RetryCount == 1
		}, 5*time.Second, 10*time.Millisecond)

		require.Equal(t, txqueue.StatusPending, h.queue.Get(tx.ID).Status)
		require.GreaterOrEqual(t, h.logs.FilterMessageSnippet("adapter status check failed").Len(), 1)
		require.Empty(t, h.rec.ofType(txqueue.EventTransactionFailed))
	})
}

func TestWorkerTimeout(t *testing.T) {
	t.Parallel()

	t.Run("window elapsed", func(t *testing.T) {
		h := startQueue(t, txqueue.Config{Timeout: 10 * time.Second})

		tx, err := h.queue.Add(txqueue.AddRequest{Hash: "0xabc", ChainID: 1})
		require.NoError(t, err)

		// First cycle: age 2s, inside the window. Not before its time.
		h.cycle(t)
		require.Eventually(t, func() bool {
			return h.queue.Get(tx.ID).RetryCount == 1
		}, 5*time.Second, 10*time.Millisecond)
		require.Equal(t, txqueue.StatusPending, h.queue.Get(tx.ID).Status)

		// Age past the window; next cycle times it out.
		require.Eventually(t, func() bool { return h.clock.WaiterCount() > 0 }, 2*time.Second, time.Millisecond)
		h.clock.Advance(20 * time.Second)
		require.Eventually(t, func() bool {
			return h.queue.Get(tx.ID).Status == txqueue.StatusTimeout
		}, 5*time.Second, 10*time.Millisecond)

		timedOut := h.queue.Get(tx.ID)
		require.NotNil(t, timedOut.Error)
		require.Equal(t, txqueue.ErrCodeTimeout, timedOut.Error.Code)
		require.Nil(t, timedOut.ConfirmedAt)
		require.Len(t, h.rec.ofType(txqueue.EventTransactionTimeout), 1)
	})

	t.Run("max retries force timeout inside the window", func(t *testing.T) {
		h := startQueue(t, txqueue.Config{Timeout: time.Hour, MaxRetries: 2})

		tx, err := h.queue.Add(txqueue.AddRequest{Hash: "0xabc", ChainID: 1})
		require.NoError(t, err)

		h.cycle(t)
		require.Eventually(t, func() bool {
			return h.queue.Get(tx.ID).RetryCount == 1
		}, 5*time.Second, 10*time.Millisecond)
		require.Equal(t, txqueue.StatusPending, h.queue.Get(tx.ID).Status)

		h.cycle(t)
		require.Eventually(t, func() bool {
			return h.queue.Get(tx.ID).Status == txqueue.StatusTimeout
		}, 5*time.Second, 10*time.Millisecond)
		require.Equal(t, txqueue.ErrCodeMaxRetries, h.queue.Get(tx.ID).Error.Code)
	})
}

func TestWorkerRevert(t *testing.T) {
	t.Parallel()

	h := startQueue(t, txqueue.Config{})
	h.adapter.SetResult("0xabc", adapter.StatusResult{
		State:       adapter.TxReverted,
		BlockNumber: big.NewInt(77),
	})

	tx, err := h.queue.Add(txqueue.AddRequest{Hash: "0xabc", ChainID: 1})
	require.NoError(t, err)

	h.cycle(t)
	require.Eventually(t, func() bool {
		return h.queue.Get(tx.ID).Status == txqueue.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	failed := h.queue.Get(tx.ID)
	require.NotNil(t, failed.Error)
	require.Equal(t, txqueue.ErrCodeReverted, failed.Error.Code)
	require.Contains(t, failed.Error.Message, "77")
	// Confirmation fields stay reserved for confirmed.
	require.Nil(t, failed.ConfirmedAt)
	require.Nil(t, failed.Receipt)

	require.Len(t, h.rec.ofType(txqueue.EventTransactionFailed), 1)
}

func TestWorkerReplacement(t *testing.T) {
	t.Parallel()

	h := startQueue(t, txqueue.Config{})
	h.adapter.SetResult("0xabc", adapter.StatusResult{State: adapter.TxReplaced, ReplacedBy: "0xdef"})

	tx, err := h.queue.Add(txqueue.AddRequest{Hash: "0xabc", ChainID: 1})
	require.NoError(t, err)

	h.cycle(t)
	require.Eventually(t, func() bool {
		return h.queue.Get(tx.ID).Status == txqueue.StatusReplaced
	}, 5*time.Second, 10*time.Millisecond)

	require.Len(t, h.rec.ofType(txqueue.EventTransactionReplaced), 1)
	// Only the original is tracked; the replacing hash is the caller's call.
	require.Equal(t, 1, h.queue.Statistics().Total)
}

func TestWorkerRemovalMidFlight(t *testing.T) {
	t.Parallel()

	h := startQueue(t, txqueue.Config{})
	h.adapter.SetResult("0xabc", confirmedResult("0xabc", 100))

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.adapter.OnCall = func(hash string) {
		once.Do(func() { close(started) })
		<-release
	}

	tx, err := h.queue.Add(txqueue.AddRequest{Hash: "0xabc", ChainID: 1})
	require.NoError(t, err)

	h.cycle(t)
	<-started

	// Remove while the poll is outstanding, then let it resolve.
	require.True(t, h.queue.Remove(tx.ID))
	close(release)

	require.Eventually(t, func() bool {
		return h.logs.FilterMessageSnippet("dropping resolution for removed transaction").Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Nil(t, h.queue.Get(tx.ID))
	require.Empty(t, h.rec.ofType(txqueue.EventTransactionConfirmed))
	require.Len(t, h.rec.ofType(txqueue.EventTransactionRemoved), 1)
	require.Equal(t, 1, h.adapter.Calls("0xabc"))
}

func TestWorkerAtMostOnceResolution(t *testing.T) {
	t.Parallel()

	h := startQueue(t, txqueue.Config{})
	h.adapter.SetResult("0xabc", confirmedResult("0xabc", 100))

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.adapter.OnCall = func(hash string) {
		once.Do(func() { close(started) })
		<-release
	}

	tx, err := h.queue.Add(txqueue.AddRequest{Hash: "0xabc", ChainID: 1})
	require.NoError(t, err)

	h.cycle(t)
	<-started

	// Cancel races the in-flight confirmation; the first writer wins.
	require.True(t, h.queue.Cancel(tx.ID))
	close(release)

	require.Eventually(t, func() bool {
		return h.logs.FilterMessageSnippet("rejected illegal status transition").Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, txqueue.StatusCancelled, h.queue.Get(tx.ID).Status)
	require.Len(t, h.rec.ofType(txqueue.EventTransactionCancelled), 1)
	require.Empty(t, h.rec.ofType(txqueue.EventTransactionConfirmed))
}

func TestWorkerChainIsolation(t *testing.T) {
	t.Parallel()

	h := startQueue(t, txqueue.Config{})
	h.adapter.SetResult("0xeth", confirmedResult("0xeth", 100))
	h.adapter.SetResult("0xpolygon", confirmedResult("0xpolygon", 200))

	release := make(chan struct{})
	h.adapter.OnCall = func(hash string) {
		if hash == "0xeth" {
			<-release
		}
	}

	ethTx, err := h.queue.Add(txqueue.AddRequest{Hash: "0xeth", ChainID: 1})
	require.NoError(t, err)
	polygonTx, err := h.queue.Add(txqueue.AddRequest{Hash: "0xpolygon", ChainID: 137})
	require.NoError(t, err)

	h.cycle(t)

	// Chain 137 resolves while chain 1 is stuck in its adapter call.
	require.Eventually(t, func() bool {
		return h.queue.Get(polygonTx.ID).Status == txqueue.StatusConfirmed
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, txqueue.StatusPending, h.queue.Get(ethTx.ID).Status)

	close(release)
	require.Eventually(t, func() bool {
		return h.queue.Get(ethTx.ID).Status == txqueue.StatusConfirmed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkerReaper(t *testing.T) {
	t.Parallel()

	h := startQueue(t, txqueue.Config{
		RetentionPeriod: time.Minute,
		ReapInterval:    30 * time.Second,
	})

	terminalTx, err := h.queue.Add(txqueue.AddRequest{Hash: "0xdone", ChainID: 1})
	require.NoError(t, err)
	require.True(t, h.queue.Cancel(terminalTx.ID))

	pendingTx, err := h.queue.Add(txqueue.AddRequest{Hash: "0xpending", ChainID: 1})
	require.NoError(t, err)

	// Both the poll and reap loops are armed before advancing past retention.
	require.Eventually(t, func() bool { return h.clock.WaiterCount() >= 2 }, 2*time.Second, time.Millisecond)
	h.clock.Advance(2 * time.Minute)

	require.Eventually(t, func() bool {
		return h.queue.Get(terminalTx.ID) == nil
	}, 5*time.Second, 10*time.Millisecond)

	// Pending records are never reaped.
	require.NotNil(t, h.queue.Get(pendingTx.ID))
	require.Len(t, h.rec.ofType(txqueue.EventTransactionRemoved), 1)
}

func TestWorkerChainFilter(t *testing.T) {
	t.Parallel()

	h := startQueue(t, txqueue.Config{ChainIDFilter: 1})
	h.adapter.SetResult("0xeth", confirmedResult("0xeth", 100))

	tx, err := h.queue.Add(txqueue.AddRequest{Hash: "0xeth", ChainID: 1})
	require.NoError(t, err)

	h.cycle(t)
	require.Eventually(t, func() bool {
		return h.queue.Get(tx.ID).Status == txqueue.StatusConfirmed
	}, 5*time.Second, 10*time.Millisecond)
}
