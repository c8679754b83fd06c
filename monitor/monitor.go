// Package monitor reports queue composition and resolution counts to
// prometheus. It is a plain event bus consumer; it never mutates the queue.
package monitor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/chainqueue/chainqueue/txqueue"
)

type Monitor struct {
	lggr  *zap.SugaredLogger
	queue *txqueue.Queue

	updateFn func(event txqueue.Event) // overridable for testing

	mu    sync.Mutex
	owned map[gaugeKey]struct{} // gauge labels this monitor last set

	unsubscribe func()
}

func New(lggr *zap.SugaredLogger, queue *txqueue.Queue) *Monitor {
	m := &Monitor{
		lggr:  lggr.Named("Monitor"),
		queue: queue,
	}
	m.updateFn = m.updateProm
	return m
}

func (m *Monitor) Start(ctx context.Context) error {
	m.unsubscribe = m.queue.Subscribe(m.onEvent)
	// Seed the gauges with whatever the queue loaded from its store.
	m.updateFn(txqueue.Event{})
	m.lggr.Debugw("monitor started")
	return nil
}

func (m *Monitor) Close() error {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	return nil
}

func (m *Monitor) onEvent(event txqueue.Event) {
	m.updateFn(event)
}
