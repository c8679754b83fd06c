package monitor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chainqueue/chainqueue/txqueue"
)

var promQueueSize = promauto.NewGaugeVec(
	prometheus.GaugeOpts{Name: "chainqueue_transactions", Help: "Tracked transactions by chain and status"},
	[]string{"chainID", "status"},
)

var promResolutions = promauto.NewCounterVec(
	prometheus.CounterOpts{Name: "chainqueue_resolutions_total", Help: "Terminal transaction resolutions by chain and status"},
	[]string{"chainID", "status"},
)

type gaugeKey struct {
	chainID string
	status  string
}

func (m *Monitor) updateProm(event txqueue.Event) {
	if event.Tx != nil && event.Tx.Status.Terminal() && event.Type != txqueue.EventTransactionRemoved {
		promResolutions.WithLabelValues(strconv.FormatUint(event.Tx.ChainID, 10), string(event.Tx.Status)).Inc()
	}

	counts := map[gaugeKey]int{}
	for _, tx := range m.queue.List(nil) {
		counts[gaugeKey{chainID: strconv.FormatUint(tx.ChainID, 10), status: string(tx.Status)}]++
	}

	// Only touch labels this monitor owns. The gauge vec is shared across the
	// process, several monitors may feed it from different queues.
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.owned {
		if _, live := counts[key]; !live {
			promQueueSize.DeleteLabelValues(key.chainID, key.status)
		}
	}
	for key, count := range counts {
		promQueueSize.WithLabelValues(key.chainID, key.status).Set(float64(count))
	}
	m.owned = make(map[gaugeKey]struct{}, len(counts))
	for key := range counts {
		m.owned[key] = struct{}{}
	}
}
