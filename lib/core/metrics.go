package core

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

var statuses = [...]Status{OK, NotFound, Pending, Error}

// storeMetrics holds the counters of one store. Every store has its own
// set so several stores in one process do not collide.
type storeMetrics struct {
	set *metrics.Set

	ops        [4][len(statuses)]*metrics.Counter
	pending    *metrics.Counter
	retryLater *metrics.Counter
	retryNow   *metrics.Counter
	cprShifts  *metrics.Counter

	checkpoints        *metrics.Counter
	checkpointFailures *metrics.Counter
	checkpointDuration *metrics.Histogram
	grows              *metrics.Counter
}

func newStoreMetrics[I, O, C any](s *Store[I, O, C]) *storeMetrics {
	set := metrics.NewSet()
	m := &storeMetrics{
		set:                set,
		pending:            set.NewCounter("hkv_pending_total"),
		retryLater:         set.NewCounter("hkv_retry_later_total"),
		retryNow:           set.NewCounter("hkv_retry_now_total"),
		cprShifts:          set.NewCounter("hkv_cpr_shift_total"),
		checkpoints:        set.NewCounter("hkv_checkpoints_total"),
		checkpointFailures: set.NewCounter("hkv_checkpoint_failures_total"),
		checkpointDuration: set.NewHistogram("hkv_checkpoint_duration_seconds"),
		grows:              set.NewCounter("hkv_index_grows_total"),
	}
	for _, k := range []opKind{opRead, opUpsert, opRMW, opDelete} {
		for i, st := range statuses {
			m.ops[k][i] = set.NewCounter(fmt.Sprintf(`hkv_ops_total{op=%q,status=%q}`, k.String(), st.String()))
		}
	}

	set.NewGauge("hkv_log_tail_address", func() float64 { return float64(s.log.TailAddress()) })
	set.NewGauge("hkv_log_readonly_address", func() float64 { return float64(s.log.ReadOnlyAddress()) })
	set.NewGauge("hkv_log_head_address", func() float64 { return float64(s.log.HeadAddress()) })
	set.NewGauge("hkv_log_evicted_pages", func() float64 { return float64(s.log.EvictedPages()) })
	set.NewGauge("hkv_index_entries", func() float64 { return float64(s.index.Size()) })
	set.NewGauge("hkv_sessions", func() float64 { return float64(s.SessionCount()) })
	set.NewGauge("hkv_version", func() float64 { return float64(s.SystemState().Version) })
	return m
}

func (m *storeMetrics) op(k opKind, st Status) {
	if int(st) < len(statuses) {
		m.ops[k][st].Inc()
	}
}

// WritePrometheus writes the store metrics in Prometheus text format
func (s *Store[I, O, C]) WritePrometheus(w io.Writer) {
	s.metrics.set.WritePrometheus(w)
}

// Metrics returns the metric set, e.g. for metrics.RegisterSet
func (s *Store[I, O, C]) Metrics() *metrics.Set {
	return s.metrics.set
}
