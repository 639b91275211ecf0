package roo

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	tdigest "github.com/caio/go-tdigest"
	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a point-in-time copy of a Socket's counters.
type Stats struct {
	// ActiveTime is time spent inside Poll doing useful
	// work (routing at least one message).
	ActiveTime time.Duration

	TxMessageBytes uint64 // request/response payload bytes sent
	RxMessageBytes uint64 // request/response payload bytes received

	CallsAllocated uint64
	CallsCompleted uint64
	CallsFailed    uint64

	// Anomalies counts protocol events that were logged
	// and discarded: duplicates, undecodable headers,
	// pings for unknown tasks.
	Anomalies uint64

	// call latency, first send to first terminal status.
	LatencyCount uint64
	LatencyP50   time.Duration
	LatencyP99   time.Duration
}

func (s Stats) String() string {
	return fmt.Sprintf("Stats{active:%v tx:%v rx:%v calls:%v completed:%v failed:%v anomalies:%v latency(n=%v p50=%v p99=%v)}",
		s.ActiveTime, s.TxMessageBytes, s.RxMessageBytes,
		s.CallsAllocated, s.CallsCompleted, s.CallsFailed,
		s.Anomalies, s.LatencyCount, s.LatencyP50, s.LatencyP99)
}

// perf is owned by one Socket. The counters are
// atomics so the hot paths never take a lock; only
// the latency digest sits behind tdMut.
type perf struct {
	activeNanos    atomic.Int64
	txMessageBytes atomic.Uint64
	rxMessageBytes atomic.Uint64
	callsAllocated atomic.Uint64
	callsCompleted atomic.Uint64
	callsFailed    atomic.Uint64
	anomalies      atomic.Uint64

	tdMut sync.Mutex
	td    *tdigest.TDigest
}

func newPerf() *perf {
	td, err := tdigest.New(tdigest.Compression(100))
	panicOn(err)
	return &perf{td: td}
}

// callFinished records a call's first terminal status.
func (p *perf) callFinished(st Status, elap time.Duration) {
	switch st {
	case COMPLETED:
		p.callsCompleted.Add(1)
	case FAILED:
		p.callsFailed.Add(1)
	default:
		return
	}
	p.tdMut.Lock()
	p.td.Add(float64(elap))
	p.tdMut.Unlock()
}

func (p *perf) stats() (s Stats) {
	s.ActiveTime = time.Duration(p.activeNanos.Load())
	s.TxMessageBytes = p.txMessageBytes.Load()
	s.RxMessageBytes = p.rxMessageBytes.Load()
	s.CallsAllocated = p.callsAllocated.Load()
	s.CallsCompleted = p.callsCompleted.Load()
	s.CallsFailed = p.callsFailed.Load()
	s.Anomalies = p.anomalies.Load()

	p.tdMut.Lock()
	s.LatencyCount = p.td.Count()
	if s.LatencyCount > 0 {
		s.LatencyP50 = time.Duration(p.td.Quantile(0.5))
		s.LatencyP99 = time.Duration(p.td.Quantile(0.99))
	}
	p.tdMut.Unlock()
	return
}

// register exports the counters as prometheus
// CounterFuncs, labeled with the socket id. The
// collectors are returned so Close can unregister them.
func (p *perf) register(reg prometheus.Registerer, id SocketId) (cs []prometheus.Collector, err error) {
	labels := prometheus.Labels{"socket": strconv.FormatUint(uint64(id), 10)}
	counter := func(name, help string, f func() float64) {
		if err != nil {
			return
		}
		c := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "roo",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, f)
		if err = reg.Register(c); err != nil {
			err = fmt.Errorf("roo: register %v: %w", name, err)
			return
		}
		cs = append(cs, c)
	}
	counter("active_seconds_total", "Time spent routing inbound messages in Poll.",
		func() float64 { return time.Duration(p.activeNanos.Load()).Seconds() })
	counter("tx_message_bytes_total", "Request and response payload bytes sent.",
		func() float64 { return float64(p.txMessageBytes.Load()) })
	counter("rx_message_bytes_total", "Request and response payload bytes received.",
		func() float64 { return float64(p.rxMessageBytes.Load()) })
	counter("calls_allocated_total", "RooPC calls allocated.",
		func() float64 { return float64(p.callsAllocated.Load()) })
	counter("calls_completed_total", "RooPC calls that reached COMPLETED.",
		func() float64 { return float64(p.callsCompleted.Load()) })
	counter("calls_failed_total", "RooPC calls that reached FAILED.",
		func() float64 { return float64(p.callsFailed.Load()) })
	counter("protocol_anomalies_total", "Protocol events logged and discarded.",
		func() float64 { return float64(p.anomalies.Load()) })
	if err != nil {
		for _, c := range cs {
			reg.Unregister(c)
		}
		return nil, err
	}
	return cs, nil
}
