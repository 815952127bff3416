// Package metrics maintains the daemon's counters and latency histograms and
// renders them as the JSON snapshot the /metrics HTTP route returns. Values
// are kept in prometheus client_golang collectors (so the counting,
// labeling, and bucket bookkeeping follow the same idiom the wider Go
// ecosystem uses for service metrics) and flattened into plain maps for the
// JSON response spec.md's §4.11 calls for, rather than Prometheus' text
// exposition format.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// LatencyBucketsMS are the fixed histogram buckets (in milliseconds) used
// for every latency histogram the daemon maintains.
var LatencyBucketsMS = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}

// Registry owns every counter/histogram the daemon records. It is
// constructed fresh per daemon instance so tests never share process-wide
// state.
type Registry struct {
	reg *prometheus.Registry

	httpRequestsTotal *prometheus.CounterVec
	httpErrorsTotal   *prometheus.CounterVec

	rpcRequestsTotal *prometheus.CounterVec
	rpcErrorsTotal   *prometheus.CounterVec

	sdkTotal *prometheus.CounterVec

	eventsDroppedTotal *prometheus.CounterVec
	sinkTotal          *prometheus.CounterVec
	authFailuresTotal  *prometheus.CounterVec

	sendLatency *prometheus.HistogramVec
	pollLatency *prometheus.HistogramVec
	authLatency *prometheus.HistogramVec

	mu          sync.RWMutex
	queueDepths map[string]int
}

// New constructs a Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
		}, []string{"route"}),
		httpErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
		}, []string{"route"}),
		rpcRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_requests_total",
		}, []string{"method"}),
		rpcErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_errors_total",
		}, []string{"method"}),
		sdkTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sdk_total",
		}, []string{"op", "outcome"}),
		eventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sdk_events_dropped_total",
		}, []string{"reason"}),
		sinkTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sdk_event_sink_total",
		}, []string{"kind", "outcome"}),
		authFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sdk_auth_failures_total",
		}, []string{"reason"}),
		sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sdk_send_latency_ms",
			Buckets: LatencyBucketsMS,
		}, nil),
		pollLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sdk_poll_latency_ms",
			Buckets: LatencyBucketsMS,
		}, nil),
		authLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sdk_auth_latency_ms",
			Buckets: LatencyBucketsMS,
		}, nil),
		queueDepths: make(map[string]int),
	}

	reg.MustRegister(
		r.httpRequestsTotal, r.httpErrorsTotal,
		r.rpcRequestsTotal, r.rpcErrorsTotal,
		r.sdkTotal, r.eventsDroppedTotal, r.sinkTotal, r.authFailuresTotal,
		r.sendLatency, r.pollLatency, r.authLatency,
	)

	return r
}

func (r *Registry) HTTPRequest(route string, ok bool) {
	r.httpRequestsTotal.WithLabelValues(route).Inc()

	if !ok {
		r.httpErrorsTotal.WithLabelValues(route).Inc()
	}
}

func (r *Registry) RPCRequest(method string, ok bool) {
	r.rpcRequestsTotal.WithLabelValues(method).Inc()

	if !ok {
		r.rpcErrorsTotal.WithLabelValues(method).Inc()
	}
}

func (r *Registry) SDKOutcome(op, outcome string) {
	r.sdkTotal.WithLabelValues(op, outcome).Inc()
}

func (r *Registry) EventDropped(reason string) {
	r.eventsDroppedTotal.WithLabelValues(reason).Inc()
}

func (r *Registry) Sink(kind, outcome string) {
	r.sinkTotal.WithLabelValues(kind, outcome).Inc()
}

func (r *Registry) AuthFailure(reason string) {
	r.authFailuresTotal.WithLabelValues(reason).Inc()
}

func (r *Registry) ObserveSend(ms float64)  { r.sendLatency.WithLabelValues().Observe(ms) }
func (r *Registry) ObservePoll(ms float64)  { r.pollLatency.WithLabelValues().Observe(ms) }
func (r *Registry) ObserveAuth(ms float64)  { r.authLatency.WithLabelValues().Observe(ms) }

// SetQueueDepth records a named queue's current depth for the snapshot.
func (r *Registry) SetQueueDepth(name string, depth int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queueDepths[name] = depth
}

// Snapshot is the shape rendered as JSON by GET /metrics.
type Snapshot struct {
	QueueDepths map[string]int            `json:"queue_depths"`
	Counters    map[string]float64        `json:"counters"`
	Dimensioned map[string]map[string]float64 `json:"dimensioned"`
	Histograms  map[string]Histogram      `json:"histograms"`
}

// Histogram is a flattened fixed-bucket histogram: cumulative counts per
// upper bound, plus the total count and sum, as a Prometheus histogram
// tracks them internally.
type Histogram struct {
	Buckets map[string]uint64 `json:"buckets"`
	Count   uint64            `json:"count"`
	Sum     float64           `json:"sum"`
}

// Snapshot gathers every collector into the JSON-renderable shape.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	depths := make(map[string]int, len(r.queueDepths))
	for k, v := range r.queueDepths {
		depths[k] = v
	}
	r.mu.RUnlock()

	snap := Snapshot{
		QueueDepths: depths,
		Counters:    make(map[string]float64),
		Dimensioned: make(map[string]map[string]float64),
		Histograms:  make(map[string]Histogram),
	}

	families, err := r.reg.Gather()
	if err != nil {
		return snap
	}

	for _, fam := range families {
		name := fam.GetName()

		switch fam.GetType() {
		case dto.MetricType_COUNTER:
			dims := make(map[string]float64)

			for _, m := range fam.GetMetric() {
				dims[labelKey(m)] = m.GetCounter().GetValue()
			}

			if len(dims) == 1 {
				for _, v := range dims {
					snap.Counters[name] = v
				}
			} else {
				snap.Dimensioned[name] = dims
			}
		case dto.MetricType_HISTOGRAM:
			for _, m := range fam.GetMetric() {
				h := m.GetHistogram()

				buckets := make(map[string]uint64, len(h.GetBucket()))
				for _, b := range h.GetBucket() {
					buckets[formatBound(b.GetUpperBound())] = b.GetCumulativeCount()
				}

				snap.Histograms[name] = Histogram{
					Buckets: buckets,
					Count:   h.GetSampleCount(),
					Sum:     h.GetSampleSum(),
				}
			}
		}
	}

	return snap
}

func labelKey(m *dto.Metric) string {
	if len(m.GetLabel()) == 0 {
		return "total"
	}

	key := ""

	for i, l := range m.GetLabel() {
		if i > 0 {
			key += ","
		}

		key += l.GetValue()
	}

	return key
}

func formatBound(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}

	return "inf"
}
