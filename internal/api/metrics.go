package signerapi

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aegis-sign/psbt-signer/internal/wallet/signer"
)

// Metrics 暴露 requests_total / request_latency_ms / inputs_total / throttled_total。
// 所有方法对 nil 接收者安全。
type Metrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	inputs    *prometheus.CounterVec
	throttled *prometheus.CounterVec
}

// NewMetrics 在注册器中注册接口层指标。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "psbt_signer",
			Name:      "requests_total",
			Help:      "Sign requests by transport and result code",
		}, []string{"transport", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "psbt_signer",
			Name:      "request_latency_ms",
			Help:      "Sign request latency in milliseconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
		}, []string{"transport"}),
		inputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "psbt_signer",
			Name:      "inputs_total",
			Help:      "PSBT inputs handled by the signing identity",
		}, []string{"state"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "psbt_signer",
			Name:      "throttled_total",
			Help:      "Requests rejected by the admission limiter",
		}, []string{"transport"}),
	}
	reg.MustRegister(m.requests, m.latency, m.inputs, m.throttled)
	return m
}

func (m *Metrics) observeRequest(transport, code string, started time.Time) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(transport, code).Inc()
	m.latency.WithLabelValues(transport).Observe(float64(time.Since(started).Microseconds()) / 1000)
}

func (m *Metrics) addInputs(res *signer.Result) {
	if m == nil || res == nil {
		return
	}
	m.inputs.WithLabelValues("signed").Add(float64(len(res.SignedInputs)))
	m.inputs.WithLabelValues("finalized").Add(float64(len(res.FinalizedInputs)))
}

func (m *Metrics) incThrottled(transport string) {
	if m == nil {
		return
	}
	m.throttled.WithLabelValues(transport).Inc()
}
