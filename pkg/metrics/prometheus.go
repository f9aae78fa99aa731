package metrics

import (
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"
)

type promRecorder struct {
	providerTotal   *prom.CounterVec
	providerSeconds *prom.HistogramVec
	providerTokens  *prom.CounterVec
	storeOps        *prom.CounterVec
	querySeconds    *prom.HistogramVec
	ingestSeconds   *prom.HistogramVec
}

// EnablePrometheus registers engine metrics on the given registry and installs
// a Prometheus-backed recorder. Pass prometheus.DefaultRegisterer to use the
// process-global registry.
func EnablePrometheus(reg prom.Registerer) error {
	p := &promRecorder{
		providerTotal: prom.NewCounterVec(prom.CounterOpts{
			Name: "lattix_provider_calls_total",
			Help: "Total provider gateway calls",
		}, []string{"provider", "op", "success"}),
		providerSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Name:    "lattix_provider_call_seconds",
			Help:    "Provider gateway call duration in seconds",
			Buckets: prom.DefBuckets,
		}, []string{"provider", "op", "success"}),
		providerTokens: prom.NewCounterVec(prom.CounterOpts{
			Name: "lattix_provider_tokens_total",
			Help: "Tokens consumed by provider gateway calls",
		}, []string{"provider", "direction"}),
		storeOps: prom.NewCounterVec(prom.CounterOpts{
			Name: "lattix_store_ops_total",
			Help: "Total storage backend operations",
		}, []string{"store", "op", "success"}),
		querySeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Name:    "lattix_query_seconds",
			Help:    "Query planner duration in seconds",
			Buckets: prom.DefBuckets,
		}, []string{"mode", "success"}),
		ingestSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Name:    "lattix_ingest_seconds",
			Help:    "Ingestion run duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900},
		}, []string{"success"}),
	}
	for _, c := range []prom.Collector{
		p.providerTotal, p.providerSeconds, p.providerTokens,
		p.storeOps, p.querySeconds, p.ingestSeconds,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	SetRecorder(p)
	return nil
}

func (p *promRecorder) IncProviderCall(provider, op string, success bool) {
	p.providerTotal.WithLabelValues(provider, op, strconv.FormatBool(success)).Inc()
}

func (p *promRecorder) ObserveProviderSeconds(provider, op string, success bool, seconds float64) {
	p.providerSeconds.WithLabelValues(provider, op, strconv.FormatBool(success)).Observe(seconds)
}

func (p *promRecorder) AddProviderTokens(provider string, input, output int) {
	if input > 0 {
		p.providerTokens.WithLabelValues(provider, "input").Add(float64(input))
	}
	if output > 0 {
		p.providerTokens.WithLabelValues(provider, "output").Add(float64(output))
	}
}

func (p *promRecorder) IncStoreOp(store, op string, success bool) {
	p.storeOps.WithLabelValues(store, op, strconv.FormatBool(success)).Inc()
}

func (p *promRecorder) ObserveQuerySeconds(mode string, success bool, seconds float64) {
	p.querySeconds.WithLabelValues(mode, strconv.FormatBool(success)).Observe(seconds)
}

func (p *promRecorder) ObserveIngestSeconds(success bool, seconds float64) {
	p.ingestSeconds.WithLabelValues(strconv.FormatBool(success)).Observe(seconds)
}
