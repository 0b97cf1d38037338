package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "jwtgateway"

var (
	validationsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "token", "validations_total"),
		"Token validations by issuer and result.",
		[]string{"issuer", "result"}, nil)
	failuresDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "token", "validation_failures_total"),
		"Token validation failures by issuer and reason.",
		[]string{"issuer", "reason"}, nil)
	latencyDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "token", "validation_latency_seconds"),
		"Token validation latency statistics by issuer.",
		[]string{"issuer", "stat"}, nil)
	routeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "route", "requests_total"),
		"Dispatched requests by route and outcome.",
		[]string{"route", "outcome"}, nil)
)

// Collector exposes an Aggregator's snapshots as Prometheus metrics.
type Collector struct {
	agg *Aggregator
}

func NewCollector(agg *Aggregator) *Collector { return &Collector{agg: agg} }

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- validationsDesc
	ch <- failuresDesc
	ch <- latencyDesc
	ch <- routeDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.agg.Snapshot()
	for iss, st := range s.Issuers {
		ch <- prometheus.MustNewConstMetric(validationsDesc, prometheus.CounterValue, float64(st.Success), iss, "success")
		ch <- prometheus.MustNewConstMetric(validationsDesc, prometheus.CounterValue, float64(st.Failure), iss, "failure")
		for reason, n := range st.FailureReasons {
			ch <- prometheus.MustNewConstMetric(failuresDesc, prometheus.CounterValue, float64(n), iss, reason)
		}
		for stat, ms := range map[string]float64{"avg": st.AvgMillis, "min": st.MinMillis, "max": st.MaxMillis, "p95": st.P95Millis} {
			ch <- prometheus.MustNewConstMetric(latencyDesc, prometheus.GaugeValue, ms/1000, iss, stat)
		}
	}
	for route, outcomes := range s.Routes {
		for outcome, n := range outcomes {
			ch <- prometheus.MustNewConstMetric(routeDesc, prometheus.CounterValue, float64(n), route, outcome)
		}
	}
}

var _ prometheus.Collector = (*Collector)(nil)
