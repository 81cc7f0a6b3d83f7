// Package exporter publishes the monitoring state in the Prometheus
// exposition format.
package exporter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"perfwatch/alert"
	"perfwatch/collector"
	"perfwatch/logger"
	"perfwatch/reporter"
)

const namespace = "perfwatch"

// Source is the reporter view the exporter reads at scrape time.
type Source interface {
	CurrentMetrics() map[string]collector.Sample
	Summary() reporter.Summary
}

// Exporter is a prometheus.Collector over a Source. Every scrape reads a
// fresh snapshot; nothing is cached between scrapes.
type Exporter struct {
	src Source
	log *zap.Logger

	metricValue *prometheus.Desc
	sampleAge   *prometheus.Desc
	openAlerts  *prometheus.Desc
}

var _ prometheus.Collector = (*Exporter)(nil)

// New returns an Exporter reading from src.
func New(src Source, log *zap.Logger) *Exporter {
	return &Exporter{
		src: src,
		log: logger.OrNop(log),
		metricValue: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "metric_value"),
			"Most recent value reported by a component.",
			[]string{"component", "metric"}, nil,
		),
		sampleAge: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sample_age_seconds"),
			"Seconds since the component's most recent sample.",
			[]string{"component"}, nil,
		),
		openAlerts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "open_alerts"),
			"Number of open alerts by severity.",
			[]string{"severity"}, nil,
		),
	}
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.metricValue
	ch <- e.sampleAge
	ch <- e.openAlerts
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	for component, sample := range e.src.CurrentMetrics() {
		for metric, v := range sample.Values {
			e.emit(ch, e.metricValue, v, component, metric)
		}
	}

	summary := e.src.Summary()
	for component, age := range summary.ComponentAges {
		e.emit(ch, e.sampleAge, age.Seconds(), component)
	}
	// Every severity is exported so dashboards see explicit zeros.
	for _, sev := range []alert.Severity{alert.Info, alert.Warning, alert.Critical} {
		e.emit(ch, e.openAlerts, float64(summary.AlertsBySeverity[sev]), sev.String())
	}
}

// emit skips readings whose labels Prometheus rejects, such as names that
// are not valid UTF-8, so one bad reading never fails the scrape.
func (e *Exporter) emit(ch chan<- prometheus.Metric, desc *prometheus.Desc, v float64, labels ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	if err != nil {
		e.log.Warn("skipping unexportable reading",
			zap.Strings("labels", labels), zap.Error(err))
		return
	}
	ch <- m
}

// AlertCounter is an alert.Handler counting alert events.
type AlertCounter struct {
	events *prometheus.CounterVec
}

var _ alert.Handler = (*AlertCounter)(nil)

// NewAlertCounter returns an unregistered counter handler.
func NewAlertCounter() *AlertCounter {
	return &AlertCounter{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alert_events_total",
				Help:      "Total number of alert events by kind, reason and severity.",
			},
			[]string{"event", "reason", "severity"},
		),
	}
}

func (c *AlertCounter) Handle(ev alert.Event) error {
	c.events.WithLabelValues(ev.Kind.String(), ev.Alert.Reason.String(), ev.Alert.Severity.String()).Inc()
	return nil
}

func (c *AlertCounter) Describe(ch chan<- *prometheus.Desc) { c.events.Describe(ch) }

func (c *AlertCounter) Collect(ch chan<- prometheus.Metric) { c.events.Collect(ch) }

// NewRegistry returns a registry holding the exporter, the alert counter
// and the standard Go and process collectors.
func NewRegistry(e *Exporter, c *AlertCounter) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(e, c)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
