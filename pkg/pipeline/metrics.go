package pipeline

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the Prometheus metrics of a scanning pipeline
type Metrics struct {
	FramesTotal        prometheus.Counter
	DetectionsTotal    *prometheus.CounterVec // by detector_type
	ConfirmedTotal     *prometheus.CounterVec // by detector_type
	EmissionsTotal     *prometheus.CounterVec // by kind (new, update)
	SuppressedTotal    *prometheus.CounterVec // by mode (spatial, barcode)
	SessionsTotal      prometheus.Counter
	FrameDuration      prometheus.Histogram
	LiveCandidates     prometheus.Gauge
	AggregatedItems    prometheus.Gauge
	StaleItemsEvicted  prometheus.Counter
	RepairedDetections prometheus.Counter
}

// NewMetrics creates the pipeline metrics and registers them with the given registry
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.FramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "itemscan_frames_total",
		Help: "Total number of detector frames processed.",
	})
	m.DetectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "itemscan_detections_total",
		Help: "Total number of raw detections received, by detector type.",
	}, []string{"detector_type"})
	m.ConfirmedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "itemscan_confirmed_total",
		Help: "Total number of detections confirmed by the candidate tracker, by detector type.",
	}, []string{"detector_type"})
	m.EmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "itemscan_emissions_total",
		Help: "Total number of items emitted, partitioned into first emissions (new) and re-emissions (update).",
	}, []string{"kind"})
	m.SuppressedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "itemscan_suppressed_total",
		Help: "Total number of items suppressed as duplicates, by suppression mode.",
	}, []string{"mode"})
	m.SessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "itemscan_sessions_total",
		Help: "Total number of scanning sessions started.",
	})
	m.FrameDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "itemscan_frame_duration_seconds",
		Help:    "Time taken to push one frame through the pipeline.",
		Buckets: prometheus.ExponentialBuckets(0.00001, 2, 12), // 10us to ~20ms
	})
	m.LiveCandidates = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "itemscan_live_candidates",
		Help: "Number of candidates currently held by the tracker.",
	})
	m.AggregatedItems = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "itemscan_aggregated_items",
		Help: "Number of items currently held by the aggregator.",
	})
	m.StaleItemsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "itemscan_stale_items_evicted_total",
		Help: "Total number of aggregated items evicted for being stale.",
	})
	m.RepairedDetections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "itemscan_repaired_detections_total",
		Help: "Total number of detections whose geometry or confidence had to be clamped.",
	})
}

// Describe implements the prometheus.Collector interface
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.FramesTotal.Desc()
	m.DetectionsTotal.Describe(ch)
	m.ConfirmedTotal.Describe(ch)
	m.EmissionsTotal.Describe(ch)
	m.SuppressedTotal.Describe(ch)
	ch <- m.SessionsTotal.Desc()
	ch <- m.FrameDuration.Desc()
	ch <- m.LiveCandidates.Desc()
	ch <- m.AggregatedItems.Desc()
	ch <- m.StaleItemsEvicted.Desc()
	ch <- m.RepairedDetections.Desc()
}

// Collect implements the prometheus.Collector interface
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.FramesTotal.Collect(ch)
	m.DetectionsTotal.Collect(ch)
	m.ConfirmedTotal.Collect(ch)
	m.EmissionsTotal.Collect(ch)
	m.SuppressedTotal.Collect(ch)
	m.SessionsTotal.Collect(ch)
	m.FrameDuration.Collect(ch)
	m.LiveCandidates.Collect(ch)
	m.AggregatedItems.Collect(ch)
	m.StaleItemsEvicted.Collect(ch)
	m.RepairedDetections.Collect(ch)
}
