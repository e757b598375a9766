// Package pipeline runs a scanning session: raw detector frames go through the candidate tracker,
// the identity aggregator, and the duplicate suppressor, and whatever survives is emitted as an item.
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/cyclopcam/itemscan/pkg/aggregator"
	"github.com/cyclopcam/itemscan/pkg/dedupe"
	"github.com/cyclopcam/itemscan/pkg/event"
	"github.com/cyclopcam/itemscan/pkg/nn"
	"github.com/cyclopcam/itemscan/pkg/perfstats"
	"github.com/cyclopcam/itemscan/pkg/tracker"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
)

type Config struct {
	Tracker     tracker.Config               `json:"tracker"`
	Aggregation aggregator.AggregationConfig `json:"aggregation"`
	Dedupe      dedupe.Config                `json:"dedupe"`
}

func DefaultConfig() Config {
	return Config{
		Tracker:     tracker.DefaultConfig(),
		Aggregation: aggregator.DefaultConfig(),
		Dedupe:      dedupe.DefaultConfig(),
	}
}

func (c *Config) Validate() error {
	if err := c.Tracker.Validate(); err != nil {
		return err
	}
	if err := c.Aggregation.Validate(); err != nil {
		return err
	}
	return c.Dedupe.Validate()
}

// Emission is an item leaving the scanning engine.
// FirstEmission is false when the item was already emitted earlier in the session,
// and has now been seen again after its suppression window ran out.
type Emission struct {
	SessionID     string                 `json:"sessionId"`
	Item          aggregator.ScannedItem `json:"item"`
	FirstEmission bool                   `json:"firstEmission"`
}

type Stats struct {
	SessionID        string           `json:"sessionId"`
	SessionStart     time.Time        `json:"sessionStart"`
	Frames           int64            `json:"frames"`
	Emissions        int64            `json:"emissions"`
	MeanFrameTimeMs  float64          `json:"meanFrameTimeMs"`
	MaxFrameTimeMs   float64          `json:"maxFrameTimeMs"`
	Tracker          tracker.Stats    `json:"tracker"`
	Aggregator       aggregator.Stats `json:"aggregator"`
	Dedupe           dedupe.Stats     `json:"dedupe"`
	NumItemListeners int              `json:"numItemListeners"`
}

// Pipeline owns one instance of each stage.
// Every stage has its own lock, and the pipeline holds an outer lock for the duration of a frame,
// so that StartSession can never observe (or leave behind) a half-processed frame.
type Pipeline struct {
	log        logs.Log
	metrics    *Metrics // May be nil
	tracker    *tracker.Tracker
	aggregator *aggregator.Aggregator
	suppressor *dedupe.Suppressor

	// Emitted items are sent to these listeners, after the pipeline lock is released
	Items event.Sender[Emission]

	lock          sync.Mutex
	sessionID     string
	sessionStart  time.Time
	emitted       map[string]bool // Item ids emitted during this session
	frames        int64
	emissions     int64
	frameTime     perfstats.TimeAccumulator
	lastRepaired  int64
	lastFrameTime int64 // Timestamp of the most recent frame
}

// NewPipeline creates the stages and starts the first session.
// metrics may be nil.
func NewPipeline(log logs.Log, config Config, metrics *Metrics) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	t, err := tracker.NewTracker(log, config.Tracker)
	if err != nil {
		return nil, fmt.Errorf("Failed to create tracker: %w", err)
	}
	a, err := aggregator.NewAggregator(log, config.Aggregation)
	if err != nil {
		return nil, fmt.Errorf("Failed to create aggregator: %w", err)
	}
	s, err := dedupe.NewSuppressor(log, config.Dedupe)
	if err != nil {
		return nil, fmt.Errorf("Failed to create duplicate suppressor: %w", err)
	}
	p := &Pipeline{
		log:        log,
		metrics:    metrics,
		tracker:    t,
		aggregator: a,
		suppressor: s,
	}
	p.StartSession()
	return p, nil
}

// StartSession discards the state of every stage and assigns a new session id
func (p *Pipeline) StartSession() string {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.tracker.Reset()
	p.aggregator.Reset()
	p.suppressor.ResetAll()
	p.sessionID = uuid.NewString()
	p.sessionStart = time.Now()
	p.emitted = map[string]bool{}
	p.frames = 0
	p.emissions = 0
	p.frameTime.Reset()
	p.lastRepaired = 0
	p.lastFrameTime = 0
	if p.metrics != nil {
		p.metrics.SessionsTotal.Inc()
		p.metrics.LiveCandidates.Set(0)
		p.metrics.AggregatedItems.Set(0)
	}
	p.log.Infof("Pipeline: session %v started", p.sessionID)
	return p.sessionID
}

// Reset is the same as StartSession
func (p *Pipeline) Reset() {
	p.StartSession()
}

func (p *Pipeline) SessionID() string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.sessionID
}

// ProcessFrame pushes one frame through all three stages, and returns the items that were emitted.
// Frames must be delivered in order.
func (p *Pipeline) ProcessFrame(frame *nn.Frame) []Emission {
	emissions := p.processFrame(frame)
	for _, e := range emissions {
		p.Items.SendEvent(e)
	}
	return emissions
}

func (p *Pipeline) processFrame(frame *nn.Frame) []Emission {
	p.lock.Lock()
	defer p.lock.Unlock()

	start := time.Now()
	confirmed := p.tracker.ProcessFrame(frame)

	var emissions []Emission
	for i := range confirmed {
		cd := &confirmed[i]
		if p.metrics != nil {
			p.metrics.ConfirmedTotal.WithLabelValues(cd.DetectorType.String()).Inc()
		}
		item := p.aggregator.ProcessDetection(cd.Detection)
		scanned := item.ToScannedItem()
		if p.isDuplicate(cd, scanned.ID) {
			continue
		}
		first := !p.emitted[scanned.ID]
		p.emitted[scanned.ID] = true
		emissions = append(emissions, Emission{
			SessionID:     p.sessionID,
			Item:          scanned,
			FirstEmission: first,
		})
	}

	elapsed := time.Since(start)
	p.frames++
	p.emissions += int64(len(emissions))
	p.frameTime.AddSample(elapsed)
	p.lastFrameTime = max(p.lastFrameTime, frame.TimestampMs)

	if p.metrics != nil {
		p.updateFrameMetrics(frame, emissions, elapsed)
	}
	return emissions
}

// Run the confirmed detection through the suppressor. Barcodes with a value are keyed by that value,
// everything else by position.
func (p *Pipeline) isDuplicate(cd *tracker.ConfirmedDetection, itemID string) bool {
	mode := "spatial"
	var dup bool
	if cd.IsBarcodeValue() {
		mode = "barcode"
		_, dup = p.suppressor.CheckAndRecordBarcode(cd.BarcodeValue, cd.BarcodeFormat, cd.TimestampMs)
	} else {
		_, dup = p.suppressor.CheckAndRecord(cd.Detection, itemID)
	}
	if dup && p.metrics != nil {
		p.metrics.SuppressedTotal.WithLabelValues(mode).Inc()
	}
	return dup
}

func (p *Pipeline) updateFrameMetrics(frame *nn.Frame, emissions []Emission, elapsed time.Duration) {
	m := p.metrics
	m.FramesTotal.Inc()
	m.FrameDuration.Observe(elapsed.Seconds())
	for i := range frame.Detections {
		m.DetectionsTotal.WithLabelValues(frame.Detections[i].DetectorType.String()).Inc()
	}
	for _, e := range emissions {
		if e.FirstEmission {
			m.EmissionsTotal.WithLabelValues("new").Inc()
		} else {
			m.EmissionsTotal.WithLabelValues("update").Inc()
		}
	}
	ts := p.tracker.Stats()
	m.LiveCandidates.Set(float64(ts.Live))
	if ts.RepairedTotal > p.lastRepaired {
		m.RepairedDetections.Add(float64(ts.RepairedTotal - p.lastRepaired))
		p.lastRepaired = ts.RepairedTotal
	}
	m.AggregatedItems.Set(float64(p.aggregator.GetStats().TotalItems))
}

// RemoveStaleItems evicts aggregated items that have not been seen within maxAge of the wall clock
func (p *Pipeline) RemoveStaleItems(maxAge time.Duration) int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.afterEviction(p.aggregator.RemoveStaleItems(maxAge))
}

// RemoveStaleItemsAt evicts aggregated items relative to the given time, which is normally
// the timestamp of the most recent frame (see LastFrameTimeMs).
func (p *Pipeline) RemoveStaleItemsAt(nowMs, maxAgeMs int64) int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.afterEviction(p.aggregator.RemoveStaleItemsAt(nowMs, maxAgeMs))
}

// Forget the emission history of items that no longer exist
func (p *Pipeline) afterEviction(removed int) int {
	if removed == 0 {
		return 0
	}
	live := map[string]bool{}
	for _, it := range p.aggregator.GetScannedItems() {
		live[it.ID] = true
	}
	for id := range p.emitted {
		if !live[id] {
			delete(p.emitted, id)
		}
	}
	if p.metrics != nil {
		p.metrics.StaleItemsEvicted.Add(float64(removed))
		p.metrics.AggregatedItems.Set(float64(len(live)))
	}
	return removed
}

// LastFrameTimeMs is the timestamp of the newest frame processed in this session
func (p *Pipeline) LastFrameTimeMs() int64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.lastFrameTime
}

// ScannedItems returns every aggregated item of the session, whether or not it has been emitted
func (p *Pipeline) ScannedItems() []aggregator.ScannedItem {
	return p.aggregator.GetScannedItems()
}

func (p *Pipeline) Item(id string) (aggregator.AggregatedItem, bool) {
	return p.aggregator.Item(id)
}

func (p *Pipeline) Candidates() []tracker.Candidate {
	return p.tracker.Candidates()
}

func (p *Pipeline) Stats() Stats {
	p.lock.Lock()
	defer p.lock.Unlock()
	return Stats{
		SessionID:        p.sessionID,
		SessionStart:     p.sessionStart,
		Frames:           p.frames,
		Emissions:        p.emissions,
		MeanFrameTimeMs:  durationMs(p.frameTime.Average()),
		MaxFrameTimeMs:   durationMs(p.frameTime.Max),
		Tracker:          p.tracker.Stats(),
		Aggregator:       p.aggregator.GetStats(),
		Dedupe:           p.suppressor.GetStats(),
		NumItemListeners: p.Items.NumListeners(),
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}
