// Package aggregator folds confirmed detections into long-lived items.
// The detector may hand the same physical object a new id at any time, so identity is
// decided by similarity (category, label, size, position) rather than by detector id.
package aggregator

import (
	"strings"
	"sync"
	"time"

	"github.com/cyclopcam/itemscan/pkg/nn"
	"github.com/cyclopcam/itemscan/pkg/perfstats"
	"github.com/cyclopcam/itemscan/pkg/textsim"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
)

// ScannedItemIDPrefix distinguishes item ids from detector-assigned ids
const ScannedItemIDPrefix = "agg_"

// AggregatedItem is a snapshot of one physical object, merged from one or more detections
type AggregatedItem struct {
	AggregatedID       string          `json:"aggregatedId"`
	SourceDetectionIDs []string        `json:"sourceDetectionIds"` // Distinct detector ids, in the order they were first seen
	MergeCount         int             `json:"mergeCount"`         // Number of detections folded into this item
	MaxConfidence      float32         `json:"maxConfidence"`
	AverageConfidence  float32         `json:"averageConfidence"`
	Category           string          `json:"category"`
	LabelText          string          `json:"labelText"`
	DetectorType       nn.DetectorType `json:"detectorType"`
	BarcodeValue       string          `json:"barcodeValue,omitempty"`
	BarcodeFormat      string          `json:"barcodeFormat,omitempty"`
	Box                nn.Rect         `json:"box"` // Most recent box that carried position
	FirstSeenMs        int64           `json:"firstSeenMs"`
	LastSeenMs         int64           `json:"lastSeenMs"`
}

// ScannedItem is the shape of an item that the rest of the application consumes (pricing, persistence, UI)
type ScannedItem struct {
	ID                string          `json:"id"` // ScannedItemIDPrefix + AggregatedID
	Category          string          `json:"category"`
	LabelText         string          `json:"labelText"`
	Confidence        float32         `json:"confidence"` // Max confidence
	AverageConfidence float32         `json:"averageConfidence"`
	Box               nn.Rect         `json:"box"`
	BoxArea           float32         `json:"boxArea"` // Normalized area, used by pricing
	DetectorType      nn.DetectorType `json:"detectorType"`
	BarcodeValue      string          `json:"barcodeValue,omitempty"`
	BarcodeFormat     string          `json:"barcodeFormat,omitempty"`
	MergeCount        int             `json:"mergeCount"`
	SourceCount       int             `json:"sourceCount"`
	FirstSeenMs       int64           `json:"firstSeenMs"`
	LastSeenMs        int64           `json:"lastSeenMs"`
}

type Stats struct {
	TotalItems           int     `json:"totalItems"`
	TotalMerges          int     `json:"totalMerges"` // Sum of (mergeCount - 1)
	AverageMergesPerItem float64 `json:"averageMergesPerItem"`
}

// How often we've seen one particular spelling of a label
type labelVote struct {
	text  string
	norm  string
	count int
}

// Internal state of an item
type item struct {
	AggregatedItem
	sources    map[string]bool
	confidence perfstats.Accumulator
	labels     []labelVote
}

// Aggregator is safe for use from multiple goroutines.
// Items are scanned in insertion order, and the first similar item wins.
type Aggregator struct {
	log    logs.Log
	config AggregationConfig
	nowMs  func() int64

	lock     sync.Mutex
	items    []*item          // Insertion order
	bySource map[string]*item // Detector id -> item that absorbed it
}

func NewAggregator(log logs.Log, config AggregationConfig) (*Aggregator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{
		log:      log,
		config:   config,
		nowMs:    func() int64 { return time.Now().UnixMilli() },
		bySource: map[string]*item{},
	}, nil
}

// SetClock replaces the wall clock used by RemoveStaleItems
func (a *Aggregator) SetClock(nowMs func() int64) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.nowMs = nowMs
}

func (a *Aggregator) Config() AggregationConfig {
	return a.config
}

// ProcessDetection folds the detection into an existing similar item, or creates a new item.
// Re-delivery of a detector id that has already been absorbed returns the existing item untouched.
func (a *Aggregator) ProcessDetection(det nn.Detection) AggregatedItem {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.processDetection(det).snapshot()
}

// ProcessDetections handles the list in order, and returns one item per detection
func (a *Aggregator) ProcessDetections(dets []nn.Detection) []AggregatedItem {
	a.lock.Lock()
	defer a.lock.Unlock()
	out := make([]AggregatedItem, len(dets))
	for i, d := range dets {
		out[i] = a.processDetection(d).snapshot()
	}
	return out
}

func (a *Aggregator) processDetection(det nn.Detection) *item {
	if det.SourceID != "" {
		if existing, ok := a.bySource[det.SourceID]; ok {
			return existing
		}
	}
	det, _ = det.Sanitize(det.TimestampMs)

	thresholds := a.config.ThresholdsFor(det.DetectorType)
	for _, it := range a.items {
		if isSimilar(&it.AggregatedItem, &det, &thresholds) {
			it.merge(&det)
			a.registerSource(it, det.SourceID)
			return it
		}
	}

	it := newItem(&det)
	a.items = append(a.items, it)
	a.registerSource(it, det.SourceID)
	return it
}

func (a *Aggregator) registerSource(it *item, sourceID string) {
	if sourceID == "" {
		return
	}
	a.bySource[sourceID] = it
	if !it.sources[sourceID] {
		it.sources[sourceID] = true
		it.SourceDetectionIDs = append(it.SourceDetectionIDs, sourceID)
	}
}

// isSimilar decides whether det is another sighting of the item.
// All of the checks must pass. A check is skipped when either side lacks the signal it needs.
func isSimilar(it *AggregatedItem, det *nn.Detection, th *SimilarityThresholds) bool {
	if it.Category != det.Category {
		return false
	}

	// A scanned value identifies the object outright
	if it.BarcodeValue != "" && det.BarcodeValue != "" {
		return it.BarcodeValue == det.BarcodeValue
	}

	itemHasPos := !it.Box.IsZero()
	detHasPos := !det.Box.IsZero()
	if !itemHasPos && !detHasPos {
		// Nothing to tell two sparse inputs apart, so we refuse to merge them
		return false
	}

	if !textsim.IsEmpty(it.LabelText) && !textsim.IsEmpty(det.LabelText) {
		if textsim.Similarity(it.LabelText, det.LabelText) < th.MinLabelSimilarity {
			return false
		}
	}

	if it.Box.HasSize() && det.Box.HasSize() {
		if it.Box.SizeRatio(det.Box) < 1-th.MaxSizeDifferenceRatio {
			return false
		}
	}

	if itemHasPos && detHasPos {
		if it.Box.CenterDistance(det.Box) > th.MaxCenterDistanceRatio {
			return false
		}
	}

	return true
}

func newItem(det *nn.Detection) *item {
	it := &item{
		AggregatedItem: AggregatedItem{
			AggregatedID:  uuid.NewString(),
			Category:      det.Category,
			DetectorType:  det.DetectorType,
			BarcodeValue:  det.BarcodeValue,
			BarcodeFormat: det.BarcodeFormat,
			Box:           det.Box,
			FirstSeenMs:   det.TimestampMs,
			LastSeenMs:    det.TimestampMs,
		},
		sources: map[string]bool{},
	}
	it.absorb(det)
	return it
}

func (it *item) merge(det *nn.Detection) {
	if !det.Box.IsZero() {
		it.Box = det.Box
	}
	if it.BarcodeValue == "" && det.BarcodeValue != "" {
		it.BarcodeValue = det.BarcodeValue
		it.BarcodeFormat = det.BarcodeFormat
	}
	it.FirstSeenMs = min(it.FirstSeenMs, det.TimestampMs)
	it.LastSeenMs = max(it.LastSeenMs, det.TimestampMs)
	it.absorb(det)
}

// Update the counters and label votes that every detection contributes to
func (it *item) absorb(det *nn.Detection) {
	it.MergeCount++
	it.confidence.AddSample(float64(det.Confidence))
	it.MaxConfidence = float32(it.confidence.Max)
	it.AverageConfidence = float32(it.confidence.Average())
	it.voteLabel(det.LabelText)
}

// Labels that are equal apart from case and whitespace are one group. The group with the most
// votes wins, and within it, the most frequent spelling. Ties go to whichever was seen first.
func (it *item) voteLabel(label string) {
	label = strings.TrimSpace(label)
	if label == "" {
		return
	}
	norm := textsim.Normalize(label)
	found := false
	for i := range it.labels {
		if it.labels[i].text == label {
			it.labels[i].count++
			found = true
			break
		}
	}
	if !found {
		it.labels = append(it.labels, labelVote{text: label, norm: norm, count: 1})
	}

	groupTotal := map[string]int{}
	for _, v := range it.labels {
		groupTotal[v.norm] += v.count
	}
	bestNorm := ""
	for _, v := range it.labels {
		if bestNorm == "" || groupTotal[v.norm] > groupTotal[bestNorm] {
			bestNorm = v.norm
		}
	}
	best := -1
	for i, v := range it.labels {
		if v.norm == bestNorm && (best == -1 || v.count > it.labels[best].count) {
			best = i
		}
	}
	it.LabelText = it.labels[best].text
}

func (it *item) snapshot() AggregatedItem {
	s := it.AggregatedItem
	s.SourceDetectionIDs = append([]string(nil), it.SourceDetectionIDs...)
	return s
}

// ToScannedItem projects the item into the shape consumed outside the scanning engine
func (i *AggregatedItem) ToScannedItem() ScannedItem {
	return ScannedItem{
		ID:                ScannedItemIDPrefix + i.AggregatedID,
		Category:          i.Category,
		LabelText:         i.LabelText,
		Confidence:        i.MaxConfidence,
		AverageConfidence: i.AverageConfidence,
		Box:               i.Box,
		BoxArea:           i.Box.Area(),
		DetectorType:      i.DetectorType,
		BarcodeValue:      i.BarcodeValue,
		BarcodeFormat:     i.BarcodeFormat,
		MergeCount:        i.MergeCount,
		SourceCount:       len(i.SourceDetectionIDs),
		FirstSeenMs:       i.FirstSeenMs,
		LastSeenMs:        i.LastSeenMs,
	}
}

// GetAllItems returns a snapshot of every item, in creation order
func (a *Aggregator) GetAllItems() []AggregatedItem {
	a.lock.Lock()
	defer a.lock.Unlock()
	out := make([]AggregatedItem, len(a.items))
	for i, it := range a.items {
		out[i] = it.snapshot()
	}
	return out
}

func (a *Aggregator) GetScannedItems() []ScannedItem {
	a.lock.Lock()
	defer a.lock.Unlock()
	out := make([]ScannedItem, len(a.items))
	for i, it := range a.items {
		out[i] = it.AggregatedItem.ToScannedItem()
	}
	return out
}

// Item finds an item by its aggregated id (with or without ScannedItemIDPrefix)
func (a *Aggregator) Item(id string) (AggregatedItem, bool) {
	id = strings.TrimPrefix(id, ScannedItemIDPrefix)
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, it := range a.items {
		if it.AggregatedID == id {
			return it.snapshot(), true
		}
	}
	return AggregatedItem{}, false
}

// ItemForSource returns the item that absorbed the given detector id
func (a *Aggregator) ItemForSource(sourceID string) (AggregatedItem, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if it, ok := a.bySource[sourceID]; ok {
		return it.snapshot(), true
	}
	return AggregatedItem{}, false
}

func (a *Aggregator) GetStats() Stats {
	a.lock.Lock()
	defer a.lock.Unlock()
	s := Stats{
		TotalItems: len(a.items),
	}
	for _, it := range a.items {
		s.TotalMerges += it.MergeCount - 1
	}
	if s.TotalItems != 0 {
		s.AverageMergesPerItem = float64(s.TotalMerges) / float64(s.TotalItems)
	}
	return s
}

// RemoveStaleItems evicts items that have not been seen within maxAge of the aggregator's clock
func (a *Aggregator) RemoveStaleItems(maxAge time.Duration) int {
	a.lock.Lock()
	now := a.nowMs()
	a.lock.Unlock()
	return a.RemoveStaleItemsAt(now, maxAge.Milliseconds())
}

// RemoveStaleItemsAt evicts items whose lastSeenMs is older than nowMs - maxAgeMs, and returns the number removed
func (a *Aggregator) RemoveStaleItemsAt(nowMs, maxAgeMs int64) int {
	a.lock.Lock()
	defer a.lock.Unlock()
	cutoff := nowMs - maxAgeMs
	keep := a.items[:0]
	removed := 0
	for _, it := range a.items {
		if it.LastSeenMs < cutoff {
			for src := range it.sources {
				delete(a.bySource, src)
			}
			removed++
			continue
		}
		keep = append(keep, it)
	}
	clear(a.items[len(keep):])
	a.items = keep
	if removed != 0 {
		a.log.Debugf("Aggregator: removed %v stale items, %v remain", removed, len(a.items))
	}
	return removed
}

// Reset removes all items, for the start of a new scanning session
func (a *Aggregator) Reset() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.items = nil
	a.bySource = map[string]*item{}
}
