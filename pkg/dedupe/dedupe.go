// Package dedupe is the last gate before an item leaves the scanning engine.
// It remembers what was recently emitted, and suppresses re-emission of the same item
// within a per-detector window. Spatial entries are bucketed on a coarse grid of box centers.
// Barcodes are keyed by their exact value.
package dedupe

import (
	"sync"

	"github.com/cyclopcam/itemscan/pkg/gen"
	"github.com/cyclopcam/itemscan/pkg/nn"
	"github.com/cyclopcam/logs"
)

// Key is the bucket that a spatial entry lives in
type Key struct {
	DetectorType nn.DetectorType `json:"detectorType"`
	Category     string          `json:"category"`
	GridX        int             `json:"gridX"`
	GridY        int             `json:"gridY"`
}

// DedupeEntry records a recently emitted item, by position
type DedupeEntry struct {
	Key         Key     `json:"key"`
	Box         nn.Rect `json:"box"`
	FirstSeenMs int64   `json:"firstSeenMs"`
	LastSeenMs  int64   `json:"lastSeenMs"`
	SeenCount   int     `json:"seenCount"`
	ItemID      string  `json:"itemId,omitempty"`
}

// BarcodeEntry records a recently emitted barcode value
type BarcodeEntry struct {
	Value       string `json:"value"`
	Format      string `json:"format,omitempty"`
	FirstSeenMs int64  `json:"firstSeenMs"`
	LastSeenMs  int64  `json:"lastSeenMs"`
	SeenCount   int    `json:"seenCount"`
}

type Stats struct {
	TotalTracked    int                     `json:"totalTracked"` // Spatial entries still inside their window
	TrackedByType   map[nn.DetectorType]int `json:"trackedByType"`
	TrackedBarcodes int                     `json:"trackedBarcodes"`
	Checks          int64                   `json:"checks"`     // Duplicate checks performed, in either mode
	Suppressed      int64                   `json:"suppressed"` // Checks that found a duplicate
}

// Suppressor is safe for use from multiple goroutines.
// Time is supplied by the caller on every call (normally the detection timestamp),
// so that replays behave identically to live scanning.
type Suppressor struct {
	log    logs.Log
	config Config

	lock            sync.Mutex
	spatial         map[Key][]*DedupeEntry
	barcodes        map[string]*BarcodeEntry
	spatialOps      int // Operations since the last spatial sweep
	barcodeOps      int // Operations since the last barcode sweep
	checks          int64
	suppressed      int64
	maxExpiryWindow int64
	latestMs        int64 // Most recent timestamp seen by any operation
}

func NewSuppressor(log logs.Log, config Config) (*Suppressor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Suppressor{
		log:             log,
		config:          config,
		spatial:         map[Key][]*DedupeEntry{},
		barcodes:        map[string]*BarcodeEntry{},
		maxExpiryWindow: config.maxExpiryMs(),
	}, nil
}

func (s *Suppressor) Config() Config {
	return s.config
}

func (s *Suppressor) keyOf(det *nn.Detection) Key {
	c := det.Box.Center()
	grid := float32(s.config.GridSize)
	return Key{
		DetectorType: det.DetectorType,
		Category:     det.Category,
		GridX:        gen.Clamp(int(c.X*grid), 0, s.config.GridSize-1),
		GridY:        gen.Clamp(int(c.Y*grid), 0, s.config.GridSize-1),
	}
}

func (s *Suppressor) isExpired(detType nn.DetectorType, lastSeenMs, nowMs int64) bool {
	return nowMs-lastSeenMs > s.config.ExpiryMs(detType)
}

// Find the live entry in the detection's bucket (or a neighbouring bucket) that overlaps it the most
func (s *Suppressor) findMatch(det *nn.Detection, nowMs int64) *DedupeEntry {
	key := s.keyOf(det)
	var best *DedupeEntry
	var bestIoU float32
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			k := key
			k.GridX += dx
			k.GridY += dy
			for _, e := range s.spatial[k] {
				if s.isExpired(k.DetectorType, e.LastSeenMs, nowMs) {
					continue
				}
				iou := e.Box.IOU(det.Box)
				if iou >= s.config.IoUThreshold && iou > 0 && (best == nil || iou > bestIoU) {
					best = e
					bestIoU = iou
				}
			}
		}
	}
	return best
}

// Prepare a detection for the spatial map, and return the time that it happened
func sanitize(det nn.Detection) (nn.Detection, int64) {
	det.Box = det.Box.Clamped()
	return det, det.TimestampMs
}

// IsDuplicate reports whether an equivalent item was recorded within its expiry window.
// Nothing is recorded.
func (s *Suppressor) IsDuplicate(det nn.Detection) bool {
	det, now := sanitize(det)
	s.lock.Lock()
	defer s.lock.Unlock()
	s.checks++
	dup := s.findMatch(&det, now) != nil
	if dup {
		s.suppressed++
	}
	s.tickSpatial(now)
	return dup
}

// RecordSeen records the item, or refreshes the entry that it duplicates
func (s *Suppressor) RecordSeen(det nn.Detection, itemID string) {
	det, now := sanitize(det)
	s.lock.Lock()
	defer s.lock.Unlock()
	if e := s.findMatch(&det, now); e != nil && sameItem(e.ItemID, itemID) {
		s.refresh(e, &det, itemID, now)
	} else {
		if e != nil {
			s.removeEntry(e)
		}
		s.insert(&det, itemID, now)
	}
	s.tickSpatial(now)
}

// CheckAndRecord is the atomic form of IsDuplicate followed by RecordSeen.
// If the detection is a duplicate, the refreshed entry is returned along with true.
// A match that belongs to a different item is not a duplicate: the new item takes over the entry's place.
func (s *Suppressor) CheckAndRecord(det nn.Detection, itemID string) (DedupeEntry, bool) {
	det, now := sanitize(det)
	s.lock.Lock()
	defer s.lock.Unlock()
	defer s.tickSpatial(now)
	s.checks++
	e := s.findMatch(&det, now)
	if e != nil && sameItem(e.ItemID, itemID) {
		s.suppressed++
		s.refresh(e, &det, itemID, now)
		return *e, true
	}
	if e != nil {
		s.removeEntry(e)
	}
	e = s.insert(&det, itemID, now)
	return *e, false
}

// An empty item id is unknown, and matches any item
func sameItem(a, b string) bool {
	return a == "" || b == "" || a == b
}

func (s *Suppressor) insert(det *nn.Detection, itemID string, now int64) *DedupeEntry {
	e := &DedupeEntry{
		Key:         s.keyOf(det),
		Box:         det.Box,
		FirstSeenMs: now,
		LastSeenMs:  now,
		SeenCount:   1,
		ItemID:      itemID,
	}
	s.spatial[e.Key] = append(s.spatial[e.Key], e)
	return e
}

// Move the entry to the new sighting. If the center has drifted into another bucket, the entry follows it.
func (s *Suppressor) refresh(e *DedupeEntry, det *nn.Detection, itemID string, now int64) {
	e.Box = det.Box
	e.LastSeenMs = max(e.LastSeenMs, now)
	e.SeenCount++
	if e.ItemID == "" {
		e.ItemID = itemID
	}
	newKey := s.keyOf(det)
	if newKey != e.Key {
		s.removeEntry(e)
		e.Key = newKey
		s.spatial[newKey] = append(s.spatial[newKey], e)
	}
}

func (s *Suppressor) removeEntry(e *DedupeEntry) {
	list := s.spatial[e.Key]
	for i, x := range list {
		if x == e {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.spatial, e.Key)
	} else {
		s.spatial[e.Key] = list
	}
}

// Count an operation, and sweep when it's time to
func (s *Suppressor) tickSpatial(now int64) {
	s.latestMs = max(s.latestMs, now)
	s.spatialOps++
	if s.spatialOps < s.config.CleanupInterval {
		return
	}
	s.spatialOps = 0
	removed := 0
	for k, list := range s.spatial {
		keep := list[:0]
		for _, e := range list {
			if now-e.LastSeenMs > s.maxExpiryWindow {
				removed++
			} else {
				keep = append(keep, e)
			}
		}
		clear(list[len(keep):])
		if len(keep) == 0 {
			delete(s.spatial, k)
		} else {
			s.spatial[k] = keep
		}
	}
	if removed != 0 {
		s.log.Debugf("Dedupe: swept %v stale spatial entries", removed)
	}
}

// IsDuplicateBarcode reports whether the value was recorded within the barcode window.
// Nothing is recorded.
func (s *Suppressor) IsDuplicateBarcode(value string, nowMs int64) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.checks++
	dup := s.findBarcode(value, nowMs) != nil
	if dup {
		s.suppressed++
	}
	s.tickBarcodes(nowMs)
	return dup
}

// RecordBarcode records the value, or refreshes its existing entry
func (s *Suppressor) RecordBarcode(value, format string, nowMs int64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.recordBarcode(value, format, nowMs)
	s.tickBarcodes(nowMs)
}

// CheckAndRecordBarcode is the atomic form of IsDuplicateBarcode followed by RecordBarcode
func (s *Suppressor) CheckAndRecordBarcode(value, format string, nowMs int64) (BarcodeEntry, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	defer s.tickBarcodes(nowMs)
	s.checks++
	dup := s.findBarcode(value, nowMs) != nil
	if dup {
		s.suppressed++
	}
	return *s.recordBarcode(value, format, nowMs), dup
}

func (s *Suppressor) findBarcode(value string, nowMs int64) *BarcodeEntry {
	e := s.barcodes[value]
	if e == nil || s.isExpired(nn.DetectorBarcode, e.LastSeenMs, nowMs) {
		return nil
	}
	return e
}

func (s *Suppressor) recordBarcode(value, format string, nowMs int64) *BarcodeEntry {
	e := s.findBarcode(value, nowMs)
	if e == nil {
		// An expired entry is replaced, so that firstSeen starts over
		e = &BarcodeEntry{
			Value:       value,
			Format:      format,
			FirstSeenMs: nowMs,
			LastSeenMs:  nowMs,
			SeenCount:   1,
		}
		s.barcodes[value] = e
		return e
	}
	e.LastSeenMs = max(e.LastSeenMs, nowMs)
	e.SeenCount++
	if e.Format == "" {
		e.Format = format
	}
	return e
}

func (s *Suppressor) tickBarcodes(nowMs int64) {
	s.latestMs = max(s.latestMs, nowMs)
	s.barcodeOps++
	if s.barcodeOps < s.config.CleanupInterval {
		return
	}
	s.barcodeOps = 0
	removed := 0
	for v, e := range s.barcodes {
		if nowMs-e.LastSeenMs > s.maxExpiryWindow {
			delete(s.barcodes, v)
			removed++
		}
	}
	if removed != 0 {
		s.log.Debugf("Dedupe: swept %v stale barcodes", removed)
	}
}

// Reset forgets the spatial entries of one detector type
func (s *Suppressor) Reset(detType nn.DetectorType) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for k := range s.spatial {
		if k.DetectorType == detType {
			delete(s.spatial, k)
		}
	}
}

func (s *Suppressor) ResetBarcodes() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.barcodes = map[string]*BarcodeEntry{}
	s.barcodeOps = 0
}

// ResetAll forgets everything, including the counters
func (s *Suppressor) ResetAll() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.spatial = map[Key][]*DedupeEntry{}
	s.barcodes = map[string]*BarcodeEntry{}
	s.spatialOps = 0
	s.barcodeOps = 0
	s.checks = 0
	s.suppressed = 0
	s.latestMs = 0
}

// GetStats counts only entries that are still inside their window, as of the most recent
// timestamp the suppressor has seen. Expired entries that haven't been swept yet are left out.
func (s *Suppressor) GetStats() Stats {
	s.lock.Lock()
	defer s.lock.Unlock()
	st := Stats{
		TrackedByType:   map[nn.DetectorType]int{},
		TrackedBarcodes: len(s.barcodes),
		Checks:          s.checks,
		Suppressed:      s.suppressed,
	}
	for k, list := range s.spatial {
		for _, e := range list {
			if s.isExpired(k.DetectorType, e.LastSeenMs, s.latestMs) {
				continue
			}
			st.TotalTracked++
			st.TrackedByType[k.DetectorType]++
		}
	}
	for _, b := range s.barcodes {
		if s.isExpired(nn.DetectorBarcode, b.LastSeenMs, s.latestMs) {
			st.TrackedBarcodes--
		}
	}
	return st
}

// Entries returns a snapshot of the spatial entries, for diagnostics
func (s *Suppressor) Entries() []DedupeEntry {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := []DedupeEntry{}
	for _, list := range s.spatial {
		for _, e := range list {
			out = append(out, *e)
		}
	}
	return out
}

