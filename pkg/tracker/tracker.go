// Package tracker turns a noisy per-frame detection stream into confirmed detections.
// A physical object must be seen in several consecutive frames before it is
// believed, which filters out single-frame false positives.
package tracker

import (
	"math"
	"slices"
	"sync"

	"github.com/bmharper/flatbush-go"
	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/itemscan/pkg/idgen"
	"github.com/cyclopcam/itemscan/pkg/nn"
	"github.com/cyclopcam/logs"
)

// State of a candidate
type State int

const (
	StateNew       State = iota // Seen exactly once
	StateTracking               // Seen more than once, but not enough to be believed
	StateConfirmed              // Emitted as a confirmed detection. Keeps absorbing hits until it expires.
	StateExpired                // Not seen for longer than the candidate timeout
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateTracking:
		return "tracking"
	case StateConfirmed:
		return "confirmed"
	case StateExpired:
		return "expired"
	}
	return "invalid"
}

// Candidate is a snapshot of an object that we're tracking
type Candidate struct {
	ID             uint64          `json:"id"`
	State          State           `json:"state"`
	Category       string          `json:"category"`
	LabelText      string          `json:"labelText"`
	DetectorType   nn.DetectorType `json:"detectorType"`
	BarcodeValue   string          `json:"barcodeValue,omitempty"`
	BarcodeFormat  string          `json:"barcodeFormat,omitempty"`
	SourceID       string          `json:"sourceId"` // Detector id of the most recent hit
	Box            nn.Rect         `json:"box"`      // Average of the most recent boxes
	BestConfidence float32         `json:"bestConfidence"`
	HitCount       int             `json:"hitCount"`
	FirstSeenMs    int64           `json:"firstSeenMs"`
	LastSeenMs     int64           `json:"lastSeenMs"`
}

// ConfirmedDetection is emitted exactly once per candidate, when it crosses the confirmation threshold.
// The embedded Detection carries the averaged box, the label of the highest-confidence hit,
// the highest confidence, and the source id and timestamp of the confirming hit.
type ConfirmedDetection struct {
	nn.Detection
	CandidateID uint64 `json:"candidateId"`
	HitCount    int    `json:"hitCount"`
}

type Stats struct {
	Live           int   `json:"live"`      // Candidates currently held
	Confirmed      int   `json:"confirmed"` // Live candidates that have been confirmed
	CreatedTotal   int64 `json:"createdTotal"`
	ConfirmedTotal int64 `json:"confirmedTotal"`
	ExpiredTotal   int64 `json:"expiredTotal"`
	RepairedTotal  int64 `json:"repairedTotal"` // Detections whose geometry or confidence had to be clamped
}

// Internal state of a candidate
type candidate struct {
	Candidate
	history ringbuffer.RingP[nn.Rect]
}

// Tracker is safe for use from multiple goroutines, but frames must be delivered in order.
type Tracker struct {
	log    logs.Log
	config Config
	ids    idgen.Uint64

	lock            sync.Mutex
	candidates      []*candidate // In creation order
	stats           Stats
	warnedMalformed bool // Only warn once per session about malformed input
}

func NewTracker(log logs.Log, config Config) (*Tracker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{
		log:    log,
		config: config,
	}, nil
}

func (t *Tracker) Config() Config {
	return t.config
}

// Reset discards all candidates, for the start of a new scanning session
func (t *Tracker) Reset() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.candidates = nil
	t.stats = Stats{}
	t.warnedMalformed = false
}

// A possible pairing of a detection with an existing candidate
type match struct {
	det   int
	cand  int
	score float32
}

// ProcessFrame matches the frame's detections against the live candidates, creates candidates
// for unmatched detections, expires stale candidates, and returns the detections that crossed
// the confirmation threshold during this call.
// The frame timestamp is our clock. If it is zero, we use the newest detection timestamp.
func (t *Tracker) ProcessFrame(frame *nn.Frame) []ConfirmedDetection {
	t.lock.Lock()
	defer t.lock.Unlock()

	now := frame.TimestampMs
	dets := make([]nn.Detection, len(frame.Detections))
	nRepaired := 0
	for i := range frame.Detections {
		d, repaired := frame.Detections[i].Sanitize(now)
		if repaired {
			nRepaired++
		}
		dets[i] = d
		if frame.TimestampMs == 0 {
			now = max(now, d.TimestampMs)
		}
	}
	if nRepaired != 0 {
		t.stats.RepairedTotal += int64(nRepaired)
		if !t.warnedMalformed {
			t.log.Warnf("Tracker: clamped %v malformed detection(s)", nRepaired)
			t.warnedMalformed = true
		}
	}

	// Candidates that timed out before this frame must not claim its detections
	t.expire(now)
	detToCand := t.matchDetections(dets)

	var confirmed []ConfirmedDetection
	for i := range dets {
		det := &dets[i]
		c := detToCand[i]
		if c == nil {
			c = t.newCandidate(det)
		} else {
			t.addHit(c, det)
		}
		if c.State != StateConfirmed && c.HitCount >= t.config.ConfirmationThreshold {
			c.State = StateConfirmed
			t.stats.ConfirmedTotal++
			confirmed = append(confirmed, ConfirmedDetection{
				Detection: nn.Detection{
					SourceID:      c.SourceID,
					Box:           c.Box,
					Confidence:    c.BestConfidence,
					Category:      c.Category,
					LabelText:     c.LabelText,
					TimestampMs:   c.LastSeenMs,
					DetectorType:  c.DetectorType,
					BarcodeValue:  c.BarcodeValue,
					BarcodeFormat: c.BarcodeFormat,
				},
				CandidateID: c.ID,
				HitCount:    c.HitCount,
			})
		}
	}

	t.expire(now)
	return confirmed
}

// Returns, for each detection, the candidate that claimed it (or nil).
// Matching is greedy on IoU: the strongest pair across the whole frame is assigned first,
// and neither side of an assigned pair can be claimed again.
func (t *Tracker) matchDetections(dets []nn.Detection) []*candidate {
	detToCand := make([]*candidate, len(dets))
	if len(t.candidates) == 0 || len(dets) == 0 {
		return detToCand
	}

	// Create spatial index on the live candidates
	fb := flatbush.NewFlatbush[float32]()
	fb.Reserve(len(t.candidates))
	for _, c := range t.candidates {
		fb.Add(c.Box.Left, c.Box.Top, c.Box.Right, c.Box.Bottom)
	}
	fb.Finish()

	matches := []match{}
	nearby := []int{}
	for i := range dets {
		det := &dets[i]
		nearby = fb.SearchFast(det.Box.Left, det.Box.Top, det.Box.Right, det.Box.Bottom, nearby)
		for _, j := range nearby {
			if score, ok := t.matchScore(det, t.candidates[j]); ok {
				matches = append(matches, match{det: i, cand: j, score: score})
			}
		}
		// A barcode value identifies the object even when the boxes don't overlap
		if det.IsBarcodeValue() {
			for j, c := range t.candidates {
				if c.BarcodeValue == det.BarcodeValue && c.Category == det.Category && !slices.Contains(nearby, j) {
					matches = append(matches, match{det: i, cand: j, score: math.MaxFloat32})
				}
			}
		}
	}

	// Highest score first. Ties go to the earlier detection, then the older candidate.
	slices.SortStableFunc(matches, func(a, b match) int {
		if a.score != b.score {
			if a.score > b.score {
				return -1
			}
			return 1
		}
		if a.det != b.det {
			return a.det - b.det
		}
		return a.cand - b.cand
	})

	candTaken := make([]bool, len(t.candidates))
	for _, m := range matches {
		if detToCand[m.det] != nil || candTaken[m.cand] {
			continue
		}
		detToCand[m.det] = t.candidates[m.cand]
		candTaken[m.cand] = true
	}
	return detToCand
}

// Returns the strength of the match between det and c, and false if they cannot be the same object
func (t *Tracker) matchScore(det *nn.Detection, c *candidate) (float32, bool) {
	if det.Category != c.Category {
		return 0, false
	}
	if det.IsBarcodeValue() && c.BarcodeValue != "" {
		if det.BarcodeValue != c.BarcodeValue {
			return 0, false
		}
		return math.MaxFloat32, true
	}
	iou := det.Box.IOU(c.Box)
	if iou < t.config.MatchIoU {
		return 0, false
	}
	return iou, true
}

func (t *Tracker) newCandidate(det *nn.Detection) *candidate {
	c := &candidate{
		Candidate: Candidate{
			ID:             t.ids.Next(),
			State:          StateNew,
			Category:       det.Category,
			LabelText:      det.LabelText,
			DetectorType:   det.DetectorType,
			BarcodeValue:   det.BarcodeValue,
			BarcodeFormat:  det.BarcodeFormat,
			SourceID:       det.SourceID,
			Box:            det.Box,
			BestConfidence: det.Confidence,
			HitCount:       1,
			FirstSeenMs:    det.TimestampMs,
			LastSeenMs:     det.TimestampMs,
		},
		history: ringbuffer.NewRingP[nn.Rect](nextPowerOf2(t.config.BoxHistorySize + 1)),
	}
	c.history.Add(det.Box)
	t.candidates = append(t.candidates, c)
	t.stats.CreatedTotal++
	return c
}

func (t *Tracker) addHit(c *candidate, det *nn.Detection) {
	c.HitCount++
	if c.State == StateNew {
		c.State = StateTracking
	}
	c.SourceID = det.SourceID
	c.LastSeenMs = max(c.LastSeenMs, det.TimestampMs)
	if det.Confidence > c.BestConfidence {
		c.BestConfidence = det.Confidence
		if det.LabelText != "" {
			c.LabelText = det.LabelText
		}
	} else if c.LabelText == "" {
		c.LabelText = det.LabelText
	}
	if c.BarcodeValue == "" && det.BarcodeValue != "" {
		c.BarcodeValue = det.BarcodeValue
		c.BarcodeFormat = det.BarcodeFormat
	}

	c.history.Add(det.Box)
	// Only average over the configured window, even though the ring may be larger
	n := min(c.history.Len(), t.config.BoxHistorySize)
	recent := make([]nn.Rect, 0, n)
	for i := c.history.Len() - n; i < c.history.Len(); i++ {
		recent = append(recent, c.history.Peek(i))
	}
	c.Box = nn.Average(recent)
}

// Remove candidates that have not been seen for longer than the timeout
func (t *Tracker) expire(now int64) {
	keep := t.candidates[:0]
	for _, c := range t.candidates {
		if now-c.LastSeenMs > t.config.CandidateTimeoutMs {
			c.State = StateExpired
			t.stats.ExpiredTotal++
			continue
		}
		keep = append(keep, c)
	}
	clear(t.candidates[len(keep):])
	t.candidates = keep
}

// Candidates returns a snapshot of the live candidates, in creation order
func (t *Tracker) Candidates() []Candidate {
	t.lock.Lock()
	defer t.lock.Unlock()
	out := make([]Candidate, len(t.candidates))
	for i, c := range t.candidates {
		out[i] = c.Candidate
	}
	return out
}

func (t *Tracker) Stats() Stats {
	t.lock.Lock()
	defer t.lock.Unlock()
	s := t.stats
	s.Live = len(t.candidates)
	for _, c := range t.candidates {
		if c.State == StateConfirmed {
			s.Confirmed++
		}
	}
	return s
}

// RingP holds one less than its size, so callers pass the number of items they need + 1
func nextPowerOf2(n int) int {
	return 1 << int(math.Ceil(math.Log2(float64(n))))
}
