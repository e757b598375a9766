package pipeline

import (
	"fmt"
	"sync"
	"testing"

	"github.com/cyclopcam/itemscan/pkg/event"
	"github.com/cyclopcam/itemscan/pkg/nn"
	"github.com/cyclopcam/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	lock      sync.Mutex
	emissions []Emission
}

func (r *recorder) OnEvent(sender *event.Sender[Emission], e Emission) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.emissions = append(r.emissions, e)
}

func newTestPipeline(t *testing.T) (*Pipeline, *Metrics) {
	t.Helper()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	p, err := NewPipeline(logs.NewTestingLog(t), DefaultConfig(), metrics)
	require.NoError(t, err)
	return p, metrics
}

func shirt(id string, ts int64, dx float32) nn.Detection {
	return nn.Detection{
		SourceID:     id,
		Box:          nn.MakeRect(0.3+dx, 0.3+dx, 0.5+dx, 0.5+dx),
		Confidence:   0.8,
		Category:     "FASHION",
		LabelText:    "Shirt",
		TimestampMs:  ts,
		DetectorType: nn.DetectorObject,
	}
}

func frame(ts int64, dets ...nn.Detection) *nn.Frame {
	return &nn.Frame{TimestampMs: ts, Detections: dets}
}

func TestInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dedupe.GridSize = 0
	_, err := NewPipeline(logs.NewTestingLog(t), cfg, nil)
	require.Error(t, err)
}

func TestItemLifecycle(t *testing.T) {
	p, metrics := newTestPipeline(t)
	rec := &recorder{}
	p.Items.AddListener(rec)

	// Seen once: not yet believed
	require.Empty(t, p.ProcessFrame(frame(0, shirt("det_1", 0, 0))))

	// Seen twice: confirmed, aggregated, and emitted
	out := p.ProcessFrame(frame(33, shirt("det_1", 33, 0.01)))
	require.Len(t, out, 1)
	require.True(t, out[0].FirstEmission)
	require.Equal(t, p.SessionID(), out[0].SessionID)
	require.Equal(t, "FASHION", out[0].Item.Category)
	require.Equal(t, "Shirt", out[0].Item.LabelText)
	itemID := out[0].Item.ID

	// The candidate keeps absorbing hits without further emissions
	for ts := int64(66); ts < 300; ts += 33 {
		require.Empty(t, p.ProcessFrame(frame(ts, shirt("det_1", ts, 0))))
	}

	// The object leaves view long enough for its candidate to expire, then returns with a new detector id.
	// It is reconfirmed and merged into the same item, but is still inside the suppression window.
	p.ProcessFrame(frame(2000))
	require.Empty(t, p.Candidates())
	require.Empty(t, p.ProcessFrame(frame(2100, shirt("det_2", 2100, 0))))
	require.Empty(t, p.ProcessFrame(frame(2133, shirt("det_2", 2133, 0))))
	require.Len(t, p.ScannedItems(), 1)

	// After the window has run out, it is emitted again, but not as a new item
	p.ProcessFrame(frame(4000))
	p.ProcessFrame(frame(6500, shirt("det_3", 6500, 0)))
	out = p.ProcessFrame(frame(6533, shirt("det_3", 6533, 0)))
	require.Len(t, out, 1)
	require.False(t, out[0].FirstEmission)
	require.Equal(t, itemID, out[0].Item.ID)
	require.Equal(t, 3, out[0].Item.SourceCount)

	require.Len(t, rec.emissions, 2)

	stats := p.Stats()
	require.Equal(t, int64(2), stats.Emissions)
	require.Equal(t, 1, stats.Aggregator.TotalItems)
	require.Equal(t, int64(1), stats.Dedupe.Suppressed)
	require.Equal(t, 1, stats.NumItemListeners)

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.EmissionsTotal.WithLabelValues("new")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.EmissionsTotal.WithLabelValues("update")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.SuppressedTotal.WithLabelValues("spatial")))
	require.Equal(t, float64(stats.Frames), testutil.ToFloat64(metrics.FramesTotal))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.AggregatedItems))
}

func TestBarcodesAreSuppressedByValue(t *testing.T) {
	p, metrics := newTestPipeline(t)
	code := func(id string, ts int64, x float32) nn.Detection {
		return nn.Detection{
			SourceID:      id,
			Box:           nn.MakeRect(x, 0.4, x+0.1, 0.5),
			Confidence:    0.95,
			Category:      "BARCODE",
			TimestampMs:   ts,
			DetectorType:  nn.DetectorBarcode,
			BarcodeValue:  "4006381333931",
			BarcodeFormat: "EAN_13",
		}
	}
	p.ProcessFrame(frame(0, code("a", 0, 0.1)))
	out := p.ProcessFrame(frame(33, code("a", 33, 0.1)))
	require.Len(t, out, 1)

	// Same value somewhere else in the frame, after the candidate expired
	p.ProcessFrame(frame(2000))
	p.ProcessFrame(frame(2100, code("b", 2100, 0.7)))
	require.Empty(t, p.ProcessFrame(frame(2133, code("b", 2133, 0.7))))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.SuppressedTotal.WithLabelValues("barcode")))
	require.Equal(t, 1, p.Stats().Dedupe.TrackedBarcodes)
	require.Len(t, p.ScannedItems(), 1)
}

func TestSwappedItemInTheSamePlace(t *testing.T) {
	p, metrics := newTestPipeline(t)
	home := func(id, label string, ts int64) nn.Detection {
		return nn.Detection{
			SourceID:     id,
			Box:          nn.MakeRect(0.3, 0.3, 0.5, 0.5),
			Confidence:   0.8,
			Category:     "HOME",
			LabelText:    label,
			TimestampMs:  ts,
			DetectorType: nn.DetectorObject,
		}
	}
	p.ProcessFrame(frame(0, home("a", "Lamp", 0)))
	out := p.ProcessFrame(frame(33, home("a", "Lamp", 33)))
	require.Len(t, out, 1)
	require.Equal(t, "Lamp", out[0].Item.LabelText)

	// The lamp is taken away and a clock is put down in its place, well inside the suppression window
	p.ProcessFrame(frame(1600))
	p.ProcessFrame(frame(1700, home("b", "Clock", 1700)))
	out = p.ProcessFrame(frame(1733, home("b", "Clock", 1733)))
	require.Len(t, out, 1)
	require.Equal(t, "Clock", out[0].Item.LabelText)
	require.True(t, out[0].FirstEmission)

	require.Len(t, p.ScannedItems(), 2)
	require.Equal(t, float64(0), testutil.ToFloat64(metrics.SuppressedTotal.WithLabelValues("spatial")))
}

func TestBatchOfDistinctItems(t *testing.T) {
	p, _ := newTestPipeline(t)
	// No per-detection timestamps, so the frame's time is used
	dets := []nn.Detection{
		{SourceID: "f", Box: nn.MakeRect(0.1, 0.1, 0.25, 0.25), Confidence: 0.8, Category: "FASHION", LabelText: "Shirt", DetectorType: nn.DetectorObject},
		{SourceID: "e", Box: nn.MakeRect(0.7, 0.7, 0.85, 0.85), Confidence: 0.7, Category: "ELECTRONICS", LabelText: "Phone", DetectorType: nn.DetectorObject},
	}
	p.ProcessFrame(frame(0, dets...))
	out := p.ProcessFrame(frame(33, dets...))
	require.Len(t, out, 2)
	require.NotEqual(t, out[0].Item.ID, out[1].Item.ID)
	require.Equal(t, 2, p.Stats().Aggregator.TotalItems)
}

func TestStartSession(t *testing.T) {
	p, metrics := newTestPipeline(t)
	first := p.SessionID()
	p.ProcessFrame(frame(0, shirt("a", 0, 0)))
	p.ProcessFrame(frame(33, shirt("a", 33, 0)))
	require.Len(t, p.ScannedItems(), 1)

	second := p.StartSession()
	require.NotEqual(t, first, second)
	require.Empty(t, p.ScannedItems())
	require.Empty(t, p.Candidates())
	stats := p.Stats()
	require.Equal(t, int64(0), stats.Frames)
	require.Equal(t, 0, stats.Dedupe.TotalTracked)
	require.Equal(t, float64(2), testutil.ToFloat64(metrics.SessionsTotal))

	// The same object in the new session is a brand new item
	p.ProcessFrame(frame(100, shirt("a", 100, 0)))
	out := p.ProcessFrame(frame(133, shirt("a", 133, 0)))
	require.Len(t, out, 1)
	require.True(t, out[0].FirstEmission)
}

func TestRemoveStaleItems(t *testing.T) {
	p, metrics := newTestPipeline(t)
	p.ProcessFrame(frame(0, shirt("a", 0, 0)))
	p.ProcessFrame(frame(33, shirt("a", 33, 0)))
	require.Equal(t, int64(33), p.LastFrameTimeMs())

	require.Equal(t, 0, p.RemoveStaleItemsAt(p.LastFrameTimeMs(), 1000))
	require.Equal(t, 1, p.RemoveStaleItemsAt(p.LastFrameTimeMs()+2000, 1000))
	require.Empty(t, p.ScannedItems())
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.StaleItemsEvicted))
}

func TestMalformedInputIsCounted(t *testing.T) {
	p, metrics := newTestPipeline(t)
	bad := shirt("a", 0, 0)
	bad.Box = nn.Rect{Left: 2, Top: -1, Right: -3, Bottom: 0.5}
	bad.Confidence = 7
	require.NotPanics(t, func() {
		p.ProcessFrame(frame(0, bad))
	})
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.RepairedDetections))
}

func TestConcurrentSessionReset(t *testing.T) {
	p, err := NewPipeline(logs.NewTestingLog(t), DefaultConfig(), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := int64(0); i < 200; i++ {
			p.ProcessFrame(frame(i*33, shirt(fmt.Sprintf("d%v", i%3), i*33, 0)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			p.StartSession()
		}
	}()
	wg.Wait()

	// Whatever interleaving happened, every stage must agree with the others
	stats := p.Stats()
	require.LessOrEqual(t, stats.Aggregator.TotalItems, 1)
	require.LessOrEqual(t, stats.Tracker.Live, 1)
}
