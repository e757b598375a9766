package perfstats

import "time"

// Accumulator keeps the number of samples, their total, and the largest sample seen.
// This is enough to report a running mean and a running max without storing the samples.
type Accumulator struct {
	Samples int64
	Total   float64
	Max     float64
}

func (a *Accumulator) Reset() {
	*a = Accumulator{}
}

func (a *Accumulator) AddSample(v float64) {
	if a.Samples == 0 || v > a.Max {
		a.Max = v
	}
	a.Samples++
	a.Total += v
}

func (a *Accumulator) Average() float64 {
	if a.Samples == 0 {
		return 0
	}
	return a.Total / float64(a.Samples)
}

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
	Max     time.Duration
}

func (a *TimeAccumulator) Reset() {
	*a = TimeAccumulator{}
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
	a.Max = max(a.Max, v)
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}
