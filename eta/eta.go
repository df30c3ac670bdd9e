// Package eta implements the sliding-window linear-regression progress
// estimator (C7): given a stream of (elapsed, fraction_done) samples, it
// predicts how long remains until fraction_done reaches 1.0.
package eta

import "time"

const minSamples = 3

type sample struct {
	x, y float64
}

// Tracker maintains a sliding window of (elapsed, fraction) samples and
// computes an ETA from ordinary least squares, averaging the slope fit over
// the whole window with the slope fit over the last three samples (mirrors
// ff_least_squares / ft_eta::add in the original design).
type Tracker struct {
	samples []sample
	maxN    int
	start   time.Time
}

// NewTracker returns a Tracker with the given window size. A size of 0 or
// less defaults to 12, matching the original's default.
func NewTracker(size int) *Tracker {
	if size <= 0 {
		size = 12
	}
	return &Tracker{maxN: size}
}

// Add records a new sample at time now (measured relative to the now given
// to the Tracker's first Add call) with the given fraction done in [0,1], and
// returns the predicted remaining duration. ok is false when there is not
// enough data yet, or the fit is degenerate (non-positive slope).
func (t *Tracker) Add(now time.Time, fraction float64) (remaining time.Duration, ok bool) {
	if t.start.IsZero() {
		t.start = now
	}
	elapsed := now.Sub(t.start).Seconds()

	t.samples = append(t.samples, sample{x: elapsed, y: fraction})
	if len(t.samples) > t.maxN {
		t.samples = t.samples[len(t.samples)-t.maxN:]
	}

	if len(t.samples) < minSamples {
		return 0, false
	}

	xs, ys := t.split()

	mAll, _, err := leastSquares(xs, ys)
	if err != nil || mAll <= 0 {
		return 0, false
	}

	slope := mAll
	lastX := xs[len(xs)-minSamples:]
	lastY := ys[len(ys)-minSamples:]
	if mLast, _, err := leastSquares(lastX, lastY); err == nil && mLast > 0 {
		slope = 0.5 * (mAll + mLast)
	}

	secondsLeft := (1.0 - fraction) / slope
	if secondsLeft < 0 {
		return 0, false
	}
	return time.Duration(secondsLeft * float64(time.Second)), true
}

func (t *Tracker) split() (xs, ys []float64) {
	xs = make([]float64, len(t.samples))
	ys = make([]float64, len(t.samples))
	for i, s := range t.samples {
		xs[i], ys[i] = s.x, s.y
	}
	return xs, ys
}

type degenerateErr struct{}

func (degenerateErr) Error() string { return "eta: degenerate least-squares fit" }

var errDegenerate = degenerateErr{}

// leastSquares fits y = m*x + q via ordinary least squares.
func leastSquares(xs, ys []float64) (m, q float64, err error) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0, errDegenerate
	}
	x0, y0 := xs[0], ys[0]
	var sx, sx2, sy, sxy float64
	for i := range xs {
		dx := xs[i] - x0
		dy := ys[i] - y0
		sx += dx
		sx2 += dx * dx
		sy += dy
		sxy += dx * dy
	}
	v := sx2 - sx*sx/n
	if v == 0 {
		return 0, 0, errDegenerate
	}
	c := sxy - sx*sy/n
	m = c / v
	q = (sy-m*sx)/n + (y0 - m*x0)
	return m, q, nil
}
