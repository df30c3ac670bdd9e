package eta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTrackerNeedsThreeSamples(t *testing.T) {
	r := require.New(t)
	tr := NewTracker(12)
	base := time.Now()

	_, ok := tr.Add(base, 0.1)
	r.False(ok)
	_, ok = tr.Add(base.Add(time.Second), 0.2)
	r.False(ok)
}

func TestTrackerLinearProgress(t *testing.T) {
	r := require.New(t)
	tr := NewTracker(12)
	base := time.Now()

	// perfectly linear: 10% per second, predicts ~5s remaining at 50%
	for i := 0; i < 4; i++ {
		tr.Add(base.Add(time.Duration(i)*time.Second), 0.1*float64(i+1))
	}
	remaining, ok := tr.Add(base.Add(4*time.Second), 0.5)
	r.True(ok)
	r.InDelta(5.0, remaining.Seconds(), 0.5)
}

func TestTrackerDegenerateNoProgress(t *testing.T) {
	r := require.New(t)
	tr := NewTracker(12)
	base := time.Now()

	for i := 0; i < 5; i++ {
		_, ok := tr.Add(base.Add(time.Duration(i)*time.Second), 0.3)
		if i >= 2 {
			r.False(ok)
		}
	}
}

func TestTrackerWindowSlides(t *testing.T) {
	r := require.New(t)
	tr := NewTracker(3)
	base := time.Now()

	for i := 0; i < 10; i++ {
		tr.Add(base.Add(time.Duration(i)*time.Second), 0.1*float64(i+1))
	}
	r.Len(tr.samples, 3)
}
