package insights

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"fee-insights/internal/provider"
)

// ErrUnboundedWindow indicates neither a count nor an age bound was configured.
var ErrUnboundedWindow = errors.New("insights: window needs a size or max age bound")

type windowEntry struct {
	seq   uint64
	point provider.FeeDataPoint
	// late marks a point stamped before the newest point seen when it arrived.
	late bool
}

// Window is the bounded, arrival-ordered set of fee samples behind the
// current aggregates. Points are kept in arrival order. The count bound
// evicts the oldest arrival. The age bound removes every point older than
// maxAge relative to the newest timestamp ingested so far, including late
// points queued behind newer ones; a point already outside the bound when it
// arrives is never admitted.
//
// Window keeps its Calculator and Tracker in step with every push and
// eviction; it is not safe for concurrent use.
type Window struct {
	entries  *ring[windowEntry]
	maxCount int
	maxAge   time.Duration

	capacity int
	nextSeq  uint64
	newest   time.Time
	// late counts entries with late set; while zero the head is the oldest timestamp.
	late int

	calc    *Calculator
	tracker *Tracker
}

// NewWindow builds a window bounded by maxCount points and/or maxAge. A zero
// value disables that bound; at least one bound is required.
func NewWindow(maxCount int, maxAge time.Duration, avgPlaces int32) (*Window, error) {
	if maxCount < 0 || maxAge < 0 {
		return nil, errors.New("insights: window bounds cannot be negative")
	}
	if maxCount == 0 && maxAge == 0 {
		return nil, ErrUnboundedWindow
	}
	capacity := maxCount
	if capacity == 0 {
		capacity = 256
	}
	return &Window{
		entries:  newRing[windowEntry](capacity),
		capacity: capacity,
		maxCount: maxCount,
		maxAge:   maxAge,
		calc:     NewCalculator(avgPlaces),
		tracker:  NewTracker(capacity),
	}, nil
}

// Ingest appends points and applies eviction. It returns how many points
// were evicted or refused for being outside the age bound.
func (w *Window) Ingest(points ...provider.FeeDataPoint) int {
	evicted := 0
	for _, p := range points {
		if w.expired(p.Timestamp) {
			evicted++
			continue
		}
		if w.maxCount > 0 && w.entries.Len() >= w.maxCount {
			w.evictOldest()
			evicted++
		}

		late := p.Timestamp.Before(w.newest)
		if late {
			w.late++
		}
		seq := w.nextSeq
		w.nextSeq++
		w.entries.PushBack(windowEntry{seq: seq, point: p, late: late})
		w.calc.Add(p.FeeAmount)
		w.tracker.Add(seq, p.FeeAmount)

		if p.Timestamp.After(w.newest) {
			w.newest = p.Timestamp
		}
	}
	evicted += w.evictExpired()
	return evicted
}

func (w *Window) expired(ts time.Time) bool {
	return w.maxAge > 0 && !w.newest.IsZero() && ts.Before(w.newest.Add(-w.maxAge))
}

func (w *Window) evictExpired() int {
	if w.maxAge <= 0 {
		return 0
	}
	evicted := 0
	for w.entries.Len() > 0 && w.expired(w.entries.Front().point.Timestamp) {
		w.evictOldest()
		evicted++
	}
	if w.late > 0 {
		evicted += w.purgeExpired()
	}
	return evicted
}

// purgeExpired drops expired points from anywhere in the window and rebuilds
// the tracker over the survivors. Only late arrivals can be expired behind
// the head, so this runs only while some are present.
func (w *Window) purgeExpired() int {
	n := w.entries.Len()
	kept := make([]windowEntry, 0, n)
	for i := 0; i < n; i++ {
		e := w.entries.At(i)
		if w.expired(e.point.Timestamp) {
			w.calc.Remove(e.point.FeeAmount)
			if e.late {
				w.late--
			}
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == n {
		return 0
	}

	w.entries = newRing[windowEntry](w.capacity)
	w.tracker = NewTracker(w.capacity)
	for _, e := range kept {
		w.entries.PushBack(e)
		w.tracker.Add(e.seq, e.point.FeeAmount)
	}
	return n - len(kept)
}

func (w *Window) evictOldest() {
	e := w.entries.PopFront()
	if e.late {
		w.late--
	}
	w.calc.Remove(e.point.FeeAmount)
	w.tracker.Evict(e.seq)
}

// Len returns the number of points currently in the window.
func (w *Window) Len() int {
	return w.entries.Len()
}

// Average is the Calculator's truncated average; 0 when empty.
func (w *Window) Average() decimal.Decimal {
	return w.calc.Average()
}

// Min is the Tracker's minimum; 0 when empty.
func (w *Window) Min() uint64 {
	return w.tracker.Min()
}

// Max is the Tracker's maximum; 0 when empty.
func (w *Window) Max() uint64 {
	return w.tracker.Max()
}

// Points returns a copy of the window contents, oldest first.
func (w *Window) Points() []provider.FeeDataPoint {
	out := make([]provider.FeeDataPoint, 0, w.entries.Len())
	for i := 0; i < w.entries.Len(); i++ {
		out = append(out, w.entries.At(i).point)
	}
	return out
}

// Latest returns the most recently ingested point.
func (w *Window) Latest() (provider.FeeDataPoint, bool) {
	if w.entries.Len() == 0 {
		return provider.FeeDataPoint{}, false
	}
	return w.entries.Back().point, true
}
