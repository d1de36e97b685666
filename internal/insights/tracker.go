package insights

type extreme struct {
	seq uint64
	fee uint64
}

// Tracker maintains the minimum and maximum fee of the window using
// monotonic deques: the max deque holds strictly decreasing fees, the min
// deque strictly increasing ones, both in arrival order. Eviction is FIFO so
// an evicted point can only ever be at the front of either deque.
//
// Min and Max of an empty window are 0.
type Tracker struct {
	maxQ *ring[extreme]
	minQ *ring[extreme]
}

// NewTracker returns an empty tracker sized for capacity points.
func NewTracker(capacity int) *Tracker {
	return &Tracker{maxQ: newRing[extreme](capacity), minQ: newRing[extreme](capacity)}
}

// Add records the fee of the point with arrival sequence seq.
func (t *Tracker) Add(seq, fee uint64) {
	for t.maxQ.Len() > 0 && t.maxQ.Back().fee <= fee {
		t.maxQ.PopBack()
	}
	t.maxQ.PushBack(extreme{seq: seq, fee: fee})

	for t.minQ.Len() > 0 && t.minQ.Back().fee >= fee {
		t.minQ.PopBack()
	}
	t.minQ.PushBack(extreme{seq: seq, fee: fee})
}

// Evict drops the point with arrival sequence seq, which must be the oldest
// point still in the window.
func (t *Tracker) Evict(seq uint64) {
	if t.maxQ.Len() > 0 && t.maxQ.Front().seq == seq {
		t.maxQ.PopFront()
	}
	if t.minQ.Len() > 0 && t.minQ.Front().seq == seq {
		t.minQ.PopFront()
	}
}

// Max returns the largest fee in the window.
func (t *Tracker) Max() uint64 {
	if t.maxQ.Len() == 0 {
		return 0
	}
	return t.maxQ.Front().fee
}

// Min returns the smallest fee in the window.
func (t *Tracker) Min() uint64 {
	if t.minQ.Len() == 0 {
		return 0
	}
	return t.minQ.Front().fee
}
