package insights

import (
	"time"

	"github.com/shopspring/decimal"

	"fee-insights/internal/provider"
	"fee-insights/internal/storage"
)

// Snapshot is an immutable summary of the window at CapturedAt. The engine
// publishes a fresh value every cycle and never mutates a published one.
type Snapshot struct {
	BaseFee      decimal.Decimal
	MinFee       decimal.Decimal
	MaxFee       decimal.Decimal
	AvgFee       decimal.Decimal
	CapturedAt   time.Time
	SampleCount  int
	LatestLedger uint64
	Congestion   CongestionState
	Trend        Trend
}

// sameAggregates reports whether two snapshots carry the same values,
// ignoring capture time, trend and ledger position.
func (s *Snapshot) sameAggregates(o *Snapshot) bool {
	return s.BaseFee.Equal(o.BaseFee) &&
		s.MinFee.Equal(o.MinFee) &&
		s.MaxFee.Equal(o.MaxFee) &&
		s.AvgFee.Equal(o.AvgFee) &&
		s.SampleCount == o.SampleCount &&
		s.Congestion == o.Congestion
}

// Record converts the snapshot into its persisted shape.
func (s *Snapshot) Record() storage.SnapshotRecord {
	return storage.SnapshotRecord{
		BaseFee:      s.BaseFee,
		MinFee:       s.MinFee,
		MaxFee:       s.MaxFee,
		AvgFee:       s.AvgFee,
		SampleCount:  s.SampleCount,
		LatestLedger: s.LatestLedger,
		Congestion:   s.Congestion.String(),
		Trend:        string(s.Trend),
		CapturedAt:   s.CapturedAt,
	}
}

// SnapshotFromRecord rebuilds a snapshot read back from storage.
func SnapshotFromRecord(rec storage.SnapshotRecord) *Snapshot {
	trend := Trend(rec.Trend)
	if trend == "" {
		trend = TrendFlat
	}
	return &Snapshot{
		BaseFee:      rec.BaseFee,
		MinFee:       rec.MinFee,
		MaxFee:       rec.MaxFee,
		AvgFee:       rec.AvgFee,
		CapturedAt:   rec.CapturedAt.UTC(),
		SampleCount:  rec.SampleCount,
		LatestLedger: rec.LatestLedger,
		Congestion:   ParseCongestionState(rec.Congestion),
		Trend:        trend,
	}
}

// Health is the externally visible engine condition.
type Health int

const (
	Healthy Health = iota
	Degraded
)

func (h Health) String() string {
	if h == Degraded {
		return "degraded"
	}
	return "healthy"
}

// Phase is the step of the ingestion cycle currently executing.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseIngesting
	PhaseRecomputing
	PhaseSnapshotting
)

func (p Phase) String() string {
	switch p {
	case PhaseFetching:
		return "fetching"
	case PhaseIngesting:
		return "ingesting"
	case PhaseRecomputing:
		return "recomputing"
	case PhaseSnapshotting:
		return "snapshotting"
	default:
		return "idle"
	}
}

// Status is a point-in-time copy of the engine's health counters.
type Status struct {
	Health              Health
	Phase               Phase
	Provider            string
	ConsecutiveFailures int
	TotalFailures       int64
	Cycles              int64
	// LastErrorKind is zero until the first failure.
	LastErrorKind provider.ErrorKind
	LastError     string
	LastSuccess   time.Time
	LastFailure   time.Time
}
