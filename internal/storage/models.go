package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotRecord is one persisted engine snapshot.
type SnapshotRecord struct {
	ID           int64
	BaseFee      decimal.Decimal
	MinFee       decimal.Decimal
	MaxFee       decimal.Decimal
	AvgFee       decimal.Decimal
	SampleCount  int
	LatestLedger uint64
	Congestion   string
	Trend        string
	CapturedAt   time.Time
}

// AlertRecord captures an emitted transition notification for auditing.
type AlertRecord struct {
	ID         int64
	Kind       string
	State      string
	Detail     string
	AvgFee     decimal.Decimal
	Threshold  decimal.Decimal
	Channels   []string
	CapturedAt time.Time
	CreatedAt  time.Time
}
