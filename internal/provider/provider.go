package provider

import (
	"context"
	"time"
)

// FeeDataPoint is one observed transaction fee at ledger-consensus time.
type FeeDataPoint struct {
	FeeAmount       uint64
	Timestamp       time.Time
	TransactionHash string
	LedgerSequence  uint64
}

// Metadata describes the static capabilities of a provider implementation.
type Metadata struct {
	SupportsHistorical   bool
	MaxBatchSize         int
	RateLimitPerMinute   *int
	DataFreshnessSeconds int
}

// FeeDataProvider is a source of recent fee samples.
type FeeDataProvider interface {
	// FetchLatestFees returns samples observed since the last successful fetch.
	// Failures are reported as *Error.
	FetchLatestFees(ctx context.Context) ([]FeeDataPoint, error)
	// ProviderName returns a stable identifier for logs and telemetry.
	ProviderName() string
	// HealthCheck checks reachability independently of FetchLatestFees.
	HealthCheck(ctx context.Context) error
	// GetMetadata returns static capabilities; it has no side effects.
	GetMetadata() Metadata
}

// Seeder is implemented by providers that can resume from points already
// recorded, such as those replayed from storage on a warm start.
type Seeder interface {
	Seed(points []FeeDataPoint)
}

// BacklogReporter is implemented by providers that fetch in bounded batches
// and can tell whether the last successful fetch left data behind.
type BacklogReporter interface {
	Behind() bool
}

func intPtr(v int) *int {
	return &v
}
