package provider

import (
	"context"
	"sync"
	"sync/atomic"
)

// MockName is the provider name reported by Mock.
const MockName = "MockHorizon"

// Mock is a configurable FeeDataProvider used by tests and the simulate command.
// A configured error takes precedence over configured fees.
type Mock struct {
	mu      sync.Mutex
	fees    []FeeDataPoint
	err     *Error
	healthy bool

	calls atomic.Int64
}

// NewMock returns a healthy mock with no fees configured.
func NewMock() *Mock {
	return &Mock{healthy: true}
}

// WithFees sets the points returned by FetchLatestFees.
func (m *Mock) WithFees(fees []FeeDataPoint) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fees = append([]FeeDataPoint(nil), fees...)
	return m
}

// WithError makes FetchLatestFees fail with err. A nil err clears it.
func (m *Mock) WithError(err *Error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err.Clone()
	return m
}

// WithHealthy controls the HealthCheck outcome.
func (m *Mock) WithHealthy(healthy bool) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
	return m
}

// Calls returns how many times FetchLatestFees has been invoked.
func (m *Mock) Calls() int64 {
	return m.calls.Load()
}

// FetchLatestFees returns the configured error or a copy of the configured fees.
func (m *Mock) FetchLatestFees(ctx context.Context) ([]FeeDataPoint, error) {
	m.calls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err.Clone()
	}
	return append([]FeeDataPoint(nil), m.fees...), nil
}

// ProviderName implements FeeDataProvider.
func (m *Mock) ProviderName() string {
	return MockName
}

// HealthCheck reports ServiceUnavailable when the mock is marked unhealthy.
func (m *Mock) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.healthy {
		return ServiceUnavailable()
	}
	return nil
}

// GetMetadata implements FeeDataProvider.
func (m *Mock) GetMetadata() Metadata {
	return Metadata{
		SupportsHistorical:   false,
		MaxBatchSize:         100,
		RateLimitPerMinute:   nil,
		DataFreshnessSeconds: 5,
	}
}

var _ FeeDataProvider = (*Mock)(nil)
