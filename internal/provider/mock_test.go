package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeFeePoint(fee uint64) FeeDataPoint {
	return FeeDataPoint{
		FeeAmount:       fee,
		Timestamp:       time.Now().UTC(),
		TransactionHash: fmt.Sprintf("hash_%d", fee),
		LedgerSequence:  1,
	}
}

func TestMockReturnsConfiguredFees(t *testing.T) {
	mock := NewMock().WithFees([]FeeDataPoint{makeFeePoint(100), makeFeePoint(200)})

	points, err := mock.FetchLatestFees(context.Background())
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, uint64(100), points[0].FeeAmount)
	assert.Equal(t, uint64(200), points[1].FeeAmount)
}

func TestMockReturnsEmptyByDefault(t *testing.T) {
	points, err := NewMock().FetchLatestFees(context.Background())
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestMockErrorSuppressesFees(t *testing.T) {
	mock := NewMock().
		WithFees([]FeeDataPoint{makeFeePoint(100)}).
		WithError(NetworkError("simulated timeout"))

	points, err := mock.FetchLatestFees(context.Background())
	require.Error(t, err)
	assert.Nil(t, points)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, KindNetwork, perr.Kind)
	assert.Equal(t, "simulated timeout", perr.Message)
}

func TestMockErrorIsReusable(t *testing.T) {
	mock := NewMock().WithError(AuthError("bad key"))

	first, err1 := mock.FetchLatestFees(context.Background())
	second, err2 := mock.FetchLatestFees(context.Background())
	assert.Nil(t, first)
	assert.Nil(t, second)
	assert.Equal(t, err1, err2)
	assert.NotSame(t, err1, err2, "each call should hand out its own copy")
}

func TestMockCallCounter(t *testing.T) {
	mock := NewMock()
	assert.Equal(t, int64(0), mock.Calls())

	_, _ = mock.FetchLatestFees(context.Background())
	assert.Equal(t, int64(1), mock.Calls())
	_, _ = mock.FetchLatestFees(context.Background())
	assert.Equal(t, int64(2), mock.Calls())

	mock.WithError(ServiceUnavailable())
	_, err := mock.FetchLatestFees(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(3), mock.Calls(), "failed fetches are counted too")

	require.NoError(t, mock.HealthCheck(context.Background()))
	assert.Equal(t, int64(3), mock.Calls(), "health checks are not counted")
}

func TestMockCallCounterConcurrent(t *testing.T) {
	mock := NewMock().WithFees([]FeeDataPoint{makeFeePoint(1)})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = mock.FetchLatestFees(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), mock.Calls())
}

func TestMockHealthIndependentOfFetch(t *testing.T) {
	mock := NewMock().WithError(NetworkError("down")).WithHealthy(true)
	assert.NoError(t, mock.HealthCheck(context.Background()))
	_, err := mock.FetchLatestFees(context.Background())
	assert.Error(t, err)

	mock = NewMock().WithFees([]FeeDataPoint{makeFeePoint(5)}).WithHealthy(false)
	err = mock.HealthCheck(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	points, err := mock.FetchLatestFees(context.Background())
	require.NoError(t, err)
	assert.Len(t, points, 1)
}

func TestMockMetadataAndName(t *testing.T) {
	mock := NewMock()
	assert.Equal(t, "MockHorizon", mock.ProviderName())

	meta := mock.GetMetadata()
	assert.False(t, meta.SupportsHistorical)
	assert.Equal(t, 100, meta.MaxBatchSize)
	assert.Nil(t, meta.RateLimitPerMinute)
	assert.Equal(t, 5, meta.DataFreshnessSeconds)
}

func TestMockWithErrorNilClears(t *testing.T) {
	mock := NewMock().WithError(RateLimitExceeded()).WithError(nil)
	_, err := mock.FetchLatestFees(context.Background())
	assert.NoError(t, err)
}
