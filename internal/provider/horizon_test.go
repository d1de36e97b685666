package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type horizonTx struct {
	token  string
	hash   string
	ledger int
	fee    string
	at     string
}

func (tx horizonTx) record() map[string]any {
	return map[string]any{
		"id":              tx.hash,
		"paging_token":    tx.token,
		"successful":      true,
		"hash":            tx.hash,
		"ledger":          tx.ledger,
		"created_at":      tx.at,
		"source_account":  "GABC",
		"fee_charged":     tx.fee,
		"max_fee":         tx.fee,
		"operation_count": 1,
	}
}

func writeTransactions(w http.ResponseWriter, txs ...horizonTx) {
	records := make([]map[string]any, 0, len(txs))
	for _, tx := range txs {
		records = append(records, tx.record())
	}
	w.Header().Set("Content-Type", "application/hal+json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"_embedded": map[string]any{"records": records},
	})
}

func writeProblem(w http.ResponseWriter, status int, title string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://stellar.org/horizon-errors/test",
		"title":  title,
		"status": status,
		"detail": title + " detail",
	})
}

func newTestHorizon(url string) *Horizon {
	return NewHorizon(HorizonOptions{URL: url, Limit: 10, RequestTimeout: 2 * time.Second}, zerolog.Nop())
}

func TestHorizonFetchPagesWithCursor(t *testing.T) {
	var mu sync.Mutex
	var queries []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.RawQuery)
		call := len(queries)
		mu.Unlock()

		switch call {
		case 1:
			// newest first on the initial read
			writeTransactions(w,
				horizonTx{token: "30", hash: "c", ledger: 12, fee: "300", at: "2024-01-01T00:00:10Z"},
				horizonTx{token: "20", hash: "b", ledger: 11, fee: "200", at: "2024-01-01T00:00:05Z"},
			)
		default:
			writeTransactions(w,
				horizonTx{token: "40", hash: "d", ledger: 13, fee: "400", at: "2024-01-01T00:00:15Z"},
			)
		}
	}))
	defer srv.Close()

	h := newTestHorizon(srv.URL)

	points, err := h.FetchLatestFees(context.Background())
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "b", points[0].TransactionHash, "points should be returned oldest first")
	assert.Equal(t, uint64(200), points[0].FeeAmount)
	assert.Equal(t, uint64(11), points[0].LedgerSequence)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC), points[0].Timestamp)
	assert.Equal(t, "c", points[1].TransactionHash)

	points, err = h.FetchLatestFees(context.Background())
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, uint64(400), points[0].FeeAmount)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, queries, 2)
	assert.Contains(t, queries[0], "order=desc")
	assert.Contains(t, queries[1], "order=asc")
	assert.Contains(t, queries[1], "cursor=30")
}

func TestHorizonSkipsAlreadySeenHashes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeTransactions(w, horizonTx{token: "10", hash: "same", ledger: 1, fee: "100", at: "2024-01-01T00:00:00Z"})
	}))
	defer srv.Close()

	h := newTestHorizon(srv.URL)
	points, err := h.FetchLatestFees(context.Background())
	require.NoError(t, err)
	assert.Len(t, points, 1)

	points, err = h.FetchLatestFees(context.Background())
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestHorizonSeedSkipsReplayedHashes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeTransactions(w,
			horizonTx{token: "30", hash: "c", ledger: 12, fee: "300", at: "2024-01-01T00:00:10Z"},
			horizonTx{token: "20", hash: "b", ledger: 11, fee: "200", at: "2024-01-01T00:00:05Z"},
		)
	}))
	defer srv.Close()

	h := newTestHorizon(srv.URL)
	h.Seed([]FeeDataPoint{{TransactionHash: "b", FeeAmount: 200, LedgerSequence: 11}})

	points, err := h.FetchLatestFees(context.Background())
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "c", points[0].TransactionHash)
}

func TestHorizonBehindWhenAscendingPageIsFull(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			writeTransactions(w,
				horizonTx{token: "2", hash: "b", ledger: 2, fee: "200", at: "2024-01-01T00:00:02Z"},
				horizonTx{token: "1", hash: "a", ledger: 1, fee: "100", at: "2024-01-01T00:00:01Z"},
			)
		case 2:
			writeTransactions(w,
				horizonTx{token: "3", hash: "c", ledger: 3, fee: "300", at: "2024-01-01T00:00:03Z"},
				horizonTx{token: "4", hash: "d", ledger: 4, fee: "400", at: "2024-01-01T00:00:04Z"},
			)
		default:
			writeTransactions(w,
				horizonTx{token: "5", hash: "e", ledger: 5, fee: "500", at: "2024-01-01T00:00:05Z"},
			)
		}
	}))
	defer srv.Close()

	h := NewHorizon(HorizonOptions{URL: srv.URL, Limit: 2, RequestTimeout: 2 * time.Second}, zerolog.Nop())

	_, err := h.FetchLatestFees(context.Background())
	require.NoError(t, err)
	assert.False(t, h.Behind(), "the newest page is never a backlog")

	_, err = h.FetchLatestFees(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Behind())

	_, err = h.FetchLatestFees(context.Background())
	require.NoError(t, err)
	assert.False(t, h.Behind())
}

func TestHorizonErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusTooManyRequests, KindRateLimitExceeded},
		{http.StatusServiceUnavailable, KindServiceUnavailable},
		{http.StatusBadGateway, KindServiceUnavailable},
		{http.StatusInternalServerError, KindNetwork},
		{http.StatusNotFound, KindNetwork},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeProblem(w, tc.status, http.StatusText(tc.status))
			}))
			defer srv.Close()

			_, err := newTestHorizon(srv.URL).FetchLatestFees(context.Background())
			require.Error(t, err)
			assert.Equal(t, tc.kind, AsError(err).Kind)
		})
	}
}

func TestHorizonMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"_embedded": {"records": "not-a-list"`))
	}))
	defer srv.Close()

	var err error
	require.NotPanics(t, func() {
		_, err = newTestHorizon(srv.URL).FetchLatestFees(context.Background())
	})
	require.Error(t, err)
	assert.Equal(t, KindFormat, AsError(err).Kind)
}

func TestHorizonInvalidRecordDoesNotAdvanceCursor(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeTransactions(w, horizonTx{token: "10", hash: "", ledger: 1, fee: "100", at: "2024-01-01T00:00:00Z"})
			return
		}
		assert.Contains(t, r.URL.RawQuery, "order=desc", "cursor must not move after a rejected page")
		writeTransactions(w, horizonTx{token: "11", hash: "ok", ledger: 1, fee: "100", at: "2024-01-01T00:00:00Z"})
	}))
	defer srv.Close()

	h := newTestHorizon(srv.URL)
	_, err := h.FetchLatestFees(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindFormat, AsError(err).Kind)

	points, err := h.FetchLatestFees(context.Background())
	require.NoError(t, err)
	assert.Len(t, points, 1)
}

func TestHorizonUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestHorizon(url).FetchLatestFees(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindNetwork, AsError(err).Kind)
}

func TestHorizonHealthCheckIndependentOfFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			_ = json.NewEncoder(w).Encode(map[string]any{"horizon_version": "test"})
			return
		}
		writeProblem(w, http.StatusTooManyRequests, "Rate Limit Exceeded")
	}))
	defer srv.Close()

	h := newTestHorizon(srv.URL)
	assert.NoError(t, h.HealthCheck(context.Background()))

	_, err := h.FetchLatestFees(context.Background())
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
}

func TestHorizonMetadata(t *testing.T) {
	h := NewHorizon(HorizonOptions{}, zerolog.Nop())
	meta := h.GetMetadata()
	assert.True(t, meta.SupportsHistorical)
	assert.Equal(t, 200, meta.MaxBatchSize)
	require.NotNil(t, meta.RateLimitPerMinute)
	assert.Equal(t, 60, *meta.RateLimitPerMinute)
	assert.Equal(t, "Horizon", h.ProviderName())
}
