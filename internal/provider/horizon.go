package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrd/lru"
	"github.com/rs/zerolog"
	"github.com/stellar/go/clients/horizonclient"
	hProtocol "github.com/stellar/go/protocols/horizon"
)

const (
	// HorizonName is the provider name reported by Horizon.
	HorizonName = "Horizon"

	defaultHorizonURL   = "https://horizon.stellar.org/"
	defaultHorizonLimit = 200
	defaultSeenCache    = 4096
)

// HorizonOptions parameterise the Horizon adapter.
type HorizonOptions struct {
	URL            string
	Limit          uint
	IncludeFailed  bool
	RequestTimeout time.Duration
	SeenCacheSize  uint
	UserAgent      string
}

// Horizon reads transaction fees from a Stellar Horizon server.
type Horizon struct {
	opts   HorizonOptions
	client *horizonclient.Client
	logger zerolog.Logger

	mu     sync.Mutex
	cursor string
	seen   lru.Cache
	behind bool
}

// NewHorizon constructs the live Horizon adapter.
func NewHorizon(opts HorizonOptions, logger zerolog.Logger) *Horizon {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.Limit == 0 || opts.Limit > defaultHorizonLimit {
		opts.Limit = defaultHorizonLimit
	}
	if opts.SeenCacheSize == 0 {
		opts.SeenCacheSize = defaultSeenCache
	}
	if strings.TrimSpace(opts.URL) == "" {
		opts.URL = defaultHorizonURL
	}

	client := &horizonclient.Client{
		HorizonURL: opts.URL,
		HTTP:       &http.Client{Timeout: opts.RequestTimeout},
		AppName:    opts.UserAgent,
	}
	client.SetHorizonTimeout(opts.RequestTimeout)

	return &Horizon{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "horizon_provider").Logger(),
		seen:   lru.NewCache(opts.SeenCacheSize),
	}
}

// FetchLatestFees returns transactions recorded since the previous successful
// fetch. The first call returns the newest page.
func (h *Horizon) FetchLatestFees(ctx context.Context) ([]FeeDataPoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	req := horizonclient.TransactionRequest{
		Limit:         h.opts.Limit,
		IncludeFailed: h.opts.IncludeFailed,
		Order:         horizonclient.OrderAsc,
		Cursor:        h.cursor,
	}
	if h.cursor == "" {
		req.Order = horizonclient.OrderDesc
	}

	page, err := h.transactions(ctx, req)
	if err != nil {
		return nil, err
	}

	records := page.Embedded.Records
	if req.Order == horizonclient.OrderDesc {
		for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
			records[i], records[j] = records[j], records[i]
		}
	}

	points := make([]FeeDataPoint, 0, len(records))
	for _, tx := range records {
		point, err := toFeeDataPoint(tx)
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}

	// The cursor and dedup cache only move once the whole page has validated.
	fresh := points[:0]
	for _, point := range points {
		if h.seen.Contains(point.TransactionHash) {
			continue
		}
		h.seen.Add(point.TransactionHash)
		fresh = append(fresh, point)
	}
	if n := len(records); n > 0 {
		h.cursor = records[n-1].PagingToken()
	}
	h.behind = req.Order == horizonclient.OrderAsc && uint(len(records)) >= h.opts.Limit

	h.logger.Debug().Int("records", len(records)).Int("fresh", len(fresh)).Str("cursor", h.cursor).Msg("fetched horizon transactions")
	return fresh, nil
}

// Behind reports whether the last page came back full, meaning newer
// transactions are waiting past the cursor.
func (h *Horizon) Behind() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.behind
}

// Seed marks the hashes of points as already delivered.
func (h *Horizon) Seed(points []FeeDataPoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range points {
		h.seen.Add(p.TransactionHash)
	}
}

func (h *Horizon) transactions(ctx context.Context, req horizonclient.TransactionRequest) (hProtocol.TransactionsPage, error) {
	type result struct {
		page hProtocol.TransactionsPage
		err  error
	}

	if err := ctx.Err(); err != nil {
		return hProtocol.TransactionsPage{}, NetworkError("%v", err)
	}

	// horizonclient has no context-aware variant; the http.Client timeout bounds the call.
	done := make(chan result, 1)
	go func() {
		page, err := h.client.Transactions(req)
		done <- result{page: page, err: err}
	}()

	select {
	case <-ctx.Done():
		return hProtocol.TransactionsPage{}, NetworkError("%v", ctx.Err())
	case res := <-done:
		if res.err != nil {
			return hProtocol.TransactionsPage{}, classifyHorizonError(res.err)
		}
		return res.page, nil
	}
}

func toFeeDataPoint(tx hProtocol.Transaction) (FeeDataPoint, error) {
	if tx.Hash == "" {
		return FeeDataPoint{}, FormatError("transaction without hash at paging token %q", tx.PagingToken())
	}
	if tx.FeeCharged < 0 {
		return FeeDataPoint{}, FormatError("transaction %s has negative fee_charged %d", tx.Hash, tx.FeeCharged)
	}
	if tx.Ledger < 0 {
		return FeeDataPoint{}, FormatError("transaction %s has negative ledger %d", tx.Hash, tx.Ledger)
	}
	if tx.LedgerCloseTime.IsZero() {
		return FeeDataPoint{}, FormatError("transaction %s has no created_at", tx.Hash)
	}
	return FeeDataPoint{
		FeeAmount:       uint64(tx.FeeCharged),
		Timestamp:       tx.LedgerCloseTime.UTC(),
		TransactionHash: tx.Hash,
		LedgerSequence:  uint64(tx.Ledger),
	}, nil
}

// ProviderName implements FeeDataProvider.
func (h *Horizon) ProviderName() string {
	return HorizonName
}

// HealthCheck queries the Horizon root resource.
func (h *Horizon) HealthCheck(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, err := h.client.Root()
		done <- err
	}()

	select {
	case <-ctx.Done():
		return NetworkError("%v", ctx.Err())
	case err := <-done:
		if err != nil {
			return classifyHorizonError(err)
		}
		return nil
	}
}

// GetMetadata implements FeeDataProvider.
func (h *Horizon) GetMetadata() Metadata {
	return Metadata{
		SupportsHistorical:   true,
		MaxBatchSize:         int(h.opts.Limit),
		RateLimitPerMinute:   intPtr(60),
		DataFreshnessSeconds: 6,
	}
}

func classifyHorizonError(err error) *Error {
	if herr := horizonclient.GetError(err); herr != nil {
		status := herr.Problem.Status
		if status == 0 && herr.Response != nil {
			status = herr.Response.StatusCode
		}
		return classifyStatus(status, problemText(herr))
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return NetworkError("%v", urlErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NetworkError("%v", netErr)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NetworkError("%v", err)
	}
	// Anything else came out of response decoding.
	return FormatError("%v", err)
}

func problemText(herr *horizonclient.Error) string {
	switch {
	case herr.Problem.Detail != "":
		return herr.Problem.Detail
	case herr.Problem.Title != "":
		return herr.Problem.Title
	default:
		return herr.Error()
	}
}

func classifyStatus(status int, text string) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return AuthError("status %d: %s", status, text)
	case status == http.StatusTooManyRequests:
		return RateLimitExceeded()
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		return ServiceUnavailable()
	default:
		return NetworkError("status %d: %s", status, text)
	}
}

var (
	_ FeeDataProvider = (*Horizon)(nil)
	_ Seeder          = (*Horizon)(nil)
	_ BacklogReporter = (*Horizon)(nil)
)
