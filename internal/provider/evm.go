package provider

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

const (
	// EVMName is the provider name reported by EVM.
	EVMName = "EVM"

	defaultMaxBlocks = 5

	// Returned by several hosted RPC providers when a quota is hit.
	rpcLimitExceededCode = -32005
)

// EVMOptions parameterise the EVM JSON-RPC adapter.
type EVMOptions struct {
	RPCURL         string
	MaxBlocks      uint64
	RequestTimeout time.Duration
}

// EVM reads effective gas prices of transactions in new blocks.
type EVM struct {
	opts   EVMOptions
	logger zerolog.Logger

	client    *ethclient.Client
	clientMux sync.Mutex

	mu        sync.Mutex
	started   bool
	lastBlock uint64
	behind    bool
}

// NewEVM builds a new EVM fee provider.
func NewEVM(opts EVMOptions, logger zerolog.Logger) *EVM {
	if opts.MaxBlocks == 0 {
		opts.MaxBlocks = defaultMaxBlocks
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	return &EVM{opts: opts, logger: logger.With().Str("component", "evm_provider").Logger()}
}

// FetchLatestFees returns one point per transaction in blocks after the last
// one seen. The first call only reads the current head.
func (e *EVM) FetchLatestFees(ctx context.Context) ([]FeeDataPoint, error) {
	if e.opts.RPCURL == "" {
		return nil, NetworkError("evm rpc url not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	client, err := e.getClient(ctx)
	if err != nil {
		return nil, classifyEVMError(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, classifyEVMError(err)
	}

	start := head
	if e.started {
		start = e.lastBlock + 1
	}
	if start > head {
		e.behind = false
		return nil, nil
	}
	end := head
	if end-start+1 > e.opts.MaxBlocks {
		end = start + e.opts.MaxBlocks - 1
	}

	var points []FeeDataPoint
	last, read := e.lastBlock, false
	for n := start; n <= end; n++ {
		block, err := client.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if errors.Is(err, ethereum.NotFound) {
			break
		}
		if err != nil {
			return nil, classifyEVMError(err)
		}
		points = append(points, e.blockFees(block)...)
		last, read = n, true
	}
	if read {
		e.lastBlock = last
		e.started = true
	}
	e.behind = read && last < head

	e.logger.Debug().Uint64("from", start).Uint64("to", last).Int("points", len(points)).Msg("fetched evm blocks")
	return points, nil
}

// Behind reports whether the last fetch stopped short of the head block.
func (e *EVM) Behind() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.behind
}

// Seed resumes after the newest block among points, so blocks already
// persisted are not read again after a restart.
func (e *EVM) Seed(points []FeeDataPoint) {
	if len(points) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range points {
		if !e.started || p.LedgerSequence > e.lastBlock {
			e.lastBlock = p.LedgerSequence
			e.started = true
		}
	}
}

func (e *EVM) blockFees(block *types.Block) []FeeDataPoint {
	ts := time.Unix(int64(block.Time()), 0).UTC()
	txs := block.Transactions()
	points := make([]FeeDataPoint, 0, len(txs))
	for _, tx := range txs {
		price := effectiveGasPrice(tx, block.BaseFee())
		if !price.IsUint64() {
			e.logger.Debug().
				Str("tx", tx.Hash().Hex()).
				Uint64("block", block.NumberU64()).
				Str("price", price.String()).
				Msg("skip transaction with gas price above uint64")
			continue
		}
		points = append(points, FeeDataPoint{
			FeeAmount:       price.Uint64(),
			Timestamp:       ts,
			TransactionHash: tx.Hash().Hex(),
			LedgerSequence:  block.NumberU64(),
		})
	}
	return points
}

// effectiveGasPrice is min(feeCap, baseFee+tip); legacy transactions report
// their gas price for both caps so the formula holds for every type.
func effectiveGasPrice(tx *types.Transaction, baseFee *big.Int) *big.Int {
	if baseFee == nil {
		return new(big.Int).Set(tx.GasPrice())
	}
	price := new(big.Int).Add(baseFee, tx.GasTipCap())
	if feeCap := tx.GasFeeCap(); price.Cmp(feeCap) > 0 {
		price.Set(feeCap)
	}
	return price
}

// ProviderName implements FeeDataProvider.
func (e *EVM) ProviderName() string {
	return EVMName
}

// HealthCheck asks the node for its head block number.
func (e *EVM) HealthCheck(ctx context.Context) error {
	if e.opts.RPCURL == "" {
		return NetworkError("evm rpc url not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	client, err := e.getClient(ctx)
	if err != nil {
		return classifyEVMError(err)
	}
	if _, err := client.BlockNumber(ctx); err != nil {
		return classifyEVMError(err)
	}
	return nil
}

// GetMetadata implements FeeDataProvider.
func (e *EVM) GetMetadata() Metadata {
	return Metadata{
		SupportsHistorical:   true,
		MaxBatchSize:         int(e.opts.MaxBlocks),
		RateLimitPerMinute:   nil,
		DataFreshnessSeconds: 12,
	}
}

func (e *EVM) getClient(ctx context.Context) (*ethclient.Client, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

func classifyEVMError(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return classifyStatus(httpErr.StatusCode, httpErr.Status)
	}
	var httpErrPtr *rpc.HTTPError
	if errors.As(err, &httpErrPtr) {
		return classifyStatus(httpErrPtr.StatusCode, httpErrPtr.Status)
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case rpcLimitExceededCode:
			return RateLimitExceeded()
		case http.StatusUnauthorized, http.StatusForbidden:
			return AuthError("%v", rpcErr)
		}
		return NetworkError("%v", rpcErr)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return FormatError("%v", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NetworkError("%v", netErr)
	}
	return NetworkError("%v", err)
}

var (
	_ FeeDataProvider = (*EVM)(nil)
	_ Seeder          = (*EVM)(nil)
	_ BacklogReporter = (*EVM)(nil)
)
