package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEVMMissingConfig(t *testing.T) {
	e := NewEVM(EVMOptions{}, zerolog.Nop())

	_, err := e.FetchLatestFees(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindNetwork, AsError(err).Kind)

	assert.Error(t, e.HealthCheck(context.Background()))
}

func TestEffectiveGasPrice(t *testing.T) {
	to := common.HexToAddress("0x01")
	baseFee := big.NewInt(100)

	dynamic := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		GasTipCap: big.NewInt(5),
		GasFeeCap: big.NewInt(1000),
		Gas:       21000,
		To:        &to,
	})
	assert.Equal(t, int64(105), effectiveGasPrice(dynamic, baseFee).Int64())

	capped := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		GasTipCap: big.NewInt(50),
		GasFeeCap: big.NewInt(120),
		Gas:       21000,
		To:        &to,
	})
	assert.Equal(t, int64(120), effectiveGasPrice(capped, baseFee).Int64())

	legacy := types.NewTx(&types.LegacyTx{GasPrice: big.NewInt(300), Gas: 21000, To: &to})
	assert.Equal(t, int64(300), effectiveGasPrice(legacy, baseFee).Int64())
	assert.Equal(t, int64(300), effectiveGasPrice(legacy, nil).Int64())
}

func TestClassifyEVMError(t *testing.T) {
	assert.Equal(t, KindRateLimitExceeded, classifyEVMError(rpc.HTTPError{StatusCode: http.StatusTooManyRequests}).Kind)
	assert.Equal(t, KindAuth, classifyEVMError(rpc.HTTPError{StatusCode: http.StatusUnauthorized, Status: "401"}).Kind)
	assert.Equal(t, KindServiceUnavailable, classifyEVMError(rpc.HTTPError{StatusCode: http.StatusServiceUnavailable}).Kind)

	var syntaxErr *json.SyntaxError
	require.Error(t, json.Unmarshal([]byte("{"), &struct{}{}))
	err := json.Unmarshal([]byte("{x"), &struct{}{})
	require.True(t, errors.As(err, &syntaxErr))
	assert.Equal(t, KindFormat, classifyEVMError(err).Kind)

	assert.Equal(t, KindNetwork, classifyEVMError(errors.New("dial tcp: refused")).Kind)
}

func TestEVMHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "0x10"})
	}))
	defer srv.Close()

	e := NewEVM(EVMOptions{RPCURL: srv.URL, RequestTimeout: time.Second}, zerolog.Nop())
	assert.NoError(t, e.HealthCheck(context.Background()))
	assert.Equal(t, "EVM", e.ProviderName())
	assert.Equal(t, defaultMaxBlocks, e.GetMetadata().MaxBatchSize)
}

func TestEVMRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := NewEVM(EVMOptions{RPCURL: srv.URL, RequestTimeout: time.Second}, zerolog.Nop())
	_, err := e.FetchLatestFees(context.Background())
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
}

// newBlockServer serves eth_blockNumber with head and empty blocks for
// eth_getBlockByNumber, recording every requested block number.
func newBlockServer(t *testing.T, head uint64) (*httptest.Server, func() []string) {
	t.Helper()
	var mu sync.Mutex
	var requested []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result any
		switch req.Method {
		case "eth_blockNumber":
			result = hexutil.Uint64(head)
		case "eth_getBlockByNumber":
			var tag string
			require.NoError(t, json.Unmarshal(req.Params[0], &tag))
			mu.Lock()
			requested = append(requested, tag)
			mu.Unlock()

			number, err := hexutil.DecodeUint64(tag)
			require.NoError(t, err)
			header := &types.Header{
				Number:      new(big.Int).SetUint64(number),
				Difficulty:  big.NewInt(0),
				Time:        1_700_000_000 + number,
				UncleHash:   types.EmptyUncleHash,
				TxHash:      types.EmptyTxsHash,
				ReceiptHash: types.EmptyReceiptsHash,
				BaseFee:     big.NewInt(7),
			}
			raw, err := json.Marshal(header)
			require.NoError(t, err)
			var block map[string]any
			require.NoError(t, json.Unmarshal(raw, &block))
			block["transactions"] = []any{}
			block["uncles"] = []any{}
			result = block
		default:
			t.Errorf("unexpected method %s", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(srv.Close)

	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), requested...)
	}
}

func TestEVMGenesisHeadIsReadOnce(t *testing.T) {
	srv, requested := newBlockServer(t, 0)
	e := NewEVM(EVMOptions{RPCURL: srv.URL, RequestTimeout: time.Second}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		_, err := e.FetchLatestFees(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"0x0"}, requested())
}

func TestEVMSeedResumesAfterReplayedBlock(t *testing.T) {
	srv, requested := newBlockServer(t, 7)
	e := NewEVM(EVMOptions{RPCURL: srv.URL, RequestTimeout: time.Second}, zerolog.Nop())

	e.Seed([]FeeDataPoint{{LedgerSequence: 4}, {LedgerSequence: 5}, {LedgerSequence: 3}})
	_, err := e.FetchLatestFees(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0x6", "0x7"}, requested())
}

func TestEVMLogsSkippedOverflowingGasPrice(t *testing.T) {
	var buf bytes.Buffer
	e := NewEVM(EVMOptions{}, zerolog.New(&buf).Level(zerolog.DebugLevel))

	to := common.HexToAddress("0x01")
	huge := new(big.Int).Lsh(big.NewInt(1), 70)
	overflow := types.NewTx(&types.LegacyTx{GasPrice: huge, Gas: 21000, To: &to})
	normal := types.NewTx(&types.LegacyTx{Nonce: 1, GasPrice: big.NewInt(42), Gas: 21000, To: &to})

	block := types.NewBlockWithHeader(&types.Header{Number: big.NewInt(9), Time: 1_700_000_000}).
		WithBody(types.Body{Transactions: []*types.Transaction{overflow, normal}})

	points := e.blockFees(block)
	require.Len(t, points, 1)
	assert.Equal(t, uint64(42), points[0].FeeAmount)

	assert.Contains(t, buf.String(), "skip transaction with gas price above uint64")
	assert.Contains(t, buf.String(), overflow.Hash().Hex())
	assert.Contains(t, buf.String(), huge.String())
}

func TestEVMBehindWhileBlocksRemain(t *testing.T) {
	srv, requested := newBlockServer(t, 7)
	e := NewEVM(EVMOptions{RPCURL: srv.URL, MaxBlocks: 1, RequestTimeout: time.Second}, zerolog.Nop())
	e.Seed([]FeeDataPoint{{LedgerSequence: 5}})

	_, err := e.FetchLatestFees(context.Background())
	require.NoError(t, err)
	assert.True(t, e.Behind())

	_, err = e.FetchLatestFees(context.Background())
	require.NoError(t, err)
	assert.False(t, e.Behind())

	_, err = e.FetchLatestFees(context.Background())
	require.NoError(t, err)
	assert.False(t, e.Behind())
	assert.Equal(t, []string{"0x6", "0x7"}, requested())
}
