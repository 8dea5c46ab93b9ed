package api

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plpfi/vault/pkg/history"
	"github.com/plpfi/vault/pkg/vault"
)

func newTestServer(t *testing.T) (*JSONRPCServer, *vault.Vault) {
	t.Helper()
	oracle := vault.NewStaticOracle()
	v := vault.NewVault(nil, oracle)
	v.WhitelistAsset(&vault.AssetConfig{
		Symbol:   "USDC",
		Decimals: 6,
		Weight:   50,
		IsStable: true,
	})
	v.WhitelistAsset(&vault.AssetConfig{
		Symbol:      "BTC",
		Decimals:    8,
		Weight:      50,
		IsShortable: true,
	})
	one := new(big.Int).Set(vault.PricePrecision)
	oracle.SetSpotPrice("USDC", one)
	oracle.SetSpotPrice("BTC", new(big.Int).Mul(big.NewInt(10000), one))

	lp := vault.NewLpManager(v, 0)
	level, _ := log.ToLevel("debug")
	logger := log.NewTestLogger(level)
	return NewJSONRPCServer(v, lp, logger), v
}

func call(t *testing.T, server *JSONRPCServer, body string) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest("POST", "/rpc", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "2.0", resp["jsonrpc"])
	return resp
}

func TestJSONRPCServer_Ping(t *testing.T) {
	server, _ := newTestServer(t)
	resp := call(t, server, `{"jsonrpc":"2.0","method":"plp_ping","params":{},"id":1}`)
	assert.Equal(t, "pong", resp["result"])
	assert.Equal(t, float64(1), resp["id"])
}

func TestJSONRPCServer_Mint(t *testing.T) {
	server, v := newTestServer(t)
	resp := call(t, server,
		`{"jsonrpc":"2.0","method":"plp_mint","params":{"asset":"USDC","amount":"100","payer":"alice"},"id":2}`)

	result, ok := resp["result"].(map[string]interface{})
	require.True(t, ok, "got error: %v", resp["error"])
	assert.Equal(t, "minted", result["status"])
	// 30 bps mint fee on 100 USDC.
	assert.Equal(t, "99.7", result["usdpMinted"])
	assert.True(t, v.USDPSupply().Sign() > 0)
}

func TestJSONRPCServer_MintUnknownAsset(t *testing.T) {
	server, _ := newTestServer(t)
	resp := call(t, server,
		`{"jsonrpc":"2.0","method":"plp_mint","params":{"asset":"DOGE","amount":"100","payer":"alice"},"id":3}`)

	errObj, ok := resp["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(InvalidParams), errObj["code"])
}

func TestJSONRPCServer_Swap(t *testing.T) {
	server, _ := newTestServer(t)
	call(t, server,
		`{"jsonrpc":"2.0","method":"plp_mint","params":{"asset":"USDC","amount":"100000","payer":"seed"},"id":1}`)
	call(t, server,
		`{"jsonrpc":"2.0","method":"plp_mint","params":{"asset":"BTC","amount":"10","payer":"seed"},"id":2}`)

	resp := call(t, server,
		`{"jsonrpc":"2.0","method":"plp_swap","params":{"assetIn":"USDC","assetOut":"BTC","amount":"10000","receiver":"alice"},"id":3}`)
	result, ok := resp["result"].(map[string]interface{})
	require.True(t, ok, "got error: %v", resp["error"])
	assert.Equal(t, "swapped", result["status"])
	assert.NotEmpty(t, result["amountOut"])
}

func TestJSONRPCServer_PositionLifecycle(t *testing.T) {
	server, _ := newTestServer(t)
	call(t, server,
		`{"jsonrpc":"2.0","method":"plp_mint","params":{"asset":"BTC","amount":"10","payer":"seed"},"id":1}`)

	resp := call(t, server,
		`{"jsonrpc":"2.0","method":"plp_increasePosition","params":{"account":"alice","collateralAsset":"BTC","indexAsset":"BTC","collateral":"0.01","sizeUsd":"1000","isLong":true},"id":2}`)
	result, ok := resp["result"].(map[string]interface{})
	require.True(t, ok, "got error: %v", resp["error"])
	assert.Equal(t, "long", result["side"])
	assert.Equal(t, "1000", result["sizeUsd"])
	assert.Equal(t, "99", result["collateralUsd"])

	resp = call(t, server,
		`{"jsonrpc":"2.0","method":"plp_getPositions","params":{},"id":3}`)
	list, ok := resp["result"].([]interface{})
	require.True(t, ok)
	assert.Len(t, list, 1)

	resp = call(t, server,
		`{"jsonrpc":"2.0","method":"plp_decreasePosition","params":{"account":"alice","collateralAsset":"BTC","indexAsset":"BTC","sizeUsd":"1000","isLong":true,"receiver":"alice"},"id":4}`)
	result, ok = resp["result"].(map[string]interface{})
	require.True(t, ok, "got error: %v", resp["error"])
	assert.Equal(t, "decreased", result["status"])
}

func TestJSONRPCServer_Liquidity(t *testing.T) {
	server, _ := newTestServer(t)
	resp := call(t, server,
		`{"jsonrpc":"2.0","method":"plp_addLiquidity","params":{"asset":"USDC","amount":"100","depositor":"alice"},"id":1}`)
	result, ok := resp["result"].(map[string]interface{})
	require.True(t, ok, "got error: %v", resp["error"])
	assert.Equal(t, "added", result["status"])

	resp = call(t, server, `{"jsonrpc":"2.0","method":"plp_getAum","params":{},"id":2}`)
	result, ok = resp["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "100", result["aumMax"])

	// Zero cooldown in the test manager.
	resp = call(t, server,
		`{"jsonrpc":"2.0","method":"plp_removeLiquidity","params":{"asset":"USDC","plp":"10","holder":"alice"},"id":3}`)
	result, ok = resp["result"].(map[string]interface{})
	require.True(t, ok, "got error: %v", resp["error"])
	assert.Equal(t, "removed", result["status"])
}

func TestJSONRPCServer_GetPool(t *testing.T) {
	server, _ := newTestServer(t)
	call(t, server,
		`{"jsonrpc":"2.0","method":"plp_mint","params":{"asset":"USDC","amount":"100","payer":"alice"},"id":1}`)

	resp := call(t, server,
		`{"jsonrpc":"2.0","method":"plp_getPool","params":{"asset":"USDC"},"id":2}`)
	result, ok := resp["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "100", result["poolAmount"])
	assert.Equal(t, "0.3", result["feeReserve"])
	assert.Equal(t, "99.7", result["usdpDebt"])
}

func TestJSONRPCServer_GetCandles(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("DisabledWithoutHistory", func(t *testing.T) {
		resp := call(t, server,
			`{"jsonrpc":"2.0","method":"plp_getCandles","params":{"asset":"BTC"},"id":1}`)
		errObj, ok := resp["error"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(InternalError), errObj["code"])
	})

	t.Run("EmptyHistory", func(t *testing.T) {
		level, _ := log.ToLevel("debug")
		server.WithHistory(history.NewAggregator(log.NewTestLogger(level), nil))

		resp := call(t, server,
			`{"jsonrpc":"2.0","method":"plp_getCandles","params":{"asset":"BTC","interval":"1m"},"id":2}`)
		result, ok := resp["result"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "BTC", result["asset"])
		assert.Equal(t, "1m", result["interval"])
	})
}

func TestJSONRPCServer_InvalidRequests(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("BadVersion", func(t *testing.T) {
		resp := call(t, server, `{"jsonrpc":"1.0","method":"plp_ping","id":1}`)
		errObj, ok := resp["error"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(InvalidRequest), errObj["code"])
	})

	t.Run("UnknownMethod", func(t *testing.T) {
		resp := call(t, server, `{"jsonrpc":"2.0","method":"plp_nope","id":1}`)
		errObj, ok := resp["error"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(MethodNotFound), errObj["code"])
	})

	t.Run("GetRejected", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/rpc", nil)
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}
