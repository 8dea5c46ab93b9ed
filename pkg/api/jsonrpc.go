package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/plpfi/vault/pkg/history"
	"github.com/plpfi/vault/pkg/vault"
)

// JSONRPCServer handles JSON-RPC 2.0 requests against the vault
type JSONRPCServer struct {
	vault   *vault.Vault
	lp      *vault.LpManager
	history *history.Aggregator
	logger  log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(v *vault.Vault, lp *vault.LpManager, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		vault:  v,
		lp:     lp,
		logger: logger,
	}
}

// WithHistory attaches a candle aggregator backing plp_getCandles.
func (s *JSONRPCServer) WithHistory(h *history.Aggregator) *JSONRPCServer {
	s.history = h
	return s
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	// Route to method handler
	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		s.sendError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	// Send success response
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Stable unit methods
	case "plp_mint":
		return s.mint(params)
	case "plp_redeem":
		return s.redeem(params)
	case "plp_swap":
		return s.swap(params)

	// Position methods
	case "plp_increasePosition":
		return s.increasePosition(params)
	case "plp_decreasePosition":
		return s.decreasePosition(params)
	case "plp_liquidatePosition":
		return s.liquidatePosition(params)
	case "plp_validateLiquidation":
		return s.validateLiquidation(params)
	case "plp_getPosition":
		return s.getPosition(params)
	case "plp_getPositions":
		return s.getPositions(params)

	// Liquidity methods
	case "plp_addLiquidity":
		return s.addLiquidity(params)
	case "plp_removeLiquidity":
		return s.removeLiquidity(params)
	case "plp_getAum":
		return s.getAum(params)

	// Query methods
	case "plp_getPool":
		return s.getPool(params)
	case "plp_getCandles":
		return s.getCandles(params)
	case "plp_getInfo":
		return s.getInfo(params)
	case "plp_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

// parseAmount converts a human-readable decimal amount string into the
// asset's smallest units.
func (s *JSONRPCServer) parseAmount(asset, amount string) (*big.Int, error) {
	cfg, ok := s.vault.AssetConfigFor(asset)
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "unknown asset"}
	}
	d, err := decimal.NewFromString(amount)
	if err != nil || d.Sign() < 0 {
		return nil, &RPCError{Code: InvalidParams, Message: "invalid amount"}
	}
	return d.Shift(int32(cfg.Decimals)).Truncate(0).BigInt(), nil
}

// parseUsd converts a decimal USD string to price precision units.
func parseUsd(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil || d.Sign() < 0 {
		return nil, &RPCError{Code: InvalidParams, Message: "invalid usd amount"}
	}
	return d.Shift(vault.PricePrecisionDecimals).Truncate(0).BigInt(), nil
}

// parseUnits converts a decimal string to an 18-decimal amount (USDP, PLP).
func parseUnits(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil || d.Sign() < 0 {
		return nil, &RPCError{Code: InvalidParams, Message: "invalid amount"}
	}
	return d.Shift(vault.USDPDecimals).Truncate(0).BigInt(), nil
}

func formatScaled(v *big.Int, decimals int32) string {
	return decimal.NewFromBigInt(v, -decimals).String()
}

func (s *JSONRPCServer) mint(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
		Payer  string `json:"payer"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	amount, err := s.parseAmount(p.Asset, p.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.vault.Fund(p.Asset, amount); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	minted, err := s.vault.MintUSDP(p.Asset, p.Payer)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"usdpMinted": formatScaled(minted, vault.USDPDecimals),
		"status":     "minted",
	}, nil
}

func (s *JSONRPCServer) redeem(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset   string `json:"asset"`
		Amount  string `json:"amount"` // USDP to burn
		Account string `json:"account"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	usdpAmount, err := parseUnits(p.Amount)
	if err != nil {
		return nil, err
	}
	out, err := s.vault.RedeemUSDP(p.Asset, usdpAmount, p.Account)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	cfg, _ := s.vault.AssetConfigFor(p.Asset)
	return map[string]interface{}{
		"amountOut": formatScaled(out, int32(cfg.Decimals)),
		"status":    "redeemed",
	}, nil
}

func (s *JSONRPCServer) swap(params json.RawMessage) (interface{}, error) {
	var p struct {
		AssetIn  string `json:"assetIn"`
		AssetOut string `json:"assetOut"`
		Amount   string `json:"amount"`
		Receiver string `json:"receiver"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	amount, err := s.parseAmount(p.AssetIn, p.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.vault.Fund(p.AssetIn, amount); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	out, err := s.vault.Swap(p.AssetIn, p.AssetOut, p.Receiver)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	cfg, _ := s.vault.AssetConfigFor(p.AssetOut)
	return map[string]interface{}{
		"amountOut": formatScaled(out, int32(cfg.Decimals)),
		"status":    "swapped",
	}, nil
}

func (s *JSONRPCServer) increasePosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account         string `json:"account"`
		CollateralAsset string `json:"collateralAsset"`
		IndexAsset      string `json:"indexAsset"`
		Collateral      string `json:"collateral"` // collateral-asset units
		SizeUsd         string `json:"sizeUsd"`
		IsLong          bool   `json:"isLong"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	sizeDelta, err := parseUsd(p.SizeUsd)
	if err != nil {
		return nil, err
	}
	if p.Collateral != "" {
		collateral, err := s.parseAmount(p.CollateralAsset, p.Collateral)
		if err != nil {
			return nil, err
		}
		if collateral.Sign() > 0 {
			if err := s.vault.Fund(p.CollateralAsset, collateral); err != nil {
				return nil, &RPCError{Code: InternalError, Message: err.Error()}
			}
		}
	}
	if err := s.vault.IncreasePosition(p.Account, p.CollateralAsset, p.IndexAsset, sizeDelta, p.IsLong); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return s.positionResult(p.Account, p.CollateralAsset, p.IndexAsset, p.IsLong)
}

func (s *JSONRPCServer) decreasePosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account         string `json:"account"`
		CollateralAsset string `json:"collateralAsset"`
		IndexAsset      string `json:"indexAsset"`
		CollateralUsd   string `json:"collateralUsd"`
		SizeUsd         string `json:"sizeUsd"`
		IsLong          bool   `json:"isLong"`
		Receiver        string `json:"receiver"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	sizeDelta := big.NewInt(0)
	if p.SizeUsd != "" {
		var err error
		if sizeDelta, err = parseUsd(p.SizeUsd); err != nil {
			return nil, err
		}
	}
	collateralDelta := big.NewInt(0)
	if p.CollateralUsd != "" {
		var err error
		if collateralDelta, err = parseUsd(p.CollateralUsd); err != nil {
			return nil, err
		}
	}
	out, err := s.vault.DecreasePosition(p.Account, p.CollateralAsset, p.IndexAsset, collateralDelta, sizeDelta, p.IsLong, p.Receiver)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	cfg, _ := s.vault.AssetConfigFor(p.CollateralAsset)
	return map[string]interface{}{
		"amountOut": formatScaled(out, int32(cfg.Decimals)),
		"status":    "decreased",
	}, nil
}

func (s *JSONRPCServer) liquidatePosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account         string `json:"account"`
		CollateralAsset string `json:"collateralAsset"`
		IndexAsset      string `json:"indexAsset"`
		IsLong          bool   `json:"isLong"`
		Keeper          string `json:"keeper"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.vault.LiquidatePosition(p.Account, p.CollateralAsset, p.IndexAsset, p.IsLong, p.Keeper); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{"status": "liquidated"}, nil
}

func (s *JSONRPCServer) validateLiquidation(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account         string `json:"account"`
		CollateralAsset string `json:"collateralAsset"`
		IndexAsset      string `json:"indexAsset"`
		IsLong          bool   `json:"isLong"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	state, fees, err := s.vault.ValidateLiquidation(p.Account, p.CollateralAsset, p.IndexAsset, p.IsLong)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"state":   state,
		"feesUsd": formatScaled(fees, vault.PricePrecisionDecimals),
	}, nil
}

func (s *JSONRPCServer) getPosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account         string `json:"account"`
		CollateralAsset string `json:"collateralAsset"`
		IndexAsset      string `json:"indexAsset"`
		IsLong          bool   `json:"isLong"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	return s.positionResult(p.Account, p.CollateralAsset, p.IndexAsset, p.IsLong)
}

func (s *JSONRPCServer) getPositions(params json.RawMessage) (interface{}, error) {
	positions := s.vault.Positions()
	out := make([]map[string]interface{}, 0, len(positions))
	for _, pos := range positions {
		out = append(out, positionJSON(pos))
	}
	return out, nil
}

func (s *JSONRPCServer) positionResult(account, collateralAsset, indexAsset string, isLong bool) (interface{}, error) {
	pos, ok := s.vault.Position(account, collateralAsset, indexAsset, isLong)
	if !ok {
		return nil, &RPCError{Code: InternalError, Message: "position not found"}
	}
	return positionJSON(pos), nil
}

func positionJSON(pos *vault.Position) map[string]interface{} {
	side := "long"
	if !pos.IsLong {
		side = "short"
	}
	return map[string]interface{}{
		"account":          pos.Account,
		"collateralAsset":  pos.CollateralAsset,
		"indexAsset":       pos.IndexAsset,
		"side":             side,
		"sizeUsd":          formatScaled(pos.Size, vault.PricePrecisionDecimals),
		"collateralUsd":    formatScaled(pos.Collateral, vault.PricePrecisionDecimals),
		"averagePrice":     formatScaled(pos.AveragePrice, vault.PricePrecisionDecimals),
		"entryFundingRate": pos.EntryFundingRate.String(),
		"realisedPnlUsd":   formatScaled(pos.RealisedPnl, vault.PricePrecisionDecimals),
		"leverage":         float64(pos.Leverage()) / float64(vault.BasisPointsDivisor),
	}
}

func (s *JSONRPCServer) addLiquidity(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset     string `json:"asset"`
		Amount    string `json:"amount"`
		MinUsdp   string `json:"minUsdp"`
		MinPlp    string `json:"minPlp"`
		Depositor string `json:"depositor"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	amount, err := s.parseAmount(p.Asset, p.Amount)
	if err != nil {
		return nil, err
	}
	var minUsdp, minPlp *big.Int
	if p.MinUsdp != "" {
		if minUsdp, err = parseUnits(p.MinUsdp); err != nil {
			return nil, err
		}
	}
	if p.MinPlp != "" {
		if minPlp, err = parseUnits(p.MinPlp); err != nil {
			return nil, err
		}
	}
	if err := s.vault.Fund(p.Asset, amount); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	plp, err := s.lp.AddLiquidity(p.Asset, minUsdp, minPlp, p.Depositor)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"plpMinted": formatScaled(plp, vault.USDPDecimals),
		"status":    "added",
	}, nil
}

func (s *JSONRPCServer) removeLiquidity(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset  string `json:"asset"`
		Plp    string `json:"plp"`
		MinOut string `json:"minOut"`
		Holder string `json:"holder"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	plpAmount, err := parseUnits(p.Plp)
	if err != nil {
		return nil, err
	}
	var minOut *big.Int
	if p.MinOut != "" {
		if minOut, err = s.parseAmount(p.Asset, p.MinOut); err != nil {
			return nil, err
		}
	}
	out, err := s.lp.RemoveLiquidity(p.Asset, plpAmount, minOut, p.Holder)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	cfg, _ := s.vault.AssetConfigFor(p.Asset)
	return map[string]interface{}{
		"amountOut": formatScaled(out, int32(cfg.Decimals)),
		"status":    "removed",
	}, nil
}

func (s *JSONRPCServer) getAum(params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"aumMax":    formatScaled(s.lp.GetAum(true), vault.PricePrecisionDecimals),
		"aumMin":    formatScaled(s.lp.GetAum(false), vault.PricePrecisionDecimals),
		"plpSupply": formatScaled(s.lp.PlpSupply(), vault.USDPDecimals),
	}, nil
}

func (s *JSONRPCServer) getPool(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset string `json:"asset"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	cfg, ok := s.vault.AssetConfigFor(p.Asset)
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "unknown asset"}
	}
	l, _ := s.vault.Ledger(p.Asset)
	return map[string]interface{}{
		"asset":                 p.Asset,
		"poolAmount":            formatScaled(l.PoolAmount, int32(cfg.Decimals)),
		"reservedAmount":        formatScaled(l.ReservedAmount, int32(cfg.Decimals)),
		"feeReserve":            formatScaled(l.FeeReserve, int32(cfg.Decimals)),
		"usdpDebt":              formatScaled(l.Debt, vault.USDPDecimals),
		"guaranteedUsd":         formatScaled(l.GuaranteedUsd, vault.PricePrecisionDecimals),
		"cumulativeFundingRate": l.CumulativeFundingRate.String(),
		"globalShortSize":       formatScaled(l.GlobalShortSize, vault.PricePrecisionDecimals),
	}, nil
}

func (s *JSONRPCServer) getCandles(params json.RawMessage) (interface{}, error) {
	if s.history == nil {
		return nil, &RPCError{Code: InternalError, Message: "candle history disabled"}
	}
	var p struct {
		Asset    string `json:"asset"`
		Interval string `json:"interval"`
		Limit    int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	interval := history.Interval(p.Interval)
	if interval == "" {
		interval = history.Interval1m
	}
	if p.Limit <= 0 || p.Limit > 1000 {
		p.Limit = 100
	}

	candles := s.history.Candles(p.Asset, interval, p.Limit)
	result := map[string]interface{}{
		"asset":    p.Asset,
		"interval": string(interval),
		"candles":  candles,
	}
	if live := s.history.LatestCandle(p.Asset, interval); live != nil {
		result["live"] = live
	}
	return result, nil
}

func (s *JSONRPCServer) getInfo(params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"version":    "1.0.0",
		"assets":     s.vault.Assets(),
		"usdpSupply": formatScaled(s.vault.USDPSupply(), vault.USDPDecimals),
		"plpSupply":  formatScaled(s.lp.PlpSupply(), vault.USDPDecimals),
		"timestamp":  time.Now().Unix(),
	}, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
		ID: id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartJSONRPCServer starts the JSON-RPC server
func StartJSONRPCServer(ctx context.Context, port int, server *JSONRPCServer, logger log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "port", port)
	return httpServer.ListenAndServe()
}
