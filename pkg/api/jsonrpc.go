package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/holiman/uint256"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/cdp/pkg/cdp"
)

// JSONRPCServer handles JSON-RPC 2.0 requests against the engine.
type JSONRPCServer struct {
	engine *cdp.Engine
	logger log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server.
func NewJSONRPCServer(engine *cdp.Engine, logger log.Logger) *JSONRPCServer {
	if logger == nil {
		logger = log.Root().New("module", "api")
	}
	return &JSONRPCServer{engine: engine, logger: logger}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes, plus one domain code for engine
// rejections.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
	EngineError    = -32000
)

// ServeHTTP implements http.Handler.
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, &RPCError{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, &RPCError{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	result, rpcErr := s.handleMethod(req.Method, req.Params)
	if rpcErr != nil {
		s.sendError(w, req.ID, rpcErr)
		return
	}
	s.sendResult(w, req.ID, result)
}

type positionParams struct {
	User   string `json:"user"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type depositMintParams struct {
	User       string `json:"user"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	MintAmount string `json:"mintAmount"`
}

type redeemBurnParams struct {
	User       string `json:"user"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	BurnAmount string `json:"burnAmount"`
}

type liquidateParams struct {
	Liquidator  string `json:"liquidator"`
	Target      string `json:"target"`
	Asset       string `json:"asset"`
	DebtToCover string `json:"debtToCover"`
}

type accountParams struct {
	User  string `json:"user"`
	Asset string `json:"asset,omitempty"`
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, *RPCError) {
	switch method {
	case "cdp_deposit":
		var p positionParams
		amount, rpcErr := decodeAmountParams(params, &p, &p.Amount)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return okResult(s.engine.Deposit(p.User, p.Asset, amount))

	case "cdp_mint":
		var p positionParams
		amount, rpcErr := decodeAmountParams(params, &p, &p.Amount)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return okResult(s.engine.Mint(p.User, amount))

	case "cdp_redeem":
		var p positionParams
		amount, rpcErr := decodeAmountParams(params, &p, &p.Amount)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return okResult(s.engine.Redeem(p.User, p.Asset, amount))

	case "cdp_burn":
		var p positionParams
		amount, rpcErr := decodeAmountParams(params, &p, &p.Amount)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return okResult(s.engine.Burn(p.User, amount))

	case "cdp_depositAndMint":
		var p depositMintParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
		}
		amount, rpcErr := parseAmount(p.Amount)
		if rpcErr != nil {
			return nil, rpcErr
		}
		mintAmount, rpcErr := parseAmount(p.MintAmount)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return okResult(s.engine.DepositAndMint(p.User, p.Asset, amount, mintAmount))

	case "cdp_redeemAndBurn":
		var p redeemBurnParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
		}
		amount, rpcErr := parseAmount(p.Amount)
		if rpcErr != nil {
			return nil, rpcErr
		}
		burnAmount, rpcErr := parseAmount(p.BurnAmount)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return okResult(s.engine.RedeemAndBurn(p.User, p.Asset, amount, burnAmount))

	case "cdp_liquidate":
		var p liquidateParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
		}
		debtToCover, rpcErr := parseAmount(p.DebtToCover)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return okResult(s.engine.Liquidate(p.Liquidator, p.Target, p.Asset, debtToCover))

	case "cdp_healthFactor":
		var p accountParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
		}
		factor, err := s.engine.HealthFactor(p.User)
		if err != nil {
			return nil, engineError(err)
		}
		return map[string]interface{}{"healthFactor": formatFactor(factor)}, nil

	case "cdp_accountInformation":
		var p accountParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
		}
		info, err := s.engine.Information(p.User)
		if err != nil {
			return nil, engineError(err)
		}
		return map[string]interface{}{
			"debtMinted":      formatAmount(info.DebtMinted),
			"collateralValue": formatAmount(info.CollateralValueQuote),
		}, nil

	case "cdp_collateralBalance":
		var p accountParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
		}
		if !s.engine.Registry().Supports(p.Asset) {
			return nil, engineError(cdp.ErrUnsupportedAsset)
		}
		return map[string]interface{}{
			"balance": formatAmount(s.engine.CollateralBalance(p.User, p.Asset)),
		}, nil

	case "cdp_collateralAssets":
		return map[string]interface{}{"assets": s.engine.Registry().Assets()}, nil

	case "cdp_quoteValue":
		var p positionParams
		amount, rpcErr := decodeAmountParams(params, &p, &p.Amount)
		if rpcErr != nil {
			return nil, rpcErr
		}
		value, err := s.engine.QuoteValue(p.Asset, amount)
		if err != nil {
			return nil, engineError(err)
		}
		return map[string]interface{}{"value": formatAmount(value)}, nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: fmt.Sprintf("Method not found: %s", method)}
	}
}

func decodeAmountParams(params json.RawMessage, dst interface{}, amount *string) (*uint256.Int, *RPCError) {
	if err := json.Unmarshal(params, dst); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	return parseAmount(*amount)
}

func okResult(err error) (interface{}, *RPCError) {
	if err != nil {
		return nil, engineError(err)
	}
	return map[string]interface{}{"status": "ok"}, nil
}

// engineError maps engine rejections onto the domain error code,
// attaching the computed health factor when one is available.
func engineError(err error) *RPCError {
	rpcErr := &RPCError{Code: EngineError, Message: err.Error()}
	var hfErr *cdp.HealthFactorError
	if errors.As(err, &hfErr) {
		rpcErr.Data = map[string]string{"healthFactor": formatFactor(hfErr.Factor)}
	}
	return rpcErr
}

// parseAmount converts a human-scale decimal string ("1.5" = 1.5
// whole units) to base units at cdp.Precision scale.
func parseAmount(raw string) (*uint256.Int, *RPCError) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: fmt.Sprintf("invalid amount: %s", raw)}
	}
	if d.Sign() < 0 {
		return nil, &RPCError{Code: InvalidParams, Message: "amount must not be negative"}
	}
	shifted := d.Shift(cdp.PrecisionExp)
	if !shifted.IsInteger() {
		return nil, &RPCError{Code: InvalidParams, Message: "amount has more than 18 decimal places"}
	}
	amount, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, &RPCError{Code: InvalidParams, Message: "amount out of range"}
	}
	return amount, nil
}

// formatAmount renders base units back to a human-scale decimal
// string.
func formatAmount(amount *uint256.Int) string {
	return decimal.NewFromBigInt(amount.ToBig(), -cdp.PrecisionExp).String()
}

// formatFactor renders a health factor; the zero-debt sentinel reads
// "inf".
func formatFactor(factor *uint256.Int) string {
	if factor.Eq(cdp.MaxHealthFactor) {
		return "inf"
	}
	return formatAmount(factor)
}

func (s *JSONRPCServer) sendResult(w http.ResponseWriter, id, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	resp := JSONRPCResponse{JSONRPC: "2.0", Result: result, ID: id}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	w.Header().Set("Content-Type", "application/json")
	resp := JSONRPCResponse{JSONRPC: "2.0", Error: rpcErr, ID: id}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode error response", "error", err)
	}
}
