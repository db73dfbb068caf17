package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/cdp/pkg/cdp"
)

// adminHandler exposes operator actions the engine itself has no
// business knowing about: moving the manual price feeds and crediting
// the in-memory token ledgers so positions can be opened against a
// development deployment.
type adminHandler struct {
	node   *node
	logger log.Logger
}

type adminRequest struct {
	Action string `json:"action"`
	Asset  string `json:"asset"`
	User   string `json:"user,omitempty"`
	Price  string `json:"price,omitempty"`
	Amount string `json:"amount,omitempty"`
}

func (h *adminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req adminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var err error
	switch req.Action {
	case "set-price":
		err = h.setPrice(req.Asset, req.Price)
	case "fund":
		err = h.fund(req.User, req.Asset, req.Amount)
	default:
		err = fmt.Errorf("unknown action %q", req.Action)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *adminHandler) setPrice(asset, raw string) error {
	feed, ok := h.node.feeds[asset]
	if !ok {
		return fmt.Errorf("no manual feed for %s", asset)
	}
	price, err := parseScaled(raw, cdp.FeedDecimals)
	if err != nil {
		return fmt.Errorf("invalid price: %w", err)
	}
	feed.Set(price, time.Now())
	h.logger.Info("price updated", "asset", asset, "price", raw)
	return nil
}

func (h *adminHandler) fund(user, asset, raw string) error {
	token, ok := h.node.tokens[asset]
	if !ok {
		return fmt.Errorf("no token ledger for %s", asset)
	}
	amount, err := parseScaled(raw, cdp.PrecisionExp)
	if err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	token.Credit(user, amount)
	h.logger.Info("account funded", "user", user, "asset", asset, "amount", raw)
	return nil
}

// parseScaled reads a positive human-scale decimal into base units at
// the given exponent.
func parseScaled(raw string, exp int32) (*uint256.Int, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, err
	}
	shifted := d.Shift(exp)
	if !shifted.IsInteger() || shifted.Sign() <= 0 {
		return nil, fmt.Errorf("value %s out of range", raw)
	}
	value, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, fmt.Errorf("value %s out of range", raw)
	}
	return value, nil
}
