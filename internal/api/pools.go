package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// SwapRequest is the JSON body for POST /swap.
type SwapRequest struct {
	TokenIn      string          `json:"token_in"`
	TokenOut     string          `json:"token_out"`
	AmountIn     decimal.Decimal `json:"amount_in"`
	MinAmountOut decimal.Decimal `json:"min_amount_out"`
}

// LiquidityRequest is the JSON body for POST /liquidity.
type LiquidityRequest struct {
	TokenA   string          `json:"token_a"`
	TokenB   string          `json:"token_b"`
	AmountA  decimal.Decimal `json:"amount_a"`
	AmountB  decimal.Decimal `json:"amount_b"`
	Provider string          `json:"provider"`
}

// ListPools handles GET /pools
func (s *Server) ListPools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pools.Pools())
}

// PoolStats handles GET /pools/stats
func (s *Server) PoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pools.Stats())
}

// GetPool handles GET /pools/{tokenA}/{tokenB}
func (s *Server) GetPool(w http.ResponseWriter, r *http.Request) {
	info, ok := s.pools.Pool(chi.URLParam(r, "tokenA"), chi.URLParam(r, "tokenB"))
	if !ok {
		writeError(w, "pool not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GetQuote handles GET /quote?in=&out=&amount=
func (s *Server) GetQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		writeError(w, "amount must be a decimal", http.StatusBadRequest)
		return
	}
	quote, err := s.pools.Quote(q.Get("in"), q.Get("out"), amount)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// Swap handles POST /swap
func (s *Server) Swap(w http.ResponseWriter, r *http.Request) {
	var req SwapRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.pools.Swap(r.Context(), req.TokenIn, req.TokenOut, req.AmountIn, req.MinAmountOut)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AddLiquidity handles POST /liquidity
func (s *Server) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req LiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Provider == "" {
		writeError(w, "provider is required", http.StatusBadRequest)
		return
	}
	res, err := s.pools.AddLiquidity(r.Context(), req.TokenA, req.TokenB, req.AmountA, req.AmountB, req.Provider)
	if err != nil {
		fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}
