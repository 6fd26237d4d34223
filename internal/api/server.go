// Package api exposes the pool engine, the order router and the derivative
// issuer over HTTP. Handlers are thin: they decode the request, call one
// component operation and map its typed errors onto status codes.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/obelisk/execution-engine/internal/amm"
	"github.com/obelisk/execution-engine/internal/catalog"
	"github.com/obelisk/execution-engine/internal/derivatives"
	"github.com/obelisk/execution-engine/internal/router"
	"github.com/obelisk/execution-engine/internal/venue"
)

// Server bundles the components served by the HTTP API. Any component may be
// nil, in which case its routes are not mounted.
type Server struct {
	pools  *amm.Engine
	router *router.Router
	issuer *derivatives.Issuer
}

// NewServer creates the API over the given components.
func NewServer(pools *amm.Engine, rt *router.Router, iss *derivatives.Issuer) *Server {
	return &Server{pools: pools, router: rt, issuer: iss}
}

// Routes mounts every API route on r. The caller mounts it under /api/v1,
// next to the WebSocket hub.
func (s *Server) Routes(r chi.Router) {
	if s.pools != nil {
		r.Get("/pools", s.ListPools)
		r.Get("/pools/stats", s.PoolStats)
		r.Get("/pools/{tokenA}/{tokenB}", s.GetPool)
		r.Get("/quote", s.GetQuote)
		r.Post("/swap", s.Swap)
		r.Post("/liquidity", s.AddLiquidity)
	}

	if s.router != nil {
		r.Post("/orders", s.PlaceOrder)
		r.Get("/orders/{orderID}", s.GetOrder)
		r.Delete("/orders/{orderID}", s.CancelOrder)
		r.Post("/orders/{orderID}/fills", s.ReportFill)
		r.Get("/positions", s.ListPositions)
		r.Get("/history", s.GetHistory)
		r.Get("/router/stats", s.RouterStats)
		r.Put("/router/priority", s.SetPriority)
	}

	if s.issuer != nil {
		r.Route("/derivatives", func(r chi.Router) {
			r.Get("/catalog", s.GetCatalog)
			r.Get("/insurance", s.GetInsurance)
			r.Post("/issue", s.Issue)
			r.Post("/redeem", s.Redeem)
			r.Get("/holdings/{userID}", s.GetHoldings)
			r.Get("/mtm/{derivativeID}", s.MarkToMarket)
		})
	}
}

// statusOf maps component errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, amm.ErrNoPool),
		errors.Is(err, router.ErrNotFound),
		errors.Is(err, derivatives.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, amm.ErrInvalidAmount),
		errors.Is(err, router.ErrInvalidOrder),
		errors.Is(err, derivatives.ErrInvalidRequest),
		errors.Is(err, derivatives.ErrNoPrice),
		errors.Is(err, derivatives.ErrAlreadyRedeemed),
		errors.Is(err, catalog.ErrUnsupportedAsset),
		errors.Is(err, catalog.ErrInvalidTicker):
		return http.StatusBadRequest

	case errors.Is(err, amm.ErrInsufficientLiquidity),
		errors.Is(err, amm.ErrSlippageExceeded),
		errors.Is(err, amm.ErrPriceImpactTooHigh),
		errors.Is(err, router.ErrInvalidState),
		errors.Is(err, router.ErrSymbolLimitExceeded),
		errors.Is(err, router.ErrCorrelatedLimitExceeded):
		return http.StatusConflict

	case errors.Is(err, venue.ErrVenueUnavailable),
		errors.Is(err, venue.ErrRateLimited):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Unmapped errors are logged and
// reported without detail.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
