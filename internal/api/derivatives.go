package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/obelisk/execution-engine/internal/model"
)

// IssueRequest is the JSON body for POST /derivatives/issue. Either Ticker
// ("OBL-SPYP") or Asset plus Product identifies what to issue.
type IssueRequest struct {
	UserID   string          `json:"user_id"`
	Ticker   string          `json:"ticker,omitempty"`
	Asset    string          `json:"asset,omitempty"`
	Product  model.Product   `json:"product,omitempty"`
	Quantity decimal.Decimal `json:"quantity"`
}

// RedeemRequest is the JSON body for POST /derivatives/redeem.
type RedeemRequest struct {
	DerivativeID string `json:"derivative_id"`
}

// GetCatalog handles GET /derivatives/catalog
func (s *Server) GetCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.issuer.Catalog())
}

// GetInsurance handles GET /derivatives/insurance
func (s *Server) GetInsurance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.issuer.Fund())
}

// Issue handles POST /derivatives/issue
func (s *Server) Issue(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	asset, product := req.Asset, req.Product
	if req.Ticker != "" {
		t, err := s.issuer.ResolveTicker(req.Ticker)
		if err != nil {
			fail(w, r, err)
			return
		}
		asset, product = t.Asset, t.Product
	}

	issued, err := s.issuer.Issue(r.Context(), req.UserID, asset, req.Quantity, product)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

// Redeem handles POST /derivatives/redeem
func (s *Server) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !decode(w, r, &req) {
		return
	}
	if req.DerivativeID == "" {
		writeError(w, "derivative_id is required", http.StatusBadRequest)
		return
	}
	res, err := s.issuer.Redeem(r.Context(), req.DerivativeID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetHoldings handles GET /derivatives/holdings/{userID}
func (s *Server) GetHoldings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.issuer.UserHoldings(chi.URLParam(r, "userID")))
}

// MarkToMarket handles GET /derivatives/mtm/{derivativeID}
func (s *Server) MarkToMarket(w http.ResponseWriter, r *http.Request) {
	v, ok := s.issuer.MarkToMarket(chi.URLParam(r, "derivativeID"))
	if !ok {
		writeError(w, "derivative not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
