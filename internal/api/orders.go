package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/obelisk/execution-engine/internal/model"
	"github.com/obelisk/execution-engine/internal/router"
)

// FillRequest is the JSON body for POST /orders/{orderID}/fills.
type FillRequest struct {
	Venue     string          `json:"venue"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Fee       decimal.Decimal `json:"fee"`
	TxID      string          `json:"tx_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriorityRequest is the JSON body for PUT /router/priority.
type PriorityRequest struct {
	OnChainPriority bool `json:"on_chain_priority"`
}

// PlaceOrder handles POST /orders. Routing failures are still a 200: the
// result carries success false, the attempt trail and the reason.
func (s *Server) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req router.OrderRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.router.PlaceOrder(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetOrder handles GET /orders/{orderID}
func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := s.router.Order(chi.URLParam(r, "orderID"))
	if !ok {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles DELETE /orders/{orderID}
func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "orderID")
	if err := s.router.CancelOrder(r.Context(), id); err != nil {
		fail(w, r, err)
		return
	}
	o, _ := s.router.Order(id)
	writeJSON(w, http.StatusOK, o)
}

// ReportFill handles POST /orders/{orderID}/fills
func (s *Server) ReportFill(w http.ResponseWriter, r *http.Request) {
	var req FillRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Venue == "" {
		writeError(w, "venue is required", http.StatusBadRequest)
		return
	}
	fill := model.Fill{
		Price:     req.Price,
		Size:      req.Size,
		Fee:       req.Fee,
		TxID:      req.TxID,
		Timestamp: req.Timestamp,
	}
	o, err := s.router.ReportFill(r.Context(), chi.URLParam(r, "orderID"), req.Venue, fill)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ListPositions handles GET /positions
func (s *Server) ListPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Positions())
}

// GetHistory handles GET /history?symbol=&exchange=&status=&from=&to=&limit=
// Times are RFC 3339.
func (s *Server) GetHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := router.HistoryFilter{
		Symbol:   q.Get("symbol"),
		Exchange: q.Get("exchange"),
		Status:   model.OrderStatus(q.Get("status")),
	}
	var err error
	if v := q.Get("from"); v != "" {
		if f.From, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, "from must be an RFC 3339 time", http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if f.To, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, "to must be an RFC 3339 time", http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.router.History(f))
}

// RouterStats handles GET /router/stats
func (s *Server) RouterStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Stats())
}

// SetPriority handles PUT /router/priority
func (s *Server) SetPriority(w http.ResponseWriter, r *http.Request) {
	var req PriorityRequest
	if !decode(w, r, &req) {
		return
	}
	s.router.SetOnChainPriority(r.Context(), req.OnChainPriority)
	writeJSON(w, http.StatusOK, s.router.Stats())
}
