// Package api exposes the exchange over HTTP. Handlers decode requests,
// delegate to the matching engine, lifecycle manager and portfolio service,
// and map their errors to status codes.
//
// Authentication is out of scope: the acting user is taken from the
// X-User-ID header.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/catalog"
	"github.com/atmx/predict-engine/internal/lifecycle"
	"github.com/atmx/predict-engine/internal/matching"
	"github.com/atmx/predict-engine/internal/model"
	"github.com/atmx/predict-engine/internal/portfolio"
	"github.com/atmx/predict-engine/internal/risk"
	"github.com/atmx/predict-engine/internal/store"
)

// UserHeader carries the acting user's ID.
const UserHeader = "X-User-ID"

// Handler serves the exchange API.
type Handler struct {
	engine    *matching.Engine
	markets   *lifecycle.Manager
	portfolio *portfolio.Service
}

func NewHandler(engine *matching.Engine, markets *lifecycle.Manager, pf *portfolio.Service) *Handler {
	return &Handler{engine: engine, markets: markets, portfolio: pf}
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	// Accounts.
	r.Post("/users", h.Register)
	r.Get("/portfolio", h.GetPortfolio)
	r.Get("/leaderboard", h.Leaderboard)

	// Markets.
	r.Get("/markets", h.ListMarkets)
	r.Post("/markets", h.CreateMarket)
	r.Get("/markets/{marketID}", h.GetMarket)
	r.Get("/markets/{marketID}/book", h.GetOrderBook)
	r.Post("/markets/{marketID}/resolve", h.ResolveMarket)
	r.Post("/markets/{marketID}/cancel", h.CancelMarket)

	// Orders.
	r.Post("/markets/{marketID}/orders", h.PlaceOrder)
	r.Get("/orders/{orderID}", h.GetOrder)
	r.Delete("/orders/{orderID}", h.CancelOrder)
}

// --- Request/Response types ---

// RegisterRequest is the JSON body for POST /users.
type RegisterRequest struct {
	Username string `json:"username"`
}

// OrderRequest is the JSON body for POST /markets/{marketID}/orders.
// Quantity is decoded as a decimal so fractional shares can be rejected.
type OrderRequest struct {
	Side     model.Side      `json:"side"`
	Type     model.OrderType `json:"type"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderResponse is the JSON body returned from a placement.
type OrderResponse struct {
	Order       *model.Order  `json:"order"`
	Trades      []model.Trade `json:"trades"`
	TradesCount int           `json:"trades_count"`
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
type ResolveRequest struct {
	Outcome model.Side `json:"outcome"`
}

// --- HTTP Handlers ---

// Register handles POST /api/v1/users
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	u, err := h.portfolio.Register(r.Context(), req.Username)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// GetPortfolio handles GET /api/v1/portfolio
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	p, err := h.portfolio.GetPortfolio(r.Context(), userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Leaderboard handles GET /api/v1/leaderboard
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := h.portfolio.Leaderboard(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ListMarkets handles GET /api/v1/markets?category=&sort=
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	markets, err := h.markets.ListMarkets(r.Context(), q.Get("category"), q.Get("sort"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

// CreateMarket handles POST /api/v1/markets
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	m, err := h.markets.CreateMarket(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GetMarket handles GET /api/v1/markets/{marketID}
// Returns the market with its order book and most recent trades.
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	detail, err := h.markets.GetMarketDetail(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// GetOrderBook handles GET /api/v1/markets/{marketID}/book
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	book, err := h.engine.GetOrderBook(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (h *Handler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := h.markets.ResolveMarket(r.Context(), chi.URLParam(r, "marketID"), req.Outcome)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelMarket handles POST /api/v1/markets/{marketID}/cancel
func (h *Handler) CancelMarket(w http.ResponseWriter, r *http.Request) {
	res, err := h.markets.CancelMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PlaceOrder handles POST /api/v1/markets/{marketID}/orders
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.engine.PlaceOrder(r.Context(), matching.PlaceRequest{
		UserID:   userID,
		MarketID: chi.URLParam(r, "marketID"),
		Side:     req.Side,
		Type:     req.Type,
		Price:    req.Price,
		Quantity: shares(req.Quantity),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, OrderResponse{
		Order:       res.Order,
		Trades:      res.Trades,
		TradesCount: len(res.Trades),
	})
}

// shares converts a decoded quantity to whole shares. Fractional and
// out-of-range quantities map to zero, which the engine rejects after it
// has validated the price.
func shares(q decimal.Decimal) int64 {
	if !q.Equal(q.Truncate(0)) || !q.IsPositive() || q.GreaterThan(decimal.NewFromInt(1<<53)) {
		return 0
	}
	return q.IntPart()
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.engine.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	o, err := h.engine.CancelOrder(r.Context(), chi.URLParam(r, "orderID"), userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func actingUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(UserHeader)
	if id == "" {
		writeError(w, "missing "+UserHeader+" header", http.StatusUnauthorized)
		return "", false
	}
	return id, true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, matching.ErrInvalidPrice),
		errors.Is(err, matching.ErrInvalidQuantity),
		errors.Is(err, matching.ErrInvalidSide),
		errors.Is(err, matching.ErrInvalidOrderType),
		errors.Is(err, lifecycle.ErrInvalidOutcome),
		errors.Is(err, lifecycle.ErrInvalidInitialPrice),
		errors.Is(err, catalog.ErrMissingField),
		errors.Is(err, catalog.ErrInvalidCategory),
		errors.Is(err, catalog.ErrInvalidResolutionDate),
		errors.Is(err, portfolio.ErrInvalidUsername):
		return http.StatusBadRequest

	case errors.Is(err, matching.ErrUserNotFound),
		errors.Is(err, matching.ErrOrderNotFound),
		errors.Is(err, lifecycle.ErrMarketNotFound),
		errors.Is(err, portfolio.ErrUserNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, matching.ErrMarketNotOpen),
		errors.Is(err, matching.ErrInsufficientBalance),
		errors.Is(err, matching.ErrNotCancellable),
		errors.Is(err, lifecycle.ErrMarketNotOpen),
		errors.Is(err, risk.ErrMarketExposureExceeded),
		errors.Is(err, risk.ErrCategoryExposureExceeded),
		errors.Is(err, portfolio.ErrUsernameTaken):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal server error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
