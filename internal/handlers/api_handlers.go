package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/quayside/tokenized-estate/backend/internal/core/ports"
	"github.com/quayside/tokenized-estate/backend/internal/entities"
	"github.com/quayside/tokenized-estate/backend/internal/usecases"
	"github.com/quayside/tokenized-estate/backend/internal/usecases/repository"
)

// OrderService is the order-facing surface the API exposes.
type OrderService interface {
	CreateOrder(ctx context.Context, in usecases.CreateOrderInput) (entities.Order, usecases.PaymentInstructions, error)
	GetOrder(ctx context.Context, id uuid.UUID) (entities.Order, error)
	GetUserOrders(ctx context.Context, userID string) ([]entities.Order, error)
	CancelOrder(ctx context.Context, id uuid.UUID) (entities.Order, error)
	CheckOrderNow(ctx context.Context, id uuid.UUID) (entities.Order, error)
}

// PaymentsQuery serves the operator review queue.
type PaymentsQuery interface {
	ListUnresolvedPayments(ctx context.Context, filter repository.UnresolvedFilter) ([]entities.UnresolvedPayment, error)
}

// PropertyService registers and lists tokenized listings.
type PropertyService interface {
	RegisterProperty(ctx context.Context, in usecases.RegisterPropertyInput) (entities.Property, error)
	GetProperty(ctx context.Context, id uuid.UUID) (entities.Property, error)
	ListProperties(ctx context.Context) ([]entities.Property, error)
}

var (
	_ OrderService    = (*usecases.OrderService)(nil)
	_ PropertyService = (*usecases.PropertyService)(nil)
)

type HTTPHandler struct {
	logger     *slog.Logger
	orders     OrderService
	properties PropertyService
	payments   PaymentsQuery
	ledger     ports.LedgerReader

	treasuryAccount string
}

func NewHTTPHandler(
	logger *slog.Logger,
	orders OrderService,
	properties PropertyService,
	payments PaymentsQuery,
	ledger ports.LedgerReader,
	treasuryAccount string,
) *HTTPHandler {
	return &HTTPHandler{
		logger:          logger,
		orders:          orders,
		properties:      properties,
		payments:        payments,
		ledger:          ledger,
		treasuryAccount: treasuryAccount,
	}
}

func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	// Orders
	router.HandleFunc("/orders", h.CreateOrder).Methods("POST")
	router.HandleFunc("/orders/user", h.GetUserOrders).Methods("GET")
	router.HandleFunc("/orders/{orderId}", h.GetOrder).Methods("GET")
	router.HandleFunc("/orders/{orderId}/check", h.CheckOrder).Methods("POST")
	router.HandleFunc("/orders/{orderId}", h.CancelOrder).Methods("DELETE")

	// Properties
	router.HandleFunc("/properties", h.ListProperties).Methods("GET")
	router.HandleFunc("/properties/{propertyId}", h.GetProperty).Methods("GET")

	// Operator surface
	router.HandleFunc("/admin/properties", h.RegisterProperty).Methods("POST")
	router.HandleFunc("/admin/payments/unresolved", h.ListUnresolvedPayments).Methods("GET")

	// Treasury
	router.HandleFunc("/treasury/balance", h.TreasuryBalance).Methods("GET")
}

type createOrderRequest struct {
	UserID         string `json:"user_id"`
	PropertyID     string `json:"property_id"`
	Quantity       int64  `json:"quantity"`
	BuyerAccount   string `json:"buyer_account"`
	ExpectedSender string `json:"expected_sender,omitempty"`
}

type createOrderResponse struct {
	Order   entities.Order               `json:"order"`
	Payment usecases.PaymentInstructions `json:"payment"`
}

func (h *HTTPHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	propertyID, err := uuid.Parse(req.PropertyID)
	if err != nil {
		http.Error(w, "Invalid property_id", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.BuyerAccount == "" {
		http.Error(w, "Missing required fields: user_id and buyer_account", http.StatusBadRequest)
		return
	}

	order, payment, err := h.orders.CreateOrder(r.Context(), usecases.CreateOrderInput{
		UserID:         req.UserID,
		PropertyID:     propertyID,
		Quantity:       req.Quantity,
		BuyerAccount:   req.BuyerAccount,
		ExpectedSender: req.ExpectedSender,
	})
	if err != nil {
		h.logger.Error("[Create Order] Error creating order", "error", err, "user_id", req.UserID)
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(createOrderResponse{Order: order, Payment: payment})
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(order)
}

func (h *HTTPHandler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "Missing required parameter: user_id", http.StatusBadRequest)
		return
	}

	orders, err := h.orders.GetUserOrders(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(orders)
}

// CheckOrder runs the on-demand single-order reconciliation for a responsive
// status page; the background loop remains the source of truth.
func (h *HTTPHandler) CheckOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}

	order, err := h.orders.CheckOrderNow(r.Context(), orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(order)
}

func (h *HTTPHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}

	order, err := h.orders.CancelOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Info("[Cancel Order] Order cancelled", "order_id", orderID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(order)
}

type registerPropertyRequest struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	TokenPrice  string `json:"token_price"`
	TokenSupply int64  `json:"token_supply"`
	TokenID     string `json:"token_id,omitempty"`
}

func (h *HTTPHandler) RegisterProperty(w http.ResponseWriter, r *http.Request) {
	var req registerPropertyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	price, err := decimal.NewFromString(req.TokenPrice)
	if err != nil {
		http.Error(w, "Invalid token_price", http.StatusBadRequest)
		return
	}

	property, err := h.properties.RegisterProperty(r.Context(), usecases.RegisterPropertyInput{
		Name:        req.Name,
		Symbol:      req.Symbol,
		TokenPrice:  price,
		TokenSupply: req.TokenSupply,
		TokenID:     req.TokenID,
	})
	if err != nil {
		h.logger.Error("[Register Property] Error registering property", "error", err)
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(property)
}

func (h *HTTPHandler) GetProperty(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	propertyID, err := uuid.Parse(vars["propertyId"])
	if err != nil {
		http.Error(w, "Invalid property id", http.StatusBadRequest)
		return
	}

	property, err := h.properties.GetProperty(r.Context(), propertyID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(property)
}

func (h *HTTPHandler) ListProperties(w http.ResponseWriter, r *http.Request) {
	properties, err := h.properties.ListProperties(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(properties)
}

func (h *HTTPHandler) ListUnresolvedPayments(w http.ResponseWriter, r *http.Request) {
	filter := repository.UnresolvedFilter{
		Reason: r.URL.Query().Get("reason"),
		Memo:   r.URL.Query().Get("memo"),
	}

	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			http.Error(w, "Invalid since parameter, want RFC3339", http.StatusBadRequest)
			return
		}
		filter.Since = t
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.ParseUint(limit, 10, 32)
		if err != nil {
			http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	payments, err := h.payments.ListUnresolvedPayments(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payments)
}

func (h *HTTPHandler) TreasuryBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.ledger.AccountBalance(r.Context(), h.treasuryAccount)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to fetch treasury balance: %v", err), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(balance)
}

func (h *HTTPHandler) orderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	vars := mux.Vars(r)
	orderID, err := uuid.Parse(vars["orderId"])
	if err != nil {
		http.Error(w, "Invalid order id", http.StatusBadRequest)
		return uuid.Nil, false
	}

	return orderID, true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, entities.ErrOrderNotFound), errors.Is(err, entities.ErrPropertyNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, entities.ErrInsufficientSupply):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, entities.ErrOrderNotCancellable):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
