package handlers

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type WebSocketHandler struct {
	logger           *slog.Logger
	orderService     OrderService
	websocketManager *WebSocketManager
}

func NewWebSocketHandler(
	logger *slog.Logger,
	orderService OrderService,
	websocketManager *WebSocketManager,
) *WebSocketHandler {
	return &WebSocketHandler{
		logger:           logger,
		orderService:     orderService,
		websocketManager: websocketManager,
	}
}

func (h *WebSocketHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ws/orders/{orderId}", h.HandleConnection)
}

// HandleConnection streams status transitions for one order. The current
// status is sent immediately so clients never miss a change between the HTTP
// read and the subscription.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	orderID, err := uuid.Parse(vars["orderId"])
	if err != nil {
		http.Error(w, "Invalid order id", http.StatusBadRequest)
		return
	}

	order, err := h.orderService.GetOrder(r.Context(), orderID)
	if err != nil {
		http.Error(w, "Order not found", http.StatusNotFound)
		return
	}

	conn, err := h.websocketManager.Upgrade(w, r)
	if err != nil {
		h.logger.Error("Error upgrading connection", "error", err)
		return
	}

	h.logger.Info("New WebSocket connection", "order_id", orderID)

	h.websocketManager.Subscribe(orderID, conn)

	if err = conn.WriteJSON(orderStatusEvent{OrderID: orderID.String(), Status: string(order.Status)}); err != nil {
		h.logger.Error("Failed to send initial status", "order_id", orderID, "error", err)
		h.websocketManager.Unsubscribe(orderID, conn)
		conn.Close()
		return
	}

	// Keep connection open and handle disconnection.
	for {
		if _, _, readErr := conn.ReadMessage(); readErr != nil {
			h.logger.Info("WebSocket connection closed", "order_id", orderID, "error", readErr)
			h.websocketManager.Unsubscribe(orderID, conn)
			conn.Close()
			break
		}
	}
}
