package handlers

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quayside/tokenized-estate/backend/internal/core/ports"
	"github.com/quayside/tokenized-estate/backend/internal/entities"
)

// WebSocketManager tracks order-status subscribers and pushes transitions to
// them. It implements ports.OrderNotifier so the settlement pipeline can stay
// ignorant of transports.
type WebSocketManager struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[*websocket.Conn]bool
}

func NewWebSocketManager(logger *slog.Logger) *WebSocketManager {
	return &WebSocketManager{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subscribers: make(map[uuid.UUID]map[*websocket.Conn]bool),
	}
}

var _ ports.OrderNotifier = (*WebSocketManager)(nil)

func (m *WebSocketManager) Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return m.upgrader.Upgrade(w, r, nil)
}

func (m *WebSocketManager) Subscribe(orderID uuid.UUID, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subscribers[orderID] == nil {
		m.subscribers[orderID] = make(map[*websocket.Conn]bool)
	}
	m.subscribers[orderID][conn] = true
}

func (m *WebSocketManager) Unsubscribe(orderID uuid.UUID, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.subscribers[orderID], conn)
	if len(m.subscribers[orderID]) == 0 {
		delete(m.subscribers, orderID)
	}
}

type orderStatusEvent struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// NotifyOrder pushes a status change to every subscriber of the order.
// Delivery is best effort; a broken connection is dropped.
func (m *WebSocketManager) NotifyOrder(orderID uuid.UUID, status entities.OrderStatus) {
	m.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(m.subscribers[orderID]))
	for conn := range m.subscribers[orderID] {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	event := orderStatusEvent{OrderID: orderID.String(), Status: string(status)}

	for _, conn := range conns {
		if err := conn.WriteJSON(event); err != nil {
			m.logger.Error("Failed to push order status, dropping subscriber",
				"order_id", orderID, "error", err)
			conn.Close()
			m.Unsubscribe(orderID, conn)
		}
	}
}
