package realtime

import "encoding/json"

// EventType — закрытый набор событий канала. Обработчики подписываются на
// константы, а не на произвольные строки.
type EventType string

const (
	EventOrderStatusUpdate EventType = "order_status_update"
	EventOrderPlaced       EventType = "order_placed"
	EventTest              EventType = "test_event"

	// Служебные кадры клиента: подписка на логическую комнату.
	frameJoin  EventType = "join"
	frameLeave EventType = "leave"
)

// Frame — кадр протокола в обе стороны: {type, room?, payload?}.
type Frame struct {
	Type    EventType       `json:"type"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OrderStatusPayload — полезная нагрузка order_status_update и order_placed.
type OrderStatusPayload struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	UserID  string `json:"user_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// TestPayload — полезная нагрузка test_event.
type TestPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}
