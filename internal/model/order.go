package model

import "time"

// OrderStatus — статусы заказа, которые присылает бэкенд.
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusPacked         OrderStatus = "packed"
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

// Order — заказ из списочного эндпоинта бэкенда. Поллер читает только ID и Status.
type Order struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	Status    OrderStatus `json:"status"`
	Total     string      `json:"total,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// OrderStatusSnapshot — последний известный статус заказа. Карта снапшотов
// принадлежит только поллеру и сбрасывается при смене сессии.
type OrderStatusSnapshot struct {
	OrderID         string      `json:"order_id"`
	LastKnownStatus OrderStatus `json:"last_known_status"`
	ObservedAt      time.Time   `json:"observed_at"`
}
