package push

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/storefront/internal/model"
)

// Payload — то, что приходит в пуше от бэкенда.
type Payload struct {
	Kind    model.NotificationKind `json:"kind"`
	Title   string                 `json:"title"`
	Body    string                 `json:"body"`
	OrderID string                 `json:"order_id,omitempty"`
	Status  model.OrderStatus      `json:"status,omitempty"`
	Data    map[string]string      `json:"data,omitempty"`
}

// NavigationIntent — куда вести пользователя после тапа по пушу.
type NavigationIntent struct {
	Route  string
	Params map[string]string
}

// Sink — приёмник нормализованных событий (диспетчер).
type Sink interface {
	Dispatch(ev *model.NotificationEvent)
}

// Normalize превращает сырой пуш в NotificationEvent. Неизвестный kind
// трактуется как general, чтобы пуш не потерялся.
func Normalize(raw []byte) (*model.NotificationEvent, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("push payload: %w", err)
	}
	kind := p.Kind
	if !kind.Valid() {
		kind = model.KindGeneral
	}
	return &model.NotificationEvent{
		Source:    model.SourcePush,
		Kind:      kind,
		Title:     p.Title,
		Body:      p.Body,
		OrderID:   p.OrderID,
		Status:    p.Status,
		Data:      p.Data,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// HandleForeground — пуш при активном приложении: нормализуем и отдаём в
// диспетчер. Показывать UI отсюда нельзя — это работа планировщика.
func HandleForeground(raw []byte, sink Sink) error {
	ev, err := Normalize(raw)
	if err != nil {
		return err
	}
	sink.Dispatch(ev)
	return nil
}

// HandleLaunch — пользователь тапнул по пушу из фона: сперва событие проходит
// диспетчер, затем резолвится маршрут по виду уведомления.
func HandleLaunch(raw []byte, sink Sink) (*NavigationIntent, error) {
	ev, err := Normalize(raw)
	if err != nil {
		return nil, err
	}
	sink.Dispatch(ev)
	return resolveIntent(ev), nil
}

func resolveIntent(ev *model.NotificationEvent) *NavigationIntent {
	switch ev.Kind {
	case model.KindOrderStatus, model.KindDelivery:
		return &NavigationIntent{
			Route:  "/order-detail",
			Params: map[string]string{"order_id": ev.OrderID},
		}
	case model.KindPromotional:
		return &NavigationIntent{Route: "/offers"}
	default:
		return &NavigationIntent{Route: "/"}
	}
}
