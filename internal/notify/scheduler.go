// Package notify — локальный планировщик показа: превращает событие из
// диспетчера в видимое уведомление и ведёт счётчик на значке приложения.
package notify

import (
	"sync"

	"github.com/storefront/internal/logger"
	"github.com/storefront/internal/model"
)

// Channel — канал показа платформы. Заказы и доставка идут в high, чтобы
// баннер всплывал поверх; промо и общие — в default.
type Channel string

const (
	ChannelHigh    Channel = "high"
	ChannelDefault Channel = "default"
)

// Notification — то, что уходит в платформенный показ.
type Notification struct {
	Title   string
	Body    string
	Channel Channel
	Data    map[string]string
}

// Presenter — платформенный шов: реальный показ баннера зависит от среды
// (десктоп, веб, headless-агент). LogPresenter — дефолт для агента.
type Presenter interface {
	Present(n Notification) error
}

// Scheduler — единственный компонент, который показывает уведомления.
// Бейдж растёт на каждом успешном показе и сбрасывается только явно.
type Scheduler struct {
	presenter Presenter

	mu    sync.Mutex
	badge int
}

func NewScheduler(p Presenter) *Scheduler {
	if p == nil {
		p = LogPresenter{}
	}
	return &Scheduler{presenter: p}
}

// channelFor — high для order_status/delivery, default для остальных.
func channelFor(kind model.NotificationKind) Channel {
	switch kind {
	case model.KindOrderStatus, model.KindDelivery:
		return ChannelHigh
	default:
		return ChannelDefault
	}
}

// Schedule показывает событие. Бейдж инкрементируется только при успехе.
func (s *Scheduler) Schedule(ev *model.NotificationEvent) error {
	data := make(map[string]string, len(ev.Data)+3)
	for k, v := range ev.Data {
		data[k] = v
	}
	data["kind"] = string(ev.Kind)
	if ev.OrderID != "" {
		data["order_id"] = ev.OrderID
	}
	if ev.Status != "" {
		data["status"] = string(ev.Status)
	}

	n := Notification{
		Title:   ev.Title,
		Body:    ev.Body,
		Channel: channelFor(ev.Kind),
		Data:    data,
	}
	if err := s.presenter.Present(n); err != nil {
		return err
	}
	s.IncrementBadge()
	return nil
}

// IncrementBadge увеличивает счётчик непрочитанного.
func (s *Scheduler) IncrementBadge() {
	s.mu.Lock()
	s.badge++
	s.mu.Unlock()
}

// ClearBadge сбрасывает счётчик (пользователь открыл центр уведомлений).
func (s *Scheduler) ClearBadge() {
	s.mu.Lock()
	s.badge = 0
	s.mu.Unlock()
}

// BadgeCount — текущее значение. Не переживает перезапуск процесса: после
// рестарта бейдж — то, что последним выставила платформа.
func (s *Scheduler) BadgeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.badge
}

// LogPresenter пишет уведомление в лог. Показ для headless-агента.
type LogPresenter struct{}

func (LogPresenter) Present(n Notification) error {
	logger.Infof("notification [%s] %s — %s", n.Channel, n.Title, n.Body)
	return nil
}
