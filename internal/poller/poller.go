// Package poller — резервный канал доставки: раз в интервал забирает заказы
// пользователя и сравнивает статусы с последним снапшотом. Ловит то, что
// потерялось в пуше или realtime-канале.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/storefront/internal/logger"
	"github.com/storefront/internal/model"
)

// DefaultInterval — период опроса исходной системы.
const DefaultInterval = 15 * time.Second

// OrderFetcher — списочный эндпоинт заказов (реализация — api.Client).
type OrderFetcher interface {
	ListOrders(ctx context.Context, userID string) ([]model.Order, error)
}

// SessionSource отвечает «кто сейчас слушает». nil-сессия — тик пропускается.
type SessionSource interface {
	Read(ctx context.Context) (*model.Session, error)
}

// Sink принимает события смены статуса (реализация — dispatch.Dispatcher).
type Sink interface {
	Dispatch(ev *model.NotificationEvent)
}

// Poller владеет картой снапшотов единолично: никто другой её не читает и
// не пишет. Stop сбрасывает карту — после рестарта первый тик лишь строит
// базовую линию и ничего не репортит.
type Poller struct {
	interval time.Duration
	fetcher  OrderFetcher
	sessions SessionSource
	sink     Sink

	mu         sync.Mutex
	snapshots  map[string]model.OrderStatusSnapshot
	lastUserID string
	active     bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	now        func() time.Time
}

func New(fetcher OrderFetcher, sessions SessionSource, sink Sink, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		interval:  interval,
		fetcher:   fetcher,
		sessions:  sessions,
		sink:      sink,
		snapshots: make(map[string]model.OrderStatusSnapshot),
		now:       time.Now,
	}
}

// Start запускает цикл опроса. Повторный Start при работающем поллере — no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.active = true
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx)
	logger.Infof("poller started interval=%s", p.interval)
}

// Stop немедленно гасит таймер, дожидается выхода цикла и сбрасывает снапшоты.
// Ответ запроса, прилетевший после Stop, отбрасывается по флагу active.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	p.mu.Lock()
	p.snapshots = make(map[string]model.OrderStatusSnapshot)
	p.lastUserID = ""
	p.mu.Unlock()
	logger.Info("poller stopped")
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick — один проход: сессия → заказы → диф статусов. Любая сетевая ошибка
// глотается с логом: следующий тик попробует снова, цикл не умирает никогда.
func (p *Poller) tick(ctx context.Context) {
	sess, err := p.sessions.Read(ctx)
	if err != nil || sess == nil || sess.UserID == "" {
		return
	}

	p.resetIfUserChanged(sess.UserID)

	fetchCtx, cancel := context.WithTimeout(ctx, p.interval)
	orders, err := p.fetcher.ListOrders(fetchCtx, sess.UserID)
	cancel()
	if err != nil {
		logger.Debugf("poller fetch user=%s: %v", sess.UserID, err)
		return
	}

	p.mu.Lock()
	if !p.active {
		// Stop успел раньше, чем вернулся запрос — событие в снесённый
		// диспетчер не отправляем.
		p.mu.Unlock()
		return
	}
	var changed []model.Order
	now := p.now()
	for _, o := range orders {
		prev, seen := p.snapshots[o.ID]
		p.snapshots[o.ID] = model.OrderStatusSnapshot{
			OrderID:         o.ID,
			LastKnownStatus: o.Status,
			ObservedAt:      now,
		}
		if !seen {
			// Первое наблюдение — базовая линия, не уведомление: статус
			// пользователь уже видел в списке заказов.
			continue
		}
		if prev.LastKnownStatus != o.Status {
			changed = append(changed, o)
		}
	}
	p.mu.Unlock()

	for _, o := range changed {
		p.sink.Dispatch(&model.NotificationEvent{
			Source:    model.SourcePoller,
			Kind:      model.KindOrderStatus,
			Title:     fmt.Sprintf("Order %s", o.Status),
			Body:      fmt.Sprintf("Your order #%s is now %s", shortID(o.ID), o.Status),
			OrderID:   o.ID,
			Status:    o.Status,
			CreatedAt: now,
		})
	}
}

// resetIfUserChanged сбрасывает снапшоты при смене пользователя: чужая база
// не должна породить «изменения» для нового.
func (p *Poller) resetIfUserChanged(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastUserID != "" && p.lastUserID != userID {
		p.snapshots = make(map[string]model.OrderStatusSnapshot)
	}
	p.lastUserID = userID
}

// SnapshotCount — размер базы (для логов и тестов).
func (p *Poller) SnapshotCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snapshots)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
