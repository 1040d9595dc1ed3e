// Package notifctx — процессный контекст уведомлений: владеет realtime-каналом,
// пуш-регистрацией, поллером и диспетчером, поднимает их на init и гасит на
// teardown. Замена модульного синглтона сокета из исходного клиента.
package notifctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/storefront/internal/api"
	"github.com/storefront/internal/dispatch"
	"github.com/storefront/internal/logger"
	"github.com/storefront/internal/model"
	"github.com/storefront/internal/notify"
	"github.com/storefront/internal/poller"
	"github.com/storefront/internal/push"
	"github.com/storefront/internal/realtime"
	"github.com/storefront/internal/session"
)

// ErrTokenExpired — восстановленная сессия просрочена; каналы доставки не
// поднимаются, нужен повторный вход.
var ErrTokenExpired = errors.New("notifctx: session token expired")

// Deps — собранные в main зависимости контекста.
type Deps struct {
	Sessions  *session.Store
	API       *api.Client
	Realtime  *realtime.Manager
	Registrar *push.Registrar
	Scheduler *notify.Scheduler
}

// Context — единая точка входа для UI и коллабораторов.
type Context struct {
	sessions  *session.Store
	apiClient *api.Client
	rt        *realtime.Manager
	registrar *push.Registrar
	sched     *notify.Scheduler
	disp      *dispatch.Dispatcher
	poll      *poller.Poller

	mu          sync.Mutex
	initialized bool
	userID      string
}

// New собирает контекст. Диспетчер и поллер конструируются здесь: они не
// имеют смысла вне этого объекта.
func New(d Deps, pollInterval, dedupWindow time.Duration) *Context {
	disp := dispatch.New(d.Scheduler, dedupWindow)
	c := &Context{
		sessions:  d.Sessions,
		apiClient: d.API,
		rt:        d.Realtime,
		registrar: d.Registrar,
		sched:     d.Scheduler,
		disp:      disp,
	}
	c.poll = poller.New(d.API, d.Sessions, disp, pollInterval)
	return c
}

// InitializeNotifications поднимает все три канала доставки для пользователя.
// Повторный вызов для того же пользователя — no-op. Отказ пуш-пути не мешает
// realtime и поллеру; отказ разрешения возвращается наверх для показа.
func (c *Context) InitializeNotifications(ctx context.Context, userID string) error {
	defer logger.DeferLogDuration("notifctx.Initialize", time.Now())()
	c.mu.Lock()
	if c.initialized && c.userID == userID {
		c.mu.Unlock()
		return nil
	}
	if c.initialized {
		// Смена пользователя — старая подписка не должна пережить сессию.
		c.mu.Unlock()
		c.Teardown()
		c.mu.Lock()
	}
	c.userID = userID
	c.initialized = true
	c.mu.Unlock()

	sess, err := c.sessions.Read(ctx)
	if err != nil {
		return err
	}
	token := ""
	if sess != nil {
		token = sess.Token
		if session.TokenExpired(token, time.Now()) {
			c.mu.Lock()
			c.initialized = false
			c.mu.Unlock()
			return ErrTokenExpired
		}
	}
	c.apiClient.SetToken(token)

	// Настройки пользователя — до первого события.
	c.disp.SetPreferences(c.sessions.LoadPreferences(ctx))

	// Realtime: подключение, персональная комната, обработчики один раз.
	if err := c.rt.Connect(ctx, token); err != nil {
		logger.Errorf("notifctx: realtime connect: %v (deliveries degrade to poll)", err)
	} else {
		c.registrar.RecordChannel(token)
	}
	c.rt.JoinRoom("user:" + userID)
	c.registerHandlers()

	// Поллер — вторая линия, работает всегда.
	c.poll.Start()

	// Платформенный пуш: отказ в разрешении отдаём наверх, остальное — тихо.
	if _, err := c.registrar.Register(ctx, userID); err != nil {
		if errors.Is(err, push.ErrPermissionDenied) {
			return err
		}
		logger.Errorf("notifctx: push registration: %v (degraded delivery)", err)
	}
	return nil
}

// registerHandlers вешает обработчики трёх событий канала. Manager хранит
// таблицу отдельно от соединения, поэтому регистрация ровно одна на init —
// переподключение её не дублирует.
func (c *Context) registerHandlers() {
	c.rt.On(realtime.EventOrderStatusUpdate, func(raw json.RawMessage) {
		var p realtime.OrderStatusPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			logger.Errorf("notifctx: order_status_update payload: %v", err)
			return
		}
		c.disp.Dispatch(&model.NotificationEvent{
			Source:    model.SourceRealtime,
			Kind:      model.KindOrderStatus,
			Title:     fmt.Sprintf("Order %s", p.Status),
			Body:      fmt.Sprintf("Your order #%s is now %s", shortID(p.OrderID), p.Status),
			OrderID:   p.OrderID,
			Status:    model.OrderStatus(p.Status),
			CreatedAt: time.Now().UTC(),
		})
	})
	c.rt.On(realtime.EventOrderPlaced, func(raw json.RawMessage) {
		var p realtime.OrderStatusPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			logger.Errorf("notifctx: order_placed payload: %v", err)
			return
		}
		c.disp.Dispatch(&model.NotificationEvent{
			Source:    model.SourceRealtime,
			Kind:      model.KindOrderStatus,
			Title:     "Order Placed",
			Body:      fmt.Sprintf("Your order #%s has been placed successfully!", shortID(p.OrderID)),
			OrderID:   p.OrderID,
			Status:    model.OrderStatus(p.Status),
			CreatedAt: time.Now().UTC(),
		})
	})
	c.rt.On(realtime.EventTest, func(raw json.RawMessage) {
		var p realtime.TestPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			logger.Errorf("notifctx: test_event payload: %v", err)
			return
		}
		c.disp.Dispatch(&model.NotificationEvent{
			Source:    model.SourceRealtime,
			Kind:      model.KindGeneral,
			Title:     p.Title,
			Body:      p.Body,
			CreatedAt: time.Now().UTC(),
		})
	})
}

// RequestPermission — явный запрос разрешения из настроек.
func (c *Context) RequestPermission(ctx context.Context) (bool, error) {
	return c.registrar.RequestPermission(ctx)
}

// SendTestNotification показывает локальный баннер и просит бэкенд прислать
// тестовый пуш. Ошибка теста — одна из двух, которые видит пользователь.
func (c *Context) SendTestNotification(ctx context.Context) error {
	c.disp.Dispatch(&model.NotificationEvent{
		Source:    model.SourceLocal,
		Kind:      model.KindGeneral,
		Title:     "Test Banner Notification",
		Body:      "This should appear as a banner at the top!",
		CreatedAt: time.Now().UTC(),
	})
	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()
	if userID == "" {
		return errors.New("notifctx: not initialized")
	}
	return c.apiClient.SendTestNotification(ctx, userID, "Test Backend Notification", "This is a test notification from the backend!")
}

// SendOrderNotification — типизированная обёртка для UI: событие о смене
// статуса заказа в диспетчер.
func (c *Context) SendOrderNotification(orderID string, status model.OrderStatus) {
	c.disp.Dispatch(&model.NotificationEvent{
		Source:    model.SourceLocal,
		Kind:      model.KindOrderStatus,
		Title:     fmt.Sprintf("Order %s", status),
		Body:      fmt.Sprintf("Your order #%s has been %s", shortID(orderID), status),
		OrderID:   orderID,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	})
}

// SendPromotionalNotification — промо-событие в диспетчер.
func (c *Context) SendPromotionalNotification(title, body string, data map[string]string) {
	c.disp.Dispatch(&model.NotificationEvent{
		Source:    model.SourceLocal,
		Kind:      model.KindPromotional,
		Title:     title,
		Body:      body,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	})
}

// SendDeliveryNotification — событие о доставке в диспетчер.
func (c *Context) SendDeliveryNotification(orderID, message string) {
	c.disp.Dispatch(&model.NotificationEvent{
		Source:    model.SourceLocal,
		Kind:      model.KindDelivery,
		Title:     "Delivery Update",
		Body:      message,
		OrderID:   orderID,
		CreatedAt: time.Now().UTC(),
	})
}

// HandlePushForeground — входная точка для пуша при активном приложении.
func (c *Context) HandlePushForeground(raw []byte) error {
	return push.HandleForeground(raw, c.disp)
}

// HandlePushLaunch — тап по пушу из фона: событие через диспетчер, затем маршрут.
func (c *Context) HandlePushLaunch(raw []byte) (*push.NavigationIntent, error) {
	return push.HandleLaunch(raw, c.disp)
}

// SetPreferences применяет и сохраняет настройки уведомлений.
func (c *Context) SetPreferences(ctx context.Context, prefs []model.NotificationPreference) error {
	c.disp.SetPreferences(prefs)
	return c.sessions.SavePreferences(ctx, prefs)
}

// ClearBadge сбрасывает счётчик на значке.
func (c *Context) ClearBadge() { c.sched.ClearBadge() }

// BadgeCount — текущий счётчик.
func (c *Context) BadgeCount() int { return c.sched.BadgeCount() }

// Teardown гасит каналы доставки: поллер, realtime (с очисткой обработчиков),
// пуш-регистрацию. Контекст можно инициализировать заново.
func (c *Context) Teardown() {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	c.initialized = false
	c.userID = ""
	c.mu.Unlock()

	c.poll.Stop()
	c.rt.Disconnect()
	c.registrar.Reset()
	logger.Info("notifctx: torn down")
}

// Logout — teardown плюс уничтожение сессии в обоих слотах.
func (c *Context) Logout(ctx context.Context) {
	c.Teardown()
	c.sessions.Clear(ctx)
	c.apiClient.SetToken("")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
