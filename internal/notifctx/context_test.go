package notifctx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront/internal/api"
	"github.com/storefront/internal/model"
	"github.com/storefront/internal/notify"
	"github.com/storefront/internal/push"
	"github.com/storefront/internal/realtime"
	"github.com/storefront/internal/session"
	"github.com/storefront/internal/storage"
	"github.com/storefront/internal/storage/memory"
)

type capturePresenter struct {
	mu    sync.Mutex
	shown []notify.Notification
}

func (p *capturePresenter) Present(n notify.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shown = append(p.shown, n)
	return nil
}

func (p *capturePresenter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.shown)
}

// wsEcho — сервер канала для интеграционного теста фасада.
type wsEcho struct {
	ts *httptest.Server

	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSEcho(t *testing.T) *wsEcho {
	e := &wsEcho{}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	e.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		e.mu.Lock()
		e.conn = conn
		e.mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(e.ts.Close)
	return e
}

func (e *wsEcho) url() string { return "ws" + strings.TrimPrefix(e.ts.URL, "http") }

func (e *wsEcho) emit(t *testing.T, f realtime.Frame) {
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.conn != nil
	}, 2*time.Second, 10*time.Millisecond)
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NoError(t, e.conn.WriteJSON(f))
}

func newSessionStore(t *testing.T) *session.Store {
	kv, err := storage.NewReplicated(memory.New(), memory.New())
	require.NoError(t, err)
	return session.NewStore(kv)
}

func liveToken(t *testing.T) string {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	return tok
}

func newTestContext(t *testing.T, socketURL string) (*Context, *capturePresenter, *session.Store) {
	sessions := newSessionStore(t)
	presenter := &capturePresenter{}
	sched := notify.NewScheduler(presenter)
	registrar := push.NewRegistrar(push.AutoGrantGate{}, push.SubscriptionSource{}, api.NewClient(""))
	c := New(Deps{
		Sessions:  sessions,
		API:       api.NewClient(""),
		Realtime:  realtime.NewManager(socketURL),
		Registrar: registrar,
		Scheduler: sched,
	}, time.Hour, time.Minute)
	t.Cleanup(c.Teardown)
	return c, presenter, sessions
}

func TestInitializeDeliversRealtimeEvent(t *testing.T) {
	srv := newWSEcho(t)
	c, presenter, sessions := newTestContext(t, srv.url())
	ctx := context.Background()

	require.NoError(t, sessions.Write(ctx, &model.Session{UserID: "u1", Token: liveToken(t)}))
	require.NoError(t, c.InitializeNotifications(ctx, "u1"))

	payload, _ := json.Marshal(realtime.OrderStatusPayload{OrderID: "order-123456", Status: "packed"})
	srv.emit(t, realtime.Frame{Type: realtime.EventOrderStatusUpdate, Payload: payload})

	require.Eventually(t, func() bool { return presenter.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	presenter.mu.Lock()
	n := presenter.shown[0]
	presenter.mu.Unlock()
	assert.Equal(t, "Order packed", n.Title)
	assert.Contains(t, n.Body, "order-12")
	assert.Equal(t, 1, c.BadgeCount())
}

func TestInitializeRecordsChannelRegistration(t *testing.T) {
	srv := newWSEcho(t)
	sessions := newSessionStore(t)
	registrar := push.NewRegistrar(push.AutoGrantGate{}, push.SubscriptionSource{}, api.NewClient(""))
	c := New(Deps{
		Sessions:  sessions,
		API:       api.NewClient(""),
		Realtime:  realtime.NewManager(srv.url()),
		Registrar: registrar,
		Scheduler: notify.NewScheduler(&capturePresenter{}),
	}, time.Hour, time.Minute)
	t.Cleanup(c.Teardown)
	ctx := context.Background()

	token := liveToken(t)
	require.NoError(t, sessions.Write(ctx, &model.Session{UserID: "u1", Token: token}))
	require.NoError(t, c.InitializeNotifications(ctx, "u1"))

	reg := registrar.Registration(model.ProviderRealtimeChannel)
	require.NotNil(t, reg, "подключённый канал должен быть зарегистрирован")
	assert.Equal(t, token, reg.Token)

	// Teardown инвалидирует регистрацию вместе с сессией
	c.Teardown()
	assert.Nil(t, registrar.Registration(model.ProviderRealtimeChannel))
}

func TestInitializeIsIdempotentPerUser(t *testing.T) {
	srv := newWSEcho(t)
	c, presenter, sessions := newTestContext(t, srv.url())
	ctx := context.Background()

	require.NoError(t, sessions.Write(ctx, &model.Session{UserID: "u1", Token: liveToken(t)}))
	require.NoError(t, c.InitializeNotifications(ctx, "u1"))
	require.NoError(t, c.InitializeNotifications(ctx, "u1"))

	// Повторный init не задублировал обработчики: одно событие — один показ
	payload, _ := json.Marshal(realtime.TestPayload{Title: "hi", Body: "there"})
	srv.emit(t, realtime.Frame{Type: realtime.EventTest, Payload: payload})

	require.Eventually(t, func() bool { return presenter.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, presenter.count())
}

func TestInitializeRejectsExpiredToken(t *testing.T) {
	c, _, sessions := newTestContext(t, "ws://127.0.0.1:1/ws")
	ctx := context.Background()

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	require.NoError(t, sessions.Write(ctx, &model.Session{UserID: "u1", Token: expired}))

	err = c.InitializeNotifications(ctx, "u1")
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestInitializeSurvivesDeadSocket(t *testing.T) {
	// Realtime недоступен — init всё равно проходит (поллер остаётся)
	c, _, sessions := newTestContext(t, "ws://127.0.0.1:1/ws")
	ctx := context.Background()

	require.NoError(t, sessions.Write(ctx, &model.Session{UserID: "u1", Token: liveToken(t)}))
	assert.NoError(t, c.InitializeNotifications(ctx, "u1"))
}

func TestLocalSendersRespectPreferences(t *testing.T) {
	c, presenter, _ := newTestContext(t, "ws://127.0.0.1:1/ws")
	ctx := context.Background()

	require.NoError(t, c.SetPreferences(ctx, []model.NotificationPreference{
		{Kind: model.KindPromotional, Enabled: false},
	}))

	c.SendPromotionalNotification("Sale", "50% off", nil)
	c.SendOrderNotification("o1", model.OrderStatusDelivered)
	c.SendDeliveryNotification("o1", "Courier is nearby")

	assert.Equal(t, 2, presenter.count(), "отключённое промо не показывается")
}

func TestHandlePushLaunchNavigates(t *testing.T) {
	c, presenter, _ := newTestContext(t, "ws://127.0.0.1:1/ws")

	raw := []byte(`{"kind":"order_status","title":"Order delivered","order_id":"o9","status":"delivered"}`)
	intent, err := c.HandlePushLaunch(raw)
	require.NoError(t, err)
	assert.Equal(t, "/order-detail", intent.Route)
	assert.Equal(t, "o9", intent.Params["order_id"])
	assert.Equal(t, 1, presenter.count())
}

func TestPushAndLocalDeduplicate(t *testing.T) {
	c, presenter, _ := newTestContext(t, "ws://127.0.0.1:1/ws")

	// Один и тот же переход статуса пушем и локальной обёрткой
	raw := []byte(`{"kind":"order_status","order_id":"o1","status":"packed"}`)
	require.NoError(t, c.HandlePushForeground(raw))
	c.SendOrderNotification("o1", model.OrderStatusPacked)

	assert.Equal(t, 1, presenter.count())
}

func TestLogoutClearsSessionAndAllowsReinit(t *testing.T) {
	srv := newWSEcho(t)
	c, _, sessions := newTestContext(t, srv.url())
	ctx := context.Background()

	require.NoError(t, sessions.Write(ctx, &model.Session{UserID: "u1", Token: liveToken(t)}))
	require.NoError(t, c.InitializeNotifications(ctx, "u1"))

	c.Logout(ctx)

	sess, err := sessions.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)

	// Контекст можно поднять заново после logout
	require.NoError(t, sessions.Write(ctx, &model.Session{UserID: "u2", Token: liveToken(t)}))
	assert.NoError(t, c.InitializeNotifications(ctx, "u2"))
}

func TestSendTestNotificationShowsLocalBanner(t *testing.T) {
	c, presenter, sessions := newTestContext(t, "ws://127.0.0.1:1/ws")
	ctx := context.Background()

	require.NoError(t, sessions.Write(ctx, &model.Session{UserID: "u1", Token: liveToken(t)}))
	require.NoError(t, c.InitializeNotifications(ctx, "u1"))

	require.NoError(t, c.SendTestNotification(ctx))
	assert.Equal(t, 1, presenter.count())
}
