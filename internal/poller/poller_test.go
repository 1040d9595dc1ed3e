package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront/internal/model"
)

type stubFetcher struct {
	mu     sync.Mutex
	orders []model.Order
	err    error
	calls  int
}

func (f *stubFetcher) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.orders, f.err
}

func (f *stubFetcher) set(orders []model.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = orders
}

type stubSessions struct {
	mu   sync.Mutex
	sess *model.Session
}

func (s *stubSessions) Read(ctx context.Context) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess, nil
}

func (s *stubSessions) set(sess *model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = sess
}

type stubSink struct {
	mu     sync.Mutex
	events []*model.NotificationEvent
}

func (s *stubSink) Dispatch(ev *model.NotificationEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *stubSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *stubSink) last() *model.NotificationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	return s.events[len(s.events)-1]
}

func order(id string, status model.OrderStatus) model.Order {
	return model.Order{ID: id, UserID: "u1", Status: status}
}

func newTestPoller() (*Poller, *stubFetcher, *stubSessions, *stubSink) {
	fetcher := &stubFetcher{}
	sessions := &stubSessions{sess: &model.Session{UserID: "u1", Token: "tok"}}
	sink := &stubSink{}
	p := New(fetcher, sessions, sink, time.Hour)
	p.active = true // цикл не запускаем, тики зовём вручную
	return p, fetcher, sessions, sink
}

func TestPollerFirstTickBuildsBaselineSilently(t *testing.T) {
	p, fetcher, _, sink := newTestPoller()
	fetcher.set([]model.Order{order("o1", model.OrderStatusPending), order("o2", model.OrderStatusPacked)})

	p.tick(context.Background())

	assert.Equal(t, 0, sink.count(), "первое наблюдение — базовая линия, не уведомление")
	assert.Equal(t, 2, p.SnapshotCount())
}

func TestPollerReportsStatusTransition(t *testing.T) {
	p, fetcher, _, sink := newTestPoller()
	ctx := context.Background()

	fetcher.set([]model.Order{order("abcdef123456", model.OrderStatusPending)})
	p.tick(ctx)
	require.Equal(t, 0, sink.count())

	fetcher.set([]model.Order{order("abcdef123456", model.OrderStatusOutForDelivery)})
	p.tick(ctx)
	require.Equal(t, 1, sink.count())

	ev := sink.last()
	assert.Equal(t, model.SourcePoller, ev.Source)
	assert.Equal(t, model.KindOrderStatus, ev.Kind)
	assert.Equal(t, "abcdef123456", ev.OrderID)
	assert.Equal(t, model.OrderStatusOutForDelivery, ev.Status)
	assert.Contains(t, ev.Body, "abcdef12", "в теле — короткий id")

	// Без изменений — тишина
	p.tick(ctx)
	assert.Equal(t, 1, sink.count())
}

func TestPollerNewOrderIsBaselineNotEvent(t *testing.T) {
	p, fetcher, _, sink := newTestPoller()
	ctx := context.Background()

	fetcher.set([]model.Order{order("o1", model.OrderStatusPending)})
	p.tick(ctx)

	fetcher.set([]model.Order{order("o1", model.OrderStatusPending), order("o2", model.OrderStatusProcessing)})
	p.tick(ctx)
	assert.Equal(t, 0, sink.count())
	assert.Equal(t, 2, p.SnapshotCount())
}

func TestPollerSkipsWithoutSession(t *testing.T) {
	p, fetcher, sessions, sink := newTestPoller()
	sessions.set(nil)

	p.tick(context.Background())
	assert.Equal(t, 0, fetcher.calls)
	assert.Equal(t, 0, sink.count())
}

func TestPollerSwallowsFetchErrors(t *testing.T) {
	p, fetcher, _, sink := newTestPoller()
	fetcher.err = errors.New("backend down")

	p.tick(context.Background())
	assert.Equal(t, 0, sink.count())
	assert.Equal(t, 0, p.SnapshotCount())
}

func TestPollerResetsOnUserChange(t *testing.T) {
	p, fetcher, sessions, sink := newTestPoller()
	ctx := context.Background()

	fetcher.set([]model.Order{order("o1", model.OrderStatusPending)})
	p.tick(ctx)
	require.Equal(t, 1, p.SnapshotCount())

	// Новый пользователь: чужая база не должна породить «изменения»
	sessions.set(&model.Session{UserID: "u2", Token: "tok2"})
	fetcher.set([]model.Order{order("o1", model.OrderStatusDelivered)})
	p.tick(ctx)
	assert.Equal(t, 0, sink.count())
}

func TestPollerDiscardsResultAfterStop(t *testing.T) {
	p, fetcher, _, sink := newTestPoller()
	ctx := context.Background()

	fetcher.set([]model.Order{order("o1", model.OrderStatusPending)})
	p.tick(ctx)

	// Stop опередил возврат запроса
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()

	fetcher.set([]model.Order{order("o1", model.OrderStatusDelivered)})
	p.tick(ctx)
	assert.Equal(t, 0, sink.count())
}

func TestPollerStartStopLifecycle(t *testing.T) {
	fetcher := &stubFetcher{}
	sessions := &stubSessions{sess: &model.Session{UserID: "u1"}}
	sink := &stubSink{}
	p := New(fetcher, sessions, sink, 10*time.Millisecond)

	p.Start()
	p.Start() // повторный Start — no-op

	require.Eventually(t, func() bool {
		fetcher.mu.Lock()
		defer fetcher.mu.Unlock()
		return fetcher.calls > 0
	}, time.Second, 5*time.Millisecond)

	p.Stop()
	p.Stop() // идемпотентно
	assert.Equal(t, 0, p.SnapshotCount(), "Stop сбрасывает снапшоты")
}
