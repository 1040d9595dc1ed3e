// Package dispatch — единая воронка уведомлений. Все три канала доставки
// (realtime, платформенный пуш, поллер) сходятся сюда; только диспетчер
// имеет право звать планировщик показа.
package dispatch

import (
	"sync"
	"time"

	"github.com/storefront/internal/logger"
	"github.com/storefront/internal/model"
)

// DefaultDedupWindow — окно подавления дублей. Realtime и поллер могут увидеть
// одну смену статуса с разбегом в секунды; минуты хватает с запасом.
const DefaultDedupWindow = 60 * time.Second

// Scheduler показывает уведомление пользователю. Реализация — notify.Scheduler.
type Scheduler interface {
	Schedule(ev *model.NotificationEvent) error
}

// Dispatcher сериализует события, фильтрует по настройкам и давит дубли.
// Состояния кроме скользящего дедуп-кеша нет.
type Dispatcher struct {
	mu     sync.Mutex
	sched  Scheduler
	prefs  map[model.NotificationKind]bool
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

func New(sched Scheduler, window time.Duration) *Dispatcher {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	prefs := make(map[model.NotificationKind]bool)
	for _, p := range model.DefaultPreferences() {
		prefs[p.Kind] = p.Enabled
	}
	return &Dispatcher{
		sched:  sched,
		prefs:  prefs,
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// SetPreferences применяет настройки пользователя (грузятся из session.Store).
func (d *Dispatcher) SetPreferences(prefs []model.NotificationPreference) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range prefs {
		if p.Kind.Valid() {
			d.prefs[p.Kind] = p.Enabled
		}
	}
}

// Dispatch обрабатывает событие в порядке прихода: настройки → дедуп → показ.
// Отключённый вид и дубль внутри окна отбрасываются молча. Показ идёт под
// замком: два одновременных источника не могут обогнать друг друга.
func (d *Dispatcher) Dispatch(ev *model.NotificationEvent) {
	if ev == nil || !ev.Kind.Valid() {
		return
	}
	key := ev.DedupKey()

	d.mu.Lock()
	defer d.mu.Unlock()
	if enabled, ok := d.prefs[ev.Kind]; ok && !enabled {
		logger.Debugf("dispatch: kind %s disabled, dropping %s", ev.Kind, key)
		return
	}

	now := d.now()
	d.purgeLocked(now)
	if seenAt, ok := d.seen[key]; ok && now.Sub(seenAt) < d.window {
		logger.Debugf("dispatch: duplicate %s from %s, dropping", key, ev.Source)
		return
	}
	d.seen[key] = now

	if err := d.sched.Schedule(ev); err != nil {
		logger.Errorf("dispatch: schedule %s: %v", key, err)
	}
}

// purgeLocked лениво выбрасывает ключи старше окна. Отдельного таймера нет:
// чистка идёт на каждом Dispatch.
func (d *Dispatcher) purgeLocked(now time.Time) {
	for k, t := range d.seen {
		if now.Sub(t) >= d.window {
			delete(d.seen, k)
		}
	}
}
