// Package realtime — клиент постоянного WebSocket-канала к бэкенду.
// Одно соединение на процесс; Connect идемпотентен, обработчики и комнаты
// переживают переподключение без повторной регистрации.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/storefront/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	dialTimeout    = 10 * time.Second
)

// Handler получает сырую полезную нагрузку события. Вызывается из горутины
// чтения; долгую работу обработчик обязан уносить к себе.
type Handler func(payload json.RawMessage)

// HandlerID возвращается из On и передаётся в Off. Функции в Go не сравнимы,
// поэтому отписка идёт по идентификатору, а не по значению обработчика.
type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	fn Handler
}

// Manager владеет единственным соединением. Таблица обработчиков и набор
// комнат живут отдельно от соединения: Connect после обрыва восстанавливает
// подписки сам, не дублируя регистрации.
type Manager struct {
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	handlers  map[EventType][]handlerEntry
	rooms     map[string]struct{}
	nextID    HandlerID
	readGen   uint64 // поколение соединения: пампы старого conn игнорируются
	connected bool
}

func NewManager(url string) *Manager {
	return &Manager{
		url:      url,
		handlers: make(map[EventType][]handlerEntry),
		rooms:    make(map[string]struct{}),
	}
}

// Connect открывает соединение, если его ещё нет. Идемпотентен: живое
// соединение возвращается как есть. После подключения заново входит во все
// комнаты из набора.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := dialer.DialContext(ctx, m.url, header)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.connected {
		// Параллельный Connect успел раньше — лишнее соединение закрываем.
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.conn = conn
	m.connected = true
	m.readGen++
	gen := m.readGen
	rooms := make([]string, 0, len(m.rooms))
	for r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	go m.readPump(conn, gen)
	go m.pingLoop(conn, gen)

	for _, r := range rooms {
		if err := m.writeFrame(conn, Frame{Type: frameJoin, Room: r}); err != nil {
			logger.Errorf("realtime rejoin %s: %v", r, err)
		}
	}
	logger.Infof("realtime connected url=%s rooms=%d", m.url, len(rooms))
	return nil
}

// Connected — текущее состояние. Только «подключён/не подключён», без деталей.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// JoinRoom добавляет комнату в набор и, если соединение живо, шлёт join-кадр.
// Без соединения — no-op, кроме запоминания: Connect войдёт в комнату сам.
func (m *Manager) JoinRoom(name string) {
	m.mu.Lock()
	m.rooms[name] = struct{}{}
	conn, live := m.conn, m.connected
	m.mu.Unlock()
	if !live {
		return
	}
	if err := m.writeFrame(conn, Frame{Type: frameJoin, Room: name}); err != nil {
		logger.Errorf("realtime join %s: %v", name, err)
	}
}

// LeaveRoom убирает комнату из набора и шлёт leave-кадр, если подключены.
func (m *Manager) LeaveRoom(name string) {
	m.mu.Lock()
	delete(m.rooms, name)
	conn, live := m.conn, m.connected
	m.mu.Unlock()
	if !live {
		return
	}
	if err := m.writeFrame(conn, Frame{Type: frameLeave, Room: name}); err != nil {
		logger.Errorf("realtime leave %s: %v", name, err)
	}
}

// On регистрирует обработчик события. Несколько обработчиков на событие —
// нормально; порядок вызова соответствует порядку регистрации.
func (m *Manager) On(ev EventType, h Handler) HandlerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.handlers[ev] = append(m.handlers[ev], handlerEntry{id: id, fn: h})
	return id
}

// Off снимает обработчик по идентификатору. Неизвестный id — no-op.
func (m *Manager) Off(ev EventType, id HandlerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.handlers[ev]
	for i, e := range entries {
		if e.id == id {
			m.handlers[ev] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// Disconnect рвёт соединение и чистит таблицу обработчиков и комнаты, чтобы
// события не летели в умершую сессию. Следующий Connect начинает с чистого листа.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.connected = false
	m.readGen++
	m.handlers = make(map[EventType][]handlerEntry)
	m.rooms = make(map[string]struct{})
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		conn.Close()
	}
}

func (m *Manager) writeFrame(conn *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readPump читает кадры и раздаёт их обработчикам. Выход по ошибке чтения
// переводит менеджер в состояние «не подключён»; переподключение — забота
// вызывающего кода через повторный Connect.
func (m *Manager) readPump(conn *websocket.Conn, gen uint64) {
	defer m.dropConn(conn, gen)

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("realtime read: %v", err)
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			logger.Errorf("realtime unmarshal: %v", err)
			continue
		}
		m.dispatch(f)
	}
}

// dispatch снимает срез обработчиков под замком и вызывает их вне замка.
func (m *Manager) dispatch(f Frame) {
	m.mu.Lock()
	entries := make([]handlerEntry, len(m.handlers[f.Type]))
	copy(entries, m.handlers[f.Type])
	m.mu.Unlock()

	for _, e := range entries {
		e.fn(f.Payload)
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		stale := m.readGen != gen
		m.mu.Unlock()
		if stale {
			return
		}
		m.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		m.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// dropConn закрывает соединение и сбрасывает состояние, если оно всё ещё
// относится к этому поколению (Disconnect мог опередить).
func (m *Manager) dropConn(conn *websocket.Conn, gen uint64) {
	conn.Close()
	m.mu.Lock()
	if m.readGen == gen && m.conn == conn {
		m.conn = nil
		m.connected = false
	}
	m.mu.Unlock()
}
