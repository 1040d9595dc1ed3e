package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/storefront/internal/logger"
	"github.com/storefront/internal/realtime"
)

const (
	hubWriteWait   = 10 * time.Second
	hubPongWait    = 60 * time.Second
	hubPingPeriod  = (hubPongWait * 9) / 10
	hubMaxMsgSize  = 8192
	hubSendBufSize = 64
)

// hub — комнатный WebSocket-хаб: клиенты входят в логические комнаты
// (user:{id}) join/leave-кадрами, события рассылаются по комнате.
type hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*hubClient]struct{}
	upgrade websocket.Upgrader
}

func newHub() *hub {
	return &hub{
		rooms: make(map[string]map[*hubClient]struct{}),
		upgrade: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dev-стенд: происхождение не проверяем.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type hubClient struct {
	h     *hub
	conn  *websocket.Conn
	send  chan realtime.Frame
	rooms map[string]struct{}
	once  sync.Once
}

// ServeWS апгрейдит соединение и запускает пампы клиента.
func (h *hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrade.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("hub upgrade: %v", err)
		return
	}
	c := &hubClient{
		h:     h,
		conn:  conn,
		send:  make(chan realtime.Frame, hubSendBufSize),
		rooms: make(map[string]struct{}),
	}
	go c.writePump()
	go c.readPump()
}

// Emit рассылает кадр всем участникам комнаты. Медленный клиент с полным
// буфером отключается (backpressure).
func (h *hub) Emit(room string, f realtime.Frame) {
	h.mu.RLock()
	members, ok := h.rooms[room]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*hubClient, 0, len(members))
	for c := range members {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- f:
		default:
			logger.Errorf("hub: send buffer full, dropping slow client room=%s", room)
			c.close()
		}
	}
}

func (h *hub) join(c *hubClient, room string) {
	h.mu.Lock()
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*hubClient]struct{})
	}
	h.rooms[room][c] = struct{}{}
	c.rooms[room] = struct{}{}
	h.mu.Unlock()
	logger.Infof("hub: client joined room=%s", room)
}

func (h *hub) leave(c *hubClient, room string) {
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
	h.mu.Unlock()
}

func (h *hub) drop(c *hubClient) {
	h.mu.Lock()
	for room := range c.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()
}

func (c *hubClient) close() {
	c.once.Do(func() {
		c.h.drop(c)
		c.conn.Close()
	})
}

func (c *hubClient) readPump() {
	defer c.close()
	c.conn.SetReadLimit(hubMaxMsgSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(hubPongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	})
	// Ping-кадры клиента обслуживает дефолтный обработчик gorilla: он отвечает
	// через WriteControl и не конфликтует с writePump за соединение.
	for {
		var f realtime.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case "join":
			if f.Room != "" {
				c.h.join(c, f.Room)
			}
		case "leave":
			if f.Room != "" {
				c.h.leave(c, f.Room)
			}
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case f := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
