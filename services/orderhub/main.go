// Orderhub — dev-стенд бэкенда магазина для обкатки клиентского агента:
// выдаёт токены, хранит заказы, рассылает смены статусов в комнаты WebSocket
// и шлёт Web Push по сохранённым подпискам. Не продакшн-сервис.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storefront/internal/config"
	"github.com/storefront/internal/logger"
	"github.com/storefront/internal/model"
	"github.com/storefront/internal/realtime"
	"github.com/storefront/internal/startup"
)

type server struct {
	cfg    *config.Config
	orders *orderRepo
	subs   subStore
	hub    *hub
	vapid  *webpush.Options
	secret []byte
}

func main() {
	logger.SetPrefix("orderhub")
	dev := flag.Bool("dev", false, "embedded PostgreSQL and in-memory subscriptions (no external infra)")
	genVapid := flag.Bool("gen-vapid", false, "print a fresh VAPID key pair and exit")
	flag.Parse()

	if *genVapid {
		priv, pub, err := webpush.GenerateVAPIDKeys()
		if err != nil {
			logger.Errorf("generate VAPID: %v", err)
			os.Exit(1)
		}
		fmt.Printf("VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", pub, priv)
		return
	}

	logger.Info("starting orderhub")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second)
	defer pool.Close()

	orders := newOrderRepo(pool)
	migCtx, migCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := orders.Migrate(migCtx); err != nil {
		migCancel()
		logger.Errorf("migrate: %v", err)
		os.Exit(1)
	}
	migCancel()
	logger.Info("database connected, migrations applied")

	var subs subStore
	if *dev {
		subs = newMemorySubStore()
	} else {
		subs = &redisSubStore{cli: startup.ConnectRedisWithRetry(cfg.RedisURL, 60*time.Second)}
	}
	defer subs.Close()

	var vapidOpts *webpush.Options
	pubKey, privKey := cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey
	if pubKey == "" || privKey == "" {
		if keys, err := ensureVAPIDKeys(""); err == nil {
			pubKey, privKey = keys.PublicKey, keys.PrivateKey
		} else {
			logger.Errorf("vapid: %v — web push отключён", err)
		}
	}
	if pubKey != "" && privKey != "" {
		vapidOpts = &webpush.Options{
			Subscriber:      "orderhub-dev",
			VAPIDPublicKey:  pubKey,
			VAPIDPrivateKey: privKey,
			TTL:             30,
		}
	}

	s := &server{
		cfg:    cfg,
		orders: orders,
		subs:   subs,
		hub:    newHub(),
		vapid:  vapidOpts,
		secret: []byte(envStr("DEV_JWT_SECRET", "orderhub-dev-secret")),
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/ws", s.hub.ServeWS)
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/verify", s.handleVerify)
		r.Get("/orders/user/{id}", s.handleListOrders)
		r.Post("/orders", s.handleCreateOrder)
		r.Put("/orders/{id}/status", s.handleUpdateStatus)
		r.Post("/users/register-push-token", s.handleRegisterToken)
		r.Post("/users/test-notification", s.handleTestNotification)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Infof("orderhub listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("listen: %v", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down...")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
}

// handleLogin выдаёт dev-токен: HS256 JWT c sub/name и сроком на сутки.
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Name   string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	claims := jwt.MapClaims{
		"sub":  req.UserID,
		"name": req.Name,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(24 * time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		http.Error(w, "sign failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"token": token,
		"user":  map[string]string{"id": req.UserID, "name": req.Name},
	})
}

// handleVerify проверяет Bearer-токен и возвращает владельца.
func (s *server) handleVerify(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	sub, _ := claims["sub"].(string)
	name, _ := claims["name"].(string)
	writeJSON(w, map[string]any{
		"success": true,
		"user":    map[string]string{"id": sub, "name": name},
	})
}

func (s *server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	orders, err := s.orders.ListByUser(r.Context(), userID)
	if err != nil {
		logger.Errorf("list orders user=%s: %v", userID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, orders)
}

// handleCreateOrder создаёт заказ и шлёт order_placed в комнату пользователя.
func (s *server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Total  string `json:"total"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	now := time.Now().UTC()
	o := &model.Order{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Status:    model.OrderStatusPending,
		Total:     req.Total,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.orders.Create(r.Context(), o); err != nil {
		logger.Errorf("create order: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.emitOrderEvent(realtime.EventOrderPlaced, o)
	writeJSON(w, o)
}

// handleUpdateStatus — «админский» хук: смена статуса уходит и в комнату,
// и Web Push'ем по всем подпискам пользователя.
func (s *server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	var req struct {
		Status model.OrderStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		http.Error(w, "status required", http.StatusBadRequest)
		return
	}
	o, err := s.orders.UpdateStatus(r.Context(), orderID, req.Status)
	if err != nil {
		if err == errOrderNotFound {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		logger.Errorf("update status order=%s: %v", orderID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.emitOrderEvent(realtime.EventOrderStatusUpdate, o)
	go s.sendWebPush(o.UserID, map[string]any{
		"kind":     model.KindOrderStatus,
		"title":    fmt.Sprintf("Order %s", o.Status),
		"body":     fmt.Sprintf("Your order #%.8s is now %s", o.ID, o.Status),
		"order_id": o.ID,
		"status":   o.Status,
	})
	writeJSON(w, o)
}

func (s *server) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Token  string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Token == "" {
		http.Error(w, "user_id and token required", http.StatusBadRequest)
		return
	}
	// Токен обязан быть валидной webpush-подпиской — кривой отвергаем сразу.
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(req.Token), &sub); err != nil || sub.Endpoint == "" {
		http.Error(w, "malformed subscription token", http.StatusBadRequest)
		return
	}
	if err := s.subs.Save(r.Context(), req.UserID, req.Token); err != nil {
		logger.Errorf("save subscription user=%s: %v", req.UserID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTestNotification шлёт test_event в комнату и Web Push по подпискам.
func (s *server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string `json:"user_id"`
		Title   string `json:"title"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	payload, _ := json.Marshal(realtime.TestPayload{Title: req.Title, Body: req.Message})
	s.hub.Emit("user:"+req.UserID, realtime.Frame{Type: realtime.EventTest, Payload: payload})
	go s.sendWebPush(req.UserID, map[string]any{
		"kind":  model.KindGeneral,
		"title": req.Title,
		"body":  req.Message,
	})
	writeJSON(w, map[string]string{"message": "test notification dispatched"})
}

func (s *server) emitOrderEvent(ev realtime.EventType, o *model.Order) {
	payload, _ := json.Marshal(realtime.OrderStatusPayload{
		OrderID: o.ID,
		Status:  string(o.Status),
		UserID:  o.UserID,
	})
	s.hub.Emit("user:"+o.UserID, realtime.Frame{Type: ev, Payload: payload})
}

// sendWebPush доставляет полезную нагрузку на все подписки пользователя.
// Ошибки отдельных подписок только логируются: подписка могла протухнуть.
func (s *server) sendWebPush(userID string, payload map[string]any) {
	if s.vapid == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	tokens, err := s.subs.List(ctx, userID)
	if err != nil {
		logger.Errorf("webpush list subs user=%s: %v", userID, err)
		return
	}
	body, _ := json.Marshal(payload)
	for _, raw := range tokens {
		var sub webpush.Subscription
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			continue
		}
		resp, err := webpush.SendNotificationWithContext(ctx, body, &sub, s.vapid)
		if err != nil {
			logger.Errorf("webpush send user=%s: %v", userID, err)
			continue
		}
		resp.Body.Close()
	}
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5433
		user     = "orderhub"
		password = "orderhub_secret"
		database = "orderhub"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("write json: %v", err)
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
