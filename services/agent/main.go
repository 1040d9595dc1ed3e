// Клиентский агент магазина: восстанавливает сессию, поднимает каналы
// доставки уведомлений (realtime, пуш, поллер) и работает до сигнала.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/storefront/internal/api"
	"github.com/storefront/internal/config"
	"github.com/storefront/internal/logger"
	"github.com/storefront/internal/model"
	"github.com/storefront/internal/notifctx"
	"github.com/storefront/internal/notify"
	"github.com/storefront/internal/push"
	"github.com/storefront/internal/realtime"
	"github.com/storefront/internal/session"
	"github.com/storefront/internal/storage"
	filestorage "github.com/storefront/internal/storage/file"
	"github.com/storefront/internal/storage/redisslot"
)

func main() {
	logger.SetPrefix("agent")
	loginUser := flag.String("login-user", "", "dev login: user id (writes a fresh session)")
	loginName := flag.String("login-name", "", "dev login: display name")
	loginToken := flag.String("login-token", "", "dev login: bearer token")
	flag.Parse()

	logger.Info("starting storefront agent")
	cfg := config.Load()

	kv, err := buildStorage(cfg)
	if err != nil {
		logger.Errorf("storage: %v", err)
		os.Exit(1)
	}
	defer kv.Close()
	sessions := session.NewStore(kv)

	apiClient := api.NewClient(cfg.APIBaseURL)
	rt := realtime.NewManager(cfg.SocketURL)
	registrar := push.NewRegistrar(
		push.AutoGrantGate{},
		push.SubscriptionSource{EndpointBase: cfg.Push.EndpointBase},
		apiClient,
	)
	sched := notify.NewScheduler(notify.LogPresenter{})
	nc := notifctx.New(notifctx.Deps{
		Sessions:  sessions,
		API:       apiClient,
		Realtime:  rt,
		Registrar: registrar,
		Scheduler: sched,
	}, cfg.PollInterval, cfg.DedupWindow)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	sess := restoreOrLogin(ctx, sessions, apiClient, *loginUser, *loginName, *loginToken)
	cancel()

	if sess == nil {
		logger.Info("no session: agent idle until login (use -login-user/-login-token)")
	} else {
		initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := nc.InitializeNotifications(initCtx, sess.UserID)
		initCancel()
		switch {
		case errors.Is(err, push.ErrPermissionDenied):
			// Единственный пуш-сбой, о котором говорим пользователю.
			logger.Info("push permission denied: enable notifications in settings to receive pushes")
		case errors.Is(err, notifctx.ErrTokenExpired):
			logger.Info("session expired, please log in again")
			sessions.Clear(context.Background())
		case err != nil:
			logger.Errorf("initialize notifications: %v", err)
		default:
			logger.Infof("notifications initialized user=%s", sess.UserID)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down...")
	nc.Teardown()
}

// buildStorage собирает реплицированное хранилище из cfg.Storage.Replicas
// слотов: файловые в одном каталоге (user + backup_user + backup2_user, ...)
// либо Redis-префиксы для веб-профиля. Меньше двух копий не бывает.
func buildStorage(cfg *config.Config) (*storage.Replicated, error) {
	replicas := cfg.Storage.Replicas
	if replicas < 2 {
		replicas = 2
	}
	slots := make([]storage.Slot, 0, replicas)

	switch cfg.Storage.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := 0; i < replicas; i++ {
			slot, err := redisslot.New(ctx, cfg.Storage.RedisURL, "agent:"+slotPrefix(i))
			if err != nil {
				for _, s := range slots {
					s.Close()
				}
				return nil, err
			}
			slots = append(slots, slot)
		}
	default:
		for i := 0; i < replicas; i++ {
			c, err := filestorage.New(cfg.Storage.Dir)
			if err != nil {
				return nil, err
			}
			if i == 0 {
				slots = append(slots, c)
				continue
			}
			slots = append(slots, storage.Prefixed{Slot: c, Prefix: slotPrefix(i)})
		}
	}
	return storage.NewReplicated(slots...)
}

// slotPrefix — префикс ключей i-й копии: "" / "backup_" / "backup2_" / ...
func slotPrefix(i int) string {
	switch i {
	case 0:
		return ""
	case 1:
		return "backup_"
	default:
		return fmt.Sprintf("backup%d_", i)
	}
}

// restoreOrLogin восстанавливает сессию из хранилища или пишет новую по
// dev-флагам. Отвергнутый бэкендом токен уничтожает сессию.
func restoreOrLogin(ctx context.Context, sessions *session.Store, apiClient *api.Client, userID, name, token string) *model.Session {
	if userID != "" {
		sess := &model.Session{
			UserID:      userID,
			DisplayName: name,
			Token:       token,
			VerifiedAt:  time.Now().UTC(),
		}
		if err := sessions.Write(ctx, sess); err != nil {
			if errors.Is(err, session.ErrWriteFailed) {
				// Деградация: работаем с сессией в памяти, перезапуск её потеряет.
				logger.Error("session storage unavailable, continuing in-memory only")
			} else {
				logger.Errorf("session write: %v", err)
				return nil
			}
		}
		return sess
	}

	sess, err := sessions.Read(ctx)
	if err != nil {
		logger.Errorf("session restore: %v", err)
		return nil
	}
	if sess == nil {
		return nil
	}
	logger.Infof("session restored user=%s", sess.UserID)

	if sess.Token != "" {
		if _, _, err := apiClient.VerifyToken(ctx, sess.Token); err != nil {
			if errors.Is(err, api.ErrRejected) {
				logger.Info("stored token rejected by backend, clearing session")
				sessions.Clear(ctx)
				return nil
			}
			// Бэкенд недоступен — работаем с тем, что есть; поллер догонит.
			logger.Errorf("token verify: %v (continuing with stored session)", err)
		}
	}
	return sess
}
