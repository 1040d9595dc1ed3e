package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
)

// SubscriptionSource — «платформа» агента: собирает Web-Push-подписку из
// локально сгенерированной пары P-256 и сконфигурированного endpoint.
// Токен регистрации — сериализованная подписка в формате webpush.
// Пустой endpoint — ситуация «платформа не настроена»: токена нет, и это
// ожидаемая деградация, не ошибка.
type SubscriptionSource struct {
	EndpointBase string
}

// Token генерирует ключи подписки и возвращает JSON webpush.Subscription.
func (s SubscriptionSource) Token(ctx context.Context) (string, error) {
	if s.EndpointBase == "" {
		return "", nil
	}

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("push keys: %w", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		return "", fmt.Errorf("push auth secret: %w", err)
	}

	sub := webpush.Subscription{
		Endpoint: s.EndpointBase + "/" + uuid.New().String(),
		Keys: webpush.Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// AutoGrantGate — разрешение для headless-агента: платформенного диалога нет,
// считаем выданным (поведение исходного клиента, где permission вёл FCM-слой).
type AutoGrantGate struct{}

func (AutoGrantGate) RequestPermission(ctx context.Context) (bool, error) {
	return true, nil
}

// StaticGate — детерминированный ответ платформы (настройки и тесты).
type StaticGate struct {
	Granted bool
}

func (g StaticGate) RequestPermission(ctx context.Context) (bool, error) {
	return g.Granted, nil
}
