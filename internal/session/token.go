package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpired проверяет exp восстановленного JWT без валидации подписи —
// подпись проверяет бэкенд, клиенту важно лишь не поднимать каналы доставки
// на заведомо протухшем токене. Токен без exp или нечитаемый считается живым
// (последнее слово за бэкендом при verify).
func TokenExpired(token string, now time.Time) bool {
	if token == "" {
		return false
	}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Time.Before(now)
}
