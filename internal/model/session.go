package model

import "time"

// Session — локальная сессия покупателя. Хранится в двух слотах (primary/backup),
// после logout обе копии стираются.
type Session struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Token       string    `json:"token,omitempty"`
	VerifiedAt  time.Time `json:"verified_at"`
}

// Equal сравнивает сессии по содержимому (для тестов восстановления из backup).
func (s *Session) Equal(other *Session) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.UserID == other.UserID &&
		s.DisplayName == other.DisplayName &&
		s.Token == other.Token &&
		s.VerifiedAt.Equal(other.VerifiedAt)
}
