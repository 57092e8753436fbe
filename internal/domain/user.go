package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is the identity anchor for payments and subscriptions, keyed by a unique email.
// Rows are created lazily on the first payment that references an unseen email.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeEmail returns the canonical form used for the unique email key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeToken(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
