package vault

import (
	"time"

	"github.com/tournevent/gatekeeper/internal/telemetry"
	"go.uber.org/zap"
)

// Credentials are the static secrets used to open a provider session.
type Credentials struct {
	Username     string            `json:"username,omitempty"`
	Password     string            `json:"password,omitempty"`
	ClientID     string            `json:"client_id,omitempty"`
	ClientSecret string            `json:"client_secret,omitempty"`
	APIKey       string            `json:"api_key,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Token is a provider session token. Its String form is masked so it can
// never leak through a log line.
type Token struct {
	Value     string    `json:"value"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsZero reports whether no token is present.
func (t Token) IsZero() bool {
	return t.Value == ""
}

// ValidAt reports whether the token is still usable at now with buffer to
// spare.
func (t Token) ValidAt(now time.Time, buffer time.Duration) bool {
	return !t.IsZero() && now.Add(buffer).Before(t.ExpiresAt)
}

// Masked returns a loggable prefix.
func (t Token) Masked() string {
	return telemetry.Mask(t.Value)
}

func (t Token) String() string {
	return t.Masked()
}

// Field is a zap field carrying the masked token.
func (t Token) Field() zap.Field {
	return zap.String("token", t.Masked())
}
