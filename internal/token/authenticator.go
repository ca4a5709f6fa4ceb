package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tournevent/gatekeeper/internal/vault"
	"github.com/tournevent/gatekeeper/pkg/provider"
)

// DefaultTTL is assumed when a login response carries no expiry at all.
const DefaultTTL = 55 * time.Minute

// LoginAuthenticator opens sessions by posting credentials to a JSON login
// endpoint.
type LoginAuthenticator struct {
	Provider   string
	URL        string
	HTTPClient *http.Client
	Now        func() time.Time
}

// NewLoginAuthenticator creates an authenticator for the login endpoint at url.
func NewLoginAuthenticator(providerName, url string, timeout time.Duration) *LoginAuthenticator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &LoginAuthenticator{
		Provider:   providerName,
		URL:        url,
		HTTPClient: &http.Client{Timeout: timeout},
		Now:        time.Now,
	}
}

type loginRequest struct {
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	APIKey       string `json:"api_key,omitempty"`
}

type loginResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Error       string `json:"error"`
}

// Authenticate implements Authenticator.
func (a *LoginAuthenticator) Authenticate(ctx context.Context, tenant string, creds vault.Credentials) (vault.Token, error) {
	body, err := json.Marshal(loginRequest{
		Username:     creds.Username,
		Password:     creds.Password,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		APIKey:       creds.APIKey,
	})
	if err != nil {
		return vault.Token{}, fmt.Errorf("encoding login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(body))
	if err != nil {
		return vault.Token{}, fmt.Errorf("creating login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "gatekeeper/1.0")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return vault.Token{}, provider.Classify(a.Provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return vault.Token{}, provider.Classify(a.Provider, err)
	}

	var out loginResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := out.Message
		if msg == "" {
			msg = out.Error
		}
		return vault.Token{}, provider.FromStatus(a.Provider, resp.StatusCode, out.Code, msg, resp.Header)
	}

	value := out.Token
	if value == "" {
		value = out.AccessToken
	}
	if value == "" {
		return vault.Token{}, provider.New(a.Provider, provider.KindAuthenticationFailed,
			"EMPTY_TOKEN", "login response carried no token")
	}

	now := a.Now()
	return vault.Token{
		Value:     value,
		IssuedAt:  now,
		ExpiresAt: expiry(value, out.ExpiresIn, now),
	}, nil
}

// expiry prefers the explicit lifetime, then the JWT exp claim.
func expiry(value string, expiresIn int64, now time.Time) time.Time {
	if expiresIn > 0 {
		return now.Add(time.Duration(expiresIn) * time.Second)
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(value, &claims); err == nil && claims.ExpiresAt != nil {
		if exp := claims.ExpiresAt.Time; exp.After(now) {
			return exp
		}
	}
	return now.Add(DefaultTTL)
}

var _ Authenticator = (*LoginAuthenticator)(nil)
