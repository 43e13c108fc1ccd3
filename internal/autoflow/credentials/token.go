package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// TokenSource yields the Authorization header value for Linear requests.
// Invalidate drops any cached token so the next Token call obtains a fresh one.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// StaticToken is a personal API key. It cannot be refreshed.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("empty API key")
	}
	return string(s), nil
}

func (StaticToken) Invalidate() {}

const defaultTokenURL = "https://api.linear.app/oauth/token"

// OAuthToken exchanges a refresh token for short-lived access tokens.
type OAuthToken struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	HTTPClient   *http.Client

	// OnRotate is called when the server issues a new refresh token so it
	// can be persisted.
	OnRotate func(refreshToken string)

	mu           sync.Mutex
	refreshToken string
	accessToken  string
	expiresAt    time.Time
}

// NewOAuthToken creates an OAuth token source from the profile's grant.
func NewOAuthToken(c Credentials) *OAuthToken {
	return &OAuthToken{
		ClientID:     c.LinearOAuthClientID,
		ClientSecret: c.LinearOAuthClientSecret,
		refreshToken: c.LinearOAuthRefreshToken,
	}
}

// Source returns the token source matching the configured Linear auth.
func (c Credentials) Source() TokenSource {
	if c.LinearAPIKey == "" && c.HasLinearOAuth() {
		return NewOAuthToken(c)
	}
	return StaticToken(c.LinearAPIKey)
}

func (o *OAuthToken) Token(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.accessToken != "" && time.Now().Add(time.Minute).Before(o.expiresAt) {
		return "Bearer " + o.accessToken, nil
	}
	if err := o.refresh(ctx); err != nil {
		return "", err
	}
	return "Bearer " + o.accessToken, nil
}

func (o *OAuthToken) Invalidate() {
	o.mu.Lock()
	o.accessToken = ""
	o.expiresAt = time.Time{}
	o.mu.Unlock()
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (o *OAuthToken) refresh(ctx context.Context) error {
	endpoint := o.TokenURL
	if endpoint == "" {
		endpoint = defaultTokenURL
	}
	hc := o.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {o.refreshToken},
		"client_id":     {o.ClientID},
		"client_secret": {o.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("refreshing token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token endpoint returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return fmt.Errorf("token response missing access_token")
	}

	o.accessToken = tr.AccessToken
	o.expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	if tr.ExpiresIn == 0 {
		o.expiresAt = time.Now().Add(time.Hour)
	}
	if tr.RefreshToken != "" && tr.RefreshToken != o.refreshToken {
		o.refreshToken = tr.RefreshToken
		if o.OnRotate != nil {
			o.OnRotate(tr.RefreshToken)
		}
	}
	return nil
}
