package crm

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const jwtBearerGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// JWTBearerConfig configures the OAuth 2.0 JWT bearer flow.
type JWTBearerConfig struct {
	LoginURL   string // e.g., https://login.salesforce.com
	ClientID   string // connected app consumer key
	Username   string
	PrivateKey *rsa.PrivateKey

	// TokenLifetime is how long an issued token is reused. Salesforce does
	// not report expiry for this grant, so it should stay below the org's
	// session timeout. Defaults to 30m.
	TokenLifetime time.Duration
	HTTPClient    *http.Client
}

// JWTBearer exchanges a signed assertion for an access token and caches it.
type JWTBearer struct {
	cfg JWTBearerConfig
	now func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewJWTBearer(cfg JWTBearerConfig) *JWTBearer {
	cfg.LoginURL = strings.TrimRight(cfg.LoginURL, "/")
	if cfg.LoginURL == "" {
		cfg.LoginURL = "https://login.salesforce.com"
	}
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = 30 * time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &JWTBearer{cfg: cfg, now: time.Now}
}

// LoadRSAPrivateKey reads a PEM encoded RSA key.
func LoadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	InstanceURL      string `json:"instance_url"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Token returns the cached token or fetches a new one.
func (b *JWTBearer) Token(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.token != "" && now.Before(b.expiresAt) {
		return b.token, nil
	}

	assertion, err := b.assertion(now)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrantType)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.LoginURL+"/services/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request token: %w", err)
	}
	defer resp.Body.Close()

	var tr tokenResponse
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(body, &tr)

	if resp.StatusCode != http.StatusOK {
		if tr.Error != "" {
			return "", fmt.Errorf("token endpoint returned %d: %s: %s", resp.StatusCode, tr.Error, tr.ErrorDescription)
		}
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}
	if tr.AccessToken == "" {
		return "", errors.New("token endpoint returned no access_token")
	}

	b.token = tr.AccessToken
	b.expiresAt = now.Add(b.cfg.TokenLifetime)
	return b.token, nil
}

// Invalidate drops the cached token.
func (b *JWTBearer) Invalidate() {
	b.mu.Lock()
	b.token = ""
	b.expiresAt = time.Time{}
	b.mu.Unlock()
}

func (b *JWTBearer) assertion(now time.Time) (string, error) {
	if b.cfg.PrivateKey == nil {
		return "", errors.New("no private key configured")
	}
	// Salesforce wants aud as a plain string; RegisteredClaims would encode
	// it as an array.
	claims := jwt.MapClaims{
		"iss": b.cfg.ClientID,
		"sub": b.cfg.Username,
		"aud": b.cfg.LoginURL,
		"exp": now.Add(3 * time.Minute).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(b.cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}
	return signed, nil
}

var _ TokenSource = (*JWTBearer)(nil)
var _ TokenSource = StaticToken("")
