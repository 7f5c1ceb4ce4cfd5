package crm

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSalesforcePersist(t *testing.T) {
	var got savePayload
	var gotAuth, gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewSalesforceClient(SalesforceConfig{InstanceURL: srv.URL + "/", Tokens: StaticToken("sf-token")})
	err := c.Persist(context.Background(), Record{
		CallID:      "CA1",
		Transcript:  "I need a refund",
		Suggestions: "Offer a refund\n\nApologize",
	})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}

	if gotPath != transcriptSavePath {
		t.Errorf("path = %q, want %q", gotPath, transcriptSavePath)
	}
	if gotAuth != "Bearer sf-token" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer sf-token")
	}
	if got.CallSid != "CA1" || got.Transcript != "I need a refund" || got.Suggestions != "Offer a refund\n\nApologize" {
		t.Errorf("payload = %+v", got)
	}
}

func TestSalesforcePersistFailures(t *testing.T) {
	t.Run("non-success status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `[{"errorCode":"NOT_FOUND"}]`, http.StatusNotFound)
		}))
		defer srv.Close()

		err := NewSalesforceClient(SalesforceConfig{InstanceURL: srv.URL, Tokens: StaticToken("t")}).
			Persist(context.Background(), Record{CallID: "CA2"})

		var perr *PersistError
		if !errors.As(err, &perr) {
			t.Fatalf("error = %v, want *PersistError", err)
		}
		if perr.CallID != "CA2" {
			t.Errorf("CallID = %q, want %q", perr.CallID, "CA2")
		}
		if perr.StatusCode != http.StatusNotFound {
			t.Errorf("StatusCode = %d, want %d", perr.StatusCode, http.StatusNotFound)
		}
	})

	t.Run("transport error", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		err := NewSalesforceClient(SalesforceConfig{InstanceURL: url, Tokens: StaticToken("t")}).
			Persist(context.Background(), Record{CallID: "CA3"})

		var perr *PersistError
		if !errors.As(err, &perr) {
			t.Fatalf("error = %v, want *PersistError", err)
		}
		if perr.StatusCode != 0 {
			t.Errorf("StatusCode = %d, want 0", perr.StatusCode)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
		}))
		defer srv.Close()

		err := NewSalesforceClient(SalesforceConfig{InstanceURL: srv.URL, Tokens: StaticToken("")}).
			Persist(context.Background(), Record{CallID: "CA4"})

		var perr *PersistError
		if !errors.As(err, &perr) {
			t.Fatalf("error = %v, want *PersistError", err)
		}
		if hits.Load() != 0 {
			t.Error("no request should be sent without a token")
		}
	})
}

func TestSalesforceUnauthorizedInvalidatesToken(t *testing.T) {
	src := &countingSource{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewSalesforceClient(SalesforceConfig{InstanceURL: srv.URL, Tokens: src}).
		Persist(context.Background(), Record{CallID: "CA5"})
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if src.invalidated != 1 {
		t.Errorf("invalidated = %d, want 1", src.invalidated)
	}
}

type countingSource struct {
	invalidated int
}

func (s *countingSource) Token(context.Context) (string, error) { return "tok", nil }
func (s *countingSource) Invalidate()                           { s.invalidated++ }

func writeTestKey(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der := x509.MarshalPKCS1PrivateKey(key)
	path := filepath.Join(t.TempDir(), "server.key")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func TestJWTBearerToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	loaded, err := LoadRSAPrivateKey(writeTestKey(t, key))
	if err != nil {
		t.Fatalf("LoadRSAPrivateKey: %v", err)
	}

	var requests atomic.Int32
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path != "/services/oauth2/token" {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		if r.FormValue("grant_type") != jwtBearerGrantType {
			http.Error(w, `{"error":"unsupported_grant_type"}`, http.StatusBadRequest)
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(r.FormValue("assertion"), claims, func(tok *jwt.Token) (any, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithAudience(srvURL), jwt.WithIssuer("client-id"), jwt.WithSubject("agent@example.com"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"` + err.Error() + `"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"00Dxx!token","instance_url":"https://example.my.salesforce.com"}`))
	}))
	defer srv.Close()
	srvURL = srv.URL

	b := NewJWTBearer(JWTBearerConfig{
		LoginURL:   srv.URL,
		ClientID:   "client-id",
		Username:   "agent@example.com",
		PrivateKey: loaded,
	})

	tok, err := b.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "00Dxx!token" {
		t.Errorf("Token() = %q, want %q", tok, "00Dxx!token")
	}

	// Cached.
	if _, err := b.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if requests.Load() != 1 {
		t.Errorf("token requests = %d, want 1", requests.Load())
	}

	// Expired.
	b.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := b.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if requests.Load() != 2 {
		t.Errorf("token requests = %d, want 2 after expiry", requests.Load())
	}

	// Invalidated.
	b.now = time.Now
	b.Invalidate()
	if _, err := b.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if requests.Load() != 3 {
		t.Errorf("token requests = %d, want 3 after Invalidate", requests.Load())
	}
}

func TestJWTBearerAssertionClaims(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	b := NewJWTBearer(JWTBearerConfig{
		LoginURL:   "https://login.salesforce.com",
		ClientID:   "client-id",
		Username:   "agent@example.com",
		PrivateKey: key,
	})

	now := time.Unix(1_700_000_000, 0)
	assertion, err := b.assertion(now)
	if err != nil {
		t.Fatalf("assertion: %v", err)
	}
	parts := strings.Split(assertion, ".")
	if len(parts) != 3 {
		t.Fatalf("assertion has %d segments, want 3", len(parts))
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}

	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	aud, ok := claims["aud"].(string)
	if !ok {
		t.Fatalf("aud = %#v (%T), want a JSON string", claims["aud"], claims["aud"])
	}
	if aud != "https://login.salesforce.com" {
		t.Errorf("aud = %q", aud)
	}
	if claims["iss"] != "client-id" || claims["sub"] != "agent@example.com" {
		t.Errorf("iss/sub = %v/%v", claims["iss"], claims["sub"])
	}
	if exp, _ := claims["exp"].(float64); int64(exp) != now.Add(3*time.Minute).Unix() {
		t.Errorf("exp = %v, want %d", claims["exp"], now.Add(3*time.Minute).Unix())
	}
}

func TestJWTBearerTokenRejected(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"user hasn't approved this consumer"}`))
	}))
	defer srv.Close()

	b := NewJWTBearer(JWTBearerConfig{LoginURL: srv.URL, ClientID: "c", Username: "u", PrivateKey: key})
	_, err = b.Token(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "invalid_grant") {
		t.Errorf("error %q should mention invalid_grant", err.Error())
	}
}

func TestJWTBearerWithoutKey(t *testing.T) {
	b := NewJWTBearer(JWTBearerConfig{ClientID: "c", Username: "u"})
	if _, err := b.Token(context.Background()); err == nil {
		t.Error("Token without a private key should fail")
	}
}

func TestLoadRSAPrivateKeyErrors(t *testing.T) {
	if _, err := LoadRSAPrivateKey(filepath.Join(t.TempDir(), "missing.key")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.key")
	_ = os.WriteFile(path, []byte("not a pem"), 0o600)
	if _, err := LoadRSAPrivateKey(path); err == nil {
		t.Error("expected error for malformed key")
	}
}
