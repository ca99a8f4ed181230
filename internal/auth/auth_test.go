package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestJWTRoundTrip(t *testing.T) {
	mgr := NewJWTManager("test-secret", time.Hour)

	token, err := mgr.Generate("alice", RoleOperator)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := mgr.Validate(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != "alice" || claims.Role != RoleOperator {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestJWTExpiry(t *testing.T) {
	mgr := NewJWTManager("test-secret", -time.Minute)
	token, err := mgr.Generate("alice", RoleOperator)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Validate(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTManager("secret-a", time.Hour).Generate("alice", RoleOperator)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewJWTManager("secret-b", time.Hour).Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestStaticKeyValidator(t *testing.T) {
	key, hash, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}

	v := NewStaticKeyValidator([]string{hash, ""})

	user, err := v.ValidateAPIKey(key)
	if err != nil {
		t.Fatal(err)
	}
	if user.Role != RoleWorker || user.Method != "apikey" {
		t.Fatalf("unexpected user context: %+v", user)
	}

	if _, err := v.ValidateAPIKey("pf_deadbeef"); !errors.Is(err, ErrAPIKeyNotFound) {
		t.Fatalf("expected ErrAPIKeyNotFound, got %v", err)
	}
}

func TestMiddlewareAuthenticates(t *testing.T) {
	mgr := NewJWTManager("test-secret", time.Hour)
	key, hash, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	mw := NewMiddleware(mgr, "X-API-Key", NewStaticKeyValidator([]string{hash}), true)

	var seen *UserContext
	handler := mw.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUser(r.Context())
	}))

	// 无凭据 → 401
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	// API Key 通道
	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-API-Key", key)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || seen == nil || seen.Method != "apikey" {
		t.Fatalf("api key auth failed: code %d user %+v", rec.Code, seen)
	}

	// JWT 通道
	token, err := mgr.Generate("alice", RoleOperator)
	if err != nil {
		t.Fatal(err)
	}
	seen = nil
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || seen == nil || seen.Method != "jwt" || seen.UserID != "alice" {
		t.Fatalf("jwt auth failed: code %d user %+v", rec.Code, seen)
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	mw := NewMiddleware(nil, "X-API-Key", nil, false)
	handler := mw.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}
