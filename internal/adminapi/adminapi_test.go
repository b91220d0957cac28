package adminapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestHealthEndpointRequiresNoAuth(t *testing.T) {
	s := NewServer(nil, []byte("secret"), nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRunsEndpointRejectsMissingBearerToken(t *testing.T) {
	s := NewServer(nil, []byte("secret"), nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a missing bearer token, got %d", rec.Code)
	}
}

func TestRunsEndpointRejectsInvalidSignature(t *testing.T) {
	s := NewServer(nil, []byte("secret"), nil)
	token := mustSignToken(t, []byte("wrong-secret"))

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a token signed with the wrong key, got %d", rec.Code)
	}
}

func TestExtractBearerTokenParsesAuthorizationHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer abc.def.ghi")
	if got := extractBearerToken(req); got != "abc.def.ghi" {
		t.Fatalf("expected to extract the bearer token, got %q", got)
	}
}

func TestExtractBearerTokenRejectsNonBearerScheme(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("Authorization", "Basic abc.def.ghi")
	if got := extractBearerToken(req); got != "" {
		t.Fatalf("expected an empty token for a non-Bearer scheme, got %q", got)
	}
}

func mustSignToken(t *testing.T, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "test",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
