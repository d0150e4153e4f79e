package auth_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/auth"
)

const secret = "test-secret"

func sign(t *testing.T, key, subject string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte(key))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestVerifier_Verify(t *testing.T) {
	v := auth.NewVerifier(secret)
	future := time.Now().Add(time.Hour)

	if got, err := v.Verify(sign(t, secret, "u1", future)); err != nil || got != "u1" {
		t.Errorf("Verify(valid) = %q, %v", got, err)
	}

	bad := map[string]string{
		"wrong key": sign(t, "other", "u1", future),
		"expired":   sign(t, secret, "u1", time.Now().Add(-time.Hour)),
		"no sub":    sign(t, secret, "", future),
		"garbage":   "not.a.token",
	}
	for name, tok := range bad {
		if _, err := v.Verify(tok); !errors.Is(err, auth.ErrUnauthorized) {
			t.Errorf("%s: err = %v, want ErrUnauthorized", name, err)
		}
	}
}

func TestVerifier_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := auth.NewVerifier(secret)

	r := gin.New()
	r.GET("/me", v.Middleware(), func(c *gin.Context) {
		c.String(http.StatusOK, auth.CurrentUser(c))
	})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, secret, "alice", time.Now().Add(time.Hour)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "alice" {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing token: got %d, want 401", w.Code)
	}

	// websocket clients pass the token in the query string
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me?token="+sign(t, secret, "bob", time.Now().Add(time.Hour)), nil))
	if w.Body.String() != "bob" {
		t.Errorf("query token: got %q", w.Body.String())
	}
}

func TestVerifier_InsecureHeader(t *testing.T) {
	v := auth.NewVerifier("")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "dev")

	if got, err := v.UserID(req); err != nil || got != "dev" {
		t.Errorf("UserID = %q, %v", got, err)
	}
	if _, err := v.UserID(httptest.NewRequest(http.MethodGet, "/", nil)); !errors.Is(err, auth.ErrUnauthorized) {
		t.Errorf("missing header err = %v", err)
	}
}
