package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"
)

const testSecret = "test-secret"

func sign(t *testing.T, typ string, ttl time.Duration) string {
	t.Helper()
	claims := &Claims{
		UserID:   42,
		Username: "bob",
		Type:     typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

func newEngine(cfg AuthConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", AuthMiddleware(cfg), func(c *gin.Context) {
		p := PrincipalFrom(c)
		c.JSON(http.StatusOK, gin.H{"userId": p.UserID, "username": p.Username})
	})
	return r
}

func do(r http.Handler, target, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware_Local(t *testing.T) {
	r := newEngine(AuthConfig{Secret: testSecret})
	tests := []struct {
		name   string
		target string
		bearer string
		want   int
	}{
		{"missing", "/me", "", http.StatusUnauthorized},
		{"access header", "/me", sign(t, "access", time.Minute), http.StatusOK},
		{"access query", "/me?token=" + sign(t, "access", time.Minute), "", http.StatusOK},
		{"refresh rejected", "/me", sign(t, "refresh", time.Minute), http.StatusUnauthorized},
		{"expired", "/me", sign(t, "access", -time.Minute), http.StatusUnauthorized},
		{"garbage", "/me", "not-a-jwt", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.target, tt.bearer)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAuthMiddleware_UpstreamCached(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/auth/verify" || r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"bad token"}`))
			return
		}
		_, _ = w.Write([]byte(`{"userId":7,"username":"alice","type":"access"}`))
	}))
	defer upstream.Close()

	pc := cache.NewPrincipalCache[collab.Principal](cache.PrincipalCacheOptions{TTL: time.Minute})
	defer pc.Close()
	r := newEngine(AuthConfig{AuthBaseURL: upstream.URL + "/", Cache: pc})

	for i := 0; i < 3; i++ {
		if w := do(r, "/me", "good"); w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("upstream calls = %d, want 1", n)
	}
	if p, ok := pc.Get("good"); !ok || p.UserID != 7 || p.Username != "alice" {
		t.Fatalf("cached principal = %+v, %v", p, ok)
	}

	if w := do(r, "/me", "bad"); w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if pc.Len() != 1 {
		t.Fatalf("cache len = %d, want 1", pc.Len())
	}
}

func TestAuthMiddleware_UpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()
	r := newEngine(AuthConfig{AuthBaseURL: upstream.URL})
	if w := do(r, "/me", "any"); w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
}
