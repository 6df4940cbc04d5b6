package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/judgeflow/api/handlers"
	"github.com/BaSui01/judgeflow/config"
	"github.com/BaSui01/judgeflow/testutil"
	"github.com/BaSui01/judgeflow/types"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) handlers.ErrorInfo {
	t.Helper()
	var resp handlers.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	return *resp.Error
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders()(okHandler())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'none'", w.Header().Get("Content-Security-Policy"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestSecurityHeaders_ChainedWithOtherMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	handler := Chain(inner, SecurityHeaders(), RequestID())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = types.RequestID(r.Context())
	})
	handler := RequestID()(inner)

	t.Run("propagates incoming id", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Request-ID", "req-upstream")
		handler.ServeHTTP(w, r)
		assert.Equal(t, "req-upstream", seen)
		assert.Equal(t, "req-upstream", w.Header().Get("X-Request-ID"))
	})

	t.Run("generates when missing", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Regexp(t, `^req-[0-9a-f]{32}$`, seen)
		assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
	})
}

func TestRecovery(t *testing.T) {
	logger, logs := testutil.NewObservedLogger(zap.ErrorLevel)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	handler := Chain(inner, RequestID(), Recovery(logger))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/judgment/execute", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	info := decodeError(t, w)
	assert.Equal(t, string(types.ErrInternalError), info.Code)
	require.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestRequestLogger_ServerErrorsAtWarn(t *testing.T) {
	logger, logs := testutil.NewObservedLogger(zap.InfoLevel)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestLogger(logger)(inner)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, int64(http.StatusBadGateway), entries[1].ContextMap()["status"])
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/judgment/execute", "/judgment/execute"},
		{"/learning/deployments", "/learning/deployments"},
		{"/workflows/defect-check/execute", "/workflows/:workflow/execute"},
		{"/workflows/instances/8c2f0c8e-1b2a-4c3d-9e8f-0a1b2c3d4e5f", "/workflows/instances/:id"},
		{"/workflows/instances/8c2f0c8e-1b2a-4c3d-9e8f-0a1b2c3d4e5f/cancel", "/workflows/instances/:id/cancel"},
		{"/learning/deployments/12345", "/learning/deployments/:id"},
		{"/learning/deployments/dep-a1", "/learning/deployments/dep-a1"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.path))
		})
	}
}

func TestAPIKeyAuth(t *testing.T) {
	handler := APIKeyAuth([]string{"key-1"}, []string{"/health"}, true, zap.NewNop())(okHandler())

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"public path", "/health", "", http.StatusOK},
		{"missing key", "/judgment/execute", "", http.StatusUnauthorized},
		{"wrong key", "/judgment/execute", "key-2", http.StatusUnauthorized},
		{"header key", "/judgment/execute", "key-1", http.StatusOK},
		{"query key", "/judgment/execute?api_key=key-1", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				r.Header.Set("X-API-Key", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, string(types.ErrUnauthorized), decodeError(t, w).Code)
			}
		})
	}
}

func TestAPIKeyAuth_QueryKeyDisabled(t *testing.T) {
	handler := APIKeyAuth([]string{"key-1"}, nil, false, zap.NewNop())(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/judgment/execute?api_key=key-1", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestJWTAuth(t *testing.T) {
	cfg := config.JWTConfig{Secret: "test-secret", Issuer: "judgeflow"}

	var (
		gotTenant, gotUser string
		gotRoles           []string
	)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant, _ = types.TenantID(r.Context())
		gotUser, _ = types.UserID(r.Context())
		gotRoles, _ = types.Roles(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := JWTAuth(cfg, []string{"/ready"}, zap.NewNop())(inner)

	do := func(auth string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/learning/rollback", nil)
		if auth != "" {
			r.Header.Set("Authorization", auth)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	t.Run("valid token populates context", func(t *testing.T) {
		token := signHS256(t, "test-secret", jwt.MapClaims{
			"iss":       "judgeflow",
			"sub":       "process-engineer",
			"tenant_id": "plant-7",
			"roles":     []string{"approver"},
			"exp":       time.Now().Add(time.Hour).Unix(),
		})
		w := do("Bearer " + token)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "plant-7", gotTenant)
		assert.Equal(t, "process-engineer", gotUser)
		assert.Equal(t, []string{"approver"}, gotRoles)
	})

	t.Run("user_id wins over sub", func(t *testing.T) {
		token := signHS256(t, "test-secret", jwt.MapClaims{
			"iss":     "judgeflow",
			"sub":     "svc",
			"user_id": "qa-lead",
			"exp":     time.Now().Add(time.Hour).Unix(),
		})
		require.Equal(t, http.StatusOK, do("Bearer "+token).Code)
		assert.Equal(t, "qa-lead", gotUser)
	})

	t.Run("rejections", func(t *testing.T) {
		expired := signHS256(t, "test-secret", jwt.MapClaims{
			"iss": "judgeflow",
			"exp": time.Now().Add(-time.Minute).Unix(),
		})
		wrongSecret := signHS256(t, "other", jwt.MapClaims{
			"iss": "judgeflow",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		wrongIssuer := signHS256(t, "test-secret", jwt.MapClaims{
			"iss": "someone-else",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		for name, auth := range map[string]string{
			"missing":      "",
			"not bearer":   "Basic abc",
			"expired":      "Bearer " + expired,
			"wrong secret": "Bearer " + wrongSecret,
			"wrong issuer": "Bearer " + wrongIssuer,
		} {
			w := do(auth)
			assert.Equal(t, http.StatusUnauthorized, w.Code, name)
		}
	})

	t.Run("skip path", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := RateLimiter(ctx, 1, 2, zap.NewNop())(okHandler())

	do := func(remote, tenant string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/judgment/execute", nil)
		r.RemoteAddr = remote
		if tenant != "" {
			r = r.WithContext(types.WithTenantID(r.Context(), tenant))
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1234", "").Code)
	assert.Equal(t, http.StatusOK, do("10.0.0.1:5678", "").Code)

	limited := do("10.0.0.1:9999", "")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.Equal(t, string(types.ErrRateLimited), decodeError(t, limited).Code)

	// 其他 IP 与租户有独立的令牌桶
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1234", "").Code)
	assert.Equal(t, http.StatusOK, do("10.0.0.1:1234", "plant-7").Code)
}

func TestCORS(t *testing.T) {
	handler := CORS([]string{"https://mes.example.com"})(okHandler())

	t.Run("allowed origin", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.Header.Set("Origin", "https://mes.example.com")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "https://mes.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("allowed preflight", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodOptions, "/judgment/execute", nil)
		r.Header.Set("Origin", "https://mes.example.com")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("disallowed preflight", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodOptions, "/judgment/execute", nil)
		r.Header.Set("Origin", "https://evil.example.com")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("no origin", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}
