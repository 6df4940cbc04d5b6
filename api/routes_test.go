package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BaSui01/judgeflow/api/handlers"
	"github.com/BaSui01/judgeflow/canary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRoutes_OnlyConfiguredHandlers(t *testing.T) {
	h := Handlers{Health: handlers.NewHealthHandler(zap.NewNop())}
	routes := h.Routes()
	require.Len(t, routes, 5)
	for _, r := range routes {
		assert.True(t, strings.HasPrefix(r.Pattern, "GET "), r.Pattern)
	}
}

func TestRegister(t *testing.T) {
	ctrl := canary.NewController(canary.NewMemoryStore(), zap.NewNop())
	mux := http.NewServeMux()
	Register(mux, Handlers{
		Health:   handlers.NewHealthHandler(zap.NewNop()),
		Learning: handlers.NewLearningHandler(ctrl, zap.NewNop()),
		Version:  "1.2.3",
	})

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, PathHealthz, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, PathVersion, nil))
	assert.Contains(t, w.Body.String(), "1.2.3")

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/learning/deployments", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// 方法不匹配
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/learning/deploy", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	// 未配置的处理器不注册
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/judgment/execute", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPublicPaths(t *testing.T) {
	assert.Contains(t, PublicPaths(), PathMetrics)
	assert.NotContains(t, PublicPaths(), "/judgment/execute")
}
