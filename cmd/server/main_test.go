package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-authcore/internal/service"
	"github.com/kubilitics/kubilitics-authcore/internal/store"
)

func TestHealthHandler(t *testing.T) {
	s, err := store.NewMemoryStore(10, nil)
	require.NoError(t, err)
	core := &service.Core{Store: s}

	rr := httptest.NewRecorder()
	healthHandler(core)(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"kubilitics-authcore"}`, rr.Body.String())

}

func TestHealthHandler_StoreDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rs := store.NewRedisStore(store.NewRedisClient(store.RedisOptions{Addr: mr.Addr()}))
	defer rs.Close()
	mr.Close()

	rr := httptest.NewRecorder()
	healthHandler(&service.Core{Store: rs})(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	router.Use(loggingMiddleware(zap.NewNop()))
	router.Use(recoveryMiddleware(zap.NewNop()))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
