package adminhttp_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basalt-run/taskweave/internal/adminhttp"
	"github.com/basalt-run/taskweave/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDebugRegistrySnapshot(t *testing.T) {
	reg := registry.New(16)
	reg.Register("E1")
	reg.Register("E2")

	s := adminhttp.New(":0", reg, prometheus.NewRegistry(), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/debug/registry", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var snap adminhttp.RegistrySnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Engines, 2)
}

func TestHealthz(t *testing.T) {
	reg := registry.New(16)
	s := adminhttp.New(":0", reg, prometheus.NewRegistry(), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}
