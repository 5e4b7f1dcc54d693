package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/drorc/pkg/manifest"
)

func newTestRunRoot(t *testing.T) string {
	t.Helper()
	runRoot := t.TempDir()
	m, err := manifest.New("r1", runRoot, "q", manifest.SensitivityNormal, manifest.DefaultLimits())
	require.NoError(t, err)
	require.NoError(t, manifest.Create(manifest.Path(runRoot), m))
	require.NoError(t, manifest.WriteGates(manifest.GatesPath(runRoot), manifest.NewGates()))
	return runRoot
}

func TestHandleHealth(t *testing.T) {
	srv := NewServer(newTestRunRoot(t))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleStatus_ReturnsEnvelopeShapedBody(t *testing.T) {
	srv := NewServer(newTestRunRoot(t))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "dr.cli.v1", body["schema_version"])
	assert.Equal(t, true, body["ok"])
}

func TestHandleStatus_MissingRunReturnsError(t *testing.T) {
	srv := NewServer(t.TempDir() + "/does-not-exist")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	srv.Handler().ServeHTTP(rec, req)
	assert.NotEqual(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["ok"])
}

func TestHandleInspectAndTriage(t *testing.T) {
	srv := NewServer(newTestRunRoot(t))

	for _, path := range []string{"/inspect", "/triage"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
