package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/shipyard/bay/internal/config"
	"github.com/shipyard/bay/internal/driver"
	"github.com/shipyard/bay/internal/errs"
	"github.com/shipyard/bay/internal/shipservice"
	"github.com/shipyard/bay/internal/store"
)

// fakeDriver backs each Create call with a real httptest server, the same
// "exercise real HTTP round trips" style as shipservice's own test fake.
type fakeDriver struct {
	servers map[string]*httptest.Server
}

func newFakeDriver() *fakeDriver { return &fakeDriver{servers: map[string]*httptest.Server{}} }

func (f *fakeDriver) Name() string { return "fake" }

func (f *fakeDriver) Create(ctx context.Context, shipID string, spec driver.Spec) (driver.Info, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/exec", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":{"stdout":"ok"},"execution_time_ms":1}`))
	})
	srv := httptest.NewServer(mux)
	f.servers[shipID] = srv
	return driver.Info{ContainerID: "container-" + shipID, Endpoint: strings.TrimPrefix(srv.URL, "http://"), Running: true}, nil
}

func (f *fakeDriver) Inspect(ctx context.Context, shipID string) (driver.Info, error) {
	srv, ok := f.servers[shipID]
	if !ok {
		return driver.Info{}, errs.NotFound("ship", shipID)
	}
	return driver.Info{Running: true, Endpoint: strings.TrimPrefix(srv.URL, "http://")}, nil
}

func (f *fakeDriver) Stop(ctx context.Context, shipID string) error {
	if srv, ok := f.servers[shipID]; ok {
		srv.Close()
		delete(f.servers, shipID)
	}
	return nil
}

func (f *fakeDriver) DataExists(ctx context.Context, shipID string) (bool, error) { return false, nil }
func (f *fakeDriver) DeleteVolume(ctx context.Context, shipID string) error       { return nil }
func (f *fakeDriver) Logs(ctx context.Context, shipID string, tail int) (string, error) {
	return "", nil
}
func (f *fakeDriver) Shutdown(ctx context.Context) error { return nil }

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	st, err := store.Open("sqlite", ":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	_, err = st.Migrate(migrate.Up)
	require.NoError(t, err)

	cfg := config.Config{
		AccessToken:                "test-token",
		MaxShipNum:                 3,
		BehaviorAfterMaxShip:       config.BehaviorReject,
		ShipHealthCheckTimeout:     2 * time.Second,
		ShipHealthCheckInterval:    10 * time.Millisecond,
		ExecTimeoutSeconds:         60,
		ExecTimeoutMaxSeconds:      120,
		HistoryOutputTruncateBytes: 1024,
	}
	ships := shipservice.New(st, newFakeDriver(), cfg, log)
	return New(st, ships, nil, nil, cfg, log), cfg.AccessToken
}

func authed(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestHealthDoesNotRequireAuth(t *testing.T) {
	s, _ := newTestServer(t)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestProtectedRouteRejectsMissingOrBadToken(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stat", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, authed(httptest.NewRequest(http.MethodGet, "/stat", nil), "wrong-token"))
	require.Equal(t, http.StatusUnauthorized, w2.Code)
}

func TestCreateShipThenGetAndExec(t *testing.T) {
	s, token := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"ttl":  60,
		"spec": map[string]interface{}{"cpus": 1, "memory": "512m"},
	})
	req := authed(httptest.NewRequest(http.MethodPost, "/ship", bytes.NewReader(body)), token)
	req.Header.Set("X-SESSION-ID", "sess-1")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	shipID, ok := created["id"].(string)
	require.True(t, ok)
	require.Equal(t, "running", created["status"])
	require.NotContains(t, created, "spec_json")

	getReq := authed(httptest.NewRequest(http.MethodGet, "/ship/"+shipID, nil), token)
	getW := httptest.NewRecorder()
	s.ServeHTTP(getW, getReq)
	require.Equal(t, http.StatusOK, getW.Code)

	execBody, _ := json.Marshal(map[string]interface{}{
		"type":    "shell/exec",
		"payload": map[string]interface{}{"command": "echo hi"},
	})
	execReq := authed(httptest.NewRequest(http.MethodPost, "/ship/"+shipID+"/exec", bytes.NewReader(execBody)), token)
	execReq.Header.Set("X-SESSION-ID", "sess-1")
	execW := httptest.NewRecorder()
	s.ServeHTTP(execW, execReq)
	require.Equal(t, http.StatusOK, execW.Code)

	histReq := authed(httptest.NewRequest(http.MethodGet, "/sessions/sess-1/history?success_only=true", nil), token)
	histW := httptest.NewRecorder()
	s.ServeHTTP(histW, histReq)
	require.Equal(t, http.StatusOK, histW.Code)
	var recs []map[string]interface{}
	require.NoError(t, json.Unmarshal(histW.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
}

func TestGetUnknownShipReturns404(t *testing.T) {
	s, token := newTestServer(t)
	req := authed(httptest.NewRequest(http.MethodGet, "/ship/does-not-exist", nil), token)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListAllSessionsIsUnsupported(t *testing.T) {
	s, token := newTestServer(t)
	req := authed(httptest.NewRequest(http.MethodGet, "/sessions", nil), token)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
