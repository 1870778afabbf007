package shipservice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/stretchr/testify/require"

	"github.com/shipyard/bay/internal/config"
	"github.com/shipyard/bay/internal/driver"
	"github.com/shipyard/bay/internal/errs"
	"github.com/shipyard/bay/internal/shipclient"
	"github.com/shipyard/bay/internal/store"
)

// fakeDriver backs each Create call with a real httptest server answering
// /health and /exec, so the readiness probe and Execute's forwarded call
// exercise real HTTP round trips instead of mocked driver internals.
type fakeDriver struct {
	servers map[string]*httptest.Server
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{servers: map[string]*httptest.Server{}}
}

func (f *fakeDriver) Name() string { return "fake" }

func (f *fakeDriver) Create(ctx context.Context, shipID string, spec driver.Spec) (driver.Info, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/exec", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":{"stdout":"ok"},"execution_time_ms":1}`))
	})
	srv := httptest.NewServer(mux)
	f.servers[shipID] = srv
	endpoint := strings.TrimPrefix(srv.URL, "http://")
	return driver.Info{ContainerID: "container-" + shipID, Endpoint: endpoint, Running: true}, nil
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

func newTestService(t *testing.T) (*Service, *store.Store, *fakeDriver) {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	st, err := store.Open("sqlite", ":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	_, err = st.Migrate(migrate.Up)
	require.NoError(t, err)

	cfg := config.Config{
		MaxShipNum:              3,
		BehaviorAfterMaxShip:    config.BehaviorReject,
		ShipHealthCheckTimeout:  2 * time.Second,
		ShipHealthCheckInterval: 10 * time.Millisecond,
		ExecTimeoutSeconds:      60,
		ExecTimeoutMaxSeconds:   120,
		HistoryOutputTruncateBytes: 1024,
	}
	drv := newFakeDriver()
	return New(st, drv, cfg, log), st, drv
}

func TestAcquireCreatesFreshShip(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	ship, err := svc.Acquire(ctx, "sess-1", 60, store.ResourceSpec{CPUs: 1, Memory: "512m"}, false)
	require.NoError(t, err)
	require.Equal(t, store.ShipRunning, ship.Status)
}

func TestAcquireIsIdempotentForSameSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Acquire(ctx, "sess-1", 60, store.ResourceSpec{}, false)
	require.NoError(t, err)

	second, err := svc.Acquire(ctx, "sess-1", 60, store.ResourceSpec{}, false)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
}

func TestAcquireRejectsOverCapacity(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Acquire(ctx, sessionName(i), 60, store.ResourceSpec{}, false)
		require.NoError(t, err)
	}

	_, err := svc.Acquire(ctx, "sess-overflow", 60, store.ResourceSpec{}, false)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.KindCapacityExhaustedReject, e.Kind)
}

func TestExecuteRecordsHistory(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	ship, err := svc.Acquire(ctx, "sess-1", 60, store.ResourceSpec{}, false)
	require.NoError(t, err)

	resp, err := svc.Execute(ctx, ship.ID, "sess-1", shipclient.ExecRequest{
		Type:    shipclient.TypeIPythonExec,
		Payload: []byte(`{"code":"1+1"}`),
	})
	require.NoError(t, err)
	require.True(t, resp.Success)

	history, err := st.Q().ListExecutions(ctx, store.HistoryFilter{SessionID: "sess-1"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "1+1", history[0].Code)
	require.Equal(t, store.ExecPython, history[0].ExecType)
}

func sessionName(i int) string {
	return "sess-" + string(rune('a'+i))
}
