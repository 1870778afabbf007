package warmpool

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
	"github.com/shipyard/bay/internal/store"
)

type fakeDriver struct {
	servers map[string]*httptest.Server
}

func newFakeDriver() *fakeDriver { return &fakeDriver{servers: map[string]*httptest.Server{}} }

func (f *fakeDriver) Name() string { return "fake" }

func (f *fakeDriver) Create(ctx context.Context, shipID string, spec driver.Spec) (driver.Info, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := httptest.NewServer(mux)
	f.servers[shipID] = srv
	return driver.Info{ContainerID: "c-" + shipID, Endpoint: strings.TrimPrefix(srv.URL, "http://"), Running: true}, nil
}

func (f *fakeDriver) Inspect(ctx context.Context, shipID string) (driver.Info, error) {
	return driver.Info{Running: true}, nil
}

func (f *fakeDriver) Stop(ctx context.Context, shipID string) error {
	if srv, ok := f.servers[shipID]; ok {
		srv.Close()
		delete(f.servers, shipID)
	}
	return nil
}

func (f *fakeDriver) DataExists(ctx context.Context, shipID string) (bool, error) { return true, nil }
func (f *fakeDriver) DeleteVolume(ctx context.Context, shipID string) error       { return nil }
func (f *fakeDriver) Logs(ctx context.Context, shipID string, tail int) (string, error) {
	return "", nil
}
func (f *fakeDriver) Shutdown(ctx context.Context) error { return nil }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	st, err := store.Open("sqlite", ":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	_, err = st.Migrate(migrate.Up)
	require.NoError(t, err)
	return st
}

func TestReplenishCreatesUpToMinSize(t *testing.T) {
	st := newTestStore(t)
	drv := newFakeDriver()
	cfg := config.Config{
		WarmPoolEnabled:         true,
		WarmPoolMinSize:         2,
		WarmPoolMaxSize:         5,
		MaxShipNum:              10,
		ShipHealthCheckTimeout:  time.Second,
		ShipHealthCheckInterval: 5 * time.Millisecond,
		ExecTimeoutSeconds:      60,
	}
	r := New(st, drv, cfg, logrus.NewEntry(logrus.New()), func() {})

	require.NoError(t, r.replenish(context.Background()))

	count, err := st.Q().CountWarmPoolRunning(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestReplenishRespectsGlobalCap(t *testing.T) {
	st := newTestStore(t)
	drv := newFakeDriver()
	ctx := context.Background()

	// Pre-fill the global budget to within 1 of MAX_SHIP_NUM.
	require.NoError(t, st.Q().InsertCreating(ctx, "occupant-1", store.ResourceSpec{}, 60, false))
	require.NoError(t, st.Q().MarkRunning(ctx, "occupant-1", "c", "e", 60))

	cfg := config.Config{
		WarmPoolEnabled:         true,
		WarmPoolMinSize:         3,
		WarmPoolMaxSize:         5,
		MaxShipNum:              2,
		ShipHealthCheckTimeout:  time.Second,
		ShipHealthCheckInterval: 5 * time.Millisecond,
		ExecTimeoutSeconds:      60,
	}
	r := New(st, drv, cfg, logrus.NewEntry(logrus.New()), func() {})
	require.NoError(t, r.replenish(ctx))

	total, err := st.Q().CountNonStopped(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, total) // never exceeds MAX_SHIP_NUM
}

func TestShrinkEvictsOldestFirst(t *testing.T) {
	st := newTestStore(t)
	drv := newFakeDriver()
	ctx := context.Background()
	cfg := config.Config{
		WarmPoolEnabled:         true,
		WarmPoolMinSize:         1,
		WarmPoolMaxSize:         1,
		MaxShipNum:              10,
		ShipHealthCheckTimeout:  time.Second,
		ShipHealthCheckInterval: 5 * time.Millisecond,
		ExecTimeoutSeconds:      60,
	}
	woken := 0
	r := New(st, drv, cfg, logrus.NewEntry(logrus.New()), func() { woken++ })

	for i := 0; i < 3; i++ {
		id := "pool-" + string(rune('a'+i))
		require.NoError(t, st.Q().InsertCreating(ctx, id, store.ResourceSpec{}, 60, true))
		require.NoError(t, st.Q().MarkRunning(ctx, id, "c", "e", 60))
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, r.shrink(ctx))

	count, err := st.Q().CountWarmPoolRunning(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, 2, woken)

	newest, err := st.Q().GetShip(ctx, "pool-c")
	require.NoError(t, err)
	require.True(t, newest.WarmPool)
	require.Equal(t, store.ShipRunning, newest.Status)
}
