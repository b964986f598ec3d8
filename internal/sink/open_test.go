package sink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/perocube/internal/errors"
	"github.com/xtxerr/perocube/internal/retry"
)

func quickRetry() retry.Config {
	rc := retry.Quick()
	rc.InitialDelay = time.Millisecond
	rc.MaxDelay = 5 * time.Millisecond
	return rc
}

func TestOpenRetryWaitsForBackend(t *testing.T) {
	var healthChecks atomic.Int32
	fake := &fakeInflux{writeStatus: http.StatusNoContent}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" && healthChecks.Add(1) <= 2 {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		fake.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	store, err := OpenRetry(context.Background(), Config{
		Backend:        BackendInflux,
		Influx:         InfluxConfig{URL: srv.URL, Token: "token", Org: "lab", Bucket: "b"},
		ConnectTimeout: time.Second,
	}, quickRetry())
	if err != nil {
		t.Fatalf("OpenRetry() = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if store.Name() != "influx" {
		t.Errorf("Name() = %q", store.Name())
	}
	if got := healthChecks.Load(); got != 3 {
		t.Errorf("health checks = %d, want 3", got)
	}
}

func TestOpenRetrySkipsConfigErrors(t *testing.T) {
	start := time.Now()
	_, err := OpenRetry(context.Background(), Config{Backend: "sqlite"}, retry.Quick())
	if !errors.Is(err, errors.ErrInvalidConfig) {
		t.Fatalf("OpenRetry() = %v, want ErrInvalidConfig", err)
	}
	if !errors.Is(err, errors.ErrConnect) {
		t.Errorf("OpenRetry() = %v, want ErrConnect", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("config error retried for %v", elapsed)
	}
}

func TestOpenRetryGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	rc := quickRetry()
	rc.MaxAttempts = 3
	store, err := OpenRetry(context.Background(), Config{
		Backend:        BackendInflux,
		Influx:         InfluxConfig{URL: url, Org: "lab", Bucket: "b"},
		ConnectTimeout: time.Second,
	}, rc)
	if !errors.Is(err, errors.ErrConnect) {
		t.Fatalf("OpenRetry() = %v, want ErrConnect", err)
	}
	if store != nil {
		t.Errorf("store = %v, want nil", store)
	}
}
