package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cronhub/internal/config"
	"cronhub/internal/jobs"
	"cronhub/internal/task/scheduler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cronhub.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const testConfig = `
logging:
  level: error
scheduler:
  timezone: UTC
  workers: 2
  idle_wait: 50ms
storage:
  driver: memory
`

func TestAppFiresHTTPJobAndStops(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a, err := New(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	r := a.Scheduler().AddJob(ctx, scheduler.JobSpec{
		Group:    "hooks",
		Name:     "ping",
		Type:     "http",
		Params:   map[string]string{jobs.ParamURL: srv.URL},
		Schedule: "100ms",
	})
	if !r.OK() {
		t.Fatalf("AddJob = %+v", r)
	}

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for hits.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hits.Load() < 2 {
		t.Fatalf("hits = %d, want >= 2", hits.Load())
	}

	status, healthy := a.health(ctx)
	if !healthy || status.(healthStatus).Scheduler != "running" {
		t.Fatalf("health = %+v, %v", status, healthy)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	_, err := New(writeConfig(t, "scheduler:\n  timezone: Nowhere/Land\n"))
	if err == nil || !strings.Contains(err.Error(), "scheduler.timezone") {
		t.Fatalf("New err = %v, want timezone error", err)
	}
}

func TestReloadAppliesLiveSettings(t *testing.T) {
	t.Parallel()
	a, err := New(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	prev := a.cfgm.Get()
	next := *prev
	next.Scheduler.MisfireThreshold = "1m"
	a.reload(context.Background(), prev, &next)
	if got := a.calc.MisfireThreshold(); got != time.Minute {
		t.Fatalf("misfire threshold = %v, want 1m", got)
	}
}

func TestMapEngineSizesQueueToWorkers(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Scheduler: config.SchedulerConfig{Workers: 3}}
	ec, err := mapExecutors(cfg)
	if err != nil {
		t.Fatal(err)
	}
	got := mapEngine(cfg, ec)
	if got.Workers != 3 || got.QueueSize != 3 || got.RetryMax >= 0 {
		t.Fatalf("engine config = %+v", got)
	}
}
