package debugsrv

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "cronhub/pkg/logx"
)

func newRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "cronhub_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(2)
	return reg
}

func get(t *testing.T, h http.Handler, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerServesMetricsAndHealth(t *testing.T) {
	t.Parallel()
	healthy := false
	s := New(Config{}, logx.Nop(),
		WithGatherer(newRegistry(t)),
		WithHealth(func(context.Context) (any, bool) {
			return map[string]string{"scheduler": "stopped"}, healthy
		}),
	)
	h := s.handler(Config{Pprof: true})

	rec := get(t, h, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "cronhub_test_total 2") {
		t.Fatalf("/metrics = %d %q", rec.Code, rec.Body.String())
	}

	rec = get(t, h, "/healthz", nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"scheduler":"stopped"`) {
		t.Fatalf("/healthz = %d %q", rec.Code, rec.Body.String())
	}
	healthy = true
	if rec = get(t, h, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("/healthz = %d, want 200", rec.Code)
	}

	if rec = get(t, h, "/debug/pprof/", nil); rec.Code != http.StatusOK {
		t.Fatalf("/debug/pprof/ = %d, want 200", rec.Code)
	}
}

func TestHandlerRequiresToken(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), WithGatherer(newRegistry(t)))
	h := s.handler(Config{Token: "s3cret"})

	if rec := get(t, h, "/metrics", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", rec.Code)
	}
	if rec := get(t, h, "/metrics", map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d, want 401", rec.Code)
	}
	if rec := get(t, h, "/metrics", map[string]string{"Authorization": "Bearer s3cret"}); rec.Code != http.StatusOK {
		t.Fatalf("bearer token = %d, want 200", rec.Code)
	}
	if rec := get(t, h, "/healthz?token=s3cret", nil); rec.Code != http.StatusOK {
		t.Fatalf("query token = %d, want 200", rec.Code)
	}
	if rec := get(t, h, "/debug/pprof/", map[string]string{"Authorization": "Bearer s3cret"}); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d, want 404", rec.Code)
	}
}

func waitAddr(t *testing.T, s *Server, want bool) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); (addr != "") == want {
			return addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for listener (want serving=%v)", want)
	return ""
}

func TestReconfigureEnableDisable(t *testing.T) {
	s := New(Config{}, logx.Nop(), WithGatherer(newRegistry(t)))
	t.Cleanup(func() { s.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", BlockProfileRate: -1, MutexProfileFraction: -1})
	addr := waitAddr(t, s, true)

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Fatalf("/healthz = %d %q", resp.StatusCode, body)
	}

	s.Reconfigure(ctx, Config{Enabled: false, BlockProfileRate: -1, MutexProfileFraction: -1})
	waitAddr(t, s, false)
	if s.Supervisor() != nil {
		t.Fatal("supervisor still set after disable")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"10.0.0.1:80":    false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
