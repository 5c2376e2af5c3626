package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"cronhub/internal/jobs"
	logx "cronhub/pkg/logx"

	"github.com/hashicorp/go-retryablehttp"
)

var httpMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

// HTTP calls a URL. Transport errors are failures; a non-2xx status is a
// failure only when FailOnNon2xx is set.
type HTTP struct {
	mu     sync.RWMutex
	cfg    HTTPConfig
	client *retryablehttp.Client
}

func NewHTTP(cfg HTTPConfig, log logx.Logger) *HTTP {
	c := retryablehttp.NewClient()
	c.Logger = leveledLogger{log: log}
	// Hand the final response back instead of a synthetic "giving up" error.
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	h := &HTTP{client: c}
	h.Apply(cfg)
	return h
}

// Apply swaps the tunables. The underlying transport is kept.
func (h *HTTP) Apply(cfg HTTPConfig) {
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = 250 * time.Millisecond
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = 2 * time.Second
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = "cronhub"
	}
	h.mu.Lock()
	h.cfg = cfg
	h.client.RetryMax = cfg.RetryMax
	h.client.RetryWaitMin = cfg.RetryWaitMin
	h.client.RetryWaitMax = cfg.RetryWaitMax
	h.mu.Unlock()
}

func (h *HTTP) Validate(params map[string]string) error {
	if err := required(params, jobs.ParamURL); err != nil {
		return err
	}
	u, err := url.Parse(strings.TrimSpace(params[jobs.ParamURL]))
	if err != nil {
		return invalid("bad url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return invalid("url has no host")
	}
	if _, err := method(params); err != nil {
		return err
	}
	if _, err := headers(params); err != nil {
		return err
	}
	return nil
}

func (h *HTTP) Execute(ctx context.Context, params map[string]string) error {
	_, err := h.execute(ctx, params)
	return err
}

func (h *HTTP) execute(ctx context.Context, params map[string]string) (string, error) {
	if err := h.Validate(params); err != nil {
		return "", Permanent(err)
	}
	m, _ := method(params)
	hdr, _ := headers(params)

	var body any
	if b := params[jobs.ParamBody]; b != "" && m != http.MethodGet {
		body = []byte(b)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, m, strings.TrimSpace(params[jobs.ParamURL]), body)
	if err != nil {
		return "", Permanent(err)
	}

	h.mu.RLock()
	cfg := h.cfg
	h.mu.RUnlock()

	req.Header.Set("User-Agent", cfg.UserAgent)
	if body != nil && looksJSON(params[jobs.ParamBody]) {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return "", fmt.Errorf("%s %s: %w", m, req.URL.Redacted(), err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	summary := fmt.Sprintf("%s %s -> %s", m, req.URL.Redacted(), resp.Status)
	if cfg.FailOnNon2xx && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return summary, fmt.Errorf("%s: %s", summary, strings.TrimSpace(string(snippet)))
	}
	return summary, nil
}

func method(params map[string]string) (string, error) {
	m := strings.ToUpper(strings.TrimSpace(params[jobs.ParamMethod]))
	if m == "" {
		return http.MethodGet, nil
	}
	if !httpMethods[m] {
		return "", invalid("unsupported http method %q", m)
	}
	return m, nil
}

func headers(params map[string]string) (map[string]string, error) {
	raw := strings.TrimSpace(params[jobs.ParamHeaders])
	if raw == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, invalid("headers must be a JSON object of strings: %v", err)
	}
	return out, nil
}

func looksJSON(s string) bool {
	s = strings.TrimSpace(s)
	return json.Valid([]byte(s)) && (strings.HasPrefix(s, "{") || strings.HasPrefix(s, "["))
}

// leveledLogger routes retryablehttp's logging into logx.
type leveledLogger struct{ log logx.Logger }

func (l leveledLogger) Error(msg string, kv ...any) { l.log.Error(msg, kvFields(kv)...) }
func (l leveledLogger) Warn(msg string, kv ...any)  { l.log.Warn(msg, kvFields(kv)...) }
func (l leveledLogger) Info(msg string, kv ...any)  { l.log.Debug(msg, kvFields(kv)...) }
func (l leveledLogger) Debug(msg string, kv ...any) { l.log.Trace(msg, kvFields(kv)...) }

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		if k == "url" {
			if u, ok := kv[i+1].(*url.URL); ok {
				out = append(out, logx.String(k, u.Redacted()))
				continue
			}
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
