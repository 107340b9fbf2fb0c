package gateguard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct{}

func (failingStore) Get(context.Context, string) (ClientRecord, error) {
	return ClientRecord{}, errors.New("store down")
}
func (failingStore) Mutate(context.Context, string, func(*ClientRecord) error) error {
	return errors.New("store down")
}
func (failingStore) SweepExpired(context.Context, time.Time) (int, error) { return 0, nil }
func (failingStore) HealthCheck(context.Context) error                    { return errors.New("store down") }

func newTestApp(t *testing.T, store ClientStore) *fiber.App {
	t.Helper()
	cfg := DefaultConfig()
	cfgFn := func() *PipelineConfig { return &cfg.Pipeline }

	audit := NewAuditLog(100, nil, testLogger())
	metrics := NewMetrics()
	responder := NewResponder(store, audit, metrics, testLogger(), cfgFn)
	correlator := NewCorrelator(store, cfg.Pipeline.CorrelationWindow.Std(), testLogger())
	correlator.OnPattern(responder.Escalate)

	pipeline, err := NewPipeline(store, correlator, responder, metrics, testLogger(), cfgFn)
	require.NoError(t, err)

	app := fiber.New()
	app.Use(pipeline.Middleware())
	app.Get("/api/discussions", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true, "discussions": []string{}})
	})
	app.Post("/api/login", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})
	return app
}

func doRequest(t *testing.T, app *fiber.App, method, target, ip, body, contentType string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("CF-Connecting-IP", ip)
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US")
	req.Header.Set("Referer", "https://board.example/")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp.StatusCode, decoded
}

func TestPipelineAdmitsCleanRequest(t *testing.T) {
	app := newTestApp(t, NewMemoryStore(time.Hour))

	status, body := doRequest(t, app, "GET", "/api/discussions", "198.51.100.1", "", "")
	assert.Equal(t, 200, status)
	assert.Equal(t, true, body["ok"])
}

func TestPipelineBlocksInjection(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	app := newTestApp(t, store)

	status, body := doRequest(t, app, "GET",
		"/api/discussions?q="+escapeQuery(`' OR '1'='1`), "198.51.100.2", "", "")
	assert.Equal(t, 403, status)
	assert.Equal(t, false, body["ok"])
	assert.NotContains(t, body["error"], "signature")

	// the critical denial banned the identity, a clean follow-up is refused
	status, body = doRequest(t, app, "GET", "/api/discussions", "198.51.100.2", "", "")
	assert.Equal(t, 403, status)
	assert.Equal(t, false, body["ok"])

	rec, err := store.Get(context.Background(), "198.51.100.2")
	require.NoError(t, err)
	assert.True(t, rec.Blacklist.Active(time.Now()))
	assert.Less(t, rec.Reputation.Score, 0)
}

func TestPipelineRateLimitsLogin(t *testing.T) {
	app := newTestApp(t, NewMemoryStore(time.Hour))

	var status int
	for i := 0; i < 6; i++ {
		status, _ = doRequest(t, app, "POST", "/api/login", "198.51.100.3",
			"username=alice&password=wrong", "application/x-www-form-urlencoded")
	}
	assert.Equal(t, 429, status)
}

func TestPipelineMalformedRequest(t *testing.T) {
	app := newTestApp(t, NewMemoryStore(time.Hour))

	// POST without a Content-Type is rejected as malformed, not as policy
	status, body := doRequest(t, app, "POST", "/api/login", "198.51.100.4",
		"username=alice&password=pw", "")
	assert.Equal(t, 400, status)
	assert.Equal(t, false, body["ok"])
}

func TestPipelineFailsClosedOnStoreError(t *testing.T) {
	app := newTestApp(t, failingStore{})

	status, body := doRequest(t, app, "GET", "/api/discussions", "198.51.100.5", "", "")
	assert.Equal(t, 503, status)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "Service unavailable", body["error"])
}

func TestPipelineDenialBodyShape(t *testing.T) {
	app := newTestApp(t, NewMemoryStore(time.Hour))

	status, body := doRequest(t, app, "GET",
		"/api/discussions?file="+escapeQuery("../../etc/passwd"), "198.51.100.6", "", "")
	assert.Equal(t, 403, status)
	assert.Equal(t, false, body["ok"])
	msg, ok := body["error"].(string)
	require.True(t, ok)
	assert.NotContains(t, msg, "path_traversal")
	assert.NotContains(t, msg, "detector")
}

func TestJSONErrorHandlerKeepsDenialShape(t *testing.T) {
	app := fiber.New(fiber.Config{BodyLimit: 64, ErrorHandler: JSONErrorHandler})
	app.Post("/api/discussions", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})

	// a body over the server limit never reaches the pipeline, fiber
	// rejects it itself; the response shape must not change
	status, body := doRequest(t, app, "POST", "/api/discussions", "198.51.100.7",
		strings.Repeat("a", 500), "text/plain")
	assert.Equal(t, 413, status)
	assert.Equal(t, false, body["ok"])
	assert.NotEmpty(t, body["error"])

	status, body = doRequest(t, app, "GET", "/missing", "198.51.100.7", "", "")
	assert.Equal(t, 404, status)
	assert.Equal(t, false, body["ok"])
}

func escapeQuery(s string) string {
	return url.QueryEscape(s)
}
