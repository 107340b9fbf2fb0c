package gateguard

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFlag(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"canonical", "FLAG{console_master}", "flagconsole_master"},
		{"spaces and case", "  Flag { Console_Master } ", "flagconsole_master"},
		{"dashes stripped", "FLAG-{console_master}", "flagconsole_master"},
		{"no wrapper", "flagconsole_master", "flagconsole_master"},
		{"underscores kept", "a_b-c d", "a_bcd"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, normalizeFlag(tc.in))
		})
	}
}

func newCTFApp(t *testing.T) (*fiber.App, *ForumStore) {
	t.Helper()
	store := newTestForumStore(t)
	correlator := NewCorrelator(NewMemoryStore(time.Hour), 5*time.Minute, testLogger())
	auth := NewAuthHandler(store, correlator, testLogger())
	ctf := NewCTFHandler(store, auth, correlator, testLogger())

	app := fiber.New()
	auth.Register(app)
	ctf.Register(app)
	return app, store
}

func ctfLogin(t *testing.T, store *ForumStore) string {
	t.Helper()
	now := time.Now()
	user, err := store.CreateUser("player", "hash", now)
	require.NoError(t, err)
	require.NoError(t, store.CreateSession("session-token", user.ID, now, time.Hour))
	return "session-token"
}

func postFlag(t *testing.T, app *fiber.App, token, payload string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/ctf/check", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	return resp.StatusCode, body
}

func TestCTFCheckRequiresLogin(t *testing.T) {
	app, _ := newCTFApp(t)
	status, body := postFlag(t, app, "", `{"id":1,"flag":"FLAG{x}"}`)
	assert.Equal(t, 401, status)
	assert.Equal(t, false, body["ok"])
}

func TestCTFCheckCorrectFlag(t *testing.T) {
	app, store := newCTFApp(t)
	token := ctfLogin(t, store)
	require.NoError(t, store.UpsertChallenge(Challenge{ID: 5, Name: "warmup", Flag: "FLAG{console_master}", Points: 10}))

	status, body := postFlag(t, app, token, `{"id":5,"flag":"flag { CONSOLE_MASTER }"}`)
	assert.Equal(t, 200, status)
	assert.Equal(t, true, body["ok"])

	user, err := store.UserByName("player")
	require.NoError(t, err)
	score, err := store.UserScore(user.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, score)
}

func TestCTFCheckWrongFlagNeverLeaks(t *testing.T) {
	app, store := newCTFApp(t)
	token := ctfLogin(t, store)
	require.NoError(t, store.UpsertChallenge(Challenge{ID: 5, Name: "warmup", Flag: "FLAG{super_secret}", Points: 10}))

	status, body := postFlag(t, app, token, `{"id":5,"flag":"FLAG{nope}"}`)
	assert.Equal(t, 200, status)
	assert.Equal(t, false, body["ok"])

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super_secret")
}

func TestCTFCheckUnknownChallenge(t *testing.T) {
	app, store := newCTFApp(t)
	token := ctfLogin(t, store)

	status, body := postFlag(t, app, token, `{"id":42,"flag":"FLAG{x}"}`)
	assert.Equal(t, 400, status)
	assert.Equal(t, "Unknown challenge", body["error"])
}

func TestCTFCheckFailureFeedsCorrelation(t *testing.T) {
	store := newTestForumStore(t)
	clientStore := NewMemoryStore(time.Hour)
	correlator := NewCorrelator(clientStore, 5*time.Minute, testLogger())
	auth := NewAuthHandler(store, correlator, testLogger())
	ctf := NewCTFHandler(store, auth, correlator, testLogger())

	app := fiber.New()
	ctf.Register(app)

	token := ctfLogin(t, store)
	require.NoError(t, store.UpsertChallenge(Challenge{ID: 1, Name: "c", Flag: "FLAG{right}", Points: 5}))

	req := httptest.NewRequest("POST", "/api/ctf/check", strings.NewReader(`{"id":1,"flag":"FLAG{wrong}"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("CF-Connecting-IP", "198.51.100.9")
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	resp.Body.Close()

	rec, err := clientStore.Get(context.Background(), "198.51.100.9")
	require.NoError(t, err)
	require.Len(t, rec.Correlation.Events, 1)
	assert.Equal(t, "CTF_FAILED", rec.Correlation.Events[0].Type)
}
