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

func newAuthApp(t *testing.T) (*fiber.App, *AuthHandler, *MemoryStore) {
	t.Helper()
	store := newTestForumStore(t)
	clientStore := NewMemoryStore(time.Hour)
	correlator := NewCorrelator(clientStore, 5*time.Minute, testLogger())
	auth := NewAuthHandler(store, correlator, testLogger())

	app := fiber.New()
	auth.Register(app)
	return app, auth, clientStore
}

func postJSON(t *testing.T, app *fiber.App, path, payload string, cookies ...*http.Cookie) (*http.Response, map[string]any) {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("CF-Connecting-IP", "198.51.100.20")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	return resp, body
}

func TestSignupLoginRoundTrip(t *testing.T) {
	app, _, _ := newAuthApp(t)

	resp, body := postJSON(t, app, "/api/signup", `{"username":"alice","password":"hunter2hunter2"}`)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			session = c
		}
	}
	require.NotNil(t, session, "signup starts a session")

	resp, body = postJSON(t, app, "/api/login", `{"username":"alice","password":"hunter2hunter2"}`)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	user, ok := body["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice", user["username"])
	assert.NotContains(t, user, "password_hash")
}

func TestSignupValidation(t *testing.T) {
	app, _, _ := newAuthApp(t)

	tests := []struct {
		name    string
		payload string
	}{
		{"short username", `{"username":"ab","password":"longenoughpw"}`},
		{"short password", `{"username":"alice","password":"short"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := postJSON(t, app, "/api/signup", tc.payload)
			assert.Equal(t, 400, resp.StatusCode)
			assert.Equal(t, false, body["ok"])
		})
	}
}

func TestSignupDuplicateUsername(t *testing.T) {
	app, _, _ := newAuthApp(t)

	resp, _ := postJSON(t, app, "/api/signup", `{"username":"alice","password":"hunter2hunter2"}`)
	require.Equal(t, 200, resp.StatusCode)

	resp, body := postJSON(t, app, "/api/signup", `{"username":"alice","password":"otherpassword"}`)
	assert.Equal(t, 409, resp.StatusCode)
	assert.Equal(t, false, body["ok"])
}

func TestFailedLoginRecordsCorrelationEvent(t *testing.T) {
	app, _, clientStore := newAuthApp(t)

	resp, _ := postJSON(t, app, "/api/signup", `{"username":"alice","password":"hunter2hunter2"}`)
	require.Equal(t, 200, resp.StatusCode)

	resp, body := postJSON(t, app, "/api/login", `{"username":"alice","password":"wrongpassword"}`)
	assert.Equal(t, 401, resp.StatusCode)
	assert.Equal(t, false, body["ok"])

	rec, err := clientStore.Get(context.Background(), "198.51.100.20")
	require.NoError(t, err)
	require.NotEmpty(t, rec.Correlation.Events)
	assert.Equal(t, "FAILED_LOGIN", rec.Correlation.Events[len(rec.Correlation.Events)-1].Type)
}

func TestUnknownUserLoginAlsoCorrelates(t *testing.T) {
	app, _, clientStore := newAuthApp(t)

	resp, _ := postJSON(t, app, "/api/login", `{"username":"ghost","password":"whatever123"}`)
	assert.Equal(t, 401, resp.StatusCode)

	rec, err := clientStore.Get(context.Background(), "198.51.100.20")
	require.NoError(t, err)
	require.Len(t, rec.Correlation.Events, 1)
	assert.Equal(t, "FAILED_LOGIN", rec.Correlation.Events[0].Type)
}

func TestLogoutEndsSession(t *testing.T) {
	app, auth, _ := newAuthApp(t)

	resp, _ := postJSON(t, app, "/api/signup", `{"username":"alice","password":"hunter2hunter2"}`)
	require.Equal(t, 200, resp.StatusCode)
	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			session = c
		}
	}
	require.NotNil(t, session)

	resp, body := postJSON(t, app, "/api/logout", `{}`, session)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	_, err := auth.store.UserBySession(session.Value, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}
