package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetglass/fleetglass/control_plane/auth"
	"github.com/fleetglass/fleetglass/control_plane/connmgr"
	"github.com/fleetglass/fleetglass/control_plane/policy"
	"github.com/fleetglass/fleetglass/control_plane/store"
	"github.com/fleetglass/fleetglass/control_plane/vault"
	"github.com/fleetglass/fleetglass/control_plane/webhook"
)

var (
	testIssueKey      = []byte("test-issue-key-0123456789abcdef")
	testSigningSecret = []byte("test-signing-secret-0123456789abcdef")
)

// offlineDialer fails every dial; API tests never reach a real host.
type offlineDialer struct{}

func (offlineDialer) Dial(context.Context, *store.Server, *connmgr.Credential) (connmgr.Conn, error) {
	return nil, connmgr.ErrNetworkTimeout
}

type apiFixture struct {
	handler http.Handler
	st      store.Store
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	st := store.NewMemoryStore()
	v, err := vault.New([]byte("test-master-key-0123"), []byte("test-salt"))
	require.NoError(t, err)
	tokens, err := auth.NewTokenService(testSigningSecret)
	require.NoError(t, err)
	gate, err := policy.NewGate(policy.Config{Mode: policy.ModeDenylist})
	require.NoError(t, err)

	manager := connmgr.NewManager(offlineDialer{}, newCredentialSource(st, v), connmgr.DefaultConfig())

	disp := webhook.NewDispatcher(st, webhook.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, disp.Start(ctx))
	t.Cleanup(func() {
		cancel()
		disp.Stop()
	})

	agg := NewAggregator(st, nil, manager, disp, time.Hour)
	agg.ctx = ctx

	hub := NewBroadcastHub(time.Hour, agg.SerializeState)
	terms := NewTerminalManager(tokens, manager, time.Minute)
	tasks := NewTaskService(st, gate, manager, disp, time.Second)

	api := NewAPI(st, v, manager, agg, tasks, disp, hub, terms, tokens, nil, testIssueKey)
	return &apiFixture{handler: api.routes(), st: st}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) token(t *testing.T, subject, role string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/auth/token",
		strings.NewReader(fmt.Sprintf(`{"subject":%q,"role":%q}`, subject, role)))
	req.Header.Set("X-Auth-Key", string(testIssueKey))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Token
}

func TestTokenIssuanceRequiresIssueKey(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/token",
		strings.NewReader(`{"subject":"mallory","role":"admin"}`))
	req.Header.Set("X-Auth-Key", "wrong")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The signing secret is a different credential and must not mint.
	req = httptest.NewRequest(http.MethodPost, "/auth/token",
		strings.NewReader(`{"subject":"mallory","role":"admin"}`))
	req.Header.Set("X-Auth-Key", string(testSigningSecret))
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// With the right key, the minted token opens the API.
	token := f.token(t, "alice", auth.RoleAdmin)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/servers", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/servers", token, nil).Code)
}

func TestRoleEnforcement(t *testing.T) {
	f := newAPIFixture(t)
	viewer := f.token(t, "bob", auth.RoleViewer)
	operator := f.token(t, "carol", auth.RoleOperator)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/servers", viewer, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/servers", viewer,
		map[string]interface{}{"name": "x", "host": "h"}).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/credentials", operator, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/audit", viewer, nil).Code)
}

func TestCredentialLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.token(t, "alice", auth.RoleAdmin)

	rec := f.do(t, http.MethodPost, "/credentials", admin, map[string]string{
		"name":     "prod-root",
		"key_type": "password",
		"username": "root",
		"secret":   "hunter2-hunter2",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Secret material never appears in any response.
	body := rec.Body.String()
	assert.NotContains(t, body, "hunter2")
	assert.NotContains(t, body, "ciphertext")

	var cred struct {
		ID          string `json:"id"`
		Fingerprint string `json:"fingerprint"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cred))
	assert.True(t, strings.HasPrefix(cred.Fingerprint, "SHA256:"))

	list := f.do(t, http.MethodGet, "/credentials", admin, nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.NotContains(t, list.Body.String(), "hunter2")

	del := f.do(t, http.MethodDelete, "/credentials/"+cred.ID, admin, nil)
	assert.Equal(t, http.StatusNoContent, del.Code)

	// A soft-deleted credential cannot back a new server.
	create := f.do(t, http.MethodPost, "/servers", admin, map[string]interface{}{
		"name": "web-1", "host": "10.0.0.5", "credential_id": cred.ID,
	})
	assert.Equal(t, http.StatusBadRequest, create.Code)
}

func TestServerLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.token(t, "alice", auth.RoleAdmin)

	rec := f.do(t, http.MethodPost, "/servers", admin, map[string]interface{}{
		"name": "web-1", "host": "10.0.0.5", "port": 2222,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var srv store.Server
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &srv))
	assert.NotEmpty(t, srv.ID)
	assert.Equal(t, store.StatusUnknown, srv.Status)

	get := f.do(t, http.MethodGet, "/servers/"+srv.ID, admin, nil)
	assert.Equal(t, http.StatusOK, get.Code)

	del := f.do(t, http.MethodDelete, "/servers/"+srv.ID, admin, nil)
	assert.Equal(t, http.StatusNoContent, del.Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/servers/"+srv.ID, admin, nil).Code)
}

func TestDangerousTaskDeniedOverAPI(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.token(t, "alice", auth.RoleAdmin)

	rec := f.do(t, http.MethodPost, "/servers", admin, map[string]interface{}{
		"name": "web-1", "host": "10.0.0.5",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var srv store.Server
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &srv))

	resp := f.do(t, http.MethodPost, "/tasks", admin, map[string]string{
		"server_id": srv.ID, "command": "rm -rf /",
	})
	require.Equal(t, http.StatusForbidden, resp.Code)
	var task store.TaskRequest
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &task))
	assert.Equal(t, store.DecisionDenied, task.Decision)
	assert.NotEmpty(t, task.DecisionReason)
}

func TestWebhookRegistrationValidation(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.token(t, "alice", auth.RoleAdmin)

	// Loopback destinations are rejected outright.
	rec := f.do(t, http.MethodPost, "/webhooks", admin, map[string]interface{}{
		"name": "bad", "url": "http://127.0.0.1/hook", "secret": "s3cret",
		"events": []string{webhook.EventTaskCompleted},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/webhooks", admin, map[string]interface{}{
		"name": "ok", "url": "http://203.0.113.10/hook", "secret": "s3cret",
		"events": []string{webhook.EventTaskCompleted},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "s3cret")

	var sub store.WebhookSubscription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	del := f.do(t, http.MethodDelete, "/webhooks/"+sub.ID, admin, nil)
	assert.Equal(t, http.StatusNoContent, del.Code)
}
