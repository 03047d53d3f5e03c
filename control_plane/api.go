package main

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/fleetglass/fleetglass/control_plane/auth"
	"github.com/fleetglass/fleetglass/control_plane/connmgr"
	"github.com/fleetglass/fleetglass/control_plane/middleware"
	"github.com/fleetglass/fleetglass/control_plane/observability"
	"github.com/fleetglass/fleetglass/control_plane/store"
	"github.com/fleetglass/fleetglass/control_plane/vault"
	"github.com/fleetglass/fleetglass/control_plane/webhook"
)

// API owns the HTTP surface of the control plane.
type API struct {
	store      store.Store
	vault      *vault.Vault
	manager    *connmgr.Manager
	aggregator *Aggregator
	tasks      *TaskService
	dispatcher *webhook.Dispatcher
	hub        *BroadcastHub
	terminals  *TerminalManager
	tokens     *auth.TokenService
	cache      *store.RedisCache // optional

	// issueKey authorizes token minting; held by operators out of band.
	issueKey []byte

	// Storm protection on the auth and mutation paths.
	authLimiter   *rate.Limiter
	mutateLimiter *rate.Limiter
}

func NewAPI(st store.Store, v *vault.Vault, mgr *connmgr.Manager, agg *Aggregator, tasks *TaskService, disp *webhook.Dispatcher, hub *BroadcastHub, terms *TerminalManager, tokens *auth.TokenService, cache *store.RedisCache, issueKey []byte) *API {
	return &API{
		store:      st,
		vault:      v,
		manager:    mgr,
		aggregator: agg,
		tasks:      tasks,
		dispatcher: disp,
		hub:        hub,
		terminals:  terms,
		tokens:     tokens,
		cache:      cache,
		issueKey:   issueKey,
		// 5 token requests/sec, burst 10
		authLimiter: rate.NewLimiter(rate.Limit(5), 10),
		// 50 mutations/sec, burst 100
		mutateLimiter: rate.NewLimiter(rate.Limit(50), 100),
	}
}

// routes builds the full HTTP surface with auth and role enforcement.
func (a *API) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/auth/token", a.handleIssueToken)

	authed := func(h http.HandlerFunc) http.Handler {
		return middleware.Auth(a.tokens, h)
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return middleware.Auth(a.tokens, middleware.RequireRole(h, auth.RoleAdmin))
	}
	operator := func(h http.HandlerFunc) http.Handler {
		return middleware.Auth(a.tokens, middleware.RequireRole(h, auth.RoleOperator, auth.RoleAdmin))
	}

	mux.Handle("/servers", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			authed(a.handleListServers).ServeHTTP(w, r)
			return
		}
		admin(a.handleCreateServer).ServeHTTP(w, r)
	}))
	mux.Handle("/servers/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			authed(a.handleServerByID).ServeHTTP(w, r)
			return
		}
		admin(a.handleServerByID).ServeHTTP(w, r)
	}))
	mux.Handle("/overview", authed(a.handleOverview))

	mux.Handle("/credentials", admin(a.handleCredentials))
	mux.Handle("/credentials/", admin(a.handleCredentialByID))

	mux.Handle("/tasks", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			authed(a.handleTasks).ServeHTTP(w, r)
			return
		}
		operator(a.handleTasks).ServeHTTP(w, r)
	}))
	mux.Handle("/tasks/", authed(a.handleTaskByID))

	mux.Handle("/webhooks", admin(a.handleWebhooks))
	mux.Handle("/webhooks/", admin(a.handleWebhookByID))

	mux.Handle("/audit", admin(a.handleAudit))

	mux.Handle("/stream", authed(a.handleStream))
	// Terminal auth happens in the session handshake frame, because the
	// browser WebSocket API cannot set an Authorization header.
	mux.HandleFunc("/terminal", a.handleTerminal)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeRateLimitError writes a 429 with a jittered Retry-After.
func (a *API) writeRateLimitError(w http.ResponseWriter, path string) {
	observability.APIRateLimited.WithLabelValues(path).Inc()
	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter/1000))
	http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
}

// pathID extracts the trailing identifier of /prefix/{id} style paths.
func pathID(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	return strings.Trim(rest, "/")
}

// -- Auth --

func (a *API) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.authLimiter.Allow() {
		a.writeRateLimitError(w, "auth")
		return
	}
	if !hmac.Equal([]byte(r.Header.Get("X-Auth-Key")), a.issueKey) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Subject string `json:"subject"`
		Role    string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Subject == "" {
		http.Error(w, "subject is required", http.StatusBadRequest)
		return
	}

	token, err := a.tokens.Generate(req.Subject, req.Role)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid role: %v", err), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// -- Servers --

func (a *API) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := a.store.ListServers(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, servers)
}

func (a *API) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	if !a.mutateLimiter.Allow() {
		a.writeRateLimitError(w, "servers")
		return
	}

	var server store.Server
	if err := json.NewDecoder(r.Body).Decode(&server); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if server.Name == "" || server.Host == "" {
		http.Error(w, "name and host are required", http.StatusBadRequest)
		return
	}
	if server.Port <= 0 {
		server.Port = 22
	}
	if server.CredentialID != "" {
		if _, err := a.store.GetCredential(r.Context(), server.CredentialID); err != nil {
			http.Error(w, "Unknown credential", http.StatusBadRequest)
			return
		}
	}

	server.ID = uuid.NewString()
	server.Status = store.StatusUnknown
	server.CreatedAt = time.Now().UTC()
	server.UpdatedAt = server.CreatedAt

	if err := a.store.CreateServer(r.Context(), &server); err != nil {
		log.Printf("api: create server %s: %v", server.Name, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	a.manager.Add(&server)
	a.aggregator.Watch(server.ID)
	a.audit(r, "server.created", server.ID, server.Name)
	writeJSON(w, http.StatusCreated, server)
}

func (a *API) handleServerByID(w http.ResponseWriter, r *http.Request) {
	id := pathID(r.URL.Path, "/servers")

	// /servers/{id}/credential swaps the credential reference.
	if strings.HasSuffix(r.URL.Path, "/credential") {
		a.handleSetServerCredential(w, r, strings.TrimSuffix(id, "/credential"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		server, err := a.store.GetServer(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Server not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, server)

	case http.MethodDelete:
		a.aggregator.Unwatch(id)
		a.manager.Remove(id)
		if err := a.store.DeleteServer(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "Server not found", http.StatusNotFound)
				return
			}
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		a.audit(r, "server.deleted", id, "")
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleSetServerCredential(w http.ResponseWriter, r *http.Request, serverID string) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		CredentialID string `json:"credential_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if _, err := a.store.GetCredential(r.Context(), req.CredentialID); err != nil {
		http.Error(w, "Unknown credential", http.StatusBadRequest)
		return
	}

	server, err := a.store.GetServer(r.Context(), serverID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Server not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	server.CredentialID = req.CredentialID
	server.UpdatedAt = time.Now().UTC()
	if err := a.store.CreateServer(r.Context(), server); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	// Clears the auth_error lockout and restarts the retry schedule.
	if err := a.manager.SetCredential(serverID, req.CredentialID); err != nil && !errors.Is(err, connmgr.ErrUnknownServer) {
		log.Printf("api: set credential for %s: %v", serverID, err)
	}
	a.audit(r, "server.credential_changed", serverID, req.CredentialID)
	writeJSON(w, http.StatusOK, server)
}

func (a *API) handleOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.cache != nil {
		if ov, err := a.cache.GetOverview(r.Context()); err == nil {
			writeJSON(w, http.StatusOK, ov)
			return
		}
	}
	writeJSON(w, http.StatusOK, a.aggregator.Overview())
}

// -- Credentials --

func (a *API) handleCredentials(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		recs, err := a.store.ListCredentials(r.Context())
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		// Ciphertext fields carry json:"-"; only metadata leaves here.
		writeJSON(w, http.StatusOK, recs)

	case http.MethodPost:
		a.handleCreateCredential(w, r)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	if !a.mutateLimiter.Allow() {
		a.writeRateLimitError(w, "credentials")
		return
	}

	var req struct {
		Name     string `json:"name"`
		KeyType  string `json:"key_type"`
		Username string `json:"username"`
		Secret   string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Username == "" || req.Secret == "" {
		http.Error(w, "name, username and secret are required", http.StatusBadRequest)
		return
	}
	if req.KeyType != "password" && req.KeyType != "private_key" {
		http.Error(w, "key_type must be password or private_key", http.StatusBadRequest)
		return
	}

	ciphertext, iv, tag, err := a.vault.Encrypt([]byte(req.Secret))
	if err != nil {
		log.Printf("api: encrypt credential: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	fingerprint := vault.Fingerprint([]byte(req.Secret))
	req.Secret = ""

	subject, _ := middleware.GetSubject(r.Context())
	rec := &store.CredentialRecord{
		ID:          uuid.NewString(),
		Name:        req.Name,
		KeyType:     req.KeyType,
		Username:    req.Username,
		Ciphertext:  ciphertext,
		IV:          iv,
		AuthTag:     tag,
		Fingerprint: fingerprint,
		CreatedBy:   subject,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.store.CreateCredential(r.Context(), rec); err != nil {
		log.Printf("api: create credential %s: %v", rec.Name, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	a.audit(r, "credential.created", rec.ID, rec.Fingerprint)
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handleCredentialByID(w http.ResponseWriter, r *http.Request) {
	id := pathID(r.URL.Path, "/credentials")
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Soft delete only: the record stays for audit history, but lookups
	// and connection attempts no longer see it.
	if err := a.store.SoftDeleteCredential(r.Context(), id, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Credential not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	a.audit(r, "credential.deleted", id, "")
	w.WriteHeader(http.StatusNoContent)
}

// -- Tasks --

func (a *API) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		serverID := r.URL.Query().Get("server_id")
		tasks, err := a.store.ListTasks(r.Context(), serverID, 50)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, tasks)

	case http.MethodPost:
		a.handleSubmitTask(w, r)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if !a.mutateLimiter.Allow() {
		a.writeRateLimitError(w, "tasks")
		return
	}

	var req struct {
		ServerID string `json:"server_id"`
		Command  string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ServerID == "" || req.Command == "" {
		http.Error(w, "server_id and command are required", http.StatusBadRequest)
		return
	}

	subject, err := middleware.GetSubject(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	role, _ := middleware.GetRole(r.Context())

	taskID := uuid.NewString()
	if key := r.Header.Get("X-Idempotency-Key"); key != "" && a.cache != nil {
		existing, won, cerr := a.cache.ClaimTaskKey(r.Context(), key, taskID)
		if cerr != nil {
			log.Printf("api: idempotency claim: %v", cerr)
		} else if !won {
			// Duplicate submission: return the original task, do not
			// execute the command again.
			task, gerr := a.store.GetTask(r.Context(), existing)
			if gerr == nil {
				writeJSON(w, http.StatusOK, task)
				return
			}
		}
	}

	task, err := a.tasks.Submit(r.Context(), taskID, req.ServerID, req.Command, subject, role)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Server not found", http.StatusNotFound)
			return
		}
		log.Printf("api: submit task: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	status := http.StatusCreated
	if task.Decision == store.DecisionDenied {
		status = http.StatusForbidden
	}
	writeJSON(w, status, task)
}

func (a *API) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := pathID(r.URL.Path, "/tasks")
	task, err := a.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// -- Webhooks --

func (a *API) handleWebhooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		subs, err := a.store.ListSubscriptions(r.Context())
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, subs)

	case http.MethodPost:
		a.handleCreateWebhook(w, r)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	if !a.mutateLimiter.Allow() {
		a.writeRateLimitError(w, "webhooks")
		return
	}

	// The subscription struct hides Secret from JSON output, so the
	// request body is decoded into its own shape.
	var req struct {
		Name   string   `json:"name"`
		URL    string   `json:"url"`
		Secret string   `json:"secret"`
		Events []string `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sub := store.WebhookSubscription{
		ID:        uuid.NewString(),
		Name:      req.Name,
		URL:       req.URL,
		Secret:    req.Secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := a.dispatcher.ValidateSubscription(&sub); err != nil {
		http.Error(w, fmt.Sprintf("Invalid subscription: %v", err), http.StatusBadRequest)
		return
	}
	if err := a.store.CreateSubscription(r.Context(), &sub); err != nil {
		log.Printf("api: create webhook %s: %v", sub.Name, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if err := a.dispatcher.Register(&sub); err != nil {
		log.Printf("api: register webhook worker %s: %v", sub.ID, err)
	}
	a.audit(r, "webhook.created", sub.ID, sub.URL)
	writeJSON(w, http.StatusCreated, sub)
}

func (a *API) handleWebhookByID(w http.ResponseWriter, r *http.Request) {
	id := pathID(r.URL.Path, "/webhooks")
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.dispatcher.Unregister(id)
	if err := a.store.SoftDeleteSubscription(r.Context(), id, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Subscription not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	a.audit(r, "webhook.deleted", id, "")
	w.WriteHeader(http.StatusNoContent)
}

// -- Audit --

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries, err := a.store.ListAudit(r.Context(), 200)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) audit(r *http.Request, action, targetID, detail string) {
	subject, _ := middleware.GetSubject(r.Context())
	entry := &store.AuditEntry{
		ID:        uuid.NewString(),
		Actor:     subject,
		Action:    action,
		TargetID:  targetID,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	if err := a.store.AppendAudit(r.Context(), entry); err != nil {
		log.Printf("api: append audit: %v", err)
	}
}
