// Package authority is an in-memory remote authority speaking the sync
// contract: batch submission, status, full sync, conflict resolution and the
// persistent notification channel. It backs the development server and the
// engine's end-to-end tests.
package authority

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"offsync/internal/middleware"
	"offsync/internal/models"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Option customizes an Authority.
type Option func(*Authority)

// WithToken requires "Bearer <token>" on HTTP calls and ?token= on /ws.
func WithToken(token string) Option {
	return func(a *Authority) { a.token = token }
}

// WithClock replaces the server clock.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

type client struct {
	conn     *websocket.Conn
	deviceID string
}

// Authority holds the server-side dataset in memory.
type Authority struct {
	router *mux.Router
	logger *logrus.Logger
	token  string
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	entities    map[string]map[string]json.RawMessage
	seen        map[string]models.BatchItemResult
	applied     []models.BatchOperation
	batches     []models.BatchRequest
	resolutions []models.ResolveRequest
	injected    map[string]json.RawMessage
	failStatus  int
	lastSync    map[string]int64

	clientsMu sync.Mutex
	clients   map[*client]struct{}
}

func New(logger *logrus.Logger, opts ...Option) *Authority {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Authority{
		router:   mux.NewRouter(),
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		entities: make(map[string]map[string]json.RawMessage),
		seen:     make(map[string]models.BatchItemResult),
		injected: make(map[string]json.RawMessage),
		lastSync: make(map[string]int64),
		clients:  make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.setupRoutes()
	return a
}

func (a *Authority) setupRoutes() {
	a.router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	a.router.HandleFunc("/ws", a.handleWebSocket).Methods(http.MethodGet)

	syncRoutes := a.router.PathPrefix("/sync").Subrouter()
	syncRoutes.Use(middleware.ObservabilityMiddleware(a.logger), a.authenticate, a.failureInjection)
	syncRoutes.HandleFunc("/batch", a.handleBatch).Methods(http.MethodPost)
	syncRoutes.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	syncRoutes.HandleFunc("/full", a.handleFull).Methods(http.MethodGet)
	syncRoutes.HandleFunc("/resolve", a.handleResolve).Methods(http.MethodPost)
}

// Handler returns the HTTP handler serving the whole contract.
func (a *Authority) Handler() http.Handler {
	return a.router
}

// Close drops every persistent connection.
func (a *Authority) Close() {
	a.cancel()

	a.clientsMu.Lock()
	clients := make([]*client, 0, len(a.clients))
	for c := range a.clients {
		clients = append(clients, c)
	}
	a.clients = make(map[*client]struct{})
	a.clientsMu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "authority shutting down")
	}
}

// SetFailure makes every /sync call answer with status until cleared with 0.
func (a *Authority) SetFailure(status int) {
	a.mu.Lock()
	a.failStatus = status
	a.mu.Unlock()
}

// InjectConflict makes the next operation on the entity conflict with
// server. A nil server version means the server deleted the entity.
func (a *Authority) InjectConflict(collection, entityID string, server json.RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if server == nil {
		server = json.RawMessage("null")
	}
	a.injected[key(collection, entityID)] = server
}

// Seed stores a server-side record without going through a batch.
func (a *Authority) Seed(collection, entityID string, data json.RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.put(collection, entityID, data)
}

// Entity returns the server's copy of a record.
func (a *Authority) Entity(collection, entityID string) (json.RawMessage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.entities[collection][entityID]
	return data, ok
}

// Applied returns every operation that changed server state, in order.
// Replays of an already seen idempotency key are not included.
func (a *Authority) Applied() []models.BatchOperation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.BatchOperation(nil), a.applied...)
}

// Batches returns every batch request received, including replays.
func (a *Authority) Batches() []models.BatchRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.BatchRequest(nil), a.batches...)
}

// Resolutions returns every resolution reported by clients.
func (a *Authority) Resolutions() []models.ResolveRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.ResolveRequest(nil), a.resolutions...)
}

// ConnectedDevices lists device ids with an open persistent channel.
func (a *Authority) ConnectedDevices() []string {
	a.clientsMu.Lock()
	defer a.clientsMu.Unlock()

	out := make([]string, 0, len(a.clients))
	for c := range a.clients {
		out = append(out, c.deviceID)
	}
	sort.Strings(out)
	return out
}

// put and remove require a.mu.
func (a *Authority) put(collection, entityID string, data json.RawMessage) {
	if a.entities[collection] == nil {
		a.entities[collection] = make(map[string]json.RawMessage)
	}
	a.entities[collection][entityID] = append(json.RawMessage(nil), data...)
}

func (a *Authority) remove(collection, entityID string) {
	delete(a.entities[collection], entityID)
}

func key(collection, entityID string) string {
	return collection + "/" + entityID
}

func (a *Authority) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token != "" && r.Header.Get("Authorization") != "Bearer "+a.token {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authority) failureInjection(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		status := a.failStatus
		a.mu.Unlock()
		if status != 0 {
			writeError(w, status, http.StatusText(status))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authority) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": len(a.ConnectedDevices()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
