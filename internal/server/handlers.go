package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/collabedit/internal/chat"
	"github.com/Tyrowin/collabedit/internal/config"
	"github.com/Tyrowin/collabedit/internal/document"
	"github.com/Tyrowin/collabedit/internal/ratelimit"
	"github.com/Tyrowin/collabedit/internal/session"
)

// DocumentHandler serves the HTTP side of the broker: the JSON WebSocket
// endpoint, the document REST endpoints, the health check and the test page.
type DocumentHandler struct {
	cfg      config.Config
	store    *document.Store
	chat     *chat.Manager
	limiter  *ratelimit.DocumentLimiter
	hub      *session.Hub
	log      *zap.Logger
	now      func() time.Time
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[*Client]struct{}
	shutdown bool
	wg       sync.WaitGroup
}

// NewDocumentHandler returns a handler backed by svc.
func NewDocumentHandler(cfg config.Config, svc Services) *DocumentHandler {
	svc = svc.withDefaults()
	log := svc.Log.Named("ws")

	h := &DocumentHandler{
		cfg:     cfg,
		store:   svc.Store,
		chat:    svc.Chat,
		limiter: svc.Limiter,
		hub:     session.NewHub(log),
		log:     log,
		now:     svc.Now,
		clients: make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     newOriginPolicy(cfg.AllowedOrigins, log).check,
	}
	return h
}

// Hub returns the registry of WebSocket sessions.
func (h *DocumentHandler) Hub() *session.Hub { return h.hub }

// WebSocketHandler upgrades the request and serves the connection until it
// closes. Inbound messages are processed on the request goroutine.
func (h *DocumentHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	client := newClient(conn, h, r.RemoteAddr)
	if !h.track(client) {
		_ = client.Close()
		client.writePump()
		return
	}
	defer h.untrack(client)

	client.log.Info("client connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		client.writePump()
	}()

	client.readPump()
	<-done
}

func (h *DocumentHandler) track(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *DocumentHandler) untrack(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Shutdown refuses new connections, closes the open ones and waits for their
// goroutines to finish or ctx to expire.
func (h *DocumentHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.shutdown = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("all WebSocket sessions closed", zap.Int("closed", len(clients)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for WebSocket sessions: %w", ctx.Err())
	}
}

// CreateDocumentHandler creates an empty document and returns it as JSON.
func (h *DocumentHandler) CreateDocumentHandler(w http.ResponseWriter, _ *http.Request) {
	doc := h.store.Create()
	writeJSON(w, http.StatusCreated, doc, h.log)
}

// GetDocumentHandler returns the document named by the {id} path segment.
func (h *DocumentHandler) GetDocumentHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, ok := h.store.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "document not found"}, h.log)
		return
	}
	writeJSON(w, http.StatusOK, doc, h.log)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any, log *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn("error writing JSON response", zap.Error(err))
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "collabedit server is running!")
}
