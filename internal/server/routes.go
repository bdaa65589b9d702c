package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
func SetupRoutes(h *DocumentHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", HealthHandler)
	mux.HandleFunc("/ws", h.WebSocketHandler)
	mux.HandleFunc("GET /test", TestPageHandler)
	mux.HandleFunc("POST /documents", h.CreateDocumentHandler)
	mux.HandleFunc("GET /documents/{id}", h.GetDocumentHandler)
	return mux
}
