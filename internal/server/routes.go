// Package server wires HTTP handlers into a ServeMux for the optional
// WebSocket ingress.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with the ingress
// routes: health check and the WebSocket endpoint bound to the given hub.
func SetupRoutes(hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", WebSocketHandler(hub))
	return mux
}
