package ws

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/aslanahmtv/notification-service/internal/auth"
	"github.com/aslanahmtv/notification-service/internal/httputil"
)

// WSHandler upgrades HTTP connections to WebSocket and hands them to the
// Manager.
type WSHandler struct {
	manager  *Manager
	upgrader websocket.Upgrader
}

func NewWSHandler(manager *Manager, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     OriginChecker(allowedOrigins),
		},
	}
}

// RegisterRoutes wires the WebSocket endpoint and its legacy alias.
func (h *WSHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws", h.ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/ws/notifications", h.ServeWS).Methods(http.MethodGet)
}

// ServeWS upgrades a GET request to a WebSocket connection.
// Authentication is performed before the upgrade by reading the token from:
//  1. The `token` query parameter, or
//  2. The `Authorization: Bearer <token>` header.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.BearerToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "missing token")
		return
	}

	claims, err := h.manager.Authenticate(r.Context(), token)
	if err != nil {
		h.manager.logger.Debug().Err(err).Msg("websocket authentication failed")
		httputil.WriteError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already wrote the error response.
		return
	}

	if _, err := h.manager.Admit(conn, claims.UserID); err != nil && !errors.Is(err, ErrShuttingDown) {
		h.manager.logger.Error().Err(err).Msg("failed to admit connection")
	}
}
