package notifications

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"github.com/aslanahmtv/notification-service/internal/auth"
	"github.com/aslanahmtv/notification-service/internal/httputil"
)

// Handlers provides HTTP handlers for the notifications API. Routes expect
// the auth middleware to have stored claims in the request context.
type Handlers struct {
	store Store
}

// NewHandlers creates a new Handlers.
func NewHandlers(store Store) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes wires the notification endpoints onto the provided router.
// The /count, /mark-read and /mark-all-read forms are kept for older clients.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/notifications", h.ListNotifications).Methods("GET")
	r.HandleFunc("/api/notifications/unread-count", h.UnreadCount).Methods("GET")
	r.HandleFunc("/api/notifications/count", h.LegacyCount).Methods("GET")
	r.HandleFunc("/api/notifications/read-all", h.MarkAllRead).Methods("PUT")
	r.HandleFunc("/api/notifications/mark-all-read", h.MarkAllRead).Methods("POST")
	r.HandleFunc("/api/notifications/mark-read/{id}", h.MarkRead).Methods("POST")
	r.HandleFunc("/api/notifications/{id}/read", h.MarkRead).Methods("PUT")
	r.HandleFunc("/api/notifications/{id}", h.GetNotification).Methods("GET")
}

type listResponse struct {
	Notifications []Notification `json:"notifications"`
	Total         int            `json:"total"`
	Limit         int            `json:"limit"`
	Offset        int            `json:"offset"`
}

// ListNotifications handles GET /api/notifications
func (h *Handlers) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	if userID == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	params, err := parseListParams(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	params.UserID = userID

	list, total, err := h.store.List(r.Context(), params)
	if err != nil {
		h.internalError(w, r, err, "list notifications")
		return
	}

	views := make([]Notification, len(list))
	for i := range list {
		views[i] = list[i].ForUser(userID)
	}
	params.normalize()
	httputil.WriteJSON(w, http.StatusOK, listResponse{
		Notifications: views,
		Total:         total,
		Limit:         params.Limit,
		Offset:        params.Offset,
	})
}

// parseListParams reads limit/offset or the page/page_size pair, plus the
// type and unread filters.
func parseListParams(r *http.Request) (ListParams, error) {
	q := r.URL.Query()
	var p ListParams

	atoi := func(name string, min int) (int, bool, error) {
		raw := q.Get(name)
		if raw == "" {
			return 0, false, nil
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < min {
			return 0, false, errors.New("invalid " + name)
		}
		return v, true, nil
	}

	limit, _, err := atoi("limit", 1)
	if err != nil {
		return p, err
	}
	offset, _, err := atoi("offset", 0)
	if err != nil {
		return p, err
	}
	pageSize, hasPageSize, err := atoi("page_size", 1)
	if err != nil {
		return p, err
	}
	page, hasPage, err := atoi("page", 1)
	if err != nil {
		return p, err
	}

	p.Limit, p.Offset = limit, offset
	if hasPage || hasPageSize {
		if !hasPageSize {
			pageSize = defaultListLimit
		}
		if pageSize > maxListLimit {
			pageSize = maxListLimit
		}
		if !hasPage {
			page = 1
		}
		p.Limit = pageSize
		p.Offset = (page - 1) * pageSize
	}

	if t := q.Get("type"); t != "" {
		p.Type = Type(t)
		switch p.Type {
		case TypeEventCreated, TypeEventUpdated, TypeEventDeleted:
		default:
			return p, errors.New("invalid type")
		}
	}
	if u := q.Get("unread"); u != "" {
		v, err := strconv.ParseBool(u)
		if err != nil {
			return p, errors.New("invalid unread")
		}
		p.UnreadOnly = v
	}
	return p, nil
}

// GetNotification handles GET /api/notifications/:id
func (h *Handlers) GetNotification(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	if userID == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	n, err := h.store.Get(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "notification not found")
			return
		}
		h.internalError(w, r, err, "get notification")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, n.ForUser(userID))
}

// UnreadCount handles GET /api/notifications/unread-count
func (h *Handlers) UnreadCount(w http.ResponseWriter, r *http.Request) {
	count, ok := h.unreadCount(w, r)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"unread_count": count})
}

// LegacyCount handles GET /api/notifications/count
func (h *Handlers) LegacyCount(w http.ResponseWriter, r *http.Request) {
	count, ok := h.unreadCount(w, r)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (h *Handlers) unreadCount(w http.ResponseWriter, r *http.Request) (int, bool) {
	userID := auth.UserIDFromContext(r.Context())
	if userID == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return 0, false
	}

	count, err := h.store.UnreadCount(r.Context(), userID)
	if err != nil {
		h.internalError(w, r, err, "count unread notifications")
		return 0, false
	}
	return count, true
}

// MarkRead handles PUT /api/notifications/:id/read
func (h *Handlers) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	if userID == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.store.MarkRead(r.Context(), userID, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "notification not found")
			return
		}
		h.internalError(w, r, err, "mark notification read")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": id})
}

// MarkAllRead handles PUT /api/notifications/read-all
func (h *Handlers) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	if userID == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	marked, err := h.store.MarkAllRead(r.Context(), userID)
	if err != nil {
		h.internalError(w, r, err, "mark all notifications read")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"marked": marked,
	})
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, err error, op string) {
	hlog.FromRequest(r).Error().Err(err).Str("op", op).Msg("notifications request failed")
	httputil.WriteError(w, http.StatusInternalServerError, "internal error")
}
