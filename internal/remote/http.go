package remote

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// BasicAuthValidator checks remote-supplied HTTP Basic credentials,
// returning true if they're accepted (spec §4.I: "remote → HQ uses Basic
// auth credentials").
type BasicAuthValidator func(username, password string) bool

// Handlers serves the HQ-side remote-registration HTTP API (spec §4.I) on
// top of gorilla/mux, matching the router the teacher's go.mod already
// declares for its (unused-in-the-retrieved-files) HTTP surface.
type Handlers struct {
	registry *Registry
	validate BasicAuthValidator
	logger   *zap.Logger
}

// NewHandlers creates HQ-side remote registration handlers.
func NewHandlers(registry *Registry, validate BasicAuthValidator, logger *zap.Logger) *Handlers {
	return &Handlers{registry: registry, validate: validate, logger: logger}
}

// Register mounts /api/remotes (POST, GET) and /api/remotes/{id} (DELETE)
// onto router.
func (h *Handlers) Register(router *mux.Router) {
	router.HandleFunc("/api/remotes", h.requireAuth(h.handleRegister)).Methods(http.MethodPost)
	router.HandleFunc("/api/remotes", h.requireAuth(h.handleList)).Methods(http.MethodGet)
	router.HandleFunc("/api/remotes/{id}", h.requireAuth(h.handleDelete)).Methods(http.MethodDelete)
}

func (h *Handlers) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.validate != nil {
			user, pass, ok := r.BasicAuth()
			if !ok || !h.validate(user, pass) {
				w.Header().Set("WWW-Authenticate", `Basic realm="vibetunnel-hq"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

type registerRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	URL   string `json:"url"`
	Token string `json:"token"`
}

func (h *Handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.URL == "" || req.Token == "" {
		http.Error(w, "url and token are required", http.StatusBadRequest)
		return
	}

	h.registry.Add(Remote{ID: req.ID, DisplayName: req.Name, URL: req.URL, BearerToken: req.Token})
	if h.logger != nil {
		h.logger.Info("remote registered", zap.String("id", req.ID), zap.String("name", req.Name), zap.String("url", req.URL))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"id": req.ID})
}

func (h *Handlers) handleList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.registry.List())
}

func (h *Handlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.registry.Remove(id) {
		http.Error(w, "remote not found", http.StatusNotFound)
		return
	}
	if h.logger != nil {
		h.logger.Info("remote deregistered", zap.String("id", id))
	}
	w.WriteHeader(http.StatusNoContent)
}
