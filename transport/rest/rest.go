// Package rest is an HTTP frontend over a keygen.Service, with an
// Init(options)/Listen(listener)/Stop() lifecycle. Listen serves on a
// listener the caller has bound; a Frontend is also an http.Handler, so
// tests can serve it without a socket.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/gbif/keygen"
	"github.com/gbif/keygen/store"
)

// Options configures a Frontend.
type Options struct {
	Service *keygen.Service
	Logger  *zap.Logger
}

// Frontend serves the key allocation API over HTTP.
type Frontend struct {
	service *keygen.Service
	logger  *zap.Logger
	router  *mux.Router
	srv     *http.Server
}

// New returns a Frontend. Call Init before Listen.
func New() *Frontend {
	return &Frontend{}
}

// Init initializes the frontend, wiring its routes to the given service.
func (f *Frontend) Init(options Options) error {
	if options.Service == nil {
		return errors.New("rest: Options.Service is required")
	}

	f.service = options.Service
	f.logger = options.Logger
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	f.router = newRouter(f)

	return nil
}

// ServeHTTP lets a Frontend be used directly as an http.Handler, which
// Listen does internally and which tests use to avoid binding a socket.
func (f *Frontend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.router.ServeHTTP(w, r)
}

// Listen accepts connections from listener until Stop is called.
func (f *Frontend) Listen(listener net.Listener) error {
	f.srv = &http.Server{Handler: f.router}

	err := f.srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Stop shuts down the server started by the most recent call to Listen,
// which then returns nil. It has no effect on a later call to Listen.
func (f *Frontend) Stop() error {
	if f.srv == nil {
		return nil
	}

	return f.srv.Shutdown(context.Background())
}

func newRouter(f *Frontend) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/keys", f.handleGenerateKey).Methods("POST").Name("GenerateKey")
	router.HandleFunc("/keys", f.handleFindKey).Methods("GET").Name("FindKey")
	router.HandleFunc("/keys/{key}", f.handleDeleteKey).Methods("DELETE").Name("DeleteKey")
	router.HandleFunc("/keys/scope/{scope}", f.handleFindKeysByScope).Methods("GET").Name("FindKeysByScope")

	return router
}

type generateKeyRequest struct {
	UniqueStrings []string `json:"uniqueStrings"`
	Scope         string   `json:"scope,omitempty"`
}

type keyResponse struct {
	Key     int32 `json:"key"`
	Created bool  `json:"created"`
}

func (f *Frontend) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	var req generateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	key, created, err := f.service.GenerateKey(r.Context(), req.UniqueStrings, nonEmpty(req.Scope)...)
	if !f.handleServiceError(w, err) {
		return
	}

	writeJSON(w, f.logger, http.StatusOK, keyResponse{Key: key, Created: created})
}

func (f *Frontend) handleFindKey(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	uniqueStrings := q["uniqueString"]
	scope := q.Get("scope")

	key, found, err := f.service.FindKey(r.Context(), uniqueStrings, nonEmpty(scope)...)
	if !f.handleServiceError(w, err) {
		return
	}
	if !found {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}

	writeJSON(w, f.logger, http.StatusOK, keyResponse{Key: key})
}

func (f *Frontend) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	keyStr := mux.Vars(r)["key"]
	parsed, err := strconv.ParseInt(keyStr, 10, 32)
	if err != nil {
		http.Error(w, "key must be an integer", http.StatusBadRequest)
		return
	}
	key := int32(parsed)

	scope := r.URL.Query().Get("scope")
	if deleteErr := f.service.DeleteKey(r.Context(), key, nonEmpty(scope)...); !f.handleServiceError(w, deleteErr) {
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (f *Frontend) handleFindKeysByScope(w http.ResponseWriter, r *http.Request) {
	scope := mux.Vars(r)["scope"]

	keys, err := f.service.FindKeysByScope(r.Context(), scope)
	if !f.handleServiceError(w, err) {
		return
	}

	writeJSON(w, f.logger, http.StatusOK, keys)
}

// handleServiceError writes an appropriate HTTP response for err and
// reports whether the caller should continue writing a success response.
func (f *Frontend) handleServiceError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return true
	}

	var conflict *keygen.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, f.logger, http.StatusConflict, conflict.ConflictingKeys)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		f.logger.Error("request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}

	return false
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("failed to write response body", zap.Error(err))
	}
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
