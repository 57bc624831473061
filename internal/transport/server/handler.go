package server

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/logging"
	"github.com/kimhsiao/medisync/internal/models"
	"github.com/kimhsiao/medisync/internal/transport"
)

// maxUploadBytes bounds an upload request body.
const maxUploadBytes = 32 << 20

// Handler serves the sync HTTP binding over a State.
type Handler struct {
	state     *State
	validator *validator.Validate
}

// NewHandler creates a new Handler.
func NewHandler(state *State) *Handler {
	return &Handler{
		state:     state,
		validator: validator.New(),
	}
}

const healthPath = transport.HealthPath

// Router returns the routes of the sync binding. Extra middleware runs after
// request logging.
func (h *Handler) Router(middleware ...mux.MiddlewareFunc) *mux.Router {
	r := mux.NewRouter()
	r.Use(loggerMiddleware)
	r.Use(middleware...)

	r.HandleFunc(transport.UploadPath, h.Upload).Methods(http.MethodPost)
	r.HandleFunc(transport.ChangesPath, h.Changes).Methods(http.MethodGet)
	r.HandleFunc(transport.HealthPath, h.Health).Methods(http.MethodGet)
	return r
}

// Upload stores a batch. Any rejected entity fails the whole request with 422.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	var req transport.UploadRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.ErrSerialization), "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.ErrInvalid), err.Error())
		return
	}

	for _, ent := range req.Entities {
		if ent.Deleted {
			continue
		}
		if err := h.state.codec.Validate(ent.EntityType, ent.Payload); err != nil {
			writeError(w, http.StatusUnprocessableEntity, string(apperrors.CodeOf(err)), err.Error())
			return
		}
	}

	resp := transport.UploadResponse{Acks: make([]models.UploadAck, 0, len(req.Entities))}
	for _, ent := range req.Entities {
		ack, err := h.state.Store(ent)
		if err != nil {
			status := http.StatusInternalServerError
			if isClientError(err) {
				status = http.StatusUnprocessableEntity
			}
			writeError(w, status, string(apperrors.CodeOf(err)), err.Error())
			return
		}
		resp.Acks = append(resp.Acks, ack)
	}

	writeJSON(w, http.StatusOK, resp)
}

// Changes lists entities changed after the since parameter.
func (h *Handler) Changes(w http.ResponseWriter, r *http.Request) {
	since, err := transport.ParseSince(r.URL.Query().Get(transport.SinceParam))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.ErrInvalid), "invalid since parameter")
		return
	}

	writeJSON(w, http.StatusOK, transport.ChangesResponse{
		Entities:   h.state.ChangesSince(since),
		ServerTime: time.Now().UTC(),
	})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"entities": h.state.Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, transport.ErrorResponse{Code: code, Message: message})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		logging.Info("HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote_addr": r.RemoteAddr,
			"status":      rw.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}
