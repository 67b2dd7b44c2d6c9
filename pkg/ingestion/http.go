package ingestion

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/logger"
	"github.com/gorilla/mux"
)

// Identity resolves the username a request acts as.
type Identity func(r *http.Request) (string, bool)

type HTTPHandler struct {
	service  *Service
	identity Identity
	maxBody  int64
}

func NewHTTPHandler(service *Service, identity Identity, maxBody int64) *HTTPHandler {
	return &HTTPHandler{service: service, identity: identity, maxBody: maxBody}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/ingestions", h.handleList).Methods(http.MethodGet)
	router.HandleFunc("/ingestions", h.handleCreate).Methods(http.MethodPost)
	router.HandleFunc("/ingestions/{ingestion_id}", h.handleGet).Methods(http.MethodGet)
	router.HandleFunc("/ingestions/{ingestion_id}", h.handleUpdate).Methods(http.MethodPatch)
	router.HandleFunc("/ingestions/{ingestion_id}", h.handleCancel).Methods(http.MethodDelete)
}

func (h *HTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	q, err := ListParams{
		Status: values.Get("status"),
		Next:   values.Get("next"),
		Limit:  values.Get("limit"),
	}.ToQuery()
	if err != nil {
		writeError(w, err)
		return
	}

	p, err := h.service.List(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	if p.Items == nil {
		p.Items = []Record{}
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *HTTPHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	user, ok := h.identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	item, err := h.readBody(w, r)
	if err != nil {
		logger.Log.WithError(err).Warn("invalid ingestion payload")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := h.service.Create(r.Context(), user, item)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	user, ok := h.identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	rec, err := h.service.Get(r.Context(), user, mux.Vars(r)["ingestion_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *HTTPHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	user, ok := h.identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	body, err := h.readBody(w, r)
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var req UpdateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := h.service.Update(r.Context(), user, mux.Vars(r)["ingestion_id"], req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *HTTPHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	user, ok := h.identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	rec, err := h.service.Cancel(r.Context(), user, mux.Vars(r)["ingestion_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *HTTPHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body := r.Body
	if h.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	return io.ReadAll(body)
}

// StatusCode maps ingestion errors onto HTTP statuses.
func StatusCode(err error) int {
	switch {
	case IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidCursor):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPreconditionFailed):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	if code == http.StatusInternalServerError {
		logger.Log.WithError(err).Error("ingestion request failed")
		writeJSON(w, code, map[string]string{"detail": "internal error"})
		return
	}
	writeJSON(w, code, map[string]string{"detail": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
