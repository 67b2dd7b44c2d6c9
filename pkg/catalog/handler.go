package catalog

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/logger"
	"github.com/gorilla/mux"
)

// HTTPHandler exposes collection publishing, which is synchronous unlike item
// ingestion.
type HTTPHandler struct {
	collections Collections
	maxBody     int64
}

func NewHTTPHandler(collections Collections, maxBody int64) *HTTPHandler {
	return &HTTPHandler{collections: collections, maxBody: maxBody}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/collections", h.handlePublish).Methods(http.MethodPost)
	router.HandleFunc("/collections/{collection_id}", h.handleDelete).Methods(http.MethodDelete)
}

func (h *HTTPHandler) handlePublish(w http.ResponseWriter, r *http.Request) {
	body := r.Body
	if h.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	raw, err := io.ReadAll(body)
	if err != nil || !json.Valid(raw) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	hd, err := readHeader(raw)
	if err != nil {
		writeLoadError(w, err)
		return
	}

	if err := h.collections.PublishCollection(r.Context(), raw); err != nil {
		logger.Log.WithError(err).WithField("collection", hd.ID).Warn("Collection publish failed")
		writeLoadError(w, err)
		return
	}
	logger.Log.WithField("collection", hd.ID).Info("Collection published")
	writeJSON(w, http.StatusCreated, map[string]string{"message": "Successfully published: " + hd.ID})
}

func (h *HTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["collection_id"]
	if err := h.collections.DeleteCollection(r.Context(), id); err != nil {
		logger.Log.WithError(err).WithField("collection", id).Warn("Collection delete failed")
		writeLoadError(w, err)
		return
	}
	logger.Log.WithField("collection", id).Info("Collection deleted")
	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully deleted: " + id})
}

// StatusCode maps a load failure onto an HTTP status.
func StatusCode(err error) int {
	le, ok := AsLoadError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch le.Kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConstraint:
		return http.StatusConflict
	case KindConnectivity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeLoadError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusCode(err), map[string]string{"detail": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
