package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"audioingest/apperr"
	"audioingest/core/ingest"
	"audioingest/logger"

	"github.com/gorilla/mux"
)

// UploadHandler exposes the two-step direct upload flow.
type UploadHandler struct {
	svc *ingest.Service
}

func NewUploadHandler(svc *ingest.Service) *UploadHandler {
	return &UploadHandler{svc: svc}
}

// maxFormMemory bounds the in-memory part of multipart bodies; forms carry only short text fields.
const maxFormMemory = 1 << 20

// parseForm accepts both urlencoded and multipart/form-data bodies.
func parseForm(r *http.Request) error {
	err := r.ParseMultipartForm(maxFormMemory)
	if err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return fmt.Errorf("parse form: %v: %w", err, apperr.ErrInvalidInput)
	}
	return nil
}

// PresignHandler issues an upload URL.
// Form fields: filename, content_type.
func (h *UploadHandler) PresignHandler(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		writeError(w, err)
		return
	}
	user := UserFromContext(r.Context())

	res, err := h.svc.Presign(r.Context(), user, r.FormValue("filename"), r.FormValue("content_type"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CompleteHandler registers an uploaded object and queues it for transcoding.
// Form field: key.
func (h *UploadHandler) CompleteHandler(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		writeError(w, err)
		return
	}
	user := UserFromContext(r.Context())

	audio, err := h.svc.Complete(r.Context(), user, r.FormValue("key"))
	if err != nil {
		if !errors.Is(err, apperr.ErrKeyValidation) && !errors.Is(err, apperr.ErrAuthorization) {
			logger.Warn("Upload completion failed", logger.String("key", r.FormValue("key")), logger.ErrorField(err))
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"audio_id": audio.ID,
	})
}

// GetHandler returns the caller's audio record with its derived status.
func (h *UploadHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, fmt.Errorf("invalid audio id %q: %w", mux.Vars(r)["id"], apperr.ErrInvalidInput))
		return
	}

	audio, err := h.svc.Get(r.Context(), UserFromContext(r.Context()), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, audio.View())
}
