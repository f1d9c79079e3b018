package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/blob"
	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/models"
)

const maxUploadBytes = 16 << 20 // 16 MiB

// UploadHandler accepts one multipart attachment, hands it to the blob
// store, and returns the fileMeta a client attaches to a file message. The
// server never parses the bytes; encrypted attachments look the same as
// plain ones.
type UploadHandler struct {
	Blobs blob.Store
}

func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSONError(w, "Upload too large or malformed", "INVALID_REQUEST", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, "Missing file field", "INVALID_REQUEST", http.StatusBadRequest)
		return
	}
	defer file.Close()

	name := uuid.New().String() + filepath.Ext(header.Filename)
	url, err := h.Blobs.Upload(r.Context(), name, file)
	if err != nil {
		slog.Error("Blob upload failed", "name", header.Filename, "error", err)
		writeJSONError(w, "Failed to store file", "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}

	meta := models.FileMeta{
		Name:     header.Filename,
		Size:     header.Size,
		MimeType: header.Header.Get("Content-Type"),
		URL:      url,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(meta)
}

func writeJSONError(w http.ResponseWriter, message, code string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
