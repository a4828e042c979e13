package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/cogrelay/internal/api/response"
	"github.com/kiranshivaraju/cogrelay/internal/blob"
)

// KeyFunc extracts a blob key from a request.
type KeyFunc func(r *http.Request) string

// OutputKey reads the key from the wildcard of /outputs/*.
func OutputKey(r *http.Request) string {
	return chi.URLParam(r, "*")
}

// ModelFileKey maps /v1/models/{owner}/{name}/files/* onto the keys rehosted
// outputs are stored under.
func ModelFileKey(r *http.Request) string {
	rest := chi.URLParam(r, "*")
	if rest == "" {
		return ""
	}
	return "models/" + chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name") + "/files/" + rest
}

// NewFileHandler returns an http.HandlerFunc serving stored objects.
func NewFileHandler(blobs blob.Store, keyFor KeyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := keyFor(r)
		if key == "" || strings.Contains(key, "..") {
			response.NotFound(w, "File not found")
			return
		}

		obj, err := blobs.Get(r.Context(), key)
		if errors.Is(err, blob.ErrNotFound) {
			response.NotFound(w, "File not found")
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer obj.Body.Close()

		ct := obj.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ct)
		if obj.Size >= 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
		}
		// Keys embed a fresh uuid and are never overwritten.
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, obj.Body); err != nil {
			slog.Warn("streaming file failed", "key", key, "error", err)
		}
	}
}

// NewUploadHandler returns an http.HandlerFunc for POST /upload. The multipart
// field "file" is stored under uploads/<uuid>/<filename>.
func NewUploadHandler(blobs blob.Store, urlFor func(key string) string, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		file, header, err := r.FormFile("file")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Multipart field \"file\" is required", nil)
			return
		}
		defer file.Close()

		name := path.Base(strings.ReplaceAll(header.Filename, "\\", "/"))
		if name == "." || name == "/" || name == "" {
			name = "upload"
		}
		key := "uploads/" + uuid.NewString() + "/" + name

		if err := blobs.Put(r.Context(), key, file, header.Size, header.Header.Get("Content-Type")); err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, map[string]string{"url": urlFor(key)})
	}
}
