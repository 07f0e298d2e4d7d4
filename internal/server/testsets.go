package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dreamware/secchiware/internal/repository"
)

func (s *Server) listAvailable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	reader := s.cache.RepositoryReaderLock()
	if err := reader.Acquire(ctx); err != nil {
		s.log.Error("acquiring repository reader lock", zap.Error(err))
		coordinatorError(w)
		return
	}
	defer func() {
		if err := reader.Release(ctx); err != nil {
			s.log.Warn("releasing repository reader lock", zap.Error(err))
		}
	}()

	manifests, err := s.cache.ListRepository(ctx)
	if err != nil {
		s.log.Error("projecting repository cache", zap.Error(err))
		coordinatorError(w)
		return
	}
	writeJSON(w, http.StatusOK, manifests)
}

func (s *Server) uploadPackages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	contentType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || contentType != "multipart/form-data" {
		writeError(w, http.StatusUnsupportedMediaType,
			"Invalid request's content type")
		return
	}

	body, ok := readBody(w, r, maxMultipartBody)
	if !ok {
		return
	}
	if !checkDigest(w, r, body) {
		return
	}

	archive, ok := multipartField(body, params["boundary"], "packages")
	if !ok {
		writeError(w, http.StatusBadRequest,
			"'packages' key not found in request's body")
		return
	}
	if !s.checkAuthorization(w, r, s.clientKey, "Digest") {
		return
	}

	writer := s.cache.RepositoryWriterLock()
	if err := writer.Acquire(ctx); err != nil {
		s.log.Error("acquiring repository writer lock", zap.Error(err))
		coordinatorError(w)
		return
	}
	defer func() {
		if err := writer.Release(ctx); err != nil {
			s.log.Warn("releasing repository writer lock", zap.Error(err))
		}
	}()

	names, err := s.repo.Unpack(bytes.NewReader(archive))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid file content")
		return
	}

	for _, name := range names {
		manifest, err := s.repo.Manifest(name)
		if err != nil {
			s.log.Error("scanning uploaded package", zap.Error(err))
			coordinatorError(w)
			return
		}
		encoded, err := json.Marshal(manifest)
		if err != nil {
			coordinatorError(w)
			return
		}
		if err := s.cache.SetRepositoryEntry(ctx, name, encoded); err != nil {
			s.log.Error("caching uploaded package", zap.Error(err))
			coordinatorError(w)
			return
		}
	}

	s.log.Info("packages uploaded", zap.Strings("packages", names))
	writeNoContent(w)
}

func (s *Server) deletePackage(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuthorization(w, r, s.clientKey) {
		return
	}
	ctx := r.Context()
	name := chi.URLParam(r, "package")

	writer := s.cache.RepositoryWriterLock()
	if err := writer.Acquire(ctx); err != nil {
		s.log.Error("acquiring repository writer lock", zap.Error(err))
		coordinatorError(w)
		return
	}
	defer func() {
		if err := writer.Release(ctx); err != nil {
			s.log.Warn("releasing repository writer lock", zap.Error(err))
		}
	}()

	err := s.repo.Delete(name)
	if errors.Is(err, repository.ErrNotTopLevel) ||
		errors.Is(err, repository.ErrPackageNotFound) {
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("Package '%s' not found", name))
		return
	}
	if err != nil {
		s.log.Error("deleting package", zap.Error(err))
		coordinatorError(w)
		return
	}
	if err := s.cache.DeleteRepositoryEntry(ctx, name); err != nil {
		s.log.Error("purging package cache entry", zap.Error(err))
		coordinatorError(w)
		return
	}

	s.log.Info("package deleted", zap.String("package", name))
	writeNoContent(w)
}

// multipartField extracts one form field from a buffered multipart body.
func multipartField(body []byte, boundary, field string) ([]byte, bool) {
	if boundary == "" {
		return nil, false
	}
	form := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := form.NextPart()
		if err != nil {
			return nil, false
		}
		if part.FormName() == field {
			data, err := io.ReadAll(part)
			if err != nil {
				return nil, false
			}
			return data, true
		}
	}
}
