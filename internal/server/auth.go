package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/dreamware/secchiware/internal/signatures"
)

// Inbound key ids. Operators sign as Client, nodes as Node.
const (
	clientKeyID = "Client"
	nodeKeyID   = "Node"
)

func (s *Server) clientKey(keyID string) []byte {
	if keyID == clientKeyID {
		return s.clientSecret
	}
	return nil
}

func (s *Server) nodeKey(keyID string) []byte {
	if keyID == nodeKeyID {
		return s.nodeSecret
	}
	return nil
}

// checkAuthorization verifies the request's Authorization header against
// the given key lookup. A false return means the response is already
// written.
func (s *Server) checkAuthorization(
	w http.ResponseWriter,
	r *http.Request,
	recoverKey func(string) []byte,
	mandatoryHeaders ...string,
) bool {
	header := r.Header.Get("Authorization")
	if header == "" {
		writeError(w, http.StatusUnauthorized,
			"No 'Authorization' header found in request.")
		return false
	}
	err := signatures.VerifyAuthorizationHeader(
		header,
		recoverKey,
		r.Header.Get,
		r.Method,
		r.URL.Path,
		r.URL.RawQuery,
		mandatoryHeaders,
	)
	if err != nil {
		if errors.Is(err, signatures.ErrInvalidSignature) {
			writeError(w, http.StatusUnauthorized, "Invalid signature.")
		} else {
			writeError(w, http.StatusUnauthorized, err.Error())
		}
		return false
	}
	return true
}

// readBody consumes the request body up to limit and leaves it available to
// the caller. A digest check and a JSON decode both need the raw bytes.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Could not read request's body.")
		return nil, false
	}
	return body, true
}

// checkDigest verifies that a Digest header is present and matches body.
func checkDigest(w http.ResponseWriter, r *http.Request, body []byte) bool {
	header := r.Header.Get("Digest")
	if header == "" {
		writeError(w, http.StatusBadRequest, "'Digest' header mandatory.")
		return false
	}
	if err := signatures.VerifyDigest(header, body); err != nil {
		if errors.Is(err, signatures.ErrDigestAlgorithm) {
			writeError(w, http.StatusBadRequest, "Digest algorithm should be sha-256.")
		} else {
			writeError(w, http.StatusBadRequest, "Given digest does not match content.")
		}
		return false
	}
	return true
}

// checkJSON enforces an application/json content type.
func checkJSON(w http.ResponseWriter, r *http.Request) bool {
	contentType := r.Header.Get("Content-Type")
	if mediaType(contentType) != "application/json" {
		writeError(w, http.StatusUnsupportedMediaType,
			"Content Type is not application/json")
		return false
	}
	return true
}

func mediaType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(strings.ToLower(contentType))
}
