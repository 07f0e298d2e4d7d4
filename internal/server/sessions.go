package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dreamware/secchiware/internal/database"
)

// sessionDetailResponse is the full projection of one session.
type sessionDetailResponse struct {
	SessionID    int64                 `json:"session_id"`
	SessionStart string                `json:"session_start"`
	SessionEnd   string                `json:"session_end,omitempty"`
	IP           string                `json:"ip"`
	Port         int                   `json:"port"`
	PlatformInfo database.PlatformInfo `json:"platform_info"`
}

func (s *Server) searchSessions(w http.ResponseWriter, r *http.Request) {
	results, err := s.db.SearchSessions(r.Context(), r.URL.Query())
	if errors.Is(err, database.ErrInvalidParameter) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.log.Error("searching sessions", zap.Error(err))
		coordinatorError(w)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) sessionDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "No session found with given id")
	if !ok {
		return
	}
	session, err := s.db.SessionByID(r.Context(), id)
	if errors.Is(err, database.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "No session found with given id")
		return
	}
	if err != nil {
		s.log.Error("reading session", zap.Error(err))
		coordinatorError(w)
		return
	}

	detail := sessionDetailResponse{
		SessionID:    session.ID,
		SessionStart: session.Start,
		IP:           session.IP,
		Port:         session.Port,
		PlatformInfo: session.PlatformInfo(),
	}
	if session.End.Valid {
		detail.SessionEnd = session.End.String
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuthorization(w, r, s.clientKey) {
		return
	}
	id, ok := idParam(w, r, "No session found with given id")
	if !ok {
		return
	}
	err := s.db.DeleteSession(r.Context(), id)
	switch {
	case errors.Is(err, database.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "No session found with given id")
	case errors.Is(err, database.ErrSessionActive):
		writeError(w, http.StatusBadRequest, "Session is still active")
	case err != nil:
		s.log.Error("deleting session", zap.Error(err))
		coordinatorError(w)
	default:
		writeNoContent(w)
	}
}

// idParam parses the numeric id path parameter, writing a 404 with the
// given message when it is not a number.
func idParam(w http.ResponseWriter, r *http.Request, notFound string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, notFound)
		return 0, false
	}
	return id, true
}
