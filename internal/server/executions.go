package server

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/dreamware/secchiware/internal/database"
)

func (s *Server) searchExecutions(w http.ResponseWriter, r *http.Request) {
	results, err := s.db.SearchExecutions(r.Context(), r.URL.Query())
	if errors.Is(err, database.ErrInvalidParameter) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.log.Error("searching executions", zap.Error(err))
		coordinatorError(w)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) deleteExecution(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuthorization(w, r, s.clientKey) {
		return
	}
	id, ok := idParam(w, r, "No execution found with given id")
	if !ok {
		return
	}
	err := s.db.DeleteExecution(r.Context(), id)
	switch {
	case errors.Is(err, database.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, "No execution found with given id")
	case err != nil:
		s.log.Error("deleting execution", zap.Error(err))
		coordinatorError(w)
	default:
		writeNoContent(w)
	}
}
