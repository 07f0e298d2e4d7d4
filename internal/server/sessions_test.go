package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/secchiware/internal/database"
)

// TestSearchSessions tests the session search surface
func TestSearchSessions(t *testing.T) {
	h := newHarness(t)
	h.register(t, "10.0.0.5", 9000)
	h.register(t, "10.0.0.6", 9000)

	t.Run("all sessions", func(t *testing.T) {
		rec := h.do(httptest.NewRequest(http.MethodGet, "/sessions", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var sessions []database.SessionSummary
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
		require.Len(t, sessions, 2)
	})

	t.Run("filter by ip", func(t *testing.T) {
		rec := h.do(httptest.NewRequest(http.MethodGet, "/sessions?ip=10.0.0.6", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var sessions []database.SessionSummary
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
		require.Len(t, sessions, 1)
		require.Equal(t, "10.0.0.6", sessions[0].IP)
	})

	t.Run("invalid parameter", func(t *testing.T) {
		rec := h.do(httptest.NewRequest(http.MethodGet, "/sessions?bogus=1", nil))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

// TestSessionDetail tests the single session projection
func TestSessionDetail(t *testing.T) {
	h := newHarness(t)
	h.register(t, "10.0.0.5", 9000)

	t.Run("existing session", func(t *testing.T) {
		rec := h.do(httptest.NewRequest(http.MethodGet, "/sessions/1", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var detail sessionDetailResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
		require.Equal(t, int64(1), detail.SessionID)
		require.Equal(t, "10.0.0.5", detail.IP)
		require.Equal(t, 9000, detail.Port)
		require.Empty(t, detail.SessionEnd)
		require.Equal(t, testPlatformInfo(), detail.PlatformInfo)
	})

	t.Run("unknown session", func(t *testing.T) {
		rec := h.do(httptest.NewRequest(http.MethodGet, "/sessions/42", nil))
		require.Equal(t, http.StatusNotFound, rec.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, "No session found with given id", resp["error"])
	})

	t.Run("non numeric id", func(t *testing.T) {
		rec := h.do(httptest.NewRequest(http.MethodGet, "/sessions/abc", nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

// TestDeleteSession tests session deletion including the active session guard
func TestDeleteSession(t *testing.T) {
	h := newHarness(t)
	h.register(t, "10.0.0.5", 9000)

	t.Run("unsigned delete is rejected", func(t *testing.T) {
		rec := h.do(httptest.NewRequest(http.MethodDelete, "/sessions/1", nil))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("active session cannot be deleted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/sessions/1", nil)
		signRequest(t, req, "Client", testClientSecret)
		rec := h.do(req)
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, "Session is still active", resp["error"])
	})

	t.Run("ended session is deleted", func(t *testing.T) {
		dereg := httptest.NewRequest(http.MethodDelete, "/environments/10.0.0.5/9000", nil)
		signRequest(t, dereg, "Node", testNodeSecret)
		require.Equal(t, http.StatusNoContent, h.do(dereg).Code)

		req := httptest.NewRequest(http.MethodDelete, "/sessions/1", nil)
		signRequest(t, req, "Client", testClientSecret)
		require.Equal(t, http.StatusNoContent, h.do(req).Code)

		rec := h.do(httptest.NewRequest(http.MethodGet, "/sessions/1", nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/sessions/42", nil)
		signRequest(t, req, "Client", testClientSecret)
		rec := h.do(req)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

// seedExecution persists an execution with one report for the given session
func seedExecution(t *testing.T, h *harness, sessionID int64) int64 {
	t.Helper()
	id, err := h.db.RecordExecution(context.Background(), sessionID, []database.Report{{
		TestName:        "Ping",
		TestDescription: "Checks that the target answers",
		TimestampStart:  "2026-08-24 10:00:00",
		TimestampEnd:    "2026-08-24 10:00:01",
		ResultCode:      0,
	}})
	require.NoError(t, err)
	return id
}

// TestSearchAndDeleteExecutions tests the execution search and delete surface
func TestSearchAndDeleteExecutions(t *testing.T) {
	h := newHarness(t)
	h.register(t, "10.0.0.5", 9000)
	executionID := seedExecution(t, h, 1)

	t.Run("search returns reports", func(t *testing.T) {
		rec := h.do(httptest.NewRequest(http.MethodGet, "/executions?session_id=1", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var executions []database.Execution
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &executions))
		require.Len(t, executions, 1)
		require.Equal(t, executionID, executions[0].ExecutionID)
		require.Len(t, executions[0].Reports, 1)
		require.Equal(t, "Ping", executions[0].Reports[0].TestName)
	})

	t.Run("invalid parameter", func(t *testing.T) {
		rec := h.do(httptest.NewRequest(http.MethodGet, "/executions?bogus=1", nil))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unsigned delete is rejected", func(t *testing.T) {
		target := fmt.Sprintf("/executions/%d", executionID)
		rec := h.do(httptest.NewRequest(http.MethodDelete, target, nil))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("delete removes the execution", func(t *testing.T) {
		target := fmt.Sprintf("/executions/%d", executionID)
		req := httptest.NewRequest(http.MethodDelete, target, nil)
		signRequest(t, req, "Client", testClientSecret)
		require.Equal(t, http.StatusNoContent, h.do(req).Code)

		rec := h.do(httptest.NewRequest(http.MethodGet, "/executions", nil))
		var executions []database.Execution
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &executions))
		require.Empty(t, executions)
	})

	t.Run("unknown execution", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/executions/42", nil)
		signRequest(t, req, "Client", testClientSecret)
		rec := h.do(req)
		require.Equal(t, http.StatusNotFound, rec.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, "No execution found with given id", resp["error"])
	})
}
