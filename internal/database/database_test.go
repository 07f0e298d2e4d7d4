package database

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func testPlatformInfo() PlatformInfo {
	return PlatformInfo{
		Platform: "Linux-5.4.0-x86_64",
		Node:     "testbox",
		OS: OSInfo{
			System:  "Linux",
			Release: "5.4.0",
			Version: "#1 SMP",
		},
		Hardware: HardwareInfo{
			Machine:   "x86_64",
			Processor: "x86_64",
		},
		Python: PythonInfo{
			Build:          []string{"default", "Jan  1 2020"},
			Compiler:       "GCC 9.2.0",
			Implementation: "CPython",
			Version:        "3.8.1",
		},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err, "Failed to open in-memory database")
	t.Cleanup(func() { store.Close() })
	return store
}

// TestSessionLifecycle tests registration, lookup and deregistration
func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	t.Run("no active session initially", func(t *testing.T) {
		_, err := store.ActiveSessionID(ctx, "10.0.0.5", 9000)
		require.ErrorIs(t, err, ErrNoActiveSession)
	})

	id, err := store.InsertSession(ctx, "10.0.0.5", 9000, testPlatformInfo())
	require.NoError(t, err)

	t.Run("inserted session is active", func(t *testing.T) {
		got, err := store.ActiveSessionID(ctx, "10.0.0.5", 9000)
		require.NoError(t, err)
		require.Equal(t, id, got)
	})

	t.Run("active session carries platform info", func(t *testing.T) {
		session, err := store.ActiveSession(ctx, "10.0.0.5", 9000)
		require.NoError(t, err)
		require.Equal(t, testPlatformInfo(), session.PlatformInfo())
		require.NotEmpty(t, session.Start)
		require.False(t, session.End.Valid)
	})

	t.Run("listed among active sessions", func(t *testing.T) {
		sessions, err := store.ListActiveSessions(ctx)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		require.Equal(t, "10.0.0.5", sessions[0].IP)
		require.Equal(t, 9000, sessions[0].Port)
	})

	t.Run("ending removes it from the active set", func(t *testing.T) {
		ended, err := store.EndActiveSession(ctx, "10.0.0.5", 9000)
		require.NoError(t, err)
		require.True(t, ended)

		_, err = store.ActiveSessionID(ctx, "10.0.0.5", 9000)
		require.ErrorIs(t, err, ErrNoActiveSession)
	})

	t.Run("ending twice reports nothing ended", func(t *testing.T) {
		ended, err := store.EndActiveSession(ctx, "10.0.0.5", 9000)
		require.NoError(t, err)
		require.False(t, ended)
	})
}

// TestSingleActiveSessionPerEndpoint tests the registration invariant: an
// endpoint never holds more than one active session
func TestSingleActiveSessionPerEndpoint(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, ended, err := store.StartSession(ctx, "10.0.0.5", 9000, testPlatformInfo())
	require.NoError(t, err)
	require.False(t, ended, "Fresh endpoint should have no session to end")

	// Re-registration: ending the stale session and inserting the new one
	// happen in one transaction.
	second, ended, err := store.StartSession(ctx, "10.0.0.5", 9000, testPlatformInfo())
	require.NoError(t, err)
	require.True(t, ended, "Stale session should have been ended")
	require.Greater(t, second, first)

	active, err := store.ListActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, second, active[0].ID)

	previous, err := store.SessionByID(ctx, first)
	require.NoError(t, err)
	require.True(t, previous.End.Valid, "Previous session should have ended")
}

// TestDeleteSession tests deletion rules and the cascade to executions and
// reports
func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.InsertSession(ctx, "10.0.0.5", 9000, testPlatformInfo())
	require.NoError(t, err)

	t.Run("active session cannot be deleted", func(t *testing.T) {
		require.ErrorIs(t, store.DeleteSession(ctx, id), ErrSessionActive)
	})

	t.Run("unknown session", func(t *testing.T) {
		require.ErrorIs(t, store.DeleteSession(ctx, 9999), ErrSessionNotFound)
	})

	execution, err := store.RecordExecution(ctx, id, []Report{
		{
			TestName:        "tests_connectivity",
			TestDescription: "Checks outbound connectivity",
			TimestampStart:  "2020-01-01T10:00:00Z",
			TimestampEnd:    "2020-01-01T10:00:01Z",
			ResultCode:      1,
		},
	})
	require.NoError(t, err)

	_, err = store.EndActiveSession(ctx, "10.0.0.5", 9000)
	require.NoError(t, err)

	t.Run("delete cascades to executions and reports", func(t *testing.T) {
		require.NoError(t, store.DeleteSession(ctx, id))

		executions, err := store.SearchExecutions(ctx, url.Values{})
		require.NoError(t, err)
		require.Empty(t, executions, "Execution %d should have been cascaded", execution)
	})
}

// TestRecordExecution tests transactional persistence of reports
func TestRecordExecution(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.InsertSession(ctx, "10.0.0.5", 9000, testPlatformInfo())
	require.NoError(t, err)

	reports := []Report{
		{
			TestName:        "tests_b",
			TestDescription: "Second test by start time",
			TimestampStart:  "2020-01-01T10:00:05Z",
			TimestampEnd:    "2020-01-01T10:00:06Z",
			ResultCode:      -1,
		},
		{
			TestName:        "tests_a",
			TestDescription: "First test by start time",
			TimestampStart:  "2020-01-01T10:00:00Z",
			TimestampEnd:    "2020-01-01T10:00:01Z",
			ResultCode:      1,
			AdditionalInfo:  json.RawMessage(`{"detail":"ok"}`),
		},
	}

	executionID, err := store.RecordExecution(ctx, id, reports)
	require.NoError(t, err)

	results, err := store.SearchExecutions(ctx, url.Values{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, executionID, results[0].ExecutionID)
	require.Equal(t, id, results[0].SessionID)
	require.NotEmpty(t, results[0].TimestampRegistered)

	t.Run("reports ordered by timestamp_start", func(t *testing.T) {
		got := results[0].Reports
		require.Len(t, got, 2)
		require.Equal(t, "tests_a", got[0].TestName)
		require.Equal(t, "tests_b", got[1].TestName)
	})

	t.Run("additional info round trips as JSON", func(t *testing.T) {
		var info map[string]string
		require.NoError(t, json.Unmarshal(results[0].Reports[0].AdditionalInfo, &info))
		require.Equal(t, "ok", info["detail"])
		require.Nil(t, results[0].Reports[1].AdditionalInfo)
	})

	t.Run("delete execution removes it", func(t *testing.T) {
		require.NoError(t, store.DeleteExecution(ctx, executionID))
		require.ErrorIs(t, store.DeleteExecution(ctx, executionID), ErrExecutionNotFound)

		results, err := store.SearchExecutions(ctx, url.Values{})
		require.NoError(t, err)
		require.Empty(t, results)
	})
}

// TestSearchSessions tests the parametrised session search
func TestSearchSessions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.InsertSession(ctx, "10.0.0.5", 9000, testPlatformInfo())
	require.NoError(t, err)
	_, err = store.EndActiveSession(ctx, "10.0.0.5", 9000)
	require.NoError(t, err)
	second, err := store.InsertSession(ctx, "10.0.0.6", 9001, testPlatformInfo())
	require.NoError(t, err)

	t.Run("no parameters returns every session", func(t *testing.T) {
		results, err := store.SearchSessions(ctx, url.Values{})
		require.NoError(t, err)
		require.Len(t, results, 2)
	})

	t.Run("filter by ip", func(t *testing.T) {
		results, err := store.SearchSessions(ctx, url.Values{"ips": {"10.0.0.6"}})
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.Equal(t, second, results[0].SessionID)
		require.Empty(t, results[0].SessionEnd)
	})

	t.Run("comma separated ids", func(t *testing.T) {
		params := url.Values{
			"ids":      {"1,2"},
			"order_by": {"id"},
			"arrange":  {"desc"},
		}
		results, err := store.SearchSessions(ctx, params)
		require.NoError(t, err)
		require.Len(t, results, 2)
		require.Equal(t, second, results[0].SessionID)
		require.Equal(t, first, results[1].SessionID)
	})

	t.Run("ended session exposes end timestamp", func(t *testing.T) {
		results, err := store.SearchSessions(ctx, url.Values{"ids": {"1"}})
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.NotEmpty(t, results[0].SessionEnd)
	})

	t.Run("invalid filter key", func(t *testing.T) {
		_, err := store.SearchSessions(ctx, url.Values{"bogus": {"1"}})
		require.ErrorIs(t, err, ErrInvalidParameter)
	})
}
