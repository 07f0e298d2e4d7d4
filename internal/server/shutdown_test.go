package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/secchiware/internal/nodeclient"
	"github.com/dreamware/secchiware/internal/signatures"
)

// TestStopActiveEnvironments tests coordinator shutdown: every active node
// gets a signed stop request, every session ends and the shared store is
// flushed, an unreachable node notwithstanding.
func TestStopActiveEnvironments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stops := 0
	var signatureErr error
	ip, port := fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/", r.URL.Path)
		signatureErr = signatures.VerifyAuthorizationHeader(
			r.Header.Get("Authorization"),
			func(id string) []byte {
				if id == nodeclient.KeyID {
					return testNodeSecret
				}
				return nil
			},
			r.Header.Get,
			r.Method,
			r.URL.Path,
			"",
			nil,
		)
		stops++
		w.WriteHeader(http.StatusNoContent)
	})
	h.register(t, ip, port)

	// A node that died without deregistering.
	dead := httptest.NewServer(http.NotFoundHandler())
	parsed, err := url.Parse(dead.URL)
	require.NoError(t, err)
	deadPort, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)
	dead.Close()
	h.register(t, parsed.Hostname(), deadPort)

	require.NoError(t, h.cache.SetRepositoryEntry(ctx, "tests_net",
		[]byte(`{"name":"tests_net"}`)))

	require.NoError(t, h.srv.StopActiveEnvironments(ctx))

	t.Run("reachable node got a signed stop request", func(t *testing.T) {
		require.Equal(t, 1, stops)
		require.NoError(t, signatureErr)
	})

	t.Run("every session is ended", func(t *testing.T) {
		active, err := h.db.ListActiveSessions(ctx)
		require.NoError(t, err)
		require.Empty(t, active)

		for _, id := range []int64{1, 2} {
			session, err := h.db.SessionByID(ctx, id)
			require.NoError(t, err)
			require.True(t, session.End.Valid, "Session should have ended")
		}
	})

	t.Run("shared store is flushed", func(t *testing.T) {
		require.Empty(t, h.mr.Keys())
	})
}
