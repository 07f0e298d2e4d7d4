package nodeclient

import (
	"bytes"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/secchiware/internal/signatures"
)

var nodeSecret = []byte("test node secret")

// fakeNode runs a node-side HTTP listener and returns its address
func fakeNode(t *testing.T, handler http.HandlerFunc) (string, int) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	parsed, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)
	return parsed.Hostname(), port
}

func keyForID(id string) []byte {
	if id == KeyID {
		return nodeSecret
	}
	return nil
}

// TestInstallPackages tests the signed multipart upload to a node
func TestInstallPackages(t *testing.T) {
	ctx := context.Background()
	archive := []byte("pretend this is a tar.gz")

	var seen struct {
		digestOK    bool
		signatureOK bool
		field       []byte
	}
	ip, port := fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		seen.digestOK = signatures.VerifyDigest(r.Header.Get("Digest"), body) == nil
		seen.signatureOK = signatures.VerifyAuthorizationHeader(
			r.Header.Get("Authorization"),
			keyForID,
			r.Header.Get,
			r.Method,
			r.URL.Path,
			"",
			[]string{"Digest"},
		) == nil

		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		require.NoError(t, err)
		form := multipart.NewReader(bytes.NewReader(body), params["boundary"])
		part, err := form.NextPart()
		require.NoError(t, err)
		require.Equal(t, "packages", part.FormName())
		seen.field, err = io.ReadAll(part)
		require.NoError(t, err)

		w.WriteHeader(http.StatusNoContent)
	})

	resp, err := New(nodeSecret).InstallPackages(ctx, ip, port, archive)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.Status)
	require.True(t, seen.digestOK, "Digest header should match the multipart body")
	require.True(t, seen.signatureOK, "Authorization should verify with Digest bound")
	require.Equal(t, archive, seen.field)
}

// TestUninstallPackage tests the signed DELETE against the package path
func TestUninstallPackage(t *testing.T) {
	ctx := context.Background()

	var signatureOK bool
	ip, port := fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/test_sets/tests_net", r.URL.Path)
		signatureOK = signatures.VerifyAuthorizationHeader(
			r.Header.Get("Authorization"),
			keyForID,
			r.Header.Get,
			r.Method,
			r.URL.Path,
			"",
			nil,
		) == nil
		w.WriteHeader(http.StatusNoContent)
	})

	resp, err := New(nodeSecret).UninstallPackage(ctx, ip, port, "tests_net")
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.Status)
	require.True(t, signatureOK)
}

// TestReports tests query forwarding and body relay
func TestReports(t *testing.T) {
	ctx := context.Background()

	ip, port := fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/reports", r.URL.Path)
		require.Equal(t, "tests_net", r.URL.Query().Get("packages"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"test_name":"outbound_tcp","result_code":1}]`))
	})

	resp, err := New(nodeSecret).Reports(ctx, ip, port, url.Values{"packages": {"tests_net"}})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.JSONEq(t, `[{"test_name":"outbound_tcp","result_code":1}]`, string(resp.Body))
}

// TestShutdown tests the signed shutdown request
func TestShutdown(t *testing.T) {
	ctx := context.Background()

	var signatureOK bool
	ip, port := fakeNode(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/", r.URL.Path)
		signatureOK = signatures.VerifyAuthorizationHeader(
			r.Header.Get("Authorization"),
			keyForID,
			r.Header.Get,
			r.Method,
			r.URL.Path,
			"",
			nil,
		) == nil
		w.WriteHeader(http.StatusNoContent)
	})

	resp, err := New(nodeSecret).Shutdown(ctx, ip, port)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.Status)
	require.True(t, signatureOK)
}

// TestUnreachableNode tests the transport failure classification
func TestUnreachableNode(t *testing.T) {
	ctx := context.Background()

	// A listener that is already closed refuses connections.
	server := httptest.NewServer(http.NotFoundHandler())
	parsed, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)
	server.Close()

	_, err = New(nodeSecret).TestSets(ctx, parsed.Hostname(), port)
	require.ErrorIs(t, err, ErrUnreachable)
	require.True(t, strings.Contains(err.Error(), "could not be reached"))
}
