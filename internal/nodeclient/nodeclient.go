// Package nodeclient is the coordinator's HTTP client for the node-side
// surface. Requests that mutate a node are signed with the shared node
// secret under key id C2; reads travel unsigned.
package nodeclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/dreamware/secchiware/internal/signatures"
)

// KeyID identifies the coordinator in outbound Authorization headers.
const KeyID = "C2"

// ErrUnreachable wraps any transport failure talking to a node. Handlers
// map it to 504.
var ErrUnreachable = errors.New("environment could not be reached")

// Response carries a node's reply. Handlers branch on Status and relay or
// decode Body as the endpoint requires.
type Response struct {
	Status int
	Body   []byte
}

// Client talks to node agents. Safe for concurrent use.
type Client struct {
	http       *http.Client
	nodeSecret []byte
}

// New builds a Client signing with the given node secret.
func New(nodeSecret []byte) *Client {
	return &Client{
		http:       &http.Client{Timeout: 30 * time.Second},
		nodeSecret: nodeSecret,
	}
}

func nodeURL(ip string, port int, path string) string {
	return fmt.Sprintf("http://%s:%d%s", ip, port, path)
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return &Response{Status: resp.StatusCode, Body: body}, nil
}

// sign attaches an Authorization header covering the request's method and
// path plus any named headers already present on the request.
func (c *Client) sign(req *http.Request, headers []string) error {
	signature, err := signatures.NewSignature(
		c.nodeSecret,
		req.Method,
		req.URL.Path,
		"",
		headers,
		req.Header.Get,
	)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization",
		signatures.NewAuthorizationHeader(KeyID, signature, headers))
	return nil
}

// TestSets fetches the node's installed package manifests.
func (c *Client) TestSets(ctx context.Context, ip string, port int) (*Response, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, nodeURL(ip, port, "/test_sets"), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// InstallPackages ships a package archive to the node as the multipart
// field "packages". The body digest is bound into the signature.
func (c *Client) InstallPackages(ctx context.Context, ip string, port int, archive []byte) (*Response, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("packages", "packages.tar.gz")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(archive); err != nil {
		return nil, err
	}
	if err := form.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPatch, nodeURL(ip, port, "/test_sets"), bytes.NewReader(body.Bytes()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Digest", signatures.BodyDigest(body.Bytes()))
	if err := c.sign(req, []string{"Digest"}); err != nil {
		return nil, err
	}
	return c.do(req)
}

// UninstallPackage asks the node to remove one installed package.
func (c *Client) UninstallPackage(ctx context.Context, ip string, port int, name string) (*Response, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodDelete, nodeURL(ip, port, "/test_sets/"+name), nil)
	if err != nil {
		return nil, err
	}
	if err := c.sign(req, nil); err != nil {
		return nil, err
	}
	return c.do(req)
}

// Reports triggers a test run on the node, filtered by the given query
// parameters, and returns the node's report list verbatim.
func (c *Client) Reports(ctx context.Context, ip string, port int, query url.Values) (*Response, error) {
	target := nodeURL(ip, port, "/reports")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// Shutdown asks the node to terminate. Sent to every active environment
// when the coordinator goes down.
func (c *Client) Shutdown(ctx context.Context, ip string, port int) (*Response, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodDelete, nodeURL(ip, port, "/"), nil)
	if err != nil {
		return nil, err
	}
	if err := c.sign(req, nil); err != nil {
		return nil, err
	}
	return c.do(req)
}
