// Package remote is the one concrete RemoteOps implementation this
// module ships (spec.md's Non-goals explicitly put the real WebDAV wire
// format out of scope): a thin net/http client sufficient to exercise
// internal/job's RemoteOps capability end to end, not a full WebDAV
// stack. Credential handling, retries and the wire encoding are callers'
// concerns; Client only turns the shape internal/job needs into HTTP
// requests against a base URL.
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/csync/propagator/internal/job"
)

// Client is a minimal WebDAV-shaped RemoteOps backed by net/http.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient builds a Client against baseURL, defaulting to
// http.DefaultClient when httpClient is nil.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{BaseURL: strings.TrimSuffix(baseURL, "/"), HTTP: httpClient}
}

func (c *Client) urlFor(path string) string {
	return c.BaseURL + "/" + strings.TrimPrefix(path, "/")
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.urlFor(path), body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &job.RemoteError{Path: path, Err: err}
	}
	return resp, nil
}

func checkStatus(path string, resp *http.Response, wantCodes ...int) error {
	for _, want := range wantCodes {
		if resp.StatusCode == want {
			return nil
		}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &job.RemoteError{Code: resp.StatusCode, Path: path, Err: fmt.Errorf("unexpected status: %s", string(body))}
}

// PropfindDepth0 stats a single remote path.
func (c *Client) PropfindDepth0(ctx context.Context, path string) (job.RemoteInfo, error) {
	resp, err := c.do(ctx, "PROPFIND", path, nil, map[string]string{"Depth": "0"})
	if err != nil {
		return job.RemoteInfo{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(path, resp, http.StatusMultiStatus, http.StatusOK); err != nil {
		return job.RemoteInfo{}, err
	}
	return infoFromHeaders(resp), nil
}

// PropfindDepth1 lists the immediate children of a remote directory.
// This reference client leaves multistatus XML parsing to the caller's
// own body handling (out of scope per spec.md's Non-goals) and returns
// an empty slice; real deployments supply their own RemoteOps.
func (c *Client) PropfindDepth1(ctx context.Context, path string) ([]job.RemoteInfo, error) {
	resp, err := c.do(ctx, "PROPFIND", path, nil, map[string]string{"Depth": "1"})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(path, resp, http.StatusMultiStatus, http.StatusOK); err != nil {
		return nil, err
	}
	return nil, nil
}

// Mkcol issues WebDAV MKCOL.
func (c *Client) Mkcol(ctx context.Context, path string) (job.RemoteInfo, error) {
	resp, err := c.do(ctx, "MKCOL", path, nil, nil)
	if err != nil {
		return job.RemoteInfo{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(path, resp, http.StatusCreated, http.StatusOK); err != nil {
		return job.RemoteInfo{}, err
	}
	return infoFromHeaders(resp), nil
}

// Move issues WebDAV MOVE with an absolute Destination header.
func (c *Client) Move(ctx context.Context, fromPath, toPath string) error {
	resp, err := c.do(ctx, "MOVE", fromPath, nil, map[string]string{
		"Destination": c.urlFor(toPath),
		"Overwrite":   "F",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(fromPath, resp, http.StatusCreated, http.StatusNoContent)
}

// Delete issues HTTP DELETE.
func (c *Client) Delete(ctx context.Context, path string) error {
	resp, err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(path, resp, http.StatusNoContent, http.StatusOK, http.StatusNotFound)
}

// Get streams the remote body for path into w and returns its etag.
func (c *Client) Get(ctx context.Context, path string, w io.Writer) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(path, resp, http.StatusOK); err != nil {
		return "", err
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", &job.RemoteError{Path: path, Err: err}
	}
	return resp.Header.Get("ETag"), nil
}

// PutV1 is the legacy single-request PUT upload.
func (c *Client) PutV1(ctx context.Context, path string, r io.Reader, size, modTime int64) (job.RemoteInfo, error) {
	resp, err := c.do(ctx, http.MethodPut, path, r, map[string]string{
		"Content-Length": strconv.FormatInt(size, 10),
		"X-OC-Mtime":     strconv.FormatInt(modTime, 10),
	})
	if err != nil {
		return job.RemoteInfo{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(path, resp, http.StatusCreated, http.StatusNoContent); err != nil {
		return job.RemoteInfo{}, err
	}
	return infoFromHeaders(resp), nil
}

// PutChunkNG uploads one chunk of an upload-session-style chunked PUT.
// The transfer ID becomes a path segment under a well-known uploads
// collection, matching the chunking-NG shape spec.md §6 describes.
func (c *Client) PutChunkNG(ctx context.Context, path, transferID string, chunkIndex int, r io.Reader, final bool, size, modTime int64) (job.PutChunkResult, error) {
	chunkPath := fmt.Sprintf("uploads/%s/%d", url.PathEscape(transferID), chunkIndex)
	headers := map[string]string{"X-OC-Mtime": strconv.FormatInt(modTime, 10)}
	if final {
		headers["OC-Total-Length"] = strconv.FormatInt(size, 10)
		headers["Destination"] = c.urlFor(path)
	}
	resp, err := c.do(ctx, http.MethodPut, chunkPath, r, headers)
	if err != nil {
		return job.PutChunkResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusNoContent:
		return job.PutChunkResult{Done: true, Info: infoFromHeaders(resp)}, nil
	case http.StatusAccepted:
		return job.PutChunkResult{PollURL: resp.Header.Get("Location")}, nil
	default:
		return job.PutChunkResult{}, checkStatus(chunkPath, resp, http.StatusCreated)
	}
}

// Poll asks an async upload's poll handle whether it has finished.
func (c *Client) Poll(ctx context.Context, pollURL string) (job.PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return job.PollResult{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return job.PollResult{}, &job.RemoteError{Path: pollURL, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return job.PollResult{Done: true, Info: infoFromHeaders(resp)}, nil
	case http.StatusAccepted, http.StatusProcessing:
		return job.PollResult{Done: false}, nil
	default:
		return job.PollResult{}, checkStatus(pollURL, resp, http.StatusOK)
	}
}

func infoFromHeaders(resp *http.Response) job.RemoteInfo {
	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	mtime, _ := strconv.ParseInt(resp.Header.Get("X-OC-Mtime"), 10, 64)
	return job.RemoteInfo{
		Etag:    strings.Trim(resp.Header.Get("ETag"), `"`),
		FileID:  resp.Header.Get("OC-FileId"),
		Perm:    resp.Header.Get("OC-Permissions"),
		Size:    size,
		ModTime: mtime,
	}
}
