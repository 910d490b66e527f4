// Package client talks to the upload gateway. Requests are retried on
// connection errors and 5xx responses; chunk bodies are rewound between
// attempts.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/lgulliver/freight/pkg/types"
	"github.com/lgulliver/freight/pkg/utils"
)

const checksumHeader = "X-Chunk-Checksum"

// Options configures a Client
type Options struct {
	BaseURL     string
	Token       string
	RetryMax    int
	RetryWait   time.Duration
	Concurrency int

	// OnChunk is called after every accepted chunk
	OnChunk func(*types.ChunkResult)

	// HTTPClient overrides the default retrying client
	HTTPClient *retryablehttp.Client
}

// Client is an upload gateway client
type Client struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	token       string
	concurrency int
	onChunk     func(*types.ChunkResult)
}

// New creates a client for the gateway at opts.BaseURL
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = retryablehttp.NewClient()
		httpClient.Logger = leveledLogger{}
		if opts.RetryMax > 0 {
			httpClient.RetryMax = opts.RetryMax
		}
		if opts.RetryWait > 0 {
			httpClient.RetryWaitMin = opts.RetryWait
			httpClient.RetryWaitMax = 10 * opts.RetryWait
		}
	}
	// the last response is decoded into an UploadError instead of a generic one
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimSuffix(opts.BaseURL, "/"),
		token:       opts.Token,
		concurrency: concurrency,
		onChunk:     opts.OnChunk,
	}
}

// Initiate opens an upload session
func (c *Client) Initiate(ctx context.Context, req types.InitiateRequest) (*types.InitiateResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var result types.InitiateResult
	if err := c.do(ctx, call{method: http.MethodPost, path: "/api/v1/uploads", body: body, expected: http.StatusCreated}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UploadChunk sends size bytes from chunk as chunk index. The chunk is read
// once for its checksum and rewound before every attempt.
func (c *Client) UploadChunk(ctx context.Context, uploadID string, index int, chunk io.ReadSeeker, size int64) (*types.ChunkResult, error) {
	if _, err := chunk.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind chunk %d: %w", index, err)
	}
	checksum, err := utils.ComputeSHA256FromReader(chunk)
	if err != nil {
		return nil, fmt.Errorf("checksum chunk %d: %w", index, err)
	}
	if _, err := chunk.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind chunk %d: %w", index, err)
	}

	var result types.ChunkResult
	err = c.do(ctx, call{
		method:      http.MethodPut,
		path:        fmt.Sprintf("/api/v1/uploads/%s/chunks/%d", url.PathEscape(uploadID), index),
		body:        chunk,
		size:        size,
		contentType: "application/octet-stream",
		checksum:    checksum,
		expected:    http.StatusOK,
	}, &result)
	if err != nil {
		return nil, err
	}
	if c.onChunk != nil {
		c.onChunk(&result)
	}
	return &result, nil
}

// Status reports the progress of a session
func (c *Client) Status(ctx context.Context, uploadID string) (*types.StatusResult, error) {
	var result types.StatusResult
	if err := c.do(ctx, call{method: http.MethodGet, path: "/api/v1/uploads/" + url.PathEscape(uploadID), expected: http.StatusOK}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Finalize assembles the uploaded chunks. checksum may be empty.
func (c *Client) Finalize(ctx context.Context, uploadID, checksum string) (*types.FinalizeResult, error) {
	body, err := json.Marshal(types.FinalizeRequest{Checksum: checksum})
	if err != nil {
		return nil, err
	}

	var result types.FinalizeResult
	path := "/api/v1/uploads/" + url.PathEscape(uploadID) + "/finalize"
	if err := c.do(ctx, call{method: http.MethodPost, path: path, body: body, expected: http.StatusOK}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel abandons a session and its chunks
func (c *Client) Cancel(ctx context.Context, uploadID string) error {
	return c.do(ctx, call{method: http.MethodDelete, path: "/api/v1/uploads/" + url.PathEscape(uploadID), expected: http.StatusOK}, nil)
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// call describes one gateway request. JSON bodies are passed as []byte.
type call struct {
	method      string
	path        string
	body        interface{}
	size        int64
	contentType string
	checksum    string
	expected    int
}

func (c *Client) do(ctx context.Context, cl call, out interface{}) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, cl.method, c.baseURL+cl.path, cl.body)
	if err != nil {
		return err
	}
	// retryablehttp only sets the length for in-memory bodies
	if cl.size > 0 {
		req.ContentLength = cl.size
	}
	switch {
	case cl.contentType != "":
		req.Header.Set("Content-Type", cl.contentType)
	case cl.body != nil:
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.checksum != "" {
		req.Header.Set(checksumHeader, cl.checksum)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != cl.expected {
		return unwrapError(resp)
	}
	if out == nil {
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

// unwrapError turns an error response into an *types.UploadError when the
// gateway classified it
func unwrapError(resp *http.Response) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var body types.ErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Code != "" {
		return &types.UploadError{
			Kind:          types.ErrorKind(body.Code),
			Message:       body.Error,
			MissingChunks: body.MissingChunks,
			Expected:      body.ExpectedChecksum,
			Actual:        body.ActualChecksum,
		}
	}
	if body.Error != "" {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
}
