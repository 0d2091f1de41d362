package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/replicafed/replicafed/pkg/errors"
)

// Client is a small typed HTTP/JSON client shared by the router, the
// peer's inter-peer calls, and pkg/client. Every call carries the
// context deadline the caller supplies, or the client's own default
// per-call Timeout if the context has none; a missing reply is
// classified Unreachable,
// identically to an explicit failure.
type Client struct {
	http    *http.Client
	Timeout time.Duration
}

// NewClient returns a Client whose calls time out after timeout unless
// the caller's context already carries an earlier deadline.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		http:    &http.Client{},
		Timeout: timeout,
	}
}

// errorEnvelope mirrors the JSON shape WriteError produces server-side,
// letting the client reconstruct a *errors.FedError from a non-2xx body.
type errorEnvelope struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// Post sends req as a JSON body to addr+path and decodes the response
// into resp (which may be nil if no body is expected).
func (c *Client) Post(ctx context.Context, addr, path string, req, resp interface{}) error {
	return c.do(ctx, http.MethodPost, addr, path, req, resp)
}

// Get issues a bodyless GET, used for the liveness probe.
func (c *Client) Get(ctx context.Context, addr, path string) error {
	return c.do(ctx, http.MethodGet, addr, path, nil, nil)
}

// GetJSON issues a bodyless GET and decodes the JSON response into resp,
// used for the probe when the caller wants the peer's endpoint report.
func (c *Client) GetJSON(ctx context.Context, addr, path string, resp interface{}) error {
	return c.do(ctx, http.MethodGet, addr, path, nil, resp)
}

// PostRoute sends a client verb to the router and decodes its envelope,
// including the 425 "allocation in progress" response, which is not an
// error but a RouteResponse carrying the retry token.
func (c *Client) PostRoute(ctx context.Context, addr, path string, req interface{}) (RouteResponse, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	data, err := json.Marshal(req)
	if err != nil {
		return RouteResponse{}, errors.New(errors.ErrCodeIOError, "failed to marshal request").WithCause(err)
	}
	url := fmt.Sprintf("http://%s%s", addr, path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return RouteResponse{}, errors.New(errors.ErrCodeIOError, "failed to build request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return RouteResponse{}, errors.Unreachable(path, addr).WithCause(err)
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return RouteResponse{}, errors.Unreachable(path, addr).WithCause(err)
	}

	ok := httpResp.StatusCode >= 200 && httpResp.StatusCode < 300
	if ok || httpResp.StatusCode == StatusAllocating {
		var route RouteResponse
		if len(body) > 0 {
			if err := json.Unmarshal(body, &route); err != nil {
				return RouteResponse{}, errors.New(errors.ErrCodeIOError, "failed to decode response").WithCause(err)
			}
		}
		return route, nil
	}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Code == "" {
		return RouteResponse{}, errors.New(errors.ErrCodeIOError, fmt.Sprintf("unexpected status %d from %s", httpResp.StatusCode, addr))
	}
	return RouteResponse{}, errors.New(env.Code, env.Message).WithOperation(path)
}

func (c *Client) do(ctx context.Context, method, addr, path string, req, resp interface{}) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var body io.Reader
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return errors.New(errors.ErrCodeIOError, "failed to marshal request").WithCause(err)
		}
		body = bytes.NewReader(data)
	}

	url := fmt.Sprintf("http://%s%s", addr, path)
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return errors.New(errors.ErrCodeIOError, "failed to build request").WithCause(err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return errors.Unreachable(path, addr).WithCause(err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return errors.Unreachable(path, addr).WithCause(err)
	}

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		if resp == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, resp); err != nil {
			return errors.New(errors.ErrCodeIOError, "failed to decode response").WithCause(err)
		}
		return nil
	}

	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Code == "" {
		return errors.New(errors.ErrCodeIOError, fmt.Sprintf("unexpected status %d from %s", httpResp.StatusCode, addr))
	}
	return errors.New(env.Code, env.Message).WithOperation(path)
}
