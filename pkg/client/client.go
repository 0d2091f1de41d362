// Package client is the thin retrying client library: the six
// federation verbs over the router, with exponential-backoff retry,
// a circuit breaker so a down router fails fast instead of stalling
// every caller, and the token-polling loop for the router's
// "allocation in progress" response.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/replicafed/replicafed/internal/circuit"
	"github.com/replicafed/replicafed/internal/family"
	"github.com/replicafed/replicafed/internal/wire"
	"github.com/replicafed/replicafed/pkg/errors"
	"github.com/replicafed/replicafed/pkg/retry"
	"github.com/replicafed/replicafed/pkg/utils"
)

// Config configures a federation client.
type Config struct {
	RouterAddr     string        `yaml:"router_addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// TokenPollInterval is the delay between retries while the router
	// reports an allocation in progress; TokenPollBudget bounds how
	// long the client keeps polling one token before giving up.
	TokenPollInterval time.Duration `yaml:"token_poll_interval"`
	TokenPollBudget   time.Duration `yaml:"token_poll_budget"`

	Retry retry.Config `yaml:"retry"`
}

// DefaultConfig returns client defaults tuned to the protocol timers:
// the poll interval is comfortably above a typical allocation's probe
// round, and the budget several multiples of it.
func DefaultConfig(routerAddr string) Config {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = 3
	rc.RetryableErrors = []errors.ErrorCode{errors.ErrCodeUnreachable}
	return Config{
		RouterAddr:        routerAddr,
		RequestTimeout:    2 * time.Second,
		TokenPollInterval: 200 * time.Millisecond,
		TokenPollBudget:   15 * time.Second,
		Retry:             rc,
	}
}

// Client issues federation operations against one router.
type Client struct {
	cfg     Config
	wire    *wire.Client
	retryer *retry.Retryer
	breaker *circuit.CircuitBreaker
	logger  *utils.StructuredLogger
}

// New constructs a Client.
func New(cfg Config, logger *utils.StructuredLogger) *Client {
	return &Client{
		cfg:     cfg,
		wire:    wire.NewClient(cfg.RequestTimeout),
		retryer: retry.New(cfg.Retry),
		// The breaker's default classification already treats any
		// answered FedError as success, so only transport-level failure
		// counts toward opening the circuit to the router.
		breaker: circuit.NewCircuitBreaker("router", circuit.Config{}),
		logger:  logger.WithComponent("client"),
	}
}

// Read returns the contents of path.
func (c *Client) Read(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.call(ctx, family.Read, wire.OpRequest{Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Write creates or overwrites path with data.
func (c *Client) Write(ctx context.Context, path string, data []byte) error {
	_, err := c.call(ctx, family.Write, wire.OpRequest{Path: path, Data: data})
	return err
}

// Delete removes path.
func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.call(ctx, family.Delete, wire.OpRequest{Path: path})
	return err
}

// Copy duplicates src to dst within src's family.
func (c *Client) Copy(ctx context.Context, src, dst string) error {
	_, err := c.call(ctx, family.Copy, wire.OpRequest{Path: src, Arg2: dst})
	return err
}

// Rename moves oldPath to newPath within its family.
func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	_, err := c.call(ctx, family.Rename, wire.OpRequest{Path: oldPath, Arg2: newPath})
	return err
}

// Exists reports whether path is present anywhere in the federation.
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	resp, err := c.call(ctx, family.Exists, wire.OpRequest{Path: path})
	if err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// call sends one verb through the breaker and retryer, then drives the
// token-polling loop if the router answered "allocating".
func (c *Client) call(ctx context.Context, verb family.Verb, req wire.OpRequest) (wire.RouteResponse, error) {
	resp, err := c.post(ctx, verb, req, "")
	if err != nil {
		return wire.RouteResponse{}, err
	}
	if !resp.Allocating {
		return resp, nil
	}

	token := fmt.Sprintf("%d", resp.Token)
	deadline := time.Now().Add(c.cfg.TokenPollBudget)
	for {
		select {
		case <-ctx.Done():
			return wire.RouteResponse{}, errors.Unreachable(string(verb), c.cfg.RouterAddr).WithCause(ctx.Err())
		case <-time.After(c.cfg.TokenPollInterval):
		}
		resp, err = c.post(ctx, verb, req, token)
		if err != nil {
			return wire.RouteResponse{}, err
		}
		if !resp.Allocating {
			return resp, nil
		}
		if time.Now().After(deadline) {
			return wire.RouteResponse{}, errors.NotRoutable(string(verb), req.Path).
				WithDetail("token", resp.Token)
		}
		c.logger.Debug("allocation still in progress, retrying", map[string]interface{}{
			"verb":  string(verb),
			"token": resp.Token,
		})
	}
}

func (c *Client) post(ctx context.Context, verb family.Verb, req wire.OpRequest, token string) (wire.RouteResponse, error) {
	path := pathForVerb(verb)
	if token != "" {
		path += "?token=" + token
	}
	var resp wire.RouteResponse
	err := c.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			var callErr error
			resp, callErr = c.wire.PostRoute(ctx, c.cfg.RouterAddr, path, req)
			return callErr
		})
	})
	if err != nil {
		return wire.RouteResponse{}, err
	}
	return resp, nil
}

func pathForVerb(v family.Verb) string {
	switch v {
	case family.Read:
		return wire.PathRead
	case family.Write:
		return wire.PathWrite
	case family.Delete:
		return wire.PathDelete
	case family.Copy:
		return wire.PathCopy
	case family.Rename:
		return wire.PathRename
	case family.Exists:
		return wire.PathExists
	default:
		return wire.PathRead
	}
}
