// Package remote is the client for the paginated data service.
//
// Every request is a POST of an api.Request; the service answers with
// {"results": [...]}. Results are decoded per query shape through JSONPath
// field maps, so the same logical entity can be read from more than one schema.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ohler55/ojg/oj"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/agentic-research/starfield/api"
	"github.com/agentic-research/starfield/internal/fault"
)

// Config configures the client.
type Config struct {
	Endpoint string        `yaml:"endpoint" validate:"required,url"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`

	MaxTries       uint          `yaml:"max_tries" validate:"gte=1"`
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`

	// BreakerFailures consecutive transient failures open the breaker for BreakerCooldown.
	BreakerFailures uint32        `yaml:"breaker_failures" validate:"gte=1"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown" validate:"gt=0"`

	MaxResponseBytes int64 `yaml:"max_response_bytes" validate:"gt=0"`
}

// DefaultConfig returns the production defaults without an endpoint.
func DefaultConfig() Config {
	return Config{
		Timeout:          15 * time.Second,
		MaxTries:         4,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       8 * time.Second,
		BreakerFailures:  5,
		BreakerCooldown:  30 * time.Second,
		MaxResponseBytes: 32 << 20,
	}
}

// Client talks to the data service. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	shapes  map[string]*decoder
	logger  *zap.Logger
}

// New creates a client. A nil httpClient selects one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("remote")

	shapes := make(map[string]*decoder)
	for _, s := range append(api.MemberShapes(), api.PostShape, api.CommentShape) {
		d, err := compile(s)
		if err != nil {
			return nil, err
		}
		shapes[s.Name] = d
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "remote",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Only transport trouble counts against the service.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, fault.ErrTransientNetwork)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &Client{cfg: cfg, http: httpClient, breaker: breaker, shapes: shapes, logger: logger}, nil
}

// Query runs req and returns the raw result objects. Transient failures are
// retried with exponential backoff; anything else fails immediately.
func (c *Client) Query(ctx context.Context, req api.Request) ([]any, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff

	attempt := 0
	op := func() ([]any, error) {
		attempt++
		res, err := c.breaker.Execute(func() (interface{}, error) {
			return c.post(ctx, body)
		})
		switch {
		case err == nil:
			return res.([]any), nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, backoff.Permanent(fmt.Errorf("%s page at %d: %w: %v", req.Shape, req.Skip, fault.ErrTransientNetwork, err))
		case errors.Is(err, fault.ErrTransientNetwork):
			c.logger.Debug("transient failure", zap.String("shape", req.Shape), zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	}

	results, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.cfg.MaxTries),
	)
	if err != nil {
		return nil, fmt.Errorf("query %s skip=%d: %w", req.Shape, req.Skip, err)
	}
	return results, nil
}

func (c *Client) post(ctx context.Context, body []byte) ([]any, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", fault.ErrTransientNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fault.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, fault.ErrTransientNetwork)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read body: %w: %v", fault.ErrTransientNetwork, err)
	}
	doc, err := oj.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse response: %w: %v", fault.ErrSchemaMismatch, err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("response is %T: %w", doc, fault.ErrSchemaMismatch)
	}
	results, ok := obj["results"].([]any)
	if !ok {
		if obj["results"] == nil {
			return []any{}, nil
		}
		return nil, fmt.Errorf("results is %T: %w", obj["results"], fault.ErrSchemaMismatch)
	}
	return results, nil
}

// BreakerState reports the circuit breaker state for status output.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

func request(shape api.Shape, lookup string, params map[string]any, skip, limit int) (api.Request, error) {
	filter := shape.Filter
	if lookup != "" {
		clause, ok := shape.Lookups[lookup]
		if !ok {
			return api.Request{}, fmt.Errorf("shape %s has no %q lookup", shape.Name, lookup)
		}
		filter = "(" + filter + ") && " + clause
	}
	return api.Request{
		Entity: shape.Entity,
		Shape:  shape.Name,
		Filter: filter,
		Order:  shape.Order,
		Params: params,
		Limit:  limit,
		Skip:   skip,
		Fields: shape.Select,
	}, nil
}
