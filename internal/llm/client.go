// Package llm wraps a text-in/text-out generative model behind a façade
// with bounded retries, per-call timeouts, and JSON extraction. All three
// tiers talk to the model through this client.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/copp1723/unified-vendora-final/internal/model"
)

// Generator is the raw model transport. Implementations must honour
// context cancellation.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Result carries the model text plus how many attempts the call took.
type Result struct {
	Text     string
	Attempts int
}

// Retried reports whether the call needed more than one attempt.
func (r Result) Retried() bool {
	return r.Attempts > 1
}

type Client struct {
	gen         Generator
	maxAttempts int
	callTimeout time.Duration
	baseBackoff time.Duration
	logger      *zap.Logger
}

type Option func(*Client)

// WithBaseBackoff overrides the first retry delay (tests use a tiny one).
func WithBaseBackoff(d time.Duration) Option {
	return func(c *Client) { c.baseBackoff = d }
}

func NewClient(gen Generator, maxAttempts int, callTimeout time.Duration, logger *zap.Logger, opts ...Option) *Client {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		gen:         gen,
		maxAttempts: maxAttempts,
		callTimeout: callTimeout,
		baseBackoff: time.Second,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate calls the model with retries for transport-class failures.
// The whole call, retries included, is capped by the client's call
// timeout and by ctx. Exhausted retries surface as model_unavailable.
func (c *Client) Generate(ctx context.Context, prompt string) (Result, error) {
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			// Exponential backoff with jitter: 1s, 2s, 4s, ... plus up to 50%.
			delay := c.baseBackoff << uint(attempt-2)
			delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
			select {
			case <-ctx.Done():
				return Result{Attempts: attempt - 1}, c.unavailable(ctx.Err())
			case <-time.After(delay):
			}
		}

		text, err := c.gen.Generate(ctx, prompt)
		if err == nil {
			return Result{Text: text, Attempts: attempt}, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{Attempts: attempt}, c.unavailable(err)
		}
		c.logger.Warn("model call failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.maxAttempts),
			zap.Error(err))
	}
	return Result{Attempts: c.maxAttempts}, c.unavailable(lastErr)
}

// GenerateJSON calls the model and unmarshals the first balanced JSON
// object from the response into out. A response with no parseable object
// is model_malformed, not retried: the transport succeeded.
func (c *Client) GenerateJSON(ctx context.Context, prompt string, out any) (Result, error) {
	res, err := c.Generate(ctx, prompt)
	if err != nil {
		return res, err
	}
	obj := ExtractJSON(res.Text)
	if obj == "" {
		return res, model.NewError(model.KindModelMalformed, "no JSON object in model response")
	}
	if err := json.Unmarshal([]byte(obj), out); err != nil {
		return res, model.WrapError(model.KindModelMalformed, "unmarshal model response", err)
	}
	return res, nil
}

func (c *Client) unavailable(cause error) error {
	return model.WrapError(model.KindModelUnavailable, "model call exhausted retries", cause)
}

// ExtractJSON finds the first balanced JSON object in a response,
// tolerating leading/trailing prose and markdown fences. String
// literals are skipped so embedded braces do not unbalance the scan.
func ExtractJSON(response string) string {
	start := strings.Index(response, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(response); i++ {
		ch := response[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return response[start : i+1]
			}
		}
	}
	return ""
}
