package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/enterprise/aml-engine/configs"
)

var (
	// ErrInvalidResponse means the model kept returning output that does not
	// decode into the requested shape, even after one corrective re-prompt
	ErrInvalidResponse = errors.New("llm returned malformed response")

	// ErrUnavailable means the model endpoint is down or shedding load
	ErrUnavailable = errors.New("llm endpoint unavailable")
)

const (
	retryBaseDelay  = 500 * time.Millisecond
	retryMultiplier = 2.0
	retryJitter     = 0.2
)

// Gateway wraps a completion client with the reliability layer every caller
// shares: a process-wide concurrency cap, bounded retries with exponential
// backoff, a circuit breaker, and JSON shape enforcement with one re-prompt.
type Gateway struct {
	client        Client
	breaker       *gobreaker.CircuitBreaker
	sem           *semaphore.Weighted
	retryAttempts int
}

// NewGateway creates a gateway over the given client
func NewGateway(client Client, cfg configs.LLMConfig) *Gateway {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return &Gateway{
		client:        client,
		breaker:       breaker,
		sem:           semaphore.NewWeighted(int64(cfg.GlobalConcurrency)),
		retryAttempts: cfg.RetryAttempts,
	}
}

// Complete runs one completion through the semaphore, breaker and retry loop
func (g *Gateway) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer g.sem.Release(1)

	var lastErr error
	for attempt := 1; attempt <= g.retryAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(attempt - 1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			log.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying llm call")
		}

		result, err := g.breaker.Execute(func() (interface{}, error) {
			return g.client.Complete(ctx, req)
		})
		if err == nil {
			return result.(string), nil
		}

		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
		if !isRetryable(err) {
			return "", err
		}
	}

	return "", fmt.Errorf("llm call failed after %d attempts: %w", g.retryAttempts, lastErr)
}

// CompleteJSON runs a completion and decodes the output into out. If the
// first response does not decode, the model gets exactly one corrective
// re-prompt before the call fails with ErrInvalidResponse.
func (g *Gateway) CompleteJSON(ctx context.Context, req CompletionRequest, out interface{}) error {
	raw, err := g.Complete(ctx, req)
	if err != nil {
		return err
	}

	if err := decodeJSON(raw, out); err == nil {
		return nil
	}

	log.Debug().Msg("Re-prompting llm for valid JSON")

	retry := req
	retry.Prompt = req.Prompt + "\n\nReturn valid JSON matching this shape."
	raw, err = g.Complete(ctx, retry)
	if err != nil {
		return err
	}

	if err := decodeJSON(raw, out); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidResponse, err)
	}

	return nil
}

// backoffDelay computes the exponential delay for the nth retry with jitter
func backoffDelay(retry int) time.Duration {
	delay := float64(retryBaseDelay)
	for i := 1; i < retry; i++ {
		delay *= retryMultiplier
	}
	jitter := 1 + (rand.Float64()*2-1)*retryJitter
	return time.Duration(delay * jitter)
}

// decodeJSON extracts the JSON object from model output, tolerating markdown
// fences and surrounding prose, and unmarshals it strictly into out
func decodeJSON(raw string, out interface{}) error {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")

	start := strings.IndexAny(trimmed, "{[")
	if start < 0 {
		return fmt.Errorf("no JSON found in response")
	}

	var end int
	if trimmed[start] == '{' {
		end = strings.LastIndex(trimmed, "}")
	} else {
		end = strings.LastIndex(trimmed, "]")
	}
	if end < start {
		return fmt.Errorf("unterminated JSON in response")
	}

	// Extra keys in the model output are tolerated; only the expected
	// fields are read
	return json.Unmarshal([]byte(trimmed[start:end+1]), out)
}

func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Transport-level failures are transient
	return true
}
