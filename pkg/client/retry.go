package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/venue-harvester/pkg/clock"
	"github.com/rs/zerolog"
)

// RetryConfig holds the configuration for transport-level retries.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// BackoffFactor scales the linear wait: retry n waits BackoffFactor*n.
	BackoffFactor time.Duration

	// RetryStatuses are the response statuses treated as transient.
	RetryStatuses []int
}

// DefaultRetryConfig returns the default retry configuration. 429 is
// deliberately absent: rate limiting is handled above the transport.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    5,
		BackoffFactor: 1 * time.Second,
		RetryStatuses: []int{
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// Transport wraps a Doer with bounded retry on transient statuses and
// network errors. When retries run out on a status, the last response is
// returned unchanged for the caller to classify.
type Transport struct {
	next     Doer
	config   RetryConfig
	statuses map[int]struct{}
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewTransport creates a retrying transport around next.
func NewTransport(next Doer, config RetryConfig, clk clock.Clock, logger zerolog.Logger) *Transport {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if clk == nil {
		clk = clock.Real{}
	}
	statuses := make(map[int]struct{}, len(config.RetryStatuses))
	for _, s := range config.RetryStatuses {
		statuses[s] = struct{}{}
	}
	return &Transport{
		next:     next,
		config:   config,
		statuses: statuses,
		clock:    clk,
		logger:   logger,
	}
}

// Do executes req, retrying up to MaxRetries times.
func (t *Transport) Do(ctx context.Context, req Request) (*Response, error) {
	var (
		resp     *Response
		lastErr  error
		errClass ErrorClass
	)

	attempts := t.config.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, lastErr = t.next.Do(ctx, req)

		switch {
		case lastErr != nil:
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
			}
			errClass = ErrorClassNetwork
		case t.isRetryStatus(resp.StatusCode):
			errClass = ErrorClassTransient
		default:
			if attempt > 1 {
				t.logger.Info().
					Str("endpoint", req.Endpoint).
					Int("attempt", attempt).
					Int("status", resp.StatusCode).
					Msg("Request succeeded after retry")
			}
			return resp, nil
		}

		if !shouldRetry(errClass) || attempt == attempts {
			break
		}

		wait := t.config.BackoffFactor * time.Duration(attempt)
		retriesTotal.WithLabelValues(string(errClass)).Inc()
		retryBackoffSeconds.WithLabelValues(string(errClass)).Observe(wait.Seconds())

		event := t.logger.Warn().
			Str("endpoint", req.Endpoint).
			Str("error_class", string(errClass)).
			Int("attempt", attempt).
			Dur("wait", wait)
		if lastErr != nil {
			event = event.Err(lastErr)
		} else {
			event = event.Int("status", resp.StatusCode)
		}
		event.Msg("Retrying request after backoff")

		if err := t.clock.Sleep(ctx, wait); err != nil {
			t.logger.Warn().
				Str("endpoint", req.Endpoint).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
	}

	retryExhaustedTotal.WithLabelValues(string(errClass)).Inc()
	t.logger.Warn().
		Str("endpoint", req.Endpoint).
		Str("error_class", string(errClass)).
		Int("max_retries", t.config.MaxRetries).
		Msg("Retry attempts exhausted")

	if lastErr != nil {
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, lastErr)
	}
	return resp, nil
}

func (t *Transport) isRetryStatus(status int) bool {
	_, ok := t.statuses[status]
	return ok
}

// IsContextCancelled reports whether err came from a cancelled context.
func IsContextCancelled(err error) bool {
	return errors.Is(err, ErrContextCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
