package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/cyl19970726/continue-reasoning-sub003/internal/tracing"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RetryingLLM retries retryable provider errors with exponential backoff.
type RetryingLLM struct {
	inner          LLM
	maxAttempts    int
	initialBackoff time.Duration
	logger         zerolog.Logger
}

// NewRetryingLLM wraps inner. maxAttempts below 1 means 3 and a zero
// backoff means one second.
func NewRetryingLLM(inner LLM, maxAttempts int, initialBackoff time.Duration, logger *zerolog.Logger) *RetryingLLM {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &RetryingLLM{
		inner:          inner,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		logger:         l.With().Str("component", "llm-retry").Logger(),
	}
}

func (r *RetryingLLM) Provider() string {
	return r.inner.Provider()
}

func (r *RetryingLLM) Call(ctx context.Context, prompt string, tools []toolexecutor.ToolCallDefinition, opts CallOptions) (*LLMResponse, error) {
	return r.do(ctx, func() (*LLMResponse, error) {
		return r.inner.Call(ctx, prompt, tools, opts)
	}, nil)
}

// CallStream retries only while nothing has been streamed yet. Falls back to
// Call when the wrapped LLM cannot stream.
func (r *RetryingLLM) CallStream(ctx context.Context, prompt string, tools []toolexecutor.ToolCallDefinition, opts CallOptions, onDelta func(string)) (*LLMResponse, error) {
	streamer, ok := r.inner.(StreamingLLM)
	if !ok {
		return r.Call(ctx, prompt, tools, opts)
	}

	emitted := false
	wrapped := func(delta string) {
		emitted = true
		if onDelta != nil {
			onDelta(delta)
		}
	}
	return r.do(ctx, func() (*LLMResponse, error) {
		return streamer.CallStream(ctx, prompt, tools, opts, wrapped)
	}, func() bool { return emitted })
}

func (r *RetryingLLM) do(ctx context.Context, call func() (*LLMResponse, error), visible func() bool) (*LLMResponse, error) {
	logger := tracing.LoggerFromContext(ctx, r.logger)
	var lastErr error

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		response, err := call()
		if err == nil {
			return response, nil
		}
		lastErr = err

		// Don't retry on permanent errors
		if !IsRetryableError(err) || ctx.Err() != nil {
			return nil, err
		}
		if visible != nil && visible() {
			return nil, err
		}
		if attempt == r.maxAttempts-1 {
			break
		}

		delay := r.initialBackoff * time.Duration(1<<attempt)
		logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying LLM call after error")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", r.maxAttempts, lastErr)
}
