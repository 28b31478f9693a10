package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// Limited wraps a Generator with a token-bucket rate limit shared by all
// callers, so expansion fan-out and answer calls cannot burst past the
// provider quota.
type Limited struct {
	Generator
	limiter *rate.Limiter
}

// NewLimited limits gen to rps requests per second with the given burst.
func NewLimited(gen Generator, rps float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{
		Generator: gen,
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Generate waits for a token, then delegates.
func (l *Limited) Generate(ctx context.Context, req Request) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return l.Generator.Generate(ctx, req)
}
