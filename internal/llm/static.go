package llm

import (
	"context"
	"sync"
)

// StaticGenerator returns a fixed response. It backs the "static" provider
// for offline use and tests, and records the requests it receives.
type StaticGenerator struct {
	mu       sync.Mutex
	response string
	err      error
	requests []Request
}

// NewStaticGenerator returns a generator that always answers response.
func NewStaticGenerator(response string) *StaticGenerator {
	return &StaticGenerator{response: response}
}

// WithError makes every call fail with err.
func (s *StaticGenerator) WithError(err error) *StaticGenerator {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

// Generate records req and returns the configured response.
func (s *StaticGenerator) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

// Requests returns a copy of the requests received so far.
func (s *StaticGenerator) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Available always reports true.
func (s *StaticGenerator) Available(context.Context) bool { return true }

// ModelName returns "static".
func (s *StaticGenerator) ModelName() string { return "static" }

// Close is a no-op.
func (s *StaticGenerator) Close() error { return nil }
