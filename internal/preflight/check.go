// Package preflight runs the diagnostics behind 'policyrag doctor': local
// storage, the hybrid index and the model services it depends on.
package preflight

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Aman-CERP/policyrag/internal/output"
)

// CheckStatus is the outcome of one check.
type CheckStatus int

const (
	StatusPass CheckStatus = iota
	StatusWarn
	StatusFail
)

// String returns PASS, WARN or FAIL.
func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON encodes the status as its name.
func (s CheckStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// CheckResult is the result of a single check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical reports whether a required check failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Availability is implemented by the embedder and the LLM client.
type Availability interface {
	Available(ctx context.Context) bool
	ModelName() string
}

// Targets are the things to check. Nil fields are skipped.
type Targets struct {
	DataDir  string
	Index    Index
	Embedder Availability
	LLM      Availability
}

// Checker runs checks against Targets.
type Checker struct {
	timeout time.Duration
}

// Option configures a Checker.
type Option func(*Checker)

// WithTimeout bounds each service check. Default 5s.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		c.timeout = d
	}
}

// New creates a Checker.
func New(opts ...Option) *Checker {
	c := &Checker{timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunAll runs every check that has a target, in a fixed order.
func (c *Checker) RunAll(ctx context.Context, t Targets) []CheckResult {
	var results []CheckResult
	if t.DataDir != "" {
		results = append(results,
			c.CheckWritePermissions(t.DataDir),
			c.CheckDiskSpace(t.DataDir),
			c.CheckFileDescriptors())
	}
	if t.Index != nil {
		results = append(results, c.CheckIndex(ctx, t.Index)...)
	}
	if t.Embedder != nil {
		results = append(results, c.CheckService(ctx, "embedder", t.Embedder, true))
	}
	if t.LLM != nil {
		results = append(results, c.CheckService(ctx, "llm", t.LLM, false))
	}
	return results
}

// HasCriticalFailures reports whether any required check failed.
func HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus returns "ready", "ready_with_warnings" or "failed".
func SummaryStatus(results []CheckResult) string {
	warn := false
	for _, r := range results {
		if r.IsCritical() {
			return "failed"
		}
		if r.Status != StatusPass {
			warn = true
		}
	}
	if warn {
		return "ready_with_warnings"
	}
	return "ready"
}

// PrintResults writes results, with details when verbose.
func PrintResults(out *output.Writer, results []CheckResult, verbose bool) {
	out.Header("policyrag system check")
	out.Newline()

	for _, r := range results {
		msg := r.Name + ": " + r.Message
		switch r.Status {
		case StatusPass:
			out.Success(msg)
		case StatusWarn:
			out.Warning(msg)
		default:
			if r.Required {
				out.Error(msg)
			} else {
				out.Warning(msg)
			}
		}
		if verbose && r.Details != "" {
			out.Status("", r.Details)
		}
	}

	out.Newline()
	out.Statusf("", "Status: %s", strings.ToUpper(SummaryStatus(results)))
}
