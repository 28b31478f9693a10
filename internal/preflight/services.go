package preflight

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Aman-CERP/policyrag/internal/store"
)

// Index is the part of the hybrid index the checks use.
type Index interface {
	Health(ctx context.Context) error
	Stats(ctx context.Context) (store.Stats, error)
}

// CheckIndex checks that the index answers and holds chunks.
func (c *Checker) CheckIndex(ctx context.Context, idx Index) []CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	health := CheckResult{Name: "index", Required: true}
	if err := idx.Health(ctx); err != nil {
		health.Status = StatusFail
		health.Message = "unreachable"
		health.Details = err.Error()
		return []CheckResult{health}
	}

	stats, err := idx.Stats(ctx)
	if err != nil {
		health.Status = StatusFail
		health.Message = "stats unavailable"
		health.Details = err.Error()
		return []CheckResult{health}
	}
	health.Status = StatusPass
	health.Message = fmt.Sprintf("%s backend, %d dimensions", stats.Backend, stats.Dimensions)

	contents := CheckResult{Name: "index_contents"}
	if stats.Points == 0 {
		contents.Status = StatusWarn
		contents.Message = "no chunks indexed"
		contents.Details = "Run 'policyrag ingest <chunks-dir>'"
	} else {
		contents.Status = StatusPass
		contents.Message = fmt.Sprintf("%d chunks", stats.Points)
		contents.Details = formatCounts(stats.BySourceType)
	}
	return []CheckResult{health, contents}
}

// CheckService checks that a model service is reachable. Required
// services fail the check; others only warn.
func (c *Checker) CheckService(ctx context.Context, name string, svc Availability, required bool) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := CheckResult{Name: name, Required: required}
	if svc.Available(ctx) {
		result.Status = StatusPass
		result.Message = svc.ModelName()
		return result
	}

	result.Status = StatusWarn
	if required {
		result.Status = StatusFail
	}
	result.Message = svc.ModelName() + " unavailable"
	return result
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %d", k, counts[k]))
	}
	return strings.Join(parts, ", ")
}
