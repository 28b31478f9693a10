package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Outcome classifies how a query ended.
type Outcome string

const (
	// OutcomeFound means the context bundle had at least one chunk.
	OutcomeFound Outcome = "found"
	// OutcomeEmpty means nothing relevant was found and the answer abstained.
	OutcomeEmpty Outcome = "empty"
	// OutcomeFailed means retrieval returned an error.
	OutcomeFailed Outcome = "failed"
)

// LatencyBucket is a coarse latency histogram bucket.
type LatencyBucket string

const (
	BucketP100   LatencyBucket = "p100"   // <100ms
	BucketP500   LatencyBucket = "p500"   // 100-500ms
	BucketP1000  LatencyBucket = "p1000"  // 500ms-1s
	BucketP5000  LatencyBucket = "p5000"  // 1-5s
	BucketP5000P LatencyBucket = "p5000+" // >=5s
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	case ms < 1000:
		return BucketP1000
	case ms < 5000:
		return BucketP5000
	default:
		return BucketP5000P
	}
}

// QueryEvent is one retrieval for statistics.
type QueryEvent struct {
	Query       string
	Outcome     Outcome
	ResultCount int
	Fallback    bool
	Latency     time.Duration
	Timestamp   time.Time
}

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a buffer holding at most capacity items.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add appends item, evicting the oldest when full.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Items returns the buffered items, oldest first.
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]T, b.size)
	if b.size < b.capacity {
		copy(result, b.items[:b.size])
	} else {
		copy(result, b.items[b.head:])
		copy(result[b.capacity-b.head:], b.items[:b.head])
	}
	return result
}

// Size returns the number of buffered items.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// ExtractTerms lowercases query and returns its words of three or more bytes.
func ExtractTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, `.,;:!?"'()[]`)
		if len(w) >= 3 {
			terms = append(terms, w)
		}
	}
	return terms
}

// TermCount is a term and how often it was queried.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// Snapshot is an immutable copy of the statistics.
type Snapshot struct {
	OutcomeCounts       map[Outcome]int64       `json:"outcome_counts"`
	TopTerms            []TermCount             `json:"top_terms"`
	ZeroResultQueries   []string                `json:"zero_result_queries"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	TotalQueries        int64                   `json:"total_queries"`
	ZeroResultCount     int64                   `json:"zero_result_count"`
	FallbackCount       int64                   `json:"expansion_fallback_count"`
	ExactRepeatCount    int64                   `json:"exact_repeat_count"`
	Since               time.Time               `json:"since"`
}

// ZeroResultPercentage returns the share of queries that found nothing.
func (s *Snapshot) ZeroResultPercentage() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.ZeroResultCount) / float64(s.TotalQueries) * 100
}

// StatsStore persists statistics between processes.
type StatsStore interface {
	SaveOutcomeCounts(date string, counts map[Outcome]int64) error
	UpsertTermCounts(terms map[string]int64) error
	AddZeroResultQuery(query string, timestamp time.Time) error
	SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error
	Close() error
}

// QueryStatsConfig configures QueryStats.
type QueryStatsConfig struct {
	TopTermsCapacity      int
	ZeroResultsCapacity   int
	RecentQueriesCapacity int
}

// DefaultQueryStatsConfig returns the default capacities.
func DefaultQueryStatsConfig() QueryStatsConfig {
	return QueryStatsConfig{
		TopTermsCapacity:      100,
		ZeroResultsCapacity:   100,
		RecentQueriesCapacity: 500,
	}
}

// QueryStats aggregates query statistics in memory and writes them to an
// optional store on Flush. Counters flushed to the store are reset so a
// later flush adds only new counts. Safe for concurrent use.
type QueryStats struct {
	mu sync.Mutex

	outcomes        map[Outcome]int64
	topTerms        *lru.Cache[string, int64]
	zeroResults     *CircularBuffer[string]
	latencies       map[LatencyBucket]int64
	totalQueries    int64
	zeroResultCount int64
	fallbackCount   int64
	recentQueries   *lru.Cache[string, struct{}]
	exactRepeats    int64
	startTime       time.Time

	// Pending deltas not yet flushed.
	pendingOutcomes  map[Outcome]int64
	pendingTerms     map[string]int64
	pendingZero      []QueryEvent
	pendingLatencies map[LatencyBucket]int64

	store  StatsStore
	closed bool
}

// NewQueryStats creates a collector. store may be nil.
func NewQueryStats(store StatsStore, cfg QueryStatsConfig) *QueryStats {
	def := DefaultQueryStatsConfig()
	if cfg.TopTermsCapacity <= 0 {
		cfg.TopTermsCapacity = def.TopTermsCapacity
	}
	if cfg.ZeroResultsCapacity <= 0 {
		cfg.ZeroResultsCapacity = def.ZeroResultsCapacity
	}
	if cfg.RecentQueriesCapacity <= 0 {
		cfg.RecentQueriesCapacity = def.RecentQueriesCapacity
	}

	topTerms, _ := lru.New[string, int64](cfg.TopTermsCapacity)
	recent, _ := lru.New[string, struct{}](cfg.RecentQueriesCapacity)

	return &QueryStats{
		outcomes:         make(map[Outcome]int64),
		topTerms:         topTerms,
		zeroResults:      NewCircularBuffer[string](cfg.ZeroResultsCapacity),
		latencies:        make(map[LatencyBucket]int64),
		recentQueries:    recent,
		startTime:        time.Now(),
		pendingOutcomes:  make(map[Outcome]int64),
		pendingTerms:     make(map[string]int64),
		pendingLatencies: make(map[LatencyBucket]int64),
		store:            store,
	}
}

// Record adds one query. A nil *QueryStats records nothing.
func (s *QueryStats) Record(e QueryEvent) {
	if s == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.totalQueries++
	s.outcomes[e.Outcome]++
	s.pendingOutcomes[e.Outcome]++

	for _, term := range ExtractTerms(e.Query) {
		n, _ := s.topTerms.Get(term)
		s.topTerms.Add(term, n+1)
		s.pendingTerms[term]++
	}

	if e.Outcome == OutcomeEmpty {
		s.zeroResultCount++
		s.zeroResults.Add(e.Query)
		s.pendingZero = append(s.pendingZero, e)
	}
	if e.Fallback {
		s.fallbackCount++
	}

	b := LatencyToBucket(e.Latency)
	s.latencies[b]++
	s.pendingLatencies[b]++

	h := hashQuery(e.Query)
	if _, ok := s.recentQueries.Get(h); ok {
		s.exactRepeats++
	}
	s.recentQueries.Add(h, struct{}{})
}

func hashQuery(query string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(query))))
	return hex.EncodeToString(sum[:16])
}

// Snapshot returns the in-memory statistics since start.
func (s *QueryStats) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcomes := make(map[Outcome]int64, len(s.outcomes))
	for k, v := range s.outcomes {
		outcomes[k] = v
	}
	latencies := make(map[LatencyBucket]int64, len(s.latencies))
	for k, v := range s.latencies {
		latencies[k] = v
	}

	terms := make([]TermCount, 0, s.topTerms.Len())
	for _, k := range s.topTerms.Keys() {
		if n, ok := s.topTerms.Peek(k); ok {
			terms = append(terms, TermCount{Term: k, Count: n})
		}
	}
	sortTermCounts(terms)

	return &Snapshot{
		OutcomeCounts:       outcomes,
		TopTerms:            terms,
		ZeroResultQueries:   s.zeroResults.Items(),
		LatencyDistribution: latencies,
		TotalQueries:        s.totalQueries,
		ZeroResultCount:     s.zeroResultCount,
		FallbackCount:       s.fallbackCount,
		ExactRepeatCount:    s.exactRepeats,
		Since:               s.startTime,
	}
}

func sortTermCounts(terms []TermCount) {
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Count != terms[j].Count {
			return terms[i].Count > terms[j].Count
		}
		return terms[i].Term < terms[j].Term
	})
}

// Flush writes pending counts to the store. No-op without a store.
func (s *QueryStats) Flush() error {
	if s == nil || s.store == nil {
		return nil
	}

	s.mu.Lock()
	outcomes, terms, zero, latencies := s.pendingOutcomes, s.pendingTerms, s.pendingZero, s.pendingLatencies
	s.pendingOutcomes = make(map[Outcome]int64)
	s.pendingTerms = make(map[string]int64)
	s.pendingZero = nil
	s.pendingLatencies = make(map[LatencyBucket]int64)
	s.mu.Unlock()

	today := time.Now().Format("2006-01-02")
	if err := s.store.SaveOutcomeCounts(today, outcomes); err != nil {
		return err
	}
	if err := s.store.UpsertTermCounts(terms); err != nil {
		return err
	}
	for _, e := range zero {
		if err := s.store.AddZeroResultQuery(e.Query, e.Timestamp); err != nil {
			return err
		}
	}
	return s.store.SaveLatencyCounts(today, latencies)
}

// Close flushes and stops recording. The store is closed too.
func (s *QueryStats) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.Flush()
	if s.store != nil {
		if cerr := s.store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
