// Package stats keeps streaming summaries of observed values: count, sum,
// range and approximate quantiles backed by a DDSketch.
package stats

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// DefaultAccuracy is the relative accuracy of quantile estimates.
const DefaultAccuracy = 0.01

// Summary maintains running statistics for one series of values.
// It is safe for concurrent use.
type Summary struct {
	mu sync.Mutex

	name string

	count int64
	sum   float64
	min   float64
	max   float64
	first time.Time
	last  time.Time

	// nil if the sketch could not be created
	sketch   *ddsketch.DDSketch
	accuracy float64
}

// NewSummary creates a Summary with the default accuracy.
func NewSummary(name string) *Summary {
	return NewSummaryWithAccuracy(name, DefaultAccuracy)
}

// NewSummaryWithAccuracy creates a Summary with custom quantile accuracy.
func NewSummaryWithAccuracy(name string, accuracy float64) *Summary {
	s := &Summary{
		name:     name,
		min:      math.MaxFloat64,
		max:      -math.MaxFloat64,
		accuracy: accuracy,
	}
	if sketch, err := ddsketch.NewDefaultDDSketch(accuracy); err == nil {
		s.sketch = sketch
	}
	return s
}

// Add records value observed at t. NaN and infinite values are ignored.
func (s *Summary) Add(value float64, t time.Time) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += value

	if value < s.min {
		s.min = value
	}
	if value > s.max {
		s.max = value
	}

	if !t.IsZero() {
		if s.first.IsZero() || t.Before(s.first) {
			s.first = t
		}
		if t.After(s.last) {
			s.last = t
		}
	}

	if s.sketch != nil {
		_ = s.sketch.Add(value)
	}
}

// AddDuration records a latency in seconds.
func (s *Summary) AddDuration(d time.Duration) {
	s.Add(d.Seconds(), time.Now())
}

// Count returns the number of values added.
func (s *Summary) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Snapshot is a point-in-time view of a Summary.
type Snapshot struct {
	Name  string
	Count int64
	Sum   float64
	Avg   float64
	Min   float64
	Max   float64
	P50   float64
	P90   float64
	P95   float64
	P99   float64
	First time.Time
	Last  time.Time
}

// Snapshot returns the current statistics. Quantiles are zero when no
// values have been added.
func (s *Summary) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Name:  s.name,
		Count: s.count,
		Sum:   s.sum,
		First: s.first,
		Last:  s.last,
	}
	if s.count == 0 {
		return snap
	}

	snap.Avg = s.sum / float64(s.count)
	snap.Min = s.min
	snap.Max = s.max

	if s.sketch != nil {
		snap.P50, _ = s.sketch.GetValueAtQuantile(0.50)
		snap.P90, _ = s.sketch.GetValueAtQuantile(0.90)
		snap.P95, _ = s.sketch.GetValueAtQuantile(0.95)
		snap.P99, _ = s.sketch.GetValueAtQuantile(0.99)
	}
	return snap
}

// Reset clears all statistics.
func (s *Summary) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count = 0
	s.sum = 0
	s.min = math.MaxFloat64
	s.max = -math.MaxFloat64
	s.first = time.Time{}
	s.last = time.Time{}

	if s.sketch != nil {
		if sketch, err := ddsketch.NewDefaultDDSketch(s.accuracy); err == nil {
			s.sketch = sketch
		}
	}
}

// Merge folds other into s.
func (s *Summary) Merge(other *Summary) {
	if other == nil || other == s {
		return
	}

	other.mu.Lock()
	defer other.mu.Unlock()
	if other.count == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.count += other.count
	s.sum += other.sum
	if other.min < s.min {
		s.min = other.min
	}
	if other.max > s.max {
		s.max = other.max
	}
	if !other.first.IsZero() && (s.first.IsZero() || other.first.Before(s.first)) {
		s.first = other.first
	}
	if other.last.After(s.last) {
		s.last = other.last
	}

	if s.sketch != nil && other.sketch != nil {
		_ = s.sketch.MergeWith(other.sketch)
	}
}

// LogValue renders the summary for structured logging.
func (s *Summary) LogValue() slog.Value {
	snap := s.Snapshot()
	if snap.Count == 0 {
		return slog.GroupValue(slog.Int64("count", 0))
	}
	return slog.GroupValue(
		slog.Int64("count", snap.Count),
		slog.Float64("min", snap.Min),
		slog.Float64("avg", snap.Avg),
		slog.Float64("max", snap.Max),
		slog.Float64("p50", snap.P50),
		slog.Float64("p99", snap.P99),
	)
}
