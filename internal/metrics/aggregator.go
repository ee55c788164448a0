// Package metrics aggregates upstream call outcomes into daily buckets, keeps
// a capped daily error log and extrapolates quota exhaustion.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sofatutor/gemini-pool/internal/kvstore"
	"go.uber.org/zap"
)

const (
	dailyPrefix  = "metrics:daily:"
	errorsPrefix = "metrics:errors:"

	// MaxErrorsPerDay caps a daily error log; the oldest entries are trimmed.
	MaxErrorsPerDay = 1000

	// MaxRangeDays bounds the date range of aggregation queries.
	MaxRangeDays = 366
)

var (
	ErrInvalidRange = errors.New("end date is before start date")
	ErrRangeTooLong = fmt.Errorf("date range exceeds %d days", MaxRangeDays)
)

// Aggregator records metrics and error logs on a kvstore.Store.
type Aggregator struct {
	store     kvstore.Store
	logger    *zap.Logger
	now       func() time.Time
	maxErrors int

	// mu serialises bucket updates within this process. Buckets written by
	// other processes are last-writer-wins.
	mu sync.Mutex
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(a *Aggregator) { a.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

// WithMaxErrorsPerDay overrides MaxErrorsPerDay.
func WithMaxErrorsPerDay(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.maxErrors = n
		}
	}
}

// NewAggregator creates an Aggregator.
func NewAggregator(store kvstore.Store, opts ...Option) *Aggregator {
	a := &Aggregator{store: store, logger: zap.NewNop(), now: time.Now, maxErrors: MaxErrorsPerDay}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Aggregator) loadDay(ctx context.Context, day string) (DailyMetrics, error) {
	d := DailyMetrics{Date: day, Summary: newSummary()}
	err := kvstore.GetJSON(ctx, a.store, dailyPrefix+day, &d)
	switch {
	case err == nil:
		d.Date = day
		d.ensureMaps()
		return d, nil
	case errors.Is(err, kvstore.ErrNotFound):
		return d, nil
	default:
		return DailyMetrics{}, fmt.Errorf("failed to load metrics for %s: %w", day, err)
	}
}

// RecordMetric adds the event to the bucket of its UTC day.
func (a *Aggregator) RecordMetric(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = a.now()
	}
	day := Day(e.Timestamp)

	a.mu.Lock()
	defer a.mu.Unlock()

	d, err := a.loadDay(ctx, day)
	if err != nil {
		return err
	}
	d.record(e)
	d.UpdatedAt = a.now().UTC()
	if err := kvstore.SetJSON(ctx, a.store, dailyPrefix+day, d, 0); err != nil {
		return fmt.Errorf("failed to store metrics for %s: %w", day, err)
	}
	return nil
}

// GetDailyMetrics returns the bucket of the UTC day containing t. A day
// without data yields an empty bucket.
func (a *Aggregator) GetDailyMetrics(ctx context.Context, t time.Time) (DailyMetrics, error) {
	return a.loadDay(ctx, Day(t))
}

func daysBetween(start, end time.Time) ([]string, error) {
	s, _ := ParseDay(Day(start))
	e, _ := ParseDay(Day(end))
	if e.Before(s) {
		return nil, ErrInvalidRange
	}
	n := int(e.Sub(s)/(24*time.Hour)) + 1
	if n > MaxRangeDays {
		return nil, ErrRangeTooLong
	}
	days := make([]string, 0, n)
	for d := s; !d.After(e); d = d.AddDate(0, 0, 1) {
		days = append(days, Day(d))
	}
	return days, nil
}

// GetAggregatedMetrics sums the buckets from start to end inclusive. Missing
// days count as zero.
func (a *Aggregator) GetAggregatedMetrics(ctx context.Context, start, end time.Time) (AggregatedMetrics, error) {
	days, err := daysBetween(start, end)
	if err != nil {
		return AggregatedMetrics{}, err
	}
	out := AggregatedMetrics{
		StartDate: days[0],
		EndDate:   days[len(days)-1],
		Days:      len(days),
		Summary:   newSummary(),
	}
	for _, day := range days {
		d, err := a.loadDay(ctx, day)
		if err != nil {
			return AggregatedMetrics{}, err
		}
		out.merge(d.Summary)
	}
	return out, nil
}

// PredictQuotaExhaustion extrapolates today's request rate of the project.
// The rate is requests used today divided by the hours elapsed since UTC
// midnight, at least one hour. Without a positive rate and remaining quota
// the prediction fields stay unset.
func (a *Aggregator) PredictQuotaExhaustion(ctx context.Context, projectID string, dailyQuota int64) (Prediction, error) {
	now := a.now().UTC()
	d, err := a.loadDay(ctx, Day(now))
	if err != nil {
		return Prediction{}, err
	}
	var used int64
	if c, ok := d.ByProject[projectID]; ok {
		used = c.Requests
	}
	midnight, _ := ParseDay(Day(now))
	hours := math.Max(1, now.Sub(midnight).Hours())

	p := Prediction{
		ProjectID:    projectID,
		DailyQuota:   dailyQuota,
		UsedToday:    used,
		Remaining:    max(dailyQuota-used, 0),
		HoursElapsed: hours,
		RatePerHour:  float64(used) / hours,
	}
	if p.RatePerHour > 0 && p.Remaining > 0 {
		h := float64(p.Remaining) / p.RatePerHour
		at := now.Add(time.Duration(h * float64(time.Hour)))
		p.HoursUntilExhaustion = &h
		p.ExhaustionAt = &at
	}
	return p, nil
}

// GetAccountErrorRates returns failures / (failures + successes) per account
// over the inclusive date range, ordered by account.
func (a *Aggregator) GetAccountErrorRates(ctx context.Context, start, end time.Time) ([]AccountErrorRate, error) {
	agg, err := a.GetAggregatedMetrics(ctx, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]AccountErrorRate, 0, len(agg.ByAccount))
	for id, c := range agg.ByAccount {
		r := AccountErrorRate{AccountID: id, Successes: c.Successes, Failures: c.Failures}
		if total := c.Successes + c.Failures; total > 0 {
			r.ErrorRate = float64(c.Failures) / float64(total)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

// LogError appends the entry to the log of its UTC day, assigning an id and
// timestamp when missing. Once the log holds the daily maximum the oldest
// entries are dropped.
func (a *Aggregator) LogError(ctx context.Context, entry ErrorLogEntry) (ErrorLogEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = a.now().UTC()
	}
	day := Day(entry.Timestamp)

	a.mu.Lock()
	defer a.mu.Unlock()

	entries, err := a.loadErrors(ctx, day)
	if err != nil {
		return ErrorLogEntry{}, err
	}
	entries = append(entries, entry)
	if over := len(entries) - a.maxErrors; over > 0 {
		entries = entries[over:]
	}
	if err := kvstore.SetJSON(ctx, a.store, errorsPrefix+day, entries, 0); err != nil {
		return ErrorLogEntry{}, fmt.Errorf("failed to store error log for %s: %w", day, err)
	}
	return entry, nil
}

func (a *Aggregator) loadErrors(ctx context.Context, day string) ([]ErrorLogEntry, error) {
	var entries []ErrorLogEntry
	err := kvstore.GetJSON(ctx, a.store, errorsPrefix+day, &entries)
	switch {
	case err == nil, errors.Is(err, kvstore.ErrNotFound):
		return entries, nil
	case errors.Is(err, kvstore.ErrMalformed):
		// Start a fresh log rather than blocking writers.
		a.logger.Warn("discarding malformed error log", zap.String("day", day), zap.Error(err))
		return nil, nil
	default:
		return nil, fmt.Errorf("failed to load error log for %s: %w", day, err)
	}
}

// GetErrors returns the error log of the UTC day containing t, oldest first.
func (a *Aggregator) GetErrors(ctx context.Context, t time.Time) ([]ErrorLogEntry, error) {
	return a.loadErrors(ctx, Day(t))
}

// Cleanup removes metric buckets and error logs older than retentionDays
// before today and returns the number of removed keys.
func (a *Aggregator) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("retention days cannot be negative")
	}
	today, _ := ParseDay(Day(a.now()))
	cutoff := today.AddDate(0, 0, -retentionDays)

	var stale []string
	for _, prefix := range []string{dailyPrefix, errorsPrefix} {
		keys, err := a.store.Scan(ctx, prefix+"*")
		if err != nil {
			return 0, fmt.Errorf("failed to scan %s: %w", prefix, err)
		}
		for _, k := range keys {
			day, err := ParseDay(strings.TrimPrefix(k, prefix))
			if err != nil {
				continue
			}
			if day.Before(cutoff) {
				stale = append(stale, k)
			}
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := a.store.Del(ctx, stale...); err != nil {
		return 0, fmt.Errorf("failed to delete stale metrics: %w", err)
	}
	a.logger.Info("metrics cleanup", zap.Int("removed", len(stale)), zap.String("cutoff", Day(cutoff)))
	return len(stale), nil
}
