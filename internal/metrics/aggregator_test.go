package metrics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sofatutor/gemini-pool/internal/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator(t *testing.T, now *time.Time, opts ...Option) (*Aggregator, kvstore.Store) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	opts = append([]Option{WithClock(func() time.Time { return *now })}, opts...)
	return NewAggregator(store, opts...), store
}

func TestRecordMetric_DailyBucket(t *testing.T) {
	now := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	a, store := newTestAggregator(t, &now)
	ctx := context.Background()

	events := []Event{
		{Endpoint: "/v1/chat", AccountID: "a@x.io", ProjectID: "p1", Success: true, DurationMs: 100, Tokens: 50},
		{Endpoint: "/v1/chat", AccountID: "a@x.io", ProjectID: "p1", Success: false, DurationMs: 20, ErrorType: "quota"},
		{Endpoint: "/v1/models", AccountID: "b@x.io", ProjectID: "p2", Success: true, DurationMs: 30, Tokens: 5},
		{Endpoint: "/v1/models", ProjectID: "p2", Success: false},
	}
	for _, e := range events {
		require.NoError(t, a.RecordMetric(ctx, e))
	}

	d, err := a.GetDailyMetrics(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-14", d.Date)
	assert.Equal(t, int64(4), d.TotalRequests)
	assert.Equal(t, int64(2), d.SuccessfulRequests)
	assert.Equal(t, int64(2), d.FailedRequests)
	assert.Equal(t, int64(150), d.TotalDurationMs)
	assert.Equal(t, int64(55), d.TotalTokens)
	assert.Equal(t, Counters{Requests: 2, Successes: 1, Failures: 1, DurationMs: 120, Tokens: 50}, *d.ByEndpoint["/v1/chat"])
	assert.Equal(t, int64(2), d.ByProject["p2"].Requests)
	assert.Len(t, d.ByAccount, 2, "events without an account are not attributed")
	assert.Equal(t, map[string]int64{"quota": 1, "unknown": 1}, d.ErrorBreakdown)
	assert.InDelta(t, 60.0, d.ByEndpoint["/v1/chat"].AverageDurationMs(), 0.001)

	ok, err := store.Exists(ctx, "metrics:daily:2026-10-14")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecordMetric_UsesEventTimestampDay(t *testing.T) {
	now := time.Date(2026, 10, 14, 0, 30, 0, 0, time.UTC)
	a, _ := newTestAggregator(t, &now)
	ctx := context.Background()

	// 23:50 in UTC-2 is the next UTC day
	loc := time.FixedZone("UTC-2", -2*60*60)
	require.NoError(t, a.RecordMetric(ctx, Event{Timestamp: time.Date(2026, 10, 13, 23, 50, 0, 0, loc), Success: true}))
	require.NoError(t, a.RecordMetric(ctx, Event{Timestamp: time.Date(2026, 10, 13, 23, 50, 0, 0, time.UTC), Success: true}))

	d, err := a.GetDailyMetrics(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.TotalRequests)
	d, err = a.GetDailyMetrics(ctx, now.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.TotalRequests)
}

func TestGetAggregatedMetrics_InclusiveWithGaps(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	a, _ := newTestAggregator(t, &now)
	ctx := context.Background()

	day1 := time.Date(2026, 10, 10, 8, 0, 0, 0, time.UTC)
	day3 := time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, a.RecordMetric(ctx, Event{Timestamp: day1, AccountID: "a", ProjectID: "p", Success: true, DurationMs: 10}))
	}
	require.NoError(t, a.RecordMetric(ctx, Event{Timestamp: day3, AccountID: "a", ProjectID: "p", Success: false, ErrorType: "server"}))
	require.NoError(t, a.RecordMetric(ctx, Event{Timestamp: now, AccountID: "a", Success: true}))

	agg, err := a.GetAggregatedMetrics(ctx, day1, day3.Add(10*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "2026-10-10", agg.StartDate)
	assert.Equal(t, "2026-10-12", agg.EndDate)
	assert.Equal(t, 3, agg.Days)
	assert.Equal(t, int64(4), agg.TotalRequests)
	assert.Equal(t, int64(3), agg.SuccessfulRequests)
	assert.Equal(t, int64(30), agg.TotalDurationMs)
	assert.Equal(t, int64(4), agg.ByProject["p"].Requests)
	assert.Equal(t, int64(1), agg.ErrorBreakdown["server"])

	empty, err := a.GetAggregatedMetrics(ctx, now.AddDate(0, 0, -40), now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.TotalRequests)
	assert.NotNil(t, empty.ByAccount)

	_, err = a.GetAggregatedMetrics(ctx, day3, day1)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = a.GetAggregatedMetrics(ctx, now.AddDate(-2, 0, 0), now)
	assert.ErrorIs(t, err, ErrRangeTooLong)
}

func TestPredictQuotaExhaustion(t *testing.T) {
	now := time.Date(2026, 10, 14, 6, 0, 0, 0, time.UTC)
	a, _ := newTestAggregator(t, &now)
	ctx := context.Background()

	for i := 0; i < 750; i++ {
		require.NoError(t, a.RecordMetric(ctx, Event{Timestamp: now.Add(-time.Minute), ProjectID: "P", Success: true}))
	}

	p, err := a.PredictQuotaExhaustion(ctx, "P", 1500)
	require.NoError(t, err)
	assert.Equal(t, int64(750), p.UsedToday)
	assert.Equal(t, int64(750), p.Remaining)
	assert.InDelta(t, 125.0, p.RatePerHour, 1e-9)
	require.NotNil(t, p.HoursUntilExhaustion)
	assert.InDelta(t, 6.0, *p.HoursUntilExhaustion, 1e-9)
	assert.Equal(t, now.Add(6*time.Hour), *p.ExhaustionAt)

	none, err := a.PredictQuotaExhaustion(ctx, "unused", 1500)
	require.NoError(t, err)
	assert.Nil(t, none.HoursUntilExhaustion)

	exhausted, err := a.PredictQuotaExhaustion(ctx, "P", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(0), exhausted.Remaining)
	assert.Nil(t, exhausted.HoursUntilExhaustion)
}

func TestPredictQuotaExhaustion_MinimumOneHour(t *testing.T) {
	now := time.Date(2026, 10, 14, 0, 15, 0, 0, time.UTC)
	a, _ := newTestAggregator(t, &now)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, a.RecordMetric(ctx, Event{ProjectID: "P", Success: true}))
	}
	p, err := a.PredictQuotaExhaustion(ctx, "P", 100)
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.HoursElapsed)
	assert.InDelta(t, 10.0, p.RatePerHour, 1e-9)
	assert.InDelta(t, 9.0, *p.HoursUntilExhaustion, 1e-9)
}

func TestGetAccountErrorRates(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	a, _ := newTestAggregator(t, &now)
	ctx := context.Background()
	record := func(account string, success bool, n int) {
		for i := 0; i < n; i++ {
			require.NoError(t, a.RecordMetric(ctx, Event{AccountID: account, Success: success}))
		}
	}
	record("a", true, 3)
	record("a", false, 1)
	record("b", false, 2)

	rates, err := a.GetAccountErrorRates(ctx, now, now)
	require.NoError(t, err)
	require.Len(t, rates, 2)
	assert.Equal(t, AccountErrorRate{AccountID: "a", Successes: 3, Failures: 1, ErrorRate: 0.25}, rates[0])
	assert.Equal(t, 1.0, rates[1].ErrorRate)
}

func TestLogError_AssignsIDAndTrims(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	a, _ := newTestAggregator(t, &now, WithMaxErrorsPerDay(5))
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		e, err := a.LogError(ctx, ErrorLogEntry{Type: "upstream", Message: fmt.Sprintf("err %d", i), StatusCode: 500})
		require.NoError(t, err)
		_, err = uuid.Parse(e.ID)
		require.NoError(t, err)
		assert.Equal(t, now, e.Timestamp)
	}

	entries, err := a.GetErrors(ctx, now)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, "err 3", entries[0].Message)
	assert.Equal(t, "err 7", entries[4].Message)

	other, err := a.GetErrors(ctx, now.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestLogError_MalformedLogIsReplaced(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	a, store := newTestAggregator(t, &now)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "metrics:errors:2026-10-14", []byte("{not json"), 0))

	_, err := a.LogError(ctx, ErrorLogEntry{Type: "x", Message: "m"})
	require.NoError(t, err)
	entries, err := a.GetErrors(ctx, now)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCleanup(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	a, store := newTestAggregator(t, &now)
	ctx := context.Background()

	for _, offset := range []int{0, -1, -7, -8, -30} {
		ts := now.AddDate(0, 0, offset)
		require.NoError(t, a.RecordMetric(ctx, Event{Timestamp: ts, Success: true}))
		_, err := a.LogError(ctx, ErrorLogEntry{Timestamp: ts, Type: "x"})
		require.NoError(t, err)
	}
	require.NoError(t, store.Set(ctx, "metrics:daily:garbage", []byte("{}"), 0))

	removed, err := a.Cleanup(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 4, removed)

	keys, err := store.Scan(ctx, "metrics:daily:*")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"metrics:daily:2026-10-07",
		"metrics:daily:2026-10-13",
		"metrics:daily:2026-10-14",
		"metrics:daily:garbage",
	}, keys)

	_, err = a.Cleanup(ctx, -1)
	assert.Error(t, err)
}
