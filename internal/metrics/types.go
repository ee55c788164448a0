package metrics

import "time"

// dayLayout formats the UTC date of a bucket.
const dayLayout = "2006-01-02"

// Day returns the UTC date string of t.
func Day(t time.Time) string { return t.UTC().Format(dayLayout) }

// ParseDay parses a YYYY-MM-DD date as UTC midnight.
func ParseDay(s string) (time.Time, error) { return time.Parse(dayLayout, s) }

// Event is one upstream call outcome.
type Event struct {
	Timestamp  time.Time
	Endpoint   string
	AccountID  string
	ProjectID  string
	Success    bool
	DurationMs int64
	Tokens     int64
	// ErrorType classifies failures for the error breakdown.
	ErrorType string
}

// Counters are the per-dimension totals of a bucket.
type Counters struct {
	Requests   int64 `json:"requests"`
	Successes  int64 `json:"successes"`
	Failures   int64 `json:"failures"`
	DurationMs int64 `json:"total_duration_ms"`
	Tokens     int64 `json:"tokens"`
}

func (c *Counters) add(o Counters) {
	c.Requests += o.Requests
	c.Successes += o.Successes
	c.Failures += o.Failures
	c.DurationMs += o.DurationMs
	c.Tokens += o.Tokens
}

// AverageDurationMs returns the mean call duration, 0 without requests.
func (c Counters) AverageDurationMs() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.DurationMs) / float64(c.Requests)
}

// Summary holds additive usage counters.
type Summary struct {
	TotalRequests      int64                `json:"total_requests"`
	SuccessfulRequests int64                `json:"successful_requests"`
	FailedRequests     int64                `json:"failed_requests"`
	TotalDurationMs    int64                `json:"total_duration_ms"`
	TotalTokens        int64                `json:"total_tokens"`
	ByEndpoint         map[string]*Counters `json:"by_endpoint"`
	ByAccount          map[string]*Counters `json:"by_account"`
	ByProject          map[string]*Counters `json:"by_project"`
	ErrorBreakdown     map[string]int64     `json:"error_breakdown"`
}

func newSummary() Summary {
	return Summary{
		ByEndpoint:     map[string]*Counters{},
		ByAccount:      map[string]*Counters{},
		ByProject:      map[string]*Counters{},
		ErrorBreakdown: map[string]int64{},
	}
}

// ensureMaps fills maps left nil by decoding an older or empty bucket.
func (s *Summary) ensureMaps() {
	if s.ByEndpoint == nil {
		s.ByEndpoint = map[string]*Counters{}
	}
	if s.ByAccount == nil {
		s.ByAccount = map[string]*Counters{}
	}
	if s.ByProject == nil {
		s.ByProject = map[string]*Counters{}
	}
	if s.ErrorBreakdown == nil {
		s.ErrorBreakdown = map[string]int64{}
	}
}

func addTo(m map[string]*Counters, key string, c Counters) {
	if key == "" {
		return
	}
	cur, ok := m[key]
	if !ok {
		cur = &Counters{}
		m[key] = cur
	}
	cur.add(c)
}

func (s *Summary) record(e Event) {
	c := Counters{Requests: 1, DurationMs: e.DurationMs, Tokens: e.Tokens}
	s.TotalRequests++
	s.TotalDurationMs += e.DurationMs
	s.TotalTokens += e.Tokens
	if e.Success {
		c.Successes = 1
		s.SuccessfulRequests++
	} else {
		c.Failures = 1
		s.FailedRequests++
		kind := e.ErrorType
		if kind == "" {
			kind = "unknown"
		}
		s.ErrorBreakdown[kind]++
	}
	addTo(s.ByEndpoint, e.Endpoint, c)
	addTo(s.ByAccount, e.AccountID, c)
	addTo(s.ByProject, e.ProjectID, c)
}

func (s *Summary) merge(o Summary) {
	s.TotalRequests += o.TotalRequests
	s.SuccessfulRequests += o.SuccessfulRequests
	s.FailedRequests += o.FailedRequests
	s.TotalDurationMs += o.TotalDurationMs
	s.TotalTokens += o.TotalTokens
	for k, c := range o.ByEndpoint {
		addTo(s.ByEndpoint, k, *c)
	}
	for k, c := range o.ByAccount {
		addTo(s.ByAccount, k, *c)
	}
	for k, c := range o.ByProject {
		addTo(s.ByProject, k, *c)
	}
	for k, n := range o.ErrorBreakdown {
		s.ErrorBreakdown[k] += n
	}
}

// DailyMetrics is the bucket of one UTC day.
type DailyMetrics struct {
	Date string `json:"date"`
	Summary
	UpdatedAt time.Time `json:"updated_at"`
}

// AggregatedMetrics sums the buckets of an inclusive date range.
type AggregatedMetrics struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Days      int    `json:"days"`
	Summary
}

// Prediction is the linear quota-exhaustion estimate for one project.
type Prediction struct {
	ProjectID    string  `json:"project_id"`
	DailyQuota   int64   `json:"daily_quota"`
	UsedToday    int64   `json:"used_today"`
	Remaining    int64   `json:"remaining"`
	HoursElapsed float64 `json:"hours_elapsed"`
	RatePerHour  float64 `json:"rate_per_hour"`

	// Set only when a prediction is possible.
	HoursUntilExhaustion *float64   `json:"hours_until_exhaustion,omitempty"`
	ExhaustionAt         *time.Time `json:"exhaustion_at,omitempty"`
}

// AccountErrorRate is the failure ratio of one account over a date range.
type AccountErrorRate struct {
	AccountID string  `json:"account_id"`
	Successes int64   `json:"successes"`
	Failures  int64   `json:"failures"`
	ErrorRate float64 `json:"error_rate"`
}

// ErrorLogEntry is an immutable error record.
type ErrorLogEntry struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Type       string            `json:"type"`
	ProjectID  string            `json:"projectId,omitempty"`
	AccountID  string            `json:"accountId,omitempty"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	StackTrace string            `json:"stackTrace,omitempty"`
	StatusCode int               `json:"statusCode,omitempty"`
	Endpoint   string            `json:"endpoint,omitempty"`
	Method     string            `json:"method,omitempty"`
}
