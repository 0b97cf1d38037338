// Package metrics aggregates token validation and route dispatch outcomes
// for the read-only metrics endpoints.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ggoodman/jwtgateway/internal/logsafe"
	"github.com/ggoodman/jwtgateway/token"
)

const (
	DefaultReservoirSize = 1000
	DefaultErrorSamples  = 50

	// UnknownIssuer labels validations that failed before an issuer matched.
	UnknownIssuer = "unknown"
	// NoRoute labels requests that matched no route.
	NoRoute = "(none)"

	maxSampleMessage = 200
)

// ErrorSample is one recent validation failure.
type ErrorSample struct {
	Time    time.Time `json:"time"`
	Issuer  string    `json:"issuer"`
	Reason  string    `json:"reason"`
	Message string    `json:"message"`
}

// IssuerSnapshot summarizes validations for one issuer.
type IssuerSnapshot struct {
	Total          uint64            `json:"total"`
	Success        uint64            `json:"success"`
	Failure        uint64            `json:"failure"`
	AvgMillis      float64           `json:"avgMs"`
	MinMillis      float64           `json:"minMs"`
	MaxMillis      float64           `json:"maxMs"`
	P95Millis      float64           `json:"p95Ms"`
	FailureReasons map[string]uint64 `json:"failureReasons,omitempty"`
}

// Snapshot is a point-in-time copy of all aggregates.
type Snapshot struct {
	TakenAt      time.Time                    `json:"takenAt"`
	Issuers      map[string]IssuerSnapshot    `json:"issuers"`
	Routes       map[string]map[string]uint64 `json:"routes"`
	RecentErrors []ErrorSample                `json:"recentErrors"`
}

type issuerStats struct {
	total, success, failure uint64
	sum, min, max           time.Duration
	samples                 []time.Duration
	next                    int
	reasons                 map[string]uint64
}

type Option func(*Aggregator)

// WithReservoirSize bounds the per-issuer durations kept for percentiles.
func WithReservoirSize(n int) Option { return func(a *Aggregator) { a.reservoir = n } }

// WithErrorSamples bounds the number of recent failures kept.
func WithErrorSamples(n int) Option { return func(a *Aggregator) { a.maxErrors = n } }

func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

// Aggregator is safe for concurrent use.
type Aggregator struct {
	reservoir int
	maxErrors int
	now       func() time.Time

	mu      sync.Mutex
	issuers map[string]*issuerStats
	routes  map[string]map[string]uint64
	errs    []ErrorSample
	errNext int
}

func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		reservoir: DefaultReservoirSize,
		maxErrors: DefaultErrorSamples,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.reservoir <= 0 {
		a.reservoir = DefaultReservoirSize
	}
	if a.maxErrors <= 0 {
		a.maxErrors = DefaultErrorSamples
	}
	a.reset()
	return a
}

// RecordValidation records one validation attempt. A non-nil err counts as a
// failure under the token rejection kind it carries.
func (a *Aggregator) RecordValidation(issuer string, d time.Duration, err error) {
	if issuer == "" {
		issuer = UnknownIssuer
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.issuers[issuer]
	if !ok {
		st = &issuerStats{reasons: map[string]uint64{}}
		a.issuers[issuer] = st
	}
	st.total++
	st.sum += d
	if st.total == 1 || d < st.min {
		st.min = d
	}
	if d > st.max {
		st.max = d
	}
	if len(st.samples) < a.reservoir {
		st.samples = append(st.samples, d)
	} else {
		st.samples[st.next] = d
		st.next = (st.next + 1) % a.reservoir
	}

	if err == nil {
		st.success++
		return
	}
	st.failure++
	reason := token.KindOf(err).String()
	st.reasons[reason]++

	msg := truncate(logsafe.Escape(err.Error()), maxSampleMessage)
	sample := ErrorSample{Time: a.now(), Issuer: issuer, Reason: reason, Message: msg}
	if len(a.errs) < a.maxErrors {
		a.errs = append(a.errs, sample)
	} else {
		a.errs[a.errNext] = sample
		a.errNext = (a.errNext + 1) % a.maxErrors
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// RecordRoute counts one dispatch outcome for route. An empty route is
// recorded as NoRoute.
func (a *Aggregator) RecordRoute(route, outcome string) {
	if route == "" {
		route = NoRoute
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.routes[route]
	if !ok {
		m = map[string]uint64{}
		a.routes[route] = m
	}
	m[outcome]++
}

// Snapshot copies the current aggregates. Recent errors are ordered oldest
// first.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Snapshot{
		TakenAt: a.now(),
		Issuers: make(map[string]IssuerSnapshot, len(a.issuers)),
		Routes:  make(map[string]map[string]uint64, len(a.routes)),
	}
	for name, st := range a.issuers {
		is := IssuerSnapshot{
			Total:     st.total,
			Success:   st.success,
			Failure:   st.failure,
			MinMillis: millis(st.min),
			MaxMillis: millis(st.max),
			P95Millis: millis(percentile(st.samples, 0.95)),
		}
		if st.total > 0 {
			is.AvgMillis = millis(st.sum / time.Duration(st.total))
		}
		if len(st.reasons) > 0 {
			is.FailureReasons = make(map[string]uint64, len(st.reasons))
			for k, v := range st.reasons {
				is.FailureReasons[k] = v
			}
		}
		s.Issuers[name] = is
	}
	for r, m := range a.routes {
		cp := make(map[string]uint64, len(m))
		for k, v := range m {
			cp[k] = v
		}
		s.Routes[r] = cp
	}
	s.RecentErrors = make([]ErrorSample, 0, len(a.errs))
	s.RecentErrors = append(s.RecentErrors, a.errs[a.errNext:]...)
	s.RecentErrors = append(s.RecentErrors, a.errs[:a.errNext]...)
	return s
}

// Reset discards all aggregates.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
}

func (a *Aggregator) reset() {
	a.issuers = make(map[string]*issuerStats)
	a.routes = make(map[string]map[string]uint64)
	a.errs = nil
	a.errNext = 0
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	s := append([]time.Duration(nil), samples...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	idx := int(math.Ceil(float64(len(s))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s) {
		idx = len(s) - 1
	}
	return s[idx]
}

func millis(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
