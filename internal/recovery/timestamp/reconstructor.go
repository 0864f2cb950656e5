// Package timestamp synthesizes absolute timestamps from damaged export
// fragments using a cascade of strategies, each with its own confidence.
package timestamp

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/conversation-recovery/internal/observability/metrics"
	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

// Method names the strategy that produced a result.
type Method string

const (
	MethodDirect    Method = "direct"
	MethodMultiline Method = "multiline"
	MethodFuzzy     Method = "fuzzy"
	MethodFallback  Method = "fallback"
)

const (
	directConfidence   = 0.9
	fuzzyConfidence    = 0.6
	fallbackConfidence = 0.1
	fallbackWindow     = 365 * 24 * time.Hour
)

// Components is the partial timestamp merged across fragments. Empty strings
// and nil pointers mean the component was not seen.
type Components struct {
	DayOfWeek string `json:"day_of_week,omitempty"`
	Month     string `json:"month,omitempty"`
	Day       *int   `json:"day,omitempty"`
	Year      *int   `json:"year,omitempty"`
	Hours     *int   `json:"hours,omitempty"`
	Minutes   *int   `json:"minutes,omitempty"`
	Seconds   *int   `json:"seconds,omitempty"`
	Period    string `json:"period,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

// merge copies every component of src that c has not populated yet.
func (c *Components) merge(src Components) {
	if c.DayOfWeek == "" {
		c.DayOfWeek = src.DayOfWeek
	}
	if c.Month == "" {
		c.Month = src.Month
	}
	if c.Day == nil {
		c.Day = src.Day
	}
	if c.Year == nil {
		c.Year = src.Year
	}
	if c.Hours == nil {
		c.Hours = src.Hours
	}
	if c.Minutes == nil {
		c.Minutes = src.Minutes
	}
	if c.Seconds == nil {
		c.Seconds = src.Seconds
	}
	if c.Period == "" {
		c.Period = src.Period
	}
	if c.Timezone == "" {
		c.Timezone = src.Timezone
	}
}

// Result is the outcome of a reconstruction. Timestamp is RFC 3339. A fallback
// result still carries a synthetic timestamp unless disabled, so callers must
// check Success before trusting it.
type Result struct {
	Success       bool       `json:"success"`
	Timestamp     string     `json:"timestamp,omitempty"`
	Confidence    float64    `json:"confidence"`
	Components    Components `json:"components"`
	Method        Method     `json:"method"`
	OriginalInput []string   `json:"original_input"`
}

// Time parses Timestamp. The zero time is returned when it is empty.
func (r Result) Time() time.Time {
	t, _ := time.Parse(time.RFC3339, r.Timestamp)
	return t
}

// Reconstructor runs the strategy cascade. It is safe for concurrent use as
// long as the configured random source is.
type Reconstructor struct {
	now             func() time.Time
	loc             *time.Location
	randN           func(n int64) int64
	disableFallback bool
	logger          *logging.Logger
	metrics         *metrics.RecoveryMetrics
}

// Option customizes a Reconstructor.
type Option func(*Reconstructor)

// WithClock sets the source of "now" used for defaults and fallback.
func WithClock(now func() time.Time) Option {
	return func(r *Reconstructor) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLocation sets the zone used when a fragment carries no timezone.
func WithLocation(loc *time.Location) Option {
	return func(r *Reconstructor) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithRandSource makes fallback synthesis deterministic.
func WithRandSource(src rand.Source) Option {
	return func(r *Reconstructor) {
		if src != nil {
			rng := rand.New(src)
			r.randN = rng.Int64N
		}
	}
}

// WithoutFallbackTimestamp stops the fallback strategy from inventing a
// timestamp; failed results then carry an empty Timestamp.
func WithoutFallbackTimestamp() Option {
	return func(r *Reconstructor) {
		r.disableFallback = true
	}
}

func WithLogger(logger *logging.Logger) Option {
	return func(r *Reconstructor) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(m *metrics.RecoveryMetrics) Option {
	return func(r *Reconstructor) {
		r.metrics = m
	}
}

// New creates a Reconstructor. Defaults: wall clock, UTC, auto-seeded randomness.
func New(opts ...Option) *Reconstructor {
	r := &Reconstructor{
		now:    time.Now,
		loc:    time.UTC,
		randN:  rand.Int64N,
		logger: logging.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Component("timestamp")
	return r
}

var lineBreaks = regexp.MustCompile(`\r\n|\r|\n`)

// ReconstructText splits a multi-line value into fragments and reconstructs it.
func (r *Reconstructor) ReconstructText(text string) Result {
	return r.Reconstruct(lineBreaks.Split(text, -1)...)
}

// Reconstruct turns fragments into a timestamp: direct for a single fragment,
// then multiline merge, fuzzy extraction and finally fallback.
func (r *Reconstructor) Reconstruct(fragments ...string) Result {
	input := append([]string(nil), fragments...)
	cleaned := make([]string, 0, len(fragments))
	for _, f := range fragments {
		for _, line := range lineBreaks.Split(f, -1) {
			if s := strings.TrimSpace(line); s != "" {
				cleaned = append(cleaned, s)
			}
		}
	}

	res, ok := r.cascade(cleaned)
	if !ok {
		res = r.fallback()
	}
	res.OriginalInput = input

	r.metrics.ObserveTimestamp(string(res.Method), res.Success)
	r.logger.Debug("timestamp reconstructed",
		"method", res.Method,
		"success", res.Success,
		"confidence", res.Confidence,
		"fragments", len(cleaned),
	)
	return res
}

func (r *Reconstructor) cascade(fragments []string) (Result, bool) {
	if len(fragments) == 0 {
		return Result{}, false
	}
	if len(fragments) == 1 {
		if res, ok := r.direct(fragments[0]); ok {
			return res, true
		}
	} else if res, ok := r.multiline(fragments); ok {
		return res, true
	}
	return r.fuzzy(fragments)
}

func (r *Reconstructor) direct(fragment string) (Result, bool) {
	p, comps, ok := match(fragment)
	if !ok {
		return Result{}, false
	}
	ts, assembled, err := r.assemble(comps)
	if err != nil {
		r.logger.Debug("direct match rejected", "pattern", p.name, "error", err)
		return Result{}, false
	}
	return Result{
		Success:    true,
		Timestamp:  ts.Format(time.RFC3339),
		Confidence: directConfidence,
		Components: assembled,
		Method:     MethodDirect,
	}, true
}

func (r *Reconstructor) multiline(fragments []string) (Result, bool) {
	var acc Components
	fullMatches := 0
	for _, f := range fragments {
		p, comps, ok := match(f)
		if !ok {
			continue
		}
		acc.merge(comps)
		if p.tier >= tierStandard {
			fullMatches++
		}
	}
	if acc.Month == "" || acc.Day == nil {
		return Result{}, false
	}
	ts, assembled, err := r.assemble(acc)
	if err != nil {
		r.logger.Debug("multiline merge rejected", "error", err)
		return Result{}, false
	}

	conf := 0.0
	if acc.Year != nil {
		conf += 0.25
	}
	conf += 0.25 // month
	conf += 0.25 // day
	if acc.Hours != nil {
		conf += 0.15
	}
	if acc.Minutes != nil {
		conf += 0.10
	}
	conf += 0.10 * float64(fullMatches)
	if conf > 1 {
		conf = 1
	}

	return Result{
		Success:    true,
		Timestamp:  ts.Format(time.RFC3339),
		Confidence: conf,
		Components: assembled,
		Method:     MethodMultiline,
	}, true
}

var (
	fuzzyYear   = regexp.MustCompile(`\b(19\d{2}|20\d{2}|2100)\b`)
	fuzzyClock  = regexp.MustCompile(`\b(\d{1,2}):(\d{2})(?::(\d{2}))?\b`)
	fuzzyPeriod = regexp.MustCompile(`(?:^|[^a-z])([ap])\.?m(?:\.|[^a-z]|$)`)
	fuzzyMonth  = regexp.MustCompile(`\b` + monthExpr + `(?:\b|$)`)
	fuzzyDay    = regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th)?\b`)
)

// fuzzy extracts scalars from the lowercased blob of all fragments.
func (r *Reconstructor) fuzzy(fragments []string) (Result, bool) {
	blob := strings.ToLower(strings.Join(fragments, " "))

	var c Components
	if m := fuzzyMonth.FindStringSubmatch(blob); m != nil {
		c.Month = monthName(m[1])
	}
	if m := fuzzyYear.FindStringSubmatch(blob); m != nil {
		c.Year = atoi(m[1])
		blob = strings.Replace(blob, m[0], " ", 1)
	}
	if m := fuzzyClock.FindStringSubmatch(blob); m != nil {
		c.Hours, c.Minutes, c.Seconds = atoi(m[1]), atoi(m[2]), atoi(m[3])
		blob = strings.Replace(blob, m[0], " ", 1)
	}
	// A bare "am"/"pm" applies to the default noon hour too.
	if p := fuzzyPeriod.FindStringSubmatch(blob); p != nil {
		c.Period = period(p[1] + "m")
	}
	for _, m := range fuzzyDay.FindAllStringSubmatch(blob, -1) {
		if n := atoi(m[1]); n != nil && *n >= 1 && *n <= 31 {
			c.Day = n
			break
		}
	}

	if c.Month == "" || c.Day == nil {
		return Result{}, false
	}
	ts, assembled, err := r.assemble(c)
	if err != nil {
		r.logger.Debug("fuzzy extraction rejected", "error", err)
		return Result{}, false
	}
	return Result{
		Success:    true,
		Timestamp:  ts.Format(time.RFC3339),
		Confidence: fuzzyConfidence,
		Components: assembled,
		Method:     MethodFuzzy,
	}, true
}

// fallback picks a uniformly random instant in the trailing year. The result
// is never a success.
func (r *Reconstructor) fallback() Result {
	res := Result{
		Success:    false,
		Confidence: fallbackConfidence,
		Method:     MethodFallback,
	}
	if r.disableFallback {
		return res
	}
	offset := time.Duration(r.randN(int64(fallbackWindow)))
	res.Timestamp = r.now().In(r.loc).Add(-offset).Format(time.RFC3339)
	return res
}

var errOutOfRange = errors.New("timestamp: component out of range")

// assemble applies defaults and AM/PM adjustment, validates every component
// and builds the instant. The returned components carry the 24-hour clock.
func (r *Reconstructor) assemble(c Components) (time.Time, Components, error) {
	now := r.now().In(r.loc)

	month := monthIndex(c.Month)
	if month == 0 {
		return time.Time{}, c, fmt.Errorf("%w: month %q", errOutOfRange, c.Month)
	}
	year := valueOr(c.Year, now.Year())
	day := valueOr(c.Day, 1)
	hours := valueOr(c.Hours, 12)
	minutes := valueOr(c.Minutes, 0)
	seconds := valueOr(c.Seconds, 0)

	switch c.Period {
	case "PM":
		if hours < 12 {
			hours += 12
		}
	case "AM":
		if hours == 12 {
			hours = 0
		}
	}

	switch {
	case year < 1900 || year > 2100:
		return time.Time{}, c, fmt.Errorf("%w: year %d", errOutOfRange, year)
	case day < 1 || day > 31:
		return time.Time{}, c, fmt.Errorf("%w: day %d", errOutOfRange, day)
	case hours < 0 || hours > 23:
		return time.Time{}, c, fmt.Errorf("%w: hour %d", errOutOfRange, hours)
	case minutes < 0 || minutes > 59:
		return time.Time{}, c, fmt.Errorf("%w: minute %d", errOutOfRange, minutes)
	case seconds < 0 || seconds > 59:
		return time.Time{}, c, fmt.Errorf("%w: second %d", errOutOfRange, seconds)
	}

	loc := r.loc
	if c.Timezone != "" {
		if zl, ok := location(c.Timezone); ok {
			loc = zl
		}
	}

	ts := time.Date(year, time.Month(month), day, hours, minutes, seconds, 0, loc)
	if ts.Day() != day {
		return time.Time{}, c, fmt.Errorf("%w: day %d not in %s", errOutOfRange, day, time.Month(month))
	}

	out := c
	h := hours
	out.Hours = &h
	out.Month = months[month-1]
	return ts, out, nil
}

func valueOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

var zoneOffsets = map[string]int{
	"Z": 0, "UTC": 0, "GMT": 0,
	"EST": -5, "EDT": -4,
	"CST": -6, "CDT": -5,
	"MST": -7, "MDT": -6,
	"PST": -8, "PDT": -7,
	"AKST": -9, "HST": -10,
	"BST": 1, "CET": 1, "CEST": 2,
}

// location resolves an abbreviation or numeric offset ("+05:30") to a fixed zone.
func location(tz string) (*time.Location, bool) {
	tz = strings.ToUpper(strings.TrimSpace(tz))
	if h, ok := zoneOffsets[tz]; ok {
		if h == 0 {
			return time.UTC, true
		}
		return time.FixedZone(tz, h*3600), true
	}
	if len(tz) >= 5 && (tz[0] == '+' || tz[0] == '-') {
		digits := strings.ReplaceAll(tz[1:], ":", "")
		if len(digits) != 4 {
			return nil, false
		}
		hh, err1 := strconv.Atoi(digits[:2])
		mm, err2 := strconv.Atoi(digits[2:])
		if err1 != nil || err2 != nil || hh > 14 || mm > 59 {
			return nil, false
		}
		secs := hh*3600 + mm*60
		if tz[0] == '-' {
			secs = -secs
		}
		return time.FixedZone(tz, secs), true
	}
	return nil, false
}
