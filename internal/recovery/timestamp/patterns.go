package timestamp

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// tier ranks how much of a timestamp a pattern captures. Complete and
// standard matches earn the multiline confidence bonus.
type tier int

const (
	tierPartial tier = iota
	tierStandard
	tierComplete
)

// pattern is one entry of the dispatch table: a matcher, the extractor that
// turns its submatches into components, and the priority it is tried at.
type pattern struct {
	name     string
	tier     tier
	priority int
	re       *regexp.Regexp
	extract  func(m []string) Components
}

const (
	monthExpr   = `(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?`
	weekdayExpr = `(mon(?:day)?|tue(?:s(?:day)?)?|wed(?:nesday)?|thu(?:rs(?:day)?)?|fri(?:day)?|sat(?:urday)?|sun(?:day)?)\.?`
	ordinalExpr = `(?:st|nd|rd|th)?`
	clockExpr   = `(\d{1,2}):(\d{2})(?::(\d{2}))?`
	periodExpr  = `(am|pm|a\.m\.|p\.m\.)`
	zoneExpr    = `([a-z]{2,5}|[+-]\d{2}:?\d{2})`
)

func compile(expr string) *regexp.Regexp {
	expr = strings.NewReplacer(
		"MONTH", monthExpr,
		"WEEKDAY", weekdayExpr,
		"ORD", ordinalExpr,
		"CLOCK", clockExpr,
		"PERIOD", periodExpr,
		"ZONE", zoneExpr,
	).Replace(expr)
	return regexp.MustCompile(`(?i)^` + expr + `$`)
}

// patterns is ordered most specific first. Evaluation stops at the first match.
var patterns = func() []pattern {
	table := []pattern{
		{
			name: "weekday_month_day_year_time", tier: tierComplete, priority: 10,
			re: compile(`WEEKDAY,?\s+MONTH\s+(\d{1,2})ORD,?\s+(\d{4}),?\s+(?:at\s+)?CLOCK\s*PERIOD?(?:\s+ZONE)?`),
			extract: func(m []string) Components {
				return Components{
					DayOfWeek: weekdayName(m[1]), Month: monthName(m[2]), Day: atoi(m[3]), Year: atoi(m[4]),
					Hours: atoi(m[5]), Minutes: atoi(m[6]), Seconds: atoi(m[7]), Period: period(m[8]), Timezone: zone(m[9]),
				}
			},
		},
		{
			name: "month_day_year_time", tier: tierComplete, priority: 20,
			re: compile(`MONTH\s+(\d{1,2})ORD,?\s+(\d{4}),?\s+(?:at\s+)?CLOCK\s*PERIOD?(?:\s+ZONE)?`),
			extract: func(m []string) Components {
				return Components{
					Month: monthName(m[1]), Day: atoi(m[2]), Year: atoi(m[3]),
					Hours: atoi(m[4]), Minutes: atoi(m[5]), Seconds: atoi(m[6]), Period: period(m[7]), Timezone: zone(m[8]),
				}
			},
		},
		{
			name: "iso_datetime", tier: tierComplete, priority: 30,
			re: compile(`(\d{4})-(\d{1,2})-(\d{1,2})[t\s]CLOCK(?:\.\d+)?\s*(z|[+-]\d{2}:?\d{2})?`),
			extract: func(m []string) Components {
				return Components{
					Year: atoi(m[1]), Month: monthNumber(m[2]), Day: atoi(m[3]),
					Hours: atoi(m[4]), Minutes: atoi(m[5]), Seconds: atoi(m[6]), Timezone: zone(m[7]),
				}
			},
		},
		{
			name: "us_numeric_datetime", tier: tierStandard, priority: 40,
			re: compile(`(\d{1,2})/(\d{1,2})/(\d{4}|\d{2}),?\s+CLOCK\s*PERIOD?`),
			extract: func(m []string) Components {
				return Components{
					Month: monthNumber(m[1]), Day: atoi(m[2]), Year: year(m[3]),
					Hours: atoi(m[4]), Minutes: atoi(m[5]), Seconds: atoi(m[6]), Period: period(m[7]),
				}
			},
		},
		{
			name: "weekday_month_day_year", tier: tierStandard, priority: 50,
			re: compile(`WEEKDAY,?\s+MONTH\s+(\d{1,2})ORD,?\s+(\d{4})`),
			extract: func(m []string) Components {
				return Components{DayOfWeek: weekdayName(m[1]), Month: monthName(m[2]), Day: atoi(m[3]), Year: atoi(m[4])}
			},
		},
		{
			name: "month_day_year", tier: tierStandard, priority: 60,
			re: compile(`MONTH\s+(\d{1,2})ORD,?\s+(\d{4})`),
			extract: func(m []string) Components {
				return Components{Month: monthName(m[1]), Day: atoi(m[2]), Year: atoi(m[3])}
			},
		},
		{
			name: "day_month_year", tier: tierStandard, priority: 70,
			re: compile(`(\d{1,2})ORD\s+MONTH,?\s+(\d{4})`),
			extract: func(m []string) Components {
				return Components{Day: atoi(m[1]), Month: monthName(m[2]), Year: atoi(m[3])}
			},
		},
		{
			name: "iso_date", tier: tierStandard, priority: 80,
			re: compile(`(\d{4})-(\d{1,2})-(\d{1,2})`),
			extract: func(m []string) Components {
				return Components{Year: atoi(m[1]), Month: monthNumber(m[2]), Day: atoi(m[3])}
			},
		},
		{
			name: "us_numeric_date", tier: tierStandard, priority: 90,
			re: compile(`(\d{1,2})/(\d{1,2})/(\d{4}|\d{2})`),
			extract: func(m []string) Components {
				return Components{Month: monthNumber(m[1]), Day: atoi(m[2]), Year: year(m[3])}
			},
		},
		{
			name: "weekday_month_day", tier: tierPartial, priority: 100,
			re: compile(`WEEKDAY,?\s+MONTH\s+(\d{1,2})ORD`),
			extract: func(m []string) Components {
				return Components{DayOfWeek: weekdayName(m[1]), Month: monthName(m[2]), Day: atoi(m[3])}
			},
		},
		{
			name: "month_day", tier: tierPartial, priority: 110,
			re: compile(`MONTH\s+(\d{1,2})ORD,?`),
			extract: func(m []string) Components {
				return Components{Month: monthName(m[1]), Day: atoi(m[2])}
			},
		},
		{
			name: "numeric_month_day", tier: tierPartial, priority: 120,
			re: compile(`(\d{1,2})/(\d{1,2})`),
			extract: func(m []string) Components {
				return Components{Month: monthNumber(m[1]), Day: atoi(m[2])}
			},
		},
		{
			name: "clock_with_period", tier: tierPartial, priority: 130,
			re: compile(`CLOCK\s*PERIOD(?:\s+ZONE)?`),
			extract: func(m []string) Components {
				return Components{Hours: atoi(m[1]), Minutes: atoi(m[2]), Seconds: atoi(m[3]), Period: period(m[4]), Timezone: zone(m[5])}
			},
		},
		{
			name: "clock", tier: tierPartial, priority: 140,
			re: compile(`CLOCK`),
			extract: func(m []string) Components {
				return Components{Hours: atoi(m[1]), Minutes: atoi(m[2]), Seconds: atoi(m[3])}
			},
		},
		{
			name: "weekday", tier: tierPartial, priority: 150,
			re: compile(`WEEKDAY,?`),
			extract: func(m []string) Components {
				return Components{DayOfWeek: weekdayName(m[1])}
			},
		},
		{
			name: "month", tier: tierPartial, priority: 160,
			re: compile(`MONTH,?`),
			extract: func(m []string) Components {
				return Components{Month: monthName(m[1])}
			},
		},
		{
			name: "year", tier: tierPartial, priority: 170,
			re: compile(`(\d{4}),?`),
			extract: func(m []string) Components {
				return Components{Year: atoi(m[1])}
			},
		},
		{
			name: "day", tier: tierPartial, priority: 180,
			re: compile(`(\d{1,2})ORD,?`),
			extract: func(m []string) Components {
				return Components{Day: atoi(m[1])}
			},
		},
		{
			name: "period", tier: tierPartial, priority: 190,
			re: compile(`PERIOD`),
			extract: func(m []string) Components {
				return Components{Period: period(m[1])}
			},
		},
		{
			name: "timezone", tier: tierPartial, priority: 200,
			re: compile(`(utc|gmt|[ecmp][sd]t|akst|hst)`),
			extract: func(m []string) Components {
				return Components{Timezone: zone(m[1])}
			},
		},
	}
	sort.SliceStable(table, func(i, j int) bool { return table[i].priority < table[j].priority })
	return table
}()

// match runs a fragment through the table and returns the first hit.
func match(fragment string) (pattern, Components, bool) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return pattern{}, Components{}, false
	}
	for _, p := range patterns {
		if m := p.re.FindStringSubmatch(fragment); m != nil {
			return p, p.extract(m), true
		}
	}
	return pattern{}, Components{}, false
}

var months = []string{
	"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December",
}

var weekdays = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// monthIndex resolves full names, three-letter abbreviations ("sept" too)
// and 1-based numbers to 1..12. Zero means unknown.
func monthIndex(s string) int {
	s = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), "."))
	if n, err := strconv.Atoi(s); err == nil {
		if n >= 1 && n <= 12 {
			return n
		}
		return 0
	}
	if len(s) < 3 {
		return 0
	}
	for i, name := range months {
		full := strings.ToLower(name)
		if s == full || s == full[:3] || (full == "september" && s == "sept") {
			return i + 1
		}
	}
	return 0
}

func monthName(s string) string {
	if i := monthIndex(s); i > 0 {
		return months[i-1]
	}
	return s
}

// monthNumber keeps out-of-range numbers verbatim so assembly rejects them.
func monthNumber(s string) string {
	if n, err := strconv.Atoi(s); err == nil && n >= 1 && n <= 12 {
		return months[n-1]
	}
	return s
}

func weekdayName(s string) string {
	s = strings.ToLower(strings.TrimSuffix(s, "."))
	for _, name := range weekdays {
		if strings.HasPrefix(strings.ToLower(name), s[:min(3, len(s))]) {
			return name
		}
	}
	return s
}

func period(s string) string {
	switch strings.ToLower(strings.ReplaceAll(s, ".", "")) {
	case "am":
		return "AM"
	case "pm":
		return "PM"
	}
	return ""
}

func zone(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func atoi(s string) *int {
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}

// year expands two-digit years into the 2000s.
func year(s string) *int {
	n := atoi(s)
	if n != nil && len(s) == 2 {
		v := 2000 + *n
		return &v
	}
	return n
}

// IsFragment reports whether any line of s matches an entry of the pattern
// table, i.e. whether s plausibly carries part of a timestamp.
func IsFragment(s string) bool {
	for _, line := range lineBreaks.Split(s, -1) {
		if _, _, ok := match(line); ok {
			return true
		}
	}
	return false
}

var componentHint = regexp.MustCompile(`(?i)(?:\b(?:` + monthExpr + `|` + weekdayExpr + `)(?:\b|$)|\d{1,2}:\d{2}|\d\s*[/-]\s*\d|(?:^|[^a-z])[ap]\.?m(?:\.|[^a-z]|$)|\b(?:utc|gmt|[ecmp][sd]t|akst|hst)\b)`)

// LooksLikeComponent is the stricter test for columns that are not known
// timestamp columns. Besides matching the pattern table the value must carry
// a month or weekday name, a clock, a date separator, an am/pm marker or a
// zone abbreviation. Bare numbers such as ids never qualify as a day or year.
func LooksLikeComponent(s string) bool {
	return componentHint.MatchString(s) && IsFragment(s)
}
