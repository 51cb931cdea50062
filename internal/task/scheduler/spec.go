package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional accepts both 5-field and 6-field expressions.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

// Spec is a parsed jobs.* schedule value.
type Spec struct {
	Kind  Kind
	Expr  string        // KindCron
	Every time.Duration // KindInterval
}

func (s Spec) String() string {
	if s.Kind == KindInterval {
		return "@every " + s.Every.String()
	}
	return s.Expr
}

func (s Spec) schedule() (cron.Schedule, error) {
	if s.Kind == KindInterval {
		return cron.Every(s.Every), nil
	}
	sch, err := cronParser.Parse(s.Expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", s.Expr, err)
	}
	return sch, nil
}

var errNonPositive = errors.New("interval must be > 0")

// ParseSpec accepts:
//   - cron expressions: "*/15 * * * *", "@hourly", or any value prefixed "cron:"
//   - "@every 1m", read as an interval
//   - intervals: "15m", "2h30m", "00:15" (HH:MM), optionally prefixed "interval:" or "every:"
func ParseSpec(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, errors.New("schedule required")
	}
	low := strings.ToLower(s)

	if rest, ok := cutPrefixFold(s, low, "cron:"); ok {
		if rest == "" {
			return Spec{}, errors.New("cron expression required after 'cron:'")
		}
		return Spec{Kind: KindCron, Expr: rest}, nil
	}
	for _, p := range []string{"interval:", "every:", "@every "} {
		if rest, ok := cutPrefixFold(s, low, p); ok {
			return parseInterval(rest)
		}
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return Spec{Kind: KindCron, Expr: s}, nil
	}
	sp, err := parseInterval(s)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid schedule %q (use cron like '*/15 * * * *', HH:MM like '00:15', or a duration like '1m')", raw)
	}
	return sp, nil
}

// ValidateSchedule reports whether Register would accept raw.
func ValidateSchedule(raw string) error {
	sp, err := ParseSpec(raw)
	if err != nil {
		return err
	}
	_, err = sp.schedule()
	return err
}

func cutPrefixFold(s, low, prefix string) (string, bool) {
	if !strings.HasPrefix(low, prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

func parseInterval(v string) (Spec, error) {
	v = strings.TrimSpace(v)
	var d time.Duration
	if hh, mm, ok := strings.Cut(v, ":"); ok {
		h, herr := strconv.Atoi(hh)
		m, merr := strconv.Atoi(mm)
		if herr != nil || merr != nil || len(mm) != 2 || len(hh) > 3 || h < 0 || m < 0 || m > 59 {
			return Spec{}, fmt.Errorf("invalid HH:MM %q", v)
		}
		d = time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return Spec{}, fmt.Errorf("invalid interval %q: %w", v, err)
		}
	}
	if d <= 0 {
		return Spec{}, errNonPositive
	}
	return Spec{Kind: KindInterval, Every: d}, nil
}
