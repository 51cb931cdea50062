package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FieldError names the config path of a bad value.
type FieldError struct {
	Path  string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: invalid value %q: %v", e.Path, e.Value, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

var errNegative = errors.New("must be >= 0")

// Duration parses a Go duration string ("90s", "1h30m"). A bare integer is
// read as seconds. Empty yields 0.
func Duration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var d time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, &FieldError{Path: path, Value: raw, Err: err}
	}
	if d < 0 {
		return 0, &FieldError{Path: path, Value: raw, Err: errNegative}
	}
	return d, nil
}

// DurationOr is Duration with fallback for empty and zero.
func DurationOr(path, raw string, fallback time.Duration) (time.Duration, error) {
	d, err := Duration(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return fallback, nil
}
