package state

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SettingKey enumerates the per-tenant settings.
type SettingKey string

const (
	SettingRefreshInterval SettingKey = "refresh_interval_minutes"
	SettingNotify24h       SettingKey = "notify_24h"
	SettingNotify1h        SettingKey = "notify_1h"
	SettingAutoArchive     SettingKey = "auto_archive"
	SettingArchiveDelay    SettingKey = "archive_delay_minutes"
	SettingAdminUsers      SettingKey = "admin_users"
)

// SettingKeys lists every key in display order.
var SettingKeys = []SettingKey{
	SettingRefreshInterval,
	SettingNotify24h,
	SettingNotify1h,
	SettingAutoArchive,
	SettingArchiveDelay,
	SettingAdminUsers,
}

// ParseSettingKey accepts the canonical key and a few dashed aliases used in chat.
func ParseSettingKey(raw string) (SettingKey, error) {
	k := strings.ToLower(strings.TrimSpace(raw))
	k = strings.ReplaceAll(k, "-", "_")
	switch k {
	case "refresh", "refresh_interval":
		return SettingRefreshInterval, nil
	case "24h", "notify24h":
		return SettingNotify24h, nil
	case "1h", "notify1h":
		return SettingNotify1h, nil
	case "archive", "autoarchive":
		return SettingAutoArchive, nil
	case "archive_delay":
		return SettingArchiveDelay, nil
	case "admins":
		return SettingAdminUsers, nil
	}
	for _, key := range SettingKeys {
		if string(key) == k {
			return key, nil
		}
	}
	return "", fmt.Errorf("unknown setting %q", raw)
}

// Settings holds a tenant's explicit overrides. A nil field means "use the default".
type Settings struct {
	RefreshIntervalMinutes *int    `json:"refresh_interval_minutes,omitempty"`
	Notify24h              *bool   `json:"notify_24h,omitempty"`
	Notify1h               *bool   `json:"notify_1h,omitempty"`
	AutoArchive            *bool   `json:"auto_archive,omitempty"`
	ArchiveDelayMinutes    *int    `json:"archive_delay_minutes,omitempty"`
	AdminUsers             []int64 `json:"admin_users,omitempty"`
}

// Defaults is the default table applied to unset settings and new tenants.
type Defaults struct {
	RefreshIntervalMinutes int
	Notify24h              bool
	Notify1h               bool
	AutoArchive            bool
	ArchiveDelayMinutes    int
	Credentials            Credentials
}

// DefaultDefaults returns the built-in default table.
func DefaultDefaults() Defaults {
	return Defaults{
		RefreshIntervalMinutes: 15,
		Notify24h:              true,
		Notify1h:               true,
		AutoArchive:            true,
		ArchiveDelayMinutes:    60,
		Credentials: Credentials{
			User:           "Not-Set",
			PasswordPolicy: PolicyRandom,
			Email:          "Not-Set@gmail.com",
		},
	}
}

// Resolved is Settings with every default filled in.
type Resolved struct {
	RefreshIntervalMinutes int
	Notify24h              bool
	Notify1h               bool
	AutoArchive            bool
	ArchiveDelayMinutes    int
	AdminUsers             []int64
}

func (s Settings) Resolve(d Defaults) Resolved {
	r := Resolved{
		RefreshIntervalMinutes: d.RefreshIntervalMinutes,
		Notify24h:              d.Notify24h,
		Notify1h:               d.Notify1h,
		AutoArchive:            d.AutoArchive,
		ArchiveDelayMinutes:    d.ArchiveDelayMinutes,
	}
	if s.RefreshIntervalMinutes != nil {
		r.RefreshIntervalMinutes = *s.RefreshIntervalMinutes
	}
	if s.Notify24h != nil {
		r.Notify24h = *s.Notify24h
	}
	if s.Notify1h != nil {
		r.Notify1h = *s.Notify1h
	}
	if s.AutoArchive != nil {
		r.AutoArchive = *s.AutoArchive
	}
	if s.ArchiveDelayMinutes != nil {
		r.ArchiveDelayMinutes = *s.ArchiveDelayMinutes
	}
	r.AdminUsers = append([]int64(nil), s.AdminUsers...)
	return r
}

// Bool looks up a boolean setting by key.
func (r Resolved) Bool(key SettingKey) (bool, bool) {
	switch key {
	case SettingNotify24h:
		return r.Notify24h, true
	case SettingNotify1h:
		return r.Notify1h, true
	case SettingAutoArchive:
		return r.AutoArchive, true
	}
	return false, false
}

// Int looks up an integer setting by key.
func (r Resolved) Int(key SettingKey) (int, bool) {
	switch key {
	case SettingRefreshInterval:
		return r.RefreshIntervalMinutes, true
	case SettingArchiveDelay:
		return r.ArchiveDelayMinutes, true
	}
	return 0, false
}

// IsAdmin reports whether uid is listed in admin_users.
func (r Resolved) IsAdmin(uid int64) bool {
	for _, id := range r.AdminUsers {
		if id == uid {
			return true
		}
	}
	return false
}

// Format renders a setting for display.
func (r Resolved) Format(key SettingKey) string {
	if b, ok := r.Bool(key); ok {
		if b {
			return "on"
		}
		return "off"
	}
	if n, ok := r.Int(key); ok {
		return strconv.Itoa(n)
	}
	if key == SettingAdminUsers {
		if len(r.AdminUsers) == 0 {
			return "none"
		}
		parts := make([]string, len(r.AdminUsers))
		for i, id := range r.AdminUsers {
			parts[i] = strconv.FormatInt(id, 10)
		}
		return strings.Join(parts, ",")
	}
	return ""
}

// Set parses raw and stores it under key. "default" clears the override.
func (s *Settings) Set(key SettingKey, raw string) error {
	v := strings.TrimSpace(raw)
	unset := strings.EqualFold(v, "default")
	switch key {
	case SettingNotify24h, SettingNotify1h, SettingAutoArchive:
		var p *bool
		if !unset {
			b, err := parseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			p = &b
		}
		switch key {
		case SettingNotify24h:
			s.Notify24h = p
		case SettingNotify1h:
			s.Notify1h = p
		default:
			s.AutoArchive = p
		}
	case SettingRefreshInterval, SettingArchiveDelay:
		var p *int
		if !unset {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return fmt.Errorf("%s: want a non-negative number of minutes, got %q", key, raw)
			}
			if key == SettingRefreshInterval && n < 1 {
				return fmt.Errorf("%s: must be at least 1", key)
			}
			p = &n
		}
		if key == SettingRefreshInterval {
			s.RefreshIntervalMinutes = p
		} else {
			s.ArchiveDelayMinutes = p
		}
	case SettingAdminUsers:
		if unset || strings.EqualFold(v, "none") || v == "" {
			s.AdminUsers = nil
			return nil
		}
		ids, err := parseIDList(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		s.AdminUsers = ids
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "yes", "true", "1", "enable", "enabled":
		return true, nil
	case "off", "no", "false", "0", "disable", "disabled":
		return false, nil
	}
	return false, fmt.Errorf("want on/off, got %q", v)
}

func parseIDList(v string) ([]int64, error) {
	fields := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	seen := make(map[int64]struct{}, len(fields))
	out := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad user id %q", f)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s Settings) clone() Settings {
	cp := s
	cp.RefreshIntervalMinutes = clonePtr(s.RefreshIntervalMinutes)
	cp.Notify24h = clonePtr(s.Notify24h)
	cp.Notify1h = clonePtr(s.Notify1h)
	cp.AutoArchive = clonePtr(s.AutoArchive)
	cp.ArchiveDelayMinutes = clonePtr(s.ArchiveDelayMinutes)
	cp.AdminUsers = append([]int64(nil), s.AdminUsers...)
	return cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
