// Package ctf holds the domain types shared by every ctfsentinel component:
// feed events, their stable keys, notification kinds and the error taxonomy.
package ctf

import (
	"strconv"
	"strings"
	"time"
)

// Event is one upcoming CTF as reported by the feed. Start and Finish keep the raw
// feed text so a malformed timestamp only surfaces when an evaluation pass needs it.
type Event struct {
	ID          int64   `json:"id"`
	Title       string  `json:"title"`
	Start       string  `json:"start"`
	Finish      string  `json:"finish"`
	Description string  `json:"description"`
	URL         string  `json:"url"`
	Format      string  `json:"format,omitempty"`
	Weight      float64 `json:"weight,omitempty"`
	Onsite      bool    `json:"onsite,omitempty"`
	Location    string  `json:"location,omitempty"`
	CTFTimeURL  string  `json:"ctftime_url,omitempty"`
}

// Key returns the event's stable identifier, "<title>_<id>". Missing parts fall back
// to "ctf" and "unk". An id of 0 counts as missing, so it keys as "<title>_unk"
// rather than "<title>_0".
func (e Event) Key() string {
	return MakeKey(e.Title, e.ID)
}

func MakeKey(title string, id int64) string {
	if title == "" {
		title = "ctf"
	}
	eid := "unk"
	if id != 0 {
		eid = strconv.FormatInt(id, 10)
	}
	return title + "_" + eid
}

// StartTime parses the feed start timestamp.
func (e Event) StartTime() (time.Time, error) {
	return ParseTime(e.Key(), "start", e.Start)
}

// FinishTime parses the feed finish timestamp.
func (e Event) FinishTime() (time.Time, error) {
	return ParseTime(e.Key(), "finish", e.Finish)
}

// Timestamp layouts accepted from the feed, tried in order. Layouts without a zone
// are read as UTC.
var timeLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
}

// ParseTime parses a feed timestamp. As a last resort the first 19 characters are
// read as a naive UTC time, which tolerates trailing junk after the seconds.
func ParseTime(key, field, raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, &ParseError{Key: key, Field: field, Value: raw, Err: errEmptyTimestamp}
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	var lastErr error
	if len(s) >= 19 {
		t, err := time.ParseInLocation("2006-01-02T15:04:05", s[:19], time.UTC)
		if err == nil {
			return t, nil
		}
		lastErr = err
	} else {
		_, lastErr = time.Parse(time.RFC3339, s)
	}
	return time.Time{}, &ParseError{Key: key, Field: field, Value: raw, Err: lastErr}
}

// Kind is a notification kind tracked per tenant and event.
type Kind string

const (
	Kind24h       Kind = "24h"
	Kind1h        Kind = "1h"
	KindChannel1h Kind = "channel-1h"
	KindArchived  Kind = "archived"
)

// Kinds lists every kind in display order.
var Kinds = []Kind{Kind24h, Kind1h, KindChannel1h, KindArchived}

func (k Kind) Valid() bool {
	switch k {
	case Kind24h, Kind1h, KindChannel1h, KindArchived:
		return true
	}
	return false
}

// ChannelRef addresses a chat destination: the tenant chat itself (ThreadID 0) or a
// forum topic inside it.
type ChannelRef struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

func (c ChannelRef) IsZero() bool { return c.ChatID == 0 && c.ThreadID == 0 }
