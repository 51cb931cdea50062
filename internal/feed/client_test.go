package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"ctfsentinel/internal/ctf"
	logx "ctfsentinel/pkg/logx"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, time.Time) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{URL: srv.URL + "/api/v1/events/"}, srv.Client(), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, now
}

func TestFetchSendsWindowQuery(t *testing.T) {
	t.Parallel()
	var got http.Header
	var query map[string]string
	c, now := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		q := r.URL.Query()
		query = map[string]string{"limit": q.Get("limit"), "start": q.Get("start"), "finish": q.Get("finish")}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id": 7, "title": "Quals", "start": "2026-10-18T10:00:00+00:00", "finish": "2026-10-19T10:00:00+00:00",
			 "description": null, "url": "https://quals.example", "weight": 24.5, "onsite": false},
			{"title": "NoID", "start": "2026-10-20T10:00:00+00:00", "finish": "2026-10-21T10:00:00+00:00"}
		]`))
	})

	events, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 2 || events[0].Key() != "Quals_7" || events[1].Key() != "NoID_unk" {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Weight != 24.5 {
		t.Fatalf("weight = %v", events[0].Weight)
	}
	if query["limit"] != "15" {
		t.Fatalf("limit = %q", query["limit"])
	}
	if query["start"] != strconv.FormatInt(now.Unix(), 10) {
		t.Fatalf("start = %q", query["start"])
	}
	if query["finish"] != strconv.FormatInt(now.Add(10*24*time.Hour).Unix(), 10) {
		t.Fatalf("finish = %q", query["finish"])
	}
	if got.Get("User-Agent") != DefaultUserAgent {
		t.Fatalf("user agent = %q", got.Get("User-Agent"))
	}
}

func TestFetchErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
	}{
		{"server error", http.StatusBadGateway, `oops`, http.StatusBadGateway},
		{"not json", http.StatusOK, `<html>`, http.StatusOK},
		{"object not array", http.StatusOK, `{"events": []}`, http.StatusOK},
		{"wrong field type", http.StatusOK, `[{"id": "seven", "title": "x"}]`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.Fetch(context.Background())
			var fe *ctf.FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want FetchError", err)
			}
			if fe.Status != tt.wantStatus {
				t.Fatalf("status = %d, want %d", fe.Status, tt.wantStatus)
			}
		})
	}
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() { close(block); srv.Close() })

	c, err := New(Config{URL: srv.URL, Timeout: 50 * time.Millisecond}, srv.Client(), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Fetch(context.Background())
	var fe *ctf.FetchError
	if !errors.As(err, &fe) || fe.Status != 0 {
		t.Fatalf("err = %v, want transport FetchError", err)
	}
}

func TestFetchRateLimitedCarriesHint(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.Fetch(context.Background())
	var fe *ctf.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v", err)
	}
	if !fe.Temporary() || fe.RetryAfter != 30*time.Second {
		t.Fatalf("temporary=%v retry_after=%s", fe.Temporary(), fe.RetryAfter)
	}
}

func TestRetryAfterHeader(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"120", 2 * time.Minute},
		{"-5", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Hour).Format(http.TimeFormat), 0},
		{"soon", 0},
	}
	for _, tc := range tests {
		if got := retryAfter(tc.in, now); got != tc.want {
			t.Fatalf("retryAfter(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
