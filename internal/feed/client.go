// Package feed fetches upcoming events from the CTFtime events API.
package feed

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ctfsentinel/internal/ctf"
	logx "ctfsentinel/pkg/logx"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"
)

const (
	DefaultURL       = "https://ctftime.org/api/v1/events/"
	DefaultLimit     = 15
	DefaultWindow    = 10 * 24 * time.Hour
	DefaultTimeout   = 10 * time.Second
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

	maxBodyBytes = 4 << 20
)

//go:embed schema.json
var schemaJSON []byte

type Config struct {
	URL       string
	Limit     int
	Window    time.Duration
	Timeout   time.Duration
	UserAgent string
	// MinInterval spaces consecutive requests. 0 disables the limiter.
	MinInterval time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.URL) == "" {
		c.URL = DefaultURL
	}
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = DefaultUserAgent
	}
	return c
}

// Client fetches the upcoming-events window. It is safe for concurrent use.
type Client struct {
	cfg     Config
	hc      *http.Client
	limiter *rate.Limiter
	schema  *jsonschema.Schema
	log     logx.Logger

	now func() time.Time
}

func New(cfg Config, hc *http.Client, log logx.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("feed url: %w", err)
	}
	if hc == nil {
		hc = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	sch, err := compileSchema()
	if err != nil {
		return nil, err
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.MinInterval > 0 {
		lim = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return &Client{
		cfg:     cfg,
		hc:      hc,
		limiter: lim,
		schema:  sch,
		log:     log.With(logx.String("comp", "feed")),
		now:     time.Now,
	}, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("feed schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("feed.json", doc); err != nil {
		return nil, fmt.Errorf("feed schema: %w", err)
	}
	return c.Compile("feed.json")
}

// RequestURL builds the query for the window starting at now.
func (c *Client) RequestURL(now time.Time) string {
	u, _ := url.Parse(c.cfg.URL)
	q := u.Query()
	q.Set("limit", strconv.Itoa(c.cfg.Limit))
	q.Set("start", strconv.FormatInt(now.Unix(), 10))
	q.Set("finish", strconv.FormatInt(now.Add(c.cfg.Window).Unix(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

// Fetch returns the events currently in the window. Every failure is a
// *ctf.FetchError.
func (c *Client) Fetch(ctx context.Context) ([]ctf.Event, error) {
	reqURL := c.RequestURL(c.now())
	fail := func(status int, err error) ([]ctf.Event, error) {
		return nil, &ctf.FetchError{URL: reqURL, Status: status, Err: err}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fail(0, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	start := c.now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fail(resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ctf.FetchError{
			URL:        reqURL,
			Status:     resp.StatusCode,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After"), c.now()),
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fail(resp.StatusCode, fmt.Errorf("decode: %w", err))
	}
	if err := c.schema.Validate(inst); err != nil {
		return fail(resp.StatusCode, fmt.Errorf("unexpected payload: %w", err))
	}

	var events []ctf.Event
	if err := json.Unmarshal(body, &events); err != nil {
		return fail(resp.StatusCode, fmt.Errorf("decode: %w", err))
	}
	c.log.Debug("feed fetched",
		logx.Int("events", len(events)),
		logx.Duration("took", c.now().Sub(start)),
	)
	return events, nil
}

// retryAfter reads delta-seconds or an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		return max(time.Duration(n)*time.Second, 0)
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0)
	}
	return 0
}
