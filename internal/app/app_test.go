package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ctfsentinel/internal/actions"
	"ctfsentinel/internal/config"
	"ctfsentinel/internal/ctf"
	"ctfsentinel/internal/state"
	"ctfsentinel/internal/storage"
	"ctfsentinel/internal/task/engine"
	kit "ctfsentinel/internal/transport"
	logx "ctfsentinel/pkg/logx"
)

const tenant = int64(-1001)

type sentMsg struct {
	to   kit.ChatTarget
	text string
	opt  *kit.SendOptions
}

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sentMsg
	topics  int
	started bool
	stopped bool
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{to: to, text: text, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, id, text string) error { return nil }

func (f *fakeAdapter) CreateTopic(ctx context.Context, chatID int64, name string) (kit.ChatTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics++
	return kit.ChatTarget{ChatID: chatID, ThreadID: 100 + f.topics}, nil
}

func (f *fakeAdapter) CloseTopic(ctx context.Context, to kit.ChatTarget) error { return nil }

func (f *fakeAdapter) messages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// feedServer serves one event starting 24h from the time of each request.
func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now().Add(24 * time.Hour).UTC()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `[{"id": 7, "title": "Quals", "start": %q, "finish": %q, "description": "jeopardy", "url": "https://quals.example"}]`,
			start.Format(time.RFC3339), start.Add(48*time.Hour).Format(time.RFC3339))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, dir, feedURL string) *config.ConfigManager {
	t.Helper()
	body := fmt.Sprintf(`{
		"telegram": {"token": "test-token", "owner_user_ids": [7]},
		"feed": {"url": %q},
		"jobs": {"refresh": "1h", "evaluate": "1h", "flush": "1h", "shutdown_grace": "1s"},
		"storage": {"driver": "file", "path": %q}
	}`, feedURL, filepath.Join(dir, "data"))
	p := filepath.Join(dir, "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	m := config.NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m
}

func seedSetup(t *testing.T, dir string) {
	t.Helper()
	b, err := storage.Open(context.Background(), storage.Config{Driver: "file", Path: filepath.Join(dir, "data")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	st := state.NewStore(state.DefaultDefaults())
	st.Tenants.Setup(tenant, ctf.ChannelRef{ChatID: tenant})
	if err := storage.NewPersistence(b, logx.Nop()).SaveAll(context.Background(), st); err != nil {
		t.Fatal(err)
	}
}

func loadState(t *testing.T, dir string) *state.Store {
	t.Helper()
	b, err := storage.Open(context.Background(), storage.Config{Driver: "file", Path: filepath.Join(dir, "data")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	st := state.NewStore(state.DefaultDefaults())
	if err := storage.NewPersistence(b, logx.Nop()).LoadAll(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestStartupAlertsAndFinalFlush(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	srv := feedServer(t)
	seedSetup(t, dir)
	ad := &fakeAdapter{}

	a, err := build(context.Background(), writeConfig(t, dir, srv.URL), deps{adapter: ad, httpClient: srv.Client()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "24h alert", func() bool {
		for _, m := range ad.messages() {
			if m.to.ChatID == tenant && strings.Contains(m.text, "Quals") && m.opt != nil && len(m.opt.Buttons) > 0 {
				return true
			}
		}
		return false
	})

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !ad.stopped {
		t.Fatal("adapter not stopped")
	}

	st := loadState(t, dir)
	if !st.Tracker.Sent(tenant, "Quals_7", ctf.Kind24h) {
		t.Fatal("24h mark not flushed on stop")
	}
	if st.Cache.Len() != 1 {
		t.Fatalf("cache not flushed: %d events", st.Cache.Len())
	}
	if !st.Tenants.Get(tenant).SetupComplete {
		t.Fatal("tenant setup lost")
	}
}

func TestRestartDoesNotRefire(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	srv := feedServer(t)
	seedSetup(t, dir)

	run := func(ad *fakeAdapter, wait bool) {
		a, err := build(context.Background(), writeConfig(t, dir, srv.URL), deps{adapter: ad, httpClient: srv.Client()})
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if err := a.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if wait {
			waitFor(t, "first alert", func() bool { return len(ad.messages()) > 0 })
		} else {
			// Let the startup refresh and evaluate pass finish.
			waitFor(t, "startup pass", func() bool { return len(a.engine.Snapshot().History) >= 2 })
		}
		if err := a.Stop(context.Background(), StopUnknown); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}

	first := &fakeAdapter{}
	run(first, true)
	second := &fakeAdapter{}
	run(second, false)
	if n := len(second.messages()); n != 0 {
		t.Fatalf("restart re-sent %d messages", n)
	}
}

func TestBuildFailsOnUnreadableState(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// A directory where the tenants document should be makes the read fail.
	if err := os.MkdirAll(filepath.Join(dir, "data", string(storage.DatasetTenants)+".json"), 0o755); err != nil {
		t.Fatal(err)
	}
	_, err := build(context.Background(), writeConfig(t, dir, "http://127.0.0.1:1"), deps{adapter: &fakeAdapter{}})
	var pe *ctf.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PersistenceError", err)
	}
}

func TestMapDefaultsOverlay(t *testing.T) {
	t.Parallel()
	off, zero := false, 0
	cfg := &config.Config{Defaults: config.DefaultsConfig{
		Notify1h:            &off,
		ArchiveDelayMinutes: &zero,
		TeamUser:            "h4x",
	}}
	d := mapDefaults(cfg)
	base := state.DefaultDefaults()
	if d.Notify1h || d.ArchiveDelayMinutes != 0 || d.Credentials.User != "h4x" {
		t.Fatalf("overlay lost: %+v", d)
	}
	if d.Notify24h != base.Notify24h || d.Credentials.Email != base.Credentials.Email {
		t.Fatalf("omitted keys changed: %+v", d)
	}
}

func TestMapJobSpecs(t *testing.T) {
	t.Parallel()
	specs, err := mapJobSpecs(&config.Config{Jobs: config.JobsConfig{Evaluate: "*/2 * * * *"}})
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]jobSpec{}
	for _, s := range specs {
		got[s.name] = s
	}
	if got[jobRefresh].spec != "15m" || got[jobFlush].spec != "5m" || got[jobEvaluate].spec != "*/2 * * * *" {
		t.Fatalf("specs = %+v", specs)
	}
	if got[jobEvaluate].timeout != 2*time.Minute {
		t.Fatalf("evaluate timeout = %s", got[jobEvaluate].timeout)
	}

	if _, err := mapJobSpecs(&config.Config{Jobs: config.JobsConfig{Flush: "every tuesday"}}); err == nil {
		t.Fatal("bad schedule accepted")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      config.StorageConfig
		driver  string
		wantErr bool
	}{
		{config.StorageConfig{}, "file", false},
		{config.StorageConfig{Driver: "sqlite3", Path: "x.db"}, "sqlite", false},
		{config.StorageConfig{Driver: "sqlite"}, "", true},
		{config.StorageConfig{Driver: "pg", DSN: "postgres://db/x"}, "postgres", false},
		{config.StorageConfig{Driver: "postgres"}, "", true},
		{config.StorageConfig{Driver: "redis"}, "", true},
	}
	for _, tc := range tests {
		got, err := mapStorageConfig(&config.Config{Storage: tc.in})
		if (err != nil) != tc.wantErr {
			t.Fatalf("%+v: err = %v", tc.in, err)
		}
		if err == nil && got.Driver != tc.driver {
			t.Fatalf("%+v: driver = %q", tc.in, got.Driver)
		}
	}
}

func TestLivePermissionsSwapOwners(t *testing.T) {
	t.Parallel()
	ts := state.NewTenants(state.DefaultDefaults())
	p := newLivePermissions(actions.ChatPermissions{Owners: []int64{7}, Tenants: ts})
	ctx := context.Background()
	if ok, _ := p.CanManage(ctx, tenant, 9); ok {
		t.Fatal("non-owner allowed")
	}
	p.SetOwners([]int64{9})
	if ok, _ := p.CanManage(ctx, tenant, 9); !ok {
		t.Fatal("new owner denied")
	}
	if ok, _ := p.CanManage(ctx, tenant, 7); ok {
		t.Fatal("old owner still allowed")
	}
}

func TestApplyConfigReschedulesJobs(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	srv := feedServer(t)
	cfgm := writeConfig(t, dir, srv.URL)
	a, err := build(context.Background(), cfgm, deps{adapter: &fakeAdapter{}, httpClient: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}
	defer a.backend.Close()

	next := *cfgm.Get()
	next.Jobs.Evaluate = "30s"
	next.Telegram.OwnerUserIDs = []int64{42}
	a.applyConfig(cfgm.Get(), &next)

	found := false
	for _, s := range a.sched.Snapshot().Jobs {
		if s.Name == jobEvaluate {
			found = true
			if !strings.Contains(s.Spec, "30s") {
				t.Fatalf("evaluate spec = %q", s.Spec)
			}
		}
	}
	if !found {
		t.Fatal("evaluate schedule missing")
	}
	if ok, _ := a.perms.CanManage(context.Background(), tenant, 42); !ok {
		t.Fatal("owner list not applied")
	}
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()
	notFound := &ctf.FetchError{Status: http.StatusNotFound, Err: errors.New("Not Found")}
	if err := retryPolicy(notFound); !engine.IsPermanent(err) {
		t.Fatalf("404 should not retry: %v", err)
	}

	limited := &ctf.FetchError{Status: http.StatusTooManyRequests, RetryAfter: time.Minute, Err: errors.New("Too Many Requests")}
	var ra engine.RetryAfterError
	if err := retryPolicy(limited); !errors.As(err, &ra) || ra.RetryAfter() != time.Minute {
		t.Fatalf("429 hint lost: %v", err)
	}

	down := &ctf.FetchError{Status: 0, Err: errors.New("connection refused")}
	if err := retryPolicy(down); engine.IsPermanent(err) || !errors.Is(err, down) {
		t.Fatalf("network failure should retry: %v", err)
	}
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	seedSetup(t, dir)
	srv := feedServer(t)
	a, err := build(context.Background(), writeConfig(t, dir, srv.URL), deps{adapter: &fakeAdapter{}, httpClient: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}
	defer a.backend.Close()

	st, ok := a.status().(status)
	if !ok {
		t.Fatalf("status type %T", a.status())
	}
	if st.SetUp != 1 || len(st.Jobs) != 3 {
		t.Fatalf("status = %+v", st)
	}
}
