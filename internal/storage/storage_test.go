package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ctfsentinel/internal/ctf"
	"ctfsentinel/internal/state"
	logx "ctfsentinel/pkg/logx"
)

var quals7 = ctf.Event{ID: 7, Title: "Quals", Start: "2026-10-18T10:00:00+00:00", Finish: "2026-10-19T10:00:00+00:00"}

func populated() *state.Store {
	st := state.NewStore(state.DefaultDefaults())
	st.Tenants.Setup(-100, ctf.ChannelRef{ChatID: -100, ThreadID: 3})
	st.Tenants.BindEventChannel(-100, "Quals_7", ctf.ChannelRef{ChatID: -100, ThreadID: 42}, quals7)
	st.Tenants.Update(-100, func(c *state.TenantConfig) {
		_ = c.Settings.Set(state.SettingNotify1h, "off")
		c.Credentials.User = "team"
	})
	st.Tracker.Mark(-100, "Quals_7", ctf.Kind24h)
	st.Tracker.Mark(-100, "Quals_7", ctf.KindChannel1h)
	_ = st.Participation.Join(-100, "Quals_7")
	_ = st.Participation.Skip(-100, "Finals_8")
	st.Cache.Replace([]ctf.Event{
		quals7,
		{ID: 8, Title: "Finals", Start: "2026-10-25T10:00:00+00:00", Finish: "2026-10-26T10:00:00+00:00"},
	}, time.Now())
	return st
}

func assertRestored(t *testing.T, got *state.Store) {
	t.Helper()
	ch, ok := got.Tenants.ResolveChannel(-100)
	if !ok || ch.ThreadID != 3 {
		t.Fatalf("channel = %+v, %v", ch, ok)
	}
	if ref, ok := got.Tenants.EventChannel(-100, "Quals_7"); !ok || ref.ThreadID != 42 {
		t.Fatalf("event channel = %+v, %v", ref, ok)
	}
	if b := got.Tenants.Bindings(-100); len(b) != 1 || !b[0].HasEvent || b[0].Event.Finish != quals7.Finish {
		t.Fatalf("bindings = %+v", b)
	}
	if got.Tenants.Settings(-100).Notify1h {
		t.Fatal("notify_1h override lost")
	}
	if got.Tenants.Get(-100).Credentials.User != "team" {
		t.Fatal("credentials lost")
	}
	if !got.Tracker.Sent(-100, "Quals_7", ctf.Kind24h) || !got.Tracker.Sent(-100, "Quals_7", ctf.KindChannel1h) {
		t.Fatal("sent notifications lost")
	}
	if got.Tracker.Sent(-100, "Quals_7", ctf.Kind1h) {
		t.Fatal("unexpected 1h mark")
	}
	if got.Participation.Status(-100, "Quals_7") != state.StatusJoined ||
		got.Participation.Status(-100, "Finals_8") != state.StatusSkipped {
		t.Fatal("participation lost")
	}
	if got.Cache.Len() != 2 {
		t.Fatalf("cache len = %d", got.Cache.Len())
	}
	if ev, ok := got.Cache.Get("Finals_8"); !ok || ev.Start != "2026-10-25T10:00:00+00:00" {
		t.Fatalf("cache entry = %+v, %v", ev, ok)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  func(dir string) Config
	}{
		{"file", func(dir string) Config { return Config{Driver: "file", Path: dir} }},
		{"sqlite", func(dir string) Config { return Config{Driver: "sqlite", Path: filepath.Join(dir, "state.db")} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			b, err := Open(ctx, tt.cfg(t.TempDir()), logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer b.Close()

			p := NewPersistence(b, logx.Nop())
			if err := p.SaveAll(ctx, populated()); err != nil {
				t.Fatalf("SaveAll: %v", err)
			}
			got := state.NewStore(state.DefaultDefaults())
			if err := p.LoadAll(ctx, got); err != nil {
				t.Fatalf("LoadAll: %v", err)
			}
			assertRestored(t, got)
		})
	}
}

func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("CTFSENTINEL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CTFSENTINEL_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	b, err := Open(ctx, Config{Driver: "postgres", DSN: dsn}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	p := NewPersistence(b, logx.Nop())
	if err := p.SaveAll(ctx, populated()); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	got := state.NewStore(state.DefaultDefaults())
	if err := p.LoadAll(ctx, got); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	assertRestored(t, got)
}

func TestLoadMissingDatasetsIsEmpty(t *testing.T) {
	t.Parallel()
	b, err := Open(context.Background(), Config{Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	st := state.NewStore(state.DefaultDefaults())
	if err := NewPersistence(b, logx.Nop()).LoadAll(context.Background(), st); err != nil {
		t.Fatalf("LoadAll on empty dir: %v", err)
	}
	if st.Tenants.Len() != 0 || st.Cache.Len() != 0 {
		t.Fatal("expected empty stores")
	}
}

func TestCorruptDatasetIsQuarantined(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()
	b, err := Open(ctx, Config{Path: dir}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p := NewPersistence(b, logx.Nop())
	if err := p.SaveAll(ctx, populated()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "participation.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "event_cache.json"), []byte("[1,2"), 0o600); err != nil {
		t.Fatal(err)
	}

	st := state.NewStore(state.DefaultDefaults())
	if err := p.LoadAll(ctx, st); err != nil {
		t.Fatalf("corrupt data must not fail load: %v", err)
	}
	if st.Participation.Status(-100, "Quals_7") != state.StatusUntouched {
		t.Fatal("corrupt participation should load empty")
	}
	if !st.Tracker.Sent(-100, "Quals_7", ctf.Kind24h) {
		t.Fatal("healthy datasets must still load")
	}

	entries, _ := os.ReadDir(dir)
	var moved int
	for _, e := range entries {
		if strings.Contains(e.Name(), ".corrupt") {
			moved++
		}
	}
	if moved != 2 {
		t.Fatalf("quarantined files = %d, want 2", moved)
	}
}

func TestSQLiteCorruptRowIsQuarantined(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, err := Open(ctx, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	p := NewPersistence(b, logx.Nop())
	if err := p.SaveAll(ctx, populated()); err != nil {
		t.Fatal(err)
	}
	bad := []byte("{not json")
	if err := b.Write(ctx, DatasetParticipation, bad); err != nil {
		t.Fatal(err)
	}

	st := state.NewStore(state.DefaultDefaults())
	if err := p.LoadAll(ctx, st); err != nil {
		t.Fatalf("corrupt row must not fail load: %v", err)
	}
	if st.Participation.Status(-100, "Quals_7") != state.StatusUntouched {
		t.Fatal("corrupt participation should load empty")
	}
	if !st.Tracker.Sent(-100, "Quals_7", ctf.Kind24h) {
		t.Fatal("healthy datasets must still load")
	}

	moved, err := b.Read(ctx, DatasetParticipation+".corrupt")
	if err != nil {
		t.Fatalf("quarantined row: %v", err)
	}
	if string(moved) != string(bad) {
		t.Fatalf("quarantined body = %q", moved)
	}

	// The next save must not destroy the quarantined copy.
	if err := p.SaveAll(ctx, st); err != nil {
		t.Fatal(err)
	}
	if again, err := b.Read(ctx, DatasetParticipation+".corrupt"); err != nil || string(again) != string(bad) {
		t.Fatalf("quarantined row after save = %q, %v", again, err)
	}
}

func TestFileQuarantineHonorsCanceledContext(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b, err := Open(context.Background(), Config{Path: dir}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Write(context.Background(), DatasetCache, []byte("[1,2")); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.(Quarantiner).Quarantine(ctx, DatasetCache); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "event_cache.json")); err != nil {
		t.Fatalf("dataset moved despite canceled context: %v", err)
	}
}

type failingBackend struct {
	readErr  error
	writeErr map[Dataset]error
	written  map[Dataset][]byte
}

func (f *failingBackend) Name() string { return "failing" }

func (f *failingBackend) Read(_ context.Context, _ Dataset) ([]byte, error) {
	return nil, f.readErr
}

func (f *failingBackend) Write(_ context.Context, ds Dataset, body []byte) error {
	if err := f.writeErr[ds]; err != nil {
		return err
	}
	if f.written == nil {
		f.written = map[Dataset][]byte{}
	}
	f.written[ds] = body
	return nil
}

func (f *failingBackend) Close() error { return nil }

func TestReadFailureIsPersistenceError(t *testing.T) {
	t.Parallel()
	b := &failingBackend{readErr: errors.New("disk on fire")}
	err := NewPersistence(b, logx.Nop()).LoadAll(context.Background(), state.NewStore(state.DefaultDefaults()))
	var pe *ctf.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PersistenceError", err)
	}
	// three strict datasets fail, the cache is lenient
	if n := strings.Count(err.Error(), "load "); n != 3 {
		t.Fatalf("joined error has %d load failures: %v", n, err)
	}
}

func TestSaveAllContinuesPastFailure(t *testing.T) {
	t.Parallel()
	b := &failingBackend{writeErr: map[Dataset]error{DatasetTenants: errors.New("boom")}}
	err := NewPersistence(b, logx.Nop()).SaveAll(context.Background(), populated())
	if err == nil {
		t.Fatal("expected error")
	}
	for _, ds := range []Dataset{DatasetNotifications, DatasetParticipation, DatasetCache} {
		if len(b.written[ds]) == 0 {
			t.Fatalf("dataset %s not written after earlier failure", ds)
		}
	}
}
