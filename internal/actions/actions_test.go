package actions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode"

	"ctfsentinel/internal/ctf"
	"ctfsentinel/internal/eventbus"
	"ctfsentinel/internal/state"
	logx "ctfsentinel/pkg/logx"
)

const (
	tenant = int64(-100)
	admin  = int64(7)
	member = int64(8)
)

type fakePlatform struct {
	mu      sync.Mutex
	created atomic.Int32
	posts   []string
	delay   time.Duration
	fail    error
}

func (f *fakePlatform) CreateEventChannel(ctx context.Context, tenant int64, name string) (ctf.ChannelRef, error) {
	if f.fail != nil {
		return ctf.ChannelRef{}, f.fail
	}
	time.Sleep(f.delay)
	n := f.created.Add(1)
	return ctf.ChannelRef{ChatID: tenant, ThreadID: int(n) + 100}, nil
}

func (f *fakePlatform) Post(ctx context.Context, to ctf.ChannelRef, text string) error {
	f.mu.Lock()
	f.posts = append(f.posts, text)
	f.mu.Unlock()
	return nil
}

func newService(t *testing.T, p Platform) (*Service, *state.Store) {
	t.Helper()
	st := state.NewStore(state.DefaultDefaults())
	st.Tenants.Setup(tenant, ctf.ChannelRef{ChatID: tenant})
	st.Cache.Replace([]ctf.Event{{
		ID:          7,
		Title:       "Quals CTF 2026",
		Start:       "2026-10-18T10:00:00+00:00",
		Finish:      "2026-10-19T10:00:00+00:00",
		URL:         "https://quals.example",
		Description: "Join us at discord.gg/abc123 for updates",
	}}, time.Now())
	perms := ChatPermissions{Owners: []int64{admin}, Tenants: st.Tenants}
	return New(st, perms, p, eventbus.New(), logx.Nop()), st
}

func TestJoinCreatesChannelOnce(t *testing.T) {
	t.Parallel()
	p := &fakePlatform{}
	svc, st := newService(t, p)
	req := Request{Action: ActionJoin, TenantID: tenant, UserID: admin, EventKey: "Quals CTF 2026_7"}

	res, err := svc.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !res.Created || res.Channel.ThreadID != 101 || res.Status != state.StatusJoined {
		t.Fatalf("result = %+v", res)
	}
	if ref, ok := st.Tenants.EventChannel(tenant, req.EventKey); !ok || ref != res.Channel {
		t.Fatalf("binding = %+v, %v", ref, ok)
	}
	cached, _ := st.Cache.Get(req.EventKey)
	if b := st.Tenants.Bindings(tenant); len(b) != 1 || !b[0].HasEvent || b[0].Event != cached {
		t.Fatalf("bound event = %+v, want the cached event", b)
	}
	if len(p.posts) != 1 || !strings.Contains(p.posts[0], "https://discord.gg/abc123") || !strings.Contains(p.posts[0], "Not-Set") {
		t.Fatalf("login post = %q", p.posts)
	}

	again, err := svc.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("re-join: %v", err)
	}
	if again.Created || again.Channel != res.Channel || p.created.Load() != 1 {
		t.Fatalf("re-join created a second channel: %+v", again)
	}
}

func TestConcurrentJoinsShareOneChannel(t *testing.T) {
	t.Parallel()
	p := &fakePlatform{delay: 20 * time.Millisecond}
	svc, _ := newService(t, p)
	req := Request{Action: ActionJoin, TenantID: tenant, UserID: admin, EventKey: "Quals CTF 2026_7"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Dispatch(context.Background(), req); err != nil {
				t.Errorf("join: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := p.created.Load(); n != 1 {
		t.Fatalf("channels created = %d, want 1", n)
	}
}

func TestJoinAndSkipNeedPermission(t *testing.T) {
	t.Parallel()
	svc, st := newService(t, &fakePlatform{})
	for _, a := range []Action{ActionJoin, ActionSkip} {
		_, err := svc.Dispatch(context.Background(), Request{Action: a, TenantID: tenant, UserID: member, EventKey: "Quals CTF 2026_7"})
		if !errors.Is(err, ErrForbidden) {
			t.Fatalf("%s by member err = %v, want ErrForbidden", a, err)
		}
	}
	if st.Participation.Status(tenant, "Quals CTF 2026_7") != state.StatusUntouched {
		t.Fatal("denied action changed participation")
	}

	// admin_users grants access
	if _, err := svc.UpdateSetting(context.Background(), tenant, admin, "admin_users", "8"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Dispatch(context.Background(), Request{Action: ActionSkip, TenantID: tenant, UserID: member, EventKey: "Quals CTF 2026_7"}); err != nil {
		t.Fatalf("skip by listed admin: %v", err)
	}
}

func TestInfoNeedsNoPermission(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t, &fakePlatform{})
	res, err := svc.Dispatch(context.Background(), Request{Action: ActionInfo, TenantID: tenant, UserID: member, EventKey: "Quals CTF 2026_7"})
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if !strings.Contains(res.Text, "Quals CTF 2026") || !strings.Contains(res.Text, "Start:") {
		t.Fatalf("info text = %q", res.Text)
	}
	if _, err := svc.Dispatch(context.Background(), Request{Action: ActionInfo, TenantID: tenant, EventKey: "gone_1"}); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("info on unknown event err = %v", err)
	}
}

func TestSkipIsTerminal(t *testing.T) {
	t.Parallel()
	p := &fakePlatform{}
	svc, _ := newService(t, p)
	key := "Quals CTF 2026_7"
	if _, err := svc.Dispatch(context.Background(), Request{Action: ActionSkip, TenantID: tenant, UserID: admin, EventKey: key}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Dispatch(context.Background(), Request{Action: ActionSkip, TenantID: tenant, UserID: admin, EventKey: key}); err != nil {
		t.Fatalf("repeated skip: %v", err)
	}
	_, err := svc.Dispatch(context.Background(), Request{Action: ActionJoin, TenantID: tenant, UserID: admin, EventKey: key})
	if !errors.Is(err, state.ErrTransition) {
		t.Fatalf("join after skip err = %v", err)
	}
	if p.created.Load() != 0 {
		t.Fatal("skipped event got a channel")
	}
}

func TestResetNotificationsKeepsParticipation(t *testing.T) {
	t.Parallel()
	svc, st := newService(t, &fakePlatform{})
	st.Tracker.Mark(tenant, "Quals CTF 2026_7", ctf.Kind24h)
	_ = st.Participation.Join(tenant, "Quals CTF 2026_7")

	before, err := svc.ResetNotifications(context.Background(), tenant, admin)
	if err != nil {
		t.Fatal(err)
	}
	if before[ctf.Kind24h] != 1 {
		t.Fatalf("counts before reset = %v", before)
	}
	if st.Tracker.Sent(tenant, "Quals CTF 2026_7", ctf.Kind24h) {
		t.Fatal("reset did not clear")
	}
	if st.Participation.Status(tenant, "Quals CTF 2026_7") != state.StatusJoined {
		t.Fatal("reset touched participation")
	}
}

func TestSetCredentials(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t, &fakePlatform{})
	c, err := svc.SetCredentials(context.Background(), tenant, admin, state.Credentials{User: "pwners", PasswordPolicy: "Memorable"})
	if err != nil {
		t.Fatal(err)
	}
	if c.User != "pwners" || c.PasswordPolicy != state.PolicyMemorable || c.Email != "Not-Set@gmail.com" {
		t.Fatalf("credentials = %+v", c)
	}
	if _, err := svc.SetCredentials(context.Background(), tenant, admin, state.Credentials{PasswordPolicy: "hunter2"}); err == nil {
		t.Fatal("expected policy error")
	}
}

func TestGeneratePasswordPolicies(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 8, 12, 50, 200} {
		pw := GeneratePassword(state.PolicyRandom, n)
		if len(pw) != ClampLength(n) {
			t.Fatalf("random len(%d) = %d", n, len(pw))
		}
		var lower, upper, digit, sym bool
		for _, r := range pw {
			switch {
			case unicode.IsLower(r):
				lower = true
			case unicode.IsUpper(r):
				upper = true
			case unicode.IsDigit(r):
				digit = true
			default:
				sym = true
			}
		}
		if !lower || !upper || !digit || !sym {
			t.Fatalf("random password %q misses a class", pw)
		}
	}

	friendly := GeneratePassword(state.PolicyFriendly, 16)
	if len(friendly) != 16 || strings.ContainsAny(friendly, symbolChars) {
		t.Fatalf("friendly = %q", friendly)
	}

	mem := GeneratePassword(state.PolicyMemorable, 0)
	digits := mem[len(mem)-4:]
	for _, r := range digits {
		if !unicode.IsDigit(r) {
			t.Fatalf("memorable = %q", mem)
		}
	}
}

func TestSanitizeChannelName(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"Quals CTF 2026":   "quals-ctf-2026",
		"  ***  ":          "ctf-channel",
		"_hidden  flag!!":  "ctf-_hidden-flag",
		"Ünïcode Ctf":      "ncode-ctf",
		strings.Repeat("a", 150): strings.Repeat("a", 100),
	}
	for in, want := range tests {
		if got := SanitizeChannelName(in); got != want {
			t.Fatalf("SanitizeChannelName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInviteLink(t *testing.T) {
	t.Parallel()
	tests := []struct {
		desc string
		want string
		ok   bool
	}{
		{"see https://discord.gg/AbC1", "https://discord.gg/AbC1", true},
		{"chat: discord.com/invite/xyz9 now", "https://discord.com/invite/xyz9", true},
		{"telegram t.me/+groupLink", "https://t.me/+groupLink", true},
		{"no links here", "", false},
	}
	for _, tt := range tests {
		got, ok := InviteLink(tt.desc)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("InviteLink(%q) = %q, %v", tt.desc, got, ok)
		}
	}
}

func TestCallbackRoundTrip(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t, &fakePlatform{})
	key := "Quals CTF 2026_7"
	data := CallbackData(ActionJoin, key)
	if len(data) > 64 {
		t.Fatalf("callback data too long: %d", len(data))
	}
	a, tok, ok := ParseCallback(data)
	if !ok || a != ActionJoin {
		t.Fatalf("ParseCallback(%q) = %s, %s, %v", data, a, tok, ok)
	}
	if got, ok := svc.ResolveToken(tenant, tok); !ok || got != key {
		t.Fatalf("ResolveToken = %q, %v", got, ok)
	}
	for _, bad := range []string{"", "ctf:join", "ctf:nuke:abc", "sys:join:abc"} {
		if _, _, ok := ParseCallback(bad); ok {
			t.Fatalf("ParseCallback(%q) accepted", bad)
		}
	}
}

func TestUpcomingSortedByStart(t *testing.T) {
	t.Parallel()
	svc, st := newService(t, &fakePlatform{})
	st.Cache.Replace([]ctf.Event{
		{ID: 1, Title: "Late", Start: "2026-10-25T10:00:00Z"},
		{ID: 2, Title: "Broken", Start: "soon"},
		{ID: 3, Title: "Early", Start: "2026-10-18T10:00:00Z"},
	}, time.Now())
	got := svc.Upcoming(0)
	if len(got) != 3 || got[0].Title != "Early" || got[1].Title != "Late" || got[2].Title != "Broken" {
		t.Fatalf("Upcoming order = %v", got)
	}
	if len(svc.Upcoming(1)) != 1 {
		t.Fatal("limit ignored")
	}
}

func TestJoinRequiresSetup(t *testing.T) {
	t.Parallel()
	p := &fakePlatform{}
	svc, _ := newService(t, p)
	const other int64 = -200
	_, err := svc.Dispatch(context.Background(), Request{Action: ActionJoin, TenantID: other, UserID: admin, EventKey: "Quals CTF 2026_7"})
	if !errors.Is(err, ErrNotSetUp) {
		t.Fatalf("err = %v, want ErrNotSetUp", err)
	}
	if p.created.Load() != 0 {
		t.Fatal("channel created for a tenant without setup")
	}
}
