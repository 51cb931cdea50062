package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ctfsentinel/internal/actions"
	"ctfsentinel/internal/ctf"
	"ctfsentinel/internal/state"
	kit "ctfsentinel/internal/transport"
	logx "ctfsentinel/pkg/logx"
)

const (
	group = int64(-1001)
	owner = int64(7)
	guest = int64(8)
)

type fakeChat struct {
	mu      sync.Mutex
	sent    []string
	answers []string
	topics  int
}

func (f *fakeChat) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeChat) Stop(ctx context.Context) error                         { return nil }

func (f *fakeChat) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.sent)}, nil
}

func (f *fakeChat) Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return f.SendText(ctx, to, text, opt)
}

func (f *fakeChat) AnswerCallback(ctx context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeChat) CreateEventChannel(ctx context.Context, tenant int64, name string) (ctf.ChannelRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics++
	return ctf.ChannelRef{ChatID: tenant, ThreadID: 100 + f.topics}, nil
}

func (f *fakeChat) Post(ctx context.Context, to ctf.ChannelRef, text string) error {
	_, err := f.SendText(ctx, to, text, nil)
	return err
}

func (f *fakeChat) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeChat) lastAnswer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.answers) == 0 {
		return ""
	}
	return f.answers[len(f.answers)-1]
}

var quals = ctf.Event{
	ID:     42,
	Title:  "Quals CTF",
	Start:  "2026-10-20T10:00:00+00:00",
	Finish: "2026-10-21T10:00:00+00:00",
	URL:    "https://quals.example",
}

func newTestRouter(t *testing.T) (*Router, *fakeChat, *state.Store, *[]int64) {
	t.Helper()
	st := state.NewStore(state.DefaultDefaults())
	st.Cache.Replace([]ctf.Event{quals}, time.Now())
	chat := &fakeChat{}
	perms := actions.ChatPermissions{Owners: []int64{owner}, Tenants: st.Tenants}
	svc := actions.New(st, perms, chat, nil, logx.Nop())

	var setups []int64
	r := New(Config{}, Deps{
		Adapter: chat,
		Sender:  chat,
		Actions: svc,
		OnSetup: func(tenant int64) { setups = append(setups, tenant) },
		Log:     logx.Nop(),
	})
	r.now = func() time.Time { return time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC) }
	return r, chat, st, &setups
}

// drain runs queued jobs on the test goroutine.
func drain(r *Router) {
	for {
		select {
		case job := <-r.jobs:
			job()
		default:
			return
		}
	}
}

func message(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: group, FromID: from, Text: text, IsGroup: true}}
}

func TestSetupRequiresAdmin(t *testing.T) {
	t.Parallel()
	r, chat, st, setups := newTestRouter(t)
	ctx := context.Background()

	r.routeUpdate(ctx, message(guest, "/setup"))
	drain(r)
	if !strings.Contains(chat.last(), "Only chat admins") {
		t.Fatalf("reply = %q", chat.last())
	}
	if st.Tenants.Get(group).SetupComplete {
		t.Fatal("guest completed setup")
	}

	r.routeUpdate(ctx, message(owner, "/setup@ctf_sentinel_bot"))
	drain(r)
	if !st.Tenants.Get(group).SetupComplete {
		t.Fatal("owner setup not applied")
	}
	if len(*setups) != 1 || (*setups)[0] != group {
		t.Fatalf("setup hook calls = %v", *setups)
	}
}

func TestSettingsShowAndUpdate(t *testing.T) {
	t.Parallel()
	r, chat, st, _ := newTestRouter(t)
	ctx := context.Background()

	r.routeUpdate(ctx, message(owner, "/settings notify_24h off"))
	drain(r)
	if st.Tenants.Settings(group).Notify24h {
		t.Fatal("notify_24h still on")
	}
	if !strings.Contains(chat.last(), "notify_24h") {
		t.Fatalf("reply = %q", chat.last())
	}

	r.routeUpdate(ctx, message(owner, "/settings bogus 1"))
	drain(r)
	if strings.Contains(chat.last(), "Something went wrong") {
		t.Fatalf("validation error not surfaced: %q", chat.last())
	}

	r.routeUpdate(ctx, message(guest, "/settings"))
	drain(r)
	if !strings.Contains(chat.last(), "archive_delay_minutes") {
		t.Fatalf("settings listing = %q", chat.last())
	}
}

func TestTeamAcceptsFlagsAndPositionals(t *testing.T) {
	t.Parallel()
	r, _, st, _ := newTestRouter(t)
	ctx := context.Background()

	r.routeUpdate(ctx, message(owner, `/team --user "Team Rocket" --policy memorable`))
	drain(r)
	c := st.Tenants.Get(group).Credentials
	if c.User != "Team Rocket" || c.PasswordPolicy != state.PolicyMemorable {
		t.Fatalf("credentials = %+v", c)
	}

	r.routeUpdate(ctx, message(owner, "/team_details rocket rocket@example.com"))
	drain(r)
	c = st.Tenants.Get(group).Credentials
	if c.User != "rocket" || c.Email != "rocket@example.com" || c.PasswordPolicy != state.PolicyMemorable {
		t.Fatalf("credentials = %+v", c)
	}
}

func TestPasswordLengthIsClamped(t *testing.T) {
	t.Parallel()
	r, chat, _, _ := newTestRouter(t)
	ctx := context.Background()

	tests := []struct {
		text string
		want int
	}{
		{"/password", 12},
		{"/password 20", 20},
		{"/password 3", actions.MinPasswordLength},
		{"/pw 500", actions.MaxPasswordLength},
	}
	for _, tc := range tests {
		r.routeUpdate(ctx, message(guest, tc.text))
		drain(r)
		got := chat.last()
		i, j := strings.Index(got, "<code>"), strings.LastIndex(got, "</code>")
		if i < 0 || j < i {
			t.Fatalf("%s: reply = %q", tc.text, got)
		}
		// Random passwords may contain HTML-escaped symbols.
		pw := strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&").Replace(got[i+len("<code>") : j])
		if len(pw) != tc.want {
			t.Fatalf("%s: len(%q) = %d, want %d", tc.text, pw, len(pw), tc.want)
		}
	}
}

func TestUnknownCommandIsQuietInGroups(t *testing.T) {
	t.Parallel()
	r, chat, _, _ := newTestRouter(t)
	ctx := context.Background()

	r.routeUpdate(ctx, message(guest, "/nope"))
	drain(r)
	if chat.last() != "" {
		t.Fatalf("group got %q", chat.last())
	}
	r.routeUpdate(ctx, kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: guest, FromID: guest, Text: "/nope"}})
	drain(r)
	if !strings.Contains(chat.last(), "Unknown command") {
		t.Fatalf("private reply = %q", chat.last())
	}
	r.routeUpdate(ctx, message(guest, "just chatting"))
	drain(r)
}

func TestButtonsDispatchActions(t *testing.T) {
	t.Parallel()
	r, chat, st, _ := newTestRouter(t)
	ctx := context.Background()
	st.Tenants.Setup(group, ctf.ChannelRef{ChatID: group})
	key := quals.Key()

	press := func(from int64, a actions.Action) {
		r.routeUpdate(ctx, kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
			ID: "cb", FromID: from, ChatID: group, Data: actions.CallbackData(a, key),
		}})
		drain(r)
	}

	press(guest, actions.ActionInfo)
	if !strings.Contains(chat.last(), "Quals CTF") {
		t.Fatalf("info post = %q", chat.last())
	}

	press(guest, actions.ActionSkip)
	if !strings.Contains(chat.lastAnswer(), "Only chat admins") {
		t.Fatalf("guest skip answer = %q", chat.lastAnswer())
	}

	press(owner, actions.ActionJoin)
	if st.Participation.Status(group, key) != state.StatusJoined {
		t.Fatal("join not recorded")
	}
	if !strings.Contains(chat.lastAnswer(), "Joined") {
		t.Fatalf("join answer = %q", chat.lastAnswer())
	}

	press(owner, actions.ActionSkip)
	if st.Participation.Status(group, key) != state.StatusJoined {
		t.Fatal("joined event was skipped")
	}
	if !strings.Contains(chat.lastAnswer(), "already decided") {
		t.Fatalf("skip answer = %q", chat.lastAnswer())
	}
}

func TestForeignCallbackIsAnswered(t *testing.T) {
	t.Parallel()
	r, chat, _, _ := newTestRouter(t)
	r.routeUpdate(context.Background(), kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "x", ChatID: group, Data: "other:thing"}})
	drain(r)
	chat.mu.Lock()
	n := len(chat.answers)
	chat.mu.Unlock()
	if n != 1 {
		t.Fatalf("answers = %d", n)
	}
}

func TestHelpListsCommands(t *testing.T) {
	t.Parallel()
	r, _, _, _ := newTestRouter(t)

	top := r.helpText(nil)
	for _, name := range []string{"/setup", "/settings", "/team", "/reset", "/password", "/upcoming", "/status", "/help"} {
		if !strings.Contains(top, "<code>"+name+"</code>") {
			t.Fatalf("help is missing %s:\n%s", name, top)
		}
	}
	one := r.helpText([]string{"bot_setup"})
	if !strings.Contains(one, "<code>/setup</code>") || !strings.Contains(one, "Admins only") {
		t.Fatalf("alias help = %q", one)
	}
	if !strings.Contains(r.helpText([]string{"missing"}), "Unknown command") {
		t.Fatal("unknown help topic not reported")
	}
}

func TestMenuUsesCanonicalNames(t *testing.T) {
	t.Parallel()
	r, _, _, _ := newTestRouter(t)
	menu := buildMenuCommands(r.commands())
	if len(menu) != 8 {
		t.Fatalf("menu = %+v", menu)
	}
	for _, c := range menu {
		if c.Command == "bot_setup" || c.Description == "" {
			t.Fatalf("menu entry = %+v", c)
		}
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"Setup":                   "setup",
		"team-details":            "team_details",
		"  a / b ":                "a_b",
		"__x__":                   "x",
		"9lives":                  "cmd_9lives",
		"":                        "",
		"!!!":                     "",
		strings.Repeat("a", 40):   strings.Repeat("a", 32),
		"reset notifications now": "reset_notifications_now",
	}
	for in, want := range tests {
		if got := sanitizeTelegramCommand(in); got != want {
			t.Fatalf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTokenizeAndFlags(t *testing.T) {
	t.Parallel()
	toks := tokenizeCommandLine(`/team --user "Team Rocket" -e a@b.c '' x\ y`)
	want := []string{"/team", "--user", "Team Rocket", "-e", "a@b.c", "", "x y"}
	if strings.Join(toks, "|") != strings.Join(want, "|") {
		t.Fatalf("tokens = %q", toks)
	}

	pos, flags, bools := parseFlags([]string{"20", "--policy=friendly", "-v", "--dry", "-1001", "-ab"})
	if strings.Join(pos, ",") != "20,-1001" {
		t.Fatalf("pos = %q", pos)
	}
	if flags["policy"] != "friendly" {
		t.Fatalf("flags = %v", flags)
	}
	for _, k := range []string{"v", "dry", "a", "b"} {
		if !bools[k] {
			t.Fatalf("bool %s missing in %v", k, bools)
		}
	}
}

func TestUserMessage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want string
	}{
		{actions.ErrForbidden, "Only chat admins"},
		{actions.ErrNotSetUp, "/setup"},
		{actions.ErrUnknownEvent, "no longer"},
		{state.ErrTransition, "already decided"},
		{context.DeadlineExceeded, "too long"},
		{usagef("Count must be %d", 3), "Count must be 3"},
		{errors.New("db exploded"), "Something went wrong"},
	}
	for _, tc := range tests {
		if got := userMessage(tc.err); !strings.Contains(got, tc.want) {
			t.Fatalf("userMessage(%v) = %q", tc.err, got)
		}
	}
}

func TestUserRateLimit(t *testing.T) {
	t.Parallel()
	calls := 0
	h := Chain(func(context.Context, *Request) error { calls++; return nil }, MWUserRateLimit(newUserLimits(0.001, 2)))

	for i := 0; i < 2; i++ {
		if err := h(context.Background(), &Request{FromID: guest}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if err := h(context.Background(), &Request{FromID: guest}); !errors.Is(err, errSlowDown) {
		t.Fatalf("third call err = %v", err)
	}
	if err := h(context.Background(), &Request{FromID: owner}); err != nil {
		t.Fatalf("other user limited: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d", calls)
	}
	if msg := userMessage(errSlowDown); !strings.Contains(msg, "Slow down") {
		t.Fatalf("message = %q", msg)
	}
}
