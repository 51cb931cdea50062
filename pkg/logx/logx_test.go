package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu    sync.Mutex
	lines []string
	got   chan struct{}
}

func (r *recordingSender) SendLog(_ context.Context, chatID int64, threadID int, text string) error {
	r.mu.Lock()
	r.lines = append(r.lines, text)
	r.mu.Unlock()
	select {
	case r.got <- struct{}{}:
	default:
	}
	return nil
}

func TestFormatChatLineSortsFields(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","message":"delivery failed","tenant":7,"event":"Foo_1","time":"x"}`)
	got := formatChatLine(line)
	want := "[WARN] delivery failed\n- event=Foo_1\n- tenant=7"
	if got != want {
		t.Fatalf("formatChatLine = %q, want %q", got, want)
	}
}

func TestFormatChatLineNonJSON(t *testing.T) {
	t.Parallel()
	if got := formatChatLine([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("formatChatLine = %q", got)
	}
}

func TestWriterLoggerAppliesFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "trigger"))
	log.Info("pass finished", Tenant(42), Event("CTF_9"), Int("fired", 2))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	if m["comp"] != "trigger" || m["event"] != "CTF_9" || m["tenant"] != float64(42) {
		t.Fatalf("unexpected fields: %v", m)
	}
	if !strings.HasPrefix(m["caller"].(string), "logx_test.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
}

func TestServiceMirrorsWarningsToChat(t *testing.T) {
	sender := &recordingSender{got: make(chan struct{}, 4)}
	svc, log := New(Config{
		Level: "debug",
		Chat:  ChatConfig{Enabled: true, ChatID: -100, MinLevel: "warn", RatePerSec: 10},
	}, sender)
	defer svc.Close()

	log.Info("not mirrored")
	log.Warn("mirrored", String("k", "v"))

	select {
	case <-sender.got:
	case <-time.After(2 * time.Second):
		t.Fatal("chat sink never delivered")
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.lines) != 1 || !strings.HasPrefix(sender.lines[0], "[WARN] mirrored") {
		t.Fatalf("lines = %q", sender.lines)
	}
}

func TestParseLevelDefaults(t *testing.T) {
	t.Parallel()
	if ParseLevel("warning", LevelInfo) != LevelWarn {
		t.Fatal("warning should map to warn")
	}
	if ParseLevel("bogus", LevelError) != LevelError {
		t.Fatal("unknown level should use default")
	}
}
