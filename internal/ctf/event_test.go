package ctf

import (
	"errors"
	"testing"
	"time"
)

func TestKeyDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{name: "full", ev: Event{ID: 2841, Title: "DownUnderCTF 2025"}, want: "DownUnderCTF 2025_2841"},
		{name: "no title", ev: Event{ID: 5}, want: "ctf_5"},
		{name: "no id", ev: Event{Title: "Quals"}, want: "Quals_unk"},
		{name: "empty", ev: Event{}, want: "ctf_unk"},
		{name: "zero id is missing", ev: Event{ID: 0, Title: "Quals"}, want: "Quals_unk"},
		{name: "negative id kept", ev: Event{ID: -3, Title: "Quals"}, want: "Quals_-3"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.ev.Key(); got != tt.want {
				t.Fatalf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseTimeLayouts(t *testing.T) {
	t.Parallel()
	want := time.Date(2025, 7, 18, 9, 30, 0, 0, time.UTC)
	inputs := []string{
		"2025-07-18T09:30:00+00:00",
		"2025-07-18T09:30:00Z",
		"2025-07-18T11:30:00+02:00",
		"2025-07-18T09:30:00.000000+0000",
		"2025-07-18T09:30:00",
		"2025-07-18T09:30:00.5",
		"2025-07-18T09:30:00garbage",
	}
	for _, in := range inputs {
		got, err := ParseTime("k", "start", in)
		if err != nil {
			t.Fatalf("ParseTime(%q) error: %v", in, err)
		}
		if !got.Truncate(time.Second).Equal(want) {
			t.Fatalf("ParseTime(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseTimeRejectsGarbage(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "tomorrow", "2025-13-45T99:99:99"} {
		_, err := ParseTime("Foo_1", "start", in)
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("ParseTime(%q) err = %v, want *ParseError", in, err)
		}
		if pe.Key != "Foo_1" || pe.Field != "start" {
			t.Fatalf("unexpected ParseError: %+v", pe)
		}
	}
}

func TestKindValid(t *testing.T) {
	t.Parallel()
	for _, k := range Kinds {
		if !k.Valid() {
			t.Fatalf("%q should be valid", k)
		}
	}
	if Kind("2h").Valid() {
		t.Fatal("2h should be invalid")
	}
}
