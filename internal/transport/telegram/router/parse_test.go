package router

import (
	"reflect"
	"testing"
)

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()
	got := tokenizeCommandLine(`/group new 5 "Morning list" it\'s ''`)
	want := []string{"/group", "new", "5", "Morning list", "it's", ""}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()
	pos, flags, bools := parseFlags([]string{"12", "--all", "-n", "3", "--name=x", "-5", "-vq"})
	if !reflect.DeepEqual(pos, []string{"12", "-5"}) {
		t.Fatalf("pos = %q", pos)
	}
	if flags["n"] != "3" || flags["name"] != "x" {
		t.Fatalf("flags = %v", flags)
	}
	if !bools["all"] || !bools["v"] || !bools["q"] {
		t.Fatalf("bools = %v", bools)
	}
}

func TestRestAfter(t *testing.T) {
	t.Parallel()
	text := "/campaign   text  Hello there\nsecond line "
	if got := restAfter(text, 2); got != "Hello there\nsecond line" {
		t.Fatalf("got %q", got)
	}
	if got := restAfter("/campaign", 2); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"campaign start": "campaign_start",
		"Group-Rename":   "group_rename",
		"2fa":            "cmd_2fa",
		"__x__":          "x",
		"!!!":            "",
	}
	for in, want := range cases {
		if got := sanitizeTelegramCommand(in); got != want {
			t.Fatalf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
