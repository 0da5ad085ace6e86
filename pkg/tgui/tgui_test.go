package tgui

import (
	"errors"
	"strings"
	"testing"
)

func TestDataRoundTrip(t *testing.T) {
	s, err := Data("camp", "start", "42")
	if err != nil || s != "camp:start:42" {
		t.Fatalf("got %q, %v", s, err)
	}
	p, a, pl, ok := ParseData(s)
	if !ok || p != "camp" || a != "start" || pl != "42" {
		t.Fatalf("parse: %q %q %q %v", p, a, pl, ok)
	}
	if _, err := Data("camp", "x", strings.Repeat("9", 70)); !errors.Is(err, ErrCallbackDataTooLong) {
		t.Fatalf("want too long, got %v", err)
	}
	if _, err := Data("a:b", "x", ""); !errors.Is(err, ErrCallbackDataInvalid) {
		t.Fatalf("want invalid, got %v", err)
	}
	if _, _, _, ok := ParseData("nocolon"); ok {
		t.Fatal("expected parse failure")
	}
}

func TestTruncRunes(t *testing.T) {
	if got := TruncRunes("héllo", 10); got != "héllo" {
		t.Fatalf("got %q", got)
	}
	if got := TruncRunes("héllo", 3); got != "hé…" {
		t.Fatalf("got %q", got)
	}
}

func TestPaginate(t *testing.T) {
	items := make([]int, 25)
	p := Paginate(items, 1, 10)
	if len(p.Items) != 10 || !p.HasPrev || !p.HasNext || p.Label() != "page 2/3 · 11-20 of 25" {
		t.Fatalf("unexpected page %+v %q", p, p.Label())
	}
	p = Paginate(items, 9, 10)
	if p.Index != 2 || len(p.Items) != 5 || p.HasNext {
		t.Fatalf("clamp failed: %+v", p)
	}
	if Paginate[int](nil, 0, 10).Label() != "page 1/1 · empty" {
		t.Fatal("empty label")
	}
}

func TestEscapingHelpers(t *testing.T) {
	if got := B("<x>"); got != "<b>&lt;x&gt;</b>" {
		t.Fatalf("got %q", got)
	}
	if got := JoinH(", ", "a", " ", "b"); got != "a, b" {
		t.Fatalf("got %q", got)
	}
	if got := Lines("a", "", "b"); got != "a\n\nb" {
		t.Fatalf("got %q", got)
	}
}
