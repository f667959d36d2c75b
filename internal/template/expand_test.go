package template

import "testing"

func TestExpandResolvesKnownVariables(t *testing.T) {
	vars := VarsFromUser("alice@example.org")
	vars.S = "imap"
	got := Expand("%n@%d:%s", vars, nil)
	want := "alice@example.org:imap"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExpandUnknownCodePassesThrough(t *testing.T) {
	got := Expand("%u-%z-end", Vars{U: "bob"}, nil)
	want := "bob-%z-end"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExpandLiteralPercent(t *testing.T) {
	got := Expand("100%%done", Vars{}, nil)
	if got != "100%done" {
		t.Fatalf("got %q", got)
	}
}

func TestExpandAppliesEscape(t *testing.T) {
	vars := Vars{U: "a'b"}
	got := Expand("%u", vars, func(s string) string { return "[" + s + "]" })
	if got != "[a'b]" {
		t.Fatalf("got %q", got)
	}
}

func TestExpandNoPercentIsNoop(t *testing.T) {
	got := Expand("plain", Vars{}, nil)
	if got != "plain" {
		t.Fatalf("got %q", got)
	}
}
