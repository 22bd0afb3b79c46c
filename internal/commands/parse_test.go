package commands

import (
	"slices"
	"testing"
)

func TestTokenize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "/subs", want: []string{"/subs"}},
		{in: "  /unsub   42 ", want: []string{"/unsub", "42"}},
		{in: `/search_season "spy family" x`, want: []string{"/search_season", "spy family", "x"}},
		{in: `/search_season 'a "b"'`, want: []string{"/search_season", `a "b"`}},
		{in: `/x a\ b`, want: []string{"/x", "a b"}},
		{in: `/x ""`, want: []string{"/x", ""}},
	}
	for _, tt := range tests {
		if got := tokenize(tt.in); !slices.Equal(got, tt.want) {
			t.Fatalf("tokenize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text, bot string
		name      string
		args      []string
		ok        bool
	}{
		{text: "hello", ok: false},
		{text: "/", ok: false},
		{text: "/Sub_Live 123", name: "sub_live", args: []string{"123"}, ok: true},
		{text: "/subs@BiliBot", bot: "bilibot", name: "subs", args: []string{}, ok: true},
		{text: "/subs@OtherBot", bot: "bilibot", ok: false},
	}
	for _, tt := range tests {
		name, args, ok := parseCommand(tt.text, tt.bot)
		if ok != tt.ok {
			t.Fatalf("parseCommand(%q) ok = %v", tt.text, ok)
		}
		if !ok {
			continue
		}
		if name != tt.name || !slices.Equal(args, tt.args) {
			t.Fatalf("parseCommand(%q) = %q %q", tt.text, name, args)
		}
	}
}
