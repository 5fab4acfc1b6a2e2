package chat

import "testing"

func TestSanitizeChannelName(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"Fix the Bug!!", "fix-the-bug"},
		{"org/repo@branch", "org-repo-branch"},
		{"already-clean", "already-clean"},
		{"---leading", "leading"},
		{"trailing---", "trailing"},
		{"a--b", "a-b"},
		{"!!!", "claude-session"},
		{"", "claude-session"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeChannelName(tc.name); got != tc.want {
				t.Errorf("SanitizeChannelName(%q) = %q, want %q", tc.name, got, tc.want)
			}
		})
	}
}

func TestSanitizeChannelName_TruncatesTo64AndDropsTrailingHyphen(t *testing.T) {
	long := ""
	for i := 0; i < 70; i++ {
		long += "a"
	}
	long += "-rest"

	got := SanitizeChannelName(long)
	if len(got) > 64 {
		t.Fatalf("result length %d exceeds 64", len(got))
	}
	if got[len(got)-1] == '-' {
		t.Errorf("result ends with hyphen: %q", got)
	}
}
