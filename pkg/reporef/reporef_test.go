package reporef

import "testing"

func TestParse_Simple(t *testing.T) {
	r, ok := Parse("org/repo")
	if !ok {
		t.Fatal("expected ok")
	}
	if r.Org != "org" || r.Repo != "repo" || r.Branch != "" || r.Worktree != WorktreeNone {
		t.Errorf("got %+v", r)
	}
}

func TestParse_WithBranch(t *testing.T) {
	r, ok := Parse("org/repo@main")
	if !ok || r.Branch != "main" {
		t.Errorf("got %+v, ok=%v", r, ok)
	}
}

func TestParse_WithWorktreeAuto(t *testing.T) {
	r, ok := Parse("org/repo --worktree")
	if !ok || r.Worktree != WorktreeAuto {
		t.Errorf("got %+v, ok=%v", r, ok)
	}
}

func TestParse_WithNamedWorktree(t *testing.T) {
	r, ok := Parse("org/repo --worktree=my-worktree")
	if !ok || r.Worktree != WorktreeNamed || r.WorktreeName != "my-worktree" {
		t.Errorf("got %+v, ok=%v", r, ok)
	}
}

func TestParse_FullSyntax(t *testing.T) {
	r, ok := Parse("org/repo@feature-branch --worktree=feature-wt")
	if !ok {
		t.Fatal("expected ok")
	}
	if r.Org != "org" || r.Repo != "repo" || r.Branch != "feature-branch" ||
		r.Worktree != WorktreeNamed || r.WorktreeName != "feature-wt" {
		t.Errorf("got %+v", r)
	}
}

func TestParse_InvalidNoSlash(t *testing.T) {
	if _, ok := Parse("repo"); ok {
		t.Error("expected failure")
	}
}

func TestParse_InvalidMultipleSlashes(t *testing.T) {
	if _, ok := Parse("org/sub/repo"); ok {
		t.Error("expected failure")
	}
}

func TestLooksLikeRepo(t *testing.T) {
	cases := map[string]bool{
		"org/repo":            true,
		"org/repo@branch":     true,
		"org/repo --worktree": true,
		"myproject":           false,
		"/absolute/path":      false,
		"org/sub/repo":        false,
	}
	for input, want := range cases {
		if got := LooksLikeRepo(input); got != want {
			t.Errorf("LooksLikeRepo(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestFullName(t *testing.T) {
	r, ok := Parse("myorg/myrepo@branch")
	if !ok {
		t.Fatal("expected ok")
	}
	if got := r.FullName(); got != "myorg/myrepo" {
		t.Errorf("got %q", got)
	}
}

func TestParseWithDefaultOrg_NoSlash(t *testing.T) {
	r, ok := ParseWithDefaultOrg("session-manager", "jcttech")
	if !ok || r.Org != "jcttech" || r.Repo != "session-manager" || r.Branch != "" {
		t.Errorf("got %+v, ok=%v", r, ok)
	}
}

func TestParseWithDefaultOrg_WithBranch(t *testing.T) {
	r, ok := ParseWithDefaultOrg("session-manager@main", "jcttech")
	if !ok || r.Org != "jcttech" || r.Repo != "session-manager" || r.Branch != "main" {
		t.Errorf("got %+v, ok=%v", r, ok)
	}
}

func TestParseWithDefaultOrg_WithWorktree(t *testing.T) {
	r, ok := ParseWithDefaultOrg("session-manager --worktree", "jcttech")
	if !ok || r.Worktree != WorktreeAuto {
		t.Errorf("got %+v, ok=%v", r, ok)
	}
}

func TestParseWithDefaultOrg_ExplicitOrgIgnoresDefault(t *testing.T) {
	r, ok := ParseWithDefaultOrg("other/repo", "jcttech")
	if !ok || r.Org != "other" || r.Repo != "repo" {
		t.Errorf("got %+v, ok=%v", r, ok)
	}
}

func TestParseWithDefaultOrg_NoDefaultFails(t *testing.T) {
	if _, ok := ParseWithDefaultOrg("session-manager", ""); ok {
		t.Error("expected failure without a default org")
	}
}

func TestValidateWorktreeName(t *testing.T) {
	valid := []string{"my-feature", "fix_bug_123", "v1.2.3", "feature-branch-abc12345"}
	for _, name := range valid {
		if !validateWorktreeName(name) {
			t.Errorf("expected %q to be valid", name)
		}
	}
	invalid := []string{"../../etc/passwd", "/etc/passwd", "..", "foo/bar", "", ".hidden"}
	for _, name := range invalid {
		if validateWorktreeName(name) {
			t.Errorf("expected %q to be invalid", name)
		}
	}
}

func TestParse_RejectsTraversalWorktree(t *testing.T) {
	cases := []string{
		"org/repo --worktree=../../etc",
		"org/repo --worktree=/tmp/evil",
		"org/repo --worktree=.hidden",
	}
	for _, input := range cases {
		if _, ok := Parse(input); ok {
			t.Errorf("expected %q to be rejected", input)
		}
	}
}
