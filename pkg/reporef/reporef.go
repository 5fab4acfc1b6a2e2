// Package reporef parses the "org/repo[@branch] [--worktree[=name]]"
// shorthand used to address a GitHub repository in chat.
package reporef

import "strings"

// WorktreeMode selects how a session's worktree name is chosen.
type WorktreeMode int

const (
	// WorktreeNone means no worktree was requested; the session runs
	// directly against the repo's main clone.
	WorktreeNone WorktreeMode = iota
	// WorktreeAuto derives the worktree name from the session ID.
	WorktreeAuto
	// WorktreeNamed uses an explicit, user-supplied worktree name.
	WorktreeNamed
)

// Ref is a parsed repository reference.
type Ref struct {
	Org          string
	Repo         string
	Branch       string // "" if unspecified
	Worktree     WorktreeMode
	WorktreeName string // only meaningful when Worktree == WorktreeNamed
}

// FullName returns "org/repo".
func (r Ref) FullName() string {
	return r.Org + "/" + r.Repo
}

// Parse parses "org/repo[@branch] [--worktree[=name]]". It returns
// (Ref{}, false) for anything that doesn't match the grammar, including a
// worktree name that fails validateWorktreeName (path traversal
// protection).
func Parse(input string) (Ref, bool) {
	input = strings.TrimSpace(input)

	repoPart := input
	worktree := WorktreeNone
	var worktreeName string

	if idx := strings.Index(input, "--worktree"); idx >= 0 {
		repoPart = strings.TrimSpace(input[:idx])
		worktreePart := strings.TrimSpace(input[idx:])

		switch {
		case strings.HasPrefix(worktreePart, "--worktree="):
			name := strings.TrimSpace(strings.TrimPrefix(worktreePart, "--worktree="))
			if name == "" || !validateWorktreeName(name) {
				return Ref{}, false
			}
			worktree = WorktreeNamed
			worktreeName = name
		case worktreePart == "--worktree":
			worktree = WorktreeAuto
		default:
			return Ref{}, false
		}
	}

	orgRepo := repoPart
	var branch string
	if at := strings.Index(repoPart, "@"); at >= 0 {
		orgRepo = repoPart[:at]
		branch = repoPart[at+1:]
	}

	slash := strings.Index(orgRepo, "/")
	if slash < 0 {
		return Ref{}, false
	}
	org, repo := orgRepo[:slash], orgRepo[slash+1:]
	if org == "" || repo == "" || strings.Contains(repo, "/") {
		return Ref{}, false
	}

	return Ref{Org: org, Repo: repo, Branch: branch, Worktree: worktree, WorktreeName: worktreeName}, true
}

// ParseWithDefaultOrg parses input, prepending defaultOrg+"/" when input
// has no organization segment of its own. An empty defaultOrg disables
// the fallback.
func ParseWithDefaultOrg(input string, defaultOrg string) (Ref, bool) {
	if ref, ok := Parse(input); ok {
		return ref, true
	}
	if defaultOrg == "" {
		return Ref{}, false
	}

	trimmed := strings.TrimSpace(input)
	repoPart := trimmed
	if sp := strings.IndexAny(trimmed, " \t"); sp >= 0 {
		repoPart = trimmed[:sp]
	}
	if at := strings.Index(repoPart, "@"); at >= 0 {
		repoPart = repoPart[:at]
	}
	if repoPart == "" || strings.Contains(repoPart, "/") {
		return Ref{}, false
	}

	return Parse(defaultOrg + "/" + trimmed)
}

// LooksLikeRepo reports whether input's leading token has the shape of a
// bare "org/repo" reference, without validating it fully.
func LooksLikeRepo(input string) bool {
	token := input
	if sp := strings.IndexAny(input, " \t"); sp >= 0 {
		token = input[:sp]
	}
	if at := strings.Index(token, "@"); at >= 0 {
		token = token[:at]
	}
	if strings.Count(token, "/") != 1 {
		return false
	}
	return !strings.HasPrefix(token, "/") && !strings.HasSuffix(token, "/")
}

// validateWorktreeName rejects anything but [a-zA-Z0-9_.-], a leading
// dot, ".." sequences, or path separators — preventing a worktree name
// from escaping the configured worktrees directory.
func validateWorktreeName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") || strings.Contains(name, "..") {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
		default:
			return false
		}
	}
	return true
}
