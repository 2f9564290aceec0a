package workspace

import (
	"fmt"
	"testing"
	"time"
)

func TestSlugLowercasesAndHyphenates(t *testing.T) {
	cases := map[string]string{
		"Fix Login Bug":    "fix-login-bug",
		"  leading/trail ": "leading-trail",
		"already-slug":     "already-slug",
		"":                 "session",
		"!!!":               "session",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBranchNameHasExpectedShape(t *testing.T) {
	at, err := time.Parse(time.RFC3339, "2026-01-02T15:04:05Z")
	if err != nil {
		t.Fatalf("parsing time: %v", err)
	}
	got := BranchName("Fix Login Bug", at)
	want := fmt.Sprintf("%s/fix-login-bug/%d", BranchPrefix, at.UTC().Unix())
	if got != want {
		t.Errorf("BranchName = %q, want %q", got, want)
	}
}

func TestWorkspacePathShape(t *testing.T) {
	got := WorkspacePath("/repo", "abc123")
	want := "/repo/.worktrees/abc123"
	if got != want {
		t.Errorf("WorkspacePath = %q, want %q", got, want)
	}
}
