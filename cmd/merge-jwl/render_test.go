package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/abdon-gadgets/merge-jwl/internal/merge"
	"github.com/abdon-gadgets/merge-jwl/pkg/protocol"
)

func strPtr(s string) *string { return &s }

func TestRenderMilestone(t *testing.T) {
	got := renderMilestone(merge.MilestonePack)
	if !strings.Contains(got, "[6/8]") || !strings.Contains(got, "pack") {
		t.Errorf("Unexpected milestone rendering %q", got)
	}
}

func TestRenderMessages(t *testing.T) {
	if got := renderMessages(nil); got != "" {
		t.Errorf("Expected nothing for no messages, got %q", got)
	}

	messages := []protocol.Message{
		{Kind: protocol.MessageKindError, Error: "Could not merge tag\nDuplicate name"},
		{Kind: protocol.MessageKindNoteUpdate, NoteUpdate: &protocol.NoteUpdate{
			Before: protocol.NoteText{Title: strPtr("Old title"), Date: "2024-01-01"},
			After:  protocol.NoteText{Date: "2024-02-01"},
		}},
		{Kind: protocol.MessageKindBookmarkOverflow, BookmarkOverflow: &protocol.BookmarkOverflow{
			KeySymbol:      strPtr("w"),
			IssueTagNumber: 20230100,
			Title:          "Bookmark title",
			Snippet:        strPtr("a snippet"),
		}},
	}

	got := renderMessages(messages)
	for _, want := range []string{
		"3 messages",
		"Could not merge tag",
		"Duplicate name",
		"Old title",
		"(untitled)",
		"2024-02-01",
		"Bookmark title",
		"a snippet",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Rendered messages missing %q:\n%s", want, got)
		}
	}
}

func TestRenderError(t *testing.T) {
	got := renderError(merge.ErrTooFewInputs)
	if !strings.Contains(got, "Merge failed") || !strings.Contains(got, merge.ErrTooFewInputs.Error()) {
		t.Errorf("Unexpected error rendering %q", got)
	}
	if got := renderError(errors.New("boom")); !strings.Contains(got, "boom") {
		t.Errorf("Unexpected error rendering %q", got)
	}
}

func TestRenderSaved(t *testing.T) {
	got := renderSaved("/tmp/out.jwlibrary", 1024)
	if !strings.Contains(got, "/tmp/out.jwlibrary") || !strings.Contains(got, "1024 bytes") {
		t.Errorf("Unexpected rendering %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		if _, err := newLogger(level); err != nil {
			t.Errorf("newLogger(%q) failed: %v", level, err)
		}
	}
	if _, err := newLogger("loud"); err == nil {
		t.Error("Expected error for an unknown level")
	}
}

func TestMergeCommandRequiresTwoBackups(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"merge", "only-one.jwlibrary"})
	cmd.SetOut(&strings.Builder{})
	cmd.SetErr(&strings.Builder{})
	if err := cmd.Execute(); err == nil {
		t.Error("Expected error for a single backup")
	}
}

func TestVersionCommand(t *testing.T) {
	var out strings.Builder
	cmd := newRootCommand()
	cmd.SetArgs([]string{"version"})
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "merge-jwl "+version) {
		t.Errorf("Unexpected version output %q", out.String())
	}
}
