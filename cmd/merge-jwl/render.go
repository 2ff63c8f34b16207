package main

import (
	"fmt"
	"strings"

	"github.com/abdon-gadgets/merge-jwl/internal/merge"
	"github.com/abdon-gadgets/merge-jwl/pkg/protocol"
	"github.com/charmbracelet/lipgloss"
)

const (
	colorPrimary   = lipgloss.Color("#7C3AED")
	colorMuted     = lipgloss.Color("#6B7280")
	colorSuccess   = lipgloss.Color("#10B981")
	colorError     = lipgloss.Color("#EF4444")
	colorWarning   = lipgloss.Color("#F59E0B")
	colorHighlight = lipgloss.Color("#3B82F6")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary)

	mutedStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	successStyle = lipgloss.NewStyle().
			Foreground(colorSuccess)

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorError)

	warningStyle = lipgloss.NewStyle().
			Foreground(colorWarning)

	highlightStyle = lipgloss.NewStyle().
			Foreground(colorHighlight)

	// Indents message details under their headline.
	detailStyle = lipgloss.NewStyle().
			PaddingLeft(4)
)

func renderMilestone(m merge.Milestone) string {
	return mutedStyle.Render(fmt.Sprintf("[%d/%d]", int(m), int(merge.MilestoneDone))) + " " + m.String()
}

func renderError(err error) string {
	return errorStyle.Render("✗ Merge failed") + "\n" + detailStyle.Render(err.Error())
}

func renderSaved(path string, size int) string {
	return successStyle.Render("✓ Merged backup saved") + " " +
		highlightStyle.Render(path) + " " +
		mutedStyle.Render(fmt.Sprintf("(%d bytes)", size))
}

// renderMessages renders every diagnostic of a merge, one block each.
func renderMessages(messages []protocol.Message) string {
	if len(messages) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%d messages", len(messages))))
	b.WriteString("\n")
	for _, msg := range messages {
		b.WriteString(renderMessage(msg))
		b.WriteString("\n")
	}
	return b.String()
}

func renderMessage(msg protocol.Message) string {
	switch msg.Kind {
	case protocol.MessageKindError:
		return errorStyle.Render("✗ Error") + "\n" +
			detailStyle.Render(strings.Join(msg.ErrorLines(), "\n"))

	case protocol.MessageKindNoteUpdate:
		n := msg.NoteUpdate
		return warningStyle.Render("• Note updated") + "\n" +
			detailStyle.Render(
				"before: "+noteLine(n.Before)+"\n"+
					"after:  "+noteLine(n.After),
			)

	case protocol.MessageKindBookmarkOverflow:
		bm := msg.BookmarkOverflow
		detail := highlightStyle.Render(bm.Publication()) + " " + bm.Title
		if bm.Snippet != nil && *bm.Snippet != "" {
			detail += "\n" + mutedStyle.Render(*bm.Snippet)
		}
		return warningStyle.Render("• Bookmark dropped, no free slot") + "\n" +
			detailStyle.Render(detail)
	}
	return mutedStyle.Render(msg.Kind.String())
}

func noteLine(n protocol.NoteText) string {
	title := "(untitled)"
	if n.Title != nil && *n.Title != "" {
		title = *n.Title
	}
	return title + " " + mutedStyle.Render(n.Date)
}
