package protocol

// Types shared between the merge module's JSON result and the host.

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BackupExtension is appended to a manifest name to form the archive file name.
const BackupExtension = ".jwlibrary"

// Manifest describes one backup archive.
type Manifest struct {
	Name           string         `json:"name"`
	CreationDate   string         `json:"creationDate"`
	Version        int            `json:"version"`
	Type           int            `json:"type"`
	UserDataBackup UserDataBackup `json:"userDataBackup"`
}

// UserDataBackup is the database part of a manifest.
type UserDataBackup struct {
	LastModifiedDate string `json:"lastModifiedDate"`
	DeviceName       string `json:"deviceName"`
	DatabaseName     string `json:"databaseName"`
	Hash             string `json:"hash"`
	SchemaVersion    int    `json:"schemaVersion"`
}

// FileName returns the archive file name for the manifest.
func (m *Manifest) FileName() string {
	return m.Name + BackupExtension
}

// ResultDocument is the JSON region of a merge result.
type ResultDocument struct {
	InputManifests []Manifest `json:"inputManifests"`
	ResultManifest *Manifest  `json:"resultManifest"`
	Messages       []Message  `json:"messages"`
}

// MessageKind tags a Message.
type MessageKind int

const (
	MessageKindError MessageKind = iota + 1
	MessageKindNoteUpdate
	MessageKindBookmarkOverflow
)

func (k MessageKind) String() string {
	switch k {
	case MessageKindError:
		return "error"
	case MessageKindNoteUpdate:
		return "noteUpdate"
	case MessageKindBookmarkOverflow:
		return "bookmarkOverflow"
	}
	return fmt.Sprintf("MessageKind(%d)", int(k))
}

// Message is a diagnostic from the merge. Exactly one payload field is set,
// according to Kind.
type Message struct {
	Kind MessageKind

	Error            string
	NoteUpdate       *NoteUpdate
	BookmarkOverflow *BookmarkOverflow
}

// NoteUpdate reports a note whose text changed between backups.
type NoteUpdate struct {
	Before NoteText `json:"before"`
	After  NoteText `json:"after"`
}

// NoteText is one side of a NoteUpdate.
type NoteText struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
	Date    string  `json:"date"`
}

// BookmarkOverflow reports a bookmark dropped because its publication had
// no free slot left.
type BookmarkOverflow struct {
	KeySymbol      *string `json:"key_symbol"`
	IssueTagNumber uint32  `json:"issue_tag_number"`
	Title          string  `json:"title"`
	Snippet        *string `json:"snippet"`
}

// Issue tags inside this open range are year*100+month.
const (
	issueTagLower = 195000
	issueTagUpper = 205000
)

// Publication renders the key symbol, with the month appended for issues.
func (b *BookmarkOverflow) Publication() string {
	symbol := ""
	if b.KeySymbol != nil {
		symbol = *b.KeySymbol
	}
	if b.IssueTagNumber > issueTagLower && b.IssueTagNumber < issueTagUpper {
		return fmt.Sprintf("%s.%d", symbol, b.IssueTagNumber%100)
	}
	return symbol
}

// ErrorLines splits an error message into its non-empty trimmed lines.
func (m *Message) ErrorLines() []string {
	var lines []string
	for _, line := range strings.Split(m.Error, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// UnmarshalJSON decodes the externally tagged form {"<kind>": payload}.
func (m *Message) UnmarshalJSON(data []byte) error {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("message: %w", err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("message: want exactly one tag, got %d", len(tagged))
	}

	for tag, payload := range tagged {
		switch tag {
		case "error":
			m.Kind = MessageKindError
			return json.Unmarshal(payload, &m.Error)
		case "noteUpdate":
			m.Kind = MessageKindNoteUpdate
			m.NoteUpdate = &NoteUpdate{}
			return json.Unmarshal(payload, m.NoteUpdate)
		case "bookmarkOverflow":
			m.Kind = MessageKindBookmarkOverflow
			m.BookmarkOverflow = &BookmarkOverflow{}
			return json.Unmarshal(payload, m.BookmarkOverflow)
		default:
			return fmt.Errorf("message: unknown tag %q", tag)
		}
	}
	return nil
}

// MarshalJSON encodes the externally tagged form.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case MessageKindError:
		return json.Marshal(map[string]string{"error": m.Error})
	case MessageKindNoteUpdate:
		return json.Marshal(map[string]*NoteUpdate{"noteUpdate": m.NoteUpdate})
	case MessageKindBookmarkOverflow:
		return json.Marshal(map[string]*BookmarkOverflow{"bookmarkOverflow": m.BookmarkOverflow})
	}
	return nil, fmt.Errorf("message: cannot encode kind %v", m.Kind)
}
