package notes

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxIdentifierLength = 190
	maxNoteLength       = 8000
)

var (
	// ErrInvalidAuthorID indicates that the author identifier is empty or exceeds storage bounds.
	ErrInvalidAuthorID = errors.New("notes: invalid author id")
	// ErrInvalidSubjectID indicates that the CRM record identifier is empty or exceeds storage bounds.
	ErrInvalidSubjectID = errors.New("notes: invalid subject id")
	// ErrInvalidTargetID indicates that a mention target identifier is empty.
	ErrInvalidTargetID = errors.New("notes: invalid target id")
	// ErrInvalidText indicates that the note body is blank or too long.
	ErrInvalidText = errors.New("notes: invalid text")
)

// NoteDraft is the unvalidated input of CreateNote.
type NoteDraft struct {
	AuthorID  string `json:"author_id"`
	SubjectID string `json:"subject_id"`
	Text      string `json:"text"`
}

func (d NoteDraft) normalized() (NoteDraft, error) {
	author, err := normalizeIdentifier(d.AuthorID, ErrInvalidAuthorID)
	if err != nil {
		return NoteDraft{}, err
	}
	subject, err := normalizeIdentifier(d.SubjectID, ErrInvalidSubjectID)
	if err != nil {
		return NoteDraft{}, err
	}
	if strings.TrimSpace(d.Text) == "" {
		return NoteDraft{}, fmt.Errorf("%w: empty", ErrInvalidText)
	}
	if utf8.RuneCountInString(d.Text) > maxNoteLength {
		return NoteDraft{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidText, maxNoteLength)
	}
	return NoteDraft{AuthorID: author, SubjectID: subject, Text: d.Text}, nil
}

func normalizeIdentifier(raw string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// Note is a free-text annotation attached to a CRM record.
type Note struct {
	NoteID          string        `gorm:"column:note_id;primaryKey;size:190;not null" json:"note_id"`
	AuthorID        string        `gorm:"column:author_id;size:190;not null;index" json:"author_id"`
	SubjectID       string        `gorm:"column:subject_id;size:190;not null;index:idx_notes_subject_created,priority:1" json:"subject_id"`
	Text            string        `gorm:"column:text;type:text;not null" json:"text"`
	CreatedAtMillis int64         `gorm:"column:created_at_ms;not null;index:idx_notes_subject_created,priority:2" json:"created_at_ms"`
	Mentions        []NoteMention `gorm:"foreignKey:NoteID;references:NoteID;constraint:OnDelete:CASCADE" json:"mentions"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// NoteMention indexes one resolved mention target of a note.
type NoteMention struct {
	NoteID     string `gorm:"column:note_id;primaryKey;size:190;not null" json:"-"`
	TargetID   string `gorm:"column:target_id;primaryKey;size:190;not null;index" json:"target_id"`
	TargetKind string `gorm:"column:target_kind;size:16;not null" json:"target_kind"`
	TargetName string `gorm:"column:target_name;size:320;not null" json:"target_name"`
}

// TableName provides the explicit table binding for GORM.
func (NoteMention) TableName() string {
	return "note_mentions"
}

// Models lists the persisted note types for schema migration.
func Models() []any {
	return []any{&Note{}, &NoteMention{}}
}
