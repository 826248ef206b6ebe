// Package notes stores CRM notes and indexes the directory entries they mention.
package notes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/internal/directory"
	"github.com/MarcoPoloResearchLab/orbit/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingResolver   = errors.New("mention resolver is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "notes.service.new"
	opCreateNote      = "notes.create_note"
	opListNotes       = "notes.list_notes"
	opListMentioning  = "notes.list_mentioning"
	defaultListLimit  = 100
	mentionsAssocName = "Mentions"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// MentionResolver turns note text into the directory entries it mentions.
type MentionResolver interface {
	ResolvedTargets(text string) []directory.Entry
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateNote persists the note together with its resolved mention targets in one transaction.
func (s *Service) CreateNote(ctx context.Context, draft NoteDraft, resolver MentionResolver) (Note, error) {
	if resolver == nil {
		s.logError(opCreateNote, "missing_resolver", errMissingResolver)
		return Note{}, newServiceError(opCreateNote, "missing_resolver", errMissingResolver)
	}
	valid, err := draft.normalized()
	if err != nil {
		return Note{}, newServiceError(opCreateNote, "invalid_draft", err)
	}

	noteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateNote, "id_generation_failed", err, zap.String("author_id", valid.AuthorID))
		return Note{}, newServiceError(opCreateNote, "id_generation_failed", err)
	}

	note := Note{
		NoteID:          noteID,
		AuthorID:        valid.AuthorID,
		SubjectID:       valid.SubjectID,
		Text:            valid.Text,
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
	}
	for _, target := range resolver.ResolvedTargets(valid.Text) {
		note.Mentions = append(note.Mentions, NoteMention{
			NoteID:     noteID,
			TargetID:   target.ID,
			TargetKind: string(target.Kind),
			TargetName: target.Name,
		})
	}

	if err := s.db.WithContext(ctx).Create(&note).Error; err != nil {
		s.logError(opCreateNote, "note_insert_failed", err,
			zap.String("note_id", noteID),
			zap.String("subject_id", valid.SubjectID))
		return Note{}, newServiceError(opCreateNote, "note_insert_failed", err)
	}
	if note.Mentions == nil {
		note.Mentions = []NoteMention{}
	}
	return note, nil
}

// ListNotes returns the notes of a CRM record, newest first.
func (s *Service) ListNotes(ctx context.Context, subjectID string) ([]Note, error) {
	subject, err := normalizeIdentifier(subjectID, ErrInvalidSubjectID)
	if err != nil {
		return nil, newServiceError(opListNotes, "invalid_subject", err)
	}

	var notes []Note
	if err := s.db.WithContext(ctx).
		Preload(mentionsAssocName).
		Where("subject_id = ?", subject).
		Order("created_at_ms DESC").
		Order("note_id DESC").
		Limit(defaultListLimit).
		Find(&notes).Error; err != nil {
		s.logError(opListNotes, "query_failed", err, zap.String("subject_id", subject))
		return nil, newServiceError(opListNotes, "query_failed", err)
	}
	return notes, nil
}

// ListMentioning returns the notes that mention targetID, newest first.
func (s *Service) ListMentioning(ctx context.Context, targetID string) ([]Note, error) {
	target, err := normalizeIdentifier(targetID, ErrInvalidTargetID)
	if err != nil {
		return nil, newServiceError(opListMentioning, "invalid_target", err)
	}

	var notes []Note
	if err := s.db.WithContext(ctx).
		Preload(mentionsAssocName).
		Joins("JOIN note_mentions ON note_mentions.note_id = notes.note_id").
		Where("note_mentions.target_id = ?", target).
		Order("notes.created_at_ms DESC").
		Order("notes.note_id DESC").
		Limit(defaultListLimit).
		Find(&notes).Error; err != nil {
		s.logError(opListMentioning, "query_failed", err, zap.String("target_id", target))
		return nil, newServiceError(opListMentioning, "query_failed", err)
	}
	return notes, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
