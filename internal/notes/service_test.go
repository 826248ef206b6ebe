package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/internal/directory"
	"github.com/MarcoPoloResearchLab/orbit/internal/ids"
	"github.com/MarcoPoloResearchLab/orbit/internal/mentions"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, logger *zap.Logger) *Service {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate notes schema: %v", err)
	}

	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			now = now.Add(time.Second)
			return now
		},
		IDProvider: ids.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}
	return service
}

func testResolver() *mentions.Resolver {
	return mentions.NewResolver(directory.New(
		directory.Entry{ID: "u1", Name: "Ana", Kind: directory.KindUser},
		directory.Entry{ID: "u2", Name: "Carlos Diaz", Kind: directory.KindUser},
		directory.Entry{ID: "g1", Name: "Ventas", Kind: directory.KindGroup},
	))
}

func TestCreateNoteIndexesResolvedMentions(t *testing.T) {
	service := newTestService(t, nil)
	ctx := context.Background()

	note, err := service.CreateNote(ctx, NoteDraft{
		AuthorID:  "me",
		SubjectID: "lead-42",
		Text:      "Revisa esto @Ana con @ventas y @Carlos Diaz, @ana",
	}, testResolver())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if len(note.Mentions) != 2 {
		t.Fatalf("expected two distinct mentions, got %#v", note.Mentions)
	}
	if note.Mentions[0].TargetID != "u1" || note.Mentions[1].TargetID != "g1" {
		t.Fatalf("unexpected mention order: %#v", note.Mentions)
	}
	if note.Mentions[1].TargetKind != string(directory.KindGroup) {
		t.Fatalf("expected group kind, got %q", note.Mentions[1].TargetKind)
	}

	listed, err := service.ListNotes(ctx, "lead-42")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 1 || len(listed[0].Mentions) != 2 {
		t.Fatalf("unexpected listed notes: %#v", listed)
	}
}

func TestListNotesNewestFirst(t *testing.T) {
	service := newTestService(t, nil)
	ctx := context.Background()

	for _, text := range []string{"primera", "segunda", "tercera"} {
		if _, err := service.CreateNote(ctx, NoteDraft{AuthorID: "me", SubjectID: "lead-1", Text: text}, testResolver()); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	if _, err := service.CreateNote(ctx, NoteDraft{AuthorID: "me", SubjectID: "lead-2", Text: "otra"}, testResolver()); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	listed, err := service.ListNotes(ctx, "lead-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("expected three notes, got %d", len(listed))
	}
	if listed[0].Text != "tercera" || listed[2].Text != "primera" {
		t.Fatalf("unexpected order: %q ... %q", listed[0].Text, listed[2].Text)
	}
}

func TestListMentioning(t *testing.T) {
	service := newTestService(t, nil)
	ctx := context.Background()

	drafts := []NoteDraft{
		{AuthorID: "me", SubjectID: "lead-1", Text: "@Ana llama al cliente"},
		{AuthorID: "me", SubjectID: "lead-2", Text: "sin menciones"},
		{AuthorID: "u2", SubjectID: "lead-3", Text: "cc @Ventas y @Ana"},
	}
	for _, draft := range drafts {
		if _, err := service.CreateNote(ctx, draft, testResolver()); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	mentioning, err := service.ListMentioning(ctx, "u1")
	if err != nil {
		t.Fatalf("list mentioning failed: %v", err)
	}
	if len(mentioning) != 2 {
		t.Fatalf("expected two notes mentioning u1, got %d", len(mentioning))
	}
	if mentioning[0].SubjectID != "lead-3" || mentioning[1].SubjectID != "lead-1" {
		t.Fatalf("unexpected order: %q, %q", mentioning[0].SubjectID, mentioning[1].SubjectID)
	}
	if len(mentioning[0].Mentions) != 2 {
		t.Fatalf("expected full mention list to be preloaded, got %#v", mentioning[0].Mentions)
	}
}

func TestCreateNoteValidatesDraft(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	service := newTestService(t, zap.New(core))
	ctx := context.Background()

	testCases := []struct {
		name   string
		draft  NoteDraft
		expect error
		code   string
	}{
		{name: "missing-author", draft: NoteDraft{SubjectID: "lead", Text: "x"}, expect: ErrInvalidAuthorID, code: "notes.create_note.invalid_draft"},
		{name: "missing-subject", draft: NoteDraft{AuthorID: "me", Text: "x"}, expect: ErrInvalidSubjectID, code: "notes.create_note.invalid_draft"},
		{name: "blank-text", draft: NoteDraft{AuthorID: "me", SubjectID: "lead", Text: "   "}, expect: ErrInvalidText, code: "notes.create_note.invalid_draft"},
		{name: "too-long", draft: NoteDraft{AuthorID: "me", SubjectID: "lead", Text: strings.Repeat("a", maxNoteLength+1)}, expect: ErrInvalidText, code: "notes.create_note.invalid_draft"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.CreateNote(ctx, testCase.draft, testResolver())
			if !errors.Is(err, testCase.expect) {
				t.Fatalf("expected %v, got %v", testCase.expect, err)
			}
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) || serviceErr.Code() != testCase.code {
				t.Fatalf("expected service error %q, got %v", testCase.code, err)
			}
		})
	}

	if _, err := service.CreateNote(ctx, NoteDraft{AuthorID: "me", SubjectID: "lead", Text: "x"}, nil); !errors.Is(err, errMissingResolver) {
		t.Fatalf("expected missing resolver error, got %v", err)
	}
	if logs.FilterField(zap.String("reason", "missing_resolver")).Len() != 1 {
		t.Fatalf("expected missing resolver to be logged")
	}
}

func TestListRequiresIdentifiers(t *testing.T) {
	service := newTestService(t, nil)
	if _, err := service.ListNotes(context.Background(), " "); !errors.Is(err, ErrInvalidSubjectID) {
		t.Fatalf("expected invalid subject, got %v", err)
	}
	if _, err := service.ListMentioning(context.Background(), ""); !errors.Is(err, ErrInvalidTargetID) {
		t.Fatalf("expected invalid target, got %v", err)
	}
}
