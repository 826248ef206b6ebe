package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/orbit/internal/directory"
	"github.com/MarcoPoloResearchLab/orbit/internal/ids"
	"github.com/MarcoPoloResearchLab/orbit/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew     = "chat.service.new"
	opSendMessage    = "chat.send_message"
	opEditMessage    = "chat.edit_message"
	opDeleteMessage  = "chat.delete_message"
	opCreateGroup    = "chat.create_group"
	opAddMember      = "chat.add_member"
	opListGroups     = "chat.list_groups"
	opListRecent     = "chat.list_recent"
	opSubscribe      = "chat.subscribe"
	opRelayPublish   = "chat.relay_publish"
	changesTopic     = "chat-changes"
	defaultLimit     = 50
	maxLimit         = 500
	changeBufferSize = 256
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingViewer     = errors.New("viewer identifier is required")
	errMissingHandler    = errors.New("change handler is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable operation.reason code next to the cause.
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

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// Relay forwards locally produced changes to other service instances.
type Relay interface {
	Publish(ctx context.Context, change Change) error
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
	Relay      Relay
}

// Service is the chat document store: it persists messages and groups and streams message
// changes to subscribers.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
	relay      Relay
	changes    *realtime.Dispatcher[Change]
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
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
		relay:      cfg.Relay,
		changes:    realtime.NewDispatcher[Change](realtime.WithBufferSize(changeBufferSize)),
	}, nil
}

// SendMessage stores a message from senderID to a user or group and streams it as added.
func (s *Service) SendMessage(ctx context.Context, senderID, receiverID, text string) (Message, error) {
	sender, err := normalizeIdentifier(senderID, ErrInvalidSender)
	if err != nil {
		return Message{}, newServiceError(opSendMessage, "invalid_sender", err)
	}
	receiver, err := normalizeIdentifier(receiverID, ErrInvalidReceiver)
	if err != nil {
		return Message{}, newServiceError(opSendMessage, "invalid_receiver", err)
	}
	if err := validateText(text); err != nil {
		return Message{}, newServiceError(opSendMessage, "invalid_text", err)
	}

	isGroup, isMember, err := s.groupMembership(ctx, receiver, sender)
	if err != nil {
		s.logError(opSendMessage, "membership_lookup_failed", err, zap.String("receiver_id", receiver))
		return Message{}, newServiceError(opSendMessage, "membership_lookup_failed", err)
	}
	if isGroup && !isMember {
		return Message{}, newServiceError(opSendMessage, "not_group_member", ErrNotGroupMember)
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSendMessage, "id_generation_failed", err)
		return Message{}, newServiceError(opSendMessage, "id_generation_failed", err)
	}
	now := s.clock().UTC().UnixMilli()
	record := messageRecord{
		MessageID:       messageID,
		SenderID:        sender,
		ReceiverID:      receiver,
		Body:            text,
		CreatedAtMillis: now,
		UpdatedAtMillis: now,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opSendMessage, "insert_failed", err, zap.String("sender_id", sender))
		return Message{}, newServiceError(opSendMessage, "insert_failed", err)
	}

	message := record.toMessage()
	s.publish(ctx, Change{Kind: ChangeAdded, Message: message})
	return message, nil
}

// EditMessage replaces the body of a message written by editorID and streams it as modified.
func (s *Service) EditMessage(ctx context.Context, editorID, messageID, text string) (Message, error) {
	if err := validateText(text); err != nil {
		return Message{}, newServiceError(opEditMessage, "invalid_text", err)
	}
	var record messageRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.loadOwnedMessage(tx, editorID, messageID, &record); err != nil {
			return err
		}
		record.Body = text
		record.UpdatedAtMillis = s.clock().UTC().UnixMilli()
		return tx.Save(&record).Error
	})
	if txErr != nil {
		return Message{}, s.wrapOwnedError(opEditMessage, txErr, messageID)
	}
	message := record.toMessage()
	s.publish(ctx, Change{Kind: ChangeModified, Message: message})
	return message, nil
}

// DeleteMessage removes a message written by editorID and streams it as removed.
func (s *Service) DeleteMessage(ctx context.Context, editorID, messageID string) error {
	var record messageRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.loadOwnedMessage(tx, editorID, messageID, &record); err != nil {
			return err
		}
		return tx.Delete(&messageRecord{}, "message_id = ?", record.MessageID).Error
	})
	if txErr != nil {
		return s.wrapOwnedError(opDeleteMessage, txErr, messageID)
	}
	s.publish(ctx, Change{Kind: ChangeRemoved, Message: record.toMessage()})
	return nil
}

// CreateGroup stores a group owned by ownerID. The owner is always a member.
func (s *Service) CreateGroup(ctx context.Context, ownerID, name string, memberIDs []string) (Group, error) {
	owner, err := normalizeIdentifier(ownerID, ErrInvalidSender)
	if err != nil {
		return Group{}, newServiceError(opCreateGroup, "invalid_owner", err)
	}
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" || utf8.RuneCountInString(trimmedName) > maxGroupNameLength {
		return Group{}, newServiceError(opCreateGroup, "invalid_name", ErrInvalidGroupName)
	}
	groupID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateGroup, "id_generation_failed", err)
		return Group{}, newServiceError(opCreateGroup, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	group := Group{GroupID: groupID, Name: trimmedName, OwnerID: owner, CreatedAtSeconds: now}
	members := []GroupMember{{GroupID: groupID, UserID: owner, JoinedAtSeconds: now}}
	seen := map[string]struct{}{owner: {}}
	for _, raw := range memberIDs {
		memberID, err := normalizeIdentifier(raw, ErrInvalidReceiver)
		if err != nil {
			return Group{}, newServiceError(opCreateGroup, "invalid_member", err)
		}
		if _, dup := seen[memberID]; dup {
			continue
		}
		seen[memberID] = struct{}{}
		members = append(members, GroupMember{GroupID: groupID, UserID: memberID, JoinedAtSeconds: now})
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&group).Error; err != nil {
			return err
		}
		return tx.Create(&members).Error
	})
	if txErr != nil {
		s.logError(opCreateGroup, "insert_failed", txErr, zap.String("owner_id", owner))
		return Group{}, newServiceError(opCreateGroup, "insert_failed", txErr)
	}
	return group, nil
}

// AddMember adds userID to an existing group. Adding an existing member is a no-op.
func (s *Service) AddMember(ctx context.Context, groupID, userID string) error {
	member, err := normalizeIdentifier(userID, ErrInvalidReceiver)
	if err != nil {
		return newServiceError(opAddMember, "invalid_member", err)
	}
	var group Group
	err = s.db.WithContext(ctx).Where("group_id = ?", strings.TrimSpace(groupID)).Take(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opAddMember, "group_not_found", ErrGroupNotFound)
	}
	if err != nil {
		s.logError(opAddMember, "group_lookup_failed", err, zap.String("group_id", groupID))
		return newServiceError(opAddMember, "group_lookup_failed", err)
	}
	record := GroupMember{GroupID: group.GroupID, UserID: member, JoinedAtSeconds: s.clock().UTC().Unix()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
		s.logError(opAddMember, "insert_failed", err, zap.String("group_id", group.GroupID))
		return newServiceError(opAddMember, "insert_failed", err)
	}
	return nil
}

// ListGroups returns every group ordered by creation.
func (s *Service) ListGroups(ctx context.Context) ([]Group, error) {
	var groups []Group
	if err := s.db.WithContext(ctx).Order("created_at_s ASC, group_id ASC").Find(&groups).Error; err != nil {
		s.logError(opListGroups, "query_failed", err)
		return nil, newServiceError(opListGroups, "query_failed", err)
	}
	return groups, nil
}

// ListDirectoryGroups exposes the groups as directory entries.
func (s *Service) ListDirectoryGroups(ctx context.Context) ([]directory.Entry, error) {
	groups, err := s.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]directory.Entry, 0, len(groups))
	for _, group := range groups {
		entries = append(entries, directory.Entry{ID: group.GroupID, Name: group.Name, Kind: directory.KindGroup})
	}
	return entries, nil
}

// GroupsOf returns the ids of the groups userID belongs to.
func (s *Service) GroupsOf(ctx context.Context, userID string) ([]string, error) {
	var groupIDs []string
	err := s.db.WithContext(ctx).
		Model(&GroupMember{}).
		Where("user_id = ?", userID).
		Order("group_id ASC").
		Pluck("group_id", &groupIDs).Error
	if err != nil {
		return nil, err
	}
	return groupIDs, nil
}

// ListRecent returns the newest messages visible to the viewer, newest first: messages the
// viewer sent, received directly, or that were addressed to one of the viewer's groups.
func (s *Service) ListRecent(ctx context.Context, query StreamQuery) ([]Message, error) {
	viewer := strings.TrimSpace(query.ViewerID)
	if viewer == "" {
		return nil, newServiceError(opListRecent, "missing_viewer", errMissingViewer)
	}
	groupIDs, err := s.GroupsOf(ctx, viewer)
	if err != nil {
		s.logError(opListRecent, "membership_lookup_failed", err, zap.String("viewer_id", viewer))
		return nil, newServiceError(opListRecent, "membership_lookup_failed", err)
	}

	statement := s.db.WithContext(ctx).Where("sender_id = ? OR receiver_id = ?", viewer, viewer)
	if len(groupIDs) > 0 {
		statement = s.db.WithContext(ctx).
			Where("sender_id = ? OR receiver_id = ? OR receiver_id IN ?", viewer, viewer, groupIDs)
	}
	var records []messageRecord
	if err := statement.
		Order("created_at_ms DESC, message_id DESC").
		Limit(clampLimit(query.Limit)).
		Find(&records).Error; err != nil {
		s.logError(opListRecent, "query_failed", err, zap.String("viewer_id", viewer))
		return nil, newServiceError(opListRecent, "query_failed", err)
	}

	messages := make([]Message, 0, len(records))
	for _, record := range records {
		messages = append(messages, record.toMessage())
	}
	return messages, nil
}

// DeliverRemote streams a change produced by another instance to local subscribers only.
func (s *Service) DeliverRemote(change Change) {
	s.deliverLocal(change)
}

func (s *Service) publish(ctx context.Context, change Change) {
	s.deliverLocal(change)
	if s.relay == nil {
		return
	}
	if err := s.relay.Publish(ctx, change); err != nil {
		s.logError(opRelayPublish, "publish_failed", err, zap.String("message_id", change.Message.ID))
	}
}

func (s *Service) deliverLocal(change Change) {
	expected := s.changes.SubscriberCount(changesTopic)
	delivered := s.changes.Publish(changesTopic, change)
	if delivered < expected {
		s.loggerOrDefault().Debug("chat change dropped for slow subscriber",
			zap.String("message_id", change.Message.ID),
			zap.Int("delivered", delivered),
			zap.Int("subscribers", expected))
	}
}

func (s *Service) groupMembership(ctx context.Context, groupID, userID string) (bool, bool, error) {
	var groupCount int64
	if err := s.db.WithContext(ctx).Model(&Group{}).Where("group_id = ?", groupID).Count(&groupCount).Error; err != nil {
		return false, false, err
	}
	if groupCount == 0 {
		return false, false, nil
	}
	var memberCount int64
	if err := s.db.WithContext(ctx).
		Model(&GroupMember{}).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Count(&memberCount).Error; err != nil {
		return true, false, err
	}
	return true, memberCount > 0, nil
}

func (s *Service) loadOwnedMessage(tx *gorm.DB, editorID, messageID string, record *messageRecord) error {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("message_id = ?", strings.TrimSpace(messageID)).
		Take(record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrMessageNotFound
	}
	if err != nil {
		return err
	}
	if record.SenderID != strings.TrimSpace(editorID) {
		return ErrNotAuthor
	}
	return nil
}

func (s *Service) wrapOwnedError(operation string, err error, messageID string) error {
	switch {
	case errors.Is(err, ErrMessageNotFound):
		return newServiceError(operation, "message_not_found", err)
	case errors.Is(err, ErrNotAuthor):
		return newServiceError(operation, "not_author", err)
	default:
		s.logError(operation, "update_failed", err, zap.String("message_id", messageID))
		return newServiceError(operation, "update_failed", err)
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
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
	s.loggerOrDefault().Error("chat service error", attrs...)
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

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidText)
	}
	if utf8.RuneCountInString(text) > maxMessageLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidText, maxMessageLength)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
