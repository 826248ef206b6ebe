package chat

import (
	"errors"
	"time"
)

const (
	maxIdentifierLength = 190
	maxMessageLength    = 4000
	maxGroupNameLength  = 120
)

var (
	// ErrInvalidSender indicates an empty or oversized sender identifier.
	ErrInvalidSender = errors.New("chat: invalid sender")
	// ErrInvalidReceiver indicates an empty or oversized receiver identifier.
	ErrInvalidReceiver = errors.New("chat: invalid receiver")
	// ErrInvalidText indicates an empty or oversized message body.
	ErrInvalidText = errors.New("chat: invalid message text")
	// ErrInvalidGroupName indicates an empty or oversized group name.
	ErrInvalidGroupName = errors.New("chat: invalid group name")
	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = errors.New("chat: message not found")
	// ErrGroupNotFound indicates the group does not exist.
	ErrGroupNotFound = errors.New("chat: group not found")
	// ErrNotAuthor indicates a caller tried to change someone else's message.
	ErrNotAuthor = errors.New("chat: not the message author")
	// ErrNotGroupMember indicates the sender does not belong to the target group.
	ErrNotGroupMember = errors.New("chat: not a group member")
	// ErrChangesDropped is reported to a subscriber that fell behind and missed live changes.
	// The subscriber has to resubscribe to catch up.
	ErrChangesDropped = errors.New("chat: live changes dropped")
)

// Message is the immutable view of a chat message handed to stream subscribers.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// Malformed reports whether the message lacks an author, an addressee, or a timestamp.
func (m Message) Malformed() bool {
	return m.SenderID == "" || m.ReceiverID == "" || m.CreatedAt.IsZero()
}

// ChangeKind tags a record in a change batch.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is one record of a change batch.
type Change struct {
	Kind    ChangeKind `json:"kind"`
	Message Message    `json:"message"`
}

// StreamQuery selects the newest Limit messages visible to ViewerID.
type StreamQuery struct {
	ViewerID string
	Limit    int
}

// ChangeHandler receives change batches in delivery order.
type ChangeHandler func(batch []Change)

// ErrorHandler receives delivery failures. The subscription stays open after a failure.
type ErrorHandler func(err error)

// Unsubscribe ends a subscription. It is safe to call more than once.
type Unsubscribe func()

type messageRecord struct {
	MessageID       string `gorm:"column:message_id;primaryKey;size:190;not null"`
	SenderID        string `gorm:"column:sender_id;size:190;not null;index:idx_chat_messages_sender"`
	ReceiverID      string `gorm:"column:receiver_id;size:190;not null;index:idx_chat_messages_receiver"`
	Body            string `gorm:"column:body;type:text;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_chat_messages_created"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

func (messageRecord) TableName() string {
	return "chat_messages"
}

func (r messageRecord) toMessage() Message {
	return Message{
		ID:         r.MessageID,
		SenderID:   r.SenderID,
		ReceiverID: r.ReceiverID,
		Text:       r.Body,
		CreatedAt:  time.UnixMilli(r.CreatedAtMillis).UTC(),
	}
}

// Group is a named conversation with members.
type Group struct {
	GroupID          string `gorm:"column:group_id;primaryKey;size:190;not null" json:"group_id"`
	Name             string `gorm:"column:name;size:120;not null" json:"name"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null" json:"owner_id"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null" json:"created_at_s"`
}

func (Group) TableName() string {
	return "chat_groups"
}

// GroupMember links a user to a group.
type GroupMember struct {
	GroupID         string `gorm:"column:group_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_chat_group_members_user"`
	JoinedAtSeconds int64  `gorm:"column:joined_at_s;not null"`
}

func (GroupMember) TableName() string {
	return "chat_group_members"
}

// Models lists the persisted chat models for schema migration.
func Models() []any {
	return []any{&messageRecord{}, &Group{}, &GroupMember{}}
}
