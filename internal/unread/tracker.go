// Package unread tracks which chat conversations have activity the current user has not seen
// and raises one toast per conversation until it is read.
package unread

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/orbit/internal/chat"
	"github.com/MarcoPoloResearchLab/orbit/internal/directory"
	"go.uber.org/zap"
)

const (
	previewLimit       = 30
	previewEllipsis    = "..."
	fallbackUserName   = "Someone"
	fallbackGroupName  = "Group"
	directTitlePrefix  = "Nuevo mensaje de "
	groupTitlePrefix   = "Nuevo mensaje en "
	defaultStreamLimit = 50
	seenWindowSize     = 512
)

var (
	// ErrClosed is returned by operations on a tracker after Close.
	ErrClosed = errors.New("unread: tracker closed")

	errMissingCurrentUser = errors.New("unread: current user id is required")
	errMissingStream      = errors.New("unread: message stream is required")
	noOpLogger            = zap.NewNop()
)

// Stream is the live message feed the tracker observes.
type Stream interface {
	Subscribe(ctx context.Context, query chat.StreamQuery, onChange chat.ChangeHandler, onError chat.ErrorHandler) (chat.Unsubscribe, error)
}

// ConversationKind tells direct conversations from group conversations.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Toast is the transient notification raised when a conversation becomes unread.
type Toast struct {
	ConversationKey string           `json:"conversation_key"`
	Kind            ConversationKind `json:"kind"`
	Title           string           `json:"title"`
	Body            string           `json:"body"`
	MessageID       string           `json:"message_id"`
	Timestamp       time.Time        `json:"timestamp"`
}

// Notifier shows toasts to the user.
type Notifier interface {
	Notify(toast Toast)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(toast Toast)

func (f NotifierFunc) Notify(toast Toast) {
	f(toast)
}

// State is a point-in-time copy of the tracker state.
type State struct {
	Unread       []string  `json:"unread"`
	Active       string    `json:"active,omitempty"`
	SessionStart time.Time `json:"session_start"`
}

type Config struct {
	CurrentUserID string
	Stream        Stream
	Directory     directory.Source
	Notifier      Notifier
	Clock         func() time.Time
	Logger        *zap.Logger
	StreamLimit   int
	// StreamErrors is told about every delivery failure the stream reports. The tracker does not
	// reconnect by itself; hosts use this hook to call Resubscribe.
	StreamErrors func(err error)
}

// Tracker is the per-session unread state machine. Every state change happens under one mutex,
// so the membership test and the insertion that decide whether a toast fires are atomic.
type Tracker struct {
	currentUserID string
	stream        Stream
	source        directory.Source
	notifier      Notifier
	logger        *zap.Logger
	streamLimit   int
	sessionStart  time.Time
	streamErrors  func(err error)

	ctx    context.Context
	cancel context.CancelFunc

	directoryReady chan struct{}

	mu          sync.Mutex
	unread      map[string]struct{}
	active      string
	closed      bool
	directory   directory.Directory
	unsubscribe chat.Unsubscribe
	seen        *recentIDs
}

// New starts a tracker: it captures the session start, loads the directory in the background
// and subscribes to the stream. The tracker lives until Close or until ctx is done.
func New(ctx context.Context, cfg Config) (*Tracker, error) {
	currentUserID := strings.TrimSpace(cfg.CurrentUserID)
	if currentUserID == "" {
		return nil, errMissingCurrentUser
	}
	if cfg.Stream == nil {
		return nil, errMissingStream
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NotifierFunc(func(Toast) {})
	}
	streamLimit := cfg.StreamLimit
	if streamLimit <= 0 {
		streamLimit = defaultStreamLimit
	}

	trackerCtx, cancel := context.WithCancel(ctx)
	tracker := &Tracker{
		currentUserID: currentUserID,
		stream:        cfg.Stream,
		source:        cfg.Directory,
		notifier:      notifier,
		logger:        logger.With(zap.String("user_id", currentUserID)),
		streamLimit:   streamLimit,
		streamErrors:  cfg.StreamErrors,
		// Stored message timestamps have millisecond precision.
		sessionStart:   clock().UTC().Truncate(time.Millisecond),
		ctx:            trackerCtx,
		cancel:         cancel,
		directoryReady: make(chan struct{}),
		unread:         make(map[string]struct{}),
		seen:           newRecentIDs(seenWindowSize),
	}

	go tracker.loadDirectory()

	if err := tracker.Resubscribe(); err != nil {
		tracker.Close()
		return nil, err
	}
	return tracker, nil
}

// ConversationKey buckets a message: a message addressed to the current user belongs to the
// sender's direct conversation, anything else to the group it was addressed to.
func ConversationKey(message chat.Message, currentUserID string) (string, ConversationKind) {
	if message.ReceiverID == currentUserID {
		return message.SenderID, ConversationDirect
	}
	return message.ReceiverID, ConversationGroup
}

// HandleChanges applies one change batch from the stream. Only added records are observed.
// It never panics and never returns an error; failures are logged.
func (t *Tracker) HandleChanges(batch []chat.Change) {
	defer func() {
		if recovered := recover(); recovered != nil {
			t.logger.Error("unread tracker handler panicked", zap.Any("panic", recovered))
		}
	}()
	for _, toast := range t.observe(batch) {
		t.notify(toast)
	}
}

func (t *Tracker) observe(batch []chat.Change) []Toast {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	var toasts []Toast
	for _, change := range batch {
		if change.Kind != chat.ChangeAdded {
			continue
		}
		if toast, ok := t.observeMessageLocked(change.Message); ok {
			toasts = append(toasts, toast)
		}
	}
	return toasts
}

func (t *Tracker) observeMessageLocked(message chat.Message) (Toast, bool) {
	if message.Malformed() {
		t.logger.Warn("malformed chat message skipped",
			zap.String("message_id", message.ID),
			zap.Bool("has_sender", message.SenderID != ""),
			zap.Bool("has_receiver", message.ReceiverID != ""),
			zap.Bool("has_timestamp", !message.CreatedAt.IsZero()))
		return Toast{}, false
	}
	if message.ID != "" && !t.seen.add(message.ID) {
		return Toast{}, false
	}
	if message.SenderID == t.currentUserID {
		return Toast{}, false
	}
	if message.CreatedAt.Before(t.sessionStart) {
		return Toast{}, false
	}
	key, kind := ConversationKey(message, t.currentUserID)
	if key == t.active {
		return Toast{}, false
	}
	if _, already := t.unread[key]; already {
		return Toast{}, false
	}
	t.unread[key] = struct{}{}
	return t.buildToastLocked(key, kind, message), true
}

func (t *Tracker) buildToastLocked(key string, kind ConversationKind, message chat.Message) Toast {
	title := directTitlePrefix + t.displayNameLocked(key, fallbackUserName)
	if kind == ConversationGroup {
		title = groupTitlePrefix + t.displayNameLocked(key, fallbackGroupName)
	}
	return Toast{
		ConversationKey: key,
		Kind:            kind,
		Title:           title,
		Body:            Preview(message.Text),
		MessageID:       message.ID,
		Timestamp:       message.CreatedAt,
	}
}

func (t *Tracker) displayNameLocked(id, fallback string) string {
	if name, ok := t.directory.Name(id); ok {
		return name
	}
	return fallback
}

// Preview caps text at 30 characters, appending an ellipsis when it had to cut.
func Preview(text string) string {
	if utf8.RuneCountInString(text) <= previewLimit {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewLimit]) + previewEllipsis
}

func (t *Tracker) notify(toast Toast) {
	defer func() {
		if recovered := recover(); recovered != nil {
			t.logger.Error("toast notifier panicked",
				zap.String("conversation_key", toast.ConversationKey),
				zap.Any("panic", recovered))
		}
	}()
	t.notifier.Notify(toast)
}

// MarkAsRead makes key the active conversation and clears its unread flag.
func (t *Tracker) MarkAsRead(key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.active = key
	delete(t.unread, key)
}

// ClearActive records that no conversation is open.
func (t *Tracker) ClearActive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.active = ""
}

// UnreadConversations returns the unread conversation keys in sorted order.
func (t *Tracker) UnreadConversations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unreadLocked()
}

func (t *Tracker) unreadLocked() []string {
	keys := make([]string, 0, len(t.unread))
	for key := range t.unread {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ActiveConversation returns the conversation being viewed, if any.
func (t *Tracker) ActiveConversation() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active, t.active != ""
}

// Snapshot returns the unread set, the active conversation and the session start together.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{Unread: t.unreadLocked(), Active: t.active, SessionStart: t.sessionStart}
}

// Directory returns the directory loaded so far. It is empty until the load finishes.
func (t *Tracker) Directory() directory.Directory {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.directory
}

// DirectoryReady is closed once the directory load has finished, successfully or not.
func (t *Tracker) DirectoryReady() <-chan struct{} {
	return t.directoryReady
}

func (t *Tracker) loadDirectory() {
	defer close(t.directoryReady)
	if t.source == nil {
		return
	}
	loaded, err := directory.Load(t.ctx, t.source)
	if err != nil {
		t.logger.Warn("directory load incomplete", zap.Error(err), zap.Int("entries", loaded.Len()))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.directory = loaded
}

// Resubscribe replaces the stream subscription. Hosts call it after a delivery failure; the
// unread state is kept as it was.
func (t *Tracker) Resubscribe() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	previous := t.unsubscribe
	t.unsubscribe = nil
	t.mu.Unlock()
	if previous != nil {
		previous()
	}

	query := chat.StreamQuery{ViewerID: t.currentUserID, Limit: t.streamLimit}
	unsubscribe, err := t.stream.Subscribe(t.ctx, query, t.HandleChanges, t.handleStreamError)
	if err != nil {
		t.logger.Error("message stream subscription failed", zap.Error(err))
		return fmt.Errorf("unread: subscribe: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		unsubscribe()
		return ErrClosed
	}
	replaced := t.unsubscribe
	t.unsubscribe = unsubscribe
	t.mu.Unlock()
	if replaced != nil {
		replaced()
	}
	return nil
}

func (t *Tracker) handleStreamError(err error) {
	t.logger.Warn("message stream delivery failed", zap.Error(err))
	if t.streamErrors == nil || t.Closed() {
		return
	}
	t.streamErrors(err)
}

// Close releases the stream subscription. Later batches and a late directory load are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	unsubscribe := t.unsubscribe
	t.unsubscribe = nil
	t.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	t.cancel()
}

// Closed reports whether Close has been called.
func (t *Tracker) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// recentIDs remembers the last size message ids so a replayed snapshot does not notify twice.
type recentIDs struct {
	order []string
	set   map[string]struct{}
	next  int
}

func newRecentIDs(size int) *recentIDs {
	return &recentIDs{
		order: make([]string, size),
		set:   make(map[string]struct{}, size),
	}
}

// add records id and reports whether it was new.
func (r *recentIDs) add(id string) bool {
	if _, ok := r.set[id]; ok {
		return false
	}
	if evicted := r.order[r.next]; evicted != "" {
		delete(r.set, evicted)
	}
	r.order[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.order)
	return true
}
