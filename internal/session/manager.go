// Package session owns the per-user unread trackers of the running host and fans their toasts
// out to the connected clients of each user.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/internal/directory"
	"github.com/MarcoPoloResearchLab/orbit/internal/mentions"
	"github.com/MarcoPoloResearchLab/orbit/internal/realtime"
	"github.com/MarcoPoloResearchLab/orbit/internal/unread"
	"go.uber.org/zap"
)

const (
	defaultToastBuffer = 32
	defaultIdleTimeout = 30 * time.Minute
)

var (
	// ErrInvalidUser is returned when a session is requested without a user id.
	ErrInvalidUser = errors.New("session: user id is required")

	errMissingStream = errors.New("session: message stream is required")
	noOpLogger       = zap.NewNop()
)

// Login is one authenticated sign-in. ExpiresAt is the expiry of the session token; zero means
// the session only ends by Close or by idling.
type Login struct {
	UserID    string
	ExpiresAt time.Time
}

type ManagerConfig struct {
	Stream      unread.Stream
	Directory   directory.Source
	Clock       func() time.Time
	Logger      *zap.Logger
	StreamLimit int
	ToastBuffer int
	// IdleTimeout closes a session that saw no request and has no connected push client for
	// this long.
	IdleTimeout time.Duration
}

// Manager keeps at most one live Session per user. A session ends when its login expires, when
// it idles out, or on Close; the next Open then starts a fresh tracker.
type Manager struct {
	stream      unread.Stream
	source      directory.Source
	clock       func() time.Time
	logger      *zap.Logger
	streamLimit int
	idleTimeout time.Duration
	toasts      *realtime.Dispatcher[unread.Toast]

	// mu guards sessions and the lastSeen/expiresAt fields of every Session.
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Stream == nil {
		return nil, errMissingStream
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	toastBuffer := cfg.ToastBuffer
	if toastBuffer <= 0 {
		toastBuffer = defaultToastBuffer
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Manager{
		stream:      cfg.Stream,
		source:      cfg.Directory,
		clock:       clock,
		logger:      logger,
		streamLimit: cfg.StreamLimit,
		idleTimeout: idleTimeout,
		toasts:      realtime.NewDispatcher[unread.Toast](realtime.WithBufferSize(toastBuffer)),
		sessions:    make(map[string]*Session),
	}, nil
}

// Open returns the live session of login.UserID, or starts one with a fresh tracker when the
// user has none or the previous one expired. A later login of a live session extends its
// expiry. The tracker outlives ctx.
func (m *Manager) Open(ctx context.Context, login Login) (*Session, error) {
	login.UserID = strings.TrimSpace(login.UserID)
	if login.UserID == "" {
		return nil, ErrInvalidUser
	}

	now := m.clock()
	m.mu.Lock()
	if existing, ok := m.sessions[login.UserID]; ok && m.liveLocked(existing, now) {
		existing.renewLocked(login, now)
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	started, err := m.start(ctx, login, now)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	current, ok := m.sessions[login.UserID]
	if ok && m.liveLocked(current, now) {
		current.renewLocked(login, now)
		m.mu.Unlock()
		started.close()
		return current, nil
	}
	m.sessions[login.UserID] = started
	m.mu.Unlock()

	if ok {
		current.close()
		m.logger.Debug("session replaced", zap.String("user_id", login.UserID))
	}
	m.logger.Debug("session opened", zap.String("user_id", login.UserID))
	return started, nil
}

func (m *Manager) start(ctx context.Context, login Login, now time.Time) (*Session, error) {
	session := &Session{
		userID:    login.UserID,
		toasts:    m.toasts,
		logger:    m.logger.With(zap.String("user_id", login.UserID)),
		started:   make(chan struct{}),
		done:      make(chan struct{}),
		lastSeen:  now,
		expiresAt: login.ExpiresAt,
	}
	tracker, err := unread.New(context.WithoutCancel(ctx), unread.Config{
		CurrentUserID: login.UserID,
		Stream:        m.stream,
		Directory:     m.source,
		Notifier:      unread.NotifierFunc(m.publishToast(login.UserID)),
		Clock:         m.clock,
		Logger:        m.logger,
		StreamLimit:   m.streamLimit,
		StreamErrors:  session.recoverStream,
	})
	if err != nil {
		close(session.done)
		m.logger.Error("session open failed", zap.String("user_id", login.UserID), zap.Error(err))
		return nil, err
	}
	session.tracker = tracker
	close(session.started)
	return session, nil
}

func (m *Manager) publishToast(userID string) func(unread.Toast) {
	return func(toast unread.Toast) {
		delivered := m.toasts.Publish(userID, toast)
		m.logger.Debug("toast published",
			zap.String("user_id", userID),
			zap.String("conversation_key", toast.ConversationKey),
			zap.Int("clients", delivered))
	}
}

func (m *Manager) liveLocked(session *Session, now time.Time) bool {
	if !session.expiresAt.IsZero() && !now.Before(session.expiresAt) {
		return false
	}
	if now.Sub(session.lastSeen) < m.idleTimeout {
		return true
	}
	return m.toasts.SubscriberCount(session.userID) > 0
}

// Lookup returns the live session of userID.
func (m *Manager) Lookup(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[strings.TrimSpace(userID)]
	if !ok || !m.liveLocked(session, m.clock()) {
		return nil, false
	}
	return session, true
}

// Close stops the session of userID and reports whether one was open.
func (m *Manager) Close(userID string) bool {
	m.mu.Lock()
	session, ok := m.sessions[strings.TrimSpace(userID)]
	if ok {
		delete(m.sessions, session.userID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	session.close()
	m.logger.Debug("session closed", zap.String("user_id", session.userID))
	return true
}

// CloseAll stops every open session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for userID, session := range m.sessions {
		sessions = append(sessions, session)
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
	for _, session := range sessions {
		session.close()
	}
}

// Sweep closes every session whose login expired or that idled out, and returns how many it
// closed.
func (m *Manager) Sweep() int {
	now := m.clock()
	m.mu.Lock()
	var stale []*Session
	for userID, session := range m.sessions {
		if m.liveLocked(session, now) {
			continue
		}
		stale = append(stale, session)
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
	for _, session := range stale {
		session.close()
		m.logger.Debug("session expired", zap.String("user_id", session.userID))
	}
	return len(stale)
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if closed := m.Sweep(); closed > 0 {
				m.logger.Info("expired sessions closed", zap.Int("count", closed))
			}
		}
	}
}

// Len returns the number of sessions not yet swept.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Session is one user's tracker plus the toast feed of their connected clients.
type Session struct {
	userID  string
	tracker *unread.Tracker
	toasts  *realtime.Dispatcher[unread.Toast]
	logger  *zap.Logger

	lastSeen  time.Time
	expiresAt time.Time

	resubscribing atomic.Bool
	started       chan struct{}
	closeOnce     sync.Once
	done          chan struct{}
}

func (s *Session) UserID() string {
	return s.userID
}

func (s *Session) Tracker() *unread.Tracker {
	return s.tracker
}

// Resolver returns a mention resolver over the session directory. It waits for the directory
// load to finish, so a session opened by this very request still resolves names.
func (s *Session) Resolver(ctx context.Context) (*mentions.Resolver, error) {
	select {
	case <-s.tracker.DirectoryReady():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return mentions.NewResolver(s.tracker.Directory()), nil
}

// SubscribeToasts streams the toasts raised for this user until ctx is done or the cleanup runs.
func (s *Session) SubscribeToasts(ctx context.Context) (<-chan unread.Toast, func()) {
	return s.toasts.Subscribe(ctx, s.userID)
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) renewLocked(login Login, now time.Time) {
	s.lastSeen = now
	if login.ExpiresAt.After(s.expiresAt) {
		s.expiresAt = login.ExpiresAt
	}
}

// recoverStream resubscribes the tracker after a delivery failure. The snapshot replay brings
// back missed messages; the tracker skips the ones it already saw.
func (s *Session) recoverStream(err error) {
	if !s.resubscribing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.resubscribing.Store(false)
		select {
		case <-s.started:
		case <-s.done:
			return
		}
		if resubscribeErr := s.tracker.Resubscribe(); resubscribeErr != nil {
			if !errors.Is(resubscribeErr, unread.ErrClosed) {
				s.logger.Warn("stream resubscribe failed", zap.Error(resubscribeErr))
			}
			return
		}
		s.logger.Info("stream resubscribed", zap.NamedError("cause", err))
	}()
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		if s.tracker != nil {
			s.tracker.Close()
		}
		close(s.done)
	})
}
