// Package sessionsvc implements C8 Session Service: CRUD over Sessions,
// auto-title generation from the first user message, and the per-session
// write lock spec.md §5 requires to keep a session's transcript strictly
// ordered even when two requests for the same session race.
//
// The per-key mutex map is grounded on the teacher's
// internal/sessions.MemoryStore, which guards its whole session table with
// one sync.RWMutex; this service narrows that to one lock per session so
// concurrent requests against different sessions never contend.
package sessionsvc

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/hub/internal/storage"
	"github.com/haasonsaas/hub/pkg/hub"
)

const titleMaxLen = 60

// Service wraps the session and message stores with title generation and
// per-session serialization.
type Service struct {
	sessions *storage.SessionStore
	messages *storage.MessageStore

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(sessions *storage.SessionStore, messages *storage.MessageStore) *Service {
	return &Service{
		sessions: sessions,
		messages: messages,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Lock returns the mutex serializing writes to one session's transcript.
// Callers hold it for the duration of an agent loop run (spec.md §5: "a
// session-level write lock serializes message appends; requests for
// different sessions proceed concurrently").
func (s *Service) Lock(sessionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// Create opens a session, defaulting channel to "api" and channelID to
// deviceID when the caller doesn't supply them (spec.md §3 supplement).
func (s *Service) Create(ctx context.Context, deviceID, userID, channel, channelID string) (*hub.Session, error) {
	return s.sessions.Create(ctx, deviceID, userID, channel, channelID)
}

func (s *Service) Get(ctx context.Context, id string) (*hub.Session, error) {
	return s.sessions.Get(ctx, id)
}

// ListByUser returns a user's sessions ordered by last_activity desc (spec
// says to list recent activity first), paginated.
func (s *Service) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*hub.Session, error) {
	return s.sessions.ListByUser(ctx, userID, limit, offset)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.sessions.Delete(ctx, id)
}

// Rename sets a session's title explicitly, overriding any auto-derived
// title (spec.md §6: `PATCH /sessions/{id}` is the client-facing rename
// operation; §4.8 names rename as a C8 CRUD operation alongside Create,
// Get, ListByUser, Delete).
func (s *Service) Rename(ctx context.Context, session *hub.Session, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return hub.NewError(hub.KindValidationFailed, "title must not be empty")
	}
	if err := s.sessions.Rename(ctx, session.ID, title); err != nil {
		return err
	}
	session.Title = title
	return nil
}

func (s *Service) Messages(ctx context.Context, sessionID string) ([]*hub.Message, error) {
	return s.messages.ListBySession(ctx, sessionID)
}

// TouchAndMaybeTitle bumps last_activity and, the first time a session
// receives a user message, derives its title from that message (first ~60
// characters, trimmed on a word boundary where possible).
func (s *Service) TouchAndMaybeTitle(ctx context.Context, session *hub.Session, firstUserMessage string, now time.Time) error {
	if err := s.sessions.TouchActivity(ctx, session.ID, now); err != nil {
		return err
	}
	if session.Title != "" {
		return nil
	}
	history, err := s.messages.ListBySession(ctx, session.ID)
	if err != nil {
		return err
	}
	// Exactly one user message means the turn the caller just ran (its user
	// message plus whatever replies the agent loop appended) is the
	// session's first: this is the moment to title it.
	userMessages := 0
	for _, m := range history {
		if m.Role == hub.RoleUser {
			userMessages++
		}
	}
	if userMessages != 1 {
		return nil
	}
	title := deriveTitle(firstUserMessage)
	if title == "" {
		return nil
	}
	session.Title = title
	return s.sessions.Rename(ctx, session.ID, title)
}

func deriveTitle(message string) string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) <= titleMaxLen {
		return trimmed
	}
	cut := trimmed[:titleMaxLen]
	if idx := strings.LastIndexByte(cut, ' '); idx > titleMaxLen/2 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut) + "…"
}
