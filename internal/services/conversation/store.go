package conversation

import (
	"sync"
	"time"

	"github.com/breathai-tgbot-go/internal/middleware"
	"github.com/breathai-tgbot-go/internal/models"
)

// Store owns every piece of per-user state shared between workers: the
// rate-limit windows and the conversation histories. A single mutex guards
// both. Callers only ever receive copies, so nothing they do afterwards
// (including slow backend calls) runs under the lock.
type Store struct {
	mu          sync.Mutex
	limiter     *middleware.WindowLimiter
	histories   map[int64][]models.Message
	maxMessages int
	now         func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithMaxMessages keeps at most n turns per user, dropping the oldest.
// Zero keeps everything.
func WithMaxMessages(n int) Option {
	return func(s *Store) {
		s.maxMessages = n
	}
}

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a store around the given limiter
func NewStore(limiter *middleware.WindowLimiter, opts ...Option) *Store {
	s := &Store{
		limiter:   limiter,
		histories: make(map[int64][]models.Message),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Admit runs the rate-limit check for one inbound message.
func (s *Store) Admit(userID int64) middleware.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limiter.Admit(userID, s.now())
}

// GetOrCreate returns a copy of the user's history, creating an empty one
// on first contact.
func (s *Store) GetOrCreate(userID int64) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyMessages(s.historyLocked(userID))
}

// Append adds one turn to the user's history, dropping the oldest turns
// beyond the configured maximum.
func (s *Store) Append(userID int64, msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(userID, msg)
}

// Clear empties the user's history. The entry itself is kept.
func (s *Store) Clear(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories[userID] = []models.Message{}
}

// BeginExchange records the user's turn and returns the request payload for
// the backend: the system prompt followed by a snapshot of the history.
// It never evicts old turns, so Retract can restore the prior history
// exactly. Trimming waits for the reply to be committed with Append.
func (s *Store) BeginExchange(userID int64, text, systemPrompt string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.historyLocked(userID), models.Message{Role: models.RoleUser, Content: text})
	s.histories[userID] = history

	messages := make([]models.Message, 0, len(history)+1)
	messages = append(messages, models.Message{Role: models.RoleSystem, Content: systemPrompt})
	return append(messages, history...)
}

// Retract removes the most recent turn equal to msg, undoing a BeginExchange
// whose request never reached the backend. It reports whether a turn was
// removed.
func (s *Store) Retract(userID int64, msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.histories[userID]
	for i := len(history) - 1; i >= 0; i-- {
		if history[i] == msg {
			s.histories[userID] = append(history[:i:i], history[i+1:]...)
			return true
		}
	}
	return false
}

// ActiveUsers returns how many users have a history entry.
func (s *Store) ActiveUsers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.histories)
}

func (s *Store) historyLocked(userID int64) []models.Message {
	history, ok := s.histories[userID]
	if !ok {
		history = []models.Message{}
		s.histories[userID] = history
	}
	return history
}

func (s *Store) appendLocked(userID int64, msg models.Message) {
	history := append(s.historyLocked(userID), msg)
	if s.maxMessages > 0 && len(history) > s.maxMessages {
		history = append([]models.Message(nil), history[len(history)-s.maxMessages:]...)
	}
	s.histories[userID] = history
}

func copyMessages(in []models.Message) []models.Message {
	out := make([]models.Message, len(in))
	copy(out, in)
	return out
}
