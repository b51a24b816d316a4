package convstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory [Store]. It backs tests and is the
// fallback when no database is configured.
type MemStore struct {
	mu            sync.RWMutex
	conversations map[string]Conversation
	messages      map[string][]Message

	now func() time.Time
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
		now:           time.Now,
	}
}

// EnsureConversation implements [Store.EnsureConversation].
func (s *MemStore) EnsureConversation(ctx context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.conversations[id]; ok {
		return c, nil
	}
	now := s.now().UTC()
	c := Conversation{ID: id, CreatedAt: now, UpdatedAt: now}
	s.conversations[id] = c
	return c, nil
}

// GetConversation implements [Store.GetConversation].
func (s *MemStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

// ListConversations implements [Store.ListConversations].
func (s *MemStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// AppendMessage implements [Store.AppendMessage].
func (s *MemStore) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return Message{}, ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)

	c.UpdatedAt = s.now().UTC()
	s.conversations[msg.ConversationID] = c
	return msg, nil
}

// Messages implements [Store.Messages].
func (s *MemStore) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	return append([]Message(nil), s.messages[conversationID]...), nil
}

// SetTitle implements [Store.SetTitle].
func (s *MemStore) SetTitle(ctx context.Context, conversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.Title = title
	c.UpdatedAt = s.now().UTC()
	s.conversations[conversationID] = c
	return nil
}

// Close implements [Store.Close].
func (s *MemStore) Close() error { return nil }
