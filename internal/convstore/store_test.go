package convstore_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gong8/willow/internal/convstore"
)

func TestMemStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("ensure is idempotent", func(t *testing.T) {
		t.Parallel()
		s := convstore.NewMemStore()
		first, err := s.EnsureConversation(ctx, "c1")
		if err != nil {
			t.Fatalf("EnsureConversation: %v", err)
		}
		second, err := s.EnsureConversation(ctx, "c1")
		if err != nil {
			t.Fatalf("EnsureConversation again: %v", err)
		}
		if first.CreatedAt != second.CreatedAt {
			t.Fatal("second ensure recreated the conversation")
		}
	})

	t.Run("append and list messages", func(t *testing.T) {
		t.Parallel()
		s := convstore.NewMemStore()
		_, _ = s.EnsureConversation(ctx, "c1")

		if _, err := s.AppendMessage(ctx, convstore.Message{
			ConversationID: "c1",
			Role:           convstore.RoleUser,
			Content:        "My name is Alice",
		}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if _, err := s.AppendMessage(ctx, convstore.Message{
			ConversationID: "c1",
			Role:           convstore.RoleAssistant,
			Content:        "Nice to meet you, Alice.",
		}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}

		msgs, err := s.Messages(ctx, "c1")
		if err != nil {
			t.Fatalf("Messages: %v", err)
		}
		if len(msgs) != 2 || msgs[0].Role != convstore.RoleUser || msgs[1].Role != convstore.RoleAssistant {
			t.Fatalf("messages = %+v", msgs)
		}
		if msgs[0].ID == "" {
			t.Fatal("message id not assigned")
		}
	})

	t.Run("missing conversation", func(t *testing.T) {
		t.Parallel()
		s := convstore.NewMemStore()
		if _, err := s.Messages(ctx, "ghost"); !errors.Is(err, convstore.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := s.SetTitle(ctx, "ghost", "x"); !errors.Is(err, convstore.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("set title", func(t *testing.T) {
		t.Parallel()
		s := convstore.NewMemStore()
		_, _ = s.EnsureConversation(ctx, "c1")
		if err := s.SetTitle(ctx, "c1", "Trip planning"); err != nil {
			t.Fatalf("SetTitle: %v", err)
		}
		c, _ := s.GetConversation(ctx, "c1")
		if c.Title != "Trip planning" {
			t.Fatalf("Title = %q", c.Title)
		}
	})
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := convstore.OpenSQLite(t.TempDir() + "/conv.db")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	if _, err := s.EnsureConversation(ctx, "c1"); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	msg, err := s.AppendMessage(ctx, convstore.Message{
		ConversationID: "c1",
		Role:           convstore.RoleAssistant,
		Content:        "hello",
		ToolCalls:      []byte(`[{"id":"chat__t1","name":"search_nodes"}]`),
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if msg.ID == "" {
		t.Fatal("message id not assigned")
	}

	msgs, err := s.Messages(ctx, "c1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 || !strings.Contains(string(msgs[0].ToolCalls), "chat__t1") {
		t.Fatalf("messages = %+v", msgs)
	}

	if _, err := s.Messages(ctx, "ghost"); !errors.Is(err, convstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	convs, err := s.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 1 || convs[0].ID != "c1" {
		t.Fatalf("conversations = %+v", convs)
	}
}

func TestDeriveTitle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short message", "Plan my trip to Japan", "Plan my trip to Japan"},
		{"empty", "", "New conversation"},
		{"whitespace collapsed", "  hello\n\tworld  ", "hello world"},
		{
			"long message trimmed at word boundary",
			"I want to tell you about my very long and complicated history with gardening tools",
			"I want to tell you about my very long and…",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := convstore.DeriveTitle(tc.in); got != tc.want {
				t.Fatalf("DeriveTitle(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
