package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "test:", time.Hour)
}

func TestMemory_AppendAndGet(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	if err := m.AppendTurn(ctx, "u-1", "conv-1", "Hello", "Hi there"); err != nil {
		t.Fatalf("appending: %v", err)
	}
	if err := m.AppendTurn(ctx, "u-1", "conv-1", "How are you?", "Fine"); err != nil {
		t.Fatalf("appending: %v", err)
	}

	msgs, err := m.GetRecentMessages(ctx, "u-1", "conv-1", 3)
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "Hello" {
		t.Errorf("first message = %+v, want user/Hello", msgs[0])
	}
	if msgs[3].Role != "assistant" || msgs[3].Content != "Fine" {
		t.Errorf("last message = %+v, want assistant/Fine", msgs[3])
	}
}

func TestMemory_TurnLimit(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := m.AppendTurn(ctx, "u-1", "conv-1",
			fmt.Sprintf("question %d", i), fmt.Sprintf("answer %d", i)); err != nil {
			t.Fatalf("appending turn %d: %v", i, err)
		}
	}

	// Asking for the last 3 turns returns 6 messages, the oldest dropped.
	msgs, err := m.GetRecentMessages(ctx, "u-1", "conv-1", 3)
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if len(msgs) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "question 2" {
		t.Errorf("oldest returned = %q, want %q", msgs[0].Content, "question 2")
	}
	if msgs[5].Content != "answer 4" {
		t.Errorf("newest returned = %q, want %q", msgs[5].Content, "answer 4")
	}
}

func TestMemory_IsolatedConversations(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	if err := m.AppendTurn(ctx, "u-1", "conv-a", "in a", "out a"); err != nil {
		t.Fatalf("appending: %v", err)
	}
	if err := m.AppendTurn(ctx, "u-2", "conv-a", "other user", "out"); err != nil {
		t.Fatalf("appending: %v", err)
	}

	msgs, err := m.GetRecentMessages(ctx, "u-1", "conv-a", 3)
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "in a" {
		t.Errorf("got %q, want %q", msgs[0].Content, "in a")
	}
}

func TestMemory_EmptyIdentifiers(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	// Missing user or conversation id is a no-op, not an error.
	if err := m.AppendTurn(ctx, "", "conv-1", "q", "a"); err != nil {
		t.Errorf("append with empty user: %v", err)
	}
	msgs, err := m.GetRecentMessages(ctx, "u-1", "", 3)
	if err != nil {
		t.Errorf("get with empty conversation: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no messages, got %d", len(msgs))
	}
}
