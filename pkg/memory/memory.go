// Package memory stores conversation history in Redis lists so the worker
// can prepend recent turns to a prompt.
//
// One list per (user, conversation) pair at {prefix}conv:{user}:{convID}.
// Each element is one JSON message {role, content}; a turn appends two
// elements (user then assistant). The list is trimmed to a fixed cap and
// refreshed with a TTL on every append, so idle conversations age out on
// their own.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxStoredMessages caps the list length. 20 turns is far more than the
// worker ever injects; the cap just stops unbounded growth.
const maxStoredMessages = 40

// Message is one conversation entry.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Memory reads and appends conversation turns.
type Memory struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New creates a conversation memory. ttl bounds how long an idle
// conversation is retained; 0 means forever.
func New(client *redis.Client, prefix string, ttl time.Duration) *Memory {
	return &Memory{client: client, prefix: prefix, ttl: ttl}
}

func (m *Memory) key(user, conversationID string) string {
	return m.prefix + "conv:" + user + ":" + conversationID
}

// GetRecentMessages returns up to the last `turns` conversation turns as an
// ordered list of messages, oldest first. A turn is a user/assistant pair,
// so the result holds at most turns*2 messages.
func (m *Memory) GetRecentMessages(ctx context.Context, user, conversationID string, turns int) ([]Message, error) {
	if user == "" || conversationID == "" || turns <= 0 {
		return nil, nil
	}

	raw, err := m.client.LRange(ctx, m.key(user, conversationID), int64(-turns*2), -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading conversation %s: %w", conversationID, err)
	}

	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue // Skip entries written by an older format
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// AppendTurn records one completed exchange. Empty assistant text is stored
// as-is; a failed generation still counts as a turn.
func (m *Memory) AppendTurn(ctx context.Context, user, conversationID, userText, assistantText string) error {
	if user == "" || conversationID == "" {
		return nil
	}

	userMsg, err := json.Marshal(Message{Role: "user", Content: userText})
	if err != nil {
		return fmt.Errorf("marshaling user message: %w", err)
	}
	asstMsg, err := json.Marshal(Message{Role: "assistant", Content: assistantText})
	if err != nil {
		return fmt.Errorf("marshaling assistant message: %w", err)
	}

	key := m.key(user, conversationID)
	pipe := m.client.TxPipeline()
	pipe.RPush(ctx, key, userMsg, asstMsg)
	pipe.LTrim(ctx, key, -maxStoredMessages, -1)
	if m.ttl > 0 {
		pipe.Expire(ctx, key, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending turn to conversation %s: %w", conversationID, err)
	}
	return nil
}
