package assistant

import (
	"sync"

	"github.com/google/uuid"

	"codeagent/internal/models"
)

// Conversation is an ordered list of turns. Turns are only appended, except
// that the pending assistant turn has its content replaced as deltas arrive.
type Conversation struct {
	ID string

	mu    sync.Mutex
	turns []models.Turn
}

// NewConversation returns an empty conversation with a fresh id.
func NewConversation() *Conversation {
	return &Conversation{ID: uuid.NewString()}
}

// Turns returns a copy of the conversation so far.
func (c *Conversation) Turns() []models.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *Conversation) append(role models.Role, content string, pending bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.turns = append(c.turns, models.Turn{
		ID:      uuid.NewString(),
		Role:    role,
		Content: content,
		Pending: pending,
	})
	return len(c.turns) - 1
}

func (c *Conversation) replace(idx int, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns[idx].Content = content
}

func (c *Conversation) finish(idx int, content string, failed bool) models.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()

	turn := &c.turns[idx]
	turn.Content = content
	turn.Pending = false
	turn.Failed = failed
	return *turn
}
