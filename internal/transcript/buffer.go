// Package transcript holds the append-only conversation log of one interview session.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/aura-interview/backend/internal/models"
)

// Buffer is an append-only, order-stamped list of turns. Safe for concurrent use.
type Buffer struct {
	mu    sync.RWMutex
	turns []models.Turn
	now   func() time.Time
}

// NewBuffer creates an empty transcript buffer.
func NewBuffer() *Buffer {
	return &Buffer{now: time.Now}
}

// Append stamps the next sequence number on a turn and stores it.
func (b *Buffer) Append(speaker models.Speaker, text string) models.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := models.Turn{
		Seq:     len(b.turns) + 1,
		Speaker: speaker,
		Text:    strings.TrimSpace(text),
		At:      b.now(),
	}
	b.turns = append(b.turns, t)
	return t
}

// Turns returns a copy of all turns in order.
func (b *Buffer) Turns() []models.Turn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.Turn, len(b.turns))
	copy(out, b.turns)
	return out
}

// Len returns the number of turns.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.turns)
}

// Count returns the number of turns by one speaker.
func (b *Buffer) Count(speaker models.Speaker) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, t := range b.turns {
		if t.Speaker == speaker {
			n++
		}
	}
	return n
}

// Text renders the durable, labeled form of the conversation.
func (b *Buffer) Text() string {
	return Render(b.Turns())
}

// Render serializes turns one per line as "Label: text".
func Render(turns []models.Turn) string {
	var sb strings.Builder
	for i, t := range turns {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(t.Speaker.Label())
		sb.WriteString(": ")
		sb.WriteString(t.Text)
	}
	return sb.String()
}
