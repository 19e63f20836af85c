// Package dialogue wraps a conversational model and turns its token stream into
// interviewer reply chunks, each optionally carrying synthesized speech.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrConversationClosed is returned by SendTurn after Close.
var ErrConversationClosed = errors.New("conversation closed")

// Chat is one multi-turn conversation with a model. The implementation keeps history;
// Send only receives the new user input and yields text deltas of the reply.
type Chat interface {
	Send(ctx context.Context, text string) iter.Seq2[string, error]
}

// Model opens conversations primed with system instructions.
type Model interface {
	StartChat(ctx context.Context, instructions string) (Chat, error)
}

// Synthesizer converts reply text into playable audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Chunk is one piece of a streamed reply. Exactly one chunk per reply has Complete set,
// and it is the last one. Concluded is only ever set on that last chunk.
type Chunk struct {
	Text     string
	Audio    []byte
	Complete bool
	// Concluded reports that the reply contained the end marker.
	Concluded bool
}

// Engine creates conversations against a model, with optional speech synthesis.
type Engine struct {
	model     Model
	tts       Synthesizer
	kickoff   string
	endMarker string
	logger    *zap.Logger
}

// NewEngine creates a dialogue engine. tts may be nil to disable audio.
// kickoff is the instruction sent to open the interview before the candidate speaks.
func NewEngine(model Model, tts Synthesizer, kickoff string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{model: model, tts: tts, kickoff: kickoff, logger: logger}
}

// SetEndMarker sets the token the model emits to conclude the interview. It is removed from
// reply text before synthesis and reported through Chunk.Concluded. Empty disables it.
func (e *Engine) SetEndMarker(marker string) { e.endMarker = marker }

// Conversation is a handle on one ongoing dialogue. Turns are serialized.
type Conversation struct {
	chat      Chat
	tts       Synthesizer
	kickoff   string
	endMarker string
	logger    *zap.Logger

	mu     sync.Mutex
	closed bool
}

// StartConversation primes a new conversation with the persona instructions.
func (e *Engine) StartConversation(ctx context.Context, persona string) (*Conversation, error) {
	if strings.TrimSpace(persona) == "" {
		return nil, errors.New("dialogue: empty persona instructions")
	}
	chat, err := e.model.StartChat(ctx, persona)
	if err != nil {
		return nil, fmt.Errorf("start chat: %w", err)
	}
	return &Conversation{
		chat:      chat,
		tts:       e.tts,
		kickoff:   e.kickoff,
		endMarker: e.endMarker,
		logger:    e.logger,
	}, nil
}

// Open streams the interviewer's opening reply.
func (c *Conversation) Open(ctx context.Context) *Stream {
	return c.SendTurn(ctx, c.kickoff)
}

// SendTurn sends the candidate's utterance and returns the lazily produced reply.
// The caller must drain or Close the stream before sending the next turn.
func (c *Conversation) SendTurn(ctx context.Context, utterance string) *Stream {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return failedStream(ErrConversationClosed)
	}
	streamCtx, cancel := context.WithCancel(ctx)
	items := make(chan streamItem, 16)
	s := &Stream{items: items, cancel: cancel}
	go func() {
		defer c.mu.Unlock()
		defer close(items)
		c.produce(streamCtx, utterance, items)
	}()
	return s
}

// Close marks the conversation unusable. In-flight streams are canceled by their own Close.
func (c *Conversation) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Conversation) produce(ctx context.Context, utterance string, out chan<- streamItem) {
	var pending strings.Builder
	concluded := false
	emit := func(text string, complete bool) bool {
		if c.endMarker != "" && strings.Contains(text, c.endMarker) {
			text = strings.ReplaceAll(text, c.endMarker, "")
			concluded = true
		}
		if !complete && strings.TrimSpace(text) == "" {
			return true
		}
		chunk := Chunk{Text: text, Complete: complete, Concluded: complete && concluded}
		if c.tts != nil && strings.TrimSpace(text) != "" {
			audio, err := c.tts.Synthesize(ctx, strings.TrimSpace(text))
			if err != nil {
				if ctx.Err() != nil {
					return false
				}
				c.logger.Warn("speech synthesis failed", zap.Error(err))
			} else {
				chunk.Audio = audio
			}
		}
		select {
		case out <- streamItem{chunk: chunk}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for delta, err := range c.chat.Send(ctx, utterance) {
		if err != nil {
			select {
			case out <- streamItem{err: fmt.Errorf("dialogue stream: %w", err)}:
			case <-ctx.Done():
			}
			return
		}
		pending.WriteString(delta)
		for {
			sentence, rest, ok := cutSentence(pending.String())
			if !ok {
				break
			}
			pending.Reset()
			pending.WriteString(rest)
			if !emit(sentence, false) {
				return
			}
		}
	}
	if ctx.Err() != nil {
		return
	}
	emit(pending.String(), true)
}

// cutSentence splits off the first complete sentence, keeping its terminator and
// the whitespace that follows it. Newlines also end a sentence.
func cutSentence(s string) (sentence, rest string, ok bool) {
	for i, r := range s {
		switch r {
		case '.', '!', '?', '\n':
			end := i + 1
			// Require a following character so "3." in "3.5" is not cut mid-token.
			if end >= len(s) {
				return "", s, false
			}
			next := s[end]
			if r != '\n' && next != ' ' && next != '\n' {
				continue
			}
			for end < len(s) && (s[end] == ' ' || s[end] == '\n') {
				end++
			}
			return s[:end], s[end:], true
		}
	}
	return "", s, false
}
