// Package llm adapts the Gemini API to the capabilities the interview core needs:
// multi-turn streaming chat, speech synthesis and structured generation.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/aura-interview/backend/internal/dialogue"
)

var (
	// ErrNoFunctionCall is returned when the model answers with free text instead of the requested call.
	ErrNoFunctionCall = errors.New("model returned no function call")
	// ErrNoAudio is returned when a speech response carries no inline audio.
	ErrNoAudio = errors.New("model returned no audio")
)

// Config selects models and voice.
type Config struct {
	APIKey          string
	DialogueModel   string
	StructuredModel string
	TTSModel        string
	Voice           string
	Temperature     float32
}

// Client is a thin wrapper over the genai client.
type Client struct {
	genai  *genai.Client
	cfg    Config
	logger *zap.Logger
}

// New creates a Gemini client.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key missing")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	logger.Info("Gemini client ready",
		zap.String("dialogue_model", cfg.DialogueModel),
		zap.String("structured_model", cfg.StructuredModel),
		zap.String("tts_model", cfg.TTSModel))
	return &Client{genai: gc, cfg: cfg, logger: logger}, nil
}

// StartChat opens a multi-turn chat primed with system instructions.
func (c *Client) StartChat(ctx context.Context, instructions string) (dialogue.Chat, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(instructions, genai.RoleUser),
	}
	if c.cfg.Temperature > 0 {
		cfg.Temperature = genai.Ptr(c.cfg.Temperature)
	}
	chat, err := c.genai.Chats.Create(ctx, c.cfg.DialogueModel, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return &chatSession{chat: chat}, nil
}

type chatSession struct {
	chat *genai.Chat
}

// Send streams text deltas of the model's reply. History is kept by the genai chat.
func (s *chatSession) Send(ctx context.Context, text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for resp, err := range s.chat.SendMessageStream(ctx, genai.Part{Text: text}) {
			if err != nil {
				yield("", err)
				return
			}
			if resp == nil {
				continue
			}
			if delta := resp.Text(); delta != "" {
				if !yield(delta, nil) {
					return
				}
			}
		}
	}
}

// Synthesize renders text to a WAV clip using the configured TTS model.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := c.genai.Models.GenerateContent(ctx, c.cfg.TTSModel, genai.Text(text), &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: c.cfg.Voice},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return WrapPCM16(part.InlineData.Data, speechSampleRate), nil
			}
		}
	}
	return nil, ErrNoAudio
}

// StructuredRequest asks the model to answer through a single function call whose
// arguments follow Schema.
type StructuredRequest struct {
	Model        string
	Name         string
	Description  string
	Instructions string
	Prompt       string
	Schema       *genai.Schema
}

// StructuredGenerator produces a structured object, or fails. It never returns free text.
type StructuredGenerator interface {
	GenerateStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error)
}

// GenerateStructured forces a function call and returns its arguments as JSON.
func (c *Client) GenerateStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.StructuredModel
	}
	cfg := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        req.Name,
				Description: req.Description,
				Parameters:  req.Schema,
			}},
		}},
		ToolConfig: &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode:                 genai.FunctionCallingConfigModeAny,
				AllowedFunctionNames: []string{req.Name},
			},
		},
	}
	if strings.TrimSpace(req.Instructions) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.Instructions, genai.RoleUser)
	}
	resp, err := c.genai.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", req.Name, err)
	}
	return ExtractCallArgs(resp.FunctionCalls(), req.Name)
}

// ExtractCallArgs returns the JSON arguments of the first call named name.
func ExtractCallArgs(calls []*genai.FunctionCall, name string) (json.RawMessage, error) {
	for _, call := range calls {
		if call == nil || call.Name != name {
			continue
		}
		raw, err := json.Marshal(call.Args)
		if err != nil {
			return nil, fmt.Errorf("marshal %s args: %w", name, err)
		}
		return raw, nil
	}
	return nil, ErrNoFunctionCall
}
