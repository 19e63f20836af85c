// Package evaluator scores one candidate answer against the question that prompted it.
package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/aura-interview/backend/internal/llm"
	"github.com/aura-interview/backend/internal/models"
)

const functionName = "record_evaluation"

// ErrMalformed is returned when the model's result does not have the evaluation shape.
var ErrMalformed = errors.New("malformed evaluation")

// Engine runs one structured model call per answer.
type Engine struct {
	gen          llm.StructuredGenerator
	instructions string
	model        string
	timeout      time.Duration
	logger       *zap.Logger
}

// NewEngine creates an evaluator. instructions carry the scoring policy.
func NewEngine(gen llm.StructuredGenerator, instructions, model string, timeout time.Duration, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Engine{gen: gen, instructions: instructions, model: model, timeout: timeout, logger: logger}
}

// rawEvaluation mirrors the function arguments. Pointers distinguish missing from zero.
type rawEvaluation struct {
	Scores *struct {
		Confidence *float64 `json:"confidence_score"`
		Clarity    *float64 `json:"clarity_score"`
		Relevance  *float64 `json:"relevance_score"`
	} `json:"scores"`
	Feedback *struct {
		Strengths      []string `json:"strengths"`
		ImprovementTip string   `json:"improvement_tip"`
	} `json:"feedback"`
}

// Evaluate judges answer as a response to question.
func (e *Engine) Evaluate(ctx context.Context, question, answer string) (models.Evaluation, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.gen.GenerateStructured(ctx, llm.StructuredRequest{
		Model:        e.model,
		Name:         functionName,
		Description:  "Record the evaluation of the candidate's most recent answer.",
		Instructions: e.instructions,
		Prompt:       BuildPrompt(question, answer),
		Schema:       Schema(),
	})
	if err != nil {
		return models.Evaluation{}, fmt.Errorf("evaluate: %w", err)
	}
	return Parse(raw)
}

// BuildPrompt renders the question/answer pair given to the model.
func BuildPrompt(question, answer string) string {
	var b strings.Builder
	b.WriteString("INTERVIEWER QUESTION:\n")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\n\nCANDIDATE ANSWER:\n")
	answer = strings.TrimSpace(answer)
	if answer == "" {
		answer = "(no answer / silence)"
	}
	b.WriteString(answer)
	b.WriteString("\n\nScore the answer and call ")
	b.WriteString(functionName)
	b.WriteString(".")
	return b.String()
}

// Parse validates model output and normalizes it: scores are rounded and clamped to
// [0, 100], and feedback is reduced to exactly one strength and one tip.
func Parse(raw json.RawMessage) (models.Evaluation, error) {
	var r rawEvaluation
	if err := json.Unmarshal(raw, &r); err != nil {
		return models.Evaluation{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if r.Scores == nil || r.Scores.Confidence == nil || r.Scores.Clarity == nil || r.Scores.Relevance == nil {
		return models.Evaluation{}, fmt.Errorf("%w: missing scores", ErrMalformed)
	}
	if r.Feedback == nil {
		return models.Evaluation{}, fmt.Errorf("%w: missing feedback", ErrMalformed)
	}
	var strength string
	for _, s := range r.Feedback.Strengths {
		if s = strings.TrimSpace(s); s != "" {
			strength = s
			break
		}
	}
	tip := strings.TrimSpace(r.Feedback.ImprovementTip)
	if strength == "" || tip == "" {
		return models.Evaluation{}, fmt.Errorf("%w: empty feedback", ErrMalformed)
	}
	return models.Evaluation{
		Scores: models.Scores{
			Confidence: Clamp(*r.Scores.Confidence),
			Clarity:    Clamp(*r.Scores.Clarity),
			Relevance:  Clamp(*r.Scores.Relevance),
		},
		Feedback: models.Feedback{
			Strengths:      []string{strength},
			ImprovementTip: tip,
		},
	}, nil
}

// Clamp rounds v and bounds it to [0, 100]. NaN maps to 0.
func Clamp(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	n := math.Round(v)
	switch {
	case n < 0:
		return 0
	case n > 100:
		return 100
	default:
		return int(n)
	}
}

// Schema is the function parameter schema for an evaluation.
func Schema() *genai.Schema {
	score := func(desc string) *genai.Schema {
		return &genai.Schema{
			Type:        genai.TypeInteger,
			Description: desc,
			Minimum:     genai.Ptr(0.0),
			Maximum:     genai.Ptr(100.0),
		}
	}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"scores": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"confidence_score": score("Confidence score, 0-100."),
					"clarity_score":    score("Clarity score, 0-100."),
					"relevance_score":  score("Relevance score, 0-100."),
				},
				Required: []string{"confidence_score", "clarity_score", "relevance_score"},
			},
			"feedback": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"strengths": {
						Type:        genai.TypeArray,
						Description: "Exactly one specific strength observed in this answer.",
						Items:       &genai.Schema{Type: genai.TypeString},
					},
					"improvement_tip": {
						Type:        genai.TypeString,
						Description: "Exactly one specific, actionable improvement for this answer.",
					},
				},
				Required: []string{"strengths", "improvement_tip"},
			},
		},
		Required: []string{"scores", "feedback"},
	}
}
