// Package report turns a finished session's transcript and evaluations into a SessionReport.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/aura-interview/backend/internal/llm"
	"github.com/aura-interview/backend/internal/models"
	"github.com/aura-interview/backend/internal/transcript"
)

const functionName = "record_session_report"

// ErrMalformed is returned when the qualitative sub-call does not produce a complete object.
var ErrMalformed = errors.New("malformed report analysis")

// Input is everything the aggregator reads. Evaluations must be in turn order.
type Input struct {
	SessionID   string
	Turns       []models.Turn
	Evaluations []models.Evaluation
	StartedAt   time.Time
	EndedAt     time.Time
}

// Aggregator computes the deterministic metrics itself and delegates the qualitative
// synthesis to a structured model call.
type Aggregator struct {
	gen          llm.StructuredGenerator
	instructions string
	model        string
	logger       *zap.Logger
	now          func() time.Time
}

func NewAggregator(gen llm.StructuredGenerator, instructions, model string, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{gen: gen, instructions: instructions, model: model, logger: logger, now: time.Now}
}

// Aggregate builds the report. Any failure of the qualitative step is returned as an
// error and no report is produced.
func (a *Aggregator) Aggregate(ctx context.Context, in Input) (*models.SessionReport, error) {
	rep := &models.SessionReport{
		SessionID:   in.SessionID,
		Metrics:     ComputeMetrics(in.Evaluations),
		ScoreTrend:  Trend(in.Evaluations),
		GeneratedAt: a.now().UTC(),
	}
	if len(in.Evaluations) == 0 {
		fillEmpty(rep)
		return rep, nil
	}

	raw, err := a.gen.GenerateStructured(ctx, llm.StructuredRequest{
		Model:        a.model,
		Name:         functionName,
		Description:  "Record the qualitative analysis of the finished interview.",
		Instructions: a.instructions,
		Prompt:       BuildPrompt(in, rep.Metrics),
		Schema:       Schema(),
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", in.SessionID, err)
	}
	q, err := parseAnalysis(raw)
	if err != nil {
		return nil, err
	}

	rep.Metrics.ProfessionalismScore = q.Professionalism
	rep.Metrics.PacingScore = q.Pacing
	rep.SessionSummary = models.SessionSummary{
		OverallPerformanceScore: OverallScore(rep.Metrics),
		DurationFeedback:        q.DurationFeedback,
		TotalTurns:              countCandidateTurns(in.Turns),
	}
	rep.QualitativeAnalysis = q.Qualitative
	rep.SentimentReport = q.Sentiment
	a.logger.Debug("Report aggregated",
		zap.String("session_id", in.SessionID),
		zap.Int("evaluations", len(in.Evaluations)),
		zap.Int("overall", rep.SessionSummary.OverallPerformanceScore))
	return rep, nil
}

// fillEmpty marks a session with no evaluations. total_turns 0 distinguishes it from a low score.
func fillEmpty(rep *models.SessionReport) {
	rep.SessionSummary = models.SessionSummary{
		OverallPerformanceScore: 0,
		DurationFeedback:        "No answers were evaluated in this session.",
		TotalTurns:              0,
	}
	rep.ScoreTrend = []models.TrendPoint{}
	rep.QualitativeAnalysis = models.QualitativeAnalysis{
		KeyStrengths:        []string{},
		PrimaryWeaknesses:   []string{},
		CriticalFlags:       []string{},
		ActionableNextSteps: []string{},
	}
	rep.SentimentReport = models.SentimentReport{
		DominantTone:         "undetermined",
		EmotionalProgression: "Not enough conversation to assess tone.",
	}
}

// ComputeMetrics averages each score across all evaluations. Empty input yields zeros.
func ComputeMetrics(evals []models.Evaluation) models.ReportMetrics {
	if len(evals) == 0 {
		return models.ReportMetrics{}
	}
	var conf, clar, rel float64
	for _, e := range evals {
		conf += float64(e.Scores.Confidence)
		clar += float64(e.Scores.Clarity)
		rel += float64(e.Scores.Relevance)
	}
	n := float64(len(evals))
	return models.ReportMetrics{
		AverageConfidence: round2(conf / n),
		AverageClarity:    round2(clar / n),
		AverageRelevance:  round2(rel / n),
	}
}

// Trend returns one point per evaluation in recorder order, numbered from 1.
func Trend(evals []models.Evaluation) []models.TrendPoint {
	out := make([]models.TrendPoint, 0, len(evals))
	for i, e := range evals {
		out = append(out, models.TrendPoint{
			Turn:       i + 1,
			Clarity:    e.Scores.Clarity,
			Confidence: e.Scores.Confidence,
			Relevance:  e.Scores.Relevance,
		})
	}
	return out
}

// OverallScore is the rounded mean of the three averages and the two derived scores.
func OverallScore(m models.ReportMetrics) int {
	sum := m.AverageConfidence + m.AverageClarity + m.AverageRelevance +
		float64(m.ProfessionalismScore) + float64(m.PacingScore)
	return int(math.Round(sum / 5))
}

// Pattern is a piece of feedback and how many turns produced it.
type Pattern struct {
	Text  string
	Count int
	First int
}

// RecurringPatterns groups feedback texts case-insensitively and ranks them by frequency,
// breaking ties by first appearance.
func RecurringPatterns(texts []string) []Pattern {
	idx := make(map[string]int)
	var out []Pattern
	for i, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(strings.TrimRight(t, ".!"))
		if j, ok := idx[key]; ok {
			out[j].Count++
			continue
		}
		idx[key] = len(out)
		out = append(out, Pattern{Text: t, Count: 1, First: i})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].First < out[j].First
	})
	return out
}

func tips(evals []models.Evaluation) []string {
	out := make([]string, 0, len(evals))
	for _, e := range evals {
		out = append(out, e.Feedback.ImprovementTip)
	}
	return out
}

func strengths(evals []models.Evaluation) []string {
	var out []string
	for _, e := range evals {
		out = append(out, e.Feedback.Strengths...)
	}
	return out
}

func countCandidateTurns(turns []models.Turn) int {
	n := 0
	for _, t := range turns {
		if t.Speaker == models.SpeakerCandidate {
			n++
		}
	}
	return n
}

// BuildPrompt lays out the session for the qualitative step.
func BuildPrompt(in Input, m models.ReportMetrics) string {
	var b strings.Builder
	b.WriteString("TRANSCRIPT:\n")
	b.WriteString(transcript.Render(in.Turns))
	b.WriteString("\n\nPER-TURN EVALUATIONS:\n")
	for i, e := range in.Evaluations {
		fmt.Fprintf(&b, "Turn %d: confidence=%d clarity=%d relevance=%d; strength: %s; tip: %s\n",
			i+1, e.Scores.Confidence, e.Scores.Clarity, e.Scores.Relevance,
			strings.Join(e.Feedback.Strengths, " / "), e.Feedback.ImprovementTip)
	}
	fmt.Fprintf(&b, "\nAVERAGES: confidence=%.2f clarity=%.2f relevance=%.2f\n",
		m.AverageConfidence, m.AverageClarity, m.AverageRelevance)

	b.WriteString("\nRECURRING IMPROVEMENT TIPS (most frequent first):\n")
	for _, p := range RecurringPatterns(tips(in.Evaluations)) {
		fmt.Fprintf(&b, "- (%dx) %s\n", p.Count, p.Text)
	}
	b.WriteString("\nRECURRING STRENGTHS (most frequent first):\n")
	for _, p := range RecurringPatterns(strengths(in.Evaluations)) {
		fmt.Fprintf(&b, "- (%dx) %s\n", p.Count, p.Text)
	}

	if !in.StartedAt.IsZero() && !in.EndedAt.IsZero() && in.EndedAt.After(in.StartedAt) {
		d := in.EndedAt.Sub(in.StartedAt).Round(time.Second)
		fmt.Fprintf(&b, "\nSESSION DURATION: %s across %d candidate answers.\n", d, countCandidateTurns(in.Turns))
	}
	b.WriteString("\nCall ")
	b.WriteString(functionName)
	b.WriteString(" with your analysis.")
	return b.String()
}

type analysis struct {
	Professionalism  int
	Pacing           int
	DurationFeedback string
	Qualitative      models.QualitativeAnalysis
	Sentiment        models.SentimentReport
}

type rawAnalysis struct {
	Professionalism      *float64  `json:"professionalism_score"`
	Pacing               *float64  `json:"pacing_score"`
	DurationFeedback     string    `json:"duration_feedback"`
	KeyStrengths         *[]string `json:"key_strengths"`
	PrimaryWeaknesses    *[]string `json:"primary_weaknesses"`
	CriticalFlags        []string  `json:"critical_flags"`
	ActionableNextSteps  *[]string `json:"actionable_next_steps"`
	DominantTone         string    `json:"dominant_tone"`
	EmotionalProgression string    `json:"emotional_progression"`
}

func parseAnalysis(raw json.RawMessage) (analysis, error) {
	var r rawAnalysis
	if err := json.Unmarshal(raw, &r); err != nil {
		return analysis{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	prof, err := score("professionalism_score", r.Professionalism)
	if err != nil {
		return analysis{}, err
	}
	pacing, err := score("pacing_score", r.Pacing)
	if err != nil {
		return analysis{}, err
	}
	if r.KeyStrengths == nil || r.PrimaryWeaknesses == nil || r.ActionableNextSteps == nil {
		return analysis{}, fmt.Errorf("%w: missing qualitative lists", ErrMalformed)
	}
	duration := strings.TrimSpace(r.DurationFeedback)
	tone := strings.TrimSpace(r.DominantTone)
	progression := strings.TrimSpace(r.EmotionalProgression)
	if duration == "" || tone == "" || progression == "" {
		return analysis{}, fmt.Errorf("%w: empty narrative field", ErrMalformed)
	}
	return analysis{
		Professionalism:  prof,
		Pacing:           pacing,
		DurationFeedback: duration,
		Qualitative: models.QualitativeAnalysis{
			KeyStrengths:        clean(*r.KeyStrengths),
			PrimaryWeaknesses:   clean(*r.PrimaryWeaknesses),
			CriticalFlags:       clean(r.CriticalFlags),
			ActionableNextSteps: clean(*r.ActionableNextSteps),
		},
		Sentiment: models.SentimentReport{
			DominantTone:         tone,
			EmotionalProgression: progression,
		},
	}, nil
}

func score(name string, v *float64) (int, error) {
	if v == nil {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformed, name)
	}
	if math.IsNaN(*v) || *v < 0 || *v > 100 {
		return 0, fmt.Errorf("%w: %s out of range: %v", ErrMalformed, name, *v)
	}
	return int(math.Round(*v)), nil
}

func clean(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Schema is the function parameter schema for the qualitative analysis.
func Schema() *genai.Schema {
	str := func(desc string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeString, Description: desc}
	}
	list := func(desc string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeArray, Description: desc, Items: &genai.Schema{Type: genai.TypeString}}
	}
	score := func(desc string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeInteger, Description: desc, Minimum: genai.Ptr(0.0), Maximum: genai.Ptr(100.0)}
	}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"professionalism_score": score("Professionalism, 0-100. Penalize informality or disallowed language."),
			"pacing_score":          score("Pacing, 0-100. Reward appropriate answer length and density."),
			"duration_feedback":     str("One or two sentences on session length and answer length."),
			"key_strengths":         list("Strengths, recurring patterns first."),
			"primary_weaknesses":    list("Weaknesses, recurring patterns first."),
			"critical_flags":        list("Severe or categorical issues only. May be empty."),
			"actionable_next_steps": list("Concrete practice steps."),
			"dominant_tone":         str("One label for the candidate's dominant tone."),
			"emotional_progression": str("How the tone evolved from the first to the last answer."),
		},
		Required: []string{
			"professionalism_score", "pacing_score", "duration_feedback",
			"key_strengths", "primary_weaknesses", "critical_flags", "actionable_next_steps",
			"dominant_tone", "emotional_progression",
		},
	}
}
