package report

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-interview/backend/internal/llm"
	"github.com/aura-interview/backend/internal/models"
)

type fakeGenerator struct {
	raw   string
	err   error
	calls int
	last  llm.StructuredRequest
}

func (f *fakeGenerator) GenerateStructured(ctx context.Context, req llm.StructuredRequest) (json.RawMessage, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.raw), nil
}

const validAnalysis = `{
	"professionalism_score": 90,
	"pacing_score": 60,
	"duration_feedback": "Answers were concise.",
	"key_strengths": ["Concrete examples"],
	"primary_weaknesses": ["Answers lack structure"],
	"critical_flags": [],
	"actionable_next_steps": ["Practice STAR answers"],
	"dominant_tone": "confident",
	"emotional_progression": "Nervous at first, steady by the end."
}`

func eval(conf, clar, rel int, tip string) models.Evaluation {
	return models.Evaluation{
		Scores:   models.Scores{Confidence: conf, Clarity: clar, Relevance: rel},
		Feedback: models.Feedback{Strengths: []string{"Clear example"}, ImprovementTip: tip},
	}
}

func sampleTurns() []models.Turn {
	return []models.Turn{
		{Seq: 1, Speaker: models.SpeakerInterviewer, Text: "Hello, tell me about yourself."},
		{Seq: 2, Speaker: models.SpeakerCandidate, Text: "I am a backend engineer."},
		{Seq: 3, Speaker: models.SpeakerInterviewer, Text: "What was your last project?"},
		{Seq: 4, Speaker: models.SpeakerCandidate, Text: "A payments service."},
	}
}

func TestComputeMetrics_Mean(t *testing.T) {
	m := ComputeMetrics([]models.Evaluation{eval(90, 80, 70, "a"), eval(70, 60, 50, "b")})
	assert.Equal(t, 80.0, m.AverageConfidence)
	assert.Equal(t, 70.0, m.AverageClarity)
	assert.Equal(t, 60.0, m.AverageRelevance)
}

func TestComputeMetrics_Empty(t *testing.T) {
	assert.Equal(t, models.ReportMetrics{}, ComputeMetrics(nil))
}

func TestTrend_OneBased(t *testing.T) {
	tr := Trend([]models.Evaluation{eval(90, 80, 70, "a"), eval(70, 60, 50, "b")})
	require.Len(t, tr, 2)
	assert.Equal(t, models.TrendPoint{Turn: 1, Clarity: 80, Confidence: 90, Relevance: 70}, tr[0])
	assert.Equal(t, models.TrendPoint{Turn: 2, Clarity: 60, Confidence: 70, Relevance: 50}, tr[1])
}

func TestRecurringPatterns_RanksByFrequency(t *testing.T) {
	got := RecurringPatterns([]string{"Be concise.", "Use metrics", "be concise", "", "Use metrics.", "Be concise"})
	require.Len(t, got, 2)
	assert.Equal(t, "Be concise.", got[0].Text)
	assert.Equal(t, 3, got[0].Count)
	assert.Equal(t, 2, got[1].Count)
}

func TestAggregate(t *testing.T) {
	gen := &fakeGenerator{raw: validAnalysis}
	agg := NewAggregator(gen, "report policy", "report-model", nil)
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	rep, err := agg.Aggregate(context.Background(), Input{
		SessionID:   "s1",
		Turns:       sampleTurns(),
		Evaluations: []models.Evaluation{eval(90, 80, 70, "Be concise"), eval(70, 60, 50, "Be concise")},
		StartedAt:   start,
		EndedAt:     start.Add(12 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, gen.calls)
	assert.Equal(t, "record_session_report", gen.last.Name)
	assert.Contains(t, gen.last.Prompt, "(2x) Be concise")
	assert.Contains(t, gen.last.Prompt, "12m0s")

	assert.Equal(t, "s1", rep.SessionID)
	assert.Equal(t, 2, rep.SessionSummary.TotalTurns)
	assert.Equal(t, 90, rep.Metrics.ProfessionalismScore)
	assert.Equal(t, 60, rep.Metrics.PacingScore)
	// (80 + 70 + 60 + 90 + 60) / 5
	assert.Equal(t, 72, rep.SessionSummary.OverallPerformanceScore)
	assert.Len(t, rep.ScoreTrend, 2)
	assert.Equal(t, []string{"Answers lack structure"}, rep.QualitativeAnalysis.PrimaryWeaknesses)
	assert.Empty(t, rep.QualitativeAnalysis.CriticalFlags)
	assert.Equal(t, "confident", rep.SentimentReport.DominantTone)
}

func TestAggregate_NoEvaluationsSkipsModel(t *testing.T) {
	gen := &fakeGenerator{raw: validAnalysis}
	rep, err := NewAggregator(gen, "", "", nil).Aggregate(context.Background(), Input{SessionID: "s2", Turns: sampleTurns()[:1]})
	require.NoError(t, err)
	assert.Zero(t, gen.calls)
	assert.Equal(t, 0, rep.SessionSummary.TotalTurns)
	assert.Equal(t, 0, rep.SessionSummary.OverallPerformanceScore)
	assert.Equal(t, models.ReportMetrics{}, rep.Metrics)
	assert.NotNil(t, rep.ScoreTrend)
	assert.Empty(t, rep.ScoreTrend)
}

func TestAggregate_GeneratorFailurePropagates(t *testing.T) {
	gen := &fakeGenerator{err: llm.ErrNoFunctionCall}
	rep, err := NewAggregator(gen, "", "", nil).Aggregate(context.Background(), Input{
		SessionID:   "s3",
		Turns:       sampleTurns(),
		Evaluations: []models.Evaluation{eval(50, 50, 50, "x")},
	})
	assert.Nil(t, rep)
	assert.True(t, errors.Is(err, llm.ErrNoFunctionCall))
}

func TestAggregate_MalformedAnalysis(t *testing.T) {
	cases := map[string]string{
		"free text":         `"The candidate did well."`,
		"missing pacing":    `{"professionalism_score": 90, "duration_feedback": "ok", "key_strengths": [], "primary_weaknesses": [], "actionable_next_steps": [], "dominant_tone": "calm", "emotional_progression": "flat"}`,
		"score above range": `{"professionalism_score": 190, "pacing_score": 50, "duration_feedback": "ok", "key_strengths": [], "primary_weaknesses": [], "actionable_next_steps": [], "dominant_tone": "calm", "emotional_progression": "flat"}`,
		"missing lists":     `{"professionalism_score": 90, "pacing_score": 50, "duration_feedback": "ok", "dominant_tone": "calm", "emotional_progression": "flat"}`,
		"empty tone":        `{"professionalism_score": 90, "pacing_score": 50, "duration_feedback": "ok", "key_strengths": [], "primary_weaknesses": [], "actionable_next_steps": [], "dominant_tone": " ", "emotional_progression": "flat"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			rep, err := NewAggregator(&fakeGenerator{raw: raw}, "", "", nil).Aggregate(context.Background(), Input{
				SessionID:   "s4",
				Turns:       sampleTurns(),
				Evaluations: []models.Evaluation{eval(50, 50, 50, "x")},
			})
			assert.Nil(t, rep)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}
