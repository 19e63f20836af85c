package models

import (
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerInterviewer Speaker = "interviewer"
	SpeakerCandidate   Speaker = "candidate"
)

// Label returns the prefix used when the transcript is serialized.
func (s Speaker) Label() string {
	switch s {
	case SpeakerInterviewer:
		return "Interviewer"
	case SpeakerCandidate:
		return "Candidate"
	default:
		return string(s)
	}
}

// Session status values stored in interview_sessions.status.
const (
	SessionStatusScheduled = "scheduled"
	SessionStatusActive    = "active"
	SessionStatusEnded     = "ended"
)

// Session is one interview instance, resolved from the session store before the interview goes live.
type Session struct {
	ID            string     `json:"session_id"`
	UserID        string     `json:"user_id"`
	JobTitle      string     `json:"job_title"`
	ResumeText    string     `json:"resume_text"`
	CandidateName string     `json:"candidate_name"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// Turn is one speaker contribution. Seq is 1-based and strictly increasing within a session.
type Turn struct {
	Seq     int       `json:"seq"`
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// Scores holds the three per-turn metrics, each in [0, 100].
type Scores struct {
	Confidence int `json:"confidence_score"`
	Clarity    int `json:"clarity_score"`
	Relevance  int `json:"relevance_score"`
}

// Feedback is the qualitative part of an evaluation.
type Feedback struct {
	Strengths      []string `json:"strengths"`
	ImprovementTip string   `json:"improvement_tip"`
}

// Evaluation is the structured judgment of one candidate answer.
// TurnSeq is the transcript sequence number of the candidate turn it judges.
type Evaluation struct {
	TurnSeq  int      `json:"turn_seq"`
	Question string   `json:"question,omitempty"`
	Scores   Scores   `json:"scores"`
	Feedback Feedback `json:"feedback"`
}

// Chunk is one streamed piece of an interviewer reply as delivered to the client.
type Chunk struct {
	Text        string      `json:"text"`
	AudioBase64 string      `json:"audioBase64,omitempty"`
	Evaluation  *Evaluation `json:"evaluation,omitempty"`
	IsComplete  bool        `json:"isComplete"`
}

// SessionReport is the end-of-session aggregate.
type SessionReport struct {
	SessionID           string              `json:"session_id"`
	SessionSummary      SessionSummary      `json:"session_summary"`
	Metrics             ReportMetrics       `json:"metrics"`
	ScoreTrend          []TrendPoint        `json:"score_trend"`
	QualitativeAnalysis QualitativeAnalysis `json:"qualitative_analysis"`
	SentimentReport     SentimentReport     `json:"sentiment_report"`
	GeneratedAt         time.Time           `json:"generated_at"`
}

type SessionSummary struct {
	OverallPerformanceScore int    `json:"overall_performance_score"`
	DurationFeedback        string `json:"duration_feedback"`
	TotalTurns              int    `json:"total_turns"`
}

type ReportMetrics struct {
	AverageClarity       float64 `json:"average_clarity"`
	AverageConfidence    float64 `json:"average_confidence"`
	AverageRelevance     float64 `json:"average_relevance"`
	ProfessionalismScore int     `json:"professionalism_score"`
	PacingScore          int     `json:"pacing_score"`
}

type TrendPoint struct {
	Turn       int `json:"turn"`
	Clarity    int `json:"clarity"`
	Confidence int `json:"confidence"`
	Relevance  int `json:"relevance"`
}

type QualitativeAnalysis struct {
	KeyStrengths        []string `json:"key_strengths"`
	PrimaryWeaknesses   []string `json:"primary_weaknesses"`
	CriticalFlags       []string `json:"critical_flags"`
	ActionableNextSteps []string `json:"actionable_next_steps"`
}

type SentimentReport struct {
	DominantTone         string `json:"dominant_tone"`
	EmotionalProgression string `json:"emotional_progression"`
}
