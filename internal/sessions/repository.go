// Package sessions stores interview sessions and their results in PostgreSQL.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-interview/backend/internal/models"
)

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = models.ErrSessionNotFound
	// ErrNoResults is returned when a session exists but has nothing stored of the requested kind yet.
	ErrNoResults = errors.New("no results stored for session")
)

// Transcript is the stored conversation of one session.
type Transcript struct {
	SessionID string        `json:"session_id"`
	Text      string        `json:"transcript"`
	Turns     []models.Turn `json:"turns"`
}

// Repository handles interview_sessions and the session_* result tables.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LoadSession resolves everything a live interview needs before it starts.
func (r *Repository) LoadSession(ctx context.Context, id string) (*models.Session, error) {
	const q = `SELECT s.id, s.user_id::text, s.job_title, s.status, s.started_at, s.ended_at,
		COALESCE(u.full_name, ''), COALESCE(rs.resume_text, '')
		FROM interview_sessions s
		JOIN users u ON u.id = s.user_id
		LEFT JOIN resumes rs ON rs.user_id = s.user_id
		WHERE s.id = $1`
	var s models.Session
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&s.ID, &s.UserID, &s.JobTitle, &s.Status, &s.StartedAt, &s.EndedAt,
		&s.CandidateName, &s.ResumeText,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return &s, nil
}

// SaveTranscript upserts the full transcript text and its turns.
func (r *Repository) SaveTranscript(ctx context.Context, id, text string, turns []models.Turn) error {
	if turns == nil {
		turns = []models.Turn{}
	}
	raw, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("marshal turns: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO session_transcripts (session_id, transcript, turns, updated_at) VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (session_id) DO UPDATE SET transcript = EXCLUDED.transcript, turns = EXCLUDED.turns, updated_at = NOW()`,
		id, text, raw)
	if err != nil {
		return fmt.Errorf("save transcript %s: %w", id, err)
	}
	return nil
}

// SaveEvaluations upserts the evaluation list.
func (r *Repository) SaveEvaluations(ctx context.Context, id string, evals []models.Evaluation) error {
	if evals == nil {
		evals = []models.Evaluation{}
	}
	raw, err := json.Marshal(evals)
	if err != nil {
		return fmt.Errorf("marshal evaluations: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO session_evaluations (session_id, evaluations, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (session_id) DO UPDATE SET evaluations = EXCLUDED.evaluations, updated_at = NOW()`,
		id, raw)
	if err != nil {
		return fmt.Errorf("save evaluations %s: %w", id, err)
	}
	return nil
}

// MarkEnded sets the session status to ended.
func (r *Repository) MarkEnded(ctx context.Context, id string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE interview_sessions SET status = $2, ended_at = $3 WHERE id = $1`,
		id, models.SessionStatusEnded, at)
	if err != nil {
		return fmt.Errorf("mark ended %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark ended %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetTranscript returns the stored transcript.
func (r *Repository) GetTranscript(ctx context.Context, id string) (*Transcript, error) {
	var raw []byte
	t := Transcript{SessionID: id}
	err := r.pool.QueryRow(ctx,
		`SELECT transcript, turns FROM session_transcripts WHERE session_id = $1`, id).Scan(&t.Text, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("transcript %s: %w", id, ErrNoResults)
		}
		return nil, fmt.Errorf("get transcript %s: %w", id, err)
	}
	if err := json.Unmarshal(raw, &t.Turns); err != nil {
		return nil, fmt.Errorf("decode turns %s: %w", id, err)
	}
	return &t, nil
}

// GetEvaluations returns the stored evaluation list in turn order.
func (r *Repository) GetEvaluations(ctx context.Context, id string) ([]models.Evaluation, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx,
		`SELECT evaluations FROM session_evaluations WHERE session_id = $1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("evaluations %s: %w", id, ErrNoResults)
		}
		return nil, fmt.Errorf("get evaluations %s: %w", id, err)
	}
	evals := []models.Evaluation{}
	if err := json.Unmarshal(raw, &evals); err != nil {
		return nil, fmt.Errorf("decode evaluations %s: %w", id, err)
	}
	return evals, nil
}

// SaveReport upserts the final report.
func (r *Repository) SaveReport(ctx context.Context, id string, rep *models.SessionReport) error {
	raw, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO session_reports (session_id, report, created_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (session_id) DO UPDATE SET report = EXCLUDED.report, created_at = NOW()`,
		id, raw)
	if err != nil {
		return fmt.Errorf("save report %s: %w", id, err)
	}
	return nil
}

// GetReport returns the stored report.
func (r *Repository) GetReport(ctx context.Context, id string) (*models.SessionReport, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT report FROM session_reports WHERE session_id = $1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("report %s: %w", id, ErrNoResults)
		}
		return nil, fmt.Errorf("get report %s: %w", id, err)
	}
	var rep models.SessionReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", id, err)
	}
	return &rep, nil
}
