// Package interview runs live interview sessions over WebSocket: one connection per session,
// one reply cycle per candidate utterance, with per-turn evaluation alongside.
package interview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-interview/backend/internal/dialogue"
	"github.com/aura-interview/backend/internal/models"
	"github.com/aura-interview/backend/internal/registry"
)

// Heartbeat and framing limits, in seconds where not noted.
const (
	PingInterval = 30
	PongWait     = 60
	// ReadLimit is the largest inbound frame in bytes.
	ReadLimit  = 65536
	sendBuffer = 256
	jobBuffer  = 16
)

// Store resolves session context and persists session results. LoadSession returns an
// error wrapping models.ErrSessionNotFound for an unknown id.
type Store interface {
	LoadSession(ctx context.Context, id string) (*models.Session, error)
	SaveTranscript(ctx context.Context, id, text string, turns []models.Turn) error
	SaveEvaluations(ctx context.Context, id string, evals []models.Evaluation) error
	MarkEnded(ctx context.Context, id string, at time.Time) error
}

// Evaluator scores one answer against the question before it.
type Evaluator interface {
	Evaluate(ctx context.Context, question, answer string) (models.Evaluation, error)
}

// ReportScheduler hands a finished session to report generation.
type ReportScheduler interface {
	EnqueueReport(ctx context.Context, sessionID string) error
}

// Config tunes session behavior.
type Config struct {
	// PersonaTemplate is a text/template rendered with PersonaData.
	PersonaTemplate string
	// EndMarker is rendered into the persona. The dialogue engine must be given the same marker.
	EndMarker string
	// CloseGrace bounds how long a graceful end waits for in-flight evaluations.
	CloseGrace      time.Duration
	DialogueTimeout time.Duration
	PersistTimeout  time.Duration
	// CheckOrigin vets the browser origin of the upgrade request. Nil allows any origin.
	CheckOrigin func(r *http.Request) bool
}

// PersonaData is what the persona template can reference.
type PersonaData struct {
	CandidateName string
	JobTitle      string
	ResumeText    string
	EndMarker     string
}

// Handler accepts interview connections.
type Handler struct {
	store     Store
	dialogue  *dialogue.Engine
	evaluator Evaluator
	reports   ReportScheduler
	registry  *registry.Registry
	persona   *template.Template
	upgrader  websocket.Upgrader
	cfg       Config
	logger    *zap.Logger

	// running counts sessions from registration until their results are persisted.
	running sync.WaitGroup
}

// NewHandler creates the interview socket handler. evaluator and reports may be nil.
func NewHandler(store Store, dlg *dialogue.Engine, evaluator Evaluator, reports ReportScheduler, reg *registry.Registry, cfg Config, logger *zap.Logger) (*Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	persona, err := template.New("persona").Option("missingkey=error").Parse(cfg.PersonaTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse persona template: %w", err)
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = 2 * time.Second
	}
	if cfg.DialogueTimeout <= 0 {
		cfg.DialogueTimeout = 60 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 15 * time.Second
	}
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return &Handler{
		store:     store,
		dialogue:  dlg,
		evaluator: evaluator,
		reports:   reports,
		registry:  reg,
		persona:   persona,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		cfg:    cfg,
		logger: logger,
	}, nil
}

// RenderPersona fills the persona template for one session.
func (h *Handler) RenderPersona(s *models.Session) (string, error) {
	var buf bytes.Buffer
	err := h.persona.Execute(&buf, PersonaData{
		CandidateName: s.CandidateName,
		JobTitle:      s.JobTitle,
		ResumeText:    s.ResumeText,
		EndMarker:     h.cfg.EndMarker,
	})
	if err != nil {
		return "", fmt.Errorf("render persona: %w", err)
	}
	return buf.String(), nil
}

// ServeWs handles GET /ws/interview?sessionId=... and runs the session until it ends.
func (h *Handler) ServeWs(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sessionID := strings.TrimSpace(c.Query("sessionId"))
	if sessionID == "" {
		reject(conn, "sessionId is required")
		return
	}
	logger := h.logger.With(zap.String("session_id", sessionID))

	ctx := c.Request.Context()
	info, err := h.store.LoadSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			reject(conn, "session not found")
			return
		}
		logger.Error("Failed to load session", zap.Error(err))
		reject(conn, "failed to load session")
		return
	}
	if info.Status == models.SessionStatusEnded {
		reject(conn, "session has already ended")
		return
	}

	persona, err := h.RenderPersona(info)
	if err != nil {
		logger.Error("Failed to render persona", zap.Error(err))
		reject(conn, "failed to start interview")
		return
	}
	conv, err := h.dialogue.StartConversation(ctx, persona)
	if err != nil {
		logger.Error("Failed to start conversation", zap.Error(err))
		reject(conn, "failed to start interview")
		return
	}

	s := newSession(h, info, conn, conv, logger)
	if err := h.registry.Register(s); err != nil {
		conv.Close()
		reject(conn, "session already has a live connection")
		return
	}
	h.running.Add(1)
	defer h.running.Done()
	logger.Info("Interview session started", zap.String("job_title", info.JobTitle))
	s.run()
}

// Wait blocks until every session has persisted its results, or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reject sends one error and closes a connection that never became a session.
func reject(conn *websocket.Conn, msg string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteJSON(errorMessage(msg))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg), deadline)
	_ = conn.Close()
}
