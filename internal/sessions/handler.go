package sessions

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-interview/backend/internal/models"
	"github.com/aura-interview/backend/pkg/response"
	"github.com/aura-interview/backend/pkg/storage"
)

// Reader is the read side of the session store.
type Reader interface {
	LoadSession(ctx context.Context, id string) (*models.Session, error)
	GetTranscript(ctx context.Context, id string) (*Transcript, error)
	GetEvaluations(ctx context.Context, id string) ([]models.Evaluation, error)
	GetReport(ctx context.Context, id string) (*models.SessionReport, error)
}

// Presigner issues download links for archived session artifacts.
type Presigner interface {
	GeneratePresignedDownloadURL(ctx context.Context, key string, expires time.Duration) (string, error)
	PresignExpire() time.Duration
}

// ReportScheduler queues report generation.
type ReportScheduler interface {
	EnqueueReport(ctx context.Context, sessionID string) error
}

// Handler serves stored session results.
type Handler struct {
	repo    Reader
	archive Presigner
	reports ReportScheduler
	logger  *zap.Logger
}

// NewHandler creates a sessions handler. archive and reports may be nil.
func NewHandler(repo Reader, archive Presigner, reports ReportScheduler, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, archive: archive, reports: reports, logger: logger}
}

// Register mounts the session routes on g.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.GET("/sessions/:id", h.Get)
	g.GET("/sessions/:id/transcript", h.Transcript)
	g.GET("/sessions/:id/evaluations", h.Evaluations)
	g.GET("/sessions/:id/report", h.Report)
	g.POST("/sessions/:id/report", h.RegenerateReport)
	g.GET("/sessions/:id/archive-url", h.ArchiveURL)
}

// Get handles GET /sessions/:id.
func (h *Handler) Get(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	response.OK(c, s)
}

// Transcript handles GET /sessions/:id/transcript.
func (h *Handler) Transcript(c *gin.Context) {
	id := c.Param("id")
	t, err := h.repo.GetTranscript(c.Request.Context(), id)
	if h.fail(c, id, "transcript", err) {
		return
	}
	response.OK(c, t)
}

// Evaluations handles GET /sessions/:id/evaluations.
func (h *Handler) Evaluations(c *gin.Context) {
	id := c.Param("id")
	evals, err := h.repo.GetEvaluations(c.Request.Context(), id)
	if h.fail(c, id, "evaluations", err) {
		return
	}
	response.OK(c, gin.H{"session_id": id, "evaluations": evals})
}

// Report handles GET /sessions/:id/report.
func (h *Handler) Report(c *gin.Context) {
	id := c.Param("id")
	rep, err := h.repo.GetReport(c.Request.Context(), id)
	if h.fail(c, id, "report", err) {
		return
	}
	response.OK(c, rep)
}

// RegenerateReport handles POST /sessions/:id/report. Only ended sessions can be reported on.
func (h *Handler) RegenerateReport(c *gin.Context) {
	if h.reports == nil {
		response.ServiceUnavailable(c, "report queue not configured")
		return
	}
	s, ok := h.session(c)
	if !ok {
		return
	}
	if s.Status != models.SessionStatusEnded {
		response.BadRequest(c, "session has not ended")
		return
	}
	if err := h.reports.EnqueueReport(c.Request.Context(), s.ID); err != nil {
		h.logger.Error("enqueue report failed", zap.Error(err), zap.String("session_id", s.ID))
		response.Internal(c, "failed to queue report")
		return
	}
	response.Accepted(c, gin.H{"session_id": s.ID, "queued": true})
}

// ArchiveURL handles GET /sessions/:id/archive-url?kind=report|transcript.
func (h *Handler) ArchiveURL(c *gin.Context) {
	if h.archive == nil {
		response.ServiceUnavailable(c, "archive storage not configured")
		return
	}
	s, ok := h.session(c)
	if !ok {
		return
	}
	var key string
	switch strings.ToLower(c.DefaultQuery("kind", "report")) {
	case "report":
		key = storage.ReportKey(s.ID)
	case "transcript":
		key = storage.TranscriptKey(s.ID)
	default:
		response.BadRequest(c, "kind must be report or transcript")
		return
	}
	expire := h.archive.PresignExpire()
	url, err := h.archive.GeneratePresignedDownloadURL(c.Request.Context(), key, expire)
	if err != nil {
		h.logger.Error("presign archive download failed", zap.Error(err), zap.String("session_id", s.ID))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"download_url": url, "expires_in": int(expire.Seconds())})
}

func (h *Handler) session(c *gin.Context) (*models.Session, bool) {
	id := c.Param("id")
	s, err := h.repo.LoadSession(c.Request.Context(), id)
	if h.fail(c, id, "session", err) {
		return nil, false
	}
	return s, true
}

// fail writes the error response for err and reports whether it did.
func (h *Handler) fail(c *gin.Context, id, what string, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "session not found")
	case errors.Is(err, ErrNoResults):
		response.NotFound(c, what+" not available")
	default:
		h.logger.Error("load "+what+" failed", zap.Error(err), zap.String("session_id", id))
		response.Internal(c, "failed to load "+what)
	}
	return true
}
