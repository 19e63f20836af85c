package interview

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-interview/backend/internal/dialogue"
	"github.com/aura-interview/backend/internal/evaluation"
	"github.com/aura-interview/backend/internal/models"
	"github.com/aura-interview/backend/internal/transcript"
)

// State is a session's lifecycle position.
type State int

const (
	StateInitializing State = iota
	StateActive
	StateEnding
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Messages sent to the client on termination.
const (
	MsgTerminatedBySystem = "session terminated by system"
	MsgEndedByClient      = "session ended"
	MsgInterviewConcluded = "The interview has concluded. Thank you for your time."
	msgReplyFailed        = "failed to generate interviewer reply, please try again"
	msgBusy               = "too many pending messages, please wait for the current reply"
)

type cycleJob struct {
	greeting  bool
	utterance string
}

// Session is one live interview. It owns its transcript and evaluations exclusively.
type Session struct {
	h      *Handler
	info   *models.Session
	conn   *websocket.Conn
	conv   *dialogue.Conversation
	logger *zap.Logger

	transcript *transcript.Buffer
	evals      *evaluation.Recorder

	ctx    context.Context
	cancel context.CancelFunc

	send       chan []byte
	closing    chan closeFrame
	writerDone chan struct{}
	jobs       chan cycleJob
	cyclesDone chan struct{}
	evalWG     sync.WaitGroup
	closeOnce  sync.Once

	mu      sync.Mutex
	state   State
	endedAt time.Time

	// priorQuestion is only touched by the cycle goroutine.
	priorQuestion string
}

func newSession(h *Handler, info *models.Session, conn *websocket.Conn, conv *dialogue.Conversation, logger *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		h:          h,
		info:       info,
		conn:       conn,
		conv:       conv,
		logger:     logger,
		transcript: transcript.NewBuffer(),
		evals:      evaluation.NewRecorder(),
		ctx:        ctx,
		cancel:     cancel,
		send:       make(chan []byte, sendBuffer),
		closing:    make(chan closeFrame, 1),
		writerDone: make(chan struct{}),
		jobs:       make(chan cycleJob, jobBuffer),
		cyclesDone: make(chan struct{}),
		state:      StateActive,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.info.ID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Turns returns a snapshot of the transcript.
func (s *Session) Turns() []models.Turn { return s.transcript.Turns() }

// Evaluations returns a snapshot of recorded evaluations in turn order.
func (s *Session) Evaluations() []models.Evaluation { return s.evals.List() }

// run drives the session on the handler goroutine until the connection is gone, then persists.
func (s *Session) run() {
	go s.writePump()
	go s.runCycles()
	s.jobs <- cycleJob{greeting: true}

	reason := s.readPump()
	s.endGracefully(reason, nil)

	<-s.cyclesDone
	s.evalWG.Wait()
	s.conv.Close()
	s.setState(StateTerminated)
	s.logger.Info("Interview session closed",
		zap.String("reason", reason),
		zap.Int("turns", s.transcript.Len()),
		zap.Int("evaluations", s.evals.Len()))
	s.persist()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// beginEnding moves Active to Ending. Only the first caller wins.
func (s *Session) beginEnding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return false
	}
	s.state = StateEnding
	s.endedAt = time.Now()
	return true
}

// ForceClose terminates the session without waiting for in-flight model calls. The client
// is told the session was terminated by the system and the socket is closed normally.
func (s *Session) ForceClose(reason string) {
	if !s.beginEnding() {
		return
	}
	if strings.TrimSpace(reason) == "" {
		reason = MsgTerminatedBySystem
	}
	s.logger.Info("Interview session force closed", zap.String("reason", reason))
	s.cancel()
	s.h.registry.Unregister(s)
	msg := sessionEndedMessage(reason)
	s.closeConn(closeFrame{final: &msg})
}

// endGracefully gives in-flight evaluations a short grace period, then closes. final is sent
// after queued messages when non-nil.
func (s *Session) endGracefully(reason string, final *ServerMessage) {
	if !s.beginEnding() {
		return
	}
	s.finishEnding(reason, final)
}

// finishEnding runs the close sequence for a session already moved to Ending.
func (s *Session) finishEnding(reason string, final *ServerMessage) {
	s.logger.Debug("Interview session ending", zap.String("reason", reason))
	s.h.registry.Unregister(s)
	s.waitEvaluations(s.h.cfg.CloseGrace)
	s.cancel()
	s.closeConn(closeFrame{final: final, flush: true})
}

func (s *Session) waitEvaluations(d time.Duration) {
	done := make(chan struct{})
	go func() {
		s.evalWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		s.logger.Debug("Evaluations still pending at close")
	}
}

// readPump reads client frames until the socket closes or the client ends the session.
// It returns the end reason.
func (s *Session) readPump() string {
	s.conn.SetReadLimit(ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", zap.Error(err))
			}
			return "client disconnected"
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		msg, err := DecodeClientMessage(data)
		if err != nil {
			s.emit(errorMessage(err.Error()))
			continue
		}
		switch m := msg.(type) {
		case UserMessage:
			if m.SessionID != "" && m.SessionID != s.ID() {
				s.emit(errorMessage("sessionId does not match this connection"))
				continue
			}
			if s.State() != StateActive {
				s.logger.Debug("Dropping message received while ending")
				continue
			}
			if !s.enqueue(cycleJob{utterance: m.Message}) {
				s.emit(errorMessage(msgBusy))
			}
		case SessionEndedNotice:
			final := sessionEndedMessage(MsgEndedByClient)
			s.endGracefully("client ended session", &final)
			return "client ended session"
		}
	}
}

func (s *Session) enqueue(job cycleJob) bool {
	if s.State() != StateActive {
		return false
	}
	select {
	case s.jobs <- job:
		return true
	default:
		return false
	}
}

// runCycles processes reply cycles one at a time, in arrival order. Jobs still queued once
// the session leaves Active are discarded.
func (s *Session) runCycles() {
	defer close(s.cyclesDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case job := <-s.jobs:
			if s.ctx.Err() != nil {
				return
			}
			if s.State() != StateActive {
				continue
			}
			s.runCycle(job)
		}
	}
}

// runCycle handles one candidate utterance, or the greeting: it streams the interviewer
// reply to the client and runs the evaluation of the answer alongside.
func (s *Session) runCycle(job cycleJob) {
	var pending *pendingEvaluation
	if !job.greeting {
		turn := s.transcript.Append(models.SpeakerCandidate, job.utterance)
		if s.priorQuestion != "" && s.h.evaluator != nil {
			pending = s.startEvaluation(turn, s.priorQuestion)
		}
	}
	// Whatever happens below, an unattached evaluation goes out on its own.
	defer pending.release()

	ctx, cancel := context.WithTimeout(s.ctx, s.h.cfg.DialogueTimeout)
	defer cancel()

	var stream *dialogue.Stream
	if job.greeting {
		stream = s.conv.Open(ctx)
	} else {
		stream = s.conv.SendTurn(ctx, job.utterance)
	}
	defer stream.Close()

	var reply strings.Builder
	concluded := false
	for {
		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("Dialogue generation failed", zap.Bool("greeting", job.greeting), zap.Error(err))
			s.emit(errorMessage(msgReplyFailed))
			return
		}

		reply.WriteString(chunk.Text)
		concluded = chunk.Concluded

		out := models.Chunk{Text: chunk.Text, IsComplete: chunk.Complete}
		if len(chunk.Audio) > 0 {
			out.AudioBase64 = base64.StdEncoding.EncodeToString(chunk.Audio)
		}
		if ev, ok := pending.take(); ok {
			out.Evaluation = &ev
		}
		if !s.emit(chunkMessage(out)) {
			return
		}
		if chunk.Complete {
			break
		}
	}

	question := strings.TrimSpace(reply.String())
	s.transcript.Append(models.SpeakerInterviewer, question)
	s.priorQuestion = question

	// Leave Active before announcing the end so queued utterances get no further reply.
	if concluded && s.beginEnding() {
		s.emit(interviewEndedMessage(MsgInterviewConcluded))
		final := sessionEndedMessage(MsgInterviewConcluded)
		go s.finishEnding("interview concluded", &final)
	}
}

// startEvaluation evaluates turn against question in the background. The result is recorded
// under the turn's own sequence number whenever it resolves.
func (s *Session) startEvaluation(turn models.Turn, question string) *pendingEvaluation {
	// Add under mu so no evaluation starts once an end has begun waiting on evalWG.
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil
	}
	s.evalWG.Add(1)
	s.mu.Unlock()

	p := &pendingEvaluation{deliver: func(ev models.Evaluation) {
		s.emit(evaluationMessage(ev))
	}}
	go func() {
		defer s.evalWG.Done()
		ev, err := s.h.evaluator.Evaluate(s.ctx, question, turn.Text)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn("Evaluation skipped", zap.Int("turn_seq", turn.Seq), zap.Error(err))
			}
			return
		}
		ev.TurnSeq = turn.Seq
		ev.Question = question
		if err := s.evals.Record(ev); err != nil {
			s.logger.Warn("Evaluation not recorded", zap.Int("turn_seq", turn.Seq), zap.Error(err))
			return
		}
		p.resolve(ev)
	}()
	return p
}

// persist writes the session results with a fresh context; the connection is already gone.
func (s *Session) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), s.h.cfg.PersistTimeout)
	defer cancel()

	id := s.ID()
	turns := s.transcript.Turns()
	saved := true
	if err := s.h.store.SaveTranscript(ctx, id, transcript.Render(turns), turns); err != nil {
		s.logger.Error("Failed to save transcript", zap.Error(err))
		saved = false
	}
	if err := s.h.store.SaveEvaluations(ctx, id, s.evals.List()); err != nil {
		s.logger.Error("Failed to save evaluations", zap.Error(err))
		saved = false
	}
	s.mu.Lock()
	endedAt := s.endedAt
	s.mu.Unlock()
	if err := s.h.store.MarkEnded(ctx, id, endedAt); err != nil {
		s.logger.Error("Failed to mark session ended", zap.Error(err))
	}

	if s.h.reports == nil || !saved || s.transcript.Count(models.SpeakerCandidate) == 0 {
		return
	}
	if err := s.h.reports.EnqueueReport(ctx, id); err != nil {
		s.logger.Error("Failed to enqueue report", zap.Error(err))
	}
}

// pendingEvaluation hands an evaluation from its goroutine to the reply cycle. While the cycle
// runs, the result is attached to the next chunk; afterwards it is delivered on its own.
// A nil *pendingEvaluation is valid and holds nothing.
type pendingEvaluation struct {
	mu       sync.Mutex
	result   *models.Evaluation
	taken    bool
	released bool
	deliver  func(models.Evaluation)
}

func (p *pendingEvaluation) resolve(ev models.Evaluation) {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		p.deliver(ev)
		return
	}
	p.result = &ev
	p.mu.Unlock()
}

// take returns the evaluation once, if it has resolved.
func (p *pendingEvaluation) take() (models.Evaluation, bool) {
	if p == nil {
		return models.Evaluation{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result == nil || p.taken {
		return models.Evaluation{}, false
	}
	p.taken = true
	return *p.result, true
}

// release ends the cycle's claim. A resolved but untaken evaluation is delivered now,
// a later one when it resolves.
func (p *pendingEvaluation) release() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	ev, deliver := p.result, p.result != nil && !p.taken
	p.taken = p.taken || deliver
	p.mu.Unlock()
	if deliver {
		p.deliver(*ev)
	}
}
