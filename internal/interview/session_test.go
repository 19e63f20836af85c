package interview

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aura-interview/backend/internal/dialogue"
	"github.com/aura-interview/backend/internal/models"
	"github.com/aura-interview/backend/internal/registry"
)

// scriptModel serves every chat from one script keyed by call number (0 is the greeting).
type scriptModel struct {
	mu      sync.Mutex
	calls   int
	persona string
	script  func(ctx context.Context, call int, text string) iter.Seq2[string, error]
}

func (m *scriptModel) StartChat(ctx context.Context, instructions string) (dialogue.Chat, error) {
	m.mu.Lock()
	m.persona = instructions
	m.mu.Unlock()
	return m, nil
}

func (m *scriptModel) Send(ctx context.Context, text string) iter.Seq2[string, error] {
	m.mu.Lock()
	n := m.calls
	m.calls++
	m.mu.Unlock()
	return m.script(ctx, n, text)
}

func (m *scriptModel) Persona() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persona
}

func replies(parts ...string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, p := range parts {
			if !yield(p, nil) {
				return
			}
		}
	}
}

func failing(err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", err)
	}
}

type fakeEvaluator struct {
	gate chan struct{}
	err  error

	mu        sync.Mutex
	questions []string
	answers   []string
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, question, answer string) (models.Evaluation, error) {
	f.mu.Lock()
	f.questions = append(f.questions, question)
	f.answers = append(f.answers, answer)
	f.mu.Unlock()
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return models.Evaluation{}, ctx.Err()
		}
	}
	if f.err != nil {
		return models.Evaluation{}, f.err
	}
	return models.Evaluation{
		Scores:   models.Scores{Confidence: 80, Clarity: 70, Relevance: 60},
		Feedback: models.Feedback{Strengths: []string{"Specific numbers"}, ImprovementTip: "Add a result"},
	}, nil
}

func (f *fakeEvaluator) Questions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.questions...)
}

type fakeStore struct {
	mu          sync.Mutex
	sessions    map[string]*models.Session
	transcript  string
	turns       []models.Turn
	evaluations []models.Evaluation
	ended       chan struct{}
	endOnce     sync.Once
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: map[string]*models.Session{
			"abc": {ID: "abc", UserID: "u1", JobTitle: "Backend Engineer", CandidateName: "Ada", ResumeText: "Go, Postgres", Status: models.SessionStatusScheduled},
			"old": {ID: "old", Status: models.SessionStatusEnded},
		},
		ended: make(chan struct{}),
	}
}

func (f *fakeStore) LoadSession(ctx context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) SaveTranscript(ctx context.Context, id, text string, turns []models.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcript = text
	f.turns = turns
	return nil
}

func (f *fakeStore) SaveEvaluations(ctx context.Context, id string, evals []models.Evaluation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evaluations = evals
	return nil
}

func (f *fakeStore) MarkEnded(ctx context.Context, id string, at time.Time) error {
	f.endOnce.Do(func() { close(f.ended) })
	return nil
}

func (f *fakeStore) waitEnded(t *testing.T) {
	t.Helper()
	select {
	case <-f.ended:
	case <-time.After(5 * time.Second):
		t.Fatal("session was not persisted")
	}
}

func (f *fakeStore) snapshot() ([]models.Turn, []models.Evaluation, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turns, f.evaluations, f.transcript
}

type fakeScheduler struct {
	enqueued chan string
}

func (f *fakeScheduler) EnqueueReport(ctx context.Context, sessionID string) error {
	f.enqueued <- sessionID
	return nil
}

type harness struct {
	srv   *httptest.Server
	reg   *registry.Registry
	store *fakeStore
	sched *fakeScheduler
	model *scriptModel
	logs  *observer.ObservedLogs
}

func newHarness(t *testing.T, model *scriptModel, ev Evaluator) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)
	h := &harness{
		logs:  logs,
		reg:   registry.New(),
		store: newFakeStore(),
		sched: &fakeScheduler{enqueued: make(chan string, 4)},
		model: model,
	}
	engine := dialogue.NewEngine(model, nil, "Begin the interview.", nil)
	engine.SetEndMarker("[END_INTERVIEW]")
	handler, err := NewHandler(h.store, engine, ev, h.sched, h.reg, Config{
		PersonaTemplate: "You interview {{.CandidateName}} for {{.JobTitle}}. Say {{.EndMarker}} when done.",
		EndMarker:       "[END_INTERVIEW]",
		CloseGrace:      time.Second,
	}, zap.New(core))
	require.NoError(t, err)
	r := gin.New()
	r.GET("/ws/interview", handler.ServeWs)
	h.srv = httptest.NewServer(r)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/interview" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type wireMsg struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func readMsg(t *testing.T, conn *websocket.Conn) wireMsg {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var m wireMsg
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

// readReply reads one reply cycle. Messages of other types seen on the way are returned too.
func readReply(t *testing.T, conn *websocket.Conn) (chunks []models.Chunk, others []wireMsg) {
	t.Helper()
	for {
		m := readMsg(t, conn)
		if m.Type != TypeAIChunk {
			others = append(others, m)
			continue
		}
		var c models.Chunk
		require.NoError(t, json.Unmarshal(m.Data, &c))
		chunks = append(chunks, c)
		if c.IsComplete {
			return chunks, others
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func userMessage(text string) map[string]string {
	return map[string]string{"type": TypeUserMessage, "message": text, "sessionId": "abc"}
}

func greetingThen(rest func(ctx context.Context, call int, text string) iter.Seq2[string, error]) *scriptModel {
	return &scriptModel{script: func(ctx context.Context, call int, text string) iter.Seq2[string, error] {
		if call == 0 {
			return replies("Hello Ada. ", "Tell me about yourself.")
		}
		return rest(ctx, call, text)
	}}
}

func TestSession_RoundTrip(t *testing.T) {
	model := greetingThen(func(ctx context.Context, call int, text string) iter.Seq2[string, error] {
		return replies("Thanks. ", "What was your ", "biggest project?")
	})
	ev := &fakeEvaluator{}
	h := newHarness(t, model, ev)
	conn := h.dial(t, "?sessionId=abc")

	greeting, _ := readReply(t, conn)
	require.Len(t, greeting, 2)
	assert.Equal(t, "Hello Ada. ", greeting[0].Text)
	assert.False(t, greeting[0].IsComplete)
	assert.True(t, greeting[1].IsComplete)
	assert.Contains(t, model.Persona(), "You interview Ada for Backend Engineer.")

	send(t, conn, userMessage("I have 5 years of experience."))
	chunks, others := readReply(t, conn)
	require.NotEmpty(t, chunks)
	completes := 0
	for _, c := range chunks {
		if c.IsComplete {
			completes++
		}
	}
	assert.Equal(t, 1, completes)
	assert.True(t, chunks[len(chunks)-1].IsComplete)

	send(t, conn, map[string]string{"type": TypeSessionEnded, "message": "bye"})
	var final wireMsg
	for {
		m := readMsg(t, conn)
		if m.Type == TypeSessionEnded {
			final = m
			break
		}
		others = append(others, m)
	}
	assert.Equal(t, MsgEndedByClient, final.Message)

	attached := 0
	for _, c := range chunks {
		if c.Evaluation != nil {
			attached++
		}
	}
	for _, m := range others {
		if m.Type == TypeEvaluation {
			attached++
		}
	}
	assert.Equal(t, 1, attached, "evaluation delivered exactly once")

	h.store.waitEnded(t)
	turns, evals, text := h.store.snapshot()
	require.Len(t, turns, 3)
	assert.Equal(t, models.SpeakerInterviewer, turns[0].Speaker)
	assert.Equal(t, models.SpeakerCandidate, turns[1].Speaker)
	assert.Equal(t, models.SpeakerInterviewer, turns[2].Speaker)
	assert.Equal(t, "Thanks. What was your biggest project?", turns[2].Text)
	assert.Equal(t, "Interviewer: Hello Ada. Tell me about yourself.\nCandidate: I have 5 years of experience.\nInterviewer: Thanks. What was your biggest project?", text)

	require.Len(t, evals, 1)
	assert.Equal(t, 2, evals[0].TurnSeq)
	assert.Equal(t, []string{"Hello Ada. Tell me about yourself."}, ev.Questions())

	select {
	case id := <-h.sched.enqueued:
		assert.Equal(t, "abc", id)
	case <-time.After(5 * time.Second):
		t.Fatal("report not enqueued")
	}
	assert.Equal(t, 0, h.reg.Len())
}

func TestSession_MissingSessionID(t *testing.T) {
	h := newHarness(t, greetingThen(nil), nil)
	conn := h.dial(t, "")
	m := readMsg(t, conn)
	assert.Equal(t, TypeError, m.Type)
	assert.Equal(t, "sessionId is required", m.Error)
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestSession_UnknownAndEndedSessions(t *testing.T) {
	h := newHarness(t, greetingThen(nil), nil)

	m := readMsg(t, h.dial(t, "?sessionId=nope"))
	assert.Equal(t, "session not found", m.Error)

	m = readMsg(t, h.dial(t, "?sessionId=old"))
	assert.Equal(t, "session has already ended", m.Error)
}

func TestSession_SecondConnectionRejected(t *testing.T) {
	model := greetingThen(func(ctx context.Context, call int, text string) iter.Seq2[string, error] {
		return replies("Okay.")
	})
	h := newHarness(t, model, nil)
	first := h.dial(t, "?sessionId=abc")
	readReply(t, first)

	m := readMsg(t, h.dial(t, "?sessionId=abc"))
	assert.Equal(t, TypeError, m.Type)
	assert.Equal(t, "session already has a live connection", m.Error)
	assert.Equal(t, []string{"abc"}, h.reg.IDs())

	send(t, first, userMessage("Still here."))
	chunks, _ := readReply(t, first)
	assert.Equal(t, "Okay.", chunks[len(chunks)-1].Text)
}

func TestSession_ForceCloseDoesNotWaitForModel(t *testing.T) {
	started := make(chan struct{})
	model := greetingThen(func(ctx context.Context, call int, text string) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			close(started)
			<-ctx.Done()
			yield("", ctx.Err())
		}
	})
	h := newHarness(t, model, &fakeEvaluator{gate: make(chan struct{})})
	conn := h.dial(t, "?sessionId=abc")
	readReply(t, conn)

	send(t, conn, userMessage("Let me think about that."))
	<-started

	begin := time.Now()
	assert.True(t, h.reg.ForceClose("abc", ""))
	assert.Less(t, time.Since(begin), time.Second)

	closed := h.logs.FilterMessage("Interview session force closed").All()
	require.Len(t, closed, 1)
	assert.Equal(t, MsgTerminatedBySystem, closed[0].ContextMap()["reason"])

	m := readMsg(t, conn)
	assert.Equal(t, TypeSessionEnded, m.Type)
	assert.Equal(t, MsgTerminatedBySystem, m.Message)
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	assert.False(t, h.reg.ForceClose("abc", ""))
	assert.False(t, h.reg.ForceClose("abc", ""))

	h.store.waitEnded(t)
	turns, evals, _ := h.store.snapshot()
	assert.Len(t, turns, 2)
	assert.Empty(t, evals)
}

func TestSession_DialogueFailureKeepsSessionActive(t *testing.T) {
	model := greetingThen(func(ctx context.Context, call int, text string) iter.Seq2[string, error] {
		if call == 1 {
			return failing(errors.New("upstream 503"))
		}
		return replies("Understood. ", "Go on.")
	})
	h := newHarness(t, model, nil)
	conn := h.dial(t, "?sessionId=abc")
	readReply(t, conn)

	send(t, conn, userMessage("First try."))
	m := readMsg(t, conn)
	assert.Equal(t, TypeError, m.Type)
	assert.Equal(t, msgReplyFailed, m.Error)

	send(t, conn, userMessage("Second try."))
	chunks, _ := readReply(t, conn)
	assert.True(t, chunks[len(chunks)-1].IsComplete)

	send(t, conn, map[string]string{"type": TypeSessionEnded})
	h.store.waitEnded(t)
	turns, _, _ := h.store.snapshot()
	require.Len(t, turns, 4)
	assert.Equal(t, "First try.", turns[1].Text)
	assert.Equal(t, "Second try.", turns[2].Text)
}

func TestSession_ProtocolErrorsKeepSessionActive(t *testing.T) {
	model := greetingThen(func(ctx context.Context, call int, text string) iter.Seq2[string, error] {
		return replies("Okay.")
	})
	h := newHarness(t, model, nil)
	conn := h.dial(t, "?sessionId=abc")
	readReply(t, conn)

	send(t, conn, map[string]string{"type": "offer"})
	m := readMsg(t, conn)
	assert.Equal(t, TypeError, m.Type)
	assert.Contains(t, m.Error, "unsupported message type")

	send(t, conn, map[string]string{"type": TypeUserMessage, "message": "hi", "sessionId": "other"})
	m = readMsg(t, conn)
	assert.Equal(t, TypeError, m.Type)

	send(t, conn, userMessage("hi"))
	chunks, _ := readReply(t, conn)
	assert.Equal(t, "Okay.", chunks[len(chunks)-1].Text)
}

func TestSession_InterviewConclusion(t *testing.T) {
	model := greetingThen(func(ctx context.Context, call int, text string) iter.Seq2[string, error] {
		return replies("Thank you, that is all. ", "[END_INTERVIEW]")
	})
	h := newHarness(t, model, nil)
	conn := h.dial(t, "?sessionId=abc")
	readReply(t, conn)

	send(t, conn, userMessage("Thanks for having me."))
	chunks, _ := readReply(t, conn)
	for _, c := range chunks {
		assert.NotContains(t, c.Text, "[END_INTERVIEW]")
	}
	m := readMsg(t, conn)
	assert.Equal(t, TypeInterviewEnded, m.Type)
	m = readMsg(t, conn)
	assert.Equal(t, TypeSessionEnded, m.Type)

	h.store.waitEnded(t)
	turns, _, _ := h.store.snapshot()
	require.Len(t, turns, 3)
	assert.Equal(t, "Thank you, that is all.", turns[2].Text)
}

func TestSession_NoReplyAfterConclusion(t *testing.T) {
	proceed := make(chan struct{})
	model := greetingThen(func(ctx context.Context, call int, text string) iter.Seq2[string, error] {
		if call > 1 {
			return replies("Extra.")
		}
		return func(yield func(string, error) bool) {
			select {
			case <-proceed:
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			}
			for _, p := range []string{"Thank you, that is all. ", "[END_INTERVIEW]"} {
				if !yield(p, nil) {
					return
				}
			}
		}
	})
	h := newHarness(t, model, nil)
	conn := h.dial(t, "?sessionId=abc")
	readReply(t, conn)

	send(t, conn, userMessage("Thanks for having me."))
	send(t, conn, userMessage("One more thing."))
	time.Sleep(50 * time.Millisecond)
	close(proceed)

	var seen []string
	ended := false
	for {
		m := readMsg(t, conn)
		if m.Type == TypeAIChunk {
			assert.False(t, ended, "ai_chunk after interview_ended")
		}
		if m.Type == TypeInterviewEnded {
			ended = true
		}
		seen = append(seen, m.Type)
		if m.Type == TypeSessionEnded {
			break
		}
	}
	assert.True(t, ended)
	assert.NotContains(t, seen, TypeError)

	h.store.waitEnded(t)
	turns, _, _ := h.store.snapshot()
	require.Len(t, turns, 3)
	assert.Equal(t, "Thanks for having me.", turns[1].Text)
	assert.Equal(t, "Thank you, that is all.", turns[2].Text)

	model.mu.Lock()
	calls := model.calls
	model.mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestSession_TwoTurnRoundTrip(t *testing.T) {
	model := greetingThen(func(ctx context.Context, call int, text string) iter.Seq2[string, error] {
		if call == 1 {
			return replies("Nice. ", "How do you test it?")
		}
		return replies("Great. ", "Anything else?")
	})
	ev := &fakeEvaluator{}
	h := newHarness(t, model, ev)
	conn := h.dial(t, "?sessionId=abc")
	readReply(t, conn)

	send(t, conn, userMessage("I built a payments service."))
	readReply(t, conn)
	send(t, conn, userMessage("Table driven tests."))
	readReply(t, conn)

	send(t, conn, map[string]string{"type": TypeSessionEnded})
	for readMsg(t, conn).Type != TypeSessionEnded {
	}

	h.store.waitEnded(t)
	turns, evals, _ := h.store.snapshot()
	require.Len(t, turns, 5)
	for i, turn := range turns {
		want := models.SpeakerInterviewer
		if i%2 == 1 {
			want = models.SpeakerCandidate
		}
		assert.Equal(t, want, turn.Speaker, "turn %d", i)
	}
	assert.Equal(t, "Nice. How do you test it?", turns[2].Text)

	require.Len(t, evals, 2)
	assert.Equal(t, 2, evals[0].TurnSeq)
	assert.Equal(t, "Hello Ada. Tell me about yourself.", evals[0].Question)
	assert.Equal(t, 4, evals[1].TurnSeq)
	assert.Equal(t, "Nice. How do you test it?", evals[1].Question)
	assert.ElementsMatch(t, []string{"Hello Ada. Tell me about yourself.", "Nice. How do you test it?"}, ev.Questions())
}

func TestSession_EvaluationFailureIsSilent(t *testing.T) {
	model := greetingThen(func(ctx context.Context, call int, text string) iter.Seq2[string, error] {
		return replies("Okay. ", "Next question.")
	})
	h := newHarness(t, model, &fakeEvaluator{err: errors.New("model overloaded")})
	conn := h.dial(t, "?sessionId=abc")
	readReply(t, conn)

	send(t, conn, userMessage("My answer."))
	chunks, others := readReply(t, conn)
	require.NotEmpty(t, chunks)
	assert.True(t, chunks[len(chunks)-1].IsComplete)
	for _, c := range chunks {
		assert.Nil(t, c.Evaluation)
	}

	send(t, conn, map[string]string{"type": TypeSessionEnded})
	for {
		m := readMsg(t, conn)
		if m.Type == TypeSessionEnded {
			break
		}
		others = append(others, m)
	}
	for _, m := range others {
		assert.NotEqual(t, TypeError, m.Type)
		assert.NotEqual(t, TypeEvaluation, m.Type)
	}

	h.store.waitEnded(t)
	turns, evals, _ := h.store.snapshot()
	assert.Len(t, turns, 3)
	assert.Empty(t, evals)
}

func TestSession_LateEvaluationDeliveredOutOfBand(t *testing.T) {
	model := greetingThen(func(ctx context.Context, call int, text string) iter.Seq2[string, error] {
		return replies("Interesting. ", "Why Go?")
	})
	gate := make(chan struct{})
	h := newHarness(t, model, &fakeEvaluator{gate: gate})
	conn := h.dial(t, "?sessionId=abc")
	readReply(t, conn)

	send(t, conn, userMessage("I built a scheduler."))
	chunks, _ := readReply(t, conn)
	for _, c := range chunks {
		assert.Nil(t, c.Evaluation)
	}

	close(gate)
	m := readMsg(t, conn)
	require.Equal(t, TypeEvaluation, m.Type)
	var ev models.Evaluation
	require.NoError(t, json.Unmarshal(m.Data, &ev))
	assert.Equal(t, 2, ev.TurnSeq)
	assert.Equal(t, 80, ev.Scores.Confidence)
}

func TestPendingEvaluation(t *testing.T) {
	var delivered []models.Evaluation
	p := &pendingEvaluation{deliver: func(ev models.Evaluation) { delivered = append(delivered, ev) }}

	_, ok := p.take()
	assert.False(t, ok)

	p.resolve(models.Evaluation{TurnSeq: 2})
	ev, ok := p.take()
	require.True(t, ok)
	assert.Equal(t, 2, ev.TurnSeq)
	_, ok = p.take()
	assert.False(t, ok)

	p.release()
	assert.Empty(t, delivered)

	late := &pendingEvaluation{deliver: func(ev models.Evaluation) { delivered = append(delivered, ev) }}
	late.release()
	late.resolve(models.Evaluation{TurnSeq: 4})
	require.Len(t, delivered, 1)
	assert.Equal(t, 4, delivered[0].TurnSeq)

	var nilPending *pendingEvaluation
	nilPending.release()
	_, ok = nilPending.take()
	assert.False(t, ok)
}
