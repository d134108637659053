package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nourmokhtar/evolvia/internal/config"
	"github.com/nourmokhtar/evolvia/internal/language"
	"github.com/nourmokhtar/evolvia/internal/llm"
	"github.com/nourmokhtar/evolvia/internal/protocol"
	"github.com/nourmokhtar/evolvia/internal/session"
	"github.com/nourmokhtar/evolvia/internal/stt"
	"github.com/nourmokhtar/evolvia/internal/teacher"
	"github.com/nourmokhtar/evolvia/internal/tts"
	"github.com/nourmokhtar/evolvia/internal/voice"
)

// scriptedGen returns a fixed raw turn and fails title prompts so the
// background titling task stays quiet during assertions.
type scriptedGen struct {
	mu      sync.Mutex
	raw     string
	prompts []string
}

func (g *scriptedGen) Generate(_ context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	g.mu.Lock()
	g.prompts = append(g.prompts, req.Prompt)
	g.mu.Unlock()
	if strings.Contains(req.Prompt, "descriptive title") {
		return errors.New("title model unavailable")
	}
	return consumer(llm.Chunk{Content: g.raw})
}

func (g *scriptedGen) recorded() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

type wsFrame struct {
	Type websocket.MessageType
	Data []byte
}

// fakeSocket serves queued inbound frames, then reports a normal close.
type fakeSocket struct {
	mu       sync.Mutex
	inbound  []wsFrame
	outbound []wsFrame
}

func (s *fakeSocket) queueText(data string) {
	s.inbound = append(s.inbound, wsFrame{Type: websocket.MessageText, Data: []byte(data)})
}

func (s *fakeSocket) Read(_ context.Context) (websocket.MessageType, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inbound) == 0 {
		return 0, nil, websocket.CloseError{Code: websocket.StatusNormalClosure}
	}
	frame := s.inbound[0]
	s.inbound = s.inbound[1:]
	return frame.Type, frame.Data, nil
}

func (s *fakeSocket) Write(_ context.Context, typ websocket.MessageType, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbound = append(s.outbound, wsFrame{Type: typ, Data: append([]byte(nil), data...)})
	return nil
}

// sent returns the decoded type tags of all text frames, with "binary"
// standing in for binary frames.
func (s *fakeSocket) sent(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.outbound))
	for _, frame := range s.outbound {
		if frame.Type == websocket.MessageBinary {
			out = append(out, "binary")
			continue
		}
		var tag struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(frame.Data, &tag); err != nil {
			t.Fatalf("undecodable outbound frame: %v", err)
		}
		out = append(out, tag.Type)
	}
	return out
}

func (s *fakeSocket) textFrames(t *testing.T) [][]byte {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for _, frame := range s.outbound {
		if frame.Type == websocket.MessageText {
			out = append(out, frame.Data)
		}
	}
	return out
}

const scriptedTurn = `BOARD: [{"kind": "WRITE_TITLE", "payload": {"text": "Goroutines"}}, {"kind": "WRITE_BULLET", "payload": {"text": "Lightweight threads"}}] SPEECH: Goroutines are cheap.`

func newTestGateway(t *testing.T, gen llm.Generator) *Gateway {
	t.Helper()
	cfg := config.Default()
	cfg.Session.DeltaPacingMS = 0

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	engine := teacher.NewEngine(gen, language.NewDetector(), cfg.LLM, logger)
	classifier, err := voice.NewClassifier(cfg.Voice)
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	gw, err := New(cfg, session.NewRegistry(nil), engine, tts.NewMockSynth(16000, 1), stt.NewMockRecognizer(), classifier, nil, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	gw.sleep = func(time.Duration) {}
	return gw
}

func newTestSession(t *testing.T, gw *Gateway) *session.State {
	t.Helper()
	st, err := gw.registry.Create(context.Background(), "sess-1", "lesson-1", "user-1", 2, "english")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return st
}

func runConn(t *testing.T, gw *Gateway, st *session.State, sock *fakeSocket) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	conn := gw.newConn(sock, st, logger)
	if err := conn.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestUserMessageEmitsTurnInOrder(t *testing.T) {
	gen := &scriptedGen{raw: scriptedTurn}
	gw := newTestGateway(t, gen)
	st := newTestSession(t, gw)
	st.SetTitle("Concurrency Basics") // suppress background titling

	sock := &fakeSocket{}
	sock.queueText(`{"type":"USER_MESSAGE","session_id":"sess-1","text":"explain goroutines"}`)
	runConn(t, gw, st, sock)

	want := []string{
		protocol.TypeStatus, // initial
		protocol.TypeStatus, // ANSWERING
		protocol.TypeStatus, // TEACHING
	}
	got := sock.sent(t)
	if len(got) < len(want) {
		t.Fatalf("too few events: %v", got)
	}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("event %d: expected %s, got %s (all: %v)", i, w, got[i], got)
		}
	}

	// "Goroutines are cheap." streams as three deltas, then two board
	// actions, the final event, the audio payload, and the checkpoint.
	rest := got[len(want):]
	wantRest := []string{
		protocol.TypeTeacherTextDelta,
		protocol.TypeTeacherTextDelta,
		protocol.TypeTeacherTextDelta,
		protocol.TypeBoardAction,
		protocol.TypeBoardAction,
		protocol.TypeTeacherTextFinal,
		"binary",
		protocol.TypeCheckpoint,
	}
	if len(rest) != len(wantRest) {
		t.Fatalf("expected %v, got %v", wantRest, rest)
	}
	for i, w := range wantRest {
		if rest[i] != w {
			t.Fatalf("event %d: expected %s, got %s (all: %v)", i, w, rest[i], rest)
		}
	}

	if st.Step() != 1 {
		t.Fatalf("expected step counter 1, got %d", st.Step())
	}
	if st.Status() != protocol.StatusTeaching {
		t.Fatalf("expected TEACHING after turn, got %s", st.Status())
	}
	if st.CheckpointSummary() != "explain goroutines" {
		t.Fatalf("unexpected checkpoint %q", st.CheckpointSummary())
	}
	if len(st.History()) != 2 {
		t.Fatalf("expected user+assistant history, got %d entries", len(st.History()))
	}
}

func TestUserMessageDuringTeachingIsTaggedInterruption(t *testing.T) {
	gen := &scriptedGen{raw: scriptedTurn}
	gw := newTestGateway(t, gen)
	st := newTestSession(t, gw)
	st.SetTitle("Named")
	if err := st.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	sock := &fakeSocket{}
	sock.queueText(`{"type":"USER_MESSAGE","session_id":"sess-1","text":"wait, what is a channel?"}`)
	runConn(t, gw, st, sock)

	if st.Interruptions() != 1 {
		t.Fatalf("expected one interruption, got %d", st.Interruptions())
	}
	if st.Difficulty() != 2 {
		t.Fatalf("first interruption must not change difficulty, got %d", st.Difficulty())
	}

	var tagged bool
	for _, prompt := range gen.recorded() {
		if strings.Contains(prompt, teacher.TagInterruption+"wait, what is a channel?") {
			tagged = true
		}
	}
	if !tagged {
		t.Fatal("expected interruption tag in the model prompt")
	}
}

func TestUserMessageWhilePausedIsTaggedFollowUp(t *testing.T) {
	gen := &scriptedGen{raw: scriptedTurn}
	gw := newTestGateway(t, gen)
	st := newTestSession(t, gw)
	st.SetTitle("Named")
	if err := st.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	st.Pause("user clicked pause")

	sock := &fakeSocket{}
	sock.queueText(`{"type":"USER_MESSAGE","session_id":"sess-1","text":"one more thing"}`)
	runConn(t, gw, st, sock)

	var tagged bool
	for _, prompt := range gen.recorded() {
		if strings.Contains(prompt, teacher.TagFollowUp+"one more thing") {
			tagged = true
		}
	}
	if !tagged {
		t.Fatal("expected follow-up tag in the model prompt")
	}
}

func TestResumeEmitsResumingThenTeaching(t *testing.T) {
	gen := &scriptedGen{raw: scriptedTurn}
	gw := newTestGateway(t, gen)
	st := newTestSession(t, gw)
	st.SetTitle("Named")
	if err := st.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	st.Pause("break")

	sock := &fakeSocket{}
	sock.queueText(`{"type":"RESUME","session_id":"sess-1","step_id":0}`)
	runConn(t, gw, st, sock)

	var statuses []protocol.SessionStatus
	for _, data := range sock.textFrames(t) {
		var ev protocol.Status
		if err := json.Unmarshal(data, &ev); err == nil && ev.Type == protocol.TypeStatus {
			statuses = append(statuses, ev.Status)
		}
	}
	want := []protocol.SessionStatus{protocol.StatusPaused, protocol.StatusResuming, protocol.StatusTeaching}
	if len(statuses) != len(want) {
		t.Fatalf("expected statuses %v, got %v", want, statuses)
	}
	for i, w := range want {
		if statuses[i] != w {
			t.Fatalf("status %d: expected %s, got %s", i, w, statuses[i])
		}
	}
	if st.Status() != protocol.StatusTeaching {
		t.Fatalf("expected TEACHING, got %s", st.Status())
	}
}

func TestInvalidEventKeepsLoopAlive(t *testing.T) {
	gen := &scriptedGen{raw: scriptedTurn}
	gw := newTestGateway(t, gen)
	st := newTestSession(t, gw)
	st.SetTitle("Named")

	sock := &fakeSocket{}
	sock.queueText(`{"type":"NO_SUCH_EVENT"}`)
	sock.queueText(`{"type":"CHANGE_DIFFICULTY","session_id":"sess-1","level":4}`)
	runConn(t, gw, st, sock)

	got := sock.sent(t)
	// initial status, error, then the status from the difficulty change
	want := []string{protocol.TypeStatus, protocol.TypeError, protocol.TypeStatus}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("event %d: expected %s, got %s", i, w, got[i])
		}
	}
	if st.Difficulty() != 4 {
		t.Fatalf("expected difficulty 4, got %d", st.Difficulty())
	}
}

func TestHistoryReplayedOnConnect(t *testing.T) {
	gen := &scriptedGen{raw: scriptedTurn}
	gw := newTestGateway(t, gen)
	st := newTestSession(t, gw)
	st.SetTitle("Named")
	st.AppendHistory("user", "hello")
	st.AppendHistory("assistant", "hi there")

	sock := &fakeSocket{}
	runConn(t, gw, st, sock)

	got := sock.sent(t)
	want := []string{protocol.TypeStatus, protocol.TypeHistory}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	var hist protocol.History
	if err := json.Unmarshal(sock.textFrames(t)[1], &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.History) != 2 || hist.History[0].Content != "hello" {
		t.Fatalf("unexpected history payload: %+v", hist.History)
	}
}

func TestQuizTurnPersistsArtifacts(t *testing.T) {
	raw := `BOARD: [{"kind": "WRITE_TITLE", "payload": {"text": "Review"}}, {"kind": "SHOW_QUIZ", "payload": {"questions": [{"question": "Q1?", "options": ["a", "b", "c", "d"], "correct_index": 1}]}}] SPEECH: Let's see how much you've learned!`
	gen := &scriptedGen{raw: raw}
	gw := newTestGateway(t, gen)
	st := newTestSession(t, gw)
	st.SetTitle("Named")

	sock := &fakeSocket{}
	sock.queueText(`{"type":"REQUEST_QUIZ","session_id":"sess-1"}`)
	runConn(t, gw, st, sock)

	quizzes := st.QuizArtifacts()
	if len(quizzes) != 1 {
		t.Fatalf("expected one quiz artifact, got %d", len(quizzes))
	}
	if len(quizzes[0].Questions) != 1 || quizzes[0].Questions[0].CorrectIndex != 1 {
		t.Fatalf("unexpected quiz payload: %+v", quizzes[0])
	}

	var final protocol.TeacherTextFinal
	var found bool
	for _, data := range sock.textFrames(t) {
		if err := json.Unmarshal(data, &final); err == nil && final.Type == protocol.TypeTeacherTextFinal {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("expected a final event")
	}
	if final.Text != "It's time to test your knowledge" {
		t.Fatalf("unexpected quiz speech %q", final.Text)
	}
}

func TestFlashcardTurnDeduplicatesArtifacts(t *testing.T) {
	raw := `BOARD: [{"kind": "SHOW_FLASHCARDS", "payload": {"cards": [{"front": "Goroutine", "back": "A lightweight thread."}]}}] SPEECH: Flip them over!`
	gen := &scriptedGen{raw: raw}
	gw := newTestGateway(t, gen)
	st := newTestSession(t, gw)
	st.SetTitle("Named")

	sock := &fakeSocket{}
	sock.queueText(`{"type":"REQUEST_FLASHCARDS","session_id":"sess-1"}`)
	sock.queueText(`{"type":"REQUEST_FLASHCARDS","session_id":"sess-1"}`)
	runConn(t, gw, st, sock)

	if got := len(st.FlashcardArtifacts()); got != 1 {
		t.Fatalf("expected identical card sets to dedup to one artifact, got %d", got)
	}
}

func TestQuizResultRebroadcastsStatusWithoutDifficultyChange(t *testing.T) {
	gen := &scriptedGen{raw: scriptedTurn}
	gw := newTestGateway(t, gen)
	st := newTestSession(t, gw)
	st.SetTitle("Named")

	sock := &fakeSocket{}
	sock.queueText(`{"type":"USER_MESSAGE","session_id":"sess-1","text":"[QUIZ_RESULT: CORRECT]"}`)
	runConn(t, gw, st, sock)

	if st.Difficulty() != 2 {
		t.Fatalf("quiz results must not move difficulty, got %d", st.Difficulty())
	}
	got := sock.sent(t)
	// initial, ANSWERING, TEACHING, plus the quiz-result re-broadcast
	if len(got) < 4 || got[3] != protocol.TypeStatus {
		t.Fatalf("expected a fourth STATUS re-broadcast, got %v", got)
	}
}
