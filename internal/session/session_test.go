package session

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nourmokhtar/evolvia/internal/protocol"
)

func testClock() func() time.Time {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func newTestState(t *testing.T, difficulty int) *State {
	t.Helper()
	return newState("sess-1", "lesson-1", "user-1", difficulty, "english", 10, testClock())
}

func TestStartResetsCounters(t *testing.T) {
	st := newTestState(t, 3)
	st.Pause("interrupt")
	st.WaitForAnswer()

	if err := st.Start(); err != nil {
		t.Fatalf("start from ANSWERING: %v", err)
	}
	if st.Status() != protocol.StatusTeaching {
		t.Fatalf("expected TEACHING, got %s", st.Status())
	}
	if st.Step() != 0 || st.Interruptions() != 0 {
		t.Fatalf("expected counters reset, got step=%d interruptions=%d", st.Step(), st.Interruptions())
	}
}

func TestStartInvalidFromTeaching(t *testing.T) {
	st := newTestState(t, 1)
	if err := st.Start(); err != nil {
		t.Fatalf("first start: %v", err)
	}
	err := st.Start()
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.From != protocol.StatusTeaching {
		t.Fatalf("expected From=TEACHING, got %s", ite.From)
	}
}

func TestPauseDifficultyPolicy(t *testing.T) {
	st := newTestState(t, 3)
	if err := st.Start(); err != nil {
		t.Fatal(err)
	}

	st.Pause("first")
	if st.Interruptions() != 1 {
		t.Fatalf("expected 1 interruption, got %d", st.Interruptions())
	}
	if st.Difficulty() != 3 {
		t.Fatalf("first interruption must not change difficulty, got %d", st.Difficulty())
	}

	// second pause without an intervening transition bumps the count but the
	// session is already PAUSED, so difficulty stays put
	st.Pause("second")
	if st.Interruptions() != 2 {
		t.Fatalf("expected 2 interruptions, got %d", st.Interruptions())
	}
	if st.Difficulty() != 3 {
		t.Fatalf("repeated pause must not change difficulty, got %d", st.Difficulty())
	}

	// leave PAUSED, then interrupt again: now the policy drops a level
	if err := st.Resume(); err != nil {
		t.Fatal(err)
	}
	if err := st.ContinueTeaching(); err != nil {
		t.Fatal(err)
	}
	st.Pause("third")
	if st.Difficulty() != 2 {
		t.Fatalf("expected difficulty 2 after repeated interruptions, got %d", st.Difficulty())
	}
}

func TestDifficultyNeverLeavesRange(t *testing.T) {
	st := newTestState(t, 1)
	if err := st.Start(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		st.Pause(fmt.Sprintf("interrupt-%d", i))
		if err := st.Resume(); err != nil {
			t.Fatal(err)
		}
		if err := st.ContinueTeaching(); err != nil {
			t.Fatal(err)
		}
		if d := st.Difficulty(); d < MinDifficulty || d > MaxDifficulty {
			t.Fatalf("difficulty escaped range: %d", d)
		}
	}
	if st.Difficulty() != MinDifficulty {
		t.Fatalf("expected floor difficulty, got %d", st.Difficulty())
	}

	st.SetDifficulty(7)
	if st.Difficulty() != MinDifficulty {
		t.Fatalf("out-of-range set must be a no-op, got %d", st.Difficulty())
	}
	st.SetDifficulty(5)
	if st.Difficulty() != 5 {
		t.Fatalf("in-range set must apply, got %d", st.Difficulty())
	}
}

func TestResumeRequiresPaused(t *testing.T) {
	st := newTestState(t, 2)
	if err := st.Start(); err != nil {
		t.Fatal(err)
	}
	var ite *InvalidTransitionError
	if err := st.Resume(); !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestContinueTeachingGuard(t *testing.T) {
	st := newTestState(t, 2)
	if err := st.Start(); err != nil {
		t.Fatal(err)
	}
	var ite *InvalidTransitionError
	if err := st.ContinueTeaching(); !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError from TEACHING, got %v", err)
	}

	st.WaitForAnswer()
	if err := st.ContinueTeaching(); err != nil {
		t.Fatalf("continue from ANSWERING: %v", err)
	}
	if st.Status() != protocol.StatusTeaching {
		t.Fatalf("expected TEACHING, got %s", st.Status())
	}
}

func TestHistoryBound(t *testing.T) {
	st := newState("s", "l", "u", 1, "english", 3, testClock())
	for i := 0; i < 6; i++ {
		st.AppendHistory("user", fmt.Sprintf("msg-%d", i))
	}
	hist := st.History()
	if len(hist) != 3 {
		t.Fatalf("expected bounded history of 3, got %d", len(hist))
	}
	if hist[0].Content != "msg-3" || hist[2].Content != "msg-5" {
		t.Fatalf("expected oldest-first eviction, got %+v", hist)
	}
}

func TestFlashcardArtifactDedup(t *testing.T) {
	st := newTestState(t, 1)
	cards := protocol.Payload{Cards: []protocol.Flashcard{{Front: "a", Back: "b"}}}
	if !st.AppendFlashcardArtifact(cards) {
		t.Fatal("first append must succeed")
	}
	if st.AppendFlashcardArtifact(cards) {
		t.Fatal("identical card set must be deduplicated")
	}
	other := protocol.Payload{Cards: []protocol.Flashcard{{Front: "c", Back: "d"}}}
	if !st.AppendFlashcardArtifact(other) {
		t.Fatal("distinct card set must be accepted")
	}
	if got := len(st.FlashcardArtifacts()); got != 2 {
		t.Fatalf("expected 2 artifacts, got %d", got)
	}
}

func TestArtifactDeletionByIndex(t *testing.T) {
	st := newTestState(t, 1)
	st.AppendQuizArtifact(protocol.Payload{Questions: []protocol.QuizQuestion{{Question: "q1"}}})
	st.AppendQuizArtifact(protocol.Payload{Questions: []protocol.QuizQuestion{{Question: "q2"}}})

	if st.DeleteQuizArtifact(5) {
		t.Fatal("out-of-range delete must fail")
	}
	if !st.DeleteQuizArtifact(0) {
		t.Fatal("in-range delete must succeed")
	}
	remaining := st.QuizArtifacts()
	if len(remaining) != 1 || remaining[0].Questions[0].Question != "q2" {
		t.Fatalf("unexpected remaining artifacts: %+v", remaining)
	}
}

func TestCheckpointAppend(t *testing.T) {
	st := newTestState(t, 1)
	if err := st.Start(); err != nil {
		t.Fatal(err)
	}
	st.NextStep()
	st.SetCheckpoint("covered the basics")
	st.NextStep()
	st.SetCheckpoint("moved on")

	cps := st.Checkpoints()
	if len(cps) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(cps))
	}
	if cps[0].StepID != 1 || cps[1].StepID != 2 {
		t.Fatalf("unexpected checkpoint steps: %+v", cps)
	}
	if st.CheckpointSummary() != "moved on" {
		t.Fatalf("expected latest summary, got %q", st.CheckpointSummary())
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	st := newTestState(t, 2)
	if err := st.Start(); err != nil {
		t.Fatal(err)
	}
	st.AppendHistory("user", "hello")
	st.AppendHistory("assistant", "hi there")
	st.NextStep()
	st.SetCheckpoint("greeting done")
	st.SetTitle("Greetings 101")
	st.SetUploadedDocument("course notes")

	rec := st.Snapshot()
	clone := stateFromRecord(rec, 10, testClock())

	if clone.ID() != st.ID() || clone.Status() != st.Status() {
		t.Fatalf("identity mismatch after round trip")
	}
	if clone.Step() != 1 || clone.Difficulty() != 2 {
		t.Fatalf("counter mismatch: step=%d difficulty=%d", clone.Step(), clone.Difficulty())
	}
	if len(clone.History()) != 2 {
		t.Fatalf("history mismatch: %+v", clone.History())
	}
	if clone.Title() != "Greetings 101" || clone.UploadedDocument() != "course notes" {
		t.Fatal("metadata mismatch after round trip")
	}
}

func TestInterruptionScenario(t *testing.T) {
	st := newTestState(t, 2)
	if err := st.Start(); err != nil {
		t.Fatal(err)
	}

	// user speaks while the teacher is teaching
	st.Pause("user interruption")
	if st.Interruptions() != 1 {
		t.Fatalf("expected interruptionCount 1, got %d", st.Interruptions())
	}
	if st.Difficulty() != 2 {
		t.Fatalf("first interruption must not lower difficulty, got %d", st.Difficulty())
	}
	st.WaitForAnswer()

	// turn completes
	if err := st.ContinueTeaching(); err != nil {
		t.Fatal(err)
	}
	st.NextStep()
	if st.Step() != 1 {
		t.Fatalf("expected step 1, got %d", st.Step())
	}
	if st.Status() != protocol.StatusTeaching {
		t.Fatalf("expected TEACHING after turn, got %s", st.Status())
	}
}
