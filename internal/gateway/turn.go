package gateway

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nourmokhtar/evolvia/internal/protocol"
	"github.com/nourmokhtar/evolvia/internal/teacher"
	"github.com/nourmokhtar/evolvia/internal/tts"
)

const quizResultMarker = "[QUIZ_RESULT:"

// audioJob is the one deliberate concurrency point per turn: synthesis runs
// while deltas and board actions stream, and is joined exactly once before
// the audio payload is sent.
type audioJob struct {
	done chan struct{}
	data []byte
}

func (c *conn) startAudio(ctx context.Context, speech, iso string) *audioJob {
	job := &audioJob{done: make(chan struct{})}
	go func() {
		defer close(job.done)
		data, err := c.gw.synth.Synthesize(ctx, tts.Request{
			SessionID: c.sess.ID(),
			Text:      speech,
			Language:  iso,
			Voice:     c.gw.cfg.TTS.Voice,
		})
		if err != nil {
			c.log.Warn("audio synthesis failed", slogError(err))
			return
		}
		job.data = data
	}()
	return job
}

func (j *audioJob) wait() []byte {
	<-j.done
	return j.data
}

func (c *conn) turnInput(studentInput string) teacher.TurnInput {
	return teacher.TurnInput{
		SessionID:       c.sess.ID(),
		StepID:          c.sess.Step(),
		LessonContext:   c.sess.UploadedDocument(),
		StudentInput:    studentInput,
		LastCheckpoint:  c.sess.CheckpointSummary(),
		Difficulty:      c.sess.Difficulty(),
		Interruptions:   c.sess.Interruptions(),
		History:         c.sess.History(),
		SessionLanguage: c.sess.Language(),
	}
}

// handleUserMessage runs one full teaching turn for typed or transcribed
// student input.
func (c *conn) handleUserMessage(ctx context.Context, text string) error {
	wasPaused := c.sess.Status() == protocol.StatusPaused
	wasTeaching := c.sess.Status() == protocol.StatusTeaching
	isInterruption := wasPaused || wasTeaching

	// Speaking over the teacher pauses the lesson first; speaking while
	// already paused means the user is taking the floor (pause already
	// counted the interruption).
	if isInterruption && !wasPaused {
		c.sess.Pause("User interrupted with new question")
	}
	c.sess.WaitForAnswer()

	if err := c.sendStatus(ctx, protocol.StatusAnswering, ""); err != nil {
		return err
	}
	if err := c.sendStatus(ctx, protocol.StatusTeaching, ""); err != nil {
		return err
	}

	studentInput := text
	if strings.Contains(studentInput, quizResultMarker) {
		c.sess.HandleQuizResult(strings.Contains(studentInput, "CORRECT"))
		// the client needs the (unchanged) difficulty echoed back right away
		if err := c.sendStatus(ctx, c.sess.Status(), ""); err != nil {
			return err
		}
	} else if isInterruption {
		if wasPaused {
			studentInput = teacher.TagFollowUp + studentInput
		} else {
			studentInput = teacher.TagInterruption + studentInput
		}
	}

	c.sess.AppendHistory("user", studentInput)
	if err := c.gw.registry.Update(ctx, c.sess); err != nil {
		c.log.Warn("failed to persist session", slogError(err))
	}

	resp := c.gw.engine.Respond(ctx, c.turnInput(studentInput))
	c.sess.SetLanguage(resp.Language)

	if err := c.emitTurn(ctx, resp); err != nil {
		return err
	}

	c.maybeGenerateTitle(ctx)

	c.sess.AppendHistory("assistant", resp.Speech)
	if err := c.sess.ContinueTeaching(); err != nil {
		return err
	}
	c.sess.NextStep()
	summary := truncateRunes(text, c.gw.cfg.Session.CheckpointMaxLen)
	c.sess.SetCheckpoint(summary)
	err := c.send(ctx, protocol.Checkpoint{
		Type:         protocol.TypeCheckpoint,
		SessionID:    c.sess.ID(),
		StepID:       c.sess.Step(),
		ShortSummary: summary,
	})
	if err != nil {
		return err
	}
	if err := c.gw.registry.Update(ctx, c.sess); err != nil {
		c.log.Warn("failed to persist session", slogError(err))
	}

	c.gw.metrics.turnCompleted(ctx)
	c.publishTurn(resp)
	return nil
}

func (c *conn) handleRequestQuiz(ctx context.Context) error {
	c.log.Info("quiz requested")
	c.sess.WaitForAnswer()
	if err := c.sendStatus(ctx, protocol.StatusAnswering, ""); err != nil {
		return err
	}

	resp := c.gw.engine.Quiz(ctx, c.turnInput("[USER REQUESTED QUIZ]"))

	if err := c.sendStatus(ctx, protocol.StatusTeaching, ""); err != nil {
		return err
	}
	if err := c.emitTurn(ctx, resp); err != nil {
		return err
	}
	if err := c.gw.registry.Update(ctx, c.sess); err != nil {
		c.log.Warn("failed to persist session", slogError(err))
	}
	c.gw.metrics.turnCompleted(ctx)
	c.publishTurn(resp)
	return nil
}

func (c *conn) handleRequestFlashcards(ctx context.Context) error {
	c.log.Info("flashcards requested")
	c.sess.WaitForAnswer()
	if err := c.sendStatus(ctx, protocol.StatusTeaching, ""); err != nil {
		return err
	}

	resp := c.gw.engine.Flashcards(ctx, c.turnInput("[USER REQUESTED FLASHCARDS]"))

	if err := c.emitTurn(ctx, resp); err != nil {
		return err
	}

	c.sess.AppendHistory("assistant", resp.Speech)
	if err := c.sess.ContinueTeaching(); err != nil {
		return err
	}
	c.sess.NextStep()
	if err := c.gw.registry.Update(ctx, c.sess); err != nil {
		c.log.Warn("failed to persist session", slogError(err))
	}
	c.gw.metrics.turnCompleted(ctx)
	c.publishTurn(resp)
	return nil
}

// emitTurn streams one parsed turn in the fixed order: word deltas, board
// actions (persisting artifacts as they pass), the consolidated final event,
// then the audio payload. Synthesis overlaps with everything before the
// audio payload.
func (c *conn) emitTurn(ctx context.Context, resp teacher.Response) error {
	job := c.startAudio(ctx, resp.Speech, resp.ISO)

	pacing := c.gw.pacingDelay()
	for _, word := range strings.Fields(resp.Speech) {
		err := c.send(ctx, protocol.TeacherTextDelta{
			Type:      protocol.TypeTeacherTextDelta,
			SessionID: c.sess.ID(),
			Delta:     word + " ",
		})
		if err != nil {
			return err
		}
		if pacing > 0 {
			c.gw.sleep(pacing)
		}
	}

	for _, action := range resp.Actions {
		err := c.send(ctx, protocol.BoardActionEvent{
			Type:      protocol.TypeBoardAction,
			SessionID: c.sess.ID(),
			Action:    action,
		})
		if err != nil {
			return err
		}
		c.persistArtifact(ctx, action)
	}

	audio := job.wait()

	err := c.send(ctx, protocol.TeacherTextFinal{
		Type:         protocol.TypeTeacherTextFinal,
		SessionID:    c.sess.ID(),
		Text:         resp.Speech,
		BoardActions: resp.Actions,
	})
	if err != nil {
		return err
	}

	if len(audio) > 0 {
		if err := c.sendBinary(ctx, audio); err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) persistArtifact(ctx context.Context, action protocol.BoardAction) {
	switch action.Kind {
	case protocol.KindShowQuiz:
		c.sess.AppendQuizArtifact(action.Payload)
	case protocol.KindShowFlashcards:
		if !c.sess.AppendFlashcardArtifact(action.Payload) {
			return
		}
	default:
		return
	}
	if err := c.gw.registry.Update(ctx, c.sess); err != nil {
		c.log.Warn("failed to persist artifact", slogError(err))
	}
}

// maybeGenerateTitle names a still-untitled session from its history. Runs
// in the background; a failure keeps the old title and is only logged.
func (c *conn) maybeGenerateTitle(ctx context.Context) {
	if !isGenericTitle(c.sess.Title()) {
		return
	}
	history := c.sess.History()
	go func() {
		tctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		title, err := c.gw.engine.GenerateTitle(tctx, c.sess.ID(), history)
		if err != nil {
			c.log.Warn("title generation failed", slogError(err))
			return
		}
		if isGenericTitle(title) {
			return
		}
		c.sess.SetTitle(title)
		if err := c.gw.registry.Update(tctx, c.sess); err != nil {
			c.log.Warn("failed to persist title", slogError(err))
		}
		c.log.Info("session titled", slog.String("title", title))
		if err := c.sendStatus(ctx, c.sess.Status(), "Session titled: "+title); err != nil {
			c.log.Warn("failed to broadcast new title", slogError(err))
		}
	}()
}
