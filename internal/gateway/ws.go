package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/nourmokhtar/evolvia/internal/protocol"
	"github.com/nourmokhtar/evolvia/internal/session"
	"github.com/nourmokhtar/evolvia/internal/teacher"
	"github.com/nourmokhtar/evolvia/internal/voice"
)

// Close code sent when a client connects to a session that does not exist.
const closeSessionNotFound websocket.StatusCode = 4004

// socket is the slice of *websocket.Conn the connection loop needs. Tests
// substitute an in-memory implementation.
type socket interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	log := g.log.With(slog.String("session_id", sessionID))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		log.Warn("websocket accept failed", slogError(err))
		return
	}

	sess, err := g.registry.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			log.Warn("websocket connect to unknown session")
			_ = ws.Close(closeSessionNotFound, "Session not found")
			return
		}
		log.Error("session lookup failed", slogError(err))
		_ = ws.Close(websocket.StatusInternalError, "session lookup failed")
		return
	}

	g.metrics.connectionOpened(r.Context())
	defer g.metrics.connectionClosed(context.Background())

	log.Info("websocket connected")
	conn := g.newConn(ws, sess, log)
	if err := conn.run(r.Context()); err != nil {
		log.Warn("websocket loop ended with error", slogError(err))
	}
	_ = ws.Close(websocket.StatusNormalClosure, "session ended")
	log.Info("websocket disconnected")
}

// conn is the per-connection state: one session, one voice pipeline, one
// sequential message loop. Only the writeMu-guarded send escapes the loop
// (the background title task reuses it).
type conn struct {
	gw   *Gateway
	sock socket
	sess *session.State
	pipe *voice.Pipeline
	log  *slog.Logger

	writeMu sync.Mutex
}

func (g *Gateway) newConn(sock socket, sess *session.State, log *slog.Logger) *conn {
	return &conn{
		gw:   g,
		sock: sock,
		sess: sess,
		pipe: voice.NewPipeline(g.cfg.Voice, g.classifier, g.recognizer, log),
		log:  log,
	}
}

func (c *conn) send(ctx context.Context, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal outbound event: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.Write(ctx, websocket.MessageText, data)
}

func (c *conn) sendBinary(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.Write(ctx, websocket.MessageBinary, data)
}

func (c *conn) sendStatus(ctx context.Context, status protocol.SessionStatus, message string) error {
	return c.send(ctx, protocol.Status{
		Type:            protocol.TypeStatus,
		SessionID:       c.sess.ID(),
		Status:          status,
		DifficultyLevel: c.sess.Difficulty(),
		DifficultyTitle: session.DifficultyTitle(c.sess.Difficulty()),
		Progress:        c.sess.Progress(),
		Message:         message,
	})
}

func (c *conn) sendError(ctx context.Context, code, message string) {
	err := c.send(ctx, protocol.ErrorEvent{
		Type:      protocol.TypeError,
		SessionID: c.sess.ID(),
		ErrorCode: code,
		Message:   message,
	})
	if err != nil {
		c.log.Warn("failed to send error event", slogError(err))
	}
}

// run is the connection loop: initial status, history replay, then one
// inbound message at a time until the client goes away.
func (c *conn) run(ctx context.Context) error {
	if err := c.sendStatus(ctx, c.sess.Status(), ""); err != nil {
		return err
	}
	if history := c.sess.History(); len(history) > 0 {
		c.log.Info("replaying history", slog.Int("entries", len(history)))
		err := c.send(ctx, protocol.History{
			Type:      protocol.TypeHistory,
			SessionID: c.sess.ID(),
			History:   history,
		})
		if err != nil {
			return err
		}
	}

	for {
		typ, data, err := c.sock.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		switch typ {
		case websocket.MessageText:
			c.dispatch(ctx, data)
		case websocket.MessageBinary:
			c.handleAudioChunk(ctx, data)
		}
	}
}

// dispatch decodes and handles one inbound event. Failures never end the
// connection; the client gets an ERROR event and the loop keeps going.
func (c *conn) dispatch(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic handling event", slog.Any("panic", r))
			c.sendError(ctx, "INTERNAL_ERROR", fmt.Sprintf("%v", r))
		}
	}()

	event, err := protocol.DecodeInbound(data)
	if err != nil {
		c.log.Warn("undecodable inbound event", slogError(err))
		c.sendError(ctx, "INVALID_EVENT", err.Error())
		return
	}

	if err := c.handleEvent(ctx, event); err != nil {
		c.log.Error("event handling failed", slogError(err))
		c.sendError(ctx, "INTERNAL_ERROR", err.Error())
	}
}

func (c *conn) handleEvent(ctx context.Context, event protocol.InboundEvent) error {
	switch ev := event.(type) {
	case *protocol.UserMessage:
		return c.handleUserMessage(ctx, ev.Text)
	case *protocol.Interrupt:
		return c.handleInterrupt(ctx, ev)
	case *protocol.Resume:
		return c.handleResume(ctx)
	case *protocol.ChangeDifficulty:
		return c.handleChangeDifficulty(ctx, ev.Level)
	case *protocol.ToggleVoice:
		return c.handleToggleVoice(ctx, ev.Action)
	case *protocol.RequestQuiz:
		return c.handleRequestQuiz(ctx)
	case *protocol.RequestFlashcards:
		return c.handleRequestFlashcards(ctx)
	case *protocol.StartLesson:
		c.sendError(ctx, "INVALID_EVENT", "sessions are started over the REST endpoint")
		return nil
	default:
		c.sendError(ctx, "INVALID_EVENT", fmt.Sprintf("unhandled event %T", event))
		return nil
	}
}

// handleAudioChunk feeds raw PCM into the voice pipeline. A completed
// utterance re-enters the loop as a user message.
func (c *conn) handleAudioChunk(ctx context.Context, chunk []byte) {
	text, err := c.pipe.AddChunk(ctx, chunk, teacher.ISOCode(c.sess.Language()))
	if err != nil {
		c.log.Warn("voice transcription failed", slogError(err))
		return
	}
	if text == "" {
		return
	}
	c.log.Info("voice input captured", slog.String("text", text))
	c.gw.metrics.transcription(ctx)
	c.publishTranscript(text)
	if err := c.handleUserMessage(ctx, text); err != nil {
		c.log.Error("voice-triggered turn failed", slogError(err))
		c.sendError(ctx, "INTERNAL_ERROR", err.Error())
	}
}

func (c *conn) handleInterrupt(ctx context.Context, ev *protocol.Interrupt) error {
	reason := ev.Reason
	if reason == "" {
		reason = "User paused"
	}
	c.sess.Pause(reason)
	if err := c.sendStatus(ctx, protocol.StatusPaused, ""); err != nil {
		return err
	}
	return c.gw.registry.Update(ctx, c.sess)
}

func (c *conn) handleResume(ctx context.Context) error {
	if err := c.sess.Resume(); err != nil {
		return err
	}
	if err := c.sendStatus(ctx, protocol.StatusResuming, ""); err != nil {
		return err
	}
	if err := c.sess.ContinueTeaching(); err != nil {
		return err
	}
	if err := c.sendStatus(ctx, protocol.StatusTeaching, ""); err != nil {
		return err
	}
	return c.gw.registry.Update(ctx, c.sess)
}

func (c *conn) handleChangeDifficulty(ctx context.Context, level int) error {
	c.sess.SetDifficulty(level)
	c.log.Info("difficulty changed",
		slog.Int("level", c.sess.Difficulty()),
		slog.String("title", session.DifficultyTitle(c.sess.Difficulty())))
	if err := c.sendStatus(ctx, c.sess.Status(), ""); err != nil {
		return err
	}
	return c.gw.registry.Update(ctx, c.sess)
}

func (c *conn) handleToggleVoice(ctx context.Context, action string) error {
	switch action {
	case "start":
		c.pipe.StartRecording()
		return nil
	case "stop":
		text, err := c.pipe.EndRecording(ctx, teacher.ISOCode(c.sess.Language()))
		if err != nil {
			return fmt.Errorf("end recording: %w", err)
		}
		c.log.Info("manual voice input captured", slog.String("text", text))
		if text != "" {
			c.gw.metrics.transcription(ctx)
			c.publishTranscript(text)
		}
		return c.send(ctx, protocol.VoiceTranscription{
			Type:      protocol.TypeVoiceTranscription,
			SessionID: c.sess.ID(),
			Text:      text,
		})
	default:
		c.sendError(ctx, "INVALID_EVENT", fmt.Sprintf("unknown voice action %q", action))
		return nil
	}
}

func (c *conn) publishTranscript(text string) {
	err := c.gw.bus.PublishJSON(protocol.SubjectTranscriptFinal, protocol.Transcript{
		SessionID: c.sess.ID(),
		Text:      text,
		Language:  c.sess.Language(),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		c.log.Warn("failed to publish transcript", slogError(err))
	}
}

func (c *conn) publishTurn(resp teacher.Response) {
	err := c.gw.bus.PublishJSON(protocol.SubjectTurnCompleted, protocol.TurnRecord{
		SessionID:   c.sess.ID(),
		StepID:      c.sess.Step(),
		Speech:      resp.Speech,
		ActionCount: len(resp.Actions),
		Language:    resp.Language,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		c.log.Warn("failed to publish turn record", slogError(err))
	}
}
