// Package gateway is the protocol surface of the runtime: a REST API for
// session management and a WebSocket endpoint that drives the interactive
// tutoring loop.
package gateway

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nourmokhtar/evolvia/internal/bus"
	"github.com/nourmokhtar/evolvia/internal/config"
	"github.com/nourmokhtar/evolvia/internal/session"
	"github.com/nourmokhtar/evolvia/internal/stt"
	"github.com/nourmokhtar/evolvia/internal/teacher"
	"github.com/nourmokhtar/evolvia/internal/tts"
	"github.com/nourmokhtar/evolvia/internal/voice"
)

// Titles a session carries before anyone (user or model) named it.
func isGenericTitle(title string) bool {
	switch title {
	case "", "Session", "Current Session", "New Discussion", "Nouvelle Discussion":
		return true
	}
	return false
}

// Gateway owns the protocol layer. One Gateway serves many connections; each
// connection gets its own sequential loop and voice pipeline.
type Gateway struct {
	cfg        config.Config
	registry   *session.Registry
	engine     *teacher.Engine
	synth      tts.Synthesizer
	recognizer stt.Recognizer
	classifier voice.Classifier
	bus        *bus.Client
	metrics    *metrics
	log        *slog.Logger

	// pacing delay between text deltas; replaced in tests
	sleep func(time.Duration)
}

func New(cfg config.Config, registry *session.Registry, engine *teacher.Engine, synth tts.Synthesizer, recognizer stt.Recognizer, classifier voice.Classifier, busClient *bus.Client, logger *slog.Logger) (*Gateway, error) {
	m, err := newMetrics()
	if err != nil {
		return nil, err
	}
	return &Gateway{
		cfg:        cfg,
		registry:   registry,
		engine:     engine,
		synth:      synth,
		recognizer: recognizer,
		classifier: classifier,
		bus:        busClient,
		metrics:    m,
		log:        logger.With(slog.String("component", "gateway")),
		sleep:      time.Sleep,
	}, nil
}

// Router builds the HTTP surface: REST session management plus the WebSocket
// endpoint.
func (g *Gateway) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Route("/learn", func(r chi.Router) {
		r.Post("/session/start", g.handleStartSession)
		r.Get("/sessions", g.handleListSessions)
		r.Get("/sessions/{sessionID}", g.handleSessionDetail)
		r.Delete("/sessions/{sessionID}", g.handleDeleteSession)
		r.Patch("/sessions/{sessionID}", g.handleRenameSession)
		r.Delete("/sessions/{sessionID}/artifacts", g.handleDeleteArtifact)
		r.Post("/sessions/{sessionID}/upload-course", g.handleUploadCourse)
		r.Get("/study-hub-items", g.handleStudyHubItems)
		r.Get("/ws/{sessionID}", g.handleWebSocket)
	})
	return r
}

func (g *Gateway) pacingDelay() time.Duration {
	ms := g.cfg.Session.DeltaPacingMS
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// truncateRunes bounds a checkpoint summary without splitting a rune.
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
