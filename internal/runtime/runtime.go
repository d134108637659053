// Package runtime assembles the daemon: telemetry, store, bus, providers,
// and the gateway, behind one HTTP server with health endpoints.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nourmokhtar/evolvia/internal/bus"
	"github.com/nourmokhtar/evolvia/internal/config"
	"github.com/nourmokhtar/evolvia/internal/gateway"
	"github.com/nourmokhtar/evolvia/internal/language"
	"github.com/nourmokhtar/evolvia/internal/llm"
	"github.com/nourmokhtar/evolvia/internal/natsserver"
	"github.com/nourmokhtar/evolvia/internal/session"
	"github.com/nourmokhtar/evolvia/internal/store"
	"github.com/nourmokhtar/evolvia/internal/stt"
	"github.com/nourmokhtar/evolvia/internal/teacher"
	"github.com/nourmokhtar/evolvia/internal/tts"
	"github.com/nourmokhtar/evolvia/internal/voice"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	busClient     *bus.Client
	embedded      *natsserver.EmbeddedServer
	sessions      *store.Store
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the runtime up and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	gw, err := r.buildGateway(ctx)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("/", gw.Router())

	if metricHandler != nil {
		r.startMetricsServer(metricHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.busClient.Close()
	r.embedded.Shutdown()
	if r.sessions != nil {
		if err := r.sessions.Close(); err != nil {
			r.logger.Error("session store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildGateway wires the storage, bus, and provider stack into the gateway.
func (r *Runtime) buildGateway(ctx context.Context) (*gateway.Gateway, error) {
	var port session.Port
	if r.cfg.SessionStore.RetentionMode == "persistent" {
		st, err := store.Open(ctx, r.cfg.SessionStore, r.logger.With(slog.String("component", "store")))
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		r.sessions = st
		port = st
	} else {
		r.logger.Info("running with ephemeral sessions")
	}

	registry := session.NewRegistry(port, session.WithHistoryLimit(r.cfg.Session.HistoryLimit))

	if r.cfg.Bus.Enabled {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "natsserver")))
		if err != nil {
			return nil, err
		}
		r.embedded = embedded

		client, err := bus.Connect(ctx, r.cfg.Bus, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			r.embedded.Shutdown()
			return nil, err
		}
		r.busClient = client
	}

	generator, err := llm.NewGenerator(r.cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("build llm backend: %w", err)
	}
	recognizer, err := stt.NewRecognizer(r.cfg.STT)
	if err != nil {
		return nil, fmt.Errorf("build stt backend: %w", err)
	}
	synth, err := tts.NewSynthesizer(r.cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("build tts backend: %w", err)
	}
	classifier, err := voice.NewClassifier(r.cfg.Voice)
	if err != nil {
		return nil, fmt.Errorf("build voice classifier: %w", err)
	}

	engine := teacher.NewEngine(generator, language.NewDetector(), r.cfg.LLM, r.logger)

	return gateway.New(r.cfg, registry, engine, synth, recognizer, classifier, r.busClient, r.logger)
}

// startMetricsServer exposes the Prometheus scrape endpoint on its own bind
// so the learner-facing port never serves internals.
func (r *Runtime) startMetricsServer(handler http.Handler) {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", handler)
	r.metricsServer = &http.Server{
		Addr:              r.cfg.Telemetry.PrometheusBind,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("metrics endpoint listening", slog.String("addr", r.cfg.Telemetry.PrometheusBind))
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
