package gateway

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	sessionsCreated metric.Int64Counter
	sessionsDeleted metric.Int64Counter
	turnsCompleted  metric.Int64Counter
	transcriptions  metric.Int64Counter
	connections     metric.Int64UpDownCounter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("github.com/nourmokhtar/evolvia/internal/gateway")

	created, err := meter.Int64Counter("evolvia.sessions.created",
		metric.WithDescription("Sessions created"))
	if err != nil {
		return nil, fmt.Errorf("register metric: %w", err)
	}
	deleted, err := meter.Int64Counter("evolvia.sessions.deleted",
		metric.WithDescription("Sessions deleted"))
	if err != nil {
		return nil, fmt.Errorf("register metric: %w", err)
	}
	turns, err := meter.Int64Counter("evolvia.turns.completed",
		metric.WithDescription("Teaching turns fully emitted"))
	if err != nil {
		return nil, fmt.Errorf("register metric: %w", err)
	}
	transcripts, err := meter.Int64Counter("evolvia.voice.transcriptions",
		metric.WithDescription("Voice utterances transcribed"))
	if err != nil {
		return nil, fmt.Errorf("register metric: %w", err)
	}
	conns, err := meter.Int64UpDownCounter("evolvia.ws.connections",
		metric.WithDescription("Open WebSocket connections"))
	if err != nil {
		return nil, fmt.Errorf("register metric: %w", err)
	}

	return &metrics{
		sessionsCreated: created,
		sessionsDeleted: deleted,
		turnsCompleted:  turns,
		transcriptions:  transcripts,
		connections:     conns,
	}, nil
}

func (m *metrics) sessionCreated(ctx context.Context) {
	if m != nil {
		m.sessionsCreated.Add(ctx, 1)
	}
}

func (m *metrics) sessionDeleted(ctx context.Context) {
	if m != nil {
		m.sessionsDeleted.Add(ctx, 1)
	}
}

func (m *metrics) turnCompleted(ctx context.Context) {
	if m != nil {
		m.turnsCompleted.Add(ctx, 1)
	}
}

func (m *metrics) transcription(ctx context.Context) {
	if m != nil {
		m.transcriptions.Add(ctx, 1)
	}
}

func (m *metrics) connectionOpened(ctx context.Context) {
	if m != nil {
		m.connections.Add(ctx, 1)
	}
}

func (m *metrics) connectionClosed(ctx context.Context) {
	if m != nil {
		m.connections.Add(ctx, -1)
	}
}
