package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct{}

// NewMockGenerator returns a backend that produces a canned teaching turn in
// the BOARD/SPEECH shape after a short delay. Used in development and tests.
func NewMockGenerator() Generator { return &mockGenerator{} }

const mockTurn = `BOARD: [{"kind": "WRITE_TITLE", "payload": {"text": "Mock Lesson"}}, {"kind": "WRITE_BULLET", "payload": {"text": "The model backend is in mock mode", "position": 1}}]
SPEECH: This is a mock teaching turn. Configure a real model backend to get actual lessons.`

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	content := mockTurn
	if strings.Contains(req.Prompt, "generate a short, descriptive title") {
		content = "Mock Discussion"
	}
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   content,
		Partial:   false,
		Latency:   20 * time.Millisecond,
		TraceID:   req.TraceID,
	})
}
