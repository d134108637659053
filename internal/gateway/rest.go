package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nourmokhtar/evolvia/internal/protocol"
	"github.com/nourmokhtar/evolvia/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}

// displayTitle resolves the name shown for a session in lists and artifact
// aggregations, falling back past generic placeholders.
func displayTitle(rec *session.Record) string {
	if !isGenericTitle(rec.CustomTitle) {
		return rec.CustomTitle
	}
	return "New Discussion"
}

func (g *Gateway) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var ev protocol.StartLesson
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid start payload")
		return
	}

	difficulty := ev.InitialDifficulty
	if difficulty == 0 {
		difficulty = g.cfg.Session.DefaultDifficulty
	}
	lang := ev.Language
	if lang == "" {
		lang = g.cfg.Session.DefaultLanguage
	}

	id := uuid.NewString()
	st, err := g.registry.Create(r.Context(), id, ev.LessonRef, ev.UserRef, difficulty, lang)
	if err != nil {
		g.log.Error("failed to create session", slogError(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	g.log.Info("session started",
		slog.String("session_id", id),
		slog.String("lesson_id", ev.LessonRef))
	g.metrics.sessionCreated(r.Context())
	if err := g.bus.PublishJSON(protocol.SubjectSessionCreated, map[string]string{
		"session_id": id,
		"lesson_id":  ev.LessonRef,
	}); err != nil {
		g.log.Warn("failed to publish session created", slogError(err))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"status":     st.Status(),
	})
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	recs, err := g.registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, map[string]any{
			"session_id": rec.ID,
			"lesson_id":  rec.LessonRef,
			"created_at": rec.CreatedAt.Format(time.RFC3339),
			"difficulty": session.DifficultyTitle(rec.Difficulty),
			"turns":      len(rec.History),
			"summary":    displayTitle(rec),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	st, err := g.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rec := st.Snapshot()
	title := displayTitle(rec)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":       rec.ID,
		"lesson_id":        rec.LessonRef,
		"created_at":       rec.CreatedAt.Format(time.RFC3339),
		"difficulty":       rec.Difficulty,
		"difficulty_title": session.DifficultyTitle(rec.Difficulty),
		"language":         rec.Language,
		"has_uploaded_doc": rec.UploadedDocument != "",
		"turns":            len(rec.History),
		"summary":          title,
		"quizzes":          enrichArtifacts(rec.QuizArtifacts, rec.ID, title),
		"flashcards":       enrichArtifacts(rec.FlashcardArtifacts, rec.ID, title),
	})
}

// enrichArtifacts attaches the source metadata clients need to display and
// delete an artifact outside its session.
func enrichArtifacts(payloads []protocol.Payload, sessionID, sourceTitle string) []map[string]any {
	out := make([]map[string]any, 0, len(payloads))
	for idx, p := range payloads {
		entry := map[string]any{
			"session_id":     sessionID,
			"original_index": idx,
			"source_title":   sourceTitle,
		}
		if p.Questions != nil {
			entry["questions"] = p.Questions
		}
		if p.Cards != nil {
			entry["cards"] = p.Cards
		}
		if p.Text != "" {
			entry["text"] = p.Text
		}
		out = append(out, entry)
	}
	return out
}

func (g *Gateway) handleStudyHubItems(w http.ResponseWriter, r *http.Request) {
	recs, err := g.registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	quizzes := make([]map[string]any, 0)
	flashcards := make([]map[string]any, 0)
	for i, rec := range recs {
		title := rec.CustomTitle
		if isGenericTitle(title) {
			title = "Course " + strconv.Itoa(len(recs)-i)
		}
		quizzes = append(quizzes, enrichArtifacts(rec.QuizArtifacts, rec.ID, title)...)
		flashcards = append(flashcards, enrichArtifacts(rec.FlashcardArtifacts, rec.ID, title)...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"quizzes":    quizzes,
		"flashcards": flashcards,
	})
}

func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	deleted, err := g.registry.Delete(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if deleted {
		g.log.Info("session deleted", slog.String("session_id", id))
		g.metrics.sessionDeleted(r.Context())
		if err := g.bus.PublishJSON(protocol.SubjectSessionDeleted, map[string]string{
			"session_id": id,
		}); err != nil {
			g.log.Warn("failed to publish session deleted", slogError(err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"deleted": deleted,
	})
}

func (g *Gateway) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	st, err := g.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	st.SetTitle(strings.TrimSpace(body.Title))
	if err := g.registry.Update(r.Context(), st); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"session_id": id,
		"new_title":  st.Title(),
	})
}

func (g *Gateway) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	kind := r.URL.Query().Get("type")
	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "index must be an integer")
		return
	}

	st, err := g.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var removed bool
	var message string
	switch kind {
	case "quiz":
		removed = st.DeleteQuizArtifact(index)
		message = "Quiz deleted"
	case "flashcards":
		removed = st.DeleteFlashcardArtifact(index)
		message = "Flashcards deleted"
	default:
		writeError(w, http.StatusBadRequest, "Invalid artifact type")
		return
	}
	if !removed {
		writeError(w, http.StatusBadRequest, "Invalid index")
		return
	}

	if err := g.registry.Update(r.Context(), st); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": message,
	})
}

// handleUploadCourse stores extracted course text as grounding context for
// the teacher. Extraction from binary formats happens client-side; the
// gateway accepts the text.
func (g *Gateway) handleUploadCourse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var body struct {
		FileName string `json:"file_name"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	st, err := g.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	st.SetUploadedDocument(body.Content)
	if body.FileName != "" && isGenericTitle(st.Title()) {
		st.SetTitle(titleFromFileName(body.FileName))
	}
	if err := g.registry.Update(r.Context(), st); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	g.log.Info("course document uploaded",
		slog.String("session_id", id),
		slog.Int("chars", len(body.Content)))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"file_name":      body.FileName,
		"content_length": len(body.Content),
	})
}

// titleFromFileName turns "intro_to-spark.pdf" into "Intro To Spark".
func titleFromFileName(name string) string {
	if idx := strings.LastIndex(name, "."); idx > 0 {
		name = name[:idx]
	}
	name = strings.NewReplacer("_", " ", "-", " ").Replace(name)
	words := strings.Fields(name)
	for i, word := range words {
		runes := []rune(word)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
