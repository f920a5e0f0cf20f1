package handlers

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"

	geminichat "github.com/hylin/gemini-chat-panel"
	"github.com/hylin/gemini-chat-panel/internal/models"
	"github.com/hylin/gemini-chat-panel/internal/services"
)

// Conversation is the controller surface the HTTP layer drives. All operations return
// user-surfaceable errors; the history snapshot is read-only for rendering.
type Conversation interface {
	History() []models.Message
	Send(ctx context.Context, text string, images []string) error
	Resend(ctx context.Context, id string) error
	EditAndResend(ctx context.Context, id, newText string) error
	DeleteMessage(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	OnChange(fn func([]models.Message))
}

// SettingsStore reads and writes the panel settings.
type SettingsStore interface {
	Get() services.Settings
	Set(settings services.Settings)
}

// Main handles the core functionality of the chat panel, managing server-sent events, HTML
// templates, and the interactions between the conversation controller and the settings store.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  goldmark.Markdown

	conversation Conversation
	settings     SettingsStore

	logger *slog.Logger
}

const historySSETopic = "history"

var historySSEType = sse.Type("history")

const errLoggerKey = "err"

// NewMain creates a new Main instance with the provided conversation controller and settings
// store. It parses the embedded HTML templates, configures the markdown renderer used for
// assistant text parts, and subscribes to the controller's history-changed notifications so
// every mutation is pushed to connected clients over SSE.
func NewMain(conversation Conversation, settings SettingsStore, logger *slog.Logger) (Main, error) {
	tmpl, err := template.ParseFS(
		geminichat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	m := Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic, historySSETopic},
				}, true
			},
		},
		templates: tmpl,
		markdown: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(highlighting.WithStyle("monokai")),
			),
		),
		conversation: conversation,
		settings:     settings,
		logger:       logger.With(slog.String("module", "handlers")),
	}

	conversation.OnChange(m.publishHistory)

	return m, nil
}

// HandleSSE serves the event stream clients subscribe to for history updates.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the SSE server. It broadcasts a close message to all connected
// clients and waits up to 5 seconds for connections to terminate.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closePanel")}
	// The SSE spec requires data on every message, even a goodbye.
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// publishHistory renders the given history snapshot and broadcasts it to every subscriber. This
// is the "history changed" event the UI layer uses to re-render and restore its scroll position.
func (m Main) publishHistory(history []models.Message) {
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "chat_messages", m.messageViews(history)); err != nil {
		m.logger.Error("Failed to render history update", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: historySSEType}
	msg.AppendData(sb.String())

	if err := m.sseSrv.Publish(&msg, historySSETopic); err != nil {
		m.logger.Error("Failed to publish history update", slog.String(errLoggerKey, err.Error()))
	}
}
