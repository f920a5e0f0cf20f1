package handlers

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/hylin/gemini-chat-panel/internal/models"
)

type homePageData struct {
	Messages  []message
	APIKeySet bool
	ModelName string
}

type message struct {
	ID             string
	Role           string
	Timestamp      string
	ProcessingTime string
	Parts          []part
}

type part struct {
	IsImage bool
	Image   string
	HTML    template.HTML
}

// HandleHome renders the chat panel page: the full history in timestamp order, the settings
// form, and the input area. Assistant text parts are rendered as markdown; user text is shown
// verbatim.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	settings := m.settings.Get()
	data := homePageData{
		Messages:  m.messageViews(m.conversation.History()),
		APIKeySet: settings.APIKey != "",
		ModelName: settings.ModelName,
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// messageViews converts history messages into their render form, preserving part order.
func (m Main) messageViews(history []models.Message) []message {
	views := make([]message, len(history))
	for i, msg := range history {
		views[i] = message{
			ID:             msg.ID,
			Role:           string(msg.Role),
			Timestamp:      time.UnixMilli(msg.Timestamp).Format("15:04"),
			ProcessingTime: msg.ProcessingTime,
			Parts:          m.partViews(msg),
		}
	}
	return views
}

func (m Main) partViews(msg models.Message) []part {
	parts := make([]part, 0, len(msg.Content.Parts))
	for _, p := range msg.Content.Parts {
		switch p.Type {
		case models.PartTypeImage:
			parts = append(parts, part{IsImage: true, Image: p.Content})
		case models.PartTypeText:
			parts = append(parts, part{HTML: m.renderText(msg.Role, p.Content)})
		}
	}
	return parts
}

// renderText turns a text part into safe HTML. Assistant replies go through the markdown
// renderer; user input is escaped as-is.
func (m Main) renderText(role models.Role, text string) template.HTML {
	if role != models.RoleAssistant {
		return template.HTML(template.HTMLEscapeString(text))
	}

	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(text), &buf); err != nil {
		m.logger.Warn("Failed to render markdown, falling back to plain text",
			slog.String(errLoggerKey, err.Error()))
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String())
}
