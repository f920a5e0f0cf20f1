package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hylin/gemini-chat-panel/internal/chat"
	"github.com/hylin/gemini-chat-panel/internal/services"
)

// HandleMessages processes a send through an HTTP POST request. It expects a "message" form
// field and zero or more "images" fields holding data URIs (the client resizes and encodes the
// files before submitting). A send issued while a response is still pending is rejected with a
// conflict status carrying the wait message; configuration and validation errors map to a bad
// request. On success the handler responds with the re-rendered message list.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	text := r.FormValue("message")
	images := r.Form["images"]

	if err := m.conversation.Send(r.Context(), text, images); err != nil {
		m.writeOpError(w, err)
		return
	}

	m.renderMessages(w)
}

// HandleResend re-issues the API call for the user message given by the "message_id" form field,
// dropping everything that came after it.
func (m Main) HandleResend(w http.ResponseWriter, r *http.Request) {
	id, ok := m.messageID(w, r)
	if !ok {
		return
	}

	if err := m.conversation.Resend(r.Context(), id); err != nil {
		m.writeOpError(w, err)
		return
	}

	m.renderMessages(w)
}

// HandleEdit replaces the text of the user message given by "message_id" with the "message" form
// field and resends from that point. An unchanged text is a no-op.
func (m Main) HandleEdit(w http.ResponseWriter, r *http.Request) {
	id, ok := m.messageID(w, r)
	if !ok {
		return
	}

	if err := m.conversation.EditAndResend(r.Context(), id, r.FormValue("message")); err != nil {
		m.writeOpError(w, err)
		return
	}

	m.renderMessages(w)
}

// HandleDelete removes the single message given by "message_id". It never cascades; an assistant
// reply that depended on a deleted user message stays.
func (m Main) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := m.messageID(w, r)
	if !ok {
		return
	}

	if err := m.conversation.DeleteMessage(r.Context(), id); err != nil {
		m.writeOpError(w, err)
		return
	}

	m.renderMessages(w)
}

// HandleClearHistory removes the entire conversation. The confirmation dialog lives in the UI
// layer; this endpoint clears unconditionally.
func (m Main) HandleClearHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := m.conversation.Clear(r.Context()); err != nil {
		m.writeOpError(w, err)
		return
	}

	m.renderMessages(w)
}

// HandleSettings saves the API key and model name from the "apiKey" and "modelName" form fields.
// Empty fields keep their stored values; a blank model name therefore falls back to the default
// on the next read.
func (m Main) HandleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.settings.Set(services.Settings{
		APIKey:    r.FormValue("apiKey"),
		ModelName: r.FormValue("modelName"),
	})

	w.WriteHeader(http.StatusNoContent)
}

func (m Main) messageID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}

	id := r.FormValue("message_id")
	if id == "" {
		m.logger.Error("Message id is required")
		http.Error(w, "Message id is required", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func (m Main) renderMessages(w http.ResponseWriter) {
	views := m.messageViews(m.conversation.History())
	if err := m.templates.ExecuteTemplate(w, "chat_messages", views); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, chat.ErrNoAPIKey), errors.Is(err, chat.ErrEmptyMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		m.logger.Error("Conversation operation failed", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
