package handlers_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hylin/gemini-chat-panel/internal/chat"
	"github.com/hylin/gemini-chat-panel/internal/handlers"
	"github.com/hylin/gemini-chat-panel/internal/models"
	"github.com/hylin/gemini-chat-panel/internal/services"
)

type mockConversation struct {
	history []models.Message
	opErr   error

	sent     []string
	resent   []string
	edited   []string
	deleted  []string
	clears   int
	onChange func([]models.Message)
}

func (m *mockConversation) History() []models.Message { return m.history }

func (m *mockConversation) Send(_ context.Context, text string, _ []string) error {
	if m.opErr != nil {
		return m.opErr
	}
	m.sent = append(m.sent, text)
	return nil
}

func (m *mockConversation) Resend(_ context.Context, id string) error {
	if m.opErr != nil {
		return m.opErr
	}
	m.resent = append(m.resent, id)
	return nil
}

func (m *mockConversation) EditAndResend(_ context.Context, id, newText string) error {
	if m.opErr != nil {
		return m.opErr
	}
	m.edited = append(m.edited, id+":"+newText)
	return nil
}

func (m *mockConversation) DeleteMessage(_ context.Context, id string) error {
	if m.opErr != nil {
		return m.opErr
	}
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockConversation) Clear(context.Context) error {
	if m.opErr != nil {
		return m.opErr
	}
	m.clears++
	return nil
}

func (m *mockConversation) OnChange(fn func([]models.Message)) { m.onChange = fn }

type mockSettingsStore struct {
	settings services.Settings
	sets     []services.Settings
}

func (m *mockSettingsStore) Get() services.Settings { return m.settings }

func (m *mockSettingsStore) Set(settings services.Settings) {
	m.sets = append(m.sets, settings)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMain(t *testing.T, conversation *mockConversation, settings *mockSettingsStore) handlers.Main {
	t.Helper()

	m, err := handlers.NewMain(conversation, settings, testLogger())
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	return m
}

func formRequest(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func historyFixture() []models.Message {
	return []models.Message{
		{
			ID:        "u1",
			Role:      models.RoleUser,
			Timestamp: 1700000000000,
			Content:   models.NewContent("hello there", nil),
		},
		{
			ID:             "a1",
			Role:           models.RoleAssistant,
			Timestamp:      1700000001000,
			Content:        models.NewContent("**general** kenobi", nil),
			ProcessingTime: "1.2",
		},
	}
}

func TestNewMainRegistersChangeListener(t *testing.T) {
	conversation := &mockConversation{}
	newMain(t, conversation, &mockSettingsStore{})

	if conversation.onChange == nil {
		t.Fatal("expected the history change listener to be registered")
	}
	// Publishing to a server without subscribers must not panic.
	conversation.onChange(historyFixture())
}

func TestHandleHome(t *testing.T) {
	conversation := &mockConversation{history: historyFixture()}
	m := newMain(t, conversation, &mockSettingsStore{
		settings: services.Settings{APIKey: "key", ModelName: "test-model"},
	})

	w := httptest.NewRecorder()
	m.HandleHome(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	if !strings.Contains(body, "hello there") {
		t.Error("body is missing the user message text")
	}
	if !strings.Contains(body, "<strong>general</strong>") {
		t.Error("body is missing the markdown-rendered assistant text")
	}
	if !strings.Contains(body, "test-model") {
		t.Error("body is missing the configured model name")
	}
}

func TestHandleHomeEscapesUserText(t *testing.T) {
	conversation := &mockConversation{history: []models.Message{
		{
			ID:        "u1",
			Role:      models.RoleUser,
			Timestamp: 1700000000000,
			Content:   models.NewContent("<script>alert(1)</script>", nil),
		},
	}}
	m := newMain(t, conversation, &mockSettingsStore{})

	w := httptest.NewRecorder()
	m.HandleHome(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if strings.Contains(w.Body.String(), "<script>alert(1)</script>") {
		t.Error("user text was not escaped")
	}
}

func TestHandleMessages(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		opErr      error
		wantStatus int
	}{
		{
			name:       "get is rejected",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "busy maps to conflict",
			method:     http.MethodPost,
			opErr:      chat.ErrBusy,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "missing api key maps to bad request",
			method:     http.MethodPost,
			opErr:      chat.ErrNoAPIKey,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty message maps to bad request",
			method:     http.MethodPost,
			opErr:      chat.ErrEmptyMessage,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "send succeeds",
			method:     http.MethodPost,
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conversation := &mockConversation{opErr: tt.opErr}
			m := newMain(t, conversation, &mockSettingsStore{})

			var req *http.Request
			if tt.method == http.MethodPost {
				req = formRequest("/messages", url.Values{"message": {"hello"}})
			} else {
				req = httptest.NewRequest(tt.method, "/messages", nil)
			}

			w := httptest.NewRecorder()
			m.HandleMessages(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && len(conversation.sent) != 1 {
				t.Errorf("sent %d messages, want 1", len(conversation.sent))
			}
		})
	}
}

func TestHandleResend(t *testing.T) {
	conversation := &mockConversation{}
	m := newMain(t, conversation, &mockSettingsStore{})

	w := httptest.NewRecorder()
	m.HandleResend(w, formRequest("/messages/resend", url.Values{"message_id": {"u1"}}))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if len(conversation.resent) != 1 || conversation.resent[0] != "u1" {
		t.Errorf("resent = %v, want [u1]", conversation.resent)
	}
}

func TestHandleResendRequiresID(t *testing.T) {
	m := newMain(t, &mockConversation{}, &mockSettingsStore{})

	w := httptest.NewRecorder()
	m.HandleResend(w, formRequest("/messages/resend", url.Values{}))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleEdit(t *testing.T) {
	conversation := &mockConversation{}
	m := newMain(t, conversation, &mockSettingsStore{})

	w := httptest.NewRecorder()
	m.HandleEdit(w, formRequest("/messages/edit", url.Values{
		"message_id": {"u1"},
		"message":    {"new text"},
	}))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if len(conversation.edited) != 1 || conversation.edited[0] != "u1:new text" {
		t.Errorf("edited = %v, want the id and new text passed through", conversation.edited)
	}
}

func TestHandleDelete(t *testing.T) {
	conversation := &mockConversation{}
	m := newMain(t, conversation, &mockSettingsStore{})

	w := httptest.NewRecorder()
	m.HandleDelete(w, formRequest("/messages/delete", url.Values{"message_id": {"u1"}}))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if len(conversation.deleted) != 1 || conversation.deleted[0] != "u1" {
		t.Errorf("deleted = %v, want [u1]", conversation.deleted)
	}
}

func TestHandleClearHistory(t *testing.T) {
	conversation := &mockConversation{}
	m := newMain(t, conversation, &mockSettingsStore{})

	w := httptest.NewRecorder()
	m.HandleClearHistory(w, formRequest("/history/clear", url.Values{}))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if conversation.clears != 1 {
		t.Errorf("cleared %d times, want 1", conversation.clears)
	}
}

func TestHandleSettings(t *testing.T) {
	settings := &mockSettingsStore{}
	m := newMain(t, &mockConversation{}, settings)

	w := httptest.NewRecorder()
	m.HandleSettings(w, formRequest("/settings", url.Values{
		"apiKey":    {"key-1"},
		"modelName": {"model-1"},
	}))

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if len(settings.sets) != 1 {
		t.Fatalf("settings written %d times, want 1", len(settings.sets))
	}
	if got := settings.sets[0]; got.APIKey != "key-1" || got.ModelName != "model-1" {
		t.Errorf("saved settings = %+v, want the form values", got)
	}
}

func TestHandleSettingsMethodNotAllowed(t *testing.T) {
	m := newMain(t, &mockConversation{}, &mockSettingsStore{})

	w := httptest.NewRecorder()
	m.HandleSettings(w, httptest.NewRequest(http.MethodGet, "/settings", nil))

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}
