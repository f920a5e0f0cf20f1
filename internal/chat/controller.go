// Package chat implements the conversation controller: it owns the authoritative in-memory copy
// of the history, orchestrates send/resend/edit/delete operations against the history store and
// the external generative API, and keeps the two consistent after every mutation (write-through).
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/hylin/gemini-chat-panel/internal/gemini"
	"github.com/hylin/gemini-chat-panel/internal/models"
	"github.com/hylin/gemini-chat-panel/internal/services"
)

// User-surfaced errors. Everything else a controller operation returns is a wrapped API failure.
var (
	// ErrBusy is returned when a send, resend, or edit is requested while a response is still
	// pending. Requests are not queued.
	ErrBusy = errors.New("please wait for the current response to finish")
	// ErrNoAPIKey is returned when no API key has been configured.
	ErrNoAPIKey = errors.New("api key is not configured")
	// ErrEmptyMessage is returned when a send carries neither text nor images.
	ErrEmptyMessage = errors.New("message text or at least one image is required")
)

// trailingWindow is the fixed number of most recent messages sent as conversation context with
// every API call.
const trailingWindow = 10

// Controller states. A single request may be pending at a time.
var (
	stateIdle             stateless.State = "Idle"
	stateAwaitingResponse stateless.State = "AwaitingResponse"
)

// Controller triggers.
var (
	triggerRequestStarted  stateless.Trigger = "RequestStarted"
	triggerRequestFinished stateless.Trigger = "RequestFinished"
)

// Generator issues one multimodal completion call against the external API.
type Generator interface {
	GenerateContent(
		ctx context.Context,
		apiKey, model, text string,
		images []string,
		history []models.Message,
	) (gemini.Reply, error)
}

// HistoryStore is the durable side of the conversation. Its operations never fail from the
// controller's point of view; storage degradation is handled inside the store.
type HistoryStore interface {
	Migrate(ctx context.Context)
	History(ctx context.Context) []models.Message
	SaveHistory(ctx context.Context, history []models.Message)
	AddMessage(ctx context.Context, msg models.Message)
	DeleteMessage(ctx context.Context, id string)
	Clear(ctx context.Context)
}

// SettingsSource provides the current API key and model name.
type SettingsSource interface {
	Get() services.Settings
}

// Controller owns the in-memory conversation state. All mutations are serialized by an internal
// mutex; the Idle/AwaitingResponse state machine is the sole guard against overlapping API
// requests and always resets when a request finishes, whatever the outcome.
type Controller struct {
	store     HistoryStore
	settings  SettingsSource
	generator Generator
	logger    *slog.Logger

	fsm *stateless.StateMachine

	mu       sync.Mutex
	history  []models.Message
	onChange func([]models.Message)
}

// New creates a Controller in the idle state with an empty history. Call Load to populate it
// from the store.
func New(store HistoryStore, settings SettingsSource, generator Generator, logger *slog.Logger) *Controller {
	fsm := stateless.NewStateMachine(stateIdle)
	fsm.Configure(stateIdle).
		Permit(triggerRequestStarted, stateAwaitingResponse)
	fsm.Configure(stateAwaitingResponse).
		Permit(triggerRequestFinished, stateIdle)

	return &Controller{
		store:     store,
		settings:  settings,
		generator: generator,
		logger:    logger.With(slog.String("module", "chat")),
		fsm:       fsm,
	}
}

// Load runs the one-shot fallback migration and reads the persisted history into memory,
// normalizing every message into the canonical parts-based shape.
func (c *Controller) Load(ctx context.Context) {
	c.store.Migrate(ctx)

	history := models.NormalizeAll(c.store.History(ctx))

	c.mu.Lock()
	c.history = history
	c.mu.Unlock()

	c.logger.Info("Chat history loaded", slog.Int("messages", len(history)))
}

// History returns a snapshot of the in-memory history. The returned slice is a copy; the UI
// layer only ever reads it.
func (c *Controller) History() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.history)
}

// OnChange registers a callback invoked with a history snapshot after every mutation. The UI
// layer uses it to re-render and, when the viewport was at the bottom, scroll back down.
func (c *Controller) OnChange(fn func([]models.Message)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Send appends a user message built from text and images, persists it before any network
// activity, and issues the API call with the trailing history window. On success the assistant
// reply is appended and persisted; on failure the history stays as of the last successful step
// and no assistant message is recorded.
func (c *Controller) Send(ctx context.Context, text string, images []string) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.finish()

	if strings.TrimSpace(text) == "" && len(images) == 0 {
		return ErrEmptyMessage
	}
	settings := c.settings.Get()
	if settings.APIKey == "" {
		return ErrNoAPIKey
	}

	userMsg := models.NewUserMessage(text, images)

	c.mu.Lock()
	c.history = append(c.history, userMsg)
	window := c.window()
	c.mu.Unlock()

	c.store.AddMessage(ctx, userMsg)
	c.notify()

	reply, err := c.generator.GenerateContent(ctx, settings.APIKey, settings.ModelName, text, images, window)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	c.appendReply(ctx, reply)
	return nil
}

// Resend truncates the history so the given user message is its last entry, persists the
// truncation before the network call, and re-issues the call with the message's original text
// and images. An unknown id or a non-user message is a no-op with a warning: no network call,
// no history mutation.
func (c *Controller) Resend(ctx context.Context, id string) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.finish()

	c.mu.Lock()
	idx := slices.IndexFunc(c.history, func(m models.Message) bool { return m.ID == id })
	if idx == -1 {
		c.mu.Unlock()
		c.logger.Warn("Attempted to resend unknown message", slog.String("id", id))
		return nil
	}
	msg := c.history[idx]
	if msg.Role != models.RoleUser {
		c.mu.Unlock()
		c.logger.Warn("Only user messages can be resent", slog.String("id", id))
		return nil
	}
	c.history = slices.Clone(c.history[:idx+1])
	snapshot := slices.Clone(c.history)
	window := c.window()
	c.mu.Unlock()

	c.store.SaveHistory(ctx, snapshot)
	c.notify()

	settings := c.settings.Get()
	if settings.APIKey == "" {
		return ErrNoAPIKey
	}

	reply, err := c.generator.GenerateContent(
		ctx, settings.APIKey, settings.ModelName, msg.Content.Text, msg.Content.Images, window)
	if err != nil {
		return fmt.Errorf("failed to resend message: %w", err)
	}

	c.appendReply(ctx, reply)
	return nil
}

// EditAndResend replaces the given user message with a fresh-id copy carrying the new text
// (keeping the original timestamp and images, with parts rebuilt), drops every later message,
// persists, and re-issues the call from that point. Unchanged text is a no-op.
func (c *Controller) EditAndResend(ctx context.Context, id, newText string) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.finish()

	c.mu.Lock()
	idx := slices.IndexFunc(c.history, func(m models.Message) bool { return m.ID == id })
	if idx == -1 {
		c.mu.Unlock()
		c.logger.Warn("Attempted to edit unknown message", slog.String("id", id))
		return nil
	}
	msg := c.history[idx]
	if msg.Role != models.RoleUser {
		c.mu.Unlock()
		c.logger.Warn("Only user messages can be edited", slog.String("id", id))
		return nil
	}
	if newText == msg.Content.Text {
		c.mu.Unlock()
		return nil
	}

	updated := msg
	updated.ID = models.NewID()
	updated.Content = models.NewContent(newText, msg.Content.Images)

	c.history = append(slices.Clone(c.history[:idx]), updated)
	snapshot := slices.Clone(c.history)
	window := c.window()
	c.mu.Unlock()

	c.store.SaveHistory(ctx, snapshot)
	c.notify()

	settings := c.settings.Get()
	if settings.APIKey == "" {
		return ErrNoAPIKey
	}

	reply, err := c.generator.GenerateContent(
		ctx, settings.APIKey, settings.ModelName, newText, updated.Content.Images, window)
	if err != nil {
		return fmt.Errorf("failed to resend edited message: %w", err)
	}

	c.appendReply(ctx, reply)
	return nil
}

// DeleteMessage removes the message with the given id and persists the removal. It does not
// cascade: an assistant reply that followed the deleted message stays. An unknown id is a no-op
// with a warning.
func (c *Controller) DeleteMessage(ctx context.Context, id string) error {
	c.mu.Lock()
	idx := slices.IndexFunc(c.history, func(m models.Message) bool { return m.ID == id })
	if idx == -1 {
		c.mu.Unlock()
		c.logger.Warn("Attempted to delete unknown message", slog.String("id", id))
		return nil
	}
	c.history = slices.Delete(slices.Clone(c.history), idx, idx+1)
	c.mu.Unlock()

	c.store.DeleteMessage(ctx, id)
	c.notify()
	return nil
}

// Clear removes the entire conversation, in memory and in storage.
func (c *Controller) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.history = nil
	c.mu.Unlock()

	c.store.Clear(ctx)
	c.notify()
	return nil
}

// begin moves the controller into AwaitingResponse, rejecting the request when one is already
// pending.
func (c *Controller) begin() error {
	if err := c.fsm.Fire(triggerRequestStarted); err != nil {
		return ErrBusy
	}
	return nil
}

// finish always returns the controller to Idle, regardless of the request outcome.
func (c *Controller) finish() {
	if err := c.fsm.Fire(triggerRequestFinished); err != nil {
		c.logger.Warn("Failed to reset request state", slog.String("err", err.Error()))
	}
}

// window returns the trailing context window. Callers must hold the mutex.
func (c *Controller) window() []models.Message {
	if len(c.history) <= trailingWindow {
		return slices.Clone(c.history)
	}
	return slices.Clone(c.history[len(c.history)-trailingWindow:])
}

// appendReply turns an API reply into an assistant message and appends and persists it. An empty
// reply (a response without candidates) is still recorded together with its processing time.
func (c *Controller) appendReply(ctx context.Context, reply gemini.Reply) {
	msg := models.Message{
		ID:        models.NewID(),
		Role:      models.RoleAssistant,
		Timestamp: time.Now().UnixMilli(),
		Content: models.Content{
			Text:   reply.Text,
			Images: reply.Images,
			Parts:  reply.Parts,
		},
		ProcessingTime: reply.ProcessingTime,
	}

	c.mu.Lock()
	c.history = append(c.history, msg)
	c.mu.Unlock()

	c.store.AddMessage(ctx, msg)
	c.notify()
}

func (c *Controller) notify() {
	c.mu.Lock()
	fn := c.onChange
	snapshot := slices.Clone(c.history)
	c.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
}
