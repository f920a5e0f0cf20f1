package services

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"

	"github.com/hylin/gemini-chat-panel/internal/models"
)

// HistoryStore persists the ordered message history. The primary backend is BoltDB; if opening
// it fails, every operation transparently degrades to a whole-document read-modify-write of a
// serialized string in the local store, so callers never branch on which backend served them.
// Storage failures never surface: reads degrade to an empty result and writes are best-effort,
// logged on failure.
type HistoryStore struct {
	bolt   *BoltHistory // nil when the primary backend is unavailable
	local  LocalStore
	logger *slog.Logger

	migrateOnce sync.Once
}

// NewHistoryStore opens the primary backend at boltPath and wires the local store as fallback.
// A failure to open the primary backend is logged and the store silently serves everything from
// the fallback.
func NewHistoryStore(boltPath string, local LocalStore, logger *slog.Logger) *HistoryStore {
	s := &HistoryStore{
		local:  local,
		logger: logger.With(slog.String("module", "history")),
	}

	b, err := NewBoltHistory(boltPath, logger)
	if err != nil {
		s.logger.Warn("Primary history store unavailable, falling back to local store",
			slog.String("path", boltPath),
			slog.String("err", err.Error()))
		return s
	}
	s.bolt = &b
	return s
}

// Close releases the primary backend, if it was opened.
func (s *HistoryStore) Close() error {
	if s.bolt == nil {
		return nil
	}
	return s.bolt.Close()
}

// Migrate moves a history left behind in the fallback string store into the primary backend and
// deletes the fallback copy. It runs at most once per process; a failure is logged and does not
// block startup. Nothing happens when the primary backend is unavailable or the fallback holds
// no parseable, non-empty list.
func (s *HistoryStore) Migrate(ctx context.Context) {
	s.migrateOnce.Do(func() {
		if s.bolt == nil {
			return
		}
		raw := s.local.Get(KeyChatHistory)
		if raw == "" {
			return
		}

		var history []models.Message
		if err := json.Unmarshal([]byte(raw), &history); err != nil {
			s.logger.Warn("Fallback history is not parseable, skipping migration",
				slog.String("err", err.Error()))
			return
		}
		if len(history) == 0 {
			return
		}

		if err := s.bolt.SaveHistory(ctx, models.NormalizeAll(history)); err != nil {
			s.logger.Warn("Failed to migrate fallback history", slog.String("err", err.Error()))
			return
		}
		s.local.Delete(KeyChatHistory)
		s.logger.Info("Migrated fallback history to primary store", slog.Int("messages", len(history)))
	})
}

// History returns all messages sorted ascending by timestamp. On primary-backend failure the
// fallback string is parsed instead; a missing or unparsable fallback yields an empty history.
func (s *HistoryStore) History(ctx context.Context) []models.Message {
	if s.bolt != nil {
		history, err := s.bolt.History(ctx)
		if err == nil {
			return history
		}
		s.logger.Warn("Failed to read primary history", slog.String("err", err.Error()))
	}
	return s.fallbackHistory()
}

// SaveHistory replaces the entire stored history. The fallback string is cleared first so a
// previously degraded write cannot resurface as a stale duplicate copy. When the primary backend
// is unavailable or the write fails, the history is serialized into the fallback string instead.
func (s *HistoryStore) SaveHistory(ctx context.Context, history []models.Message) {
	s.local.Delete(KeyChatHistory)

	if s.bolt != nil {
		err := s.bolt.SaveHistory(ctx, history)
		if err == nil {
			return
		}
		s.logger.Warn("Failed to save history to primary store", slog.String("err", err.Error()))
	}
	s.saveFallback(history)
}

// AddMessage fetches the current history, appends the message, and saves the result.
func (s *HistoryStore) AddMessage(ctx context.Context, msg models.Message) {
	s.SaveHistory(ctx, append(s.History(ctx), msg))
}

// DeleteMessage removes the message with the given id if present; an unknown id is a no-op with
// a warning.
func (s *HistoryStore) DeleteMessage(ctx context.Context, id string) {
	if s.bolt != nil {
		err := s.bolt.DeleteMessage(ctx, id)
		if err == nil {
			return
		}
		s.logger.Warn("Failed to delete message from primary store",
			slog.String("id", id),
			slog.String("err", err.Error()))
	}

	history := s.fallbackHistory()
	idx := slices.IndexFunc(history, func(m models.Message) bool { return m.ID == id })
	if idx == -1 {
		s.logger.Warn("Attempted to delete unknown message", slog.String("id", id))
		return
	}
	s.saveFallback(slices.Delete(history, idx, idx+1))
}

// Clear removes every stored message from both backends.
func (s *HistoryStore) Clear(ctx context.Context) {
	s.SaveHistory(ctx, nil)
}

func (s *HistoryStore) fallbackHistory() []models.Message {
	raw := s.local.Get(KeyChatHistory)
	if raw == "" {
		return nil
	}
	var history []models.Message
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		s.logger.Warn("Failed to parse fallback history", slog.String("err", err.Error()))
		return nil
	}
	slices.SortStableFunc(history, func(a, b models.Message) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
	return history
}

func (s *HistoryStore) saveFallback(history []models.Message) {
	raw, err := json.Marshal(history)
	if err != nil {
		s.logger.Warn("Failed to serialize fallback history", slog.String("err", err.Error()))
		return
	}
	s.local.Set(KeyChatHistory, string(raw))
}
