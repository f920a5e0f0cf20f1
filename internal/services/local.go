package services

import (
	"encoding/json"
	"log/slog"
	"os"
)

// Fixed keys mirroring the entries the browser panel kept in its synchronous string store.
const (
	KeyAPIKey      = "gemini_api_key"
	KeyModelName   = "gemini_model_name"
	KeyChatHistory = "gemini_chat_history"
)

// LocalStore is a synchronous key-value string store backed by a single JSON document on disk.
// Every operation does a whole-document read-modify-write. It never surfaces errors: reads of a
// missing or corrupt document yield empty values, and write failures are logged and swallowed so
// callers are effectively doing a best-effort no-op.
type LocalStore struct {
	path   string
	logger *slog.Logger
}

// NewLocalStore creates a LocalStore persisting to the given file path. The file is created on
// first write.
func NewLocalStore(path string, logger *slog.Logger) LocalStore {
	return LocalStore{
		path:   path,
		logger: logger.With(slog.String("module", "localstore")),
	}
}

// Get returns the value stored under key, or the empty string if the key is absent or the
// document cannot be read.
func (s LocalStore) Get(key string) string {
	return s.read()[key]
}

// Set stores value under key, overwriting any previous value.
func (s LocalStore) Set(key, value string) {
	doc := s.read()
	doc[key] = value
	s.write(doc)
}

// Delete removes key from the store. Deleting an absent key is a no-op.
func (s LocalStore) Delete(key string) {
	doc := s.read()
	if _, ok := doc[key]; !ok {
		return
	}
	delete(doc, key)
	s.write(doc)
}

func (s LocalStore) read() map[string]string {
	doc := map[string]string{}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to read local store", slog.String("err", err.Error()))
		}
		return doc
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.logger.Warn("Failed to parse local store", slog.String("err", err.Error()))
		return map[string]string{}
	}
	return doc
}

func (s LocalStore) write(doc map[string]string) {
	raw, err := json.Marshal(doc)
	if err != nil {
		s.logger.Warn("Failed to marshal local store", slog.String("err", err.Error()))
		return
	}
	if err := os.WriteFile(s.path, raw, 0600); err != nil {
		s.logger.Warn("Failed to write local store", slog.String("err", err.Error()))
	}
}
