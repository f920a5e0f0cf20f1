package services

// DefaultModelName is used whenever no model name has been saved.
const DefaultModelName = "gemini-2.0-flash-exp-image-generation"

// Settings is the singleton configuration record of the panel. There is no history of changes;
// the last write wins.
type Settings struct {
	APIKey    string
	ModelName string
}

// SettingsStore persists the API key and model name in the synchronous string store. It performs
// no validation of the key format and has no error path: if the underlying store is unavailable,
// writes are silently no-ops and reads return defaults.
type SettingsStore struct {
	local LocalStore
}

// NewSettingsStore creates a SettingsStore over the given local store.
func NewSettingsStore(local LocalStore) SettingsStore {
	return SettingsStore{local: local}
}

// Get returns the stored settings, filling in the default model name when none is saved.
func (s SettingsStore) Get() Settings {
	settings := Settings{
		APIKey:    s.local.Get(KeyAPIKey),
		ModelName: s.local.Get(KeyModelName),
	}
	if settings.ModelName == "" {
		settings.ModelName = DefaultModelName
	}
	return settings
}

// Set writes only the provided fields, merging with the existing record. An empty field counts
// as not provided and keeps its current value.
func (s SettingsStore) Set(settings Settings) {
	if settings.APIKey != "" {
		s.local.Set(KeyAPIKey, settings.APIKey)
	}
	if settings.ModelName != "" {
		s.local.Set(KeyModelName, settings.ModelName)
	}
}
