package services_test

import (
	"testing"

	"github.com/hylin/gemini-chat-panel/internal/services"
)

func TestSettingsStoreDefaults(t *testing.T) {
	s := services.NewSettingsStore(newLocalStore(t))

	settings := s.Get()
	if settings.APIKey != "" {
		t.Errorf("api key = %q, want empty", settings.APIKey)
	}
	if settings.ModelName != services.DefaultModelName {
		t.Errorf("model name = %q, want the default %q", settings.ModelName, services.DefaultModelName)
	}
}

func TestSettingsStoreMergesPartialWrites(t *testing.T) {
	s := services.NewSettingsStore(newLocalStore(t))

	s.Set(services.Settings{APIKey: "key-1"})

	settings := s.Get()
	if settings.APIKey != "key-1" {
		t.Errorf("api key = %q, want %q", settings.APIKey, "key-1")
	}
	if settings.ModelName != services.DefaultModelName {
		t.Errorf("model name = %q, want the default to survive a key-only write", settings.ModelName)
	}

	s.Set(services.Settings{ModelName: "custom-model"})

	settings = s.Get()
	if settings.APIKey != "key-1" {
		t.Errorf("api key = %q, want it to survive a model-only write", settings.APIKey)
	}
	if settings.ModelName != "custom-model" {
		t.Errorf("model name = %q, want %q", settings.ModelName, "custom-model")
	}
}

func TestSettingsStoreOverwrites(t *testing.T) {
	s := services.NewSettingsStore(newLocalStore(t))

	s.Set(services.Settings{APIKey: "key-1", ModelName: "model-1"})
	s.Set(services.Settings{APIKey: "key-2", ModelName: "model-2"})

	settings := s.Get()
	if settings.APIKey != "key-2" || settings.ModelName != "model-2" {
		t.Errorf("got %+v, want the last write to win", settings)
	}
}
