// Package secrets hands out provider credentials.
package secrets

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mckingz/edu-ai-gateway/config"
)

var ErrNotConfigured = errors.New("credential not configured")

// Store returns the API key for a provider.
type Store interface {
	APIKey(provider string) (string, error)
}

// EnvStore serves keys loaded from the environment by config.Load.
type EnvStore struct {
	keys map[string]string
}

func NewEnvStore(cfg *config.Config) *EnvStore {
	keys := map[string]string{
		"claude": cfg.AnthropicAPIKey,
		"openai": cfg.OpenAIAPIKey,
		"gemini": cfg.GeminiAPIKey,
	}
	for name, key := range keys {
		if key == "" {
			delete(keys, name)
		}
	}
	return &EnvStore{keys: keys}
}

func (s *EnvStore) APIKey(provider string) (string, error) {
	key, ok := s.keys[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotConfigured, provider)
	}
	return key, nil
}

// Configured lists providers that have a key, sorted.
func (s *EnvStore) Configured() []string {
	names := make([]string, 0, len(s.keys))
	for name := range s.keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
