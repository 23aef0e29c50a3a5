package chat

import (
	"errors"
	"fmt"
	"strings"
)

// Provider identifiers understood by the provider registry.
const (
	ProviderOpenAICompatible = "openai_compatible"
	ProviderArk              = "ark"
)

// ModelConfig describes one configured completion endpoint. APIKeyRef never
// holds the key itself, only where to find it ("env:NAME" or "keyring").
type ModelConfig struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Provider     string `json:"provider" yaml:"provider"`
	APIURL       string `json:"apiUrl" yaml:"api_url"`
	APIKeyRef    string `json:"apiKeyRef,omitempty" yaml:"api_key_ref"`
	Model        string `json:"model" yaml:"model"`
	SystemPrompt string `json:"systemPrompt,omitempty" yaml:"system_prompt"`
}

// ErrInvalidModelConfig is wrapped by Validate failures.
var ErrInvalidModelConfig = errors.New("invalid model config")

// Validate checks the fields every provider needs.
func (c ModelConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.APIURL) == "" || strings.TrimSpace(c.Provider) == "" {
		return fmt.Errorf("%w: name, api url and provider cannot be empty", ErrInvalidModelConfig)
	}
	return nil
}
