package llm

import "fmt"

// NewAdapter creates the stream adapter for a model configuration.
// Provider selection is by ModelConfig.Provider; unknown providers are
// a configuration error, reported before any Run begins.
func NewAdapter(cfg ModelConfig) (StreamAdapter, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: model id is required")
	}
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIAdapter(), nil
	case "anthropic":
		return NewAnthropicAdapter(), nil
	case "gemini":
		return NewGeminiAdapter(), nil
	default:
		return nil, fmt.Errorf("llm: unsupported provider %q", cfg.Provider)
	}
}
