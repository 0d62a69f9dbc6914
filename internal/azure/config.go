package azure

import "time"

// DefaultAPIVersion is the api-version query parameter sent when none is configured.
const DefaultAPIVersion = "2023-08-01-preview"

// Config holds the Azure OpenAI deployment configuration.
type Config struct {
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Deployment        string        `mapstructure:"deployment"`
	APIVersion        string        `mapstructure:"api_version"`
	Timeout           time.Duration `mapstructure:"timeout"`             // wait for response headers; 0 waits forever
	RequestsPerSecond float64       `mapstructure:"requests_per_second"` // 0 disables pacing
	Search            SearchConfig  `mapstructure:"search"`
}

// SearchConfig attaches an Azure Cognitive Search index to every request.
// Leaving Endpoint empty disables the extension.
type SearchConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Key       string `mapstructure:"key"`
	IndexName string `mapstructure:"index_name"`
	InScope   bool   `mapstructure:"in_scope"`
}

// DefaultConfig returns sensible defaults for an Azure OpenAI chat deployment.
func DefaultConfig() Config {
	return Config{
		Deployment: "chatgpt",
		APIVersion: DefaultAPIVersion,
		Timeout:    5 * time.Minute,
	}
}

// CompletionParams are the model parameters sent with every request.
type CompletionParams struct {
	Model           string   `mapstructure:"model"`
	Temperature     float64  `mapstructure:"temperature"`
	TopP            float64  `mapstructure:"top_p"`
	PresencePenalty float64  `mapstructure:"presence_penalty"`
	Stop            []string `mapstructure:"stop"`
}

// DefaultCompletionParams mirrors the ChatGPT web defaults.
func DefaultCompletionParams() CompletionParams {
	return CompletionParams{
		Model:           "chatgpt",
		Temperature:     0.8,
		TopP:            1.0,
		PresencePenalty: 1.0,
		Stop:            []string{"<|im_end|>"},
	}
}
