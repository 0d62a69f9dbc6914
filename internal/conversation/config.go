package conversation

import (
	"time"

	"github.com/HerbHall/azurechat/internal/azure"
	"github.com/HerbHall/azurechat/internal/prompt"
)

// DefaultSystemMessage is used when no system message is configured.
const DefaultSystemMessage = "No one has set your system message. Let the user know they need to configure one."

// Config holds the conversation settings.
type Config struct {
	SystemMessage     string        `mapstructure:"system_message"`
	MaxModelTokens    int           `mapstructure:"max_model_tokens"`
	MaxResponseTokens int           `mapstructure:"max_response_tokens"`
	Timeout           time.Duration `mapstructure:"timeout"` // 0 waits indefinitely
	UserLabel         string        `mapstructure:"user_label"`
	AssistantLabel    string        `mapstructure:"assistant_label"`

	// Params are read from the top-level "completion" section.
	Params azure.CompletionParams `mapstructure:"-"`
}

// DefaultConfig returns the defaults for a 4k-context chat deployment.
func DefaultConfig() Config {
	return Config{
		SystemMessage:     DefaultSystemMessage,
		MaxModelTokens:    4000,
		MaxResponseTokens: 1000,
		UserLabel:         prompt.DefaultUserLabel,
		AssistantLabel:    prompt.DefaultAssistantLabel,
		Params:            azure.DefaultCompletionParams(),
	}
}
