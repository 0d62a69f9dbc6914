// Package config loads azurechat settings from defaults, a YAML file,
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/HerbHall/azurechat/internal/azure"
	"github.com/HerbHall/azurechat/internal/conversation"
	"github.com/HerbHall/azurechat/internal/msgstore"
	"github.com/HerbHall/azurechat/internal/prompt"
	"github.com/HerbHall/azurechat/internal/server"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the typed view of every setting.
type Config struct {
	Azure      azure.Config           `mapstructure:"azure"`
	Completion azure.CompletionParams `mapstructure:"completion"`
	Chat       conversation.Config    `mapstructure:"chat"`
	Tokenizer  TokenizerConfig        `mapstructure:"tokenizer"`
	Store      msgstore.Config        `mapstructure:"store"`
	Logging    LoggingConfig          `mapstructure:"logging"`
	Server     server.Config          `mapstructure:"server"`
	Debug      bool                   `mapstructure:"debug"`
}

// TokenizerConfig selects the token counter.
type TokenizerConfig struct {
	Encoding string `mapstructure:"encoding"`
}

// LoggingConfig controls the zap logger built by NewLogger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// legacyEnv maps keys to the environment variable names the hosted web app
// has always used. They are consulted after the AZURECHAT_ names.
var legacyEnv = map[string]string{
	"azure.api_key":       "AZURE_OPENAI_API_KEY",
	"azure.base_url":      "AZURE_OPENAI_API_BASE",
	"azure.deployment":    "CHATGPT_DEPLOY_NAME",
	"chat.system_message": "SYSTEM_MESSAGE",
}

// LoadConfig reads configuration from file and environment variables.
// An empty configPath searches for azurechat.yaml in the usual places; a
// missing file is not an error.
func LoadConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("azurechat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/azurechat")
	}

	// Environment variable support: AZURECHAT_CHAT_TIMEOUT=30s
	v.SetEnvPrefix("AZURECHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envName := "AZURECHAT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envName, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return v, nil
}

func setDefaults(v *viper.Viper) {
	az := azure.DefaultConfig()
	v.SetDefault("azure.api_key", "")
	v.SetDefault("azure.base_url", "")
	v.SetDefault("azure.deployment", az.Deployment)
	v.SetDefault("azure.api_version", az.APIVersion)
	v.SetDefault("azure.timeout", az.Timeout)
	v.SetDefault("azure.requests_per_second", 0.0)
	v.SetDefault("azure.search.endpoint", "")
	v.SetDefault("azure.search.key", "")
	v.SetDefault("azure.search.index_name", "")
	v.SetDefault("azure.search.in_scope", false)

	params := azure.DefaultCompletionParams()
	v.SetDefault("completion.model", params.Model)
	v.SetDefault("completion.temperature", params.Temperature)
	v.SetDefault("completion.top_p", params.TopP)
	v.SetDefault("completion.presence_penalty", params.PresencePenalty)
	v.SetDefault("completion.stop", params.Stop)

	v.SetDefault("chat.system_message", conversation.DefaultSystemMessage)
	v.SetDefault("chat.max_model_tokens", 4000)
	v.SetDefault("chat.max_response_tokens", 1000)
	v.SetDefault("chat.timeout", "0s")
	v.SetDefault("chat.user_label", prompt.DefaultUserLabel)
	v.SetDefault("chat.assistant_label", prompt.DefaultAssistantLabel)

	v.SetDefault("tokenizer.encoding", "cl100k_base")

	v.SetDefault("store.driver", msgstore.DriverSQLite)
	v.SetDefault("store.path", "azurechat.db")
	v.SetDefault("store.max_size", msgstore.DefaultMaxSize)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("debug", false)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_rps", 5.0)
	v.SetDefault("server.rate_limit_burst", 10)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.token_ttl", "24h")
	v.SetDefault("server.dev_mode", false)
}

// BindFlags binds command-line flags to config keys. bindings maps a flag
// name to the key it overrides; flags missing from fs are skipped.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, bindings map[string]string) error {
	for name, key := range bindings {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// Decode unmarshals v into a Config. Completion parameters are copied into
// the chat section, which sends them with every request.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Chat.Params = cfg.Completion
	if cfg.Debug {
		cfg.Logging.Level = "debug"
	}
	return &cfg, nil
}
