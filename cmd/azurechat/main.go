// Command azurechat talks to an Azure OpenAI chat deployment, keeping the
// conversation history in a local message store.
//
// Usage:
//
//	azurechat ask [flags] <prompt>   send one message and print the reply
//	azurechat serve [flags]          run the HTTP and WebSocket chat server
//	azurechat token [flags]          issue a bearer token for the server
//	azurechat version                print version information
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/HerbHall/azurechat/internal/azure"
	"github.com/HerbHall/azurechat/internal/config"
	"github.com/HerbHall/azurechat/internal/conversation"
	"github.com/HerbHall/azurechat/internal/msgstore"
	"github.com/HerbHall/azurechat/internal/tokenizer"
	"github.com/HerbHall/azurechat/internal/version"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "ask":
		err = runAsk(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Println(version.Info())
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "azurechat: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: azurechat <command> [flags]

Commands:
  ask      send one message and print the reply
  serve    run the HTTP and WebSocket chat server
  token    issue a bearer token for the server
  version  print version information

Run "azurechat <command> --help" for command flags.
`)
}

// commonFlags are accepted by every subcommand that loads configuration.
// The map values are the config keys each flag overrides.
var commonFlags = map[string]string{
	"deployment":   "azure.deployment",
	"store-driver": "store.driver",
	"store-path":   "store.path",
	"tokenizer":    "tokenizer.encoding",
	"log-level":    "logging.level",
	"log-format":   "logging.format",
	"debug":        "debug",
}

func addCommonFlags(fs *pflag.FlagSet) *string {
	configPath := fs.String("config", "", "path to configuration file")
	fs.String("deployment", "", "Azure OpenAI deployment name")
	fs.String("store-driver", "", "message store driver (memory, sqlite)")
	fs.String("store-path", "", "sqlite database path")
	fs.String("tokenizer", "", "token encoding (cl100k_base, estimate)")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-format", "", "log format (json, console)")
	fs.Bool("debug", false, "enable debug logging")
	return configPath
}

// loadConfig reads the config file and environment, then applies the
// flags in fs that were set on the command line.
func loadConfig(configPath string, fs *pflag.FlagSet, extra map[string]string) (*viper.Viper, *config.Config, error) {
	v, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := config.BindFlags(v, fs, commonFlags); err != nil {
		return nil, nil, err
	}
	if err := config.BindFlags(v, fs, extra); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return v, cfg, nil
}

// app holds the wired conversation client and what it needs released.
type app struct {
	client *conversation.Client
	closeF func() error
}

func (a *app) Close() error {
	return a.closeF()
}

// buildApp wires the store, token counter, transport and conversation
// client from cfg.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	store, closeStore, err := msgstore.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}
	if sq, ok := store.(*msgstore.SQLite); ok {
		if err := sq.CheckVersion(ctx, version.Short()); err != nil {
			_ = closeStore()
			return nil, err
		}
	}
	logger.Info("message store opened",
		zap.String("component", "msgstore"),
		zap.String("driver", cfg.Store.Driver),
	)

	counter, err := tokenizer.New(cfg.Tokenizer.Encoding)
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("init tokenizer: %w", err)
	}

	transport, err := azure.New(cfg.Azure, logger.Named("azure"))
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	client, err := conversation.New(cfg.Chat, conversation.Deps{
		Store:     store,
		Counter:   counter,
		Completer: transport,
		Logger:    logger.Named("conversation"),
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	return &app{client: client, closeF: closeStore}, nil
}
