package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/HerbHall/azurechat/internal/config"
	"github.com/HerbHall/azurechat/internal/conversation"
	"github.com/HerbHall/azurechat/pkg/chat"
	"github.com/spf13/pflag"
)

// runAsk sends one message. The prompt is taken from the arguments, or
// from stdin when none are given.
func runAsk(args []string) error {
	fs := pflag.NewFlagSet("ask", pflag.ContinueOnError)
	configPath := addCommonFlags(fs)
	parent := fs.String("parent", "", "continue the conversation from this message id")
	name := fs.String("name", "", "speaker name for the user message")
	system := fs.String("system", "", "override the configured system message")
	fs.Duration("timeout", 0, "give up after this long (0 waits indefinitely)")
	stream := fs.Bool("stream", true, "print the reply as it arrives")
	asJSON := fs.Bool("json", false, "print the final reply as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	prompt := strings.Join(fs.Args(), " ")
	if prompt == "" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		prompt = strings.TrimSpace(string(b))
	}
	if prompt == "" {
		return fmt.Errorf("no prompt given")
	}

	v, cfg, err := loadConfig(*configPath, fs, map[string]string{"timeout": "chat.timeout"})
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(v)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := []conversation.SendOption{
		conversation.WithParentMessageID(*parent),
		conversation.WithName(*name),
	}
	if *system != "" {
		opts = append(opts, conversation.WithSystemMessage(*system))
	}
	printDeltas := *stream && !*asJSON
	if printDeltas {
		opts = append(opts, conversation.WithProgress(func(p chat.Result) {
			fmt.Print(p.Delta)
		}))
	} else {
		opts = append(opts, conversation.WithStream(*stream))
	}

	res, err := a.client.SendMessage(ctx, prompt, opts...)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if printDeltas {
		fmt.Println()
	} else {
		fmt.Println(res.Text)
	}
	fmt.Fprintf(os.Stderr, "message id: %s\n", res.ID)
	return nil
}
