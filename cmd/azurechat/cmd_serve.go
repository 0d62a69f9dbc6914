package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HerbHall/azurechat/internal/auth"
	"github.com/HerbHall/azurechat/internal/config"
	"github.com/HerbHall/azurechat/internal/server"
	"github.com/HerbHall/azurechat/internal/version"
	"github.com/HerbHall/azurechat/internal/ws"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func runServe(args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	configPath := addCommonFlags(fs)
	fs.String("host", "", "listen host")
	fs.Int("port", 0, "listen port")
	fs.Duration("timeout", 0, "per-request completion timeout")
	fs.Bool("dev", false, "serve the Swagger UI under /swagger/")
	if err := fs.Parse(args); err != nil {
		return err
	}

	v, cfg, err := loadConfig(*configPath, fs, map[string]string{
		"host":    "server.host",
		"port":    "server.port",
		"timeout": "chat.timeout",
		"dev":     "server.dev_mode",
	})
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(v)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("azurechat server starting", zap.String("version", version.Short()))
	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded",
			zap.String("component", "config"),
			zap.String("source", f),
		)
	} else {
		logger.Warn("no configuration file found, using defaults and environment",
			zap.String("component", "config"),
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var tokens *auth.TokenService
	var authMW func(http.Handler) http.Handler
	if cfg.Server.JWTSecret != "" {
		tokens, err = auth.NewTokenService([]byte(cfg.Server.JWTSecret), cfg.Server.TokenTTL)
		if err != nil {
			return err
		}
		authMW = auth.Middleware(tokens, ws.Path)
		logger.Info("bearer authentication enabled", zap.String("component", "auth"))
	} else {
		logger.Warn("server.jwt_secret not set, API is unauthenticated", zap.String("component", "auth"))
	}

	srv := server.New(cfg.Server, a.client, logger.Named("server"), authMW)
	wsHandler := ws.NewHandler(a.client, tokens, srv.Limiter(), logger.Named("ws"))
	srv.Mount(wsHandler)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	logger.Info("azurechat server ready", zap.String("addr", cfg.Server.Addr()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsHandler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("azurechat server stopped")
	return nil
}

func runToken(args []string) error {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to configuration file")
	subject := fs.String("subject", "cli", "token subject")
	fs.Duration("ttl", 0, "token lifetime (0 uses server.token_ttl)")
	genSecret := fs.Bool("gen-secret", false, "print a fresh random signing secret and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *genSecret {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return fmt.Errorf("generate secret: %w", err)
		}
		fmt.Println(hex.EncodeToString(b))
		return nil
	}

	_, cfg, err := loadConfig(*configPath, fs, map[string]string{"ttl": "server.token_ttl"})
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is not configured")
	}

	tokens, err := auth.NewTokenService([]byte(cfg.Server.JWTSecret), cfg.Server.TokenTTL)
	if err != nil {
		return err
	}
	token, err := tokens.Issue(*subject)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
