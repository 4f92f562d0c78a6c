// Command meetingd is the trusted backend: it holds the provider API keys,
// issues short-lived streaming credentials and serves the AI insight routes.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meeting-voice-lab/internal/api"
	"github.com/meeting-voice-lab/internal/config"
	"github.com/meeting-voice-lab/internal/insights"
	"github.com/meeting-voice-lab/internal/logging"
	"github.com/meeting-voice-lab/internal/tokens"
	"github.com/meeting-voice-lab/llm"
)

func main() {
	cfg, err := config.Load[config.API]()
	if err != nil {
		logging.Init("")
		logging.FatalExitf("meetingd: config", "err", err)
	}
	logging.Init(cfg.LogLevel)
	defer logging.Sync()

	client := llm.New(llm.Config{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL, FallbackModel: cfg.FallbackModel})
	srv := api.New(tokens.NewService(cfg), insights.New(client, client), cfg.JWTSecret)
	if cfg.JWTSecret == "" {
		logging.Warnw("meetingd: API_JWT_SECRET not set; /api/ai routes are unauthenticated")
	}

	errc := make(chan error, 1)
	go func() {
		logging.Infow("meetingd: listening", "addr", cfg.Addr)
		errc <- srv.Listen(cfg.Addr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
		logging.Infow("meetingd: shutdown signal received")
	case err := <-errc:
		logging.FatalExitf("meetingd: listen failed", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warnw("meetingd: shutdown error", "err", err)
	}
	logging.Infow("meetingd: shutdown complete")
}
