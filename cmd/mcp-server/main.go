// Command mcp-server exposes the meeting insight tools to MCP clients over a
// websocket at /mcp/ws.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meeting-voice-lab/internal/config"
	"github.com/meeting-voice-lab/internal/insights"
	"github.com/meeting-voice-lab/internal/logging"
	"github.com/meeting-voice-lab/internal/mcp"
	"github.com/meeting-voice-lab/llm"
)

const version = "v0.1.0"

func main() {
	cfg, err := config.Load[config.MCP]()
	if err != nil {
		logging.Init("")
		logging.FatalExitf("mcp-server: config", "err", err)
	}
	logging.Init(cfg.LogLevel)
	defer logging.Sync()

	client := llm.New(llm.Config{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL, FallbackModel: cfg.FallbackModel})
	server := mcp.NewServer(insights.New(client, client), version)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mcp.Handler(server),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logging.Infow("mcp-server: listening", "port", cfg.Port)
		errc <- httpSrv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logging.FatalExitf("mcp-server: listen failed", "err", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	logging.Infow("mcp-server: shutdown complete")
}
