// Command speechrelay bridges browser and CLI websocket clients to Google
// Cloud streaming speech recognition.
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
	"github.com/meeting-voice-lab/internal/logging"
	"github.com/meeting-voice-lab/internal/relay"
	"github.com/meeting-voice-lab/internal/relay/google"
)

func main() {
	cfg, err := config.Load[config.Relay]()
	if err != nil {
		logging.Init("")
		logging.FatalExitf("speechrelay: config", "err", err)
	}
	logging.Init(cfg.LogLevel)
	defer logging.Sync()

	gcfg := google.FromRelay(cfg)
	srv := relay.NewServer(google.NewRecognizer(gcfg))
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logging.Infow("speechrelay: listening", "port", cfg.Port, "language", gcfg.LanguageCode, "model", gcfg.Model)
		errc <- httpSrv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
		logging.Infow("speechrelay: shutdown signal received")
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logging.FatalExitf("speechrelay: listen failed", "err", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logging.Warnw("speechrelay: shutdown error", "err", err)
	}
	logging.Infow("speechrelay: shutdown complete")
}
