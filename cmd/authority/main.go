// Command authority serves the in-memory sync authority for development and
// manual testing of offsync clients.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"offsync/internal/authority"
	"offsync/internal/constants"
	"offsync/internal/security"

	"github.com/sirupsen/logrus"
)

var (
	port     = flag.Int("port", constants.DefaultAuthorityPort, "Port to listen on")
	token    = flag.String("token", "", "Bearer token clients must present (defaults to $OFFSYNC_TOKEN)")
	seedPath = flag.String("seed", "", "Optional JSON file of records keyed by collection")
	verbose  = flag.Bool("verbose", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	secret := *token
	if secret == "" {
		secret = os.Getenv("OFFSYNC_TOKEN")
	}
	if secret == "" {
		logger.Warn("No token configured; the authority accepts unauthenticated clients")
	}

	auth := authority.New(logger, authority.WithToken(secret))
	defer auth.Close()

	if *seedPath != "" {
		n, err := loadSeed(auth, *seedPath)
		if err != nil {
			return err
		}
		logger.WithField("records", n).Info("Seeded authority dataset")
	}

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", *port),
		Handler:     auth.Handler(),
		ReadTimeout: time.Duration(constants.DefaultServerReadTimeoutSec) * time.Second,
		IdleTimeout: time.Duration(constants.DefaultServerIdleTimeoutSec) * time.Second,
	}

	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		logger.Infof("Starting authority on port %d", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	// Persistent connections are hijacked and not closed by Shutdown.
	auth.DropConnections()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}
	logger.Info("Authority shutdown completed")
	return nil
}

// loadSeed reads {"collection": [{"id": "...", ...}, ...]} into the dataset
// and returns the number of records loaded.
func loadSeed(auth *authority.Authority, path string) (int, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return 0, fmt.Errorf("invalid seed path: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed map[string][]json.RawMessage
	if err := json.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("failed to parse seed file: %w", err)
	}

	n := 0
	for collection, records := range seed {
		for i, record := range records {
			var head struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(record, &head); err != nil || head.ID == "" {
				return n, fmt.Errorf("seed record %d in %q has no id", i, collection)
			}
			auth.Seed(collection, head.ID, record)
			n++
		}
	}
	return n, nil
}
