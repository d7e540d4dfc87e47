// Package main is the entry point for the SMTP sink server.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shineum/smtp-sink-lite/internal/config"
	"github.com/shineum/smtp-sink-lite/internal/observer"
	"github.com/shineum/smtp-sink-lite/internal/policy"
	"github.com/shineum/smtp-sink-lite/internal/provider"
	"github.com/shineum/smtp-sink-lite/internal/provider/ses"
	"github.com/shineum/smtp-sink-lite/internal/provider/stdout"
	"github.com/shineum/smtp-sink-lite/internal/registry"
	"github.com/shineum/smtp-sink-lite/internal/smtp"
	sinktls "github.com/shineum/smtp-sink-lite/internal/tls"
	"github.com/shineum/smtp-sink-lite/internal/web"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	// Load TLS certificates. Explicit paths are a hard requirement; the
	// well-known locations are probed best-effort and the TLS listeners
	// simply stay down when nothing is found.
	tlsConfig, err := loadTLS(cfg)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}
	if tlsConfig == nil {
		slog.Warn("no TLS certificate found, TLS listeners disabled")
	}

	// Select outbound relay backend for send-mail jobs
	outbound := selectProvider(cfg)

	reg := registry.New()
	tracker := observer.NewTracker()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start the SMTP listener matrix
	fleet, err := smtp.StartFleet(ctx, smtp.FleetConfig{
		Entries:        policy.Matrix(),
		Hostname:       cfg.SMTP.Hostname,
		Publisher:      reg,
		Login:          cfg.SMTP.Login,
		Password:       cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		TLSConfig:      tlsConfig,
	})
	if err != nil {
		slog.Error("failed to start SMTP listeners", "error", err)
		os.Exit(1)
	}

	handler := web.NewHandler(web.HandlerConfig{
		Discovery: fleet.Discovery(),
		Registry:  reg,
		Tracker:   tracker,
		Outbound:  outbound,
	})

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: handler,
	}

	slog.Info("starting smtp-sink-lite",
		"http_listen", cfg.HTTP.Listen,
		"smtp_listeners", len(fleet.Discovery()),
		"outbound", outbound.Name(),
		"tls_enabled", tlsConfig != nil,
	)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("received signal, initiating shutdown", "signal", sig)

	// Observers go first: their connections are hijacked and the HTTP
	// server's Shutdown would otherwise not wait for them.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	tracker.CloseAll(shutdownCtx)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}

	cancel()
	fleet.Wait()

	slog.Info("smtp-sink-lite stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// loadTLS resolves the server certificate. Explicit file paths must load;
// otherwise the well-known locations are probed and absence is fine.
func loadTLS(cfg *config.Config) (*tls.Config, error) {
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		return sinktls.Load(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	}
	return sinktls.LoadWellKnown()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectProvider chooses the outbound relay backend based on configuration.
// Send-mail jobs that name a target host bypass this and dial it directly.
func selectProvider(cfg *config.Config) provider.Provider {
	switch cfg.Outbound.Provider {
	case "ses":
		if !cfg.SESConfigured() {
			slog.Error("SES provider selected but SES_REGION and SES_SENDER are required")
			os.Exit(1)
		}
		slog.Info("using AWS SES provider",
			"region", cfg.Outbound.SES.Region,
			"sender", cfg.Outbound.SES.Sender,
		)
		p, err := ses.New(context.Background(), ses.Config{
			Region:          cfg.Outbound.SES.Region,
			AccessKeyID:     cfg.Outbound.SES.AccessKeyID,
			SecretAccessKey: cfg.Outbound.SES.SecretAccessKey,
			Sender:          cfg.Outbound.SES.Sender,
		})
		if err != nil {
			slog.Error("failed to create SES provider", "error", err)
			os.Exit(1)
		}
		return p

	case "stdout":
		slog.Info("using stdout provider")
		return stdout.New()

	case "":
		// Auto-detection fallback
		if cfg.SESConfigured() {
			slog.Info("using AWS SES provider (auto-detected)",
				"region", cfg.Outbound.SES.Region,
				"sender", cfg.Outbound.SES.Sender,
			)
			p, err := ses.New(context.Background(), ses.Config{
				Region:          cfg.Outbound.SES.Region,
				AccessKeyID:     cfg.Outbound.SES.AccessKeyID,
				SecretAccessKey: cfg.Outbound.SES.SecretAccessKey,
				Sender:          cfg.Outbound.SES.Sender,
			})
			if err != nil {
				slog.Error("failed to create SES provider", "error", err)
				os.Exit(1)
			}
			return p
		}
		slog.Info("no provider configured, using stdout provider")
		return stdout.New()

	default:
		slog.Error("unknown provider", "provider", cfg.Outbound.Provider)
		os.Exit(1)
		return nil
	}
}
