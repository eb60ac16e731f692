// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve.go - Serve command: runs the chat relay HTTP API.
//
// Command: serve
// Short:   Run the relay server
//
// Flags:
//   --host HOST         Listen host (overrides [server] host)
//   --port PORT         Listen port (overrides [server] port)
//
// The server runs until SIGINT or SIGTERM, then drains in-flight requests
// for up to shutdownTimeout.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jeranaias/chatrelay/internal/classify"
	"github.com/jeranaias/chatrelay/internal/config"
	"github.com/jeranaias/chatrelay/internal/logging"
	"github.com/jeranaias/chatrelay/internal/model"
	"github.com/jeranaias/chatrelay/internal/relay"
	"github.com/jeranaias/chatrelay/internal/server"
	"github.com/jeranaias/chatrelay/internal/telemetry"
)

const shutdownTimeout = 15 * time.Second

type serveOptions struct {
	host string
	port int
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = opts.host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = opts.port
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := logging.Setup(cfg.Logging); err != nil {
				return err
			}
			config.SetGlobal(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", cfg.Addr())
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.Addr(), err)
			}
			return runServer(ctx, cfg, ln, logrus.StandardLogger())
		},
	}

	cmd.Flags().StringVar(&opts.host, "host", "", "listen host")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "listen port")
	return cmd
}

// runServer serves on ln until ctx is done, then shuts down gracefully.
func runServer(ctx context.Context, cfg *config.Config, ln net.Listener, log *logrus.Logger) error {
	app, err := newApp(cfg, log)
	if err != nil {
		ln.Close()
		return err
	}
	defer app.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("SHUTDOWN_SIGNAL")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// =============================================================================
// APPLICATION WIRING
// =============================================================================

// app holds everything serve builds from config, so it can be torn down in
// reverse order.
type app struct {
	registry *model.Registry
	watcher  *model.Watcher
	relay    *relay.Relay
	journal  *telemetry.Journal
	recorder *telemetry.Recorder
	server   *server.Server
}

// newApp builds the relay service described by cfg.
func newApp(cfg *config.Config, log *logrus.Logger) (*app, error) {
	classify.SetLogger(log)
	server.Version = Version

	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	registry, err := buildRegistry(cfg.Models.File, cfg.Models.DefaultModel)
	if err != nil {
		return nil, err
	}
	a.registry = registry

	if cfg.Models.File != "" && cfg.Models.Watch {
		w, err := model.NewWatcher(cfg.Models.File, registry, model.DefaultDebounce)
		if err != nil {
			return nil, fmt.Errorf("failed to create models watcher: %w", err)
		}
		a.watcher = w.WithLogger(log.WithField("component", "models_watcher"))
		if err := a.watcher.Watch(); err != nil {
			return nil, fmt.Errorf("failed to watch models file: %w", err)
		}
	}

	mode, err := relay.NewMode(modeSettings(cfg.Provider))
	if err != nil {
		return nil, err
	}

	if cfg.Journal.Enabled {
		j, err := telemetry.OpenJournal(cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		a.journal = j
	}
	a.recorder = telemetry.NewRecorderWithLogger(telemetry.NewStats(), a.journal,
		log.WithField("component", "telemetry"))

	r := relay.New(mode, relay.Defaults{
		Credential: cfg.Provider.APIKey,
		MaxTokens:  cfg.Provider.MaxTokens,
	}).
		WithHTTPClient(upstreamClient(cfg.Provider.Timeout.Duration)).
		WithObserver(a.recorder.Observe).
		WithUserAgent("chatrelay/" + Version).
		WithLogger(log.WithField("component", "relay"))
	if cfg.Breaker.Enabled {
		r.WithBreaker(relay.NewBreaker("upstream", relay.BreakerSettings{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Timeout:          cfg.Breaker.Timeout.Duration,
			MaxRequests:      cfg.Breaker.MaxRequests,
		}, log.WithField("component", "breaker")))
	}
	a.relay = r

	srv, err := server.NewWithLogger(server.OptionsFromConfig(cfg), r, registry, a.recorder,
		log.WithField("component", "server"))
	if err != nil {
		return nil, err
	}
	a.server = srv

	ok = true
	return a, nil
}

// Close stops the watcher, drains the recorder and closes the journal.
func (a *app) Close() error {
	var errs []error
	if a.watcher != nil {
		errs = append(errs, a.watcher.Close())
	}
	if a.recorder != nil {
		a.recorder.Close()
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	return errors.Join(errs...)
}

// buildRegistry loads the models file when one is set, otherwise the
// built-in table.
func buildRegistry(file, defaultID string) (*model.Registry, error) {
	var models []model.Model
	if file != "" {
		loaded, err := model.LoadFile(file)
		if err != nil {
			return nil, err
		}
		models = loaded
	}
	return model.NewRegistry(models, defaultID)
}

func modeSettings(p config.ProviderConfig) relay.ModeSettings {
	return relay.ModeSettings{
		Type:         p.Mode,
		Host:         p.Host,
		APIVersion:   p.APIVersion,
		DeploymentID: p.DeploymentID,
		Organization: p.Organization,
	}
}

// upstreamClient returns a streaming client. headerTimeout bounds the wait
// for response headers; the body is bounded by the request context.
func upstreamClient(headerTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: headerTimeout,
		},
	}
}
