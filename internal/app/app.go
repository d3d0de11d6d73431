// Package app wires configuration, logging, persistence, the session hub,
// the synchronization engine, and the HTTP surface into a running server.
package app

import (
	"context"
	"fmt"
	nethttp "net/http"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	server "battlemap/server"
	servernet "battlemap/server/internal/net"
	"battlemap/server/internal/state"
	"battlemap/server/internal/store"
	"battlemap/server/logging"
	loggingSinks "battlemap/server/logging/sinks"
)

// Config is read from the environment.
type Config struct {
	Host        string `env:"BATTLEMAP_HOST" envDefault:"0.0.0.0"`
	Port        int    `env:"BATTLEMAP_PORT" envDefault:"9000"`
	DataDir     string `env:"BATTLEMAP_DATA_DIR" envDefault:"data"`
	AssetsDir   string `env:"BATTLEMAP_ASSETS_DIR"`
	OpenBrowser bool   `env:"BATTLEMAP_OPEN_BROWSER" envDefault:"true"`
	LogJSONPath string `env:"BATTLEMAP_LOG_JSON"`
}

// Run starts the server and blocks until the listener fails or ctx is done.
func Run(ctx context.Context) error {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return RunWithConfig(ctx, cfg)
}

func RunWithConfig(ctx context.Context, cfg Config) error {
	logConfig := logging.DefaultConfig()
	sinks := map[string]logging.Sink{
		"console": loggingSinks.NewConsole(os.Stdout),
	}
	if cfg.LogJSONPath != "" {
		file, err := os.OpenFile(cfg.LogJSONPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open json log: %w", err)
		}
		defer file.Close()
		sinks["json"] = loggingSinks.NewJSON(file, logConfig.JSON.FlushInterval)
		logConfig.EnabledSinks = append(logConfig.EnabledSinks, "json")
	}

	router, err := logging.NewRouter(logging.SystemClock{}, logConfig, sinks)
	if err != nil {
		return fmt.Errorf("construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		router.Close(closeCtx)
	}()

	st, err := store.New(cfg.DataDir, router)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	shared := state.New(st.LoadMap(), st.LoadTokens())

	telemetry := server.NewTelemetryCounters()
	hub := server.NewHub(router, telemetry)

	localIP := server.LocalIP()
	externalBase := fmt.Sprintf("http://%s:%d", localIP, cfg.Port)

	engine := server.NewEngine(server.EngineConfig{
		State:     shared,
		Store:     st,
		Net:       hub,
		Publisher: router,
		Telemetry: telemetry,
		ExternalBase: func() string {
			return externalBase
		},
	})

	assetsDir, err := servernet.ResolveAssetsDir(cfg.AssetsDir)
	if err != nil {
		return err
	}

	handler := servernet.NewHTTPHandler(hub, engine, servernet.HTTPHandlerConfig{
		AssetsDir:    assetsDir,
		DataDir:      st.DataDir(),
		MapsDir:      st.MapsDir(),
		PortraitsDir: servernet.ResolvePortraitsDir(st.PortraitsDir()),
		ObserverURL:  externalBase + "/obs",
		Publisher:    router,
		Telemetry:    telemetry,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &nethttp.Server{Addr: addr, Handler: handler}

	router.Publish(ctx, logging.Event{
		Type:     logging.EventServerStarted,
		Severity: logging.SeverityInfo,
		Category: logging.CategorySystem,
		Payload: map[string]any{
			"addr":     addr,
			"editor":   fmt.Sprintf("http://localhost:%d", cfg.Port),
			"observer": fmt.Sprintf("http://localhost:%d/obs", cfg.Port),
			"lan":      externalBase,
			"tokens":   len(shared.Tokens),
		},
	})

	// Startup conveniences run off the event path and must never block it.
	if cfg.OpenBrowser {
		go func() {
			time.Sleep(1500 * time.Millisecond)
			if err := OpenBrowser(fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)); err != nil {
				router.Publish(context.Background(), logging.Event{
					Type:     logging.EventServerStarted,
					Severity: logging.SeverityWarn,
					Category: logging.CategorySystem,
					Payload:  map[string]any{"browser": err.Error()},
				})
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil && err != nethttp.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}
}
