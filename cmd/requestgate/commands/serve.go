package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/giantswarm/requestgate"
	"github.com/giantswarm/requestgate/instrumentation"
	"github.com/giantswarm/requestgate/internal/config"
	"github.com/giantswarm/requestgate/storage/sqlite"
	"github.com/giantswarm/requestgate/storage/valkey"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo application behind the gate",
		Long: `Serve a small demo application protected by the gate, together with
the admin API, /metrics and /healthz. Stops gracefully on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("addr", "", "listen address (overrides the config file)")
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(path, envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	logger, err := cfg.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.gate.WatchRules(ctx); err != nil {
		return fmt.Errorf("failed to watch rules file: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", "error", err)
		return err
	}
	logger.Info("Server stopped")
	return nil
}

// app owns everything serve builds, so it can be torn down in one place.
type app struct {
	logger  *slog.Logger
	inst    *instrumentation.Instrumentation
	gate    *requestgate.Gate
	admin   *requestgate.AdminHandler
	valkey  *valkey.Store
	events  *sqlite.EventStore
	handler http.Handler
}

func newApp(cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	instCfg := instrumentation.Config{
		ServiceVersion: Version,
		Enabled:        cfg.Metrics.Enabled,
		LogClientIPs:   cfg.Metrics.LogClientIPs,
		TracesExporter: cfg.Metrics.Traces,
	}
	if cfg.Metrics.Enabled {
		instCfg.MetricsExporter = instrumentation.ExporterPrometheus
	}
	a.inst, err = instrumentation.New(instCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}

	opts := []requestgate.Option{requestgate.WithInstrumentation(a.inst)}

	if cfg.Valkey.Address != "" {
		a.valkey, err = valkey.New(valkey.Config{
			Address:   cfg.Valkey.Address,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, requestgate.WithStore(a.valkey))
		if cfg.Valkey.DistributedRateLimit {
			opts = append(opts, requestgate.WithRequestCounter(a.valkey))
		}
	}

	if cfg.SQLite.Path != "" {
		a.events, err = sqlite.Open(sqlite.Config{
			DSN:       cfg.SQLite.Path,
			Retention: cfg.SQLite.Retention,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, requestgate.WithEventSink(a.events))
	}

	a.gate, err = requestgate.New(cfg.GateConfig(logger), opts...)
	if err != nil {
		return nil, err
	}

	a.handler, err = a.buildHandler(cfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// buildHandler lays out the top-level routes. The admin API sits outside the
// gate so a blocked operator can still unblock themselves.
func (a *app) buildHandler(cfg *config.Config) (http.Handler, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"status":"healthy"}`)
	})

	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, a.inst.PrometheusHandler())
		a.logger.Info("Prometheus metrics endpoint enabled", "path", cfg.Metrics.Path)
	}

	if cfg.Admin.Enabled {
		admin, err := requestgate.NewAdminHandler(a.gate, requestgate.AdminOptions{
			Prefix:     cfg.Admin.Prefix,
			Authorizer: requestgate.BearerTokenAuthorizer(cfg.Admin.Token),
		})
		if err != nil {
			return nil, err
		}
		a.admin = admin
		prefix := "/" + strings.Trim(cfg.Admin.Prefix, "/")
		mux.Handle(prefix+"/", admin)
		a.logger.Info("Admin API enabled", "prefix", prefix)
	}

	mux.Handle("/", a.gate.Middleware(demoApp()))
	return mux, nil
}

// Close releases resources in reverse construction order.
func (a *app) Close() {
	if a.admin != nil {
		a.admin.Close()
	}
	if a.gate != nil {
		a.gate.Close()
	}
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.logger.Error("Failed to close event store", "error", err)
		}
	}
	if a.valkey != nil {
		a.valkey.Close()
	}
	if a.inst != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.inst.Shutdown(ctx); err != nil {
			a.logger.Error("Failed to shut down instrumentation", "error", err)
		}
	}
}

// demoApp is the protected application: a landing page, a login form
// handler and a search endpoint echoing its query.
func demoApp() http.Handler {
	r := chi.NewRouter()

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintln(w, "requestgate demo application")
	})

	r.Post("/login", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("username") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = fmt.Fprint(w, `{"status":"denied"}`)
			return
		}
		_, _ = fmt.Fprint(w, `{"status":"ok"}`)
	})

	r.Get("/search", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintf(w, "results for %d characters\n", len(r.URL.Query().Get("q")))
	})

	return r
}
