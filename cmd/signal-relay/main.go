package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-signal/internal/dotenv"
	"github.com/vango-go/vai-signal/pkg/gateway/config"
	"github.com/vango-go/vai-signal/pkg/gateway/server"
)

var (
	version = "dev"
	commit  = "unknown"
)

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	newServer    func(context.Context, config.Config, *slog.Logger) (*server.Server, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig: config.LoadFromEnv,
		newServer: func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*server.Server, error) {
			return server.New(ctx, cfg, logger)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func runRelay(ctx context.Context, stderr io.Writer, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newServer == nil {
		return errors.New("missing newServer dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(stderr, cfg)
	slog.SetDefault(logger)

	relay, err := deps.newServer(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build relay: %w", err)
	}
	httpSrv := buildHTTPServer(cfg, relay.Handler())

	logger.Info("starting signal relay",
		"addr", cfg.Addr,
		"ws_path", cfg.WSPath,
		"model", cfg.Model,
		"vertex_ai", cfg.UseVertexAI,
		"max_sessions", cfg.MaxSessions,
		"version", version,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context done, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	relay.SetDraining(true)
	warned := relay.WarnSessionsDraining()
	logger.Info("draining signal sessions", "sessions", warned)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !relay.WaitSessions(waitCtx) {
		canceled := relay.CancelSessions()
		logger.Warn("grace period elapsed, closing sessions", "sessions", canceled)
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		relay.WaitSessions(closeCtx)
		closeCancel()
	}

	dispatchCtx, dispatchCancel := context.WithTimeout(context.Background(), cfg.InferenceTimeout)
	defer dispatchCancel()
	if !relay.WaitDispatches(dispatchCtx) {
		logger.Warn("in-flight inference did not finish, cancelling")
		relay.CancelDispatches()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("signal relay stopped")
	return nil
}

func printConfig(stdout io.Writer, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	out, err := cfg.Redacted()
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	_, err = stdout.Write(out)
	return err
}

func newRootCmd(ctx context.Context, stdout, stderr io.Writer, deps relayDeps) *cobra.Command {
	var envFile, configFile string

	loadEnv := func(cmd *cobra.Command, args []string) error {
		if err := dotenv.LoadFile(envFile); err != nil {
			return err
		}
		if configFile != "" {
			return os.Setenv("SIGNAL_CONFIG_FILE", configFile)
		}
		return nil
	}
	serve := func(cmd *cobra.Command, args []string) error {
		return runRelay(ctx, stderr, deps)
	}

	root := &cobra.Command{
		Use:   "signal-relay",
		Short: "Websocket relay that turns live meeting audio into actionable signals",
		Long: `signal-relay accepts binary audio chunks over a websocket, batches them
into windows, asks a Gemini model to classify each window, and pushes the
resulting signals back to the connected client.

Configuration comes from SIGNAL_* and GOOGLE_* environment variables, an
optional YAML file (--config or SIGNAL_CONFIG_FILE) and a local .env file.`,
		Version:           fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadEnv,
		RunE:              serve,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	root.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (overrides SIGNAL_CONFIG_FILE)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the relay until interrupted",
		Args:  cobra.NoArgs,
		RunE:  serve,
	})
	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printConfig(cmd.OutOrStdout(), deps)
		},
	})
	return root
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps relayDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	root := newRootCmd(ctx, stdout, stderr, deps)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "signal-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultRelayDeps()))
}
