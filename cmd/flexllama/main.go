package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"flexllama/internal/catalog"
	"flexllama/internal/config"
	"flexllama/internal/health"
	"flexllama/internal/httpapi"
	"flexllama/internal/supervisor"
)

var version = "dev"

const (
	httpShutdownGrace   = 5 * time.Second
	runnerShutdownGrace = 15 * time.Second
)

func main() {
	var (
		configPath string
		logLevel   string
		logFormat  string
	)

	root := &cobra.Command{
		Use:           "flexllama",
		Short:         "OpenAI-compatible gateway for a fleet of llama.cpp runners",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "Path to the configuration file (json, yaml or toml)")
	root.PersistentFlags().String("log-level", "info", "Log level: debug|info|warn|error")
	root.PersistentFlags().String("log-format", "auto", "Log format: auto|console|json")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			logLevel, _ = cmd.Flags().GetString("log-level")
			logFormat, _ = cmd.Flags().GetString("log-format")
			return serve(configPath, newLogger(logLevel, logFormat))
		},
	}
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				return err
			}
			fmt.Println("configuration OK")
			return nil
		},
	}
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("flexllama", version)
		},
	}
	root.AddCommand(serveCmd, validateCmd, versionCmd)
	// Default to serve so `flexllama -c config.json` just works.
	root.RunE = serveCmd.RunE

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	console := format == "console" || (format == "auto" && isatty.IsTerminal(os.Stderr.Fd()))
	var out = os.Stderr
	if console {
		return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

func serve(configPath string, log zerolog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cat, err := catalog.New(cfg)
	if err != nil {
		return fmt.Errorf("build catalog: %w", err)
	}

	sessionLogDir, err := makeSessionLogDir(cfg.LogDir)
	if err != nil {
		return fmt.Errorf("prepare log dir: %w", err)
	}
	log.Info().Str("config", configPath).Str("log_dir", sessionLogDir).Int("models", len(cfg.Models)).Int("runners", len(cfg.Runners)).Msg("starting flexllama")

	sup := supervisor.New(cfg, cat, sessionLogDir, log)
	agg := health.New(cat, sup.Runners(), log)
	sup.SetHealth(agg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sup.RunIdleUnloader(ctx)
	go agg.Run(ctx)
	go sup.AutostartDefaults(ctx)

	// Request contexts live past the signal so in-flight work gets the
	// HTTP shutdown grace before being force-cancelled.
	reqCtx, cancelReqs := context.WithCancel(context.Background())
	defer cancelReqs()

	addr := net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))
	srv := &http.Server{
		Addr:    addr,
		Handler: httpapi.NewMux(sup, cfg, log),
		BaseContext: func(net.Listener) context.Context {
			return reqCtx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		// Bind failure or similar before any signal arrived.
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn().Err(err).Msg("http shutdown")
	}
	// Anything still forwarding after the grace is cancelled so the
	// runners can drain and stop.
	cancelReqs()

	runnerCtx, cancelRunners := context.WithTimeout(context.Background(), runnerShutdownGrace)
	defer cancelRunners()
	if err := sup.Shutdown(runnerCtx); err != nil {
		log.Warn().Err(err).Msg("runner shutdown incomplete")
	}
	log.Info().Msg("bye")
	return nil
}

// makeSessionLogDir creates a per-session directory for child process
// logs, falling back to the temp dir when the preferred one is not
// writable.
func makeSessionLogDir(preferred string) (string, error) {
	if preferred == "" {
		preferred = os.Getenv("FLEXLLAMA_LOG_DIR")
	}
	if preferred == "" {
		preferred = "logs"
	}
	base := preferred
	if err := os.MkdirAll(base, 0o777); err != nil || !writable(base) {
		base = filepath.Join(os.TempDir(), "flexllama_logs")
		if err := os.MkdirAll(base, 0o777); err != nil {
			return "", err
		}
	}
	session := time.Now().Format("20060102_150405") + "_" + uuid.NewString()[:8]
	dir := filepath.Join(base, session)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return "", err
	}
	return dir, nil
}

func writable(dir string) bool {
	f, err := os.CreateTemp(dir, ".probe*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}
