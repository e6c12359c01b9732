package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/sutra-memory/internal/config"
	"github.com/cuemby/sutra-memory/internal/embedclient"
	"github.com/cuemby/sutra-memory/internal/engine"
	"github.com/cuemby/sutra-memory/internal/pipeline"
	"github.com/cuemby/sutra-memory/internal/storeerr"
	"github.com/cuemby/sutra-memory/pkg/log"
	"github.com/cuemby/sutra-memory/pkg/metrics"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes per the CLI contract: 0 ok, 1 config error, 2 corrupt
// data found during startup recovery, 3 fatal I/O.
const (
	exitOK          = 0
	exitConfigError = 1
	exitCorruptData = 2
	exitFatalIO     = 3
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch storeerr.KindOf(err) {
	case storeerr.ConfigError:
		return exitConfigError
	case storeerr.Corruption:
		return exitCorruptData
	case storeerr.DiskFull:
		return exitFatalIO
	default:
		return exitConfigError
	}
}

var rootCmd = &cobra.Command{
	Use:   "sutra-memoryd",
	Short: "sutra-memoryd - embeddable temporal knowledge graph engine",
	Long: `sutra-memoryd serves a single-node concurrent graph store holding
concepts, typed associations between them, and dense vector embeddings,
over a length-prefixed binary TCP protocol.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"sutra-memoryd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	config.RegisterFlags(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sutra-memoryd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sutra-memory server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

	var embedder pipeline.EmbeddingClient
	if cfg.EmbeddingURL != "" {
		embedder = embedclient.New(cfg.EmbeddingURL)
	}

	metrics.SetVersion(Version)
	metrics.RegisterComponent("wal", false, "recovering")

	e, err := engine.New(engine.Options{
		DataDir:      cfg.DataDir,
		Dim:          cfg.Dim,
		Shards:       cfg.Shards,
		Bind:         cfg.Bind,
		TLSCert:      cfg.TLSCert,
		TLSKey:       cfg.TLSKey,
		DevMode:      cfg.DevMode,
		EmbeddingURL: cfg.EmbeddingURL,
	}, embedder, nil)
	if err != nil {
		return err
	}
	metrics.RegisterComponent("wal", true, "recovered")
	metrics.RegisterComponent("reconciler", true, "running")

	fmt.Printf("✓ Recovered data directory %s (dim=%d, shards=%d)\n", cfg.DataDir, cfg.Dim, cfg.Shards)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Errorf("metrics server error: %v", err)
			}
		}()
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", cfg.MetricsAddr)
		fmt.Printf("✓ Health endpoints: http://%s/health, /ready, /live\n", cfg.MetricsAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Serve(ctx)
	}()

	metrics.RegisterComponent("server", true, "listening on "+e.Addr())
	fmt.Printf("✓ Listening on %s\n", e.Addr())
	fmt.Println("sutra-memoryd is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
		cancel()
		<-errCh
	case err := <-errCh:
		cancel()
		if err != nil {
			return err
		}
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}
