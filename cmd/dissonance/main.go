// Package main provides the entry point for the dissonance peer node.
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

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/dissonance-chat/dissonance/internal/config"
	"github.com/dissonance-chat/dissonance/internal/identity"
	"github.com/dissonance-chat/dissonance/internal/metrics"
	"github.com/dissonance-chat/dissonance/internal/node"
	"github.com/dissonance-chat/dissonance/internal/transport"
)

var log = logging.Logger("dsn")

var rootCmd = &cobra.Command{
	Use:   "dissonance",
	Short: "dissonance - a libp2p peer node",
	Long: `dissonance runs a peer on a libp2p network. It keeps a persistent identity,
joins the DHT, exchanges identify information with connected peers, discovers
peers on the local network and keeps a directory of what it has seen.`,
	PersistentPreRunE: setupLogging,
	SilenceUsage:      true,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the node",
	Long:  `Start the node and run its event loop until interrupted.`,
	RunE:  runDaemon,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	Long:  `Write the default configuration file and create the node identity.`,
	RunE:  runInit,
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Print the node identity",
	Long:  `Print the peer ID of the persisted node identity, creating it if needed.`,
	RunE:  runIdentity,
}

var (
	configPath string
	listenAddr string
	logLevel   string
	debug      bool
	ephemeral  bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides --debug)")
	rootCmd.PersistentFlags().BoolVar(&ephemeral, "ephemeral", false, "use a throwaway identity that is never written to disk")

	daemonCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override listen address")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(identityCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(cmd *cobra.Command, args []string) error {
	if debug {
		logging.SetAllLoggers(logging.LevelDebug)
	} else {
		logging.SetAllLoggers(logging.LevelInfo)
	}
	if logLevel != "" {
		lvl, err := logging.LevelFromString(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		logging.SetAllLoggers(lvl)
	}
	return nil
}

func loadIdentity(cfg *config.Config) (*identity.NodeIdentity, error) {
	if ephemeral {
		log.Warn("Using an ephemeral identity; the peer ID will change on restart")
		return identity.GenerateEphemeral()
	}
	mgr, err := identity.NewManager(cfg.IdentityPath)
	if err != nil {
		return nil, err
	}
	return mgr.GetIdentity()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override listen address if specified
	if listenAddr != "" {
		cfg.Network.Listen = []string{listenAddr}
	}

	id, err := loadIdentity(cfg)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	var opts []node.Option
	var metricsServer *http.Server
	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, node.WithMetrics(metrics.NewRecorder(reg)))

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Infof("Metrics available at http://%s/metrics", cfg.Metrics.Listen)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warnf("Metrics server error: %v", err)
			}
		}()
	}

	// Create and start the node
	n, err := node.New(ctx, cfg, id, opts...)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	loopErr := make(chan error, 1)
	go func() { loopErr <- n.Run(ctx) }()

	log.Info("Starting dissonance daemon...")
	if err := n.Start(); err != nil {
		n.Close()
		return fmt.Errorf("failed to start node: %w", err)
	}
	log.Infof("Peer ID: %s", n.PeerID())

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info("Shutting down...")
	case err := <-loopErr:
		if err != nil {
			log.Errorf("Event loop stopped: %v", err)
		}
	}

	if metricsServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 5*time.Second)
		metricsServer.Shutdown(shutdownCtx)
		cancelShutdown()
	}

	return n.Close()
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	log.Infof("Initialized configuration at %s", path)

	if ephemeral {
		return nil
	}
	id, err := loadIdentity(cfg)
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	log.Infof("Node identity: %s", id.PeerID())
	return nil
}

func runIdentity(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	id, err := loadIdentity(cfg)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Peer ID: %s\n", id.PeerID())

	addrs, err := transport.ListenAddrs(cfg.Network)
	if err != nil {
		return err
	}
	for _, a := range addrs {
		full, err := transport.Dialable(a, id.PeerID())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Address: %s\n", full)
	}
	return nil
}
