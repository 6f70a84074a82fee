// agent drives a local Chrome instance over its remote-debugging CDP
// endpoint and maintains an outbound WebSocket connection to a relay,
// acting as the Go-native stand-in for the browser extension side of
// the system.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/devbridge/relay/internal/agentcdp"
	"github.com/devbridge/relay/internal/agentconn"
	"github.com/devbridge/relay/internal/agentrouter"
	"github.com/devbridge/relay/internal/agentsession"
	"github.com/devbridge/relay/internal/config"
)

var cfg = config.DefaultAgentConfig()
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Drive a local Chrome instance and relay its tabs over CDP",
	Long: `agent attaches to a Chrome instance's remote-debugging port, tracks its
tabs, and maintains a reconnecting WebSocket connection to a relay so
debugger clients elsewhere can multiplex across those tabs.

Example:
  # Attach to Chrome already running with --remote-debugging-port=9222
  agent run

  # Auto-launch Chrome and point at a non-default relay
  agent run --launch --relay ws://127.0.0.1:9300/extension`,
}

func init() {
	rootCmd.Version = config.Version
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)

	runCmd.Flags().StringVar(&cfgFile, "config", "", "Path to a YAML config file")
	runCmd.Flags().IntVarP(&cfg.ChromePort, "port", "p", cfg.ChromePort, "Chrome remote debugging port")
	runCmd.Flags().BoolVar(&cfg.AutoLaunch, "launch", cfg.AutoLaunch, "Auto-launch Chrome with debugging enabled")
	runCmd.Flags().StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "Relay /extension WebSocket endpoint")
	runCmd.Flags().StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory for persisted session bookkeeping")

	runCmd.Flags().DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "HTTP reachability probe timeout")
	runCmd.Flags().DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "WebSocket connect timeout")
	runCmd.Flags().DurationVar(&cfg.ReconnectInterval, "reconnect-interval", cfg.ReconnectInterval, "Delay before retrying a failed connect")
	runCmd.Flags().DurationVar(&cfg.KeepAliveTick, "keep-alive-tick", cfg.KeepAliveTick, "Interval at which the connection manager checks it should still be maintaining a connection")
	runCmd.Flags().IntVar(&cfg.AttachRetries, "attach-retries", cfg.AttachRetries, "Must be at least 1; the attach attempt count is set by the attach backoff schedule (one more than its steps), not by this value")

	runCmd.Flags().BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Verbose flag; the agent's logging is the same with or without it")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach to Chrome and maintain a connection to the relay",
	RunE:  runAgent,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a local Chrome instance is reachable on --port",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		if port == 0 {
			port = cfg.ChromePort
		}
		manager := agentcdp.NewManager(fmt.Sprintf("%d", port))
		tabs, err := manager.GetAvailableTargets(context.Background())
		if err != nil {
			fmt.Printf("chrome on port %d: unreachable (%v)\n", port, err)
			return nil
		}
		fmt.Printf("chrome on port %d: reachable, %d tab(s)\n", port, len(tabs))
		return nil
	},
}

func init() {
	statusCmd.Flags().IntP("port", "p", 0, "Chrome remote debugging port (defaults to agent config)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	if cfgFile != "" {
		loaded, err := config.LoadAgentConfigFromFile(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("agent: received shutdown signal...")
		cancel()
	}()

	manager := agentcdp.NewManager(fmt.Sprintf("%d", cfg.ChromePort))
	manager.SetAttachDelays(cfg.AttachBackoff)
	sessions := agentsession.NewRegistry(cfg.StateDir)

	router := agentrouter.New(manager, sessions)
	router.WireTargetEvents()

	conn := agentconn.New(cfg.RelayURL, agentconn.HTTPRootFromWS(cfg.RelayURL), router, agentconn.Options{
		ProbeTimeout:      cfg.ProbeTimeout,
		ConnectTimeout:    cfg.ConnectTimeout,
		ReconnectInterval: cfg.ReconnectInterval,
		KeepAliveTick:     cfg.KeepAliveTick,
	})
	router.SetSender(conn)
	conn.OnConnect = func() {
		log.Println("agent: connected to relay")
		router.Reannounce()
	}

	log.Printf("agent %s starting (chrome port %d, relay %s)", config.Version, cfg.ChromePort, cfg.RelayURL)
	if err := manager.Start(ctx, cfg.AutoLaunch); err != nil {
		return fmt.Errorf("failed to start tab manager: %w", err)
	}
	defer manager.Stop()

	if err := sessions.Initialize(ctx, func(tabID string) bool {
		_, ok := manager.Get(tabID)
		return ok
	}); err != nil {
		log.Printf("agent: failed to load persisted sessions: %v", err)
	}

	conn.StartMaintaining()
	defer conn.Stop()

	<-ctx.Done()
	time.Sleep(100 * time.Millisecond)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
