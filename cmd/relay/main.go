// relay is the CDP multiplexer: it terminates one control connection
// from an agent process and any number of debugger-client connections,
// dispatching CDP commands and replaying target lifecycle events across
// both.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/devbridge/relay/internal/config"
	"github.com/devbridge/relay/internal/httpapi"
	"github.com/devbridge/relay/internal/persist"
	"github.com/devbridge/relay/internal/recovery"
	"github.com/devbridge/relay/internal/relayrouter"
	"github.com/devbridge/relay/internal/relaysession"
	"github.com/devbridge/relay/internal/transport"
)

var cfg = config.DefaultRelayConfig()
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Multiplex CDP debugger clients across one agent-driven Chrome instance",
	Long: `relay terminates debugger-client WebSocket connections and a single
agent control connection, forwarding CDP commands to the agent and
replaying target lifecycle events back to clients, with named pages
surviving an agent restart via persisted recovery.

Example:
  # Start the relay on the default loopback port
  relay serve

  # Load settings from a config file, override the port
  relay serve --config ./relay.yaml --port 9300`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "Path to a YAML config file")

	rootCmd.Flags().StringVar(&cfg.Host, "host", cfg.Host, "Listen host")
	rootCmd.Flags().IntVarP(&cfg.Port, "port", "p", cfg.Port, "Listen port")

	rootCmd.Flags().StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory for persisted page state")
	rootCmd.Flags().DurationVar(&cfg.PersistDebounce, "persist-debounce", cfg.PersistDebounce, "Debounce interval for persisting page state")
	rootCmd.Flags().DurationVar(&cfg.PersistMaxAge, "persist-max-age", cfg.PersistMaxAge, "Max age of a persisted page entry before it is dropped")

	rootCmd.Flags().DurationVar(&cfg.ExtensionTimeout, "extension-timeout", cfg.ExtensionTimeout, "Timeout waiting for the agent to answer a forwarded command")
	rootCmd.Flags().DurationVar(&cfg.RecoveryDelay, "recovery-delay", cfg.RecoveryDelay, "Delay after an agent connects before running recovery")
	rootCmd.Flags().DurationVar(&cfg.GraceWindow, "grace-window", cfg.GraceWindow, "Grace window before releasing a named page after detach")

	rootCmd.Flags().IntVar(&cfg.PageLimit, "page-limit", cfg.PageLimit, "Max named pages per session")
	rootCmd.Flags().IntVar(&cfg.PageWarnThreshold, "page-warn-threshold", cfg.PageWarnThreshold, "Named-page count at which POST /pages starts warning")

	rootCmd.Flags().BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Print the log lines the agent forwards over the control connection")

	rootCmd.Version = config.Version
}

func run(cmd *cobra.Command, args []string) error {
	if cfgFile != "" {
		loaded, err := config.LoadRelayConfigFromFile(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	store := persist.NewStore(cfg.StateDir)
	reg := relaysession.NewRegistry()
	saver := persist.NewDebouncedSaver(store, cfg.PersistDebounce, func() []persist.PageEntry {
		return snapshotPages(reg)
	})

	router := relayrouter.New(reg, saver, relayrouter.Options{
		Timeout:     cfg.ExtensionTimeout,
		GraceWindow: cfg.GraceWindow,
		Verbose:     cfg.Verbose,
	})

	wsServer := transport.NewServer(reg, router)
	wsServer.OnExtensionConnected = func() {
		time.Sleep(cfg.RecoveryDelay)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ExtensionTimeout)
		defer cancel()
		res := recovery.Run(ctx, router, store, cfg.PersistMaxAge)
		router.RecordRecovery(res.Recovered, res.RanAt)
		log.Printf("relay: recovery attempted=%d recovered=%d", res.Attempted, res.Recovered)
	}

	wsHost := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	api := httpapi.NewHandler(reg, router, wsHost, cfg.PageLimit, cfg.PageWarnThreshold)

	httpServer := &http.Server{
		Addr:    wsHost,
		Handler: combinedMux(wsServer, api),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("relay: received shutdown signal...")
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("relay %s listening on %s", config.Version, wsHost)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("relay: shutdown error: %v", err)
		}
		<-errCh
	}

	if err := saver.Flush(); err != nil {
		log.Printf("relay: final persist flush failed: %v", err)
	}
	return nil
}

// combinedMux routes the relay's two WebSocket endpoints and its REST
// surface onto a single listener, since both packages own their own
// *http.ServeMux and neither should reach into the other's routing.
func combinedMux(wsServer *transport.Server, api *httpapi.Handler) http.Handler {
	wsMux := wsServer.Mux()
	apiMux := api.Mux()

	mux := http.NewServeMux()
	mux.Handle("/extension", wsMux)
	mux.Handle("/cdp", wsMux)
	mux.Handle("/cdp/", wsMux)
	mux.Handle("/", apiMux)
	return mux
}

// snapshotPages flattens the registry's live named-page claims into the
// flat list persist.Store writes to disk, stamping LastSeen with the
// snapshot time since the registry itself does not track per-page
// mutation timestamps.
func snapshotPages(reg *relaysession.Registry) []persist.PageEntry {
	now := time.Now()
	sessionIDs := reg.AllSessionIDs()
	sort.Strings(sessionIDs)

	var out []persist.PageEntry
	for _, sessionID := range sessionIDs {
		named := reg.NamedPagesInSession(sessionID)
		names := make([]string, 0, len(named))
		for name := range named {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			cdpSessionID := named[name]
			t := reg.Target(cdpSessionID)
			if t == nil {
				continue
			}
			out = append(out, persist.PageEntry{
				Key:      relaysession.PageKey(sessionID, name),
				TargetID: t.TargetID,
				URL:      t.URL,
				LastSeen: now,
			})
		}
	}
	return out
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
