package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/propio/fieldsync/internal/collection"
	"github.com/propio/fieldsync/internal/engine"
	"github.com/propio/fieldsync/internal/importer"
	"github.com/propio/fieldsync/internal/record"
	"github.com/propio/fieldsync/internal/store"
	"github.com/propio/fieldsync/internal/transport"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the field device sync agent",
	Long: `Run the sync agent for one or more reports on a field device.

The agent keeps each report's records in the local store, watches the
capture export directory for new record files, and synchronizes with the
central service: push over a persistent connection when available,
periodic pull otherwise. A localhost admin endpoint exposes status and
lets an operator pin the transport strategy:

  GET  /status           per-report sync status
  POST /mode/{push|pull|auto}  pin or release the strategy`,
	Run: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)

	agentCmd.Flags().String("server", "http://localhost:8080", "central service base URL")
	agentCmd.Flags().String("data-dir", ".fieldsync", "directory for the local store")
	agentCmd.Flags().StringSlice("report", nil, "report id to sync (repeatable)")
	agentCmd.Flags().String("import-dir", "", "capture export directory (one subdirectory per report)")
	agentCmd.Flags().String("admin-addr", "127.0.0.1:7373", "localhost admin endpoint")
	agentCmd.Flags().String("mode", "auto", "initial transport strategy: auto, push or pull")
	agentCmd.Flags().Duration("pull-interval", 30*time.Second, "pull strategy poll interval")
	agentCmd.Flags().Duration("heartbeat-interval", 15*time.Second, "push liveness heartbeat interval")
	agentCmd.Flags().Duration("probe-interval", 30*time.Second, "push failback probe interval")

	for _, flag := range []string{"server", "data-dir", "report", "import-dir", "admin-addr", "mode", "pull-interval", "heartbeat-interval", "probe-interval"} {
		_ = viper.BindPFlag(strings.ReplaceAll(flag, "-", "_"), agentCmd.Flags().Lookup(flag))
	}
}

func runAgent(cmd *cobra.Command, args []string) {
	logger := newLogger("[agent] ")

	reports := viper.GetStringSlice("report")
	if len(reports) == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one --report is required\n")
		os.Exit(1)
	}

	serverURL := strings.TrimSuffix(viper.GetString("server"), "/")
	if !strings.HasPrefix(serverURL, "http") {
		fmt.Fprintf(os.Stderr, "Error: --server must be an http(s) URL\n")
		os.Exit(1)
	}
	wsBase := "ws" + strings.TrimPrefix(serverURL, "http")

	dataDir := viper.GetString("data_dir")
	st, err := store.Open(filepath.Join(dataDir, "fieldsync.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening local store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	// One stable replica identity for the device, shared by all reports.
	nodeID, err := st.NodeID(func() string { return uuid.New().String() })
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading replica identity: %v\n", err)
		os.Exit(1)
	}
	logger.Printf("replica %s syncing %d reports against %s", nodeID, len(reports), serverURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	importDir := viper.GetString("import_dir")
	initialMode := viper.GetString("mode")
	var importers []*importer.Importer

	registry := engine.NewRegistry(func(ownerID string) (*engine.Engine, error) {
		col := collection.New(ownerID, record.NewClockWithNode(nodeID), nil)
		push := transport.NewPushChannel(transport.PushConfig{
			URL:    wsBase + "/ws/" + ownerID,
			Logger: logger,
		})
		pull := transport.NewPullChannel(transport.PullConfig{
			URL:      serverURL + "/sync/" + ownerID,
			OwnerID:  ownerID,
			Interval: viper.GetDuration("pull_interval"),
			Logger:   logger,
		})
		sel := transport.NewSelector(push, pull, transport.SelectorConfig{
			HeartbeatInterval: viper.GetDuration("heartbeat_interval"),
			ProbeInterval:     viper.GetDuration("probe_interval"),
			Logger:            logger,
		})

		eng := engine.New(ownerID, col, st, sel, engine.Config{Logger: logger})
		switch initialMode {
		case "push":
			eng.ForcePush()
		case "pull":
			eng.ForcePull()
		}
		if err := eng.Start(ctx); err != nil {
			return nil, err
		}

		if importDir != "" {
			imp := importer.New(filepath.Join(importDir, ownerID), col, &importer.Config{Logger: logger})
			if err := imp.Start(ctx); err != nil {
				logger.Printf("importer for %s failed to start: %v", ownerID, err)
			} else {
				importers = append(importers, imp)
			}
		}
		return eng, nil
	})

	for _, ownerID := range reports {
		if _, err := registry.ForOwner(ownerID); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting sync for %s: %v\n", ownerID, err)
			os.Exit(1)
		}
	}

	admin := startAdmin(viper.GetString("admin_addr"), registry, logger)

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = admin.Shutdown(shutdownCtx)
	for _, imp := range importers {
		imp.Stop()
	}
	if err := registry.CloseAll(); err != nil {
		logger.Printf("shutdown error: %v", err)
	}
}

// startAdmin serves the operator endpoint on a localhost port.
func startAdmin(addr string, registry *engine.Registry, logger *log.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		statuses := make(map[string]engine.Status)
		for _, owner := range registry.Owners() {
			if eng, ok := registry.Get(owner); ok {
				statuses[owner] = eng.Status()
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statuses)
	})

	mux.HandleFunc("POST /mode/{mode}", func(w http.ResponseWriter, r *http.Request) {
		mode := r.PathValue("mode")
		for _, owner := range registry.Owners() {
			eng, ok := registry.Get(owner)
			if !ok {
				continue
			}
			switch mode {
			case "push":
				eng.ForcePush()
			case "pull":
				eng.ForcePull()
			case "auto":
				eng.AutoMode()
			default:
				http.Error(w, "mode must be push, pull or auto", http.StatusBadRequest)
				return
			}
		}
		logger.Printf("operator pinned transport mode: %s", mode)
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("admin endpoint failed: %v", err)
		}
	}()
	return srv
}
