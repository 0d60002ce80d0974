package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/propio/fieldsync/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the central sync service",
	Long: `Run the central service field agents synchronize against.

The service stores the authoritative copy of every record in SQLite,
merges concurrent edits newest-wins, fans accepted changes out to the
report's connected agents, and answers pull requests from agents that
cannot hold a connection open.`,
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", ":8080", "listen address")
	serveCmd.Flags().String("db", "fieldsync-server.db", "SQLite database path")
	serveCmd.Flags().Duration("heartbeat-window", time.Minute, "evict push sessions silent for this long")
	serveCmd.Flags().Int("max-payload-bytes", 1<<20, "reject records with payloads larger than this")

	for _, flag := range []string{"addr", "db", "heartbeat-window", "max-payload-bytes"} {
		_ = viper.BindPFlag("serve."+strings.ReplaceAll(flag, "-", "_"), serveCmd.Flags().Lookup(flag))
	}
}

func runServe(cmd *cobra.Command, args []string) {
	logger := newLogger("[server] ")

	db, err := server.OpenDB(viper.GetString("serve.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	srv := server.NewServer(db, &server.Config{
		Addr:            viper.GetString("serve.addr"),
		HeartbeatWindow: viper.GetDuration("serve.heartbeat_window"),
		MaxPayloadBytes: viper.GetInt("serve.max_payload_bytes"),
		Logger:          logger,
	})
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}
	logger.Printf("listening on %s", srv.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Printf("shutting down")
	if err := srv.Stop(); err != nil {
		logger.Printf("shutdown error: %v", err)
	}
}
