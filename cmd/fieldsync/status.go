package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/propio/fieldsync/internal/engine"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sync status of a running agent",
	Long: `Query the local agent's admin endpoint and print per-report sync
status: active transport strategy, channel health, pending record count,
and whether local durability is degraded.`,
	Run: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("admin-addr", "127.0.0.1:7373", "agent admin endpoint")
	_ = viper.BindPFlag("admin_addr", statusCmd.Flags().Lookup("admin-addr"))
}

func runStatus(cmd *cobra.Command, args []string) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + viper.GetString("admin_addr") + "/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach agent: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var statuses map[string]engine.Status
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding status: %v\n", err)
		os.Exit(1)
	}

	reports := make([]string, 0, len(statuses))
	for id := range statuses {
		reports = append(reports, id)
	}
	sort.Strings(reports)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REPORT\tSTRATEGY\tMODE\tCHANNEL\tPENDING\tDURABILITY")
	for _, id := range reports {
		st := statuses[id]
		durability := "ok"
		if st.DegradedDurability {
			durability = "degraded"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			id, st.Strategy, st.Mode, st.Channel, st.Pending, durability)
	}
	_ = w.Flush()
}
