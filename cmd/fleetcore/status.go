package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/fleetcore/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running fleetcore instance's status endpoint",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("addr", "127.0.0.1:9090", "Address of a running instance's metrics/status server")
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/status")
	if err != nil {
		return fmt.Errorf("querying %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var snap types.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("decoding status response: %w", err)
	}

	if snap.Leader.IsLeader {
		fmt.Printf("leader: this instance (term %d)\n", snap.Leader.Term)
	} else {
		fmt.Printf("leader: %s (term %d)\n", orNone(snap.Leader.HolderID), snap.Leader.Term)
	}
	fmt.Printf("last monitor tick: %s\n", formatTime(snap.LastMonitor))
	fmt.Printf("last cleanup tick: %s\n", formatTime(snap.LastCleanup))

	fmt.Println()
	fmt.Printf("%-30s %-12s %-10s %s\n", "REPO", "DEDICATED", "DYNAMIC", "LAST SCALE")
	for _, r := range snap.Repos {
		fmt.Printf("%-30s %-12s %-10d %s\n", r.RepoID, orNone(r.DedicatedName), r.DynamicCount, formatTime(r.LastScaleAt))
	}

	fmt.Println()
	fmt.Printf("%-20s %-12s %s\n", "COMPONENT", "STATUS", "CIRCUIT")
	for _, c := range snap.Components {
		fmt.Printf("%-20s %-12s %s\n", c.Name, c.Status, c.Circuit)
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "<never>"
	}
	return t.Format(time.RFC3339)
}
