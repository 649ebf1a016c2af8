package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/spf13/cobra"

	"github.com/austindbirch/session_relay/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the queue service",
	Long:  `Query /healthz on the queue service and print each dependency check.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest(http.MethodGet, "/healthz", nil)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		defer resp.Body.Close()

		var st health.Status
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return fmt.Errorf("decode health response (HTTP %d): %w", resp.StatusCode, err)
		}

		printOutput(cmd.OutOrStdout(), st, func(w io.Writer) {
			if st.OK {
				fmt.Fprintf(w, "✓ Service is healthy: %s\n", st.Message)
			} else {
				fmt.Fprintf(w, "✗ Service is unhealthy: %s\n", st.Message)
			}
			names := make([]string, 0, len(st.Checks))
			for name := range st.Checks {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(w, "  %s: %s\n", name, st.Checks[name])
			}
		})
		if !st.OK {
			return fmt.Errorf("service unhealthy (HTTP %d)", resp.StatusCode)
		}
		return nil
	},
}

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping the queue service",
	Long:  `Poll the pending list once to verify the queue service is running and speaks the task protocol.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		urls, err := newQueueClient().Pending(cmdContext(cmd))
		if err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		printOutput(cmd.OutOrStdout(), map[string]any{"ok": true, "pending": len(urls)}, func(w io.Writer) {
			fmt.Fprintf(w, "Pong! Queue service is running (%d pending)\n", len(urls))
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(pingCmd)
}
