package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/session_relay/internal/task"
)

// tasksCmd represents the tasks command
var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and feed the queue service",
	Long:  `List pending task URLs, enqueue new ones, submit results by hand, or wait for a URL to be served.`,
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending task URLs",
	RunE: func(cmd *cobra.Command, args []string) error {
		urls, err := newQueueClient().Pending(cmdContext(cmd))
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		printOutput(cmd.OutOrStdout(), urls, func(w io.Writer) {
			if len(urls) == 0 {
				fmt.Fprintln(w, "No pending tasks")
				return
			}
			fmt.Fprintf(w, "%d pending task(s):\n", len(urls))
			for i, u := range urls {
				fmt.Fprintf(w, "  %d. %s\n", i+1, u)
			}
		})
		return nil
	},
}

var tasksAddCmd = &cobra.Command{
	Use:   "add [url...]",
	Short: "Enqueue one or more URLs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newQueueClient()
		ctx := cmdContext(cmd)
		for _, u := range args {
			if err := client.Enqueue(ctx, u); err != nil {
				return err
			}
			if !outputJSON && !outputYAML {
				fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s\n", u)
			}
		}
		if outputJSON || outputYAML {
			printOutput(cmd.OutOrStdout(), map[string]any{"enqueued": args}, nil)
		}
		return nil
	},
}

var tasksSubmitCmd = &cobra.Command{
	Use:   "submit [url]",
	Short: "Submit a response for a task URL by hand",
	Long: `Submit a response for a task URL, as an agent would after fetching it.

The body comes from --body, --file, or stdin when --file is "-". It is
serialized the same way the agent serializes fetched bodies unless --raw is set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := submitBody(cmd)
		if err != nil {
			return err
		}
		raw, _ := cmd.Flags().GetBool("raw")
		contentType, _ := cmd.Flags().GetString("content-type")
		sub := task.Submission{RequestURL: args[0], Response: task.EncodeBody(body, contentType)}
		if raw {
			sub.Response = string(body)
		}

		if sf := newQueueClient().Submit(cmdContext(cmd), sub); sf != nil {
			return fmt.Errorf("submit: %w", sf)
		}
		printOutput(cmd.OutOrStdout(), sub, func(w io.Writer) {
			fmt.Fprintf(w, "Submitted %s (%d bytes)\n", sub.RequestURL, len(sub.Response))
		})
		return nil
	},
}

func submitBody(cmd *cobra.Command) ([]byte, error) {
	file, _ := cmd.Flags().GetString("file")
	switch file {
	case "":
		body, _ := cmd.Flags().GetString("body")
		return []byte(body), nil
	case "-":
		return io.ReadAll(cmd.InOrStdin())
	default:
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return b, nil
	}
}

var tasksWaitCmd = &cobra.Command{
	Use:   "wait [url]",
	Short: "Enqueue a URL and wait until an agent has served it",
	Long: `Enqueue a URL and poll the pending list until it disappears, which
happens once an agent has submitted a response for it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := args[0]
		interval, _ := cmd.Flags().GetDuration("interval")
		within, _ := cmd.Flags().GetDuration("within")

		ctx := cmdContext(cmd)
		if within > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, within)
			defer cancel()
		}

		client := newQueueClient()
		if err := client.Enqueue(ctx, url); err != nil {
			return err
		}
		start := time.Now()
		if err := waitServed(ctx, url, interval, client.Pending); err != nil {
			return err
		}

		elapsed := time.Since(start).Round(time.Millisecond)
		printOutput(cmd.OutOrStdout(), map[string]any{"url": url, "served": true, "elapsed": elapsed.String()}, func(w io.Writer) {
			fmt.Fprintf(w, "Served %s after %s\n", url, elapsed)
		})
		return nil
	},
}

// waitServed polls until url is no longer pending. Soft failures are retried;
// a protocol error ends the wait.
func waitServed(ctx context.Context, url string, interval time.Duration, pending func(context.Context) ([]string, error)) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		urls, err := pending(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return fmt.Errorf("wait for %s: %w", url, ctx.Err())
		case task.IsProtocolError(err):
			return err
		case err == nil && !slices.Contains(urls, url):
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", url, ctx.Err())
		case <-ticker.C:
		}
	}
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksAddCmd)
	tasksCmd.AddCommand(tasksSubmitCmd)
	tasksCmd.AddCommand(tasksWaitCmd)

	tasksSubmitCmd.Flags().String("body", "", "response body")
	tasksSubmitCmd.Flags().String("file", "", "read the response body from a file (- for stdin)")
	tasksSubmitCmd.Flags().String("content-type", "", "content type the body was served with (empty treats JSON bodies as JSON)")
	tasksSubmitCmd.Flags().Bool("raw", false, "send the body as the response string without serializing it")

	tasksWaitCmd.Flags().Duration("interval", 500*time.Millisecond, "poll interval")
	tasksWaitCmd.Flags().Duration("within", 0, "give up after this long (0 waits until interrupted)")
}
