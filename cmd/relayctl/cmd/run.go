package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/austindbirch/session_relay/internal/agent"
	"github.com/austindbirch/session_relay/internal/config"
	"github.com/austindbirch/session_relay/internal/trigger"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start dispatch loops against the queue service",
	Long: `Ask for confirmation, then start dispatch loops that poll the queue service,
fetch each pending URL with your session and submit the result.

Each loop runs until interrupted. --loops starts several independent loops;
they share the queue and may fetch the same task.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := agentConfig(cmd)
		if err != nil {
			return err
		}

		yes, _ := cmd.Flags().GetBool("yes")
		var confirmer trigger.Confirmer = &trigger.PromptConfirmer{In: cmd.InOrStdin(), Out: cmd.ErrOrStderr()}
		if yes {
			confirmer = trigger.AutoConfirm
		}

		ctx, stop := signal.NotifyContext(cmdContext(cmd), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runAgent(ctx, cmd.OutOrStdout(), cfg, confirmer)
	},
}

// runAgent starts the loops and blocks until they stop or ctx ends.
func runAgent(ctx context.Context, out io.Writer, cfg config.Agent, confirmer trigger.Confirmer, opts ...agent.Option) error {
	a, err := agent.New(cfg, confirmer, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		if errors.Is(err, trigger.ErrDeclined) {
			fmt.Fprintln(out, "Not started")
			return nil
		}
		return err
	}
	for _, s := range a.Snapshots() {
		fmt.Fprintf(out, "Loop %s started against %s\n", s.ID, cfg.QueueURL)
	}

	err = a.Wait(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	printOutput(out, a.Snapshots(), func(w io.Writer) {
		for _, s := range a.Snapshots() {
			fmt.Fprintf(w, "Loop %s stopped after %d cycle(s)\n", s.ID, s.Cycles)
		}
	})
	return err
}

// agentConfig starts from the environment and applies any flags that were set.
func agentConfig(cmd *cobra.Command) (config.Agent, error) {
	full := config.FromEnv()
	cfg := full.Agent
	flags := cmd.Flags()

	cfg.QueueURL = serverURL()
	if jwtToken != "" {
		cfg.QueueToken = jwtToken
	}
	if flags.Changed("loops") {
		cfg.Loops, _ = flags.GetInt("loops")
	}
	if flags.Changed("fetcher") {
		cfg.Fetcher, _ = flags.GetString("fetcher")
	}
	if flags.Changed("cookie-file") {
		cfg.CookieFile, _ = flags.GetString("cookie-file")
	}
	if flags.Changed("user-agent") {
		cfg.UserAgent, _ = flags.GetString("user-agent")
	}
	if flags.Changed("profile-dir") {
		cfg.BrowserProfileDir, _ = flags.GetString("profile-dir")
	}
	if flags.Changed("headless") {
		cfg.BrowserHeadless, _ = flags.GetBool("headless")
	}
	if flags.Changed("channel") {
		cfg.BrowserChannel, _ = flags.GetString("channel")
	}
	if flags.Changed("poll-interval") {
		cfg.PollInterval, _ = flags.GetDuration("poll-interval")
	}
	if flags.Changed("poll-failure-delay") {
		cfg.PollFailureDelay, _ = flags.GetDuration("poll-failure-delay")
	}
	if flags.Changed("fetch-timeout") {
		cfg.FetchTimeout, _ = flags.GetDuration("fetch-timeout")
	}

	full.Agent = cfg
	if err := full.Validate(); err != nil {
		return config.Agent{}, err
	}
	return cfg, nil
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("yes", "y", false, "start without asking for confirmation")
	runCmd.Flags().Int("loops", 1, "number of independent loops to start")
	runCmd.Flags().String("fetcher", "http", "fetch backend: http or browser")
	runCmd.Flags().String("cookie-file", "", "Netscape cookies.txt exported from the browser")
	runCmd.Flags().String("user-agent", "", "User-Agent sent with every fetch")
	runCmd.Flags().String("profile-dir", "", "browser profile directory holding the session (browser fetcher)")
	runCmd.Flags().Bool("headless", true, "run the browser without a window (browser fetcher)")
	runCmd.Flags().String("channel", "", "installed browser channel, e.g. chrome (browser fetcher)")
	runCmd.Flags().Duration("poll-interval", 0, "wait after an empty poll (0 re-polls immediately)")
	runCmd.Flags().Duration("poll-failure-delay", 0, "wait after the queue service could not be reached (0 retries immediately)")
	runCmd.Flags().Duration("fetch-timeout", 0, "bound on each fetch (0 waits on the transport)")
}
