package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configKeys = []string{"server", "timeout", "json", "yaml", "pretty", "token"}

type configView struct {
	Server     string `json:"server" yaml:"server"`
	Timeout    string `json:"timeout" yaml:"timeout"`
	JSON       bool   `json:"json" yaml:"json"`
	YAML       bool   `json:"yaml" yaml:"yaml"`
	Pretty     bool   `json:"pretty" yaml:"pretty"`
	TokenSet   bool   `json:"token_set" yaml:"token_set"`
	ConfigFile string `json:"config_file,omitempty" yaml:"config_file,omitempty"`
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".relayctl.yaml"), nil
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage relayctl configuration",
	Long:  `Manage relayctl configuration settings.`,
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration settings.`,
	Run: func(cmd *cobra.Command, args []string) {
		v := configView{
			Server:     serverURL(),
			Timeout:    timeout.String(),
			JSON:       outputJSON,
			YAML:       outputYAML,
			Pretty:     prettyJSON,
			TokenSet:   jwtToken != "",
			ConfigFile: viper.ConfigFileUsed(),
		}
		printOutput(cmd.OutOrStdout(), v, func(w io.Writer) {
			fmt.Fprintln(w, "Current configuration:")
			fmt.Fprintf(w, "  Server: %s\n", v.Server)
			fmt.Fprintf(w, "  Timeout: %s\n", v.Timeout)
			fmt.Fprintf(w, "  JSON Output: %v\n", v.JSON)
			fmt.Fprintf(w, "  YAML Output: %v\n", v.YAML)
			fmt.Fprintf(w, "  Pretty JSON: %v\n", v.Pretty)
			fmt.Fprintf(w, "  Token: %v\n", v.TokenSet)

			if v.Pretty && !checkJQAvailable() {
				fmt.Fprintln(w, "  Warning: pretty=true but jq not found in PATH")
			}
			if v.ConfigFile != "" {
				fmt.Fprintf(w, "  Config file: %s\n", v.ConfigFile)
			} else {
				fmt.Fprintln(w, "  Config file: none (using defaults)")
			}
		})
	},
}

// configSetCmd represents the config set command
var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  relayctl config set server localhost:2333
  relayctl config set timeout 60s
  relayctl config set yaml true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := setConfigValue(key, value); err != nil {
			return err
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
		return nil
	},
}

// setConfigValue validates key and stores the typed value in viper.
func setConfigValue(key, value string) error {
	switch key {
	case "json", "yaml", "pretty":
		switch value {
		case "true", "1", "yes", "on":
			viper.Set(key, true)
		case "false", "0", "no", "off":
			viper.Set(key, false)
		default:
			return fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
		}
	case "timeout":
		dur, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for timeout: %s", value)
		}
		viper.Set(key, dur.String())
	case "server", "token":
		viper.Set(key, value)
	default:
		return fmt.Errorf("invalid configuration key: %s. Valid keys are: %v", key, configKeys)
	}
	return nil
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a default configuration file in the home directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}

		if _, err := os.Stat(path); err == nil {
			overwrite, _ := cmd.Flags().GetBool("force")
			if !overwrite {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
		}

		viper.Set("server", defaultServer)
		viper.Set("timeout", "30s")
		viper.Set("json", false)
		viper.Set("yaml", false)
		viper.Set("pretty", false)

		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Configuration file created: %s\n", path)
		fmt.Fprintln(out, "Default settings:")
		fmt.Fprintf(out, "  server: %s\n", defaultServer)
		fmt.Fprintln(out, "  timeout: 30s")
		fmt.Fprintln(out, "  json: false")
		fmt.Fprintln(out, "  yaml: false")
		fmt.Fprintln(out, "  pretty: false")
		return nil
	},
}

// configCheckCmd represents the config check command
var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration and dependencies",
	Long:  `Check the current configuration and verify that the queue service is reachable.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Configuration check:")
		fmt.Fprintf(out, "  relayctl version: %s\n", Version)

		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(out, "  Config file: not found (using defaults)")
		}

		if checkJQAvailable() {
			fmt.Fprintln(out, "  jq: available")
		} else {
			fmt.Fprintln(out, "  jq: not found in PATH")
		}

		fmt.Fprintf(out, "  Server: %s\n", serverURL())

		fmt.Fprintln(out, "\nTesting server connectivity...")
		ctx, cancel := context.WithTimeout(cmdContext(cmd), timeout)
		defer cancel()
		if _, err := newQueueClient().Pending(ctx); err != nil {
			fmt.Fprintf(out, "  Server connectivity: %v\n", err)
		} else {
			fmt.Fprintln(out, "  Server connectivity: OK")
		}
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configCheckCmd)

	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
