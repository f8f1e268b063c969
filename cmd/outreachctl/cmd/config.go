package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configKeys = []string{"server", "timeout", "json"}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage outreachctl configuration",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Run: func(cmd *cobra.Command, args []string) {
		if outputJSON {
			printOutput(map[string]any{
				"server":  viper.GetString("server"),
				"timeout": viper.GetDuration("timeout").String(),
				"json":    viper.GetBool("json"),
			})
			return
		}
		fmt.Println("Current configuration:")
		fmt.Printf("  Server: %s\n", viper.GetString("server"))
		fmt.Printf("  Timeout: %s\n", viper.GetDuration("timeout"))
		fmt.Printf("  JSON Output: %v\n", viper.GetBool("json"))
		if viper.ConfigFileUsed() != "" {
			fmt.Printf("  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Println("  Config file: none (using defaults)")
		}
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  outreachctl config set server http://localhost:8080
  outreachctl config set timeout 60s`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		v, err := parseConfigValue(key, value)
		if err != nil {
			return err
		}
		viper.Set(key, v)

		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath := filepath.Join(home, ".outreachctl.yaml")
		if err := viper.WriteConfigAs(configPath); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		fmt.Printf("Configuration saved to: %s\n", configPath)
		return nil
	},
}

// parseConfigValue validates a key and converts value to the type viper stores
func parseConfigValue(key, value string) (any, error) {
	switch key {
	case "json":
		switch value {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		}
		return nil, fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid duration for timeout: %s", value)
		}
		return d.String(), nil
	case "server":
		if value == "" {
			return nil, fmt.Errorf("server must not be empty")
		}
		return value, nil
	}
	return nil, fmt.Errorf("invalid configuration key: %s. Valid keys are: %v", key, configKeys)
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
}
