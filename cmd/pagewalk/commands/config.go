package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/cursorpage/config"
)

// NewConfigCommand prints the effective configuration.
func NewConfigCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "max_limit:      %d\n", cfg.MaxLimit)
			fmt.Fprintf(out, "default_ttl:    %s\n", cfg.DefaultTTL)
			fmt.Fprintf(out, "prefetch_next:  %t\n", cfg.PrefetchNext)
			fmt.Fprintf(out, "cache:          %s/%s ns=%s\n", cfg.Cache.Provider, cfg.Cache.Codec, cfg.Cache.Namespace)
			fmt.Fprintf(out, "fetch:          retries=%d breaker=%d/%.2f cooldown=%s\n",
				cfg.Fetch.MaxRetries, cfg.Fetch.BreakerThreshold, cfg.Fetch.BreakerRatio, cfg.Fetch.BreakerCooldown)
			fmt.Fprintf(out, "logger:         %s (%s)\n", cfg.Logger.Adapter, cfg.Logger.Level)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	return cmd
}
