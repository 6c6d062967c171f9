package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/cyl19970726/continue-reasoning-sub003/internal/config"
	"github.com/spf13/cobra"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and initialize the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with API keys masked",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for errors",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), config.NewLoader(cfgFile).ConfigPath())
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing config file")

	configCmd.AddCommand(configShowCmd, configInitCmd, configValidateCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	masked := *cfg
	masked.AI.Profiles = make([]config.AIProfile, len(cfg.AI.Profiles))
	for i, p := range cfg.AI.Profiles {
		p.APIKey = maskKey(p.APIKey)
		masked.AI.Profiles[i] = p
	}
	fmt.Fprintln(cmd.OutOrStdout(), masked.String())
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.ConfigPath()
	if path == "" {
		return errors.New("cannot resolve config path")
	}
	if _, err := os.Stat(path); err == nil && !configInitForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}

	if err := loader.Save(config.DefaultConfig()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if err := cfg.Validate(); err != nil {
		return err
	}
	warnings := config.NewValidator().ValidateConfig(cfg)
	for _, w := range warnings {
		fmt.Fprintf(out, "warning: %v\n", w)
	}
	fmt.Fprintf(out, "Config OK (%d warning(s))\n", len(warnings))
	return nil
}

// maskKey keeps a short prefix so keys stay recognizable.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 10 {
		return "****"
	}
	return key[:7] + "****"
}
