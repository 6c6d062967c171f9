package cli

import (
	"github.com/cyl19970726/continue-reasoning-sub003/internal/config"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "continue-reasoning",
	Short: "continue-reasoning - a step-loop LLM agent runtime",
	Long: `continue-reasoning drives a language model through a bounded loop of
reasoning steps. Each step renders a prompt, calls the model, runs the
requested tools through a shared priority queue and records the result
until the model produces a final answer.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.continue-reasoning/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// loadConfig reads the config selected by --config and applies --log-level.
func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, loader, nil
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
