package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/spotguard/internal/config"
	"github.com/psantana5/spotguard/internal/supervisor"
	"github.com/psantana5/spotguard/pkg/logging"
)

var (
	cfgFile      string
	outputFormat string

	// configErr is set when an explicitly requested config file cannot be read.
	configErr error

	// exitCode is what the process exits with once the command returns.
	exitCode int
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "spotguard",
	Short: "Supervisor for preemptible evolutionary-search jobs",
	Long: `spotguard runs one attempt of a long-running evolutionary-search job on
reclaimable compute. It stages inputs from durable storage, resumes from the
newest complete checkpoint, syncs output while the worker runs, and shuts the
worker down in order when the machine is reclaimed.`,
	SilenceUsage: true,
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if exitCode == 0 {
			return 1
		}
	}
	return exitCode
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/spotguard/config.yaml or $HOME/.spotguard/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "output format: table or json")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text or json")

	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	config.Bind(viper.GetViper())

	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath("/etc/spotguard")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".spotguard"))
		}
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		// A missing default config file is fine, a missing explicit one is not.
		if cfgFile != "" {
			configErr = fmt.Errorf("read config %s: %w", cfgFile, err)
		} else if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			configErr = fmt.Errorf("read config: %w", err)
		}
	}
}

// loadConfig resolves the configuration and reports every problem at once.
func loadConfig() (*config.Config, error) {
	if configErr != nil {
		return nil, configErr
	}
	return config.Load(viper.GetViper())
}

func newLogger(cfg *config.Config) *logging.Logger {
	return logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat == "json")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// fail records a configuration failure so the process exits with EX_CONFIG.
func fail(err error) error {
	exitCode = supervisor.ExitConfig
	return err
}
