package main

import (
	"fmt"
	"os"

	"meshmeet/pkg/config"
	"meshmeet/pkg/logger"
	"meshmeet/pkg/validation"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagConfig   string
	flagAPIURL   string
	flagRelayURL string
	flagName     string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "meshmeet",
	Short: "Headless mesh video call participant",
	Long: `meshmeet joins a room on a meshmeet relay as a headless participant.
Media comes from synthetic capture devices; render updates are logged.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagAPIURL, "api", "", "room API base URL")
	rootCmd.PersistentFlags().StringVar(&flagRelayURL, "relay", "", "relay websocket URL")
	rootCmd.PersistentFlags().StringVar(&flagName, "name", "", "display name")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(createRoomCmd, joinCmd, requestCmd)
}

// loadConfig applies command line flags over the file and env config.
func loadConfig() (*config.Config, *zap.SugaredLogger, error) {
	paths := []string{"configs/config.yaml", "config.yaml"}
	if flagConfig != "" {
		paths = []string{flagConfig}
	}
	cfg, _, err := config.LoadFirst(paths...)
	if err != nil {
		return nil, nil, err
	}

	if flagAPIURL != "" {
		cfg.Client.APIURL = flagAPIURL
	}
	if flagRelayURL != "" {
		cfg.Client.RelayURL = flagRelayURL
	}
	if flagName != "" {
		cfg.Client.Name = flagName
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}

	for _, u := range []string{cfg.Client.APIURL, cfg.Client.RelayURL} {
		if err := validation.ValidateURL(u); err != nil {
			return nil, nil, err
		}
	}
	if err := validation.ValidateDisplayName(cfg.Client.Name); err != nil {
		return nil, nil, err
	}
	if err := validation.ValidateEmail(cfg.Client.Email); err != nil {
		return nil, nil, err
	}

	return cfg, logger.New(cfg.Logging.Level).Sugar(), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
