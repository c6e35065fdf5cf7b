package main

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/devmgmt/swagent/internal/config"
	"github.com/devmgmt/swagent/internal/env"
	"github.com/devmgmt/swagent/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "swagent",
	Short: "Software update agent for apt and snap devices",
	Long: `swagent receives c8y_SoftwareUpdate and c8y_SoftwareList operations over SmartREST,
applies them through apt or snapd and reports the outcome and the resulting inventory.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

var (
	rootConfigPath string
	rootLogLevel   string
	rootLogFile    string

	cfg       *config.Config
	logCloser io.Closer
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "agent.yaml path or directory (default from SWAGENT_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "log level overriding log.level")
	rootCmd.PersistentFlags().StringVar(&rootLogFile, "log-file", "", "rotating log file overriding log.file")
	rootCmd.AddCommand(
		newRunCmd(),
		newApplyCmd(),
		newListCmd(),
		newHistoryCmd(),
		newSnapCmd(),
	)
	_ = env.Ensure()
}

func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(firstNonEmpty(rootConfigPath, config.String("SWAGENT_CONFIG", "")))
	if err != nil {
		return err
	}
	closer, err := logging.Setup(logging.Options{
		Level:   firstNonEmpty(rootLogLevel, loaded.Log.Level),
		File:    firstNonEmpty(rootLogFile, loaded.Log.File),
		NoColor: config.Bool("NO_COLOR", false),
	})
	if err != nil {
		return err
	}
	cfg, logCloser = loaded, closer
	if path := env.LoadedPath(); path != "" {
		log.Debug().Str("dotenv", path).Msg("environment loaded")
	}
	log.Debug().Str("command", cmd.Name()).Str("packagemanager", cfg.Software.PackageManager).Msg("configuration loaded")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("swagent command failed")
	}
}
