package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"juttled/internal/config"
)

var (
	flagPort    string
	flagRoot    string
	flagConfig  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "juttled",
	Short: "Run the juttle job server",
	Long: `Run the juttle job server.

Programs submitted over the HTTP API run in worker subprocesses. Their output
is streamed to websocket subscribers of /api/v0/jobs/{job_id}.

Flags override the matching environment variables.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if flagVerbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		svcCfg, err := loadServiceConfig(cmd)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), svcCfg)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flagPort, "port", "p", "", "API listen port (env PORT)")
	rootCmd.Flags().StringVarP(&flagRoot, "root", "r", "", "root directory for path-based programs (env ROOT_DIRECTORY)")
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "juttle config file, also passed to workers (env JUTTLE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
}

// loadServiceConfig reads the environment, then the config file, then the
// command line flags that were set explicitly.
func loadServiceConfig(cmd *cobra.Command) (*config.ServiceConfig, error) {
	svcCfg := config.LoadServiceConfig()

	if cmd.Flags().Changed("config") {
		svcCfg.ConfigPath = flagConfig
	}
	if svcCfg.ConfigPath != "" {
		if err := svcCfg.ApplyFile(svcCfg.ConfigPath); err != nil {
			return nil, err
		}
	}
	if cmd.Flags().Changed("port") {
		svcCfg.Port = flagPort
	}
	if cmd.Flags().Changed("root") {
		svcCfg.RootDirectory = flagRoot
	}
	return svcCfg, nil
}
