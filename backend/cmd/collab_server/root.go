package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"docsync/backend/config"
	"docsync/backend/internal/logging"
)

var (
	v       = viper.New()
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "collab_server",
		Short: "collaborative document server (OT revisions over websocket)",
		Long: `collab_server serves real-time collaborative editing.

Configuration is read from collabConfig.yaml (./backend/config, ./config or .),
overridden by DOCSYNC_<SECTION>_<KEY> environment variables and command line flags.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default collabConfig.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)
}

// loadConfig 读取配置并初始化日志
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Console)
	return cfg, nil
}
