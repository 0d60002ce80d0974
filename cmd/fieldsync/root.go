package main

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first sync for field-collected property records",
	Long: `fieldsync keeps field-collected property records durable on the device
and synchronized with the central service whenever connectivity allows.

Every edit lands in the local store first and queues for delivery; the
agent pushes over a persistent connection when it can, falls back to
periodic polling when it cannot, and recovers automatically. Run "agent"
on field devices and "serve" on the central host.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: fieldsync.yaml in . or $HOME/.fieldsync)")
	rootCmd.PersistentFlags().String("log-file", "", "log to this file with rotation instead of stderr")
	_ = viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))
}

// initConfig layers configuration: file, then FIELDSYNC_* environment
// variables, then flags.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("fieldsync")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.fieldsync")
	}

	viper.SetEnvPrefix("fieldsync")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		log.Printf("using config file %s", viper.ConfigFileUsed())
	}
}

// newLogger builds the process logger: rotated file logging when
// configured, stderr otherwise.
func newLogger(prefix string) *log.Logger {
	if path := viper.GetString("log_file"); path != "" {
		return log.New(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}, prefix, log.LstdFlags)
	}
	return log.New(os.Stderr, prefix, log.LstdFlags)
}
