package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "converse",
	Short: "Chat with hosted LLM providers from the terminal",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(cmd); err != nil {
			return err
		}
		return initLogger()
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "config file (default ~/.converse/config.yaml)")
	rootCmd.PersistentFlags().String("db", "", "sqlite database path (default ~/.converse/converse.db)")
	rootCmd.PersistentFlags().Bool("memory", false, "use the in-memory store instead of sqlite")
	rootCmd.PersistentFlags().String("user", "local", "user id owning the conversations")
	rootCmd.PersistentFlags().String("provider", "openai", "completion provider (openai, claude, echo)")
	rootCmd.PersistentFlags().String("model", "gpt-4", "model id")
	rootCmd.PersistentFlags().String("api-key", "", "provider api key")
	rootCmd.PersistentFlags().String("system-prompt", "", "system prompt prepended to every completion")
	rootCmd.PersistentFlags().Float64("temperature", 0, "sampling temperature")
	rootCmd.PersistentFlags().Int("max-tokens", 0, "response token limit")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newSearchCommand())
	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newRenameCommand())
	rootCmd.AddCommand(newFlagCommands()...)
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newExportCommand())
}

func initConfig(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return err
	}

	viper.SetEnvPrefix("CONVERSE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.converse")
		}
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	return nil
}

func initLogger() error {
	level, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
