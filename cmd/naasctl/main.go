// Command naasctl drives a naas server from the command line.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:           "naasctl",
	Short:         "Client for the neuron simulation service",
	Long:          "naasctl loads models on a naas server, runs simulations from TOML presets and measures run latency.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "config file (default .naasctl.yaml)")
	pf.String("server", "ws://localhost:8000/ws", "naas websocket URL")
	pf.String("origin", "", "Origin header sent on connect")
	pf.Duration("timeout", defaultTimeout, "how long to wait for each server event")
	pf.BoolP("verbose", "v", false, "log protocol traffic")

	for _, name := range []string{"server", "origin", "timeout", "verbose"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func initConfig() {
	if cfgFile, _ := rootCmd.Flags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".naasctl")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
	}

	viper.SetEnvPrefix("NAASCTL")
	viper.AutomaticEnv()

	// no config file is fine
	_ = viper.ReadInConfig()

	level := slog.LevelWarn
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
