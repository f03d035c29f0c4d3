// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Command titandelay sends delayed messages, runs consumers and inspects
// the channels, leases and dead letters stored in Redis.
//
// Usage:
//
//	titandelay send orders '{"id":42}' --delay 30s
//	titandelay consume orders
//	titandelay stats orders payments
//	titandelay leases orders
//	titandelay deadletters list orders
//	titandelay deadletters purge orders
//
// Settings come from --config (YAML), TITANDELAY_* environment variables
// and flags, in increasing order of precedence.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hemant/titandelay"
	"github.com/spf13/cobra"
)

var (
	configFlag  string
	redisFlag   string
	outputFlag  string
	timeoutFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "titandelay",
	Short: "Send, consume and inspect delayed messages",
	Long: `titandelay - delayed message delivery backed by Redis.

Messages sent on a topic are spread over the topic's partitions and handed
to consumers once their delay has elapsed. Messages that keep failing are
kept in the topic's dead-letter store.

Use "titandelay [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "",
		"YAML config file")
	rootCmd.PersistentFlags().StringVar(&redisFlag, "redis", "",
		"Redis URI (env: "+envRedisURL+", default "+defaultRedisURL+")")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table",
		"Output format: table, json, yaml")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 30*time.Second,
		"Timeout of administrative commands")

	rootCmd.AddCommand(sendCmd, consumeCmd, statsCmd, leasesCmd, deadLettersCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// openRegistry connects to Redis with the resolved settings.
func openRegistry() (*titandelay.Registry, error) {
	s, err := loadSettings(configFlag, os.Environ(), redisFlag)
	if err != nil {
		return nil, err
	}
	opt, err := titandelay.ParseRedisURI(s.redisURL)
	if err != nil {
		return nil, err
	}
	return titandelay.NewRegistry(opt, s.config)
}

func newPrinter(cmd *cobra.Command) (*printer, error) {
	f, err := parseOutputFormat(outputFlag)
	if err != nil {
		return nil, err
	}
	return &printer{format: f, w: cmd.OutOrStdout()}, nil
}

// commandContext is cancelled after --timeout or on SIGINT/SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeoutFlag)
	return ctx, func() {
		cancel()
		stop()
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "titandelay %s\n", titandelay.Version)
	},
}
