// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

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
	sendDelay time.Duration
	sendCount int

	consumePartition int

	cleanMaxAge time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <topic> <content>",
	Short: "Send a delayed message",
	Example: `  titandelay send orders '{"id":42}' --delay 30s
  titandelay send orders ping -n 100`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

var consumeCmd = &cobra.Command{
	Use:   "consume <topic>",
	Short: "Print messages of a topic as they become due",
	Long: `Run consumers for a topic and print every message once its delay has
elapsed. Without --partition, one consumer runs per partition.
Stop with Ctrl-C; in-flight messages are drained first.`,
	Args: cobra.ExactArgs(1),
	RunE: runConsume,
}

var statsCmd = &cobra.Command{
	Use:   "stats <topic>...",
	Short: "Show backlog, lease and dead-letter counts of topics",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStats,
}

var leasesCmd = &cobra.Command{
	Use:   "leases <topic>",
	Short: "List messages held by reliable consumers",
	Args:  cobra.ExactArgs(1),
	RunE:  runLeases,
}

var deadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dl"},
	Short:   "Manage dead letters",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list <topic>",
	Short: "List dead letters of a topic, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeadLettersList,
}

var deadLettersDeleteCmd = &cobra.Command{
	Use:   "delete <topic> <id>...",
	Short: "Delete dead letters by id",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runDeadLettersDelete,
}

var deadLettersPurgeCmd = &cobra.Command{
	Use:   "purge <topic>",
	Short: "Delete every dead letter of a topic",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeadLettersPurge,
}

var deadLettersCleanCmd = &cobra.Command{
	Use:   "clean <topic>",
	Short: "Delete dead letters older than --max-age",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeadLettersClean,
}

func init() {
	sendCmd.Flags().DurationVarP(&sendDelay, "delay", "d", 0, "Delay before the message is due")
	sendCmd.Flags().IntVarP(&sendCount, "count", "n", 1, "Number of copies to send")

	consumeCmd.Flags().IntVarP(&consumePartition, "partition", "p", -1, "Consume a single partition")

	deadLettersCleanCmd.Flags().DurationVar(&cleanMaxAge, "max-age", 168*time.Hour, "Age above which dead letters are deleted")
	deadLettersCmd.AddCommand(deadLettersListCmd, deadLettersDeleteCmd, deadLettersPurgeCmd, deadLettersCleanCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	topic, content := args[0], args[1]
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Shutdown()

	ctx, cancel := commandContext()
	defer cancel()
	for i := 0; i < sendCount; i++ {
		if err := reg.Send(ctx, topic, content, sendDelay); err != nil {
			return fmt.Errorf("sent %d of %d messages: %w", i, sendCount, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %d message(s) to %q, due in %v\n", sendCount, topic, sendDelay)
	return nil
}

func runConsume(cmd *cobra.Command, args []string) error {
	topic := args[0]
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	h := titandelay.NewHandler(topic, func(ctx context.Context, content string) error {
		_, err := fmt.Fprintf(out, "%s\t%s\n", time.Now().Format(time.RFC3339Nano), content)
		return err
	})

	if consumePartition < 0 {
		if err := reg.Register(h); err != nil {
			reg.Shutdown()
			return err
		}
		return reg.Run()
	}

	defer reg.Shutdown()
	c, err := reg.NewConsumer(topic, consumePartition, h)
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Shutdown()

	ctx, cancel := commandContext()
	defer cancel()
	insp := reg.Inspector()
	infos := make([]*titandelay.TopicInfo, 0, len(args))
	for _, topic := range args {
		info, err := insp.Topic(ctx, topic)
		if err != nil {
			return err
		}
		infos = append(infos, info)
	}
	return p.topics(infos)
}

func runLeases(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Shutdown()

	ctx, cancel := commandContext()
	defer cancel()
	leases, err := reg.Inspector().Leases(ctx, args[0])
	if err != nil {
		return err
	}
	return p.leases(leases)
}

func runDeadLettersList(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Shutdown()

	ctx, cancel := commandContext()
	defer cancel()
	dls, err := reg.Inspector().DeadLetters(ctx, args[0])
	if err != nil {
		return err
	}
	return p.deadLetters(dls)
}

func runDeadLettersDelete(cmd *cobra.Command, args []string) error {
	return withInspector(cmd, func(ctx context.Context, insp *titandelay.Inspector) (int, error) {
		return insp.DeleteDeadLetters(ctx, args[0], args[1:]...)
	})
}

func runDeadLettersPurge(cmd *cobra.Command, args []string) error {
	return withInspector(cmd, func(ctx context.Context, insp *titandelay.Inspector) (int, error) {
		return insp.PurgeDeadLetters(ctx, args[0])
	})
}

func runDeadLettersClean(cmd *cobra.Command, args []string) error {
	return withInspector(cmd, func(ctx context.Context, insp *titandelay.Inspector) (int, error) {
		return insp.CleanDeadLetters(ctx, args[0], cleanMaxAge)
	})
}

// withInspector runs a deleting command and reports how many dead letters it removed.
func withInspector(cmd *cobra.Command, fn func(context.Context, *titandelay.Inspector) (int, error)) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Shutdown()

	ctx, cancel := commandContext()
	defer cancel()
	n, err := fn(ctx, reg.Inspector())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d dead letter(s)\n", n)
	return nil
}
