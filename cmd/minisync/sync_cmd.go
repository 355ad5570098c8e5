package main

import (
	"fmt"
	"log/slog"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/minisync/internal/client"
	"github.com/openmined/minisync/internal/client/sync"
	"github.com/openmined/minisync/internal/vault"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(
		newSyncCmd(),
		newStatusCmd(),
		newResolveCmd(),
		newMergeCmd(),
		newSnapshotCmd(),
		newShowCmd(),
	)
}

func newSyncCmd() *cobra.Command {
	var scan, noSnapshot bool
	var output string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validFormat(output); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			c, err := openClient(cmd, map[string]string{"strategy": "strategy"}, client.Options{
				Scan:       scan,
				NoSnapshot: noSnapshot,
			})
			if err != nil {
				return err
			}
			defer c.Close()

			sum, err := c.Service().SyncOnce(cmd.Context(), c.Strategy())
			if err != nil {
				return err
			}
			if output != formatText {
				return writeStructured(cmd.OutOrStdout(), output, sum)
			}
			printSummary(cmd.OutOrStdout(), sum)
			return nil
		},
	}

	cmd.Flags().BoolVar(&scan, "scan", false, "record edits made while no watcher was running")
	cmd.Flags().String("strategy", "", "conflict strategy for paths without a decision: local, remote, manual_merge")
	cmd.Flags().BoolVar(&noSnapshot, "no-snapshot", false, "do not publish a snapshot after pushing")
	cmd.Flags().StringVarP(&output, "output", "o", formatText, "output format: text, json, yaml")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var filter, output string
	var conflictsOnly bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the sync status of every tracked path",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validFormat(output); err != nil {
				return err
			}
			if filter != "" && !doublestar.ValidatePattern(filter) {
				return fmt.Errorf("bad filter pattern %q", filter)
			}
			cmd.SilenceUsage = true

			c, err := openClient(cmd, nil, client.Options{})
			if err != nil {
				return err
			}
			defer c.Close()

			comparisons, _, err := c.Service().Status()
			if err != nil {
				return err
			}
			latest, err := c.Service().Recorder().Latest()
			if err != nil {
				slog.Warn("read local history", "error", err)
			}

			rows := make([]statusRow, 0, len(comparisons))
			for _, cmp := range comparisons {
				if filter != "" {
					if ok, _ := doublestar.Match(filter, cmp.Path); !ok {
						continue
					}
				}
				if conflictsOnly && cmp.Status != sync.StatusConflict {
					continue
				}
				row := statusRow{
					Path:      cmp.Path,
					Status:    string(cmp.Status),
					UpdatedAt: cmp.State.UpdatedAt,
				}
				if cmp.Conflict != nil {
					row.Conflict = string(cmp.Conflict.Type)
				}
				if e, ok := latest[cmp.Path]; ok {
					row.Size = e.Change.Size
				}
				rows = append(rows, row)
			}

			if output != formatText {
				return writeStructured(cmd.OutOrStdout(), output, rows)
			}
			printStatus(cmd.OutOrStdout(), rows)
			return nil
		},
	}

	cmd.Flags().StringVarP(&filter, "filter", "f", "", "only paths matching this glob, e.g. 'daily/**/*.md'")
	cmd.Flags().BoolVar(&conflictsOnly, "conflicts", false, "only conflicted paths")
	cmd.Flags().StringVarP(&output, "output", "o", formatText, "output format: text, json, yaml")
	return cmd
}

func newResolveCmd() *cobra.Command {
	var strategy string

	cmd := &cobra.Command{
		Use:   "resolve <path>",
		Short: "Record how a conflicted path is resolved on the next sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strat, err := sync.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			c, err := openClient(cmd, nil, client.Options{})
			if err != nil {
				return err
			}
			defer c.Close()

			dec, err := c.Service().Resolve(args[0], strat)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", green.Render("resolve"), dec.Path, gray.Render("with "+string(dec.Strategy)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&strategy, "strategy", "s", "", "local, remote or manual_merge")
	cmd.MarkFlagRequired("strategy")
	return cmd
}

func newMergeCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "merge <path>",
		Short: "Submit merged content for a conflicted path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(cmd, file)
			if err != nil {
				return fmt.Errorf("read merged content: %w", err)
			}
			cmd.SilenceUsage = true

			c, err := openClient(cmd, nil, client.Options{})
			if err != nil {
				return err
			}
			defer c.Close()

			st, err := c.Service().SubmitMerge(cmd.Context(), args[0], content)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", green.Render("merged"), vault.NormPath(args[0]), gray.Render(st.LastLocalHash.Short()))
			fmt.Fprintln(cmd.OutOrStdout(), gray.Render("the merge is pushed on the next sync"))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "file holding the merged content, or - for stdin")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Publish a snapshot of the vault to the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			c, err := openClient(cmd, nil, client.Options{})
			if err != nil {
				return err
			}
			defer c.Close()

			id, err := c.Service().PublishSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green.Render("snapshot"), id)
			return nil
		},
	}
}

func newShowCmd() *cobra.Command {
	var side string

	cmd := &cobra.Command{
		Use:   "show <path>",
		Short: "Print one side of a path: local, base or remote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			c, err := openClient(cmd, nil, client.Options{})
			if err != nil {
				return err
			}
			defer c.Close()

			reader := c.Service().ContentReader()
			var data []byte
			switch side {
			case "local":
				data, err = reader.Local(args[0])
			case "base":
				data, err = reader.Base(cmd.Context(), args[0])
			case "remote":
				data, err = reader.Remote(cmd.Context(), args[0])
			default:
				return fmt.Errorf("unknown side %q", side)
			}
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().StringVar(&side, "side", "local", "local, base or remote")
	return cmd
}
