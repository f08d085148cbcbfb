// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/autobrr/ariasync/internal/aria2"
	"github.com/autobrr/ariasync/internal/buildinfo"
	"github.com/autobrr/ariasync/internal/config"
	"github.com/autobrr/ariasync/internal/tasks"
)

func readSecret(prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print(prompt)
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read secret: %w", err)
		}
		return string(secret), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	var secret string
	if _, err := fmt.Scanln(&secret); err != nil {
		return "", fmt.Errorf("failed to read secret from stdin: %w", err)
	}
	return secret, nil
}

func loadClientConfig(configDir, daemonURL string, askSecret bool) (*config.AppConfig, error) {
	cfg, err := config.New(configDir, buildinfo.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}
	if daemonURL != "" {
		cfg.Config.DaemonURL = daemonURL
	}
	if askSecret {
		secret, err := readSecret("aria2 RPC secret: ")
		if err != nil {
			return nil, err
		}
		cfg.Config.DaemonSecret = secret
	}
	return cfg, nil
}

func RunCheckCommand() *cobra.Command {
	var (
		configDir string
		daemonURL string
		askSecret bool
	)

	command := &cobra.Command{
		Use:   "check",
		Short: "Probe the aria2 daemon and report its version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig(configDir, daemonURL, askSecret)
			if err != nil {
				return err
			}

			client := newDaemonClient(cfg)
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if !client.TestConnection(ctx) {
				return fmt.Errorf("aria2 daemon at %s is unreachable", client.Endpoint())
			}

			cmd.Printf("Connected to %s\n", client.Endpoint())
			cmd.Printf("aria2 version: %s\n", client.DaemonVersion())
			if !client.IsSupported() {
				cmd.Println("Warning: this aria2 version is older than the minimum supported version")
			}
			cmd.Printf("BitTorrent support: %t\n", client.SupportsBitTorrent())
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path")
	command.Flags().StringVar(&daemonURL, "daemon-url", "", "override the configured aria2 RPC endpoint")
	command.Flags().BoolVar(&askSecret, "ask-secret", false, "prompt for the aria2 RPC secret")

	return command
}

func RunStatusCommand() *cobra.Command {
	var (
		configDir string
		daemonURL string
		askSecret bool
		filter    string
		search    string
	)

	command := &cobra.Command{
		Use:   "status",
		Short: "Print the daemon's tasks and global transfer stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig(configDir, daemonURL, askSecret)
			if err != nil {
				return err
			}

			client := newDaemonClient(cfg)
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			store := tasks.NewStore()
			// read-only: never prune completed tasks from here
			reconciler := tasks.NewReconciler(tasks.DefaultConfig(), client, store,
				tasks.WithHealthTracker(aria2.NewMonitor(client)),
				tasks.WithPathExists(func(string) bool { return true }))
			if err := reconciler.ReconcileNow(ctx); err != nil {
				return fmt.Errorf("failed to read tasks from %s: %w", client.Endpoint(), err)
			}

			filters := tasks.NewFilterCache()
			defer filters.Close()

			list, err := filters.Apply(filter, store.List())
			if err != nil {
				return fmt.Errorf("invalid filter: %w", err)
			}

			list = tasks.Search(list, search)

			stats, _ := reconciler.Stats()
			return printStatus(cmd.OutOrStdout(), list, stats)
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path")
	command.Flags().StringVar(&daemonURL, "daemon-url", "", "override the configured aria2 RPC endpoint")
	command.Flags().BoolVar(&askSecret, "ask-secret", false, "prompt for the aria2 RPC secret")
	command.Flags().StringVar(&filter, "filter", "", `task filter expression, e.g. 'Status == "active"'`)
	command.Flags().StringVar(&search, "search", "", "name query or glob pattern")

	return command
}

func printStatus(out io.Writer, list []tasks.Task, stats tasks.Stats) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "GID\tSTATUS\tPROGRESS\tSIZE\tDOWN\tUP\tNAME")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%5.1f%%\t%s\t%s\t%s\t%s\n",
			t.GID,
			t.Status,
			t.Progress()*100,
			humanize.IBytes(uint64(max(t.TotalLength, 0))),
			tasks.FormatSpeed(t.DownloadSpeed),
			tasks.FormatSpeed(t.UploadSpeed),
			t.DisplayName(),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n%s tasks: %d active, %d waiting, %d stopped\n",
		humanize.Comma(int64(len(list))), stats.NumActive, stats.NumWaiting, stats.NumStopped)
	fmt.Fprintf(&b, "Download: %s/s  Upload: %s/s\n",
		humanize.IBytes(uint64(max(stats.DownloadSpeed, 0))),
		humanize.IBytes(uint64(max(stats.UploadSpeed, 0))))
	_, err := io.WriteString(out, b.String())
	return err
}
