// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// blobtool is a developer tool for poking at blob storages and append logs.
package main

import (
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:          "blobtool [command] (flags)",
		Short:        "blob storage generation/introspection tool",
		Long:         ``,
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(
		&verbose, "verbose", "v", false, "log storage events to stderr")

	logger := func() *slog.Logger {
		if !verbose {
			return slog.New(slog.NewTextHandler(io.Discard, nil))
		}
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	s := newStorageT(logger)
	l := newLogT(logger)
	root.AddCommand(s.Gen, s.Stat, s.Dump, s.Check, l.Root)
	return root
}

func main() {
	log.SetFlags(0)

	cobra.EnableCommandSorting = false
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
