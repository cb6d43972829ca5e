// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/bpowers/blob/appendlog"
)

// logT implements the append log subcommands.
type logT struct {
	Root *cobra.Command
	Gen  *cobra.Command
	Dump *cobra.Command

	logger func() *slog.Logger

	records    int
	maxSize    int
	seed       int64
	pageSize   int
	dumpValues bool
}

func newLogT(logger func() *slog.Logger) *logT {
	l := &logT{logger: logger}

	l.Root = &cobra.Command{
		Use:   "log",
		Short: "append log tools",
	}
	l.Gen = &cobra.Command{
		Use:   "gen <log>",
		Short: "append random records to a log",
		Args:  cobra.ExactArgs(1),
		RunE:  l.runGen,
	}
	l.Gen.Flags().IntVarP(&l.records, "records", "n", 1000, "number of records to append")
	l.Gen.Flags().IntVar(&l.maxSize, "max-size", 256, "maximum payload size")
	l.Gen.Flags().Int64Var(&l.seed, "seed", 1, "random seed")

	l.Dump = &cobra.Command{
		Use:   "dump <log>",
		Short: "print every record in a log",
		Args:  cobra.ExactArgs(1),
		RunE:  l.runDump,
	}
	l.Dump.Flags().BoolVar(&l.dumpValues, "values", false, "print payloads")

	for _, cmd := range []*cobra.Command{l.Gen, l.Dump} {
		cmd.Flags().IntVar(&l.pageSize, "page-size", 0, "page size for new logs (default 8KiB)")
	}
	l.Root.AddCommand(l.Gen, l.Dump)
	return l
}

func (l *logT) open(path string) (*appendlog.Log, error) {
	opts := []appendlog.Option{appendlog.WithLogger(l.logger())}
	if l.pageSize > 0 {
		opts = append(opts, appendlog.WithPageSize(l.pageSize))
	}
	return appendlog.Open(path, opts...)
}

func (l *logT) runGen(cmd *cobra.Command, args []string) error {
	lg, err := l.open(args[0])
	if err != nil {
		return err
	}
	defer lg.Close()

	if l.maxSize < 0 || l.maxSize > lg.MaxPayloadSize() {
		return errors.Newf("max-size must be in [0, %d]", lg.MaxPayloadSize())
	}

	rng := rand.New(rand.NewSource(l.seed))
	for i := 0; i < l.records; i++ {
		payload := make([]byte, rng.Intn(l.maxSize+1))
		_, _ = rng.Read(payload)
		if _, err := lg.Append(payload); err != nil {
			return errors.Wrapf(err, "appending record %d", i)
		}
	}
	if err := lg.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records, write pointer %d\n",
		args[0], lg.Len(), lg.WritePointer())
	return nil
}

func (l *logT) runDump(cmd *cobra.Command, args []string) error {
	lg, err := l.open(args[0])
	if err != nil {
		return err
	}
	defer lg.Close()

	stdout := cmd.OutOrStdout()
	return lg.ForEach(func(id appendlog.RecordID, payload []byte) bool {
		if l.dumpValues {
			fmt.Fprintf(stdout, "%d: len=%d %x\n", id, len(payload), payload)
		} else {
			fmt.Fprintf(stdout, "%d: len=%d\n", id, len(payload))
		}
		return true
	})
}
