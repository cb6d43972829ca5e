// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/bpowers/blob"
)

// storageT implements the blob storage subcommands.
type storageT struct {
	Gen   *cobra.Command
	Stat  *cobra.Command
	Dump  *cobra.Command
	Check *cobra.Command

	logger func() *slog.Logger

	// gen flags
	records    int
	minSize    int
	maxSize    int
	rewrites   float64
	deletes    float64
	seed       int64
	pageSize   int
	mmap       bool
	dumpValues bool
}

func newStorageT(logger func() *slog.Logger) *storageT {
	s := &storageT{logger: logger}

	s.Gen = &cobra.Command{
		Use:   "gen <storage>",
		Short: "fill a storage with random records",
		Long: `
Write random records into the storage, creating it if needed.  A fraction
of the records are then rewritten with larger payloads, which relocates
them, and a fraction are deleted.
`,
		Args: cobra.ExactArgs(1),
		RunE: s.runGen,
	}
	s.Gen.Flags().IntVarP(&s.records, "records", "n", 1000, "number of records to write")
	s.Gen.Flags().IntVar(&s.minSize, "min-size", 16, "minimum payload size")
	s.Gen.Flags().IntVar(&s.maxSize, "max-size", 256, "maximum payload size")
	s.Gen.Flags().Float64Var(&s.rewrites, "rewrites", 0.2, "fraction of records rewritten with a larger payload")
	s.Gen.Flags().Float64Var(&s.deletes, "deletes", 0.05, "fraction of records deleted")
	s.Gen.Flags().Int64Var(&s.seed, "seed", 1, "random seed")

	s.Stat = &cobra.Command{
		Use:   "stat <storages>",
		Short: "print storage header counters",
		Args:  cobra.MinimumNArgs(1),
		RunE:  s.runStat,
	}
	s.Dump = &cobra.Command{
		Use:   "dump <storage>",
		Short: "print every slot in the storage",
		Args:  cobra.ExactArgs(1),
		RunE:  s.runDump,
	}
	s.Dump.Flags().BoolVar(&s.dumpValues, "values", false, "print live payloads")
	s.Check = &cobra.Command{
		Use:   "check <storages>",
		Short: "verify storage consistency",
		Args:  cobra.MinimumNArgs(1),
		RunE:  s.runCheck,
	}

	for _, cmd := range []*cobra.Command{s.Gen, s.Stat, s.Dump, s.Check} {
		cmd.Flags().IntVar(&s.pageSize, "page-size", 0, "page size for new storages (default 8KiB)")
		cmd.Flags().BoolVar(&s.mmap, "mmap", true, "use memory mapping")
	}
	return s
}

func (s *storageT) open(path string) (*blob.Storage, error) {
	opts := []blob.Option{
		blob.WithMemoryMapping(s.mmap),
		blob.WithLogger(s.logger()),
	}
	if s.pageSize > 0 {
		opts = append(opts, blob.WithPageSize(s.pageSize))
	}
	return blob.Open(path, opts...)
}

func (s *storageT) runGen(cmd *cobra.Command, args []string) error {
	if s.minSize < 0 || s.maxSize < s.minSize {
		return errors.Newf("invalid payload size range [%d, %d]", s.minSize, s.maxSize)
	}
	st, err := s.open(args[0])
	if err != nil {
		return err
	}
	defer st.Close()

	rng := rand.New(rand.NewSource(s.seed))
	payload := func(size int) []byte {
		b := make([]byte, size)
		_, _ = rng.Read(b)
		return b
	}
	size := func() int {
		return s.minSize + rng.Intn(s.maxSize-s.minSize+1)
	}

	ids := make([]blob.RecordID, 0, s.records)
	for i := 0; i < s.records; i++ {
		id, err := st.Write(blob.NullID, payload(size()))
		if err != nil {
			return errors.Wrapf(err, "writing record %d", i)
		}
		ids = append(ids, id)
	}

	rewritten, deleted := 0, 0
	for _, id := range ids {
		switch r := rng.Float64(); {
		case r < s.deletes:
			if err := st.DeleteRecord(id); err != nil {
				return errors.Wrapf(err, "deleting %d", id)
			}
			deleted++
		case r < s.deletes+s.rewrites:
			n := min(size()*2, st.MaxPayloadSize())
			if _, err := st.Write(id, payload(n)); err != nil {
				return errors.Wrapf(err, "rewriting %d", id)
			}
			rewritten++
		}
	}

	if err := st.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: wrote %d, rewrote %d, deleted %d\n",
		args[0], len(ids), rewritten, deleted)
	return nil
}

func (s *storageT) runStat(cmd *cobra.Command, args []string) error {
	tbl := tablewriter.NewWriter(cmd.OutOrStdout())
	tbl.SetHeader([]string{"path", "page-size", "file-size", "allocated", "relocated", "deleted", "live", "data-format"})
	for _, path := range args {
		st, err := s.open(path)
		if err != nil {
			return err
		}
		stats, err := st.Stats()
		_ = st.Close()
		if err != nil {
			return errors.Wrapf(err, "stat %s", path)
		}
		tbl.Append([]string{
			path,
			strconv.Itoa(stats.PageSize),
			strconv.FormatInt(stats.FileSize, 10),
			strconv.Itoa(stats.Allocated),
			strconv.Itoa(stats.Relocated),
			strconv.Itoa(stats.Deleted),
			strconv.Itoa(stats.LiveRecords),
			strconv.Itoa(int(stats.DataFormatVersion)),
		})
	}
	tbl.Render()
	return nil
}

func (s *storageT) runDump(cmd *cobra.Command, args []string) error {
	st, err := s.open(args[0])
	if err != nil {
		return err
	}
	defer st.Close()

	stdout := cmd.OutOrStdout()
	return st.ForEach(func(id blob.RecordID, capacity, length int, payload []byte) bool {
		switch length {
		case blob.LengthMoved:
			fmt.Fprintf(stdout, "%d: moved cap=%d\n", id, capacity)
		case blob.LengthDeleted:
			fmt.Fprintf(stdout, "%d: deleted cap=%d\n", id, capacity)
		default:
			if s.dumpValues {
				fmt.Fprintf(stdout, "%d: len=%d cap=%d %x\n", id, length, capacity, payload)
			} else {
				fmt.Fprintf(stdout, "%d: len=%d cap=%d\n", id, length, capacity)
			}
		}
		return true
	})
}

func (s *storageT) runCheck(cmd *cobra.Command, args []string) error {
	tbl := tablewriter.NewWriter(cmd.OutOrStdout())
	tbl.SetHeader([]string{"path", "live", "moved", "deleted", "live-bytes", "capacity-bytes", "padding-bytes"})
	var failed error
	for _, path := range args {
		st, err := s.open(path)
		if err != nil {
			return err
		}
		report, err := st.Check()
		_ = st.Close()
		if err != nil {
			fmt.Fprintf(cmd.OutOrStderr(), "%s: %s\n", path, err)
			failed = errors.CombineErrors(failed, errors.Wrapf(err, "check %s", path))
			continue
		}
		tbl.Append([]string{
			path,
			strconv.Itoa(report.Live),
			strconv.Itoa(report.Moved),
			strconv.Itoa(report.Deleted),
			strconv.FormatInt(report.LiveBytes, 10),
			strconv.FormatInt(report.CapacityBytes, 10),
			strconv.FormatInt(report.PaddingBytes, 10),
		})
	}
	tbl.Render()
	return failed
}
