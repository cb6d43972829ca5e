// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package multimap

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
)

// parsePairs reads one "key value" pair per line.
func parsePairs(t *testing.T, input string) [][2]int32 {
	var pairs [][2]int32
	for _, line := range strings.Split(strings.TrimSpace(input), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			t.Fatalf("expected \"key value\", got %q", line)
		}
		var pair [2]int32
		for i, f := range fields {
			n, err := strconv.ParseInt(f, 10, 32)
			if err != nil {
				t.Fatalf("parsing %q: %v", line, err)
			}
			pair[i] = int32(n)
		}
		pairs = append(pairs, pair)
	}
	return pairs
}

func TestMultimapDataDriven(t *testing.T) {
	var m *Multimap
	datadriven.RunTest(t, "testdata/multimap", func(t *testing.T, td *datadriven.TestData) string {
		switch td.Cmd {
		case "new":
			var capacity int
			td.ScanArgs(t, "capacity", &capacity)
			if td.HasArg("collide") {
				m = newWithHash(capacity, func(int32) uint32 { return 0 })
			} else {
				m = New(capacity)
			}
			return fmt.Sprintf("table-size=%d", len(m.keys))

		case "put", "remove", "has":
			var out strings.Builder
			for _, pair := range parsePairs(t, td.Input) {
				var result bool
				switch td.Cmd {
				case "put":
					result = m.Put(pair[0], pair[1])
				case "remove":
					result = m.Remove(pair[0], pair[1])
				case "has":
					result = m.Has(pair[0], pair[1])
				}
				fmt.Fprintf(&out, "%d %d: %t\n", pair[0], pair[1], result)
			}
			return out.String()

		case "get":
			var key int
			td.ScanArgs(t, "key", &key)
			var vals []string
			var ints []int32
			m.Get(int32(key), func(v int32) bool {
				ints = append(ints, v)
				return true
			})
			sort.Slice(ints, func(i, j int) bool { return ints[i] < ints[j] })
			for _, v := range ints {
				vals = append(vals, strconv.Itoa(int(v)))
			}
			if len(vals) == 0 {
				return "<none>"
			}
			return strings.Join(vals, " ")

		case "len":
			return fmt.Sprintf("len=%d tombstones=%d table-size=%d", m.Len(), m.used-m.live, len(m.keys))

		case "clear":
			m.Clear()
			return ""

		default:
			return fmt.Sprintf("unknown command: %s", td.Cmd)
		}
	})
}
