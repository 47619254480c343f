package storage

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/malbeclabs/timestore/internal/model"
)

// ColumnStatistics computes per-column min/max/null-count summaries, stored
// on the Partition row per spec.md §3 so query planners can prune files
// without opening them. There is no statistics library in the example
// corpus for this; it is a direct min/max/count fold over the already
// in-memory rows, not worth a dependency.
func ColumnStatistics(schema model.Schema, rows []Row) map[string]any {
	out := make(map[string]any, len(schema))
	for _, f := range schema {
		stat := map[string]any{"nullCount": 0}
		var hasValue bool
		for _, row := range rows {
			v, ok := row[f.Name]
			if !ok || v == nil {
				stat["nullCount"] = stat["nullCount"].(int) + 1
				continue
			}
			if !hasValue {
				stat["min"] = v
				stat["max"] = v
				hasValue = true
				continue
			}
			if less(v, stat["min"]) {
				stat["min"] = v
			}
			if less(stat["max"], v) {
				stat["max"] = v
			}
		}
		out[f.Name] = stat
	}
	return out
}

func less(a, b any) bool {
	switch av := a.(type) {
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Before(bv)
	case string:
		bv, ok := b.(string)
		return ok && av < bv
	case float64:
		bv, ok := b.(float64)
		return ok && av < bv
	case int64:
		bv, ok := b.(int64)
		return ok && av < bv
	default:
		return false
	}
}

// bloomFilter is a minimal fixed-size bit-array Bloom filter over string
// representations of column values, used for ColumnBloomFilters equality
// pruning (spec.md §3). No Bloom filter library appears anywhere in the
// example corpus; this is a small enough primitive (a bit array plus two
// FNV hashes) to implement directly rather than introduce an unlisted
// dependency for it.
type bloomFilter struct {
	bits []byte
	k    int
}

func newBloomFilter(sizeBytes, k int) *bloomFilter {
	if sizeBytes < 1 {
		sizeBytes = 1
	}
	if k < 1 {
		k = 1
	}
	return &bloomFilter{bits: make([]byte, sizeBytes), k: k}
}

func (b *bloomFilter) add(s string) {
	h1, h2 := b.hashes(s)
	nbits := uint64(len(b.bits)) * 8
	for i := 0; i < b.k; i++ {
		pos := (h1 + uint64(i)*h2) % nbits
		b.bits[pos/8] |= 1 << (pos % 8)
	}
}

func (b *bloomFilter) hashes(s string) (uint64, uint64) {
	h1 := fnv.New64a()
	h1.Write([]byte(s))
	h2 := fnv.New64()
	h2.Write([]byte(s))
	return h1.Sum64(), h2.Sum64()
}

// ColumnBloomFilters builds one Bloom filter per column over that column's
// string-formatted values, sized for roughly len(rows) entries at a ~1%
// false-positive rate.
func ColumnBloomFilters(schema model.Schema, rows []Row) map[string][]byte {
	out := make(map[string][]byte, len(schema))
	sizeBytes := bloomSizeBytes(len(rows))
	for _, f := range schema {
		bf := newBloomFilter(sizeBytes, 4)
		for _, row := range rows {
			v, ok := row[f.Name]
			if !ok || v == nil {
				continue
			}
			bf.add(formatForBloom(v))
		}
		out[f.Name] = bf.bits
	}
	return out
}

func bloomSizeBytes(n int) int {
	if n < 16 {
		n = 16
	}
	// ~10 bits per entry, rounded up to bytes.
	return (n*10 + 7) / 8
}

func formatForBloom(v any) string {
	switch tv := v.(type) {
	case time.Time:
		return tv.UTC().Format(time.RFC3339Nano)
	case string:
		return tv
	default:
		return fmt.Sprintf("%v", tv)
	}
}
